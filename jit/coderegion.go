/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package jit

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/google/btree"
)

var ErrRegionFull = errors.New("jit: code region full")

const codeAlign = 16

type span struct {
	off, size int
}

// CodeRegion is one fixed mapping for all generated code. The constant pool
// occupies [0, poolSize); blocks are carved out of the rest.
type CodeRegion struct {
	mem        []byte
	poolSize   int
	pool       *ConstPool
	free       *btree.BTreeG[span] // by offset
	used       int
	executable bool
}

func NewCodeRegion(size, poolSize int) (*CodeRegion, error) {
	if poolSize < 0 || size <= poolSize {
		return nil, fmt.Errorf("code region of %d bytes cannot hold a %d byte constant pool", size, poolSize)
	}
	poolSize = (poolSize + codeAlign - 1) &^ (codeAlign - 1)
	mem, executable, err := mapRegion(size)
	if err != nil {
		return nil, err
	}
	r := &CodeRegion{
		mem:        mem,
		poolSize:   poolSize,
		free:       btree.NewG(8, func(a, b span) bool { return a.off < b.off }),
		executable: executable,
	}
	r.pool = newConstPool(mem[:poolSize:poolSize])
	r.Clear()
	return r, nil
}

func (r *CodeRegion) Pool() *ConstPool { return r.pool }

// Executable reports whether code in the region can run on the host.
func (r *CodeRegion) Executable() bool { return r.executable }

func (r *CodeRegion) Size() int { return len(r.mem) }

func (r *CodeRegion) Used() int { return r.used }

// Free is the number of bytes not handed out to blocks.
func (r *CodeRegion) Free() int { return len(r.mem) - r.poolSize - r.used }

func (r *CodeRegion) Addr(off int) uintptr { return uintptr(unsafe.Pointer(&r.mem[0])) + uintptr(off) }

func (r *CodeRegion) Bytes(off, n int) []byte { return r.mem[off : off+n : off+n] }

func (r *CodeRegion) ptr(off int) unsafe.Pointer { return unsafe.Pointer(&r.mem[off]) }

// Alloc returns the offset of the first free span holding n bytes.
func (r *CodeRegion) Alloc(n int) (int, error) {
	n = (n + codeAlign - 1) &^ (codeAlign - 1)
	var found span
	ok := false
	r.free.Ascend(func(s span) bool {
		if s.size >= n {
			found, ok = s, true
			return false
		}
		return true
	})
	if !ok {
		return 0, ErrRegionFull
	}
	r.free.Delete(found)
	if found.size > n {
		r.free.ReplaceOrInsert(span{found.off + n, found.size - n})
	}
	r.used += n
	return found.off, nil
}

// Trim shrinks an allocation of size bytes at off down to n bytes.
func (r *CodeRegion) Trim(off, size, n int) {
	size = (size + codeAlign - 1) &^ (codeAlign - 1)
	n = (n + codeAlign - 1) &^ (codeAlign - 1)
	if n < size {
		r.Release(off+n, size-n)
	}
}

// Release returns [off, off+size) and merges it with free neighbours.
func (r *CodeRegion) Release(off, size int) {
	size = (size + codeAlign - 1) &^ (codeAlign - 1)
	if size == 0 {
		return
	}
	r.used -= size
	s := span{off, size}
	r.free.DescendLessOrEqual(span{off: off}, func(prev span) bool {
		if prev.off+prev.size == off {
			r.free.Delete(prev)
			s = span{prev.off, prev.size + s.size}
		}
		return false
	})
	r.free.AscendGreaterOrEqual(span{off: off + size}, func(next span) bool {
		if next.off == off+size {
			r.free.Delete(next)
			s.size += next.size
		}
		return false
	})
	fill(r.mem[off : off+size])
	r.free.ReplaceOrInsert(s)
}

// Clear frees every block and the constant pool.
func (r *CodeRegion) Clear() {
	r.free.Clear(false)
	r.free.ReplaceOrInsert(span{r.poolSize, len(r.mem) - r.poolSize})
	r.used = 0
	r.pool.Clear()
	fill(r.mem[r.poolSize:])
}

func (r *CodeRegion) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unmapRegion(r.mem)
	r.mem = nil
	return err
}

// fill overwrites released code with int3 so stale jumps trap.
func fill(b []byte) {
	for i := range b {
		b[i] = 0xCC
	}
}
