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
)

var ErrPoolExhausted = errors.New("jit: constant pool exhausted")

type poolEntry struct {
	off  int
	size int
}

// ConstPool holds read-only constants that generated code addresses
// RIP-relative. It lives at the bottom of the code region so every block
// reaches it with a rel32 displacement.
type ConstPool struct {
	mem     []byte
	used    int
	entries map[uintptr]poolEntry
}

func newConstPool(mem []byte) *ConstPool {
	return &ConstPool{mem: mem, entries: make(map[uintptr]poolEntry)}
}

// GetConstant copies count elements of elemSize bytes from src into the pool
// once and returns the host address of element index. Constants are keyed by
// the identity of src, so callers pass pointers to package level values.
func (p *ConstPool) GetConstant(src unsafe.Pointer, elemSize, count, index int) uintptr {
	if index < 0 || index >= count {
		panic(fmt.Sprintf("constpool: index %d out of range [0, %d)", index, count))
	}
	size := elemSize * count
	key := uintptr(src)
	e, ok := p.entries[key]
	if ok {
		if e.size != size {
			panic(fmt.Sprintf("constpool: constant at %x re-requested with %d bytes, stored with %d", key, size, e.size))
		}
	} else {
		off := (p.used + 15) &^ 15
		if off+size > len(p.mem) {
			panic(ErrPoolExhausted)
		}
		copy(p.mem[off:off+size], unsafe.Slice((*byte)(src), size))
		e = poolEntry{off, size}
		p.entries[key] = e
		p.used = off + size
	}
	return uintptr(unsafe.Pointer(&p.mem[e.off])) + uintptr(index*elemSize)
}

func (p *ConstPool) Used() int { return p.used }

func (p *ConstPool) Len() int { return len(p.entries) }

// Clear forgets every constant. Code that referenced them must be gone.
func (p *ConstPool) Clear() {
	clear(p.mem[:p.used])
	p.used = 0
	clear(p.entries)
}
