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
	"fmt"

	"github.com/launix-de/gekkojit/cpu"
)

// exit status returned by translated code
const (
	ExitDispatch  uint32 = 0 // PC holds the next guest address
	ExitTiming    uint32 = 1 // downcount ran out
	ExitInterpret uint32 = 2 // run the instruction at PC in the interpreter
)

// Code is the host side of a translation unit.
type Code interface {
	// Run executes the unit and every unit linked behind it.
	Run(s *cpu.State, m cpu.Memory) uint32
	Exits() []ExitInfo
	// Link patches exit to continue directly in target.
	Link(exit int, target Code)
	Unlink(exit int)
	RunCount() uint64
	Size() int
	Listing() []string
	Release()
}

// ExitInfo describes one exit of a unit as the back end emitted it.
type ExitInfo struct {
	Target   uint32
	Linkable bool
}

// Handle addresses a unit in the arena. The zero Handle is never live.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) Valid() bool { return h.gen != 0 }

func (h Handle) String() string { return fmt.Sprintf("#%d.%d", h.index, h.gen) }

type blockKey struct {
	addr  uint32
	flags cpu.FeatureFlags
}

// Link is one outgoing edge of a unit.
type Link struct {
	Target   uint32
	Linkable bool
	Linked   Handle // zero while unresolved
}

// linkSite names the exit of a unit that jumps into another unit.
type linkSite struct {
	from Handle
	exit int
}

// Block is a translation unit: a straight run of guest instructions that
// was translated for one set of feature flags.
type Block struct {
	Start, End         uint32 // effective, End exclusive
	PhysStart, PhysEnd uint32
	Flags              cpu.FeatureFlags
	Instructions       int
	Code               Code
	Exits              []Link

	incoming []linkSite
	handle   Handle
}

func (b *Block) key() blockKey { return blockKey{b.Start, b.Flags} }

func (b *Block) Handle() Handle { return b.handle }

func (b *Block) Contains(addr uint32) bool { return addr >= b.Start && addr < b.End }

func (b *Block) String() string {
	return fmt.Sprintf("%08x-%08x [%s] %d instructions, %d bytes, %d runs",
		b.Start, b.End, b.Flags, b.Instructions, b.Code.Size(), b.Code.RunCount())
}

// arena owns every live unit. Handles stay valid until the slot is freed;
// freeing bumps the generation so stale handles resolve to nil.
type arena struct {
	slots []arenaSlot
	free  []uint32
	live  int
}

type arenaSlot struct {
	gen   uint32
	live  bool
	block Block
}

func (a *arena) alloc(b *Block) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, arenaSlot{})
	}
	s := &a.slots[idx]
	s.gen++
	s.live = true
	s.block = *b
	h := Handle{idx, s.gen}
	s.block.handle = h
	a.live++
	return h
}

// get returns the unit or nil. The pointer is valid until the next alloc.
func (a *arena) get(h Handle) *Block {
	if int(h.index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil
	}
	return &s.block
}

func (a *arena) release(h Handle) {
	s := &a.slots[h.index]
	s.live = false
	s.gen++
	s.block = Block{}
	a.free = append(a.free, h.index)
	a.live--
}

func (a *arena) each(fn func(b *Block)) {
	for i := range a.slots {
		if a.slots[i].live {
			fn(&a.slots[i].block)
		}
	}
}

// reset drops every slot; generations keep counting so no old handle revives.
func (a *arena) reset() {
	for i := range a.slots {
		s := &a.slots[i]
		if s.live {
			s.live = false
			s.gen++
			s.block = Block{}
		}
	}
	a.free = a.free[:0]
	for i := len(a.slots) - 1; i >= 0; i-- {
		a.free = append(a.free, uint32(i))
	}
	a.live = 0
}
