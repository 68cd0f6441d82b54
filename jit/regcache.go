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

import "fmt"

type BindMode uint8

const (
	BindRead BindMode = 1 << iota
	BindWrite
	BindReadWrite = BindRead | BindWrite
)

type bindKind uint8

const (
	unbound bindKind = iota
	inHost
	immediate
)

type binding struct {
	kind  bindKind
	reg   Reg
	imm   uint32
	dirty bool // value differs from the guest state
}

type hostSlot struct {
	guest   int // -1 when free
	lastUse uint64
	locked  bool
}

/*
RegCache maps the 32 guest GPRs onto the host registers of a back end
while one unit is built.

  - a guest register is unbound, held in exactly one host register, or a
    known immediate that has not been materialized
  - a host register holds at most one guest register
  - locked host registers are operands of the instruction being emitted
    and are never evicted
  - eviction takes the least recently used unlocked register and writes
    it back if it is dirty
*/
type RegCache struct {
	e     Emitter
	guest [32]binding
	host  []hostSlot
	clock uint64
}

func NewRegCache() *RegCache { return new(RegCache) }

// Reset forgets all bindings and attaches the cache to e with n host registers.
func (rc *RegCache) Reset(e Emitter, n int) {
	rc.e = e
	rc.guest = [32]binding{}
	rc.host = make([]hostSlot, n)
	for i := range rc.host {
		rc.host[i].guest = -1
	}
	rc.clock = 0
}

func (rc *RegCache) use(r Reg) {
	rc.clock++
	rc.host[r].lastUse = rc.clock
	rc.host[r].locked = true
}

func (rc *RegCache) allocate(g uint32) Reg {
	victim := -1
	for i := range rc.host {
		if rc.host[i].guest < 0 {
			victim = i
			break
		}
		if rc.host[i].locked {
			continue
		}
		if victim < 0 || rc.host[i].lastUse < rc.host[victim].lastUse {
			victim = i
		}
	}
	if victim < 0 {
		panic("regcache: every host register is locked")
	}
	r := Reg(victim)
	if old := rc.host[r].guest; old >= 0 {
		rc.evict(uint32(old))
	}
	rc.host[r].guest = int(g)
	return r
}

func (rc *RegCache) evict(g uint32) {
	b := &rc.guest[g]
	if b.kind == inHost {
		if b.dirty {
			rc.e.StoreGuest(g, b.reg)
		}
		rc.host[b.reg] = hostSlot{guest: -1}
	}
	*b = binding{}
}

// Bind returns a locked host register holding guest register g. Read modes
// load the current value, write modes mark the binding dirty.
func (rc *RegCache) Bind(g uint32, mode BindMode) Reg {
	b := &rc.guest[g]
	switch b.kind {
	case inHost:
		rc.use(b.reg)
		if mode&BindWrite != 0 {
			b.dirty = true
		}
		return b.reg
	case immediate:
		imm, dirty := b.imm, b.dirty
		*b = binding{}
		r := rc.allocate(g)
		if mode&BindRead != 0 {
			rc.e.MoveImm(r, imm)
		} else {
			dirty = false
		}
		rc.guest[g] = binding{kind: inHost, reg: r, dirty: dirty || mode&BindWrite != 0}
		rc.use(r)
		return r
	}
	r := rc.allocate(g)
	if mode&BindRead != 0 {
		rc.e.LoadGuest(r, g)
	}
	rc.guest[g] = binding{kind: inHost, reg: r, dirty: mode&BindWrite != 0}
	rc.use(r)
	return r
}

// Operand returns g as an immediate if it is known, otherwise binds it for reading.
func (rc *RegCache) Operand(g uint32) Operand {
	if rc.IsImmediate(g) {
		return ImmOp(rc.guest[g].imm)
	}
	return RegOp(rc.Bind(g, BindRead))
}

func (rc *RegCache) IsImmediate(g uint32) bool { return rc.guest[g].kind == immediate }

func (rc *RegCache) Imm(g uint32) uint32 {
	if rc.guest[g].kind != immediate {
		panic(fmt.Sprintf("regcache: r%d is not an immediate", g))
	}
	return rc.guest[g].imm
}

// SetImmediate records that g now holds v. A host register holding g is
// released without write-back.
func (rc *RegCache) SetImmediate(g uint32, v uint32) {
	b := &rc.guest[g]
	if b.kind == inHost {
		rc.host[b.reg] = hostSlot{guest: -1}
	}
	*b = binding{kind: immediate, imm: v, dirty: true}
}

func (rc *RegCache) Unlock(regs ...Reg) {
	for _, r := range regs {
		rc.host[r].locked = false
	}
}

func (rc *RegCache) UnlockAll() {
	for i := range rc.host {
		rc.host[i].locked = false
	}
}

// Flush writes every dirty binding back to the guest state and unbinds all registers.
func (rc *RegCache) Flush() {
	for g := range rc.guest {
		b := &rc.guest[g]
		if b.dirty && rc.e != nil {
			switch b.kind {
			case inHost:
				rc.e.StoreGuest(uint32(g), b.reg)
			case immediate:
				rc.e.StoreGuestImm(uint32(g), b.imm)
			}
		}
		*b = binding{}
	}
	for i := range rc.host {
		rc.host[i] = hostSlot{guest: -1}
	}
}

// Snapshot lists what a slow path must write back before the guest state is
// consistent: dirty host registers and dirty immediates.
func (rc *RegCache) Snapshot() []Spill {
	var out []Spill
	for g, b := range rc.guest {
		if !b.dirty {
			continue
		}
		switch b.kind {
		case inHost:
			out = append(out, Spill{Guest: uint32(g), Reg: b.reg})
		case immediate:
			out = append(out, Spill{Guest: uint32(g), Imm: true, Value: b.imm})
		}
	}
	return out
}

// Check verifies the binding invariants.
func (rc *RegCache) Check() error {
	owner := make([]int, len(rc.host))
	for i := range owner {
		owner[i] = -1
	}
	for g, b := range rc.guest {
		if b.kind != inHost {
			continue
		}
		if int(b.reg) >= len(rc.host) {
			return fmt.Errorf("r%d bound to nonexistent host register %d", g, b.reg)
		}
		if owner[b.reg] >= 0 {
			return fmt.Errorf("host register %d holds r%d and r%d", b.reg, owner[b.reg], g)
		}
		owner[b.reg] = g
		if rc.host[b.reg].guest != g {
			return fmt.Errorf("host register %d does not know it holds r%d", b.reg, g)
		}
	}
	for i, s := range rc.host {
		if s.guest >= 0 && owner[i] != s.guest {
			return fmt.Errorf("host register %d claims r%d", i, s.guest)
		}
	}
	return nil
}
