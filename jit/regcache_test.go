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
	"strings"
	"testing"

	"github.com/launix-de/gekkojit/cpu"
)

// recorder is an Emitter that only logs what it was asked to do.
type recorder struct {
	regs int
	log  []string
}

func (r *recorder) add(format string, args ...any) { r.log = append(r.log, fmt.Sprintf(format, args...)) }
func (r *recorder) reset()                          { r.log = nil }
func (r *recorder) String() string                  { return strings.Join(r.log, "; ") }

func (r *recorder) Begin(start uint32, flags cpu.FeatureFlags) error { return nil }
func (r *recorder) HostRegisters() int                              { return r.regs }
func (r *recorder) Supports(op cpu.Op, inst cpu.Inst) bool          { return true }
func (r *recorder) LoadGuest(h Reg, g uint32)                       { r.add("load h%d=r%d", h, g) }
func (r *recorder) StoreGuest(g uint32, h Reg)                      { r.add("store r%d=h%d", g, h) }
func (r *recorder) StoreGuestImm(g uint32, v uint32)                { r.add("store r%d=%d", g, v) }
func (r *recorder) MoveImm(h Reg, v uint32)                         { r.add("mov h%d=%d", h, v) }
func (r *recorder) Arith(op ArithOp, d Reg, a, b Operand, rc bool) {
	r.add("%s h%d=%s,%s", op, d, a, b)
}
func (r *recorder) RotateMask(d, s Reg, sh, mask uint32, rc bool)    {}
func (r *recorder) Compare(crf uint32, a Reg, b Operand, signed bool) {}
func (r *recorder) Load(d Reg, addr Address, acc MemAccess, slow SlowPath) {
	r.add("ld h%d=%s spills=%d", d, addr, len(slow.Spills))
}
func (r *recorder) Store(src Operand, addr Address, acc MemAccess, slow SlowPath) {}
func (r *recorder) LoadSPR(d Reg, spr SPR)                                        {}
func (r *recorder) StoreSPR(spr SPR, src Operand)                                 {}
func (r *recorder) Float(op cpu.Op, d, a, b uint32)                               {}
func (r *recorder) Fallback(pc uint32, inst cpu.Inst, cycles int) {
	r.add("fallback %08x after %d", pc, cycles)
}
func (r *recorder) ConditionalExit(bo, bi uint32, t ExitTarget) {}
func (r *recorder) Exit(t ExitTarget)                           { r.add("exit %08x after %d", t.Addr, t.Cycles) }
func (r *recorder) Finish() (Code, error)                       { return nil, nil }
func (r *recorder) Abort()                                      {}

func newTestRegCache(n int) (*RegCache, *recorder) {
	e := &recorder{regs: n}
	rc := NewRegCache()
	rc.Reset(e, n)
	return rc, e
}

func checkRegCache(t *testing.T, rc *RegCache) {
	t.Helper()
	if err := rc.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestBindLoadsOnceAndReuses(t *testing.T) {
	rc, e := newTestRegCache(4)
	a := rc.Bind(3, BindRead)
	b := rc.Bind(3, BindRead)
	if a != b {
		t.Fatalf("r3 bound twice: h%d and h%d", a, b)
	}
	if e.String() != "load h0=r3" {
		t.Errorf("emitted %q", e)
	}
	checkRegCache(t, rc)
}

func TestWriteOnlyBindDoesNotLoad(t *testing.T) {
	rc, e := newTestRegCache(4)
	rc.Bind(5, BindWrite)
	if len(e.log) != 0 {
		t.Errorf("write bind emitted %q", e)
	}
	rc.Flush()
	if e.String() != "store r5=h0" {
		t.Errorf("flush emitted %q", e)
	}
}

func TestEvictionWritesBackLeastRecentlyUsed(t *testing.T) {
	rc, e := newTestRegCache(2)
	rc.Bind(1, BindWrite)
	rc.Bind(2, BindRead)
	rc.UnlockAll()
	rc.Bind(2, BindRead) // r1 is now the oldest
	rc.UnlockAll()
	e.reset()
	h := rc.Bind(3, BindRead)
	if h != 0 {
		t.Errorf("r3 got h%d, want the slot of r1", h)
	}
	if e.String() != "store r1=h0; load h0=r3" {
		t.Errorf("emitted %q", e)
	}
	checkRegCache(t, rc)
}

func TestCleanEvictionIsSilent(t *testing.T) {
	rc, e := newTestRegCache(1)
	rc.Bind(1, BindRead)
	rc.UnlockAll()
	e.reset()
	rc.Bind(2, BindRead)
	if e.String() != "load h0=r2" {
		t.Errorf("emitted %q", e)
	}
}

func TestLockedRegistersAreNotEvicted(t *testing.T) {
	rc, _ := newTestRegCache(2)
	a := rc.Bind(1, BindRead)
	b := rc.Bind(2, BindRead)
	defer func() {
		if recover() == nil {
			t.Fatal("binding a third register with all locked did not panic")
		}
	}()
	if a == b {
		t.Fatal("two guests share a register")
	}
	rc.Bind(3, BindRead)
}

func TestImmediatesFoldUntilNeeded(t *testing.T) {
	rc, e := newTestRegCache(4)
	rc.SetImmediate(3, 0x1234)
	if !rc.IsImmediate(3) || rc.Imm(3) != 0x1234 {
		t.Fatal("immediate lost")
	}
	if o := rc.Operand(3); !o.Imm || o.Value != 0x1234 {
		t.Errorf("Operand(r3) = %s", o)
	}
	if len(e.log) != 0 {
		t.Errorf("folding emitted %q", e)
	}
	h := rc.Bind(3, BindRead)
	if e.String() != fmt.Sprintf("mov h%d=%d", h, 0x1234) {
		t.Errorf("materialize emitted %q", e)
	}
	e.reset()
	rc.Flush()
	if e.String() != fmt.Sprintf("store r3=h%d", h) {
		t.Errorf("a materialized immediate must stay dirty, flush emitted %q", e)
	}
}

func TestSetImmediateDropsHostBinding(t *testing.T) {
	rc, e := newTestRegCache(2)
	rc.Bind(4, BindWrite)
	rc.UnlockAll()
	rc.SetImmediate(4, 7)
	checkRegCache(t, rc)
	rc.Flush()
	if e.String() != "store r4=7" {
		t.Errorf("flush emitted %q", e)
	}
}

func TestSnapshotListsDirtyState(t *testing.T) {
	rc, _ := newTestRegCache(4)
	rc.Bind(1, BindRead)
	h := rc.Bind(2, BindWrite)
	rc.SetImmediate(9, 99)
	spills := rc.Snapshot()
	want := []Spill{{Guest: 2, Reg: h}, {Guest: 9, Imm: true, Value: 99}}
	if len(spills) != len(want) {
		t.Fatalf("snapshot = %+v", spills)
	}
	for i := range want {
		if spills[i] != want[i] {
			t.Errorf("spill %d = %+v, want %+v", i, spills[i], want[i])
		}
	}
}

func TestFlushUnbindsEverything(t *testing.T) {
	rc, e := newTestRegCache(3)
	rc.Bind(1, BindReadWrite)
	rc.Bind(2, BindRead)
	rc.SetImmediate(3, 5)
	rc.Flush()
	e.reset()
	rc.Bind(1, BindRead)
	if e.String() != "load h0=r1" {
		t.Errorf("after flush emitted %q", e)
	}
	checkRegCache(t, rc)
}
