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
package memory

import (
	"errors"
	"sync"
	"testing"
)

type fixedMode Mode

func (m *fixedMode) MemoryMode() Mode { return Mode(*m) }

var smallConfig = Config{Mem1Size: 1 << 20, Mem2Size: 1 << 20}

func newTestMMU(mode Mode) (*MMU, *fixedMode) {
	fm := fixedMode(mode)
	return NewMMU(NewBus(smallConfig), &fm), &fm
}

func TestRegionTableIsSortedByBase(t *testing.T) {
	b := NewBus(Config{Mem1Size: 1 << 20, Mem2Size: 1 << 20, FakeVMEM: true})
	want := []string{"MEM1", "MEM2", "VMEM", "L1"}
	all := b.Regions()
	if len(all) != len(want) {
		t.Fatalf("%d regions, want %d", len(all), len(want))
	}
	for i, r := range all {
		if r.Name != want[i] {
			t.Errorf("region %d is %s, want %s", i, r.Name, want[i])
		}
		if r.GetKey() != r.Base || r.ComputeSize() != uint(r.Size()) {
			t.Errorf("%s: key %08x size %d", r.Name, r.GetKey(), r.ComputeSize())
		}
	}
	if r := b.Find(Mem2Base+(1<<20)-4, 4); r == nil || r.Name != "MEM2" {
		t.Errorf("last word of MEM2 found in %v", r)
	}
	if r := b.Find(Mem2Base+(1<<20)-2, 4); r != nil {
		t.Errorf("access crossing the end of MEM2 found in %s", r.Name)
	}
	if r := b.Find(LockedBase, 4); r == nil || r != b.RegionByName("L1") {
		t.Error("locked scratch not found")
	}
}

func TestTranslateSegments(t *testing.T) {
	m, _ := newTestMMU(Mode{DataTranslation: true, InstructionTranslation: true})
	cases := []struct {
		ea, phys uint32
		ok       bool
	}{
		{0x80001000, 0x00001000, true},
		{0xC0001000, 0x00001000, true},
		{0x90000010, 0x10000010, true},
		{0xD0000010, 0x10000010, true},
		{0x00001000, 0, false},
		{0x40000000, 0, false},
	}
	for _, c := range cases {
		phys, err := m.Translate(c.ea, false)
		if (err == nil) != c.ok || (c.ok && phys != c.phys) {
			t.Errorf("Translate(%08x) = %08x, %v", c.ea, phys, err)
		}
	}
	var f *Fault
	if _, err := m.Translate(0x40000000, true); !errors.As(err, &f) || !f.Fetch || f.Kind != FaultTranslation {
		t.Errorf("expected fetch translation fault, got %v", err)
	}
}

func TestRealModeIsIdentity(t *testing.T) {
	m, _ := newTestMMU(Mode{})
	if err := m.Write32(0x100, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	v, err := m.Read32(0x100)
	if err != nil || v != 0xDEADBEEF {
		t.Fatalf("Read32 = %08x, %v", v, err)
	}
	raw, _ := m.Bus.ReadGuestMemory(0x100, 4)
	if raw[0] != 0xDE || raw[3] != 0xEF {
		t.Errorf("not big endian: % x", raw)
	}
}

func TestWriteHooksSeeEveryWrite(t *testing.T) {
	m, _ := newTestMMU(Mode{DataTranslation: true, DCache: true})
	m.EmulateDCache = true
	var mu sync.Mutex
	var seen [][2]uint32
	m.Bus.OnWrite(func(addr, size uint32) {
		mu.Lock()
		seen = append(seen, [2]uint32{addr, size})
		mu.Unlock()
	})
	// cached store: lands in the D-cache but is still reported
	if err := m.Write32(0x80000200, 1); err != nil {
		t.Fatal(err)
	}
	// uncached store goes straight to the bus
	if err := m.Write16(0xC0000300, 2); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != [2]uint32{0x200, 4} || seen[1] != [2]uint32{0x300, 2} {
		t.Fatalf("hook calls = %v", seen)
	}
	if !m.DCache.IsModified(0x200) {
		t.Error("cached store did not dirty the line")
	}
	raw, _ := m.Bus.ReadGuestMemory(0x200, 4)
	if raw[3] == 1 {
		t.Error("cached store reached memory before write back")
	}
	if err := m.CacheOp(OpStoreLine, 0x80000200); err != nil {
		t.Fatal(err)
	}
	raw, _ = m.Bus.ReadGuestMemory(0x200, 4)
	if raw[3] != 1 {
		t.Error("dcbst did not write back")
	}
}

func TestDcbzOnUncachedIsAlignmentFault(t *testing.T) {
	m, _ := newTestMMU(Mode{DataTranslation: true})
	var f *Fault
	if err := m.CacheOp(OpZeroLine, 0xC0000040); !errors.As(err, &f) || f.Kind != FaultAlignment || f.Addr != 0xC0000040 {
		t.Fatalf("dcbz on inhibited memory: %v", err)
	}
}

func TestIcbiReportsLine(t *testing.T) {
	m, _ := newTestMMU(Mode{DataTranslation: true, InstructionTranslation: true, ICache: true})
	m.EmulateICache = true
	var got [2]uint32
	m.OnInstructionInvalidate = func(addr, size uint32) { got = [2]uint32{addr, size} }
	if _, err := m.FetchInstruction(0x80000404); err != nil {
		t.Fatal(err)
	}
	if !m.ICache.Contains(0x400) {
		t.Fatal("fetch did not fill the I-cache")
	}
	if err := m.CacheOp(OpInvalidateInstruction, 0x80000410); err != nil {
		t.Fatal(err)
	}
	if got != [2]uint32{0x400, 32} {
		t.Errorf("invalidate callback = %x", got)
	}
	if m.ICache.Contains(0x400) {
		t.Error("icbi left the line resident")
	}
}

func TestLockedRegionActsAsScratch(t *testing.T) {
	m, _ := newTestMMU(Mode{DataTranslation: true, DCache: true, LockedCache: true})
	m.EmulateDCache = true
	if err := m.CacheOp(OpZeroLockedLine, 0xE0000000); err != nil {
		t.Fatal(err)
	}
	if err := m.Write32(0xE0000008, 0x12345678); err != nil {
		t.Fatal(err)
	}
	v, err := m.Read32(0xE0000008)
	if err != nil || v != 0x12345678 {
		t.Fatalf("scratch read = %08x, %v", v, err)
	}
	if !m.DCache.IsLocked(LockedBase) {
		t.Error("line not locked")
	}
}

func TestUnmappedPhysicalFaultUsesEffectiveAddress(t *testing.T) {
	m, _ := newTestMMU(Mode{DataTranslation: true})
	var f *Fault
	// beyond the 1 MiB MEM1 of the test bus
	if _, err := m.Read32(0x80200000); !errors.As(err, &f) || f.Addr != 0x80200000 || f.Kind != FaultUnmapped {
		t.Fatalf("read beyond MEM1: %v", err)
	}
}
