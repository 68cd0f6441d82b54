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
	"sync"
	"testing"

	"github.com/launix-de/gekkojit/cpu"
)

// fakeCode records how the dispatcher patches it.
type fakeCode struct {
	exits    []ExitInfo
	linked   []Code
	released bool
}

func (c *fakeCode) Run(s *cpu.State, m cpu.Memory) uint32 { return ExitDispatch }
func (c *fakeCode) Exits() []ExitInfo                     { return c.exits }
func (c *fakeCode) Link(exit int, target Code)            { c.linked[exit] = target }
func (c *fakeCode) Unlink(exit int)                       { c.linked[exit] = nil }
func (c *fakeCode) RunCount() uint64                      { return 0 }
func (c *fakeCode) Size() int                             { return 16 }
func (c *fakeCode) Listing() []string                     { return nil }
func (c *fakeCode) Release()                              { c.released = true }

// fakeBlock covers n instructions at start (identity mapped) and exits to targets.
func fakeBlock(start uint32, n int, flags cpu.FeatureFlags, targets ...uint32) (*Block, *fakeCode) {
	code := &fakeCode{linked: make([]Code, len(targets))}
	b := &Block{
		Start:        start,
		End:          start + uint32(4*n),
		PhysStart:    start,
		PhysEnd:      start + uint32(4*n),
		Flags:        flags,
		Instructions: n,
		Code:         code,
	}
	for _, t := range targets {
		code.exits = append(code.exits, ExitInfo{Target: t, Linkable: true})
		b.Exits = append(b.Exits, Link{Target: t, Linkable: true})
	}
	return b, code
}

func newTestDispatcher(linking bool) *Dispatcher {
	return NewDispatcher(linking, nil, nil, 1<<8)
}

func mustInsert(t *testing.T, d *Dispatcher, b *Block) Handle {
	t.Helper()
	h, err := d.Insert(b)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestLookupKeyIntegrity(t *testing.T) {
	d := newTestDispatcher(true)
	b, _ := fakeBlock(0x1000, 4, cpu.FeatureDR)
	mustInsert(t, d, b)
	if got := d.Lookup(0x1000, cpu.FeatureDR); got == nil || got.Start != 0x1000 || got.Flags != cpu.FeatureDR {
		t.Fatalf("lookup = %v", got)
	}
	if d.Lookup(0x1000, cpu.FeatureDR|cpu.FeatureFP) != nil {
		t.Error("lookup ignored the feature flags")
	}
	if d.Lookup(0x1004, cpu.FeatureDR) != nil {
		t.Error("lookup matched an address inside the unit")
	}
	// an alias in the direct mapped table must not be returned
	if d.Lookup(0x1000+fastTableSize*4, cpu.FeatureDR) != nil {
		t.Error("fast table alias returned")
	}
	if d.stats.fastHits.Load() != 1 || d.stats.misses.Load() != 3 {
		t.Errorf("fast %d misses %d", d.stats.fastHits.Load(), d.stats.misses.Load())
	}
}

func TestInsertRejectsDuplicate(t *testing.T) {
	d := newTestDispatcher(true)
	b1, _ := fakeBlock(0x1000, 1, 0)
	b2, _ := fakeBlock(0x1000, 2, 0)
	mustInsert(t, d, b1)
	if _, err := d.Insert(b2); !errors.Is(err, ErrDuplicateBlock) {
		t.Fatalf("err = %v", err)
	}
	b3, _ := fakeBlock(0x1000, 2, cpu.FeatureFP)
	mustInsert(t, d, b3)
	if d.Len() != 2 {
		t.Errorf("len = %d", d.Len())
	}
}

func TestLinkingBothOrders(t *testing.T) {
	d := newTestDispatcher(true)
	a, ca := fakeBlock(0x1000, 2, 0, 0x2000)
	mustInsert(t, d, a)
	if ca.linked[0] != nil {
		t.Fatal("linked to a missing unit")
	}
	b, cb := fakeBlock(0x2000, 2, 0, 0x1000)
	hb := mustInsert(t, d, b)
	if ca.linked[0] != cb {
		t.Error("pending exit not resolved when its target arrived")
	}
	if cb.linked[0] != ca {
		t.Error("new unit's exit not linked to the existing target")
	}
	if d.Lookup(0x1000, 0).Exits[0].Linked != hb {
		t.Error("edge not recorded on the source")
	}
	if d.stats.links.Load() != 2 {
		t.Errorf("links = %d", d.stats.links.Load())
	}
}

func TestLinkNeedsMatchingFlags(t *testing.T) {
	d := newTestDispatcher(true)
	a, ca := fakeBlock(0x1000, 1, cpu.FeatureFP, 0x2000)
	mustInsert(t, d, a)
	b, _ := fakeBlock(0x2000, 1, 0)
	mustInsert(t, d, b)
	if ca.linked[0] != nil {
		t.Error("linked across feature flags")
	}
}

func TestLinkingDisabled(t *testing.T) {
	d := newTestDispatcher(false)
	a, ca := fakeBlock(0x1000, 1, 0, 0x2000)
	mustInsert(t, d, a)
	b, _ := fakeBlock(0x2000, 1, 0)
	mustInsert(t, d, b)
	if ca.linked[0] != nil {
		t.Error("linked with linking disabled")
	}
}

func TestInvalidateUnlinksAndRelinks(t *testing.T) {
	d := newTestDispatcher(true)
	a, ca := fakeBlock(0x1000, 2, 0, 0x2000)
	mustInsert(t, d, a)
	b, cb := fakeBlock(0x2000, 2, 0, 0x3000)
	hb := mustInsert(t, d, b)

	if n := d.InvalidateRange(0x2004, 0x2008); n != 1 {
		t.Fatalf("invalidated %d units", n)
	}
	if !cb.released {
		t.Error("code of the dropped unit not released")
	}
	if ca.linked[0] != nil {
		t.Error("incoming edge still points at the dropped unit")
	}
	if d.Get(hb) != nil || d.Lookup(0x2000, 0) != nil {
		t.Error("dropped unit still reachable")
	}
	if d.IsCodePage(0x2000) {
		t.Error("code page still marked")
	}

	b2, cb2 := fakeBlock(0x2000, 2, 0)
	mustInsert(t, d, b2)
	if ca.linked[0] != cb2 {
		t.Error("edge not restored for the new translation")
	}
}

func TestInvalidateRangeBoundaries(t *testing.T) {
	d := newTestDispatcher(true)
	b, _ := fakeBlock(0x1000, 4, 0) // [0x1000, 0x1010)
	mustInsert(t, d, b)
	if d.InvalidateRange(0x1010, 0x1020) != 0 {
		t.Error("range starting at the end overlapped")
	}
	if d.InvalidateRange(0x0F00, 0x1000) != 0 {
		t.Error("range ending at the start overlapped")
	}
	if d.InvalidateRange(0x0F00, 0x1001) != 1 {
		t.Error("range covering the first byte missed")
	}
}

func TestInvalidateFindsLongUnitsStartingBefore(t *testing.T) {
	d := newTestDispatcher(true)
	long, _ := fakeBlock(0x1000, 64, 0) // [0x1000, 0x1100)
	mustInsert(t, d, long)
	short, _ := fakeBlock(0x10F0, 1, cpu.FeatureFP)
	mustInsert(t, d, short)
	if n := d.InvalidateRange(0x10FC, 0x1100); n != 1 {
		t.Errorf("invalidated %d, want the long unit only", n)
	}
	if d.Lookup(0x10F0, cpu.FeatureFP) == nil {
		t.Error("short unit dropped")
	}
}

func TestSelfLoopInvalidation(t *testing.T) {
	d := newTestDispatcher(true)
	b, c := fakeBlock(0x1000, 1, 0, 0x1000)
	mustInsert(t, d, b)
	if c.linked[0] != c {
		t.Fatal("self loop not linked")
	}
	d.InvalidateRange(0x1000, 0x1004)
	if d.Len() != 0 || len(d.pending) != 0 {
		t.Errorf("len %d, %d pending", d.Len(), len(d.pending))
	}
}

func TestSharedPagesKeepCodeMarked(t *testing.T) {
	d := newTestDispatcher(true)
	a, _ := fakeBlock(0x1000, 1, 0)
	b, _ := fakeBlock(0x1100, 1, 0)
	mustInsert(t, d, a)
	mustInsert(t, d, b)
	d.InvalidateRange(0x1000, 0x1004)
	if !d.IsCodePage(0x1000) || d.pageTable[1] != 1 {
		t.Error("page dropped while another unit lives on it")
	}
	d.InvalidateRange(0x1100, 0x1104)
	if d.IsCodePage(0x1000) || d.pageTable[1] != 0 {
		t.Error("page still marked")
	}
}

func TestNotifyWriteFiltersByPage(t *testing.T) {
	d := newTestDispatcher(true)
	b, _ := fakeBlock(0x1000, 4, 0)
	mustInsert(t, d, b)
	d.NotifyWrite(0x5000, 4)
	if *d.pendingFlag != 0 {
		t.Fatal("write to a data page raised the pending flag")
	}
	d.NotifyWrite(0x0FFE, 4) // crosses into the code page
	if *d.pendingFlag != 1 {
		t.Fatal("write to a code page ignored")
	}
	if n := d.Drain(); n != 1 {
		t.Errorf("drain dropped %d units", n)
	}
	if *d.pendingFlag != 0 {
		t.Error("pending flag not cleared")
	}
}

func TestRequestInvalidateFromOtherGoroutines(t *testing.T) {
	d := newTestDispatcher(true)
	for i := uint32(0); i < 16; i++ {
		b, _ := fakeBlock(0x1000+i*0x100, 1, 0)
		mustInsert(t, d, b)
	}
	var wg sync.WaitGroup
	for i := uint32(0); i < 16; i++ {
		wg.Add(1)
		go func(i uint32) {
			defer wg.Done()
			d.NotifyWrite(0x1000+i*0x100, 4)
		}(i)
	}
	wg.Wait()
	if n := d.Drain(); n != 16 {
		t.Errorf("drained %d units", n)
	}
}

func TestClearAllReleasesEverything(t *testing.T) {
	d := newTestDispatcher(true)
	a, ca := fakeBlock(0x1000, 1, 0, 0x3000)
	b, cb := fakeBlock(0x2000, 1, 0)
	mustInsert(t, d, a)
	mustInsert(t, d, b)
	d.RequestInvalidate(0x1000, 4)
	d.ClearAll()
	if !ca.released || !cb.released || d.Len() != 0 || len(d.pending) != 0 {
		t.Error("ClearAll left state behind")
	}
	if d.IsCodePage(0x1000) || *d.pendingFlag != 0 {
		t.Error("pages or pending flag survived")
	}
	if d.Lookup(0x1000, 0) != nil {
		t.Error("lookup after clear")
	}
}
