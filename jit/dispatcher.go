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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/launix-de/NonLockingReadMap"
	"github.com/launix-de/gekkojit/cpu"
)

var ErrDuplicateBlock = errors.New("jit: a unit for this address and mode already exists")

const (
	pageShift     = 12
	fastTableBits = 14
	fastTableSize = 1 << fastTableBits
)

type fastEntry struct {
	key    blockKey
	handle Handle
}

type physEntry struct {
	start  uint32
	handle Handle
}

func physLess(a, b physEntry) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	if a.handle.index != b.handle.index {
		return a.handle.index < b.handle.index
	}
	return a.handle.gen < b.handle.gen
}

// physRange is [start, end) in guest physical memory.
type physRange struct {
	start, end uint32
}

/*
Dispatcher owns every translated unit and finds them again.

  - a direct mapped table keyed by effective address answers most lookups
  - a map by (address, feature flags) is the authority
  - an ordered index by physical start finds units overlapping a written range
  - codePages marks physical pages that hold translated instructions so
    writes elsewhere are ignored cheaply

Everything except NotifyWrite and RequestInvalidate runs on the core's goroutine.
*/
type Dispatcher struct {
	linking bool
	stats   *counters

	blocks  arena
	fast    []fastEntry
	byKey   map[blockKey]Handle
	byPhys  *btree.BTreeG[physEntry]
	maxSpan uint32
	pending map[blockKey][]linkSite // exits waiting for their target

	codePages NonLockingReadMap.NonBlockingBitMap
	pageRefs  map[uint32]int
	pageTable []byte // MEM1 pages, read by native stores

	queueMu     sync.Mutex
	queue       []physRange
	pendingFlag *uint32
	translating atomic.Int32 // open translation windows
}

func NewDispatcher(linking bool, stats *counters, pendingFlag *uint32, mem1Pages int) *Dispatcher {
	if stats == nil {
		stats = new(counters)
	}
	if pendingFlag == nil {
		pendingFlag = new(uint32)
	}
	d := &Dispatcher{
		linking:     linking,
		stats:       stats,
		fast:        make([]fastEntry, fastTableSize),
		byKey:       make(map[blockKey]Handle),
		byPhys:      btree.NewG(16, physLess),
		pending:     make(map[blockKey][]linkSite),
		codePages:   NonLockingReadMap.NewBitMap(),
		pageRefs:    make(map[uint32]int),
		pageTable:   make([]byte, max(mem1Pages, 1)),
		pendingFlag: pendingFlag,
	}
	return d
}

func fastIndex(addr uint32) uint32 { return (addr >> 2) & (fastTableSize - 1) }

// Lookup returns the unit for addr under flags or nil.
func (d *Dispatcher) Lookup(addr uint32, flags cpu.FeatureFlags) *Block {
	key := blockKey{addr, flags}
	e := &d.fast[fastIndex(addr)]
	if e.key == key {
		if b := d.blocks.get(e.handle); b != nil {
			d.stats.fastHits.Add(1)
			return b
		}
	}
	h, ok := d.byKey[key]
	if !ok {
		d.stats.misses.Add(1)
		return nil
	}
	d.stats.slowHits.Add(1)
	*e = fastEntry{key, h}
	return d.blocks.get(h)
}

// Get resolves a handle; it returns nil once the unit is gone.
func (d *Dispatcher) Get(h Handle) *Block { return d.blocks.get(h) }

func (d *Dispatcher) Len() int { return d.blocks.live }

// Insert takes ownership of b and links it with the units around it.
func (d *Dispatcher) Insert(b *Block) (Handle, error) {
	key := b.key()
	if _, ok := d.byKey[key]; ok {
		return Handle{}, ErrDuplicateBlock
	}
	h := d.blocks.alloc(b)
	blk := d.blocks.get(h)
	d.byKey[key] = h
	d.fast[fastIndex(blk.Start)] = fastEntry{key, h}
	d.byPhys.ReplaceOrInsert(physEntry{blk.PhysStart, h})
	if span := blk.PhysEnd - blk.PhysStart; span > d.maxSpan {
		d.maxSpan = span
	}
	d.markPages(blk.PhysStart, blk.PhysEnd, 1)

	if !d.linking {
		return h, nil
	}
	for i, l := range blk.Exits {
		if !l.Linkable {
			continue
		}
		if !d.Link(h, i) {
			tk := blockKey{l.Target, blk.Flags}
			d.pending[tk] = append(d.pending[tk], linkSite{h, i})
		}
	}
	if sites, ok := d.pending[key]; ok {
		delete(d.pending, key)
		for _, site := range sites {
			if src := d.blocks.get(site.from); src != nil && !src.Exits[site.exit].Linked.Valid() {
				d.link(site.from, site.exit, h)
			}
		}
	}
	return h, nil
}

// Link resolves exit of the unit h if its target is translated for the same flags.
func (d *Dispatcher) Link(h Handle, exit int) bool {
	b := d.blocks.get(h)
	if b == nil || !b.Exits[exit].Linkable || b.Exits[exit].Linked.Valid() {
		return false
	}
	to, ok := d.byKey[blockKey{b.Exits[exit].Target, b.Flags}]
	if !ok {
		return false
	}
	d.link(h, exit, to)
	return true
}

func (d *Dispatcher) link(from Handle, exit int, to Handle) {
	src, dst := d.blocks.get(from), d.blocks.get(to)
	src.Code.Link(exit, dst.Code)
	src.Exits[exit].Linked = to
	dst.incoming = append(dst.incoming, linkSite{from, exit})
	d.stats.links.Add(1)
}

func (d *Dispatcher) markPages(start, end uint32, delta int) {
	if end <= start {
		return
	}
	for p := start >> pageShift; p <= (end-1)>>pageShift; p++ {
		n := d.pageRefs[p] + delta
		if n > 0 {
			d.pageRefs[p] = n
		} else {
			delete(d.pageRefs, p)
		}
		d.codePages.Set(p, n > 0)
		if int(p) < len(d.pageTable) {
			if n > 0 {
				d.pageTable[p] = 1
			} else {
				d.pageTable[p] = 0
			}
		}
	}
}

// destroy unlinks and frees one unit. Exits that jumped into it go back
// to the dispatcher and wait for a new translation.
func (d *Dispatcher) destroy(h Handle) {
	b := d.blocks.get(h)
	if b == nil {
		return
	}
	key := b.key()
	for _, site := range b.incoming {
		src := d.blocks.get(site.from)
		if src == nil || src.Exits[site.exit].Linked != h {
			continue
		}
		src.Code.Unlink(site.exit)
		src.Exits[site.exit].Linked = Handle{}
		if d.linking && site.from != h {
			d.pending[key] = append(d.pending[key], site)
		}
	}
	for i, l := range b.Exits {
		if !l.Linked.Valid() || l.Linked == h {
			continue
		}
		if dst := d.blocks.get(l.Linked); dst != nil {
			dst.incoming = removeSite(dst.incoming, linkSite{h, i})
		}
	}
	delete(d.byKey, key)
	if e := &d.fast[fastIndex(b.Start)]; e.handle == h {
		*e = fastEntry{}
	}
	d.byPhys.Delete(physEntry{b.PhysStart, h})
	d.markPages(b.PhysStart, b.PhysEnd, -1)
	b.Code.Release()
	d.blocks.release(h)
	d.stats.invalidated.Add(1)
}

func removeSite(sites []linkSite, s linkSite) []linkSite {
	for i := range sites {
		if sites[i] == s {
			return append(sites[:i], sites[i+1:]...)
		}
	}
	return sites
}

// InvalidateRange destroys every unit whose instructions overlap the
// physical range [start, end). It returns the number of units dropped.
func (d *Dispatcher) InvalidateRange(start, end uint32) int {
	if end <= start {
		return 0
	}
	from := uint32(0)
	if start > d.maxSpan {
		from = start - d.maxSpan
	}
	var victims []Handle
	d.byPhys.AscendRange(physEntry{start: from}, physEntry{start: end}, func(e physEntry) bool {
		if b := d.blocks.get(e.handle); b != nil && b.PhysEnd > start {
			victims = append(victims, e.handle)
		}
		return true
	})
	for _, h := range victims {
		d.destroy(h)
	}
	return len(victims)
}

// ClearAll drops every unit and every pending request.
func (d *Dispatcher) ClearAll() {
	d.blocks.each(func(b *Block) { b.Code.Release() })
	d.blocks.reset()
	clear(d.fast)
	clear(d.byKey)
	d.byPhys.Clear(false)
	d.maxSpan = 0
	clear(d.pending)
	d.codePages.Reset()
	clear(d.pageRefs)
	clear(d.pageTable)
	d.queueMu.Lock()
	d.queue = d.queue[:0]
	atomic.StoreUint32(d.pendingFlag, 0)
	d.queueMu.Unlock()
}

// NotifyWrite is the bus write hook. Writes to pages without translated
// code are dropped here; others become invalidation requests. While a
// unit is translated its pages are not marked yet, so every write is queued.
func (d *Dispatcher) NotifyWrite(addr, size uint32) {
	if size == 0 {
		return
	}
	if d.translating.Load() > 0 {
		d.RequestInvalidate(addr, size)
		return
	}
	last := addr + size - 1
	if last < addr {
		last = ^uint32(0)
	}
	for p := addr >> pageShift; ; p++ {
		if d.codePages.Get(p) {
			d.RequestInvalidate(addr, size)
			return
		}
		if p == last>>pageShift {
			return
		}
	}
}

// RequestInvalidate queues [addr, addr+size) for invalidation at the next
// dispatch. It may be called from any goroutine.
func (d *Dispatcher) RequestInvalidate(addr, size uint32) {
	end := addr + size
	if end < addr {
		end = ^uint32(0)
	}
	d.queueMu.Lock()
	d.queue = append(d.queue, physRange{addr, end})
	atomic.StoreUint32(d.pendingFlag, 1)
	d.queueMu.Unlock()
}

// Drain applies the queued invalidations and returns the number of units dropped.
func (d *Dispatcher) Drain() int {
	d.queueMu.Lock()
	queue := d.queue
	d.queue = nil
	atomic.StoreUint32(d.pendingFlag, 0)
	d.queueMu.Unlock()
	n := 0
	for _, r := range queue {
		n += d.InvalidateRange(r.start, r.end)
	}
	d.stats.invalidates.Add(uint64(len(queue)))
	return n
}

// BeginTranslation opens a window that lasts until the unit is inserted
// and EndTranslation is called. Writes inside the window reach Drain.
func (d *Dispatcher) BeginTranslation() { d.translating.Add(1) }

func (d *Dispatcher) EndTranslation() { d.translating.Add(-1) }

// IsCodePage reports whether the physical page of addr holds translated code.
func (d *Dispatcher) IsCodePage(addr uint32) bool { return d.codePages.Get(addr >> pageShift) }

// Blocks returns a copy of every live unit ordered by start address.
func (d *Dispatcher) Blocks() []Block {
	var out []Block
	d.blocks.each(func(b *Block) { out = append(out, *b) })
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
