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
package cache

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/launix-de/NonLockingReadMap"
)

/*
guest L1 cache model

a set-associative cache with per-set valid/modified/locked way masks and a
binary tree pseudo-LRU. Lines are addressed by physical address. The
residency bitmaps (one per cacheable region) mirror the tag array so that
IsCached can be answered without a tag scan.

line state machine:
  Invalid -Store/Read/Write-> Valid+Clean -write-> Valid+Modified
  Valid+Modified -Store-> Valid+Clean (write back)
  any -Invalidate-> Invalid (no write back)
  any -Flush-> Invalid (write back if Modified)
*/

// Backing is the memory behind the cache. Line fills and write backs use it.
type Backing interface {
	ReadPhys(addr uint32, dst []byte) error
	WritePhys(addr uint32, src []byte) error
}

type Config struct {
	Sets     uint32
	Ways     uint32 // power of two, at most 32
	LineSize uint32 // power of two
}

// GekkoL1 is the geometry of the guest's 32 KiB L1 instruction and data caches.
var GekkoL1 = Config{Sets: 128, Ways: 8, LineSize: 32}

// Region describes one cacheable physical range that gets a residency bitmap.
type Region struct {
	Name string
	Base uint32
	Size uint32
}

var ErrSetLocked = errors.New("cache: every way of the set is locked")

type lookupTable struct {
	Region
	bits NonLockingReadMap.NonBlockingBitMap
}

type Cache struct {
	cfg      Config
	backing  Backing
	setShift uint32
	setMask  uint32
	lineMask uint32

	valid    []uint32 // per set, one bit per way
	modified []uint32
	locked   []uint32
	plru     []uint32 // per set, Ways-1 tree bits in heap order
	tags     []uint32 // line address per set*Ways+way
	data     []byte

	lookup []lookupTable

	hits, misses, writebacks atomic.Uint64
}

func New(cfg Config, backing Backing, regions ...Region) *Cache {
	if cfg.Ways == 0 || cfg.Ways > 32 || bits.OnesCount32(cfg.Ways) != 1 {
		panic(fmt.Sprintf("cache: way count %d is not a power of two <= 32", cfg.Ways))
	}
	if cfg.Sets == 0 || bits.OnesCount32(cfg.Sets) != 1 || cfg.LineSize < 4 || bits.OnesCount32(cfg.LineSize) != 1 {
		panic(fmt.Sprintf("cache: invalid geometry %+v", cfg))
	}
	c := &Cache{
		cfg:      cfg,
		backing:  backing,
		setShift: uint32(bits.TrailingZeros32(cfg.LineSize)),
		setMask:  cfg.Sets - 1,
		lineMask: cfg.LineSize - 1,
		valid:    make([]uint32, cfg.Sets),
		modified: make([]uint32, cfg.Sets),
		locked:   make([]uint32, cfg.Sets),
		plru:     make([]uint32, cfg.Sets),
		tags:     make([]uint32, cfg.Sets*cfg.Ways),
		data:     make([]byte, cfg.Sets*cfg.Ways*cfg.LineSize),
	}
	for _, r := range regions {
		c.lookup = append(c.lookup, lookupTable{Region: r})
	}
	return c
}

func (c *Cache) Config() Config { return c.cfg }

// LineAddress rounds addr down to the start of its cache line.
func (c *Cache) LineAddress(addr uint32) uint32 { return addr &^ c.lineMask }

func (c *Cache) setOf(addr uint32) uint32 { return (addr >> c.setShift) & c.setMask }

func (c *Cache) line(set, way uint32) []byte {
	off := (set*c.cfg.Ways + way) * c.cfg.LineSize
	return c.data[off : off+c.cfg.LineSize]
}

// find scans the tag array; this is the source of truth for residency.
func (c *Cache) find(addr uint32) (set, way uint32, ok bool) {
	set = c.setOf(addr)
	tag := c.LineAddress(addr)
	v := c.valid[set]
	base := set * c.cfg.Ways
	for v != 0 {
		w := uint32(bits.TrailingZeros32(v))
		if c.tags[base+w] == tag {
			return set, w, true
		}
		v &= v - 1
	}
	return set, 0, false
}

// touch points the PLRU tree of set away from way.
func (c *Cache) touch(set, way uint32) {
	p := c.plru[set]
	node := uint32(0)
	for half := c.cfg.Ways >> 1; half > 0; half >>= 1 {
		if way&half == 0 {
			p |= 1 << node // used the left subtree, victim goes right
			node = 2*node + 1
		} else {
			p &^= 1 << node
			node = 2*node + 2
		}
	}
	c.plru[set] = p
}

// victim follows the PLRU tree, steering around subtrees that are fully locked.
func (c *Cache) victim(set uint32) (uint32, error) {
	free := ^c.valid[set] & c.wayMask()
	if free != 0 {
		return uint32(bits.TrailingZeros32(free)), nil
	}
	candidates := ^c.locked[set] & c.wayMask()
	if candidates == 0 {
		return 0, ErrSetLocked
	}
	p := c.plru[set]
	node, way := uint32(0), uint32(0)
	for half := c.cfg.Ways >> 1; half > 0; half >>= 1 {
		right := p&(1<<node) != 0
		rightMask := spanMask(way+half, half)
		leftMask := spanMask(way, half)
		if right && candidates&rightMask == 0 {
			right = false
		} else if !right && candidates&leftMask == 0 {
			right = true
		}
		if right {
			way += half
			node = 2*node + 2
		} else {
			node = 2*node + 1
		}
	}
	return way, nil
}

func spanMask(first, n uint32) uint32 {
	if n >= 32 {
		return ^uint32(0)
	}
	return ((1 << n) - 1) << first
}

func (c *Cache) wayMask() uint32 { return spanMask(0, c.cfg.Ways) }

// full reports whether every way of addr's set is locked.
func (c *Cache) full(addr uint32) bool {
	return c.locked[c.setOf(addr)]&c.wayMask() == c.wayMask()
}

func (c *Cache) setResident(lineAddr uint32, on bool) {
	for i := range c.lookup {
		t := &c.lookup[i]
		if lineAddr >= t.Base && lineAddr-t.Base < t.Size {
			t.bits.Set((lineAddr-t.Base)>>c.setShift, on)
			return
		}
	}
}

func (c *Cache) writeBack(set, way uint32) error {
	if c.modified[set]&(1<<way) == 0 {
		return nil
	}
	if err := c.backing.WritePhys(c.tags[set*c.cfg.Ways+way], c.line(set, way)); err != nil {
		return err
	}
	c.modified[set] &^= 1 << way
	c.writebacks.Add(1)
	return nil
}

func (c *Cache) drop(set, way uint32) {
	bit := uint32(1) << way
	if c.valid[set]&bit == 0 {
		return
	}
	c.valid[set] &^= bit
	c.modified[set] &^= bit
	c.locked[set] &^= bit
	c.setResident(c.tags[set*c.cfg.Ways+way], false)
}

// allocate makes room for addr's line. fill loads it from backing memory,
// otherwise the payload is zeroed.
func (c *Cache) allocate(addr uint32, fill bool) (set, way uint32, err error) {
	set = c.setOf(addr)
	way, err = c.victim(set)
	if err != nil {
		return
	}
	if err = c.writeBack(set, way); err != nil {
		return
	}
	c.drop(set, way)
	tag := c.LineAddress(addr)
	buf := c.line(set, way)
	if fill {
		if err = c.backing.ReadPhys(tag, buf); err != nil {
			return
		}
	} else {
		clear(buf)
	}
	c.tags[set*c.cfg.Ways+way] = tag
	c.valid[set] |= 1 << way
	c.setResident(tag, true)
	c.touch(set, way)
	c.misses.Add(1)
	return
}

// Store brings the line into the cache clean. A resident modified line is
// written back and stays resident (dcbst).
func (c *Cache) Store(addr uint32) error {
	if set, way, ok := c.find(addr); ok {
		c.touch(set, way)
		return c.writeBack(set, way)
	}
	_, _, err := c.allocate(addr, true)
	if errors.Is(err, ErrSetLocked) {
		return nil
	}
	return err
}

// Invalidate drops the line without writing it back (dcbi). Modified data is lost.
func (c *Cache) Invalidate(addr uint32) {
	if set, way, ok := c.find(addr); ok {
		c.drop(set, way)
	}
}

// Flush writes a modified line back and then invalidates it (dcbf).
func (c *Cache) Flush(addr uint32) error {
	set, way, ok := c.find(addr)
	if !ok {
		return nil
	}
	if err := c.writeBack(set, way); err != nil {
		return err
	}
	c.drop(set, way)
	return nil
}

// Touch only updates the replacement state of a resident line (dcbt, dcbtst).
func (c *Cache) Touch(addr uint32, isStore bool) {
	if set, way, ok := c.find(addr); ok {
		c.touch(set, way)
	}
}

// Zero establishes the line as zeros without reading memory (dcbz). When
// every way of the set is locked the zeros go to backing memory.
func (c *Cache) Zero(addr uint32) error {
	set, way, ok := c.find(addr)
	if !ok {
		var err error
		set, way, err = c.allocate(addr, false)
		if errors.Is(err, ErrSetLocked) {
			return c.backing.WritePhys(c.LineAddress(addr), make([]byte, c.cfg.LineSize))
		}
		if err != nil {
			return err
		}
	} else {
		clear(c.line(set, way))
		c.touch(set, way)
	}
	c.modified[set] |= 1 << way
	return nil
}

// Lock zeroes the line and pins it so it is never chosen as a victim
// (dcbz_l). It returns ErrSetLocked when the set has no unlocked way left.
func (c *Cache) Lock(addr uint32) error {
	set, way, ok := c.find(addr)
	if !ok {
		var err error
		if set, way, err = c.allocate(addr, false); err != nil {
			return err
		}
	} else {
		clear(c.line(set, way))
		c.touch(set, way)
	}
	c.modified[set] |= 1 << way
	c.locked[set] |= 1 << way
	return nil
}

// IsLocked reports whether addr's line is resident and locked.
func (c *Cache) IsLocked(addr uint32) bool {
	set, way, ok := c.find(addr)
	return ok && c.locked[set]&(1<<way) != 0
}

// IsModified reports whether addr's line is resident and dirty.
func (c *Cache) IsModified(addr uint32) bool {
	set, way, ok := c.find(addr)
	return ok && c.modified[set]&(1<<way) != 0
}

// Contains checks the tag array.
func (c *Cache) Contains(addr uint32) bool {
	_, _, ok := c.find(addr)
	return ok
}

// IsCached answers from the residency bitmaps. Addresses outside every
// registered region fall back to the tag array.
func (c *Cache) IsCached(addr uint32) bool {
	for i := range c.lookup {
		t := &c.lookup[i]
		if addr >= t.Base && addr-t.Base < t.Size {
			return t.bits.Get((addr - t.Base) >> c.setShift)
		}
	}
	return c.Contains(addr)
}

// Read copies len(dst) bytes starting at addr. With locked set only resident
// lines serve the access and misses go straight to backing memory, which is
// how the locked region behaves as scratch RAM. A miss into a set whose ways
// are all locked also bypasses the cache.
func (c *Cache) Read(addr uint32, dst []byte, locked bool) error {
	for len(dst) > 0 {
		n := min(uint32(len(dst)), c.cfg.LineSize-(addr&c.lineMask))
		set, way, ok := c.find(addr)
		if ok {
			c.hits.Add(1)
			c.touch(set, way)
		} else if locked || c.full(addr) {
			if err := c.backing.ReadPhys(addr, dst[:n]); err != nil {
				return err
			}
			addr += n
			dst = dst[n:]
			continue
		} else {
			var err error
			if set, way, err = c.allocate(addr, true); err != nil {
				return err
			}
		}
		off := addr & c.lineMask
		copy(dst[:n], c.line(set, way)[off:off+n])
		addr += n
		dst = dst[n:]
	}
	return nil
}

// Write is the store counterpart of Read. Misses allocate unless locked is set.
func (c *Cache) Write(addr uint32, src []byte, locked bool) error {
	for len(src) > 0 {
		n := min(uint32(len(src)), c.cfg.LineSize-(addr&c.lineMask))
		set, way, ok := c.find(addr)
		if ok {
			c.hits.Add(1)
			c.touch(set, way)
		} else if locked || c.full(addr) {
			if err := c.backing.WritePhys(addr, src[:n]); err != nil {
				return err
			}
			addr += n
			src = src[n:]
			continue
		} else {
			var err error
			if set, way, err = c.allocate(addr, true); err != nil {
				return err
			}
		}
		off := addr & c.lineMask
		copy(c.line(set, way)[off:off+n], src[:n])
		c.modified[set] |= 1 << way
		addr += n
		src = src[n:]
	}
	return nil
}

// ReadInstruction fetches one big-endian word through the cache.
func (c *Cache) ReadInstruction(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := c.Read(addr, buf[:], false); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

// Reset invalidates everything including locked lines. Modified data is discarded.
func (c *Cache) Reset() {
	clear(c.valid)
	clear(c.modified)
	clear(c.locked)
	clear(c.plru)
	clear(c.tags)
	clear(c.data)
	for i := range c.lookup {
		c.lookup[i].bits.Reset()
	}
}

// FlushAll writes back every modified line; residency does not change.
func (c *Cache) FlushAll() error {
	for set := uint32(0); set < c.cfg.Sets; set++ {
		m := c.modified[set]
		for m != 0 {
			way := uint32(bits.TrailingZeros32(m))
			if err := c.writeBack(set, way); err != nil {
				return err
			}
			m &= m - 1
		}
	}
	return nil
}

type Stats struct {
	Hits, Misses, Writebacks uint64
	Resident, Modified, Locked int
}

func (c *Cache) Stats() (s Stats) {
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Writebacks = c.writebacks.Load()
	for set := uint32(0); set < c.cfg.Sets; set++ {
		s.Resident += bits.OnesCount32(c.valid[set])
		s.Modified += bits.OnesCount32(c.modified[set])
		s.Locked += bits.OnesCount32(c.locked[set])
	}
	return
}
