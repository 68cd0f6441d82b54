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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/launix-de/NonLockingReadMap"
)

// physical memory map
const (
	Mem1Base     uint32 = 0x00000000
	Mem1Size     uint32 = 0x01800000
	Mem2Base     uint32 = 0x10000000
	Mem2Size     uint32 = 0x04000000
	FakeVMEMBase uint32 = 0x7E000000
	FakeVMEMSize uint32 = 0x02000000
	LockedBase   uint32 = 0xE0000000
	LockedSize   uint32 = 0x00004000
)

type Config struct {
	Mem1Size uint32
	Mem2Size uint32 // 0 disables MEM2
	FakeVMEM bool
}

var DefaultConfig = Config{Mem1Size: Mem1Size, Mem2Size: Mem2Size}

// Region is one contiguous block of guest RAM.
type Region struct {
	Name      string
	Base      uint32
	Data      []byte
	Cacheable bool
}

func (r Region) GetKey() uint32          { return r.Base }
func (r Region) ComputeSize() uint       { return uint(len(r.Data)) }
func (r *Region) Size() uint32           { return uint32(len(r.Data)) }
func (r *Region) Contains(a uint32) bool { return a >= r.Base && a-r.Base < uint32(len(r.Data)) }

// WriteHook is called after every guest visible write with the physical range.
// Hooks may run on any goroutine.
type WriteHook func(addr, size uint32)

// Bus is guest physical memory. Reads and writes never consult the cache models.
type Bus struct {
	regions NonLockingReadMap.NonLockingReadMap[Region, uint32]
	hooksMu sync.Mutex
	hooks   atomic.Pointer[[]WriteHook]
}

func NewBus(cfg Config) *Bus {
	b := &Bus{regions: NonLockingReadMap.New[Region, uint32]()}
	b.AddRegion("MEM1", Mem1Base, cfg.Mem1Size, true)
	if cfg.Mem2Size > 0 {
		b.AddRegion("MEM2", Mem2Base, cfg.Mem2Size, true)
	}
	if cfg.FakeVMEM {
		b.AddRegion("VMEM", FakeVMEMBase, FakeVMEMSize, true)
	}
	b.AddRegion("L1", LockedBase, LockedSize, false)
	return b
}

func (b *Bus) AddRegion(name string, base, size uint32, cacheable bool) *Region {
	r := &Region{Name: name, Base: base, Data: make([]byte, size), Cacheable: cacheable}
	b.regions.Set(r)
	return r
}

func (b *Bus) Regions() []*Region { return b.regions.GetAll() }

func (b *Bus) RegionByName(name string) *Region {
	for _, r := range b.regions.GetAll() {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Find returns the region holding [addr, addr+size).
func (b *Bus) Find(addr, size uint32) *Region {
	all := b.regions.GetAll()
	i := sort.Search(len(all), func(i int) bool { return all[i].Base > addr }) - 1
	if i < 0 {
		return nil
	}
	r := all[i]
	if !r.Contains(addr) || size > r.Size()-(addr-r.Base) {
		return nil
	}
	return r
}

// OnWrite subscribes to write notifications.
func (b *Bus) OnWrite(h WriteHook) {
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	var hooks []WriteHook
	if old := b.hooks.Load(); old != nil {
		hooks = append(hooks, *old...)
	}
	hooks = append(hooks, h)
	b.hooks.Store(&hooks)
}

// NotifyWrite runs the write hooks for a range that was modified behind the
// bus, for example through a cache line.
func (b *Bus) NotifyWrite(addr, size uint32) {
	if hooks := b.hooks.Load(); hooks != nil {
		for _, h := range *hooks {
			h(addr, size)
		}
	}
}

func (b *Bus) ReadPhys(addr uint32, dst []byte) error {
	r := b.Find(addr, uint32(len(dst)))
	if r == nil {
		return &Fault{Addr: addr, Kind: FaultUnmapped}
	}
	copy(dst, r.Data[addr-r.Base:])
	return nil
}

func (b *Bus) WritePhys(addr uint32, src []byte) error {
	r := b.Find(addr, uint32(len(src)))
	if r == nil {
		return &Fault{Addr: addr, Write: true, Kind: FaultUnmapped}
	}
	copy(r.Data[addr-r.Base:], src)
	b.NotifyWrite(addr, uint32(len(src)))
	return nil
}

// ReadGuestMemory copies size bytes of physical memory.
func (b *Bus) ReadGuestMemory(addr, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	if err := b.ReadPhys(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuestMemory stores data into physical memory and notifies subscribers.
func (b *Bus) WriteGuestMemory(addr uint32, data []byte) error {
	return b.WritePhys(addr, data)
}
