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
	"encoding/binary"
	"errors"

	"github.com/launix-de/gekkojit/cache"
)

// Mode is the part of the CPU state that decides how an access is routed.
type Mode struct {
	DataTranslation        bool // MSR.DR
	InstructionTranslation bool // MSR.IR
	DCache                 bool // HID0.DCE
	ICache                 bool // HID0.ICE
	LockedCache            bool // HID2.LCE
}

type ModeSource interface {
	MemoryMode() Mode
}

type CacheOp uint8

const (
	OpStoreLine           CacheOp = iota // dcbst
	OpFlushLine                          // dcbf
	OpInvalidateLine                     // dcbi
	OpTouchLine                          // dcbt
	OpTouchLineForStore                  // dcbtst
	OpZeroLine                           // dcbz
	OpZeroLockedLine                     // dcbz_l
	OpInvalidateInstruction              // icbi
	OpFlashInvalidateInstruction         // HID0.ICFI
	OpFlashInvalidateData                // HID0.DCFI
)

type accessClass uint8

const (
	classCached accessClass = iota
	classUncached
	classLocked
)

// MMU routes effective-address accesses through translation and the cache models.
type MMU struct {
	Bus    *Bus
	DCache *cache.Cache
	ICache *cache.Cache

	EmulateDCache bool
	EmulateICache bool

	// OnInstructionInvalidate receives physical ranges whose translated code
	// must be dropped (icbi, instruction cache flash invalidate).
	OnInstructionInvalidate func(addr, size uint32)

	mode ModeSource
}

func NewMMU(bus *Bus, mode ModeSource) *MMU {
	var regions []cache.Region
	for _, r := range bus.Regions() {
		if r.Cacheable {
			regions = append(regions, cache.Region{Name: r.Name, Base: r.Base, Size: r.Size()})
		}
	}
	return &MMU{
		Bus:    bus,
		DCache: cache.New(cache.GekkoL1, bus, regions...),
		ICache: cache.New(cache.GekkoL1, bus, regions...),
		mode:   mode,
	}
}

// DataCacheActive reports whether data accesses currently go through the D-cache model.
func (m *MMU) DataCacheActive() bool {
	return m.EmulateDCache && m.mode.MemoryMode().DCache
}

func (m *MMU) InstructionCacheActive() bool {
	return m.EmulateICache && m.mode.MemoryMode().ICache
}

// Translate maps an effective address with the fixed BAT layout the guest
// OS sets up: 0x8/0x9 cached, 0xC/0xD cache inhibited.
func (m *MMU) Translate(ea uint32, fetch bool) (uint32, error) {
	phys, _, err := m.translate(ea, fetch, false)
	return phys, err
}

func (m *MMU) translate(ea uint32, fetch, write bool) (uint32, accessClass, error) {
	mode := m.mode.MemoryMode()
	on := mode.DataTranslation
	if fetch {
		on = mode.InstructionTranslation
	}
	if !on {
		return ea, classCached, nil
	}
	switch ea >> 28 {
	case 0x8, 0x9:
		return ea & 0x3FFFFFFF, classCached, nil
	case 0xC, 0xD:
		return ea & 0x3FFFFFFF, classUncached, nil
	case 0xE:
		if !fetch && ea-LockedBase < LockedSize {
			return ea, classLocked, nil
		}
	case 0x7:
		if ea >= FakeVMEMBase && m.Bus.Find(ea, 1) != nil {
			return ea, classCached, nil
		}
	}
	return 0, 0, &Fault{Addr: ea, Write: write, Fetch: fetch, Kind: FaultTranslation}
}

func relocate(err error, ea uint32, write, fetch bool) error {
	var f *Fault
	if errors.As(err, &f) {
		return &Fault{Addr: ea, Write: write, Fetch: fetch, Kind: f.Kind}
	}
	return err
}

func (m *MMU) Read(ea uint32, buf []byte) error {
	phys, class, err := m.translate(ea, false, false)
	if err != nil {
		return err
	}
	switch {
	case class == classLocked && m.DataCacheActive():
		err = m.DCache.Read(phys, buf, true)
	case class == classCached && m.DataCacheActive() && m.cacheable(phys):
		err = m.DCache.Read(phys, buf, false)
	default:
		err = m.Bus.ReadPhys(phys, buf)
	}
	return relocate(err, ea, false, false)
}

func (m *MMU) Write(ea uint32, buf []byte) error {
	phys, class, err := m.translate(ea, false, true)
	if err != nil {
		return err
	}
	switch {
	case class == classLocked && m.DataCacheActive():
		err = m.DCache.Write(phys, buf, true)
	case class == classCached && m.DataCacheActive() && m.cacheable(phys):
		err = m.DCache.Write(phys, buf, false)
		if err == nil {
			// the data sits in the cache, but translated code must still see the change
			m.Bus.NotifyWrite(phys, uint32(len(buf)))
		}
	default:
		err = m.Bus.WritePhys(phys, buf)
	}
	return relocate(err, ea, true, false)
}

func (m *MMU) cacheable(phys uint32) bool {
	r := m.Bus.Find(phys, 1)
	return r != nil && r.Cacheable
}

func (m *MMU) Read8(ea uint32) (uint8, error) {
	var b [1]byte
	err := m.Read(ea, b[:])
	return b[0], err
}

func (m *MMU) Read16(ea uint32) (uint16, error) {
	var b [2]byte
	err := m.Read(ea, b[:])
	return binary.BigEndian.Uint16(b[:]), err
}

func (m *MMU) Read32(ea uint32) (uint32, error) {
	var b [4]byte
	err := m.Read(ea, b[:])
	return binary.BigEndian.Uint32(b[:]), err
}

func (m *MMU) Read64(ea uint32) (uint64, error) {
	var b [8]byte
	err := m.Read(ea, b[:])
	return binary.BigEndian.Uint64(b[:]), err
}

func (m *MMU) Write8(ea uint32, v uint8) error {
	return m.Write(ea, []byte{v})
}

func (m *MMU) Write16(ea uint32, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return m.Write(ea, b[:])
}

func (m *MMU) Write32(ea uint32, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return m.Write(ea, b[:])
}

func (m *MMU) Write64(ea uint32, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return m.Write(ea, b[:])
}

// FetchInstruction reads an instruction word, through the I-cache model when it is active.
func (m *MMU) FetchInstruction(ea uint32) (uint32, error) {
	if ea&3 != 0 {
		return 0, &Fault{Addr: ea, Fetch: true, Kind: FaultAlignment}
	}
	phys, class, err := m.translate(ea, true, false)
	if err != nil {
		return 0, err
	}
	if class == classCached && m.InstructionCacheActive() && m.cacheable(phys) {
		v, err := m.ICache.ReadInstruction(phys)
		return v, relocate(err, ea, false, true)
	}
	var b [4]byte
	if err := m.Bus.ReadPhys(phys, b[:]); err != nil {
		return 0, relocate(err, ea, false, true)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// CacheOp executes a cache management instruction on the line holding ea.
func (m *MMU) CacheOp(op CacheOp, ea uint32) error {
	switch op {
	case OpFlashInvalidateInstruction:
		m.ICache.Reset()
		m.invalidateCode(0, ^uint32(0))
		return nil
	case OpFlashInvalidateData:
		m.DCache.Reset()
		return nil
	}
	write := op == OpZeroLine || op == OpZeroLockedLine
	phys, class, err := m.translate(ea, false, write)
	if err != nil {
		return err
	}
	line := m.DCache.LineAddress(phys)
	dcache := m.DataCacheActive() && class != classUncached
	switch op {
	case OpStoreLine:
		if dcache && m.DCache.Contains(line) {
			err = m.DCache.Store(line)
		}
	case OpFlushLine:
		if dcache {
			err = m.DCache.Flush(line)
		}
	case OpInvalidateLine:
		if dcache {
			m.DCache.Invalidate(line)
		}
	case OpTouchLine, OpTouchLineForStore:
		if dcache {
			m.DCache.Touch(line, op == OpTouchLineForStore)
		}
	case OpZeroLine:
		if class == classUncached {
			return &Fault{Addr: ea, Write: true, Kind: FaultAlignment}
		}
		if dcache {
			if err = m.DCache.Zero(line); err == nil {
				m.Bus.NotifyWrite(line, m.DCache.Config().LineSize)
			}
		} else {
			err = m.Bus.WritePhys(line, make([]byte, m.DCache.Config().LineSize))
		}
	case OpZeroLockedLine:
		if dcache {
			err = m.DCache.Lock(line)
		}
		if !dcache || errors.Is(err, cache.ErrSetLocked) {
			err = m.Bus.WritePhys(line, make([]byte, m.DCache.Config().LineSize))
		}
	case OpInvalidateInstruction:
		iline := m.ICache.LineAddress(phys)
		if m.InstructionCacheActive() {
			m.ICache.Invalidate(iline)
		}
		m.invalidateCode(iline, m.ICache.Config().LineSize)
	}
	return relocate(err, ea, write, false)
}

func (m *MMU) invalidateCode(addr, size uint32) {
	if m.OnInstructionInvalidate != nil {
		m.OnInstructionInvalidate(addr, size)
	}
}

// Reset drops both cache models, including locked lines.
func (m *MMU) Reset() {
	m.DCache.Reset()
	m.ICache.Reset()
}

func (m *MMU) ReadGuestMemory(ea, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	return buf, m.Read(ea, buf)
}

func (m *MMU) WriteGuestMemory(ea uint32, data []byte) error {
	return m.Write(ea, data)
}
