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
package cpu

import (
	"encoding/binary"
	"io"

	"github.com/launix-de/gekkojit/memory"
)

// MSR bits
const (
	MSR_EE uint32 = 0x8000
	MSR_PR uint32 = 0x4000
	MSR_FP uint32 = 0x2000
	MSR_ME uint32 = 0x1000
	MSR_IR uint32 = 0x0020
	MSR_DR uint32 = 0x0010
	MSR_RI uint32 = 0x0002
)

// HID bits
const (
	HID0_ICE  uint32 = 0x8000
	HID0_DCE  uint32 = 0x4000
	HID0_ICFI uint32 = 0x0800
	HID0_DCFI uint32 = 0x0400
	HID2_LCE  uint32 = 0x10000000
)

// XER bits
const (
	XER_SO uint32 = 0x80000000
	XER_OV uint32 = 0x40000000
	XER_CA uint32 = 0x20000000
)

// special purpose register numbers
const (
	SPR_XER   = 1
	SPR_LR    = 8
	SPR_CTR   = 9
	SPR_DSISR = 18
	SPR_DAR   = 19
	SPR_DEC   = 22
	SPR_SRR0  = 26
	SPR_SRR1  = 27
	SPR_TBL   = 268
	SPR_TBU   = 269
	SPR_SPRG0 = 272
	SPR_PVR   = 287
	SPR_HID2  = 920
	SPR_HID0  = 1008
)

const GekkoPVR = 0x00083214

// State is the architectural state of one guest CPU. The layout of the
// first block of fields is read by generated code through fixed offsets.
type State struct {
	GPR       [32]uint32
	PC        uint32
	NPC       uint32
	CR        uint32
	XER       uint32
	LR        uint32
	CTR       uint32
	MSR       uint32
	Downcount int32

	// InvalidatePending is set from any goroutine when translated code
	// must be dropped before the next block is entered.
	InvalidatePending uint32
	Exceptions        uint32

	FPR [32]float64

	SRR0, SRR1 uint32
	DAR, DSISR uint32
	DEC        uint32
	HID0, HID2 uint32
	SPRG       [4]uint32
	Timebase   uint64

	// host side fast paths, never serialized
	Mem1Base  uintptr
	Mem1Size  uint32
	CodePages uintptr
}

func NewState() *State {
	s := new(State)
	s.Reset()
	return s
}

// Reset puts the CPU into the state the boot ROM leaves it in: caches on,
// translation on, PC at the system reset vector.
func (s *State) Reset() {
	mem1, mem1size, pages := s.Mem1Base, s.Mem1Size, s.CodePages
	*s = State{}
	s.Mem1Base, s.Mem1Size, s.CodePages = mem1, mem1size, pages
	s.MSR = MSR_ME | MSR_IR | MSR_DR | MSR_FP | MSR_RI
	s.HID0 = HID0_ICE | HID0_DCE
	s.PC = 0x80003100
	s.NPC = s.PC + 4
}

// MemoryMode implements memory.ModeSource.
func (s *State) MemoryMode() memory.Mode {
	return memory.Mode{
		DataTranslation:        s.MSR&MSR_DR != 0,
		InstructionTranslation: s.MSR&MSR_IR != 0,
		DCache:                 s.HID0&HID0_DCE != 0,
		ICache:                 s.HID0&HID0_ICE != 0,
		LockedCache:            s.HID2&HID2_LCE != 0,
	}
}

// FeatureFlags are the mode bits a translated block depends on.
type FeatureFlags uint32

const (
	FeatureFP FeatureFlags = 1 << iota
	FeatureDR
	FeatureIR
	FeatureEE
	FeatureDCache
)

func (f FeatureFlags) Has(x FeatureFlags) bool { return f&x == x }

func (f FeatureFlags) String() string {
	names := []string{"FP", "DR", "IR", "EE", "DC"}
	out := ""
	for i, n := range names {
		if f&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += n
		}
	}
	if out == "" {
		return "-"
	}
	return out
}

// Features derives the current feature flags. dcache reports whether data
// accesses currently go through the cache model.
func (s *State) Features(dcache bool) (f FeatureFlags) {
	if s.MSR&MSR_FP != 0 {
		f |= FeatureFP
	}
	if s.MSR&MSR_DR != 0 {
		f |= FeatureDR
	}
	if s.MSR&MSR_IR != 0 {
		f |= FeatureIR
	}
	if s.MSR&MSR_EE != 0 {
		f |= FeatureEE
	}
	if dcache {
		f |= FeatureDCache
	}
	return
}

func (s *State) CRBit(bi uint32) bool { return (s.CR>>(31-bi))&1 != 0 }

func (s *State) SetCRField(field uint32, v uint32) {
	shift := 4 * (7 - field)
	s.CR = s.CR&^(0xF<<shift) | (v&0xF)<<shift
}

// UpdateCR0 records the signed comparison of v with zero in CR0.
func (s *State) UpdateCR0(v uint32) {
	s.SetCRField(0, CompareSigned(int32(v), 0)|s.SO())
}

func (s *State) SO() uint32 { return s.XER >> 31 }

func (s *State) Carry() uint32 { return (s.XER >> 29) & 1 }

func (s *State) SetCarry(ca bool) {
	if ca {
		s.XER |= XER_CA
	} else {
		s.XER &^= XER_CA
	}
}

func CompareSigned(a, b int32) uint32 {
	switch {
	case a < b:
		return 8
	case a > b:
		return 4
	}
	return 2
}

func CompareUnsigned(a, b uint32) uint32 {
	switch {
	case a < b:
		return 8
	case a > b:
		return 4
	}
	return 2
}

// savedState is the serialized subset of State.
type savedState struct {
	GPR                    [32]uint32
	PC, NPC, CR, XER, LR   uint32
	CTR, MSR               uint32
	Downcount              int32
	Exceptions             uint32
	FPR                    [32]float64
	SRR0, SRR1, DAR, DSISR uint32
	DEC, HID0, HID2        uint32
	SPRG                   [4]uint32
	Timebase               uint64
}

func (s *State) DoState(w io.Writer) error {
	v := savedState{
		GPR: s.GPR, PC: s.PC, NPC: s.NPC, CR: s.CR, XER: s.XER, LR: s.LR,
		CTR: s.CTR, MSR: s.MSR, Downcount: s.Downcount, Exceptions: s.Exceptions,
		FPR: s.FPR, SRR0: s.SRR0, SRR1: s.SRR1, DAR: s.DAR, DSISR: s.DSISR,
		DEC: s.DEC, HID0: s.HID0, HID2: s.HID2, SPRG: s.SPRG, Timebase: s.Timebase,
	}
	return binary.Write(w, binary.BigEndian, &v)
}

func (s *State) LoadState(r io.Reader) error {
	var v savedState
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return err
	}
	s.GPR, s.PC, s.NPC, s.CR, s.XER, s.LR = v.GPR, v.PC, v.NPC, v.CR, v.XER, v.LR
	s.CTR, s.MSR, s.Downcount, s.Exceptions = v.CTR, v.MSR, v.Downcount, v.Exceptions
	s.FPR, s.SRR0, s.SRR1, s.DAR, s.DSISR = v.FPR, v.SRR0, v.SRR1, v.DAR, v.DSISR
	s.DEC, s.HID0, s.HID2, s.SPRG, s.Timebase = v.DEC, v.HID0, v.HID2, v.SPRG, v.Timebase
	s.InvalidatePending = 0
	return nil
}
