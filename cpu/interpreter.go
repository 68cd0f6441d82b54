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
	"math"
	"math/bits"

	"github.com/launix-de/gekkojit/memory"
)

// Memory is what the interpreter needs from the guest memory subsystem.
// All addresses are effective addresses.
type Memory interface {
	Read8(ea uint32) (uint8, error)
	Read16(ea uint32) (uint16, error)
	Read32(ea uint32) (uint32, error)
	Read64(ea uint32) (uint64, error)
	Write8(ea uint32, v uint8) error
	Write16(ea uint32, v uint16) error
	Write32(ea uint32, v uint32) error
	Write64(ea uint32, v uint64) error
	FetchInstruction(ea uint32) (uint32, error)
	CacheOp(op memory.CacheOp, ea uint32) error
}

// Step fetches and executes the instruction at PC.
func Step(s *State, m Memory) {
	word, err := m.FetchInstruction(s.PC)
	if err != nil {
		s.RaiseFault(err)
		s.CheckExceptions()
		return
	}
	Execute(s, m, Inst(word))
}

const syncExceptions = ExceptionISI | ExceptionDSI | ExceptionAlignment | ExceptionProgram | ExceptionFPUnavailable | ExceptionSyscall

// Execute runs inst as the instruction at PC. On success PC advances to NPC,
// on a synchronous exception the exception is delivered instead.
func Execute(s *State, m Memory, inst Inst) {
	s.NPC = s.PC + 4
	op := Decode(inst)
	if op.Is(FlagFPU) && s.MSR&MSR_FP == 0 {
		s.Exceptions |= ExceptionFPUnavailable
	} else if err := execute(s, m, op, inst); err != nil {
		s.RaiseFault(err)
	}
	if s.Exceptions&syncExceptions != 0 {
		s.CheckExceptions()
		return
	}
	s.PC = s.NPC
}

func (s *State) ea(inst Inst) uint32 {
	ea := uint32(inst.SIMM())
	if ra := inst.RA(); ra != 0 {
		ea += s.GPR[ra]
	}
	return ea
}

func (s *State) eaIndexed(inst Inst) uint32 {
	ea := s.GPR[inst.RB()]
	if ra := inst.RA(); ra != 0 {
		ea += s.GPR[ra]
	}
	return ea
}

func (s *State) branchCondition(inst Inst, useCTR bool) bool {
	bo := inst.BO()
	ctrOK := true
	if useCTR && bo&4 == 0 {
		s.CTR--
		ctrOK = (s.CTR != 0) != (bo&2 != 0)
	}
	condOK := bo&16 != 0 || s.CRBit(inst.BI()) == (bo&8 != 0)
	return ctrOK && condOK
}

func (s *State) privileged() bool {
	if s.MSR&MSR_PR != 0 {
		s.RaiseProgram(ProgramPrivileged)
		return true
	}
	return false
}

func execute(s *State, m Memory, op Op, inst Inst) error {
	rd, ra, rb := inst.RD(), inst.RA(), inst.RB()
	g := &s.GPR
	record := func(v uint32) {
		if inst.Rc() {
			s.UpdateCR0(v)
		}
	}
	switch op {
	case OpInvalid:
		s.RaiseProgram(ProgramIllegal)

	case OpAddi:
		g[rd] = s.ea(inst)
	case OpAddis:
		v := uint32(inst.SIMM()) << 16
		if ra != 0 {
			v += g[ra]
		}
		g[rd] = v
	case OpAddic, OpAddicRc:
		a, imm := g[ra], uint32(inst.SIMM())
		sum := a + imm
		s.SetCarry(sum < a)
		g[rd] = sum
		if op == OpAddicRc {
			s.UpdateCR0(sum)
		}
	case OpSubfic:
		wide := uint64(^g[ra]) + uint64(uint32(inst.SIMM())) + 1
		s.SetCarry(wide>>32 != 0)
		g[rd] = uint32(wide)
	case OpMulli:
		g[rd] = uint32(int32(g[ra]) * inst.SIMM())
	case OpCmpi:
		s.SetCRField(inst.CRFD(), CompareSigned(int32(g[ra]), inst.SIMM())|s.SO())
	case OpCmpli:
		s.SetCRField(inst.CRFD(), CompareUnsigned(g[ra], inst.UIMM())|s.SO())
	case OpCmp:
		s.SetCRField(inst.CRFD(), CompareSigned(int32(g[ra]), int32(g[rb]))|s.SO())
	case OpCmpl:
		s.SetCRField(inst.CRFD(), CompareUnsigned(g[ra], g[rb])|s.SO())

	case OpOri:
		g[ra] = g[rd] | inst.UIMM()
	case OpOris:
		g[ra] = g[rd] | inst.UIMM()<<16
	case OpXori:
		g[ra] = g[rd] ^ inst.UIMM()
	case OpXoris:
		g[ra] = g[rd] ^ inst.UIMM()<<16
	case OpAndiRc:
		g[ra] = g[rd] & inst.UIMM()
		s.UpdateCR0(g[ra])
	case OpAndisRc:
		g[ra] = g[rd] & (inst.UIMM() << 16)
		s.UpdateCR0(g[ra])
	case OpRlwinm:
		g[ra] = rotl(g[rd], inst.SH()) & RotMask(inst.MB(), inst.ME())
		record(g[ra])
	case OpRlwimi:
		mask := RotMask(inst.MB(), inst.ME())
		g[ra] = rotl(g[rd], inst.SH())&mask | g[ra]&^mask
		record(g[ra])

	case OpAdd:
		g[rd] = g[ra] + g[rb]
		record(g[rd])
	case OpSubf:
		g[rd] = g[rb] - g[ra]
		record(g[rd])
	case OpNeg:
		g[rd] = -g[ra]
		record(g[rd])
	case OpMullw:
		g[rd] = uint32(int32(g[ra]) * int32(g[rb]))
		record(g[rd])
	case OpDivw:
		a, b := int32(g[ra]), int32(g[rb])
		if b == 0 || (a == math.MinInt32 && b == -1) {
			if a < 0 {
				g[rd] = 0xFFFFFFFF
			} else {
				g[rd] = 0
			}
		} else {
			g[rd] = uint32(a / b)
		}
		record(g[rd])
	case OpDivwu:
		if g[rb] == 0 {
			g[rd] = 0
		} else {
			g[rd] = g[ra] / g[rb]
		}
		record(g[rd])
	case OpAnd:
		g[ra] = g[rd] & g[rb]
		record(g[ra])
	case OpAndc:
		g[ra] = g[rd] &^ g[rb]
		record(g[ra])
	case OpOr:
		g[ra] = g[rd] | g[rb]
		record(g[ra])
	case OpNor:
		g[ra] = ^(g[rd] | g[rb])
		record(g[ra])
	case OpXor:
		g[ra] = g[rd] ^ g[rb]
		record(g[ra])
	case OpSlw:
		n := g[rb] & 0x3F
		if n&0x20 != 0 {
			g[ra] = 0
		} else {
			g[ra] = g[rd] << n
		}
		record(g[ra])
	case OpSrw:
		n := g[rb] & 0x3F
		if n&0x20 != 0 {
			g[ra] = 0
		} else {
			g[ra] = g[rd] >> n
		}
		record(g[ra])
	case OpSraw, OpSrawi:
		n := rb
		if op == OpSraw {
			n = g[rb] & 0x3F
		}
		v := int32(g[rd])
		if n&0x20 != 0 {
			g[ra] = uint32(v >> 31)
			s.SetCarry(v < 0)
		} else {
			g[ra] = uint32(v >> n)
			s.SetCarry(v < 0 && n > 0 && uint32(v)<<(32-n) != 0)
		}
		record(g[ra])
	case OpCntlzw:
		g[ra] = uint32(bits.LeadingZeros32(g[rd]))
		record(g[ra])
	case OpExtsb:
		g[ra] = uint32(int32(int8(g[rd])))
		record(g[ra])
	case OpExtsh:
		g[ra] = uint32(int32(int16(g[rd])))
		record(g[ra])

	case OpMfspr:
		g[rd] = s.readSPR(inst.SPR())
	case OpMtspr:
		return s.writeSPR(m, inst.SPR(), g[rd])
	case OpMfmsr:
		if !s.privileged() {
			g[rd] = s.MSR
		}
	case OpMtmsr:
		if !s.privileged() {
			s.MSR = g[rd]
		}
	case OpMfcr:
		g[rd] = s.CR
	case OpMtcrf:
		crm := inst.CRM()
		for i := uint32(0); i < 8; i++ {
			if crm&(0x80>>i) != 0 {
				s.SetCRField(i, g[rd]>>(4*(7-i)))
			}
		}
	case OpSync, OpIsync:

	case OpLwz, OpLwzu, OpLwzx:
		ea := s.loadEA(op, inst)
		v, err := m.Read32(ea)
		if err != nil {
			return err
		}
		g[rd] = v
		s.update(op, inst, ea)
	case OpLbz, OpLbzu, OpLbzx:
		ea := s.loadEA(op, inst)
		v, err := m.Read8(ea)
		if err != nil {
			return err
		}
		g[rd] = uint32(v)
		s.update(op, inst, ea)
	case OpLhz:
		v, err := m.Read16(s.ea(inst))
		if err != nil {
			return err
		}
		g[rd] = uint32(v)
	case OpLha:
		v, err := m.Read16(s.ea(inst))
		if err != nil {
			return err
		}
		g[rd] = uint32(int32(int16(v)))
	case OpStw, OpStwu, OpStwx:
		ea := s.loadEA(op, inst)
		if err := m.Write32(ea, g[rd]); err != nil {
			return err
		}
		s.update(op, inst, ea)
	case OpStb, OpStbu, OpStbx:
		ea := s.loadEA(op, inst)
		if err := m.Write8(ea, uint8(g[rd])); err != nil {
			return err
		}
		s.update(op, inst, ea)
	case OpSth:
		return m.Write16(s.ea(inst), uint16(g[rd]))
	case OpLfd:
		v, err := m.Read64(s.ea(inst))
		if err != nil {
			return err
		}
		s.FPR[rd] = math.Float64frombits(v)
	case OpStfd:
		return m.Write64(s.ea(inst), math.Float64bits(s.FPR[rd]))

	case OpDcbst:
		return m.CacheOp(memory.OpStoreLine, s.eaIndexed(inst))
	case OpDcbf:
		return m.CacheOp(memory.OpFlushLine, s.eaIndexed(inst))
	case OpDcbi:
		if !s.privileged() {
			return m.CacheOp(memory.OpInvalidateLine, s.eaIndexed(inst))
		}
	case OpDcbt:
		return m.CacheOp(memory.OpTouchLine, s.eaIndexed(inst))
	case OpDcbtst:
		return m.CacheOp(memory.OpTouchLineForStore, s.eaIndexed(inst))
	case OpDcbz:
		return m.CacheOp(memory.OpZeroLine, s.eaIndexed(inst))
	case OpDcbzL:
		if s.HID2&HID2_LCE == 0 {
			s.RaiseProgram(ProgramIllegal)
			return nil
		}
		return m.CacheOp(memory.OpZeroLockedLine, s.eaIndexed(inst))
	case OpIcbi:
		return m.CacheOp(memory.OpInvalidateInstruction, s.eaIndexed(inst))

	case OpB:
		if inst.LK() {
			s.LR = s.PC + 4
		}
		s.NPC = BranchTarget(s.PC, inst)
	case OpBc:
		if s.branchCondition(inst, true) {
			s.NPC = BranchTarget(s.PC, inst)
		}
		if inst.LK() {
			s.LR = s.PC + 4
		}
	case OpBclr:
		target := s.LR &^ 3
		if s.branchCondition(inst, true) {
			s.NPC = target
		}
		if inst.LK() {
			s.LR = s.PC + 4
		}
	case OpBcctr:
		if s.branchCondition(inst, false) {
			s.NPC = s.CTR &^ 3
		}
		if inst.LK() {
			s.LR = s.PC + 4
		}
	case OpSc:
		s.Exceptions |= ExceptionSyscall
	case OpRfi:
		if !s.privileged() {
			const mask = 0x87C0FF73
			s.MSR = (s.MSR&^mask | s.SRR1&mask) & 0xFFFBFFFF
			s.NPC = s.SRR0 &^ 3
		}

	case OpFadd:
		s.FPR[rd] = s.FPR[ra] + s.FPR[rb]
	case OpFsub:
		s.FPR[rd] = s.FPR[ra] - s.FPR[rb]
	case OpFmul:
		s.FPR[rd] = s.FPR[ra] * s.FPR[inst.RC()]
	case OpFdiv:
		s.FPR[rd] = s.FPR[ra] / s.FPR[rb]
	case OpFmr:
		s.FPR[rd] = s.FPR[rb]
	case OpFneg:
		s.FPR[rd] = math.Float64frombits(math.Float64bits(s.FPR[rb]) ^ 1<<63)
	case OpFabs:
		s.FPR[rd] = math.Float64frombits(math.Float64bits(s.FPR[rb]) &^ (1 << 63))
	case OpFnabs:
		s.FPR[rd] = math.Float64frombits(math.Float64bits(s.FPR[rb]) | 1<<63)
	}
	return nil
}

// loadEA handles the D-form, update and indexed flavours of the integer loads and stores.
func (s *State) loadEA(op Op, inst Inst) uint32 {
	switch op {
	case OpLwzx, OpLbzx, OpStwx, OpStbx:
		return s.eaIndexed(inst)
	}
	return s.ea(inst)
}

func (s *State) update(op Op, inst Inst, ea uint32) {
	switch op {
	case OpLwzu, OpLbzu, OpStwu, OpStbu:
		if ra := inst.RA(); ra != 0 {
			s.GPR[ra] = ea
		}
	}
}

func (s *State) readSPR(spr uint32) uint32 {
	switch spr {
	case SPR_XER:
		return s.XER
	case SPR_LR:
		return s.LR
	case SPR_CTR:
		return s.CTR
	case SPR_DSISR:
		return s.DSISR
	case SPR_DAR:
		return s.DAR
	case SPR_DEC:
		return s.DEC
	case SPR_SRR0:
		return s.SRR0
	case SPR_SRR1:
		return s.SRR1
	case SPR_TBL:
		return uint32(s.Timebase)
	case SPR_TBU:
		return uint32(s.Timebase >> 32)
	case SPR_SPRG0, SPR_SPRG0 + 1, SPR_SPRG0 + 2, SPR_SPRG0 + 3:
		return s.SPRG[spr-SPR_SPRG0]
	case SPR_PVR:
		return GekkoPVR
	case SPR_HID0:
		return s.HID0
	case SPR_HID2:
		return s.HID2
	}
	return 0
}

func (s *State) writeSPR(m Memory, spr, v uint32) error {
	switch spr {
	case SPR_XER:
		s.XER = v
	case SPR_LR:
		s.LR = v
	case SPR_CTR:
		s.CTR = v
	case SPR_DSISR:
		s.DSISR = v
	case SPR_DAR:
		s.DAR = v
	case SPR_DEC:
		s.DEC = v
	case SPR_SRR0:
		s.SRR0 = v
	case SPR_SRR1:
		s.SRR1 = v
	case SPR_SPRG0, SPR_SPRG0 + 1, SPR_SPRG0 + 2, SPR_SPRG0 + 3:
		s.SPRG[spr-SPR_SPRG0] = v
	case SPR_HID2:
		s.HID2 = v
	case SPR_HID0:
		// the flash invalidate bits trigger once and read back as zero
		s.HID0 = v &^ (HID0_ICFI | HID0_DCFI)
		if v&HID0_ICFI != 0 {
			if err := m.CacheOp(memory.OpFlashInvalidateInstruction, 0); err != nil {
				return err
			}
		}
		if v&HID0_DCFI != 0 {
			return m.CacheOp(memory.OpFlashInvalidateData, 0)
		}
	}
	return nil
}
