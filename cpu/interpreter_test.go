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
	"bytes"
	"math"
	"testing"

	"github.com/launix-de/gekkojit/memory"
)

func newMachine(t *testing.T) (*State, *memory.MMU) {
	t.Helper()
	s := NewState()
	m := memory.NewMMU(memory.NewBus(memory.Config{Mem1Size: 1 << 20}), s)
	return s, m
}

func exec(s *State, m Memory, words ...uint32) {
	for _, w := range words {
		Execute(s, m, Inst(w))
	}
}

func program(t *testing.T, m *memory.MMU, addr uint32, words ...uint32) {
	t.Helper()
	for i, w := range words {
		if err := m.Write32(addr+uint32(4*i), w); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDecode(t *testing.T) {
	cases := []struct {
		word uint32
		op   Op
	}{
		{Addi(3, 1, 8), OpAddi},
		{Lis(3, 1), OpAddis},
		{AddRc(3, 4, 5), OpAdd},
		{Srawi(3, 4, 2), OpSrawi},
		{Rlwinm(3, 4, 8, 24, 31), OpRlwinm},
		{Mflr(0), OpMfspr},
		{Mtctr(0), OpMtspr},
		{Lwzu(3, 1, -4), OpLwzu},
		{Stwx(3, 4, 5), OpStwx},
		{Bl(16), OpB},
		{Bc(BranchTrue, 2, 8), OpBc},
		{Blr(), OpBclr},
		{Bctrl(), OpBcctr},
		{Sc(), OpSc},
		{Rfi(), OpRfi},
		{Dcbz(0, 3), OpDcbz},
		{DcbzL(0, 3), OpDcbzL},
		{Icbi(0, 3), OpIcbi},
		{Fmul(1, 2, 3), OpFmul},
		{Fabs(1, 2), OpFabs},
		{0, OpInvalid},
		{31<<26 | 1023<<1, OpInvalid},
	}
	for _, c := range cases {
		if got := Decode(Inst(c.word)); got != c.op {
			t.Errorf("Decode(%08x) = %v, want %v", c.word, got, c.op)
		}
	}
}

func TestArithmeticRecordForms(t *testing.T) {
	s, m := newMachine(t)
	exec(s, m, Li(3, 5), Li(4, -7), AddRc(5, 3, 4))
	if int32(s.GPR[5]) != -2 {
		t.Fatalf("r5 = %d", int32(s.GPR[5]))
	}
	if s.CR>>28 != 8 {
		t.Errorf("CR0 = %x, want LT", s.CR>>28)
	}
	s.XER |= XER_SO
	exec(s, m, AddRc(5, 3, 3))
	if s.CR>>28 != 4|1 {
		t.Errorf("CR0 = %x, want GT|SO", s.CR>>28)
	}
	exec(s, m, Subf(6, 3, 4), Neg(7, 3), Mullw(8, 3, 4), Mulli(9, 3, -3))
	if int32(s.GPR[6]) != -12 || int32(s.GPR[7]) != -5 || int32(s.GPR[8]) != -35 || int32(s.GPR[9]) != -15 {
		t.Errorf("subf/neg/mullw/mulli = %d %d %d %d", int32(s.GPR[6]), int32(s.GPR[7]), int32(s.GPR[8]), int32(s.GPR[9]))
	}
}

func TestCarry(t *testing.T) {
	s, m := newMachine(t)
	exec(s, m, Li(3, -1), Addic(4, 3, 1))
	if s.GPR[4] != 0 || s.XER&XER_CA == 0 {
		t.Errorf("addic: r4=%x XER=%x", s.GPR[4], s.XER)
	}
	exec(s, m, Subfic(5, 3, 0))
	if s.GPR[5] != 1 || s.XER&XER_CA != 0 {
		t.Errorf("subfic 0-(-1): r5=%x XER=%x", s.GPR[5], s.XER)
	}
	exec(s, m, Li(6, 0), Subfic(5, 6, 0))
	if s.GPR[5] != 0 || s.XER&XER_CA == 0 {
		t.Errorf("subfic 0-0: r5=%x XER=%x", s.GPR[5], s.XER)
	}
	exec(s, m, Li(3, -3), Srawi(4, 3, 1))
	if int32(s.GPR[4]) != -2 || s.XER&XER_CA == 0 {
		t.Errorf("srawi -3: r4=%d XER=%x", int32(s.GPR[4]), s.XER)
	}
	exec(s, m, Li(3, -4), Srawi(4, 3, 1))
	if int32(s.GPR[4]) != -2 || s.XER&XER_CA != 0 {
		t.Errorf("srawi -4: r4=%d XER=%x", int32(s.GPR[4]), s.XER)
	}
}

func TestDivideEdgeCases(t *testing.T) {
	s, m := newMachine(t)
	exec(s, m, Li(3, 100), Li(4, 0), Divw(5, 3, 4), Divwu(6, 3, 4))
	if s.GPR[5] != 0 || s.GPR[6] != 0 {
		t.Errorf("positive / 0 = %x, %x", s.GPR[5], s.GPR[6])
	}
	exec(s, m, Li(3, -100), Divw(5, 3, 4))
	if s.GPR[5] != 0xFFFFFFFF {
		t.Errorf("negative / 0 = %x", s.GPR[5])
	}
	exec(s, m, Lis(3, -0x8000), Li(4, -1), Divw(5, 3, 4))
	if s.GPR[5] != 0xFFFFFFFF {
		t.Errorf("MinInt32 / -1 = %x", s.GPR[5])
	}
	exec(s, m, Li(3, -100), Li(4, 7), Divw(5, 3, 4))
	if int32(s.GPR[5]) != -14 {
		t.Errorf("-100 / 7 = %d", int32(s.GPR[5]))
	}
}

func TestShiftsAndRotates(t *testing.T) {
	s, m := newMachine(t)
	s.GPR[3] = 0x12345678
	s.GPR[4] = 32
	s.GPR[5] = 4
	exec(s, m, Slw(6, 3, 4), Srw(7, 3, 5), Rlwinm(8, 3, 8, 24, 31), Cntlzw(9, 5))
	if s.GPR[6] != 0 || s.GPR[7] != 0x01234567 || s.GPR[8] != 0x12 || s.GPR[9] != 29 {
		t.Errorf("slw=%x srw=%x rlwinm=%x cntlzw=%d", s.GPR[6], s.GPR[7], s.GPR[8], s.GPR[9])
	}
	s.GPR[10] = 0xFFFFFFFF
	exec(s, m, Rlwimi(10, 3, 0, 16, 31))
	if s.GPR[10] != 0xFFFF5678 {
		t.Errorf("rlwimi = %x", s.GPR[10])
	}
	s.GPR[3] = 0x80
	exec(s, m, Extsb(11, 3), Extsh(12, 3))
	if s.GPR[11] != 0xFFFFFF80 || s.GPR[12] != 0x80 {
		t.Errorf("extsb=%x extsh=%x", s.GPR[11], s.GPR[12])
	}
}

func TestCompareAndBranch(t *testing.T) {
	s, m := newMachine(t)
	s.PC = 0x80001000
	program(t, m, s.PC,
		Li(3, 5),
		Cmpwi(0, 3, 5),
		Bc(BranchTrue, 2, 8),
		Li(4, 1),
		Li(4, 2),
	)
	for i := 0; i < 3; i++ {
		Step(s, m)
	}
	if s.PC != 0x80001010 {
		t.Fatalf("taken branch landed at %08x", s.PC)
	}
	Step(s, m)
	if s.GPR[4] != 2 {
		t.Errorf("r4 = %d", s.GPR[4])
	}
	exec(s, m, Li(3, -1), Cmplwi(1, 3, 5))
	if (s.CR>>24)&0xF != 4 {
		t.Errorf("cmplwi cr1 = %x, want GT", (s.CR>>24)&0xF)
	}
}

func TestCountLoop(t *testing.T) {
	s, m := newMachine(t)
	s.PC = 0x80001000
	program(t, m, s.PC,
		Li(3, 0),
		Li(4, 10),
		Mtctr(4),
		Addi(3, 3, 1),
		Bc(BranchDNZ, 0, -4),
	)
	for i := 0; i < 100 && s.PC != 0x80001014; i++ {
		Step(s, m)
	}
	if s.GPR[3] != 10 || s.CTR != 0 {
		t.Errorf("r3 = %d, ctr = %d", s.GPR[3], s.CTR)
	}
}

func TestBranchAndLink(t *testing.T) {
	s, m := newMachine(t)
	s.PC = 0x80001000
	program(t, m, s.PC, Bl(8), Nop(), Blr())
	Step(s, m)
	if s.LR != 0x80001004 || s.PC != 0x80001008 {
		t.Fatalf("bl: LR=%08x PC=%08x", s.LR, s.PC)
	}
	Step(s, m)
	if s.PC != 0x80001004 {
		t.Errorf("blr returned to %08x", s.PC)
	}
	s.CTR = 0x80001000
	exec(s, m, Bctrl())
	if s.PC != 0x80001000 || s.LR != 0x80001008 {
		t.Errorf("bctrl: PC=%08x LR=%08x", s.PC, s.LR)
	}
}

func TestLoadStore(t *testing.T) {
	s, m := newMachine(t)
	exec(s, m,
		Lis(5, -0x8000),
		Li(3, 0x1234),
		Stwu(3, 5, 0x100),
		Lwz(6, 5, 0),
		Lbz(7, 5, 2),
		Li(8, -2),
		Sth(8, 5, 4),
		Lha(9, 5, 4),
		Lhz(10, 5, 4),
	)
	if s.GPR[5] != 0x80000100 {
		t.Errorf("stwu update: r5 = %08x", s.GPR[5])
	}
	if s.GPR[6] != 0x1234 || s.GPR[7] != 0x12 {
		t.Errorf("lwz=%x lbz=%x", s.GPR[6], s.GPR[7])
	}
	if s.GPR[9] != 0xFFFFFFFE || s.GPR[10] != 0xFFFE {
		t.Errorf("lha=%x lhz=%x", s.GPR[9], s.GPR[10])
	}
	s.FPR[1] = 1.5
	exec(s, m, Stfd(1, 5, 16), Lfd(2, 5, 16))
	if s.FPR[2] != 1.5 {
		t.Errorf("lfd = %v", s.FPR[2])
	}
	raw, _ := m.Bus.ReadGuestMemory(0x100, 4)
	if !bytes.Equal(raw, []byte{0, 0, 0x12, 0x34}) {
		t.Errorf("memory is % x", raw)
	}
}

func TestDataStorageException(t *testing.T) {
	s, m := newMachine(t)
	s.PC = 0x80002000
	exec(s, m, Lis(5, 0x4000))
	pc := s.PC
	exec(s, m, Stw(3, 5, 8))
	if s.PC != 0x300 {
		t.Fatalf("PC = %08x, want DSI vector", s.PC)
	}
	if s.SRR0 != pc || s.DAR != 0x40000008 || s.DSISR != dsisrNotFound|dsisrStore {
		t.Errorf("SRR0=%08x DAR=%08x DSISR=%08x", s.SRR0, s.DAR, s.DSISR)
	}
	if s.MSR&(MSR_DR|MSR_IR) != 0 {
		t.Errorf("translation still on after exception: MSR=%x", s.MSR)
	}
	if s.SRR1&MSR_DR == 0 {
		t.Errorf("SRR1 lost the old MSR: %x", s.SRR1)
	}
}

func TestInstructionStorageException(t *testing.T) {
	s, m := newMachine(t)
	s.PC = 0x40000000
	Step(s, m)
	if s.PC != 0x400 || s.SRR0 != 0x40000000 {
		t.Errorf("PC=%08x SRR0=%08x", s.PC, s.SRR0)
	}
}

func TestSyscallResumesAfterInstruction(t *testing.T) {
	s, m := newMachine(t)
	s.PC = 0x80001000
	exec(s, m, Sc())
	if s.PC != 0xC00 || s.SRR0 != 0x80001004 {
		t.Errorf("PC=%08x SRR0=%08x", s.PC, s.SRR0)
	}
	s.SRR1 = MSR_IR | MSR_DR | MSR_EE
	exec(s, m, Rfi())
	if s.PC != 0x80001004 || s.MSR&MSR_EE == 0 {
		t.Errorf("rfi: PC=%08x MSR=%x", s.PC, s.MSR)
	}
}

func TestProgramExceptions(t *testing.T) {
	s, m := newMachine(t)
	exec(s, m, 0)
	if s.PC != 0x700 || s.SRR1&ProgramIllegal == 0 {
		t.Errorf("illegal: PC=%08x SRR1=%08x", s.PC, s.SRR1)
	}

	s.Reset()
	exec(s, m, DcbzL(0, 3))
	if s.PC != 0x700 {
		t.Errorf("dcbz_l without HID2.LCE: PC=%08x", s.PC)
	}

	s.Reset()
	s.MSR |= MSR_PR
	exec(s, m, Mfmsr(3))
	if s.PC != 0x700 || s.SRR1&ProgramPrivileged == 0 {
		t.Errorf("mfmsr in user mode: PC=%08x SRR1=%08x", s.PC, s.SRR1)
	}
}

func TestFloatingPoint(t *testing.T) {
	s, m := newMachine(t)
	s.FPR[1], s.FPR[2] = 3, -4
	exec(s, m, Fadd(3, 1, 2), Fmul(4, 1, 2), Fdiv(5, 2, 1), Fabs(6, 2), Fneg(7, 1), Fmr(8, 2))
	if s.FPR[3] != -1 || s.FPR[4] != -12 || s.FPR[5] != -4.0/3 {
		t.Errorf("fadd=%v fmul=%v fdiv=%v", s.FPR[3], s.FPR[4], s.FPR[5])
	}
	if s.FPR[6] != 4 || s.FPR[7] != -3 || s.FPR[8] != -4 {
		t.Errorf("fabs=%v fneg=%v fmr=%v", s.FPR[6], s.FPR[7], s.FPR[8])
	}
	s.FPR[9] = 0
	exec(s, m, Fneg(10, 9))
	if !math.Signbit(s.FPR[10]) {
		t.Errorf("fneg of +0 kept the sign")
	}

	s.MSR &^= MSR_FP
	s.PC = 0x80001000
	exec(s, m, Fadd(3, 1, 1))
	if s.PC != 0x800 || s.SRR0 != 0x80001000 {
		t.Errorf("FP unavailable: PC=%08x SRR0=%08x", s.PC, s.SRR0)
	}
}

func TestFlashInvalidateThroughHID0(t *testing.T) {
	s, m := newMachine(t)
	var got [][2]uint32
	m.OnInstructionInvalidate = func(addr, size uint32) { got = append(got, [2]uint32{addr, size}) }
	exec(s, m, Li(3, 0), Ori(3, 3, uint16(HID0_ICFI|HID0_ICE)), Mtspr(SPR_HID0, 3), Mfspr(4, SPR_HID0))
	if len(got) != 1 || got[0] != [2]uint32{0, 0xFFFFFFFF} {
		t.Errorf("invalidations = %v", got)
	}
	if s.GPR[4] != HID0_ICE {
		t.Errorf("HID0 reads back %x", s.GPR[4])
	}
}

func TestConditionRegisterMoves(t *testing.T) {
	s, m := newMachine(t)
	s.GPR[3] = 0x12345678
	exec(s, m, Mtcrf(0x81, 3), Mfcr(4))
	if s.GPR[4] != 0x10000008 {
		t.Errorf("mtcrf 0x81 -> CR = %08x", s.GPR[4])
	}
}

func TestDecrementerWaitsForEE(t *testing.T) {
	s := NewState()
	s.PC = 0x80001234
	s.Exceptions |= ExceptionDecrementer
	if s.CheckExceptions() {
		t.Fatal("decrementer delivered with MSR.EE clear")
	}
	s.MSR |= MSR_EE
	if !s.CheckExceptions() || s.PC != 0x900 || s.SRR0 != 0x80001234 {
		t.Errorf("PC=%08x SRR0=%08x", s.PC, s.SRR0)
	}
	if s.MSR&MSR_EE != 0 {
		t.Errorf("EE still set in handler")
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := NewState()
	s.GPR[7] = 77
	s.FPR[3] = 2.25
	s.CR = 0x24000000
	s.Timebase = 1 << 40
	s.Mem1Size = 1234
	var buf bytes.Buffer
	if err := s.DoState(&buf); err != nil {
		t.Fatal(err)
	}
	r := NewState()
	r.Mem1Size = 99
	r.InvalidatePending = 1
	if err := r.LoadState(&buf); err != nil {
		t.Fatal(err)
	}
	if r.GPR[7] != 77 || r.FPR[3] != 2.25 || r.CR != 0x24000000 || r.Timebase != 1<<40 {
		t.Errorf("restored state differs: r7=%d f3=%v CR=%08x TB=%x", r.GPR[7], r.FPR[3], r.CR, r.Timebase)
	}
	if r.Mem1Size != 99 || r.InvalidatePending != 0 {
		t.Errorf("host fields: Mem1Size=%d pending=%d", r.Mem1Size, r.InvalidatePending)
	}
}
