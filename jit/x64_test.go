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
	"encoding/binary"
	"strings"
	"testing"

	"github.com/launix-de/gekkojit/cpu"
	"github.com/launix-de/gekkojit/memory"
	"golang.org/x/arch/x86/x86asm"
)

// emitOne runs emit on a fresh writer and decodes the single instruction it produced.
func emitOne(t *testing.T, emit func(w *x64Writer)) x86asm.Inst {
	t.Helper()
	r := newTestRegion(t, 4096, 0)
	off, _ := r.Alloc(64)
	var w x64Writer
	w.reset(r.ptr(off), 64)
	emit(&w)
	n := int(w.Pos())
	inst, err := x86asm.Decode(r.Bytes(off, n), 64)
	if err != nil {
		t.Fatalf("% x does not decode: %v", r.Bytes(off, n), err)
	}
	if inst.Len != n {
		t.Fatalf("% x decodes as %d bytes (%v)", r.Bytes(off, n), inst.Len, inst)
	}
	return inst
}

func TestX64RegisterForms(t *testing.T) {
	cases := []struct {
		name string
		emit func(w *x64Writer)
		op   x86asm.Op
		args []x86asm.Arg
	}{
		{"mov r10d,ecx", func(w *x64Writer) { w.movRegReg32(regR10, regRCX) }, x86asm.MOV, []x86asm.Arg{x86asm.R10L, x86asm.ECX}},
		{"mov r13d,r10d", func(w *x64Writer) { w.movRegReg32(regR13, regR10) }, x86asm.MOV, []x86asm.Arg{x86asm.R13L, x86asm.R10L}},
		{"mov r10d,imm", func(w *x64Writer) { w.movRegImm32(regR10, 0x12345678) }, x86asm.MOV, []x86asm.Arg{x86asm.R10L, x86asm.Imm(0x12345678)}},
		{"cmp r10d,imm", func(w *x64Writer) { w.aluRegImm32(aluCmp, regR10, 0x100) }, x86asm.CMP, []x86asm.Arg{x86asm.R10L, x86asm.Imm(0x100)}},
		{"add r10d,esi", func(w *x64Writer) { w.aluRegReg32(aluAdd, regR10, regRSI) }, x86asm.ADD, []x86asm.Arg{x86asm.R10L, x86asm.ESI}},
		{"xor eax,eax", func(w *x64Writer) { w.aluRegReg32(aluXor, regRAX, regRAX) }, x86asm.XOR, []x86asm.Arg{x86asm.EAX, x86asm.EAX}},
		{"test r10d,r10d", func(w *x64Writer) { w.testRegReg32(regR10, regR10) }, x86asm.TEST, []x86asm.Arg{x86asm.R10L, x86asm.R10L}},
		{"not r11d", func(w *x64Writer) { w.notReg32(regR11) }, x86asm.NOT, []x86asm.Arg{x86asm.R11L}},
		{"neg r10d", func(w *x64Writer) { w.negReg32(regR10) }, x86asm.NEG, []x86asm.Arg{x86asm.R10L}},
		{"imul r10d,r9d", func(w *x64Writer) { w.imulRegReg32(regR10, regR9) }, x86asm.IMUL, []x86asm.Arg{x86asm.R10L, x86asm.R9L}},
		{"imul r10d,r10d,5", func(w *x64Writer) { w.imulRegImm32(regR10, regR10, 5) }, x86asm.IMUL, []x86asm.Arg{x86asm.R10L, x86asm.R10L, x86asm.Imm(5)}},
		{"rol r10d,8", func(w *x64Writer) { w.shiftRegImm32(shiftRol, regR10, 8) }, x86asm.ROL, []x86asm.Arg{x86asm.R10L, x86asm.Imm(8)}},
		{"shr eax,12", func(w *x64Writer) { w.shiftRegImm32(shiftShr, regRAX, 12) }, x86asm.SHR, []x86asm.Arg{x86asm.EAX, x86asm.Imm(12)}},
		{"rol ax,8", func(w *x64Writer) { w.rolWord8(regRAX) }, x86asm.ROL, []x86asm.Arg{x86asm.AX, x86asm.Imm(8)}},
		{"bswap eax", func(w *x64Writer) { w.bswap32(regRAX) }, x86asm.BSWAP, []x86asm.Arg{x86asm.EAX}},
		{"cmovl eax,r11d", func(w *x64Writer) { w.cmov32(ccL, regRAX, regR11) }, x86asm.CMOVL, []x86asm.Arg{x86asm.EAX, x86asm.R11L}},
		{"cmova eax,r11d", func(w *x64Writer) { w.cmov32(ccA, regRAX, regR11) }, x86asm.CMOVA, []x86asm.Arg{x86asm.EAX, x86asm.R11L}},
		{"movsx r10d,r10b", func(w *x64Writer) { w.movsxByte32(regR10, regR10) }, x86asm.MOVSX, []x86asm.Arg{x86asm.R10L, x86asm.R10B}},
		{"movsx eax,ax", func(w *x64Writer) { w.movsxWord32(regRAX, regRAX) }, x86asm.MOVSX, []x86asm.Arg{x86asm.EAX, x86asm.AX}},
		{"ret", func(w *x64Writer) { w.ret() }, x86asm.RET, nil},
	}
	for _, c := range cases {
		inst := emitOne(t, c.emit)
		if inst.Op != c.op {
			t.Errorf("%s: decoded %v", c.name, inst)
			continue
		}
		for i, want := range c.args {
			if inst.Args[i] != want {
				t.Errorf("%s: argument %d is %v, want %v", c.name, i, inst.Args[i], want)
			}
		}
	}
}

func checkMem(t *testing.T, name string, arg x86asm.Arg, base, index x86asm.Reg, disp int64) {
	t.Helper()
	m, ok := arg.(x86asm.Mem)
	if !ok {
		t.Errorf("%s: %v is not a memory operand", name, arg)
		return
	}
	if m.Base != base || m.Index != index || m.Disp != disp {
		t.Errorf("%s: got %+v, want base %v index %v disp %d", name, m, base, index, disp)
	}
}

func TestX64MemoryForms(t *testing.T) {
	inst := emitOne(t, func(w *x64Writer) { w.movRegMem32(regRCX, regRBX, gprOffset(3)) })
	if inst.Op != x86asm.MOV || inst.Args[0] != x86asm.ECX {
		t.Errorf("load gpr: %v", inst)
	}
	checkMem(t, "load gpr", inst.Args[1], x86asm.RBX, 0, int64(gprOffset(3)))

	inst = emitOne(t, func(w *x64Writer) { w.movMemReg32(regRBX, gprOffset(31), regR13) })
	if inst.Op != x86asm.MOV || inst.Args[1] != x86asm.R13L {
		t.Errorf("store gpr: %v", inst)
	}
	checkMem(t, "store gpr", inst.Args[0], x86asm.RBX, 0, int64(gprOffset(31)))

	inst = emitOne(t, func(w *x64Writer) { w.movMemImm32(regRBX, offPC, 0x80001000) })
	if inst.Op != x86asm.MOV {
		t.Errorf("store pc: %v", inst)
	}
	checkMem(t, "store pc", inst.Args[0], x86asm.RBX, 0, int64(offPC))

	inst = emitOne(t, func(w *x64Writer) { w.movRegMem64(regR11, regRBX, offMem1Base) })
	if inst.Op != x86asm.MOV || inst.Args[0] != x86asm.R11 {
		t.Errorf("load base: %v", inst)
	}
	checkMem(t, "load base", inst.Args[1], x86asm.RBX, 0, int64(offMem1Base))

	inst = emitOne(t, func(w *x64Writer) { w.loadSIB32(regRAX, regR11, regR10) })
	if inst.Op != x86asm.MOV || inst.Args[0] != x86asm.EAX {
		t.Errorf("load mem1: %v", inst)
	}
	checkMem(t, "load mem1", inst.Args[1], x86asm.R11, x86asm.R10, 0)

	inst = emitOne(t, func(w *x64Writer) { w.storeSIB16(regR11, regR10, regRAX) })
	if inst.Op != x86asm.MOV || inst.Args[1] != x86asm.AX {
		t.Errorf("store16 mem1: %v", inst)
	}
	checkMem(t, "store16 mem1", inst.Args[0], x86asm.R11, x86asm.R10, 0)

	inst = emitOne(t, func(w *x64Writer) { w.storeSIB8(regR11, regR10, regRAX) })
	if inst.Op != x86asm.MOV || inst.Args[1] != x86asm.AL {
		t.Errorf("store8 mem1: %v", inst)
	}

	inst = emitOne(t, func(w *x64Writer) { w.cmpSIB8Imm(regR11, regRAX, 0) })
	if inst.Op != x86asm.CMP {
		t.Errorf("code page check: %v", inst)
	}
	checkMem(t, "code page check", inst.Args[0], x86asm.R11, x86asm.RAX, 0)

	inst = emitOne(t, func(w *x64Writer) { w.aluMemImm32(aluSub, regRBX, offDowncount, 3) })
	if inst.Op != x86asm.SUB || inst.Args[1] != x86asm.Imm(3) {
		t.Errorf("downcount: %v", inst)
	}
	checkMem(t, "downcount", inst.Args[0], x86asm.RBX, 0, int64(offDowncount))

	inst = emitOne(t, func(w *x64Writer) { w.decMem32(regRBX, offCTR) })
	if inst.Op != x86asm.DEC {
		t.Errorf("dec ctr: %v", inst)
	}
	checkMem(t, "dec ctr", inst.Args[0], x86asm.RBX, 0, int64(offCTR))

	inst = emitOne(t, func(w *x64Writer) { w.btMem32(regRBX, offCR, 29) })
	if inst.Op != x86asm.BT || inst.Args[1] != x86asm.Imm(29) {
		t.Errorf("bt cr: %v", inst)
	}

	inst = emitOne(t, func(w *x64Writer) { w.movsdLoad(regXMM0, regRBX, fprOffset(2)) })
	if inst.Op != x86asm.MOVSD_XMM || inst.Args[0] != x86asm.X0 {
		t.Errorf("movsd: %v", inst)
	}
	checkMem(t, "movsd", inst.Args[1], x86asm.RBX, 0, int64(fprOffset(2)))

	inst = emitOne(t, func(w *x64Writer) { w.sdOpMem(sdMul, regXMM0, regRBX, fprOffset(3)) })
	if inst.Op != x86asm.MULSD {
		t.Errorf("mulsd: %v", inst)
	}
}

func TestX64RIPRelative(t *testing.T) {
	r := newTestRegion(t, 4096, 0)
	off, _ := r.Alloc(64)
	var w x64Writer
	w.reset(r.ptr(off), 64)
	target := r.Addr(off + 40)
	w.pdOpRIP(pdXor, regXMM0, target)
	n := int(w.Pos())
	inst, err := x86asm.Decode(r.Bytes(off, n), 64)
	if err != nil || inst.Op != x86asm.XORPD {
		t.Fatalf("decoded %v, %v", inst, err)
	}
	m := inst.Args[1].(x86asm.Mem)
	if m.Base != x86asm.RIP || r.Addr(off)+uintptr(n)+uintptr(m.Disp) != target {
		t.Errorf("rip operand %+v does not reach the target", m)
	}
}

func TestX64LabelsAndFixups(t *testing.T) {
	r := newTestRegion(t, 4096, 0)
	off, _ := r.Alloc(64)
	var w x64Writer
	w.reset(r.ptr(off), 64)
	fwd := w.ReserveLabel()
	w.jcc(ccE, fwd)
	back := w.DefineLabel()
	w.ret()
	w.MarkLabel(fwd)
	w.jmp(back)
	w.ResolveFixups()

	code := r.Bytes(off, int(w.Pos()))
	jcc, _ := x86asm.Decode(code, 64)
	if jcc.Op != x86asm.JE || int(jcc.Args[0].(x86asm.Rel)) != 1 {
		t.Errorf("forward jump: %v", jcc)
	}
	jmp, _ := x86asm.Decode(code[7:], 64)
	if jmp.Op != x86asm.JMP || int(jmp.Args[0].(x86asm.Rel)) != -6 {
		t.Errorf("backward jump: %v", jmp)
	}
}

func TestX64WriterReportsFullReservation(t *testing.T) {
	r := newTestRegion(t, 4096, 0)
	off, _ := r.Alloc(16)
	var w x64Writer
	w.reset(r.ptr(off), 4)
	defer func() {
		if recover() != ErrRegionFull {
			t.Error("overflow did not panic with ErrRegionFull")
		}
	}()
	w.movRegImm32(regR10, 1)
}

// nativeFixture builds units with the native emitter over a small machine.
type nativeFixture struct {
	state   *cpu.State
	mmu     *memory.MMU
	region  *CodeRegion
	builder *Builder
}

func newNativeFixture(t *testing.T) *nativeFixture {
	t.Helper()
	bus := memory.NewBus(memory.Config{Mem1Size: 1 << 20})
	s := cpu.NewState()
	m := memory.NewMMU(bus, s)
	r := newTestRegion(t, 1<<16, 256)
	return &nativeFixture{s, m, r, NewBuilder(m, newX64Emitter(r, 1<<20, 64), nil)}
}

func (f *nativeFixture) program(t *testing.T, addr uint32, words ...uint32) {
	t.Helper()
	for i, w := range words {
		if err := f.mmu.Write32(addr+uint32(4*i), w); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *nativeFixture) build(t *testing.T, addr uint32) *Block {
	t.Helper()
	b, err := f.builder.Build(addr, f.state.Features(false), 64)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNativeUnitDecodesCompletely(t *testing.T) {
	f := newNativeFixture(t)
	f.program(t, 0x80001000,
		cpu.Lis(5, -0x8000),
		cpu.Ori(5, 5, 0x2000),
		cpu.Lwz(3, 5, 0),
		cpu.Lha(4, 5, 4),
		cpu.Add(6, 3, 4),
		cpu.AddRc(6, 6, 3),
		cpu.Rlwinm(7, 6, 8, 24, 31),
		cpu.Stw(7, 5, 8),
		cpu.Sth(7, 5, 12),
		cpu.Stb(7, 5, 14),
		cpu.Fneg(1, 2),
		cpu.Fabs(3, 1),
		cpu.Cmpwi(1, 6, 10),
		cpu.Bc(cpu.BranchTrue, 5, 0x40),
	)
	b := f.build(t, 0x80001000)
	if b.Instructions != 14 || b.End != 0x80001038 {
		t.Fatalf("unit %v", b)
	}
	if len(b.Exits) != 2 || b.Exits[0].Target != 0x80001074 || b.Exits[1].Target != 0x80001038 {
		t.Errorf("exits %+v", b.Exits)
	}
	listing := b.Code.Listing()
	for _, l := range listing {
		if strings.Contains(l, ".byte") {
			t.Fatalf("undecodable code: %s", strings.Join(listing, "\n"))
		}
	}
	code := b.Code.(*nativeCode)
	body := f.region.Bytes(code.off+x64CounterSize, code.size-x64CounterSize)
	first, _ := x86asm.Decode(body, 64)
	second, _ := x86asm.Decode(body[first.Len:], 64)
	if first.Op != x86asm.MOV || second.Op != x86asm.INC || x64CounterSize+first.Len != x64LinkOffset {
		t.Errorf("prologue %v; %v", first, second)
	}
	if f.region.Pool().Len() != 2 {
		t.Errorf("%d pool constants, want the sign and abs masks", f.region.Pool().Len())
	}
}

// jumpTarget decodes the exit jump whose rel32 lives at region offset patch.
func jumpTarget(t *testing.T, r *CodeRegion, patch int) int {
	t.Helper()
	rel := int32(binary.LittleEndian.Uint32(r.Bytes(patch, 4)))
	return patch + 4 + int(rel)
}

func TestNativeLinkPatchesExitJump(t *testing.T) {
	f := newNativeFixture(t)
	f.program(t, 0x80001000, cpu.Addi(3, 3, 1), cpu.B(0x100))
	f.program(t, 0x80001100, cpu.Addi(3, 3, 2), cpu.B(-0x100))
	a := f.build(t, 0x80001000)
	b := f.build(t, 0x80001100)
	ca, cb := a.Code.(*nativeCode), b.Code.(*nativeCode)
	patch := ca.exits[0].patch
	if got := jumpTarget(t, f.region, patch); got != ca.dispatch {
		t.Fatalf("unlinked exit jumps to %d, want the dispatch stub at %d", got, ca.dispatch)
	}
	ca.Link(0, cb)
	if got := jumpTarget(t, f.region, patch); got != cb.off+x64LinkOffset {
		t.Errorf("linked exit jumps to %d, want %d", got, cb.off+x64LinkOffset)
	}
	ca.Unlink(0)
	if got := jumpTarget(t, f.region, patch); got != ca.dispatch {
		t.Errorf("unlinked again to %d", got)
	}
}

func TestNativeSupportsDependsOnCacheMode(t *testing.T) {
	f := newNativeFixture(t)
	e := f.builder.e
	lwz := cpu.Inst(cpu.Lwz(3, 4, 0))
	e.Begin(0x80001000, cpu.FeatureDR)
	if !e.Supports(cpu.OpLwz, lwz) {
		t.Error("lwz not native without the data cache model")
	}
	e.Abort()
	e.Begin(0x80001000, cpu.FeatureDR|cpu.FeatureDCache)
	if e.Supports(cpu.OpLwz, lwz) {
		t.Error("lwz native while the data cache model must see it")
	}
	e.Abort()
	if f.region.Used() != 0 {
		t.Errorf("aborted units left %d bytes allocated", f.region.Used())
	}
}
