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
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/launix-de/gekkojit/cpu"
)

/*
Native x86-64 back end.

Register usage inside generated code (Go register ABI on entry: RAX holds
the *cpu.State argument, the exit status is returned in EAX):

	RBX        guest state
	RAX R10 R11 scratch
	RCX RDX RSI RDI R8 R9 R12 R13  register cache slots 0..7

RSP, RBP, R14 (g) and X15 are never touched. Generated code does not use
the stack apart from the return address of the call from Go.

Unit layout:

	+0   uint64 run counter
	+8   entry:  mov rbx, rax
	+11  link:   inc qword [counter]
	     body, then out of line slow paths and the two exit stubs
*/

var x64HostRegs = [...]amd64Reg{regRCX, regRDX, regRSI, regRDI, regR8, regR9, regR12, regR13}

func host(r Reg) amd64Reg { return x64HostRegs[r] }

const (
	offGPR               = int32(unsafe.Offsetof(cpu.State{}.GPR))
	offPC                = int32(unsafe.Offsetof(cpu.State{}.PC))
	offCR                = int32(unsafe.Offsetof(cpu.State{}.CR))
	offXER               = int32(unsafe.Offsetof(cpu.State{}.XER))
	offLR                = int32(unsafe.Offsetof(cpu.State{}.LR))
	offCTR               = int32(unsafe.Offsetof(cpu.State{}.CTR))
	offDowncount         = int32(unsafe.Offsetof(cpu.State{}.Downcount))
	offInvalidatePending = int32(unsafe.Offsetof(cpu.State{}.InvalidatePending))
	offFPR               = int32(unsafe.Offsetof(cpu.State{}.FPR))
	offMem1Base          = int32(unsafe.Offsetof(cpu.State{}.Mem1Base))
	offCodePages         = int32(unsafe.Offsetof(cpu.State{}.CodePages))
)

func gprOffset(g uint32) int32 { return offGPR + 4*int32(g) }
func fprOffset(f uint32) int32 { return offFPR + 8*int32(f) }

func sprOffset(spr SPR) int32 {
	switch spr {
	case SprLR:
		return offLR
	case SprCTR:
		return offCTR
	case SprXER:
		return offXER
	}
	return offCR
}

const (
	x64CounterSize = 8
	x64LinkOffset  = x64CounterSize + 3
	// reservation per unit; unused bytes are returned by Finish
	x64BytesPerInstruction = 320
	x64UnitOverhead        = 256
)

var fpSignMask = [2]uint64{1 << 63, 1 << 63}
var fpAbsMask = [2]uint64{^uint64(0) >> 1, ^uint64(0) >> 1}

type x64Slow struct {
	label int
	path  SlowPath
}

type x64Exit struct {
	patch int32
	info  ExitInfo
}

type x64Emitter struct {
	region   *CodeRegion
	w        x64Writer
	reserve  int
	off      int
	active   bool
	flags    cpu.FeatureFlags
	mem1Size uint32

	slow     []x64Slow
	exits    []x64Exit
	timing   int
	dispatch int
}

func newX64Emitter(region *CodeRegion, mem1Size uint32, maxInstructions int) *x64Emitter {
	return &x64Emitter{
		region:   region,
		mem1Size: mem1Size,
		reserve:  x64UnitOverhead + x64BytesPerInstruction*maxInstructions,
	}
}

func (e *x64Emitter) Begin(start uint32, flags cpu.FeatureFlags) error {
	off, err := e.region.Alloc(e.reserve)
	if err != nil {
		return err
	}
	e.off, e.active, e.flags = off, true, flags
	e.slow, e.exits = e.slow[:0], e.exits[:0]
	e.w.reset(e.region.ptr(off), e.reserve)
	w := &e.w
	w.emitU64(0)                            // run counter
	w.emitRR(0, true, regRAX, regRBX, 0x89) // mov rbx, rax
	w.incCounterRIP(w.Addr(0))              // link entry
	e.timing, e.dispatch = w.ReserveLabel(), w.ReserveLabel()
	return nil
}

func (e *x64Emitter) HostRegisters() int { return len(x64HostRegs) }

func (e *x64Emitter) Supports(op cpu.Op, inst cpu.Inst) bool {
	switch op {
	case cpu.OpAddic, cpu.OpAddicRc, cpu.OpSubfic, cpu.OpDivw, cpu.OpDivwu,
		cpu.OpSlw, cpu.OpSrw, cpu.OpSraw, cpu.OpSrawi, cpu.OpCntlzw,
		cpu.OpLwzu, cpu.OpLbzu, cpu.OpStwu, cpu.OpStbu,
		cpu.OpLwzx, cpu.OpLbzx, cpu.OpStwx, cpu.OpStbx, cpu.OpLfd, cpu.OpStfd:
		return false
	}
	if op.Is(cpu.FlagLoad|cpu.FlagStore) && e.flags.Has(cpu.FeatureDCache) {
		// the cache model has to see every access
		return false
	}
	return true
}

func (e *x64Emitter) LoadGuest(r Reg, g uint32) { e.w.movRegMem32(host(r), regRBX, gprOffset(g)) }

func (e *x64Emitter) StoreGuest(g uint32, r Reg) { e.w.movMemReg32(regRBX, gprOffset(g), host(r)) }

func (e *x64Emitter) StoreGuestImm(g uint32, v uint32) { e.w.movMemImm32(regRBX, gprOffset(g), v) }

func (e *x64Emitter) MoveImm(r Reg, v uint32) { e.w.movRegImm32(host(r), v) }

func (e *x64Emitter) operandTo(dst amd64Reg, o Operand) {
	if o.Imm {
		e.w.movRegImm32(dst, o.Value)
	} else {
		e.w.movRegReg32(dst, host(o.Reg))
	}
}

var arithALU = map[ArithOp]aluOp{
	ArithAdd: aluAdd, ArithSub: aluSub, ArithAnd: aluAnd, ArithOr: aluOr, ArithNor: aluOr, ArithXor: aluXor,
}

func (e *x64Emitter) Arith(op ArithOp, d Reg, a, b Operand, rc bool) {
	w := &e.w
	e.operandTo(regR10, a)
	switch op {
	case ArithAdd, ArithSub, ArithAnd, ArithOr, ArithNor, ArithXor:
		if b.Imm {
			w.aluRegImm32(arithALU[op], regR10, b.Value)
		} else {
			w.aluRegReg32(arithALU[op], regR10, host(b.Reg))
		}
		if op == ArithNor {
			w.notReg32(regR10)
		}
	case ArithAndc:
		if b.Imm {
			w.aluRegImm32(aluAnd, regR10, ^b.Value)
		} else {
			w.movRegReg32(regR11, host(b.Reg))
			w.notReg32(regR11)
			w.aluRegReg32(aluAnd, regR10, regR11)
		}
	case ArithMul:
		if b.Imm {
			w.imulRegImm32(regR10, regR10, b.Value)
		} else {
			w.imulRegReg32(regR10, host(b.Reg))
		}
	case ArithNeg:
		w.negReg32(regR10)
	case ArithExtsb:
		w.movsxByte32(regR10, regR10)
	case ArithExtsh:
		w.movsxWord32(regR10, regR10)
	default:
		panic(fmt.Sprintf("x64: %s has no native translation", op))
	}
	if rc {
		w.testRegReg32(regR10, regR10)
		e.setCRField(0, true)
	}
	w.movRegReg32(host(d), regR10)
}

func (e *x64Emitter) RotateMask(d, s Reg, sh, mask uint32, rc bool) {
	w := &e.w
	w.movRegReg32(regR10, host(s))
	if sh&31 != 0 {
		w.shiftRegImm32(shiftRol, regR10, uint8(sh&31))
	}
	if mask != 0xFFFFFFFF {
		w.aluRegImm32(aluAnd, regR10, mask)
	}
	if rc {
		w.testRegReg32(regR10, regR10)
		e.setCRField(0, true)
	}
	w.movRegReg32(host(d), regR10)
}

// setCRField turns the flags of the last compare into LT/GT/EQ, adds SO and
// inserts the nibble into CR. Clobbers RAX and R11.
func (e *x64Emitter) setCRField(crf uint32, signed bool) {
	w := &e.w
	lt, gt := ccL, ccG
	if !signed {
		lt, gt = ccB, ccA
	}
	w.movRegImm32(regRAX, 2)
	w.movRegImm32(regR11, 8)
	w.cmov32(lt, regRAX, regR11)
	w.movRegImm32(regR11, 4)
	w.cmov32(gt, regRAX, regR11)
	w.movRegMem32(regR11, regRBX, offXER)
	w.shiftRegImm32(shiftShr, regR11, 31)
	w.aluRegReg32(aluOr, regRAX, regR11)
	shift := 4 * (7 - crf)
	if shift > 0 {
		w.shiftRegImm32(shiftShl, regRAX, uint8(shift))
	}
	w.aluMemImm32(aluAnd, regRBX, offCR, ^(uint32(0xF) << shift))
	w.aluMemReg32(aluOr, regRBX, offCR, regRAX)
}

func (e *x64Emitter) Compare(crf uint32, a Reg, b Operand, signed bool) {
	if b.Imm {
		e.w.aluRegImm32(aluCmp, host(a), b.Value)
	} else {
		e.w.aluRegReg32(aluCmp, host(a), host(b.Reg))
	}
	e.setCRField(crf, signed)
}

func (e *x64Emitter) slowPath(p SlowPath) int {
	label := e.w.ReserveLabel()
	e.slow = append(e.slow, x64Slow{label, p})
	return label
}

// effectiveAddress leaves the MEM1 offset of the access in R10 and leaves
// for slow when any byte of it is outside MEM1.
func (e *x64Emitter) effectiveAddress(addr Address, width uint8, slow int) {
	w := &e.w
	if addr.HasIndex {
		panic("x64: indexed addressing has no native translation")
	}
	if addr.Base.Imm {
		w.movRegImm32(regR10, addr.Base.Value+uint32(addr.Disp))
	} else {
		w.movRegReg32(regR10, host(addr.Base.Reg))
		if addr.Disp != 0 {
			w.aluRegImm32(aluAdd, regR10, uint32(addr.Disp))
		}
	}
	if e.flags.Has(cpu.FeatureDR) {
		w.aluRegImm32(aluSub, regR10, 0x80000000)
	}
	w.aluRegImm32(aluCmp, regR10, e.mem1Size-uint32(width))
	w.jcc(ccA, slow)
}

// checkCodePage leaves for slow when the page of R10+delta holds translated code.
func (e *x64Emitter) checkCodePage(delta uint32, slow int) {
	w := &e.w
	w.movRegReg32(regRAX, regR10)
	if delta != 0 {
		w.aluRegImm32(aluAdd, regRAX, delta)
	}
	w.shiftRegImm32(shiftShr, regRAX, pageShift)
	w.movRegMem64(regR11, regRBX, offCodePages)
	w.cmpSIB8Imm(regR11, regRAX, 0)
	w.jcc(ccNE, slow)
}

func (e *x64Emitter) Load(d Reg, addr Address, acc MemAccess, slow SlowPath) {
	w := &e.w
	label := e.slowPath(slow)
	e.effectiveAddress(addr, acc.Width, label)
	w.movRegMem64(regR11, regRBX, offMem1Base)
	switch acc.Width {
	case 1:
		w.loadSIBzx8(regRAX, regR11, regR10)
	case 2:
		w.loadSIBzx16(regRAX, regR11, regR10)
		w.rolWord8(regRAX)
		if acc.Signed {
			w.movsxWord32(regRAX, regRAX)
		}
	default:
		w.loadSIB32(regRAX, regR11, regR10)
		w.bswap32(regRAX)
	}
	w.movRegReg32(host(d), regRAX)
}

func (e *x64Emitter) Store(src Operand, addr Address, acc MemAccess, slow SlowPath) {
	w := &e.w
	label := e.slowPath(slow)
	e.effectiveAddress(addr, acc.Width, label)
	e.checkCodePage(0, label)
	if acc.Width > 1 {
		e.checkCodePage(uint32(acc.Width)-1, label)
	}
	e.operandTo(regRAX, src)
	w.movRegMem64(regR11, regRBX, offMem1Base)
	switch acc.Width {
	case 1:
		w.storeSIB8(regR11, regR10, regRAX)
	case 2:
		w.rolWord8(regRAX)
		w.storeSIB16(regR11, regR10, regRAX)
	default:
		w.bswap32(regRAX)
		w.storeSIB32(regR11, regR10, regRAX)
	}
}

func (e *x64Emitter) LoadSPR(d Reg, spr SPR) { e.w.movRegMem32(host(d), regRBX, sprOffset(spr)) }

func (e *x64Emitter) StoreSPR(spr SPR, src Operand) {
	if src.Imm {
		e.w.movMemImm32(regRBX, sprOffset(spr), src.Value)
	} else {
		e.w.movMemReg32(regRBX, sprOffset(spr), host(src.Reg))
	}
}

func (e *x64Emitter) constant(mask *[2]uint64) uintptr {
	return e.region.Pool().GetConstant(unsafe.Pointer(mask), 8, 2, 0)
}

func (e *x64Emitter) Float(op cpu.Op, d, a, b uint32) {
	w := &e.w
	switch op {
	case cpu.OpFadd, cpu.OpFsub, cpu.OpFmul, cpu.OpFdiv:
		sd := map[cpu.Op]byte{cpu.OpFadd: sdAdd, cpu.OpFsub: sdSub, cpu.OpFmul: sdMul, cpu.OpFdiv: sdDiv}[op]
		w.movsdLoad(regXMM0, regRBX, fprOffset(a))
		w.sdOpMem(sd, regXMM0, regRBX, fprOffset(b))
	case cpu.OpFmr:
		w.movsdLoad(regXMM0, regRBX, fprOffset(b))
	case cpu.OpFneg:
		w.movsdLoad(regXMM0, regRBX, fprOffset(b))
		w.pdOpRIP(pdXor, regXMM0, e.constant(&fpSignMask))
	case cpu.OpFabs:
		w.movsdLoad(regXMM0, regRBX, fprOffset(b))
		w.pdOpRIP(pdAnd, regXMM0, e.constant(&fpAbsMask))
	case cpu.OpFnabs:
		w.movsdLoad(regXMM0, regRBX, fprOffset(b))
		w.pdOpRIP(pdOr, regXMM0, e.constant(&fpSignMask))
	default:
		panic(fmt.Sprintf("x64: %s is not a float op", op))
	}
	w.movsdStore(regRBX, fprOffset(d), regXMM0)
}

// leave stores PC, charges cycles and returns status to the dispatcher.
func (e *x64Emitter) leave(pc uint32, cycles int, status uint32) {
	w := &e.w
	w.movMemImm32(regRBX, offPC, pc)
	if cycles > 0 {
		w.aluMemImm32(aluSub, regRBX, offDowncount, uint32(cycles))
	}
	w.movRegImm32(regRAX, status)
	w.ret()
}

func (e *x64Emitter) Fallback(pc uint32, inst cpu.Inst, cycles int) {
	e.leave(pc, cycles, ExitInterpret)
}

func (e *x64Emitter) exit(t ExitTarget) {
	w := &e.w
	switch t.Kind {
	case ExitLR, ExitCTR:
		off := offLR
		if t.Kind == ExitCTR {
			off = offCTR
		}
		w.movRegMem32(regRAX, regRBX, off)
		w.aluRegImm32(aluAnd, regRAX, ^uint32(3))
		w.movMemReg32(regRBX, offPC, regRAX)
		w.aluMemImm32(aluSub, regRBX, offDowncount, uint32(t.Cycles))
		w.jcc(ccLE, e.timing)
		w.jmp(e.dispatch)
		return
	}
	w.movMemImm32(regRBX, offPC, t.Addr)
	w.aluMemImm32(aluSub, regRBX, offDowncount, uint32(t.Cycles))
	w.jcc(ccLE, e.timing)
	w.aluMemImm32(aluCmp, regRBX, offInvalidatePending, 0)
	w.jcc(ccNE, e.dispatch)
	patch := w.jmpPatchable(e.dispatch) // repointed by Link
	e.exits = append(e.exits, x64Exit{patch, ExitInfo{Target: t.Addr, Linkable: true}})
}

func (e *x64Emitter) ConditionalExit(bo, bi uint32, t ExitTarget) {
	w := &e.w
	skip := w.ReserveLabel()
	if bo&4 == 0 {
		w.decMem32(regRBX, offCTR)
		if bo&2 != 0 {
			w.jcc(ccNE, skip) // wants CTR == 0
		} else {
			w.jcc(ccE, skip)
		}
	}
	if bo&16 == 0 {
		w.btMem32(regRBX, offCR, uint8(31-bi))
		if bo&8 != 0 {
			w.jcc(ccAE, skip) // wants the bit set
		} else {
			w.jcc(ccB, skip)
		}
	}
	e.exit(t)
	w.MarkLabel(skip)
}

func (e *x64Emitter) Exit(t ExitTarget) { e.exit(t) }

func (e *x64Emitter) Finish() (Code, error) {
	w := &e.w
	for _, s := range e.slow {
		w.MarkLabel(s.label)
		for _, sp := range s.path.Spills {
			if sp.Imm {
				w.movMemImm32(regRBX, gprOffset(sp.Guest), sp.Value)
			} else {
				w.movMemReg32(regRBX, gprOffset(sp.Guest), host(sp.Reg))
			}
		}
		e.leave(s.path.PC, s.path.Cycles, ExitInterpret)
	}
	w.MarkLabel(e.timing)
	w.movRegImm32(regRAX, ExitTiming)
	w.ret()
	w.MarkLabel(e.dispatch)
	w.aluRegReg32(aluXor, regRAX, regRAX)
	w.ret()
	w.ResolveFixups()

	size := int(w.Pos())
	e.region.Trim(e.off, e.reserve, size)
	c := &nativeCode{
		region:   e.region,
		off:      e.off,
		size:     size,
		dispatch: e.off + int(w.Labels[e.dispatch]),
	}
	for _, x := range e.exits {
		c.exits = append(c.exits, nativeExit{patch: e.off + int(x.patch), info: x.info})
	}
	e.active = false
	return c, nil
}

func (e *x64Emitter) Abort() {
	if e.active {
		e.region.Release(e.off, e.reserve)
		e.active = false
	}
}

type nativeExit struct {
	patch int // region offset of the rel32 of the exit jump
	info  ExitInfo
}

type nativeCode struct {
	region   *CodeRegion
	off      int
	size     int
	dispatch int
	exits    []nativeExit
}

func (c *nativeCode) Run(s *cpu.State, m cpu.Memory) uint32 {
	return callNative(c.region.Addr(c.off+x64CounterSize), s)
}

func (c *nativeCode) Exits() []ExitInfo {
	out := make([]ExitInfo, len(c.exits))
	for i, x := range c.exits {
		out[i] = x.info
	}
	return out
}

func (c *nativeCode) patch(exit int, to int) {
	at := c.exits[exit].patch
	binary.LittleEndian.PutUint32(c.region.mem[at:], uint32(int32(to-(at+4))))
}

func (c *nativeCode) Link(exit int, target Code) {
	c.patch(exit, target.(*nativeCode).off+x64LinkOffset)
}

func (c *nativeCode) Unlink(exit int) { c.patch(exit, c.dispatch) }

func (c *nativeCode) RunCount() uint64 {
	return atomic.LoadUint64((*uint64)(c.region.ptr(c.off)))
}

func (c *nativeCode) Size() int { return c.size }

func (c *nativeCode) Listing() []string {
	return disassemble(c.region.Bytes(c.off+x64CounterSize, c.size-x64CounterSize), c.region.Addr(c.off+x64CounterSize))
}

func (c *nativeCode) Release() {
	if c.region != nil {
		c.region.Release(c.off, c.size)
		c.region = nil
	}
}
