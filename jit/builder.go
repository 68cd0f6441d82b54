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

	"github.com/launix-de/gekkojit/cpu"
)

// CodeSource reads guest instructions for translation.
type CodeSource interface {
	Translate(ea uint32, fetch bool) (uint32, error)
	FetchInstruction(ea uint32) (uint32, error)
}

// Builder translates straight runs of guest code through an Emitter.
type Builder struct {
	src   CodeSource
	e     Emitter
	rc    *RegCache
	stats *counters
}

func NewBuilder(src CodeSource, e Emitter, stats *counters) *Builder {
	if stats == nil {
		stats = new(counters)
	}
	return &Builder{src: src, e: e, rc: NewRegCache(), stats: stats}
}

// unit is the state of one translation in progress.
type unit struct {
	b     *Builder
	e     Emitter
	rc    *RegCache
	flags cpu.FeatureFlags
	pc    uint32
	inst  cpu.Inst
	op    cpu.Op
	index int // instructions before the current one
}

// Build translates at most max instructions starting at the effective
// address start. A fetch fault on the first instruction is returned as
// is; later faults end the unit before the faulting instruction.
func (b *Builder) Build(start uint32, flags cpu.FeatureFlags, max int) (blk *Block, err error) {
	phys, err := b.src.Translate(start, true)
	if err != nil {
		return nil, err
	}
	word, err := b.src.FetchInstruction(start)
	if err != nil {
		return nil, err
	}
	if max < 1 {
		max = 1
	}
	if err := b.e.Begin(start, flags); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && (errors.Is(e, ErrRegionFull) || errors.Is(e, ErrPoolExhausted)) {
				b.e.Abort()
				blk, err = nil, e
				return
			}
			b.e.Abort()
			panic(r)
		}
	}()

	b.rc.Reset(b.e, b.e.HostRegisters())
	u := &unit{b: b, e: b.e, rc: b.rc, flags: flags, pc: start}
	physEnd := phys
	for {
		if u.index > 0 {
			if u.index == max {
				u.exitTo(u.pc)
				break
			}
			p, err := b.src.Translate(u.pc, true)
			if err != nil || p != physEnd {
				u.exitTo(u.pc)
				break
			}
			if word, err = b.src.FetchInstruction(u.pc); err != nil {
				u.exitTo(u.pc)
				break
			}
		}
		u.inst = cpu.Inst(word)
		u.op = cpu.Decode(u.inst)
		physEnd += 4
		ended := u.translate()
		u.rc.UnlockAll()
		u.pc += 4
		u.index++
		if ended {
			break
		}
	}
	code, err := b.e.Finish()
	if err != nil {
		b.e.Abort()
		return nil, err
	}
	b.stats.compiled.Add(1)
	b.stats.instructions.Add(uint64(u.index))
	blk = &Block{
		Start:        start,
		End:          u.pc,
		PhysStart:    phys,
		PhysEnd:      physEnd,
		Flags:        flags,
		Instructions: u.index,
		Code:         code,
	}
	for _, x := range code.Exits() {
		blk.Exits = append(blk.Exits, Link{Target: x.Target, Linkable: x.Linkable})
	}
	return blk, nil
}

// exitTo ends the unit before the instruction at pc.
func (u *unit) exitTo(pc uint32) {
	u.rc.Flush()
	u.e.Exit(ExitTarget{Kind: ExitStatic, Addr: pc, Cycles: u.index})
}

// fallback hands the current instruction to the interpreter and ends the unit.
func (u *unit) fallback() bool {
	u.rc.Flush()
	u.e.Fallback(u.pc, u.inst, u.index)
	u.b.stats.fallbacks.Add(1)
	return true
}

func (u *unit) slow() SlowPath {
	return SlowPath{PC: u.pc, Cycles: u.index, Spills: u.rc.Snapshot()}
}

// arith emits d = a op b for guest registers with b given as an operand.
func (u *unit) arith(op ArithOp, d, a uint32, b Operand, rc bool) {
	av := u.rc.Operand(a)
	u.e.Arith(op, u.rc.Bind(d, BindWrite), av, b, rc)
}

func (u *unit) arith3(op ArithOp, d, a, b uint32, rc bool) {
	av, bv := u.rc.Operand(a), u.rc.Operand(b)
	u.e.Arith(op, u.rc.Bind(d, BindWrite), av, bv, rc)
}

// immediate folds d = a op imm when a is known, otherwise emits it.
func (u *unit) immediate(op ArithOp, d, a, imm uint32, raZero bool) {
	switch {
	case raZero:
		u.rc.SetImmediate(d, imm)
	case u.rc.IsImmediate(a):
		u.rc.SetImmediate(d, evalArith(nil, op, u.rc.Imm(a), imm))
	default:
		u.arith(op, d, a, ImmOp(imm), false)
	}
}

// translate emits the current instruction and reports whether the unit ends.
func (u *unit) translate() bool {
	inst, op := u.inst, u.op
	rd, ra, rb := inst.RD(), inst.RA(), inst.RB()
	if op.Is(cpu.FlagFPU) && !u.flags.Has(cpu.FeatureFP) {
		return u.fallback() // raises FP unavailable
	}
	if !u.e.Supports(op, inst) {
		return u.fallback()
	}
	switch op {
	case cpu.OpAddi:
		u.immediate(ArithAdd, rd, ra, uint32(inst.SIMM()), ra == 0)
	case cpu.OpAddis:
		u.immediate(ArithAdd, rd, ra, uint32(inst.SIMM())<<16, ra == 0)
	case cpu.OpOri:
		u.immediate(ArithOr, ra, rd, inst.UIMM(), false)
	case cpu.OpOris:
		u.immediate(ArithOr, ra, rd, inst.UIMM()<<16, false)
	case cpu.OpXori:
		u.immediate(ArithXor, ra, rd, inst.UIMM(), false)
	case cpu.OpXoris:
		u.immediate(ArithXor, ra, rd, inst.UIMM()<<16, false)
	case cpu.OpAndiRc:
		u.arith(ArithAnd, ra, rd, ImmOp(inst.UIMM()), true)
	case cpu.OpAndisRc:
		u.arith(ArithAnd, ra, rd, ImmOp(inst.UIMM()<<16), true)
	case cpu.OpMulli:
		u.arith(ArithMul, rd, ra, ImmOp(uint32(inst.SIMM())), false)
	case cpu.OpAddic, cpu.OpAddicRc:
		u.arith(ArithAddc, rd, ra, ImmOp(uint32(inst.SIMM())), op == cpu.OpAddicRc)
	case cpu.OpSubfic:
		u.arith(ArithSubfc, rd, ra, ImmOp(uint32(inst.SIMM())), false)

	case cpu.OpCmpi:
		u.e.Compare(inst.CRFD(), u.rc.Bind(ra, BindRead), ImmOp(uint32(inst.SIMM())), true)
	case cpu.OpCmpli:
		u.e.Compare(inst.CRFD(), u.rc.Bind(ra, BindRead), ImmOp(inst.UIMM()), false)
	case cpu.OpCmp, cpu.OpCmpl:
		a := u.rc.Bind(ra, BindRead)
		u.e.Compare(inst.CRFD(), a, u.rc.Operand(rb), op == cpu.OpCmp)

	case cpu.OpRlwinm:
		s := u.rc.Bind(rd, BindRead)
		u.e.RotateMask(u.rc.Bind(ra, BindWrite), s, inst.SH(), cpu.RotMask(inst.MB(), inst.ME()), inst.Rc())
	case cpu.OpRlwimi:
		return u.fallback()

	case cpu.OpAdd:
		u.arith3(ArithAdd, rd, ra, rb, inst.Rc())
	case cpu.OpSubf:
		u.arith3(ArithSub, rd, rb, ra, inst.Rc())
	case cpu.OpNeg:
		u.arith(ArithNeg, rd, ra, ImmOp(0), inst.Rc())
	case cpu.OpMullw:
		u.arith3(ArithMul, rd, ra, rb, inst.Rc())
	case cpu.OpDivw:
		u.arith3(ArithDivw, rd, ra, rb, inst.Rc())
	case cpu.OpDivwu:
		u.arith3(ArithDivwu, rd, ra, rb, inst.Rc())
	case cpu.OpAnd:
		u.arith3(ArithAnd, ra, rd, rb, inst.Rc())
	case cpu.OpAndc:
		u.arith3(ArithAndc, ra, rd, rb, inst.Rc())
	case cpu.OpOr:
		u.arith3(ArithOr, ra, rd, rb, inst.Rc())
	case cpu.OpNor:
		u.arith3(ArithNor, ra, rd, rb, inst.Rc())
	case cpu.OpXor:
		u.arith3(ArithXor, ra, rd, rb, inst.Rc())
	case cpu.OpSlw:
		u.arith3(ArithSlw, ra, rd, rb, inst.Rc())
	case cpu.OpSrw:
		u.arith3(ArithSrw, ra, rd, rb, inst.Rc())
	case cpu.OpSraw:
		u.arith3(ArithSraw, ra, rd, rb, inst.Rc())
	case cpu.OpSrawi:
		u.arith(ArithSraw, ra, rd, ImmOp(inst.SH()), inst.Rc())
	case cpu.OpCntlzw:
		u.arith(ArithCntlzw, ra, rd, ImmOp(0), inst.Rc())
	case cpu.OpExtsb:
		u.arith(ArithExtsb, ra, rd, ImmOp(0), inst.Rc())
	case cpu.OpExtsh:
		u.arith(ArithExtsh, ra, rd, ImmOp(0), inst.Rc())

	case cpu.OpMfspr:
		spr, ok := sprFor(inst.SPR())
		if !ok {
			return u.fallback()
		}
		u.e.LoadSPR(u.rc.Bind(rd, BindWrite), spr)
	case cpu.OpMtspr:
		spr, ok := sprFor(inst.SPR())
		if !ok {
			return u.fallback()
		}
		u.e.StoreSPR(spr, u.rc.Operand(rd))
	case cpu.OpMfcr:
		u.e.LoadSPR(u.rc.Bind(rd, BindWrite), SprCR)
	case cpu.OpMtcrf:
		if inst.CRM() != 0xFF {
			return u.fallback()
		}
		u.e.StoreSPR(SprCR, u.rc.Operand(rd))
	case cpu.OpSync, cpu.OpIsync:

	case cpu.OpLwz, cpu.OpLwzu, cpu.OpLwzx:
		return u.load(MemAccess{Width: 4})
	case cpu.OpLbz, cpu.OpLbzu, cpu.OpLbzx:
		return u.load(MemAccess{Width: 1})
	case cpu.OpLhz:
		return u.load(MemAccess{Width: 2})
	case cpu.OpLha:
		return u.load(MemAccess{Width: 2, Signed: true})
	case cpu.OpStw, cpu.OpStwu, cpu.OpStwx:
		return u.store(MemAccess{Width: 4})
	case cpu.OpStb, cpu.OpStbu, cpu.OpStbx:
		return u.store(MemAccess{Width: 1})
	case cpu.OpSth:
		return u.store(MemAccess{Width: 2})

	case cpu.OpFadd, cpu.OpFsub, cpu.OpFdiv:
		u.e.Float(op, rd, ra, rb)
	case cpu.OpFmul:
		u.e.Float(op, rd, ra, inst.RC())
	case cpu.OpFmr, cpu.OpFneg, cpu.OpFabs, cpu.OpFnabs:
		u.e.Float(op, rd, 0, rb)

	case cpu.OpDcbt, cpu.OpDcbtst:
		if u.flags.Has(cpu.FeatureDCache) {
			return u.fallback()
		}

	case cpu.OpB:
		if inst.LK() {
			u.e.StoreSPR(SprLR, ImmOp(u.pc+4))
		}
		u.rc.Flush()
		u.e.Exit(ExitTarget{Kind: ExitStatic, Addr: cpu.BranchTarget(u.pc, inst), Cycles: u.index + 1})
		return true
	case cpu.OpBc:
		return u.branch(ExitTarget{Kind: ExitStatic, Addr: cpu.BranchTarget(u.pc, inst)})
	case cpu.OpBclr:
		if inst.LK() {
			return u.fallback() // the target is the old LR
		}
		return u.branch(ExitTarget{Kind: ExitLR})
	case cpu.OpBcctr:
		if inst.BO()&4 == 0 {
			return u.fallback() // invalid form
		}
		return u.branch(ExitTarget{Kind: ExitCTR})

	default:
		// lfd/stfd, mode changes, cache control, syscalls and invalid opcodes
		return u.fallback()
	}
	return false
}

func sprFor(n uint32) (SPR, bool) {
	switch n {
	case cpu.SPR_LR:
		return SprLR, true
	case cpu.SPR_CTR:
		return SprCTR, true
	case cpu.SPR_XER:
		return SprXER, true
	}
	return 0, false
}

// branch ends the unit with a conditional branch to t and a fall through exit.
func (u *unit) branch(t ExitTarget) bool {
	inst := u.inst
	if inst.LK() {
		u.e.StoreSPR(SprLR, ImmOp(u.pc+4))
	}
	u.rc.Flush()
	t.Cycles = u.index + 1
	bo, bi := inst.BO(), inst.BI()
	if bo&0x14 == 0x14 {
		u.e.Exit(t)
		return true
	}
	u.e.ConditionalExit(bo, bi, t)
	u.e.Exit(ExitTarget{Kind: ExitStatic, Addr: u.pc + 4, Cycles: u.index + 1})
	return true
}

func isUpdate(op cpu.Op) bool {
	switch op {
	case cpu.OpLwzu, cpu.OpLbzu, cpu.OpStwu, cpu.OpStbu:
		return true
	}
	return false
}

func isIndexed(op cpu.Op) bool {
	switch op {
	case cpu.OpLwzx, cpu.OpLbzx, cpu.OpStwx, cpu.OpStbx:
		return true
	}
	return false
}

// address binds the operands of a D-form or X-form effective address.
func (u *unit) address() Address {
	inst := u.inst
	ra := inst.RA()
	var a Address
	if ra == 0 {
		a.Base = ImmOp(0)
	} else {
		a.Base = u.rc.Operand(ra)
	}
	if isIndexed(u.op) {
		a.Index, a.HasIndex = u.rc.Operand(inst.RB()), true
	} else {
		a.Disp = inst.SIMM()
	}
	return a
}

// update writes the effective address back to rA for the update forms.
func (u *unit) update() {
	ra, disp := u.inst.RA(), uint32(u.inst.SIMM())
	if u.rc.IsImmediate(ra) {
		u.rc.SetImmediate(ra, u.rc.Imm(ra)+disp)
		return
	}
	r := u.rc.Bind(ra, BindReadWrite)
	u.e.Arith(ArithAdd, r, RegOp(r), ImmOp(disp), false)
}

func (u *unit) load(acc MemAccess) bool {
	rd, ra := u.inst.RD(), u.inst.RA()
	upd := isUpdate(u.op)
	if upd && (ra == 0 || ra == rd) {
		return u.fallback() // invalid form
	}
	addr := u.address()
	slow := u.slow()
	u.e.Load(u.rc.Bind(rd, BindWrite), addr, acc, slow)
	if upd {
		u.update()
	}
	return false
}

func (u *unit) store(acc MemAccess) bool {
	rs, ra := u.inst.RS(), u.inst.RA()
	upd := isUpdate(u.op)
	if upd && ra == 0 {
		return u.fallback() // invalid form
	}
	src := u.rc.Operand(rs)
	addr := u.address()
	u.e.Store(src, addr, acc, u.slow())
	if upd {
		u.update()
	}
	return false
}
