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
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/launix-de/gekkojit/cpu"
)

// The threaded back end turns a unit into a slice of closures. It runs on
// every host and is the reference the native back end is tested against.

const threadedRegisters = 8

// bytes of code region accounted per closure
const threadedOpBytes = 16

const (
	opContinue = -1
	exitLinked = -2
)

type frame struct {
	s    *cpu.State
	mem  cpu.Memory
	regs [threadedRegisters]uint32
	next *threadedCode
}

type threadedOp func(f *frame) int

type threadedExit struct {
	target atomic.Pointer[threadedCode]
	info   ExitInfo
}

type threadedCode struct {
	ops    []threadedOp
	names  []string
	exits  []*threadedExit
	runs   atomic.Uint64
	region *CodeRegion
	off    int
	size   int
}

func (c *threadedCode) Run(s *cpu.State, m cpu.Memory) uint32 {
	f := frame{s: s, mem: m}
	code := c
	for {
		code.runs.Add(1)
		r := code.exec(&f)
		if r != exitLinked {
			return uint32(r)
		}
		code, f.next = f.next, nil
	}
}

func (c *threadedCode) exec(f *frame) int {
	for _, op := range c.ops {
		if r := op(f); r != opContinue {
			return r
		}
	}
	panic("threaded code fell off the end of a unit")
}

func (c *threadedCode) Exits() []ExitInfo {
	out := make([]ExitInfo, len(c.exits))
	for i, e := range c.exits {
		out[i] = e.info
	}
	return out
}

func (c *threadedCode) Link(exit int, target Code) { c.exits[exit].target.Store(target.(*threadedCode)) }

func (c *threadedCode) Unlink(exit int) { c.exits[exit].target.Store(nil) }

func (c *threadedCode) RunCount() uint64 { return c.runs.Load() }

func (c *threadedCode) Size() int { return c.size }

func (c *threadedCode) Listing() []string { return c.names }

func (c *threadedCode) Release() {
	if c.region != nil {
		c.region.Release(c.off, c.size)
		c.region = nil
	}
	for _, e := range c.exits {
		e.target.Store(nil)
	}
}

type threadedEmitter struct {
	region *CodeRegion
	code   *threadedCode
	flags  cpu.FeatureFlags
}

func newThreadedEmitter(region *CodeRegion) *threadedEmitter {
	return &threadedEmitter{region: region}
}

func (e *threadedEmitter) Begin(start uint32, flags cpu.FeatureFlags) error {
	e.code = new(threadedCode)
	e.flags = flags
	return nil
}

func (e *threadedEmitter) HostRegisters() int { return threadedRegisters }

// Supports is true for everything: each op runs through the memory
// interface, so the cache model and MMIO stay in the loop.
func (e *threadedEmitter) Supports(op cpu.Op, inst cpu.Inst) bool { return true }

func (e *threadedEmitter) add(name string, op threadedOp) {
	e.code.ops = append(e.code.ops, op)
	e.code.names = append(e.code.names, name)
}

func (o Operand) String() string {
	if o.Imm {
		return fmt.Sprintf("$%#x", o.Value)
	}
	return fmt.Sprintf("h%d", o.Reg)
}

func (a Address) String() string {
	if a.HasIndex {
		return fmt.Sprintf("[%s+%s%+d]", a.Base, a.Index, a.Disp)
	}
	return fmt.Sprintf("[%s%+d]", a.Base, a.Disp)
}

func (f *frame) get(o Operand) uint32 {
	if o.Imm {
		return o.Value
	}
	return f.regs[o.Reg]
}

func (f *frame) ea(a Address) uint32 {
	ea := f.get(a.Base) + uint32(a.Disp)
	if a.HasIndex {
		ea += f.get(a.Index)
	}
	return ea
}

// spill writes the registers only the frame knows about back to the guest state.
func (f *frame) spill(spills []Spill) {
	for _, sp := range spills {
		if sp.Imm {
			f.s.GPR[sp.Guest] = sp.Value
		} else {
			f.s.GPR[sp.Guest] = f.regs[sp.Reg]
		}
	}
}

// fault raises the exception for a failed access of the instruction at slow.PC.
func (f *frame) fault(slow SlowPath, err error) int {
	f.spill(slow.Spills)
	f.s.PC = slow.PC
	f.s.NPC = slow.PC + 4
	f.s.Downcount -= int32(slow.Cycles + 1)
	f.s.RaiseFault(err)
	f.s.CheckExceptions()
	return int(ExitDispatch)
}

func (e *threadedEmitter) LoadGuest(r Reg, g uint32) {
	e.add(fmt.Sprintf("h%d = r%d", r, g), func(f *frame) int {
		f.regs[r] = f.s.GPR[g]
		return opContinue
	})
}

func (e *threadedEmitter) StoreGuest(g uint32, r Reg) {
	e.add(fmt.Sprintf("r%d = h%d", g, r), func(f *frame) int {
		f.s.GPR[g] = f.regs[r]
		return opContinue
	})
}

func (e *threadedEmitter) StoreGuestImm(g uint32, v uint32) {
	e.add(fmt.Sprintf("r%d = $%#x", g, v), func(f *frame) int {
		f.s.GPR[g] = v
		return opContinue
	})
}

func (e *threadedEmitter) MoveImm(r Reg, v uint32) {
	e.add(fmt.Sprintf("h%d = $%#x", r, v), func(f *frame) int {
		f.regs[r] = v
		return opContinue
	})
}

var arithNames = [...]string{
	ArithAdd: "add", ArithSub: "sub", ArithAnd: "and", ArithAndc: "andc", ArithOr: "or",
	ArithNor: "nor", ArithXor: "xor", ArithMul: "mul", ArithDivw: "divw", ArithDivwu: "divwu",
	ArithSlw: "slw", ArithSrw: "srw", ArithSraw: "sraw", ArithAddc: "addc", ArithSubfc: "subfc",
	ArithNeg: "neg", ArithExtsb: "extsb", ArithExtsh: "extsh", ArithCntlzw: "cntlzw",
}

func (op ArithOp) String() string { return arithNames[op] }

// evalArith computes op with the guest's edge case rules and updates XER.CA
// for the carrying ops.
func evalArith(s *cpu.State, op ArithOp, a, b uint32) uint32 {
	switch op {
	case ArithAdd:
		return a + b
	case ArithSub:
		return a - b
	case ArithAnd:
		return a & b
	case ArithAndc:
		return a &^ b
	case ArithOr:
		return a | b
	case ArithNor:
		return ^(a | b)
	case ArithXor:
		return a ^ b
	case ArithMul:
		return uint32(int32(a) * int32(b))
	case ArithDivw:
		x, y := int32(a), int32(b)
		if y == 0 || (x == math.MinInt32 && y == -1) {
			if x < 0 {
				return 0xFFFFFFFF
			}
			return 0
		}
		return uint32(x / y)
	case ArithDivwu:
		if b == 0 {
			return 0
		}
		return a / b
	case ArithSlw:
		if b&0x20 != 0 {
			return 0
		}
		return a << (b & 31)
	case ArithSrw:
		if b&0x20 != 0 {
			return 0
		}
		return a >> (b & 31)
	case ArithSraw:
		n, v := b&0x3F, int32(a)
		if n&0x20 != 0 {
			s.SetCarry(v < 0)
			return uint32(v >> 31)
		}
		s.SetCarry(v < 0 && n > 0 && a<<(32-n) != 0)
		return uint32(v >> n)
	case ArithAddc:
		sum := a + b
		s.SetCarry(sum < a)
		return sum
	case ArithSubfc:
		wide := uint64(^a) + uint64(b) + 1
		s.SetCarry(wide>>32 != 0)
		return uint32(wide)
	case ArithNeg:
		return -a
	case ArithExtsb:
		return uint32(int32(int8(a)))
	case ArithExtsh:
		return uint32(int32(int16(a)))
	case ArithCntlzw:
		return uint32(bits.LeadingZeros32(a))
	}
	panic(fmt.Sprintf("unknown arith op %d", op))
}

func (e *threadedEmitter) Arith(op ArithOp, d Reg, a, b Operand, rc bool) {
	name := fmt.Sprintf("h%d = %s %s, %s", d, op, a, b)
	if op.unary() {
		name = fmt.Sprintf("h%d = %s %s", d, op, a)
	}
	if rc {
		name += " ; cr0"
	}
	e.add(name, func(f *frame) int {
		v := evalArith(f.s, op, f.get(a), f.get(b))
		f.regs[d] = v
		if rc {
			f.s.UpdateCR0(v)
		}
		return opContinue
	})
}

func (e *threadedEmitter) RotateMask(d, s Reg, sh, mask uint32, rc bool) {
	e.add(fmt.Sprintf("h%d = rotl(h%d, %d) & %#08x", d, s, sh, mask), func(f *frame) int {
		v := bits.RotateLeft32(f.regs[s], int(sh)) & mask
		f.regs[d] = v
		if rc {
			f.s.UpdateCR0(v)
		}
		return opContinue
	})
}

func (e *threadedEmitter) Compare(crf uint32, a Reg, b Operand, signed bool) {
	if signed {
		e.add(fmt.Sprintf("cr%d = cmp h%d, %s", crf, a, b), func(f *frame) int {
			f.s.SetCRField(crf, cpu.CompareSigned(int32(f.regs[a]), int32(f.get(b)))|f.s.SO())
			return opContinue
		})
		return
	}
	e.add(fmt.Sprintf("cr%d = cmpl h%d, %s", crf, a, b), func(f *frame) int {
		f.s.SetCRField(crf, cpu.CompareUnsigned(f.regs[a], f.get(b))|f.s.SO())
		return opContinue
	})
}

func (e *threadedEmitter) Load(d Reg, addr Address, acc MemAccess, slow SlowPath) {
	var read func(m cpu.Memory, ea uint32) (uint32, error)
	switch {
	case acc.Width == 1:
		read = func(m cpu.Memory, ea uint32) (uint32, error) {
			v, err := m.Read8(ea)
			return uint32(v), err
		}
	case acc.Width == 2 && acc.Signed:
		read = func(m cpu.Memory, ea uint32) (uint32, error) {
			v, err := m.Read16(ea)
			return uint32(int32(int16(v))), err
		}
	case acc.Width == 2:
		read = func(m cpu.Memory, ea uint32) (uint32, error) {
			v, err := m.Read16(ea)
			return uint32(v), err
		}
	default:
		read = cpu.Memory.Read32
	}
	e.add(fmt.Sprintf("h%d = load%d %s", d, acc.Width*8, addr), func(f *frame) int {
		v, err := read(f.mem, f.ea(addr))
		if err != nil {
			return f.fault(slow, err)
		}
		f.regs[d] = v
		return opContinue
	})
}

func (e *threadedEmitter) Store(src Operand, addr Address, acc MemAccess, slow SlowPath) {
	var write func(m cpu.Memory, ea, v uint32) error
	switch acc.Width {
	case 1:
		write = func(m cpu.Memory, ea, v uint32) error { return m.Write8(ea, uint8(v)) }
	case 2:
		write = func(m cpu.Memory, ea, v uint32) error { return m.Write16(ea, uint16(v)) }
	default:
		write = cpu.Memory.Write32
	}
	e.add(fmt.Sprintf("store%d %s, %s", acc.Width*8, addr, src), func(f *frame) int {
		if err := write(f.mem, f.ea(addr), f.get(src)); err != nil {
			return f.fault(slow, err)
		}
		return opContinue
	})
}

var sprNames = [...]string{SprLR: "lr", SprCTR: "ctr", SprXER: "xer", SprCR: "cr"}

func (r SPR) String() string { return sprNames[r] }

func sprField(s *cpu.State, spr SPR) *uint32 {
	switch spr {
	case SprLR:
		return &s.LR
	case SprCTR:
		return &s.CTR
	case SprXER:
		return &s.XER
	}
	return &s.CR
}

func (e *threadedEmitter) LoadSPR(d Reg, spr SPR) {
	e.add(fmt.Sprintf("h%d = %s", d, spr), func(f *frame) int {
		f.regs[d] = *sprField(f.s, spr)
		return opContinue
	})
}

func (e *threadedEmitter) StoreSPR(spr SPR, src Operand) {
	e.add(fmt.Sprintf("%s = %s", spr, src), func(f *frame) int {
		*sprField(f.s, spr) = f.get(src)
		return opContinue
	})
}

func (e *threadedEmitter) Float(op cpu.Op, d, a, b uint32) {
	var fn func(fpr *[32]float64)
	switch op {
	case cpu.OpFadd:
		fn = func(fpr *[32]float64) { fpr[d] = fpr[a] + fpr[b] }
	case cpu.OpFsub:
		fn = func(fpr *[32]float64) { fpr[d] = fpr[a] - fpr[b] }
	case cpu.OpFmul:
		fn = func(fpr *[32]float64) { fpr[d] = fpr[a] * fpr[b] }
	case cpu.OpFdiv:
		fn = func(fpr *[32]float64) { fpr[d] = fpr[a] / fpr[b] }
	case cpu.OpFmr:
		fn = func(fpr *[32]float64) { fpr[d] = fpr[b] }
	case cpu.OpFneg:
		fn = func(fpr *[32]float64) { fpr[d] = math.Float64frombits(math.Float64bits(fpr[b]) ^ 1<<63) }
	case cpu.OpFabs:
		fn = func(fpr *[32]float64) { fpr[d] = math.Float64frombits(math.Float64bits(fpr[b]) &^ (1 << 63)) }
	case cpu.OpFnabs:
		fn = func(fpr *[32]float64) { fpr[d] = math.Float64frombits(math.Float64bits(fpr[b]) | 1<<63) }
	default:
		panic(fmt.Sprintf("threaded: %s is not a float op", op))
	}
	e.add(fmt.Sprintf("f%d = %s f%d, f%d", d, op, a, b), func(f *frame) int {
		fn(&f.s.FPR)
		return opContinue
	})
}

func (e *threadedEmitter) Fallback(pc uint32, inst cpu.Inst, cycles int) {
	e.add(fmt.Sprintf("interpret %08x: %s", pc, cpu.Decode(inst)), func(f *frame) int {
		s := f.s
		s.PC = pc
		s.Downcount -= int32(cycles + 1)
		cpu.Execute(s, f.mem, inst)
		return int(ExitDispatch)
	})
}

// branchTaken evaluates BO/BI like bc, decrementing CTR when BO asks for it.
func branchTaken(s *cpu.State, bo, bi uint32) bool {
	ctrOK := true
	if bo&4 == 0 {
		s.CTR--
		ctrOK = (s.CTR != 0) != (bo&2 != 0)
	}
	condOK := bo&16 != 0 || s.CRBit(bi) == (bo&8 != 0)
	return ctrOK && condOK
}

func (e *threadedEmitter) exit(t ExitTarget) threadedOp {
	cycles := int32(t.Cycles)
	switch t.Kind {
	case ExitLR, ExitCTR:
		return func(f *frame) int {
			s := f.s
			if t.Kind == ExitLR {
				s.PC = s.LR &^ 3
			} else {
				s.PC = s.CTR &^ 3
			}
			s.Downcount -= cycles
			if s.Downcount <= 0 {
				return int(ExitTiming)
			}
			return int(ExitDispatch)
		}
	}
	ex := &threadedExit{info: ExitInfo{Target: t.Addr, Linkable: true}}
	e.code.exits = append(e.code.exits, ex)
	target := t.Addr
	return func(f *frame) int {
		s := f.s
		s.PC = target
		s.Downcount -= cycles
		if s.Downcount <= 0 {
			return int(ExitTiming)
		}
		if atomic.LoadUint32(&s.InvalidatePending) != 0 {
			return int(ExitDispatch)
		}
		if next := ex.target.Load(); next != nil {
			f.next = next
			return exitLinked
		}
		return int(ExitDispatch)
	}
}

func exitName(t ExitTarget) string {
	switch t.Kind {
	case ExitLR:
		return "lr"
	case ExitCTR:
		return "ctr"
	}
	return fmt.Sprintf("%08x", t.Addr)
}

func (e *threadedEmitter) ConditionalExit(bo, bi uint32, t ExitTarget) {
	taken := e.exit(t)
	e.add(fmt.Sprintf("exit if bo=%d bi=%d to %s after %d", bo, bi, exitName(t), t.Cycles), func(f *frame) int {
		if branchTaken(f.s, bo, bi) {
			return taken(f)
		}
		return opContinue
	})
}

func (e *threadedEmitter) Exit(t ExitTarget) {
	e.add(fmt.Sprintf("exit to %s after %d", exitName(t), t.Cycles), e.exit(t))
}

func (e *threadedEmitter) Finish() (Code, error) {
	c := e.code
	e.code = nil
	c.size = len(c.ops) * threadedOpBytes
	off, err := e.region.Alloc(c.size)
	if err != nil {
		return nil, err
	}
	c.region, c.off = e.region, off
	return c, nil
}

func (e *threadedEmitter) Abort() { e.code = nil }
