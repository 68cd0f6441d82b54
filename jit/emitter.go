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

import "github.com/launix-de/gekkojit/cpu"

// Reg is an allocatable host register slot of a back end.
type Reg uint8

// Operand is either a host register or a 32 bit immediate.
type Operand struct {
	Imm   bool
	Reg   Reg
	Value uint32
}

func RegOp(r Reg) Operand    { return Operand{Reg: r} }
func ImmOp(v uint32) Operand { return Operand{Imm: true, Value: v} }

type ArithOp uint8

const (
	ArithAdd ArithOp = iota
	ArithSub         // a - b
	ArithAnd
	ArithAndc // a & ^b
	ArithOr
	ArithNor
	ArithXor
	ArithMul
	ArithDivw
	ArithDivwu
	ArithSlw
	ArithSrw
	ArithSraw  // sets XER.CA
	ArithAddc  // a + b, sets XER.CA
	ArithSubfc // b - a as ^a + b + 1, sets XER.CA
	ArithNeg   // unary
	ArithExtsb // unary
	ArithExtsh // unary
	ArithCntlzw
)

func (op ArithOp) unary() bool { return op >= ArithNeg }

// MemAccess describes the width and extension of a guest load or store.
type MemAccess struct {
	Width  uint8 // 1, 2 or 4
	Signed bool
}

// Address is base + index + Disp. Base is an immediate when rA is 0 or known.
type Address struct {
	Base     Operand
	Index    Operand
	HasIndex bool
	Disp     int32
}

// Spill is a guest register whose current value lives only in the register cache.
type Spill struct {
	Guest uint32
	Imm   bool
	Reg   Reg
	Value uint32
}

// SlowPath is what an out-of-line path needs to hand the instruction at PC
// to the interpreter: the dirty registers and the cycles already spent.
type SlowPath struct {
	PC     uint32
	Cycles int
	Spills []Spill
}

type SPR uint8

const (
	SprLR SPR = iota
	SprCTR
	SprXER
	SprCR
)

type ExitKind uint8

const (
	ExitStatic ExitKind = iota
	ExitLR
	ExitCTR
)

// ExitTarget is where a block exit continues. Cycles counts the guest
// instructions executed when the exit is taken.
type ExitTarget struct {
	Kind   ExitKind
	Addr   uint32
	Cycles int
}

// Emitter is the back end interface the builder drives. Host registers
// are slots 0..HostRegisters()-1 handed out by the RegCache.
type Emitter interface {
	// Begin starts a new unit at start. It may reserve host storage.
	Begin(start uint32, flags cpu.FeatureFlags) error
	HostRegisters() int
	// Supports reports whether the back end translates inst natively.
	Supports(op cpu.Op, inst cpu.Inst) bool

	LoadGuest(r Reg, g uint32)
	StoreGuest(g uint32, r Reg)
	StoreGuestImm(g uint32, v uint32)
	MoveImm(r Reg, v uint32)

	// Arith computes d = a op b; unary ops ignore b. rc records CR0.
	Arith(op ArithOp, d Reg, a, b Operand, rc bool)
	// RotateMask computes d = rotl(s, sh) & mask.
	RotateMask(d, s Reg, sh, mask uint32, rc bool)
	Compare(crf uint32, a Reg, b Operand, signed bool)
	Load(d Reg, addr Address, acc MemAccess, slow SlowPath)
	Store(src Operand, addr Address, acc MemAccess, slow SlowPath)
	LoadSPR(d Reg, spr SPR)
	StoreSPR(spr SPR, src Operand)
	// Float runs a floating point instruction directly on the guest FPRs.
	Float(op cpu.Op, d, a, b uint32)

	// Fallback hands inst to the interpreter and ends the unit. cycles
	// counts the instructions before it.
	Fallback(pc uint32, inst cpu.Inst, cycles int)
	ConditionalExit(bo, bi uint32, t ExitTarget)
	Exit(t ExitTarget)
	Finish() (Code, error)
	// Abort drops a unit that was begun but not finished.
	Abort()
}
