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

// amd64Reg is a hardware register number as encoded in ModRM/REX.
type amd64Reg uint8

const (
	regRAX amd64Reg = iota
	regRCX
	regRDX
	regRBX
	regRSP
	regRBP
	regRSI
	regRDI
	regR8
	regR9
	regR10
	regR11
	regR12
	regR13
	regR14
	regR15
)

const regXMM0 amd64Reg = 0

// condition codes for jcc, cmovcc and setcc
const (
	ccB  byte = 0x02 // unsigned <
	ccAE byte = 0x03 // unsigned >=
	ccE  byte = 0x04
	ccNE byte = 0x05
	ccBE byte = 0x06
	ccA  byte = 0x07 // unsigned >
	ccL  byte = 0x0C
	ccGE byte = 0x0D
	ccLE byte = 0x0E
	ccG  byte = 0x0F
)

// ALU opcodes of the "op r/m32, r32" form and their /digit for the 81 group.
type aluOp struct {
	rm  byte
	ext byte
}

var (
	aluAdd = aluOp{0x01, 0}
	aluOr  = aluOp{0x09, 1}
	aluAnd = aluOp{0x21, 4}
	aluSub = aluOp{0x29, 5}
	aluXor = aluOp{0x31, 6}
	aluCmp = aluOp{0x39, 7}
)

// shift group /digit
const (
	shiftRol byte = 0
	shiftShl byte = 4
	shiftShr byte = 5
)

func (w *x64Writer) emitRex(wide bool, reg, index, base amd64Reg) {
	rex := byte(0x40)
	if wide {
		rex |= 0x08 // REX.W
	}
	if reg >= 8 {
		rex |= 0x04 // REX.R
	}
	if index >= 8 {
		rex |= 0x02 // REX.X
	}
	if base >= 8 {
		rex |= 0x01 // REX.B
	}
	if rex != 0x40 {
		w.emitByte(rex)
	}
}

func (w *x64Writer) emitPrefix(prefix byte) {
	if prefix != 0 {
		w.emitByte(prefix)
	}
}

// emitRR emits a register to register instruction: modrm.reg = reg, modrm.rm = rm.
func (w *x64Writer) emitRR(prefix byte, wide bool, reg, rm amd64Reg, opcode ...byte) {
	w.emitPrefix(prefix)
	w.emitRex(wide, reg, 0, rm)
	w.emitBytes(opcode...)
	w.emitByte(0xC0 | byte(reg&7)<<3 | byte(rm&7))
}

// emitRM emits an instruction addressing [base+disp] with the shortest displacement.
func (w *x64Writer) emitRM(prefix byte, wide bool, reg, base amd64Reg, disp int32, opcode ...byte) {
	w.emitPrefix(prefix)
	w.emitRex(wide, reg, 0, base)
	w.emitBytes(opcode...)
	baseEnc := byte(base & 7)
	regEnc := byte(reg&7) << 3

	if disp == 0 && baseEnc != 5 { // RBP/R13 always needs disp
		if baseEnc == 4 { // RSP/R12 needs SIB
			w.emitBytes(regEnc|baseEnc, 0x24)
		} else {
			w.emitByte(regEnc | baseEnc)
		}
	} else if disp >= -128 && disp <= 127 {
		if baseEnc == 4 {
			w.emitBytes(0x40|regEnc|baseEnc, 0x24, byte(int8(disp)))
		} else {
			w.emitBytes(0x40|regEnc|baseEnc, byte(int8(disp)))
		}
	} else {
		if baseEnc == 4 {
			w.emitBytes(0x80|regEnc|baseEnc, 0x24)
		} else {
			w.emitByte(0x80 | regEnc | baseEnc)
		}
		w.emitU32(uint32(disp))
	}
}

// emitSIB emits an instruction addressing [base+index]. base must not be RBP/R13.
func (w *x64Writer) emitSIB(prefix byte, wide bool, reg, base, index amd64Reg, opcode ...byte) {
	w.emitPrefix(prefix)
	w.emitRex(wide, reg, index, base)
	w.emitBytes(opcode...)
	w.emitBytes(byte(reg&7)<<3|0x04, byte(index&7)<<3|byte(base&7))
}

// emitRIP emits an instruction addressing target relative to the next
// instruction. Nothing may follow the displacement.
func (w *x64Writer) emitRIP(prefix byte, wide bool, reg amd64Reg, target uintptr, opcode ...byte) {
	w.emitPrefix(prefix)
	w.emitRex(wide, reg, 0, 0)
	w.emitBytes(opcode...)
	w.emitByte(byte(reg&7)<<3 | 0x05)
	next := uintptr(w.Ptr) + 4
	w.emitU32(uint32(int32(int64(target) - int64(next))))
}

// --- MOV ---

func (w *x64Writer) movRegReg32(dst, src amd64Reg) {
	w.emitRR(0, false, src, dst, 0x89)
}

func (w *x64Writer) movRegImm32(dst amd64Reg, imm uint32) {
	w.emitRex(false, 0, 0, dst)
	w.emitByte(0xB8 | byte(dst&7))
	w.emitU32(imm)
}

func (w *x64Writer) movRegMem32(dst, base amd64Reg, disp int32) {
	w.emitRM(0, false, dst, base, disp, 0x8B)
}

func (w *x64Writer) movRegMem64(dst, base amd64Reg, disp int32) {
	w.emitRM(0, true, dst, base, disp, 0x8B)
}

func (w *x64Writer) movMemReg32(base amd64Reg, disp int32, src amd64Reg) {
	w.emitRM(0, false, src, base, disp, 0x89)
}

func (w *x64Writer) movMemImm32(base amd64Reg, disp int32, imm uint32) {
	w.emitRM(0, false, 0, base, disp, 0xC7)
	w.emitU32(imm)
}

// --- ALU ---

func (w *x64Writer) aluRegReg32(op aluOp, dst, src amd64Reg) {
	w.emitRR(0, false, src, dst, op.rm)
}

func (w *x64Writer) aluRegImm32(op aluOp, dst amd64Reg, imm uint32) {
	w.emitRR(0, false, amd64Reg(op.ext), dst, 0x81)
	w.emitU32(imm)
}

func (w *x64Writer) aluMemImm32(op aluOp, base amd64Reg, disp int32, imm uint32) {
	w.emitRM(0, false, amd64Reg(op.ext), base, disp, 0x81)
	w.emitU32(imm)
}

func (w *x64Writer) aluMemReg32(op aluOp, base amd64Reg, disp int32, src amd64Reg) {
	w.emitRM(0, false, src, base, disp, op.rm)
}

func (w *x64Writer) testRegReg32(a, b amd64Reg) {
	w.emitRR(0, false, b, a, 0x85)
}

func (w *x64Writer) notReg32(r amd64Reg) { w.emitRR(0, false, 2, r, 0xF7) }

func (w *x64Writer) negReg32(r amd64Reg) { w.emitRR(0, false, 3, r, 0xF7) }

func (w *x64Writer) imulRegReg32(dst, src amd64Reg) {
	w.emitRR(0, false, dst, src, 0x0F, 0xAF)
}

func (w *x64Writer) imulRegImm32(dst, src amd64Reg, imm uint32) {
	w.emitRR(0, false, dst, src, 0x69)
	w.emitU32(imm)
}

func (w *x64Writer) shiftRegImm32(ext byte, r amd64Reg, n uint8) {
	w.emitRR(0, false, amd64Reg(ext), r, 0xC1)
	w.emitByte(n)
}

// movsx of the low byte or word of src. Sources are RAX..RBX or R8..R15,
// so the byte form never needs a bare REX.
func (w *x64Writer) movsxByte32(dst, src amd64Reg) { w.emitRR(0, false, dst, src, 0x0F, 0xBE) }
func (w *x64Writer) movsxWord32(dst, src amd64Reg) { w.emitRR(0, false, dst, src, 0x0F, 0xBF) }

// rolWord8 swaps the two low bytes of r.
func (w *x64Writer) rolWord8(r amd64Reg) {
	w.emitRR(0x66, false, 0, r, 0xC1)
	w.emitByte(8)
}

func (w *x64Writer) bswap32(r amd64Reg) {
	w.emitRex(false, 0, 0, r)
	w.emitBytes(0x0F, 0xC8|byte(r&7))
}

func (w *x64Writer) cmov32(cc byte, dst, src amd64Reg) {
	w.emitRR(0, false, dst, src, 0x0F, 0x40|cc)
}

func (w *x64Writer) decMem32(base amd64Reg, disp int32) {
	w.emitRM(0, false, 1, base, disp, 0xFF)
}

// btMem32 copies bit of the dword at [base+disp] into CF.
func (w *x64Writer) btMem32(base amd64Reg, disp int32, bit uint8) {
	w.emitRM(0, false, 4, base, disp, 0x0F, 0xBA)
	w.emitByte(bit)
}

// --- memory through [base+index] ---

func (w *x64Writer) loadSIB32(dst, base, index amd64Reg) {
	w.emitSIB(0, false, dst, base, index, 0x8B)
}

func (w *x64Writer) loadSIBzx16(dst, base, index amd64Reg) {
	w.emitSIB(0, false, dst, base, index, 0x0F, 0xB7)
}

func (w *x64Writer) loadSIBzx8(dst, base, index amd64Reg) {
	w.emitSIB(0, false, dst, base, index, 0x0F, 0xB6)
}

func (w *x64Writer) storeSIB32(base, index, src amd64Reg) {
	w.emitSIB(0, false, src, base, index, 0x89)
}

func (w *x64Writer) storeSIB16(base, index, src amd64Reg) {
	w.emitSIB(0x66, false, src, base, index, 0x89)
}

// storeSIB8 stores the low byte of src, which must be RAX..RBX.
func (w *x64Writer) storeSIB8(base, index, src amd64Reg) {
	w.emitSIB(0, false, src, base, index, 0x88)
}

func (w *x64Writer) cmpSIB8Imm(base, index amd64Reg, imm uint8) {
	w.emitSIB(0, false, 7, base, index, 0x80)
	w.emitByte(imm)
}

// --- control flow ---

// jcc emits a conditional jump with a rel32 to labelID.
func (w *x64Writer) jcc(cc byte, labelID int) {
	w.emitBytes(0x0F, 0x80|cc) // Jcc rel32
	w.AddFixup(labelID)
	w.emitU32(0) // placeholder
}

func (w *x64Writer) jmp(labelID int) {
	w.emitByte(0xE9) // JMP rel32
	w.AddFixup(labelID)
	w.emitU32(0) // placeholder
}

// jmpPatchable emits a JMP rel32 to labelID and returns the position of
// its displacement so it can be repointed later.
func (w *x64Writer) jmpPatchable(labelID int) int32 {
	w.emitByte(0xE9)
	pos := w.Pos()
	w.AddFixup(labelID)
	w.emitU32(0)
	return pos
}

func (w *x64Writer) ret() { w.emitByte(0xC3) }

// incCounterRIP emits INC qword [rip+rel] for a 64 bit counter at target.
func (w *x64Writer) incCounterRIP(target uintptr) {
	w.emitRIP(0, true, 0, target, 0xFF)
}

// --- SSE2 scalar double on memory operands ---

func (w *x64Writer) movsdLoad(xmm, base amd64Reg, disp int32) {
	w.emitRM(0xF2, false, xmm, base, disp, 0x0F, 0x10)
}

func (w *x64Writer) movsdStore(base amd64Reg, disp int32, xmm amd64Reg) {
	w.emitRM(0xF2, false, xmm, base, disp, 0x0F, 0x11)
}

// sdOpMem applies addsd, subsd, mulsd or divsd with a memory operand.
func (w *x64Writer) sdOpMem(op byte, xmm, base amd64Reg, disp int32) {
	w.emitRM(0xF2, false, xmm, base, disp, 0x0F, op)
}

const (
	sdAdd byte = 0x58
	sdMul byte = 0x59
	sdSub byte = 0x5C
	sdDiv byte = 0x5E
)

// pdOpRIP applies andpd/orpd/xorpd with a 16 byte constant.
func (w *x64Writer) pdOpRIP(op byte, xmm amd64Reg, target uintptr) {
	w.emitRIP(0x66, false, xmm, target, 0x0F, op)
}

const (
	pdAnd byte = 0x54
	pdOr  byte = 0x56
	pdXor byte = 0x57
)
