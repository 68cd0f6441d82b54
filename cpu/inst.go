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

import "math/bits"

// Inst is one big-endian guest instruction word.
type Inst uint32

func (i Inst) OPCD() uint32    { return uint32(i) >> 26 }
func (i Inst) RD() uint32      { return (uint32(i) >> 21) & 31 }
func (i Inst) RS() uint32      { return (uint32(i) >> 21) & 31 }
func (i Inst) RA() uint32      { return (uint32(i) >> 16) & 31 }
func (i Inst) RB() uint32      { return (uint32(i) >> 11) & 31 }
func (i Inst) RC() uint32      { return (uint32(i) >> 6) & 31 }
func (i Inst) SIMM() int32     { return int32(int16(uint16(i))) }
func (i Inst) UIMM() uint32    { return uint32(i) & 0xFFFF }
func (i Inst) SUBOP10() uint32 { return (uint32(i) >> 1) & 0x3FF }
func (i Inst) SUBOP5() uint32  { return (uint32(i) >> 1) & 0x1F }
func (i Inst) Rc() bool        { return uint32(i)&1 != 0 }
func (i Inst) LK() bool        { return uint32(i)&1 != 0 }
func (i Inst) AA() bool        { return uint32(i)&2 != 0 }
func (i Inst) BO() uint32      { return (uint32(i) >> 21) & 31 }
func (i Inst) BI() uint32      { return (uint32(i) >> 16) & 31 }
func (i Inst) CRFD() uint32    { return (uint32(i) >> 23) & 7 }
func (i Inst) L() bool         { return uint32(i)&(1<<21) != 0 }
func (i Inst) SH() uint32      { return (uint32(i) >> 11) & 31 }
func (i Inst) MB() uint32      { return (uint32(i) >> 6) & 31 }
func (i Inst) ME() uint32      { return (uint32(i) >> 1) & 31 }
func (i Inst) CRM() uint32     { return (uint32(i) >> 12) & 0xFF }

// LI is the sign-extended byte displacement of an I-form branch.
func (i Inst) LI() int32 { return int32(uint32(i)<<6) >> 6 &^ 3 }

// BD is the sign-extended byte displacement of a B-form branch.
func (i Inst) BD() int32 { return int32(int16(uint16(i) &^ 3)) }

// SPR decodes the split special purpose register field.
func (i Inst) SPR() uint32 {
	return ((uint32(i) >> 16) & 31) | ((uint32(i)>>11)&31)<<5
}

// RotMask is the rlwinm style mask from bit mb to bit me (big-endian numbering, wrapping).
func RotMask(mb, me uint32) uint32 {
	begin := uint32(0xFFFFFFFF) >> mb
	end := uint32(0x7FFFFFFF) >> me
	mask := begin ^ end
	if mb <= me {
		return mask
	}
	return ^mask
}

func rotl(v, n uint32) uint32 { return bits.RotateLeft32(v, int(n)) }

// BranchTarget computes the static target of an I-form or B-form branch at pc.
func BranchTarget(pc uint32, inst Inst) uint32 {
	var disp int32
	if inst.OPCD() == 18 {
		disp = inst.LI()
	} else {
		disp = inst.BD()
	}
	if inst.AA() {
		return uint32(disp)
	}
	return pc + uint32(disp)
}
