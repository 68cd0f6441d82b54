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

/* guest instruction encoders

used by the monitor's patch command and by the tests of the translator.
Operand order is destination first, like the assembler syntax. */

func dform(opcd, d, a uint32, imm uint16) uint32 {
	return opcd<<26 | d<<21 | a<<16 | uint32(imm)
}

func xform(xo, d, a, b uint32, rc bool) uint32 {
	v := 31<<26 | d<<21 | a<<16 | b<<11 | xo<<1
	if rc {
		v |= 1
	}
	return v
}

func Addi(rd, ra uint32, simm int16) uint32  { return dform(14, rd, ra, uint16(simm)) }
func Li(rd uint32, simm int16) uint32        { return Addi(rd, 0, simm) }
func Addis(rd, ra uint32, simm int16) uint32 { return dform(15, rd, ra, uint16(simm)) }
func Lis(rd uint32, simm int16) uint32       { return Addis(rd, 0, simm) }
func Addic(rd, ra uint32, simm int16) uint32 { return dform(12, rd, ra, uint16(simm)) }
func Subfic(rd, ra uint32, simm int16) uint32 {
	return dform(8, rd, ra, uint16(simm))
}
func Mulli(rd, ra uint32, simm int16) uint32 { return dform(7, rd, ra, uint16(simm)) }
func Ori(ra, rs uint32, uimm uint16) uint32  { return dform(24, rs, ra, uimm) }
func Oris(ra, rs uint32, uimm uint16) uint32 { return dform(25, rs, ra, uimm) }
func Xori(ra, rs uint32, uimm uint16) uint32 { return dform(26, rs, ra, uimm) }
func AndiRc(ra, rs uint32, uimm uint16) uint32 {
	return dform(28, rs, ra, uimm)
}
func Nop() uint32 { return Ori(0, 0, 0) }

func Cmpwi(crf, ra uint32, simm int16) uint32 { return dform(11, crf<<2, ra, uint16(simm)) }
func Cmplwi(crf, ra uint32, uimm uint16) uint32 {
	return dform(10, crf<<2, ra, uimm)
}
func Cmpw(crf, ra, rb uint32) uint32  { return xform(0, crf<<2, ra, rb, false) }
func Cmplw(crf, ra, rb uint32) uint32 { return xform(32, crf<<2, ra, rb, false) }

func Lwz(rd, ra uint32, d int16) uint32  { return dform(32, rd, ra, uint16(d)) }
func Lwzu(rd, ra uint32, d int16) uint32 { return dform(33, rd, ra, uint16(d)) }
func Lbz(rd, ra uint32, d int16) uint32  { return dform(34, rd, ra, uint16(d)) }
func Lhz(rd, ra uint32, d int16) uint32  { return dform(40, rd, ra, uint16(d)) }
func Lha(rd, ra uint32, d int16) uint32  { return dform(42, rd, ra, uint16(d)) }
func Stw(rs, ra uint32, d int16) uint32  { return dform(36, rs, ra, uint16(d)) }
func Stwu(rs, ra uint32, d int16) uint32 { return dform(37, rs, ra, uint16(d)) }
func Stb(rs, ra uint32, d int16) uint32  { return dform(38, rs, ra, uint16(d)) }
func Sth(rs, ra uint32, d int16) uint32  { return dform(44, rs, ra, uint16(d)) }
func Lfd(fd, ra uint32, d int16) uint32  { return dform(50, fd, ra, uint16(d)) }
func Stfd(fs, ra uint32, d int16) uint32 { return dform(54, fs, ra, uint16(d)) }
func Lwzx(rd, ra, rb uint32) uint32      { return xform(23, rd, ra, rb, false) }
func Stwx(rs, ra, rb uint32) uint32      { return xform(151, rs, ra, rb, false) }

func Add(rd, ra, rb uint32) uint32   { return xform(266, rd, ra, rb, false) }
func AddRc(rd, ra, rb uint32) uint32 { return xform(266, rd, ra, rb, true) }
func Subf(rd, ra, rb uint32) uint32  { return xform(40, rd, ra, rb, false) }
func Neg(rd, ra uint32) uint32       { return xform(104, rd, ra, 0, false) }
func Mullw(rd, ra, rb uint32) uint32 { return xform(235, rd, ra, rb, false) }
func Divw(rd, ra, rb uint32) uint32  { return xform(491, rd, ra, rb, false) }
func Divwu(rd, ra, rb uint32) uint32 { return xform(459, rd, ra, rb, false) }
func And(ra, rs, rb uint32) uint32   { return xform(28, rs, ra, rb, false) }
func Andc(ra, rs, rb uint32) uint32  { return xform(60, rs, ra, rb, false) }
func Or(ra, rs, rb uint32) uint32    { return xform(444, rs, ra, rb, false) }
func Nor(ra, rs, rb uint32) uint32   { return xform(124, rs, ra, rb, false) }
func Xor(ra, rs, rb uint32) uint32   { return xform(316, rs, ra, rb, false) }
func Mr(ra, rs uint32) uint32        { return Or(ra, rs, rs) }
func Slw(ra, rs, rb uint32) uint32   { return xform(24, rs, ra, rb, false) }
func Srw(ra, rs, rb uint32) uint32   { return xform(536, rs, ra, rb, false) }
func Sraw(ra, rs, rb uint32) uint32  { return xform(792, rs, ra, rb, false) }
func Srawi(ra, rs, sh uint32) uint32 { return xform(824, rs, ra, sh, false) }
func Cntlzw(ra, rs uint32) uint32    { return xform(26, rs, ra, 0, false) }
func Extsb(ra, rs uint32) uint32     { return xform(954, rs, ra, 0, false) }
func Extsh(ra, rs uint32) uint32     { return xform(922, rs, ra, 0, false) }

func Rlwinm(ra, rs, sh, mb, me uint32) uint32 {
	return 21<<26 | rs<<21 | ra<<16 | sh<<11 | mb<<6 | me<<1
}

func Rlwimi(ra, rs, sh, mb, me uint32) uint32 {
	return 20<<26 | rs<<21 | ra<<16 | sh<<11 | mb<<6 | me<<1
}

func sprField(spr uint32) uint32 { return (spr&31)<<16 | (spr>>5)<<11 }

func Mfspr(rd, spr uint32) uint32 { return 31<<26 | rd<<21 | sprField(spr) | 339<<1 }
func Mtspr(spr, rs uint32) uint32 { return 31<<26 | rs<<21 | sprField(spr) | 467<<1 }
func Mflr(rd uint32) uint32       { return Mfspr(rd, SPR_LR) }
func Mtlr(rs uint32) uint32       { return Mtspr(SPR_LR, rs) }
func Mtctr(rs uint32) uint32      { return Mtspr(SPR_CTR, rs) }
func Mfmsr(rd uint32) uint32      { return xform(83, rd, 0, 0, false) }
func Mtmsr(rs uint32) uint32      { return xform(146, rs, 0, 0, false) }
func Mfcr(rd uint32) uint32       { return xform(19, rd, 0, 0, false) }
func Mtcrf(crm, rs uint32) uint32 { return 31<<26 | rs<<21 | crm<<12 | 144<<1 }

// B encodes a relative branch; disp is in bytes.
func B(disp int32) uint32  { return 18<<26 | uint32(disp)&0x03FFFFFC }
func Bl(disp int32) uint32 { return B(disp) | 1 }

// Bc encodes a relative conditional branch; disp is in bytes.
func Bc(bo, bi uint32, disp int16) uint32 {
	return 16<<26 | bo<<21 | bi<<16 | uint32(uint16(disp))&0xFFFC
}

// BO values
const (
	BranchFalse  = 4
	BranchTrue   = 12
	BranchAlways = 20
	BranchDNZ    = 16
)

func Bclr(bo, bi uint32) uint32  { return 19<<26 | bo<<21 | bi<<16 | 16<<1 }
func Blr() uint32                { return Bclr(BranchAlways, 0) }
func Blrl() uint32               { return Blr() | 1 }
func Bcctr(bo, bi uint32) uint32 { return 19<<26 | bo<<21 | bi<<16 | 528<<1 }
func Bctr() uint32               { return Bcctr(BranchAlways, 0) }
func Bctrl() uint32              { return Bctr() | 1 }
func Sc() uint32                 { return 17<<26 | 2 }
func Rfi() uint32                { return 19<<26 | 50<<1 }
func Isync() uint32              { return 19<<26 | 150<<1 }
func Sync() uint32               { return xform(598, 0, 0, 0, false) }

func Dcbst(ra, rb uint32) uint32 { return xform(54, 0, ra, rb, false) }
func Dcbf(ra, rb uint32) uint32  { return xform(86, 0, ra, rb, false) }
func Dcbi(ra, rb uint32) uint32  { return xform(470, 0, ra, rb, false) }
func Dcbt(ra, rb uint32) uint32  { return xform(278, 0, ra, rb, false) }
func Dcbz(ra, rb uint32) uint32  { return xform(1014, 0, ra, rb, false) }
func DcbzL(ra, rb uint32) uint32 { return 4<<26 | ra<<16 | rb<<11 | 1014<<1 }
func Icbi(ra, rb uint32) uint32  { return xform(982, 0, ra, rb, false) }

func Fadd(fd, fa, fb uint32) uint32 { return 63<<26 | fd<<21 | fa<<16 | fb<<11 | 21<<1 }
func Fsub(fd, fa, fb uint32) uint32 { return 63<<26 | fd<<21 | fa<<16 | fb<<11 | 20<<1 }
func Fmul(fd, fa, fc uint32) uint32 { return 63<<26 | fd<<21 | fa<<16 | fc<<6 | 25<<1 }
func Fdiv(fd, fa, fb uint32) uint32 { return 63<<26 | fd<<21 | fa<<16 | fb<<11 | 18<<1 }
func Fmr(fd, fb uint32) uint32      { return 63<<26 | fd<<21 | fb<<11 | 72<<1 }
func Fneg(fd, fb uint32) uint32     { return 63<<26 | fd<<21 | fb<<11 | 40<<1 }
func Fabs(fd, fb uint32) uint32     { return 63<<26 | fd<<21 | fb<<11 | 264<<1 }
