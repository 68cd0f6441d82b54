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

type Op uint8

const (
	OpInvalid Op = iota

	OpMulli
	OpSubfic
	OpCmpli
	OpCmpi
	OpAddic
	OpAddicRc
	OpAddi
	OpAddis
	OpBc
	OpSc
	OpB
	OpBclr
	OpBcctr
	OpRfi
	OpIsync
	OpRlwimi
	OpRlwinm
	OpOri
	OpOris
	OpXori
	OpXoris
	OpAndiRc
	OpAndisRc

	OpAdd
	OpSubf
	OpNeg
	OpMullw
	OpDivw
	OpDivwu
	OpAnd
	OpAndc
	OpOr
	OpNor
	OpXor
	OpSlw
	OpSrw
	OpSraw
	OpSrawi
	OpCntlzw
	OpExtsb
	OpExtsh
	OpCmp
	OpCmpl
	OpMfspr
	OpMtspr
	OpMfmsr
	OpMtmsr
	OpMfcr
	OpMtcrf
	OpLwzx
	OpLbzx
	OpStwx
	OpStbx
	OpSync
	OpDcbf
	OpDcbi
	OpDcbst
	OpDcbt
	OpDcbtst
	OpDcbz
	OpDcbzL
	OpIcbi

	OpLwz
	OpLwzu
	OpLbz
	OpLbzu
	OpLhz
	OpLha
	OpStw
	OpStwu
	OpStb
	OpStbu
	OpSth
	OpLfd
	OpStfd

	OpFadd
	OpFsub
	OpFmul
	OpFdiv
	OpFmr
	OpFneg
	OpFabs
	OpFnabs

	NumOps
)

type OpFlags uint16

const (
	FlagEndBlock    OpFlags = 1 << iota // control leaves the straight line
	FlagConditional                     // branch depends on CR or CTR
	FlagFPU                             // needs MSR.FP
	FlagLoad
	FlagStore
	FlagCacheOp
	FlagModeChange // may change MSR, HID or exception state
	FlagRc         // has a record form bit
)

type OpInfo struct {
	Name  string
	Flags OpFlags
}

var opTable = [NumOps]OpInfo{
	OpInvalid: {"(invalid)", FlagModeChange},
	OpMulli:   {"mulli", 0},
	OpSubfic:  {"subfic", 0},
	OpCmpli:   {"cmpli", 0},
	OpCmpi:    {"cmpi", 0},
	OpAddic:   {"addic", 0},
	OpAddicRc: {"addic.", 0},
	OpAddi:    {"addi", 0},
	OpAddis:   {"addis", 0},
	OpBc:      {"bc", FlagEndBlock | FlagConditional},
	OpSc:      {"sc", FlagEndBlock | FlagModeChange},
	OpB:       {"b", FlagEndBlock},
	OpBclr:    {"bclr", FlagEndBlock | FlagConditional},
	OpBcctr:   {"bcctr", FlagEndBlock | FlagConditional},
	OpRfi:     {"rfi", FlagEndBlock | FlagModeChange},
	OpIsync:   {"isync", 0},
	OpRlwimi:  {"rlwimi", FlagRc},
	OpRlwinm:  {"rlwinm", FlagRc},
	OpOri:     {"ori", 0},
	OpOris:    {"oris", 0},
	OpXori:    {"xori", 0},
	OpXoris:   {"xoris", 0},
	OpAndiRc:  {"andi.", 0},
	OpAndisRc: {"andis.", 0},
	OpAdd:     {"add", FlagRc},
	OpSubf:    {"subf", FlagRc},
	OpNeg:     {"neg", FlagRc},
	OpMullw:   {"mullw", FlagRc},
	OpDivw:    {"divw", FlagRc},
	OpDivwu:   {"divwu", FlagRc},
	OpAnd:     {"and", FlagRc},
	OpAndc:    {"andc", FlagRc},
	OpOr:      {"or", FlagRc},
	OpNor:     {"nor", FlagRc},
	OpXor:     {"xor", FlagRc},
	OpSlw:     {"slw", FlagRc},
	OpSrw:     {"srw", FlagRc},
	OpSraw:    {"sraw", FlagRc},
	OpSrawi:   {"srawi", FlagRc},
	OpCntlzw:  {"cntlzw", FlagRc},
	OpExtsb:   {"extsb", FlagRc},
	OpExtsh:   {"extsh", FlagRc},
	OpCmp:     {"cmp", 0},
	OpCmpl:    {"cmpl", 0},
	OpMfspr:   {"mfspr", 0},
	OpMtspr:   {"mtspr", FlagModeChange},
	OpMfmsr:   {"mfmsr", 0},
	OpMtmsr:   {"mtmsr", FlagEndBlock | FlagModeChange},
	OpMfcr:    {"mfcr", 0},
	OpMtcrf:   {"mtcrf", 0},
	OpLwzx:    {"lwzx", FlagLoad},
	OpLbzx:    {"lbzx", FlagLoad},
	OpStwx:    {"stwx", FlagStore},
	OpStbx:    {"stbx", FlagStore},
	OpSync:    {"sync", 0},
	OpDcbf:    {"dcbf", FlagCacheOp},
	OpDcbi:    {"dcbi", FlagCacheOp},
	OpDcbst:   {"dcbst", FlagCacheOp},
	OpDcbt:    {"dcbt", FlagCacheOp},
	OpDcbtst:  {"dcbtst", FlagCacheOp},
	OpDcbz:    {"dcbz", FlagCacheOp | FlagStore},
	OpDcbzL:   {"dcbz_l", FlagCacheOp | FlagStore},
	OpIcbi:    {"icbi", FlagCacheOp},
	OpLwz:     {"lwz", FlagLoad},
	OpLwzu:    {"lwzu", FlagLoad},
	OpLbz:     {"lbz", FlagLoad},
	OpLbzu:    {"lbzu", FlagLoad},
	OpLhz:     {"lhz", FlagLoad},
	OpLha:     {"lha", FlagLoad},
	OpStw:     {"stw", FlagStore},
	OpStwu:    {"stwu", FlagStore},
	OpStb:     {"stb", FlagStore},
	OpStbu:    {"stbu", FlagStore},
	OpSth:     {"sth", FlagStore},
	OpLfd:     {"lfd", FlagLoad | FlagFPU},
	OpStfd:    {"stfd", FlagStore | FlagFPU},
	OpFadd:    {"fadd", FlagFPU | FlagRc},
	OpFsub:    {"fsub", FlagFPU | FlagRc},
	OpFmul:    {"fmul", FlagFPU | FlagRc},
	OpFdiv:    {"fdiv", FlagFPU | FlagRc},
	OpFmr:     {"fmr", FlagFPU | FlagRc},
	OpFneg:    {"fneg", FlagFPU | FlagRc},
	OpFabs:    {"fabs", FlagFPU | FlagRc},
	OpFnabs:   {"fnabs", FlagFPU | FlagRc},
}

func (o Op) Info() OpInfo { return opTable[o] }

func (o Op) String() string { return opTable[o].Name }

func (o Op) Is(f OpFlags) bool { return opTable[o].Flags&f != 0 }

var primary = [64]Op{
	7: OpMulli, 8: OpSubfic, 10: OpCmpli, 11: OpCmpi, 12: OpAddic, 13: OpAddicRc,
	14: OpAddi, 15: OpAddis, 16: OpBc, 17: OpSc, 18: OpB, 20: OpRlwimi, 21: OpRlwinm,
	24: OpOri, 25: OpOris, 26: OpXori, 27: OpXoris, 28: OpAndiRc, 29: OpAndisRc,
	32: OpLwz, 33: OpLwzu, 34: OpLbz, 35: OpLbzu, 36: OpStw, 37: OpStwu, 38: OpStb,
	39: OpStbu, 40: OpLhz, 42: OpLha, 44: OpSth, 50: OpLfd, 54: OpStfd,
}

var table19 = map[uint32]Op{16: OpBclr, 528: OpBcctr, 50: OpRfi, 150: OpIsync}

// extended opcodes of primary 31, OE=0 forms only
var table31 = map[uint32]Op{
	266: OpAdd, 40: OpSubf, 104: OpNeg, 235: OpMullw, 491: OpDivw, 459: OpDivwu,
	28: OpAnd, 60: OpAndc, 444: OpOr, 124: OpNor, 316: OpXor,
	24: OpSlw, 536: OpSrw, 792: OpSraw, 824: OpSrawi, 26: OpCntlzw,
	954: OpExtsb, 922: OpExtsh, 0: OpCmp, 32: OpCmpl,
	339: OpMfspr, 467: OpMtspr, 83: OpMfmsr, 146: OpMtmsr, 19: OpMfcr, 144: OpMtcrf,
	23: OpLwzx, 87: OpLbzx, 151: OpStwx, 215: OpStbx, 598: OpSync,
	86: OpDcbf, 470: OpDcbi, 54: OpDcbst, 278: OpDcbt, 246: OpDcbtst, 1014: OpDcbz, 982: OpIcbi,
}

var table63x = map[uint32]Op{72: OpFmr, 40: OpFneg, 264: OpFabs, 136: OpFnabs}
var table63a = map[uint32]Op{21: OpFadd, 20: OpFsub, 25: OpFmul, 18: OpFdiv}

// Decode maps an instruction word to its operation.
func Decode(inst Inst) Op {
	switch inst.OPCD() {
	case 4:
		if inst.SUBOP10() == 1014 {
			return OpDcbzL
		}
		return OpInvalid
	case 19:
		return table19[inst.SUBOP10()]
	case 31:
		return table31[inst.SUBOP10()]
	case 63:
		if op, ok := table63a[inst.SUBOP5()]; ok {
			return op
		}
		return table63x[inst.SUBOP10()]
	}
	return primary[inst.OPCD()]
}
