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
	"errors"

	"github.com/launix-de/gekkojit/memory"
)

// pending exception bits, in delivery priority order
const (
	ExceptionISI uint32 = 1 << iota
	ExceptionDSI
	ExceptionAlignment
	ExceptionProgram
	ExceptionFPUnavailable
	ExceptionSyscall
	ExceptionExternal
	ExceptionDecrementer
)

// SRR1 program exception reasons
const (
	ProgramIllegal    uint32 = 0x00080000
	ProgramPrivileged uint32 = 0x00040000
	ProgramTrap       uint32 = 0x00020000
)

const (
	dsisrNotFound uint32 = 0x40000000
	dsisrStore    uint32 = 0x02000000
)

// bits cleared from MSR on exception entry
const msrExceptionMask uint32 = 0x04EF36

var vectors = []struct {
	bit    uint32
	vector uint32
	async  bool
}{
	{ExceptionISI, 0x400, false},
	{ExceptionDSI, 0x300, false},
	{ExceptionAlignment, 0x600, false},
	{ExceptionProgram, 0x700, false},
	{ExceptionFPUnavailable, 0x800, false},
	{ExceptionSyscall, 0xC00, false},
	{ExceptionExternal, 0x500, true},
	{ExceptionDecrementer, 0x900, true},
}

// RaiseFault records the exception a memory fault maps to. PC must still
// point at the faulting instruction.
func (s *State) RaiseFault(err error) {
	var f *memory.Fault
	if !errors.As(err, &f) {
		panic(err)
	}
	switch {
	case f.Fetch:
		s.Exceptions |= ExceptionISI
	case f.Kind == memory.FaultAlignment:
		s.DAR = f.Addr
		s.Exceptions |= ExceptionAlignment
	default:
		s.DAR = f.Addr
		s.DSISR = dsisrNotFound
		if f.Write {
			s.DSISR |= dsisrStore
		}
		s.Exceptions |= ExceptionDSI
	}
}

// RaiseProgram records a program exception with the given SRR1 reason.
func (s *State) RaiseProgram(reason uint32) {
	s.SRR1 = reason
	s.Exceptions |= ExceptionProgram
}

// CheckExceptions delivers the highest priority pending exception. Precise
// exceptions resume at PC (the faulting instruction), syscall at NPC.
// Asynchronous ones wait for MSR.EE. It reports whether PC changed.
func (s *State) CheckExceptions() bool {
	if s.Exceptions == 0 {
		return false
	}
	for _, v := range vectors {
		if s.Exceptions&v.bit == 0 {
			continue
		}
		if v.async && s.MSR&MSR_EE == 0 {
			continue
		}
		reason := uint32(0)
		if v.bit == ExceptionProgram {
			reason = s.SRR1 & (ProgramIllegal | ProgramPrivileged | ProgramTrap)
		}
		s.SRR0 = s.PC
		if v.bit == ExceptionSyscall {
			s.SRR0 = s.NPC
		}
		s.SRR1 = s.MSR&0x87C0FFFF | reason
		s.MSR &^= msrExceptionMask
		s.PC = v.vector
		s.NPC = s.PC + 4
		s.Exceptions &^= v.bit
		return true
	}
	return false
}
