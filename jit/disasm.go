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

	"golang.org/x/arch/x86/x86asm"
)

// disassemble renders x86-64 code that will run at addr, one instruction per line.
func disassemble(code []byte, addr uintptr) []string {
	var out []string
	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], 64)
		if err != nil {
			out = append(out, fmt.Sprintf("%#x: .byte %#02x", addr+uintptr(pc), code[pc]))
			pc++
			continue
		}
		out = append(out, fmt.Sprintf("%#x: %s", addr+uintptr(pc), x86asm.GNUSyntax(inst, uint64(addr)+uint64(pc), nil)))
		pc += inst.Len
	}
	return out
}
