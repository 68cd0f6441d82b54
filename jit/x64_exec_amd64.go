//go:build amd64

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
	"unsafe"

	"github.com/launix-de/gekkojit/cpu"
)

const nativeExecSupported = true

// callNative enters generated code at entry. A func value points to a
// struct whose first word is the code pointer; the register ABI passes s
// in RAX and returns the status in EAX.
func callNative(entry uintptr, s *cpu.State) uint32 {
	fn := unsafe.Pointer(&struct{ uintptr }{entry})
	return (*(*func(*cpu.State) uint32)(unsafe.Pointer(&fn)))(s)
}
