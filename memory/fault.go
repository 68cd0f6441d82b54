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
package memory

import "fmt"

type FaultKind uint8

const (
	FaultUnmapped    FaultKind = iota // no RAM behind the physical address
	FaultTranslation                  // effective address has no mapping
	FaultAlignment
)

func (k FaultKind) String() string {
	switch k {
	case FaultUnmapped:
		return "unmapped"
	case FaultTranslation:
		return "translation"
	case FaultAlignment:
		return "alignment"
	}
	return "unknown"
}

// Fault is a guest access fault. The interpreter turns it into DSI, ISI or an
// alignment exception.
type Fault struct {
	Addr  uint32
	Write bool
	Fetch bool
	Kind  FaultKind
}

func (f *Fault) Error() string {
	op := "read"
	if f.Fetch {
		op = "fetch"
	} else if f.Write {
		op = "write"
	}
	return fmt.Sprintf("memory: %s fault on %s of %08x", f.Kind, op, f.Addr)
}
