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

import "unsafe"

// x64Fixup is a rel32 field that must point at a label.
type x64Fixup struct {
	CodePos int32 // offset of the 4 byte field
	LabelID int
}

// x64Writer emits machine code into a reservation of the code region.
type x64Writer struct {
	Ptr   unsafe.Pointer // current write pointer
	End   unsafe.Pointer // end of the reservation
	Start unsafe.Pointer // start of the reservation for position calculation

	Labels []int32
	Fixups []x64Fixup
}

func (w *x64Writer) reset(start unsafe.Pointer, size int) {
	w.Start = start
	w.Ptr = start
	w.End = unsafe.Add(start, size)
	w.Labels = w.Labels[:0]
	w.Fixups = w.Fixups[:0]
}

// Pos returns the current offset from Start.
func (w *x64Writer) Pos() int32 { return int32(uintptr(w.Ptr) - uintptr(w.Start)) }

// Addr returns the host address of offset pos.
func (w *x64Writer) Addr(pos int32) uintptr { return uintptr(w.Start) + uintptr(pos) }

// DefineLabel allocates a new label at the current write position.
func (w *x64Writer) DefineLabel() int {
	w.Labels = append(w.Labels, w.Pos())
	return len(w.Labels) - 1
}

// ReserveLabel allocates a label ID for later placement via MarkLabel.
func (w *x64Writer) ReserveLabel() int {
	w.Labels = append(w.Labels, -1) // undefined until MarkLabel
	return len(w.Labels) - 1
}

// MarkLabel sets the position of a previously reserved label.
func (w *x64Writer) MarkLabel(id int) {
	w.Labels[id] = w.Pos()
}

// AddFixup records a forward reference at the current position.
func (w *x64Writer) AddFixup(labelID int) {
	w.Fixups = append(w.Fixups, x64Fixup{CodePos: w.Pos(), LabelID: labelID})
}

// ResolveFixups patches all recorded references after code generation.
func (w *x64Writer) ResolveFixups() {
	for _, f := range w.Fixups {
		targetPos := w.Labels[f.LabelID]
		if targetPos < 0 {
			panic("jit: undefined label")
		}
		*(*int32)(unsafe.Add(w.Start, int(f.CodePos))) = targetPos - (f.CodePos + 4)
	}
}

func (w *x64Writer) room(n int) {
	if uintptr(w.Ptr)+uintptr(n) > uintptr(w.End) {
		panic(ErrRegionFull)
	}
}

// emitByte appends a single byte to the writer.
func (w *x64Writer) emitByte(b byte) {
	w.room(1)
	*(*byte)(w.Ptr) = b
	w.Ptr = unsafe.Add(w.Ptr, 1)
}

// emitBytes appends raw bytes to the writer.
func (w *x64Writer) emitBytes(bs ...byte) {
	w.room(len(bs))
	for _, b := range bs {
		*(*byte)(w.Ptr) = b
		w.Ptr = unsafe.Add(w.Ptr, 1)
	}
}

// emitU32 appends a little-endian uint32.
func (w *x64Writer) emitU32(v uint32) {
	w.room(4)
	*(*uint32)(w.Ptr) = v
	w.Ptr = unsafe.Add(w.Ptr, 4)
}

// emitU64 appends a little-endian uint64.
func (w *x64Writer) emitU64(v uint64) {
	w.room(8)
	*(*uint64)(w.Ptr) = v
	w.Ptr = unsafe.Add(w.Ptr, 8)
}
