//go:build unix

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

import "golang.org/x/sys/unix"

// mapRegion maps size bytes readable, writable and executable. Blocks are
// patched in place when they are linked, so the mapping stays RWX.
func mapRegion(size int) ([]byte, bool, error) {
	page := unix.Getpagesize()
	n := (size + page - 1) &^ (page - 1)
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		// W^X systems refuse RWX; threaded code still works on plain memory
		mem, err = unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil, false, err
		}
		return mem[:size], false, nil
	}
	return mem[:size], true, nil
}

func unmapRegion(mem []byte) error {
	return unix.Munmap(mem[:cap(mem)])
}
