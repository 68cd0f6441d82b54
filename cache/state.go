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
package cache

import (
	"encoding/binary"
	"fmt"
	"io"
)

const stateMagic uint32 = 0x474b4331 // "GKC1"

// DoState writes geometry, way masks, PLRU bits, tags and payloads. The
// residency bitmaps are not part of the stream.
func (c *Cache) DoState(w io.Writer) error {
	hdr := [4]uint32{stateMagic, c.cfg.Sets, c.cfg.Ways, c.cfg.LineSize}
	for _, part := range []any{hdr, c.valid, c.modified, c.locked, c.plru, c.tags, c.data} {
		if err := binary.Write(w, binary.BigEndian, part); err != nil {
			return err
		}
	}
	return nil
}

// LoadState restores a stream written by DoState into a cache of the same
// geometry and rebuilds the residency bitmaps from the tags.
func (c *Cache) LoadState(r io.Reader) error {
	var hdr [4]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return err
	}
	if hdr[0] != stateMagic {
		return fmt.Errorf("cache: bad state magic %08x", hdr[0])
	}
	if hdr[1] != c.cfg.Sets || hdr[2] != c.cfg.Ways || hdr[3] != c.cfg.LineSize {
		return fmt.Errorf("cache: state geometry %dx%dx%d does not match %dx%dx%d", hdr[1], hdr[2], hdr[3], c.cfg.Sets, c.cfg.Ways, c.cfg.LineSize)
	}
	for _, part := range []any{c.valid, c.modified, c.locked, c.plru, c.tags, c.data} {
		if err := binary.Read(r, binary.BigEndian, part); err != nil {
			return err
		}
	}
	c.rebuildLookup()
	return nil
}

func (c *Cache) rebuildLookup() {
	for i := range c.lookup {
		c.lookup[i].bits.Reset()
	}
	for set := uint32(0); set < c.cfg.Sets; set++ {
		for way := uint32(0); way < c.cfg.Ways; way++ {
			if c.valid[set]&(1<<way) != 0 {
				c.setResident(c.tags[set*c.cfg.Ways+way], true)
			}
		}
	}
}
