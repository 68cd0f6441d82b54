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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/launix-de/gekkojit/cache"
	"github.com/launix-de/gekkojit/cpu"
	"github.com/pierrec/lz4/v4"
)

/*
Save states are

	magic "GEKKOSAV" | version u32 | uuid [16]
	lz4 frame {
		cpu state | dcache | icache
		count u32, then per bus region: name, base u32, size u32, bytes
	}

Translated code is never saved; LoadState clears it. A stream that does not
parse to the end leaves the core untouched.
*/
var saveMagic = [8]byte{'G', 'E', 'K', 'K', 'O', 'S', 'A', 'V'}

const saveVersion uint32 = 1

type saveHeader struct {
	Magic   [8]byte
	Version uint32
	ID      uuid.UUID
}

// SaveState writes the guest state to w and returns the id stored in it.
func (c *Core) SaveState(w io.Writer) (uuid.UUID, error) {
	if c.running.Load() {
		return uuid.Nil, ErrRunning
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, err
	}
	if err := binary.Write(w, binary.BigEndian, saveHeader{saveMagic, saveVersion, id}); err != nil {
		return uuid.Nil, err
	}
	z := lz4.NewWriter(w)
	if err := c.saveBody(z); err != nil {
		return uuid.Nil, fmt.Errorf("save state: %w", err)
	}
	if err := z.Close(); err != nil {
		return uuid.Nil, fmt.Errorf("save state: %w", err)
	}
	return id, nil
}

func (c *Core) saveBody(w io.Writer) error {
	if err := c.State.DoState(w); err != nil {
		return err
	}
	if err := c.MMU.DCache.DoState(w); err != nil {
		return err
	}
	if err := c.MMU.ICache.DoState(w); err != nil {
		return err
	}
	regions := c.Bus.Regions()
	if err := binary.Write(w, binary.BigEndian, uint32(len(regions))); err != nil {
		return err
	}
	for _, r := range regions {
		if err := (regionHeader{r.Name, r.Base, r.Size()}).write(w); err != nil {
			return err
		}
		if _, err := w.Write(r.Data); err != nil {
			return err
		}
	}
	return nil
}

type regionHeader struct {
	Name string
	Base uint32
	Size uint32
}

func (h regionHeader) write(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(h.Name))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, h.Name); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, [2]uint32{h.Base, h.Size})
}

func readRegionHeader(r io.Reader) (h regionHeader, err error) {
	var n uint16
	if err = binary.Read(r, binary.BigEndian, &n); err != nil {
		return
	}
	name := make([]byte, n)
	if _, err = io.ReadFull(r, name); err != nil {
		return
	}
	var v [2]uint32
	if err = binary.Read(r, binary.BigEndian, &v); err != nil {
		return
	}
	return regionHeader{string(name), v[0], v[1]}, nil
}

// LoadState restores a stream written by SaveState and drops all
// translated code. It returns the id of the state.
func (c *Core) LoadState(r io.Reader) (uuid.UUID, error) {
	if c.running.Load() {
		return uuid.Nil, ErrRunning
	}
	var hdr saveHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return uuid.Nil, fmt.Errorf("load state: %w", err)
	}
	if hdr.Magic != saveMagic {
		return uuid.Nil, fmt.Errorf("load state: not a save state")
	}
	if hdr.Version != saveVersion {
		return uuid.Nil, fmt.Errorf("load state: version %d is not supported", hdr.Version)
	}
	img, err := c.loadBody(lz4.NewReader(r))
	if err != nil {
		return uuid.Nil, fmt.Errorf("load state %s: %w", hdr.ID, err)
	}
	c.ClearCache()
	if err := img.commit(c); err != nil {
		// only reachable if the live caches changed geometry under us
		panic(fmt.Sprintf("load state %s: %v", hdr.ID, err))
	}
	c.publish()
	return hdr.ID, nil
}

// image is a fully decoded save state that has not touched the core yet.
type image struct {
	state          *cpu.State
	dcache, icache *cache.Cache
	regions        map[string][]byte
}

func (c *Core) loadBody(r io.Reader) (*image, error) {
	img := &image{
		state:   new(cpu.State),
		dcache:  cache.New(c.MMU.DCache.Config(), nil),
		icache:  cache.New(c.MMU.ICache.Config(), nil),
		regions: make(map[string][]byte),
	}
	if err := img.state.LoadState(r); err != nil {
		return nil, err
	}
	if err := img.dcache.LoadState(r); err != nil {
		return nil, err
	}
	if err := img.icache.LoadState(r); err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		h, err := readRegionHeader(r)
		if err != nil {
			return nil, err
		}
		reg := c.Bus.RegionByName(h.Name)
		if reg == nil || reg.Base != h.Base || reg.Size() != h.Size {
			return nil, fmt.Errorf("region %s at %08x (%d bytes) does not exist here", h.Name, h.Base, h.Size)
		}
		if _, dup := img.regions[h.Name]; dup {
			return nil, fmt.Errorf("region %s is stored twice", h.Name)
		}
		data := make([]byte, h.Size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		img.regions[h.Name] = data
	}
	return img, nil
}

func (img *image) commit(c *Core) error {
	var buf bytes.Buffer
	if err := img.state.DoState(&buf); err != nil {
		return err
	}
	if err := c.State.LoadState(&buf); err != nil {
		return err
	}
	for _, pair := range [][2]*cache.Cache{{img.dcache, c.MMU.DCache}, {img.icache, c.MMU.ICache}} {
		buf.Reset()
		if err := pair[0].DoState(&buf); err != nil {
			return err
		}
		if err := pair[1].LoadState(&buf); err != nil {
			return err
		}
	}
	for name, data := range img.regions {
		copy(c.Bus.RegionByName(name).Data, data)
	}
	return nil
}
