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
	"strings"
	"sync/atomic"

	"github.com/docker/go-units"
	"github.com/launix-de/gekkojit/cache"
)

type counters struct {
	compiled     atomic.Uint64
	fastHits     atomic.Uint64
	slowHits     atomic.Uint64
	misses       atomic.Uint64
	links        atomic.Uint64
	invalidates  atomic.Uint64
	invalidated  atomic.Uint64
	fallbacks    atomic.Uint64
	interpreted  atomic.Uint64
	cacheClears  atomic.Uint64
	exceptions   atomic.Uint64
	instructions atomic.Uint64
}

// Stats is a snapshot of the core's counters.
type Stats struct {
	Blocks       int
	CodeBytes    int64
	Compiled     uint64
	FastHits     uint64
	SlowHits     uint64
	Misses       uint64
	Links        uint64
	Invalidates  uint64 // drained invalidation requests
	Invalidated  uint64 // destroyed units
	Fallbacks    uint64 // interpreter hand-offs emitted
	Interpreted  uint64 // instructions run by the plain interpreter
	CacheClears  uint64
	Exceptions   uint64
	Instructions uint64 // translated instructions
	DCache       cache.Stats
	ICache       cache.Stats
}

func (c *counters) snapshot() Stats {
	return Stats{
		Compiled:     c.compiled.Load(),
		FastHits:     c.fastHits.Load(),
		SlowHits:     c.slowHits.Load(),
		Misses:       c.misses.Load(),
		Links:        c.links.Load(),
		Invalidates:  c.invalidates.Load(),
		Invalidated:  c.invalidated.Load(),
		Fallbacks:    c.fallbacks.Load(),
		Interpreted:  c.interpreted.Load(),
		CacheClears:  c.cacheClears.Load(),
		Exceptions:   c.exceptions.Load(),
		Instructions: c.instructions.Load(),
	}
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "blocks:       %d (%s code)\n", s.Blocks, units.BytesSize(float64(s.CodeBytes)))
	fmt.Fprintf(&b, "compiled:     %d (%d instructions)\n", s.Compiled, s.Instructions)
	fmt.Fprintf(&b, "lookups:      %d fast, %d slow, %d misses\n", s.FastHits, s.SlowHits, s.Misses)
	fmt.Fprintf(&b, "links:        %d\n", s.Links)
	fmt.Fprintf(&b, "invalidation: %d requests, %d units dropped, %d full clears\n", s.Invalidates, s.Invalidated, s.CacheClears)
	fmt.Fprintf(&b, "interpreter:  %d hand-offs emitted, %d instructions run\n", s.Fallbacks, s.Interpreted)
	fmt.Fprintf(&b, "exceptions:   %d\n", s.Exceptions)
	fmt.Fprintf(&b, "dcache:       %d hits, %d misses, %d write-backs, %d lines (%d modified, %d locked)\n",
		s.DCache.Hits, s.DCache.Misses, s.DCache.Writebacks, s.DCache.Resident, s.DCache.Modified, s.DCache.Locked)
	fmt.Fprintf(&b, "icache:       %d hits, %d misses, %d lines\n", s.ICache.Hits, s.ICache.Misses, s.ICache.Resident)
	return b.String()
}
