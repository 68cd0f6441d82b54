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
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/docker/go-units"
	"github.com/jtolds/gls"
	"github.com/launix-de/gekkojit/cache"
	"github.com/launix-de/gekkojit/cpu"
	"github.com/launix-de/gekkojit/memory"
)

var (
	ErrRunning  = errors.New("jit: core is running")
	ErrShutdown = errors.New("jit: core is shut down")
	ErrNoBlock  = errors.New("jit: no translated unit at this address")
)

var nextCoreID atomic.Int32

// Core runs one guest CPU on translated code. All methods except Stop,
// Stats and the write hooks belong to the goroutine that owns the core.
type Core struct {
	ID       int
	Settings SettingsT
	State    *cpu.State
	Bus      *memory.Bus
	MMU      *memory.MMU

	region   *CodeRegion
	emitter  Emitter
	builder  *Builder
	disp     *Dispatcher
	stats    counters
	native   bool
	mem1     *memory.Region
	running  atomic.Bool
	stopping atomic.Bool
	closed   bool

	// owner side figures, published by the core goroutine for Stats
	published atomic.Pointer[ownerStats]
}

type ownerStats struct {
	blocks    int
	codeBytes int64
	dcache    cache.Stats
	icache    cache.Stats
}

// NewCore sets up a core over bus. The native back end is used when the
// settings ask for it and the host can execute the code region.
func NewCore(bus *memory.Bus, settings SettingsT) (*Core, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	region, err := NewCodeRegion(int(settings.CodeRegionSize), int(settings.ConstPoolSize))
	if err != nil {
		return nil, fmt.Errorf("code region: %w", err)
	}
	c := &Core{
		ID:       int(nextCoreID.Add(1)),
		Settings: settings,
		State:    cpu.NewState(),
		Bus:      bus,
		region:   region,
		mem1:     bus.RegionByName("MEM1"),
	}
	c.MMU = memory.NewMMU(bus, c.State)
	c.MMU.EmulateDCache = settings.EmulateDCache
	c.MMU.EmulateICache = settings.EmulateICache

	mem1Size := uint32(0)
	if c.mem1 != nil && len(c.mem1.Data) > 0 {
		mem1Size = c.mem1.Size()
		c.State.Mem1Base = uintptr(unsafe.Pointer(&c.mem1.Data[0]))
		c.State.Mem1Size = mem1Size
	}
	c.disp = NewDispatcher(settings.Linking, &c.stats, &c.State.InvalidatePending, int(mem1Size>>pageShift))
	c.State.CodePages = uintptr(unsafe.Pointer(&c.disp.pageTable[0]))

	switch {
	case settings.Backend == BackendNative && nativeExecSupported && region.Executable():
		c.emitter = newX64Emitter(region, mem1Size, settings.MaxBlockInstructions)
		c.native = true
	case settings.Backend == BackendNative:
		fmt.Println("warning: code region is not executable, using the threaded back end")
		fallthrough
	default:
		c.emitter = newThreadedEmitter(region)
	}
	c.builder = NewBuilder(c.MMU, c.emitter, &c.stats)

	bus.OnWrite(c.disp.NotifyWrite)
	c.MMU.OnInstructionInvalidate = c.disp.RequestInvalidate
	if settings.Trace && Trace == nil {
		SetTrace(true)
	}
	c.publish()
	return c, nil
}

// Native reports whether units are compiled to host machine code.
func (c *Core) Native() bool { return c.native }

func (c *Core) features() cpu.FeatureFlags {
	return c.State.Features(c.MMU.DataCacheActive())
}

// ChangeSetting updates a setting on a stopped core and applies it.
func (c *Core) ChangeSetting(name, value string) error {
	if c.running.Load() {
		return ErrRunning
	}
	switch name {
	case "Backend", "CodeRegionSize", "ConstPoolSize":
		return fmt.Errorf("setting %s is fixed once the core exists", name)
	}
	next := c.Settings
	if err := next.Change(name, value); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}
	if name == "Trace" {
		SetTrace(next.Trace)
	}
	c.Settings = next
	switch name {
	case "EmulateDCache", "EmulateICache", "Linking", "MaxBlockInstructions":
		c.MMU.EmulateDCache = c.Settings.EmulateDCache
		c.MMU.EmulateICache = c.Settings.EmulateICache
		c.disp.linking = c.Settings.Linking
		if x, ok := c.emitter.(*x64Emitter); ok {
			x.reserve = x64UnitOverhead + x64BytesPerInstruction*c.Settings.MaxBlockInstructions
		}
		c.ClearCache()
	}
	return nil
}

// build translates one unit, clearing the whole cache once when the code
// region or the constant pool runs out.
func (c *Core) build(pc uint32, flags cpu.FeatureFlags, max int) (*Block, error) {
	sp := beginSpan("compile")
	blk, err := c.builder.Build(pc, flags, max)
	sp.end(compileArgs(pc, flags, blk, err))
	if errors.Is(err, ErrRegionFull) || errors.Is(err, ErrPoolExhausted) {
		if c.Settings.Verbose {
			fmt.Printf("warning: %v at %08x, clearing translated code (%s in use)\n",
				err, pc, units.BytesSize(float64(c.region.Used())))
		}
		c.ClearCache()
		sp = beginSpan("compile")
		blk, err = c.builder.Build(pc, flags, max)
		sp.end(compileArgs(pc, flags, blk, err))
		if errors.Is(err, ErrRegionFull) || errors.Is(err, ErrPoolExhausted) {
			panic(fmt.Sprintf("jit: unit at %08x does not fit into an empty code region: %v", pc, err))
		}
	}
	return blk, err
}

// compile translates and registers the unit at pc. A fetch fault is
// delivered as ISI, costs one cycle and returns nil. nil is also returned
// when a write raced with the translation and dropped the new unit.
func (c *Core) compile(pc uint32, flags cpu.FeatureFlags) *Block {
	h, err := c.translate(pc, flags)
	if err != nil {
		c.State.RaiseFault(err)
		c.State.CheckExceptions()
		c.State.Downcount--
		c.stats.exceptions.Add(1)
		return nil
	}
	return c.settle(h)
}

// translate builds and inserts one unit inside a translation window, so a
// write to its instructions between fetch and insert is not lost.
func (c *Core) translate(pc uint32, flags cpu.FeatureFlags) (Handle, error) {
	c.disp.BeginTranslation()
	defer c.disp.EndTranslation()
	blk, err := c.build(pc, flags, c.Settings.MaxBlockInstructions)
	if err != nil {
		return Handle{}, err
	}
	h, err := c.disp.Insert(blk)
	if err != nil {
		panic(fmt.Sprintf("jit: %v at %08x", err, pc))
	}
	return h, nil
}

// settle applies the invalidations queued while h was translated and
// returns the unit if it survived them.
func (c *Core) settle(h Handle) *Block {
	if atomic.LoadUint32(&c.State.InvalidatePending) != 0 {
		c.drain()
	}
	return c.disp.Get(h)
}

func (c *Core) deliver() {
	s := c.State
	if atomic.LoadUint32(&s.InvalidatePending) != 0 {
		c.drain()
	}
	if s.Exceptions != 0 {
		pending, pc := s.Exceptions, s.PC
		if s.CheckExceptions() {
			c.stats.exceptions.Add(1)
			traceInstant("exception", traceArgs{"pending": fmt.Sprintf("%#x", pending), "pc": fmt.Sprintf("%08x", pc), "vector": fmt.Sprintf("%08x", s.PC)})
		}
	}
}

func (c *Core) drain() {
	sp := beginSpan("invalidate")
	units := c.disp.Drain()
	sp.end(traceArgs{"units": units, "remaining": c.disp.Len()})
}

// dispatch runs one unit, or lets the interpreter take one instruction.
func (c *Core) dispatch() {
	c.deliver()
	s := c.State
	flags := c.features()
	b := c.disp.Lookup(s.PC, flags)
	if b == nil {
		if b = c.compile(s.PC, flags); b == nil {
			return
		}
	}
	if b.Code.Run(s, c.MMU) == ExitInterpret {
		c.interpret()
	}
}

func (c *Core) interpret() {
	cpu.Step(c.State, c.MMU)
	c.State.Downcount--
	c.stats.interpreted.Add(1)
}

// advance moves the timebase and the decrementer by the cycles a slice used.
func (c *Core) advance(cycles int64) {
	s := c.State
	if cycles <= 0 {
		return
	}
	s.Timebase += uint64(cycles)
	old := s.DEC
	s.DEC -= uint32(cycles)
	if int32(old) >= 0 && int32(s.DEC) < 0 {
		s.Exceptions |= cpu.ExceptionDecrementer
	}
}

func (c *Core) slice(limit int32) int64 {
	s := c.State
	s.Downcount = limit
	for s.Downcount > 0 && !c.stopping.Load() {
		c.dispatch()
	}
	used := int64(limit) - int64(s.Downcount)
	c.advance(used)
	c.publish()
	return used
}

// publish records the figures only the core goroutine may read.
func (c *Core) publish() {
	c.published.Store(&ownerStats{
		blocks:    c.disp.Len(),
		codeBytes: int64(c.region.Used()),
		dcache:    c.MMU.DCache.Stats(),
		icache:    c.MMU.ICache.Stats(),
	})
}

func (c *Core) enter() error {
	if c.closed {
		return ErrShutdown
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	c.stopping.Store(false)
	return nil
}

// Run executes guest code until ctx is cancelled or Stop is called.
func (c *Core) Run(ctx context.Context) error {
	return c.RunFor(ctx, -1)
}

// RunFor executes at least cycles guest cycles, or without limit when
// cycles is negative.
func (c *Core) RunFor(ctx context.Context, cycles int64) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.running.Store(false)
	return c.run(ctx, cycles)
}

func (c *Core) run(ctx context.Context, cycles int64) (err error) {
	defer c.publish()
	coreContext.SetValues(gls.Values{coreKey: c.ID}, func() {
		for cycles != 0 {
			if c.stopping.Load() {
				return
			}
			if err = ctx.Err(); err != nil {
				return
			}
			limit := c.Settings.SliceCycles
			if cycles > 0 && cycles < int64(limit) {
				limit = int32(cycles)
			}
			used := c.slice(limit)
			if cycles > 0 {
				cycles = max(cycles-used, 0)
			}
		}
	})
	return err
}

// Go starts Run on its own goroutine and reports the result on the channel.
// The core counts as running as soon as Go returns.
func (c *Core) Go(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	if err := c.enter(); err != nil {
		done <- err
		return done
	}
	gls.Go(func() {
		err := c.run(ctx, -1)
		c.running.Store(false)
		done <- err
	})
	return done
}

// Stop asks a running core to return at the end of the current unit chain.
func (c *Core) Stop() { c.stopping.Store(true) }

func (c *Core) Running() bool { return c.running.Load() }

// SingleStep executes exactly one guest instruction through a one
// instruction unit that is never registered or linked.
func (c *Core) SingleStep() error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.running.Store(false)
	c.deliver()
	s := c.State
	if s.Downcount <= 0 {
		s.Downcount = c.Settings.SliceCycles
	}
	before := s.Downcount
	blk, err := c.build(s.PC, c.features(), 1)
	if err != nil {
		s.RaiseFault(err)
		s.CheckExceptions()
		c.stats.exceptions.Add(1)
		return nil
	}
	defer blk.Code.Release()
	if blk.Code.Run(s, c.MMU) == ExitInterpret {
		c.interpret()
	}
	c.advance(int64(before) - int64(s.Downcount))
	c.publish()
	return nil
}

// Jit translates the unit at the effective address addr for the current
// mode without running it.
func (c *Core) Jit(addr uint32) error {
	if c.closed {
		return ErrShutdown
	}
	flags := c.features()
	if c.disp.Lookup(addr, flags) != nil {
		return nil
	}
	h, err := c.translate(addr, flags)
	if err != nil {
		return fmt.Errorf("translate %08x: %w", addr, err)
	}
	c.settle(h)
	c.publish()
	return nil
}

// ClearCache drops every translated unit and the constant pool.
func (c *Core) ClearCache() {
	sp := beginSpan("clear")
	units, used := c.disp.Len(), c.region.Used()
	c.disp.ClearAll()
	c.region.Clear()
	sp.end(traceArgs{"units": units, "bytes": used})
	c.stats.cacheClears.Add(1)
	c.publish()
}

// InvalidateRange drops the units overlapping the effective range [start, end).
func (c *Core) InvalidateRange(start, end uint32) error {
	if end <= start {
		return nil
	}
	phys, err := c.MMU.Translate(start, false)
	if err != nil {
		return fmt.Errorf("invalidate %08x: %w", start, err)
	}
	c.disp.RequestInvalidate(phys, end-start)
	if !c.running.Load() {
		c.disp.Drain()
		c.publish()
	}
	return nil
}

// Reset puts the CPU back to its power on state with empty caches.
func (c *Core) Reset() error {
	if c.running.Load() {
		return ErrRunning
	}
	c.ClearCache()
	c.State.Reset()
	c.MMU.Reset()
	c.publish()
	return nil
}

// Shutdown releases every unit and the code region. The core cannot be
// used afterwards.
func (c *Core) Shutdown() error {
	if c.closed {
		return nil
	}
	if c.running.Load() {
		return ErrRunning
	}
	c.builder.rc.Reset(nil, 0)
	c.disp.ClearAll()
	c.MMU.Reset()
	c.closed = true
	return c.region.Close()
}

// Stats returns the counters together with the cache model statistics.
// It is safe while the core runs; unit and cache figures are as of the
// end of the last slice.
func (c *Core) Stats() Stats {
	st := c.stats.snapshot()
	if p := c.published.Load(); p != nil {
		st.Blocks = p.blocks
		st.CodeBytes = p.codeBytes
		st.DCache = p.dcache
		st.ICache = p.icache
	}
	return st
}

// Blocks lists the translated units. Not safe while running.
func (c *Core) Blocks() []Block { return c.disp.Blocks() }

// Disassemble returns the host listing of the unit starting at addr.
func (c *Core) Disassemble(addr uint32) ([]string, error) {
	b := c.disp.Lookup(addr, c.features())
	if b == nil {
		return nil, fmt.Errorf("%08x: %w", addr, ErrNoBlock)
	}
	return append([]string{b.String()}, b.Code.Listing()...), nil
}
