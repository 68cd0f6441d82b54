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
/*
	gekkojit: dynamic recompiler for the Gekko PowerPC

	loads a raw (optionally xz compressed) guest image into MEM1, runs it
	on translated code and offers a monitor prompt for inspection.
*/
package main

import "os"
import "fmt"
import "flag"
import "syscall"
import "strconv"
import "os/signal"
import "crypto/rand"
import "runtime/pprof"
import "github.com/google/uuid"
import "github.com/dc0d/onexit"
import "github.com/docker/go-units"
import "github.com/launix-de/gekkojit/jit"
import "github.com/launix-de/gekkojit/memory"
import "github.com/launix-de/gekkojit/snapshot"

// workaround for flags package to allow multiple values
type arrayFlags []string

func (i *arrayFlags) String() string {
	return "dummy"
}

func (i *arrayFlags) Set(value string) error {
	*i = append(*i, value)
	return nil
}

// sizeFlag accepts human readable sizes like 24MiB.
type sizeFlag int64

func (s *sizeFlag) String() string { return units.BytesSize(float64(*s)) }

func (s *sizeFlag) Set(value string) error {
	v, err := units.RAMInBytes(value)
	if err != nil {
		return err
	}
	*s = sizeFlag(v)
	return nil
}

// addrFlag accepts guest addresses in hex with or without 0x.
type addrFlag uint32

func (a *addrFlag) String() string { return fmt.Sprintf("%08x", uint32(*a)) }

func (a *addrFlag) Set(value string) error {
	v, err := parseAddr(value)
	*a = addrFlag(v)
	return err
}

func parseAddr(s string) (uint32, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return uint32(v), nil
}

func main() {
	fmt.Print(`gekkojit Copyright (C) 2026   Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;

`)

	// save state ids
	uuid.SetRand(rand.Reader)

	settings := jit.DefaultSettings
	var commands arrayFlags
	flag.Var(&commands, "c", "Execute monitor command (repeatable)")

	mem1 := sizeFlag(memory.Mem1Size)
	mem2 := sizeFlag(memory.Mem2Size)
	region := sizeFlag(settings.CodeRegionSize)
	pool := sizeFlag(settings.ConstPoolSize)
	flag.Var(&mem1, "mem1", "MEM1 size")
	flag.Var(&mem2, "mem2", "MEM2 size, 0 for a GameCube memory map")
	flag.Var(&region, "code", "code region size including the constant pool")
	flag.Var(&pool, "pool", "constant pool size")

	load := addrFlag(0x80003100)
	entry := addrFlag(0)
	flag.Var(&load, "at", "effective address the image is loaded to")
	flag.Var(&entry, "entry", "entry point (default: load address)")

	flag.StringVar(&settings.Backend, "backend", settings.Backend, "native or threaded")
	flag.BoolVar(&settings.EmulateDCache, "dcache", false, "emulate the data cache")
	flag.BoolVar(&settings.EmulateICache, "icache", false, "emulate the instruction cache")
	nolink := flag.Bool("nolink", false, "disable block linking")
	flag.IntVar(&settings.MaxBlockInstructions, "maxblock", settings.MaxBlockInstructions, "max instructions per unit")
	flag.BoolVar(&settings.Verbose, "v", false, "print cache flushes and reloads")
	flag.BoolVar(&settings.Trace, "trace", false, "write a chrome://tracing file of translation events")
	fakeVMEM := flag.Bool("fakevmem", false, "map the fake VMEM region at 7e000000")

	snapshots := "states"
	flag.StringVar(&snapshots, "states", "states", "save state location (directory or s3://key:secret@bucket/prefix)")
	watch := flag.Bool("watch", false, "reload the image whenever it changes on disk")
	run := flag.Bool("run", false, "start running right away")
	profile := ""
	flag.StringVar(&profile, "profile", "", "write a CPU profile")

	flag.Parse()
	settings.Linking = !*nolink
	settings.CodeRegionSize = int64(region)
	settings.ConstPoolSize = int64(pool)

	bus := memory.NewBus(memory.Config{Mem1Size: uint32(mem1), Mem2Size: uint32(mem2), FakeVMEM: *fakeVMEM})
	core, err := jit.NewCore(bus, settings)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	store, err := snapshot.Open(snapshots)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	fmt.Printf("core %d: %s back end, %s code region, MEM1 %s\n", core.ID, backendName(core),
		units.BytesSize(float64(settings.CodeRegionSize)), units.BytesSize(float64(mem1)))

	m := newMonitor(core, store)
	if img := flag.Arg(0); img != "" {
		m.image = &image{path: img, addr: uint32(load)}
		if err := m.image.load(core); err != nil {
			fmt.Println("error:", err)
			os.Exit(1)
		}
		core.State.PC = uint32(load)
		if entry != 0 {
			core.State.PC = uint32(entry)
		}
		if *watch {
			if err := m.watchImage(); err != nil {
				fmt.Println("warning: cannot watch image:", err)
			}
		}
	}

	// install exit handler
	onexit.Register(m.shutdown)
	cancelChan := make(chan os.Signal, 1)
	signal.Notify(cancelChan, syscall.SIGTERM)
	go (func() {
		<-cancelChan
		m.shutdown()
		os.Exit(1)
	})()

	if profile != "" {
		f, err := os.Create(profile)
		if err != nil {
			panic(err)
		}
		defer f.Close()
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	for _, command := range commands {
		fmt.Println("Executing " + command + " ...")
		m.exec(command)
	}
	if *run {
		m.exec("run")
	}

	fmt.Print(`
    Type help to show the monitor commands

`)
	m.repl()

	// normal shutdown
	m.shutdown()
}

func backendName(c *jit.Core) string {
	if c.Native() {
		return jit.BackendNative
	}
	return jit.BackendThreaded
}
