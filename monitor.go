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
package main

import "io"
import "fmt"
import "sort"
import "sync"
import "time"
import "errors"
import "context"
import "strings"
import "strconv"
import "runtime/debug"
import "github.com/chzyer/readline"
import "github.com/fsnotify/fsnotify"
import "github.com/docker/go-units"
import "github.com/launix-de/gekkojit/cpu"
import "github.com/launix-de/gekkojit/jit"
import "github.com/launix-de/gekkojit/snapshot"

const newprompt = "\033[32mgekko>\033[0m "

// monitor owns the core between runs. While the core runs on its own
// goroutine only stop, stats and quit are accepted.
type monitor struct {
	core    *jit.Core
	store   snapshot.Store
	image   *image
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	cancel context.CancelFunc
	done   <-chan error

	closeOnce sync.Once
}

type command struct {
	args  string
	help  string
	run   func(m *monitor, args []string) error
	async bool // allowed while the core is running
}

var monitorCommands map[string]command

func init() {
	monitorCommands = map[string]command{
		"help":   {"", "list commands", (*monitor).help, true},
		"regs":   {"", "print the CPU registers", (*monitor).regs, false},
		"step":   {"[n]", "execute n instructions one by one", (*monitor).step, false},
		"run":    {"[cycles]", "run in the background, or for a number of cycles", (*monitor).run, false},
		"stop":   {"", "stop a background run", (*monitor).stop, true},
		"pc":     {"addr", "set the program counter", (*monitor).setPC, false},
		"jit":    {"addr", "translate the unit at addr without running it", (*monitor).jitAt, false},
		"dis":    {"[addr]", "show the host code of the unit at addr", (*monitor).dis, false},
		"list":   {"addr [n]", "decode n guest instructions", (*monitor).list, false},
		"blocks": {"", "list the translated units", (*monitor).blocks, false},
		"stats":  {"", "print the core statistics", (*monitor).stats, true},
		"clear":  {"", "drop all translated code", (*monitor).clear, false},
		"inv":    {"start end", "invalidate translated code in an address range", (*monitor).invalidate, true},
		"mem":    {"addr [n]", "dump n bytes of guest memory", (*monitor).mem, false},
		"poke":   {"addr value", "write a 32 bit word", (*monitor).poke, false},
		"set":    {"[name value]", "show or change a setting", (*monitor).set, false},
		"save":   {"[name]", "write a save state", (*monitor).save, false},
		"load":   {"name", "restore a save state", (*monitor).load, false},
		"states": {"", "list the save states", (*monitor).states, true},
		"rm":     {"name", "delete a save state", (*monitor).remove, true},
		"reload": {"", "load the image again", (*monitor).reload, false},
		"reset":  {"", "power on reset of the CPU", (*monitor).reset, false},
	}
}

func newMonitor(c *jit.Core, store snapshot.Store) *monitor {
	return &monitor{core: c, store: store}
}

func (m *monitor) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done != nil
}

// exec runs one command line and prints errors instead of returning them.
func (m *monitor) exec(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, ok := monitorCommands[fields[0]]
	if !ok {
		fmt.Printf("unknown command %s, try help\n", fields[0])
		return
	}
	if !cmd.async && m.running() {
		fmt.Println("core is running, stop it first")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			fmt.Println("panic:", r, string(debug.Stack()))
		}
	}()
	if err := cmd.run(m, fields[1:]); err != nil {
		fmt.Println("error:", err)
	}
}

func (m *monitor) repl() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".gekkojit-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		AutoComplete:      completer(),
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			panic(err)
		}
		line = strings.TrimSpace(line)
		if line == "quit" || line == "exit" {
			break
		}
		m.exec(line)
	}
}

func completer() *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	for _, name := range commandNames() {
		if name == "set" {
			var names []readline.PrefixCompleterInterface
			for _, s := range jit.SettingNames {
				names = append(names, readline.PcItem(s))
			}
			items = append(items, readline.PcItem(name, names...))
			continue
		}
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

func commandNames() []string {
	names := make([]string, 0, len(monitorCommands))
	for name := range monitorCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func argAddr(args []string, i int, def uint32) (uint32, error) {
	if len(args) <= i {
		return def, nil
	}
	return parseAddr(args[i])
}

func argInt(args []string, i int, def int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	return strconv.Atoi(args[i])
}

func (m *monitor) help(args []string) error {
	for _, name := range commandNames() {
		c := monitorCommands[name]
		fmt.Printf("  %-7s %-14s %s\n", name, c.args, c.help)
	}
	fmt.Println("  quit                   leave the monitor")
	return nil
}

func (m *monitor) regs(args []string) error {
	s := m.core.State
	for i := 0; i < 32; i += 4 {
		fmt.Printf("r%-2d %08x  r%-2d %08x  r%-2d %08x  r%-2d %08x\n",
			i, s.GPR[i], i+1, s.GPR[i+1], i+2, s.GPR[i+2], i+3, s.GPR[i+3])
	}
	fmt.Printf("pc  %08x  lr  %08x  ctr %08x  cr  %08x\n", s.PC, s.LR, s.CTR, s.CR)
	fmt.Printf("xer %08x  msr %08x  dec %08x  tb  %d\n", s.XER, s.MSR, s.DEC, s.Timebase)
	fmt.Printf("srr0 %08x srr1 %08x dar %08x dsisr %08x\n", s.SRR0, s.SRR1, s.DAR, s.DSISR)
	return nil
}

func (m *monitor) step(args []string) error {
	n, err := argInt(args, 0, 1)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := m.core.SingleStep(); err != nil {
			return err
		}
	}
	fmt.Printf("pc %08x\n", m.core.State.PC)
	return nil
}

func (m *monitor) run(args []string) error {
	if len(args) > 0 {
		cycles, err := units.FromHumanSize(args[0])
		if err != nil {
			return err
		}
		start := time.Now()
		if err := m.core.RunFor(context.Background(), cycles); err != nil {
			return err
		}
		fmt.Printf("pc %08x after %s\n", m.core.State.PC, time.Since(start))
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = m.core.Go(ctx)
	fmt.Println("running, type stop to halt")
	return nil
}

// halt ends a background run and reports whether one was active.
func (m *monitor) halt() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return false, nil
	}
	m.cancel()
	err := <-m.done
	m.done, m.cancel = nil, nil
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return true, err
}

func (m *monitor) stop(args []string) error {
	was, err := m.halt()
	if !was {
		return errors.New("core is not running")
	}
	fmt.Printf("stopped at %08x\n", m.core.State.PC)
	return err
}

// paused runs f with the core halted and resumes a background run afterwards.
func (m *monitor) paused(f func()) {
	was, err := m.halt()
	if err != nil {
		fmt.Println("error:", err)
	}
	f()
	if was {
		m.run(nil)
	}
}

func (m *monitor) setPC(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: pc addr")
	}
	pc, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	m.core.State.PC = pc
	return nil
}

func (m *monitor) jitAt(args []string) error {
	addr, err := argAddr(args, 0, m.core.State.PC)
	if err != nil {
		return err
	}
	return m.core.Jit(addr)
}

func (m *monitor) dis(args []string) error {
	addr, err := argAddr(args, 0, m.core.State.PC)
	if err != nil {
		return err
	}
	lines, err := m.core.Disassemble(addr)
	if errors.Is(err, jit.ErrNoBlock) {
		if err = m.core.Jit(addr); err == nil {
			lines, err = m.core.Disassemble(addr)
		}
	}
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

func (m *monitor) list(args []string) error {
	addr, err := argAddr(args, 0, m.core.State.PC)
	if err != nil {
		return err
	}
	n, err := argInt(args, 1, 16)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		a := addr + uint32(4*i)
		w, err := m.core.MMU.Read32(a)
		if err != nil {
			return err
		}
		fmt.Printf("%08x  %08x  %s\n", a, w, cpu.Decode(cpu.Inst(w)))
	}
	return nil
}

func (m *monitor) blocks(args []string) error {
	bs := m.core.Blocks()
	for _, b := range bs {
		fmt.Println(b.String())
	}
	fmt.Printf("%d units\n", len(bs))
	return nil
}

func (m *monitor) stats(args []string) error {
	fmt.Print(m.core.Stats().String())
	return nil
}

func (m *monitor) clear(args []string) error {
	m.core.ClearCache()
	return nil
}

func (m *monitor) invalidate(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: inv start end")
	}
	start, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	end, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	return m.core.InvalidateRange(start, end)
}

func (m *monitor) mem(args []string) error {
	addr, err := argAddr(args, 0, m.core.State.PC)
	if err != nil {
		return err
	}
	n, err := argInt(args, 1, 64)
	if err != nil {
		return err
	}
	data, err := m.core.MMU.ReadGuestMemory(addr, uint32(n))
	if err != nil {
		return err
	}
	for i := 0; i < len(data); i += 16 {
		end := min(i+16, len(data))
		fmt.Printf("%08x  % x\n", addr+uint32(i), data[i:end])
	}
	return nil
}

func (m *monitor) poke(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: poke addr value")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	v, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	return m.core.MMU.Write32(addr, v)
}

func (m *monitor) set(args []string) error {
	switch len(args) {
	case 0:
		for _, name := range jit.SettingNames {
			v, _ := m.core.Settings.Get(name)
			fmt.Printf("  %-21s %s\n", name, v)
		}
		return nil
	case 2:
		return m.core.ChangeSetting(args[0], args[1])
	}
	return errors.New("usage: set [name value]")
}

func (m *monitor) save(args []string) error {
	name := time.Now().Format("20060102-150405") + ".gsav"
	if len(args) > 0 {
		name = args[0]
	}
	w, err := m.store.Create(context.Background(), name)
	if err != nil {
		return err
	}
	id, err := m.core.SaveState(w)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	fmt.Printf("saved %s (%s)\n", name, id)
	return nil
}

func (m *monitor) load(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: load name")
	}
	r, err := m.store.Open(context.Background(), args[0])
	if err != nil {
		return err
	}
	defer r.Close()
	id, err := m.core.LoadState(r)
	if err != nil {
		return err
	}
	fmt.Printf("loaded %s (%s), pc %08x\n", args[0], id, m.core.State.PC)
	return nil
}

func (m *monitor) states(args []string) error {
	list, err := m.store.List(context.Background())
	if err != nil {
		return err
	}
	for _, s := range list {
		fmt.Printf("  %-28s %10s  %s\n", s.Name, units.HumanSize(float64(s.Size)), s.Modified.Format(time.DateTime))
	}
	return nil
}

func (m *monitor) remove(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: rm name")
	}
	return m.store.Remove(context.Background(), args[0])
}

func (m *monitor) reload(args []string) error {
	if m.image == nil {
		return errors.New("no image given on the command line")
	}
	if err := m.image.load(m.core); err != nil {
		return err
	}
	m.core.ClearCache()
	return nil
}

func (m *monitor) reset(args []string) error {
	return m.core.Reset()
}

// shutdown halts the core and releases the code region. Safe to call more than once.
func (m *monitor) shutdown() {
	m.closeOnce.Do(func() {
		fmt.Println("Exit procedure...")
		if _, err := m.halt(); err != nil {
			fmt.Println("error:", err)
		}
		if m.watcher != nil {
			m.watcher.Close()
		}
		if err := m.core.Shutdown(); err != nil {
			fmt.Println("error:", err)
		}
		fmt.Println("Exit procedure finished")
	})
}
