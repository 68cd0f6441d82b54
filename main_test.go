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

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/launix-de/gekkojit/cpu"
	"github.com/launix-de/gekkojit/jit"
	"github.com/launix-de/gekkojit/memory"
	"github.com/launix-de/gekkojit/snapshot"
	"github.com/ulikunitz/xz"
)

func TestParseAddr(t *testing.T) {
	for in, want := range map[string]uint32{"80003100": 0x80003100, "0x1f": 0x1f, "0XFFFFFFFF": 0xFFFFFFFF} {
		if got, err := parseAddr(in); err != nil || got != want {
			t.Errorf("parseAddr(%q) = %x, %v", in, got, err)
		}
	}
	for _, bad := range []string{"", "0x", "xyz", "100000000"} {
		if _, err := parseAddr(bad); err == nil {
			t.Errorf("parseAddr(%q) accepted", bad)
		}
	}
}

func program(words ...uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(b[4*i:], w)
	}
	return b
}

func newTestMonitor(t *testing.T) *monitor {
	t.Helper()
	settings := jit.DefaultSettings
	settings.Backend = jit.BackendThreaded
	settings.CodeRegionSize = 1 << 20
	settings.ConstPoolSize = 4 << 10
	c, err := jit.NewCore(memory.NewBus(memory.Config{Mem1Size: 4 << 20}), settings)
	if err != nil {
		t.Fatal(err)
	}
	m := newMonitor(c, &snapshot.FileStore{Basepath: t.TempDir()})
	t.Cleanup(m.shutdown)
	return m
}

func TestLoadCompressedImage(t *testing.T) {
	code := program(cpu.Li(3, 5), cpu.B(0))
	path := filepath.Join(t.TempDir(), "boot.bin.xz")
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	w.Write(code)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0640); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(t)
	m.image = &image{path: path, addr: 0x80003100}
	if err := m.image.load(m.core); err != nil {
		t.Fatal(err)
	}
	if m.image.size != len(code) {
		t.Errorf("loaded %d bytes", m.image.size)
	}
	m.core.State.PC = 0x80003100
	if err := m.core.RunFor(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	if m.core.State.GPR[3] != 5 {
		t.Errorf("r3=%d", m.core.State.GPR[3])
	}
}

func TestReloadDropsStaleCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.bin")
	os.WriteFile(path, program(cpu.Li(3, 1), cpu.B(0)), 0640)
	m := newTestMonitor(t)
	m.image = &image{path: path, addr: 0x80003100}
	m.exec("reload")
	m.exec("pc 80003100")
	m.exec("run 100")
	if m.core.State.GPR[3] != 1 {
		t.Fatalf("r3=%d", m.core.State.GPR[3])
	}
	os.WriteFile(path, program(cpu.Li(3, 2), cpu.B(0)), 0640)
	m.exec("reload")
	m.exec("pc 80003100")
	m.exec("run 100")
	if m.core.State.GPR[3] != 2 {
		t.Errorf("r3=%d after reload", m.core.State.GPR[3])
	}
}

func TestMonitorSaveAndLoad(t *testing.T) {
	m := newTestMonitor(t)
	m.core.State.GPR[7] = 1234
	m.exec("save first.gsav")
	m.core.State.GPR[7] = 0
	m.exec("load first.gsav")
	if m.core.State.GPR[7] != 1234 {
		t.Errorf("r7=%d after load", m.core.State.GPR[7])
	}
	list, err := m.store.List(context.Background())
	if err != nil || len(list) != 1 || list[0].Name != "first.gsav" {
		t.Errorf("states %+v, %v", list, err)
	}
	m.exec("rm first.gsav")
	if list, _ := m.store.List(context.Background()); len(list) != 0 {
		t.Errorf("state not removed: %+v", list)
	}
}

func TestMonitorBackgroundRun(t *testing.T) {
	m := newTestMonitor(t)
	m.core.MMU.WriteGuestMemory(0x80003100, program(cpu.Addi(3, 3, 1), cpu.B(-4)))
	m.core.State.PC = 0x80003100
	m.exec("run")
	if !m.running() {
		t.Fatal("core not started")
	}
	m.exec("clear") // refused while running
	was, err := m.halt()
	if !was || err != nil {
		t.Fatalf("halt: %v, %v", was, err)
	}
	if m.running() || m.core.Running() {
		t.Error("core still running")
	}
}

func TestMonitorSettings(t *testing.T) {
	m := newTestMonitor(t)
	m.exec("set MaxBlockInstructions 4")
	if m.core.Settings.MaxBlockInstructions != 4 {
		t.Errorf("max=%d", m.core.Settings.MaxBlockInstructions)
	}
	m.exec("set Backend native") // rejected on a live core
	if m.core.Settings.Backend != jit.BackendThreaded {
		t.Errorf("backend %s", m.core.Settings.Backend)
	}
}
