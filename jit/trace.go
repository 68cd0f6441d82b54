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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dc0d/onexit"
	"github.com/jtolds/gls"
	"github.com/launix-de/gekkojit/cpu"
)

// Tracefile collects translator activity as a chrome://tracing event array:
// one duration event per compile, drain and clear, and an instant event per
// delivered exception. Each core gets its own track.
type Tracefile struct {
	mu    sync.Mutex
	w     io.WriteCloser
	enc   *json.Encoder
	first bool
	start time.Time
}

var Trace *Tracefile // nil while tracing is off
var traceMu sync.Mutex
var traceExitOnce sync.Once

// per goroutine core id, used as the track
var coreContext = gls.NewContextManager()

const coreKey = "core"

// SetTrace opens a new trace file in $GEKKOJIT_TRACEDIR or closes the current one.
func SetTrace(on bool) {
	traceMu.Lock()
	defer traceMu.Unlock()
	if Trace != nil {
		Trace.Close()
		Trace = nil
	}
	if !on {
		return
	}
	f, err := os.Create(fmt.Sprintf("%strace_%d.json", os.Getenv("GEKKOJIT_TRACEDIR"), time.Now().Unix()))
	if err != nil {
		panic(err)
	}
	Trace = NewTrace(f)
	traceExitOnce.Do(func() {
		onexit.Register(func() { SetTrace(false) })
	})
}

func NewTrace(w io.WriteCloser) *Tracefile {
	io.WriteString(w, "[")
	return &Tracefile{w: w, enc: json.NewEncoder(w), first: true, start: time.Now()}
}

func (t *Tracefile) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	io.WriteString(t.w, "]\n")
	t.w.Close()
}

// traceArgs end up in the args pane of the viewer.
type traceArgs map[string]any

type traceEvent struct {
	Name  string    `json:"name"`
	Cat   string    `json:"cat"`
	Phase string    `json:"ph"`
	Ts    int64     `json:"ts"` // microseconds since the trace was opened
	Dur   int64     `json:"dur,omitempty"`
	Pid   int       `json:"pid"`
	Tid   int       `json:"tid"` // core id
	Scope string    `json:"s,omitempty"`
	Args  traceArgs `json:"args,omitempty"`
}

func (t *Tracefile) emit(ev traceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.first {
		io.WriteString(t.w, ",")
	}
	t.first = false
	t.enc.Encode(ev) // Encode terminates every event with a newline
}

func (t *Tracefile) since(at time.Time) int64 { return at.Sub(t.start).Microseconds() }

// traceSpan is an open duration event. The zero traceSpan belongs to a disabled trace.
type traceSpan struct {
	t     *Tracefile
	name  string
	tid   int
	begin time.Time
}

func beginSpan(name string) traceSpan {
	t := Trace
	if t == nil {
		return traceSpan{}
	}
	return traceSpan{t, name, currentCore(), time.Now()}
}

// end writes the traceSpan as one complete event carrying args.
func (s traceSpan) end(args traceArgs) {
	if s.t == nil {
		return
	}
	s.t.emit(traceEvent{
		Name: s.name, Cat: "jit", Phase: "X",
		Ts: s.t.since(s.begin), Dur: max(time.Since(s.begin).Microseconds(), 1),
		Tid: s.tid, Args: args,
	})
}

// traceInstant marks a point event on the current core's track.
func traceInstant(name string, args traceArgs) {
	if t := Trace; t != nil {
		t.emit(traceEvent{Name: name, Cat: "cpu", Phase: "i", Ts: t.since(time.Now()), Tid: currentCore(), Scope: "t", Args: args})
	}
}

func compileArgs(pc uint32, flags cpu.FeatureFlags, blk *Block, err error) traceArgs {
	args := traceArgs{"pc": fmt.Sprintf("%08x", pc), "flags": flags.String()}
	if err != nil {
		args["error"] = err.Error()
		return args
	}
	args["instructions"] = blk.Instructions
	args["bytes"] = blk.Code.Size()
	args["exits"] = len(blk.Exits)
	return args
}

// currentCore returns the id of the core running on this goroutine, 0 outside of Run.
func currentCore() int {
	if v, ok := coreContext.GetValue(coreKey); ok {
		return v.(int)
	}
	return 0
}
