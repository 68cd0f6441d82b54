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
	"strconv"

	"github.com/docker/go-units"
)

const (
	BackendNative   = "native"
	BackendThreaded = "threaded"
)

type SettingsT struct {
	Backend              string
	EmulateDCache        bool
	EmulateICache        bool
	CodeRegionSize       int64 // bytes, including the constant pool
	ConstPoolSize        int64
	MaxBlockInstructions int
	SliceCycles          int32
	Linking              bool
	Verbose              bool
	Trace                bool
}

var DefaultSettings = SettingsT{
	Backend:              defaultBackend(),
	CodeRegionSize:       32 << 20,
	ConstPoolSize:        64 << 10,
	MaxBlockInstructions: 64,
	SliceCycles:          20000,
	Linking:              true,
}

func defaultBackend() string {
	if nativeExecSupported {
		return BackendNative
	}
	return BackendThreaded
}

// SettingNames lists the names understood by Change, in display order.
var SettingNames = []string{
	"Backend", "EmulateDCache", "EmulateICache", "CodeRegionSize", "ConstPoolSize",
	"MaxBlockInstructions", "SliceCycles", "Linking", "Verbose", "Trace",
}

// Get returns the printable value of a setting.
func (s *SettingsT) Get(name string) (string, error) {
	switch name {
	case "Backend":
		return s.Backend, nil
	case "EmulateDCache":
		return strconv.FormatBool(s.EmulateDCache), nil
	case "EmulateICache":
		return strconv.FormatBool(s.EmulateICache), nil
	case "CodeRegionSize":
		return units.BytesSize(float64(s.CodeRegionSize)), nil
	case "ConstPoolSize":
		return units.BytesSize(float64(s.ConstPoolSize)), nil
	case "MaxBlockInstructions":
		return strconv.Itoa(s.MaxBlockInstructions), nil
	case "SliceCycles":
		return strconv.Itoa(int(s.SliceCycles)), nil
	case "Linking":
		return strconv.FormatBool(s.Linking), nil
	case "Verbose":
		return strconv.FormatBool(s.Verbose), nil
	case "Trace":
		return strconv.FormatBool(s.Trace), nil
	}
	return "", fmt.Errorf("unknown setting: %s", name)
}

// Change parses value and assigns it to the named setting. Sizes accept
// human readable values like "32MiB".
func (s *SettingsT) Change(name, value string) (err error) {
	switch name {
	case "Backend":
		if value != BackendNative && value != BackendThreaded {
			return fmt.Errorf("unknown backend %q", value)
		}
		if value == BackendNative && !nativeExecSupported {
			return fmt.Errorf("native backend is not available on this platform")
		}
		s.Backend = value
	case "EmulateDCache":
		s.EmulateDCache, err = strconv.ParseBool(value)
	case "EmulateICache":
		s.EmulateICache, err = strconv.ParseBool(value)
	case "CodeRegionSize":
		s.CodeRegionSize, err = units.RAMInBytes(value)
	case "ConstPoolSize":
		s.ConstPoolSize, err = units.RAMInBytes(value)
	case "MaxBlockInstructions":
		s.MaxBlockInstructions, err = strconv.Atoi(value)
		if err == nil && s.MaxBlockInstructions < 1 {
			s.MaxBlockInstructions = 1
		}
	case "SliceCycles":
		var v int64
		v, err = strconv.ParseInt(value, 10, 32)
		s.SliceCycles = int32(v)
	case "Linking":
		s.Linking, err = strconv.ParseBool(value)
	case "Verbose":
		s.Verbose, err = strconv.ParseBool(value)
	case "Trace":
		s.Trace, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown setting: %s", name)
	}
	if err != nil {
		return fmt.Errorf("setting %s: %w", name, err)
	}
	return nil
}

func (s *SettingsT) validate() error {
	if s.ConstPoolSize < 0 || s.CodeRegionSize <= s.ConstPoolSize {
		return fmt.Errorf("code region (%s) must be larger than the constant pool (%s)",
			units.BytesSize(float64(s.CodeRegionSize)), units.BytesSize(float64(s.ConstPoolSize)))
	}
	if s.CodeRegionSize >= 1<<31 {
		return fmt.Errorf("code region must stay below 2GiB so rel32 branches reach every block")
	}
	if s.SliceCycles <= 0 {
		return fmt.Errorf("SliceCycles must be positive")
	}
	if s.MaxBlockInstructions < 1 {
		s.MaxBlockInstructions = 1
	}
	return nil
}
