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
import "os"
import "fmt"
import "time"
import "strings"
import "github.com/ulikunitz/xz"
import "github.com/fsnotify/fsnotify"
import "github.com/docker/go-units"
import "github.com/launix-de/gekkojit/jit"

// image is a raw guest binary copied to a fixed effective address.
type image struct {
	path string
	addr uint32
	size int
}

func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, ".xz") {
		if r, err = xz.NewReader(f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return io.ReadAll(r)
}

// load copies the image into guest memory through the MMU, so every unit
// translated from the old contents is invalidated.
func (img *image) load(c *jit.Core) error {
	data, err := readImage(img.path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%s is empty", img.path)
	}
	if err := c.MMU.WriteGuestMemory(img.addr, data); err != nil {
		return fmt.Errorf("%s does not fit at %08x: %w", img.path, img.addr, err)
	}
	img.size = len(data)
	fmt.Printf("loaded %s (%s) at %08x\n", img.path, units.HumanSize(float64(len(data))), img.addr)
	return nil
}

// watchImage reloads the image whenever the file changes. The core is
// paused for the reload and the translation cache is cleared.
func (m *monitor) watchImage() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path := m.image.path
	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				// flush all other events
				for {
					time.Sleep(10 * time.Millisecond) // delay a bit, so we don't read empty files
					select {
					case <-watcher.Events:
						// ignore
					default:
						goto reload
					}
				}
			reload:
				m.paused(func() {
					if err := m.image.load(m.core); err != nil {
						fmt.Println("reload:", err)
						return
					}
					m.core.ClearCache()
					if m.core.Settings.Verbose {
						fmt.Println("translation cache cleared after reload")
					}
				})
				watcher.Add(path) // text editors rename, so we have to rewatch
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Println("watch:", err)
			}
		}
	}()
	m.watcher = watcher
	return watcher.Add(path)
}
