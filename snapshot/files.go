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
package snapshot

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps one file per save state. An overwritten state is kept
// as name.old until the next save succeeds.
type FileStore struct {
	Basepath string
}

func (s *FileStore) path(name string) string { return filepath.Join(s.Basepath, name) }

func (s *FileStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		// try the backup of an interrupted save
		f, err = os.Open(s.path(name) + ".old")
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

type fileWriter struct {
	*os.File
	final string
}

// Close publishes the file under its final name.
func (w *fileWriter) Close() error {
	if err := w.File.Close(); err != nil {
		os.Remove(w.Name())
		return err
	}
	if _, err := os.Stat(w.final); err == nil {
		// rescue a copy in case the rename fails halfway
		os.Rename(w.final, w.final+".old")
	}
	if err := os.Rename(w.Name(), w.final); err != nil {
		return err
	}
	os.Remove(w.final + ".old")
	return nil
}

func (s *FileStore) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.Basepath, 0750); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.Basepath, name+".tmp*")
	if err != nil {
		return nil, err
	}
	return &fileWriter{f, s.path(name)}, nil
}

func (s *FileStore) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.Basepath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasSuffix(n, ".old") || strings.Contains(n, ".tmp") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue // removed meanwhile
		}
		out = append(out, Info{Name: n, Size: fi.Size(), Modified: fi.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FileStore) Remove(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	err := os.Remove(s.path(name))
	os.Remove(s.path(name) + ".old")
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
