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

// Package snapshot keeps save states in a directory or an S3 bucket.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"
)

var ErrNotFound = errors.New("snapshot: not found")

// Info describes one stored save state.
type Info struct {
	Name     string
	Size     int64
	Modified time.Time
}

// Store is where save states live. Writers only publish on Close.
type Store interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	List(ctx context.Context) ([]Info, error)
	Remove(ctx context.Context, name string) error
}

// Open parses a store location:
//
//	/some/dir                      FileStore
//	file:///some/dir               FileStore
//	s3://key:secret@bucket/prefix  S3Store, query: region, endpoint, pathstyle
//
// S3 credentials fall back to the AWS default chain when the URL has none.
func Open(location string) (Store, error) {
	if !strings.Contains(location, "://") {
		return &FileStore{Basepath: location}, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("snapshot location: %w", err)
	}
	switch u.Scheme {
	case "file":
		return &FileStore{Basepath: u.Path}, nil
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("snapshot location %s: missing bucket", location)
		}
		f := &S3Factory{
			Bucket:   u.Host,
			Prefix:   strings.Trim(u.Path, "/"),
			Region:   u.Query().Get("region"),
			Endpoint: u.Query().Get("endpoint"),
		}
		if f.Region == "" {
			f.Region = os.Getenv("AWS_REGION")
		}
		switch u.Query().Get("pathstyle") {
		case "1", "true":
			f.ForcePathStyle = true
		}
		if u.User != nil {
			f.AccessKeyID = u.User.Username()
			f.SecretAccessKey, _ = u.User.Password()
		}
		return NewS3Store(f), nil
	}
	return nil, fmt.Errorf("snapshot location %s: unknown scheme %q", location, u.Scheme)
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("snapshot: invalid name %q", name)
	}
	return nil
}
