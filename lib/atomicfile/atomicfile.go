//
// Copyright (c) SAS Institute Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package atomicfile writes a file next to its destination and renames it
// into place only once it is complete.
package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
)

var ErrClosed = errors.New("file is closed")

// File is the temporary file. Reads are allowed so that already written data
// can be digested before the rest is appended.
type File struct {
	*os.File
	name string
}

func New(name string) (*File, error) {
	tempfile, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".tmp")
	if err != nil {
		return nil, err
	}
	return &File{File: tempfile, name: name}, nil
}

// Close discards the temporary file unless it was committed
func (f *File) Close() error {
	if f.File == nil {
		return nil
	}
	f.File.Close()
	err := os.Remove(f.File.Name())
	f.File = nil
	return err
}

// Commit replaces the destination with the temporary file
func (f *File) Commit() error {
	if f.File == nil {
		return ErrClosed
	}
	if err := f.File.Chmod(0644); err != nil {
		return err
	}
	if err := f.File.Close(); err != nil {
		return err
	}
	// rename can't overwrite on windows
	if err := os.Remove(f.name); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(f.File.Name(), f.name); err != nil {
		return err
	}
	f.File = nil
	return nil
}
