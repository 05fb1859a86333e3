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

package apkdigest

import (
	"bytes"
	"io"
)

// DataSource is a sized, random-access byte range. Implementations must
// tolerate concurrent ReadAt calls on disjoint ranges. *bytes.Reader,
// *io.SectionReader and *os.File (via Slice) all qualify.
type DataSource interface {
	io.ReaderAt
	Size() int64
}

// Sections are the three integrity-protected parts of an APK, in file order
type Sections struct {
	BeforeCentralDir DataSource
	CentralDir       DataSource
	EOCD             DataSource
}

// FromBytes wraps an in-memory buffer
func FromBytes(b []byte) DataSource {
	return bytes.NewReader(b)
}

// Slice returns a view of n bytes of src starting at off
func Slice(src io.ReaderAt, off, n int64) DataSource {
	return io.NewSectionReader(src, off, n)
}

// ReadAll copies the whole of src into memory
func ReadAll(src DataSource) ([]byte, error) {
	buf := make([]byte, src.Size())
	if _, err := readFull(src, buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// readFull fills buf from off. A short read at end of data is an error.
func readFull(src io.ReaderAt, buf []byte, off int64) (int, error) {
	n, err := src.ReadAt(buf, off)
	if n == len(buf) {
		return n, nil
	} else if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

type chained struct {
	srcs []DataSource
	size int64
}

// Chain concatenates sources into one
func Chain(srcs ...DataSource) DataSource {
	c := &chained{srcs: srcs}
	for _, src := range srcs {
		c.size += src.Size()
	}
	return c
}

func (c *chained) Size() int64 { return c.size }

func (c *chained) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	var total int
	for _, src := range c.srcs {
		size := src.Size()
		if off >= size {
			off -= size
			continue
		}
		if len(p) == 0 {
			break
		}
		want := p
		if int64(len(want)) > size-off {
			want = want[:size-off]
		}
		n, err := readFull(src, want, off)
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
		off = 0
	}
	if len(p) != 0 {
		return total, io.EOF
	}
	return total, nil
}

type zeros int64

// Zeros is a source of n zero bytes
func Zeros(n int64) DataSource {
	return zeros(n)
}

func (z zeros) Size() int64 { return int64(z) }

func (z zeros) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(z) {
		return 0, io.EOF
	}
	n := len(p)
	var err error
	if int64(n) > int64(z)-off {
		n = int(int64(z) - off)
		err = io.EOF
	}
	clear(p[:n])
	return n, err
}
