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

package apkblock

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sassoftware/apksigner/signers/sigerrors"
)

// IDValue is an algorithm ID paired with an opaque value, the shape shared by
// digests, signatures and additional attributes
type IDValue struct {
	ID    uint32
	Value []byte
}

// AppendUint32 appends v in little-endian order
func AppendUint32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

// AppendLengthPrefixed appends a u32 length followed by data
func AppendLengthPrefixed(buf, data []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

// EncodeSequence concatenates each item with its own length prefix. The
// sequence itself is not prefixed.
func EncodeSequence(items [][]byte) []byte {
	size := 0
	for _, item := range items {
		size += 4 + len(item)
	}
	buf := make([]byte, 0, size)
	for _, item := range items {
		buf = AppendLengthPrefixed(buf, item)
	}
	return buf
}

// EncodeIDValuePairs encodes each pair as lp(u32 id || lp(value))
func EncodeIDValuePairs(pairs []IDValue) []byte {
	items := make([][]byte, len(pairs))
	for i, p := range pairs {
		item := make([]byte, 0, 8+len(p.Value))
		item = AppendUint32(item, p.ID)
		items[i] = AppendLengthPrefixed(item, p.Value)
	}
	return EncodeSequence(items)
}

// Reader consumes little-endian fields from a buffer, checking every length
// against the remaining data before slicing
type Reader struct {
	field string
	buf   []byte
	pos   int
	base  int64
	// index of the element being read, 0 if not part of a list
	index int
}

// NewReader returns a reader over buf. field names the structure in errors.
func NewReader(field string, buf []byte) *Reader {
	return &Reader{field: field, buf: buf}
}

func (r *Reader) fail(msg string, args ...interface{}) error {
	return sigerrors.FormatError{Field: r.field, Index: r.index, Offset: r.base + int64(r.pos), Msg: fmt.Sprintf(msg, args...)}
}

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, r.fail("truncated: need 4 bytes, have %d", r.Remaining())
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// LengthPrefixed reads a u32 length and returns that many bytes. The result
// aliases the underlying buffer.
func (r *Reader) LengthPrefixed() ([]byte, error) {
	start := r.pos
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Remaining()) {
		r.pos = start
		return nil, r.fail("length-prefixed field of %d bytes exceeds remaining %d", n, r.Remaining()-4)
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

// Sub reads a length-prefixed field and returns a reader over it
func (r *Reader) Sub(field string) (*Reader, error) {
	base := r.base + int64(r.pos) + 4
	v, err := r.LengthPrefixed()
	if err != nil {
		return nil, err
	}
	return &Reader{field: field, buf: v, base: base}, nil
}

// Sequence reads every remaining length-prefixed element
func (r *Reader) Sequence() ([][]byte, error) {
	var items [][]byte
	for r.Remaining() > 0 {
		item, err := r.LengthPrefixed()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// IDValuePairs reads every remaining lp(u32 id || lp(value)) element
func (r *Reader) IDValuePairs() ([]IDValue, error) {
	var pairs []IDValue
	for index := 1; r.Remaining() > 0; index++ {
		item, err := r.Sub(r.field)
		if err != nil {
			return nil, atIndex(err, index)
		}
		item.index = index
		id, err := item.Uint32()
		if err != nil {
			return nil, err
		}
		value, err := item.LengthPrefixed()
		if err != nil {
			return nil, err
		}
		if err := item.Done(); err != nil {
			return nil, err
		}
		pairs = append(pairs, IDValue{ID: id, Value: value})
	}
	return pairs, nil
}

func atIndex(err error, index int) error {
	var ferr sigerrors.FormatError
	if errors.As(err, &ferr) {
		ferr.Index = index
		return ferr
	}
	return err
}

// Done returns an error if any data remains unread
func (r *Reader) Done() error {
	if r.Remaining() != 0 {
		return r.fail("%d bytes of trailing data", r.Remaining())
	}
	return nil
}
