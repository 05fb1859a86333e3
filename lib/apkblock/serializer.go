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
	"reflect"

	"github.com/sassoftware/apksigner/signers/sigerrors"
)

// implement the uint32-prefixed structures found inside scheme blocks
// https://source.android.com/security/apksigning/v2#apk-signature-scheme-v2-block-format
//
// uint32 fields are written bare. []byte, slices and structs are written with
// a uint32 length prefix. Raw is copied verbatim, prefix included.

var errTrailingData = errors.New("trailing data after structure")

// Raw is a marshalled item including its length prefix
type Raw []byte

// Bytes returns the inner content of the raw item, without the length prefix
func (r Raw) Bytes() []byte {
	if len(r) < 4 {
		return nil
	}
	return []byte(r[4:])
}

var (
	bytesType  = reflect.TypeOf([]byte(nil))
	rawType    = reflect.TypeOf(Raw(nil))
	uint32Type = reflect.TypeOf(uint32(0))
)

// Unmarshal parses a length-prefixed blob into dest, which must be a pointer
// to a struct, slice, []byte or Raw
func Unmarshal(blob []byte, dest interface{}) error {
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return errors.New("target of unmarshal must be a non-nil pointer")
	}
	v = v.Elem()
	total := len(blob)
	blob, err := unmarshalR(blob, v, total)
	if err != nil {
		return err
	} else if len(blob) != 0 {
		return formatErr(v, total, len(blob), errTrailingData.Error())
	}
	return nil
}

func formatErr(v reflect.Value, total, remaining int, msg string) error {
	return sigerrors.FormatError{Field: v.Type().String(), Offset: int64(total - remaining), Msg: msg}
}

func unmarshalR(blob []byte, v reflect.Value, total int) ([]byte, error) {
	// scalar types (no prefix)
	if v.Type() == uint32Type {
		if len(blob) < 4 {
			return nil, formatErr(v, total, len(blob), "truncated uint32")
		}
		v.SetUint(uint64(binary.LittleEndian.Uint32(blob)))
		return blob[4:], nil
	}
	// read uint32 length prefix
	if len(blob) < 4 {
		return nil, formatErr(v, total, len(blob), "truncated length prefix")
	}
	size := int64(binary.LittleEndian.Uint32(blob))
	if size > int64(len(blob)-4) {
		return nil, formatErr(v, total, len(blob), fmt.Sprintf("length %d exceeds remaining %d", size, len(blob)-4))
	}
	remainder := blob[4+size:]
	raw := blob[:4+size]
	blob = raw[4:]
	switch {
	case v.Type() == bytesType:
		v.SetBytes(blob)
	case v.Type() == rawType:
		// same as above but keep the prefix
		v.SetBytes(raw)
	case v.Kind() == reflect.Slice:
		itemType := v.Type().Elem()
		v.SetLen(0)
		for len(blob) > 0 {
			var err error
			// append a zero value and unmarshal directly into the slice
			n := v.Len()
			v.Set(reflect.Append(v, reflect.Zero(itemType)))
			blob, err = unmarshalR(blob, v.Index(n), total)
			if err != nil {
				return nil, err
			}
		}
	case v.Kind() == reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			var err error
			blob, err = unmarshalR(blob, v.Field(i), total)
			if err != nil {
				return nil, err
			}
		}
		if len(blob) > 0 {
			return nil, formatErr(v, total, len(blob)+len(remainder), errTrailingData.Error())
		}
	default:
		panic("can't unmarshal type " + v.Type().String())
	}
	return remainder, nil
}

// Marshal serializes src. Structs, slices and []byte get a length prefix.
func Marshal(src interface{}) (Raw, error) {
	v := reflect.ValueOf(src)
	m := new(marshaller)
	if err := m.marshal(v); err != nil {
		return nil, err
	}
	return Raw(m.buf), nil
}

type marshaller struct {
	buf []byte
	pos int
}

func (m *marshaller) grow(n int) []byte {
	if cap(m.buf)-m.pos < n {
		buf := make([]byte, m.pos, 2*cap(m.buf)+n)
		copy(buf, m.buf)
		m.buf = buf
	}
	m.buf = m.buf[:m.pos+n]
	ret := m.buf[m.pos : m.pos+n]
	m.pos += n
	return ret
}

func (m *marshaller) write(d []byte) {
	copy(m.grow(len(d)), d)
}

func (m *marshaller) marshal(v reflect.Value) error {
	if v.Type() == rawType {
		m.write(v.Bytes())
		return nil
	}
	if v.Type() == uint32Type {
		binary.LittleEndian.PutUint32(m.grow(4), uint32(v.Uint()))
		return nil
	}
	// prefixed types
	start := m.pos
	m.grow(4)
	switch {
	case v.Type() == bytesType:
		m.write(v.Bytes())
	case v.Kind() == reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			if err := m.marshal(v.Index(i)); err != nil {
				return err
			}
		}
	case v.Kind() == reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := m.marshal(v.Field(i)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("can't marshal type %s", v.Type())
	}
	binary.LittleEndian.PutUint32(m.buf[start:], uint32(m.pos-start-4))
	return nil
}
