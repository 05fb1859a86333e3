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

package zipslicer

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"unicode/utf8"
)

// DOS date of 1980-01-01, used for entries created by Writer
const dosEpochDate = 1<<5 | 1

// Writer assembles a ZIP archive from verbatim copies of existing entries and
// newly created ones. The central directory is produced separately by
// Directory so the caller can place other data in front of it.
type Writer struct {
	w      io.Writer
	offset int64
	dir    bytes.Buffer
	count  int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Offset is the number of bytes written so far
func (w *Writer) Offset() int64 {
	return w.offset
}

func (w *Writer) write(d []byte) error {
	n, err := w.w.Write(d)
	w.offset += int64(n)
	return err
}

// CopyFile appends the local file record of f unchanged
func (w *Writer) CopyFile(f *File) error {
	hdr, err := f.DirectoryHeader(w.offset)
	if err != nil {
		return err
	}
	raw, err := f.OpenRaw()
	if err != nil {
		return err
	}
	n, err := io.Copy(w.w, raw)
	w.offset += n
	if err != nil {
		return err
	}
	w.dir.Write(hdr)
	w.count++
	return nil
}

// Create appends a new entry with the given contents, compressed with method
func (w *Writer) Create(name string, contents []byte, method uint16) error {
	if w.offset >= uint32Max || len(contents) >= uint32Max {
		return ErrZip64
	}
	if len(name) > uint16Max {
		return errors.New("zip entry name too long")
	}
	data := contents
	switch method {
	case MethodStore:
	case MethodDeflate:
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return err
		}
		if _, err := fw.Write(contents); err != nil {
			return err
		}
		if err := fw.Close(); err != nil {
			return err
		}
		data = buf.Bytes()
	default:
		return errors.New("unsupported compression method")
	}
	var flags uint16
	if !isASCII(name) && utf8.ValidString(name) {
		flags |= flagUTF8
	}
	sum := crc32.ChecksumIEEE(contents)
	local := zipLocalHeader{
		Signature:        fileHeaderSignature,
		ReaderVersion:    zip20,
		Flags:            flags,
		Method:           method,
		ModifiedDate:     dosEpochDate,
		CRC32:            sum,
		CompressedSize:   uint32(len(data)),
		UncompressedSize: uint32(len(contents)),
		FilenameLen:      uint16(len(name)),
	}
	central := zipCentralDir{
		Signature:        directoryHeaderSignature,
		CreatorVersion:   zip20,
		ReaderVersion:    zip20,
		Flags:            flags,
		Method:           method,
		ModifiedDate:     dosEpochDate,
		CRC32:            sum,
		CompressedSize:   uint32(len(data)),
		UncompressedSize: uint32(len(contents)),
		FilenameLen:      uint16(len(name)),
		Offset:           uint32(w.offset),
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, local)
	buf.WriteString(name)
	buf.Write(data)
	if err := w.write(buf.Bytes()); err != nil {
		return err
	}
	_ = binary.Write(&w.dir, binary.LittleEndian, central)
	w.dir.WriteString(name)
	w.count++
	return nil
}

// Directory returns the central directory and end record for the entries
// written so far. The end record points at the current offset and carries
// comment.
func (w *Writer) Directory(comment []byte) (centralDir, eocd []byte, err error) {
	if w.count >= uint16Max || w.offset >= uint32Max || int64(w.dir.Len()) >= uint32Max {
		return nil, nil, ErrZip64
	}
	if len(comment) > uint16Max {
		return nil, nil, errors.New("zip comment too long")
	}
	end := zipEndRecord{
		Signature:    directoryEndSignature,
		DiskCDCount:  uint16(w.count),
		TotalCDCount: uint16(w.count),
		CDSize:       uint32(w.dir.Len()),
		CDOffset:     uint32(w.offset),
		CommentLen:   uint16(len(comment)),
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, end)
	buf.Write(comment)
	return bytes.Clone(w.dir.Bytes()), buf.Bytes(), nil
}

// Comment returns the archive comment held in an end record
func Comment(eocd []byte) []byte {
	if len(eocd) < directoryEndLen {
		return nil
	}
	return eocd[directoryEndLen:]
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
