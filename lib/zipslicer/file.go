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
	"fmt"
	"hash/crc32"
	"io"
)

type File struct {
	Name             string
	Flags            uint16
	Method           uint16
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
	// Offset of the local file header
	Offset uint64

	raw       []byte
	r         io.ReaderAt
	totalSize int64
	dataStart int64
}

func (f *File) readLocalHeader() error {
	if f.totalSize != 0 {
		return nil
	}
	var buf [fileHeaderLen]byte
	if _, err := f.r.ReadAt(buf[:], int64(f.Offset)); err != nil {
		return fmt.Errorf("%s: reading local file header: %w", f.Name, err)
	}
	var hdr zipLocalHeader
	_ = binary.Read(bytes.NewReader(buf[:]), binary.LittleEndian, &hdr)
	if hdr.Signature != fileHeaderSignature {
		return fmt.Errorf("%s: local file header not found at 0x%x", f.Name, f.Offset)
	}
	dataStart := int64(fileHeaderLen) + int64(hdr.FilenameLen) + int64(hdr.ExtraLen)
	total := dataStart + int64(f.CompressedSize)
	if f.Flags&flagDataDescriptor != 0 {
		// the descriptor signature is optional
		var sig [4]byte
		if _, err := f.r.ReadAt(sig[:], int64(f.Offset)+total); err != nil {
			return fmt.Errorf("%s: reading data descriptor: %w", f.Name, err)
		}
		if binary.LittleEndian.Uint32(sig[:]) == dataDescriptorSignature {
			total += 4
		}
		total += dataDescriptorLen
	}
	f.dataStart = int64(f.Offset) + dataStart
	f.totalSize = total
	return nil
}

// GetTotalSize returns the length of the local file record, including its
// header, compressed data and data descriptor
func (f *File) GetTotalSize() (int64, error) {
	if err := f.readLocalHeader(); err != nil {
		return 0, err
	}
	return f.totalSize, nil
}

// OpenRaw returns the whole local file record as it appears in the archive
func (f *File) OpenRaw() (*io.SectionReader, error) {
	size, err := f.GetTotalSize()
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(f.r, int64(f.Offset), size), nil
}

// Open returns the uncompressed contents of the entry. The CRC is checked
// when the stream reaches EOF.
func (f *File) Open() (io.ReadCloser, error) {
	if err := f.readLocalHeader(); err != nil {
		return nil, err
	}
	compressed := io.NewSectionReader(f.r, f.dataStart, int64(f.CompressedSize))
	var rc io.ReadCloser
	switch f.Method {
	case MethodStore:
		rc = io.NopCloser(compressed)
	case MethodDeflate:
		rc = flate.NewReader(compressed)
	default:
		return nil, fmt.Errorf("%s: unsupported compression method %d", f.Name, f.Method)
	}
	return &checksumReader{
		rc:   rc,
		hash: crc32.NewIEEE(),
		f:    f,
	}, nil
}

// DirectoryHeader returns the entry's central directory record pointing at a
// new local header offset
func (f *File) DirectoryHeader(offset int64) ([]byte, error) {
	if offset < 0 || offset >= uint32Max {
		return nil, ErrZip64
	}
	raw := bytes.Clone(f.raw)
	binary.LittleEndian.PutUint32(raw[42:], uint32(offset))
	return raw, nil
}

type checksumReader struct {
	rc   io.ReadCloser
	hash interface {
		io.Writer
		Sum32() uint32
	}
	f      *File
	nread  uint64
	failed error
}

func (r *checksumReader) Read(b []byte) (int, error) {
	if r.failed != nil {
		return 0, r.failed
	}
	n, err := r.rc.Read(b)
	_, _ = r.hash.Write(b[:n])
	r.nread += uint64(n)
	if err == io.EOF {
		if r.nread != r.f.UncompressedSize {
			r.failed = fmt.Errorf("%s: %w", r.f.Name, io.ErrUnexpectedEOF)
		} else if r.hash.Sum32() != r.f.CRC32 {
			r.failed = fmt.Errorf("%s: %w", r.f.Name, ErrChecksum)
		}
		if r.failed != nil {
			return n, r.failed
		}
	}
	return n, err
}

func (r *checksumReader) Close() error {
	return r.rc.Close()
}

var ErrChecksum = errors.New("zip: checksum error")
