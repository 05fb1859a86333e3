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

// Package zipslicer reads the layout of a ZIP archive without decompressing
// it, so that entries can be copied verbatim into a new archive and extra
// data can be spliced in before the central directory.
package zipslicer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrZip64 = errors.New("ZIP64 archives are not supported")

type Directory struct {
	File []*File
	Size int64
	// DirLoc is the offset of the central directory
	DirLoc int64
	// DirSize is the length of the central directory
	DirSize int64
	// EOCD is the end of central directory record including its comment
	EOCD []byte

	r io.ReaderAt
}

// findEnd locates the end of central directory record, which is followed
// only by its own comment
func findEnd(r io.ReaderAt, size int64) (int64, []byte, error) {
	if size < directoryEndLen {
		return 0, nil, errors.New("zip central directory not found")
	}
	n := int64(maxEndSearch)
	if n > size {
		n = size
	}
	tail := make([]byte, n)
	if _, err := r.ReadAt(tail, size-n); err != nil && err != io.EOF {
		return 0, nil, err
	}
	for i := len(tail) - directoryEndLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) != directoryEndSignature {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(tail[i+20:]))
		if i+directoryEndLen+commentLen != len(tail) {
			continue
		}
		return size - n + int64(i), bytes.Clone(tail[i:]), nil
	}
	return 0, nil, errors.New("zip central directory not found")
}

// Read parses the central directory of a ZIP archive
func Read(r io.ReaderAt, size int64) (*Directory, error) {
	endOffset, eocd, err := findEnd(r, size)
	if err != nil {
		return nil, err
	}
	var end zipEndRecord
	_ = binary.Read(bytes.NewReader(eocd), binary.LittleEndian, &end)
	if end.TotalCDCount == uint16Max || end.CDSize == uint32Max || end.CDOffset == uint32Max {
		return nil, ErrZip64
	}
	if endOffset >= directory64LocLen {
		var sig [4]byte
		if _, err := r.ReadAt(sig[:], endOffset-directory64LocLen); err == nil && binary.LittleEndian.Uint32(sig[:]) == directory64LocSignature {
			return nil, ErrZip64
		}
	}
	if end.DiskNumber != 0 || end.DiskCD != 0 || end.DiskCDCount != end.TotalCDCount {
		return nil, errors.New("multi-disk ZIP archives are not supported")
	}
	dirLoc := int64(end.CDOffset)
	dirSize := int64(end.CDSize)
	if dirLoc+dirSize != endOffset {
		return nil, fmt.Errorf("zip central directory at 0x%x+0x%x does not end at the end record at 0x%x", dirLoc, dirSize, endOffset)
	}
	cd := make([]byte, dirSize)
	if _, err := r.ReadAt(cd, dirLoc); err != nil {
		return nil, err
	}
	files, err := parseDirectory(r, cd)
	if err != nil {
		return nil, err
	}
	if len(files) != int(end.TotalCDCount) {
		return nil, fmt.Errorf("zip central directory has %d entries but end record claims %d", len(files), end.TotalCDCount)
	}
	return &Directory{
		File:    files,
		Size:    size,
		DirLoc:  dirLoc,
		DirSize: dirSize,
		EOCD:    eocd,
		r:       r,
	}, nil
}

func parseDirectory(r io.ReaderAt, cd []byte) ([]*File, error) {
	var files []*File
	for len(cd) > 0 {
		if len(cd) < directoryHeaderLen || binary.LittleEndian.Uint32(cd) != directoryHeaderSignature {
			return nil, fmt.Errorf("zip central directory entry #%d is malformed", len(files)+1)
		}
		var hdr zipCentralDir
		_ = binary.Read(bytes.NewReader(cd), binary.LittleEndian, &hdr)
		total := directoryHeaderLen + int(hdr.FilenameLen) + int(hdr.ExtraLen) + int(hdr.CommentLen)
		if total > len(cd) {
			return nil, fmt.Errorf("zip central directory entry #%d is truncated", len(files)+1)
		}
		if hdr.CompressedSize == uint32Max || hdr.UncompressedSize == uint32Max || hdr.Offset == uint32Max {
			return nil, ErrZip64
		}
		nameEnd := directoryHeaderLen + int(hdr.FilenameLen)
		f := &File{
			Name:             string(cd[directoryHeaderLen:nameEnd]),
			Flags:            hdr.Flags,
			Method:           hdr.Method,
			CRC32:            hdr.CRC32,
			CompressedSize:   uint64(hdr.CompressedSize),
			UncompressedSize: uint64(hdr.UncompressedSize),
			Offset:           uint64(hdr.Offset),

			raw: bytes.Clone(cd[:total]),
			r:   r,
		}
		files = append(files, f)
		cd = cd[total:]
	}
	return files, nil
}

// EntriesEnd returns the offset just past the last local file record. Any
// bytes between it and the central directory are not part of an entry.
func (d *Directory) EntriesEnd() (int64, error) {
	var end int64
	for _, f := range d.File {
		size, err := f.GetTotalSize()
		if err != nil {
			return 0, err
		}
		if fe := int64(f.Offset) + size; fe > end {
			end = fe
		}
	}
	if end > d.DirLoc {
		return 0, errors.New("zip entries overlap the central directory")
	}
	return end, nil
}
