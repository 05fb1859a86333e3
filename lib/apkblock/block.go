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

// Package apkblock implements the APK Signing Block container that sits
// between the ZIP entries and the central directory of a signed APK.
//
// https://source.android.com/security/apksigning/v2#apk-signing-block-format
package apkblock

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sassoftware/apksigner/signers/sigerrors"
)

const (
	Magic = "APK Sig Block 42"

	SchemeV2BlockID      uint32 = 0x7109871a
	SchemeV3BlockID      uint32 = 0xf05368c0
	VerityPaddingBlockID uint32 = 0x42726577

	// PageAlignment is the size the whole block is padded to, so that
	// verity can treat the block as a whole number of pages
	PageAlignment = 4096
	// MinPairSize is the overhead of one pair (u64 length, u32 id)
	MinPairSize = 12

	// u64 size + u64 size + magic
	headerSize = 8
	footerSize = 8 + len(Magic)
	minBlock   = headerSize + footerSize
)

var (
	ErrNoSigningBlock      = errors.New("APK Signing Block not found")
	ErrSchemeBlockNotFound = errors.New("signature scheme block not found in APK Signing Block")
)

// Pair is one ID-value entry of the signing block
type Pair struct {
	ID    uint32
	Value []byte
}

// Encode serializes pairs into a complete APK Signing Block. The result is
// always a multiple of PageAlignment bytes long; a verity padding pair is
// appended when needed.
func Encode(pairs []Pair) []byte {
	size := headerSize + footerSize
	for _, p := range pairs {
		size += MinPairSize + len(p.Value)
	}
	var padding int
	if size%PageAlignment != 0 {
		padding = PageAlignment - size%PageAlignment
		if padding < MinPairSize {
			padding += PageAlignment
		}
		size += padding
	}
	blockSize := uint64(size - 8)
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, blockSize)
	for _, p := range pairs {
		buf = appendPair(buf, p.ID, p.Value)
	}
	if padding != 0 {
		buf = appendPair(buf, VerityPaddingBlockID, make([]byte, padding-MinPairSize))
	}
	buf = binary.LittleEndian.AppendUint64(buf, blockSize)
	buf = append(buf, Magic...)
	return buf
}

func appendPair(buf []byte, id uint32, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(4+len(value)))
	buf = binary.LittleEndian.AppendUint32(buf, id)
	return append(buf, value...)
}

// pairsOf validates the framing of a complete block and returns the region
// holding the ID-value pairs
func pairsOf(block []byte) ([]byte, error) {
	if len(block) < minBlock {
		return nil, sigerrors.FormatError{Field: "APK Signing Block", Msg: fmt.Sprintf("too short: %d bytes", len(block))}
	}
	footer := block[len(block)-footerSize:]
	if string(footer[8:]) != Magic {
		return nil, ErrNoSigningBlock
	}
	size := binary.LittleEndian.Uint64(footer)
	if size != uint64(len(block)-8) {
		return nil, sigerrors.FormatError{Field: "APK Signing Block", Msg: fmt.Sprintf("size in footer %d does not match block size %d", size, len(block)-8)}
	}
	if hsize := binary.LittleEndian.Uint64(block); hsize != size {
		return nil, sigerrors.FormatError{Field: "APK Signing Block", Msg: fmt.Sprintf("size in header %d does not match size in footer %d", hsize, size)}
	}
	return block[headerSize : len(block)-footerSize], nil
}

// Decode splits a complete signing block into its pairs, in order. Values
// alias the input buffer.
func Decode(block []byte) ([]Pair, error) {
	region, err := pairsOf(block)
	if err != nil {
		return nil, err
	}
	var pairs []Pair
	err = walkPairs(region, func(id uint32, value []byte) bool {
		pairs = append(pairs, Pair{ID: id, Value: value})
		return true
	})
	return pairs, err
}

// FindSchemeBlock returns the value of the first pair with the given ID
func FindSchemeBlock(block []byte, id uint32) ([]byte, error) {
	region, err := pairsOf(block)
	if err != nil {
		return nil, err
	}
	var found []byte
	err = walkPairs(region, func(pid uint32, value []byte) bool {
		if pid == id {
			found = value
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	} else if found == nil {
		return nil, fmt.Errorf("%w: ID 0x%08x", ErrSchemeBlockNotFound, id)
	}
	return found, nil
}

func walkPairs(region []byte, each func(id uint32, value []byte) bool) error {
	var pos int
	for entry := 1; pos < len(region); entry++ {
		if len(region)-pos < 8 {
			return sigerrors.FormatError{Field: "APK Signing Block", Index: entry, Offset: int64(pos), Msg: "insufficient data to read size of entry"}
		}
		length := binary.LittleEndian.Uint64(region[pos:])
		pos += 8
		if length < 4 || length > math.MaxInt32 {
			return sigerrors.FormatError{Field: "APK Signing Block", Index: entry, Offset: int64(pos - 8), Msg: fmt.Sprintf("size out of range: %d", length)}
		}
		if int(length) > len(region)-pos {
			return sigerrors.FormatError{Field: "APK Signing Block", Index: entry, Offset: int64(pos - 8), Msg: fmt.Sprintf("size out of range: %d, available: %d", length, len(region)-pos)}
		}
		id := binary.LittleEndian.Uint32(region[pos:])
		value := region[pos+4 : pos+int(length)]
		pos += int(length)
		if !each(id, value) {
			return nil
		}
	}
	return nil
}

// Locate finds a signing block immediately preceding the central directory
// and returns its offset and contents. ErrNoSigningBlock is returned if the
// APK is not signed.
func Locate(r io.ReaderAt, cdOffset int64) (int64, []byte, error) {
	if cdOffset < int64(minBlock) {
		return 0, nil, ErrNoSigningBlock
	}
	var footer [footerSize]byte
	if _, err := r.ReadAt(footer[:], cdOffset-int64(footerSize)); err != nil {
		return 0, nil, fmt.Errorf("reading signing block footer: %w", err)
	}
	if !bytes.Equal(footer[8:], []byte(Magic)) {
		return 0, nil, ErrNoSigningBlock
	}
	size := binary.LittleEndian.Uint64(footer[:])
	if size < uint64(footerSize) || size > uint64(cdOffset-8) || size > math.MaxInt32 {
		return 0, nil, sigerrors.FormatError{Field: "APK Signing Block", Offset: cdOffset, Msg: fmt.Sprintf("size out of range: %d", size)}
	}
	start := cdOffset - int64(size) - 8
	block := make([]byte, size+8)
	if _, err := r.ReadAt(block, start); err != nil {
		return 0, nil, fmt.Errorf("reading signing block: %w", err)
	}
	if _, err := pairsOf(block); err != nil {
		return 0, nil, err
	}
	return start, block, nil
}
