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
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// EOCDMinSize is the size of an end of central directory record with no
	// comment
	EOCDMinSize    = 22
	eocdCDOffsetAt = 16
	eocdSignature  = 0x06054b50
)

// SetEOCDCentralDirectoryOffset overwrites the central directory offset field
// of an end of central directory record in place
func SetEOCDCentralDirectoryOffset(eocd []byte, offset int64) error {
	if len(eocd) < EOCDMinSize {
		return fmt.Errorf("end of central directory record too short: %d bytes", len(eocd))
	}
	if binary.LittleEndian.Uint32(eocd) != eocdSignature {
		return fmt.Errorf("not an end of central directory record")
	}
	if offset < 0 || offset > math.MaxUint32 {
		return fmt.Errorf("central directory offset out of range: %d", offset)
	}
	binary.LittleEndian.PutUint32(eocd[eocdCDOffsetAt:], uint32(offset))
	return nil
}

// EOCDCentralDirectoryOffset reads the central directory offset field
func EOCDCentralDirectoryOffset(eocd []byte) (int64, error) {
	if len(eocd) < EOCDMinSize || binary.LittleEndian.Uint32(eocd) != eocdSignature {
		return 0, fmt.Errorf("not an end of central directory record")
	}
	return int64(binary.LittleEndian.Uint32(eocd[eocdCDOffsetAt:])), nil
}

// CopyWithModifiedCDOffset returns an in-memory copy of eocd with its central
// directory offset replaced
func CopyWithModifiedCDOffset(eocd DataSource, offset int64) (DataSource, error) {
	buf, err := ReadAll(eocd)
	if err != nil {
		return nil, fmt.Errorf("failed to read end of central directory: %w", err)
	}
	if err := SetEOCDCentralDirectoryOffset(buf, offset); err != nil {
		return nil, err
	}
	return FromBytes(buf), nil
}

// PadToPage extends src with zeros up to the next multiple of
// VerityBlockSize and returns the number of bytes added
func PadToPage(src DataSource) (DataSource, int) {
	rem := src.Size() % VerityBlockSize
	if rem == 0 {
		return src, 0
	}
	padding := VerityBlockSize - rem
	return Chain(src, Zeros(padding)), int(padding)
}
