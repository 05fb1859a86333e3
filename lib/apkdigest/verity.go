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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"math"
)

// VerityBlockSize is the size of a leaf block and of every tree level's
// alignment
const VerityBlockSize = 4096

// DefaultVeritySalt returns the salt used when none is configured: eight zero
// bytes
func DefaultVeritySalt() []byte {
	return make([]byte, 8)
}

// VerityTreeBuilder builds a SHA-256 Merkle tree over 4096-byte blocks where
// every block digest is salted
type VerityTreeBuilder struct {
	salt []byte
}

func NewVerityTreeBuilder(salt []byte) *VerityTreeBuilder {
	return &VerityTreeBuilder{salt: bytes.Clone(salt)}
}

func divRoundUp(a, b int64) int64 {
	return (a + b - 1) / b
}

// levelOffsets returns the offset of each tree level in the tree buffer, top
// level first, plus the total size as the final element
func levelOffsets(dataSize int64, digestSize int64) []int64 {
	var sizes []int64
	for {
		chunks := divRoundUp(dataSize, VerityBlockSize)
		size := VerityBlockSize * divRoundUp(chunks*digestSize, VerityBlockSize)
		sizes = append(sizes, size)
		if chunks*digestSize <= VerityBlockSize {
			break
		}
		dataSize = chunks * digestSize
	}
	offsets := make([]int64, len(sizes)+1)
	for i := range sizes {
		offsets[i+1] = offsets[i] + sizes[len(sizes)-1-i]
	}
	return offsets
}

func (b *VerityTreeBuilder) saltedDigest(h hash.Hash, block []byte, dst []byte) []byte {
	h.Reset()
	h.Write(b.salt)
	h.Write(block)
	return h.Sum(dst)
}

// digest every block of src into dst, zero-padding the final block
func (b *VerityTreeBuilder) digestBlocks(src DataSource, dst []byte) error {
	h := sha256.New()
	buf := make([]byte, VerityBlockSize)
	size := src.Size()
	var pos int
	for off := int64(0); off < size; off += VerityBlockSize {
		n := int64(VerityBlockSize)
		if size-off < n {
			n = size - off
			clear(buf)
		}
		if _, err := readFull(src, buf[:n], off); err != nil {
			return fmt.Errorf("failed to read verity block at %d: %w", off, err)
		}
		b.saltedDigest(h, buf, dst[pos:pos])
		pos += sha256.Size
	}
	return nil
}

// Tree builds the full verity tree for src, top level first
func (b *VerityTreeBuilder) Tree(src DataSource) ([]byte, error) {
	offsets := levelOffsets(src.Size(), sha256.Size)
	total := offsets[len(offsets)-1]
	if total > math.MaxInt32 {
		return nil, fmt.Errorf("verity tree too large: %d bytes", total)
	}
	tree := make([]byte, total)
	// bottom-up: the lowest level digests the data, each level above digests
	// the (zero padded) level below it
	for i := len(offsets) - 2; i >= 0; i-- {
		level := tree[offsets[i]:offsets[i+1]]
		var levelSrc DataSource
		if i == len(offsets)-2 {
			levelSrc = src
		} else {
			levelSrc = bytes.NewReader(tree[offsets[i+1]:offsets[i+2]])
		}
		if err := b.digestBlocks(levelSrc, level); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

// RootHash returns the salted digest of the tree's top block
func (b *VerityTreeBuilder) RootHash(src DataSource) ([]byte, error) {
	tree, err := b.Tree(src)
	if err != nil {
		return nil, err
	}
	top := make([]byte, VerityBlockSize)
	copy(top, tree)
	return b.saltedDigest(sha256.New(), top, nil), nil
}

// VerityDigest returns the verity root hash of the concatenated sections
// followed by their total length as a little-endian uint64. The EOCD must
// already point at the start of the signing block, and the section before
// the central directory must be page aligned.
func VerityDigest(salt []byte, sections Sections) ([]byte, error) {
	if salt == nil {
		salt = DefaultVeritySalt()
	}
	before := sections.BeforeCentralDir.Size()
	if before%VerityBlockSize != 0 {
		return nil, fmt.Errorf("data before APK Signing Block is not a multiple of %d bytes: %d", VerityBlockSize, before)
	}
	src := Chain(sections.BeforeCentralDir, sections.CentralDir, sections.EOCD)
	root, err := NewVerityTreeBuilder(salt).RootHash(src)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint64(root, uint64(src.Size())), nil
}
