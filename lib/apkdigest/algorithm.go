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

// Package apkdigest computes the whole-file content digests covered by APK
// Signature Schemes v2 and v3.
package apkdigest

import (
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
)

// ContentDigestAlgorithm identifies how the protected sections of an APK are
// digested
type ContentDigestAlgorithm int

const (
	ChunkedSHA256 ContentDigestAlgorithm = iota + 1
	ChunkedSHA512
	VerityChunkedSHA256
)

func (a ContentDigestAlgorithm) String() string {
	switch a {
	case ChunkedSHA256:
		return "CHUNKED_SHA256"
	case ChunkedSHA512:
		return "CHUNKED_SHA512"
	case VerityChunkedSHA256:
		return "VERITY_CHUNKED_SHA256"
	default:
		return fmt.Sprintf("ContentDigestAlgorithm(%d)", int(a))
	}
}

// Hash returns the message digest used for chunks, or for tree blocks in the
// case of verity
func (a ContentDigestAlgorithm) Hash() crypto.Hash {
	switch a {
	case ChunkedSHA256, VerityChunkedSHA256:
		return crypto.SHA256
	case ChunkedSHA512:
		return crypto.SHA512
	default:
		return 0
	}
}

// ChunkDigestSize is the size of one chunk digest
func (a ContentDigestAlgorithm) ChunkDigestSize() int {
	return a.Hash().Size()
}

// strength orders algorithms when picking the best of several signatures
func (a ContentDigestAlgorithm) strength() int {
	switch a {
	case ChunkedSHA256:
		return 1
	case VerityChunkedSHA256:
		return 2
	case ChunkedSHA512:
		return 3
	default:
		return 0
	}
}

// Compare returns a negative number if a is weaker than b, 0 if they are the
// same and positive if a is stronger
func (a ContentDigestAlgorithm) Compare(b ContentDigestAlgorithm) int {
	return a.strength() - b.strength()
}
