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
	"context"
	"encoding/binary"
	"fmt"
	"hash"
	"math"
	"sync/atomic"
	"time"
)

// ChunkSize is the unit of the v2 chunked digest
const ChunkSize = 1 << 20

// https://source.android.com/security/apksigning/v2#integrity-protected-contents
const (
	chunkPrefix = 0xa5
	topPrefix   = 0x5a
)

type chunk struct {
	src DataSource
	off int64
	len int
}

// split each segment into chunks independently. A chunk never spans two
// segments and an empty segment contributes nothing.
func splitChunks(segments []DataSource) ([]chunk, error) {
	var count int64
	for _, seg := range segments {
		count += (seg.Size() + ChunkSize - 1) / ChunkSize
	}
	if count > math.MaxInt32 {
		return nil, fmt.Errorf("too many chunks: %d", count)
	}
	chunks := make([]chunk, 0, count)
	for _, seg := range segments {
		size := seg.Size()
		for off := int64(0); off < size; off += ChunkSize {
			n := size - off
			if n > ChunkSize {
				n = ChunkSize
			}
			chunks = append(chunks, chunk{src: seg, off: off, len: int(n)})
		}
	}
	return chunks, nil
}

// ComputeChunkedDigests computes the top-level chunked digest of the
// concatenated segments for each of the given algorithms. Verity is not a
// chunked algorithm and must not be requested here.
func ComputeChunkedDigests(ctx context.Context, exec Executor, algs []ContentDigestAlgorithm, segments ...DataSource) (map[ContentDigestAlgorithm][]byte, error) {
	for _, alg := range algs {
		if alg != ChunkedSHA256 && alg != ChunkedSHA512 {
			return nil, fmt.Errorf("%s is not a chunked digest algorithm", alg)
		}
	}
	if exec == nil {
		exec = SingleThreaded
	}
	start := time.Now()
	chunks, err := splitChunks(segments)
	if err != nil {
		return nil, err
	}
	// every chunk digest has a fixed slot after the 0x5a||count header so
	// workers can finish in any order
	outputs := make([][]byte, len(algs))
	for i, alg := range algs {
		out := make([]byte, 5+len(chunks)*alg.ChunkDigestSize())
		out[0] = topPrefix
		binary.LittleEndian.PutUint32(out[1:], uint32(len(chunks)))
		outputs[i] = out
	}
	var next atomic.Int64
	worker := func(ctx context.Context) error {
		buf := make([]byte, ChunkSize)
		hashes := make([]hash.Hash, len(algs))
		for i, alg := range algs {
			hashes[i] = alg.Hash().New()
		}
		var prefix [5]byte
		prefix[0] = chunkPrefix
		for {
			idx := next.Add(1) - 1
			if idx >= int64(len(chunks)) {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			c := chunks[idx]
			data := buf[:c.len]
			if _, err := readFull(c.src, data, c.off); err != nil {
				return fmt.Errorf("failed to read chunk #%d: %w", idx, err)
			}
			binary.LittleEndian.PutUint32(prefix[1:], uint32(c.len))
			for i, alg := range algs {
				h := hashes[i]
				h.Reset()
				h.Write(prefix[:])
				h.Write(data)
				size := alg.ChunkDigestSize()
				off := 5 + int(idx)*size
				h.Sum(outputs[i][off:off:off+size])
			}
		}
	}
	if err := exec.Execute(ctx, worker); err != nil {
		return nil, err
	}
	var total int64
	for _, seg := range segments {
		total += seg.Size()
	}
	result := make(map[ContentDigestAlgorithm][]byte, len(algs))
	for i, alg := range algs {
		h := alg.Hash().New()
		h.Write(outputs[i])
		result[alg] = h.Sum(nil)
		observe(alg, start, total)
	}
	return result, nil
}

// ComputeContentDigests digests the protected sections of an APK for each
// requested algorithm. The EOCD's central directory offset is rewritten to
// the length of the before-central-directory section, which is where the
// signing block will start.
func ComputeContentDigests(ctx context.Context, exec Executor, veritySalt []byte, algs []ContentDigestAlgorithm, sections Sections) (map[ContentDigestAlgorithm][]byte, error) {
	eocd, err := CopyWithModifiedCDOffset(sections.EOCD, sections.BeforeCentralDir.Size())
	if err != nil {
		return nil, err
	}
	var chunked []ContentDigestAlgorithm
	var verity bool
	for _, alg := range algs {
		switch alg {
		case ChunkedSHA256, ChunkedSHA512:
			chunked = append(chunked, alg)
		case VerityChunkedSHA256:
			verity = true
		default:
			return nil, fmt.Errorf("unknown content digest algorithm %s", alg)
		}
	}
	result := make(map[ContentDigestAlgorithm][]byte, len(algs))
	if len(chunked) != 0 {
		digests, err := ComputeChunkedDigests(ctx, exec, chunked, sections.BeforeCentralDir, sections.CentralDir, eocd)
		if err != nil {
			return nil, err
		}
		for alg, digest := range digests {
			result[alg] = digest
		}
	}
	if verity {
		start := time.Now()
		digest, err := VerityDigest(veritySalt, Sections{
			BeforeCentralDir: sections.BeforeCentralDir,
			CentralDir:       sections.CentralDir,
			EOCD:             eocd,
		})
		if err != nil {
			return nil, err
		}
		result[VerityChunkedSHA256] = digest
		observe(VerityChunkedSHA256, start, sections.BeforeCentralDir.Size()+sections.CentralDir.Size()+eocd.Size())
	}
	return result, nil
}
