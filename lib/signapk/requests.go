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

package signapk

import (
	"bytes"
	"crypto"
	"errors"
	"hash"
	"sync"

	"github.com/sassoftware/apksigner/lib/signjar"
)

// ErrRequestDone is returned when writing to a request that was already
// marked done
var ErrRequestDone = errors.New("inspection request already done")

// InspectRequest asks the caller to write the uncompressed contents of an
// entry and then call Done. Requests may be written and completed from a
// different goroutine than the one driving the engine.
type InspectRequest interface {
	// Write appends uncompressed entry data
	Write(p []byte) (int, error)
	// EntryName is the entry whose contents are requested
	EntryName() string
	// Done marks the request fulfilled. Further writes fail.
	Done()
	IsDone() bool
}

type oneShot struct {
	mu   sync.Mutex
	done bool
}

func (o *oneShot) Done() {
	o.mu.Lock()
	o.done = true
	o.mu.Unlock()
}

func (o *oneShot) IsDone() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// DigestRequest digests the entry contents it is given
type DigestRequest struct {
	name   string
	mu     sync.Mutex
	done   bool
	h      hash.Hash
	digest []byte
}

func newDigestRequest(name string, alg crypto.Hash) *DigestRequest {
	return &DigestRequest{name: name, h: alg.New()}
}

func (r *DigestRequest) EntryName() string { return r.name }

func (r *DigestRequest) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return 0, ErrRequestDone
	}
	return r.h.Write(p)
}

func (r *DigestRequest) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.digest = r.h.Sum(nil)
	r.h = nil
}

func (r *DigestRequest) IsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Digest returns the digest of everything written. It panics if the request
// is not done.
func (r *DigestRequest) Digest() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		panic("signapk: digest of " + r.name + " requested before it was done")
	}
	return bytes.Clone(r.digest)
}

// DataRequest captures the entry contents it is given
type DataRequest struct {
	name string
	mu   sync.Mutex
	done bool
	buf  bytes.Buffer
}

func newDataRequest(name string) *DataRequest {
	return &DataRequest{name: name}
}

func (r *DataRequest) EntryName() string { return r.name }

func (r *DataRequest) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return 0, ErrRequestDone
	}
	return r.buf.Write(p)
}

func (r *DataRequest) Done() {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
}

func (r *DataRequest) IsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Data returns a copy of everything written. It panics if the request is not
// done.
func (r *DataRequest) Data() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		panic("signapk: data of " + r.name + " requested before it was done")
	}
	return bytes.Clone(r.buf.Bytes())
}

// JarSignatureRequest asks the caller to write v1 signature entries into the
// output and then call Done
type JarSignatureRequest struct {
	oneShot
	Entries []signjar.Entry
}

// SigningBlockRequest asks the caller to insert Block immediately before the
// central directory, after PaddingBefore zero bytes, and then call Done. The
// EOCD's central directory offset must be updated to the start of the block.
type SigningBlockRequest struct {
	oneShot
	Block         []byte
	PaddingBefore int
}
