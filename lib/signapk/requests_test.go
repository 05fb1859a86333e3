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
	"crypto"
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestRequest(t *testing.T) {
	t.Parallel()
	req := newDigestRequest("classes.dex", crypto.SHA256)
	assert.False(t, req.IsDone())
	assert.Panics(t, func() { req.Digest() })
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = req.Write([]byte("hello "))
		_, _ = req.Write([]byte("world"))
		req.Done()
	}()
	wg.Wait()
	require.True(t, req.IsDone())
	want := sha256.Sum256([]byte("hello world"))
	assert.Equal(t, want[:], req.Digest())
	_, err := req.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrRequestDone)
	// done is idempotent
	req.Done()
	assert.Equal(t, want[:], req.Digest())
}

func TestDataRequest(t *testing.T) {
	t.Parallel()
	req := newDataRequest("META-INF/MANIFEST.MF")
	assert.Panics(t, func() { req.Data() })
	_, err := req.Write([]byte("Manifest-Version: 1.0\r\n"))
	require.NoError(t, err)
	req.Done()
	data := req.Data()
	assert.Equal(t, []byte("Manifest-Version: 1.0\r\n"), data)
	data[0] = 'X'
	assert.Equal(t, byte('M'), req.Data()[0], "callers get a copy")
	_, err = req.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrRequestDone)

	sig := &JarSignatureRequest{}
	assert.False(t, sig.IsDone())
	sig.Done()
	assert.True(t, sig.IsDone())
}
