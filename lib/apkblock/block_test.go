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

package apkblock

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sassoftware/apksigner/signers/sigerrors"
)

func TestEncode(t *testing.T) {
	t.Parallel()
	t.Run("RoundTrip", func(t *testing.T) {
		v2 := bytes.Repeat([]byte{0x11}, 1000)
		v3 := bytes.Repeat([]byte{0x22}, 5000)
		block := Encode([]Pair{{SchemeV2BlockID, v2}, {SchemeV3BlockID, v3}})
		assert.Zero(t, len(block)%PageAlignment)
		assert.Equal(t, Magic, string(block[len(block)-16:]))
		assert.Equal(t, uint64(len(block)-8), binary.LittleEndian.Uint64(block))
		assert.Equal(t, uint64(len(block)-8), binary.LittleEndian.Uint64(block[len(block)-24:]))

		pairs, err := Decode(block)
		require.NoError(t, err)
		require.Len(t, pairs, 3)
		assert.Equal(t, SchemeV2BlockID, pairs[0].ID)
		assert.Equal(t, v2, pairs[0].Value)
		assert.Equal(t, SchemeV3BlockID, pairs[1].ID)
		assert.Equal(t, v3, pairs[1].Value)
		assert.Equal(t, VerityPaddingBlockID, pairs[2].ID)

		found, err := FindSchemeBlock(block, SchemeV3BlockID)
		require.NoError(t, err)
		assert.Equal(t, v3, found)
	})
	t.Run("PaddingRollsOver", func(t *testing.T) {
		// 32 bytes of framing + 12 per pair; leave 8 bytes short of a page
		value := make([]byte, PageAlignment-32-MinPairSize-8)
		block := Encode([]Pair{{SchemeV2BlockID, value}})
		assert.Len(t, block, 2*PageAlignment)
		pairs, err := Decode(block)
		require.NoError(t, err)
		require.Len(t, pairs, 2)
		assert.Len(t, pairs[1].Value, PageAlignment+8-MinPairSize)
	})
	t.Run("ExactPage", func(t *testing.T) {
		value := make([]byte, PageAlignment-32-MinPairSize)
		block := Encode([]Pair{{SchemeV2BlockID, value}})
		assert.Len(t, block, PageAlignment)
		pairs, err := Decode(block)
		require.NoError(t, err)
		assert.Len(t, pairs, 1)
	})
}

func TestFindSchemeBlock(t *testing.T) {
	t.Parallel()
	t.Run("FirstMatchWins", func(t *testing.T) {
		block := Encode([]Pair{{SchemeV2BlockID, []byte("one")}, {SchemeV2BlockID, []byte("two")}})
		found, err := FindSchemeBlock(block, SchemeV2BlockID)
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), found)
	})
	t.Run("Missing", func(t *testing.T) {
		block := Encode([]Pair{{SchemeV2BlockID, []byte("one")}})
		_, err := FindSchemeBlock(block, SchemeV3BlockID)
		assert.ErrorIs(t, err, ErrSchemeBlockNotFound)
	})
	t.Run("BadEntryLength", func(t *testing.T) {
		block := Encode([]Pair{{SchemeV2BlockID, []byte("one")}, {SchemeV3BlockID, []byte("two")}})
		// second pair starts after header(8) + first pair(12+3)
		binary.LittleEndian.PutUint64(block[8+15:], 1<<20)
		_, err := FindSchemeBlock(block, SchemeV3BlockID)
		var ferr sigerrors.FormatError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, 2, ferr.Index)
		assert.ErrorIs(t, err, sigerrors.ErrFormat)
	})
	t.Run("ShortEntryLength", func(t *testing.T) {
		block := Encode([]Pair{{SchemeV2BlockID, []byte("one")}})
		binary.LittleEndian.PutUint64(block[8:], 3)
		_, err := Decode(block)
		var ferr sigerrors.FormatError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, 1, ferr.Index)
	})
	t.Run("BadMagic", func(t *testing.T) {
		block := Encode(nil)
		block[len(block)-1] = 'x'
		_, err := Decode(block)
		assert.ErrorIs(t, err, ErrNoSigningBlock)
	})
}

func TestLocate(t *testing.T) {
	t.Parallel()
	block := Encode([]Pair{{SchemeV2BlockID, []byte("payload")}})
	before := bytes.Repeat([]byte{'z'}, 100)
	cd := []byte("PK\x01\x02central")
	file := append(append(append([]byte{}, before...), block...), cd...)
	offset, found, err := Locate(bytes.NewReader(file), int64(len(before)+len(block)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(before)), offset)
	assert.Equal(t, block, found)

	_, _, err = Locate(bytes.NewReader(before), int64(len(before)))
	assert.ErrorIs(t, err, ErrNoSigningBlock)
}

func TestReader(t *testing.T) {
	t.Parallel()
	pairs := []IDValue{{ID: 0x0103, Value: []byte{1, 2, 3}}, {ID: 0x0201, Value: nil}}
	encoded := EncodeIDValuePairs(pairs)
	decoded, err := NewReader("digests", encoded).IDValuePairs()
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, uint32(0x0103), decoded[0].ID)
	assert.Equal(t, []byte{1, 2, 3}, decoded[0].Value)
	assert.Empty(t, decoded[1].Value)

	// length larger than what remains
	bad := AppendUint32(nil, 10)
	bad = append(bad, 1, 2)
	_, err = NewReader("digests", bad).LengthPrefixed()
	assert.ErrorIs(t, err, sigerrors.ErrFormat)


	t.Run("TruncatedPair", func(t *testing.T) {
		inner := AppendUint32(AppendUint32(nil, 0x0201), 10)
		inner = append(inner, 1, 2)
		list := append(EncodeIDValuePairs(pairs[:1]), AppendLengthPrefixed(nil, inner)...)
		_, err := NewReader("digests", list).IDValuePairs()
		var ferr sigerrors.FormatError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, 2, ferr.Index)
		assert.Contains(t, err.Error(), "digests entry #2")
	})
	t.Run("TruncatedList", func(t *testing.T) {
		list := append(EncodeIDValuePairs(pairs), 0xff, 0, 0, 0)
		_, err := NewReader("digests", list).IDValuePairs()
		var ferr sigerrors.FormatError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, 3, ferr.Index)
	})
}

type testSigned struct {
	Digests []IDValue
	Certs   [][]byte
	MinSdk  uint32
	Attrs   []IDValue
}

type testSigner struct {
	SignedData Raw
	MinSdk     uint32
	PublicKey  []byte
}

func TestSerializer(t *testing.T) {
	t.Parallel()
	sd := testSigned{
		Digests: []IDValue{{ID: 0x0103, Value: []byte("digest")}},
		Certs:   [][]byte{[]byte("cert")},
		MinSdk:  24,
	}
	rawSD, err := Marshal(sd)
	require.NoError(t, err)
	signer := testSigner{SignedData: rawSD, MinSdk: 24, PublicKey: []byte("pub")}
	blob, err := Marshal(signer)
	require.NoError(t, err)

	// matches the hand-built primitive encoding
	inner := EncodeIDValuePairs(sd.Digests)
	expected := AppendLengthPrefixed(nil, inner)
	expected = AppendLengthPrefixed(expected, EncodeSequence(sd.Certs))
	expected = AppendUint32(expected, 24)
	expected = AppendLengthPrefixed(expected, nil)
	assert.Equal(t, expected, rawSD.Bytes())

	var parsed testSigner
	require.NoError(t, Unmarshal(blob, &parsed))
	assert.Equal(t, rawSD, parsed.SignedData)
	var parsedSD testSigned
	require.NoError(t, Unmarshal(parsed.SignedData, &parsedSD))
	assert.Equal(t, uint32(24), parsedSD.MinSdk)
	assert.Equal(t, []byte("cert"), parsedSD.Certs[0])

	// a length field pointing past the end is rejected rather than sliced
	truncated := append(Raw(nil), blob[:len(blob)-2]...)
	err = Unmarshal(truncated, &parsed)
	assert.ErrorIs(t, err, sigerrors.ErrFormat)
}
