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

package apkscheme

import (
	"context"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sassoftware/apksigner/internal/testkeys"
	"github.com/sassoftware/apksigner/lib/apkblock"
	"github.com/sassoftware/apksigner/lib/apkdigest"
	"github.com/sassoftware/apksigner/lib/lineage"
	"github.com/sassoftware/apksigner/lib/sigalg"
)

func testSections(t *testing.T) apkdigest.Sections {
	t.Helper()
	before := make([]byte, 2*4096)
	rand.New(rand.NewSource(42)).Read(before)
	cd := []byte("central directory")
	eocd := make([]byte, apkdigest.EOCDMinSize)
	binary.LittleEndian.PutUint32(eocd, 0x06054b50)
	require.NoError(t, apkdigest.SetEOCDCentralDirectoryOffset(eocd, int64(len(before))))
	return apkdigest.Sections{
		BeforeCentralDir: apkdigest.FromBytes(before),
		CentralDir:       apkdigest.FromBytes(cd),
		EOCD:             apkdigest.FromBytes(eocd),
	}
}

func signerConfig(t *testing.T, id *testkeys.Identity, minSdk int, verity bool) *SignerConfig {
	t.Helper()
	algs, err := sigalg.Suggested(id.Certificate.PublicKey, minSdk, verity)
	require.NoError(t, err)
	return &SignerConfig{
		Name:          id.Name,
		Signer:        id.Key,
		Certificates:  id.Chain(),
		Algorithms:    algs,
		MinSdkVersion: minSdk,
		MaxSdkVersion: sigalg.MaxSdk,
	}
}

func TestV2RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sections := testSections(t)
	rsaID := testkeys.New(t, "v2-rsa", testkeys.RSA2048)
	ecID := testkeys.New(t, "v2-ec", testkeys.P256)
	configs := []*SignerConfig{
		signerConfig(t, rsaID, sigalg.N, true),
		signerConfig(t, ecID, sigalg.N, false),
	}
	digests, err := ComputeDigests(ctx, nil, nil, sections, configs)
	require.NoError(t, err)
	assert.Len(t, digests, 2)
	pair, err := GenerateV2Block(digests, configs, true)
	require.NoError(t, err)
	assert.Equal(t, apkblock.SchemeV2BlockID, pair.ID)

	// the value survives a trip through the signing block
	value, err := apkblock.FindSchemeBlock(apkblock.Encode([]apkblock.Pair{pair}), apkblock.SchemeV2BlockID)
	require.NoError(t, err)
	signers, err := VerifyV2Block(ctx, nil, nil, value, sections, sigalg.N, sigalg.MaxSdk)
	require.NoError(t, err)
	require.Len(t, signers, 2)
	assert.True(t, signers[0].Certificates[0].Equal(rsaID.Certificate))
	assert.True(t, signers[1].Certificates[0].Equal(ecID.Certificate))
	assert.Equal(t, uint32(SchemeV3), signers[0].StrippingProtection)
	require.Len(t, signers[0].Signatures, 2)
	assert.Same(t, sigalg.RSAPKCS1WithSHA256, signers[0].Signatures[0].Algorithm)
	assert.Same(t, sigalg.VerityRSAPKCS1WithSHA256, signers[0].Signatures[1].Algorithm)

	// before P only the chunked signature is checked
	signers, err = VerifyV2Block(ctx, nil, nil, value, sections, sigalg.N, sigalg.P-1)
	require.NoError(t, err)
	assert.Len(t, signers[0].Signatures, 1)

	t.Run("NoStrippingProtection", func(t *testing.T) {
		pair, err := GenerateV2Block(digests, configs[1:], false)
		require.NoError(t, err)
		signers, err := VerifyV2Block(ctx, nil, nil, pair.Value, sections, sigalg.N, sigalg.MaxSdk)
		require.NoError(t, err)
		assert.Zero(t, signers[0].StrippingProtection)
	})
	t.Run("ModifiedContents", func(t *testing.T) {
		other := testSections(t)
		before, err := apkdigest.ReadAll(other.BeforeCentralDir)
		require.NoError(t, err)
		before[100] ^= 1
		other.BeforeCentralDir = apkdigest.FromBytes(before)
		_, err = VerifyV2Block(ctx, nil, nil, value, other, sigalg.N, sigalg.MaxSdk)
		assert.ErrorContains(t, err, "does not match")
	})
	t.Run("CorruptSignature", func(t *testing.T) {
		bad := append([]byte(nil), value...)
		// the last bytes of the value belong to the final signer's public key
		// record; the signature sits before it
		bad[len(bad)-len(ecID.Certificate.RawSubjectPublicKeyInfo)-8] ^= 0xff
		_, err := VerifyV2Block(ctx, nil, nil, bad, sections, sigalg.N, sigalg.MaxSdk)
		assert.Error(t, err)
	})
	t.Run("Truncated", func(t *testing.T) {
		_, err := VerifyV2Block(ctx, nil, nil, value[:len(value)-3], sections, sigalg.N, sigalg.MaxSdk)
		assert.Error(t, err)
	})
	t.Run("MissingDigest", func(t *testing.T) {
		_, err := GenerateV2Block(Digests{}, configs, false)
		assert.ErrorContains(t, err, "not computed")
	})
	t.Run("NoSigners", func(t *testing.T) {
		_, err := GenerateV2Block(digests, nil, false)
		assert.Error(t, err)
	})
}

func TestV3RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sections := testSections(t)
	oldID := testkeys.New(t, "v3-old", testkeys.RSA2048)
	newID := testkeys.New(t, "v3-new", testkeys.P256)
	lin := lineage.New(oldID.Certificate, lineage.DefaultCapabilities)
	lin, err := lin.Spawn(lineage.Signer{Key: oldID.Key, Certificate: oldID.Certificate}, newID.Certificate, lineage.DefaultCapabilities)
	require.NoError(t, err)

	oldCfg := signerConfig(t, oldID, sigalg.N, true)
	oldCfg.MaxSdkVersion = sigalg.P - 1
	oldCfg.Lineage, err = lin.SubLineage(oldID.Certificate)
	require.NoError(t, err)
	newCfg := signerConfig(t, newID, sigalg.P, true)
	newCfg.Lineage = lin
	configs := []*SignerConfig{oldCfg, newCfg}

	digests, err := ComputeDigests(ctx, nil, nil, sections, configs)
	require.NoError(t, err)
	pair, err := GenerateV3Block(digests, configs)
	require.NoError(t, err)
	assert.Equal(t, apkblock.SchemeV3BlockID, pair.ID)

	signers, err := VerifyV3Block(ctx, nil, nil, pair.Value, sections, sigalg.N, sigalg.MaxSdk)
	require.NoError(t, err)
	require.Len(t, signers, 2)
	assert.Equal(t, sigalg.N, signers[0].MinSdkVersion)
	assert.Equal(t, sigalg.P-1, signers[0].MaxSdkVersion)
	assert.Equal(t, sigalg.P, signers[1].MinSdkVersion)
	assert.Equal(t, sigalg.MaxSdk, signers[1].MaxSdkVersion)
	require.NotNil(t, signers[1].Lineage)
	assert.Equal(t, 2, signers[1].Lineage.Len())

	// a verifier for P and later only considers the newest signer
	signers, err = VerifyV3Block(ctx, nil, nil, pair.Value, sections, sigalg.P, sigalg.MaxSdk)
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.True(t, signers[0].Certificates[0].Equal(newID.Certificate))

	t.Run("Gap", func(t *testing.T) {
		gapped := *newCfg
		gapped.MinSdkVersion = sigalg.P + 1
		pair, err := GenerateV3Block(digests, []*SignerConfig{oldCfg, &gapped})
		require.NoError(t, err)
		_, err = VerifyV3Block(ctx, nil, nil, pair.Value, sections, sigalg.N, sigalg.MaxSdk)
		assert.ErrorContains(t, err, "inconsistent SDK versions")
	})
	t.Run("Uncovered", func(t *testing.T) {
		short := *newCfg
		short.MaxSdkVersion = 30
		pair, err := GenerateV3Block(digests, []*SignerConfig{&short})
		require.NoError(t, err)
		_, err = VerifyV3Block(ctx, nil, nil, pair.Value, sections, sigalg.P, sigalg.MaxSdk)
		assert.ErrorContains(t, err, "do not cover")
	})
	t.Run("WrongLineage", func(t *testing.T) {
		wrong := *oldCfg
		wrong.Lineage = lin
		pair, err := GenerateV3Block(digests, []*SignerConfig{&wrong, newCfg})
		require.NoError(t, err)
		_, err = VerifyV3Block(ctx, nil, nil, pair.Value, sections, sigalg.N, sigalg.MaxSdk)
		assert.ErrorContains(t, err, "lineage")
	})
	t.Run("NoLineage", func(t *testing.T) {
		a, b := *oldCfg, *newCfg
		a.Lineage, b.Lineage = nil, nil
		pair, err := GenerateV3Block(digests, []*SignerConfig{&a, &b})
		require.NoError(t, err)
		_, err = VerifyV3Block(ctx, nil, nil, pair.Value, sections, sigalg.N, sigalg.MaxSdk)
		assert.ErrorContains(t, err, "lineage")
	})
	t.Run("SingleSigner", func(t *testing.T) {
		only := *newCfg
		only.Lineage = nil
		pair, err := GenerateV3Block(digests, []*SignerConfig{&only})
		require.NoError(t, err)
		signers, err := VerifyV3Block(ctx, nil, nil, pair.Value, sections, sigalg.P, sigalg.MaxSdk)
		require.NoError(t, err)
		assert.Nil(t, signers[0].Lineage)
	})
}
