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

package sigalg

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sassoftware/apksigner/internal/testkeys"
	"github.com/sassoftware/apksigner/signers/sigerrors"
)

func TestByID(t *testing.T) {
	t.Parallel()
	for _, alg := range All {
		found, err := ByID(alg.ID)
		require.NoError(t, err)
		assert.Same(t, alg, found)
	}
	_, err := ByID(0x9999)
	assert.Error(t, err)
	assert.Equal(t, uint32(0x0421), VerityRSAPKCS1WithSHA256.ID)
	assert.Equal(t, P, VerityECDSAWithSHA256.MinSdkVersion)
	assert.Equal(t, N, ECDSAWithSHA256.MinSdkVersion)
}

func TestSuggested(t *testing.T) {
	t.Parallel()
	rsa2k := testkeys.New(t, "rsa2k", testkeys.RSA2048)
	rsa4k := testkeys.New(t, "rsa4k", testkeys.RSA4096)
	p256 := testkeys.New(t, "p256", testkeys.P256)
	p384 := testkeys.New(t, "p384", testkeys.P384)

	algs, err := Suggested(rsa2k.Key.Public(), 19, false)
	require.NoError(t, err)
	assert.Equal(t, []*Algorithm{RSAPKCS1WithSHA256}, algs)
	algs, err = Suggested(rsa2k.Key.Public(), 19, true)
	require.NoError(t, err)
	assert.Equal(t, []*Algorithm{RSAPKCS1WithSHA256, VerityRSAPKCS1WithSHA256}, algs)
	algs, err = Suggested(rsa4k.Key.Public(), 19, true)
	require.NoError(t, err)
	assert.Equal(t, []*Algorithm{RSAPKCS1WithSHA512}, algs)
	algs, err = Suggested(p256.Key.Public(), 19, true)
	require.NoError(t, err)
	assert.Equal(t, []*Algorithm{ECDSAWithSHA256, VerityECDSAWithSHA256}, algs)
	algs, err = Suggested(p384.Key.Public(), 19, false)
	require.NoError(t, err)
	assert.Equal(t, []*Algorithm{ECDSAWithSHA512}, algs)

	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = Suggested(edPub, 19, false)
	assert.ErrorIs(t, err, sigerrors.ErrAlgorithm)
}

func TestSign(t *testing.T) {
	t.Parallel()
	rsa2k := testkeys.New(t, "rsa2k", testkeys.RSA2048)
	p256 := testkeys.New(t, "p256", testkeys.P256)
	other := testkeys.New(t, "other", testkeys.P256)
	data := []byte("signed data")
	for _, tc := range []struct {
		alg *Algorithm
		id  *testkeys.Identity
	}{
		{RSAPKCS1WithSHA256, rsa2k},
		{RSAPKCS1WithSHA512, rsa2k},
		{RSAPSSWithSHA256, rsa2k},
		{RSAPSSWithSHA512, rsa2k},
		{VerityRSAPKCS1WithSHA256, rsa2k},
		{ECDSAWithSHA256, p256},
		{ECDSAWithSHA512, p256},
		{VerityECDSAWithSHA256, p256},
	} {
		t.Run(tc.alg.Name, func(t *testing.T) {
			sig, err := tc.alg.Sign(tc.id.Key, tc.id.Certificate.PublicKey, data)
			require.NoError(t, err)
			assert.NoError(t, tc.alg.Verify(tc.id.Certificate.PublicKey, data, sig))
			assert.Error(t, tc.alg.Verify(tc.id.Certificate.PublicKey, []byte("other data"), sig))
		})
	}
	t.Run("WrongCertificate", func(t *testing.T) {
		_, err := ECDSAWithSHA256.Sign(p256.Key, other.Certificate.PublicKey, data)
		var aerr sigerrors.AlgorithmError
		require.ErrorAs(t, err, &aerr)
		assert.Contains(t, aerr.Msg, "failed to verify generated signature")
	})
	t.Run("WrongKeyType", func(t *testing.T) {
		_, err := ECDSAWithSHA256.Sign(rsa2k.Key, rsa2k.Certificate.PublicKey, data)
		assert.ErrorIs(t, err, sigerrors.ErrAlgorithm)
	})
}

func TestSelectSignatures(t *testing.T) {
	t.Parallel()
	sigs := []Signature{
		{VerityRSAPKCS1WithSHA256, []byte("v")},
		{RSAPKCS1WithSHA256, []byte("a")},
		{RSAPKCS1WithSHA512, []byte("b")},
	}
	selected, err := SelectSignatures(sigs, N, MaxSdk)
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Same(t, RSAPKCS1WithSHA512, selected[0].Algorithm)
	assert.Same(t, VerityRSAPKCS1WithSHA256, selected[1].Algorithm)

	// verity is only supported from P
	selected, err = SelectSignatures(sigs, N, P-1)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Same(t, RSAPKCS1WithSHA512, selected[0].Algorithm)

	_, err = SelectSignatures(sigs, KitKat, MaxSdk)
	assert.ErrorIs(t, err, ErrNoSupportedSignatures)
	_, err = SelectSignatures(nil, N, MaxSdk)
	assert.ErrorIs(t, err, ErrNoSupportedSignatures)
	_, err = SelectSignatures(sigs[:1], N, MaxSdk)
	assert.ErrorIs(t, err, ErrNoSupportedSignatures)
}

func TestMinSdkFromAlgorithms(t *testing.T) {
	t.Parallel()
	assert.Equal(t, N, MinSdkFromAlgorithms([]*Algorithm{RSAPKCS1WithSHA256, VerityRSAPKCS1WithSHA256}, KitKat))
	assert.Equal(t, P, MinSdkFromAlgorithms([]*Algorithm{VerityRSAPKCS1WithSHA256}, KitKat))
	future := &Algorithm{ID: 0x7777, MinSdkVersion: 33}
	assert.Equal(t, 33, MinSdkFromAlgorithms([]*Algorithm{future}, KitKat))
}
