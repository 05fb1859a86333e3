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
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sassoftware/apksigner/internal/testkeys"
	"github.com/sassoftware/apksigner/lib/lineage"
	"github.com/sassoftware/apksigner/lib/sigalg"
	"github.com/sassoftware/apksigner/lib/signjar"
	"github.com/sassoftware/apksigner/signers/sigerrors"
)

func TestDeriveV1Configs(t *testing.T) {
	t.Parallel()
	rsaID := identity(t, "cert", testkeys.RSA2048)
	ecID := identity(t, "new", testkeys.P256)

	configs, alg, err := deriveV1Configs([]*SignerIdentity{rsaID}, 17)
	require.NoError(t, err)
	assert.Equal(t, signjar.SHA1, alg)
	assert.Equal(t, "CERT", configs[0].Name)

	configs, alg, err = deriveV1Configs([]*SignerIdentity{rsaID, ecID}, sigalg.JellyBeanMR2)
	require.NoError(t, err)
	assert.Equal(t, signjar.SHA256, alg)
	require.Len(t, configs, 2)
	assert.Equal(t, "NEW", configs[1].Name)

	_, _, err = deriveV1Configs([]*SignerIdentity{rsaID, ecID}, 17)
	var aerr sigerrors.AlgorithmError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "new", aerr.Signer)
	assert.Equal(t, 17, aerr.MinSdk)
}

func TestDeriveV2Configs(t *testing.T) {
	t.Parallel()
	a := identity(t, "cert", testkeys.RSA2048)
	b := identity(t, "new", testkeys.P256)
	configs, err := deriveV2Configs([]*SignerIdentity{a, b}, sigalg.N, true, false)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, []*sigalg.Algorithm{sigalg.ECDSAWithSHA256, sigalg.VerityECDSAWithSHA256}, configs[1].Algorithms)
	configs, err = deriveV2Configs([]*SignerIdentity{a, b}, sigalg.N, false, true)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "cert", configs[0].Name)
}

func TestDeriveV3Configs(t *testing.T) {
	t.Parallel()
	oldID := identity(t, "old", testkeys.RSA2048)
	newID := identity(t, "new", testkeys.P256)
	lin := lineage.New(oldID.Certificate(), lineage.DefaultCapabilities)
	lin, err := lin.Spawn(lineage.Signer{Key: oldID.Signer, Certificate: oldID.Certificate()}, newID.Certificate(), lineage.DefaultCapabilities)
	require.NoError(t, err)

	t.Run("Rotation", func(t *testing.T) {
		configs, err := deriveV3Configs([]*SignerIdentity{oldID, newID}, sigalg.KitKat, false, lin)
		require.NoError(t, err)
		require.Len(t, configs, 2)
		older, newer := configs[0], configs[1]
		assert.Equal(t, "new", newer.Name)
		assert.Equal(t, sigalg.MaxSdk, newer.MaxSdkVersion)
		assert.Equal(t, sigalg.P, newer.MinSdkVersion)
		assert.Equal(t, 2, newer.Lineage.Len())
		assert.Equal(t, "old", older.Name)
		assert.Equal(t, sigalg.P-1, older.MaxSdkVersion)
		assert.Equal(t, sigalg.N, older.MinSdkVersion)
		assert.Equal(t, 1, older.Lineage.Len())
	})
	t.Run("NewestCoversEverything", func(t *testing.T) {
		configs, err := deriveV3Configs([]*SignerIdentity{oldID}, sigalg.KitKat, true, nil)
		require.NoError(t, err)
		require.Len(t, configs, 1)
		assert.Equal(t, sigalg.N, configs[0].MinSdkVersion)
		assert.Equal(t, sigalg.MaxSdk, configs[0].MaxSdkVersion)
		assert.Nil(t, configs[0].Lineage)
	})
	edPub, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	legacy := &SignerIdentity{
		Name:         "legacy",
		Signer:       edKey,
		Certificates: []*x509.Certificate{{PublicKey: edPub}},
	}
	t.Run("UnusableOlderSignerDropped", func(t *testing.T) {
		configs, err := deriveV3Configs([]*SignerIdentity{legacy, newID}, sigalg.N, false, nil)
		require.NoError(t, err)
		require.Len(t, configs, 1)
		assert.Equal(t, "new", configs[0].Name)
	})
	t.Run("UnusableSigner", func(t *testing.T) {
		_, err := deriveV3Configs([]*SignerIdentity{newID, legacy}, sigalg.N, false, nil)
		var aerr sigerrors.AlgorithmError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, "v3", aerr.Scheme)
		assert.Equal(t, "legacy", aerr.Signer)
	})
	t.Run("RotatedSignerOnly", func(t *testing.T) {
		configs, err := deriveV3Configs([]*SignerIdentity{newID}, 30, false, lin)
		require.NoError(t, err)
		assert.Equal(t, sigalg.P, configs[0].MinSdkVersion)
	})
	t.Run("RotatedSignerStartsAtP", func(t *testing.T) {
		// v3 is only read from P on, so a chain starting at P covers a lower minSdk
		configs, err := deriveV3Configs([]*SignerIdentity{newID}, sigalg.KitKat, false, lin)
		require.NoError(t, err)
		require.Len(t, configs, 1)
		assert.Equal(t, sigalg.P, configs[0].MinSdkVersion)
		assert.Equal(t, sigalg.MaxSdk, configs[0].MaxSdkVersion)
	})
}
