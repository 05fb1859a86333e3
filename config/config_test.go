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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profile = `
minSdkVersion: 21
schemes: {v3: false}
verity: true
workers: 4
lineage: lineage.bin
verityTreeSalt: "0102030405060708"
logLevel: debug
signers:
  - {name: CERT, key: keys/old.key, certificate: keys/old.crt}
  - {name: NEW, pkcs12: /etc/keys/new.p12, password: secret}
`

func TestReadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "apksigner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profile), 0600))
	config, err := ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())
	assert.Equal(t, path, config.Path())
	assert.Equal(t, 21, config.MinSdkVersion)
	// unset schemes keep their defaults
	assert.Equal(t, SchemeConfig{V1: true, V2: true, V3: false}, config.Schemes)
	assert.True(t, config.Verity)
	assert.Equal(t, filepath.Join(dir, "lineage.bin"), config.Lineage)
	require.Len(t, config.Signers, 2)
	assert.Equal(t, filepath.Join(dir, "keys/old.key"), config.Signers[0].Key)
	assert.Equal(t, "/etc/keys/new.p12", config.Signers[1].PKCS12)
	assert.Equal(t, "secret", config.Signers[1].Password)
	salt, err := config.VeritySalt()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, salt)
	level, err := config.Level()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, level)

	_, err = ReadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	signer := func() []*SignerConfig {
		return []*SignerConfig{{Name: "CERT", Key: "k", Certificate: "c"}}
	}
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		msg    string
	}{
		{"NoSchemes", func(c *Config) { c.Schemes = SchemeConfig{} }, "no signature schemes"},
		{"NoSigners", func(c *Config) { c.Signers = nil }, "no signers"},
		{"BadMinSdk", func(c *Config) { c.MinSdkVersion = 0 }, "minSdkVersion"},
		{"BadSalt", func(c *Config) { c.VerityTreeSalt = "xyz" }, "verityTreeSalt"},
		{"BadLevel", func(c *Config) { c.LogLevel = "loud" }, "logLevel"},
		{"NoName", func(c *Config) { c.Signers[0].Name = "" }, "'name'"},
		{"Both", func(c *Config) { c.Signers[0].PKCS12 = "p" }, "not both"},
		{"Neither", func(c *Config) { c.Signers[0].Certificate = "" }, "both 'key' and 'certificate'"},
		{"RotationWithoutLineage", func(c *Config) {
			c.Signers = append(c.Signers, &SignerConfig{Name: "NEW", PKCS12: "p"})
		}, "lineage"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			c.Signers = signer()
			tc.modify(c)
			assert.ErrorContains(t, c.Validate(), tc.msg)
		})
	}
	c := Default()
	c.Signers = signer()
	assert.NoError(t, c.Validate())
}
