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

// Package config reads signing profiles, which name the keys to sign with and
// the signature schemes to apply.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sassoftware/apksigner/lib/sigalg"
	"github.com/sassoftware/apksigner/lib/signjar"
)

var (
	Version = "unknown" // set this at link time
	Commit  = "unknown" // set this at link time
)

type SignerConfig struct {
	Name        string `yaml:"name"`                  // Name of the signer, used for v1 signature file names (required)
	Key         string `yaml:"key,omitempty"`         // Path to a PEM or DER private key
	Certificate string `yaml:"certificate,omitempty"` // Path to the certificate chain for Key
	PKCS12      string `yaml:"pkcs12,omitempty"`      // Path to a PKCS#12 bundle, instead of Key and Certificate
	Password    string `yaml:"password,omitempty"`    // PKCS#12 password, otherwise will be prompted (optional)
}

type SchemeConfig struct {
	V1 bool `yaml:"v1"`
	V2 bool `yaml:"v2"`
	V3 bool `yaml:"v3"`
}

type Config struct {
	MinSdkVersion  int             `yaml:"minSdkVersion"`
	Schemes        SchemeConfig    `yaml:"schemes"`
	Verity         bool            `yaml:"verity"`
	CreatedBy      string          `yaml:"createdBy,omitempty"`
	Workers        int             `yaml:"workers,omitempty"`        // Digest workers, 0 for one per CPU
	Lineage        string          `yaml:"lineage,omitempty"`        // Path to a signing certificate lineage file
	VerityTreeSalt string          `yaml:"verityTreeSalt,omitempty"` // Hex salt for the verity tree (optional)
	LogLevel       string          `yaml:"logLevel,omitempty"`
	Signers        []*SignerConfig `yaml:"signers"`

	path string
}

// Default returns a profile that signs with every scheme for KitKat onwards
func Default() *Config {
	return &Config{
		MinSdkVersion: sigalg.KitKat,
		Schemes:       SchemeConfig{V1: true, V2: true, V3: true},
		CreatedBy:     signjar.DefaultCreatedBy,
		LogLevel:      "info",
	}
}

// ReadFile loads a profile on top of the defaults. Relative paths in it are
// resolved against the directory holding the profile.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	config.path = path
	config.resolvePaths(filepath.Dir(path))
	return config, nil
}

func (config *Config) Path() string {
	return config.path
}

func (config *Config) resolvePaths(dir string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	resolve(&config.Lineage)
	for _, signer := range config.Signers {
		resolve(&signer.Key)
		resolve(&signer.Certificate)
		resolve(&signer.PKCS12)
	}
}

// Validate checks the profile for settings that can't work together
func (config *Config) Validate() error {
	if config.MinSdkVersion < 1 {
		return fmt.Errorf("minSdkVersion must be positive, not %d", config.MinSdkVersion)
	}
	if !config.Schemes.V1 && !config.Schemes.V2 && !config.Schemes.V3 {
		return errors.New("no signature schemes enabled")
	}
	if config.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if _, err := config.VeritySalt(); err != nil {
		return err
	}
	if _, err := config.Level(); err != nil {
		return err
	}
	if len(config.Signers) == 0 {
		return errors.New("no signers defined in configuration")
	}
	for i, signer := range config.Signers {
		if signer.Name == "" {
			return fmt.Errorf("signer #%d does not specify required value 'name'", i+1)
		}
		switch {
		case signer.PKCS12 != "" && (signer.Key != "" || signer.Certificate != ""):
			return fmt.Errorf("signer \"%s\" must specify either 'pkcs12' or 'key' and 'certificate', not both", signer.Name)
		case signer.PKCS12 == "" && (signer.Key == "" || signer.Certificate == ""):
			return fmt.Errorf("signer \"%s\" must specify 'pkcs12' or both 'key' and 'certificate'", signer.Name)
		}
	}
	if len(config.Signers) > 1 && config.Lineage == "" && config.Schemes.V3 {
		return errors.New("multiple v3 signers require a signing certificate lineage")
	}
	return nil
}

// VeritySalt decodes the verity tree salt. Nil selects the default salt.
func (config *Config) VeritySalt() ([]byte, error) {
	if config.VerityTreeSalt == "" {
		return nil, nil
	}
	salt, err := hex.DecodeString(config.VerityTreeSalt)
	if err != nil {
		return nil, fmt.Errorf("verityTreeSalt: %w", err)
	}
	return salt, nil
}

func (config *Config) Level() (zerolog.Level, error) {
	if config.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logLevel: %w", err)
	}
	return level, nil
}
