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

package shared

import (
	"errors"
	"fmt"
	"os"

	"github.com/howeyc/gopass"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/sassoftware/apksigner/config"
	"github.com/sassoftware/apksigner/lib/apkdigest"
	"github.com/sassoftware/apksigner/lib/certloader"
	"github.com/sassoftware/apksigner/lib/lineage"
	"github.com/sassoftware/apksigner/lib/signapk"
)

// InitConfig loads the profile named by --config, or the default profile if
// there is one, or the built-in defaults
func InitConfig() error {
	if CurrentConfig != nil {
		return nil
	}
	path := ArgConfig
	if path == "" {
		path = config.DefaultConfig()
	}
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.ReadFile(path)
		if err != nil {
			return err
		}
		log.Debug().Str("path", path).Msg("loaded signing profile")
	}
	if err := applyConfigLevel(cfg); err != nil {
		return err
	}
	CurrentConfig = cfg
	return nil
}

func Fail(err error) error {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(70)
	}
	return err
}

// terminalPrompt reads passwords from the controlling terminal without echo
type terminalPrompt struct{}

func (terminalPrompt) GetPasswd(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("a password is required but standard input is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := gopass.GetPasswd()
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// LoadCertificate reads the key and certificate chain of one signer
func LoadCertificate(sc *config.SignerConfig) (*certloader.Certificate, error) {
	var cert *certloader.Certificate
	var err error
	if sc.PKCS12 != "" {
		var prompt certloader.PasswordGetter = terminalPrompt{}
		if sc.Password != "" {
			prompt = certloader.FixedPassword(sc.Password)
		}
		cert, err = certloader.LoadPKCS12(sc.PKCS12, prompt)
	} else {
		cert, err = certloader.LoadX509KeyPair(sc.Certificate, sc.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("signer %s: %w", sc.Name, err)
	}
	if cert.Signer() == nil {
		return nil, fmt.Errorf("signer %s: private key of type %T can't sign", sc.Name, cert.PrivateKey)
	}
	return cert, nil
}

// LoadSigners reads the keys and certificates of every signer in the profile
func LoadSigners(cfg *config.Config) ([]*signapk.SignerIdentity, error) {
	identities := make([]*signapk.SignerIdentity, 0, len(cfg.Signers))
	for _, sc := range cfg.Signers {
		cert, err := LoadCertificate(sc)
		if err != nil {
			return nil, err
		}
		id, err := signapk.NewSignerIdentity(sc.Name, cert.Signer(), cert.Chain())
		if err != nil {
			return nil, err
		}
		log.Debug().
			Str("signer", sc.Name).
			Str("subject", cert.Leaf.Subject.String()).
			Msg("loaded signer")
		identities = append(identities, id)
	}
	return identities, nil
}

// NewEngine builds a signing engine from a validated profile
func NewEngine(cfg *config.Config) (*signapk.Engine, error) {
	ids, err := LoadSigners(cfg)
	if err != nil {
		return nil, err
	}
	var lin *lineage.Lineage
	if cfg.Lineage != "" {
		lin, err = lineage.ReadFile(cfg.Lineage)
		if err != nil {
			return nil, fmt.Errorf("lineage: %w", err)
		}
	}
	salt, err := cfg.VeritySalt()
	if err != nil {
		return nil, err
	}
	return signapk.New(signapk.Config{
		Signers:       ids,
		MinSdkVersion: cfg.MinSdkVersion,
		V1:            cfg.Schemes.V1,
		V2:            cfg.Schemes.V2,
		V3:            cfg.Schemes.V3,
		Verity:        cfg.Verity,
		CreatedBy:     cfg.CreatedBy,
		Lineage:       lin,
		Executor:      apkdigest.NewParallelExecutor(cfg.Workers),
		VeritySalt:    salt,
		Logger:        &log.Logger,
	})
}
