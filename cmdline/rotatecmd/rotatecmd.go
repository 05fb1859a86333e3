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

package rotatecmd

import (
	"crypto/x509"
	"errors"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sassoftware/apksigner/cmdline/shared"
	"github.com/sassoftware/apksigner/config"
	"github.com/sassoftware/apksigner/lib/certloader"
	"github.com/sassoftware/apksigner/lib/lineage"
	"github.com/sassoftware/apksigner/lib/x509tools"
)

var RotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Extend a signing certificate lineage with a new signer",
	RunE:  rotateCmd,
}

var (
	argIn       string
	argOut      string
	argOld      config.SignerConfig
	argNewCert  string
	argRollback bool
)

func init() {
	shared.RootCmd.AddCommand(RotateCmd)
	flags := RotateCmd.Flags()
	flags.StringVar(&argIn, "in", "", "Existing lineage to extend (default: start a new one)")
	flags.StringVar(&argOut, "out", "", "Lineage file to write")
	flags.StringVar(&argOld.Key, "old-key", "", "Private key of the current signer")
	flags.StringVar(&argOld.Certificate, "old-cert", "", "Certificate of the current signer")
	flags.StringVar(&argOld.PKCS12, "old-pkcs12", "", "PKCS#12 bundle of the current signer")
	flags.StringVar(&argNewCert, "new-cert", "", "Certificate of the new signer")
	flags.BoolVar(&argRollback, "rollback", false, "Allow the platform to roll back to the current signer")
}

func rotateCmd(cmd *cobra.Command, args []string) error {
	if argOut == "" || argNewCert == "" {
		return errors.New("--out and --new-cert are required")
	}
	if argOld.PKCS12 == "" && (argOld.Key == "" || argOld.Certificate == "") {
		return errors.New("--old-pkcs12, or --old-key and --old-cert, are required")
	}
	argOld.Name = "old"
	old, err := shared.LoadCertificate(&argOld)
	if err != nil {
		return shared.Fail(err)
	}
	newCert, err := loadCertificate(argNewCert)
	if err != nil {
		return shared.Fail(err)
	}
	var lin *lineage.Lineage
	if argIn != "" {
		lin, err = lineage.ReadFile(argIn)
		if err != nil {
			return shared.Fail(err)
		}
	} else {
		lin = lineage.New(old.Leaf, lineage.DefaultCapabilities)
	}
	flags := lineage.DefaultCapabilities
	if argRollback {
		flags |= lineage.Rollback
	}
	lin, err = lin.Spawn(lineage.Signer{Key: old.Signer(), Certificate: old.Leaf}, newCert, flags)
	if err != nil {
		return shared.Fail(err)
	}
	if err := lin.WriteFile(argOut); err != nil {
		return shared.Fail(err)
	}
	log.Info().
		Str("lineage", argOut).
		Int("certificates", lin.Len()).
		Str("newest", x509tools.FormatSubject(newCert)).
		Msg("rotated signing certificate")
	return nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	certs, err := certloader.ParseCertificates(blob)
	if err != nil {
		return nil, err
	}
	return certs.Leaf, nil
}
