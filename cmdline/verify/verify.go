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

package verify

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sassoftware/apksigner/cmdline/shared"
	"github.com/sassoftware/apksigner/lib/apkdigest"
	"github.com/sassoftware/apksigner/lib/certloader"
	"github.com/sassoftware/apksigner/lib/sigalg"
	"github.com/sassoftware/apksigner/lib/x509tools"
	"github.com/sassoftware/apksigner/signers/apk"
)

var VerifyCmd = &cobra.Command{
	Use:   "verify FILE...",
	Short: "Verify the signatures of one or more APKs",
	RunE:  verifyCmd,
}

var (
	argMinSdk     int
	argMaxSdk     int
	argPrintCerts bool
	argCerts      []string

	expectedCerts []*x509.Certificate
)

func init() {
	shared.RootCmd.AddCommand(VerifyCmd)
	VerifyCmd.Flags().IntVar(&argMinSdk, "min-sdk", sigalg.KitKat, "Oldest platform version the APK must verify on")
	VerifyCmd.Flags().IntVar(&argMaxSdk, "max-sdk", 0, "Newest platform version the APK must verify on (default: all)")
	VerifyCmd.Flags().BoolVar(&argPrintCerts, "print-certs", false, "Print the signing certificates of each scheme")
	VerifyCmd.Flags().StringArrayVar(&argCerts, "cert", nil, "Require the newest signer to be one of these certificates")
}

func verifyCmd(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("expected 1 or more files")
	}
	if err := shared.InitConfig(); err != nil {
		return shared.Fail(err)
	}
	if err := loadCerts(); err != nil {
		return shared.Fail(err)
	}
	rc := 0
	for _, path := range args {
		if err := verifyOne(cmd, path); err != nil {
			fmt.Printf("%s ERROR: %s\n", path, err)
			rc = 1
		}
	}
	if rc != 0 {
		fmt.Fprintln(os.Stderr, "ERROR: 1 or more files did not validate")
	}
	os.Exit(rc)
	return nil
}

func loadCerts() error {
	for _, path := range argCerts {
		blob, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		certs, err := certloader.ParseCertificates(blob)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		expectedCerts = append(expectedCerts, certs.Leaf)
	}
	return nil
}

func verifyOne(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	salt, err := shared.CurrentConfig.VeritySalt()
	if err != nil {
		return err
	}
	result, err := apk.Verify(cmd.Context(), f, fi.Size(), apk.VerifyOptions{
		MinSdkVersion: argMinSdk,
		MaxSdkVersion: argMaxSdk,
		Executor:      apkdigest.NewParallelExecutor(shared.CurrentConfig.Workers),
		VeritySalt:    salt,
	})
	if err != nil {
		return err
	}
	signer := result.Signer()
	if len(expectedCerts) != 0 && !slices.ContainsFunc(expectedCerts, signer.Equal) {
		return fmt.Errorf("signed by an unexpected certificate: %s", x509tools.FormatSubject(signer))
	}
	schemes := make([]string, 0, 3)
	for _, scheme := range result.Schemes() {
		schemes = append(schemes, fmt.Sprintf("v%d", scheme))
	}
	log.Debug().Str("path", path).Strs("schemes", schemes).Msg("verified")
	fmt.Printf("%s: OK - %s - %s\n", path, strings.Join(schemes, ", "), x509tools.FormatSubject(signer))
	if argPrintCerts {
		printCerts(result)
	}
	return nil
}

func printCerts(result *apk.Result) {
	if result.V1 != nil {
		for _, s := range result.V1.Signers {
			printCert(fmt.Sprintf("v1 signer %s", s.Name), s.Certificates[0])
		}
	}
	for i, s := range result.V2 {
		printCert(fmt.Sprintf("v2 signer #%d", i+1), s.Certificates[0])
	}
	for i, s := range result.V3 {
		printCert(fmt.Sprintf("v3 signer #%d (sdk %d-%d)", i+1, s.MinSdkVersion, s.MaxSdkVersion), s.Certificates[0])
		if s.Lineage != nil {
			for j, cert := range s.Lineage.Certificates() {
				printCert(fmt.Sprintf("  lineage #%d", j+1), cert)
			}
		}
	}
}

func printCert(label string, cert *x509.Certificate) {
	fmt.Printf("  %s: %s\n    SHA-256: %s\n", label, x509tools.FormatSubject(cert), x509tools.Fingerprint(cert, crypto.SHA256))
}
