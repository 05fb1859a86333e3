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

package signcmd

import (
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sassoftware/apksigner/cmdline/shared"
	"github.com/sassoftware/apksigner/config"
	"github.com/sassoftware/apksigner/lib/atomicfile"
	"github.com/sassoftware/apksigner/signers/apk"
)

var SignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign an APK",
	RunE:  signCmd,
}

var (
	argFile      string
	argOutput    string
	argName      string
	argKey       string
	argCert      string
	argPKCS12    string
	argMinSdk    int
	argV1        bool
	argV2        bool
	argV3        bool
	argVerity    bool
	argLineage   string
	argWorkers   int
	argCreatedBy string
)

func init() {
	shared.RootCmd.AddCommand(SignCmd)
	flags := SignCmd.Flags()
	flags.StringVarP(&argFile, "file", "f", "", "Input APK to sign")
	flags.StringVarP(&argOutput, "output", "o", "", "Output file (default: replace the input)")
	flags.StringVar(&argName, "name", "CERT", "Signer name used for the v1 signature files")
	flags.StringVar(&argKey, "key", "", "Private key file, instead of the profile's signers")
	flags.StringVar(&argCert, "cert", "", "Certificate chain for --key")
	flags.StringVar(&argPKCS12, "pkcs12", "", "PKCS#12 bundle, instead of --key and --cert")
	flags.IntVar(&argMinSdk, "min-sdk", 0, "Oldest platform version the APK installs on")
	flags.BoolVar(&argV1, "v1", true, "Sign with JAR signing")
	flags.BoolVar(&argV2, "v2", true, "Sign with APK Signature Scheme v2")
	flags.BoolVar(&argV3, "v3", true, "Sign with APK Signature Scheme v3")
	flags.BoolVar(&argVerity, "verity", false, "Add verity signatures")
	flags.StringVar(&argLineage, "lineage", "", "Signing certificate lineage file")
	flags.IntVar(&argWorkers, "workers", 0, "Digest workers (default: one per CPU)")
	flags.StringVar(&argCreatedBy, "created-by", "", "Created-By value for the v1 signature files")
}

// profile applies the command line on top of the loaded profile
func profile(flags *pflag.FlagSet) *config.Config {
	cfg := *shared.CurrentConfig
	if argKey != "" || argCert != "" || argPKCS12 != "" {
		cfg.Signers = []*config.SignerConfig{{
			Name:        argName,
			Key:         argKey,
			Certificate: argCert,
			PKCS12:      argPKCS12,
		}}
	}
	if flags.Changed("min-sdk") {
		cfg.MinSdkVersion = argMinSdk
	}
	if flags.Changed("v1") {
		cfg.Schemes.V1 = argV1
	}
	if flags.Changed("v2") {
		cfg.Schemes.V2 = argV2
	}
	if flags.Changed("v3") {
		cfg.Schemes.V3 = argV3
	}
	if flags.Changed("verity") {
		cfg.Verity = argVerity
	}
	if argLineage != "" {
		cfg.Lineage = argLineage
	}
	if flags.Changed("workers") {
		cfg.Workers = argWorkers
	}
	if argCreatedBy != "" {
		cfg.CreatedBy = argCreatedBy
	}
	return &cfg
}

func signCmd(cmd *cobra.Command, args []string) error {
	if argFile == "" {
		return errors.New("--file is required")
	}
	if argOutput == "" {
		argOutput = argFile
	}
	if err := shared.InitConfig(); err != nil {
		return shared.Fail(err)
	}
	cfg := profile(cmd.Flags())
	if err := cfg.Validate(); err != nil {
		return shared.Fail(err)
	}
	eng, err := shared.NewEngine(cfg)
	if err != nil {
		return shared.Fail(err)
	}
	infile, err := os.Open(argFile)
	if err != nil {
		return shared.Fail(err)
	}
	defer infile.Close()
	fi, err := infile.Stat()
	if err != nil {
		return shared.Fail(err)
	}
	outfile, err := atomicfile.New(argOutput)
	if err != nil {
		return shared.Fail(err)
	}
	defer outfile.Close()
	start := time.Now()
	if err := apk.Sign(cmd.Context(), infile, fi.Size(), outfile, eng); err != nil {
		return shared.Fail(err)
	}
	infile.Close()
	if err := outfile.Commit(); err != nil {
		return shared.Fail(err)
	}
	log.Info().
		Str("input", argFile).
		Str("output", argOutput).
		Dur("elapsed", time.Since(start)).
		Msg("signed APK")
	return nil
}
