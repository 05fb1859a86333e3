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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sassoftware/apksigner/config"
)

var (
	ArgConfig   string
	ArgLogLevel string
	ArgLogFile  string
	argVersion  bool
)

var CurrentConfig *config.Config

var lateHooks []func()

var RootCmd = &cobra.Command{
	Use:               "apksigner",
	Short:             "Sign and verify Android packages",
	PersistentPreRunE: preRun,
	RunE:              bailUnlessVersion,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&ArgConfig, "config", "c", "", "Signing profile")
	RootCmd.PersistentFlags().StringVar(&ArgLogLevel, "log-level", "", "Log level (default from profile, or info)")
	RootCmd.PersistentFlags().StringVar(&ArgLogFile, "log-file", "", "Write JSON logs to this file, or - for stderr")
	RootCmd.PersistentFlags().BoolVar(&argVersion, "version", false, "Show version and exit")
}

func preRun(cmd *cobra.Command, args []string) error {
	if argVersion {
		fmt.Printf("apksigner version %s (%s)\n", config.Version, config.Commit)
		os.Exit(0)
	}
	return SetupLogging(ArgLogLevel, ArgLogFile)
}

func bailUnlessVersion(cmd *cobra.Command, args []string) error {
	if !argVersion {
		return errors.New("expected a command")
	}
	return nil
}

func AddLateHook(f func()) {
	lateHooks = append(lateHooks, f)
}

func Main() {
	for _, f := range lateHooks {
		f()
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := RootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
