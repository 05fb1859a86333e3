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
	"fmt"
	stdlog "log"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sassoftware/apksigner/config"
)

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// SetupLogging points the global logger at stderr, as text unless logFile
// asks for JSON. An empty levelName defers to the profile, if one is loaded
// later.
func SetupLogging(levelName, logFile string) error {
	zerolog.TimeFieldFormat = rfc3339Milli
	zerolog.DurationFieldInteger = true
	switch logFile {
	case "-":
		// JSON to stderr
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case "":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}).With().Timestamp().Logger()
	default:
		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
		if err != nil {
			return fmt.Errorf("log file: %w", err)
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
	}
	if levelName == "" {
		levelName = zerolog.InfoLevel.String()
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.Logger = log.Logger.Level(level)
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
	return nil
}

// applyConfigLevel lowers or raises the log level to the profile's setting
// unless one was given on the command line
func applyConfigLevel(cfg *config.Config) error {
	if ArgLogLevel != "" {
		return nil
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	log.Logger = log.Logger.Level(level)
	return nil
}
