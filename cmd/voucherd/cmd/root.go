// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0
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

// Package cmd is voucherd's cobra+viper+logrus CLI, adapted from the
// teacher's perf/cmd/root.go wiring (PP_-prefixed env vars there, ORCH_ here;
// same logrus text formatter and Execute()-returns-exit-code shape).
package cmd

import (
	"os"

	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "voucherd",
	Short: "Per-binding transaction orchestrator for automated voucher purchase loops",
	Long:  "voucherd runs a dedicated worker per binding, driving a cyclic start/poll/OTP state machine against a provider and coordinating through a shared registry.",
}

func init() {
	viper.SetEnvPrefix("ORCH")
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to an optional YAML config file")

	logger := &logrus.Logger{
		Out:   os.Stderr,
		Level: logrus.InfoLevel,
		Formatter: &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000",
		},
	}
	logrus.SetFormatter(logger.Formatter)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// Execute runs the CLI and returns the process exit code: 0 clean shutdown,
// 1 configuration error, 2 registry/database unreachable at startup - exactly
// the three codes spec.md §6 mandates.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		logrus.Errorln(err)
		if code, ok := err.(exitCoder); ok {
			return code.ExitCode()
		}
		return 1
	}
	return 0
}

// exitCoder lets a subcommand distinguish a configuration error (1) from a
// registry/database unreachable at startup (2) without Execute() needing to
// know about either subcommand's internals.
type exitCoder interface {
	error
	ExitCode() int
}

type taggedExitError struct {
	cause error
	code  int
}

func (e *taggedExitError) Error() string { return e.cause.Error() }
func (e *taggedExitError) ExitCode() int  { return e.code }

func exitErrorf(code int, err error) error {
	return &taggedExitError{cause: err, code: code}
}
