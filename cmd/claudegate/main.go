// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Command claudegate is the local CLI for the broker engine: drive an
// authorization flow from a terminal, inspect token status, and export
// the bootstrap variables, all against the same stores the server uses.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tomtom215/claudegate/internal/config"
	"github.com/tomtom215/claudegate/internal/logging"
)

// Exit codes, for scripting.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeFailure indicates an expected failure: no token stored,
	// a refresh the provider rejected, a store that cannot be opened.
	ExitCodeFailure = 1
	// ExitCodeUsage indicates a bad invocation: unknown flags or
	// commands, wrong argument count.
	ExitCodeUsage = 2
)

// usageError marks errors caused by how the command was invoked rather
// than by the operation failing.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

// exactArgs is cobra.ExactArgs with the usage exit code attached.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

var (
	flagUser   string
	flagConfig string
)

var rootCmd = &cobra.Command{
	Use:   "claudegate",
	Short: "OAuth token broker for Claude",
	Long: `claudegate manages OAuth tokens for Claude from the terminal.

It shares configuration and storage with the broker server, so a token
obtained here is immediately visible to a running server and vice
versa.`,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		// The CLI prints results to stdout; logs stay on stderr at
		// warn level so normal runs are quiet.
		logging.Init(logging.Config{Level: "warn", Format: "console"})
		if flagConfig != "" {
			os.Setenv(config.ConfigPathEnvVar, flagConfig)
		}
	},
}

func init() {
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "default", "user the tokens belong to")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the config file")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(callbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes to the documented exit codes. Cobra
// reports an unknown subcommand as a plain error, so that one is
// matched by message.
func exitCode(err error) int {
	var usage usageError
	if errors.As(err, &usage) || strings.HasPrefix(err.Error(), "unknown command") {
		return ExitCodeUsage
	}
	return ExitCodeFailure
}

// printf writes user-facing output to stdout. Secrets are only ever
// printed here, never logged.
func printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
}
