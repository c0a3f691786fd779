// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/tomtom215/claudegate/internal/broker"
	"github.com/tomtom215/claudegate/internal/tokenstore"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the bootstrap environment variables",
	Long: `Print the stored grant as CLAUDE_ACCESS_TOKEN, CLAUDE_REFRESH_TOKEN,
and CLAUDE_EXPIRES_AT shell exports, suitable for eval or for seeding
another broker instance's environment tier.`,
	RunE: runExport,
}

func runExport(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	record, err := eng.store.Get(cmd.Context(), flagUser)
	if errors.Is(err, tokenstore.ErrTokenNotFound) {
		return broker.ErrNoToken
	}
	if err != nil {
		return err
	}

	printf("export %s=%q\n", tokenstore.EnvAccessToken, record.AccessToken)
	if record.RefreshToken != "" {
		printf("export %s=%q\n", tokenstore.EnvRefreshToken, record.RefreshToken)
	}
	printf("export %s=%d\n", tokenstore.EnvExpiresAt, record.ExpiresAt.Unix())
	return nil
}
