// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package main

import (
	"time"

	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force an immediate token refresh",
	RunE:  runRefresh,
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	record, err := eng.svc.Refresh(cmd.Context(), flagUser)
	if err != nil {
		return err
	}

	printf("Token refreshed, expires at %s (in %s).\n",
		record.ExpiresAt.Format(time.RFC3339),
		time.Until(record.ExpiresAt).Round(time.Second))
	return nil
}
