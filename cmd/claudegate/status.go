// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/claudegate/internal/broker"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	status, err := eng.svc.Status(cmd.Context(), flagUser)
	if err != nil {
		return err
	}

	printf("User:           %s\n", flagUser)
	if !status.Authenticated {
		printf("Authenticated:  no\n")
		return broker.ErrNoToken
	}

	printf("Authenticated:  yes\n")
	printf("Expires:        %s (in %s)\n",
		status.ExpiresAt.Format(time.RFC3339),
		time.Until(status.ExpiresAt).Round(time.Second))
	printf("Needs refresh:  %v\n", status.NeedsRefresh)
	printf("Scopes:         %s\n", strings.Join(status.Scopes, " "))
	printf("Refresh count:  %d\n", status.RefreshCount)
	if !status.LastUsed.IsZero() {
		printf("Last used:      %s\n", status.LastUsed.Format(time.RFC3339))
	}
	printf("Max plan:       %v\n", status.IsMax)
	return nil
}
