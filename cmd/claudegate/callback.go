// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var callbackCmd = &cobra.Command{
	Use:   "callback <code>",
	Short: "Complete a pending authorization flow",
	Long: `Complete the flow started by "claudegate login" with the
authorization code copied from the redirect URL. Trailing URL fragments
pasted along with the code are stripped automatically.`,
	Args: exactArgs(1),
	RunE: runCallback,
}

func runCallback(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	state := loadPendingState(eng.cfg, flagUser)
	if state == "" {
		return fmt.Errorf("no pending authorization flow, run \"claudegate login\" first")
	}

	record, err := eng.svc.CompleteFlow(cmd.Context(), flagUser, args[0], state)
	if err != nil {
		return err
	}
	clearPendingState(eng.cfg, flagUser)

	printf("Authenticated as %s.\n", record.UserID)
	printf("Token expires at %s (in %s).\n",
		record.ExpiresAt.Format(time.RFC3339),
		time.Until(record.ExpiresAt).Round(time.Second))
	return nil
}
