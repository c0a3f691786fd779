// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package main

import (
	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored tokens",
	RunE:  runLogout,
}

func runLogout(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.svc.Revoke(cmd.Context(), flagUser); err != nil {
		return err
	}
	clearPendingState(eng.cfg, flagUser)

	printf("Tokens for %s removed.\n", flagUser)
	return nil
}
