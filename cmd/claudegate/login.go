// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package main

import (
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tomtom215/claudegate/internal/logging"
)

var flagNoBrowser bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Start an authorization flow",
	Long: `Start an OAuth authorization flow: print the authorize URL, open it
in a browser, and remember the flow so a later "claudegate callback
<code>" can complete it.`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().BoolVar(&flagNoBrowser, "no-browser", false, "print the URL instead of opening a browser")
}

func runLogin(cmd *cobra.Command, _ []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	start, err := eng.svc.StartFlow(cmd.Context(), flagUser)
	if err != nil {
		return err
	}
	if err := savePendingState(eng.cfg, flagUser, start.State); err != nil {
		return err
	}

	printf("%s\n", start.Instructions)
	printf("Flow expires at %s.\n", start.ExpiresAt.Format("15:04:05"))
	printf("After authorizing, run: claudegate callback <code>\n")

	if !flagNoBrowser {
		if err := openBrowser(start.AuthorizeURL); err != nil {
			logging.Warn().Err(err).Msg("could not open browser, use the printed URL")
		}
	}
	return nil
}

// openBrowser launches the platform browser for the URL. Best effort.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
