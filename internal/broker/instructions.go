// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package broker

import "fmt"

// manualInstructions renders the human-readable walkthrough returned
// with every flow start, for users completing the flow by hand.
func manualInstructions(authURL, redirectURI string) string {
	return fmt.Sprintf(`
Claude OAuth Authentication Required
====================================

1. Open this URL in your browser:
   %s

2. Sign in to Claude and authorize the application

3. You'll be redirected to a URL like:
   %s?code=CODE&state=STATE

4. Copy the CODE value from the URL

5. Complete authentication by providing the code

Note: The authorization code expires quickly, so complete this process promptly.
`, authURL, redirectURI)
}
