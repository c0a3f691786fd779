// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package logging

import "strings"

// Redact masks a secret value for logging. Values of eight characters or
// fewer are fully masked; longer values keep the first four characters so
// operators can correlate tokens across log lines without exposing them.
//
// Every access token, refresh token, PKCE verifier, and authorization code
// that reaches a log line must pass through this function first.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + "****"
}

// RedactState masks an OAuth state parameter, keeping an eight character
// prefix. State values are not credentials, but full values in logs would
// let a log reader hijack a pending flow.
func RedactState(state string) string {
	if len(state) <= 8 {
		return state
	}
	return state[:8] + "..."
}

// SanitizeUserID strips control characters from a caller-supplied user
// identifier before it is logged, preventing log injection.
func SanitizeUserID(userID string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, userID)
}
