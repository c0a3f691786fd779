// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Package oauth speaks the Claude authorization protocol: building
// authorization URLs, exchanging PKCE-protected authorization codes, and
// refreshing tokens. The provider's flow is OAuth-shaped but not OIDC:
// the authorize endpoint needs a literal code=true parameter, the token
// endpoint takes JSON rather than form encoding, and refreshes carry a
// provider beta header.
package oauth

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Provider constants for the Claude OAuth endpoints. These are fixed for
// the public client; config can override endpoints for testing.
const (
	DefaultClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	DefaultAuthorizeURL = "https://claude.ai/oauth/authorize"
	DefaultTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	DefaultRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	DefaultScopes       = "org:create_api_key user:profile user:inference"

	// BetaHeader must accompany every token-endpoint call and every
	// provider API call authenticated with an OAuth access token.
	BetaHeader      = "anthropic-beta"
	BetaHeaderValue = "oauth-2025-04-20"
)

// defaultExpiresIn is assumed when the token endpoint omits expires_in.
const defaultExpiresIn = 3600 * time.Second

// Grant is a normalized token-endpoint response: absolute expiry, split
// scopes, and snake_case/camelCase field variants already reconciled.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	IsMax        bool
}

// tokenResponse is the wire shape of a token-endpoint response. The
// provider has emitted both snake_case and camelCase over time, so both
// spellings are accepted for every field.
type tokenResponse struct {
	AccessToken       string `json:"access_token"`
	AccessTokenCamel  string `json:"accessToken"`
	RefreshToken      string `json:"refresh_token"`
	RefreshTokenCamel string `json:"refreshToken"`
	ExpiresIn         *int64 `json:"expires_in"`
	ExpiresInCamel    *int64 `json:"expiresIn"`
	Scope             string `json:"scope"`
	IsMax             *bool  `json:"is_max"`
}

// parseGrant normalizes a raw token-endpoint body. now anchors the
// relative expires_in to an absolute instant.
func parseGrant(body []byte, now time.Time) (*Grant, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	grant := &Grant{
		AccessToken:  firstNonEmpty(resp.AccessToken, resp.AccessTokenCamel),
		RefreshToken: firstNonEmpty(resp.RefreshToken, resp.RefreshTokenCamel),
		IsMax:        true,
	}
	if resp.IsMax != nil {
		grant.IsMax = *resp.IsMax
	}

	expiresIn := defaultExpiresIn
	switch {
	case resp.ExpiresIn != nil:
		expiresIn = time.Duration(*resp.ExpiresIn) * time.Second
	case resp.ExpiresInCamel != nil:
		expiresIn = time.Duration(*resp.ExpiresInCamel) * time.Second
	}
	grant.ExpiresAt = now.Add(expiresIn)

	if resp.Scope != "" {
		grant.Scopes = strings.Fields(resp.Scope)
	}
	return grant, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// SanitizeCode strips URL fragments and trailing query parameters that
// browsers append when users copy the full callback URL instead of the
// bare code. Everything from the first '#' or '&' onward is discarded.
func SanitizeCode(code string) string {
	code = strings.TrimSpace(code)
	if i := strings.IndexByte(code, '#'); i >= 0 {
		code = code[:i]
	}
	if i := strings.IndexByte(code, '&'); i >= 0 {
		code = code[:i]
	}
	return code
}
