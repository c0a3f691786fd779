// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package oauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/claudegate/internal/logging"
)

// maxErrorBodyBytes bounds how much of a provider error body is retained
// for error messages and logs.
const maxErrorBodyBytes = 2048

// Endpoints configures the provider URLs and client identity. Zero values
// fall back to the public Claude endpoints; an empty RefreshURL falls back
// to the token URL, which serves both grants at the public provider.
type Endpoints struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	RefreshURL   string
	RedirectURI  string
	Scopes       string
}

func (e Endpoints) withDefaults() Endpoints {
	if e.ClientID == "" {
		e.ClientID = DefaultClientID
	}
	if e.AuthorizeURL == "" {
		e.AuthorizeURL = DefaultAuthorizeURL
	}
	if e.TokenURL == "" {
		e.TokenURL = DefaultTokenURL
	}
	if e.RefreshURL == "" {
		e.RefreshURL = e.TokenURL
	}
	if e.RedirectURI == "" {
		e.RedirectURI = DefaultRedirectURI
	}
	if e.Scopes == "" {
		e.Scopes = DefaultScopes
	}
	return e
}

// Client calls the Claude token endpoint. It is safe for concurrent use.
type Client struct {
	endpoints Endpoints
	http      *http.Client
	now       func() time.Time
}

// NewClient creates a provider client. A nil httpClient gets a dedicated
// client with a 30 second timeout.
func NewClient(endpoints Endpoints, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoints: endpoints.withDefaults(),
		http:      httpClient,
		now:       time.Now,
	}
}

// BuildAuthorizeURL renders the authorization URL for one flow. The
// provider requires a literal code=true parameter ahead of the standard
// OAuth parameters, so the query is assembled in a fixed order instead of
// through url.Values.
func (c *Client) BuildAuthorizeURL(state, challenge string) string {
	params := []struct{ k, v string }{
		{"code", "true"},
		{"client_id", c.endpoints.ClientID},
		{"response_type", "code"},
		{"redirect_uri", c.endpoints.RedirectURI},
		{"scope", c.endpoints.Scopes},
		{"state", state},
		{"code_challenge", challenge},
		{"code_challenge_method", "S256"},
	}

	var sb strings.Builder
	sb.WriteString(c.endpoints.AuthorizeURL)
	for i, p := range params {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(p.k)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.v))
	}
	return sb.String()
}

// RedirectURI returns the configured callback URI, shown to users in the
// manual flow instructions.
func (c *Client) RedirectURI() string {
	return c.endpoints.RedirectURI
}

// ExchangeCode redeems an authorization code for tokens. The code is
// sanitized first; users routinely paste the full callback URL.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier, state string) (*Grant, error) {
	body := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     c.endpoints.ClientID,
		"code":          SanitizeCode(code),
		"redirect_uri":  c.endpoints.RedirectURI,
		"code_verifier": verifier,
		"state":         state,
	}

	status, respBody, err := c.post(ctx, c.endpoints.TokenURL, body)
	if err != nil {
		return nil, fmt.Errorf("code exchange request: %w", err)
	}
	if status < 200 || status >= 300 {
		logging.Warn().
			Int("status", status).
			Str("state", logging.RedactState(state)).
			Msg("code exchange rejected")
		return nil, &ExchangeError{Status: status, Body: truncate(respBody)}
	}

	grant, err := parseGrant(respBody, c.now())
	if err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, &ExchangeError{Status: status, Body: "response missing access token"}
	}
	return grant, nil
}

// Refresh redeems a refresh token for a fresh grant. A provider response
// that condemns the refresh token itself (401, 403, or invalid_grant)
// maps to ErrRefreshTokenDead; anything else non-2xx is a retryable
// *RefreshError.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     c.endpoints.ClientID,
	}

	status, respBody, err := c.post(ctx, c.endpoints.RefreshURL, body)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	if status < 200 || status >= 300 {
		if refreshTokenCondemned(status, respBody) {
			logging.Warn().
				Int("status", status).
				Str("refresh_token", logging.Redact(refreshToken)).
				Msg("refresh token rejected by provider")
			return nil, fmt.Errorf("%w: HTTP %d: %s", ErrRefreshTokenDead, status, truncate(respBody))
		}
		return nil, &RefreshError{Status: status, Body: truncate(respBody)}
	}

	grant, err := parseGrant(respBody, c.now())
	if err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, &RefreshError{Status: status, Body: "response missing access token"}
	}
	return grant, nil
}

// refreshTokenCondemned distinguishes permanent refresh-token rejection
// from transient failure.
func refreshTokenCondemned(status int, body []byte) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	return status == http.StatusBadRequest && bytes.Contains(body, []byte("invalid_grant"))
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]string) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(BetaHeader, BetaHeaderValue)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return string(body)
}
