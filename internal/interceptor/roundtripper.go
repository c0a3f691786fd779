// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Package interceptor rewrites upstream-bound requests to carry OAuth
// bearer credentials instead of raw API keys, and retries once after an
// upstream auth failure.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tomtom215/claudegate/internal/api"
	"github.com/tomtom215/claudegate/internal/broker"
	"github.com/tomtom215/claudegate/internal/logging"
	"github.com/tomtom215/claudegate/internal/metrics"
	"github.com/tomtom215/claudegate/internal/tokenstore"
)

// ErrOAuthRequired indicates the user has no OAuth material and API-key
// fallback is disabled.
var ErrOAuthRequired = errors.New("oauth authentication required and no token available")

// maxErrorBodyPeek bounds how much of an upstream error body is read
// when looking for auth-failure indicators.
const maxErrorBodyPeek = 64 * 1024

// authFailureIndicators are the upstream error-body markers that signal
// a stale or rejected token.
var authFailureIndicators = []string{
	"token_expired",
	"invalid_token",
	"expired",
	"unauthorized",
}

// TokenSource is the slice of the broker the interceptor needs.
// Satisfied by *broker.Service.
type TokenSource interface {
	Headers(ctx context.Context, userID string) (map[string]string, error)
	Refresh(ctx context.Context, userID string) (*tokenstore.TokenRecord, error)
}

// Config tunes the interceptor.
type Config struct {
	// Hosts are the upstream hostnames whose requests get bearer
	// injection. Port suffixes in request URLs are ignored.
	Hosts []string

	// FallbackToAPIKey leaves the original headers untouched when the
	// user has no OAuth material. When false such requests fail with
	// ErrOAuthRequired.
	FallbackToAPIKey bool
}

// Transport is an http.RoundTripper that injects per-user bearer
// credentials into upstream requests. Wire it into any http.Client
// whose requests carry a caller identity in their context.
type Transport struct {
	base     http.RoundTripper
	tokens   TokenSource
	hosts    map[string]struct{}
	fallback bool

	// userID resolves the caller identity from the outbound request.
	// Defaults to the identity middleware's context key.
	userID func(*http.Request) string
}

var _ http.RoundTripper = (*Transport)(nil)

// NewTransport wraps base with bearer injection. A nil base uses
// http.DefaultTransport.
func NewTransport(base http.RoundTripper, tokens TokenSource, cfg Config) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	hosts := make(map[string]struct{}, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		hosts[strings.ToLower(h)] = struct{}{}
	}
	return &Transport{
		base:     base,
		tokens:   tokens,
		hosts:    hosts,
		fallback: cfg.FallbackToAPIKey,
		userID: func(r *http.Request) string {
			return api.UserIDFromContext(r.Context())
		},
	}
}

// WithUserIDFunc overrides how the caller identity is derived from the
// request.
func (t *Transport) WithUserIDFunc(fn func(*http.Request) string) *Transport {
	t.userID = fn
	return t
}

// upstream reports whether the request targets a configured host.
func (t *Transport) upstream(r *http.Request) bool {
	host := strings.ToLower(r.URL.Hostname())
	_, ok := t.hosts[host]
	return ok
}

// RoundTrip injects the user's bearer headers on upstream requests and
// retries exactly once after an upstream auth failure, forcing a
// synchronous refresh in between. A second failure is returned as-is.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.upstream(req) {
		return t.base.RoundTrip(req)
	}

	userID := t.userID(req)
	headers, err := t.tokens.Headers(req.Context(), userID)
	if errors.Is(err, broker.ErrNoToken) {
		if t.fallback {
			metrics.InterceptedRequests.WithLabelValues("passthrough").Inc()
			return t.base.RoundTrip(req)
		}
		metrics.InterceptedRequests.WithLabelValues("oauth_required").Inc()
		return nil, ErrOAuthRequired
	}
	if err != nil {
		return nil, err
	}

	resp, err := t.send(req, headers)
	if err != nil {
		return nil, err
	}

	retry, resp := t.shouldRetry(resp)
	if !retry {
		metrics.InterceptedRequests.WithLabelValues("injected").Inc()
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		// Cannot replay a consumed body; surface the failure.
		metrics.InterceptedRequests.WithLabelValues("injected").Inc()
		return resp, nil
	}

	logging.Info().
		Str("user_id", logging.SanitizeUserID(userID)).
		Int("status", resp.StatusCode).
		Msg("upstream rejected token, refreshing and retrying once")

	if _, err := t.tokens.Refresh(req.Context(), userID); err != nil {
		metrics.InterceptedRequests.WithLabelValues("refresh_failed").Inc()
		logging.Warn().Err(err).
			Str("user_id", logging.SanitizeUserID(userID)).
			Msg("synchronous refresh after upstream auth failure failed")
		return resp, nil
	}
	headers, err = t.tokens.Headers(req.Context(), userID)
	if err != nil {
		metrics.InterceptedRequests.WithLabelValues("refresh_failed").Inc()
		return resp, nil
	}

	resp.Body.Close()
	metrics.InterceptedRequests.WithLabelValues("retried").Inc()
	return t.send(req, headers)
}

// send clones the request, swaps the API-key header for the bearer
// headers, and dispatches it.
func (t *Transport) send(req *http.Request, headers map[string]string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	out.Header.Del("x-api-key")
	for k, v := range headers {
		out.Header.Set(k, v)
	}
	return t.base.RoundTrip(out)
}

// shouldRetry decides whether the upstream response signals an auth
// failure. It may consume part of the error body; the returned response
// always carries a replayable body.
func (t *Transport) shouldRetry(resp *http.Response) (bool, *http.Response) {
	if resp.StatusCode == http.StatusUnauthorized {
		return true, resp
	}
	if resp.StatusCode < 400 {
		return false, resp
	}

	peeked, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPeek))
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(peeked))
		return false, resp
	}
	rest := resp.Body
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(peeked), rest), rest}

	body := strings.ToLower(string(peeked))
	for _, indicator := range authFailureIndicators {
		if strings.Contains(body, indicator) {
			return true, resp
		}
	}
	return false, resp
}
