// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package oauth

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/claudegate/internal/logging"
	"github.com/tomtom215/claudegate/internal/metrics"
)

// BreakerClient wraps Client with a circuit breaker around the token
// endpoint. The trip threshold is deliberately high (80% failures over at
// least 20 requests): the refresh path already retries with backoff, and
// the breaker should only engage during a genuine provider outage, never
// during a single user's bad-credential loop.
//
// Refresh-token condemnation (ErrRefreshTokenDead) is reported to the
// breaker as success: the provider answered authoritatively, so the
// endpoint is healthy even though the credential is not.
type BreakerClient struct {
	client *Client
	cb     *gobreaker.CircuitBreaker[*Grant]
	name   string
}

// NewBreakerClient wraps a provider client with breaker protection.
func NewBreakerClient(client *Client) *BreakerClient {
	cbName := "claude-token-endpoint"
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[*Grant](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 20 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.8
			if shouldTrip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("[CIRCUIT BREAKER] Opening circuit to token endpoint")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},

		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRefreshTokenDead)
		},
	})

	return &BreakerClient{client: client, cb: cb, name: cbName}
}

// BuildAuthorizeURL renders the authorization URL; no network call, no
// breaker involvement.
func (b *BreakerClient) BuildAuthorizeURL(state, challenge string) string {
	return b.client.BuildAuthorizeURL(state, challenge)
}

// RedirectURI returns the configured callback URI.
func (b *BreakerClient) RedirectURI() string {
	return b.client.RedirectURI()
}

// ExchangeCode redeems an authorization code with breaker protection.
func (b *BreakerClient) ExchangeCode(ctx context.Context, code, verifier, state string) (*Grant, error) {
	return b.cb.Execute(func() (*Grant, error) {
		return b.client.ExchangeCode(ctx, code, verifier, state)
	})
}

// Refresh redeems a refresh token with breaker protection.
func (b *BreakerClient) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	return b.cb.Execute(func() (*Grant, error) {
		return b.client.Refresh(ctx, refreshToken)
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
