// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Package metrics defines the Prometheus instruments exported at /metrics.
// All instruments are registered at init via promauto; packages record into
// them directly rather than threading a registry through constructors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowsStarted counts authorization flows issued, by outcome of the
	// start request itself.
	FlowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claudegate_oauth_flows_started_total",
		Help: "Authorization flows started",
	}, []string{"status"})

	// FlowsCompleted counts callback outcomes: success, state_not_found,
	// state_expired, exchange_failed.
	FlowsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claudegate_oauth_flows_completed_total",
		Help: "Authorization flow callback outcomes",
	}, []string{"status"})

	// TokenRefreshes counts refresh attempts by outcome: success, failure,
	// dead (refresh token permanently rejected).
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claudegate_token_refreshes_total",
		Help: "Token refresh attempts by outcome",
	}, []string{"outcome"})

	// RefreshDuration observes wall time of refresh round trips including
	// retries.
	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "claudegate_token_refresh_duration_seconds",
		Help:    "Duration of token refresh operations",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveTokens tracks the number of users with a non-expired token.
	ActiveTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "claudegate_active_tokens",
		Help: "Users with a currently valid token",
	})

	// RefreshingTokens tracks refreshes in flight.
	RefreshingTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "claudegate_refreshing_tokens",
		Help: "Token refreshes currently in flight",
	})

	// PendingFlows tracks unredeemed authorization flows.
	PendingFlows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "claudegate_pending_flows",
		Help: "Authorization flows awaiting callback",
	})

	// TokenRequests counts access-token lookups by result tier: request,
	// cache, store, env, refresh, miss.
	TokenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claudegate_token_requests_total",
		Help: "Access token lookups by serving tier",
	}, []string{"tier"})

	// InterceptedRequests counts proxied provider requests by outcome:
	// injected, retried, fallback, oauth_required.
	InterceptedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claudegate_intercepted_requests_total",
		Help: "Provider requests passing through the interceptor",
	}, []string{"outcome"})

	// CircuitBreakerState exposes the token endpoint breaker state:
	// 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "claudegate_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	// CircuitBreakerTransitions counts breaker state changes.
	CircuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claudegate_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"name", "from", "to"})
)
