// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Package flowstate stores pending PKCE authorization flows keyed by the
// CSRF state parameter. A flow record is written when an authorization URL
// is issued and consumed exactly once when the callback arrives; consuming
// it again fails, which is what makes replayed callbacks harmless.
//
// Three backends are provided: in-memory (tests, single process), file
// (zero-dependency operation, one JSON file per pending flow), and
// BadgerDB (durable, TTL-based expiry handled by the database).
package flowstate

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long an issued authorization URL stays redeemable.
// Ten minutes matches the provider's own authorization page timeout.
const DefaultTTL = 10 * time.Minute

var (
	// ErrStateNotFound indicates the state parameter does not correspond to
	// any pending flow: it was never issued, already consumed, or swept.
	ErrStateNotFound = errors.New("flow state not found")

	// ErrStateExpired indicates the flow existed but outlived its TTL.
	// The record is deleted as a side effect of the failed take.
	ErrStateExpired = errors.New("flow state expired")
)

// Flow is one pending authorization flow. The verifier is the PKCE secret
// for the flow and must never be logged or returned to HTTP callers.
type Flow struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the flow is past its TTL at the given instant.
func (f *Flow) Expired(now time.Time) bool {
	return now.After(f.ExpiresAt)
}

// Store persists pending flows. Implementations must make Take atomic:
// two concurrent takes of the same state must not both succeed.
type Store interface {
	// Put records a pending flow keyed by its state parameter.
	Put(ctx context.Context, flow *Flow) error

	// Take consumes a pending flow. The record is removed whether the
	// flow is live or expired; expired flows return ErrStateExpired,
	// unknown states return ErrStateNotFound.
	Take(ctx context.Context, state string) (*Flow, error)

	// Sweep removes expired flows and returns how many were removed.
	// Backends with native TTL expiry may remove little or nothing here.
	Sweep(ctx context.Context) (int, error)

	// Count returns the number of live pending flows.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
