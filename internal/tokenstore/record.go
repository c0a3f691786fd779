// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Package tokenstore persists one token record per user across a tiered
// hierarchy: an in-memory TTL cache, an encrypted persistent store (file
// per user or BadgerDB), and a read-only environment bootstrap tier.
// Access and refresh tokens are sealed with the crypto envelope before
// they touch disk; everything else in a record is plaintext metadata.
package tokenstore

import (
	"errors"
	"time"
)

// ErrTokenNotFound indicates no record exists for the user in any tier.
var ErrTokenNotFound = errors.New("no token for user")

// TokenRecord is the unit of storage: one user's current grant plus
// bookkeeping. Records are upserted whole; there is never more than one
// per user.
type TokenRecord struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	IsMax        bool      `json:"is_max"`
	RefreshCount int       `json:"refresh_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// Expired reports whether the access token is past its expiry.
func (r *TokenRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// ExpiresWithin reports whether the access token expires inside the
// given window. An already-expired token trivially does.
func (r *TokenRecord) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !r.ExpiresAt.After(now.Add(window))
}

// Clone returns a deep copy so callers can mutate without racing the
// cache's copy.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	copied := *r
	if r.Scopes != nil {
		copied.Scopes = append([]string(nil), r.Scopes...)
	}
	return &copied
}
