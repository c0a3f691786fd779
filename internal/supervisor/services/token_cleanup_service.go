// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package services

import (
	"context"
	"time"

	"github.com/tomtom215/claudegate/internal/logging"
	"github.com/tomtom215/claudegate/internal/tokenstore"
)

// DefaultCleanupInterval is how often stale token records are purged.
// Record age is measured in days, so a daily scan is plenty.
const DefaultCleanupInterval = 24 * time.Hour

// TokenCleanupService periodically removes token records that have not
// been used for longer than maxAge. Same policy as `claudegate admin
// cleanup`, run unattended.
type TokenCleanupService struct {
	store    tokenstore.DocStore
	maxAge   time.Duration
	interval time.Duration
}

// NewTokenCleanupService wraps the stale-record purge as a supervised
// service. maxAge comes from store.cleanup_max_age.
func NewTokenCleanupService(store tokenstore.DocStore, maxAge, interval time.Duration) *TokenCleanupService {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &TokenCleanupService{store: store, maxAge: maxAge, interval: interval}
}

// Serve implements suture.Service. The first purge runs immediately so
// a long-stopped server catches up on start.
func (s *TokenCleanupService) Serve(ctx context.Context) error {
	s.purge(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *TokenCleanupService) purge(ctx context.Context) {
	removed, err := tokenstore.Cleanup(ctx, s.store, s.maxAge, time.Now())
	if err != nil {
		logging.Warn().Err(err).Msg("token cleanup failed")
		return
	}
	if removed > 0 {
		logging.Info().
			Int("removed", removed).
			Dur("max_age", s.maxAge).
			Msg("stale token records removed")
	}
}

// String identifies the service in suture's log events.
func (s *TokenCleanupService) String() string {
	return "token-cleanup"
}
