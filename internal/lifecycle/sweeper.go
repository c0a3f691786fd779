// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package lifecycle

import (
	"context"
	"time"

	"github.com/tomtom215/claudegate/internal/logging"
)

// Sweep performs one sweeper pass: every token inside the refresh
// threshold gets a background refresh kicked off. Errors on individual
// users are logged and never abort the pass.
func (m *Manager) Sweep(ctx context.Context) {
	users, err := m.store.List(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("sweeper failed to list tokens")
		return
	}

	now := m.now()
	triggered, removed := 0, 0
	for _, userID := range users {
		record, err := m.store.Get(ctx, userID)
		if err != nil {
			continue
		}
		if record.RefreshToken == "" {
			// Terminal record: nothing to refresh with, so an expired
			// one is removed instead.
			if record.Expired(now) {
				if err := m.Revoke(ctx, userID); err == nil {
					removed++
				}
			}
			continue
		}
		if record.ExpiresWithin(now, m.threshold) {
			m.TriggerRefresh(userID)
			triggered++
		}
	}

	if triggered > 0 || removed > 0 {
		logging.Debug().
			Int("users", len(users)).
			Int("triggered", triggered).
			Int("removed", removed).
			Msg("sweeper pass complete")
	}
}

// RunSweeper loops Sweep until the context is canceled. It is the body
// of the supervised sweeper service; it only ever returns the context's
// error, so the supervisor treats completion as a normal stop.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
