// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package lifecycle

import (
	"context"

	"github.com/tomtom215/claudegate/internal/metrics"
)

// Stats is a point-in-time summary of the token population. It is
// computed by scanning the store, so concurrent refreshes can make it
// momentarily stale; that is fine for health pages and dashboards.
type Stats struct {
	ActiveTokens   int   `json:"active_tokens"`
	ExpiringSoon   int   `json:"expiring_soon"`
	Expired        int   `json:"expired"`
	Refreshing     int   `json:"refreshing"`
	TotalRefreshes int64 `json:"total_refreshes"`
	MaxUsers       int   `json:"max_users"`
}

// Stats scans the store and returns population counts, mirroring the
// gauges to prometheus as a side effect.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	users, err := m.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}

	now := m.now()
	stats := Stats{
		Refreshing:     m.RefreshingCount(),
		TotalRefreshes: m.totalRefreshes.Load(),
	}

	for _, userID := range users {
		record, err := m.store.Get(ctx, userID)
		if err != nil {
			continue
		}
		switch {
		case record.Expired(now):
			stats.Expired++
		case record.ExpiresWithin(now, m.threshold):
			stats.ExpiringSoon++
			stats.ActiveTokens++
		default:
			stats.ActiveTokens++
		}
		if record.IsMax {
			stats.MaxUsers++
		}
	}

	metrics.ActiveTokens.Set(float64(stats.ActiveTokens))
	return stats, nil
}
