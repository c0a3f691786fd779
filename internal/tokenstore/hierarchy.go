// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/claudegate/internal/metrics"
)

// Hierarchy composes the tiers into one Store: cache in front,
// persistent store behind it, environment bootstrap at the bottom. Reads
// promote upward on hit; writes and deletes go through every tier. The
// environment tier is read-only; a hit there is promoted into the
// writable tiers so the lifecycle manager can refresh and persist it
// like any other record.
type Hierarchy struct {
	cache      *Cache
	persistent Store
	env        *EnvTier
}

// NewHierarchy assembles the tiers. cache and env may be nil; persistent
// must not be.
func NewHierarchy(cache *Cache, persistent Store, env *EnvTier) (*Hierarchy, error) {
	if persistent == nil {
		return nil, errors.New("hierarchy requires a persistent store")
	}
	return &Hierarchy{cache: cache, persistent: persistent, env: env}, nil
}

// Get walks the tiers top down, promoting on hit.
func (h *Hierarchy) Get(ctx context.Context, userID string) (*TokenRecord, error) {
	if h.cache != nil {
		if record := h.cache.Get(userID); record != nil {
			metrics.TokenRequests.WithLabelValues("cache").Inc()
			return record, nil
		}
	}

	record, err := h.persistent.Get(ctx, userID)
	if err == nil {
		metrics.TokenRequests.WithLabelValues("store").Inc()
		if h.cache != nil {
			h.cache.Put(record)
		}
		return record, nil
	}
	if !errors.Is(err, ErrTokenNotFound) {
		return nil, err
	}

	if h.env != nil {
		if record := h.env.Get(userID); record != nil {
			metrics.TokenRequests.WithLabelValues("env").Inc()
			// Promote so refreshes have a writable home
			if err := h.persistent.Put(ctx, record); err != nil {
				return nil, fmt.Errorf("promote environment token: %w", err)
			}
			if h.cache != nil {
				h.cache.Put(record)
			}
			return record.Clone(), nil
		}
	}

	metrics.TokenRequests.WithLabelValues("miss").Inc()
	return nil, ErrTokenNotFound
}

// Put writes through cache and persistent tiers.
func (h *Hierarchy) Put(ctx context.Context, record *TokenRecord) error {
	if err := h.persistent.Put(ctx, record); err != nil {
		return err
	}
	if h.cache != nil {
		h.cache.Put(record)
	}
	return nil
}

// Delete removes the record from every writable tier.
func (h *Hierarchy) Delete(ctx context.Context, userID string) error {
	if h.cache != nil {
		h.cache.Delete(userID)
	}
	return h.persistent.Delete(ctx, userID)
}

// List returns user IDs known to the persistent tier, plus the
// environment user when the environment grant has not been promoted yet.
func (h *Hierarchy) List(ctx context.Context) ([]string, error) {
	users, err := h.persistent.List(ctx)
	if err != nil {
		return nil, err
	}
	if h.env != nil && h.env.HasRecord() {
		found := false
		for _, u := range users {
			if u == EnvUserID {
				found = true
				break
			}
		}
		if !found {
			users = append(users, EnvUserID)
		}
	}
	return users, nil
}

// Close closes the persistent tier.
func (h *Hierarchy) Close() error {
	return h.persistent.Close()
}

// PurgeCache evicts the entire cache tier.
func (h *Hierarchy) PurgeCache() {
	if h.cache != nil {
		h.cache.Purge()
	}
}

// Persistent exposes the backing store for maintenance operations
// (rotation, backup) that bypass the cache.
func (h *Hierarchy) Persistent() Store {
	return h.persistent
}

// Compile-time interface assertion
var _ Store = (*Hierarchy)(nil)
