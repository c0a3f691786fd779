// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Package lifecycle drives each user's token through its states: valid,
// near expiry, refreshing, dead. It owns the single-flight refresh (one
// provider call per user no matter how many requests need it), the retry
// policy, and the background sweeper that refreshes tokens before they
// expire.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/claudegate/internal/logging"
	"github.com/tomtom215/claudegate/internal/metrics"
	"github.com/tomtom215/claudegate/internal/oauth"
	"github.com/tomtom215/claudegate/internal/tokenstore"
)

const (
	// DefaultRefreshThreshold is how close to expiry a token gets before
	// the manager refreshes it proactively.
	DefaultRefreshThreshold = 5 * time.Minute

	// DefaultSweepInterval is how often the sweeper scans for tokens
	// approaching expiry.
	DefaultSweepInterval = time.Minute

	// refreshAttempts bounds retries per refresh operation.
	refreshAttempts = 3

	// backgroundRefreshTimeout bounds a sweeper- or trigger-initiated
	// refresh that has no caller waiting on it.
	backgroundRefreshTimeout = 2 * time.Minute
)

// RefreshClient is the slice of the provider client the manager needs.
type RefreshClient interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth.Grant, error)
}

// Config tunes the manager. Zero values take the defaults above.
type Config struct {
	RefreshThreshold time.Duration
	SweepInterval    time.Duration
}

// Manager owns token lifecycle for all users. All methods are safe for
// concurrent use.
type Manager struct {
	store     tokenstore.Store
	client    RefreshClient
	threshold time.Duration
	sweepTick time.Duration

	mu         sync.Mutex
	refreshing map[string]chan struct{}
	userLocks  map[string]*sync.Mutex

	totalRefreshes atomic.Int64

	// Injected for tests; production uses the real clock.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a lifecycle manager over a token store and provider
// client.
func NewManager(store tokenstore.Store, client RefreshClient, cfg Config) *Manager {
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = DefaultRefreshThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Manager{
		store:      store,
		client:     client,
		threshold:  cfg.RefreshThreshold,
		sweepTick:  cfg.SweepInterval,
		refreshing: make(map[string]chan struct{}),
		userLocks:  make(map[string]*sync.Mutex),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// userLock returns the per-user mutex, creating it on first use. It
// serializes grant writes and revocations against refreshes for the same
// user.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.userLocks[userID] = lock
	}
	return lock
}

// GetAccessToken returns a usable access token for the user. A token
// inside the refresh threshold is served as-is while a background
// refresh is kicked off; an expired token forces a synchronous refresh,
// with concurrent callers joining the same in-flight operation.
func (m *Manager) GetAccessToken(ctx context.Context, userID string) (string, error) {
	record, err := m.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}

	now := m.now()
	switch {
	case !record.ExpiresWithin(now, m.threshold):
		m.touch(ctx, userID)
		return record.AccessToken, nil

	case !record.Expired(now):
		// Near expiry: still valid, serve it and refresh in the
		// background so the next caller gets a fresh one.
		m.touch(ctx, userID)
		m.TriggerRefresh(userID)
		return record.AccessToken, nil

	default:
		refreshed, err := m.Refresh(ctx, userID, false)
		if err != nil {
			return "", err
		}
		return refreshed.AccessToken, nil
	}
}

// touch records usage. It re-reads under the user lock so a stale copy
// never overwrites a concurrently refreshed record. Best effort; a
// failed write never blocks serving the token.
func (m *Manager) touch(ctx context.Context, userID string) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	record, err := m.store.Get(ctx, userID)
	if err != nil {
		return
	}
	record.LastUsedAt = m.now()
	if err := m.store.Put(ctx, record); err != nil {
		logging.Debug().
			Str("user_id", logging.SanitizeUserID(userID)).
			Err(err).
			Msg("failed to record token usage")
	}
}

// StoreGrant persists a fresh grant for a user, as produced by a
// completed authorization flow. It holds the user lock so a concurrent
// refresh cannot clobber the new tokens with stale ones.
func (m *Manager) StoreGrant(ctx context.Context, userID string, grant *oauth.Grant) (*tokenstore.TokenRecord, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	record := &tokenstore.TokenRecord{
		UserID:       userID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		Scopes:       grant.Scopes,
		IsMax:        grant.IsMax,
		CreatedAt:    now,
		LastUsedAt:   now,
	}

	if prev, err := m.store.Get(ctx, userID); err == nil {
		record.CreatedAt = prev.CreatedAt
		record.RefreshCount = prev.RefreshCount
		if record.RefreshToken == "" {
			record.RefreshToken = prev.RefreshToken
		}
	}

	if err := m.store.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("store grant: %w", err)
	}
	return record, nil
}

// Revoke removes a user's tokens from every tier. Revoking an absent
// user is not an error.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return m.store.Delete(ctx, userID)
}

// TriggerRefresh starts a background refresh for the user unless one is
// already in flight. It returns immediately.
func (m *Manager) TriggerRefresh(userID string) {
	m.mu.Lock()
	_, inFlight := m.refreshing[userID]
	m.mu.Unlock()
	if inFlight {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()
		if _, err := m.Refresh(ctx, userID, false); err != nil &&
			!errors.Is(err, tokenstore.ErrTokenNotFound) {
			logging.Warn().
				Str("user_id", logging.SanitizeUserID(userID)).
				Err(err).
				Msg("background refresh failed")
		}
	}()
}

// Refresh obtains a fresh grant for the user. Concurrent callers for the
// same user coalesce onto one provider call; late joiners wait for it and
// re-read the store. With force false, a token outside the refresh
// threshold is returned untouched (another caller refreshed it already).
//
// A provider verdict of ErrRefreshTokenDead, or exhaustion of the retry
// budget, deletes the user's record: re-authentication is the only way
// forward and serving a corpse helps nobody. Context cancellation is the
// caller giving up, not the provider's verdict, so the record survives it.
func (m *Manager) Refresh(ctx context.Context, userID string, force bool) (*tokenstore.TokenRecord, error) {
	m.mu.Lock()
	if ch, inFlight := m.refreshing[userID]; inFlight {
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return m.store.Get(ctx, userID)
	}
	ch := make(chan struct{})
	m.refreshing[userID] = ch
	m.mu.Unlock()

	metrics.RefreshingTokens.Inc()
	defer func() {
		m.mu.Lock()
		delete(m.refreshing, userID)
		m.mu.Unlock()
		close(ch)
		metrics.RefreshingTokens.Dec()
	}()

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	record, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if record.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token stored", oauth.ErrRefreshTokenDead)
	}
	if !force && !record.ExpiresWithin(m.now(), m.threshold) {
		return record, nil
	}

	start := m.now()
	grant, err := m.refreshWithRetry(ctx, record.RefreshToken)
	metrics.RefreshDuration.Observe(m.now().Sub(start).Seconds())

	if err != nil {
		// A caller abort is not a verdict on the refresh token: the
		// record stays so the next caller can try again.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			metrics.TokenRefreshes.WithLabelValues("failure").Inc()
			logging.Warn().
				Str("user_id", logging.SanitizeUserID(userID)).
				Err(err).
				Msg("refresh aborted by caller, keeping token record")
			return nil, err
		}
		if errors.Is(err, oauth.ErrRefreshTokenDead) {
			metrics.TokenRefreshes.WithLabelValues("dead").Inc()
		} else {
			metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		}
		logging.Warn().
			Str("user_id", logging.SanitizeUserID(userID)).
			Err(err).
			Msg("refresh failed, removing token record")
		if delErr := m.store.Delete(ctx, userID); delErr != nil {
			logging.Error().
				Str("user_id", logging.SanitizeUserID(userID)).
				Err(delErr).
				Msg("failed to remove dead token record")
		}
		return nil, err
	}

	record.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		// Rotated refresh token replaces the old one; absence retains it
		record.RefreshToken = grant.RefreshToken
	}
	record.ExpiresAt = grant.ExpiresAt
	if len(grant.Scopes) > 0 {
		record.Scopes = grant.Scopes
	}
	record.IsMax = grant.IsMax
	record.RefreshCount++
	record.LastUsedAt = m.now()

	if err := m.store.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	m.totalRefreshes.Add(1)
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	logging.Info().
		Str("user_id", logging.SanitizeUserID(userID)).
		Str("access_token", logging.Redact(record.AccessToken)).
		Time("expires_at", record.ExpiresAt).
		Msg("token refreshed")
	return record, nil
}

// refreshWithRetry calls the provider up to refreshAttempts times with
// exponential backoff (2^attempt seconds). ErrRefreshTokenDead stops
// retrying immediately; so does context cancellation.
func (m *Manager) refreshWithRetry(ctx context.Context, refreshToken string) (*oauth.Grant, error) {
	var lastErr error
	for attempt := 1; attempt <= refreshAttempts; attempt++ {
		grant, err := m.client.Refresh(ctx, refreshToken)
		if err == nil {
			return grant, nil
		}
		if errors.Is(err, oauth.ErrRefreshTokenDead) {
			return nil, err
		}
		lastErr = err

		if attempt < refreshAttempts {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			logging.Debug().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(err).
				Msg("refresh attempt failed, retrying")
			if err := m.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("refresh failed after %d attempts: %w", refreshAttempts, lastErr)
}

// Peek returns the user's record without refreshing, touching, or
// otherwise disturbing it. Status pages use this.
func (m *Manager) Peek(ctx context.Context, userID string) (*tokenstore.TokenRecord, error) {
	return m.store.Get(ctx, userID)
}

// NeedsRefresh reports whether a record is inside the refresh threshold.
func (m *Manager) NeedsRefresh(record *tokenstore.TokenRecord) bool {
	return record.ExpiresWithin(m.now(), m.threshold)
}

// TotalRefreshes returns the number of successful refreshes since start.
func (m *Manager) TotalRefreshes() int64 {
	return m.totalRefreshes.Load()
}

// RefreshingCount returns the number of refreshes currently in flight.
func (m *Manager) RefreshingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refreshing)
}
