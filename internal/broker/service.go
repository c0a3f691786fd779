// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Package broker is the façade the HTTP surface and the CLI talk to. It
// ties the flow store, the provider client, and the lifecycle manager
// into the five operations a caller cares about: start a flow, complete
// it, get a token, refresh, revoke.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/claudegate/internal/crypto"
	"github.com/tomtom215/claudegate/internal/flowstate"
	"github.com/tomtom215/claudegate/internal/lifecycle"
	"github.com/tomtom215/claudegate/internal/logging"
	"github.com/tomtom215/claudegate/internal/metrics"
	"github.com/tomtom215/claudegate/internal/oauth"
	"github.com/tomtom215/claudegate/internal/tokenstore"
)

// ManualEntryState is the documented CSRF bypass: a caller that carried
// the authorization code by hand (CLI paste) presents this instead of
// the real state, and the broker resolves it to the user's most recent
// pending flow. Disabled via flow.allow_manual_entry.
const ManualEntryState = "manual_entry"

// ErrNoToken indicates the user has no stored grant at all.
var ErrNoToken = errors.New("user is not authenticated")

// ErrManualEntryDisabled indicates the manual_entry bypass is switched
// off in config.
var ErrManualEntryDisabled = errors.New("manual code entry is disabled")

// ErrNoPendingFlow indicates manual_entry was presented but the user
// never started a flow in this process.
var ErrNoPendingFlow = errors.New("no pending authorization flow for user")

// ProviderClient is the provider surface the broker needs. Satisfied by
// both oauth.Client and oauth.BreakerClient.
type ProviderClient interface {
	BuildAuthorizeURL(state, challenge string) string
	ExchangeCode(ctx context.Context, code, verifier, state string) (*oauth.Grant, error)
	RedirectURI() string
}

// Config tunes the broker façade.
type Config struct {
	FlowTTL          time.Duration
	AllowManualEntry bool
}

// Service is the broker façade. Safe for concurrent use.
type Service struct {
	flows    flowstate.Store
	client   ProviderClient
	tokens   *lifecycle.Manager
	flowTTL  time.Duration
	allowMan bool

	// Most recent state issued per user, so manual_entry can find the
	// flow the pasted code belongs to. In-memory only: a restart
	// between start and manual completion requires starting over, same
	// as the original CLI workflow.
	mu        sync.Mutex
	lastState map[string]string

	now func() time.Time
}

// NewService assembles the broker façade.
func NewService(flows flowstate.Store, client ProviderClient, tokens *lifecycle.Manager, cfg Config) *Service {
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = flowstate.DefaultTTL
	}
	return &Service{
		flows:     flows,
		client:    client,
		tokens:    tokens,
		flowTTL:   cfg.FlowTTL,
		allowMan:  cfg.AllowManualEntry,
		lastState: make(map[string]string),
		now:       time.Now,
	}
}

// FlowStart is everything a caller needs to drive the browser half of
// an authorization flow.
type FlowStart struct {
	AuthorizeURL string    `json:"authorization_url"`
	State        string    `json:"state"`
	ExpiresAt    time.Time `json:"expires_at"`
	Instructions string    `json:"instructions"`
}

// StartFlow issues a fresh PKCE flow for the user: new verifier,
// challenge, and state, persisted so the callback can redeem it.
func (s *Service) StartFlow(ctx context.Context, userID string) (*FlowStart, error) {
	if !tokenstore.ValidUserID(userID) {
		return nil, fmt.Errorf("invalid user ID")
	}

	pkce, err := crypto.GeneratePKCE()
	if err != nil {
		metrics.FlowsStarted.WithLabelValues("error").Inc()
		return nil, err
	}
	state, err := crypto.GenerateState()
	if err != nil {
		metrics.FlowsStarted.WithLabelValues("error").Inc()
		return nil, err
	}

	now := s.now()
	flow := &flowstate.Flow{
		State:     state,
		Verifier:  pkce.Verifier,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.flowTTL),
	}
	if err := s.flows.Put(ctx, flow); err != nil {
		metrics.FlowsStarted.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("persist flow state: %w", err)
	}

	s.mu.Lock()
	s.lastState[userID] = state
	s.mu.Unlock()

	authURL := s.client.BuildAuthorizeURL(state, pkce.Challenge)

	metrics.FlowsStarted.WithLabelValues("ok").Inc()
	logging.Info().
		Str("user_id", logging.SanitizeUserID(userID)).
		Str("state", logging.RedactState(state)).
		Msg("authorization flow started")

	return &FlowStart{
		AuthorizeURL: authURL,
		State:        state,
		ExpiresAt:    flow.ExpiresAt,
		Instructions: manualInstructions(authURL, s.client.RedirectURI()),
	}, nil
}

// CompleteFlow redeems an authorization code. The state is consumed
// exactly once; a replayed callback fails with flowstate.ErrStateNotFound.
func (s *Service) CompleteFlow(ctx context.Context, userID, code, state string) (*tokenstore.TokenRecord, error) {
	if state == ManualEntryState {
		if !s.allowMan {
			return nil, ErrManualEntryDisabled
		}
		s.mu.Lock()
		resolved, ok := s.lastState[userID]
		s.mu.Unlock()
		if !ok {
			metrics.FlowsCompleted.WithLabelValues("state_not_found").Inc()
			return nil, ErrNoPendingFlow
		}
		state = resolved
	}

	flow, err := s.flows.Take(ctx, state)
	if err != nil {
		switch {
		case errors.Is(err, flowstate.ErrStateExpired):
			metrics.FlowsCompleted.WithLabelValues("state_expired").Inc()
		case errors.Is(err, flowstate.ErrStateNotFound):
			metrics.FlowsCompleted.WithLabelValues("state_not_found").Inc()
		}
		return nil, err
	}

	// The flow's owner wins over the caller-supplied user ID: the state
	// was bound at start time and a mismatched callback must not write
	// tokens under someone else's name.
	if userID != "" && flow.UserID != userID {
		metrics.FlowsCompleted.WithLabelValues("state_not_found").Inc()
		logging.Warn().
			Str("flow_user", logging.SanitizeUserID(flow.UserID)).
			Str("caller_user", logging.SanitizeUserID(userID)).
			Msg("callback user does not match flow owner")
		return nil, flowstate.ErrStateNotFound
	}

	grant, err := s.client.ExchangeCode(ctx, code, flow.Verifier, flow.State)
	if err != nil {
		metrics.FlowsCompleted.WithLabelValues("exchange_failed").Inc()
		return nil, err
	}

	record, err := s.tokens.StoreGrant(ctx, flow.UserID, grant)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.lastState, flow.UserID)
	s.mu.Unlock()

	metrics.FlowsCompleted.WithLabelValues("success").Inc()
	logging.Info().
		Str("user_id", logging.SanitizeUserID(flow.UserID)).
		Str("access_token", logging.Redact(record.AccessToken)).
		Time("expires_at", record.ExpiresAt).
		Msg("authorization flow completed")
	return record, nil
}

// GetAccessToken returns a usable access token for the user, refreshing
// as the lifecycle demands.
func (s *Service) GetAccessToken(ctx context.Context, userID string) (string, error) {
	token, err := s.tokens.GetAccessToken(ctx, userID)
	if errors.Is(err, tokenstore.ErrTokenNotFound) {
		return "", ErrNoToken
	}
	return token, err
}

// Refresh forces an immediate refresh regardless of expiry.
func (s *Service) Refresh(ctx context.Context, userID string) (*tokenstore.TokenRecord, error) {
	record, err := s.tokens.Refresh(ctx, userID, true)
	if errors.Is(err, tokenstore.ErrTokenNotFound) {
		return nil, ErrNoToken
	}
	return record, err
}

// Revoke removes the user's tokens everywhere and drops any pending
// flow bookkeeping for them. The flow sweep is best effort; a failing
// sweep never blocks the revocation.
func (s *Service) Revoke(ctx context.Context, userID string) error {
	s.mu.Lock()
	delete(s.lastState, userID)
	s.mu.Unlock()

	if _, err := s.flows.Sweep(ctx); err != nil {
		logging.Debug().
			Str("user_id", logging.SanitizeUserID(userID)).
			Err(err).
			Msg("flow sweep during revoke failed")
	}
	return s.tokens.Revoke(ctx, userID)
}

// Headers returns the outbound provider headers for the user: the
// bearer authorization plus the OAuth beta header.
func (s *Service) Headers(ctx context.Context, userID string) (map[string]string, error) {
	token, err := s.GetAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Authorization":  "Bearer " + token,
		oauth.BetaHeader: oauth.BetaHeaderValue,
	}, nil
}

// Status describes one user's authentication state without exposing
// token material.
type Status struct {
	Authenticated      bool      `json:"authenticated"`
	ExpiresAt          time.Time `json:"expires_at,omitempty"`
	ExpiresIn          int64     `json:"expires_in"`
	NeedsRefresh       bool      `json:"needs_refresh"`
	Scopes             []string  `json:"scopes,omitempty"`
	RefreshCount       int       `json:"refresh_count"`
	LastUsed           time.Time `json:"last_used,omitempty"`
	IsMax              bool      `json:"is_max"`
	AutoRefreshEnabled bool      `json:"auto_refresh_enabled"`
}

// Status reports the user's authentication state. An unauthenticated
// user gets a zero status, not an error.
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	record, err := s.tokens.Peek(ctx, userID)
	if errors.Is(err, tokenstore.ErrTokenNotFound) {
		return &Status{AutoRefreshEnabled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	expiresIn := int64(record.ExpiresAt.Sub(s.now()).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &Status{
		Authenticated:      true,
		ExpiresAt:          record.ExpiresAt,
		ExpiresIn:          expiresIn,
		NeedsRefresh:       s.tokens.NeedsRefresh(record),
		Scopes:             record.Scopes,
		RefreshCount:       record.RefreshCount,
		LastUsed:           record.LastUsedAt,
		IsMax:              record.IsMax,
		AutoRefreshEnabled: true,
	}, nil
}

// Stats returns the token population summary.
func (s *Service) Stats(ctx context.Context) (lifecycle.Stats, error) {
	return s.tokens.Stats(ctx)
}
