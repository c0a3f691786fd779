// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package services

import (
	"context"

	"github.com/tomtom215/claudegate/internal/lifecycle"
)

// TokenSweeperService runs the lifecycle manager's background sweeper,
// which proactively refreshes tokens approaching expiry.
type TokenSweeperService struct {
	manager *lifecycle.Manager
}

// NewTokenSweeperService wraps the manager's sweeper loop as a
// supervised service.
func NewTokenSweeperService(manager *lifecycle.Manager) *TokenSweeperService {
	return &TokenSweeperService{manager: manager}
}

// Serve implements suture.Service. RunSweeper only returns the context
// error, so the supervisor sees cancellation as a normal stop.
func (s *TokenSweeperService) Serve(ctx context.Context) error {
	return s.manager.RunSweeper(ctx)
}

// String identifies the service in suture's log events.
func (s *TokenSweeperService) String() string {
	return "token-sweeper"
}
