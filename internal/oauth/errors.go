// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package oauth

import (
	"errors"
	"fmt"
)

// ErrRefreshTokenDead indicates the provider rejected the refresh token
// itself. Retrying is pointless; the user must re-authorize. Callers that
// see this error stop scheduling refreshes for the affected user.
var ErrRefreshTokenDead = errors.New("refresh token rejected by provider")

// ExchangeError reports a non-2xx response from the code exchange.
// Body is truncated and safe to log; authorization codes never appear in
// token-endpoint error bodies.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("code exchange failed: HTTP %d: %s", e.Status, e.Body)
}

// RefreshError reports a non-2xx response from a token refresh that is
// still retryable (transient provider failure, rate limit).
type RefreshError struct {
	Status int
	Body   string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: HTTP %d: %s", e.Status, e.Body)
}
