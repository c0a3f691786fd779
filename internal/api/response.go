// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Package api is the broker's HTTP surface: the /auth/claude endpoints,
// the identity middleware that maps proxy API keys to user IDs, and the
// operational /metrics and /healthz routes.
package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/claudegate/internal/logging"
)

// Error codes returned in JSON error bodies.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeMissingParams      = "MISSING_PARAMETERS"
	ErrCodeInvalidState       = "INVALID_STATE"
	ErrCodeStateExpired       = "STATE_EXPIRED"
	ErrCodeExchangeFailed     = "EXCHANGE_FAILED"
	ErrCodeNoRefreshToken     = "NO_REFRESH_TOKEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// apiError is the JSON error body for every non-2xx response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool     `json:"success"`
	Error   apiError `json:"error"`
}

// writeJSON encodes v with the shared JSON codec. Encoding failures are
// logged; by then the status line is already on the wire.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode response body")
	}
}

// writeError writes a standardized JSON error body.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Success: false,
		Error:   apiError{Code: code, Message: message},
	})
}
