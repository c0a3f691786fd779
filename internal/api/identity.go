// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/tomtom215/claudegate/internal/logging"
)

// DefaultUserID is the identity assigned to every caller when no proxy
// API keys are configured (single-user mode).
const DefaultUserID = "default"

type contextKey int

const userIDKey contextKey = iota

// UserIDFromContext returns the caller identity set by the Identity
// middleware, or DefaultUserID when none was set.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok && id != "" {
		return id
	}
	return DefaultUserID
}

// WithUserID returns a context carrying the caller identity. Exposed for
// tests and in-process callers.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// bearerKey extracts the proxy API key from the request: Authorization
// "Bearer <key>" first, the x-api-key header second.
func bearerKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(key)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// Identity maps the caller's proxy API key to a user ID. With an empty
// key map every caller is DefaultUserID; with keys configured, a request
// whose key is unknown is rejected with 401.
func Identity(apiKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := DefaultUserID
			if len(apiKeys) > 0 {
				key := bearerKey(r)
				if key == "" {
					writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing API key")
					return
				}
				mapped, ok := apiKeys[key]
				if !ok {
					logging.Warn().
						Str("path", r.URL.Path).
						Str("remote", r.RemoteAddr).
						Msg("request with unrecognized API key")
					writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "unrecognized API key")
					return
				}
				userID = mapped
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
