// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/claudegate/internal/broker"
	"github.com/tomtom215/claudegate/internal/flowstate"
	"github.com/tomtom215/claudegate/internal/lifecycle"
	"github.com/tomtom215/claudegate/internal/logging"
	"github.com/tomtom215/claudegate/internal/oauth"
)

// maxCallbackBody bounds the callback request body. Authorization codes
// are short; anything larger is hostile.
const maxCallbackBody = 64 * 1024

// Handler serves the /auth/claude endpoints on top of the broker façade.
type Handler struct {
	svc *broker.Service
	now func() time.Time
}

// NewHandler builds the HTTP handler set. A nil service is tolerated and
// reported as unavailable by the health endpoint, so the surface can
// come up before the engine does.
func NewHandler(svc *broker.Service) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

// StartFlow handles POST /auth/claude/start.
func (h *Handler) StartFlow(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "broker not initialized")
		return
	}
	userID := UserIDFromContext(r.Context())

	start, err := h.svc.StartFlow(r.Context(), userID)
	if err != nil {
		logging.Error().Err(err).
			Str("user_id", logging.SanitizeUserID(userID)).
			Msg("failed to start authorization flow")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to start authorization flow")
		return
	}
	writeJSON(w, http.StatusOK, start)
}

// callbackRequest carries the authorization-code delivery, from either a
// JSON body or query-string parameters.
type callbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// parseCallback accepts both programmatic JSON bodies and browser
// redirect query strings.
func parseCallback(r *http.Request) callbackRequest {
	var req callbackRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}
	if req.Code == "" {
		req.Code = r.URL.Query().Get("code")
	}
	if req.State == "" {
		req.State = r.URL.Query().Get("state")
	}
	return req
}

type callbackResponse struct {
	Success   bool  `json:"success"`
	ExpiresIn int64 `json:"expires_in"`
}

// CompleteFlow handles POST /auth/claude/callback.
func (h *Handler) CompleteFlow(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "broker not initialized")
		return
	}
	userID := UserIDFromContext(r.Context())

	req := parseCallback(r)
	if req.Code == "" || req.State == "" {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeMissingParams, "code and state are required")
		return
	}

	record, err := h.svc.CompleteFlow(r.Context(), userID, req.Code, req.State)
	if err != nil {
		h.writeCallbackError(w, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, callbackResponse{
		Success:   true,
		ExpiresIn: int64(record.ExpiresAt.Sub(h.now()).Seconds()),
	})
}

func (h *Handler) writeCallbackError(w http.ResponseWriter, userID string, err error) {
	var exchErr *oauth.ExchangeError
	switch {
	case errors.Is(err, flowstate.ErrStateExpired):
		writeError(w, http.StatusBadRequest, ErrCodeStateExpired, "authorization flow expired, start over")
	case errors.Is(err, flowstate.ErrStateNotFound):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidState, "unknown or already-used state")
	case errors.Is(err, broker.ErrNoPendingFlow):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidState, "no pending authorization flow")
	case errors.Is(err, broker.ErrManualEntryDisabled):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "manual code entry is disabled")
	case errors.As(err, &exchErr):
		logging.Error().Err(err).
			Str("user_id", logging.SanitizeUserID(userID)).
			Msg("code exchange rejected by provider")
		writeError(w, http.StatusBadGateway, ErrCodeExchangeFailed, "provider rejected the authorization code")
	default:
		logging.Error().Err(err).
			Str("user_id", logging.SanitizeUserID(userID)).
			Msg("failed to complete authorization flow")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to complete authorization flow")
	}
}

// Status handles GET /auth/claude/status. Unauthenticated users get a
// 200 with authenticated=false, never an error.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "broker not initialized")
		return
	}
	status, err := h.svc.Status(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to read token status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Refresh handles POST /auth/claude/refresh: an unconditional refresh,
// 400 when the user has nothing refreshable.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "broker not initialized")
		return
	}
	userID := UserIDFromContext(r.Context())

	record, err := h.svc.Refresh(r.Context(), userID)
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrNoToken), errors.Is(err, oauth.ErrRefreshTokenDead):
		writeError(w, http.StatusBadRequest, ErrCodeNoRefreshToken, "no usable refresh token for user")
		return
	default:
		logging.Error().Err(err).
			Str("user_id", logging.SanitizeUserID(userID)).
			Msg("forced refresh failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "refresh failed")
		return
	}

	writeJSON(w, http.StatusOK, callbackResponse{
		Success:   true,
		ExpiresIn: int64(record.ExpiresAt.Sub(h.now()).Seconds()),
	})
}

// Revoke handles DELETE /auth/claude/revoke. Idempotent.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "broker not initialized")
		return
	}
	userID := UserIDFromContext(r.Context())
	if err := h.svc.Revoke(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "revoke failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type healthResponse struct {
	Status     string          `json:"status"`
	TokenStats lifecycle.Stats `json:"token_stats"`
}

// Health handles GET /auth/claude/health: engine health plus the token
// population summary. 503 until the broker is wired up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "broker not initialized")
		return
	}
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "token store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", TokenStats: stats})
}

// Healthz is the bare process-liveness probe at the root.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
