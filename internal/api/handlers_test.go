// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/claudegate/internal/broker"
	"github.com/tomtom215/claudegate/internal/config"
	"github.com/tomtom215/claudegate/internal/crypto"
	"github.com/tomtom215/claudegate/internal/flowstate"
	"github.com/tomtom215/claudegate/internal/lifecycle"
	"github.com/tomtom215/claudegate/internal/oauth"
	"github.com/tomtom215/claudegate/internal/tokenstore"
)

// fakeProvider satisfies both the broker's provider surface and the
// lifecycle manager's refresh client.
type fakeProvider struct {
	exchangeErr error
	refreshErr  error
}

func (f *fakeProvider) BuildAuthorizeURL(state, challenge string) string {
	return "https://claude.ai/oauth/authorize?code=true&state=" + state + "&code_challenge=" + challenge
}

func (f *fakeProvider) ExchangeCode(_ context.Context, _, _, _ string) (*oauth.Grant, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth.Grant{
		AccessToken:  "granted-access",
		RefreshToken: "granted-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		Scopes:       []string{"user:inference"},
		IsMax:        true,
	}, nil
}

func (f *fakeProvider) Refresh(_ context.Context, _ string) (*oauth.Grant, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &oauth.Grant{
		AccessToken: "refreshed-access",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeProvider) RedirectURI() string { return oauth.DefaultRedirectURI }

func newTestRouter(t *testing.T, provider *fakeProvider, apiKeys map[string]string) (http.Handler, tokenstore.Store) {
	t.Helper()
	encoded, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}
	key, err := crypto.ParseKey(encoded)
	if err != nil {
		t.Fatalf("ParseKey error: %v", err)
	}
	env, err := crypto.NewEnvelope(key)
	if err != nil {
		t.Fatalf("NewEnvelope error: %v", err)
	}
	store, err := tokenstore.NewFileStore(t.TempDir(), env)
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	manager := lifecycle.NewManager(store, provider, lifecycle.Config{})
	svc := broker.NewService(flowstate.NewMemoryStore(), provider, manager, broker.Config{AllowManualEntry: true})

	server := config.ServerConfig{
		CORSOrigins:       []string{"*"},
		RateLimitDisabled: true,
	}
	return NewRouter(NewHandler(svc), server, apiKeys), store
}

func doJSON(t *testing.T, router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestFullFlowOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/auth/claude/start", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body.String())
	}
	var start struct {
		AuthorizationURL string `json:"authorization_url"`
		State            string `json:"state"`
	}
	decode(t, rec, &start)
	if start.AuthorizationURL == "" || len(start.State) != 64 {
		t.Fatalf("start response = %+v", start)
	}

	rec = doJSON(t, router, http.MethodPost, "/auth/claude/callback",
		`{"code":"the-code","state":"`+start.State+`"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d, body %s", rec.Code, rec.Body.String())
	}
	var cb struct {
		Success   bool  `json:"success"`
		ExpiresIn int64 `json:"expires_in"`
	}
	decode(t, rec, &cb)
	if !cb.Success {
		t.Error("callback success = false")
	}
	if cb.ExpiresIn < 3500 || cb.ExpiresIn > 3601 {
		t.Errorf("expires_in = %d, want about an hour", cb.ExpiresIn)
	}

	rec = doJSON(t, router, http.MethodGet, "/auth/claude/status", "", nil)
	var status broker.Status
	decode(t, rec, &status)
	if !status.Authenticated {
		t.Error("authenticated = false after completed flow")
	}
	if status.NeedsRefresh {
		t.Error("fresh token reported as needing refresh")
	}
	if status.ExpiresIn < 3500 || status.ExpiresIn > 3601 {
		t.Errorf("status expires_in = %d, want about an hour", status.ExpiresIn)
	}
}

func TestCallback_QueryParameters(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/auth/claude/start", "", nil)
	var start struct {
		State string `json:"state"`
	}
	decode(t, rec, &start)

	rec = doJSON(t, router, http.MethodPost,
		"/auth/claude/callback?code=the-code&state="+start.State, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query-parameter callback status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestCallback_MissingParameters(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{}, nil)

	cases := []string{`{}`, `{"code":"x"}`, `{"state":"y"}`}
	for _, body := range cases {
		rec := doJSON(t, router, http.MethodPost, "/auth/claude/callback", body, nil)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("body %s: status = %d, want 422", body, rec.Code)
		}
	}
}

func TestCallback_UnknownState(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/auth/claude/callback",
		`{"code":"x","state":"`+strings.Repeat("ab", 32)+`"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown state status = %d, want 400", rec.Code)
	}
	var resp errorResponse
	decode(t, rec, &resp)
	if resp.Error.Code != ErrCodeInvalidState {
		t.Errorf("error code = %q", resp.Error.Code)
	}
}

func TestCallback_ExchangeFailure(t *testing.T) {
	provider := &fakeProvider{exchangeErr: &oauth.ExchangeError{Status: 400, Body: "invalid_grant"}}
	router, _ := newTestRouter(t, provider, nil)

	rec := doJSON(t, router, http.MethodPost, "/auth/claude/start", "", nil)
	var start struct {
		State string `json:"state"`
	}
	decode(t, rec, &start)

	rec = doJSON(t, router, http.MethodPost, "/auth/claude/callback",
		`{"code":"bad","state":"`+start.State+`"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("exchange failure status = %d, want 502", rec.Code)
	}
}

func TestStatus_Unauthenticated(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{}, nil)

	rec := doJSON(t, router, http.MethodGet, "/auth/claude/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when unauthenticated", rec.Code)
	}
	var status broker.Status
	decode(t, rec, &status)
	if status.Authenticated {
		t.Error("authenticated = true with no tokens")
	}
	if !status.AutoRefreshEnabled {
		t.Error("auto_refresh_enabled should default to true")
	}
}

func TestRefresh_WithoutToken(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/auth/claude/refresh", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("refresh without token status = %d, want 400", rec.Code)
	}
	var resp errorResponse
	decode(t, rec, &resp)
	if resp.Error.Code != ErrCodeNoRefreshToken {
		t.Errorf("error code = %q", resp.Error.Code)
	}
}

func TestRefresh_Forced(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/auth/claude/start", "", nil)
	var start struct {
		State string `json:"state"`
	}
	decode(t, rec, &start)
	if rec := doJSON(t, router, http.MethodPost, "/auth/claude/callback",
		`{"code":"c","state":"`+start.State+`"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/auth/claude/refresh", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("forced refresh status = %d, body %s", rec.Code, rec.Body.String())
	}
	var cb struct {
		Success bool `json:"success"`
	}
	decode(t, rec, &cb)
	if !cb.Success {
		t.Error("refresh success = false")
	}
}

func TestRevoke(t *testing.T) {
	router, store := newTestRouter(t, &fakeProvider{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/auth/claude/start", "", nil)
	var start struct {
		State string `json:"state"`
	}
	decode(t, rec, &start)
	if rec := doJSON(t, router, http.MethodPost, "/auth/claude/callback",
		`{"code":"c","state":"`+start.State+`"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/auth/claude/revoke", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rec.Code)
	}
	if _, err := store.Get(context.Background(), DefaultUserID); err == nil {
		t.Error("record survived revoke")
	}

	// Idempotent: revoking again still succeeds.
	if rec := doJSON(t, router, http.MethodDelete, "/auth/claude/revoke", "", nil); rec.Code != http.StatusOK {
		t.Errorf("second revoke status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{}, nil)

	rec := doJSON(t, router, http.MethodGet, "/auth/claude/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health struct {
		Status     string `json:"status"`
		TokenStats struct {
			ActiveTokens int `json:"active_tokens"`
		} `json:"token_stats"`
	}
	decode(t, rec, &health)
	if health.Status != "healthy" {
		t.Errorf("status = %q", health.Status)
	}
}

func TestHealth_Uninitialized(t *testing.T) {
	router := NewRouter(NewHandler(nil), config.ServerConfig{
		CORSOrigins:       []string{"*"},
		RateLimitDisabled: true,
	}, nil)

	rec := doJSON(t, router, http.MethodGet, "/auth/claude/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("uninitialized health status = %d, want 503", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{}, nil)
	rec := doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{}, nil)
	rec := doJSON(t, router, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "claudegate") {
		t.Error("metrics exposition missing claudegate instruments")
	}
}

func TestIdentity_APIKeys(t *testing.T) {
	keys := map[string]string{"sk-proxy-alice": "alice"}
	router, store := newTestRouter(t, &fakeProvider{}, keys)

	// Missing key rejected
	if rec := doJSON(t, router, http.MethodGet, "/auth/claude/status", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", rec.Code)
	}
	// Unknown key rejected
	if rec := doJSON(t, router, http.MethodGet, "/auth/claude/status", "",
		map[string]string{"x-api-key": "sk-wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown key status = %d, want 401", rec.Code)
	}

	// Bearer form maps to the configured user
	auth := map[string]string{"Authorization": "Bearer sk-proxy-alice"}
	rec := doJSON(t, router, http.MethodPost, "/auth/claude/start", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("start with bearer key status = %d", rec.Code)
	}
	var start struct {
		State string `json:"state"`
	}
	decode(t, rec, &start)

	// x-api-key form reaches the same identity
	rec = doJSON(t, router, http.MethodPost, "/auth/claude/callback",
		`{"code":"c","state":"`+start.State+`"}`,
		map[string]string{"x-api-key": "sk-proxy-alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("callback with x-api-key status = %d, body %s", rec.Code, rec.Body.String())
	}

	if _, err := store.Get(context.Background(), "alice"); err != nil {
		t.Errorf("tokens not written under the mapped user: %v", err)
	}
	if _, err := store.Get(context.Background(), DefaultUserID); err == nil {
		t.Error("tokens written under the default user despite key mapping")
	}
}

func TestUserIDFromContext_Default(t *testing.T) {
	if got := UserIDFromContext(context.Background()); got != DefaultUserID {
		t.Errorf("UserIDFromContext = %q, want %q", got, DefaultUserID)
	}
}
