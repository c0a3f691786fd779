// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestBuildAuthorizeURL(t *testing.T) {
	client := NewClient(Endpoints{}, nil)
	raw := client.BuildAuthorizeURL("deadbeef", "chal-123")

	if !strings.HasPrefix(raw, DefaultAuthorizeURL+"?code=true&") {
		t.Errorf("authorize URL must lead with code=true: %s", raw)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse authorize URL: %v", err)
	}
	q := parsed.Query()

	want := map[string]string{
		"code":                  "true",
		"client_id":             DefaultClientID,
		"response_type":         "code",
		"redirect_uri":          DefaultRedirectURI,
		"scope":                 DefaultScopes,
		"code_challenge":        "chal-123",
		"code_challenge_method": "S256",
		"state":                 "deadbeef",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("param %s = %q, want %q", k, got, v)
		}
	}
}

func TestSanitizeCode(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"abc123", "abc123"},
		{"  abc123  ", "abc123"},
		{"abc123#fragment", "abc123"},
		{"abc123&state=xyz", "abc123"},
		{"abc123#frag&state=xyz", "abc123"},
		{"", ""},
	}
	for _, c := range cases {
		if got := SanitizeCode(c.in); got != c.want {
			t.Errorf("SanitizeCode(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// tokenServer fakes the provider token endpoint and records the last
// request for assertions.
func tokenServer(t *testing.T, status int, response string) (*httptest.Server, *map[string]string, *http.Header) {
	t.Helper()
	lastBody := map[string]string{}
	var lastHeader http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastHeader = r.Header.Clone()
		body := map[string]string{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("token endpoint received non-JSON body: %v", err)
		}
		for k, v := range body {
			lastBody[k] = v
		}
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastBody, &lastHeader
}

func TestExchangeCode(t *testing.T) {
	srv, body, header := tokenServer(t, http.StatusOK, `{
		"access_token": "sk-ant-oat01-aaa",
		"refresh_token": "sk-ant-ort01-bbb",
		"expires_in": 7200,
		"scope": "user:profile user:inference"
	}`)

	client := NewClient(Endpoints{TokenURL: srv.URL}, nil)
	before := time.Now()

	grant, err := client.ExchangeCode(context.Background(), "code-1#frag", "verifier-1", "state-1")
	if err != nil {
		t.Fatalf("ExchangeCode error: %v", err)
	}

	if grant.AccessToken != "sk-ant-oat01-aaa" {
		t.Errorf("access token = %q", grant.AccessToken)
	}
	if grant.RefreshToken != "sk-ant-ort01-bbb" {
		t.Errorf("refresh token = %q", grant.RefreshToken)
	}
	if len(grant.Scopes) != 2 {
		t.Errorf("scopes = %v, want 2 entries", grant.Scopes)
	}
	if !grant.IsMax {
		t.Error("is_max must default to true when absent")
	}
	wantExpiry := before.Add(7200 * time.Second)
	if grant.ExpiresAt.Before(wantExpiry.Add(-time.Minute)) || grant.ExpiresAt.After(wantExpiry.Add(time.Minute)) {
		t.Errorf("expiry = %v, want about %v", grant.ExpiresAt, wantExpiry)
	}

	if (*body)["grant_type"] != "authorization_code" {
		t.Errorf("grant_type = %q", (*body)["grant_type"])
	}
	if (*body)["code"] != "code-1" {
		t.Errorf("code = %q, want sanitized code-1", (*body)["code"])
	}
	if (*body)["code_verifier"] != "verifier-1" {
		t.Errorf("code_verifier = %q", (*body)["code_verifier"])
	}
	if (*body)["state"] != "state-1" {
		t.Errorf("state = %q", (*body)["state"])
	}
	if got := header.Get(BetaHeader); got != BetaHeaderValue {
		t.Errorf("beta header = %q, want %q", got, BetaHeaderValue)
	}
}

func TestExchangeCode_CamelCaseResponse(t *testing.T) {
	srv, _, _ := tokenServer(t, http.StatusOK, `{
		"accessToken": "sk-ant-oat01-ccc",
		"refreshToken": "sk-ant-ort01-ddd",
		"expiresIn": 1800,
		"is_max": false
	}`)

	client := NewClient(Endpoints{TokenURL: srv.URL}, nil)
	grant, err := client.ExchangeCode(context.Background(), "code", "v", "s")
	if err != nil {
		t.Fatalf("ExchangeCode error: %v", err)
	}
	if grant.AccessToken != "sk-ant-oat01-ccc" {
		t.Errorf("access token = %q", grant.AccessToken)
	}
	if grant.RefreshToken != "sk-ant-ort01-ddd" {
		t.Errorf("refresh token = %q", grant.RefreshToken)
	}
	if grant.IsMax {
		t.Error("explicit is_max false must be honored")
	}
}

func TestExchangeCode_DefaultExpiry(t *testing.T) {
	srv, _, _ := tokenServer(t, http.StatusOK, `{"access_token": "tok"}`)

	client := NewClient(Endpoints{TokenURL: srv.URL}, nil)
	grant, err := client.ExchangeCode(context.Background(), "code", "v", "s")
	if err != nil {
		t.Fatalf("ExchangeCode error: %v", err)
	}

	want := time.Now().Add(time.Hour)
	if grant.ExpiresAt.Before(want.Add(-time.Minute)) || grant.ExpiresAt.After(want.Add(time.Minute)) {
		t.Errorf("missing expires_in must default to 3600s, got expiry %v", grant.ExpiresAt)
	}
}

func TestExchangeCode_ProviderRejection(t *testing.T) {
	srv, _, _ := tokenServer(t, http.StatusBadRequest, `{"error": "invalid_request"}`)

	client := NewClient(Endpoints{TokenURL: srv.URL}, nil)
	_, err := client.ExchangeCode(context.Background(), "bad-code", "v", "s")

	var exchErr *ExchangeError
	if !errors.As(err, &exchErr) {
		t.Fatalf("got %v, want *ExchangeError", err)
	}
	if exchErr.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", exchErr.Status)
	}
}

func TestRefresh(t *testing.T) {
	srv, body, header := tokenServer(t, http.StatusOK, `{
		"access_token": "new-access",
		"refresh_token": "new-refresh",
		"expires_in": 3600
	}`)

	client := NewClient(Endpoints{TokenURL: srv.URL}, nil)
	grant, err := client.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	if grant.AccessToken != "new-access" {
		t.Errorf("access token = %q", grant.AccessToken)
	}
	if (*body)["grant_type"] != "refresh_token" {
		t.Errorf("grant_type = %q", (*body)["grant_type"])
	}
	if (*body)["refresh_token"] != "old-refresh" {
		t.Errorf("refresh_token = %q", (*body)["refresh_token"])
	}
	if (*body)["client_id"] != DefaultClientID {
		t.Errorf("client_id = %q", (*body)["client_id"])
	}
	if got := header.Get(BetaHeader); got != BetaHeaderValue {
		t.Errorf("beta header = %q, want %q", got, BetaHeaderValue)
	}
}

func TestRefresh_DedicatedRefreshURL(t *testing.T) {
	exchangeSrv, _, _ := tokenServer(t, http.StatusOK, `{"access_token": "exchanged"}`)
	refreshSrv, body, _ := tokenServer(t, http.StatusOK, `{"access_token": "refreshed"}`)

	client := NewClient(Endpoints{TokenURL: exchangeSrv.URL, RefreshURL: refreshSrv.URL}, nil)

	grant, err := client.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if grant.AccessToken != "refreshed" {
		t.Errorf("access token = %q, want the refresh endpoint's response", grant.AccessToken)
	}
	if (*body)["refresh_token"] != "old-refresh" {
		t.Errorf("refresh endpoint body = %v, refresh never reached it", *body)
	}

	// Code exchange still targets the token URL.
	grant, err = client.ExchangeCode(context.Background(), "code", "v", "s")
	if err != nil {
		t.Fatalf("ExchangeCode error: %v", err)
	}
	if grant.AccessToken != "exchanged" {
		t.Errorf("access token = %q, want the token endpoint's response", grant.AccessToken)
	}
}

func TestRefresh_DefaultsToTokenURL(t *testing.T) {
	srv, body, _ := tokenServer(t, http.StatusOK, `{"access_token": "refreshed"}`)

	client := NewClient(Endpoints{TokenURL: srv.URL}, nil)
	if _, err := client.Refresh(context.Background(), "old-refresh"); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if (*body)["grant_type"] != "refresh_token" {
		t.Errorf("token URL never served the refresh: %v", *body)
	}
}

func TestRefresh_DeadToken(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error": "unauthorized"}`},
		{"forbidden", http.StatusForbidden, `{"error": "forbidden"}`},
		{"invalid grant", http.StatusBadRequest, `{"error": "invalid_grant"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv, _, _ := tokenServer(t, c.status, c.body)
			client := NewClient(Endpoints{TokenURL: srv.URL}, nil)

			_, err := client.Refresh(context.Background(), "dead-refresh")
			if !errors.Is(err, ErrRefreshTokenDead) {
				t.Errorf("got %v, want ErrRefreshTokenDead", err)
			}
		})
	}
}

func TestRefresh_TransientFailure(t *testing.T) {
	srv, _, _ := tokenServer(t, http.StatusServiceUnavailable, `{"error": "overloaded"}`)
	client := NewClient(Endpoints{TokenURL: srv.URL}, nil)

	_, err := client.Refresh(context.Background(), "refresh")
	var refErr *RefreshError
	if !errors.As(err, &refErr) {
		t.Fatalf("got %v, want *RefreshError", err)
	}
	if errors.Is(err, ErrRefreshTokenDead) {
		t.Error("a 503 must not condemn the refresh token")
	}
}
