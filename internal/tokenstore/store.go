// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package tokenstore

import (
	"context"

	"github.com/goccy/go-json"
)

// Store is one persistence tier. Get returns ErrTokenNotFound for absent
// users; a record that exists but cannot be opened (wrong key, corrupt
// file) is also reported as absent, after logging, so a lost encryption
// key degrades to re-authentication rather than a hard failure.
type Store interface {
	Get(ctx context.Context, userID string) (*TokenRecord, error)
	Put(ctx context.Context, record *TokenRecord) error
	Delete(ctx context.Context, userID string) error

	// List returns the user IDs with a stored record, including those
	// whose records cannot currently be opened.
	List(ctx context.Context) ([]string, error)

	Close() error
}

// storedRecord is the at-rest document shared by the file and badger
// stores. AccessToken and RefreshToken hold sealed envelopes, never
// plaintext.
type storedRecord struct {
	UserID       string   `json:"user_id"`
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresAt    int64    `json:"expires_at"`
	Scopes       []string `json:"scopes,omitempty"`
	IsMax        bool     `json:"is_max"`
	RefreshCount int      `json:"refresh_count"`
	CreatedAt    int64    `json:"created_at"`
	LastUsedAt   int64    `json:"last_used_at"`
}

// decodeStoredMetadata parses the plaintext fields of an at-rest
// document without touching the sealed tokens. Used by cleanup and
// backup, which must work even without the encryption key.
func decodeStoredMetadata(doc []byte) (*storedRecord, error) {
	var stored storedRecord
	if err := json.Unmarshal(doc, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}
