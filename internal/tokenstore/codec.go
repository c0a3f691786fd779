// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package tokenstore

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/claudegate/internal/crypto"
)

// sealRecord produces the at-rest document for a record, sealing both
// token fields.
func sealRecord(env *crypto.Envelope, record *TokenRecord) ([]byte, error) {
	sealedAccess, err := env.Seal(record.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	sealedRefresh := ""
	if record.RefreshToken != "" {
		sealedRefresh, err = env.Seal(record.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("seal refresh token: %w", err)
		}
	}

	stored := storedRecord{
		UserID:       record.UserID,
		AccessToken:  sealedAccess,
		RefreshToken: sealedRefresh,
		ExpiresAt:    record.ExpiresAt.Unix(),
		Scopes:       record.Scopes,
		IsMax:        record.IsMax,
		RefreshCount: record.RefreshCount,
		CreatedAt:    record.CreatedAt.Unix(),
		LastUsedAt:   record.LastUsedAt.Unix(),
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("marshal token record: %w", err)
	}
	return data, nil
}

// openRecord decodes an at-rest document and unseals its tokens.
func openRecord(env *crypto.Envelope, doc []byte) (*TokenRecord, error) {
	stored, err := decodeStoredMetadata(doc)
	if err != nil {
		return nil, fmt.Errorf("decode token record: %w", err)
	}

	access, err := env.Open(stored.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	refresh := ""
	if stored.RefreshToken != "" {
		refresh, err = env.Open(stored.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("open refresh token: %w", err)
		}
	}

	return &TokenRecord{
		UserID:       stored.UserID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Unix(stored.ExpiresAt, 0),
		Scopes:       stored.Scopes,
		IsMax:        stored.IsMax,
		RefreshCount: stored.RefreshCount,
		CreatedAt:    time.Unix(stored.CreatedAt, 0),
		LastUsedAt:   time.Unix(stored.LastUsedAt, 0),
	}, nil
}

// resealDocument opens a document with oldEnv and seals it with newEnv.
// Used by key rotation; plaintext lives only for the duration of the
// call.
func resealDocument(oldEnv, newEnv *crypto.Envelope, doc []byte) ([]byte, error) {
	record, err := openRecord(oldEnv, doc)
	if err != nil {
		return nil, err
	}
	return sealRecord(newEnv, record)
}
