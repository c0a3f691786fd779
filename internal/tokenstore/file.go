// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/tomtom215/claudegate/internal/crypto"
	"github.com/tomtom215/claudegate/internal/logging"
)

const tokenFileSuffix = ".json"

// User IDs become filenames, so anything that could traverse or collide
// is rejected at the boundary.
var validUserIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,127}$`)

// ValidUserID reports whether a caller-supplied user identifier is safe
// to use as a storage key.
func ValidUserID(userID string) bool {
	return validUserIDPattern.MatchString(userID) && !strings.Contains(userID, "..")
}

// FileStore keeps one encrypted JSON document per user in a directory,
// mode 0600 inside a 0700 directory. Writes go through a temp file,
// fsync, and rename, so a crash leaves either the old or the new record
// but never a torn one.
type FileStore struct {
	dir string
	env *crypto.Envelope

	// Serializes multi-file operations (rotate, restore) against writes.
	mu sync.RWMutex
}

// NewFileStore creates a file-backed token store rooted at dir.
func NewFileStore(dir string, env *crypto.Envelope) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("token store directory cannot be empty")
	}
	if env == nil {
		return nil, errors.New("token store requires an envelope")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token store directory: %w", err)
	}
	return &FileStore{dir: dir, env: env}, nil
}

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, userID+tokenFileSuffix)
}

// Get loads and unseals a user's record. A record that cannot be
// decoded or decrypted is logged and reported as absent; the user
// re-authenticates rather than the broker failing hard.
func (s *FileStore) Get(ctx context.Context, userID string) (*TokenRecord, error) {
	if !ValidUserID(userID) {
		return nil, ErrTokenNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := os.ReadFile(s.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read token record: %w", err)
	}

	record, err := openRecord(s.env, doc)
	if err != nil {
		logging.Warn().
			Str("user_id", logging.SanitizeUserID(userID)).
			Err(err).
			Msg("unreadable token record, treating as absent")
		return nil, ErrTokenNotFound
	}
	return record, nil
}

// Put seals and atomically writes a user's record.
func (s *FileStore) Put(ctx context.Context, record *TokenRecord) error {
	if record == nil {
		return errors.New("token record cannot be nil")
	}
	if !ValidUserID(record.UserID) {
		return fmt.Errorf("invalid user ID")
	}

	doc, err := sealRecord(s.env, record)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeDoc(record.UserID, doc)
}

// writeDoc performs the tmp + fsync + rename dance. Callers hold s.mu.
func (s *FileStore) writeDoc(userID string, doc []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+userID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}

	if err := os.Rename(tmpName, s.path(userID)); err != nil {
		return fmt.Errorf("persist token file: %w", err)
	}
	return nil
}

// Delete removes a user's record. Deleting an absent record is not an
// error.
func (s *FileStore) Delete(ctx context.Context, userID string) error {
	if !ValidUserID(userID) {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.Remove(s.path(userID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete token record: %w", err)
	}
	return nil
}

// List returns every user ID with a record on disk.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read token store directory: %w", err)
	}

	var users []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, tokenFileSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		userID := strings.TrimSuffix(name, tokenFileSuffix)
		if ValidUserID(userID) {
			users = append(users, userID)
		}
	}
	return users, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// RawAll returns every at-rest document keyed by user ID, unopened.
func (s *FileStore) RawAll(ctx context.Context) (map[string][]byte, error) {
	users, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make(map[string][]byte, len(users))
	for _, userID := range users {
		doc, err := os.ReadFile(s.path(userID))
		if err != nil {
			continue
		}
		docs[userID] = doc
	}
	return docs, nil
}

// RawPut writes an at-rest document without resealing it.
func (s *FileStore) RawPut(ctx context.Context, userID string, doc []byte) error {
	if !ValidUserID(userID) {
		return fmt.Errorf("invalid user ID")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeDoc(userID, doc)
}

// RawDelete removes an at-rest document.
func (s *FileStore) RawDelete(ctx context.Context, userID string) error {
	return s.Delete(ctx, userID)
}

// Rotate reseals every record from oldEnv to newEnv, replacing each file
// atomically. Records the old envelope cannot open are skipped and
// counted as failures; the caller decides whether partial rotation is
// acceptable.
func (s *FileStore) Rotate(ctx context.Context, oldEnv, newEnv *crypto.Envelope) (rotated, failed int, err error) {
	docs, err := s.RawAll(ctx)
	if err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, doc := range docs {
		resealed, err := resealDocument(oldEnv, newEnv, doc)
		if err != nil {
			logging.Warn().
				Str("user_id", logging.SanitizeUserID(userID)).
				Err(err).
				Msg("record skipped during key rotation")
			failed++
			continue
		}
		if err := s.writeDoc(userID, resealed); err != nil {
			return rotated, failed, fmt.Errorf("rewrite record for %s: %w", userID, err)
		}
		rotated++
	}
	return rotated, failed, nil
}

// Compile-time interface assertions
var (
	_ Store    = (*FileStore)(nil)
	_ DocStore = (*FileStore)(nil)
)
