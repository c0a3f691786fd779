// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/claudegate/internal/crypto"
	"github.com/tomtom215/claudegate/internal/logging"
)

// Token storage key prefix for namespacing in BadgerDB.
const badgerTokenKeyPrefix = "token:"

// BadgerStore keeps sealed token documents as BadgerDB rows. Rows carry
// no TTL: access-token expiry is a lifecycle concern and records must
// outlive their access token so the refresh token can be used.
type BadgerStore struct {
	db  *badger.DB
	env *crypto.Envelope
}

// NewBadgerStore opens a BadgerDB at path and wraps it as a token store.
func NewBadgerStore(path string, env *crypto.Envelope) (*BadgerStore, error) {
	if env == nil {
		return nil, errors.New("token store requires an envelope")
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Suppress BadgerDB internal logs
	opts.ValueLogFileSize = 16 << 20 // 16MB
	// Sync writes: a token lost to a crash costs the user a re-login
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for tokens: %w", err)
	}
	return &BadgerStore{db: db, env: env}, nil
}

// NewBadgerStoreFromDB wraps an existing BadgerDB connection. Used when
// token and flow-state storage share one database.
func NewBadgerStoreFromDB(db *badger.DB, env *crypto.Envelope) (*BadgerStore, error) {
	if env == nil {
		return nil, errors.New("token store requires an envelope")
	}
	return &BadgerStore{db: db, env: env}, nil
}

// Get loads and unseals a user's record. Undecryptable rows are logged
// and reported as absent.
func (s *BadgerStore) Get(ctx context.Context, userID string) (*TokenRecord, error) {
	if !ValidUserID(userID) {
		return nil, ErrTokenNotFound
	}

	var doc []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerTokenKeyPrefix + userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("get token record: %w", err)
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
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

// Put seals and stores a user's record.
func (s *BadgerStore) Put(ctx context.Context, record *TokenRecord) error {
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
	return s.RawPut(ctx, record.UserID, doc)
}

// Delete removes a user's record. Deleting an absent record is not an
// error.
func (s *BadgerStore) Delete(ctx context.Context, userID string) error {
	if !ValidUserID(userID) {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(badgerTokenKeyPrefix + userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// List returns every user ID with a stored record.
func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerTokenKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			users = append(users, strings.TrimPrefix(key, badgerTokenKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list token records: %w", err)
	}
	return users, nil
}

// Close closes the underlying BadgerDB connection.
func (s *BadgerStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RawAll returns every at-rest document keyed by user ID, unopened.
func (s *BadgerStore) RawAll(ctx context.Context) (map[string][]byte, error) {
	docs := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerTokenKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			userID := strings.TrimPrefix(string(item.Key()), badgerTokenKeyPrefix)
			doc, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			docs[userID] = doc
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan token records: %w", err)
	}
	return docs, nil
}

// RawPut writes an at-rest document without resealing it.
func (s *BadgerStore) RawPut(ctx context.Context, userID string, doc []byte) error {
	if !ValidUserID(userID) {
		return fmt.Errorf("invalid user ID")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerTokenKeyPrefix+userID), doc)
	})
}

// RawDelete removes an at-rest document.
func (s *BadgerStore) RawDelete(ctx context.Context, userID string) error {
	return s.Delete(ctx, userID)
}

// Rotate reseals every record from oldEnv to newEnv. Each row is
// replaced in its own transaction; a crash mid-rotation leaves every row
// sealed under exactly one of the two keys.
func (s *BadgerStore) Rotate(ctx context.Context, oldEnv, newEnv *crypto.Envelope) (rotated, failed int, err error) {
	docs, err := s.RawAll(ctx)
	if err != nil {
		return 0, 0, err
	}

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
		if err := s.RawPut(ctx, userID, resealed); err != nil {
			return rotated, failed, fmt.Errorf("rewrite record for %s: %w", userID, err)
		}
		rotated++
	}
	return rotated, failed, nil
}

// RunGC runs BadgerDB value log garbage collection to reclaim space.
func (s *BadgerStore) RunGC() error {
	return s.db.RunValueLogGC(0.5)
}

// Compile-time interface assertions
var (
	_ Store    = (*BadgerStore)(nil)
	_ DocStore = (*BadgerStore)(nil)
)
