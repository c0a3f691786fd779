// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package flowstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Flow storage key prefix for namespacing in BadgerDB.
const badgerFlowKeyPrefix = "flow_state:"

// BadgerStore implements Store using BadgerDB. Flows are persisted to disk
// and survive restarts; entries carry a TTL so the database expires
// abandoned flows without help from the sweeper.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a BadgerDB at path and wraps it as a flow store.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Suppress BadgerDB internal logs
	// Flow records are tiny; keep the value log small too
	opts.ValueLogFileSize = 16 << 20 // 16MB
	// Sync writes: losing a pending flow to a crash forces a re-login
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for flow state: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStoreFromDB wraps an existing BadgerDB connection. Used when
// flow state and token storage share one database.
func NewBadgerStoreFromDB(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Put records a pending flow with a TTL derived from its expiry.
func (s *BadgerStore) Put(ctx context.Context, flow *Flow) error {
	if flow == nil {
		return errors.New("flow cannot be nil")
	}
	if flow.State == "" {
		return errors.New("flow state cannot be empty")
	}

	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(badgerFlowKeyPrefix+flow.State), data)
		if ttl := time.Until(flow.ExpiresAt); ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Take consumes a pending flow. Lookup and delete run in one transaction,
// so concurrent takes of the same state yield exactly one success.
func (s *BadgerStore) Take(ctx context.Context, state string) (*Flow, error) {
	if state == "" {
		return nil, ErrStateNotFound
	}

	var flow Flow
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(badgerFlowKeyPrefix + state)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrStateNotFound
		}
		if err != nil {
			return fmt.Errorf("get flow: %w", err)
		}

		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &flow)
		}); err != nil {
			return fmt.Errorf("decode flow: %w", err)
		}

		return txn.Delete(key)
	})
	if err != nil {
		return nil, err
	}

	// Belt and suspenders - TTL should have expired this already
	if flow.Expired(time.Now()) {
		return nil, ErrStateExpired
	}
	return &flow, nil
}

// Sweep removes expired flows the database TTL has not yet reclaimed.
func (s *BadgerStore) Sweep(ctx context.Context) (int, error) {
	var expiredKeys [][]byte
	now := time.Now()

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerFlowKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			var flow Flow
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &flow)
			})
			if err != nil {
				// Corrupted entry - mark for deletion
				expiredKeys = append(expiredKeys, append([]byte{}, item.Key()...))
				continue
			}

			if flow.Expired(now) {
				expiredKeys = append(expiredKeys, append([]byte{}, item.Key()...))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan for expired flows: %w", err)
	}

	count := 0
	for _, key := range expiredKeys {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err == nil {
			count++
		}
	}
	return count, nil
}

// Count returns the number of live pending flows.
func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	count := 0
	now := time.Now()

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerFlowKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var flow Flow
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &flow)
			})
			if err != nil {
				continue
			}
			if !flow.Expired(now) {
				count++
			}
		}
		return nil
	})

	return count, err
}

// Close closes the underlying BadgerDB connection.
func (s *BadgerStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RunGC runs BadgerDB value log garbage collection to reclaim space.
func (s *BadgerStore) RunGC() error {
	return s.db.RunValueLogGC(0.5)
}

// Compile-time interface assertion
var _ Store = (*BadgerStore)(nil)
