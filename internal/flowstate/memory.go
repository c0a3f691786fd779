// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package flowstate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Pending flows do not survive a
// restart, which only costs the affected users a fresh login.
type MemoryStore struct {
	mu    sync.Mutex
	flows map[string]*Flow
}

// NewMemoryStore creates an empty in-memory flow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flows: make(map[string]*Flow)}
}

// Put records a pending flow keyed by its state parameter.
func (s *MemoryStore) Put(ctx context.Context, flow *Flow) error {
	if flow == nil {
		return errors.New("flow cannot be nil")
	}
	if flow.State == "" {
		return errors.New("flow state cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *flow
	s.flows[flow.State] = &copied
	return nil
}

// Take consumes a pending flow. Removal happens under the same lock as the
// lookup, so concurrent takes of one state yield exactly one success.
func (s *MemoryStore) Take(ctx context.Context, state string) (*Flow, error) {
	if state == "" {
		return nil, ErrStateNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.flows, state)

	if flow.Expired(time.Now()) {
		return nil, ErrStateExpired
	}
	return flow, nil
}

// Sweep removes expired flows and returns how many were removed.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for state, flow := range s.flows {
		if flow.Expired(now) {
			delete(s.flows, state)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of live pending flows.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for _, flow := range s.flows {
		if !flow.Expired(now) {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Compile-time interface assertion
var _ Store = (*MemoryStore)(nil)
