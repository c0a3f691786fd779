// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package flowstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	flowFilePrefix = "claude_oauth_state_"
	flowFileSuffix = ".json"
)

// State parameters are hex from the CSRF generator; anything else is
// rejected before it can become part of a filename.
var validStatePattern = regexp.MustCompile(`^[0-9a-fA-F]{16,128}$`)

// FileStore persists each pending flow as claude_oauth_state_<STATE>.json
// in a single directory, mode 0600. It needs no database and tolerates
// multiple broker processes sharing the directory, as long as only one of
// them redeems any given state.
type FileStore struct {
	dir string

	// Serializes Take's read+delete so two goroutines in this process
	// cannot both redeem the same state.
	mu sync.Mutex
}

// NewFileStore creates a file-backed flow store rooted at dir, creating
// the directory (mode 0700) if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("flow state directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create flow state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(state string) string {
	return filepath.Join(s.dir, flowFilePrefix+state+flowFileSuffix)
}

// Put records a pending flow keyed by its state parameter. The file is
// written via a temp file and rename so readers never observe a partial
// record.
func (s *FileStore) Put(ctx context.Context, flow *Flow) error {
	if flow == nil {
		return errors.New("flow cannot be nil")
	}
	if !validStatePattern.MatchString(flow.State) {
		return fmt.Errorf("invalid state parameter format")
	}

	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, flowFilePrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp flow file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod flow file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write flow file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close flow file: %w", err)
	}

	if err := os.Rename(tmpName, s.path(flow.State)); err != nil {
		return fmt.Errorf("persist flow file: %w", err)
	}
	return nil
}

// Take consumes a pending flow by reading and then deleting its file.
func (s *FileStore) Take(ctx context.Context, state string) (*Flow, error) {
	if !validStatePattern.MatchString(state) {
		return nil, ErrStateNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(state)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}

	// Delete first: even a corrupt or expired record must be one-shot.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("consume flow file: %w", err)
	}

	var flow Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("decode flow file: %w", err)
	}

	if flow.Expired(time.Now()) {
		return nil, ErrStateExpired
	}
	return &flow, nil
}

// Sweep removes expired flow files and returns how many were removed.
// Unreadable files older than the default TTL are removed too; a flow
// file that cannot be parsed will never redeem successfully anyway.
func (s *FileStore) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read flow state directory: %w", err)
	}

	now := time.Now()
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, flowFilePrefix) || !strings.HasSuffix(name, flowFileSuffix) {
			continue
		}
		path := filepath.Join(s.dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var flow Flow
		if err := json.Unmarshal(data, &flow); err != nil {
			if info, statErr := entry.Info(); statErr == nil && now.Sub(info.ModTime()) > DefaultTTL {
				if os.Remove(path) == nil {
					removed++
				}
			}
			continue
		}

		if flow.Expired(now) {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Count returns the number of live pending flows.
func (s *FileStore) Count(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read flow state directory: %w", err)
	}

	now := time.Now()
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, flowFilePrefix) || !strings.HasSuffix(name, flowFileSuffix) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var flow Flow
		if err := json.Unmarshal(data, &flow); err != nil {
			continue
		}
		if !flow.Expired(now) {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// Compile-time interface assertion
var _ Store = (*FileStore)(nil)
