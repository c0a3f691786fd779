// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/claudegate/internal/broker"
	"github.com/tomtom215/claudegate/internal/config"
	"github.com/tomtom215/claudegate/internal/crypto"
	"github.com/tomtom215/claudegate/internal/flowstate"
	"github.com/tomtom215/claudegate/internal/lifecycle"
	"github.com/tomtom215/claudegate/internal/logging"
	"github.com/tomtom215/claudegate/internal/oauth"
	"github.com/tomtom215/claudegate/internal/tokenstore"
)

// engine is the in-process broker the CLI drives: the same stores and
// provider client the server uses, without the HTTP surface.
type engine struct {
	svc    *broker.Service
	store  tokenstore.Store
	cfg    *config.Config
	closer func()
}

func (e *engine) Close() {
	if e.closer != nil {
		e.closer()
	}
}

// buildEngine assembles the broker engine from the shared configuration.
func buildEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	material := cfg.Security.EncryptionKey
	if material == "" {
		logging.Warn().Msg("no encryption key configured: tokens stored now are unreadable by other processes")
		material, err = crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
	}
	key, err := crypto.ParseKey(material)
	if err != nil {
		return nil, fmt.Errorf("parse encryption key: %w", err)
	}
	env, err := crypto.NewEnvelope(key)
	if err != nil {
		return nil, err
	}

	var (
		tokens tokenstore.Store
		flows  flowstate.Store
		closer func()
	)
	switch cfg.Store.Backend {
	case "badger":
		opts := badger.DefaultOptions(cfg.Store.BadgerPath)
		opts.Logger = nil
		opts.SyncWrites = true
		opts.ValueLogFileSize = 16 << 20
		db, err := badger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("open badger database: %w", err)
		}
		tokens, err = tokenstore.NewBadgerStoreFromDB(db, env)
		if err != nil {
			db.Close()
			return nil, err
		}
		flows = flowstate.NewBadgerStoreFromDB(db)
		closer = func() { db.Close() }

	default:
		fileTokens, err := tokenstore.NewFileStore(cfg.Store.TokenDir, env)
		if err != nil {
			return nil, fmt.Errorf("open token store: %w", err)
		}
		fileFlows, err := flowstate.NewFileStore(cfg.Store.FlowDir)
		if err != nil {
			return nil, fmt.Errorf("open flow store: %w", err)
		}
		tokens, flows = fileTokens, fileFlows
		closer = func() {
			fileTokens.Close()
			fileFlows.Close()
		}
	}

	hierarchy, err := tokenstore.NewHierarchy(tokenstore.NewCache(), tokens, tokenstore.NewEnvTier())
	if err != nil {
		closer()
		return nil, err
	}

	client := oauth.NewClient(oauth.Endpoints{
		ClientID:     cfg.OAuth.ClientID,
		AuthorizeURL: cfg.OAuth.AuthorizeURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RefreshURL:   cfg.OAuth.RefreshURL,
		RedirectURI:  cfg.OAuth.RedirectURI,
		Scopes:       cfg.OAuth.Scopes,
	}, nil)

	manager := lifecycle.NewManager(hierarchy, client, lifecycle.Config{
		RefreshThreshold: cfg.Lifecycle.RefreshThreshold,
	})

	svc := broker.NewService(flows, client, manager, broker.Config{
		FlowTTL:          cfg.Flow.TTL,
		AllowManualEntry: cfg.Flow.AllowManualEntry,
	})

	return &engine{svc: svc, store: hierarchy, cfg: cfg, closer: closer}, nil
}

// stateFilePath is where the CLI remembers the pending flow's state
// between `login` and `callback`, one file per user.
func stateFilePath(cfg *config.Config, userID string) string {
	dir := cfg.Store.FlowDir
	if cfg.Store.Backend == "badger" {
		dir = filepath.Dir(cfg.Store.BadgerPath)
	}
	return filepath.Join(dir, "oauth_state_"+userID+".txt")
}

// savePendingState persists the issued state so a later callback
// invocation in a fresh process can redeem the flow.
func savePendingState(cfg *config.Config, userID, state string) error {
	path := stateFilePath(cfg, userID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(state), 0o600)
}

// loadPendingState reads and returns the remembered state, empty when
// no login is pending.
func loadPendingState(cfg *config.Config, userID string) string {
	data, err := os.ReadFile(stateFilePath(cfg, userID))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// clearPendingState removes the remembered state.
func clearPendingState(cfg *config.Config, userID string) {
	os.Remove(stateFilePath(cfg, userID))
}
