// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Command server runs the Claudegate broker: the /auth/claude HTTP
// surface, the token lifecycle sweeper, and the flow-state janitor,
// all under one supervisor tree.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/claudegate/internal/api"
	"github.com/tomtom215/claudegate/internal/broker"
	"github.com/tomtom215/claudegate/internal/config"
	"github.com/tomtom215/claudegate/internal/crypto"
	"github.com/tomtom215/claudegate/internal/flowstate"
	"github.com/tomtom215/claudegate/internal/lifecycle"
	"github.com/tomtom215/claudegate/internal/logging"
	"github.com/tomtom215/claudegate/internal/oauth"
	"github.com/tomtom215/claudegate/internal/supervisor"
	"github.com/tomtom215/claudegate/internal/supervisor/services"
	"github.com/tomtom215/claudegate/internal/tokenstore"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("broker exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	env, err := buildEnvelope(cfg.Security.EncryptionKey)
	if err != nil {
		return err
	}

	tokens, flows, closeStores, err := buildStores(cfg, env)
	if err != nil {
		return err
	}
	defer closeStores()

	hierarchy, err := tokenstore.NewHierarchy(tokenstore.NewCache(), tokens, tokenstore.NewEnvTier())
	if err != nil {
		return fmt.Errorf("assemble storage hierarchy: %w", err)
	}

	client := oauth.NewBreakerClient(oauth.NewClient(oauth.Endpoints{
		ClientID:     cfg.OAuth.ClientID,
		AuthorizeURL: cfg.OAuth.AuthorizeURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RefreshURL:   cfg.OAuth.RefreshURL,
		RedirectURI:  cfg.OAuth.RedirectURI,
		Scopes:       cfg.OAuth.Scopes,
	}, nil))

	manager := lifecycle.NewManager(hierarchy, client, lifecycle.Config{
		RefreshThreshold: cfg.Lifecycle.RefreshThreshold,
		SweepInterval:    cfg.Lifecycle.SweepInterval,
	})

	svc := broker.NewService(flows, client, manager, broker.Config{
		FlowTTL:          cfg.Flow.TTL,
		AllowManualEntry: cfg.Flow.AllowManualEntry,
	})

	router := api.NewRouter(api.NewHandler(svc), cfg.Server, cfg.Security.APIKeys)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(supervisorLogger(cfg.Logging.Level), supervisor.DefaultTreeConfig())
	tree.AddEngineService(services.NewTokenSweeperService(manager))
	tree.AddEngineService(services.NewFlowJanitorService(flows, cfg.Lifecycle.SweepInterval))
	if cfg.Store.CleanupMaxAge > 0 {
		if docs, ok := tokens.(tokenstore.DocStore); ok {
			tree.AddEngineService(services.NewTokenCleanupService(docs, cfg.Store.CleanupMaxAge, 0))
		}
	}
	tree.AddAPIService(services.NewHTTPServerService(server, supervisor.DefaultTreeConfig().ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("addr", server.Addr).
		Str("backend", cfg.Store.Backend).
		Int("api_keys", len(cfg.Security.APIKeys)).
		Msg("claudegate broker starting")

	err = tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}
	logging.Info().Msg("claudegate broker stopped")
	return nil
}

// buildEnvelope derives the token-at-rest envelope. An empty configured
// key falls back to an ephemeral one: the process works, but on-disk
// ciphertext is unrecoverable after a restart.
func buildEnvelope(material string) (*crypto.Envelope, error) {
	if material == "" {
		logging.Warn().Msg("no encryption key configured, using ephemeral key: stored tokens will not survive a restart")
		generated, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		material = generated
	}
	key, err := crypto.ParseKey(material)
	if err != nil {
		return nil, fmt.Errorf("parse encryption key: %w", err)
	}
	return crypto.NewEnvelope(key)
}

// buildStores opens the persistent tiers for the configured backend.
// The badger backend shares one database between tokens and flows.
func buildStores(cfg *config.Config, env *crypto.Envelope) (tokenstore.Store, flowstate.Store, func(), error) {
	switch cfg.Store.Backend {
	case "badger":
		opts := badger.DefaultOptions(cfg.Store.BadgerPath)
		opts.Logger = nil
		opts.SyncWrites = true
		opts.ValueLogFileSize = 16 << 20
		db, err := badger.Open(opts)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open badger database: %w", err)
		}
		tokens, err := tokenstore.NewBadgerStoreFromDB(db, env)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		flows := flowstate.NewBadgerStoreFromDB(db)
		return tokens, flows, func() { db.Close() }, nil

	default:
		tokens, err := tokenstore.NewFileStore(cfg.Store.TokenDir, env)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open token store: %w", err)
		}
		flows, err := flowstate.NewFileStore(cfg.Store.FlowDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open flow store: %w", err)
		}
		return tokens, flows, func() {
			tokens.Close()
			flows.Close()
		}, nil
	}
}

// supervisorLogger bridges suture's slog-based event hook to the same
// stream and level as the zerolog global.
func supervisorLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "trace", "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error", "fatal":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
