// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package main is the entry point for the authledger daemon.
//
// Authledger records authentication events from SAML2 and OIDC deployments
// into a content-hash-deduplicated accounting store and serves the derived
// activity feed and connected-services aggregate. Events arrive through a
// durable job queue consumed by a rate-limited polling runner.
//
// The daemon initializes in this order:
//
//  1. Configuration: koanf v2 layering defaults, config.yaml and
//     AUTHLEDGER_-prefixed environment variables
//  2. Logging: global zerolog logger
//  3. Store: DuckDB database, schema migrations for the configured
//     accounting mode (versioned or current)
//  4. Queue: the configured backend (sql, badger or nats), with an
//     embedded NATS server when requested
//  5. Supervisor: suture tree running the runner, retention and the ops
//     HTTP surface
//
// Shutdown on SIGINT/SIGTERM is cooperative: the runner finishes its
// current job, services stop through their contexts, and the database is
// checkpointed on close.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkorva/authledger/internal/accounting"
	"github.com/mkorva/authledger/internal/codec"
	"github.com/mkorva/authledger/internal/config"
	"github.com/mkorva/authledger/internal/logging"
	"github.com/mkorva/authledger/internal/ops"
	"github.com/mkorva/authledger/internal/queue"
	"github.com/mkorva/authledger/internal/queue/badgerqueue"
	"github.com/mkorva/authledger/internal/queue/natsqueue"
	"github.com/mkorva/authledger/internal/queue/sqlqueue"
	"github.com/mkorva/authledger/internal/retention"
	"github.com/mkorva/authledger/internal/runner"
	"github.com/mkorva/authledger/internal/store"
	"github.com/mkorva/authledger/internal/store/current"
	"github.com/mkorva/authledger/internal/store/versioned"
	"github.com/mkorva/authledger/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("mode", cfg.Accounting.Mode).
		Str("queue_backend", cfg.Queue.Backend).
		Str("db_path", cfg.Store.Path).
		Msg("starting authledger")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(&cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing store")
		}
	}()

	jsonCodec := codec.NewJSON()

	var acct accounting.Store
	switch cfg.Accounting.Mode {
	case config.ModeCurrent:
		acct = current.New(db, jsonCodec, cfg.Accounting.UserIDAttribute, cfg.Store.HashUniqueness)
	default:
		acct = versioned.New(db, jsonCodec, cfg.Accounting.UserIDAttribute, cfg.Store.HashUniqueness)
	}
	if err := acct.Setup(ctx); err != nil {
		logging.Fatal().Err(err).Msg("failed to apply schema migrations")
	}
	logging.Info().Msg("store initialized")

	// An embedded broker serves standalone NATS deployments; its client URL
	// overrides the configured one.
	if cfg.Queue.Backend == config.QueueBackendNATS && cfg.Queue.NATS.Embedded {
		broker, err := natsqueue.StartEmbeddedServer(natsqueue.EmbeddedServerConfig{
			StoreDir: cfg.Queue.NATS.EmbeddedStoreDir,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to start embedded nats server")
		}
		defer func() {
			if err := broker.Shutdown(context.Background()); err != nil {
				logging.Error().Err(err).Msg("error stopping embedded nats server")
			}
		}()
		cfg.Queue.NATS.URL = broker.ClientURL()
	}

	q, err := openQueue(cfg, db, jsonCodec)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open queue backend")
	}
	defer func() {
		if err := q.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing queue")
		}
	}()
	if err := q.Setup(ctx); err != nil {
		logging.Fatal().Err(err).Msg("failed to prepare queue storage")
	}
	logging.Info().Str("backend", cfg.Queue.Backend).Msg("queue initialized")

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	var stateSource ops.StateSource
	if cfg.Runner.Enabled {
		r := runner.New(cfg.Runner, q, accounting.PersistHandler(acct, jsonCodec))
		tree.AddQueueService(r)
		stateSource = r
	}

	if cfg.Retention.Enabled {
		enforcer := retention.NewEnforcer(acct, cfg.Retention.MaxAge)
		tree.AddDataService(retention.NewService(enforcer, cfg.Retention.Interval))
	}

	if cfg.Ops.Enabled {
		tree.AddOpsService(ops.New(cfg.Ops, jsonCodec, db, stateSource))
	}

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree terminated")
		os.Exit(1)
	}
	logging.Info().Msg("authledger stopped")
}

// openQueue builds the configured queue backend. The sql backend shares
// the accounting database.
func openQueue(cfg *config.Config, db *store.DB, c codec.Codec) (queue.Store, error) {
	switch cfg.Queue.Backend {
	case config.QueueBackendBadger:
		return badgerqueue.Open(&cfg.Queue.Badger, c, cfg.Queue.MaxTypeLength)
	case config.QueueBackendNATS:
		return natsqueue.Open(&cfg.Queue.NATS, c, cfg.Queue.MaxTypeLength)
	default:
		return sqlqueue.New(db, cfg.Queue.MaxTypeLength), nil
	}
}
