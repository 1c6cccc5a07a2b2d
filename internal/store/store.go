// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package store provides the DuckDB-backed relational layer shared by the
// accounting store variants and the SQL queue backend: connection handling,
// versioned schema migrations and the generic hash-deduplicated resolver
// engine.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/mkorva/authledger/internal/config"
	"github.com/mkorva/authledger/internal/logging"
)

// DB wraps the DuckDB connection used by every relational component.
type DB struct {
	conn   *sql.DB
	prefix string

	// now supplies created_at stamps; replaced in tests.
	now func() time.Time
}

// Open opens (creating if needed) the database and returns the wrapper.
// An empty path opens an in-memory database.
func Open(cfg *config.StoreConfig) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "512MB"
	}

	path := cfg.Path
	if path == "" {
		path = ":memory:"
	} else if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	connStr := fmt.Sprintf("%s?threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		path, threads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// DuckDB is embedded; a single writer connection avoids write-write
	// conflicts inside one process. Cross-process races are the resolver
	// engine's business, not the pool's.
	conn.SetMaxOpenConns(1)

	db := &DB{
		conn:   conn,
		prefix: cfg.TablePrefix,
		now:    time.Now,
	}

	if err := db.Ping(context.Background()); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logging.Debug().Str("path", cfg.Path).Str("prefix", cfg.TablePrefix).Msg("store opened")
	return db, nil
}

// Conn exposes the underlying connection to the store variants and the SQL
// queue backend.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Prefix returns the configured table name prefix.
func (db *DB) Prefix() string {
	return db.prefix
}

// Table returns the prefixed name for a bare table name.
func (db *DB) Table(name string) string {
	return db.prefix + name
}

// Now returns the store clock's current time, truncated to microseconds to
// match timestamp column precision.
func (db *DB) Now() time.Time {
	return db.now().Truncate(time.Microsecond)
}

// SetClock replaces the store clock. Tests use this to make created_at
// deterministic.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return fmt.Errorf("database connection is nil")
	}
	return db.conn.PingContext(ctx)
}

// Close checkpoints and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("checkpoint before close failed")
	}
	return db.conn.Close()
}

func closeQuietly(conn *sql.DB) {
	if err := conn.Close(); err != nil {
		logging.Warn().Err(err).Msg("closing database connection failed")
	}
}
