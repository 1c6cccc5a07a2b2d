// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/mkorva/authledger/internal/logging"
)

// Migration is one schema-migration unit. Versions are timestamp-prefixed
// strings; migrations are applied in version order and recorded in the
// {prefix}migrations table so that reruns skip them.
type Migration struct {
	Version string
	SQL     []string
}

func (db *DB) migrationsTableDDL() []string {
	t := db.Table("migrations")
	return []string{
		fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s_id_seq", t),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY DEFAULT nextval('%s_id_seq'),
			version VARCHAR NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL
		)`, t, t),
	}
}

// RunMigrations applies every not-yet-applied migration in version order.
// Safe to call at every startup and from multiple components: each
// component passes the migrations for the tables it owns.
func (db *DB) RunMigrations(ctx context.Context, migrations []Migration) error {
	for _, ddl := range db.migrationsTableDDL() {
		if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
			return NewError("create migrations table", err)
		}
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	for _, m := range ordered {
		if applied[m.Version] {
			continue
		}
		for _, stmt := range m.SQL {
			if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
				return NewError(fmt.Sprintf("apply migration %s", m.Version), err)
			}
		}
		insert := fmt.Sprintf("INSERT INTO %s (version, created_at) VALUES (?, ?)", db.Table("migrations"))
		if _, err := db.conn.ExecContext(ctx, insert, m.Version, db.Now()); err != nil {
			return NewError(fmt.Sprintf("record migration %s", m.Version), err)
		}
		logging.Info().Str("version", m.Version).Msg("migration applied")
	}
	return nil
}

// appliedMigrations returns the set of recorded migration versions.
func (db *DB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	query := fmt.Sprintf("SELECT version FROM %s", db.Table("migrations"))
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, NewError("query applied migrations", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, NewError("scan migration row", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, NewError("iterate migration rows", err)
	}
	return applied, nil
}
