// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mkorva/authledger/internal/hashing"
	"github.com/mkorva/authledger/internal/logging"
	"github.com/mkorva/authledger/internal/metrics"
)

// The resolve protocol, shared by all three resolvers:
//
//  1. SELECT by content hash; hit returns the existing id.
//  2. Optimistic INSERT ... ON CONFLICT DO NOTHING. An insert failure is
//     logged at warning and swallowed: under concurrent writers exactly one
//     insert wins the unique constraint and everyone else converges on the
//     winner's row in the next step.
//  3. SELECT again; a hit returns the (possibly someone else's) id.
//  4. A miss after insert means the failure was not a benign race and
//     escalates as a store error.
//
// Coordination is entirely the database's unique-constraint enforcement; no
// application-level locks are taken.

// EntityResolver resolves stable identity rows by natural key.
type EntityResolver struct {
	db     *DB
	schema EntitySchema
}

// NewEntityResolver builds a resolver over an identity table.
func NewEntityResolver(db *DB, schema EntitySchema) *EntityResolver {
	return &EntityResolver{db: db, schema: schema}
}

// ResolveID returns the id for naturalKey, inserting the row on first
// sighting. Idempotent and race-tolerant.
func (r *EntityResolver) ResolveID(ctx context.Context, naturalKey string) (int64, error) {
	s := r.schema
	keyHash := hashing.SHA256String(naturalKey)

	lookup := fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", s.Table, s.HashColumn)
	if id, found, err := r.db.selectID(ctx, lookup, keyHash); err != nil {
		return 0, NewError("lookup "+s.Table, err)
	} else if found {
		metrics.ResolveLookupHits.WithLabelValues(s.Table).Inc()
		return id, nil
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT DO NOTHING",
		s.Table, s.KeyColumn, s.HashColumn)
	r.db.optimisticInsert(ctx, s.Table, insert, naturalKey, keyHash)

	id, found, err := r.db.selectID(ctx, lookup, keyHash)
	if err != nil {
		return 0, NewError("relookup "+s.Table, err)
	}
	if !found {
		return 0, NewError("resolve "+s.Table, fmt.Errorf("row absent after insert for hash %s", keyHash))
	}
	return id, nil
}

// VersionResolver resolves immutable content-version rows scoped to an
// entity. A new row is created whenever the content hash differs from every
// previously seen hash for that entity.
type VersionResolver struct {
	db     *DB
	schema VersionSchema
}

// NewVersionResolver builds a resolver over a version table.
func NewVersionResolver(db *DB, schema VersionSchema) *VersionResolver {
	return &VersionResolver{db: db, schema: schema}
}

// ResolveID returns the version id for (entityID, blob), inserting a new
// version row when this content has not been seen for the entity before.
func (r *VersionResolver) ResolveID(ctx context.Context, entityID int64, blob []byte) (int64, error) {
	s := r.schema
	blobHash := hashing.SHA256(blob)

	lookup := fmt.Sprintf("SELECT id FROM %s WHERE %s = ? AND %s = ?", s.Table, s.ParentColumn, s.HashColumn)
	if id, found, err := r.db.selectID(ctx, lookup, entityID, blobHash); err != nil {
		return 0, NewError("lookup "+s.Table, err)
	} else if found {
		metrics.ResolveLookupHits.WithLabelValues(s.Table).Inc()
		return id, nil
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, created_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING",
		s.Table, s.ParentColumn, s.BlobColumn, s.HashColumn)
	r.db.optimisticInsert(ctx, s.Table, insert, entityID, blob, blobHash, r.db.Now())

	id, found, err := r.db.selectID(ctx, lookup, entityID, blobHash)
	if err != nil {
		return 0, NewError("relookup "+s.Table, err)
	}
	if !found {
		return 0, NewError("resolve "+s.Table, fmt.Errorf("version row absent after insert for hash %s", blobHash))
	}
	return id, nil
}

// AssociationResolver resolves junction rows linking version ids into a
// co-occurrence fact.
type AssociationResolver struct {
	db     *DB
	schema AssociationSchema
}

// NewAssociationResolver builds a resolver over a junction table.
func NewAssociationResolver(db *DB, schema AssociationSchema) *AssociationResolver {
	return &AssociationResolver{db: db, schema: schema}
}

// ResolveID returns the association id for the version-id tuple, inserting
// the row on first co-occurrence. ids must match the schema's column order.
func (r *AssociationResolver) ResolveID(ctx context.Context, ids ...int64) (int64, error) {
	s := r.schema
	if len(ids) != len(s.Columns) {
		return 0, NewError("resolve "+s.Table, fmt.Errorf("got %d ids for %d columns", len(ids), len(s.Columns)))
	}

	conds := make([]string, len(s.Columns))
	args := make([]any, len(ids))
	for i, col := range s.Columns {
		conds[i] = col + " = ?"
		args[i] = ids[i]
	}
	lookup := fmt.Sprintf("SELECT id FROM %s WHERE %s", s.Table, strings.Join(conds, " AND "))
	if id, found, err := r.db.selectID(ctx, lookup, args...); err != nil {
		return 0, NewError("lookup "+s.Table, err)
	} else if found {
		metrics.ResolveLookupHits.WithLabelValues(s.Table).Inc()
		return id, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(s.Columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s, created_at) VALUES (%s, ?) ON CONFLICT DO NOTHING",
		s.Table, strings.Join(s.Columns, ", "), placeholders)
	r.db.optimisticInsert(ctx, s.Table, insert, append(args, r.db.Now())...)

	id, found, err := r.db.selectID(ctx, lookup, args...)
	if err != nil {
		return 0, NewError("relookup "+s.Table, err)
	}
	if !found {
		return 0, NewError("resolve "+s.Table, errors.New("association row absent after insert"))
	}
	return id, nil
}

// selectID runs a single-id lookup, distinguishing miss from failure.
func (db *DB) selectID(ctx context.Context, query string, args ...any) (int64, bool, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// optimisticInsert performs the resolve protocol's insert step. Failures
// are logged at warning and swallowed: the relookup decides whether the
// failure was a benign race or a real problem.
func (db *DB) optimisticInsert(ctx context.Context, table, query string, args ...any) {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		metrics.ResolveInsertRaces.WithLabelValues(table).Inc()
		logging.Ctx(ctx).Warn().Err(err).Str("table", table).
			Msg("optimistic insert failed, resolving via relookup")
		return
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// ON CONFLICT DO NOTHING swallowed a concurrent winner's row.
		metrics.ResolveInsertRaces.WithLabelValues(table).Inc()
		logging.Ctx(ctx).Warn().Str("table", table).
			Msg("optimistic insert lost a write race, resolving via relookup")
		return
	}
	metrics.ResolveInserts.WithLabelValues(table).Inc()
}
