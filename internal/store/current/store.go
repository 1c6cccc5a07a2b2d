// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package current implements the current-snapshot accounting store: only
// the latest SP metadata is kept (overwritten in place on change), events
// reference SP and user directly with no IdP leg, and the per-(user, SP)
// connected-service aggregate is materialized on every persist.
package current

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mkorva/authledger/internal/codec"
	"github.com/mkorva/authledger/internal/event"
	"github.com/mkorva/authledger/internal/hashing"
	"github.com/mkorva/authledger/internal/logging"
	"github.com/mkorva/authledger/internal/metrics"
	"github.com/mkorva/authledger/internal/store"
)

// Store is the current-snapshot accounting store.
type Store struct {
	db             *store.DB
	codec          codec.Codec
	userIDAttr     string
	hashUniqueness string

	user    *store.EntityResolver
	userVer *store.VersionResolver
}

// New builds the current-snapshot store over db.
func New(db *store.DB, c codec.Codec, userIDAttribute, hashUniqueness string) *Store {
	p := db.Prefix()
	return &Store{
		db:             db,
		codec:          c,
		userIDAttr:     userIDAttribute,
		hashUniqueness: hashUniqueness,
		user: store.NewEntityResolver(db, store.EntitySchema{
			Table: p + "user", KeyColumn: "identifier", HashColumn: "identifier_hash",
		}),
		userVer: store.NewVersionResolver(db, store.VersionSchema{
			Table: p + "user_version", ParentColumn: "user_id", BlobColumn: "attributes", HashColumn: "attributes_hash",
		}),
	}
}

// Setup applies the variant's schema migrations. Idempotent.
func (s *Store) Setup(ctx context.Context) error {
	return s.db.RunMigrations(ctx, Migrations(s.db.Prefix(), s.hashUniqueness))
}

// resolveSPID resolves the SP row for entityID and brings its metadata up
// to date, overwriting in place when the content hash changed. This is the
// deliberate simplification over the versioned store: latest-known metadata
// only, no history.
func (s *Store) resolveSPID(ctx context.Context, entityID string, metadataBlob []byte) (int64, error) {
	table := s.db.Table("sp")
	entityHash := hashing.SHA256String(entityID)
	metadataHash := hashing.SHA256(metadataBlob)

	lookup := fmt.Sprintf("SELECT id, metadata_hash FROM %s WHERE entity_id_hash = ?", table)

	id, storedHash, found, err := s.lookupSP(ctx, lookup, entityHash)
	if err != nil {
		return 0, store.NewError("lookup "+table, err)
	}
	if !found {
		now := s.db.Now()
		insert := fmt.Sprintf(`INSERT INTO %s
			(entity_id, entity_id_hash, metadata, metadata_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`, table)
		if _, err := s.db.Conn().ExecContext(ctx, insert,
			entityID, entityHash, metadataBlob, metadataHash, now, now); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("table", table).
				Msg("optimistic insert failed, resolving via relookup")
		}
		id, storedHash, found, err = s.lookupSP(ctx, lookup, entityHash)
		if err != nil {
			return 0, store.NewError("relookup "+table, err)
		}
		if !found {
			return 0, store.NewError("resolve "+table, errors.New("row absent after insert"))
		}
	}

	if storedHash != metadataHash {
		update := fmt.Sprintf("UPDATE %s SET metadata = ?, metadata_hash = ?, updated_at = ? WHERE id = ?", table)
		if _, err := s.db.Conn().ExecContext(ctx, update, metadataBlob, metadataHash, s.db.Now(), id); err != nil {
			return 0, store.NewError("update sp metadata snapshot", err)
		}
		metrics.SnapshotUpdates.Inc()
	}
	return id, nil
}

func (s *Store) lookupSP(ctx context.Context, query, entityHash string) (int64, string, bool, error) {
	var (
		id   int64
		hash string
	)
	err := s.db.Conn().QueryRowContext(ctx, query, entityHash).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, err
	}
	return id, hash, true, nil
}

// Persist records one authentication occurrence against the snapshot
// schema and maintains the materialized connected-service aggregate.
func (s *Store) Persist(ctx context.Context, state *event.State) error {
	if err := state.Validate(); err != nil {
		return err
	}

	spBlob, err := s.codec.Encode(state.ServiceProviderMetadata)
	if err != nil {
		return store.NewError("encode sp metadata", err)
	}
	spID, err := s.resolveSPID(ctx, state.ServiceProviderEntityID, spBlob)
	if err != nil {
		return err
	}

	identifier, err := state.UserIdentifier(s.userIDAttr)
	if err != nil {
		return err
	}
	userID, err := s.user.ResolveID(ctx, identifier)
	if err != nil {
		return err
	}
	attrBlob, err := s.codec.Encode(state.UserAttributes)
	if err != nil {
		return store.NewError("encode user attributes", err)
	}
	userVerID, err := s.userVer.ResolveID(ctx, userID, attrBlob)
	if err != nil {
		return err
	}

	now := s.db.Now()
	insert := fmt.Sprintf(`INSERT INTO %s
		(sp_id, user_version_id, happened_at, client_ip_address, authentication_protocol_designation, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, s.db.Table("authentication_event"))
	if _, err := s.db.Conn().ExecContext(ctx, insert,
		spID, userVerID, state.HappenedAt, nullable(state.ClientIPAddress),
		nullable(state.AuthenticationProtocol), now); err != nil {
		return store.NewError("insert authentication event", err)
	}

	upsert := fmt.Sprintf(`INSERT INTO %s
		(sp_id, user_id, user_version_id, number_of_authentications,
		 first_authentication_at, last_authentication_at, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT (sp_id, user_id) DO UPDATE SET
			number_of_authentications = number_of_authentications + 1,
			first_authentication_at = least(first_authentication_at, excluded.first_authentication_at),
			last_authentication_at = greatest(last_authentication_at, excluded.last_authentication_at),
			user_version_id = excluded.user_version_id,
			updated_at = excluded.updated_at`, s.db.Table("connected_service"))
	if _, err := s.db.Conn().ExecContext(ctx, upsert,
		spID, userID, userVerID, state.HappenedAt, state.HappenedAt, now, now); err != nil {
		return store.NewError("upsert connected service aggregate", err)
	}

	metrics.EventsPersisted.WithLabelValues("current").Inc()
	return nil
}

// DeleteDataOlderThan hard-deletes aged event rows, connected-service
// aggregates whose last authentication precedes the cutoff, and user
// version/identity rows left unreferenced afterwards. SP snapshot rows are
// kept: they hold the only copy of current metadata.
func (s *Store) DeleteDataOlderThan(ctx context.Context, cutoff time.Time) error {
	p := s.db.Prefix()
	steps := []struct {
		table string
		query string
	}{
		{p + "authentication_event",
			fmt.Sprintf("DELETE FROM %sauthentication_event WHERE happened_at < ?", p)},
		{p + "connected_service",
			fmt.Sprintf("DELETE FROM %sconnected_service WHERE last_authentication_at < ?", p)},
	}
	for _, step := range steps {
		res, err := s.db.Conn().ExecContext(ctx, step.query, cutoff)
		if err != nil {
			return store.NewError("retention delete from "+step.table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			metrics.RetentionRowsDeleted.WithLabelValues(step.table).Add(float64(n))
		}
	}

	orphans := []struct {
		table string
		query string
	}{
		{p + "user_version", fmt.Sprintf(`DELETE FROM %suser_version uv
			WHERE NOT EXISTS (SELECT 1 FROM %sauthentication_event ae WHERE ae.user_version_id = uv.id)
			AND NOT EXISTS (SELECT 1 FROM %sconnected_service cs WHERE cs.user_version_id = uv.id)`, p, p, p)},
		{p + "user", fmt.Sprintf(`DELETE FROM %suser u
			WHERE NOT EXISTS (SELECT 1 FROM %suser_version uv WHERE uv.user_id = u.id)`, p, p)},
	}
	for _, step := range orphans {
		res, err := s.db.Conn().ExecContext(ctx, step.query)
		if err != nil {
			return store.NewError("retention delete orphans from "+step.table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			metrics.RetentionRowsDeleted.WithLabelValues(step.table).Add(float64(n))
		}
	}

	logging.Info().Time("cutoff", cutoff).Msg("retention pass finished")
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
