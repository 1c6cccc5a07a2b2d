// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package versioned implements the history-keeping accounting store: every
// change to IdP metadata, SP metadata or user attributes creates a new
// immutable version row, and each authentication event references the exact
// IdP+SP+user version triple it happened under.
package versioned

import (
	"context"
	"fmt"
	"time"

	"github.com/mkorva/authledger/internal/codec"
	"github.com/mkorva/authledger/internal/event"
	"github.com/mkorva/authledger/internal/logging"
	"github.com/mkorva/authledger/internal/metrics"
	"github.com/mkorva/authledger/internal/store"
)

// Store is the versioned accounting store.
type Store struct {
	db             *store.DB
	codec          codec.Codec
	userIDAttr     string
	hashUniqueness string

	idp     *store.EntityResolver
	idpVer  *store.VersionResolver
	sp      *store.EntityResolver
	spVer   *store.VersionResolver
	user    *store.EntityResolver
	userVer *store.VersionResolver
	assoc   *store.AssociationResolver
}

// New builds the versioned store over db. userIDAttribute names the
// attribute the accounting identifier is extracted from.
func New(db *store.DB, c codec.Codec, userIDAttribute, hashUniqueness string) *Store {
	p := db.Prefix()
	return &Store{
		db:             db,
		codec:          c,
		userIDAttr:     userIDAttribute,
		hashUniqueness: hashUniqueness,
		idp: store.NewEntityResolver(db, store.EntitySchema{
			Table: p + "idp", KeyColumn: "entity_id", HashColumn: "entity_id_hash",
		}),
		idpVer: store.NewVersionResolver(db, store.VersionSchema{
			Table: p + "idp_version", ParentColumn: "idp_id", BlobColumn: "metadata", HashColumn: "metadata_hash",
		}),
		sp: store.NewEntityResolver(db, store.EntitySchema{
			Table: p + "sp", KeyColumn: "entity_id", HashColumn: "entity_id_hash",
		}),
		spVer: store.NewVersionResolver(db, store.VersionSchema{
			Table: p + "sp_version", ParentColumn: "sp_id", BlobColumn: "metadata", HashColumn: "metadata_hash",
		}),
		user: store.NewEntityResolver(db, store.EntitySchema{
			Table: p + "user", KeyColumn: "identifier", HashColumn: "identifier_hash",
		}),
		userVer: store.NewVersionResolver(db, store.VersionSchema{
			Table: p + "user_version", ParentColumn: "user_id", BlobColumn: "attributes", HashColumn: "attributes_hash",
		}),
		assoc: store.NewAssociationResolver(db, store.AssociationSchema{
			Table:   p + "idp_sp_user_version",
			Columns: []string{"idp_version_id", "sp_version_id", "user_version_id"},
		}),
	}
}

// Setup applies the variant's schema migrations. Idempotent.
func (s *Store) Setup(ctx context.Context) error {
	return s.db.RunMigrations(ctx, Migrations(s.db.Prefix(), s.hashUniqueness))
}

// Persist records one authentication occurrence. The resolution steps run
// strictly in sequence, each depending on the previous step's id, with no
// multi-statement transaction: hash-dedup resolution makes a partial run
// safe to retry, and only the final event insert appends non-deduplicated
// state.
func (s *Store) Persist(ctx context.Context, state *event.State) error {
	if err := state.Validate(); err != nil {
		return err
	}

	idpID, err := s.idp.ResolveID(ctx, state.IdentityProviderEntityID)
	if err != nil {
		return err
	}
	idpBlob, err := s.codec.Encode(state.IdentityProviderMetadata)
	if err != nil {
		return store.NewError("encode idp metadata", err)
	}
	idpVerID, err := s.idpVer.ResolveID(ctx, idpID, idpBlob)
	if err != nil {
		return err
	}

	spID, err := s.sp.ResolveID(ctx, state.ServiceProviderEntityID)
	if err != nil {
		return err
	}
	spBlob, err := s.codec.Encode(state.ServiceProviderMetadata)
	if err != nil {
		return store.NewError("encode sp metadata", err)
	}
	spVerID, err := s.spVer.ResolveID(ctx, spID, spBlob)
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

	assocID, err := s.assoc.ResolveID(ctx, idpVerID, spVerID, userVerID)
	if err != nil {
		return err
	}

	insert := fmt.Sprintf(`INSERT INTO %s
		(idp_sp_user_version_id, happened_at, client_ip_address, authentication_protocol_designation, created_at)
		VALUES (?, ?, ?, ?, ?)`, s.db.Table("authentication_event"))
	_, err = s.db.Conn().ExecContext(ctx, insert,
		assocID, state.HappenedAt, nullable(state.ClientIPAddress),
		nullable(state.AuthenticationProtocol), s.db.Now())
	if err != nil {
		return store.NewError("insert authentication event", err)
	}

	metrics.EventsPersisted.WithLabelValues("versioned").Inc()
	return nil
}

// DeleteDataOlderThan hard-deletes event rows with happened_at before the
// cutoff. Entity, version and association rows are retained: the versioned
// variant keeps history indefinitely, so aged-out events leave their
// version rows behind as orphans by design.
func (s *Store) DeleteDataOlderThan(ctx context.Context, cutoff time.Time) error {
	table := s.db.Table("authentication_event")
	res, err := s.db.Conn().ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE happened_at < ?", table), cutoff)
	if err != nil {
		return store.NewError("delete aged authentication events", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		metrics.RetentionRowsDeleted.WithLabelValues(table).Add(float64(n))
		logging.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("retention deleted aged events")
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
