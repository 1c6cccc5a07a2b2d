// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package current

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mkorva/authledger/internal/accounting"
	"github.com/mkorva/authledger/internal/hashing"
	"github.com/mkorva/authledger/internal/store"
)

// Activity returns the user's feed. SP metadata is the current snapshot,
// not the state at login time; user attributes are the version recorded
// with the event.
func (s *Store) Activity(ctx context.Context, userIdentifier string, limit, offset int) ([]accounting.Activity, error) {
	p := s.db.Prefix()
	query := fmt.Sprintf(`SELECT
			ae.happened_at, ae.client_ip_address, ae.authentication_protocol_designation,
			sp.metadata, uv.attributes
		FROM %sauthentication_event ae
		JOIN %ssp sp ON ae.sp_id = sp.id
		JOIN %suser_version uv ON ae.user_version_id = uv.id
		JOIN %suser u ON uv.user_id = u.id
		WHERE u.identifier_hash = ?
		ORDER BY ae.happened_at DESC
		LIMIT ? OFFSET ?`, p, p, p, p)

	rows, err := s.db.Conn().QueryContext(ctx, query,
		hashing.SHA256String(userIdentifier), limit, offset)
	if err != nil {
		return nil, store.NewError("query activity", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	activities := make([]accounting.Activity, 0, limit)
	for rows.Next() {
		var (
			a        accounting.Activity
			clientIP sql.NullString
			protocol sql.NullString
			spBlob   []byte
			attrBlob []byte
		)
		if err := rows.Scan(&a.HappenedAt, &clientIP, &protocol, &spBlob, &attrBlob); err != nil {
			return nil, store.NewError("scan activity row", err)
		}
		a.ClientIPAddress = clientIP.String
		a.AuthenticationProtocol = protocol.String
		if err := s.codec.Decode(spBlob, &a.ServiceProviderMetadata); err != nil {
			return nil, store.NewDeserializationError(s.db.Table("sp"), err)
		}
		if err := s.codec.Decode(attrBlob, &a.UserAttributes); err != nil {
			return nil, store.NewDeserializationError(s.db.Table("user_version"), err)
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewError("iterate activity rows", err)
	}
	return activities, nil
}

// ConnectedServices reads the materialized aggregate.
func (s *Store) ConnectedServices(ctx context.Context, userIdentifier string) ([]accounting.ConnectedService, error) {
	p := s.db.Prefix()
	query := fmt.Sprintf(`SELECT
			sp.entity_id,
			cs.number_of_authentications,
			cs.first_authentication_at,
			cs.last_authentication_at,
			sp.metadata,
			uv.attributes
		FROM %sconnected_service cs
		JOIN %ssp sp ON cs.sp_id = sp.id
		JOIN %suser u ON cs.user_id = u.id
		JOIN %suser_version uv ON cs.user_version_id = uv.id
		WHERE u.identifier_hash = ?
		ORDER BY cs.last_authentication_at DESC`, p, p, p, p)

	rows, err := s.db.Conn().QueryContext(ctx, query, hashing.SHA256String(userIdentifier))
	if err != nil {
		return nil, store.NewError("query connected services", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var services []accounting.ConnectedService
	for rows.Next() {
		var (
			cs       accounting.ConnectedService
			spBlob   []byte
			attrBlob []byte
		)
		if err := rows.Scan(&cs.ServiceProviderEntityID, &cs.NumberOfAuthentications,
			&cs.FirstAuthenticationAt, &cs.LastAuthenticationAt, &spBlob, &attrBlob); err != nil {
			return nil, store.NewError("scan connected service row", err)
		}
		if err := s.codec.Decode(spBlob, &cs.ServiceProviderMetadata); err != nil {
			return nil, store.NewDeserializationError(s.db.Table("sp"), err)
		}
		if err := s.codec.Decode(attrBlob, &cs.UserAttributes); err != nil {
			return nil, store.NewDeserializationError(s.db.Table("user_version"), err)
		}
		services = append(services, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewError("iterate connected service rows", err)
	}
	return services, nil
}
