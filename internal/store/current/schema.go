// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package current

import (
	"fmt"

	"github.com/mkorva/authledger/internal/config"
	"github.com/mkorva/authledger/internal/store"
)

// Migrations returns the current-snapshot schema. The SP table carries the
// latest metadata in place of a version history; users keep a version table
// so attribute history at login time survives attribute churn; the
// connected-service aggregate is materialized and maintained on every
// Persist.
func Migrations(prefix, hashUniqueness string) []store.Migration {
	sp := prefix + "sp"
	user := prefix + "user"
	userVersion := prefix + "user_version"
	events := prefix + "authentication_event"
	connected := prefix + "connected_service"

	userVersionUnique := "UNIQUE (user_id, attributes_hash)"
	if hashUniqueness == config.HashUniquenessGlobal {
		userVersionUnique = "UNIQUE (attributes_hash)"
	}

	return []store.Migration{
		{
			Version: "20260301000101_current_sp",
			SQL: []string{
				fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", store.Seq(sp)),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id BIGINT PRIMARY KEY DEFAULT nextval('%s'),
					entity_id VARCHAR NOT NULL,
					entity_id_hash VARCHAR NOT NULL UNIQUE,
					metadata BLOB NOT NULL,
					metadata_hash VARCHAR NOT NULL,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				)`, sp, store.Seq(sp)),
			},
		},
		{
			Version: "20260301000102_current_user",
			SQL: []string{
				fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", store.Seq(user)),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id BIGINT PRIMARY KEY DEFAULT nextval('%s'),
					identifier VARCHAR NOT NULL,
					identifier_hash VARCHAR NOT NULL UNIQUE
				)`, user, store.Seq(user)),
			},
		},
		{
			Version: "20260301000103_current_user_version",
			SQL: []string{
				fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", store.Seq(userVersion)),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id BIGINT PRIMARY KEY DEFAULT nextval('%s'),
					user_id BIGINT NOT NULL,
					attributes BLOB NOT NULL,
					attributes_hash VARCHAR NOT NULL,
					created_at TIMESTAMP NOT NULL,
					%s
				)`, userVersion, store.Seq(userVersion), userVersionUnique),
			},
		},
		{
			Version: "20260301000104_current_authentication_event",
			SQL: []string{
				fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", store.Seq(events)),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id BIGINT PRIMARY KEY DEFAULT nextval('%s'),
					sp_id BIGINT NOT NULL,
					user_version_id BIGINT NOT NULL,
					happened_at TIMESTAMP NOT NULL,
					client_ip_address VARCHAR,
					authentication_protocol_designation VARCHAR,
					created_at TIMESTAMP NOT NULL
				)`, events, store.Seq(events)),
				fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_happened_at ON %s (happened_at)", events, events),
			},
		},
		{
			Version: "20260301000105_current_connected_service",
			SQL: []string{
				fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", store.Seq(connected)),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id BIGINT PRIMARY KEY DEFAULT nextval('%s'),
					sp_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL,
					user_version_id BIGINT NOT NULL,
					number_of_authentications BIGINT NOT NULL,
					first_authentication_at TIMESTAMP NOT NULL,
					last_authentication_at TIMESTAMP NOT NULL,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					UNIQUE (sp_id, user_id)
				)`, connected, store.Seq(connected)),
			},
		},
	}
}
