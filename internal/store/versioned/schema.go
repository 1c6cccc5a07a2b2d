// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package versioned

import (
	"fmt"

	"github.com/mkorva/authledger/internal/config"
	"github.com/mkorva/authledger/internal/store"
)

// Migrations returns the versioned-variant schema for the given table
// prefix. hashUniqueness selects the uniqueness scope on version tables:
// config.HashUniquenessScoped constrains (entity FK, hash) so that two
// entities may carry byte-identical content; config.HashUniquenessGlobal
// constrains the hash column alone, reproducing deployments migrated from
// systems that enforced a globally unique version hash.
//
// Foreign keys are not declared: the resolve pipeline always creates
// parents before children, and retention in this variant deletes only event
// rows, so referenced rows are never removed out from under a child.
func Migrations(prefix, hashUniqueness string) []store.Migration {
	var migrations []store.Migration

	migrations = append(migrations,
		entityMigration("20260301000001_versioned_idp", prefix+"idp", "entity_id", "entity_id_hash"),
		versionMigration("20260301000002_versioned_idp_version", prefix+"idp_version", "idp_id", "metadata", "metadata_hash", hashUniqueness),
		entityMigration("20260301000003_versioned_sp", prefix+"sp", "entity_id", "entity_id_hash"),
		versionMigration("20260301000004_versioned_sp_version", prefix+"sp_version", "sp_id", "metadata", "metadata_hash", hashUniqueness),
		entityMigration("20260301000005_versioned_user", prefix+"user", "identifier", "identifier_hash"),
		versionMigration("20260301000006_versioned_user_version", prefix+"user_version", "user_id", "attributes", "attributes_hash", hashUniqueness),
	)

	assoc := prefix + "idp_sp_user_version"
	migrations = append(migrations, store.Migration{
		Version: "20260301000007_versioned_association",
		SQL: []string{
			fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", store.Seq(assoc)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY DEFAULT nextval('%s'),
				idp_version_id BIGINT NOT NULL,
				sp_version_id BIGINT NOT NULL,
				user_version_id BIGINT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				UNIQUE (idp_version_id, sp_version_id, user_version_id)
			)`, assoc, store.Seq(assoc)),
		},
	})

	events := prefix + "authentication_event"
	migrations = append(migrations, store.Migration{
		Version: "20260301000008_versioned_authentication_event",
		SQL: []string{
			fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", store.Seq(events)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY DEFAULT nextval('%s'),
				idp_sp_user_version_id BIGINT NOT NULL,
				happened_at TIMESTAMP NOT NULL,
				client_ip_address VARCHAR,
				authentication_protocol_designation VARCHAR,
				created_at TIMESTAMP NOT NULL
			)`, events, store.Seq(events)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_happened_at ON %s (happened_at)", events, events),
		},
	})

	return migrations
}

func entityMigration(version, table, keyCol, hashCol string) store.Migration {
	return store.Migration{
		Version: version,
		SQL: []string{
			fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", store.Seq(table)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY DEFAULT nextval('%s'),
				%s VARCHAR NOT NULL,
				%s VARCHAR NOT NULL UNIQUE
			)`, table, store.Seq(table), keyCol, hashCol),
		},
	}
}

func versionMigration(version, table, parentCol, blobCol, hashCol, hashUniqueness string) store.Migration {
	unique := fmt.Sprintf("UNIQUE (%s, %s)", parentCol, hashCol)
	if hashUniqueness == config.HashUniquenessGlobal {
		unique = fmt.Sprintf("UNIQUE (%s)", hashCol)
	}
	return store.Migration{
		Version: version,
		SQL: []string{
			fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", store.Seq(table)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY DEFAULT nextval('%s'),
				%s BIGINT NOT NULL,
				%s BLOB NOT NULL,
				%s VARCHAR NOT NULL,
				created_at TIMESTAMP NOT NULL,
				%s
			)`, table, store.Seq(table), parentCol, blobCol, hashCol, unique),
		},
	}
}
