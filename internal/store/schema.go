// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package store

// The resolver engine is parameterized by plain schema descriptors instead
// of per-entity code: one EntitySchema/VersionSchema pair describes the IdP
// tables, another the SP tables, another the user tables.

// EntitySchema describes an identity table: a stable natural key and its
// SHA-256, immutable once created.
type EntitySchema struct {
	Table      string // prefixed table name
	KeyColumn  string // natural key column, e.g. entity_id or identifier
	HashColumn string // SHA-256 of the natural key, unique
}

// VersionSchema describes an append-only content-version table hanging off
// an entity table.
type VersionSchema struct {
	Table        string
	ParentColumn string // FK column to the entity table, e.g. idp_id
	BlobColumn   string // opaque content column, e.g. metadata or attributes
	HashColumn   string // SHA-256 of the blob
}

// AssociationSchema describes the junction table linking version IDs into a
// co-occurrence fact, uniqueness-constrained on the full column tuple.
type AssociationSchema struct {
	Table   string
	Columns []string // FK columns in insert order, e.g. idp/sp/user version IDs
}

// Seq returns the id sequence name convention for a table.
func Seq(table string) string {
	return table + "_id_seq"
}
