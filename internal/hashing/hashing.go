// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package hashing provides the content hashes the accounting stores use for
// deduplication and pseudonymized lookup.
//
// SHA-256 digests are the uniqueness keys of the entity-resolution protocol:
// entity natural keys and metadata/attribute blobs are looked up and
// deduplicated by digest, never by raw value. SHA-1 is used only to
// namespace per-type queue keys in the key-value queue backend.
package hashing

import (
	"crypto/sha1" //nolint:gosec // key namespacing only, not integrity
	"crypto/sha256"
	"encoding/hex"
)

// SHA256HexLength is the length of every *_hash column value.
const SHA256HexLength = 64

// SHA256 returns the lowercase hex SHA-256 digest of b.
func SHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256String returns the lowercase hex SHA-256 digest of s.
func SHA256String(s string) string {
	return SHA256([]byte(s))
}

// SHA1Namespace returns the lowercase hex SHA-1 digest of the fully
// qualified job type name, used to namespace per-type key lists in the
// key-value queue backend.
func SHA1Namespace(fqTypeName string) string {
	sum := sha1.Sum([]byte(fqTypeName)) //nolint:gosec // see package doc
	return hex.EncodeToString(sum[:])
}
