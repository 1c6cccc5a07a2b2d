// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package store

import "fmt"

// Error wraps any failure communicating with or executing against the
// backing store. The resolver engine's benign insert races are the single
// exception that is recovered internally; every other failure surfaces as
// an *Error (or *DeserializationError) to the caller.
type Error struct {
	Op    string
	Cause error
}

// NewError wraps cause with the failing operation.
func NewError(op string, cause error) *Error {
	return &Error{Op: op, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Cause)
	}
	return "store: " + e.Op
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// DeserializationError is the store-error subtype raised when a stored
// blob does not decode to the expected shape. It is always fatal for the
// operation that hit it: silently skipping a row would corrupt activity
// history invisibly.
type DeserializationError struct {
	Table string
	Cause error
}

// NewDeserializationError wraps a decode failure on the given table.
func NewDeserializationError(table string, cause error) *DeserializationError {
	return &DeserializationError{Table: table, Cause: cause}
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("store: deserializing blob from %s: %v", e.Table, e.Cause)
}

// Unwrap returns the underlying decode error.
func (e *DeserializationError) Unwrap() error {
	return e.Cause
}
