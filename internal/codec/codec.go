// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package codec defines the serialization contract the stores and queue
// backends are parameterized on. Metadata blobs, attribute maps and job
// payloads all pass through an injected Codec, so the storage layer never
// commits to a wire format of its own.
package codec

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Codec encodes values into opaque blobs and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSON is the default Codec, backed by goccy/go-json.
type JSON struct{}

// NewJSON returns the default JSON codec.
func NewJSON() JSON {
	return JSON{}
}

// Encode marshals v to JSON bytes.
func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return data, nil
}

// Decode unmarshals JSON bytes into v.
func (JSON) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
