// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package event defines the authentication state snapshot fed into the
// accounting stores. The snapshot is produced upstream from an
// already-parsed SAML2 or OIDC authentication context; this package knows
// nothing about assertion wire formats.
package event

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Protocol designations recorded with each event.
const (
	ProtocolSAML2 = "SAML2"
	ProtocolOIDC  = "OIDC"
)

// validate is shared; validator instances cache struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// State is one authentication occurrence together with the full
// authentication context it happened under: who authenticated, to which
// service provider, through which identity provider, with what attributes.
type State struct {
	IdentityProviderEntityID string         `json:"idp_entity_id" validate:"required"`
	IdentityProviderMetadata map[string]any `json:"idp_metadata"`

	ServiceProviderEntityID string         `json:"sp_entity_id" validate:"required"`
	ServiceProviderMetadata map[string]any `json:"sp_metadata"`

	// UserAttributes is the full attribute map released for the user.
	// The accounting identifier is extracted from the configured attribute
	// name, see UserIdentifier.
	UserAttributes map[string][]string `json:"user_attributes" validate:"required"`

	// HappenedAt is the authentication instant as reported by the caller.
	// It is distinct from the store-assigned created_at of any row.
	HappenedAt time.Time `json:"happened_at" validate:"required"`

	ClientIPAddress        string `json:"client_ip_address,omitempty"`
	AuthenticationProtocol string `json:"authentication_protocol,omitempty"`
}

// ValidationError reports a State that violates a precondition of the
// accounting pipeline. It is surfaced synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid authentication state: %s: %s", e.Field, e.Reason)
}

// Validate checks the structural preconditions for persisting the state.
func (s *State) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			return &ValidationError{
				Field:  verrs[0].Field(),
				Reason: "failed rule " + verrs[0].Tag(),
			}
		}
		return &ValidationError{Field: "state", Reason: err.Error()}
	}
	return nil
}

// UserIdentifier extracts the accounting identifier from the configured
// attribute name, e.g. a persistent NameID attribute. The first value wins;
// a missing or empty attribute is a ValidationError.
func (s *State) UserIdentifier(attributeName string) (string, error) {
	values, ok := s.UserAttributes[attributeName]
	if !ok || len(values) == 0 || values[0] == "" {
		return "", &ValidationError{
			Field:  attributeName,
			Reason: "user identifier attribute missing from authentication context",
		}
	}
	return values[0], nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors) //nolint:errorlint // validator returns the slice directly
	if ok {
		*target = verrs
	}
	return ok
}
