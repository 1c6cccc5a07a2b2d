// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package accounting defines the store contract shared by the versioned and
// current-snapshot variants, and the read-side shapes they return.
package accounting

import (
	"context"
	"time"

	"github.com/mkorva/authledger/internal/event"
)

// Activity is one entry of a user's authentication activity feed.
type Activity struct {
	HappenedAt              time.Time           `json:"happened_at"`
	ClientIPAddress         string              `json:"client_ip_address,omitempty"`
	AuthenticationProtocol  string              `json:"authentication_protocol,omitempty"`
	ServiceProviderMetadata map[string]any      `json:"sp_metadata"`
	UserAttributes          map[string][]string `json:"user_attributes"`
}

// ConnectedService is the per-(user, SP) aggregate: how often and when the
// user authenticated to the service, with the latest known metadata and
// attributes for display.
type ConnectedService struct {
	ServiceProviderEntityID string              `json:"sp_entity_id"`
	NumberOfAuthentications int64               `json:"number_of_authentications"`
	FirstAuthenticationAt   time.Time           `json:"first_authentication_at"`
	LastAuthenticationAt    time.Time           `json:"last_authentication_at"`
	ServiceProviderMetadata map[string]any      `json:"sp_metadata"`
	UserAttributes          map[string][]string `json:"user_attributes"`
}

// Store is the accounting contract implemented by both variants. Persist is
// idempotent up to the event row itself: entity, version and association
// resolution deduplicate on content hashes, while every Persist call
// appends exactly one event row (two logins at the same instant are two
// valid events).
type Store interface {
	// Setup applies the variant's schema migrations. Idempotent.
	Setup(ctx context.Context) error

	Persist(ctx context.Context, state *event.State) error

	// Activity returns the user's feed ordered by happened_at descending.
	Activity(ctx context.Context, userIdentifier string, limit, offset int) ([]Activity, error)

	ConnectedServices(ctx context.Context, userIdentifier string) ([]ConnectedService, error)

	// DeleteDataOlderThan hard-deletes authentication events whose
	// happened_at precedes the cutoff. Irreversible; invoked only by the
	// explicitly scheduled retention enforcer.
	DeleteDataOlderThan(ctx context.Context, cutoff time.Time) error
}
