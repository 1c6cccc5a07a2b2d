// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package retention ages out authentication events. Deletion is a hard
// delete and runs only on the explicitly configured schedule; nothing in
// the write or read path deletes data as a side effect.
package retention

import (
	"context"
	"time"

	"github.com/mkorva/authledger/internal/accounting"
	"github.com/mkorva/authledger/internal/logging"
)

// Enforcer computes the cutoff and delegates the delete to the accounting
// store.
type Enforcer struct {
	store  accounting.Store
	maxAge time.Duration
	now    func() time.Time
}

// NewEnforcer builds an enforcer deleting events older than maxAge.
func NewEnforcer(store accounting.Store, maxAge time.Duration) *Enforcer {
	return &Enforcer{store: store, maxAge: maxAge, now: time.Now}
}

// SetClock replaces the time source, for tests.
func (e *Enforcer) SetClock(now func() time.Time) { e.now = now }

// EnforceOnce runs one retention pass.
func (e *Enforcer) EnforceOnce(ctx context.Context) error {
	cutoff := e.now().Add(-e.maxAge)
	logging.Info().Time("cutoff", cutoff).Dur("max_age", e.maxAge).Msg("retention pass starting")
	return e.store.DeleteDataOlderThan(ctx, cutoff)
}

// Service runs the enforcer on a fixed interval under the supervisor.
type Service struct {
	enforcer *Enforcer
	interval time.Duration
}

// NewService wraps the enforcer into a suture service ticking at interval.
func NewService(enforcer *Enforcer, interval time.Duration) *Service {
	return &Service{enforcer: enforcer, interval: interval}
}

// String names the service in supervisor logs.
func (s *Service) String() string { return "retention" }

// Serve ticks until ctx is cancelled. A failed pass is logged and retried
// on the next tick; it never stops the service.
func (s *Service) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.enforcer.EnforceOnce(ctx); err != nil {
				logging.Error().Err(err).Msg("retention pass failed")
			}
		}
	}
}
