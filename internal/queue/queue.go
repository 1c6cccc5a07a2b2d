// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package queue defines the durable job queue contract. Jobs survive process
// restarts, are delivered at least once, and are parked on a failed queue
// when processing gives up on them. Three backends implement the contract:
// sqlqueue (relational, default), badgerqueue (embedded key-value) and
// natsqueue (broker-backed for multi-node deployments).
package queue

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxTypeLength bounds the job type designation unless configured
// otherwise. Types are fully qualified handler names and never legitimately
// approach this.
const DefaultMaxTypeLength = 1024

// Job is one unit of deferred work. ID is assigned by the backend and is
// monotonically increasing within a backend instance, which gives FIFO
// dequeue order. Payload is opaque to the queue.
type Job struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationError reports an Enqueue argument rejected before any store
// interaction.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("queue validation: %s", e.Reason)
}

// ValidateType enforces the type designation rules shared by all backends:
// non-empty, at most maxLen characters. maxLen <= 0 falls back to
// DefaultMaxTypeLength.
func ValidateType(typ string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxTypeLength
	}
	if typ == "" {
		return &ValidationError{Reason: "job type must not be empty"}
	}
	if len(typ) > maxLen {
		return &ValidationError{Reason: fmt.Sprintf("job type exceeds %d characters", maxLen)}
	}
	return nil
}

// Store is the durable queue contract.
//
// Delivery is at-least-once: a crash between handing a job to its processor
// and Delete leaves the job on the live queue for redelivery, and a crash
// inside MarkFailed may leave it on both queues. Consumers must tolerate
// duplicates.
type Store interface {
	// Setup prepares backend storage (tables, directories, streams).
	// Idempotent.
	Setup(ctx context.Context) error

	// Enqueue appends a job of the given type. Returns ValidationError for
	// an empty or over-long type, before touching the backend.
	Enqueue(ctx context.Context, typ string, payload []byte) error

	// Dequeue returns the oldest live job of the given type without
	// removing it, or nil when the queue is empty. typ "" matches any type.
	Dequeue(ctx context.Context, typ string) (*Job, error)

	// Delete removes a live job by id. Returns false when no such job
	// exists, which is not an error: a redelivered duplicate may already
	// have been deleted.
	Delete(ctx context.Context, id int64) (bool, error)

	// MarkFailed parks the job on the failed queue and removes it from the
	// live queue, in that order.
	MarkFailed(ctx context.Context, job *Job) error

	// Close releases backend resources.
	Close() error
}
