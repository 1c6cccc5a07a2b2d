// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package accounting

import (
	"context"

	"github.com/mkorva/authledger/internal/codec"
	"github.com/mkorva/authledger/internal/event"
	"github.com/mkorva/authledger/internal/logging"
	"github.com/mkorva/authledger/internal/queue"
)

// JobTypePersist designates authentication-event persistence jobs on the
// queue.
const JobTypePersist = "accounting.persist"

// EnqueuePersist serializes the state and places a persistence job on the
// queue. The state is validated before it is accepted, so the runner side
// only sees decodable, well-formed payloads barring storage corruption.
func EnqueuePersist(ctx context.Context, q queue.Store, c codec.Codec, state *event.State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	payload, err := c.Encode(state)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, JobTypePersist, payload)
}

// PersistHandler returns the runner handler that decodes a persistence job
// and records it through the store. Persist is idempotent up to the event
// row, which makes the handler safe under at-least-once delivery only for
// entity and version rows; duplicate event rows are accepted as the cost
// of the delivery guarantee.
func PersistHandler(s Store, c codec.Codec) func(ctx context.Context, job *queue.Job) error {
	return func(ctx context.Context, job *queue.Job) error {
		state := &event.State{}
		if err := c.Decode(job.Payload, state); err != nil {
			logging.Ctx(ctx).Error().Err(err).Int64("job_id", job.ID).
				Msg("persistence job payload undecodable")
			return err
		}
		return s.Persist(ctx, state)
	}
}
