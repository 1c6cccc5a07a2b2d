// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package badgerqueue

import (
	"context"
	"errors"
	"testing"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/mkorva/authledger/internal/codec"
	"github.com/mkorva/authledger/internal/config"
	"github.com/mkorva/authledger/internal/queue"
	"github.com/mkorva/authledger/internal/store"
)

func testQueue(t *testing.T) *Store {
	t.Helper()
	q, err := Open(&config.BadgerQueueConfig{Dir: t.TempDir()}, codec.NewJSON(), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	for _, payload := range []string{"one", "two"} {
		if err := q.Enqueue(ctx, "accounting.persist", []byte(payload)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	job, err := q.Dequeue(ctx, "accounting.persist")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job == nil || string(job.Payload) != "one" {
		t.Fatalf("job = %+v, want oldest job first", job)
	}
	if job.ID <= 0 {
		t.Errorf("id = %d, want positive sequence-assigned id", job.ID)
	}
	if job.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	if ok, err := q.Delete(ctx, job.ID); err != nil || !ok {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", ok, err)
	}
	next, err := q.Dequeue(ctx, "accounting.persist")
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || string(next.Payload) != "two" {
		t.Errorf("next = %+v, want the second enqueue", next)
	}
}

func TestDequeueAnyTypePicksGlobalOldest(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "zeta", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "alpha", []byte("second")); err != nil {
		t.Fatal(err)
	}

	// "zeta" hashes after "alpha" in key order; the global dequeue must
	// follow sequence order, not key order.
	job, err := q.Dequeue(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || string(job.Payload) != "first" {
		t.Errorf("job = %+v, want the oldest job across types", job)
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q := testQueue(t)
	job, err := q.Dequeue(context.Background(), "accounting.persist")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job != nil {
		t.Errorf("job = %+v, want nil on empty queue", job)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := testQueue(t)
	err := q.Enqueue(context.Background(), "", []byte("x"))
	var verr *queue.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("error = %v, want ValidationError", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	q := testQueue(t)
	ok, err := q.Delete(context.Background(), 424242)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok {
		t.Error("Delete reported success for a missing job")
	}
}

func TestMarkFailedMovesJob(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "accounting.persist", []byte("poison")); err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue(ctx, "")
	if err != nil || job == nil {
		t.Fatalf("Dequeue = (%+v, %v)", job, err)
	}

	if err := q.MarkFailed(ctx, job); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if live, err := q.Dequeue(ctx, ""); err != nil || live != nil {
		t.Errorf("live queue = (%+v, %v), want empty", live, err)
	}
	failed, err := q.FailedJobs(ctx, 10)
	if err != nil {
		t.Fatalf("FailedJobs: %v", err)
	}
	if len(failed) != 1 || string(failed[0].Payload) != "poison" {
		t.Errorf("failed queue = %+v, want the parked job", failed)
	}
}

func TestFailedJobsOrderedByIDAcrossTypes(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	// "zeta" hashes after "alpha" in key order, so a key-order scan would
	// list alpha's job first despite its larger id.
	if err := q.Enqueue(ctx, "zeta", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "alpha", []byte("second")); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		job, err := q.Dequeue(ctx, "")
		if err != nil || job == nil {
			t.Fatalf("Dequeue = (%+v, %v)", job, err)
		}
		if err := q.MarkFailed(ctx, job); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
	}

	failed, err := q.FailedJobs(ctx, 10)
	if err != nil {
		t.Fatalf("FailedJobs: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("failed queue holds %d jobs, want 2", len(failed))
	}
	if failed[0].ID >= failed[1].ID {
		t.Errorf("ids not ascending: %d, %d", failed[0].ID, failed[1].ID)
	}
	if string(failed[0].Payload) != "first" {
		t.Errorf("oldest parked job = %+v, want the first enqueue", failed[0])
	}

	limited, err := q.FailedJobs(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != failed[0].ID {
		t.Errorf("limited listing = %+v, want just the oldest job", limited)
	}
}

func TestDequeueParksUndecodableEnvelope(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(liveKey("accounting.persist", 7), []byte("not json"))
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = q.Dequeue(ctx, "accounting.persist")
	var derr *store.DeserializationError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want DeserializationError", err)
	}

	// The corrupt envelope no longer blocks the head.
	job, err := q.Dequeue(ctx, "accounting.persist")
	if err != nil || job != nil {
		t.Errorf("Dequeue after park = (%+v, %v), want empty queue", job, err)
	}

	failed, err := q.FailedJobs(ctx, 10)
	if err != nil {
		t.Fatalf("FailedJobs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != 7 {
		t.Fatalf("failed queue = %+v, want the parked envelope under id 7", failed)
	}
	if string(failed[0].Payload) != "not json" {
		t.Errorf("parked payload = %q, want the raw bytes preserved", failed[0].Payload)
	}
}

func TestIDsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q, err := Open(&config.BadgerQueueConfig{Dir: dir}, codec.NewJSON(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "accounting.persist", []byte("before restart")); err != nil {
		t.Fatal(err)
	}
	first, err := q.Dequeue(ctx, "")
	if err != nil || first == nil {
		t.Fatalf("Dequeue = (%+v, %v)", first, err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q2, err := Open(&config.BadgerQueueConfig{Dir: dir}, codec.NewJSON(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()

	// The job survives the restart and new ids keep increasing.
	survived, err := q2.Dequeue(ctx, "")
	if err != nil || survived == nil {
		t.Fatalf("Dequeue after reopen = (%+v, %v)", survived, err)
	}
	if survived.ID != first.ID {
		t.Errorf("id changed across restart: %d != %d", survived.ID, first.ID)
	}
	if err := q2.Enqueue(ctx, "accounting.persist", []byte("after restart")); err != nil {
		t.Fatal(err)
	}
	if ok, err := q2.Delete(ctx, survived.ID); err != nil || !ok {
		t.Fatalf("Delete = (%v, %v)", ok, err)
	}
	after, err := q2.Dequeue(ctx, "")
	if err != nil || after == nil {
		t.Fatal(err)
	}
	if after.ID <= first.ID {
		t.Errorf("post-restart id %d not greater than pre-restart id %d", after.ID, first.ID)
	}
}
