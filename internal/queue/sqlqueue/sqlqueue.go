// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package sqlqueue implements the job queue on the relational store: a live
// {prefix}job table and a {prefix}job_failed parking table, FIFO by the
// sequence-assigned id. It shares the accounting store's database so that a
// single-file deployment needs exactly one durable artifact.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mkorva/authledger/internal/metrics"
	"github.com/mkorva/authledger/internal/queue"
	"github.com/mkorva/authledger/internal/store"
)

const backendName = "sql"

// Store is the relational queue backend.
type Store struct {
	db         *store.DB
	maxTypeLen int
}

// New builds the backend over the shared database handle. maxTypeLen <= 0
// uses queue.DefaultMaxTypeLength.
func New(db *store.DB, maxTypeLen int) *Store {
	return &Store{db: db, maxTypeLen: maxTypeLen}
}

func migrations(prefix string) []store.Migration {
	live := prefix + "job"
	failed := prefix + "job_failed"
	return []store.Migration{
		{
			Version: "20260301000201_queue_job",
			SQL: []string{
				fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", store.Seq(live)),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id BIGINT PRIMARY KEY DEFAULT nextval('%s'),
					job_type VARCHAR NOT NULL,
					payload BLOB NOT NULL,
					created_at TIMESTAMP NOT NULL
				)`, live, store.Seq(live)),
				fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_type ON %s (job_type)", live, live),
			},
		},
		{
			Version: "20260301000202_queue_job_failed",
			SQL: []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id BIGINT PRIMARY KEY,
					job_type VARCHAR NOT NULL,
					payload BLOB NOT NULL,
					created_at TIMESTAMP NOT NULL,
					failed_at TIMESTAMP NOT NULL
				)`, failed),
			},
		},
	}
}

// Setup applies the queue tables. Idempotent.
func (s *Store) Setup(ctx context.Context) error {
	return s.db.RunMigrations(ctx, migrations(s.db.Prefix()))
}

// Enqueue appends a job to the live table.
func (s *Store) Enqueue(ctx context.Context, typ string, payload []byte) error {
	if err := queue.ValidateType(typ, s.maxTypeLen); err != nil {
		return err
	}
	insert := fmt.Sprintf("INSERT INTO %s (job_type, payload, created_at) VALUES (?, ?, ?)",
		s.db.Table("job"))
	if _, err := s.db.Conn().ExecContext(ctx, insert, typ, payload, s.db.Now()); err != nil {
		return store.NewError("enqueue job", err)
	}
	metrics.JobsEnqueued.WithLabelValues(backendName).Inc()
	return nil
}

// Dequeue returns the oldest live job of typ, or nil when the queue is
// empty. The job stays on the live table until Delete.
func (s *Store) Dequeue(ctx context.Context, typ string) (*queue.Job, error) {
	query := fmt.Sprintf("SELECT id, job_type, payload, created_at FROM %s", s.db.Table("job"))
	args := []any{}
	if typ != "" {
		query += " WHERE job_type = ?"
		args = append(args, typ)
	}
	query += " ORDER BY id LIMIT 1"

	job := &queue.Job{}
	err := s.db.Conn().QueryRowContext(ctx, query, args...).
		Scan(&job.ID, &job.Type, &job.Payload, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewError("dequeue job", err)
	}
	return job, nil
}

// Delete removes a live job by id. false means the row was already gone.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.Conn().ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.db.Table("job")), id)
	if err != nil {
		return false, store.NewError("delete job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.NewError("delete job", err)
	}
	return n > 0, nil
}

// MarkFailed copies the job into the failed table, then removes it from the
// live table. A crash between the two steps leaves the job on both, which
// at-least-once delivery allows.
func (s *Store) MarkFailed(ctx context.Context, job *queue.Job) error {
	insert := fmt.Sprintf(`INSERT INTO %s (id, job_type, payload, created_at, failed_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`, s.db.Table("job_failed"))
	if _, err := s.db.Conn().ExecContext(ctx, insert,
		job.ID, job.Type, job.Payload, job.CreatedAt, s.db.Now()); err != nil {
		return store.NewError("park failed job", err)
	}
	if _, err := s.Delete(ctx, job.ID); err != nil {
		return err
	}
	metrics.JobsFailed.WithLabelValues(backendName).Inc()
	return nil
}

// Close is a no-op: the database handle is owned by the accounting store.
func (s *Store) Close() error { return nil }

// FailedJobs returns parked jobs, oldest first, for inspection and manual
// replay tooling.
func (s *Store) FailedJobs(ctx context.Context, limit int) ([]queue.Job, []time.Time, error) {
	query := fmt.Sprintf("SELECT id, job_type, payload, created_at, failed_at FROM %s ORDER BY id LIMIT ?",
		s.db.Table("job_failed"))
	rows, err := s.db.Conn().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, nil, store.NewError("list failed jobs", err)
	}
	defer rows.Close()

	var (
		jobs     []queue.Job
		failedAt []time.Time
	)
	for rows.Next() {
		var (
			j  queue.Job
			at time.Time
		)
		if err := rows.Scan(&j.ID, &j.Type, &j.Payload, &j.CreatedAt, &at); err != nil {
			return nil, nil, store.NewError("scan failed job", err)
		}
		jobs = append(jobs, j)
		failedAt = append(failedAt, at)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, store.NewError("iterate failed jobs", err)
	}
	return jobs, failedAt, nil
}
