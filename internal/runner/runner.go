// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package runner implements the polling consumer of the durable job queue:
// a single goroutine that dequeues jobs at a bounded rate, hands them to
// the registered handler, deletes them on success and parks them on the
// failed queue on handler error. Store errors trip an exponential backoff
// and, if they persist, a circuit breaker.
package runner

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/mkorva/authledger/internal/config"
	"github.com/mkorva/authledger/internal/logging"
	"github.com/mkorva/authledger/internal/metrics"
	"github.com/mkorva/authledger/internal/queue"
)

// Handler processes one dequeued job. A nil return deletes the job; an
// error parks it on the failed queue. Handlers must tolerate duplicate
// deliveries.
type Handler func(ctx context.Context, job *queue.Job) error

// Runner is the polling loop. One Runner owns one goroutine; run several
// against the same queue store for horizontal scaling.
type Runner struct {
	store   queue.Store
	handler Handler
	jobType string

	limiter     *RateLimiter
	pollLimiter *rate.Limiter
	breaker     *gobreaker.CircuitBreaker[*queue.Job]
	state       *State
	now         func() time.Time
}

// New builds a runner from cfg. handler is required; jobType scoping comes
// from cfg.JobType ("" consumes every type).
func New(cfg config.RunnerConfig, store queue.Store, handler Handler) *Runner {
	failureThreshold := cfg.BreakerFailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	openTimeout := cfg.BreakerOpenTimeout
	if openTimeout == 0 {
		openTimeout = 30 * time.Second
	}

	r := &Runner{
		store:       store,
		handler:     handler,
		jobType:     cfg.JobType,
		limiter:     NewRateLimiter(cfg.Pause, cfg.MaxBackoff),
		pollLimiter: rate.NewLimiter(rate.Limit(cfg.PollRate), cfg.PollBurst),
		state:       NewState(),
		now:         time.Now,
	}
	r.breaker = gobreaker.NewCircuitBreaker[*queue.Job](gobreaker.Settings{
		Name: "queue-dequeue",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		Timeout: openTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			r.state.recordBreaker(to.String())
		},
	})
	return r
}

// SetClock replaces the time source, for tests.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// RateLimiter exposes the pacing component, for tests.
func (r *Runner) RateLimiter() *RateLimiter { return r.limiter }

// State returns a snapshot of the runner's condition.
func (r *Runner) State() Snapshot {
	snap := r.state.Snapshot()
	snap.Backoff = r.limiter.Backoff()
	if snap.BreakerState == "" {
		snap.BreakerState = r.breaker.State().String()
	}
	return snap
}

// String names the runner in supervisor logs.
func (r *Runner) String() string { return "job-runner" }

// Serve runs the polling loop until ctx is cancelled. It implements
// suture.Service; a cancelled context is a normal stop, every other exit
// path keeps looping.
func (r *Runner) Serve(ctx context.Context) error {
	r.state.markStarted(r.now())
	defer r.state.markStopped()
	logging.Info().Str("job_type", r.jobType).Msg("runner started")

	for {
		select {
		case <-ctx.Done():
			r.state.markShuttingDown()
			logging.Info().Msg("runner stopping")
			return ctx.Err()
		default:
		}

		if err := r.pollLimiter.Wait(ctx); err != nil {
			r.state.markShuttingDown()
			return err
		}
		r.state.recordPoll(r.now())

		job, err := r.breaker.Execute(func() (*queue.Job, error) {
			return r.store.Dequeue(ctx, r.jobType)
		})
		if err != nil {
			if ctx.Err() != nil {
				r.state.markShuttingDown()
				return ctx.Err()
			}
			logging.Error().Err(err).
				Dur("backoff", r.limiter.Backoff()).
				Msg("dequeue failed, backing off")
			r.state.recordBackoff(r.limiter.Backoff())
			if err := r.limiter.BackoffPause(ctx); err != nil {
				r.state.markShuttingDown()
				return err
			}
			continue
		}
		r.limiter.ResetBackoff()

		if job == nil {
			if err := r.limiter.Pause(ctx); err != nil {
				r.state.markShuttingDown()
				return err
			}
			continue
		}

		r.process(ctx, job)
	}
}

// process runs the handler for one job and settles it with the queue.
// Handler failures affect only this job.
func (r *Runner) process(ctx context.Context, job *queue.Job) {
	jobCtx := logging.ContextWithCorrelationID(ctx, logging.NewCorrelationID())
	log := logging.Ctx(jobCtx).With().
		Int64("job_id", job.ID).
		Str("job_type", job.Type).
		Logger()

	if err := r.handler(jobCtx, job); err != nil {
		log.Warn().Err(err).Msg("job processing failed, parking on failed queue")
		if mErr := r.store.MarkFailed(jobCtx, job); mErr != nil {
			log.Error().Err(mErr).Msg("parking failed job did not succeed")
		}
		metrics.RunnerJobsFailed.Inc()
		r.state.recordFailed(r.now())
		return
	}

	if _, err := r.store.Delete(jobCtx, job.ID); err != nil {
		// The job stays live and will be redelivered; the handler must
		// absorb the duplicate.
		log.Error().Err(err).Msg("deleting processed job failed")
	}
	metrics.RunnerJobsProcessed.Inc()
	r.state.recordProcessed(r.now())
	log.Debug().Msg("job processed")
}
