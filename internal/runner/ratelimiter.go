// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package runner

import (
	"context"
	"sync"
	"time"

	"github.com/mkorva/authledger/internal/metrics"
)

// initialBackoff is the first exponential backoff interval after a store
// error, and the value ResetBackoff restores.
const initialBackoff = time.Second

// RateLimiter paces the polling loop. Pause is the fixed sleep applied when
// the queue is empty; BackoffPause sleeps the current exponential backoff
// and doubles it up to the cap. The sleep function is injectable so tests
// can observe intervals without waiting them out.
type RateLimiter struct {
	pause      time.Duration
	maxBackoff time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	backoff time.Duration
}

// NewRateLimiter builds a limiter with the given fixed pause and backoff
// cap.
func NewRateLimiter(pause, maxBackoff time.Duration) *RateLimiter {
	return &RateLimiter{
		pause:      pause,
		maxBackoff: maxBackoff,
		sleep:      sleepContext,
		backoff:    initialBackoff,
	}
}

// SetSleep replaces the sleep function, for tests.
func (r *RateLimiter) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	r.sleep = sleep
}

// Pause sleeps the fixed pause interval. Returns early with ctx.Err() on
// cancellation.
func (r *RateLimiter) Pause(ctx context.Context) error {
	return r.sleep(ctx, r.pause)
}

// BackoffPause sleeps the current backoff interval, then doubles it up to
// the configured cap. Returns early with ctx.Err() on cancellation.
func (r *RateLimiter) BackoffPause(ctx context.Context) error {
	r.mu.Lock()
	d := r.backoff
	r.backoff *= 2
	if r.backoff > r.maxBackoff {
		r.backoff = r.maxBackoff
	}
	next := r.backoff
	r.mu.Unlock()

	metrics.RunnerBackoffSeconds.Set(next.Seconds())
	return r.sleep(ctx, d)
}

// ResetBackoff restores the initial backoff interval. Called after any
// successful store interaction.
func (r *RateLimiter) ResetBackoff() {
	r.mu.Lock()
	r.backoff = initialBackoff
	r.mu.Unlock()
	metrics.RunnerBackoffSeconds.Set(initialBackoff.Seconds())
}

// Backoff returns the interval the next BackoffPause will sleep.
func (r *RateLimiter) Backoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
