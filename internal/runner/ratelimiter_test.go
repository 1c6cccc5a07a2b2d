// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package runner

import (
	"context"
	"testing"
	"time"
)

// recordingSleep captures requested sleep intervals without waiting.
func recordingSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	var slept []time.Duration
	r := NewRateLimiter(10*time.Second, 4*time.Second)
	r.SetSleep(recordingSleep(&slept))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := r.BackoffPause(ctx); err != nil {
			t.Fatalf("BackoffPause: %v", err)
		}
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second, // capped
		4 * time.Second,
	}
	if len(slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestResetBackoff(t *testing.T) {
	var slept []time.Duration
	r := NewRateLimiter(10*time.Second, time.Minute)
	r.SetSleep(recordingSleep(&slept))
	ctx := context.Background()

	_ = r.BackoffPause(ctx)
	_ = r.BackoffPause(ctx)
	if got := r.Backoff(); got != 4*time.Second {
		t.Fatalf("backoff after two pauses = %v, want 4s", got)
	}

	r.ResetBackoff()
	if got := r.Backoff(); got != time.Second {
		t.Errorf("backoff after reset = %v, want 1s", got)
	}
	if err := r.BackoffPause(ctx); err != nil {
		t.Fatal(err)
	}
	if slept[len(slept)-1] != time.Second {
		t.Errorf("sleep after reset = %v, want 1s", slept[len(slept)-1])
	}
}

func TestPauseUsesFixedInterval(t *testing.T) {
	var slept []time.Duration
	r := NewRateLimiter(250*time.Millisecond, time.Minute)
	r.SetSleep(recordingSleep(&slept))

	if err := r.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if len(slept) != 1 || slept[0] != 250*time.Millisecond {
		t.Errorf("sleeps = %v, want one fixed pause", slept)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	r := NewRateLimiter(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Pause(ctx); err == nil {
		t.Error("Pause on cancelled context returned nil")
	}
}
