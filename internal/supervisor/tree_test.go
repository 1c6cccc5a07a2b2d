// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// countingService fails a fixed number of times, then blocks until ctx
// cancellation.
type countingService struct {
	starts   atomic.Int64
	failures int64
}

func (s *countingService) String() string { return "counting" }

func (s *countingService) Serve(ctx context.Context) error {
	n := s.starts.Add(1)
	if n <= s.failures {
		return errors.New("simulated crash")
	}
	<-ctx.Done()
	return ctx.Err()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTreeRestartsFailedService(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{
		FailureThreshold: 100, // keep restarts immediate for the test
		FailureDecay:     30,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	svc := &countingService{failures: 2}
	tree.AddQueueService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && svc.starts.Load() < 3 {
		time.Sleep(time.Millisecond)
	}
	if got := svc.starts.Load(); got < 3 {
		t.Errorf("service started %d times, want at least 3 (two crashes + recovery)", got)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop after cancellation")
	}
}

func TestTreeStopsAllLayers(t *testing.T) {
	tree := NewTree(testLogger(), DefaultTreeConfig())

	services := []*countingService{{}, {}, {}}
	tree.AddQueueService(services[0])
	tree.AddDataService(services[1])
	tree.AddOpsService(services[2])

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	running := func() bool {
		for _, s := range services {
			if s.starts.Load() == 0 {
				return false
			}
		}
		return true
	}
	for time.Now().Before(deadline) && !running() {
		time.Sleep(time.Millisecond)
	}
	if !running() {
		t.Fatal("not all layers started their services")
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop after cancellation")
	}

	if report, err := tree.UnstoppedServiceReport(); err != nil || len(report) != 0 {
		t.Errorf("unstopped services = %v (err %v), want none", report, err)
	}
}
