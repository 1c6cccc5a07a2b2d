// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package ops

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mkorva/authledger/internal/codec"
	"github.com/mkorva/authledger/internal/config"
	"github.com/mkorva/authledger/internal/runner"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeState struct{ snap runner.Snapshot }

func (f *fakeState) State() runner.Snapshot { return f.snap }

func testServer(pinger Pinger, state StateSource) *Server {
	return New(config.OpsConfig{Enabled: true, ListenAddr: "127.0.0.1:0"},
		codec.NewJSON(), pinger, state)
}

func TestHealthz(t *testing.T) {
	srv := testServer(&fakePinger{}, nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
	}{
		{name: "store reachable", pingErr: nil, wantStatus: http.StatusOK},
		{name: "store down", pingErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(&fakePinger{err: tt.pingErr}, nil)
			rec := httptest.NewRecorder()
			srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestStateWithRunner(t *testing.T) {
	state := &fakeState{snap: runner.Snapshot{Status: runner.StatusRunning, Processed: 42}}
	srv := testServer(&fakePinger{}, state)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap runner.Snapshot
	if err := codec.NewJSON().Decode(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snap.Status != runner.StatusRunning || snap.Processed != 42 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestStateWithoutRunner(t *testing.T) {
	srv := testServer(&fakePinger{}, nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))

	var snap runner.Snapshot
	if err := codec.NewJSON().Decode(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snap.Status != runner.StatusIdle {
		t.Errorf("status = %q, want idle placeholder", snap.Status)
	}
}

func TestMetricsExposed(t *testing.T) {
	srv := testServer(&fakePinger{}, nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics body empty")
	}
}
