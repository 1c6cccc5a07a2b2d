// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package ops serves the operational HTTP surface: liveness, readiness,
// runner state and Prometheus metrics. It carries no accounting read or
// write endpoints.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkorva/authledger/internal/codec"
	"github.com/mkorva/authledger/internal/config"
	"github.com/mkorva/authledger/internal/logging"
	"github.com/mkorva/authledger/internal/runner"
)

// Pinger reports storage reachability for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StateSource exposes the runner state snapshot.
type StateSource interface {
	State() runner.Snapshot
}

// Server is the ops HTTP server, run as a suture service.
type Server struct {
	cfg    config.OpsConfig
	codec  codec.Codec
	pinger Pinger
	state  StateSource
}

// New builds the ops server. state may be nil when no runner is enabled;
// /state then reports an idle placeholder.
func New(cfg config.OpsConfig, c codec.Codec, pinger Pinger, state StateSource) *Server {
	return &Server{cfg: cfg, codec: c, pinger: pinger, state: state}
}

// Routes assembles the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if s.cfg.RequestsPerMinute > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RequestsPerMinute, time.Minute))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/state", s.handleState)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := s.codec.Encode(v)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.state == nil {
		s.writeJSON(w, http.StatusOK, runner.Snapshot{Status: runner.StatusIdle})
		return
	}
	s.writeJSON(w, http.StatusOK, s.state.State())
}

// String names the service in supervisor logs.
func (s *Server) String() string { return "ops-http" }

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Info().Str("addr", s.cfg.ListenAddr).Msg("ops server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
