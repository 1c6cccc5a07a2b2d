// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package natsqueue

import (
	"context"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/mkorva/authledger/internal/logging"
	"github.com/mkorva/authledger/internal/store"
)

// EmbeddedServer runs an in-process NATS JetStream server so that
// standalone deployments can use the broker backend without operating a
// separate broker.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// EmbeddedServerConfig configures the in-process broker. Port 0 picks the
// default NATS port, -1 a random free port.
type EmbeddedServerConfig struct {
	Host     string
	Port     int
	StoreDir string
}

// StartEmbeddedServer starts the broker and waits for it to accept
// connections.
func StartEmbeddedServer(cfg EmbeddedServerConfig) (*EmbeddedServer, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	opts := &server.Options{
		ServerName: "authledger-queue",
		Host:       host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, store.NewError("create embedded nats server", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, store.NewError("start embedded nats server",
			context.DeadlineExceeded)
	}

	logging.Info().Str("url", ns.ClientURL()).Msg("embedded nats server ready")
	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the connection URL for in-process clients.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// Running reports broker health.
func (s *EmbeddedServer) Running() bool {
	return s.server.Running()
}

// Shutdown stops the broker, waiting for completion or ctx expiry.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
