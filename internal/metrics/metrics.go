// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package metrics defines the Prometheus instrumentation for the resolver
// engine, the accounting stores, the job queue and the runner. Metrics are
// registered with promauto on the default registry and exposed through the
// ops surface's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Resolver engine.

	ResolveLookupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authledger_resolve_lookup_hits_total",
			Help: "Resolutions satisfied by the first hash lookup (dedup hits)",
		},
		[]string{"table"},
	)

	ResolveInserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authledger_resolve_inserts_total",
			Help: "Rows created by the optimistic-insert step",
		},
		[]string{"table"},
	)

	ResolveInsertRaces = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authledger_resolve_insert_races_total",
			Help: "Optimistic inserts lost to a concurrent writer and recovered via relookup",
		},
		[]string{"table"},
	)

	// Accounting stores.

	EventsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authledger_events_persisted_total",
			Help: "Authentication event rows appended",
		},
		[]string{"mode"},
	)

	SnapshotUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authledger_snapshot_metadata_updates_total",
			Help: "In-place metadata overwrites performed by the current-snapshot store",
		},
	)

	RetentionRowsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authledger_retention_rows_deleted_total",
			Help: "Rows hard-deleted by the retention enforcer",
		},
		[]string{"table"},
	)

	// Job queue.

	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authledger_jobs_enqueued_total",
			Help: "Jobs placed on the live queue",
		},
		[]string{"backend"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authledger_jobs_failed_total",
			Help: "Jobs parked on the failed queue",
		},
		[]string{"backend"},
	)

	// Runner.

	RunnerJobsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authledger_runner_jobs_processed_total",
			Help: "Jobs processed successfully by the runner",
		},
	)

	RunnerJobsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authledger_runner_jobs_failed_total",
			Help: "Jobs whose processing failed and were parked on the failed queue",
		},
	)

	RunnerBackoffSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "authledger_runner_backoff_seconds",
			Help: "Current exponential backoff interval of the runner",
		},
	)
)
