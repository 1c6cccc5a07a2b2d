// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

// Package config holds the authledger process configuration, loaded with
// koanf from defaults, an optional YAML file and AUTHLEDGER_* environment
// variables, in that precedence order.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Accounting modes. The versioned mode keeps full metadata/attribute history
// and links events to an IdP+SP+user version triple; the current mode keeps
// only the latest SP metadata and links events to SP+user.
const (
	ModeVersioned = "versioned"
	ModeCurrent   = "current"
)

// Hash uniqueness scopes for version tables, see StoreConfig.HashUniqueness.
const (
	HashUniquenessScoped = "scoped"
	HashUniquenessGlobal = "global"
)

// Queue backends.
const (
	QueueBackendSQL    = "sql"
	QueueBackendBadger = "badger"
	QueueBackendNATS   = "nats"
)

// Config is the root configuration.
type Config struct {
	Accounting AccountingConfig `koanf:"accounting"`
	Store      StoreConfig      `koanf:"store"`
	Queue      QueueConfig      `koanf:"queue"`
	Runner     RunnerConfig     `koanf:"runner"`
	Retention  RetentionConfig  `koanf:"retention"`
	Ops        OpsConfig        `koanf:"ops"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// AccountingConfig selects the accounting variant and the attribute the
// user identifier is extracted from.
type AccountingConfig struct {
	Mode string `koanf:"mode" validate:"oneof=versioned current"`

	// UserIDAttribute names the attribute in the authentication context
	// holding the stable user identifier, e.g. a persistent NameID or
	// eduPersonPrincipalName-style value.
	UserIDAttribute string `koanf:"user_id_attribute" validate:"required"`
}

// StoreConfig configures the DuckDB-backed relational store.
type StoreConfig struct {
	// Path is the database file path. Empty means in-memory (tests only).
	Path string `koanf:"path"`

	// TablePrefix is prepended to every table and sequence name.
	TablePrefix string `koanf:"table_prefix"`

	// HashUniqueness controls the uniqueness constraint scope on version
	// tables: "scoped" constrains (entity FK, hash), "global" constrains
	// the hash column alone, reproducing deployments migrated from systems
	// with a globally-unique version hash.
	HashUniqueness string `koanf:"hash_uniqueness" validate:"oneof=scoped global"`

	Threads   int    `koanf:"threads"`
	MaxMemory string `koanf:"max_memory"`
}

// QueueConfig selects and configures the durable job queue backend.
type QueueConfig struct {
	Backend string `koanf:"backend" validate:"oneof=sql badger nats"`

	// MaxTypeLength bounds the job type string; longer types are rejected
	// with a validation error before any store call.
	MaxTypeLength int `koanf:"max_type_length" validate:"gt=0"`

	Badger BadgerQueueConfig `koanf:"badger"`
	NATS   NATSQueueConfig   `koanf:"nats"`
}

// BadgerQueueConfig configures the BadgerDB key-value queue backend.
type BadgerQueueConfig struct {
	Dir string `koanf:"dir"`
}

// NATSQueueConfig configures the JetStream queue backend.
type NATSQueueConfig struct {
	URL           string        `koanf:"url"`
	StreamName    string        `koanf:"stream_name"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	AckWait       time.Duration `koanf:"ack_wait"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`

	// Embedded runs an in-process NATS server for standalone deployments.
	Embedded         bool   `koanf:"embedded"`
	EmbeddedStoreDir string `koanf:"embedded_store_dir"`
}

// RunnerConfig configures the polling job runner.
type RunnerConfig struct {
	Enabled bool `koanf:"enabled"`

	// JobType scopes dequeueing; empty consumes every type.
	JobType string `koanf:"job_type"`

	// Pause is the fixed sleep applied when the queue is empty.
	Pause time.Duration `koanf:"pause" validate:"gt=0"`

	// MaxBackoff caps the exponential backoff applied on store errors.
	MaxBackoff time.Duration `koanf:"max_backoff" validate:"gt=0"`

	// PollRate limits steady-state dequeue attempts per second.
	PollRate  float64 `koanf:"poll_rate" validate:"gt=0"`
	PollBurst int     `koanf:"poll_burst" validate:"gt=0"`

	// Circuit breaker over store access.
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerOpenTimeout      time.Duration `koanf:"breaker_open_timeout"`
}

// RetentionConfig configures the scheduled retention enforcer. Retention is
// an explicit opt-in: deletion is hard and irreversible.
type RetentionConfig struct {
	Enabled  bool          `koanf:"enabled"`
	MaxAge   time.Duration `koanf:"max_age"`
	Interval time.Duration `koanf:"interval"`
}

// OpsConfig configures the operational HTTP surface (health, readiness,
// runner state, metrics). It carries no domain read or write endpoints.
type OpsConfig struct {
	Enabled           bool   `koanf:"enabled"`
	ListenAddr        string `koanf:"listen_addr"`
	RequestsPerMinute int    `koanf:"requests_per_minute"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Default returns the built-in defaults, the lowest-precedence layer.
func Default() *Config {
	return &Config{
		Accounting: AccountingConfig{
			Mode:            ModeVersioned,
			UserIDAttribute: "urn:oid:0.9.2342.19200300.100.1.1",
		},
		Store: StoreConfig{
			Path:           "/data/authledger.db",
			TablePrefix:    "authledger_",
			HashUniqueness: HashUniquenessScoped,
			Threads:        0, // 0 = runtime.NumCPU()
			MaxMemory:      "512MB",
		},
		Queue: QueueConfig{
			Backend:       QueueBackendSQL,
			MaxTypeLength: 1024,
			Badger: BadgerQueueConfig{
				Dir: "/data/authledger-queue",
			},
			NATS: NATSQueueConfig{
				URL:           "nats://127.0.0.1:4222",
				StreamName:    "AUTHLEDGER_JOBS",
				SubjectPrefix: "authledger.jobs",
				AckWait:       30 * time.Second,
				MaxReconnects: 10,
				ReconnectWait: 2 * time.Second,
			},
		},
		Runner: RunnerConfig{
			Enabled:                 true,
			JobType:                 "",
			Pause:                   10 * time.Second,
			MaxBackoff:              60 * time.Second,
			PollRate:                5,
			PollBurst:               1,
			BreakerFailureThreshold: 5,
			BreakerOpenTimeout:      30 * time.Second,
		},
		Retention: RetentionConfig{
			Enabled:  false,
			MaxAge:   0,
			Interval: 24 * time.Hour,
		},
		Ops: OpsConfig{
			Enabled:           true,
			ListenAddr:        ":9464",
			RequestsPerMinute: 120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// validate caches struct metadata; shared across Validate calls.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks tag rules plus the cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Queue.Backend == QueueBackendBadger && c.Queue.Badger.Dir == "" {
		return fmt.Errorf("config validation: queue.badger.dir is required for the badger backend")
	}
	if c.Queue.Backend == QueueBackendNATS {
		if c.Queue.NATS.URL == "" && !c.Queue.NATS.Embedded {
			return fmt.Errorf("config validation: queue.nats.url is required unless queue.nats.embedded is set")
		}
		if c.Queue.NATS.StreamName == "" {
			return fmt.Errorf("config validation: queue.nats.stream_name is required for the nats backend")
		}
	}
	if c.Retention.Enabled {
		if c.Retention.MaxAge <= 0 {
			return fmt.Errorf("config validation: retention.max_age must be positive when retention is enabled")
		}
		if c.Retention.Interval <= 0 {
			return fmt.Errorf("config validation: retention.interval must be positive when retention is enabled")
		}
	}
	if c.Ops.Enabled && c.Ops.ListenAddr == "" {
		return fmt.Errorf("config validation: ops.listen_addr is required when the ops surface is enabled")
	}
	return nil
}
