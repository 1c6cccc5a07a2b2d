// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package runner

import (
	"sync"
	"time"
)

// Status describes the runner's lifecycle phase.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// State tracks the runner's observable condition under a mutex. The ops
// surface reads snapshots of it; the polling loop writes it.
type State struct {
	mu sync.Mutex

	status       Status
	startedAt    time.Time
	lastPollAt   time.Time
	lastJobAt    time.Time
	processed    uint64
	failed       uint64
	backoff      time.Duration
	breakerState string
	shuttingDown bool
}

// Snapshot is a point-in-time copy of the runner state, JSON-ready for the
// ops surface.
type Snapshot struct {
	Status       Status        `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	LastPollAt   time.Time     `json:"last_poll_at"`
	LastJobAt    time.Time     `json:"last_job_at"`
	Processed    uint64        `json:"processed"`
	Failed       uint64        `json:"failed"`
	Backoff      time.Duration `json:"backoff_ns"`
	BreakerState string        `json:"breaker_state"`
	ShuttingDown bool          `json:"shutting_down"`
}

func NewState() *State {
	return &State{status: StatusIdle}
}

func (s *State) markStarted(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusRunning
	s.startedAt = now
}

func (s *State) markStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusStopped
	s.shuttingDown = false
}

func (s *State) markShuttingDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = true
}

func (s *State) recordPoll(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPollAt = now
}

func (s *State) recordProcessed(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastJobAt = now
	s.processed++
}

func (s *State) recordFailed(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastJobAt = now
	s.failed++
}

func (s *State) recordBackoff(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff = d
}

func (s *State) recordBreaker(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakerState = state
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:       s.status,
		StartedAt:    s.startedAt,
		LastPollAt:   s.lastPollAt,
		LastJobAt:    s.lastJobAt,
		Processed:    s.processed,
		Failed:       s.failed,
		Backoff:      s.backoff,
		BreakerState: s.breakerState,
		ShuttingDown: s.shuttingDown,
	}
}
