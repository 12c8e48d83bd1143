// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package backfill schedules and executes batch recomputation: resolving
// geolocation for previously-ungeolocated activities, running detection on
// the newly located ones, and refreshing user fingerprints. Triggers are
// asynchronous — they return a task handle immediately and completion is
// observable through the fingerprint's last_calculated_at or the anomaly
// list.
package backfill

import (
	"context"
	"errors"
	"time"
)

// TaskKind identifies what a scheduled task recomputes.
type TaskKind string

const (
	// TaskGeolocationBackfill geolocates pending activities, runs
	// detection on each, then rebuilds fingerprints for affected users.
	TaskGeolocationBackfill TaskKind = "geolocation_backfill"

	// TaskFingerprintRecalc rebuilds all fingerprints without touching
	// locations.
	TaskFingerprintRecalc TaskKind = "fingerprint_recalc"
)

// ErrAlreadyRunning is returned when a task of the same kind is already
// active for the server. The guard is advisory: a race between check and
// schedule can let a duplicate through, which is wasted work but not a
// correctness problem since every task is idempotent.
var ErrAlreadyRunning = errors.New("task already running for this server")

// ErrRunnerUnavailable is returned when the task runner cannot accept new
// work (shut down or failed to publish).
var ErrRunnerUnavailable = errors.New("task runner unavailable")

// Task is one unit of scheduled background work.
type Task struct {
	ID          string    `json:"id"`
	Kind        TaskKind  `json:"kind"`
	ServerID    string    `json:"server_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// TaskHandle is returned to the caller when a task is accepted.
type TaskHandle struct {
	TaskID      string    `json:"task_id"`
	Kind        TaskKind  `json:"kind"`
	ServerID    string    `json:"server_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// TaskRunner accepts tasks for asynchronous execution.
type TaskRunner interface {
	// Schedule enqueues the task. Returns ErrRunnerUnavailable when the
	// runner cannot accept work.
	Schedule(ctx context.Context, task Task) error

	// IsTaskActive reports whether a task of this kind is currently
	// scheduled or executing for the server.
	IsTaskActive(kind TaskKind, serverID string) bool
}
