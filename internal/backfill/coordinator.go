// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamsentry/streamsentry/internal/metrics"
)

// Coordinator is the external-facing trigger surface. It guards each
// (kind, server) pair with an advisory already-running check and returns a
// handle the caller can poll against.
type Coordinator struct {
	runner TaskRunner
	now    func() time.Time
}

// NewCoordinator constructs a coordinator over the runner.
func NewCoordinator(runner TaskRunner) *Coordinator {
	return &Coordinator{runner: runner, now: time.Now}
}

// TriggerBackfill schedules a geolocation backfill for the server.
// Returns ErrAlreadyRunning when one is already active.
func (c *Coordinator) TriggerBackfill(ctx context.Context, serverID string) (*TaskHandle, error) {
	return c.trigger(ctx, TaskGeolocationBackfill, serverID)
}

// TriggerFingerprintRecalc schedules a fingerprint-only recalculation for
// the server.
func (c *Coordinator) TriggerFingerprintRecalc(ctx context.Context, serverID string) (*TaskHandle, error) {
	return c.trigger(ctx, TaskFingerprintRecalc, serverID)
}

func (c *Coordinator) trigger(ctx context.Context, kind TaskKind, serverID string) (*TaskHandle, error) {
	if c.runner.IsTaskActive(kind, serverID) {
		metrics.BackfillDuplicatesRejected.Inc()
		return nil, fmt.Errorf("%w: %s on server %s", ErrAlreadyRunning, kind, serverID)
	}

	task := Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		ServerID:    serverID,
		RequestedAt: c.now().UTC(),
	}
	if err := c.runner.Schedule(ctx, task); err != nil {
		return nil, fmt.Errorf("scheduling %s: %w", kind, err)
	}

	return &TaskHandle{
		TaskID:      task.ID,
		Kind:        kind,
		ServerID:    serverID,
		ScheduledAt: task.RequestedAt,
	}, nil
}
