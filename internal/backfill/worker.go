// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streamsentry/streamsentry/internal/geoip"
	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/models"
)

const defaultBatchSize = 500

// Store is the persistence surface the worker needs.
type Store interface {
	PendingActivities(ctx context.Context, serverID string, limit int) ([]models.Activity, error)
	InsertActivityLocation(ctx context.Context, loc *models.ActivityLocation) (bool, error)
}

// AnomalyEngine runs detection for one newly located activity.
type AnomalyEngine interface {
	Detect(ctx context.Context, activity models.LocatedActivity) ([]models.AnomalyEvent, error)
}

// FingerprintRebuilder recomputes user profiles.
type FingerprintRebuilder interface {
	Rebuild(ctx context.Context, serverID, userID string) (*models.UserFingerprint, error)
	RebuildAll(ctx context.Context, serverID string) (int, error)
}

// Worker executes backfill tasks: geolocating pending activities, running
// detection on each newly located one, and rebuilding fingerprints.
type Worker struct {
	store     Store
	resolver  geoip.Provider
	engine    AnomalyEngine
	builder   FingerprintRebuilder
	batchSize int
}

// NewWorker constructs a worker.
func NewWorker(store Store, resolver geoip.Provider, engine AnomalyEngine, builder FingerprintRebuilder) *Worker {
	return &Worker{
		store:     store,
		resolver:  resolver,
		engine:    engine,
		builder:   builder,
		batchSize: defaultBatchSize,
	}
}

// Run executes one task to completion.
func (w *Worker) Run(ctx context.Context, task Task) error {
	start := time.Now()
	log := logging.Ctx(ctx)
	log.Info().
		Str("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Str("server_id", task.ServerID).
		Msg("Task started")

	var err error
	switch task.Kind {
	case TaskGeolocationBackfill:
		err = w.runBackfill(ctx, task.ServerID)
	case TaskFingerprintRecalc:
		_, err = w.builder.RebuildAll(ctx, task.ServerID)
	default:
		err = fmt.Errorf("unknown task kind %q", task.Kind)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.BackfillRuns.WithLabelValues(string(task.Kind), status).Inc()

	log.Info().
		Str("task_id", task.ID).
		Str("status", status).
		Dur("elapsed", time.Since(start)).
		Msg("Task finished")
	return err
}

// runBackfill geolocates pending activities in batches until none remain
// or no batch makes progress (every remaining activity failing lookup).
// Affected users get their fingerprints rebuilt once at the end.
func (w *Worker) runBackfill(ctx context.Context, serverID string) error {
	log := logging.Ctx(ctx)
	affected := map[string]bool{}
	located, skipped := 0, 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := w.store.PendingActivities(ctx, serverID, w.batchSize)
		if err != nil {
			return fmt.Errorf("loading pending activities: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		progressed := 0
		for i := range batch {
			activity := &batch[i]
			loc, err := w.resolveLocation(ctx, activity)
			if err != nil {
				skipped++
				log.Warn().Err(err).
					Str("activity_id", activity.ID).
					Msg("Geolocation failed, leaving activity pending")
				continue
			}

			if _, err := w.store.InsertActivityLocation(ctx, loc); err != nil {
				return fmt.Errorf("storing location for activity %s: %w", activity.ID, err)
			}
			progressed++
			located++

			la := models.LocatedActivity{Activity: *activity, Location: loc}
			if !la.HasPublicLocation() {
				continue
			}
			affected[activity.UserID] = true
			if _, err := w.engine.Detect(ctx, la); err != nil {
				log.Error().Err(err).
					Str("activity_id", activity.ID).
					Msg("Detection failed during backfill")
			}
		}

		if progressed == 0 {
			// Every remaining pending activity is failing lookup; stop
			// rather than spin. A later backfill retries them.
			break
		}
	}

	for userID := range affected {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := w.builder.Rebuild(ctx, serverID, userID); err != nil {
			log.Error().Err(err).
				Str("user_id", userID).
				Msg("Fingerprint rebuild failed after backfill")
		}
	}

	log.Info().
		Str("server_id", serverID).
		Int("located", located).
		Int("skipped", skipped).
		Int("users_rebuilt", len(affected)).
		Msg("Geolocation backfill complete")
	return nil
}

func (w *Worker) resolveLocation(ctx context.Context, activity *models.Activity) (*models.ActivityLocation, error) {
	if geoip.IsPrivateIP(activity.IPAddress) {
		return &models.ActivityLocation{
			ActivityID:  activity.ID,
			IPAddress:   activity.IPAddress,
			IsPrivateIP: true,
		}, nil
	}

	result, err := w.resolver.Lookup(ctx, activity.IPAddress)
	if err != nil {
		if errors.Is(err, geoip.ErrPrivateIP) {
			return &models.ActivityLocation{
				ActivityID:  activity.ID,
				IPAddress:   activity.IPAddress,
				IsPrivateIP: true,
			}, nil
		}
		return nil, err
	}

	return &models.ActivityLocation{
		ActivityID:  activity.ID,
		IPAddress:   activity.IPAddress,
		CountryCode: result.CountryCode,
		Country:     result.Country,
		Region:      result.Region,
		City:        result.City,
		Latitude:    result.Latitude,
		Longitude:   result.Longitude,
		Timezone:    result.Timezone,
	}, nil
}
