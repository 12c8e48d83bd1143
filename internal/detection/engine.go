// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamsentry/streamsentry/internal/config"
	"github.com/streamsentry/streamsentry/internal/database"
	"github.com/streamsentry/streamsentry/internal/geoip"
	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/models"
)

// LocationStore is the persistence surface the ingestion path needs.
type LocationStore interface {
	InsertActivity(ctx context.Context, a *models.Activity) error
	InsertActivityLocation(ctx context.Context, loc *models.ActivityLocation) (bool, error)
}

// Engine runs the detection rules against geolocated activities and
// persists the resulting anomalies. Rules are evaluated in a fixed order
// (new_country, new_device, new_location, impossible_travel,
// concurrent_streams); each is an independent signal and more than one
// may fire for the same activity.
type Engine struct {
	detectors    []Detector
	fingerprints FingerprintReader
	anomalies    AnomalyWriter
	locations    LocationStore
	resolver     geoip.Provider
}

// NewEngine builds an engine with the standard rule set wired from
// detection thresholds. resolver may be nil when the caller handles
// geolocation itself and only uses Detect.
func NewEngine(
	cfg config.DetectionConfig,
	fingerprints FingerprintReader,
	history EventHistory,
	anomalies AnomalyWriter,
	locations LocationStore,
	resolver geoip.Provider,
) *Engine {
	return &Engine{
		detectors: []Detector{
			NewNewCountryDetector(cfg.MinKnownCountries),
			NewNewDeviceDetector(),
			NewNewLocationDetector(),
			NewImpossibleTravelDetector(ImpossibleTravelConfig{
				MaxSpeedKmh:      cfg.MaxSpeedKmh,
				CriticalSpeedKmh: cfg.CriticalSpeedKmh,
				MinDistanceKm:    cfg.MinDistanceKm,
			}, history),
			NewConcurrentStreamsDetector(cfg.ConcurrentWindow(), history),
		},
		fingerprints: fingerprints,
		anomalies:    anomalies,
		locations:    locations,
		resolver:     resolver,
	}
}

// Detectors returns the engine's rule set, in evaluation order.
func (e *Engine) Detectors() []Detector {
	return e.detectors
}

// Detect evaluates one geolocated activity against all rules and persists
// every anomaly that fires. A rule evaluation error is logged and counted
// but does not block the remaining rules. Returns the anomalies newly
// created; duplicates from reprocessing are silently skipped.
func (e *Engine) Detect(ctx context.Context, activity models.LocatedActivity) ([]models.AnomalyEvent, error) {
	metrics.ActivitiesProcessed.WithLabelValues(activity.ServerID).Inc()

	fp, err := e.fingerprints.GetFingerprint(ctx, activity.ServerID, activity.UserID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("loading fingerprint for user %s: %w", activity.UserID, err)
		}
		fp = emptyFingerprint(activity.ServerID, activity.UserID)
	}

	event := &Event{Activity: activity, Fingerprint: fp}
	log := logging.Ctx(ctx)

	var created []models.AnomalyEvent
	for _, detector := range e.detectors {
		anomaly, err := detector.Check(ctx, event)
		if err != nil {
			metrics.DetectionErrors.WithLabelValues(string(detector.Type())).Inc()
			log.Error().Err(err).
				Str("anomaly_type", string(detector.Type())).
				Str("activity_id", activity.ID).
				Msg("Detection rule failed")
			continue
		}
		if anomaly == nil {
			continue
		}

		anomaly.ID = uuid.NewString()
		anomaly.CreatedAt = time.Now().UTC()

		inserted, err := e.anomalies.InsertAnomaly(ctx, anomaly)
		if err != nil {
			metrics.DetectionErrors.WithLabelValues(string(detector.Type())).Inc()
			return created, fmt.Errorf("persisting %s anomaly: %w", detector.Type(), err)
		}
		if !inserted {
			// Already detected for this (activity, type): replay no-op.
			continue
		}

		metrics.AnomaliesDetected.WithLabelValues(string(anomaly.Type), string(anomaly.Severity)).Inc()
		log.Info().
			Str("anomaly_id", anomaly.ID).
			Str("anomaly_type", string(anomaly.Type)).
			Str("severity", string(anomaly.Severity)).
			Str("user_id", activity.UserID).
			Str("server_id", activity.ServerID).
			Msg("Anomaly detected")
		created = append(created, *anomaly)
	}

	return created, nil
}

// ProcessActivity is the ingestion entrypoint: it records the activity,
// resolves its IP to a location (marking private IPs instead of looking
// them up), and runs detection when a public location was obtained.
// Activities whose lookup fails are left pending for backfill.
func (e *Engine) ProcessActivity(ctx context.Context, activity models.Activity) ([]models.AnomalyEvent, error) {
	if e.locations == nil || e.resolver == nil {
		return nil, errors.New("engine not configured for ingestion")
	}

	if err := e.locations.InsertActivity(ctx, &activity); err != nil {
		return nil, fmt.Errorf("recording activity %s: %w", activity.ID, err)
	}

	loc, err := e.resolveLocation(ctx, &activity)
	if err != nil {
		return nil, err
	}

	if _, err := e.locations.InsertActivityLocation(ctx, loc); err != nil {
		return nil, fmt.Errorf("recording location for activity %s: %w", activity.ID, err)
	}

	located := models.LocatedActivity{Activity: activity, Location: loc}
	if !located.HasPublicLocation() {
		return nil, nil
	}
	return e.Detect(ctx, located)
}

func (e *Engine) resolveLocation(ctx context.Context, activity *models.Activity) (*models.ActivityLocation, error) {
	if geoip.IsPrivateIP(activity.IPAddress) {
		return &models.ActivityLocation{
			ActivityID:  activity.ID,
			IPAddress:   activity.IPAddress,
			IsPrivateIP: true,
		}, nil
	}

	result, err := e.resolver.Lookup(ctx, activity.IPAddress)
	if err != nil {
		if errors.Is(err, geoip.ErrPrivateIP) {
			return &models.ActivityLocation{
				ActivityID:  activity.ID,
				IPAddress:   activity.IPAddress,
				IsPrivateIP: true,
			}, nil
		}
		return nil, fmt.Errorf("geolocating activity %s: %w", activity.ID, err)
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

// emptyFingerprint is the "nothing known yet" profile used for users with
// no stored fingerprint.
func emptyFingerprint(serverID, userID string) *models.UserFingerprint {
	return &models.UserFingerprint{
		UserID:         userID,
		ServerID:       serverID,
		KnownCountries: []string{},
		KnownCities:    []string{},
		KnownDeviceIDs: []string{},
		KnownClients:   []string{},
	}
}
