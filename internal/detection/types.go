// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package detection evaluates newly geolocated activities against the
// user's behavioral fingerprint and a short recent-activity window, and
// emits anomaly events. Detection is read-only with respect to
// fingerprints and insert-only with respect to anomalies, so reprocessing
// the same activity is replay-safe.
package detection

import (
	"context"
	"time"

	"github.com/streamsentry/streamsentry/internal/models"
)

// Event is the unit of detection: one geolocated activity together with
// the subject's current fingerprint. The engine loads the fingerprint once
// per activity so the rules share a consistent snapshot.
type Event struct {
	Activity models.LocatedActivity

	// Fingerprint is never nil. Users with no stored profile get an empty
	// fingerprint (TotalSessions 0), which the rules treat as "nothing
	// known yet".
	Fingerprint *models.UserFingerprint
}

// Detector is the interface all detection rules implement.
type Detector interface {
	// Type returns the anomaly type this detector emits.
	Type() models.AnomalyType

	// Check evaluates the event. Returns an anomaly if the rule fires,
	// nil otherwise. Incomplete data (no prior event, missing coordinates)
	// is a silent skip, not an error.
	Check(ctx context.Context, event *Event) (*models.AnomalyEvent, error)

	// Enabled returns whether this detector is currently enabled.
	Enabled() bool

	// SetEnabled enables or disables the detector.
	SetEnabled(enabled bool)
}

// FingerprintReader loads the stored profile for one (server, user) pair.
type FingerprintReader interface {
	GetFingerprint(ctx context.Context, serverID, userID string) (*models.UserFingerprint, error)
}

// EventHistory provides the recent-activity reads the travel and
// concurrency rules need. Implementations must return public-IP geolocated
// activities only.
type EventHistory interface {
	// LastLocatedActivity returns the user's most recent located activity
	// strictly before the given one, or nil when none exists.
	LastLocatedActivity(ctx context.Context, serverID, userID string, before time.Time, excludeActivityID string) (*models.LocatedActivity, error)

	// ActiveSessions returns the user's located activities that started
	// within the trailing window, most recent first.
	ActiveSessions(ctx context.Context, serverID, userID string, since time.Time) ([]models.LocatedActivity, error)
}

// AnomalyWriter persists detected anomalies. Insert must be idempotent on
// (activity_id, anomaly_type): a duplicate returns (false, nil).
type AnomalyWriter interface {
	InsertAnomaly(ctx context.Context, ev *models.AnomalyEvent) (bool, error)
}

// formatLocation returns a human-readable "City, Country" string.
func formatLocation(city, country string) string {
	if city != "" && country != "" {
		return city + ", " + country
	}
	if country != "" {
		return country
	}
	if city != "" {
		return city
	}
	return "Unknown"
}
