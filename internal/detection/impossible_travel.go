// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package detection

import (
	"context"
	"fmt"
	"sync"

	"github.com/streamsentry/streamsentry/internal/geomath"
	"github.com/streamsentry/streamsentry/internal/models"
)

// ImpossibleTravelConfig holds the thresholds for the travel rule.
type ImpossibleTravelConfig struct {
	// MaxSpeedKmh is the implausible-speed threshold (commercial flight
	// speed).
	MaxSpeedKmh float64

	// CriticalSpeedKmh escalates the anomaly to critical severity.
	CriticalSpeedKmh float64

	// MinDistanceKm is the distance floor; transitions shorter than this
	// never fire, whatever the implied speed. Avoids false positives from
	// short-hop GPS jitter.
	MinDistanceKm float64
}

// ImpossibleTravelDetector compares each activity's location and time to
// the user's immediately preceding geolocated activity and flags
// transitions whose implied speed is implausible.
type ImpossibleTravelDetector struct {
	config  ImpossibleTravelConfig
	history EventHistory
	enabled bool
	mu      sync.RWMutex
}

// NewImpossibleTravelDetector creates the detector.
func NewImpossibleTravelDetector(config ImpossibleTravelConfig, history EventHistory) *ImpossibleTravelDetector {
	return &ImpossibleTravelDetector{config: config, history: history, enabled: true}
}

// Type returns the anomaly type.
func (d *ImpossibleTravelDetector) Type() models.AnomalyType {
	return models.AnomalyImpossibleTravel
}

// Check evaluates the event against the impossible-travel rule.
func (d *ImpossibleTravelDetector) Check(ctx context.Context, event *Event) (*models.AnomalyEvent, error) {
	d.mu.RLock()
	enabled, config := d.enabled, d.config
	d.mu.RUnlock()
	if !enabled {
		return nil, nil
	}

	if !event.Activity.HasPublicLocation() {
		return nil, nil
	}
	loc := event.Activity.Location
	current := geomath.Point{Latitude: loc.Latitude, Longitude: loc.Longitude}
	if current.IsUnknown() {
		return nil, nil
	}

	prev, err := d.history.LastLocatedActivity(ctx,
		event.Activity.ServerID, event.Activity.UserID,
		event.Activity.StartedAt, event.Activity.ID)
	if err != nil {
		return nil, fmt.Errorf("loading previous activity: %w", err)
	}
	if prev == nil || prev.Location == nil {
		return nil, nil
	}

	previous := geomath.Point{Latitude: prev.Location.Latitude, Longitude: prev.Location.Longitude}
	if previous.IsUnknown() {
		return nil, nil
	}

	distanceKm := geomath.DistanceKm(previous, current)
	if distanceKm < config.MinDistanceKm {
		return nil, nil
	}

	timeDiffMinutes := event.Activity.StartedAt.Sub(prev.StartedAt).Minutes()
	speedKmh, ok := geomath.SpeedKmh(distanceKm, timeDiffMinutes)
	if !ok {
		// Zero or negative time delta: out-of-order or duplicate
		// timestamps, not evidence of travel.
		return nil, nil
	}
	if speedKmh <= config.MaxSpeedKmh {
		return nil, nil
	}

	severity := models.SeverityHigh
	if speedKmh > config.CriticalSpeedKmh {
		severity = models.SeverityCritical
	}

	return &models.AnomalyEvent{
		UserID:     event.Activity.UserID,
		ServerID:   event.Activity.ServerID,
		ActivityID: event.Activity.ID,
		Type:       models.AnomalyImpossibleTravel,
		Severity:   severity,
		Details: models.AnomalyDetails{
			Description: fmt.Sprintf(
				"Traveled %.0f km from %s to %s in %.0f minutes (would require %.0f km/h)",
				distanceKm,
				formatLocation(prev.Location.City, prev.Location.Country),
				formatLocation(loc.City, loc.Country),
				timeDiffMinutes,
				speedKmh,
			),
			Travel: &models.TravelDetails{
				Previous: models.LocationSnapshot{
					ActivityID: prev.ID,
					Country:    prev.Location.Country,
					City:       prev.Location.City,
					Latitude:   prev.Location.Latitude,
					Longitude:  prev.Location.Longitude,
					Timestamp:  prev.StartedAt,
				},
				Current: models.LocationSnapshot{
					ActivityID: event.Activity.ID,
					Country:    loc.Country,
					City:       loc.City,
					Latitude:   loc.Latitude,
					Longitude:  loc.Longitude,
					Timestamp:  event.Activity.StartedAt,
				},
				DistanceKm:      geomath.RoundTo2(distanceKm),
				TimeDiffMinutes: geomath.RoundTo2(timeDiffMinutes),
				SpeedKmh:        geomath.RoundTo2(speedKmh),
				BearingDegrees:  geomath.RoundTo2(geomath.BearingDegrees(previous, current)),
			},
		},
	}, nil
}

// Enabled returns whether this detector is enabled.
func (d *ImpossibleTravelDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *ImpossibleTravelDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
