// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package detection

import (
	"context"
	"fmt"
	"sync"

	"github.com/streamsentry/streamsentry/internal/models"
)

// NewLocationDetector flags a new city inside an already-known country.
// When the country itself is unknown the new-country rule owns the signal
// and this rule stays silent, so a wholly new country produces one event,
// not two.
type NewLocationDetector struct {
	enabled bool
	mu      sync.RWMutex
}

// NewNewLocationDetector creates the detector.
func NewNewLocationDetector() *NewLocationDetector {
	return &NewLocationDetector{enabled: true}
}

// Type returns the anomaly type.
func (d *NewLocationDetector) Type() models.AnomalyType {
	return models.AnomalyNewLocation
}

// Check evaluates the event against the new-location rule.
func (d *NewLocationDetector) Check(_ context.Context, event *Event) (*models.AnomalyEvent, error) {
	if !d.Enabled() {
		return nil, nil
	}

	if !event.Activity.HasPublicLocation() {
		return nil, nil
	}
	loc := event.Activity.Location
	if loc.CountryCode == "" || loc.City == "" {
		return nil, nil
	}

	fp := event.Fingerprint
	if !fp.KnowsCountry(loc.CountryCode) {
		// Country is new: the new-country rule covers this event.
		return nil, nil
	}
	if fp.KnowsCity(loc.CountryCode, loc.City) {
		return nil, nil
	}

	return &models.AnomalyEvent{
		UserID:     event.Activity.UserID,
		ServerID:   event.Activity.ServerID,
		ActivityID: event.Activity.ID,
		Type:       models.AnomalyNewLocation,
		Severity:   models.SeverityLow,
		Details: models.AnomalyDetails{
			Description: fmt.Sprintf("First activity from %s, a new city in a known country",
				formatLocation(loc.City, loc.Country)),
			NewLocation: &models.NewLocationDetails{
				CountryCode: loc.CountryCode,
				Country:     loc.Country,
				City:        loc.City,
				Latitude:    loc.Latitude,
				Longitude:   loc.Longitude,
			},
		},
	}, nil
}

// Enabled returns whether this detector is enabled.
func (d *NewLocationDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *NewLocationDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
