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

// NewCountryDetector flags activity from a country code not yet in the
// user's known set. A profile still forming (fewer known countries than the
// configured minimum) escalates the severity, since one new country means
// much more for a user seen in zero or one country than for a frequent
// traveler.
type NewCountryDetector struct {
	minKnownCountries int
	enabled           bool
	mu                sync.RWMutex
}

// NewNewCountryDetector creates the detector with the forming-profile
// threshold.
func NewNewCountryDetector(minKnownCountries int) *NewCountryDetector {
	return &NewCountryDetector{minKnownCountries: minKnownCountries, enabled: true}
}

// Type returns the anomaly type.
func (d *NewCountryDetector) Type() models.AnomalyType {
	return models.AnomalyNewCountry
}

// Check evaluates the event against the new-country rule.
func (d *NewCountryDetector) Check(_ context.Context, event *Event) (*models.AnomalyEvent, error) {
	d.mu.RLock()
	enabled, minKnown := d.enabled, d.minKnownCountries
	d.mu.RUnlock()
	if !enabled {
		return nil, nil
	}

	if !event.Activity.HasPublicLocation() {
		return nil, nil
	}
	loc := event.Activity.Location
	if loc.CountryCode == "" {
		return nil, nil
	}

	fp := event.Fingerprint
	if fp.KnowsCountry(loc.CountryCode) {
		return nil, nil
	}

	severity := models.SeverityMedium
	if len(fp.KnownCountries) < minKnown {
		severity = models.SeverityHigh
	}

	known := fp.KnownCountries
	if known == nil {
		known = []string{}
	}

	return &models.AnomalyEvent{
		UserID:     event.Activity.UserID,
		ServerID:   event.Activity.ServerID,
		ActivityID: event.Activity.ID,
		Type:       models.AnomalyNewCountry,
		Severity:   severity,
		Details: models.AnomalyDetails{
			Description: fmt.Sprintf("First activity from %s (%d countries previously known)",
				formatLocation(loc.City, loc.Country), len(known)),
			NewCountry: &models.NewCountryDetails{
				CountryCode:    loc.CountryCode,
				Country:        loc.Country,
				City:           loc.City,
				KnownCountries: known,
			},
		},
	}, nil
}

// Enabled returns whether this detector is enabled.
func (d *NewCountryDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *NewCountryDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
