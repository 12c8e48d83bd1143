// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// AnomalyType identifies the detection rule that produced an anomaly event.
type AnomalyType string

const (
	// AnomalyImpossibleTravel flags implausible geographic transitions.
	AnomalyImpossibleTravel AnomalyType = "impossible_travel"

	// AnomalyNewCountry flags activity from a country not in the profile.
	AnomalyNewCountry AnomalyType = "new_country"

	// AnomalyNewDevice flags activity from an unknown device.
	AnomalyNewDevice AnomalyType = "new_device"

	// AnomalyConcurrentStreams flags simultaneous sessions from different
	// devices in different countries.
	AnomalyConcurrentStreams AnomalyType = "concurrent_streams"

	// AnomalyNewLocation flags a new city within an already-known country.
	AnomalyNewLocation AnomalyType = "new_location"
)

// Severity is a coarse ordinal used for triage, not a probability.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank orders severities for sorting and threshold checks
// (low < medium < high < critical). Unknown severities rank lowest.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AnomalyEvent is a single detected deviation from a user's profile.
// Created by the detection engine; mutated only through the lifecycle
// operations (resolve/unresolve).
type AnomalyEvent struct {
	ID string `json:"id"`

	// UserID is empty for server-wide anomalies.
	UserID   string `json:"user_id,omitempty"`
	ServerID string `json:"server_id"`

	// ActivityID references the triggering activity; empty when the anomaly
	// was not tied to a single activity.
	ActivityID string `json:"activity_id,omitempty"`

	Type     AnomalyType    `json:"anomaly_type"`
	Severity Severity       `json:"severity"`
	Details  AnomalyDetails `json:"details"`

	Resolved       bool       `json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// LocationSnapshot captures where and when one activity happened, for travel
// comparison payloads.
type LocationSnapshot struct {
	ActivityID string    `json:"activity_id"`
	Country    string    `json:"country,omitempty"`
	City       string    `json:"city,omitempty"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Timestamp  time.Time `json:"timestamp"`
}

// TravelDetails is the impossible_travel payload.
type TravelDetails struct {
	Previous        LocationSnapshot `json:"previous"`
	Current         LocationSnapshot `json:"current"`
	DistanceKm      float64          `json:"distance_km"`
	TimeDiffMinutes float64          `json:"time_diff_minutes"`
	SpeedKmh        float64          `json:"speed_kmh"`
	BearingDegrees  float64          `json:"bearing_degrees"`
}

// NewCountryDetails is the new_country payload.
type NewCountryDetails struct {
	CountryCode    string   `json:"country_code"`
	Country        string   `json:"country,omitempty"`
	City           string   `json:"city,omitempty"`
	KnownCountries []string `json:"known_countries"`
}

// NewLocationDetails is the new_location payload (new city, known country).
type NewLocationDetails struct {
	CountryCode string  `json:"country_code"`
	Country     string  `json:"country,omitempty"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// DeviceDetails is the new_device payload.
type DeviceDetails struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	ClientName string `json:"client_name,omitempty"`
}

// ConcurrentStreamsDetails is the concurrent_streams payload.
type ConcurrentStreamsDetails struct {
	SessionCount  int      `json:"session_count"`
	Countries     []string `json:"countries"`
	DeviceIDs     []string `json:"device_ids"`
	WindowMinutes int      `json:"window_minutes"`
}

// AnomalyDetails is a tagged union: exactly one case pointer is non-nil and
// it must match the event's AnomalyType. The JSON form is flat — a
// human-readable description plus the case's own fields — so callers switch
// on anomaly_type before interpreting the rest of the document.
type AnomalyDetails struct {
	Description string `json:"description"`

	Travel            *TravelDetails            `json:"-"`
	NewCountry        *NewCountryDetails        `json:"-"`
	NewLocation       *NewLocationDetails       `json:"-"`
	NewDevice         *DeviceDetails            `json:"-"`
	ConcurrentStreams *ConcurrentStreamsDetails `json:"-"`
}

// caseValue returns the active case, or nil if none is set.
func (d AnomalyDetails) caseValue() interface{} {
	switch {
	case d.Travel != nil:
		return d.Travel
	case d.NewCountry != nil:
		return d.NewCountry
	case d.NewLocation != nil:
		return d.NewLocation
	case d.NewDevice != nil:
		return d.NewDevice
	case d.ConcurrentStreams != nil:
		return d.ConcurrentStreams
	default:
		return nil
	}
}

// MarshalJSON flattens the description and the active case's fields into a
// single JSON object.
func (d AnomalyDetails) MarshalJSON() ([]byte, error) {
	payload := map[string]interface{}{
		"description": d.Description,
	}

	if caseVal := d.caseValue(); caseVal != nil {
		raw, err := json.Marshal(caseVal)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal details case: %w", err)
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to flatten details case: %w", err)
		}
		for k, v := range fields {
			payload[k] = v
		}
	}

	return json.Marshal(payload)
}

// DecodeDetails parses a persisted details document according to the
// anomaly type tag.
func DecodeDetails(anomalyType AnomalyType, raw []byte) (AnomalyDetails, error) {
	var base struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return AnomalyDetails{}, fmt.Errorf("failed to decode details: %w", err)
	}

	details := AnomalyDetails{Description: base.Description}

	switch anomalyType {
	case AnomalyImpossibleTravel:
		var v TravelDetails
		if err := json.Unmarshal(raw, &v); err != nil {
			return AnomalyDetails{}, fmt.Errorf("failed to decode travel details: %w", err)
		}
		details.Travel = &v
	case AnomalyNewCountry:
		var v NewCountryDetails
		if err := json.Unmarshal(raw, &v); err != nil {
			return AnomalyDetails{}, fmt.Errorf("failed to decode new-country details: %w", err)
		}
		details.NewCountry = &v
	case AnomalyNewLocation:
		var v NewLocationDetails
		if err := json.Unmarshal(raw, &v); err != nil {
			return AnomalyDetails{}, fmt.Errorf("failed to decode new-location details: %w", err)
		}
		details.NewLocation = &v
	case AnomalyNewDevice:
		var v DeviceDetails
		if err := json.Unmarshal(raw, &v); err != nil {
			return AnomalyDetails{}, fmt.Errorf("failed to decode device details: %w", err)
		}
		details.NewDevice = &v
	case AnomalyConcurrentStreams:
		var v ConcurrentStreamsDetails
		if err := json.Unmarshal(raw, &v); err != nil {
			return AnomalyDetails{}, fmt.Errorf("failed to decode concurrent-streams details: %w", err)
		}
		details.ConcurrentStreams = &v
	default:
		return AnomalyDetails{}, fmt.Errorf("unknown anomaly type %q", anomalyType)
	}

	return details, nil
}

// SeverityBreakdown counts currently-open anomalies per severity.
type SeverityBreakdown struct {
	Low      int `json:"low"`
	Medium   int `json:"medium"`
	High     int `json:"high"`
	Critical int `json:"critical"`
}

// AnomalyFilter defines filtering options for anomaly list queries.
type AnomalyFilter struct {
	ServerID string       `json:"server_id"`
	UserID   string       `json:"user_id,omitempty"`
	Resolved *bool        `json:"resolved,omitempty"`
	Severity *Severity    `json:"severity,omitempty"`
	Types    []AnomalyType `json:"types,omitempty"`
	DateFrom *time.Time   `json:"date_from,omitempty"`
	DateTo   *time.Time   `json:"date_to,omitempty"`
	Limit    int          `json:"limit,omitempty"`
	Offset   int          `json:"offset,omitempty"`
}
