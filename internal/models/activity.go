// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package models defines the core data types shared across StreamSentry:
// activities, activity locations, user fingerprints, and anomaly events.
package models

import "time"

// Activity is one session/playback event for a user on a server, ingested by
// the external sync process. StreamSentry reads these; it never creates them
// outside of ingestion.
type Activity struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id"`
	UserID     string    `json:"user_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	ClientName string    `json:"client_name,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// ActivityLocation is one geolocation resolution attached to one activity.
// At most one row exists per activity. Private-IP rows are retained for
// history but excluded from fingerprinting and anomaly comparison.
type ActivityLocation struct {
	ActivityID  string    `json:"activity_id"`
	IPAddress   string    `json:"ip_address"`
	CountryCode string    `json:"country_code,omitempty"`
	Country     string    `json:"country,omitempty"`
	Region      string    `json:"region,omitempty"`
	City        string    `json:"city,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Timezone    string    `json:"timezone,omitempty"`
	IsPrivateIP bool      `json:"is_private_ip"`
	CreatedAt   time.Time `json:"created_at"`
}

// LocatedActivity joins an activity with its geolocation, when one exists.
// Location is nil for activities that have not been geolocated yet.
type LocatedActivity struct {
	Activity
	Location *ActivityLocation `json:"location,omitempty"`
}

// HasPublicLocation reports whether the activity carries a usable public-IP
// geolocation for fingerprinting and detection.
func (a *LocatedActivity) HasPublicLocation() bool {
	return a.Location != nil && !a.Location.IsPrivateIP
}

// UniqueLocation is an aggregate of a user's activity per (country, city).
type UniqueLocation struct {
	CountryCode  string    `json:"country_code,omitempty"`
	Country      string    `json:"country,omitempty"`
	City         string    `json:"city,omitempty"`
	SessionCount int       `json:"session_count"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// LocationPoint is a server-wide aggregate of activity per coordinate+city,
// with the users contributing to that point.
type LocationPoint struct {
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	City         string   `json:"city,omitempty"`
	Country      string   `json:"country,omitempty"`
	SessionCount int      `json:"session_count"`
	UserIDs      []string `json:"user_ids"`
}

// LocationSummary holds per-server location and anomaly counts for the
// summary endpoint.
type LocationSummary struct {
	LocatedActivities   int `json:"located_activities"`
	PrivateIPActivities int `json:"private_ip_activities"`
	PendingActivities   int `json:"pending_activities"`
	UniqueCountries     int `json:"unique_countries"`
	UniqueCities        int `json:"unique_cities"`
	OpenAnomalies       int `json:"open_anomalies"`
	ResolvedAnomalies   int `json:"resolved_anomalies"`
}
