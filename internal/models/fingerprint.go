// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package models

import "time"

// LocationPattern aggregates a user's sessions at one location.
type LocationPattern struct {
	Country      string    `json:"country"`
	City         string    `json:"city,omitempty"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	SessionCount int       `json:"session_count"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// DevicePattern aggregates a user's sessions on one device.
type DevicePattern struct {
	DeviceID     string    `json:"device_id"`
	DeviceName   string    `json:"device_name,omitempty"`
	ClientName   string    `json:"client_name,omitempty"`
	SessionCount int       `json:"session_count"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// UserFingerprint is the evolving behavioral profile for one (user, server)
// pair. Exactly one row exists per pair; recomputation is a full replace.
//
// The known-sets are cumulative from the user's full geolocated history:
// detection never removes entries, only a recompute resets them (and a
// recompute over the same history reproduces them, so they never shrink in
// steady state).
type UserFingerprint struct {
	UserID   string `json:"user_id"`
	ServerID string `json:"server_id"`

	KnownCountries []string `json:"known_countries"`
	KnownCities    []string `json:"known_cities"`
	KnownDeviceIDs []string `json:"known_device_ids"`
	KnownClients   []string `json:"known_clients"`

	LocationPatterns []LocationPattern `json:"location_patterns"`
	DevicePatterns   []DevicePattern   `json:"device_patterns"`

	// HourHistogram buckets session counts by UTC hour of day (index 0-23).
	HourHistogram [24]int `json:"hour_histogram"`

	AvgSessionsPerDay float64   `json:"avg_sessions_per_day"`
	TotalSessions     int       `json:"total_sessions"`
	LastCalculatedAt  time.Time `json:"last_calculated_at"`
}

// KnowsCountry reports whether the country code is in the known set.
func (f *UserFingerprint) KnowsCountry(code string) bool {
	return contains(f.KnownCountries, code)
}

// KnowsCity reports whether the (country, city) pair is in the known set.
// Cities are keyed as "country/city" to avoid collisions between cities of
// the same name in different countries.
func (f *UserFingerprint) KnowsCity(countryCode, city string) bool {
	return contains(f.KnownCities, CityKey(countryCode, city))
}

// KnowsDevice reports whether the device ID is in the known set.
func (f *UserFingerprint) KnowsDevice(deviceID string) bool {
	return contains(f.KnownDeviceIDs, deviceID)
}

// CityKey builds the composite key used in KnownCities.
func CityKey(countryCode, city string) string {
	return countryCode + "/" + city
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
