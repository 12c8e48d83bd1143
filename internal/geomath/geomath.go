// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package geomath provides pure great-circle distance, travel speed, and
// bearing calculations over coordinate pairs. No state, no side effects.
package geomath

import "math"

// earthRadiusKm is the mean Earth radius used for great-circle distances.
const earthRadiusKm = 6371.0

// CoordinateEpsilon is the threshold for considering coordinates as
// effectively zero. A coordinate pair is treated as "unknown" (sentinel
// value 0,0) if both latitude and longitude are within this epsilon of zero.
//
// 1e-7 degrees is about 1.1cm at the equator, well below GPS accuracy, but
// provides reliable float comparison instead of direct equality against 0.
const CoordinateEpsilon = 1e-7

// Point is a geographic coordinate in decimal degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// IsUnknown returns true if the point is the (0, 0) sentinel used when
// geolocation data is unavailable. Uses epsilon comparison instead of direct
// float equality to avoid IEEE 754 representation issues.
func (p Point) IsUnknown() bool {
	return math.Abs(p.Latitude) < CoordinateEpsilon && math.Abs(p.Longitude) < CoordinateEpsilon
}

// DistanceKm calculates the great-circle distance between two points using
// the Haversine formula. Returns kilometers, always non-negative; identical
// points yield 0.
func DistanceKm(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180.0
	lon1 := a.Longitude * math.Pi / 180.0
	lat2 := b.Latitude * math.Pi / 180.0
	lon2 := b.Longitude * math.Pi / 180.0

	dLat := lat2 - lat1
	dLon := lon2 - lon1

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// SpeedKmh returns the implied travel speed for covering distanceKm in
// timeDiffMinutes. The second return value is false when timeDiffMinutes is
// zero or negative: callers get no speed at all rather than an infinite or
// negative one.
func SpeedKmh(distanceKm, timeDiffMinutes float64) (float64, bool) {
	if timeDiffMinutes <= 0 {
		return 0, false
	}
	return distanceKm / (timeDiffMinutes / 60.0), true
}

// BearingDegrees returns the initial compass bearing from a to b in degrees,
// normalized to [0, 360).
func BearingDegrees(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180.0
	lat2 := b.Latitude * math.Pi / 180.0
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180.0

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	bearing := math.Atan2(y, x) * 180.0 / math.Pi
	return math.Mod(bearing+360.0, 360.0)
}

// RoundTo2 rounds a float64 to 2 decimal places for human-facing payloads.
func RoundTo2(f float64) float64 {
	return math.Round(f*100) / 100
}
