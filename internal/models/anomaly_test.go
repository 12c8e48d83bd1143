// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestAnomalyDetailsTravelRoundTrip(t *testing.T) {
	details := AnomalyDetails{
		Description: "traveled 10850 km in 10 minutes",
		Travel: &TravelDetails{
			Previous: LocationSnapshot{
				ActivityID: "act-1",
				Country:    "Japan",
				City:       "Tokyo",
				Latitude:   35.68,
				Longitude:  139.69,
				Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			},
			Current: LocationSnapshot{
				ActivityID: "act-2",
				Country:    "United States",
				City:       "New York",
				Latitude:   40.71,
				Longitude:  -74.00,
				Timestamp:  time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC),
			},
			DistanceKm:      10850,
			TimeDiffMinutes: 10,
			SpeedKmh:        65100,
		},
	}

	raw, err := json.Marshal(details)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	// Flat form: description and case fields at the top level
	var flat map[string]interface{}
	if err := json.Unmarshal(raw, &flat); err != nil {
		t.Fatalf("unmarshal to map failed: %v", err)
	}
	if _, ok := flat["description"]; !ok {
		t.Error("flat payload missing description")
	}
	if _, ok := flat["distance_km"]; !ok {
		t.Error("flat payload missing distance_km")
	}
	if _, ok := flat["previous"]; !ok {
		t.Error("flat payload missing previous location")
	}

	decoded, err := DecodeDetails(AnomalyImpossibleTravel, raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Travel == nil {
		t.Fatal("decoded details missing travel case")
	}
	if decoded.Travel.SpeedKmh != 65100 {
		t.Errorf("SpeedKmh = %v, want 65100", decoded.Travel.SpeedKmh)
	}
	if decoded.Travel.Previous.City != "Tokyo" {
		t.Errorf("Previous.City = %q, want Tokyo", decoded.Travel.Previous.City)
	}
	if decoded.Description != details.Description {
		t.Errorf("Description = %q, want %q", decoded.Description, details.Description)
	}
}

func TestDecodeDetailsSwitchesOnType(t *testing.T) {
	raw := []byte(`{"description":"d","device_id":"dev-1","device_name":"Living Room TV"}`)

	decoded, err := DecodeDetails(AnomalyNewDevice, raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.NewDevice == nil || decoded.NewDevice.DeviceID != "dev-1" {
		t.Errorf("NewDevice = %+v, want device_id dev-1", decoded.NewDevice)
	}
	if decoded.Travel != nil || decoded.NewCountry != nil || decoded.ConcurrentStreams != nil {
		t.Error("non-matching cases should be nil")
	}
}

func TestDecodeDetailsUnknownType(t *testing.T) {
	if _, err := DecodeDetails(AnomalyType("vpn_usage"), []byte(`{}`)); err == nil {
		t.Error("expected error for unknown anomaly type")
	}
}

func TestSeverityRankOrdering(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if SeverityRank(order[i-1]) >= SeverityRank(order[i]) {
			t.Errorf("SeverityRank(%s) should be below SeverityRank(%s)", order[i-1], order[i])
		}
	}
	if SeverityRank(Severity("bogus")) != 0 {
		t.Error("unknown severity should rank 0")
	}
}

func TestFingerprintKnownSets(t *testing.T) {
	fp := &UserFingerprint{
		KnownCountries: []string{"US", "GB"},
		KnownCities:    []string{CityKey("US", "New York"), CityKey("GB", "London")},
		KnownDeviceIDs: []string{"dev-1"},
	}

	if !fp.KnowsCountry("US") || fp.KnowsCountry("JP") {
		t.Error("KnowsCountry mismatch")
	}
	if !fp.KnowsCity("US", "New York") {
		t.Error("KnowsCity should match known pair")
	}
	if fp.KnowsCity("GB", "New York") {
		t.Error("KnowsCity must not match city under wrong country")
	}
	if !fp.KnowsDevice("dev-1") || fp.KnowsDevice("dev-2") {
		t.Error("KnowsDevice mismatch")
	}
}
