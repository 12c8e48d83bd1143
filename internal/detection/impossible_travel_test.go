// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package detection

import (
	"context"
	"testing"
	"time"

	"github.com/streamsentry/streamsentry/internal/models"
)

func travelDetector(store *fakeStore) *ImpossibleTravelDetector {
	return NewImpossibleTravelDetector(ImpossibleTravelConfig{
		MaxSpeedKmh:      900,
		CriticalSpeedKmh: 2000,
		MinDistanceKm:    100,
	}, store)
}

func TestImpossibleTravelTokyoToNewYork(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	prev := publicActivity("a0", "user-1", "dev-1", base, "JP", "Japan", "Tokyo", 35.68, 139.69)
	store.previous = &prev

	current := publicActivity("a1", "user-1", "dev-1", base.Add(10*time.Minute), "US", "United States", "New York", 40.71, -74.00)
	event := &Event{Activity: current, Fingerprint: emptyFingerprint("srv-1", "user-1")}

	anomaly, err := travelDetector(store).Check(context.Background(), event)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if anomaly == nil {
		t.Fatal("no anomaly for Tokyo to New York in 10 minutes")
	}
	if anomaly.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical", anomaly.Severity)
	}

	details := anomaly.Details.Travel
	if details == nil {
		t.Fatal("travel details missing")
	}
	// Great-circle Tokyo to New York is roughly 10,850 km; at 10 minutes
	// the implied speed is roughly 65,100 km/h.
	if details.DistanceKm < 10800 || details.DistanceKm > 10900 {
		t.Errorf("DistanceKm = %v, want ~10850", details.DistanceKm)
	}
	if details.SpeedKmh < 64800 || details.SpeedKmh > 65400 {
		t.Errorf("SpeedKmh = %v, want ~65100", details.SpeedKmh)
	}
	if details.TimeDiffMinutes != 10 {
		t.Errorf("TimeDiffMinutes = %v, want 10", details.TimeDiffMinutes)
	}
	if details.Previous.ActivityID != "a0" || details.Current.ActivityID != "a1" {
		t.Errorf("snapshot ids = %s, %s", details.Previous.ActivityID, details.Current.ActivityID)
	}
}

func TestImpossibleTravelHighBelowCriticalThreshold(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	// London to Paris is ~344 km; in 15 minutes that is ~1376 km/h:
	// above the 900 km/h threshold, below the 2000 km/h critical one.
	prev := publicActivity("a0", "user-1", "dev-1", base, "GB", "United Kingdom", "London", 51.5074, -0.1278)
	store.previous = &prev
	current := publicActivity("a1", "user-1", "dev-1", base.Add(15*time.Minute), "FR", "France", "Paris", 48.8566, 2.3522)

	anomaly, err := travelDetector(store).Check(context.Background(),
		&Event{Activity: current, Fingerprint: emptyFingerprint("srv-1", "user-1")})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if anomaly == nil {
		t.Fatal("no anomaly")
	}
	if anomaly.Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want high", anomaly.Severity)
	}
}

func TestImpossibleTravelSkips(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nyc := func(id string, at time.Time) models.LocatedActivity {
		return publicActivity(id, "user-1", "dev-1", at, "US", "United States", "New York", 40.7128, -74.0060)
	}
	newark := publicActivity("a0", "user-1", "dev-1", base, "US", "United States", "Newark", 40.7357, -74.1724)
	sentinel := publicActivity("a0", "user-1", "dev-1", base, "", "", "", 0, 0)
	tokyo := publicActivity("a0", "user-1", "dev-1", base, "JP", "Japan", "Tokyo", 35.68, 139.69)

	tests := []struct {
		name     string
		previous *models.LocatedActivity
		current  models.LocatedActivity
	}{
		{"no previous activity", nil, nyc("a1", base.Add(10*time.Minute))},
		{"below distance floor", &newark, nyc("a1", base.Add(time.Minute))},
		{"sentinel previous coordinates", &sentinel, nyc("a1", base.Add(10*time.Minute))},
		{"zero time delta", &tokyo, nyc("a1", base)},
		{"out of order timestamps", &tokyo, nyc("a1", base.Add(-10*time.Minute))},
		{"plausible speed", &tokyo, nyc("a1", base.Add(14*time.Hour))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			store.previous = tc.previous
			anomaly, err := travelDetector(store).Check(context.Background(),
				&Event{Activity: tc.current, Fingerprint: emptyFingerprint("srv-1", "user-1")})
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if anomaly != nil {
				t.Errorf("unexpected anomaly: %+v", anomaly.Details)
			}
		})
	}
}

func TestImpossibleTravelDisabled(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	prev := publicActivity("a0", "user-1", "dev-1", base, "JP", "Japan", "Tokyo", 35.68, 139.69)
	store.previous = &prev

	d := travelDetector(store)
	d.SetEnabled(false)

	current := publicActivity("a1", "user-1", "dev-1", base.Add(10*time.Minute), "US", "United States", "New York", 40.71, -74.00)
	anomaly, err := d.Check(context.Background(),
		&Event{Activity: current, Fingerprint: emptyFingerprint("srv-1", "user-1")})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if anomaly != nil {
		t.Error("disabled detector emitted an anomaly")
	}
}
