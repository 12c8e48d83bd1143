// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package fingerprint

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/streamsentry/streamsentry/internal/models"
)

type mockStore struct {
	activities map[string][]models.LocatedActivity // key: serverID/userID
	saved      map[string]*models.UserFingerprint
	users      map[string][]string
}

func newMockStore() *mockStore {
	return &mockStore{
		activities: map[string][]models.LocatedActivity{},
		saved:      map[string]*models.UserFingerprint{},
		users:      map[string][]string{},
	}
}

func (m *mockStore) UserActivities(_ context.Context, serverID, userID string) ([]models.LocatedActivity, error) {
	return m.activities[serverID+"/"+userID], nil
}

func (m *mockStore) UpsertFingerprint(_ context.Context, fp *models.UserFingerprint) error {
	m.saved[fp.ServerID+"/"+fp.UserID] = fp
	return nil
}

func (m *mockStore) DistinctUserIDs(_ context.Context, serverID string) ([]string, error) {
	return m.users[serverID], nil
}

func located(id, deviceID, deviceName, client, countryCode, country, city string, lat, lon float64, startedAt time.Time) models.LocatedActivity {
	return models.LocatedActivity{
		Activity: models.Activity{
			ID:         id,
			ServerID:   "srv-1",
			UserID:     "user-1",
			DeviceID:   deviceID,
			DeviceName: deviceName,
			ClientName: client,
			IPAddress:  "203.0.113.10",
			StartedAt:  startedAt,
		},
		Location: &models.ActivityLocation{
			ActivityID:  id,
			CountryCode: countryCode,
			Country:     country,
			City:        city,
			Latitude:    lat,
			Longitude:   lon,
		},
	}
}

func TestComputeAggregation(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	activities := []models.LocatedActivity{
		located("a1", "dev-1", "Living Room TV", "WebPlayer", "US", "United States", "New York", 40.7128, -74.0060, base),
		located("a2", "dev-1", "Living Room TV", "WebPlayer", "US", "United States", "New York", 40.7128, -74.0060, base.Add(26*time.Hour)),
		located("a3", "dev-2", "Phone", "MobileApp", "GB", "United Kingdom", "London", 51.5074, -0.1278, base.Add(48*time.Hour)),
	}

	b := NewBuilder(newMockStore())
	fp := b.Compute("srv-1", "user-1", activities)

	if fp.TotalSessions != 3 {
		t.Errorf("TotalSessions = %d, want 3", fp.TotalSessions)
	}
	if !reflect.DeepEqual(fp.KnownCountries, []string{"GB", "US"}) {
		t.Errorf("KnownCountries = %v", fp.KnownCountries)
	}
	if !reflect.DeepEqual(fp.KnownCities, []string{"GB/London", "US/New York"}) {
		t.Errorf("KnownCities = %v", fp.KnownCities)
	}
	if !reflect.DeepEqual(fp.KnownDeviceIDs, []string{"dev-1", "dev-2"}) {
		t.Errorf("KnownDeviceIDs = %v", fp.KnownDeviceIDs)
	}
	if !reflect.DeepEqual(fp.KnownClients, []string{"MobileApp", "WebPlayer"}) {
		t.Errorf("KnownClients = %v", fp.KnownClients)
	}

	// Most-established pattern first.
	if len(fp.LocationPatterns) != 2 {
		t.Fatalf("LocationPatterns = %d, want 2", len(fp.LocationPatterns))
	}
	if fp.LocationPatterns[0].City != "New York" || fp.LocationPatterns[0].SessionCount != 2 {
		t.Errorf("top location = %+v", fp.LocationPatterns[0])
	}
	if len(fp.DevicePatterns) != 2 || fp.DevicePatterns[0].DeviceID != "dev-1" {
		t.Errorf("DevicePatterns = %+v", fp.DevicePatterns)
	}

	// 3 sessions over 3 distinct days.
	if fp.AvgSessionsPerDay != 1.0 {
		t.Errorf("AvgSessionsPerDay = %v, want 1.0", fp.AvgSessionsPerDay)
	}

	// All three sessions land in UTC hours 9, 11, 9.
	if fp.HourHistogram[9] != 2 || fp.HourHistogram[11] != 1 {
		t.Errorf("HourHistogram[9]=%d HourHistogram[11]=%d", fp.HourHistogram[9], fp.HourHistogram[11])
	}
}

func TestComputeSkipsPrivateLocationsButCountsSessions(t *testing.T) {
	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	private := models.LocatedActivity{
		Activity: models.Activity{
			ID: "a1", ServerID: "srv-1", UserID: "user-1",
			DeviceID: "dev-1", IPAddress: "192.168.1.5", StartedAt: base,
		},
		Location: &models.ActivityLocation{ActivityID: "a1", IsPrivateIP: true},
	}
	public := located("a2", "dev-1", "TV", "WebPlayer", "US", "United States", "Chicago", 41.88, -87.63, base.Add(time.Hour))

	b := NewBuilder(newMockStore())
	fp := b.Compute("srv-1", "user-1", []models.LocatedActivity{private, public})

	if fp.TotalSessions != 2 {
		t.Errorf("TotalSessions = %d, want 2 (private sessions still count)", fp.TotalSessions)
	}
	if len(fp.KnownCountries) != 1 || fp.KnownCountries[0] != "US" {
		t.Errorf("KnownCountries = %v, want [US]", fp.KnownCountries)
	}
	if len(fp.LocationPatterns) != 1 {
		t.Errorf("LocationPatterns = %d, want 1", len(fp.LocationPatterns))
	}
	if len(fp.KnownDeviceIDs) != 1 {
		t.Errorf("KnownDeviceIDs = %v (devices known even from private sessions)", fp.KnownDeviceIDs)
	}
}

func TestComputeEmptyHistory(t *testing.T) {
	b := NewBuilder(newMockStore())
	fp := b.Compute("srv-1", "user-ghost", nil)

	if fp.TotalSessions != 0 || fp.AvgSessionsPerDay != 0 {
		t.Errorf("empty fingerprint has sessions: %+v", fp)
	}
	if fp.KnownCountries == nil || fp.LocationPatterns == nil {
		t.Error("empty fingerprint slices must be non-nil for stable serialization")
	}
	if fp.LastCalculatedAt.IsZero() {
		t.Error("LastCalculatedAt not set")
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	store := newMockStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.activities["srv-1/user-1"] = []models.LocatedActivity{
		located("a1", "dev-1", "TV", "WebPlayer", "US", "United States", "New York", 40.71, -74.00, base),
		located("a2", "dev-2", "Phone", "MobileApp", "US", "United States", "Boston", 42.36, -71.05, base.Add(time.Hour)),
	}

	b := NewBuilder(store)
	fixed := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	first, err := b.Rebuild(context.Background(), "srv-1", "user-1")
	if err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	second, err := b.Rebuild(context.Background(), "srv-1", "user-1")
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("rebuild not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if store.saved["srv-1/user-1"] == nil {
		t.Error("fingerprint not persisted")
	}
}

func TestRebuildAll(t *testing.T) {
	store := newMockStore()
	store.users["srv-1"] = []string{"user-1", "user-2"}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.activities["srv-1/user-1"] = []models.LocatedActivity{
		located("a1", "dev-1", "TV", "WebPlayer", "US", "United States", "New York", 40.71, -74.00, base),
	}

	b := NewBuilder(store)
	rebuilt, err := b.RebuildAll(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("RebuildAll: %v", err)
	}
	if rebuilt != 2 {
		t.Errorf("rebuilt = %d, want 2", rebuilt)
	}
	// user-2 has no history: stored fingerprint is empty, not absent.
	fp := store.saved["srv-1/user-2"]
	if fp == nil {
		t.Fatal("empty-profile user not persisted")
	}
	if fp.TotalSessions != 0 {
		t.Errorf("user-2 TotalSessions = %d, want 0", fp.TotalSessions)
	}
}
