// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package detection

import (
	"context"
	"testing"
	"time"

	"github.com/streamsentry/streamsentry/internal/config"
	"github.com/streamsentry/streamsentry/internal/database"
	"github.com/streamsentry/streamsentry/internal/geoip"
	"github.com/streamsentry/streamsentry/internal/models"
)

// fakeStore implements FingerprintReader, EventHistory, AnomalyWriter, and
// LocationStore for rule and engine tests.
type fakeStore struct {
	fingerprints map[string]*models.UserFingerprint
	previous     *models.LocatedActivity
	sessions     []models.LocatedActivity

	insertedAnomalies  []models.AnomalyEvent
	insertedActivities []models.Activity
	insertedLocations  []models.ActivityLocation
	anomalyKeys        map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		fingerprints: map[string]*models.UserFingerprint{},
		anomalyKeys:  map[string]bool{},
	}
}

func (f *fakeStore) GetFingerprint(_ context.Context, serverID, userID string) (*models.UserFingerprint, error) {
	fp, ok := f.fingerprints[serverID+"/"+userID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return fp, nil
}

func (f *fakeStore) LastLocatedActivity(_ context.Context, _, _ string, _ time.Time, _ string) (*models.LocatedActivity, error) {
	return f.previous, nil
}

func (f *fakeStore) ActiveSessions(_ context.Context, _, _ string, _ time.Time) ([]models.LocatedActivity, error) {
	return f.sessions, nil
}

func (f *fakeStore) InsertAnomaly(_ context.Context, ev *models.AnomalyEvent) (bool, error) {
	key := ev.ActivityID + "/" + string(ev.Type)
	if f.anomalyKeys[key] {
		return false, nil
	}
	f.anomalyKeys[key] = true
	f.insertedAnomalies = append(f.insertedAnomalies, *ev)
	return true, nil
}

func (f *fakeStore) InsertActivity(_ context.Context, a *models.Activity) error {
	f.insertedActivities = append(f.insertedActivities, *a)
	return nil
}

func (f *fakeStore) InsertActivityLocation(_ context.Context, loc *models.ActivityLocation) (bool, error) {
	f.insertedLocations = append(f.insertedLocations, *loc)
	return true, nil
}

// fakeResolver implements geoip.Provider with a canned result.
type fakeResolver struct {
	result *geoip.Result
	err    error
	calls  int
}

func (f *fakeResolver) Lookup(_ context.Context, _ string) (*geoip.Result, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeResolver) Name() string      { return "fake" }
func (f *fakeResolver) IsAvailable() bool { return true }

func testEngine(store *fakeStore, resolver geoip.Provider) *Engine {
	return NewEngine(config.Default().Detection, store, store, store, store, resolver)
}

func publicActivity(id, userID, deviceID string, startedAt time.Time, countryCode, country, city string, lat, lon float64) models.LocatedActivity {
	return models.LocatedActivity{
		Activity: models.Activity{
			ID:        id,
			ServerID:  "srv-1",
			UserID:    userID,
			DeviceID:  deviceID,
			IPAddress: "203.0.113.10",
			StartedAt: startedAt,
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

func anomalyTypes(anomalies []models.AnomalyEvent) map[models.AnomalyType]models.AnomalyEvent {
	out := map[models.AnomalyType]models.AnomalyEvent{}
	for _, a := range anomalies {
		out[a.Type] = a
	}
	return out
}

func TestDetectNewUserSingleCountryAnomaly(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(store, nil)

	// No stored fingerprint, no device ID: the only signal is the country.
	activity := publicActivity("a1", "user-1", "", time.Now(), "US", "United States", "New York", 40.71, -74.00)
	anomalies, err := engine.Detect(context.Background(), activity)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	byType := anomalyTypes(anomalies)
	if len(anomalies) != 1 {
		t.Fatalf("got %d anomalies (%v), want exactly 1", len(anomalies), byType)
	}
	nc, ok := byType[models.AnomalyNewCountry]
	if !ok {
		t.Fatal("new_country anomaly not emitted")
	}
	if _, ok := byType[models.AnomalyNewLocation]; ok {
		t.Error("new_location must not fire when the country itself is new")
	}
	if nc.Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want high for forming profile", nc.Severity)
	}
	if nc.Details.NewCountry == nil || nc.Details.NewCountry.CountryCode != "US" {
		t.Errorf("details = %+v", nc.Details.NewCountry)
	}
	if nc.ID == "" || nc.CreatedAt.IsZero() {
		t.Error("engine must assign id and created_at")
	}
}

func TestDetectEstablishedUserNoAnomalies(t *testing.T) {
	store := newFakeStore()
	store.fingerprints["srv-1/user-1"] = &models.UserFingerprint{
		UserID: "user-1", ServerID: "srv-1",
		KnownCountries: []string{"DE", "GB", "US"},
		KnownCities:    []string{"US/New York"},
		KnownDeviceIDs: []string{"dev-1"},
	}
	engine := testEngine(store, nil)

	activity := publicActivity("a1", "user-1", "dev-1", time.Now(), "US", "United States", "New York", 40.71, -74.00)
	anomalies, err := engine.Detect(context.Background(), activity)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(anomalies) != 0 {
		t.Errorf("got %d anomalies for fully-known behavior: %v", len(anomalies), anomalyTypes(anomalies))
	}
}

func TestDetectNewCityInKnownCountry(t *testing.T) {
	store := newFakeStore()
	store.fingerprints["srv-1/user-1"] = &models.UserFingerprint{
		UserID: "user-1", ServerID: "srv-1",
		KnownCountries: []string{"DE", "GB", "US"},
		KnownCities:    []string{"US/New York"},
		KnownDeviceIDs: []string{"dev-1"},
	}
	engine := testEngine(store, nil)

	activity := publicActivity("a1", "user-1", "dev-1", time.Now(), "US", "United States", "Chicago", 41.88, -87.63)
	anomalies, err := engine.Detect(context.Background(), activity)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	byType := anomalyTypes(anomalies)
	nl, ok := byType[models.AnomalyNewLocation]
	if !ok || len(anomalies) != 1 {
		t.Fatalf("anomalies = %v, want exactly new_location", byType)
	}
	if nl.Severity != models.SeverityLow {
		t.Errorf("severity = %s, want low", nl.Severity)
	}
	if nl.Details.NewLocation == nil || nl.Details.NewLocation.City != "Chicago" {
		t.Errorf("details = %+v", nl.Details.NewLocation)
	}
}

func TestDetectNewCountrySeverityWithEstablishedProfile(t *testing.T) {
	store := newFakeStore()
	store.fingerprints["srv-1/user-1"] = &models.UserFingerprint{
		UserID: "user-1", ServerID: "srv-1",
		KnownCountries: []string{"DE", "FR", "GB"},
		KnownDeviceIDs: []string{"dev-1"},
	}
	engine := testEngine(store, nil)

	activity := publicActivity("a1", "user-1", "dev-1", time.Now(), "JP", "Japan", "Tokyo", 35.68, 139.69)
	anomalies, err := engine.Detect(context.Background(), activity)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	nc, ok := anomalyTypes(anomalies)[models.AnomalyNewCountry]
	if !ok {
		t.Fatal("new_country not emitted")
	}
	if nc.Severity != models.SeverityMedium {
		t.Errorf("severity = %s, want medium with 3 known countries", nc.Severity)
	}
}

func TestDetectIdempotentOnReplay(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(store, nil)

	activity := publicActivity("a1", "user-1", "", time.Now(), "US", "United States", "New York", 40.71, -74.00)
	first, err := engine.Detect(context.Background(), activity)
	if err != nil {
		t.Fatalf("first Detect: %v", err)
	}
	second, err := engine.Detect(context.Background(), activity)
	if err != nil {
		t.Fatalf("second Detect: %v", err)
	}
	if len(first) != 1 || len(second) != 0 {
		t.Errorf("first=%d second=%d, want 1 then 0 (replay no-op)", len(first), len(second))
	}
	if len(store.insertedAnomalies) != 1 {
		t.Errorf("stored anomalies = %d, want 1", len(store.insertedAnomalies))
	}
}

func TestProcessActivityPublicIP(t *testing.T) {
	store := newFakeStore()
	resolver := &fakeResolver{result: &geoip.Result{
		IPAddress:   "203.0.113.10",
		CountryCode: "US",
		Country:     "United States",
		City:        "New York",
		Latitude:    40.71,
		Longitude:   -74.00,
	}}
	engine := testEngine(store, resolver)

	activity := models.Activity{
		ID: "a1", ServerID: "srv-1", UserID: "user-1",
		IPAddress: "203.0.113.10", StartedAt: time.Now(),
	}
	anomalies, err := engine.ProcessActivity(context.Background(), activity)
	if err != nil {
		t.Fatalf("ProcessActivity: %v", err)
	}
	if len(store.insertedActivities) != 1 || len(store.insertedLocations) != 1 {
		t.Fatalf("activities=%d locations=%d, want 1 each",
			len(store.insertedActivities), len(store.insertedLocations))
	}
	if store.insertedLocations[0].CountryCode != "US" {
		t.Errorf("stored location = %+v", store.insertedLocations[0])
	}
	if _, ok := anomalyTypes(anomalies)[models.AnomalyNewCountry]; !ok {
		t.Error("detection did not run on newly located activity")
	}
}

func TestProcessActivityPrivateIPSkipsLookupAndDetection(t *testing.T) {
	store := newFakeStore()
	resolver := &fakeResolver{}
	engine := testEngine(store, resolver)

	activity := models.Activity{
		ID: "a1", ServerID: "srv-1", UserID: "user-1",
		IPAddress: "192.168.1.50", StartedAt: time.Now(),
	}
	anomalies, err := engine.ProcessActivity(context.Background(), activity)
	if err != nil {
		t.Fatalf("ProcessActivity: %v", err)
	}
	if resolver.calls != 0 {
		t.Error("private IP was sent to the resolver")
	}
	if len(store.insertedLocations) != 1 || !store.insertedLocations[0].IsPrivateIP {
		t.Fatalf("locations = %+v, want one private-IP row", store.insertedLocations)
	}
	if len(anomalies) != 0 {
		t.Errorf("anomalies = %v, want none for private IP", anomalyTypes(anomalies))
	}
}

func TestProcessActivityLookupFailureLeavesPending(t *testing.T) {
	store := newFakeStore()
	resolver := &fakeResolver{err: geoip.ErrUnavailable}
	engine := testEngine(store, resolver)

	activity := models.Activity{
		ID: "a1", ServerID: "srv-1", UserID: "user-1",
		IPAddress: "203.0.113.10", StartedAt: time.Now(),
	}
	if _, err := engine.ProcessActivity(context.Background(), activity); err == nil {
		t.Fatal("expected error when lookup fails")
	}
	if len(store.insertedActivities) != 1 {
		t.Error("activity must still be recorded for backfill")
	}
	if len(store.insertedLocations) != 0 {
		t.Error("no location row must be written on lookup failure")
	}
}
