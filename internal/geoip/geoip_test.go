// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package geoip

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"10.0.0.1", true},
		{"172.16.5.4", true},
		{"192.168.1.100", true},
		{"127.0.0.1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"not-an-ip", true},
		{"", true},
		{"8.8.8.8", false},
		{"203.0.114.7", false},
		{"2001:4860:4860::8888", false},
	}
	for _, tc := range tests {
		if got := IsPrivateIP(tc.ip); got != tc.private {
			t.Errorf("IsPrivateIP(%q) = %v, want %v", tc.ip, got, tc.private)
		}
	}
}

func TestIPAPILookupSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/203.0.113.50" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "success",
			"country": "Japan",
			"countryCode": "JP",
			"regionName": "Tokyo",
			"city": "Tokyo",
			"lat": 35.6895,
			"lon": 139.6917,
			"timezone": "Asia/Tokyo",
			"query": "203.0.113.50"
		}`))
	}))
	defer srv.Close()

	p := newIPAPIProvider(srv.URL)
	result, err := p.Lookup(context.Background(), "203.0.113.50")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if result.CountryCode != "JP" || result.Country != "Japan" {
		t.Errorf("country = %s/%s, want JP/Japan", result.CountryCode, result.Country)
	}
	if result.City != "Tokyo" || result.Region != "Tokyo" {
		t.Errorf("city/region = %s/%s, want Tokyo/Tokyo", result.City, result.Region)
	}
	if result.Latitude != 35.6895 || result.Longitude != 139.6917 {
		t.Errorf("coordinates = %v,%v", result.Latitude, result.Longitude)
	}
	if result.Timezone != "Asia/Tokyo" {
		t.Errorf("timezone = %s", result.Timezone)
	}
}

func TestIPAPILookupFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status": "fail", "message": "reserved range", "query": "203.0.113.9"}`))
	}))
	defer srv.Close()

	p := newIPAPIProvider(srv.URL)
	if _, err := p.Lookup(context.Background(), "203.0.113.9"); err == nil {
		t.Fatal("expected error for fail status")
	}
}

func TestIPAPIPrivateAddressNeverReachesService(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	p := newIPAPIProvider(srv.URL)
	_, err := p.Lookup(context.Background(), "192.168.1.44")
	if !errors.Is(err, ErrPrivateIP) {
		t.Fatalf("err = %v, want ErrPrivateIP", err)
	}
	if called {
		t.Error("private address was sent to the lookup service")
	}
}

func TestIPAPIBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newIPAPIProvider(srv.URL)
	for i := 0; i < 5; i++ {
		if _, err := p.Lookup(context.Background(), "203.0.113.1"); err == nil {
			t.Fatalf("lookup %d: expected error", i)
		}
	}
	if p.IsAvailable() {
		t.Error("provider still available after 5 consecutive failures")
	}
	if _, err := p.Lookup(context.Background(), "203.0.113.1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable once breaker is open", err)
	}
}

func TestMMDBProviderMissingDatabase(t *testing.T) {
	if _, err := NewMMDBProvider("/nonexistent/GeoLite2-City.mmdb"); err == nil {
		t.Fatal("expected error opening missing database")
	}
}
