// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package config

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestDefaultThresholds(t *testing.T) {
	cfg := Default()

	if cfg.Detection.MaxSpeedKmh != 900 {
		t.Errorf("MaxSpeedKmh = %v, want 900", cfg.Detection.MaxSpeedKmh)
	}
	if cfg.Detection.CriticalSpeedKmh != 2000 {
		t.Errorf("CriticalSpeedKmh = %v, want 2000", cfg.Detection.CriticalSpeedKmh)
	}
	if cfg.Detection.MinDistanceKm != 100 {
		t.Errorf("MinDistanceKm = %v, want 100", cfg.Detection.MinDistanceKm)
	}
	if got := cfg.Detection.ConcurrentWindow(); got != 5*time.Minute {
		t.Errorf("ConcurrentWindow() = %v, want 5m", got)
	}
	if cfg.Detection.MinKnownCountries != 3 {
		t.Errorf("MinKnownCountries = %v, want 3", cfg.Detection.MinKnownCountries)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "zero max speed",
			mutate: func(c *Config) { c.Detection.MaxSpeedKmh = 0 },
		},
		{
			name:   "critical speed below max speed",
			mutate: func(c *Config) { c.Detection.CriticalSpeedKmh = 500 },
		},
		{
			name:   "negative distance floor",
			mutate: func(c *Config) { c.Detection.MinDistanceKm = -1 },
		},
		{
			name:   "zero concurrent window",
			mutate: func(c *Config) { c.Detection.ConcurrentWindowMinutes = 0 },
		},
		{
			name:   "zero min known countries",
			mutate: func(c *Config) { c.Detection.MinKnownCountries = 0 },
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.Log.Level = "verbose" },
		},
		{
			name:   "unknown geoip provider",
			mutate: func(c *Config) { c.GeoIP.Provider = "whois" },
		},
		{
			name:   "mmdb provider without path",
			mutate: func(c *Config) { c.GeoIP.Provider = "mmdb"; c.GeoIP.MMDBPath = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"STREAMSENTRY_SERVER_LISTEN_ADDR", "server.listen_addr"},
		{"STREAMSENTRY_DETECTION_MAX_SPEED_KMH", "detection.max_speed_kmh"},
		{"STREAMSENTRY_GEOIP_MMDB_PATH", "geoip.mmdb_path"},
		{"STREAMSENTRY_LOG_LEVEL", "log.level"},
	}
	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("STREAMSENTRY_DETECTION_MAX_SPEED_KMH", "1100")
	t.Setenv("STREAMSENTRY_DETECTION_CRITICAL_SPEED_KMH", "2500")
	t.Setenv("STREAMSENTRY_LOG_FORMAT", "console")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Detection.MaxSpeedKmh != 1100 {
		t.Errorf("MaxSpeedKmh = %v, want 1100", cfg.Detection.MaxSpeedKmh)
	}
	if cfg.Log.Format != "console" {
		t.Errorf("Log.Format = %q, want console", cfg.Log.Format)
	}
}
