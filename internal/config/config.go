// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package config loads and validates StreamSentry configuration.
//
// Configuration is merged from three layers, later layers winning:
// struct defaults, an optional YAML file, and STREAMSENTRY_* environment
// variables (STREAMSENTRY_DETECTION_MAX_SPEED_KMH=1000 overrides
// detection.max_speed_kmh).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the StreamSentry server.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Log         LogConfig         `koanf:"log"`
	GeoIP       GeoIPConfig       `koanf:"geoip"`
	Detection   DetectionConfig   `koanf:"detection"`
	Fingerprint FingerprintConfig `koanf:"fingerprint"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	ListenAddr      string        `koanf:"listen_addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// RateLimit is the per-IP request limit per minute for API endpoints.
	RateLimit int `koanf:"rate_limit" validate:"gt=0"`
}

// DatabaseConfig configures the DuckDB store.
type DatabaseConfig struct {
	// Path is the DuckDB database file. Empty string opens an in-memory
	// database (useful for tests, data is lost on exit).
	Path string `koanf:"path"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// GeoIPConfig configures the IP geolocation resolver.
type GeoIPConfig struct {
	// Provider selects the lookup backend: "mmdb" (local MaxMind database)
	// or "ipapi" (ip-api.com web service).
	Provider string `koanf:"provider" validate:"oneof=mmdb ipapi"`

	// MMDBPath is the path to a GeoLite2-City.mmdb file (mmdb provider).
	MMDBPath string `koanf:"mmdb_path"`

	// IPAPIRatePerMinute caps ip-api.com requests. The free tier allows 45.
	IPAPIRatePerMinute int `koanf:"ipapi_rate_per_minute" validate:"gt=0"`
}

// DetectionConfig holds anomaly detection thresholds. The defaults are
// domain-convention placeholders; operators tune them per deployment.
type DetectionConfig struct {
	// MaxSpeedKmh is the implausible-travel speed threshold
	// (commercial flight speed).
	MaxSpeedKmh float64 `koanf:"max_speed_kmh" validate:"gt=0"`

	// CriticalSpeedKmh escalates impossible_travel to critical severity.
	CriticalSpeedKmh float64 `koanf:"critical_speed_kmh" validate:"gt=0,gtfield=MaxSpeedKmh"`

	// MinDistanceKm is the distance floor below which travel is never
	// flagged, to avoid false positives from short-hop GPS jitter.
	MinDistanceKm float64 `koanf:"min_distance_km" validate:"gte=0"`

	// ConcurrentWindowMinutes is the trailing window for the
	// concurrent_streams rule.
	ConcurrentWindowMinutes int `koanf:"concurrent_window_minutes" validate:"gt=0"`

	// MinKnownCountries is the forming-profile threshold: users with fewer
	// known countries get new_country anomalies at high severity.
	MinKnownCountries int `koanf:"min_known_countries" validate:"gte=1"`
}

// FingerprintConfig configures periodic fingerprint recomputation.
type FingerprintConfig struct {
	RebuildInterval time.Duration `koanf:"rebuild_interval" validate:"gt=0"`
}

// Default returns a Config populated with default values. These are applied
// first, then overridden by config file and environment variables.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       300,
		},
		Database: DatabaseConfig{
			Path: "streamsentry.duckdb",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		GeoIP: GeoIPConfig{
			Provider:           "ipapi",
			MMDBPath:           "",
			IPAPIRatePerMinute: 45,
		},
		Detection: DetectionConfig{
			MaxSpeedKmh:             900,
			CriticalSpeedKmh:        2000,
			MinDistanceKm:           100,
			ConcurrentWindowMinutes: 5,
			MinKnownCountries:       3,
		},
		Fingerprint: FingerprintConfig{
			RebuildInterval: 24 * time.Hour,
		},
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.GeoIP.Provider == "mmdb" && c.GeoIP.MMDBPath == "" {
		return fmt.Errorf("invalid configuration: geoip.mmdb_path is required when geoip.provider is mmdb")
	}
	return nil
}

// ConcurrentWindow returns the concurrent_streams window as a duration.
func (c *DetectionConfig) ConcurrentWindow() time.Duration {
	return time.Duration(c.ConcurrentWindowMinutes) * time.Minute
}
