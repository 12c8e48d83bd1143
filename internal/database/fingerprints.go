// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/models"
)

// UpsertFingerprint writes a fingerprint as a full replace keyed by
// (user_id, server_id). The replace is a single atomic statement: concurrent
// recomputes for the same user are last-writer-wins with no partial state.
func (db *DB) UpsertFingerprint(ctx context.Context, fp *models.UserFingerprint) error {
	cols, err := encodeFingerprintColumns(fp)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO user_fingerprints (
			user_id, server_id,
			known_countries, known_cities, known_device_ids, known_clients,
			location_patterns, device_patterns, hour_histogram,
			avg_sessions_per_day, total_sessions, last_calculated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, server_id) DO UPDATE SET
			known_countries = EXCLUDED.known_countries,
			known_cities = EXCLUDED.known_cities,
			known_device_ids = EXCLUDED.known_device_ids,
			known_clients = EXCLUDED.known_clients,
			location_patterns = EXCLUDED.location_patterns,
			device_patterns = EXCLUDED.device_patterns,
			hour_histogram = EXCLUDED.hour_histogram,
			avg_sessions_per_day = EXCLUDED.avg_sessions_per_day,
			total_sessions = EXCLUDED.total_sessions,
			last_calculated_at = EXCLUDED.last_calculated_at`,
		fp.UserID, fp.ServerID,
		cols.knownCountries, cols.knownCities, cols.knownDeviceIDs, cols.knownClients,
		cols.locationPatterns, cols.devicePatterns, cols.hourHistogram,
		fp.AvgSessionsPerDay, fp.TotalSessions, fp.LastCalculatedAt.UTC(),
	)
	metrics.ObserveDBQuery("upsert", "user_fingerprints", start, err)
	if err != nil {
		return fmt.Errorf("failed to upsert fingerprint: %w", err)
	}
	return nil
}

// GetFingerprint returns the fingerprint for one (user, server) pair, or
// ErrNotFound if no recompute has run for the user yet.
func (db *DB) GetFingerprint(ctx context.Context, serverID, userID string) (*models.UserFingerprint, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx, `
		SELECT user_id, server_id,
			known_countries, known_cities, known_device_ids, known_clients,
			location_patterns, device_patterns, hour_histogram,
			avg_sessions_per_day, total_sessions, last_calculated_at
		FROM user_fingerprints
		WHERE server_id = ? AND user_id = ?`,
		serverID, userID,
	)

	fp := &models.UserFingerprint{}
	var knownCountries, knownCities, knownDeviceIDs, knownClients interface{}
	var locationPatterns, devicePatterns, hourHistogram interface{}

	err := row.Scan(
		&fp.UserID, &fp.ServerID,
		&knownCountries, &knownCities, &knownDeviceIDs, &knownClients,
		&locationPatterns, &devicePatterns, &hourHistogram,
		&fp.AvgSessionsPerDay, &fp.TotalSessions, &fp.LastCalculatedAt,
	)
	metrics.ObserveDBQuery("select", "user_fingerprints", start, err)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query fingerprint: %w", err)
	}

	for _, col := range []struct {
		raw interface{}
		dst interface{}
	}{
		{knownCountries, &fp.KnownCountries},
		{knownCities, &fp.KnownCities},
		{knownDeviceIDs, &fp.KnownDeviceIDs},
		{knownClients, &fp.KnownClients},
		{locationPatterns, &fp.LocationPatterns},
		{devicePatterns, &fp.DevicePatterns},
		{hourHistogram, &fp.HourHistogram},
	} {
		if err := decodeJSONColumn(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode fingerprint column: %w", err)
		}
	}

	return fp, nil
}

// fingerprintColumns holds the JSON-encoded collection columns.
type fingerprintColumns struct {
	knownCountries   string
	knownCities      string
	knownDeviceIDs   string
	knownClients     string
	locationPatterns string
	devicePatterns   string
	hourHistogram    string
}

// encodeFingerprintColumns serializes the fingerprint's collections for the
// JSON columns. Empty slices encode as [] rather than null so a zero-activity
// profile is distinguishable from an absent one.
func encodeFingerprintColumns(fp *models.UserFingerprint) (*fingerprintColumns, error) {
	cols := &fingerprintColumns{}
	for _, field := range []struct {
		src interface{}
		dst *string
	}{
		{emptyIfNil(fp.KnownCountries), &cols.knownCountries},
		{emptyIfNil(fp.KnownCities), &cols.knownCities},
		{emptyIfNil(fp.KnownDeviceIDs), &cols.knownDeviceIDs},
		{emptyIfNil(fp.KnownClients), &cols.knownClients},
		{orEmptyPatterns(fp.LocationPatterns), &cols.locationPatterns},
		{orEmptyDevices(fp.DevicePatterns), &cols.devicePatterns},
		{fp.HourHistogram, &cols.hourHistogram},
	} {
		raw, err := json.Marshal(field.src)
		if err != nil {
			return nil, fmt.Errorf("failed to encode fingerprint column: %w", err)
		}
		*field.dst = string(raw)
	}
	return cols, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyPatterns(p []models.LocationPattern) []models.LocationPattern {
	if p == nil {
		return []models.LocationPattern{}
	}
	return p
}

func orEmptyDevices(p []models.DevicePattern) []models.DevicePattern {
	if p == nil {
		return []models.DevicePattern{}
	}
	return p
}

// decodeJSONColumn converts a DuckDB JSON column value (returned by the
// driver as a string, []byte, or already-decoded value) into dst.
func decodeJSONColumn(raw, dst interface{}) error {
	switch v := raw.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		// Driver decoded the JSON already; re-marshal into the typed dst.
		bytes, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(bytes, dst)
	}
}
