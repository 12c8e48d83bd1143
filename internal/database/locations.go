// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/models"
)

// InsertActivity persists one ingested activity. Re-inserting the same
// activity ID is a no-op so ingestion replays are safe.
func (db *DB) InsertActivity(ctx context.Context, a *models.Activity) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO activities (id, server_id, user_id, device_id, device_name, client_name, ip_address, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		a.ID, a.ServerID, a.UserID,
		nullStr(a.DeviceID), nullStr(a.DeviceName), nullStr(a.ClientName), nullStr(a.IPAddress),
		a.StartedAt.UTC(),
	)
	metrics.ObserveDBQuery("insert", "activities", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

// InsertActivityLocation writes the geolocation resolution for an activity.
// At most one location row exists per activity; a second insert for the same
// activity is a no-op and returns false.
func (db *DB) InsertActivityLocation(ctx context.Context, loc *models.ActivityLocation) (bool, error) {
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO activity_locations (
			activity_id, ip_address, country_code, country, region, city,
			latitude, longitude, timezone, is_private_ip, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		loc.ActivityID, loc.IPAddress,
		nullStr(loc.CountryCode), nullStr(loc.Country), nullStr(loc.Region), nullStr(loc.City),
		loc.Latitude, loc.Longitude, nullStr(loc.Timezone), loc.IsPrivateIP, loc.CreatedAt,
	)
	metrics.ObserveDBQuery("insert", "activity_locations", start, err)
	if err != nil {
		return false, fmt.Errorf("failed to insert activity location: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// locatedActivityColumns selects an activity left-joined to its location.
const locatedActivityColumns = `
	a.id, a.server_id, a.user_id,
	COALESCE(a.device_id, '') AS device_id,
	COALESCE(a.device_name, '') AS device_name,
	COALESCE(a.client_name, '') AS client_name,
	COALESCE(a.ip_address, '') AS ip_address,
	a.started_at,
	l.activity_id,
	COALESCE(l.ip_address, '') AS loc_ip,
	COALESCE(l.country_code, '') AS country_code,
	COALESCE(l.country, '') AS country,
	COALESCE(l.region, '') AS region,
	COALESCE(l.city, '') AS city,
	COALESCE(l.latitude, 0) AS latitude,
	COALESCE(l.longitude, 0) AS longitude,
	COALESCE(l.timezone, '') AS timezone,
	COALESCE(l.is_private_ip, FALSE) AS is_private_ip`

const locatedActivityFrom = `
	FROM activities a
	LEFT JOIN activity_locations l ON l.activity_id = a.id`

// scanLocatedActivity scans one row of locatedActivityColumns.
func scanLocatedActivity(scanner interface{ Scan(dest ...interface{}) error }) (*models.LocatedActivity, error) {
	var la models.LocatedActivity
	var locActivityID sql.NullString
	var loc models.ActivityLocation

	err := scanner.Scan(
		&la.ID, &la.ServerID, &la.UserID,
		&la.DeviceID, &la.DeviceName, &la.ClientName, &la.IPAddress,
		&la.StartedAt,
		&locActivityID,
		&loc.IPAddress, &loc.CountryCode, &loc.Country, &loc.Region, &loc.City,
		&loc.Latitude, &loc.Longitude, &loc.Timezone, &loc.IsPrivateIP,
	)
	if err != nil {
		return nil, err
	}

	if locActivityID.Valid {
		loc.ActivityID = locActivityID.String
		la.Location = &loc
	}
	return &la, nil
}

// UserActivities returns all activities for a user on a server, oldest
// first, each joined to its location when one exists. This is the
// fingerprint builder's source query.
func (db *DB) UserActivities(ctx context.Context, serverID, userID string) ([]models.LocatedActivity, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+locatedActivityColumns+locatedActivityFrom+`
		WHERE a.server_id = ? AND a.user_id = ?
		ORDER BY a.started_at ASC`,
		serverID, userID,
	)
	metrics.ObserveDBQuery("select", "activities", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query user activities: %w", err)
	}
	defer rows.Close()

	var out []models.LocatedActivity
	for rows.Next() {
		la, err := scanLocatedActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		out = append(out, *la)
	}
	return out, rows.Err()
}

// LastLocatedActivity returns the user's most recent public-IP geolocated
// activity strictly before the given activity (by timestamp, excluding the
// activity itself). Returns nil when the user has no prior located activity.
func (db *DB) LastLocatedActivity(ctx context.Context, serverID, userID string, before time.Time, excludeActivityID string) (*models.LocatedActivity, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+locatedActivityColumns+locatedActivityFrom+`
		WHERE a.server_id = ? AND a.user_id = ?
			AND a.started_at <= ?
			AND a.id <> ?
			AND l.activity_id IS NOT NULL
			AND l.is_private_ip = FALSE
		ORDER BY a.started_at DESC
		LIMIT 1`,
		serverID, userID, before.UTC(), excludeActivityID,
	)

	la, err := scanLocatedActivity(row)
	metrics.ObserveDBQuery("select", "activities", start, err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last located activity: %w", err)
	}
	return la, nil
}

// ActiveSessions returns the user's public-IP geolocated activities that
// started within the trailing window, most recent first. Used by the
// concurrent-streams rule.
func (db *DB) ActiveSessions(ctx context.Context, serverID, userID string, since time.Time) ([]models.LocatedActivity, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+locatedActivityColumns+locatedActivityFrom+`
		WHERE a.server_id = ? AND a.user_id = ?
			AND a.started_at >= ?
			AND l.activity_id IS NOT NULL
			AND l.is_private_ip = FALSE
		ORDER BY a.started_at DESC`,
		serverID, userID, since.UTC(),
	)
	metrics.ObserveDBQuery("select", "activities", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer rows.Close()

	var out []models.LocatedActivity
	for rows.Next() {
		la, err := scanLocatedActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *la)
	}
	return out, rows.Err()
}

// UniqueLocations returns a user's distinct (country, city) pairs with
// session counts, public IPs only, most recently seen first.
func (db *DB) UniqueLocations(ctx context.Context, serverID, userID string) ([]models.UniqueLocation, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT
			COALESCE(l.country_code, '') AS country_code,
			COALESCE(l.country, '') AS country,
			COALESCE(l.city, '') AS city,
			COUNT(*) AS session_count,
			MAX(a.started_at) AS last_seen_at
		FROM activities a
		JOIN activity_locations l ON l.activity_id = a.id
		WHERE a.server_id = ? AND a.user_id = ? AND l.is_private_ip = FALSE
		GROUP BY 1, 2, 3
		ORDER BY last_seen_at DESC`,
		serverID, userID,
	)
	metrics.ObserveDBQuery("select", "activity_locations", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query unique locations: %w", err)
	}
	defer rows.Close()

	var out []models.UniqueLocation
	for rows.Next() {
		var ul models.UniqueLocation
		if err := rows.Scan(&ul.CountryCode, &ul.Country, &ul.City, &ul.SessionCount, &ul.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan unique location: %w", err)
		}
		out = append(out, ul)
	}
	return out, rows.Err()
}

// LocationHistory returns a user's geolocated activities ordered by the
// activity's timestamp, most recent first. Location rows may be backfilled
// out of order, so ordering by the location row's own creation time would
// interleave history incorrectly.
func (db *DB) LocationHistory(ctx context.Context, serverID, userID string, limit int) ([]models.LocatedActivity, error) {
	if limit <= 0 {
		limit = 100
	}

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+locatedActivityColumns+locatedActivityFrom+`
		WHERE a.server_id = ? AND a.user_id = ?
			AND l.activity_id IS NOT NULL
			AND l.is_private_ip = FALSE
		ORDER BY a.started_at DESC
		LIMIT ?`,
		serverID, userID, limit,
	)
	metrics.ObserveDBQuery("select", "activity_locations", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query location history: %w", err)
	}
	defer rows.Close()

	var out []models.LocatedActivity
	for rows.Next() {
		la, err := scanLocatedActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		out = append(out, *la)
	}
	return out, rows.Err()
}

// ServerLocationPoints returns server-wide activity aggregated per
// coordinate+city, with the contributing users for each point.
func (db *DB) ServerLocationPoints(ctx context.Context, serverID string) ([]models.LocationPoint, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT
			l.latitude,
			l.longitude,
			COALESCE(l.city, '') AS city,
			COALESCE(l.country, '') AS country,
			COUNT(*) AS session_count,
			string_agg(DISTINCT a.user_id, ',') AS user_ids
		FROM activities a
		JOIN activity_locations l ON l.activity_id = a.id
		WHERE a.server_id = ? AND l.is_private_ip = FALSE
		GROUP BY 1, 2, 3, 4
		ORDER BY session_count DESC`,
		serverID,
	)
	metrics.ObserveDBQuery("select", "activity_locations", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query location points: %w", err)
	}
	defer rows.Close()

	var out []models.LocationPoint
	for rows.Next() {
		var pt models.LocationPoint
		var users sql.NullString
		if err := rows.Scan(&pt.Latitude, &pt.Longitude, &pt.City, &pt.Country, &pt.SessionCount, &users); err != nil {
			return nil, fmt.Errorf("failed to scan location point: %w", err)
		}
		if users.Valid && users.String != "" {
			pt.UserIDs = strings.Split(users.String, ",")
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// LocationSummary returns per-server location and anomaly counts.
func (db *DB) LocationSummary(ctx context.Context, serverID string) (*models.LocationSummary, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM activities a JOIN activity_locations l ON l.activity_id = a.id
				WHERE a.server_id = ? AND l.is_private_ip = FALSE),
			(SELECT COUNT(*) FROM activities a JOIN activity_locations l ON l.activity_id = a.id
				WHERE a.server_id = ? AND l.is_private_ip = TRUE),
			(SELECT COUNT(*) FROM activities a LEFT JOIN activity_locations l ON l.activity_id = a.id
				WHERE a.server_id = ? AND l.activity_id IS NULL),
			(SELECT COUNT(DISTINCT l.country_code) FROM activities a JOIN activity_locations l ON l.activity_id = a.id
				WHERE a.server_id = ? AND l.is_private_ip = FALSE),
			(SELECT COUNT(DISTINCT l.country_code || '/' || COALESCE(l.city, '')) FROM activities a JOIN activity_locations l ON l.activity_id = a.id
				WHERE a.server_id = ? AND l.is_private_ip = FALSE),
			(SELECT COUNT(*) FROM anomaly_events WHERE server_id = ? AND resolved = FALSE),
			(SELECT COUNT(*) FROM anomaly_events WHERE server_id = ? AND resolved = TRUE)`,
		serverID, serverID, serverID, serverID, serverID, serverID, serverID,
	)

	var s models.LocationSummary
	err := row.Scan(
		&s.LocatedActivities, &s.PrivateIPActivities, &s.PendingActivities,
		&s.UniqueCountries, &s.UniqueCities,
		&s.OpenAnomalies, &s.ResolvedAnomalies,
	)
	metrics.ObserveDBQuery("select", "activity_locations", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query location summary: %w", err)
	}
	return &s, nil
}

// PendingActivities returns activities that have no location row yet,
// oldest first, for the geolocation backfill.
func (db *DB) PendingActivities(ctx context.Context, serverID string, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		limit = 500
	}

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT a.id, a.server_id, a.user_id,
			COALESCE(a.device_id, ''), COALESCE(a.device_name, ''),
			COALESCE(a.client_name, ''), COALESCE(a.ip_address, ''),
			a.started_at
		FROM activities a
		LEFT JOIN activity_locations l ON l.activity_id = a.id
		WHERE a.server_id = ? AND l.activity_id IS NULL
		ORDER BY a.started_at ASC
		LIMIT ?`,
		serverID, limit,
	)
	metrics.ObserveDBQuery("select", "activities", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending activities: %w", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.ServerID, &a.UserID, &a.DeviceID, &a.DeviceName, &a.ClientName, &a.IPAddress, &a.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DistinctUserIDs returns every user with at least one activity on the server.
func (db *DB) DistinctUserIDs(ctx context.Context, serverID string) ([]string, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM activities WHERE server_id = ? ORDER BY user_id`,
		serverID,
	)
	metrics.ObserveDBQuery("select", "activities", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DistinctServerIDs returns every server with recorded activity.
func (db *DB) DistinctServerIDs(ctx context.Context) ([]string, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT server_id FROM activities ORDER BY server_id`,
	)
	metrics.ObserveDBQuery("select", "activities", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct servers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan server id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetActivity returns one activity with its location, or ErrNotFound.
func (db *DB) GetActivity(ctx context.Context, serverID, activityID string) (*models.LocatedActivity, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+locatedActivityColumns+locatedActivityFrom+`
		WHERE a.server_id = ? AND a.id = ?`,
		serverID, activityID,
	)

	la, err := scanLocatedActivity(row)
	metrics.ObserveDBQuery("select", "activities", start, err)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	return la, nil
}
