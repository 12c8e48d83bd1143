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

	"github.com/goccy/go-json"

	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/models"
)

// InsertAnomaly persists a new anomaly event. The unique index on
// (activity_id, anomaly_type) makes reprocessing idempotent: a duplicate
// insert is a silent no-op and returns false. Concurrent detection of the
// same activity is therefore a safe race — the second writer loses quietly.
func (db *DB) InsertAnomaly(ctx context.Context, ev *models.AnomalyEvent) (bool, error) {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return false, fmt.Errorf("failed to encode anomaly details: %w", err)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO anomaly_events (
			id, user_id, server_id, activity_id, anomaly_type, severity,
			details, resolved, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, ?)
		ON CONFLICT (activity_id, anomaly_type) DO NOTHING`,
		ev.ID, nullStr(ev.UserID), ev.ServerID, nullStr(ev.ActivityID),
		string(ev.Type), string(ev.Severity), string(details), ev.CreatedAt.UTC(),
	)
	metrics.ObserveDBQuery("insert", "anomaly_events", start, err)
	if err != nil {
		return false, fmt.Errorf("failed to insert anomaly: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// anomalyColumns is the select list shared by anomaly reads.
const anomalyColumns = `
	id, user_id, server_id, activity_id, anomaly_type, severity, details,
	resolved, resolved_at, resolved_by, resolution_note, created_at`

// scanAnomaly scans one anomaly row, decoding the details document by its
// type tag.
func scanAnomaly(scanner interface{ Scan(dest ...interface{}) error }) (*models.AnomalyEvent, error) {
	ev := &models.AnomalyEvent{}
	var userID, activityID, resolvedBy, resolutionNote sql.NullString
	var resolvedAt sql.NullTime
	var details interface{}

	err := scanner.Scan(
		&ev.ID, &userID, &ev.ServerID, &activityID, &ev.Type, &ev.Severity, &details,
		&ev.Resolved, &resolvedAt, &resolvedBy, &resolutionNote, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.UserID = strOrEmpty(userID)
	ev.ActivityID = strOrEmpty(activityID)
	ev.ResolvedBy = strOrEmpty(resolvedBy)
	ev.ResolutionNote = strOrEmpty(resolutionNote)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		ev.ResolvedAt = &t
	}

	var raw []byte
	switch v := details.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		if raw, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("failed to re-encode details: %w", err)
		}
	}

	decoded, err := models.DecodeDetails(ev.Type, raw)
	if err != nil {
		return nil, err
	}
	ev.Details = decoded

	return ev, nil
}

// GetAnomaly returns one anomaly scoped to a server, or ErrNotFound.
func (db *DB) GetAnomaly(ctx context.Context, serverID, anomalyID string) (*models.AnomalyEvent, error) {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomaly_events WHERE server_id = ? AND id = ?`,
		serverID, anomalyID,
	)

	ev, err := scanAnomaly(row)
	metrics.ObserveDBQuery("select", "anomaly_events", start, err)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query anomaly: %w", err)
	}
	return ev, nil
}

// buildAnomalyFilter translates an AnomalyFilter into a WHERE clause and
// arguments. server_id is always the first predicate: lifecycle and list
// operations never cross server boundaries.
func buildAnomalyFilter(filter models.AnomalyFilter) (string, []interface{}) {
	clauses := []string{"server_id = ?"}
	args := []interface{}{filter.ServerID}

	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Resolved != nil {
		clauses = append(clauses, "resolved = ?")
		args = append(args, *filter.Resolved)
	}
	if filter.Severity != nil {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(*filter.Severity))
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "anomaly_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.DateFrom != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.DateFrom.UTC())
	}
	if filter.DateTo != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, filter.DateTo.UTC())
	}

	return strings.Join(clauses, " AND "), args
}

// ListAnomalies returns anomalies matching the filter, most recent first,
// plus a severity breakdown computed over the server's currently-open
// anomalies (the breakdown ignores the filter so triage counts stay stable
// while paging).
func (db *DB) ListAnomalies(ctx context.Context, filter models.AnomalyFilter) ([]models.AnomalyEvent, *models.SeverityBreakdown, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := buildAnomalyFilter(filter)
	args = append(args, limit, offset)

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomaly_events
		WHERE `+where+`
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`,
		args...,
	)
	metrics.ObserveDBQuery("select", "anomaly_events", start, err)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	var out []models.AnomalyEvent
	for rows.Next() {
		ev, err := scanAnomaly(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	breakdown, err := db.severityBreakdown(ctx, filter.ServerID)
	if err != nil {
		return nil, nil, err
	}

	return out, breakdown, nil
}

// severityBreakdown counts open anomalies per severity for one server.
func (db *DB) severityBreakdown(ctx context.Context, serverID string) (*models.SeverityBreakdown, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT severity, COUNT(*)
		FROM anomaly_events
		WHERE server_id = ? AND resolved = FALSE
		GROUP BY severity`,
		serverID,
	)
	metrics.ObserveDBQuery("select", "anomaly_events", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query severity breakdown: %w", err)
	}
	defer rows.Close()

	b := &models.SeverityBreakdown{}
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan breakdown row: %w", err)
		}
		switch models.Severity(severity) {
		case models.SeverityLow:
			b.Low = count
		case models.SeverityMedium:
			b.Medium = count
		case models.SeverityHigh:
			b.High = count
		case models.SeverityCritical:
			b.Critical = count
		}
	}
	return b, rows.Err()
}

// ResolveAnomaly transitions one anomaly Open -> Resolved. Returns false if
// the anomaly does not exist for the given server or is already resolved.
func (db *DB) ResolveAnomaly(ctx context.Context, serverID, anomalyID, resolvedBy, note string) (bool, error) {
	start := time.Now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE anomaly_events
		SET resolved = TRUE, resolved_at = ?, resolved_by = ?, resolution_note = ?
		WHERE server_id = ? AND id = ? AND resolved = FALSE`,
		time.Now().UTC(), nullStr(resolvedBy), nullStr(note),
		serverID, anomalyID,
	)
	metrics.ObserveDBQuery("update", "anomaly_events", start, err)
	if err != nil {
		return false, fmt.Errorf("failed to resolve anomaly: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		metrics.AnomalyResolutions.WithLabelValues("resolve").Inc()
	}
	return affected > 0, nil
}

// UnresolveAnomaly transitions Resolved -> Open, clearing the resolution
// fields unconditionally (an already-open anomaly also ends cleared).
// Returns false only if the anomaly does not exist for the given server.
func (db *DB) UnresolveAnomaly(ctx context.Context, serverID, anomalyID string) (bool, error) {
	start := time.Now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE anomaly_events
		SET resolved = FALSE, resolved_at = NULL, resolved_by = NULL, resolution_note = NULL
		WHERE server_id = ? AND id = ?`,
		serverID, anomalyID,
	)
	metrics.ObserveDBQuery("update", "anomaly_events", start, err)
	if err != nil {
		return false, fmt.Errorf("failed to unresolve anomaly: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		metrics.AnomalyResolutions.WithLabelValues("unresolve").Inc()
	}
	return affected > 0, nil
}

// ResolveAllAnomalies bulk-resolves every open anomaly on the server and
// returns the number affected. Already-resolved anomalies are untouched.
func (db *DB) ResolveAllAnomalies(ctx context.Context, serverID, resolvedBy, note string) (int64, error) {
	start := time.Now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE anomaly_events
		SET resolved = TRUE, resolved_at = ?, resolved_by = ?, resolution_note = ?
		WHERE server_id = ? AND resolved = FALSE`,
		time.Now().UTC(), nullStr(resolvedBy), nullStr(note), serverID,
	)
	metrics.ObserveDBQuery("update", "anomaly_events", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve all anomalies: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	metrics.AnomalyResolutions.WithLabelValues("resolve_all").Add(float64(affected))
	return affected, nil
}

// ResolveAnomaliesByIDs bulk-resolves a specific subset of open anomalies,
// still scoped by server, and returns the number affected. IDs belonging to
// other servers are silently skipped.
func (db *DB) ResolveAnomaliesByIDs(ctx context.Context, serverID string, anomalyIDs []string, resolvedBy, note string) (int64, error) {
	if len(anomalyIDs) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(anomalyIDs))
	args := []interface{}{time.Now().UTC(), nullStr(resolvedBy), nullStr(note), serverID}
	for i, id := range anomalyIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}

	start := time.Now()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE anomaly_events
		SET resolved = TRUE, resolved_at = ?, resolved_by = ?, resolution_note = ?
		WHERE server_id = ? AND resolved = FALSE
		AND id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	metrics.ObserveDBQuery("update", "anomaly_events", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve anomalies by ids: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	metrics.AnomalyResolutions.WithLabelValues("resolve_by_ids").Add(float64(affected))
	return affected, nil
}

// HasAnomalyForActivity reports whether an anomaly of the given type already
// references the activity. Detection uses this to short-circuit replays
// before building payloads; the unique index remains the hard guarantee.
func (db *DB) HasAnomalyForActivity(ctx context.Context, activityID string, anomalyType models.AnomalyType) (bool, error) {
	start := time.Now()
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomaly_events WHERE activity_id = ? AND anomaly_type = ?`,
		activityID, string(anomalyType),
	).Scan(&count)
	metrics.ObserveDBQuery("select", "anomaly_events", start, err)
	if err != nil {
		return false, fmt.Errorf("failed to check anomaly existence: %w", err)
	}
	return count > 0, nil
}
