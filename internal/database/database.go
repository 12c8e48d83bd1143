// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package database is the persistence boundary: DuckDB-backed stores for
// activities, activity locations, user fingerprints, and anomaly events.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver

	"github.com/streamsentry/streamsentry/internal/logging"
)

// ErrNotFound is returned by point reads when no row matches.
var ErrNotFound = errors.New("not found")

// DB wraps the DuckDB connection and implements the store interfaces
// consumed by fingerprinting, detection, and the API layer.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) a DuckDB database at path and ensures
// the schema exists. An empty path opens an in-memory database.
func Open(path string) (*DB, error) {
	connStr := path
	if connStr == "" {
		connStr = ":memory:"
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// DuckDB handles concurrency internally via MVCC; a single connection
	// avoids write-write transaction conflicts between pooled connections.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.createSchema(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	logging.Info().Str("path", path).Msg("database opened")
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// createSchema creates all tables and indexes if they do not exist.
func (db *DB) createSchema(ctx context.Context) error {
	queries := []string{
		`CREATE SEQUENCE IF NOT EXISTS seq_anomaly_rowid START 1`,

		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			device_id TEXT,
			device_name TEXT,
			client_name TEXT,
			ip_address TEXT,
			started_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_activities_server_user
			ON activities (server_id, user_id, started_at)`,

		`CREATE TABLE IF NOT EXISTS activity_locations (
			activity_id TEXT PRIMARY KEY,
			ip_address TEXT NOT NULL,
			country_code TEXT,
			country TEXT,
			region TEXT,
			city TEXT,
			latitude DOUBLE NOT NULL DEFAULT 0,
			longitude DOUBLE NOT NULL DEFAULT 0,
			timezone TEXT,
			is_private_ip BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS user_fingerprints (
			user_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			known_countries JSON NOT NULL,
			known_cities JSON NOT NULL,
			known_device_ids JSON NOT NULL,
			known_clients JSON NOT NULL,
			location_patterns JSON NOT NULL,
			device_patterns JSON NOT NULL,
			hour_histogram JSON NOT NULL,
			avg_sessions_per_day DOUBLE NOT NULL DEFAULT 0,
			total_sessions INTEGER NOT NULL DEFAULT 0,
			last_calculated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, server_id)
		)`,

		`CREATE TABLE IF NOT EXISTS anomaly_events (
			rowid BIGINT DEFAULT nextval('seq_anomaly_rowid'),
			id TEXT NOT NULL UNIQUE,
			user_id TEXT,
			server_id TEXT NOT NULL,
			activity_id TEXT,
			anomaly_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			details JSON NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_at TIMESTAMP,
			resolved_by TEXT,
			resolution_note TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		// Idempotence guard: at most one anomaly per (activity, type).
		// Server-wide anomalies carry no activity_id and are exempt.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_anomaly_activity_type
			ON anomaly_events (activity_id, anomaly_type)`,

		`CREATE INDEX IF NOT EXISTS idx_anomaly_server_created
			ON anomaly_events (server_id, created_at)`,
	}

	for _, q := range queries {
		if _, err := db.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

// nullStr converts an empty string to a SQL NULL.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// strOrEmpty unwraps a nullable string column.
func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
