// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/streamsentry/streamsentry/internal/database"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// LocationPoints returns the server's aggregated location points with the
// contributing users per point.
func (h *Handler) LocationPoints(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	points, err := h.locations.ServerLocationPoints(r.Context(), serverID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "failed to load location points", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"server_id": serverID,
		"points":    points,
	})
}

// Summary returns per-server location and anomaly summary counts.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	summary, err := h.locations.LocationSummary(r.Context(), serverID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "failed to load location summary", err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// UserLocations returns a user's distinct locations with session counts.
func (h *Handler) UserLocations(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	userID := chi.URLParam(r, "userID")

	locations, err := h.locations.UniqueLocations(r.Context(), serverID, userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "failed to load user locations", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"locations": locations,
	})
}

// UserLocationHistory returns a user's location history, most recent
// activity first.
func (h *Handler) UserLocationHistory(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	userID := chi.URLParam(r, "userID")

	limit := intParam(r, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	history, err := h.locations.LocationHistory(r.Context(), serverID, userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "failed to load location history", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"history": history,
		"limit":   limit,
	})
}

// UserFingerprint returns the user's stored behavioral profile.
func (h *Handler) UserFingerprint(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	userID := chi.URLParam(r, "userID")

	fp, err := h.fingerprints.GetFingerprint(r.Context(), serverID, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "no fingerprint for this user", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "failed to load fingerprint", err)
		return
	}
	respondJSON(w, http.StatusOK, fp)
}

// RebuildUserFingerprint recomputes one user's fingerprint synchronously
// and returns the result.
func (h *Handler) RebuildUserFingerprint(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	userID := chi.URLParam(r, "userID")

	fp, err := h.builder.Rebuild(r.Context(), serverID, userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "REBUILD_FAILED", "failed to rebuild fingerprint", err)
		return
	}
	respondJSON(w, http.StatusOK, fp)
}
