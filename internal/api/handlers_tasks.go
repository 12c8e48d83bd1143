// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/streamsentry/streamsentry/internal/backfill"
	"github.com/streamsentry/streamsentry/internal/models"
)

// IngestActivity accepts one activity, geolocates it, and runs detection
// inline. The created anomalies, if any, are returned to the caller.
func (h *Handler) IngestActivity(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	var activity models.Activity
	if err := decodeBody(r, &activity); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", err)
		return
	}

	activity.ServerID = serverID
	if activity.UserID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "user_id is required", nil)
		return
	}
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.StartedAt.IsZero() {
		activity.StartedAt = time.Now().UTC()
	}

	anomalies, err := h.ingestor.ProcessActivity(r.Context(), activity)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INGEST_FAILED", "failed to process activity", err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"activity_id": activity.ID,
		"anomalies":   anomalies,
	})
}

// TriggerBackfill schedules geolocation backfill for a server's pending
// activities. Returns 409 if one is already running for the server.
func (h *Handler) TriggerBackfill(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	handle, err := h.coordinator.TriggerBackfill(r.Context(), serverID)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, handle)
}

// TriggerFingerprintRecalc schedules a full fingerprint rebuild across
// the server's users.
func (h *Handler) TriggerFingerprintRecalc(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	handle, err := h.coordinator.TriggerFingerprintRecalc(r.Context(), serverID)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, handle)
}

func respondTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backfill.ErrAlreadyRunning):
		respondError(w, http.StatusConflict, "ALREADY_RUNNING", "a task of this kind is already running for the server", nil)
	case errors.Is(err, backfill.ErrRunnerUnavailable):
		respondError(w, http.StatusBadGateway, "RUNNER_UNAVAILABLE", "the task runner is not accepting work", err)
	default:
		respondError(w, http.StatusInternalServerError, "SCHEDULE_FAILED", "failed to schedule task", err)
	}
}
