// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/models"
)

const (
	defaultAnomalyLimit = 100
	maxAnomalyLimit     = 1000
)

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Note       string `json:"note"`
}

type resolveByIDsRequest struct {
	AnomalyIDs []string `json:"anomaly_ids"`
	ResolvedBy string   `json:"resolved_by"`
	Note       string   `json:"note"`
}

// ListAnomalies returns filtered anomalies for a server together with
// the severity breakdown and result count.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	filter, err := anomalyFilterFromQuery(r, serverID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error(), nil)
		return
	}

	anomalies, breakdown, err := h.anomalies.ListAnomalies(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "QUERY_FAILED", "failed to list anomalies", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": anomalies,
		"breakdown": breakdown,
		"count":     len(anomalies),
	})
}

// Resolve marks a single anomaly resolved. Resolving an already-resolved
// anomaly refreshes the resolution fields.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	anomalyID := chi.URLParam(r, "anomalyID")

	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", err)
		return
	}

	found, err := h.anomalies.ResolveAnomaly(r.Context(), serverID, anomalyID, req.ResolvedBy, req.Note)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "UPDATE_FAILED", "failed to resolve anomaly", err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "anomaly not found", nil)
		return
	}

	metrics.AnomalyResolutions.WithLabelValues("resolve").Inc()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"anomaly_id": anomalyID,
		"resolved":   true,
	})
}

// Unresolve reopens a previously resolved anomaly.
func (h *Handler) Unresolve(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	anomalyID := chi.URLParam(r, "anomalyID")

	found, err := h.anomalies.UnresolveAnomaly(r.Context(), serverID, anomalyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "UPDATE_FAILED", "failed to unresolve anomaly", err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "anomaly not found", nil)
		return
	}

	metrics.AnomalyResolutions.WithLabelValues("unresolve").Inc()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"anomaly_id": anomalyID,
		"resolved":   false,
	})
}

// ResolveAll marks every open anomaly on the server resolved.
func (h *Handler) ResolveAll(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", err)
		return
	}

	count, err := h.anomalies.ResolveAllAnomalies(r.Context(), serverID, req.ResolvedBy, req.Note)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "UPDATE_FAILED", "failed to resolve anomalies", err)
		return
	}

	metrics.AnomalyResolutions.WithLabelValues("resolve_all").Add(float64(count))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"resolved_count": count,
	})
}

// ResolveByIDs marks the named anomalies resolved. IDs that do not exist
// on the server are skipped; the response reports how many rows changed.
func (h *Handler) ResolveByIDs(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	var req resolveByIDsRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", err)
		return
	}
	if len(req.AnomalyIDs) == 0 {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "anomaly_ids must not be empty", nil)
		return
	}

	count, err := h.anomalies.ResolveAnomaliesByIDs(r.Context(), serverID, req.AnomalyIDs, req.ResolvedBy, req.Note)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "UPDATE_FAILED", "failed to resolve anomalies", err)
		return
	}

	metrics.AnomalyResolutions.WithLabelValues("resolve_by_ids").Add(float64(count))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"requested_count": len(req.AnomalyIDs),
		"resolved_count":  count,
	})
}

func anomalyFilterFromQuery(r *http.Request, serverID string) (models.AnomalyFilter, error) {
	filter := models.AnomalyFilter{
		ServerID: serverID,
		UserID:   r.URL.Query().Get("user_id"),
		Resolved: boolParam(r, "resolved"),
		DateFrom: timeParam(r, "date_from"),
		DateTo:   timeParam(r, "date_to"),
		Limit:    intParam(r, "limit", defaultAnomalyLimit),
		Offset:   intParam(r, "offset", 0),
	}
	if filter.Limit <= 0 || filter.Limit > maxAnomalyLimit {
		filter.Limit = defaultAnomalyLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	if raw := r.URL.Query().Get("severity"); raw != "" {
		sev := models.Severity(raw)
		if models.SeverityRank(sev) == 0 {
			return filter, fmt.Errorf("unknown severity %q", raw)
		}
		filter.Severity = &sev
	}

	for _, raw := range listParam(r, "types") {
		t := models.AnomalyType(raw)
		switch t {
		case models.AnomalyImpossibleTravel, models.AnomalyNewCountry, models.AnomalyNewDevice,
			models.AnomalyConcurrentStreams, models.AnomalyNewLocation:
			filter.Types = append(filter.Types, t)
		default:
			return filter, fmt.Errorf("unknown anomaly type %q", raw)
		}
	}

	return filter, nil
}
