// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package api exposes the engine over HTTP: location and fingerprint
// queries, the anomaly list with its resolution workflow, activity
// ingestion, and the backfill triggers. All routes are JSON under
// /api/v1; Prometheus metrics are served on /metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamsentry/streamsentry/internal/backfill"
	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/models"
)

// LocationReader serves the location query endpoints.
type LocationReader interface {
	UniqueLocations(ctx context.Context, serverID, userID string) ([]models.UniqueLocation, error)
	LocationHistory(ctx context.Context, serverID, userID string, limit int) ([]models.LocatedActivity, error)
	ServerLocationPoints(ctx context.Context, serverID string) ([]models.LocationPoint, error)
	LocationSummary(ctx context.Context, serverID string) (*models.LocationSummary, error)
}

// FingerprintReader serves the fingerprint query endpoint.
type FingerprintReader interface {
	GetFingerprint(ctx context.Context, serverID, userID string) (*models.UserFingerprint, error)
}

// FingerprintRebuilder serves the single-user rebuild endpoint.
type FingerprintRebuilder interface {
	Rebuild(ctx context.Context, serverID, userID string) (*models.UserFingerprint, error)
}

// AnomalyStore serves the anomaly list and lifecycle endpoints.
type AnomalyStore interface {
	ListAnomalies(ctx context.Context, filter models.AnomalyFilter) ([]models.AnomalyEvent, *models.SeverityBreakdown, error)
	ResolveAnomaly(ctx context.Context, serverID, anomalyID, resolvedBy, note string) (bool, error)
	UnresolveAnomaly(ctx context.Context, serverID, anomalyID string) (bool, error)
	ResolveAllAnomalies(ctx context.Context, serverID, resolvedBy, note string) (int64, error)
	ResolveAnomaliesByIDs(ctx context.Context, serverID string, anomalyIDs []string, resolvedBy, note string) (int64, error)
}

// TaskCoordinator serves the backfill trigger endpoints.
type TaskCoordinator interface {
	TriggerBackfill(ctx context.Context, serverID string) (*backfill.TaskHandle, error)
	TriggerFingerprintRecalc(ctx context.Context, serverID string) (*backfill.TaskHandle, error)
}

// Ingestor accepts activities for immediate geolocation and detection.
type Ingestor interface {
	ProcessActivity(ctx context.Context, activity models.Activity) ([]models.AnomalyEvent, error)
}

// Handler bundles the dependencies behind the HTTP surface.
type Handler struct {
	locations    LocationReader
	fingerprints FingerprintReader
	builder      FingerprintRebuilder
	anomalies    AnomalyStore
	coordinator  TaskCoordinator
	ingestor     Ingestor
	rateLimit    int
}

// NewHandler wires the HTTP handler set.
func NewHandler(
	locations LocationReader,
	fingerprints FingerprintReader,
	builder FingerprintRebuilder,
	anomalies AnomalyStore,
	coordinator TaskCoordinator,
	ingestor Ingestor,
) *Handler {
	return &Handler{
		locations:    locations,
		fingerprints: fingerprints,
		builder:      builder,
		anomalies:    anomalies,
		coordinator:  coordinator,
		ingestor:     ingestor,
		rateLimit:    300,
	}
}

// SetRateLimit overrides the per-IP requests-per-minute limit applied to
// the /api/v1/servers subtree. Must be called before Router.
func (h *Handler) SetRateLimit(perMinute int) {
	if perMinute > 0 {
		h.rateLimit = perMinute
	}
}

// Router assembles the chi router with the full middleware stack.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/api/v1/health", h.Health)

	r.Route("/api/v1/servers/{serverID}", func(r chi.Router) {
		r.Use(httprate.LimitByIP(h.rateLimit, time.Minute))

		r.Get("/locations/points", h.LocationPoints)
		r.Get("/locations/summary", h.Summary)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/locations", h.UserLocations)
			r.Get("/locations/history", h.UserLocationHistory)
			r.Get("/fingerprint", h.UserFingerprint)
			r.Post("/fingerprint/rebuild", h.RebuildUserFingerprint)
		})

		r.Route("/anomalies", func(r chi.Router) {
			r.Get("/", h.ListAnomalies)
			r.Post("/resolve-all", h.ResolveAll)
			r.Post("/resolve-by-ids", h.ResolveByIDs)
			r.Post("/{anomalyID}/resolve", h.Resolve)
			r.Post("/{anomalyID}/unresolve", h.Unresolve)
		})

		r.Post("/activities", h.IngestActivity)
		r.Post("/backfill", h.TriggerBackfill)
		r.Post("/fingerprints/rebuild", h.TriggerFingerprintRecalc)
	})

	return r
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// requestID attaches a correlation ID to the request context and echoes it
// in the X-Request-ID header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logging.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
