// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package fingerprint computes per-user behavioral profiles from session
// history. A rebuild is a full fold over the user's activities: the
// resulting fingerprint replaces the stored one wholesale, so a rebuild
// over unchanged history is idempotent.
package fingerprint

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/models"
)

// Store is the persistence surface the builder needs.
type Store interface {
	UserActivities(ctx context.Context, serverID, userID string) ([]models.LocatedActivity, error)
	UpsertFingerprint(ctx context.Context, fp *models.UserFingerprint) error
	DistinctUserIDs(ctx context.Context, serverID string) ([]string, error)
}

// Builder recomputes user fingerprints.
type Builder struct {
	store Store
	now   func() time.Time
}

// NewBuilder constructs a Builder backed by store.
func NewBuilder(store Store) *Builder {
	return &Builder{store: store, now: time.Now}
}

// Rebuild recomputes the fingerprint for one (server, user) pair from its
// full activity history and persists the result. Users with no recorded
// activity get an empty fingerprint rather than an error, so a rebuild
// after data deletion resets the profile.
func (b *Builder) Rebuild(ctx context.Context, serverID, userID string) (*models.UserFingerprint, error) {
	activities, err := b.store.UserActivities(ctx, serverID, userID)
	if err != nil {
		return nil, fmt.Errorf("loading activities for user %s: %w", userID, err)
	}

	fp := b.Compute(serverID, userID, activities)
	if err := b.store.UpsertFingerprint(ctx, fp); err != nil {
		return nil, fmt.Errorf("storing fingerprint for user %s: %w", userID, err)
	}

	logging.Ctx(ctx).Debug().
		Str("server_id", serverID).
		Str("user_id", userID).
		Int("total_sessions", fp.TotalSessions).
		Int("known_countries", len(fp.KnownCountries)).
		Msg("Fingerprint rebuilt")

	return fp, nil
}

// Compute folds an activity history into a fingerprint without persisting
// it. Activities must belong to the given (server, user) pair.
func (b *Builder) Compute(serverID, userID string, activities []models.LocatedActivity) *models.UserFingerprint {
	fp := &models.UserFingerprint{
		UserID:           userID,
		ServerID:         serverID,
		KnownCountries:   []string{},
		KnownCities:      []string{},
		KnownDeviceIDs:   []string{},
		KnownClients:     []string{},
		LocationPatterns: []models.LocationPattern{},
		DevicePatterns:   []models.DevicePattern{},
		LastCalculatedAt: b.now().UTC(),
	}

	countries := map[string]bool{}
	cities := map[string]bool{}
	devices := map[string]bool{}
	clients := map[string]bool{}
	days := map[string]bool{}
	locPatterns := map[string]*models.LocationPattern{}
	devPatterns := map[string]*models.DevicePattern{}

	for i := range activities {
		a := &activities[i]
		fp.TotalSessions++

		startedUTC := a.StartedAt.UTC()
		fp.HourHistogram[startedUTC.Hour()]++
		days[startedUTC.Format("2006-01-02")] = true

		if a.DeviceID != "" {
			devices[a.DeviceID] = true
			dp, ok := devPatterns[a.DeviceID]
			if !ok {
				dp = &models.DevicePattern{
					DeviceID:   a.DeviceID,
					DeviceName: a.DeviceName,
					ClientName: a.ClientName,
				}
				devPatterns[a.DeviceID] = dp
			}
			dp.SessionCount++
			if a.StartedAt.After(dp.LastSeenAt) {
				dp.LastSeenAt = a.StartedAt
				dp.DeviceName = a.DeviceName
				dp.ClientName = a.ClientName
			}
		}
		if a.ClientName != "" {
			clients[a.ClientName] = true
		}

		if !a.HasPublicLocation() {
			continue
		}
		loc := a.Location

		if loc.CountryCode != "" {
			countries[loc.CountryCode] = true
			if loc.City != "" {
				cities[models.CityKey(loc.CountryCode, loc.City)] = true
			}
		}

		key := models.CityKey(loc.CountryCode, loc.City)
		lp, ok := locPatterns[key]
		if !ok {
			lp = &models.LocationPattern{
				Country:   loc.Country,
				City:      loc.City,
				Latitude:  loc.Latitude,
				Longitude: loc.Longitude,
			}
			locPatterns[key] = lp
		}
		lp.SessionCount++
		if a.StartedAt.After(lp.LastSeenAt) {
			lp.LastSeenAt = a.StartedAt
			lp.Latitude = loc.Latitude
			lp.Longitude = loc.Longitude
		}
	}

	fp.KnownCountries = sortedKeys(countries)
	fp.KnownCities = sortedKeys(cities)
	fp.KnownDeviceIDs = sortedKeys(devices)
	fp.KnownClients = sortedKeys(clients)

	for _, lp := range locPatterns {
		fp.LocationPatterns = append(fp.LocationPatterns, *lp)
	}
	sortLocationPatterns(fp.LocationPatterns)

	for _, dp := range devPatterns {
		fp.DevicePatterns = append(fp.DevicePatterns, *dp)
	}
	sortDevicePatterns(fp.DevicePatterns)

	if len(days) > 0 {
		fp.AvgSessionsPerDay = float64(fp.TotalSessions) / float64(len(days))
	}

	return fp
}

// RebuildAll recomputes fingerprints for every user with recorded activity
// on the server. Individual user failures are logged and counted but do not
// abort the pass.
func (b *Builder) RebuildAll(ctx context.Context, serverID string) (int, error) {
	start := b.now()
	userIDs, err := b.store.DistinctUserIDs(ctx, serverID)
	if err != nil {
		return 0, fmt.Errorf("listing users for server %s: %w", serverID, err)
	}

	rebuilt := 0
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return rebuilt, err
		}
		if _, err := b.Rebuild(ctx, serverID, userID); err != nil {
			metrics.FingerprintRebuilds.WithLabelValues("error").Inc()
			logging.Ctx(ctx).Error().Err(err).
				Str("server_id", serverID).
				Str("user_id", userID).
				Msg("Fingerprint rebuild failed")
			continue
		}
		metrics.FingerprintRebuilds.WithLabelValues("ok").Inc()
		rebuilt++
	}

	metrics.FingerprintRebuildDuration.Observe(time.Since(start).Seconds())

	logging.Ctx(ctx).Info().
		Str("server_id", serverID).
		Int("users", len(userIDs)).
		Int("rebuilt", rebuilt).
		Dur("elapsed", time.Since(start)).
		Msg("Fingerprint rebuild pass complete")

	return rebuilt, nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Patterns sort by session count descending, then recency, then name, so
// the most established pattern is always first.
func sortLocationPatterns(patterns []models.LocationPattern) {
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].SessionCount != patterns[j].SessionCount {
			return patterns[i].SessionCount > patterns[j].SessionCount
		}
		if !patterns[i].LastSeenAt.Equal(patterns[j].LastSeenAt) {
			return patterns[i].LastSeenAt.After(patterns[j].LastSeenAt)
		}
		if patterns[i].Country != patterns[j].Country {
			return patterns[i].Country < patterns[j].Country
		}
		return patterns[i].City < patterns[j].City
	})
}

func sortDevicePatterns(patterns []models.DevicePattern) {
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].SessionCount != patterns[j].SessionCount {
			return patterns[i].SessionCount > patterns[j].SessionCount
		}
		if !patterns[i].LastSeenAt.Equal(patterns[j].LastSeenAt) {
			return patterns[i].LastSeenAt.After(patterns[j].LastSeenAt)
		}
		return patterns[i].DeviceID < patterns[j].DeviceID
	})
}
