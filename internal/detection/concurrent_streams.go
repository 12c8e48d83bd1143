// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package detection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/streamsentry/streamsentry/internal/models"
)

// ConcurrentStreamsDetector flags accounts with simultaneous sessions from
// different devices in different countries within a short trailing window.
// Two sessions on the same device, or from the same country, are normal
// multi-room or reconnect behavior and never fire.
type ConcurrentStreamsDetector struct {
	window  time.Duration
	history EventHistory
	enabled bool
	mu      sync.RWMutex
}

// NewConcurrentStreamsDetector creates the detector with the trailing
// window.
func NewConcurrentStreamsDetector(window time.Duration, history EventHistory) *ConcurrentStreamsDetector {
	return &ConcurrentStreamsDetector{window: window, history: history, enabled: true}
}

// Type returns the anomaly type.
func (d *ConcurrentStreamsDetector) Type() models.AnomalyType {
	return models.AnomalyConcurrentStreams
}

// Check evaluates the event against the concurrent-streams rule.
func (d *ConcurrentStreamsDetector) Check(ctx context.Context, event *Event) (*models.AnomalyEvent, error) {
	d.mu.RLock()
	enabled, window := d.enabled, d.window
	d.mu.RUnlock()
	if !enabled {
		return nil, nil
	}

	if !event.Activity.HasPublicLocation() {
		return nil, nil
	}

	since := event.Activity.StartedAt.Add(-window)
	sessions, err := d.history.ActiveSessions(ctx,
		event.Activity.ServerID, event.Activity.UserID, since)
	if err != nil {
		return nil, fmt.Errorf("loading active sessions: %w", err)
	}

	devices := map[string]bool{}
	countries := map[string]bool{}
	count := 0
	for i := range sessions {
		s := &sessions[i]
		if s.StartedAt.After(event.Activity.StartedAt) {
			// The window trails the activity under evaluation; later
			// sessions get their own evaluation pass.
			continue
		}
		if s.Location == nil || s.DeviceID == "" || s.Location.CountryCode == "" {
			continue
		}
		devices[s.DeviceID] = true
		countries[s.Location.CountryCode] = true
		count++
	}

	// Include the current activity in case its location row is not yet
	// visible to the history query.
	if event.Activity.DeviceID != "" && event.Activity.Location.CountryCode != "" {
		if !seenActivity(sessions, event.Activity.ID) {
			devices[event.Activity.DeviceID] = true
			countries[event.Activity.Location.CountryCode] = true
			count++
		}
	}

	if count < 2 || len(devices) < 2 || len(countries) < 2 {
		return nil, nil
	}

	return &models.AnomalyEvent{
		UserID:     event.Activity.UserID,
		ServerID:   event.Activity.ServerID,
		ActivityID: event.Activity.ID,
		Type:       models.AnomalyConcurrentStreams,
		Severity:   models.SeverityHigh,
		Details: models.AnomalyDetails{
			Description: fmt.Sprintf(
				"%d concurrent sessions from %d devices across %d countries within %.0f minutes",
				count, len(devices), len(countries), window.Minutes()),
			ConcurrentStreams: &models.ConcurrentStreamsDetails{
				SessionCount:  count,
				Countries:     sortedSet(countries),
				DeviceIDs:     sortedSet(devices),
				WindowMinutes: int(window.Minutes()),
			},
		},
	}, nil
}

// Enabled returns whether this detector is enabled.
func (d *ConcurrentStreamsDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *ConcurrentStreamsDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

func seenActivity(sessions []models.LocatedActivity, activityID string) bool {
	for i := range sessions {
		if sessions[i].ID == activityID {
			return true
		}
	}
	return false
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
