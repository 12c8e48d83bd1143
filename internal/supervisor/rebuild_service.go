// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package supervisor

import (
	"context"
	"time"

	"github.com/streamsentry/streamsentry/internal/logging"
)

// ServerLister enumerates the servers with recorded activity.
type ServerLister interface {
	DistinctServerIDs(ctx context.Context) ([]string, error)
}

// Rebuilder recomputes every fingerprint on one server.
type Rebuilder interface {
	RebuildAll(ctx context.Context, serverID string) (int, error)
}

// RebuildService periodically recomputes all fingerprints so profiles
// pick up activity ingested while detection was disabled or failing.
// The first pass runs one interval after startup, not immediately.
type RebuildService struct {
	servers  ServerLister
	builder  Rebuilder
	interval time.Duration
}

// NewRebuildService builds the scheduler.
func NewRebuildService(servers ServerLister, builder Rebuilder, interval time.Duration) *RebuildService {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RebuildService{servers: servers, builder: builder, interval: interval}
}

// Serve implements suture.Service.
func (s *RebuildService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

func (s *RebuildService) runPass(ctx context.Context) {
	serverIDs, err := s.servers.DistinctServerIDs(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Fingerprint rebuild pass failed to list servers")
		return
	}

	for _, serverID := range serverIDs {
		count, err := s.builder.RebuildAll(ctx, serverID)
		if err != nil {
			logging.Error().Err(err).
				Str("server_id", serverID).
				Msg("Scheduled fingerprint rebuild failed")
			continue
		}
		logging.Info().
			Str("server_id", serverID).
			Int("users", count).
			Msg("Scheduled fingerprint rebuild complete")
	}
}

// String implements fmt.Stringer for suture's event log.
func (s *RebuildService) String() string { return "fingerprint-rebuild" }
