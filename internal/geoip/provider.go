// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package geoip resolves IP addresses to geographic locations. Two backends
// are provided: a local MaxMind database (mmdb) and the ip-api.com web
// service. Private and otherwise non-routable addresses are detected locally
// and never sent to a backend.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
)

// ErrPrivateIP is returned for addresses in reserved/non-routable ranges.
// Callers record these activities with is_private_ip set instead of a
// location; this is expected steady-state behavior, not a failure.
var ErrPrivateIP = errors.New("private or non-routable ip address")

// ErrUnavailable is returned when the provider cannot serve lookups
// (missing database, open circuit breaker).
var ErrUnavailable = errors.New("geoip provider unavailable")

// Result is one successful geolocation resolution.
type Result struct {
	IPAddress   string
	CountryCode string
	Country     string
	Region      string
	City        string
	Latitude    float64
	Longitude   float64
	Timezone    string
}

// Provider is the lookup boundary consumed by ingestion and backfill.
type Provider interface {
	// Lookup resolves an IP address. Returns ErrPrivateIP for non-routable
	// addresses and ErrUnavailable when the backend cannot be reached.
	Lookup(ctx context.Context, ipAddress string) (*Result, error)

	// Name identifies the provider for logging and metrics.
	Name() string

	// IsAvailable reports whether the provider is configured and usable.
	IsAvailable() bool
}

// IsPrivateIP reports whether the address is in a reserved, loopback,
// link-local, or otherwise non-routable range.
func IsPrivateIP(ipAddress string) bool {
	addr, err := netip.ParseAddr(ipAddress)
	if err != nil {
		// Unparseable addresses are treated as private: they must never
		// reach an external lookup service.
		return true
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast()
}

// validateLookup rejects empty and private addresses before a backend call.
func validateLookup(ipAddress string) error {
	if ipAddress == "" {
		return fmt.Errorf("%w: empty address", ErrPrivateIP)
	}
	if IsPrivateIP(ipAddress) {
		return ErrPrivateIP
	}
	return nil
}
