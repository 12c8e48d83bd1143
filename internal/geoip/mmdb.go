// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package geoip

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"github.com/streamsentry/streamsentry/internal/metrics"
)

// MMDBProvider resolves locations from a local MaxMind GeoLite2/GeoIP2
// City database. Lookups are purely local, so no rate limiting or circuit
// breaking applies.
type MMDBProvider struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
	path   string
}

// NewMMDBProvider opens the City database at path.
func NewMMDBProvider(path string) (*MMDBProvider, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database %s: %w", path, err)
	}
	return &MMDBProvider{reader: reader, path: path}, nil
}

// Name implements Provider.
func (p *MMDBProvider) Name() string { return "mmdb" }

// IsAvailable implements Provider.
func (p *MMDBProvider) IsAvailable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reader != nil
}

// Lookup implements Provider.
func (p *MMDBProvider) Lookup(_ context.Context, ipAddress string) (*Result, error) {
	if err := validateLookup(ipAddress); err != nil {
		metrics.GeoIPLookups.WithLabelValues(p.Name(), "private").Inc()
		return nil, err
	}

	p.mu.RLock()
	reader := p.reader
	p.mu.RUnlock()
	if reader == nil {
		metrics.GeoIPLookups.WithLabelValues(p.Name(), "error").Inc()
		return nil, ErrUnavailable
	}

	ip := net.ParseIP(ipAddress)
	if ip == nil {
		metrics.GeoIPLookups.WithLabelValues(p.Name(), "private").Inc()
		return nil, fmt.Errorf("%w: %s", ErrPrivateIP, ipAddress)
	}

	record, err := reader.City(ip)
	if err != nil {
		metrics.GeoIPLookups.WithLabelValues(p.Name(), "error").Inc()
		return nil, fmt.Errorf("mmdb lookup for %s: %w", ipAddress, err)
	}

	result := &Result{
		IPAddress:   ipAddress,
		CountryCode: record.Country.IsoCode,
		Country:     record.Country.Names["en"],
		City:        record.City.Names["en"],
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
		Timezone:    record.Location.TimeZone,
	}
	if len(record.Subdivisions) > 0 {
		result.Region = record.Subdivisions[0].Names["en"]
	}

	metrics.GeoIPLookups.WithLabelValues(p.Name(), "ok").Inc()
	return result, nil
}

// Close releases the underlying database reader.
func (p *MMDBProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reader == nil {
		return nil
	}
	err := p.reader.Close()
	p.reader = nil
	return err
}
