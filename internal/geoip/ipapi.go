// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package geoip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/streamsentry/streamsentry/internal/metrics"
)

const (
	ipapiBaseURL = "http://ip-api.com/json"
	// Requested fields keep responses small and stable across API changes.
	ipapiFields = "status,message,country,countryCode,regionName,city,lat,lon,timezone,query"

	// Free tier allows 45 requests per minute per source IP.
	ipapiRequestsPerMinute = 45

	ipapiRequestTimeout = 10 * time.Second
)

// IPAPIProvider resolves locations via the ip-api.com web service. Requests
// are rate limited to the free tier quota and guarded by a circuit breaker
// so a service outage degrades to ErrUnavailable instead of piling up
// timed-out requests.
type IPAPIProvider struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*Result]
	baseURL string
}

type ipapiResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
	Query       string  `json:"query"`
}

// NewIPAPIProvider constructs a provider against the public ip-api.com
// endpoint.
func NewIPAPIProvider() *IPAPIProvider {
	return newIPAPIProvider(ipapiBaseURL)
}

func newIPAPIProvider(baseURL string) *IPAPIProvider {
	p := &IPAPIProvider{
		client:  &http.Client{Timeout: ipapiRequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(float64(ipapiRequestsPerMinute)/60.0), 5),
		baseURL: baseURL,
	}
	p.breaker = gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:     "ipapi",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return p
}

// SetRateLimit adjusts the requests-per-minute cap. The free ip-api.com
// tier allows 45; paid tiers allow more.
func (p *IPAPIProvider) SetRateLimit(perMinute int) {
	if perMinute > 0 {
		p.limiter.SetLimit(rate.Limit(float64(perMinute) / 60.0))
	}
}

// Name implements Provider.
func (p *IPAPIProvider) Name() string { return "ipapi" }

// IsAvailable implements Provider.
func (p *IPAPIProvider) IsAvailable() bool {
	return p.breaker.State() != gobreaker.StateOpen
}

// Lookup implements Provider.
func (p *IPAPIProvider) Lookup(ctx context.Context, ipAddress string) (*Result, error) {
	if err := validateLookup(ipAddress); err != nil {
		metrics.GeoIPLookups.WithLabelValues(p.Name(), "private").Inc()
		return nil, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	result, err := p.breaker.Execute(func() (*Result, error) {
		return p.fetch(ctx, ipAddress)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.GeoIPLookups.WithLabelValues(p.Name(), "error").Inc()
			return nil, fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
		}
		metrics.GeoIPLookups.WithLabelValues(p.Name(), "error").Inc()
		return nil, err
	}

	metrics.GeoIPLookups.WithLabelValues(p.Name(), "ok").Inc()
	return result, nil
}

func (p *IPAPIProvider) fetch(ctx context.Context, ipAddress string) (*Result, error) {
	url := fmt.Sprintf("%s/%s?fields=%s", p.baseURL, ipAddress, ipapiFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ip-api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ip-api returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("reading ip-api response: %w", err)
	}

	var apiResp ipapiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("decoding ip-api response: %w", err)
	}

	if apiResp.Status != "success" {
		return nil, fmt.Errorf("ip-api lookup failed for %s: %s", ipAddress, apiResp.Message)
	}

	return &Result{
		IPAddress:   ipAddress,
		CountryCode: apiResp.CountryCode,
		Country:     apiResp.Country,
		Region:      apiResp.RegionName,
		City:        apiResp.City,
		Latitude:    apiResp.Lat,
		Longitude:   apiResp.Lon,
		Timezone:    apiResp.Timezone,
	}, nil
}
