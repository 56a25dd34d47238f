// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

// Package geoip resolves IP addresses to coarse locations for session
// enrichment. The production provider is the free ip-api.com service, rate
// limited below its 45 requests/minute cap.
package geoip

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/mementofilms/backoffice/internal/config"
	"github.com/mementofilms/backoffice/internal/metrics"
	"github.com/mementofilms/backoffice/internal/models"
)

// Provider is a geolocation lookup service. Implementations must be safe for
// concurrent use; the enrichment manager runs lookups in parallel batches.
type Provider interface {
	// Lookup resolves one IP address. It blocks until the provider's rate
	// limiter admits the request or ctx is canceled.
	Lookup(ctx context.Context, ipAddress string) (*models.Location, error)

	// Name identifies the provider for logging and metrics.
	Name() string
}

// IPAPIProvider resolves IPs via the ip-api.com JSON endpoint.
type IPAPIProvider struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// ipAPIResponse is the subset of the ip-api.com response the service uses.
type ipAPIResponse struct {
	Status     string `json:"status"` // "success" or "fail"
	Message    string `json:"message"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
}

// NewIPAPIProvider creates an ip-api.com provider from configuration.
func NewIPAPIProvider(cfg *config.GeoIPConfig) *IPAPIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://ip-api.com/json"
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 40
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &IPAPIProvider{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		baseURL: baseURL,
	}
}

// Name returns the provider name.
func (p *IPAPIProvider) Name() string {
	return "ip-api.com"
}

// Lookup resolves one IP address via ip-api.com.
//
// Private and loopback addresses cannot be geolocated; they resolve to a
// synthetic "Local Network" location without consuming a rate-limit token.
func (p *IPAPIProvider) Lookup(ctx context.Context, ipAddress string) (*models.Location, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ipAddress)
	}
	if isPrivateIP(ip) {
		return &models.Location{Country: "Local", City: "Local Network"}, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	result, err := p.query(ctx, ipAddress)
	if err != nil {
		metrics.GeolocationLookups.WithLabelValues(p.Name(), "error").Inc()
		return nil, err
	}
	metrics.GeolocationLookups.WithLabelValues(p.Name(), "success").Inc()

	return &models.Location{
		Country: result.Country,
		Region:  result.RegionName,
		City:    result.City,
	}, nil
}

func (p *IPAPIProvider) query(ctx context.Context, ipAddress string) (*ipAPIResponse, error) {
	// The fields parameter trims the response to what the service uses.
	url := fmt.Sprintf("%s/%s?fields=status,message,country,regionName,city", p.baseURL, ipAddress)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query ip-api.com: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ip-api.com returned status %d", resp.StatusCode)
	}

	var result ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode ip-api.com response: %w", err)
	}

	if result.Status != "success" {
		return nil, fmt.Errorf("ip-api.com lookup failed: %s", result.Message)
	}
	return &result, nil
}

// isPrivateIP reports whether the IP is in a private, loopback, or link-local
// range.
func isPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
