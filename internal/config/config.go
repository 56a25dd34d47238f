// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

// Package config loads and validates service configuration from layered
// sources (built-in defaults, optional YAML file, environment variables)
// using Koanf v2.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the back-office server.
type Config struct {
	GA4        GA4Config        `koanf:"ga4"`
	Database   DatabaseConfig   `koanf:"database"`
	GeoIP      GeoIPConfig      `koanf:"geoip"`
	Enrichment EnrichmentConfig `koanf:"enrichment"`
	Server     ServerConfig     `koanf:"server"`
	Security   SecurityConfig   `koanf:"security"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// GA4Config configures the Google Analytics 4 Data API client.
type GA4Config struct {
	// PropertyID is the numeric GA4 property, e.g. "properties/123456789"
	// or the bare number.
	PropertyID string `koanf:"property_id" validate:"required"`

	// AccessToken is the OAuth2 bearer token used against the Data API.
	// Token refresh is owned by the deployment environment.
	AccessToken string `koanf:"access_token"`

	// BaseURL overrides the Data API endpoint, used in tests.
	BaseURL string `koanf:"base_url"`

	// QueryTimeout is the hard per-query budget. Queries exceeding it fail;
	// callers never receive a silently substituted zero.
	QueryTimeout time.Duration `koanf:"query_timeout"`

	// LocaleDimension is the custom event dimension carrying the site locale.
	LocaleDimension string `koanf:"locale_dimension"`
}

// DatabaseConfig configures the DuckDB session store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// GeoIPConfig configures the external geolocation lookup service.
type GeoIPConfig struct {
	// BaseURL of the ip-api.com compatible lookup endpoint.
	BaseURL string `koanf:"base_url"`

	// RequestsPerMinute caps outbound lookups below the provider's free-tier
	// limit (ip-api.com allows 45/min).
	RequestsPerMinute int `koanf:"requests_per_minute"`

	Timeout time.Duration `koanf:"timeout"`
}

// EnrichmentConfig tunes the enrichment job manager.
type EnrichmentConfig struct {
	// DebounceWindow coalesces repeated identical requests into one job.
	DebounceWindow time.Duration `koanf:"debounce_window"`

	// JobTTL bounds how long finished jobs stay visible to status polls.
	JobTTL time.Duration `koanf:"job_ttl"`

	// SweepInterval is how often expired jobs are garbage-collected.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// BatchConcurrency is the number of concurrent geolocation lookups.
	BatchConcurrency int `koanf:"batch_concurrency" validate:"min=1"`

	// StaggerDelay spreads lookups within a batch (delay x index).
	StaggerDelay time.Duration `koanf:"stagger_delay"`

	// BatchPause is the pause between batches.
	BatchPause time.Duration `koanf:"batch_pause"`

	// BreakerThreshold is the job-level failure count that opens the breaker.
	BreakerThreshold int `koanf:"breaker_threshold" validate:"min=1"`

	// BreakerOpenDuration is the fixed cooldown window while open.
	BreakerOpenDuration time.Duration `koanf:"breaker_open_duration"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment" validate:"oneof=development production"`
}

// SecurityConfig configures authentication and per-client rate limiting.
type SecurityConfig struct {
	// AuthMode is "jwt" or "none" (development only).
	AuthMode string `koanf:"auth_mode" validate:"oneof=jwt none"`

	JWTSecret      string        `koanf:"jwt_secret"`
	SessionTimeout time.Duration `koanf:"session_timeout"`
	AdminUsername  string        `koanf:"admin_username"`
	// AdminPassword holds a bcrypt hash in production; a plaintext value is
	// hashed at startup for development convenience.
	AdminPassword string `koanf:"admin_password"`

	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig configures the zerolog global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks structural constraints (via validator tags) and the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Security.AuthMode == "jwt" {
		if len(c.Security.JWTSecret) < 32 {
			return fmt.Errorf("security.jwt_secret must be at least 32 characters when auth_mode=jwt")
		}
		if c.Security.AdminUsername == "" || c.Security.AdminPassword == "" {
			return fmt.Errorf("security.admin_username and security.admin_password are required when auth_mode=jwt")
		}
	}
	if c.Server.Environment == "production" && c.Security.AuthMode == "none" {
		return fmt.Errorf("auth_mode=none is not allowed in production")
	}

	if c.GA4.QueryTimeout <= 0 {
		return fmt.Errorf("ga4.query_timeout must be positive")
	}

	return nil
}
