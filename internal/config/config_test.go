// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package config

import (
	"os"
	"testing"
	"time"
)

// setEnv sets an environment variable for the test duration.
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("setenv %s: %v", key, err)
	}
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
			return
		}
		os.Unsetenv(key)
	})
}

// baseEnv sets the minimum env for a valid jwt-mode configuration.
func baseEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "GA4_PROPERTY_ID", "properties/123456789")
	setEnv(t, "JWT_SECRET", "0123456789abcdef0123456789abcdef")
	setEnv(t, "ADMIN_USERNAME", "admin")
	setEnv(t, "ADMIN_PASSWORD", "correct-horse-battery")
}

func TestLoad_Defaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.GA4.QueryTimeout != 2*time.Second {
		t.Errorf("ga4.query_timeout default: expected 2s, got %v", cfg.GA4.QueryTimeout)
	}
	if cfg.Enrichment.BatchConcurrency != 2 {
		t.Errorf("enrichment.batch_concurrency default: expected 2, got %d", cfg.Enrichment.BatchConcurrency)
	}
	if cfg.Enrichment.BreakerThreshold != 3 {
		t.Errorf("enrichment.breaker_threshold default: expected 3, got %d", cfg.Enrichment.BreakerThreshold)
	}
	if cfg.Enrichment.BreakerOpenDuration != 5*time.Minute {
		t.Errorf("enrichment.breaker_open_duration default: expected 5m, got %v", cfg.Enrichment.BreakerOpenDuration)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("server.port default: expected 8090, got %d", cfg.Server.Port)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	baseEnv(t)
	setEnv(t, "HTTP_PORT", "9000")
	setEnv(t, "LOG_LEVEL", "debug")
	setEnv(t, "CORS_ORIGINS", "https://admin.example.com, https://staging.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("HTTP_PORT override: expected 9000, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("LOG_LEVEL override: expected debug, got %q", cfg.Logging.Level)
	}
	if len(cfg.Security.CORSOrigins) != 2 {
		t.Fatalf("CORS_ORIGINS: expected 2 origins, got %v", cfg.Security.CORSOrigins)
	}
	if cfg.Security.CORSOrigins[1] != "https://staging.example.com" {
		t.Errorf("CORS_ORIGINS[1]: got %q", cfg.Security.CORSOrigins[1])
	}
}

func TestValidate_JWTSecretTooShort(t *testing.T) {
	cfg := defaultConfig()
	cfg.GA4.PropertyID = "properties/1"
	cfg.Security.JWTSecret = "short"
	cfg.Security.AdminUsername = "admin"
	cfg.Security.AdminPassword = "pw"

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for short jwt secret")
	}
}

func TestValidate_NoAuthInProduction(t *testing.T) {
	cfg := defaultConfig()
	cfg.GA4.PropertyID = "properties/1"
	cfg.Security.AuthMode = "none"
	cfg.Server.Environment = "production"

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for auth_mode=none in production")
	}
}

func TestValidate_MissingPropertyID(t *testing.T) {
	cfg := defaultConfig()
	cfg.Security.AuthMode = "none"

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing ga4.property_id")
	}
}
