// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

// Package metrics provides Prometheus instrumentation for the back-office.
// Metrics are exposed at /metrics in Prometheus text format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	// GA4 Data API metrics

	GA4QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ga4_query_duration_seconds",
			Help:    "Duration of GA4 Data API queries in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 3},
		},
		[]string{"operation"},
	)

	GA4QueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ga4_query_errors_total",
			Help: "Total number of failed GA4 Data API queries",
		},
		[]string{"operation", "error_type"}, // error_type: "timeout", "api", "decode"
	)

	GA4DegradedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ga4_degraded_responses_total",
			Help: "Aggregate queries that degraded to empty or sentinel results",
		},
		[]string{"operation"},
	)

	// Enrichment job metrics

	EnrichmentJobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrichment_jobs_active",
			Help: "Number of jobs currently tracked by the job map",
		},
	)

	EnrichmentJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_jobs_total",
			Help: "Total enrichment jobs by terminal outcome",
		},
		[]string{"outcome"}, // "success", "error", "degraded", "deduplicated"
	)

	EnrichmentIPsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enrichment_ips_processed_total",
			Help: "Total IP addresses processed by enrichment jobs",
		},
	)

	EnrichmentIPFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enrichment_ip_failures_total",
			Help: "Total per-IP lookup failures (skipped, non-fatal)",
		},
	)

	// Circuit breaker metrics (shared by the GA4 client breaker and the
	// enrichment admission breaker)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_failures",
			Help: "Current failure count tracked by the circuit breaker",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Geolocation lookup metrics

	GeolocationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolocation_lookups_total",
			Help: "Total geolocation lookups by result",
		},
		[]string{"provider", "result"}, // result: "success", "error"
	)
)
