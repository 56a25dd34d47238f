// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package ga4

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mementofilms/backoffice/internal/logging"
	"github.com/mementofilms/backoffice/internal/metrics"
)

// BreakerClient wraps a DataAPI with a circuit breaker so a slow or failing
// analytics API cannot cascade into every dashboard request.
//
// The breaker uses real time (via sony/gobreaker) for its interval and
// timeout calculations. Tests should exercise the wrapped client directly.
type BreakerClient struct {
	api  DataAPI
	cb   *gobreaker.CircuitBreaker[*ReportResponse]
	name string
}

// NewBreakerClient wraps api with circuit breaker protection.
// Configuration:
//   - Max 3 concurrent requests in half-open state
//   - 1 minute measurement window
//   - 2 minute timeout before attempting recovery
//   - Opens after 60% failure rate with minimum 10 requests
func NewBreakerClient(api DataAPI) *BreakerClient {
	cbName := "ga4-data-api"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed
	metrics.CircuitBreakerFailures.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[*ReportResponse](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_rate", failureRatio*100).Msg("[CIRCUIT BREAKER] Opening ga4 circuit")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := breakerStateString(from)
			toStr := breakerStateString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
			if to == gobreaker.StateClosed {
				metrics.CircuitBreakerFailures.WithLabelValues(name).Set(0)
			}
		},
	})

	return &BreakerClient{api: api, cb: cb, name: cbName}
}

// RunReport executes a report query with circuit breaker protection.
func (b *BreakerClient) RunReport(ctx context.Context, req *ReportRequest) (*ReportResponse, error) {
	resp, err := b.cb.Execute(func() (*ReportResponse, error) {
		return b.api.RunReport(ctx, req)
	})
	if err != nil {
		counts := b.cb.Counts()
		metrics.CircuitBreakerFailures.WithLabelValues(b.name).Set(float64(counts.ConsecutiveFailures))
		return nil, err
	}

	metrics.CircuitBreakerFailures.WithLabelValues(b.name).Set(0)
	return resp, nil
}

// breakerStateFloat converts breaker state to a metric value.
func breakerStateFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// breakerStateString converts breaker state to a string for logging.
func breakerStateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
