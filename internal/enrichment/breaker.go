// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package enrichment

import (
	"sync"
	"time"

	"github.com/mementofilms/backoffice/internal/logging"
	"github.com/mementofilms/backoffice/internal/metrics"
)

// breaker is the job-level circuit breaker protecting the geolocation
// provider from repeated failing enrichment runs.
//
// Unlike a request-level breaker it counts whole-job failures, opens after a
// fixed threshold, and closes purely by elapsed time: the first Allow call
// after the cooldown window closes the circuit and resets the count. There is
// no trial-request half-open state; a degraded response to the caller is the
// designed behavior while open, so there is nothing to probe.
type breaker struct {
	mu sync.Mutex

	threshold    int
	openDuration time.Duration

	failures int
	openedAt time.Time
	open     bool

	now func() time.Time
}

const breakerName = "enrichment"

func newBreaker(threshold int, openDuration time.Duration) *breaker {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	return &breaker{
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Allow reports whether a new job may start. When the cooldown window has
// elapsed the breaker closes and the failure count resets before answering.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}

	if b.now().Sub(b.openedAt) >= b.openDuration {
		b.open = false
		b.failures = 0
		logging.Info().Msg("[CIRCUIT BREAKER] Enrichment circuit closed after cooldown")
		metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
		metrics.CircuitBreakerTransitions.WithLabelValues(breakerName, "open", "closed").Inc()
		return true
	}

	return false
}

// RecordFailure counts one failed job and opens the circuit at the threshold.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	metrics.CircuitBreakerFailures.WithLabelValues(breakerName).Set(float64(b.failures))

	if !b.open && b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
		logging.Warn().Int("failures", b.failures).Dur("cooldown", b.openDuration).Msg("[CIRCUIT BREAKER] Enrichment circuit opened")
		metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(2)
		metrics.CircuitBreakerTransitions.WithLabelValues(breakerName, "closed", "open").Inc()
	}
}

// RecordSuccess resets the failure count after a completed job.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	metrics.CircuitBreakerFailures.WithLabelValues(breakerName).Set(0)
}
