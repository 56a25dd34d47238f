// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

// Package enrichment runs geolocation-enrichment jobs over stored analytics
// sessions. Jobs are deduplicated per parameter set, debounced, processed in
// small rate-friendly batches, and garbage-collected after a TTL. A
// job-level circuit breaker degrades new requests while the geolocation
// provider is misbehaving.
package enrichment

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mementofilms/backoffice/internal/config"
	"github.com/mementofilms/backoffice/internal/geoip"
	"github.com/mementofilms/backoffice/internal/logging"
	"github.com/mementofilms/backoffice/internal/metrics"
	"github.com/mementofilms/backoffice/internal/models"
)

// SessionStore is the session persistence the manager reads from and writes
// enrichment results back to. Implemented by storage.DB.
type SessionStore interface {
	GetAnalyticsSessions(ctx context.Context, params models.EnrichmentParams) ([]models.Session, error)
	UpdateSessionLocation(ctx context.Context, ipAddress string, loc models.Location) (int64, error)
}

// job is the internal job record. The embedded snapshot is what status polls
// see; key and finishedAt drive deduplication.
type job struct {
	models.EnrichmentJob

	key        string
	params     models.EnrichmentParams
	finishedAt time.Time
}

// StartResult is the outcome of a StartEnrichment call.
type StartResult struct {
	Job *models.EnrichmentJob

	// Deduplicated is true when an existing job was returned instead of a
	// new one being started.
	Deduplicated bool
}

// Manager owns the enrichment job map. All state transitions happen under a
// single mutex; the check-then-create in StartEnrichment is one critical
// section so concurrent identical requests can never race two jobs into
// existence.
type Manager struct {
	store    SessionStore
	provider geoip.Provider
	cfg      *config.EnrichmentConfig

	mu      sync.Mutex
	jobs    map[string]*job // by job ID
	byKey   map[string]*job // by dedupe key, newest job per key
	breaker *breaker

	// now and sleep are injection points for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewManager creates an enrichment job manager.
func NewManager(store SessionStore, provider geoip.Provider, cfg *config.EnrichmentConfig) *Manager {
	return &Manager{
		store:    store,
		provider: provider,
		cfg:      cfg,
		jobs:     make(map[string]*job),
		byKey:    make(map[string]*job),
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerOpenDuration),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// dedupeKey builds the job identity from the four request parameters.
func dedupeKey(p models.EnrichmentParams) string {
	return fmt.Sprintf("%s|%s|%s|%t", p.DateFrom, p.DateTo, p.Language, p.IncludeProduction)
}

// StartEnrichment starts a new job for the parameter set, or returns the
// existing one when an identical job is in flight or succeeded within the
// debounce window. While the circuit breaker is open it returns a degraded
// pseudo-job without creating any record.
func (m *Manager) StartEnrichment(params models.EnrichmentParams) (*StartResult, error) {
	key := dedupeKey(params)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.breaker.Allow() {
		logging.Warn().Str("key", key).Msg("Enrichment request degraded: circuit breaker open")
		metrics.EnrichmentJobsTotal.WithLabelValues("degraded").Inc()
		return &StartResult{Job: &models.EnrichmentJob{State: models.JobDegraded}}, nil
	}

	if existing, ok := m.byKey[key]; ok {
		switch existing.State {
		case models.JobQueued, models.JobRunning:
			// Never two concurrent jobs for one key, regardless of age.
			metrics.EnrichmentJobsTotal.WithLabelValues("deduplicated").Inc()
			snapshot := existing.EnrichmentJob
			return &StartResult{Job: &snapshot, Deduplicated: true}, nil
		case models.JobSuccess:
			// Reuse the result while the debounce window holds. A job that
			// ended in error never blocks a retry.
			if m.now().Sub(existing.finishedAt) < m.cfg.DebounceWindow {
				metrics.EnrichmentJobsTotal.WithLabelValues("deduplicated").Inc()
				snapshot := existing.EnrichmentJob
				return &StartResult{Job: &snapshot, Deduplicated: true}, nil
			}
		}
	}

	now := m.now()
	j := &job{
		EnrichmentJob: models.EnrichmentJob{
			JobID:     uuid.New().String(),
			State:     models.JobQueued,
			StartedAt: now,
			TTL:       now.Add(m.cfg.JobTTL),
		},
		key:    key,
		params: params,
	}
	m.jobs[j.JobID] = j
	m.byKey[key] = j
	metrics.EnrichmentJobsActive.Set(float64(len(m.jobs)))

	// Fire and forget: the job outlives the HTTP request that started it.
	go m.processJob(context.Background(), j)

	logging.Info().Str("job_id", j.JobID).Str("key", key).Msg("Enrichment job started")
	snapshot := j.EnrichmentJob
	return &StartResult{Job: &snapshot}, nil
}

// GetJobStatus returns a snapshot of the job, or false when it is unknown or
// already garbage-collected.
func (m *Manager) GetJobStatus(jobID string) (*models.EnrichmentJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	snapshot := j.EnrichmentJob
	return &snapshot, true
}

// GetJobStatusByParams returns a snapshot of the newest job for the parameter
// set. Pure lookup, no side effects.
func (m *Manager) GetJobStatusByParams(params models.EnrichmentParams) (*models.EnrichmentJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.byKey[dedupeKey(params)]
	if !ok {
		return nil, false
	}
	snapshot := j.EnrichmentJob
	return &snapshot, true
}

// processJob runs one enrichment job to completion. Lookup failures are
// per-IP skips; only job-level failures (the session fetch) end in error.
func (m *Manager) processJob(ctx context.Context, j *job) {
	m.mu.Lock()
	j.State = models.JobRunning
	m.mu.Unlock()

	sessions, err := m.store.GetAnalyticsSessions(ctx, j.params)
	if err != nil {
		m.finishJob(j, fmt.Errorf("fetch sessions: %w", err))
		return
	}

	ips := collectIPs(sessions)

	m.mu.Lock()
	j.TotalIPs = len(ips)
	m.mu.Unlock()

	if len(ips) == 0 {
		m.finishJob(j, nil)
		return
	}

	concurrency := m.cfg.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	for start := 0; start < len(ips); start += concurrency {
		end := start + concurrency
		if end > len(ips) {
			end = len(ips)
		}
		batch := ips[start:end]

		var wg sync.WaitGroup
		for i, ip := range batch {
			wg.Add(1)
			go func(i int, ip string) {
				defer wg.Done()
				// Stagger lookups within the batch to stay friendly to the
				// provider's per-minute limit.
				m.sleep(ctx, time.Duration(i)*m.cfg.StaggerDelay)
				err := m.enrichIP(ctx, ip)
				metrics.EnrichmentIPsProcessed.Inc()
				if err != nil {
					metrics.EnrichmentIPFailures.Inc()
				}

				// Progress advances per IP whether or not its lookup worked.
				m.mu.Lock()
				j.ProcessedIPs++
				j.Progress = j.ProcessedIPs * 100 / len(ips)
				m.mu.Unlock()
			}(i, ip)
		}
		wg.Wait()

		if end < len(ips) {
			m.sleep(ctx, m.cfg.BatchPause)
		}
	}

	m.finishJob(j, nil)
}

// enrichIP resolves one IP and writes the location to every session sharing it.
func (m *Manager) enrichIP(ctx context.Context, ip string) error {
	loc, err := m.provider.Lookup(ctx, ip)
	if err != nil {
		logging.Warn().Err(err).Str("ip", ip).Msg("Geolocation lookup failed, skipping IP")
		return err
	}

	if _, err := m.store.UpdateSessionLocation(ctx, ip, *loc); err != nil {
		logging.Error().Err(err).Str("ip", ip).Msg("Failed to persist session location")
		return err
	}
	return nil
}

// finishJob moves a job to its terminal state and feeds the circuit breaker.
// The breaker is updated before the terminal state becomes visible so a
// status poll can never observe a finished job the breaker has not counted.
// A job the sweep already removed is mutated harmlessly here: nothing holds a
// reference to it anymore.
func (m *Manager) finishJob(j *job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.breaker.RecordFailure()
		j.State = models.JobError
		j.Error = err.Error()
	} else {
		m.breaker.RecordSuccess()
		j.State = models.JobSuccess
		j.Progress = 100
	}
	j.finishedAt = m.now()

	if err != nil {
		logging.Error().Err(err).Str("job_id", j.JobID).Msg("Enrichment job failed")
		metrics.EnrichmentJobsTotal.WithLabelValues("error").Inc()
		return
	}
	logging.Info().Str("job_id", j.JobID).Int("ips", j.TotalIPs).Msg("Enrichment job completed")
	metrics.EnrichmentJobsTotal.WithLabelValues("success").Inc()
}

// collectIPs deduplicates session IPs, dropping blanks, the 0.0.0.0
// placeholder the tracking endpoint writes when anonymization is on, and
// anything that does not parse as an IP.
func collectIPs(sessions []models.Session) []string {
	seen := make(map[string]struct{}, len(sessions))
	var ips []string
	for _, s := range sessions {
		ip := s.IPAddress
		if ip == "" || ip == "0.0.0.0" {
			continue
		}
		if net.ParseIP(ip) == nil {
			continue
		}
		if _, ok := seen[ip]; ok {
			continue
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}
	return ips
}

// sweep removes jobs whose TTL has expired, regardless of state: a stuck
// queued or running job is forgotten too, bounding the job map. Its async
// work is not cancelled; a late finishJob mutates the orphaned record only.
func (m *Manager) sweep() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, j := range m.jobs {
		if now.Before(j.TTL) {
			continue
		}
		delete(m.jobs, id)
		if m.byKey[j.key] == j {
			delete(m.byKey, j.key)
		}
		logging.Debug().Str("job_id", id).Msg("Swept expired enrichment job")
	}
	metrics.EnrichmentJobsActive.Set(float64(len(m.jobs)))
}

// Serve runs the periodic garbage-collection sweep until ctx is canceled.
// It satisfies suture.Service so the manager sits in the supervision tree.
func (m *Manager) Serve(ctx context.Context) error {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// String names the manager in supervisor logs.
func (m *Manager) String() string {
	return "enrichment-manager"
}
