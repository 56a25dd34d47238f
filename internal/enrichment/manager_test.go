// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mementofilms/backoffice/internal/config"
	"github.com/mementofilms/backoffice/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	sessions  []models.Session
	fetchErr  error
	fetchGate chan struct{} // when set, GetAnalyticsSessions blocks until closed
	updates   map[string]models.Location
}

func (f *fakeStore) GetAnalyticsSessions(_ context.Context, _ models.EnrichmentParams) ([]models.Session, error) {
	f.mu.Lock()
	gate := f.fetchGate
	fetchErr := f.fetchErr
	sessions := f.sessions
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	return sessions, nil
}

func (f *fakeStore) setFetchErr(err error) {
	f.mu.Lock()
	f.fetchErr = err
	f.mu.Unlock()
}

func (f *fakeStore) UpdateSessionLocation(_ context.Context, ip string, loc models.Location) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]models.Location)
	}
	f.updates[ip] = loc
	return 1, nil
}

type fakeProvider struct {
	mu      sync.Mutex
	lookups []string
	fn      func(ip string) (*models.Location, error)
}

func (f *fakeProvider) Lookup(_ context.Context, ip string) (*models.Location, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, ip)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ip)
	}
	return &models.Location{Country: "France"}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lookups)
}

func testConfig() *config.EnrichmentConfig {
	return &config.EnrichmentConfig{
		DebounceWindow:      time.Minute,
		JobTTL:              5 * time.Minute,
		SweepInterval:       time.Minute,
		BatchConcurrency:    2,
		StaggerDelay:        0,
		BatchPause:          0,
		BreakerThreshold:    3,
		BreakerOpenDuration: 5 * time.Minute,
	}
}

// testClock is an injectable clock shared by the manager and its breaker.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(store SessionStore, provider *fakeProvider, cfg *config.EnrichmentConfig) (*Manager, *testClock) {
	m := NewManager(store, provider, cfg)
	clock := &testClock{now: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	m.breaker.now = clock.Now
	return m, clock
}

func testParams() models.EnrichmentParams {
	return models.EnrichmentParams{DateFrom: "2026-08-01", DateTo: "2026-08-07", IncludeProduction: true}
}

// waitForTerminal polls until the job reaches success or error.
func waitForTerminal(t *testing.T, m *Manager, jobID string) *models.EnrichmentJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := m.GetJobStatus(jobID)
		if !ok {
			t.Fatalf("job %s disappeared before completion", jobID)
		}
		if job.State == models.JobSuccess || job.State == models.JobError {
			return job
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", jobID)
	return nil
}

func sessionWithIP(id, ip string) models.Session {
	return models.Session{SessionID: id, IPAddress: ip, CreatedAt: time.Now()}
}

func TestJobProcessesUniqueIPsOnly(t *testing.T) {
	store := &fakeStore{sessions: []models.Session{
		sessionWithIP("s1", "203.0.113.1"),
		sessionWithIP("s2", "203.0.113.1"), // duplicate IP
		sessionWithIP("s3", "203.0.113.2"),
		sessionWithIP("s4", ""),            // blank
		sessionWithIP("s5", "0.0.0.0"),     // anonymized placeholder
		sessionWithIP("s6", "not-an-ip"),   // malformed
		sessionWithIP("s7", "203.0.113.3"), // third unique
	}}
	provider := &fakeProvider{}
	m, _ := newTestManager(store, provider, testConfig())

	res, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	job := waitForTerminal(t, m, res.Job.JobID)

	if job.State != models.JobSuccess {
		t.Fatalf("job state = %q, want success (error: %s)", job.State, job.Error)
	}
	if job.TotalIPs != 3 {
		t.Errorf("TotalIPs = %d, want 3 unique valid IPs", job.TotalIPs)
	}
	if job.ProcessedIPs != 3 {
		t.Errorf("ProcessedIPs = %d, want 3", job.ProcessedIPs)
	}
	if job.Progress != 100 {
		t.Errorf("Progress = %d, want 100", job.Progress)
	}
	if got := provider.lookupCount(); got != 3 {
		t.Errorf("provider lookups = %d, want 3 (one per unique IP)", got)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, ip := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		if _, ok := store.updates[ip]; !ok {
			t.Errorf("no location written for %s", ip)
		}
	}
}

func TestStartEnrichmentDedupesInFlightJob(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{fn: func(string) (*models.Location, error) {
		<-release
		return &models.Location{Country: "France"}, nil
	}}
	store := &fakeStore{sessions: []models.Session{sessionWithIP("s1", "203.0.113.1")}}
	m, _ := newTestManager(store, provider, testConfig())

	first, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("first StartEnrichment() error: %v", err)
	}
	second, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("second StartEnrichment() error: %v", err)
	}

	if !second.Deduplicated {
		t.Error("second identical request was not deduplicated")
	}
	if second.Job.JobID != first.Job.JobID {
		t.Errorf("second job ID = %q, want the in-flight job %q", second.Job.JobID, first.Job.JobID)
	}

	close(release)
	waitForTerminal(t, m, first.Job.JobID)
}

func TestStartEnrichmentDistinctParamsRunSeparately(t *testing.T) {
	store := &fakeStore{}
	m, _ := newTestManager(store, &fakeProvider{}, testConfig())

	a, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	other := testParams()
	other.Language = "fr"
	b, err := m.StartEnrichment(other)
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}

	if b.Deduplicated {
		t.Error("request with different language was deduplicated")
	}
	if a.Job.JobID == b.Job.JobID {
		t.Error("distinct parameter sets share a job ID")
	}
}

func TestStartEnrichmentDebounceWindow(t *testing.T) {
	store := &fakeStore{}
	m, clock := newTestManager(store, &fakeProvider{}, testConfig())

	first, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	waitForTerminal(t, m, first.Job.JobID)

	// Inside the debounce window the finished job is reused.
	clock.Advance(30 * time.Second)
	second, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	if !second.Deduplicated || second.Job.JobID != first.Job.JobID {
		t.Errorf("request inside debounce window started a new job: dedup=%t id=%q", second.Deduplicated, second.Job.JobID)
	}

	// Past the window a fresh job starts.
	clock.Advance(time.Minute)
	third, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	if third.Deduplicated {
		t.Error("request after debounce window was deduplicated")
	}
	if third.Job.JobID == first.Job.JobID {
		t.Error("request after debounce window reused the old job ID")
	}
	waitForTerminal(t, m, third.Job.JobID)
}

func TestJobErrorWhenSessionFetchFails(t *testing.T) {
	store := &fakeStore{fetchErr: errors.New("database closed")}
	m, _ := newTestManager(store, &fakeProvider{}, testConfig())

	res, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	job := waitForTerminal(t, m, res.Job.JobID)

	if job.State != models.JobError {
		t.Errorf("job state = %q, want error", job.State)
	}
	if job.Error == "" {
		t.Error("job error message is empty")
	}
}

func TestPartialLookupFailuresStillSucceed(t *testing.T) {
	provider := &fakeProvider{fn: func(ip string) (*models.Location, error) {
		if ip == "203.0.113.2" {
			return nil, errors.New("provider error")
		}
		return &models.Location{Country: "France"}, nil
	}}
	store := &fakeStore{sessions: []models.Session{
		sessionWithIP("s1", "203.0.113.1"),
		sessionWithIP("s2", "203.0.113.2"),
	}}
	m, _ := newTestManager(store, provider, testConfig())

	res, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	job := waitForTerminal(t, m, res.Job.JobID)

	if job.State != models.JobSuccess {
		t.Errorf("job state = %q, want success despite one failed lookup", job.State)
	}
}

func TestAllLookupFailuresStillSucceed(t *testing.T) {
	provider := &fakeProvider{fn: func(string) (*models.Location, error) {
		return nil, errors.New("provider down")
	}}
	store := &fakeStore{sessions: []models.Session{
		sessionWithIP("s1", "203.0.113.1"),
		sessionWithIP("s2", "203.0.113.2"),
	}}
	m, _ := newTestManager(store, provider, testConfig())

	res, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	job := waitForTerminal(t, m, res.Job.JobID)

	// Lookup failures are per-IP skips; only a job-level failure ends in error.
	if job.State != models.JobSuccess {
		t.Errorf("job state = %q, want success even when every lookup failed", job.State)
	}
	if job.ProcessedIPs != job.TotalIPs {
		t.Errorf("ProcessedIPs = %d, want %d", job.ProcessedIPs, job.TotalIPs)
	}
	if job.Progress != 100 {
		t.Errorf("Progress = %d, want 100", job.Progress)
	}
}

func TestJobRunningDuringSessionFetch(t *testing.T) {
	gate := make(chan struct{})
	store := &fakeStore{fetchGate: gate}
	m, _ := newTestManager(store, &fakeProvider{}, testConfig())

	res, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}

	// The job turns running before the session fetch, so a poll during a slow
	// fetch must not see queued forever.
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, ok := m.GetJobStatus(res.Job.JobID)
		if !ok {
			t.Fatal("job disappeared while fetch pending")
		}
		if job.State == models.JobRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job state = %q while fetch pending, want running", job.State)
		}
		time.Sleep(time.Millisecond)
	}

	close(gate)
	waitForTerminal(t, m, res.Job.JobID)
}

func TestProgressAdvancesPerIP(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{fn: func(ip string) (*models.Location, error) {
		if ip == "203.0.113.2" {
			<-release
		}
		return &models.Location{Country: "France"}, nil
	}}
	store := &fakeStore{sessions: []models.Session{
		sessionWithIP("s1", "203.0.113.1"),
		sessionWithIP("s2", "203.0.113.2"),
	}}
	m, _ := newTestManager(store, provider, testConfig())

	res, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}

	// Both IPs run in one batch; progress must reflect the finished first
	// lookup while the second is still in flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, ok := m.GetJobStatus(res.Job.JobID)
		if !ok {
			t.Fatal("job disappeared mid-batch")
		}
		if job.ProcessedIPs == 1 {
			if job.Progress != 50 {
				t.Errorf("Progress = %d after 1 of 2 IPs, want 50", job.Progress)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("progress never advanced past the first IP")
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	job := waitForTerminal(t, m, res.Job.JobID)
	if job.Progress != 100 {
		t.Errorf("final Progress = %d, want 100", job.Progress)
	}
}

func TestBreakerOpensAfterThresholdAndClosesByTime(t *testing.T) {
	store := &fakeStore{fetchErr: errors.New("database closed")}
	cfg := testConfig()
	m, clock := newTestManager(store, &fakeProvider{}, cfg)

	// Three failing jobs with distinct parameters trip the breaker.
	for i := 0; i < cfg.BreakerThreshold; i++ {
		params := testParams()
		params.Language = fmt.Sprintf("lang-%d", i)
		res, err := m.StartEnrichment(params)
		if err != nil {
			t.Fatalf("StartEnrichment() error: %v", err)
		}
		if res.Job.State == models.JobDegraded {
			t.Fatalf("request %d degraded before the threshold", i)
		}
		waitForTerminal(t, m, res.Job.JobID)
	}

	degraded, err := m.StartEnrichment(models.EnrichmentParams{DateFrom: "2026-08-10", DateTo: "2026-08-11"})
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	if degraded.Job.State != models.JobDegraded {
		t.Fatalf("state while breaker open = %q, want degraded", degraded.Job.State)
	}
	if degraded.Job.JobID != "" {
		t.Error("degraded response carries a job ID; no job record must be created")
	}

	// The breaker closes purely by elapsed time.
	clock.Advance(cfg.BreakerOpenDuration)
	store.setFetchErr(nil) // store recovered
	recovered, err := m.StartEnrichment(models.EnrichmentParams{DateFrom: "2026-08-12", DateTo: "2026-08-13"})
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	if recovered.Job.State == models.JobDegraded {
		t.Fatal("breaker still open after the cooldown window elapsed")
	}
	waitForTerminal(t, m, recovered.Job.JobID)
}

func TestSweepRemovesExpiredJobs(t *testing.T) {
	store := &fakeStore{}
	cfg := testConfig()
	m, clock := newTestManager(store, &fakeProvider{}, cfg)

	res, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	waitForTerminal(t, m, res.Job.JobID)

	// Before the TTL the job stays visible.
	clock.Advance(cfg.JobTTL - time.Second)
	m.sweep()
	if _, ok := m.GetJobStatus(res.Job.JobID); !ok {
		t.Fatal("job swept before its TTL expired")
	}

	clock.Advance(2 * time.Second)
	m.sweep()
	if _, ok := m.GetJobStatus(res.Job.JobID); ok {
		t.Error("expired job still visible after sweep")
	}

	// The dedupe index is cleaned with the job: a new request starts fresh.
	next, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	if next.Deduplicated {
		t.Error("request after sweep was deduplicated against a removed job")
	}
	waitForTerminal(t, m, next.Job.JobID)
}

func TestSweepRemovesStuckJobPastTTL(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{fn: func(string) (*models.Location, error) {
		<-release
		return &models.Location{Country: "France"}, nil
	}}
	store := &fakeStore{sessions: []models.Session{sessionWithIP("s1", "203.0.113.1")}}
	cfg := testConfig()
	m, clock := newTestManager(store, provider, cfg)

	res, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}

	// Before the TTL the pending job stays visible.
	clock.Advance(cfg.JobTTL - time.Second)
	m.sweep()
	if _, ok := m.GetJobStatus(res.Job.JobID); !ok {
		t.Fatal("pending job swept before its TTL expired")
	}

	// Past the TTL the job is forgotten even though its work never finished.
	clock.Advance(2 * time.Second)
	m.sweep()
	if _, ok := m.GetJobStatus(res.Job.JobID); ok {
		t.Error("job past its TTL still visible after sweep while work pending")
	}

	// The orphaned record finishes harmlessly and a new request starts fresh.
	close(release)
	next, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() after sweep error: %v", err)
	}
	if next.Deduplicated {
		t.Error("request after sweep was deduplicated against a removed job")
	}
	waitForTerminal(t, m, next.Job.JobID)
}

func TestErrorJobDoesNotBlockRetryWithinDebounce(t *testing.T) {
	store := &fakeStore{fetchErr: errors.New("database closed")}
	m, clock := newTestManager(store, &fakeProvider{}, testConfig())

	first, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	if job := waitForTerminal(t, m, first.Job.JobID); job.State != models.JobError {
		t.Fatalf("job state = %q, want error", job.State)
	}

	// Well inside the debounce window an error job must not be reused.
	clock.Advance(10 * time.Second)
	second, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("retry StartEnrichment() error: %v", err)
	}
	if second.Deduplicated {
		t.Errorf("error-state job reused within debounce window (id=%q)", second.Job.JobID)
	}
	if second.Job.JobID == first.Job.JobID {
		t.Error("retry returned the failed job's ID instead of a new job")
	}
	waitForTerminal(t, m, second.Job.JobID)
}

func TestGetJobStatusUnknownID(t *testing.T) {
	m, _ := newTestManager(&fakeStore{}, &fakeProvider{}, testConfig())
	if _, ok := m.GetJobStatus("no-such-job"); ok {
		t.Error("GetJobStatus returned a job for an unknown ID")
	}
}

func TestGetJobStatusByParams(t *testing.T) {
	store := &fakeStore{}
	m, _ := newTestManager(store, &fakeProvider{}, testConfig())

	if _, ok := m.GetJobStatusByParams(testParams()); ok {
		t.Fatal("status returned for a parameter set with no job")
	}

	res, err := m.StartEnrichment(testParams())
	if err != nil {
		t.Fatalf("StartEnrichment() error: %v", err)
	}
	waitForTerminal(t, m, res.Job.JobID)

	job, ok := m.GetJobStatusByParams(testParams())
	if !ok {
		t.Fatal("no status for a parameter set with a finished job")
	}
	if job.JobID != res.Job.JobID {
		t.Errorf("job ID by params = %q, want %q", job.JobID, res.Job.JobID)
	}

	other := testParams()
	other.Language = "fr"
	if _, ok := m.GetJobStatusByParams(other); ok {
		t.Error("status lookup matched a different parameter set")
	}
}
