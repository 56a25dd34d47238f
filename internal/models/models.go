// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

// Package models defines the shared data types exchanged between the
// analytics engine, the enrichment manager, storage, and the HTTP layer.
package models

import "time"

// Locale selects the site-language variant for metric queries.
// The marketing site ships French and English copy only; any session whose
// locale could not be determined counts as English by convention.
type Locale string

const (
	LocaleAll Locale = "all"
	LocaleFR  Locale = "fr"
	LocaleEN  Locale = "en"
)

// MetricQuery is the request descriptor shared by all analytics operations.
// Immutable per call; never persisted.
type MetricQuery struct {
	DateStart string `json:"dateStart"`
	DateEnd   string `json:"dateEnd"`
	Locale    Locale `json:"locale,omitempty"`
	Country   string `json:"country,omitempty"`
}

// VideoMetricRow is one row of the top-videos dashboard table.
// AvgWatchSeconds is computed only from authentic measured watch time; it is
// 0 whenever no true watch-time data exists, regardless of plays.
type VideoMetricRow struct {
	VideoID          string `json:"videoId"`
	Title            string `json:"title"`
	Plays            int64  `json:"plays"`
	Completes        int64  `json:"completes"`
	WatchTimeSeconds int64  `json:"watchTimeSeconds"`
	AvgWatchSeconds  int64  `json:"avgWatchSeconds"`
	Reach50Pct       int    `json:"reach50Pct"`
	CompletePct      int    `json:"completePct"`
}

// VideoWatchTime is the per-video watch-time aggregate, the single source of
// truth for watch time in the system.
type VideoWatchTime struct {
	VideoID          string `json:"videoId"`
	Title            string `json:"title"`
	Plays            int64  `json:"plays"`
	WatchTimeSeconds int64  `json:"watchTimeSeconds"`
}

// CountryVisitors is one entry of the reconciled country breakdown.
type CountryVisitors struct {
	Country  string `json:"country"`
	Visitors int64  `json:"visitors"`
}

// DailySessions is one point of a daily sessions series. Offset is the
// relative day index within its period, used to align the comparison period.
type DailySessions struct {
	Date     string `json:"date"`
	Offset   int    `json:"offset"`
	Sessions int64  `json:"sessions"`
}

// PeriodTotals carries period-level aggregates computed via the same
// authoritative counters the overview dashboard uses.
type PeriodTotals struct {
	Sessions   int64 `json:"sessions"`
	TotalUsers int64 `json:"totalUsers"`
}

// SessionsTrend is the daily series for a period plus the immediately
// preceding equal-length period, aligned by day offset.
type SessionsTrend struct {
	Current  []DailySessions `json:"current"`
	Previous []DailySessions `json:"previous"`
	Totals   PeriodTotals    `json:"totals"`
}

// FunnelBucket is the event count for one fixed video-progress threshold.
type FunnelBucket struct {
	Bucket int   `json:"bucket"`
	Count  int64 `json:"count"`
}

// ReferrerCount is one entry of the session-referrer breakdown.
type ReferrerCount struct {
	Referrer string `json:"referrer"`
	Sessions int64  `json:"sessions"`
}

// LanguageCount is one entry of the browser-language breakdown.
type LanguageCount struct {
	Language string `json:"language"`
	Sessions int64  `json:"sessions"`
}

// Overview aggregates the headline dashboard numbers.
type Overview struct {
	TotalUsers    int64   `json:"totalUsers"`
	Sessions      int64   `json:"sessions"`
	Plays         int64   `json:"plays"`
	Completes     int64   `json:"completes"`
	PlayRatePct   float64 `json:"playRatePct"`
	CompletionPct float64 `json:"completionPct"`
}

// Session is an analytics session row as stored by the session store.
type Session struct {
	SessionID    string    `json:"sessionId"`
	IPAddress    string    `json:"ipAddress"`
	Language     string    `json:"language"`
	IsProduction bool      `json:"isProduction"`
	CreatedAt    time.Time `json:"createdAt"`
	Country      *string   `json:"country,omitempty"`
	Region       *string   `json:"region,omitempty"`
	City         *string   `json:"city,omitempty"`
}

// Location is the geolocation result written back to enriched sessions.
type Location struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
}

// JobState is the lifecycle state of an enrichment job.
// States form a linear lifecycle: queued -> running -> (success | error).
// Degraded is a pseudo-state returned when the circuit breaker is open; no
// job record is ever created for it.
type JobState string

const (
	JobQueued   JobState = "queued"
	JobRunning  JobState = "running"
	JobSuccess  JobState = "success"
	JobError    JobState = "error"
	JobDegraded JobState = "degraded"
)

// EnrichmentJob tracks one geolocation-enrichment run. One job exists per
// unique (dateFrom, dateTo, language, includeProduction) key at a time.
type EnrichmentJob struct {
	JobID        string    `json:"jobId"`
	State        JobState  `json:"state"`
	Progress     int       `json:"progress"`
	StartedAt    time.Time `json:"startedAt"`
	TTL          time.Time `json:"ttl"`
	TotalIPs     int       `json:"totalIPs,omitempty"`
	ProcessedIPs int       `json:"processedIPs,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// EnrichmentParams identifies the session window an enrichment job covers.
// The four fields form the job deduplication key.
type EnrichmentParams struct {
	DateFrom          string `json:"dateFrom" validate:"required,datetime=2006-01-02"`
	DateTo            string `json:"dateTo" validate:"required,datetime=2006-01-02"`
	Language          string `json:"language,omitempty"`
	IncludeProduction bool   `json:"includeProduction"`
}

// APIResponse is the standard JSON envelope for all API endpoints.
type APIResponse struct {
	Status   string    `json:"status"`
	Data     any       `json:"data"`
	Metadata Metadata  `json:"metadata"`
	Error    *APIError `json:"error,omitempty"`
}

// Metadata provides response metadata.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
}

// APIError describes an API-level failure.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
