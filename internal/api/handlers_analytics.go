// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/mementofilms/backoffice/internal/ga4"
	"github.com/mementofilms/backoffice/internal/models"
)

// MetricsEngine is the analytics surface the handlers consume. Implemented
// by ga4.Engine; fakes implement it in tests.
type MetricsEngine interface {
	Sessions(ctx context.Context, q models.MetricQuery) (int64, error)
	TotalUsers(ctx context.Context, dateStart, dateEnd string) (int64, error)
	Plays(ctx context.Context, q models.MetricQuery) (int64, error)
	Completes(ctx context.Context, q models.MetricQuery) (int64, error)
	Overview(ctx context.Context, q models.MetricQuery) (*models.Overview, error)
	WatchTimeByVideo(ctx context.Context, q models.MetricQuery) ([]models.VideoWatchTime, error)
	TopVideosTable(ctx context.Context, q models.MetricQuery) []models.VideoMetricRow
	TopCountries(ctx context.Context, dateStart, dateEnd string) []models.CountryVisitors
	Referrers(ctx context.Context, dateStart, dateEnd string) []models.ReferrerCount
	Languages(ctx context.Context, dateStart, dateEnd string) []models.LanguageCount
	SessionsTrendWithComparison(ctx context.Context, q models.MetricQuery) (*models.SessionsTrend, error)
	VideoFunnel(ctx context.Context, q models.MetricQuery, videoID string) ([]models.FunnelBucket, error)
}

// respondEngineError maps engine failures to HTTP statuses: a query timeout
// is a 504 so dashboards can distinguish a slow upstream from a bug.
func respondEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, ga4.ErrQueryTimeout) {
		respondError(w, http.StatusGatewayTimeout, "QUERY_TIMEOUT", "analytics query exceeded its time budget", err)
		return
	}
	respondError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "analytics query failed", err)
}

// GetOverview handles GET /api/v1/analytics/overview.
func (h *Handler) GetOverview(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseMetricQuery(r)
	if apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	overview, err := h.engine.Overview(r.Context(), q)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondData(w, http.StatusOK, overview)
}

// GetSessions handles GET /api/v1/analytics/sessions.
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseMetricQuery(r)
	if apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	sessions, err := h.engine.Sessions(r.Context(), q)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]int64{"sessions": sessions})
}

// GetSessionsTrend handles GET /api/v1/analytics/sessions/trend.
func (h *Handler) GetSessionsTrend(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseMetricQuery(r)
	if apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	trend, err := h.engine.SessionsTrendWithComparison(r.Context(), q)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondData(w, http.StatusOK, trend)
}

// GetTopVideos handles GET /api/v1/analytics/videos/top. The engine degrades
// internally, so this endpoint always returns 200 with either real rows or
// the sentinel row.
func (h *Handler) GetTopVideos(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseMetricQuery(r)
	if apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	respondData(w, http.StatusOK, h.engine.TopVideosTable(r.Context(), q))
}

// GetWatchTime handles GET /api/v1/analytics/videos/watch-time.
func (h *Handler) GetWatchTime(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseMetricQuery(r)
	if apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	watchTime, err := h.engine.WatchTimeByVideo(r.Context(), q)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondData(w, http.StatusOK, watchTime)
}

// GetVideoFunnel handles GET /api/v1/analytics/videos/funnel. The optional
// videoId parameter narrows the funnel to one video.
func (h *Handler) GetVideoFunnel(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseMetricQuery(r)
	if apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	funnel, err := h.engine.VideoFunnel(r.Context(), q, r.URL.Query().Get("videoId"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondData(w, http.StatusOK, funnel)
}

// GetTopCountries handles GET /api/v1/analytics/countries. Degrades to an
// empty list inside the engine.
func (h *Handler) GetTopCountries(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseMetricQuery(r)
	if apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	respondData(w, http.StatusOK, h.engine.TopCountries(r.Context(), q.DateStart, q.DateEnd))
}

// GetReferrers handles GET /api/v1/analytics/referrers.
func (h *Handler) GetReferrers(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseMetricQuery(r)
	if apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	respondData(w, http.StatusOK, h.engine.Referrers(r.Context(), q.DateStart, q.DateEnd))
}

// GetLanguages handles GET /api/v1/analytics/languages.
func (h *Handler) GetLanguages(w http.ResponseWriter, r *http.Request) {
	q, apiErr := parseMetricQuery(r)
	if apiErr != nil {
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	respondData(w, http.StatusOK, h.engine.Languages(r.Context(), q.DateStart, q.DateEnd))
}
