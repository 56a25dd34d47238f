// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

// Package api exposes the back-office HTTP surface: analytics queries,
// enrichment job control, health, and Prometheus metrics, on a chi router
// with CORS, rate limiting, and JWT authentication.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mementofilms/backoffice/internal/config"
	"github.com/mementofilms/backoffice/internal/middleware"
)

// Handler bundles the dependencies of all HTTP handlers.
type Handler struct {
	engine  MetricsEngine
	jobs    JobManager
	store   HealthStore
	version string
}

// NewHandler creates the handler set.
func NewHandler(engine MetricsEngine, jobs JobManager, store HealthStore, version string) *Handler {
	return &Handler{engine: engine, jobs: jobs, store: store, version: version}
}

// NewRouter builds the chi router with the full middleware stack and all
// routes mounted.
func NewRouter(cfg *config.Config, h *Handler, auth *Auth) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Prometheus)
	r.Use(middleware.RequestLogger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Security.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	rateLimitReqs := cfg.Security.RateLimitReqs
	if rateLimitReqs <= 0 {
		rateLimitReqs = 100
	}
	rateLimitWindow := cfg.Security.RateLimitWindow
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	r.Use(httprate.LimitByIP(rateLimitReqs, rateLimitWindow))

	r.Get("/health", h.GetHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Login is strictly limited to slow down credential stuffing.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(5, 5*time.Minute))
		r.Post("/api/v1/auth/login", auth.Login)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Authenticate)

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/overview", h.GetOverview)
			r.Get("/sessions", h.GetSessions)
			r.Get("/sessions/trend", h.GetSessionsTrend)
			r.Get("/videos/top", h.GetTopVideos)
			r.Get("/videos/watch-time", h.GetWatchTime)
			r.Get("/videos/funnel", h.GetVideoFunnel)
			r.Get("/countries", h.GetTopCountries)
			r.Get("/referrers", h.GetReferrers)
			r.Get("/languages", h.GetLanguages)
		})

		r.Route("/enrichment", func(r chi.Router) {
			r.Post("/jobs", h.StartEnrichment)
			r.Get("/jobs", h.GetEnrichmentStatus)
			r.Get("/jobs/{jobID}", h.GetEnrichmentJob)
		})
	})

	return r
}
