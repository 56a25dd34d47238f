// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/mementofilms/backoffice/internal/enrichment"
	"github.com/mementofilms/backoffice/internal/models"
)

// JobManager is the enrichment surface the handlers consume. Implemented by
// enrichment.Manager.
type JobManager interface {
	StartEnrichment(params models.EnrichmentParams) (*enrichment.StartResult, error)
	GetJobStatus(jobID string) (*models.EnrichmentJob, bool)
	GetJobStatusByParams(params models.EnrichmentParams) (*models.EnrichmentJob, bool)
}

var validate = validator.New()

// StartEnrichment handles POST /api/v1/enrichment/jobs.
//
// Responses: 202 for a newly started job, 200 when an existing job was
// returned (dedupe or debounce), 503 while the circuit breaker is open.
func (h *Handler) StartEnrichment(w http.ResponseWriter, r *http.Request) {
	var params models.EnrichmentParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON", nil)
		return
	}
	if err := validate.Struct(&params); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "dateFrom and dateTo must be YYYY-MM-DD", nil)
		return
	}

	result, err := h.jobs.StartEnrichment(params)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ENRICHMENT_ERROR", "failed to start enrichment", err)
		return
	}

	switch {
	case result.Job.State == models.JobDegraded:
		respondData(w, http.StatusServiceUnavailable, result.Job)
	case result.Deduplicated:
		respondData(w, http.StatusOK, result.Job)
	default:
		respondData(w, http.StatusAccepted, result.Job)
	}
}

// GetEnrichmentStatus handles GET /api/v1/enrichment/jobs: a pure lookup of
// the newest job for the parameter set given as query parameters.
func (h *Handler) GetEnrichmentStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := models.EnrichmentParams{
		DateFrom: q.Get("dateFrom"),
		DateTo:   q.Get("dateTo"),
		Language: q.Get("language"),
	}
	if v := q.Get("includeProduction"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAMETER", "includeProduction must be a boolean", nil)
			return
		}
		params.IncludeProduction = include
	}
	if err := validate.Struct(&params); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "dateFrom and dateTo must be YYYY-MM-DD", nil)
		return
	}

	job, ok := h.jobs.GetJobStatusByParams(params)
	if !ok {
		respondError(w, http.StatusNotFound, "JOB_NOT_FOUND", "no job for these parameters", nil)
		return
	}
	respondData(w, http.StatusOK, job)
}

// GetEnrichmentJob handles GET /api/v1/enrichment/jobs/{jobID}. Expired jobs
// are indistinguishable from never-existing ones: both are 404.
func (h *Handler) GetEnrichmentJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, ok := h.jobs.GetJobStatus(jobID)
	if !ok {
		respondError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job does not exist or has expired", nil)
		return
	}
	respondData(w, http.StatusOK, job)
}
