// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mementofilms/backoffice/internal/logging"
	"github.com/mementofilms/backoffice/internal/models"
)

// sanitizeLogValue removes control characters from strings to prevent log
// injection through attacker-controlled values.
func sanitizeLogValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// respondJSON sends a JSON response with proper headers.
func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", generateETag(data))
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// generateETag creates a simple ETag from data using FNV-1a hash.
func generateETag(data []byte) string {
	hash := uint32(2166136261)
	for _, b := range data {
		hash ^= uint32(b)
		hash *= 16777619
	}
	return strconv.FormatUint(uint64(hash), 16)
}

// respondData sends a success envelope.
func respondData(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, &models.APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}

// respondError sends an error envelope.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		logging.Error().Str("code", code).Str("error", sanitizeLogValue(err.Error())).Msg("API Error")
	}

	respondJSON(w, status, &models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now()},
		Error: &models.APIError{
			Code:    code,
			Message: message,
		},
	})
}

const queryDateLayout = "2006-01-02"

// parseMetricQuery reads the shared analytics query parameters. Missing dates
// default to the trailing 30 days; malformed values are rejected rather than
// silently coerced.
func parseMetricQuery(r *http.Request) (models.MetricQuery, *models.APIError) {
	q := models.MetricQuery{
		DateStart: r.URL.Query().Get("dateStart"),
		DateEnd:   r.URL.Query().Get("dateEnd"),
		Country:   r.URL.Query().Get("country"),
	}

	now := time.Now().UTC()
	if q.DateEnd == "" {
		q.DateEnd = now.Format(queryDateLayout)
	}
	if q.DateStart == "" {
		q.DateStart = now.AddDate(0, 0, -29).Format(queryDateLayout)
	}

	start, err := time.Parse(queryDateLayout, q.DateStart)
	if err != nil {
		return q, &models.APIError{Code: "INVALID_PARAMETER", Message: "dateStart must be YYYY-MM-DD"}
	}
	end, err := time.Parse(queryDateLayout, q.DateEnd)
	if err != nil {
		return q, &models.APIError{Code: "INVALID_PARAMETER", Message: "dateEnd must be YYYY-MM-DD"}
	}
	if end.Before(start) {
		return q, &models.APIError{Code: "INVALID_PARAMETER", Message: "dateEnd precedes dateStart"}
	}

	switch locale := r.URL.Query().Get("locale"); locale {
	case "", string(models.LocaleAll):
		q.Locale = models.LocaleAll
	case string(models.LocaleFR):
		q.Locale = models.LocaleFR
	case string(models.LocaleEN):
		q.Locale = models.LocaleEN
	default:
		return q, &models.APIError{Code: "INVALID_PARAMETER", Message: "locale must be all, fr, or en"}
	}

	return q, nil
}
