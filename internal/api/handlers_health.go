// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package api

import (
	"context"
	"net/http"
	"time"
)

// HealthStore is the storage surface the health endpoint probes.
type HealthStore interface {
	Ping(ctx context.Context) error
	CountSessions(ctx context.Context) (int64, error)
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Sessions int64  `json:"sessions"`
}

// GetHealth handles GET /health. It reports degraded (but still 200) when
// the session store is unreachable, since the analytics endpoints keep
// working without it.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Version: h.version, Database: "ok"}
	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
	} else if count, err := h.store.CountSessions(ctx); err == nil {
		resp.Sessions = count
	}

	respondData(w, http.StatusOK, resp)
}
