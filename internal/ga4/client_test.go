// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package ga4

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/mementofilms/backoffice/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(&config.GA4Config{
		PropertyID:   "123456",
		AccessToken:  "test-token",
		BaseURL:      srv.URL,
		QueryTimeout: timeout,
	}), srv
}

func TestRunReportDecodesRows(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/properties/123456:runReport" {
			t.Errorf("path = %q, want /properties/123456:runReport", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"rows": [
				{"dimensionValues": [{"value": "France"}], "metricValues": [{"value": "42"}]},
				{"dimensionValues": [{"value": "Germany"}], "metricValues": [{"value": "7.9"}]}
			],
			"rowCount": 2
		}`)
	}, 2*time.Second)

	resp, err := client.RunReport(context.Background(), &ReportRequest{
		DateStart:  "2026-08-01",
		DateEnd:    "2026-08-07",
		Dimensions: []string{"country"},
		Metrics:    []string{"totalUsers"},
	})
	if err != nil {
		t.Fatalf("RunReport() error: %v", err)
	}

	if resp.RowCount != 2 || len(resp.Rows) != 2 {
		t.Fatalf("rowCount/rows = %d/%d, want 2/2", resp.RowCount, len(resp.Rows))
	}
	if got := resp.Rows[0].Dimension(0); got != "France" {
		t.Errorf("row 0 dimension = %q, want France", got)
	}
	if got := resp.Rows[0].MetricInt64(0); got != 42 {
		t.Errorf("row 0 metric = %d, want 42", got)
	}
	// GA4 returns metrics as strings, occasionally fractional.
	if got := resp.Rows[1].MetricInt64(0); got != 7 {
		t.Errorf("fractional metric = %d, want truncated 7", got)
	}
}

func TestRunReportEncodesWireBody(t *testing.T) {
	var captured map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("request body is not valid JSON: %v", err)
		}
		io.WriteString(w, `{"rows": [], "rowCount": 0}`)
	}, 2*time.Second)

	_, err := client.RunReport(context.Background(), &ReportRequest{
		DateStart:     "2026-08-01",
		DateEnd:       "2026-08-07",
		Dimensions:    []string{"customEvent:video_id"},
		Metrics:       []string{"eventCount"},
		Filter:        BasicFilter{Field: "eventName", Value: "video_start"},
		OrderByMetric: "eventCount",
		Limit:         50,
	})
	if err != nil {
		t.Fatalf("RunReport() error: %v", err)
	}

	ranges, ok := captured["dateRanges"].([]any)
	if !ok || len(ranges) != 1 {
		t.Fatalf("dateRanges = %v, want one range", captured["dateRanges"])
	}
	first := ranges[0].(map[string]any)
	if first["startDate"] != "2026-08-01" || first["endDate"] != "2026-08-07" {
		t.Errorf("date range = %v, want 2026-08-01..2026-08-07", first)
	}

	if captured["dimensionFilter"] == nil {
		t.Error("dimensionFilter missing from wire body")
	}
	if captured["limit"] != "50" {
		t.Errorf("limit = %v, want string \"50\"", captured["limit"])
	}
	orderBys, ok := captured["orderBys"].([]any)
	if !ok || len(orderBys) != 1 {
		t.Fatalf("orderBys = %v, want one entry", captured["orderBys"])
	}
	if desc := orderBys[0].(map[string]any)["desc"]; desc != true {
		t.Errorf("orderBys[0].desc = %v, want true", desc)
	}
}

func TestRunReportTimeoutIsHardFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)

	_, err := client.RunReport(context.Background(), &ReportRequest{
		DateStart: "2026-08-01",
		DateEnd:   "2026-08-07",
		Metrics:   []string{"sessions"},
	})
	if !errors.Is(err, ErrQueryTimeout) {
		t.Errorf("RunReport() error = %v, want ErrQueryTimeout", err)
	}
}

func TestRunReportNonOKStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error": {"message": "insufficient permissions"}}`)
	}, 2*time.Second)

	_, err := client.RunReport(context.Background(), &ReportRequest{
		DateStart: "2026-08-01",
		DateEnd:   "2026-08-07",
		Metrics:   []string{"sessions"},
	})
	if err == nil {
		t.Fatal("RunReport() returned nil error for HTTP 403")
	}
}

func TestRunReportMalformedResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"rows": [`)
	}, 2*time.Second)

	_, err := client.RunReport(context.Background(), &ReportRequest{
		DateStart: "2026-08-01",
		DateEnd:   "2026-08-07",
		Metrics:   []string{"sessions"},
	})
	if err == nil {
		t.Fatal("RunReport() returned nil error for malformed JSON")
	}
}
