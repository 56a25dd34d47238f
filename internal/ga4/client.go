// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

/*
client.go - GA4 Data API Client

HTTP client for the Google Analytics 4 Data API runReport endpoint. The
client is a pure reader of the analytics property: it never mutates data.

Client Features:
  - Bearer token authentication
  - Hard per-query timeout (default 2s) enforced via context; a query that
    exceeds the budget fails the call, there is no partial-result return
  - JSON encoding/decoding with goccy/go-json
  - Context support for cancellation

Related Files:
  - filters.go: FilterExpression variants and wire encoding
  - breaker.go: circuit breaker wrapper protecting the upstream API
  - engine.go: MetricsQueryEngine built on top of this client
*/

//nolint:staticcheck // File documentation, not package doc
package ga4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mementofilms/backoffice/internal/config"
	"github.com/mementofilms/backoffice/internal/metrics"
)

// ErrQueryTimeout marks a query that exceeded the per-call budget. Low-level
// counters propagate it as a hard failure; callers must not substitute zero.
var ErrQueryTimeout = errors.New("ga4: query timed out")

// maxErrorBodySize limits how much of an error response body is read back
// for diagnostics.
const maxErrorBodySize = 64 * 1024

// DataAPI is the analytics data API consumed by the metrics engine.
// Implemented by Client for production and by fakes in tests.
type DataAPI interface {
	RunReport(ctx context.Context, req *ReportRequest) (*ReportResponse, error)
}

// ReportRequest describes one runReport call.
type ReportRequest struct {
	DateStart string
	DateEnd   string

	// Dimensions and Metrics are Data API names, e.g. "country", "sessions",
	// "customEvent:watch_time_seconds".
	Dimensions []string
	Metrics    []string

	// Filter is the optional dimension filter tree. Nil means unfiltered.
	Filter FilterExpression

	// OrderByMetric orders rows by this metric descending when set.
	OrderByMetric string

	// Limit bounds the row count; 0 uses the API default.
	Limit int64
}

// ReportRow is one row of dimension and metric values, position-aligned with
// the request's Dimensions and Metrics.
type ReportRow struct {
	Dimensions []string
	Metrics    []string
}

// ReportResponse is the decoded result of a runReport call.
type ReportResponse struct {
	Rows     []ReportRow
	RowCount int
}

// MetricInt64 returns the i-th metric of the row parsed as int64. GA4 returns
// all metric values as strings; fractional values are truncated.
func (r ReportRow) MetricInt64(i int) int64 {
	if i < 0 || i >= len(r.Metrics) {
		return 0
	}
	v := r.Metrics[i]
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int64(f)
	}
	return 0
}

// Dimension returns the i-th dimension value, or "" when absent.
func (r ReportRow) Dimension(i int) string {
	if i < 0 || i >= len(r.Dimensions) {
		return ""
	}
	return r.Dimensions[i]
}

// Client is the production Data API client.
// Thread safety: all methods are safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	property   string
	token      string
	timeout    time.Duration
}

// NewClient creates a Data API client from configuration.
func NewClient(cfg *config.GA4Config) *Client {
	property := cfg.PropertyID
	if !strings.HasPrefix(property, "properties/") {
		property = "properties/" + property
	}

	return &Client{
		// The transport timeout is a backstop; the per-query budget is
		// enforced per call via context so callers can tighten it further.
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		property:   property,
		token:      cfg.AccessToken,
		timeout:    cfg.QueryTimeout,
	}
}

// wire request/response shapes for runReport.

type wireDateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type wireName struct {
	Name string `json:"name"`
}

type wireOrderBy struct {
	Metric wireMetricOrder `json:"metric"`
	Desc   bool            `json:"desc"`
}

type wireMetricOrder struct {
	MetricName string `json:"metricName"`
}

type wireRunReportRequest struct {
	DateRanges      []wireDateRange       `json:"dateRanges"`
	Dimensions      []wireName            `json:"dimensions,omitempty"`
	Metrics         []wireName            `json:"metrics"`
	DimensionFilter *wireFilterExpression `json:"dimensionFilter,omitempty"`
	OrderBys        []wireOrderBy         `json:"orderBys,omitempty"`
	Limit           string                `json:"limit,omitempty"`
}

type wireValue struct {
	Value string `json:"value"`
}

type wireRunReportResponse struct {
	Rows []struct {
		DimensionValues []wireValue `json:"dimensionValues"`
		MetricValues    []wireValue `json:"metricValues"`
	} `json:"rows"`
	RowCount int `json:"rowCount"`
}

// RunReport executes one report query under the hard per-query budget.
func (c *Client) RunReport(ctx context.Context, req *ReportRequest) (*ReportResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s:runReport", c.baseURL, c.property)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ga4: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.GA4QueryErrors.WithLabelValues("run_report", "timeout").Inc()
			return nil, fmt.Errorf("%w after %s", ErrQueryTimeout, c.timeout)
		}
		metrics.GA4QueryErrors.WithLabelValues("run_report", "api").Inc()
		return nil, fmt.Errorf("ga4: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.GA4QueryErrors.WithLabelValues("run_report", "api").Inc()
		errBody := readBodyForError(resp.Body)
		return nil, fmt.Errorf("ga4: runReport returned HTTP %d: %s", resp.StatusCode, errBody)
	}

	var wire wireRunReportResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		metrics.GA4QueryErrors.WithLabelValues("run_report", "decode").Inc()
		return nil, fmt.Errorf("ga4: decode response: %w", err)
	}

	out := &ReportResponse{
		Rows:     make([]ReportRow, 0, len(wire.Rows)),
		RowCount: wire.RowCount,
	}
	for _, row := range wire.Rows {
		r := ReportRow{
			Dimensions: make([]string, len(row.DimensionValues)),
			Metrics:    make([]string, len(row.MetricValues)),
		}
		for i, dv := range row.DimensionValues {
			r.Dimensions[i] = dv.Value
		}
		for i, mv := range row.MetricValues {
			r.Metrics[i] = mv.Value
		}
		out.Rows = append(out.Rows, r)
	}

	return out, nil
}

// encodeRequest converts a ReportRequest into the runReport wire body.
func (c *Client) encodeRequest(req *ReportRequest) ([]byte, error) {
	wire := wireRunReportRequest{
		DateRanges: []wireDateRange{{StartDate: req.DateStart, EndDate: req.DateEnd}},
		Metrics:    make([]wireName, 0, len(req.Metrics)),
	}
	for _, d := range req.Dimensions {
		wire.Dimensions = append(wire.Dimensions, wireName{Name: d})
	}
	for _, m := range req.Metrics {
		wire.Metrics = append(wire.Metrics, wireName{Name: m})
	}

	if req.Filter != nil {
		filter, err := toWire(req.Filter)
		if err != nil {
			return nil, err
		}
		wire.DimensionFilter = filter
	}

	if req.OrderByMetric != "" {
		wire.OrderBys = []wireOrderBy{{Metric: wireMetricOrder{MetricName: req.OrderByMetric}, Desc: true}}
	}
	if req.Limit > 0 {
		wire.Limit = strconv.FormatInt(req.Limit, 10)
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("ga4: encode request: %w", err)
	}
	return body, nil
}

// readBodyForError reads at most maxErrorBodySize bytes of a response body
// for error reporting.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	return body
}
