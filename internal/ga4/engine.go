// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package ga4

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mementofilms/backoffice/internal/logging"
	"github.com/mementofilms/backoffice/internal/metrics"
	"github.com/mementofilms/backoffice/internal/models"
)

// Data API dimension and metric names used by the engine.
const (
	dimEventName     = "eventName"
	dimCountry       = "country"
	dimDate          = "date"
	dimLanguage      = "language"
	dimSessionSource = "sessionSource"
	dimVideoID       = "customEvent:video_id"
	dimVideoTitle    = "customEvent:video_title"
	dimProgressPct   = "customEvent:progress_pct"

	metricSessions   = "sessions"
	metricTotalUsers = "totalUsers"
	metricEventCount = "eventCount"
	metricWatchTime  = "customEvent:watch_time_seconds"

	eventVideoStart    = "video_start"
	eventVideoProgress = "video_progress"
	eventVideoComplete = "video_complete"

	// topVideoLimit bounds per-video breakdowns; the marketing site hosts a
	// small catalogue so 50 covers everything with room to spare.
	topVideoLimit = 50

	// breakdownLimit bounds the country/referrer/language tables.
	breakdownLimit = 10
)

// funnelBuckets are the fixed video_progress thresholds of the funnel.
var funnelBuckets = []int{10, 25, 50, 75, 90}

// sentinelUnavailableID marks the single degraded row TopVideosTable returns
// when the underlying queries fail entirely. Dashboards render it as a
// "temporarily unavailable" state, not an error.
const sentinelUnavailableID = "unavailable"

// Engine composes filtered Data API queries and repairs known
// inconsistencies in the raw metrics model before exposing results.
//
// Engine is stateless: every call builds its own filter tree and result set,
// so independent dashboard requests can run concurrently.
type Engine struct {
	api       DataAPI
	localeDim string
}

// NewEngine creates a metrics query engine on top of a Data API client.
// localeDim is the custom dimension carrying the site locale ("fr"/"en").
func NewEngine(api DataAPI, localeDim string) *Engine {
	if localeDim == "" {
		localeDim = "customEvent:locale"
	}
	return &Engine{api: api, localeDim: localeDim}
}

// runCount executes a dimensionless single-metric report and returns the
// value. A report with no rows is a legitimate zero, not an error.
func (e *Engine) runCount(ctx context.Context, operation, metric string, q models.MetricQuery, filter FilterExpression) (int64, error) {
	start := time.Now()
	resp, err := e.api.RunReport(ctx, &ReportRequest{
		DateStart: q.DateStart,
		DateEnd:   q.DateEnd,
		Metrics:   []string{metric},
		Filter:    filter,
	})
	metrics.GA4QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("%s query: %w", operation, err)
	}

	if len(resp.Rows) == 0 {
		return 0, nil
	}
	return resp.Rows[0].MetricInt64(0), nil
}

// Sessions counts site sessions for the query window, filtered by locale and
// country.
//
// There is no clean "is English" predicate in the data (undetermined locales
// must count as English), so locale "en" is computed by subtraction: total
// sessions for the country filter minus French sessions for the same filter,
// clamped at zero. This construction guarantees en + fr == all for every
// country filter value.
func (e *Engine) Sessions(ctx context.Context, q models.MetricQuery) (int64, error) {
	country := countryFilter(q.Country)

	if q.Locale == models.LocaleEN {
		all, err := e.runCount(ctx, "sessions", metricSessions, q, country)
		if err != nil {
			return 0, err
		}
		frFilter := combineFilters(localeFilter(models.LocaleFR, e.localeDim), country)
		fr, err := e.runCount(ctx, "sessions", metricSessions, q, frFilter)
		if err != nil {
			return 0, err
		}
		if fr > all {
			return 0, nil
		}
		return all - fr, nil
	}

	filter := combineFilters(localeFilter(q.Locale, e.localeDim), country)
	return e.runCount(ctx, "sessions", metricSessions, q, filter)
}

// TotalUsers returns the authoritative user total for the window. It is the
// ground truth the country breakdown is reconciled against.
func (e *Engine) TotalUsers(ctx context.Context, dateStart, dateEnd string) (int64, error) {
	q := models.MetricQuery{DateStart: dateStart, DateEnd: dateEnd}
	return e.runCount(ctx, "total_users", metricTotalUsers, q, nil)
}

// Plays counts video_start events under the composed locale/country filter.
func (e *Engine) Plays(ctx context.Context, q models.MetricQuery) (int64, error) {
	filter := combineFilters(
		BasicFilter{Field: dimEventName, Value: eventVideoStart},
		localeFilter(q.Locale, e.localeDim),
		countryFilter(q.Country),
	)
	return e.runCount(ctx, "plays", metricEventCount, q, filter)
}

// Completes counts completion events: video_complete, or video_progress at
// the 100% bucket, under the composed locale/country filter.
func (e *Engine) Completes(ctx context.Context, q models.MetricQuery) (int64, error) {
	filter := combineFilters(
		completionFilter(),
		localeFilter(q.Locale, e.localeDim),
		countryFilter(q.Country),
	)
	return e.runCount(ctx, "completes", metricEventCount, q, filter)
}

// completionFilter matches either completion signal the player emits.
func completionFilter() FilterExpression {
	return OrGroup{Expressions: []FilterExpression{
		BasicFilter{Field: dimEventName, Value: eventVideoComplete},
		AndGroup{Expressions: []FilterExpression{
			BasicFilter{Field: dimEventName, Value: eventVideoProgress},
			BasicFilter{Field: dimProgressPct, Value: "100"},
		}},
	}}
}

// videoAgg is a per-video accumulator used by the join helpers.
type videoAgg struct {
	title string
	value int64
}

// runByVideo executes a per-video single-metric report and returns a map
// keyed by video id, plus the id order as returned by the API.
func (e *Engine) runByVideo(ctx context.Context, operation, metric string, q models.MetricQuery, filter FilterExpression) (map[string]videoAgg, []string, error) {
	start := time.Now()
	resp, err := e.api.RunReport(ctx, &ReportRequest{
		DateStart:     q.DateStart,
		DateEnd:       q.DateEnd,
		Dimensions:    []string{dimVideoID, dimVideoTitle},
		Metrics:       []string{metric},
		Filter:        filter,
		OrderByMetric: metric,
		Limit:         topVideoLimit,
	})
	metrics.GA4QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, nil, fmt.Errorf("%s query: %w", operation, err)
	}

	out := make(map[string]videoAgg, len(resp.Rows))
	order := make([]string, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		id := row.Dimension(0)
		if id == "" || id == "(not set)" {
			continue
		}
		out[id] = videoAgg{title: row.Dimension(1), value: row.MetricInt64(0)}
		order = append(order, id)
	}
	return out, order, nil
}

// playsByVideo returns video_start counts grouped by video identity.
func (e *Engine) playsByVideo(ctx context.Context, q models.MetricQuery) (map[string]videoAgg, []string, error) {
	filter := combineFilters(
		BasicFilter{Field: dimEventName, Value: eventVideoStart},
		localeFilter(q.Locale, e.localeDim),
		countryFilter(q.Country),
	)
	return e.runByVideo(ctx, "plays_by_video", metricEventCount, q, filter)
}

// completesByVideo returns completion counts grouped by video identity.
func (e *Engine) completesByVideo(ctx context.Context, q models.MetricQuery) (map[string]videoAgg, []string, error) {
	filter := combineFilters(
		completionFilter(),
		localeFilter(q.Locale, e.localeDim),
		countryFilter(q.Country),
	)
	return e.runByVideo(ctx, "completes_by_video", metricEventCount, q, filter)
}

// watchTimeRaw reads the per-event custom watch-time metric grouped by video
// identity. This metric is the single source of truth for watch time; a
// video missing from the result simply has zero measured watch time.
func (e *Engine) watchTimeRaw(ctx context.Context, q models.MetricQuery) (map[string]videoAgg, error) {
	filter := combineFilters(
		localeFilter(q.Locale, e.localeDim),
		countryFilter(q.Country),
	)
	byVideo, _, err := e.runByVideo(ctx, "watch_time_by_video", metricWatchTime, q, filter)
	return byVideo, err
}

// WatchTimeByVideo joins measured watch time with per-video plays, ordered
// by play count descending. Watch time is never estimated: videos without
// the custom metric report 0.
func (e *Engine) WatchTimeByVideo(ctx context.Context, q models.MetricQuery) ([]models.VideoWatchTime, error) {
	plays, order, err := e.playsByVideo(ctx, q)
	if err != nil {
		return nil, err
	}
	watch, err := e.watchTimeRaw(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]models.VideoWatchTime, 0, len(order))
	for _, id := range order {
		p := plays[id]
		out = append(out, models.VideoWatchTime{
			VideoID:          id,
			Title:            p.title,
			Plays:            p.value,
			WatchTimeSeconds: watch[id].value,
		})
	}
	return out, nil
}

// TopVideosTable builds the dashboard's per-video table: a left join on
// plays, with completes and watch time defaulting to 0 for missing videos.
//
// avgWatchSeconds is derived from the authentic watch-time metric only; when
// a video has plays but no measured watch time the average is 0, never an
// estimate from plays or duration.
//
// reach50Pct approximates the 50%-watched share as 70% of the completion
// rate. The funnel endpoint has genuine bucket data; the table keeps the
// historical heuristic so trend lines stay comparable across deployments.
//
// On total query failure the table degrades to a single sentinel row so the
// dashboard renders an "unavailable" state instead of crashing.
func (e *Engine) TopVideosTable(ctx context.Context, q models.MetricQuery) []models.VideoMetricRow {
	plays, order, err := e.playsByVideo(ctx, q)
	if err != nil {
		return e.degradedVideoTable("plays_by_video", err)
	}
	completes, _, err := e.completesByVideo(ctx, q)
	if err != nil {
		return e.degradedVideoTable("completes_by_video", err)
	}
	watch, err := e.watchTimeRaw(ctx, q)
	if err != nil {
		return e.degradedVideoTable("watch_time_by_video", err)
	}

	rows := make([]models.VideoMetricRow, 0, len(order))
	for _, id := range order {
		p := plays[id]
		row := models.VideoMetricRow{
			VideoID:          id,
			Title:            p.title,
			Plays:            p.value,
			Completes:        completes[id].value,
			WatchTimeSeconds: watch[id].value,
		}

		if row.Plays > 0 {
			row.CompletePct = int(math.Round(float64(row.Completes) / float64(row.Plays) * 100))
		}
		row.Reach50Pct = int(math.Round(float64(row.CompletePct) * 0.7))
		if row.Plays > 0 && row.WatchTimeSeconds > 0 {
			row.AvgWatchSeconds = int64(math.Round(float64(row.WatchTimeSeconds) / float64(row.Plays)))
		}

		rows = append(rows, row)
	}
	return rows
}

// degradedVideoTable logs a total table failure and returns the sentinel row.
func (e *Engine) degradedVideoTable(operation string, err error) []models.VideoMetricRow {
	logging.Error().Err(err).Str("operation", operation).Msg("Top videos table degraded to sentinel row")
	metrics.GA4DegradedResponses.WithLabelValues("top_videos").Inc()
	return []models.VideoMetricRow{{
		VideoID: sentinelUnavailableID,
		Title:   "Analytics temporarily unavailable",
	}}
}

// TopCountries returns the per-country visitor breakdown, proportionally
// reconciled so its sum equals the authoritative TotalUsers exactly even
// though the two underlying API calls may disagree. Degrades to an empty
// slice on failure.
func (e *Engine) TopCountries(ctx context.Context, dateStart, dateEnd string) []models.CountryVisitors {
	start := time.Now()
	resp, err := e.api.RunReport(ctx, &ReportRequest{
		DateStart:     dateStart,
		DateEnd:       dateEnd,
		Dimensions:    []string{dimCountry},
		Metrics:       []string{metricTotalUsers},
		OrderByMetric: metricTotalUsers,
		Limit:         breakdownLimit,
	})
	metrics.GA4QueryDuration.WithLabelValues("top_countries").Observe(time.Since(start).Seconds())
	if err != nil {
		logging.Error().Err(err).Msg("Top countries breakdown degraded to empty")
		metrics.GA4DegradedResponses.WithLabelValues("top_countries").Inc()
		return []models.CountryVisitors{}
	}

	raw := make([]models.CountryVisitors, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		raw = append(raw, models.CountryVisitors{Country: row.Dimension(0), Visitors: row.MetricInt64(0)})
	}

	total, err := e.TotalUsers(ctx, dateStart, dateEnd)
	if err != nil {
		logging.Error().Err(err).Msg("Total users for country reconciliation failed, degrading to empty")
		metrics.GA4DegradedResponses.WithLabelValues("top_countries").Inc()
		return []models.CountryVisitors{}
	}

	return rescaleToTotal(raw, total)
}

// Referrers returns the session-referrer breakdown. Degrades to empty.
func (e *Engine) Referrers(ctx context.Context, dateStart, dateEnd string) []models.ReferrerCount {
	resp, err := e.api.RunReport(ctx, &ReportRequest{
		DateStart:     dateStart,
		DateEnd:       dateEnd,
		Dimensions:    []string{dimSessionSource},
		Metrics:       []string{metricSessions},
		OrderByMetric: metricSessions,
		Limit:         breakdownLimit,
	})
	if err != nil {
		logging.Error().Err(err).Msg("Referrer breakdown degraded to empty")
		metrics.GA4DegradedResponses.WithLabelValues("referrers").Inc()
		return []models.ReferrerCount{}
	}

	out := make([]models.ReferrerCount, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		out = append(out, models.ReferrerCount{Referrer: row.Dimension(0), Sessions: row.MetricInt64(0)})
	}
	return out
}

// Languages returns the browser-language breakdown. Degrades to empty.
func (e *Engine) Languages(ctx context.Context, dateStart, dateEnd string) []models.LanguageCount {
	resp, err := e.api.RunReport(ctx, &ReportRequest{
		DateStart:     dateStart,
		DateEnd:       dateEnd,
		Dimensions:    []string{dimLanguage},
		Metrics:       []string{metricSessions},
		OrderByMetric: metricSessions,
		Limit:         breakdownLimit,
	})
	if err != nil {
		logging.Error().Err(err).Msg("Language breakdown degraded to empty")
		metrics.GA4DegradedResponses.WithLabelValues("languages").Inc()
		return []models.LanguageCount{}
	}

	out := make([]models.LanguageCount, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		out = append(out, models.LanguageCount{Language: row.Dimension(0), Sessions: row.MetricInt64(0)})
	}
	return out
}

// Overview composes the headline numbers from the same authoritative
// counters the rest of the dashboard uses.
func (e *Engine) Overview(ctx context.Context, q models.MetricQuery) (*models.Overview, error) {
	totalUsers, err := e.TotalUsers(ctx, q.DateStart, q.DateEnd)
	if err != nil {
		return nil, err
	}
	sessions, err := e.Sessions(ctx, q)
	if err != nil {
		return nil, err
	}
	plays, err := e.Plays(ctx, q)
	if err != nil {
		return nil, err
	}
	completes, err := e.Completes(ctx, q)
	if err != nil {
		return nil, err
	}

	out := &models.Overview{
		TotalUsers: totalUsers,
		Sessions:   sessions,
		Plays:      plays,
		Completes:  completes,
	}
	if sessions > 0 {
		out.PlayRatePct = math.Round(float64(plays)/float64(sessions)*1000) / 10
	}
	if plays > 0 {
		out.CompletionPct = math.Round(float64(completes)/float64(plays)*1000) / 10
	}
	return out, nil
}

// dateLayout is the wire format of query date bounds.
const dateLayout = "2006-01-02"

// ga4DateLayout is the format of the Data API "date" dimension values.
const ga4DateLayout = "20060102"

// SessionsTrendWithComparison computes the daily sessions series for the
// requested period and the immediately-preceding equal-length period,
// aligned by relative day offset rather than calendar date. Period totals
// come from the same authoritative Sessions/TotalUsers functions used by the
// overview, never re-derived from the daily rows, so every dashboard widget
// agrees on the headline numbers.
func (e *Engine) SessionsTrendWithComparison(ctx context.Context, q models.MetricQuery) (*models.SessionsTrend, error) {
	periodStart, err := time.Parse(dateLayout, q.DateStart)
	if err != nil {
		return nil, fmt.Errorf("invalid dateStart %q: %w", q.DateStart, err)
	}
	periodEnd, err := time.Parse(dateLayout, q.DateEnd)
	if err != nil {
		return nil, fmt.Errorf("invalid dateEnd %q: %w", q.DateEnd, err)
	}
	if periodEnd.Before(periodStart) {
		return nil, fmt.Errorf("dateEnd %q precedes dateStart %q", q.DateEnd, q.DateStart)
	}

	days := int(periodEnd.Sub(periodStart).Hours()/24) + 1
	prevEnd := periodStart.AddDate(0, 0, -1)
	prevStart := prevEnd.AddDate(0, 0, -(days - 1))

	filter := combineFilters(localeFilter(q.Locale, e.localeDim), countryFilter(q.Country))

	current, err := e.dailySessions(ctx, periodStart, days, q.DateStart, q.DateEnd, filter)
	if err != nil {
		return nil, err
	}
	previous, err := e.dailySessions(ctx, prevStart, days, prevStart.Format(dateLayout), prevEnd.Format(dateLayout), filter)
	if err != nil {
		return nil, err
	}

	sessions, err := e.Sessions(ctx, q)
	if err != nil {
		return nil, err
	}
	totalUsers, err := e.TotalUsers(ctx, q.DateStart, q.DateEnd)
	if err != nil {
		return nil, err
	}

	return &models.SessionsTrend{
		Current:  current,
		Previous: previous,
		Totals:   models.PeriodTotals{Sessions: sessions, TotalUsers: totalUsers},
	}, nil
}

// dailySessions fetches the per-day sessions series for one period and fills
// missing days with zero so both comparison series have equal length.
func (e *Engine) dailySessions(ctx context.Context, periodStart time.Time, days int, dateStart, dateEnd string, filter FilterExpression) ([]models.DailySessions, error) {
	start := time.Now()
	resp, err := e.api.RunReport(ctx, &ReportRequest{
		DateStart:  dateStart,
		DateEnd:    dateEnd,
		Dimensions: []string{dimDate},
		Metrics:    []string{metricSessions},
		Filter:     filter,
	})
	metrics.GA4QueryDuration.WithLabelValues("sessions_trend").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("sessions trend query: %w", err)
	}

	byOffset := make(map[int]int64, len(resp.Rows))
	for _, row := range resp.Rows {
		day, err := time.Parse(ga4DateLayout, row.Dimension(0))
		if err != nil {
			logging.Warn().Str("date", row.Dimension(0)).Msg("Skipping unparseable date dimension value")
			continue
		}
		offset := int(day.Sub(periodStart).Hours() / 24)
		if offset < 0 || offset >= days {
			continue
		}
		byOffset[offset] = row.MetricInt64(0)
	}

	out := make([]models.DailySessions, days)
	for i := 0; i < days; i++ {
		out[i] = models.DailySessions{
			Date:     periodStart.AddDate(0, 0, i).Format(dateLayout),
			Offset:   i,
			Sessions: byOffset[i],
		}
	}
	return out, nil
}

// VideoFunnel counts video_progress events per fixed progress bucket under
// AND-composed video/locale/country filters. Buckets are independent
// queries, not cumulative, and are not required to be monotonic since users
// may seek.
func (e *Engine) VideoFunnel(ctx context.Context, q models.MetricQuery, videoID string) ([]models.FunnelBucket, error) {
	var videoFilter FilterExpression
	if videoID != "" {
		videoFilter = BasicFilter{Field: dimVideoID, Value: videoID}
	}

	results := make([]models.FunnelBucket, len(funnelBuckets))
	errs := make([]error, len(funnelBuckets))

	var wg sync.WaitGroup
	for i, bucket := range funnelBuckets {
		wg.Add(1)
		go func(i, bucket int) {
			defer wg.Done()
			filter := combineFilters(
				BasicFilter{Field: dimEventName, Value: eventVideoProgress},
				BasicFilter{Field: dimProgressPct, Value: strconv.Itoa(bucket)},
				videoFilter,
				localeFilter(q.Locale, e.localeDim),
				countryFilter(q.Country),
			)
			count, err := e.runCount(ctx, "video_funnel", metricEventCount, q, filter)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = models.FunnelBucket{Bucket: bucket, Count: count}
		}(i, bucket)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(results, func(a, b int) bool { return results[a].Bucket < results[b].Bucket })
	return results, nil
}
