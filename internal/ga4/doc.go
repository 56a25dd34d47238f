// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

// Package ga4 turns the raw Google Analytics 4 event stream into consistent,
// locale/country-filtered business metrics for the admin dashboard.
//
// The package has two halves:
//
//   - A thin Data API client (client.go, filters.go, breaker.go) that
//     composes and executes runReport queries under a hard per-query timeout
//     and circuit breaker protection.
//
//   - The metrics query engine (engine.go, reconcile.go) that repairs known
//     inconsistencies in the underlying metrics model before exposing
//     results: the EN = ALL - FR locale subtraction, country breakdowns
//     rescaled to the authoritative user total, and top-video tables that
//     never fabricate watch time.
//
// Low-level counters (Sessions, Plays, Completes, TotalUsers) propagate
// query failures as hard errors. Aggregate table shapes (TopVideosTable,
// TopCountries, Referrers, Languages) catch failures and degrade to empty
// slices or a sentinel row so dashboards render partial data instead of
// crashing.
package ga4
