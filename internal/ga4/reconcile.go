// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package ga4

import (
	"math"

	"github.com/mementofilms/backoffice/internal/models"
)

// rescaleToTotal proportionally rescales a raw per-country breakdown so its
// sum equals the authoritative total exactly, assigning the rounding
// remainder to the last entry.
//
// The per-dimension breakdown and the plain user total are known to disagree
// under current GA4 semantics; showing the authoritative total consistently
// matters more than showing the API's raw breakdown, so the mismatch is
// corrected silently rather than treated as an error.
func rescaleToTotal(raw []models.CountryVisitors, total int64) []models.CountryVisitors {
	if len(raw) == 0 {
		return []models.CountryVisitors{}
	}

	var rawSum int64
	for _, entry := range raw {
		rawSum += entry.Visitors
	}

	out := make([]models.CountryVisitors, len(raw))
	if rawSum <= 0 {
		// No proportions to preserve; put everything on the last entry so
		// the sum invariant still holds.
		copy(out, raw)
		for i := range out {
			out[i].Visitors = 0
		}
		out[len(out)-1].Visitors = total
		return out
	}

	ratio := float64(total) / float64(rawSum)
	var running int64
	for i, entry := range raw {
		if i == len(raw)-1 {
			out[i] = models.CountryVisitors{Country: entry.Country, Visitors: total - running}
			break
		}
		scaled := int64(math.Round(float64(entry.Visitors) * ratio))
		out[i] = models.CountryVisitors{Country: entry.Country, Visitors: scaled}
		running += scaled
	}

	return out
}
