// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mementofilms/backoffice/internal/models"
)

// sessionDateLayout is the format of session-window date bounds.
const sessionDateLayout = "2006-01-02"

// UpsertSession inserts a session row or refreshes its mutable fields.
// Enriched location columns are preserved on conflict: re-ingesting a
// session must never erase a completed geolocation.
func (db *DB) UpsertSession(ctx context.Context, s *models.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO sessions (session_id, ip_address, language, is_production, created_at, country, region, city)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			ip_address    = EXCLUDED.ip_address,
			language      = EXCLUDED.language,
			is_production = EXCLUDED.is_production,
			country       = COALESCE(sessions.country, EXCLUDED.country),
			region        = COALESCE(sessions.region, EXCLUDED.region),
			city          = COALESCE(sessions.city, EXCLUDED.city)`

	_, err := db.conn.ExecContext(ctx, query,
		s.SessionID, s.IPAddress, s.Language, s.IsProduction, s.CreatedAt,
		s.Country, s.Region, s.City)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", s.SessionID, err)
	}
	return nil
}

// GetAnalyticsSessions returns the sessions matching an enrichment window.
// DateFrom/DateTo are inclusive calendar days; Language filters exactly when
// set; IncludeProduction false restricts to non-production traffic.
func (db *DB) GetAnalyticsSessions(ctx context.Context, params models.EnrichmentParams) ([]models.Session, error) {
	from, err := time.Parse(sessionDateLayout, params.DateFrom)
	if err != nil {
		return nil, fmt.Errorf("invalid dateFrom %q: %w", params.DateFrom, err)
	}
	to, err := time.Parse(sessionDateLayout, params.DateTo)
	if err != nil {
		return nil, fmt.Errorf("invalid dateTo %q: %w", params.DateTo, err)
	}
	// End bound is exclusive midnight of the following day.
	toExclusive := to.AddDate(0, 0, 1)

	query := `
		SELECT session_id, ip_address, language, is_production, created_at, country, region, city
		FROM sessions
		WHERE created_at >= ? AND created_at < ?`
	args := []any{from, toExclusive}

	if params.Language != "" {
		query += " AND language = ?"
		args = append(args, params.Language)
	}
	if !params.IncludeProduction {
		query += " AND is_production = false"
	}
	query += " ORDER BY created_at"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		var country, region, city sql.NullString
		if err := rows.Scan(&s.SessionID, &s.IPAddress, &s.Language, &s.IsProduction, &s.CreatedAt, &country, &region, &city); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if country.Valid {
			s.Country = &country.String
		}
		if region.Valid {
			s.Region = &region.String
		}
		if city.Valid {
			s.City = &city.String
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}

	return sessions, nil
}

// UpdateSessionLocation writes a geolocation result to every session sharing
// the IP address and returns the number of rows updated.
func (db *DB) UpdateSessionLocation(ctx context.Context, ipAddress string, loc models.Location) (int64, error) {
	const query = `
		UPDATE sessions
		SET country = ?, region = ?, city = ?
		WHERE ip_address = ?`

	res, err := db.conn.ExecContext(ctx, query, loc.Country, loc.Region, loc.City, ipAddress)
	if err != nil {
		return 0, fmt.Errorf("failed to update location for %s: %w", ipAddress, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected, nil
}

// CountSessions returns the total session count, used by the health endpoint.
func (db *DB) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}
