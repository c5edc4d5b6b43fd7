// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package store provides the DuckDB-backed audit trail: one row per sync
// edge attempt plus a per-day rollup, written in the same transaction so
// the rollup can never drift from the records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver
	"github.com/google/uuid"

	"github.com/tomtom215/watchsync/internal/logging"
)

// Record statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// SyncRecord is one audited sync edge.
type SyncRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	SourceServer  string    `json:"source_server"`
	SourceUser    string    `json:"source_user"`
	TargetServer  string    `json:"target_server"`
	TargetUser    string    `json:"target_user"`
	MediaName     string    `json:"media_name"`
	MediaType     string    `json:"media_type"`
	MediaID       string    `json:"media_id,omitempty"`
	PositionTicks int64     `json:"position_ticks"`
	SyncType      string    `json:"sync_type"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// DailyStats is the per-day rollup, one row per local calendar date.
type DailyStats struct {
	Date      string    `json:"date"`
	Total     int64     `json:"total_syncs"`
	Success   int64     `json:"success_syncs"`
	Failed    int64     `json:"failed_syncs"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Totals summarizes the audit trail for the stats endpoint.
type Totals struct {
	TotalSyncs     int64 `json:"total_syncs"`
	SuccessSyncs   int64 `json:"success_syncs"`
	FailedSyncs    int64 `json:"failed_syncs"`
	TodaySyncs     int64 `json:"today_syncs"`
	ActiveUsers24h int64 `json:"active_users_24h"`
}

// RecordsPage is a paginated slice of sync records.
type RecordsPage struct {
	Records []SyncRecord `json:"records"`
	Total   int64        `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	HasMore bool         `json:"has_more"`
}

// Store is the DuckDB-backed audit store.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes the record+rollup transaction
}

// Open opens (creating if needed) the audit database at path and ensures
// the schema. An empty path opens an in-memory database, used by tests.
func Open(path string) (*Store, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// DuckDB is embedded and single-writer; one connection avoids write
	// contention errors under concurrent fan-outs.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().Str("path", path).Msg("Audit database opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema and applies in-place upgrades from older
// layouts that predate the sync_type column.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sync_records (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			source_server TEXT NOT NULL,
			source_user TEXT NOT NULL,
			target_server TEXT NOT NULL,
			target_user TEXT NOT NULL,
			media_name TEXT NOT NULL,
			media_type TEXT NOT NULL,
			media_id TEXT,
			position_ticks BIGINT NOT NULL DEFAULT 0,
			sync_type TEXT NOT NULL DEFAULT 'playback',
			status TEXT NOT NULL,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_sync_records_timestamp ON sync_records(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_sync_records_created_at ON sync_records(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_sync_records_status ON sync_records(status);
		CREATE INDEX IF NOT EXISTS idx_sync_records_source_user ON sync_records(source_user);

		CREATE TABLE IF NOT EXISTS sync_stats (
			id TEXT PRIMARY KEY,
			date DATE NOT NULL UNIQUE,
			total_syncs BIGINT NOT NULL DEFAULT 0,
			success_syncs BIGINT NOT NULL DEFAULT 0,
			failed_syncs BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply audit schema: %w", err)
		}
	}

	// Databases created before sync typing lack the column. The ALTER fails
	// harmlessly when the column already exists.
	if _, err := s.db.ExecContext(ctx,
		`ALTER TABLE sync_records ADD COLUMN sync_type TEXT NOT NULL DEFAULT 'playback'`); err == nil {
		logging.Info().Msg("Audit schema upgraded: added sync_type column")
	}

	return nil
}

// Append inserts one sync record and bumps the matching daily rollup in a
// single transaction. The stats date uses the local timezone, matching the
// day boundaries operators see.
func (s *Store) Append(ctx context.Context, rec *SyncRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.SyncType == "" {
		rec.SyncType = "playback"
	}
	rec.CreatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_records (
			id, timestamp, source_server, source_user, target_server, target_user,
			media_name, media_type, media_id, position_ticks, sync_type, status,
			error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp, rec.SourceServer, rec.SourceUser,
		rec.TargetServer, rec.TargetUser, rec.MediaName, rec.MediaType,
		nullable(rec.MediaID), rec.PositionTicks, rec.SyncType, rec.Status,
		nullable(rec.ErrorMessage), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sync record: %w", err)
	}

	success, failed := 0, 0
	if rec.Status == StatusSuccess {
		success = 1
	} else {
		failed = 1
	}

	date := rec.Timestamp.Local().Format("2006-01-02")
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_stats (id, date, total_syncs, success_syncs, failed_syncs, updated_at)
		VALUES (?, ?, 1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (date) DO UPDATE SET
			total_syncs = sync_stats.total_syncs + 1,
			success_syncs = sync_stats.success_syncs + excluded.success_syncs,
			failed_syncs = sync_stats.failed_syncs + excluded.failed_syncs,
			updated_at = now()`,
		uuid.New().String(), date, success, failed)
	if err != nil {
		return fmt.Errorf("update daily stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit transaction: %w", err)
	}
	return nil
}

// Totals returns aggregate counters for the stats endpoint. "Today" is the
// local calendar date; "active users" counts distinct source users over the
// trailing 24 hours.
func (s *Store) Totals(ctx context.Context) (*Totals, error) {
	t := &Totals{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0)
		FROM sync_records`).Scan(&t.TotalSyncs, &t.SuccessSyncs, &t.FailedSyncs)
	if err != nil {
		return nil, fmt.Errorf("query sync totals: %w", err)
	}

	today := time.Now().Local().Format("2006-01-02")
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_syncs), 0) FROM sync_stats WHERE date = ?`, today).
		Scan(&t.TodaySyncs)
	if err != nil {
		return nil, fmt.Errorf("query today's stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT source_user) FROM sync_records
		WHERE timestamp >= ?`, time.Now().Add(-24*time.Hour)).Scan(&t.ActiveUsers24h)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}

	return t, nil
}

// DailyStats returns up to days of per-day rollups, newest first.
func (s *Store) DailyStats(ctx context.Context, days int) ([]DailyStats, error) {
	if days <= 0 {
		days = 30
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT CAST(date AS VARCHAR), total_syncs, success_syncs, failed_syncs, updated_at
		FROM sync_stats ORDER BY date DESC LIMIT ?`, days)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var out []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Date, &d.Total, &d.Success, &d.Failed, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan daily stats: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Records returns a page of sync records, newest first. Limit is clamped
// to [10, 100] and negative offsets are treated as zero.
func (s *Store) Records(ctx context.Context, limit, offset int) (*RecordsPage, error) {
	if limit < 10 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	page := &RecordsPage{Limit: limit, Offset: offset, Records: []SyncRecord{}}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_records`).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count sync records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, source_server, source_user, target_server, target_user,
			media_name, media_type, COALESCE(media_id, ''), position_ticks, sync_type,
			status, COALESCE(error_message, ''), created_at
		FROM sync_records
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query sync records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r SyncRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.SourceServer, &r.SourceUser,
			&r.TargetServer, &r.TargetUser, &r.MediaName, &r.MediaType, &r.MediaID,
			&r.PositionTicks, &r.SyncType, &r.Status, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		page.Records = append(page.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page.HasMore = int64(offset+len(page.Records)) < page.Total
	return page, nil
}

// Purge deletes records older than the given number of days. Days is
// clamped to [1, 365]. Returns the number of deleted rows.
func (s *Store) Purge(ctx context.Context, days int) (int64, error) {
	if days < 1 {
		days = 1
	}
	if days > 365 {
		days = 365
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sync records: %w", err)
	}

	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		logging.Info().Int64("deleted", deleted).Int("days", days).
			Msg("Purged old sync records")
	}
	return deleted, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
