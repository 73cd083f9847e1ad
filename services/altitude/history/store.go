// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history archives finalized sessions in a local SQLite database.
//
// One row per session, written exactly once at finalization (completed,
// stopped, or abandoned) and keyed by session id, so replaying a finalize
// after a crash overwrites the same row instead of duplicating it. The
// archive outlives checkpoints: a checkpoint is cleared when its session
// ends, the history row is what remains.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

// defaultListLimit bounds List when the caller does not.
const defaultListLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS session_history (
	session_id       TEXT PRIMARY KEY,
	end_reason       TEXT NOT NULL,
	detail           TEXT NOT NULL DEFAULT '',
	total_cycles     INTEGER NOT NULL,
	low_phase_ms     INTEGER NOT NULL,
	high_phase_ms    INTEGER NOT NULL,
	started_at_ms    INTEGER NOT NULL,
	ended_at_ms      INTEGER NOT NULL,
	duration_ms      INTEGER NOT NULL,
	reading_count    INTEGER NOT NULL DEFAULT 0,
	phases_completed INTEGER NOT NULL DEFAULT 0,
	cycles_completed INTEGER NOT NULL DEFAULT 0,
	pause_count      INTEGER NOT NULL DEFAULT 0,
	skip_count       INTEGER NOT NULL DEFAULT 0,
	aggregates_json  TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_session_history_ended_at
	ON session_history(ended_at_ms DESC);
`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store persists finalized session records in SQLite.
//
// Thread Safety: Safe for concurrent use; database/sql pools connections.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the history database at path.
//
// Inputs:
//   - path: Database file path. Required.
//   - logger: Structured logger; nil falls back to slog.Default().
//
// Outputs:
//   - *Store: The opened store. Call Close when done.
//   - error: Non-nil when the file cannot be opened or the schema fails.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "history")),
	}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Finalize archives one finished session.
//
// Description:
//
//	Idempotent by session id: a re-delivered finalize (crash between
//	archive and checkpoint clear) replaces the row rather than erroring,
//	which keeps every finalizer in the fan-out safe to retry.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - rec: The frozen end-of-session record. SessionID is required.
func (s *Store) Finalize(ctx context.Context, rec protocol.FinalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("history store is not configured")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return errors.New("session id is required")
	}

	aggregates, err := json.Marshal(rec.Stats.Aggregates)
	if err != nil {
		return fmt.Errorf("marshal aggregates: %w", err)
	}

	const q = `
INSERT OR REPLACE INTO session_history (
	session_id, end_reason, detail,
	total_cycles, low_phase_ms, high_phase_ms,
	started_at_ms, ended_at_ms, duration_ms,
	reading_count, phases_completed, cycles_completed,
	pause_count, skip_count, aggregates_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, q,
		rec.SessionID,
		string(rec.Reason),
		rec.Detail,
		rec.Config.TotalCycles,
		rec.Config.LowPhaseDuration.Milliseconds(),
		rec.Config.HighPhaseDuration.Milliseconds(),
		toMillis(rec.StartTime),
		toMillis(rec.EndTime),
		rec.Duration.Milliseconds(),
		rec.Stats.ReadingCount,
		rec.Stats.PhasesCompleted,
		rec.Stats.CyclesCompleted,
		rec.Stats.PauseCount,
		rec.Stats.SkipCount,
		string(aggregates),
	)
	if err != nil {
		return fmt.Errorf("insert session history: %w", err)
	}

	s.logger.Info("session archived",
		slog.String("session_id", rec.SessionID),
		slog.String("reason", string(rec.Reason)),
		slog.Duration("duration", rec.Duration),
	)
	return nil
}

// List returns archived sessions, most recently ended first.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - limit: Maximum rows; zero or negative uses the default of 50.
func (s *Store) List(ctx context.Context, limit int) ([]protocol.FinalRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, errors.New("history store is not configured")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+`
FROM session_history ORDER BY ended_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	var out []protocol.FinalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session history: %w", err)
	}
	return out, nil
}

// Get returns one archived session by id.
//
// Outputs:
//   - protocol.FinalRecord: The record, zero when not found.
//   - bool: False when no row exists for the id.
//   - error: Non-nil on query failure.
func (s *Store) Get(ctx context.Context, sessionID string) (protocol.FinalRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return protocol.FinalRecord{}, false, err
	}
	if s == nil || s.db == nil {
		return protocol.FinalRecord{}, false, errors.New("history store is not configured")
	}

	row := s.db.QueryRowContext(ctx, selectColumns+`
FROM session_history WHERE session_id = ?`, sessionID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.FinalRecord{}, false, nil
	}
	if err != nil {
		return protocol.FinalRecord{}, false, err
	}
	return rec, true, nil
}

const selectColumns = `
SELECT session_id, end_reason, detail,
	total_cycles, low_phase_ms, high_phase_ms,
	started_at_ms, ended_at_ms, duration_ms,
	reading_count, phases_completed, cycles_completed,
	pause_count, skip_count, aggregates_json`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (protocol.FinalRecord, error) {
	var (
		rec        protocol.FinalRecord
		reason     string
		lowMs      int64
		highMs     int64
		startedMs  int64
		endedMs    int64
		durationMs int64
		aggregates string
	)

	err := row.Scan(
		&rec.SessionID,
		&reason,
		&rec.Detail,
		&rec.Config.TotalCycles,
		&lowMs,
		&highMs,
		&startedMs,
		&endedMs,
		&durationMs,
		&rec.Stats.ReadingCount,
		&rec.Stats.PhasesCompleted,
		&rec.Stats.CyclesCompleted,
		&rec.Stats.PauseCount,
		&rec.Stats.SkipCount,
		&aggregates,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan session history row: %w", err)
	}

	rec.Reason = protocol.EndReason(reason)
	rec.Config.LowPhaseDuration = time.Duration(lowMs) * time.Millisecond
	rec.Config.HighPhaseDuration = time.Duration(highMs) * time.Millisecond
	rec.StartTime = fromMillis(startedMs)
	rec.EndTime = fromMillis(endedMs)
	rec.Duration = time.Duration(durationMs) * time.Millisecond

	if aggregates != "" && aggregates != "{}" && aggregates != "null" {
		if err := json.Unmarshal([]byte(aggregates), &rec.Stats.Aggregates); err != nil {
			return rec, fmt.Errorf("unmarshal aggregates: %w", err)
		}
	}
	return rec, nil
}
