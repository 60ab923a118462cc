// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit persists the stage invocation trail to SQLite.
//
// The trail holds call metadata and a payload hash only. Feature values
// never reach the database.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/stages"
)

// ErrNoPath is returned by Open for an empty path.
var ErrNoPath = errors.New("audit: database path required")

const schema = `
CREATE TABLE IF NOT EXISTS stage_invocations (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id   TEXT NOT NULL,
	session_id   TEXT NOT NULL DEFAULT '',
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL,
	error_kind   TEXT NOT NULL DEFAULT '',
	status_code  INTEGER NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	started_at   INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_stage_invocations_session
	ON stage_invocations (session_id, started_at);
`

// Row is one persisted invocation.
type Row struct {
	ID          int64  `db:"id" json:"id"`
	RequestID   string `db:"request_id" json:"request_id"`
	SessionID   string `db:"session_id" json:"session_id"`
	Stage       string `db:"stage" json:"stage"`
	Status      string `db:"status" json:"status"`
	ErrorKind   string `db:"error_kind" json:"error_kind,omitempty"`
	StatusCode  int    `db:"status_code" json:"status_code,omitempty"`
	Attempts    int    `db:"attempts" json:"attempts"`
	ContentHash string `db:"content_hash" json:"content_hash"`
	StartedAt   int64  `db:"started_at" json:"started_at"`
	DurationMs  int64  `db:"duration_ms" json:"duration_ms"`
}

// Time returns StartedAt as a UTC time.
func (r Row) Time() time.Time {
	return time.UnixMilli(r.StartedAt).UTC()
}

// SQLiteRecorder implements stages.Recorder on a SQLite file.
//
// Thread Safety: Safe for concurrent use. The pool is limited to one
// connection so writes never contend for the file lock.
type SQLiteRecorder struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the audit database at path.
//
// Inputs:
//   - path: SQLite file path.
//   - logger: May be nil.
//
// Outputs:
//   - *SQLiteRecorder: Caller must Close it.
//   - error: ErrNoPath, or an open or schema error.
func Open(path string, logger *slog.Logger) (*SQLiteRecorder, error) {
	if path == "" {
		return nil, ErrNoPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logger.Info("audit database ready", slog.String("path", path))
	return &SQLiteRecorder{db: db, logger: logger}, nil
}

// Close closes the database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

// Record implements stages.Recorder.
func (r *SQLiteRecorder) Record(ctx context.Context, inv stages.Invocation) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO stage_invocations
		(request_id, session_id, stage, status, error_kind, status_code, attempts, content_hash, started_at, duration_ms)
		VALUES (:request_id, :session_id, :stage, :status, :error_kind, :status_code, :attempts, :content_hash, :started_at, :duration_ms)`,
		fromInvocation(inv))
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// Recent returns up to limit rows, newest first.
func (r *SQLiteRecorder) Recent(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []Row
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM stage_invocations ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select invocations: %w", err)
	}
	return rows, nil
}

// ForSession returns every row for sessionID in call order.
func (r *SQLiteRecorder) ForSession(ctx context.Context, sessionID string) ([]Row, error) {
	var rows []Row
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM stage_invocations WHERE session_id = ? ORDER BY started_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select session invocations: %w", err)
	}
	return rows, nil
}

// Prune deletes rows that started before cutoff and returns how many were
// removed.
func (r *SQLiteRecorder) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM stage_invocations WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.logger.Info("audit rows pruned", slog.Int64("rows", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}

func fromInvocation(inv stages.Invocation) Row {
	return Row{
		RequestID:   inv.RequestID,
		SessionID:   inv.SessionID,
		Stage:       string(inv.Stage),
		Status:      inv.Status,
		ErrorKind:   inv.ErrorKind,
		StatusCode:  inv.StatusCode,
		Attempts:    inv.Attempts,
		ContentHash: inv.ContentHash,
		StartedAt:   inv.Timestamp,
		DurationMs:  inv.DurationMs,
	}
}

var _ stages.Recorder = (*SQLiteRecorder)(nil)
