// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/stages"
)

func openTemp(t *testing.T) *SQLiteRecorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func inv(session string, stage stages.Stage, ts int64) stages.Invocation {
	return stages.Invocation{
		RequestID:   "req-" + session,
		SessionID:   session,
		Stage:       stage,
		Status:      "success",
		StatusCode:  200,
		Attempts:    1,
		ContentHash: stages.HashContent([]byte(`{"hr":120}`)),
		Timestamp:   ts,
		DurationMs:  42,
	}
}

func TestOpen_NoPath(t *testing.T) {
	_, err := Open("", nil)
	require.ErrorIs(t, err, ErrNoPath)
}

func TestRecorder_RecordAndRecent(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, inv("a", stages.Stage1, 1000)))
	require.NoError(t, r.Record(ctx, inv("a", stages.Stage2, 2000)))
	failed := inv("b", stages.Stage1, 3000)
	failed.Status = "error"
	failed.ErrorKind = "timeout"
	failed.StatusCode = 0
	failed.Attempts = 3
	require.NoError(t, r.Record(ctx, failed))

	rows, err := r.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "b", rows[0].SessionID)
	require.Equal(t, "timeout", rows[0].ErrorKind)
	require.Equal(t, 3, rows[0].Attempts)
	require.Equal(t, "S2", rows[1].Stage)
	require.Equal(t, int64(42), rows[2].DurationMs)
	require.Len(t, rows[2].ContentHash, 64)
	require.Equal(t, time.UnixMilli(1000).UTC(), rows[2].Time())

	top, err := r.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
}

func TestRecorder_ForSession(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()
	require.NoError(t, r.Record(ctx, inv("a", stages.Stage2, 2000)))
	require.NoError(t, r.Record(ctx, inv("b", stages.Stage1, 1500)))
	require.NoError(t, r.Record(ctx, inv("a", stages.Stage1, 1000)))

	rows, err := r.ForSession(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "S1", rows[0].Stage)
	require.Equal(t, "S2", rows[1].Stage)
}

func TestRecorder_Prune(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.Record(ctx, inv("a", stages.Stage1, old.UnixMilli())))
	require.NoError(t, r.Record(ctx, inv("b", stages.Stage1, fresh.UnixMilli())))

	n, err := r.Prune(ctx, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	rows, err := r.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "b", rows[0].SessionID)
}

func TestRecorder_FeedsAuditor(t *testing.T) {
	r := openTemp(t)
	a := stages.NewInvocationAuditor(nil, true, r)

	ctx := stages.ContextWithSessionID(context.Background(), "sess-9")
	blocked := inv("sess-9", stages.Stage2, 5000)
	blocked.Status = "blocked"
	a.LogBlocked(ctx, blocked, "rate limited")

	rows, err := r.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "blocked", rows[0].Status)
}
