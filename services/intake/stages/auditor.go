// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Invocation record
// =============================================================================

// Invocation captures one stage call for the audit trail. It never holds
// feature values, only a hash of the payload.
//
// Thread Safety: Invocation is a value type and safe to copy.
type Invocation struct {
	RequestID string
	SessionID string
	Stage     Stage

	// Status is "success", "error" or "blocked".
	Status string

	// ErrorKind is the classifyError label for failed calls.
	ErrorKind string

	StatusCode int
	Attempts   int

	// ContentHash is the SHA256 hex digest of the request payload.
	ContentHash string

	// Timestamp is when the call started (Unix milliseconds UTC).
	Timestamp int64

	DurationMs int64
}

// Recorder persists invocations. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, inv Invocation) error
}

type sessionIDKey struct{}

// ContextWithSessionID attaches a session id that the auditor copies into
// every invocation made under ctx.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the session id attached by
// ContextWithSessionID, or "".
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// =============================================================================
// InvocationAuditor
// =============================================================================

// InvocationAuditor produces structured audit log entries for stage calls
// and optionally forwards them to a Recorder.
//
// Description:
//
//	Each entry carries request_id, session_id, trace_id, stage, status and
//	the payload hash. Feature values are never logged.
//
// Thread Safety: Safe for concurrent use (slog.Logger is concurrent-safe).
type InvocationAuditor struct {
	logger   *slog.Logger
	enabled  bool
	recorder Recorder
}

// NewInvocationAuditor creates an auditor.
//
// Inputs:
//   - logger: The structured logger for audit output. Nil uses slog.Default().
//   - enabled: Whether audit logging is active.
//   - recorder: Optional persistent sink. May be nil.
func NewInvocationAuditor(logger *slog.Logger, enabled bool, recorder Recorder) *InvocationAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvocationAuditor{logger: logger, enabled: enabled, recorder: recorder}
}

// LogBefore logs an entry before the first request of a call is sent.
func (a *InvocationAuditor) LogBefore(ctx context.Context, inv Invocation) {
	if a == nil || !a.enabled {
		return
	}
	a.loggerWithTrace(ctx).Info("stage request",
		slog.String("event", "stage_before"),
		slog.String("request_id", inv.RequestID),
		slog.String("session_id", inv.SessionID),
		slog.String("stage", string(inv.Stage)),
		slog.String("content_hash", inv.ContentHash),
		slog.Int64("timestamp", inv.Timestamp),
	)
}

// LogAfter logs the outcome of a call and forwards it to the recorder.
func (a *InvocationAuditor) LogAfter(ctx context.Context, inv Invocation, callErr error) {
	if a == nil || !a.enabled {
		return
	}
	attrs := []any{
		slog.String("event", "stage_after"),
		slog.String("request_id", inv.RequestID),
		slog.String("session_id", inv.SessionID),
		slog.String("stage", string(inv.Stage)),
		slog.String("status", inv.Status),
		slog.Int("attempts", inv.Attempts),
		slog.Int64("duration_ms", inv.DurationMs),
	}
	if inv.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status_code", inv.StatusCode))
	}
	if callErr != nil {
		attrs = append(attrs,
			slog.String("error_kind", inv.ErrorKind),
			slog.String("error", SafeLogString(callErr.Error())),
		)
	}
	a.loggerWithTrace(ctx).Info("stage response", attrs...)
	a.record(ctx, inv)
}

// LogBlocked logs a call refused before any request was sent.
func (a *InvocationAuditor) LogBlocked(ctx context.Context, inv Invocation, reason string) {
	if a == nil || !a.enabled {
		return
	}
	a.loggerWithTrace(ctx).Warn("stage blocked",
		slog.String("event", "stage_blocked"),
		slog.String("request_id", inv.RequestID),
		slog.String("session_id", inv.SessionID),
		slog.String("stage", string(inv.Stage)),
		slog.String("reason", reason),
		slog.Int64("timestamp", inv.Timestamp),
	)
	a.record(ctx, inv)
}

func (a *InvocationAuditor) record(ctx context.Context, inv Invocation) {
	if a.recorder == nil {
		return
	}
	// The caller's context may already be past its deadline after a timeout;
	// the audit write gets its own short budget.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.recorder.Record(rctx, inv); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("audit record failed",
			slog.String("request_id", inv.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

// loggerWithTrace returns a logger enriched with trace context.
func (a *InvocationAuditor) loggerWithTrace(ctx context.Context) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return a.logger
	}
	return a.logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// HashContent computes the SHA256 hex digest of content for audit purposes.
// Returns "" for empty input.
func HashContent(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%x", sum)
}
