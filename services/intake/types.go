// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intake

import (
	"time"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/canonical"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/gate"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/orchestrator"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/readiness"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/session"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
)

// =============================================================================
// Error codes
// =============================================================================

const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidDocument     = "INVALID_DOCUMENT"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeStoreError          = "STORE_ERROR"
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeUpstreamHTTPError   = "UPSTREAM_HTTP_ERROR"
	CodeUpstreamUnreachable = "UPSTREAM_UNREACHABLE"
	CodeUpstreamMalformed   = "UPSTREAM_MALFORMED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotReady            = "NOT_READY"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// =============================================================================
// Requests
// =============================================================================

// MessageRequest is the body of POST /sessions/:id/messages.
type MessageRequest struct {
	// Text is the free-text user message.
	Text string `json:"text" binding:"required"`

	// Stage, when set, turns the message into a callStage request.
	Stage orchestrator.StageChoice `json:"stage,omitempty"`
}

// =============================================================================
// Responses
// =============================================================================

// SessionResponse describes the current state of a session.
type SessionResponse struct {
	ID        string           `json:"id"`
	Sheet     sheet.InfoSheet  `json:"sheet"`
	Gate      gate.State       `json:"gate"`
	Phase     gate.Phase       `json:"phase"`
	Status    readiness.Status `json:"status"`
	Turns     int              `json:"turns"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// Report is set by sheet restore.
	Report *canonical.Report `json:"report,omitempty"`
}

// StepResponse is returned by the step and message endpoints. On a failed
// stage call it is still returned, alongside Error, because the turn's
// merged features were kept.
type StepResponse struct {
	SessionID string                 `json:"session_id"`
	Outcome   orchestrator.Outcome   `json:"outcome"`
	Sheet     sheet.InfoSheet        `json:"sheet"`
	Gate      gate.State             `json:"gate"`
	Status    readiness.Status       `json:"status"`
	Warnings  []string               `json:"warnings,omitempty"`
	Unknown   []string               `json:"unrecognized,omitempty"`
	Extracted *orchestrator.Proposal `json:"extracted,omitempty"`
	Error     *ErrorResponse         `json:"error,omitempty"`
}

// SessionSummary is one row of GET /sessions.
type SessionSummary struct {
	ID        string     `json:"id"`
	Phase     gate.Phase `json:"phase"`
	Turns     int        `json:"turns"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ListSessionsResponse is the body of GET /sessions.
type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Ready    bool            `json:"ready"`
	Upstream []UpstreamState `json:"upstream,omitempty"`
}

// UpstreamState reports one stage host's warmup result.
type UpstreamState struct {
	Stage      string `json:"stage"`
	Warm       bool   `json:"warm"`
	StatusCode int    `json:"status_code,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func newSessionResponse(rec session.Record) SessionResponse {
	return SessionResponse{
		ID:        rec.ID,
		Sheet:     rec.Sheet,
		Gate:      rec.Gate,
		Phase:     gate.PhaseOf(rec.Sheet, rec.Gate),
		Status:    readiness.Evaluate(rec.Sheet),
		Turns:     rec.Turns,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
