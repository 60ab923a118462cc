// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intake exposes the Info Sheet conversation over HTTP.
//
// Every session-scoped handler runs under the session's lock so that two
// turns of one conversation never interleave. Different sessions proceed
// independently.
package intake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/extract"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/gate"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/orchestrator"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/readiness"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/session"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/stages"
)

// maxSheetBytes caps uploaded sheet documents.
const maxSheetBytes = 1 << 20

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// Warmer wakes the upstream stage hosts. *stages.Client implements it.
type Warmer interface {
	Warmup(ctx context.Context) []stages.WarmupResult
}

// Handlers serves the /v1/spotter endpoints.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	engine *orchestrator.Engine
	store  session.Store
	locker *session.Locker
	warmer Warmer
	logger *slog.Logger

	ready    atomic.Bool
	upstream atomic.Pointer[[]UpstreamState]
}

// HandlersOption configures Handlers.
type HandlersOption func(*Handlers)

// WithWarmer enables upstream warmup reporting on /ready.
func WithWarmer(w Warmer) HandlersOption {
	return func(h *Handlers) { h.warmer = w }
}

// WithHandlersLogger sets the logger. Defaults to slog.Default().
func WithHandlersLogger(l *slog.Logger) HandlersOption {
	return func(h *Handlers) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandlers creates the handler set.
//
// Inputs:
//   - engine: The orchestration engine. Must not be nil.
//   - store: Session persistence. Must not be nil.
//   - opts: Optional settings.
//
// Without a Warmer the service reports ready immediately.
func NewHandlers(engine *orchestrator.Engine, store session.Store, opts ...HandlersOption) *Handlers {
	if engine == nil || store == nil {
		panic("NewHandlers: engine and store must not be nil")
	}
	h := &Handlers{
		engine: engine,
		store:  store,
		locker: session.NewLocker(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.warmer == nil {
		h.ready.Store(true)
	}
	return h
}

// Warmup pings the upstream hosts once and marks the service ready. It is
// meant to run in the background at startup. Cold upstreams do not block
// readiness; their state is reported on /ready.
func (h *Handlers) Warmup(ctx context.Context) {
	defer h.ready.Store(true)
	if h.warmer == nil {
		return
	}
	results := h.warmer.Warmup(ctx)
	states := make([]UpstreamState, 0, len(results))
	for _, r := range results {
		st := UpstreamState{
			Stage:      string(r.Stage),
			Warm:       r.Warm,
			StatusCode: r.Status,
			DurationMs: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			st.Error = stages.SafeLogString(r.Err.Error())
		}
		states = append(states, st)
	}
	h.upstream.Store(&states)
}

// IsReady reports whether startup warmup has finished.
func (h *Handlers) IsReady() bool {
	return h.ready.Load()
}

// =============================================================================
// Session lifecycle
// =============================================================================

// HandleCreateSession handles POST /v1/spotter/sessions.
//
// Response:
//
//	201 Created: SessionResponse with an empty sheet
//	500 Internal Server Error: store failure
func (h *Handlers) HandleCreateSession(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleCreateSession")

	rec := session.NewRecord()
	if err := h.store.Put(c.Request.Context(), rec); err != nil {
		logger.Error("create session failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "could not create session", Code: CodeStoreError})
		return
	}
	logger.Info("session created", slog.String("session_id", rec.ID))
	c.JSON(http.StatusCreated, newSessionResponse(rec))
}

// HandleListSessions handles GET /v1/spotter/sessions.
//
// Query Parameters:
//
//	limit: Maximum sessions to return, default 50 (optional)
func (h *Handlers) HandleListSessions(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list sessions failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "could not list sessions", Code: CodeStoreError})
		return
	}
	out := ListSessionsResponse{Sessions: make([]SessionSummary, 0, len(recs))}
	for _, rec := range recs {
		out.Sessions = append(out.Sessions, SessionSummary{
			ID:        rec.ID,
			Phase:     gate.PhaseOf(rec.Sheet, rec.Gate),
			Turns:     rec.Turns,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// HandleGetSession handles GET /v1/spotter/sessions/:id.
func (h *Handlers) HandleGetSession(c *gin.Context) {
	rec, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(rec))
}

// HandleDeleteSession handles DELETE /v1/spotter/sessions/:id.
//
// Response:
//
//	204 No Content: deleted, or never existed
func (h *Handlers) HandleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	h.withLock(c, id, func(ctx context.Context) {
		if err := h.store.Delete(ctx, id); err != nil {
			h.logger.Error("delete session failed", slog.String("session_id", id), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "could not delete session", Code: CodeStoreError})
			return
		}
		c.Status(http.StatusNoContent)
	})
}

// HandleResetSession handles POST /v1/spotter/sessions/:id/reset.
//
// Description:
//
//	Clears the sheet and the gate state together. The session id is kept.
func (h *Handlers) HandleResetSession(c *gin.Context) {
	id := c.Param("id")
	h.withLock(c, id, func(ctx context.Context) {
		rec, ok := h.loadLocked(ctx, c, id)
		if !ok {
			return
		}
		rec = rec.Reset()
		if !h.save(ctx, c, rec) {
			return
		}
		c.JSON(http.StatusOK, newSessionResponse(rec))
	})
}

// =============================================================================
// Turns
// =============================================================================

// HandleStep handles POST /v1/spotter/sessions/:id/step.
//
// Description:
//
//	Runs one orchestration step with a structured proposal and persists
//	the resulting sheet and gate state. A failed stage call still persists
//	the turn's merged features and returns the response body with Error
//	set.
//
// Response:
//
//	200 OK: StepResponse
//	400 Bad Request: body is not a proposal
//	404 Not Found: unknown session
//	429 Too Many Requests: local stage rate limit
//	502 Bad Gateway / 504 Gateway Timeout: stage call failed
func (h *Handlers) HandleStep(c *gin.Context) {
	var p orchestrator.Proposal
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid proposal: " + err.Error(), Code: CodeInvalidRequest})
		return
	}
	h.runTurn(c, p, false)
}

// HandleMessage handles POST /v1/spotter/sessions/:id/messages.
//
// Description:
//
//	Extracts features from free text and runs them as an updateSheet
//	proposal, or a callStage proposal when a stage is given. Text with no
//	recognizable features becomes an ask, which reports what is still
//	missing.
func (h *Handlers) HandleMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid message: " + err.Error(), Code: CodeInvalidRequest})
		return
	}

	ex := extract.Extract(req.Text)
	var p orchestrator.Proposal
	switch {
	case !ex.Empty():
		p = ex.Proposal(req.Stage)
	case req.Stage != "":
		p = orchestrator.Proposal{Action: orchestrator.ActionCallStage, Stage: req.Stage, Notes: ex.Notes}
	default:
		p = orchestrator.Proposal{Action: orchestrator.ActionAsk, Notes: ex.Notes}
	}
	h.runTurn(c, p, true)
}

// runTurn runs p against the stored session. extracted marks proposals built
// by the text extractor, which are echoed back in the response.
func (h *Handlers) runTurn(c *gin.Context, p orchestrator.Proposal, extracted bool) {
	requestID := getOrCreateRequestID(c)
	id := c.Param("id")
	logger := h.logger.With("request_id", requestID, "session_id", id)

	h.withLock(c, id, func(ctx context.Context) {
		rec, ok := h.loadLocked(ctx, c, id)
		if !ok {
			return
		}
		ctx = stages.ContextWithSessionID(ctx, id)

		res, stepErr := h.engine.Step(ctx, rec.Sheet, rec.Gate, p)

		rec.Sheet = res.Sheet
		rec.Gate = res.Gate
		rec.Turns++
		rec.UpdatedAt = time.Now().UTC()
		if !h.save(ctx, c, rec) {
			return
		}

		resp := StepResponse{
			SessionID: id,
			Outcome:   res.Outcome,
			Sheet:     res.Sheet,
			Gate:      res.Gate,
			Status:    readiness.Evaluate(res.Sheet),
			Warnings:  res.Warnings,
			Unknown:   res.Unrecognized,
		}
		if extracted {
			resp.Extracted = &p
		}

		if stepErr != nil {
			status, body := upstreamErrorResponse(stepErr)
			resp.Error = &body
			logger.Warn("turn failed", slog.String("code", body.Code), slog.String("error", stepErr.Error()))
			c.JSON(status, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	})
}

// =============================================================================
// Sheet document
// =============================================================================

// HandleExportSheet handles GET /v1/spotter/sessions/:id/sheet.
//
// Description:
//
//	Returns the persisted sheet document as an attachment. The same
//	document can be restored with PUT.
func (h *Handlers) HandleExportSheet(c *gin.Context) {
	rec, ok := h.load(c)
	if !ok {
		return
	}
	data, err := sheet.ExportIndent(rec.Sheet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeStoreError})
		return
	}
	c.Header("Content-Disposition", "attachment; filename=info_sheet_"+rec.ID+".json")
	c.Data(http.StatusOK, "application/json", data)
}

// HandleRestoreSheet handles PUT /v1/spotter/sessions/:id/sheet.
//
// Description:
//
//	Restores a previously exported sheet into the session. A pristine
//	session sheet is replaced; otherwise the pasted features are merged
//	in. The gate state is cleared.
//
// Response:
//
//	200 OK: SessionResponse with Report set
//	400 Bad Request: body is not a sheet document
func (h *Handlers) HandleRestoreSheet(c *gin.Context) {
	id := c.Param("id")
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSheetBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "could not read body", Code: CodeInvalidRequest})
		return
	}

	h.withLock(c, id, func(ctx context.Context) {
		rec, ok := h.loadLocked(ctx, c, id)
		if !ok {
			return
		}
		restored, report, err := h.engine.Restore(rec.Sheet, data)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidDocument})
			return
		}
		rec.Sheet = restored
		rec.Gate = gate.State{}
		rec.UpdatedAt = time.Now().UTC()
		if !h.save(ctx, c, rec) {
			return
		}
		resp := newSessionResponse(rec)
		resp.Report = &report
		c.JSON(http.StatusOK, resp)
	})
}

// =============================================================================
// Health
// =============================================================================

// HandleHealth handles GET /v1/spotter/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// HandleReady handles GET /v1/spotter/ready.
//
// Response:
//
//	200 OK: warmup finished
//	503 Service Unavailable: warmup in progress
func (h *Handlers) HandleReady(c *gin.Context) {
	resp := ReadyResponse{Ready: h.IsReady()}
	if states := h.upstream.Load(); states != nil {
		resp.Upstream = *states
	}
	if !resp.Ready {
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// =============================================================================
// Helpers
// =============================================================================

// withLock runs fn while holding the session lock for id.
func (h *Handlers) withLock(c *gin.Context, id string, fn func(ctx context.Context)) {
	if id == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "session id required", Code: CodeInvalidRequest})
		return
	}
	ctx := c.Request.Context()
	unlock, err := h.locker.Lock(ctx, id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "request canceled while waiting for session", Code: CodeNotReady})
		return
	}
	defer unlock()
	fn(ctx)
}

// load reads the session named by the :id parameter without locking.
func (h *Handlers) load(c *gin.Context) (session.Record, bool) {
	return h.loadLocked(c.Request.Context(), c, c.Param("id"))
}

func (h *Handlers) loadLocked(ctx context.Context, c *gin.Context, id string) (session.Record, bool) {
	rec, err := h.store.Get(ctx, id)
	switch {
	case err == nil:
		return rec, true
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrInvalidID):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found", Code: CodeSessionNotFound})
	default:
		h.logger.Error("load session failed", slog.String("session_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "could not load session", Code: CodeStoreError})
	}
	return session.Record{}, false
}

func (h *Handlers) save(ctx context.Context, c *gin.Context, rec session.Record) bool {
	if err := h.store.Put(ctx, rec); err != nil {
		h.logger.Error("save session failed", slog.String("session_id", rec.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "could not save session", Code: CodeStoreError})
		return false
	}
	return true
}

// upstreamErrorResponse maps a stage call error to a status and body. The
// message never includes feature values.
func upstreamErrorResponse(err error) (int, ErrorResponse) {
	msg := stages.SafeLogString(err.Error())
	switch {
	case errors.Is(err, stages.ErrRateLimited):
		return http.StatusTooManyRequests, ErrorResponse{Error: msg, Code: CodeRateLimited}
	case errors.Is(err, stages.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, ErrorResponse{Error: msg, Code: CodeUpstreamTimeout}
	case errors.Is(err, stages.ErrUpstreamHTTP):
		return http.StatusBadGateway, ErrorResponse{Error: msg, Code: CodeUpstreamHTTPError}
	case errors.Is(err, stages.ErrMalformedResponse):
		return http.StatusBadGateway, ErrorResponse{Error: msg, Code: CodeUpstreamMalformed}
	default:
		return http.StatusBadGateway, ErrorResponse{Error: msg, Code: CodeUpstreamUnreachable}
	}
}

// getOrCreateRequestID returns the caller's request id or a new one, and
// echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Header(RequestIDHeader, id)
	return id
}
