// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator applies one conversation turn to an InfoSheet.
//
// Step is the only mutator of sheet and gate state. It runs, in order:
// canonicalize, merge, readiness, gate, invoke, attach. Everything upstream
// of it (text extraction, the HTTP layer) calls it once per turn.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/canonical"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/gate"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/readiness"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/stages"
)

const instrumentationName = "spotter.orchestrator"

// Stager invokes the two inference stages. *stages.Client implements it.
type Stager interface {
	CallStage1(ctx context.Context, clinical map[string]any) (*sheet.Stage1Result, error)
	CallStage2(ctx context.Context, merged map[string]any, opts stages.Stage2Options) (*sheet.Stage2Result, error)
	DefaultStage2Options() stages.Stage2Options
}

// Engine runs conversation turns.
//
// Thread Safety: Safe for concurrent use. The engine holds no per-session
// state; callers must serialize turns of the same session themselves.
type Engine struct {
	canon    *canonical.Canonicalizer
	stager   Stager
	logger   *slog.Logger
	tracer   oteltrace.Tracer
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger *slog.Logger
	tp     oteltrace.TracerProvider
	mp     metric.MeterProvider
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp oteltrace.TracerProvider) Option {
	return func(o *engineOptions) { o.tp = tp }
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *engineOptions) { o.mp = mp }
}

// NewEngine creates an engine.
//
// Inputs:
//   - canon: Canonicalizer applied to every proposal. Must not be nil.
//   - stager: Stage client. Must not be nil.
//
// Outputs:
//   - *Engine: Ready to use.
func NewEngine(canon *canonical.Canonicalizer, stager Stager, opts ...Option) *Engine {
	if canon == nil || stager == nil {
		panic("orchestrator: NewEngine requires a canonicalizer and a stager")
	}
	o := engineOptions{tp: otel.GetTracerProvider(), mp: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	e := &Engine{
		canon:  canon,
		stager: stager,
		logger: o.logger,
		tracer: o.tp.Tracer(instrumentationName),
	}

	meter := o.mp.Meter(instrumentationName)
	var err error
	if e.outcomes, err = meter.Int64Counter("spotter.step.outcomes",
		metric.WithDescription("Conversation turns by action and outcome"),
	); err != nil {
		o.logger.Warn("step outcome counter unavailable", slog.String("error", err.Error()))
		e.outcomes = noop.Int64Counter{}
	}
	if e.duration, err = meter.Float64Histogram("spotter.step.duration",
		metric.WithDescription("Conversation turn latency including stage calls"),
		metric.WithUnit("s"),
	); err != nil {
		o.logger.Warn("step duration histogram unavailable", slog.String("error", err.Error()))
		e.duration = noop.Float64Histogram{}
	}
	return e
}

// =============================================================================
// Step
// =============================================================================

// Step applies one proposal to a sheet and gate state.
//
// Description:
//
//	The proposal's features are canonicalized and merged first, for every
//	known action. Readiness is then recomputed, and for callStage the gate
//	decides whether a stage runs. Stage 2 requested before stage 1 runs
//	stage 1 first when the required fields are present.
//
//	Neither input is modified. On an upstream failure the returned sheet is
//	the merged sheet before the failed call, the gate state is the one the
//	call was entered with, and the error is the stage client's typed error.
//
// Inputs:
//   - ctx: Bounds the stage calls.
//   - s: Current sheet.
//   - st: Current gate state.
//   - p: The turn's proposal.
//
// Outputs:
//   - StepResult: New sheet, gate state and outcome. Valid even when error
//     is non-nil.
//   - error: Non-nil only for stage call failures.
func (e *Engine) Step(ctx context.Context, s sheet.InfoSheet, st gate.State, p Proposal) (StepResult, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "orchestrator.Engine.Step",
		oteltrace.WithAttributes(attribute.String("action", string(p.Action))),
	)
	defer span.End()

	res, err := e.step(ctx, s, st, p)

	outcome := string(res.Outcome.Kind)
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("outcome", outcome))

	attrs := metric.WithAttributes(
		attribute.String("action", actionLabel(p.Action)),
		attribute.String("outcome", outcome),
	)
	e.outcomes.Add(ctx, 1, attrs)
	e.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	logAttrs := []any{
		slog.String("session_id", stages.SessionIDFromContext(ctx)),
		slog.String("action", string(p.Action)),
		slog.String("outcome", outcome),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		e.logger.Warn("step failed", append(logAttrs, slog.String("error", err.Error()))...)
	} else {
		e.logger.Info("step", logAttrs...)
	}
	return res, err
}

func (e *Engine) step(ctx context.Context, s sheet.InfoSheet, st gate.State, p Proposal) (StepResult, error) {
	res := StepResult{Sheet: s.Clone(), Gate: st}

	switch p.Action {
	case ActionAsk, ActionUpdateSheet, ActionCallStage:
	default:
		res.Outcome = Outcome{Kind: NoOp}
		return res, nil
	}

	if !p.Features.Empty() {
		feats, report := e.canon.Canonicalize(p.Features)
		res.Sheet = sheet.Merge(res.Sheet, feats)
		res.Unrecognized = report.Unrecognized
	}
	for _, n := range p.Notes {
		if n = strings.TrimSpace(n); n != "" {
			res.Sheet = sheet.AddNote(res.Sheet, n)
		}
	}

	status := readiness.Evaluate(res.Sheet)
	res.Warnings = status.Warnings
	if !p.Features.Empty() {
		for _, w := range status.Warnings {
			res.Sheet = addNoteOnce(res.Sheet, w)
		}
	}

	switch p.Action {
	case ActionAsk:
		prompt := p.Message
		if prompt == "" {
			prompt = status.NextQuestion
		}
		if len(status.Missing) > 0 {
			res.Outcome = Outcome{Kind: NeedsInfo, Missing: status.Missing, Prompt: prompt}
		} else {
			res.Outcome = Outcome{Kind: NoOp, Prompt: prompt}
		}
		return res, nil

	case ActionUpdateSheet:
		if len(status.Missing) > 0 && res.Sheet.S1 == nil {
			res.Outcome = Outcome{Kind: NeedsInfo, Missing: status.Missing, Prompt: status.NextQuestion}
		} else {
			res.Outcome = Outcome{Kind: NoOp, Prompt: p.Message}
		}
		return res, nil
	}

	choice, ok := parseStage(p.Stage)
	if !ok {
		e.logger.Warn("unrecognized stage choice", slog.String("stage", string(p.Stage)))
		res.Outcome = Outcome{Kind: NoOp}
		return res, nil
	}
	if choice == StageAuto {
		choice = StageS1
		if res.Sheet.HasLabs() {
			choice = StageS2
		}
	}

	if choice == StageS1 {
		return e.runStage1(ctx, res)
	}
	return e.runStage2(ctx, res)
}

// runStage1 checks the required fields and calls stage 1.
func (e *Engine) runStage1(ctx context.Context, res StepResult) (StepResult, error) {
	if out, blocked := needsInfo(res.Sheet); blocked {
		res.Outcome = out
		return res, nil
	}
	r, err := e.stager.CallStage1(ctx, res.Sheet.Features.Clinical)
	if err != nil {
		return res, err
	}
	res.Sheet = sheet.AttachStage1(res.Sheet, *r)
	res.Outcome = Outcome{Kind: StageResult, Stage: stages.Stage1, Stage1: r}
	return res, nil
}

// runStage2 runs stage 1 first if it never ran, then applies the consent
// gate and calls stage 2.
func (e *Engine) runStage2(ctx context.Context, res StepResult) (StepResult, error) {
	var s1 *sheet.Stage1Result
	if gate.NeedsStage1First(res.Sheet) {
		if out, blocked := needsInfo(res.Sheet); blocked {
			res.Outcome = out
			return res, nil
		}
		r, err := e.stager.CallStage1(ctx, res.Sheet.Features.Clinical)
		if err != nil {
			return res, err
		}
		res.Sheet = sheet.AttachStage1(res.Sheet, *r)
		s1 = r
	}

	merged := res.Sheet.Merged()
	adm, next := gate.AdmitStage2(merged, res.Gate)
	if !adm.Proceed {
		res.Gate = next
		res.Outcome = Outcome{
			Kind:    AwaitingConsent,
			Warning: adm.Warning,
			LabSet:  string(adm.LabSet),
			Stage1:  s1,
		}
		return res, nil
	}

	r, err := e.stager.CallStage2(ctx, merged, e.stager.DefaultStage2Options())
	if err != nil {
		// The consent stays in force so a retry after a transient failure
		// does not warn again.
		return res, err
	}
	res.Gate = next
	res.Sheet = sheet.AttachStage2(res.Sheet, *r)
	if adm.Consented {
		res.Sheet = addNoteOnce(res.Sheet, "Stage 2 ran on an unvalidated lab set after confirmation.")
	}
	res.Outcome = Outcome{
		Kind:      StageResult,
		Stage:     stages.Stage2,
		Stage1:    s1,
		Stage2:    r,
		LabSet:    string(adm.LabSet),
		Consented: adm.Consented,
	}
	return res, nil
}

func needsInfo(s sheet.InfoSheet) (Outcome, bool) {
	err := gate.CheckStage1(s.Features.Clinical)
	var ve *gate.ValidationError
	if !errors.As(err, &ve) {
		return Outcome{}, false
	}
	return Outcome{
		Kind:    NeedsInfo,
		Missing: ve.Missing,
		Prompt:  readiness.NextQuestion(ve.Missing),
	}, true
}

// addNoteOnce appends note unless the sheet already carries it.
func addNoteOnce(s sheet.InfoSheet, note string) sheet.InfoSheet {
	for _, n := range s.Notes {
		if n == note {
			return s
		}
	}
	return sheet.AddNote(s, note)
}

func actionLabel(a Action) string {
	switch a {
	case ActionAsk, ActionUpdateSheet, ActionCallStage:
		return string(a)
	default:
		return "unknown"
	}
}

// =============================================================================
// Restore
// =============================================================================

// Restore applies a pasted sheet document to the current sheet. The pasted
// features are canonicalized like any proposal. A pristine current sheet is
// replaced; otherwise the pasted features are merged in.
//
// Outputs:
//   - sheet.InfoSheet: The restored sheet. The current sheet on error.
//   - canonical.Report: Canonicalization report for the pasted features.
//   - error: sheet.ErrInvalidDocument if data is not a sheet document.
func (e *Engine) Restore(current sheet.InfoSheet, data []byte) (sheet.InfoSheet, canonical.Report, error) {
	pasted, err := sheet.Import(data)
	if err != nil {
		return current, canonical.Report{}, err
	}
	feats, report := e.canon.CanonicalizeFeatures(pasted.Features)
	pasted.Features = feats
	return sheet.Restore(current, pasted), report, nil
}
