// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/canonical"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/config"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/features"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/gate"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/stages"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeStager struct {
	s1Calls  int
	s2Calls  int
	s1Err    error
	s2Err    error
	s1Input  map[string]any
	s2Input  map[string]any
	s2Opts   stages.Stage2Options
	decision sheet.Decision
}

func (f *fakeStager) CallStage1(_ context.Context, clinical map[string]any) (*sheet.Stage1Result, error) {
	f.s1Calls++
	f.s1Input = clinical
	if f.s1Err != nil {
		return nil, f.s1Err
	}
	v1, v2 := 0.2, 0.7
	return &sheet.Stage1Result{Decision: "Other", V1Prob: &v1, V2Prob: &v2}, nil
}

func (f *fakeStager) CallStage2(_ context.Context, merged map[string]any, opts stages.Stage2Options) (*sheet.Stage2Result, error) {
	f.s2Calls++
	f.s2Input = merged
	f.s2Opts = opts
	if f.s2Err != nil {
		return nil, f.s2Err
	}
	d := f.decision
	if d == "" {
		d = sheet.DecisionNotSevere
	}
	return &sheet.Stage2Result{Decision: d, Call: string(d)}, nil
}

func (f *fakeStager) DefaultStage2Options() stages.Stage2Options {
	return stages.Stage2Options{ApplyCalibration: true}
}

func newTestEngine(t *testing.T, st Stager) *Engine {
	t.Helper()
	canon := canonical.New(config.MustLoadFeatureAliases(), nil)
	return NewEngine(canon, st)
}

// minimalClinical uses the backend's camelCase spellings for the minimal
// stage-1 set.
func minimalClinical() map[string]any {
	return map[string]any{
		"age":                      24.0,
		"sex":                      1.0,
		"recentOvernightAdmission": 0.0,
		"weightForAgeZ":            -1.2,
		"illnessDurationDays":      2.0,
		"notAlert":                 0.0,
		"heartRate":                128.0,
		"respiratoryRate":          32.0,
		"temperature":              37.4,
		"capillaryRefillProlonged": 0.0,
	}
}

func minimalFeatures() canonical.RawFeatures {
	return canonical.RawFromMaps(minimalClinical(), nil)
}

func labs(m map[string]any) canonical.RawFeatures {
	return canonical.RawFromMaps(nil, m)
}

func mustStep(t *testing.T, e *Engine, s sheet.InfoSheet, st gate.State, p Proposal) StepResult {
	t.Helper()
	res, err := e.Step(context.Background(), s, st, p)
	if err != nil {
		t.Fatalf("Step(%s): %v", p.Action, err)
	}
	return res
}

// =============================================================================
// Basic actions
// =============================================================================

func TestStep_UpdateSheetCanonicalizes(t *testing.T) {
	e := newTestEngine(t, &fakeStager{})
	res := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action:   ActionUpdateSheet,
		Features: canonical.RawFromMaps(map[string]any{"heart rate": 130.0, "CRP": 12.0, "favourite colour": "blue"}, nil),
	})

	if res.Sheet.Features.Clinical[features.HeartRate] != 130.0 {
		t.Errorf("clinical = %v", res.Sheet.Features.Clinical)
	}
	if res.Sheet.Features.Labs[features.CRP] != 12.0 {
		t.Errorf("CRP should land in labs whatever sub-map it came from: %v", res.Sheet.Features.Labs)
	}
	if len(res.Unrecognized) != 1 || res.Unrecognized[0] != "favourite colour" {
		t.Errorf("Unrecognized = %v", res.Unrecognized)
	}
	if res.Outcome.Kind != NeedsInfo {
		t.Fatalf("Outcome = %+v, want NeedsInfo", res.Outcome)
	}
	if res.Outcome.Missing[0] != features.AgeMonths {
		t.Errorf("first missing = %q, want %q", res.Outcome.Missing[0], features.AgeMonths)
	}
	if res.Outcome.Prompt == "" {
		t.Error("NeedsInfo should carry a prompt")
	}
}

func TestStep_UpdateSheetCompleteIsNoOp(t *testing.T) {
	e := newTestEngine(t, &fakeStager{})
	res := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action:   ActionUpdateSheet,
		Features: minimalFeatures(),
	})
	if res.Outcome.Kind != NoOp {
		t.Errorf("Outcome = %+v, want NoOp", res.Outcome)
	}
	if len(res.Outcome.Missing) != 0 {
		t.Errorf("Missing = %v", res.Outcome.Missing)
	}
}

func TestStep_BlankValuesNeverGrowMissing(t *testing.T) {
	e := newTestEngine(t, &fakeStager{})
	clinical := minimalClinical()
	delete(clinical, "heartRate")

	first := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action:   ActionUpdateSheet,
		Features: canonical.RawFromMaps(clinical, nil),
	})
	if len(first.Outcome.Missing) != 1 || first.Outcome.Missing[0] != features.HeartRate {
		t.Fatalf("Missing = %v, want only %s", first.Outcome.Missing, features.HeartRate)
	}

	second := mustStep(t, e, first.Sheet, first.Gate, Proposal{
		Action: ActionUpdateSheet,
		Features: canonical.RawFromMaps(map[string]any{
			"heartRate": 120.0,
			"age":       "",
			"sex":       "  ",
		}, nil),
	})
	if second.Outcome.Kind != NoOp || len(second.Outcome.Missing) != 0 {
		t.Errorf("Outcome = %+v, want NoOp with nothing missing", second.Outcome)
	}
	if second.Sheet.Features.Clinical[features.AgeMonths] != 24.0 {
		t.Errorf("age = %v, blank must not overwrite", second.Sheet.Features.Clinical[features.AgeMonths])
	}
	if second.Sheet.Features.Clinical[features.Sex] != 1.0 {
		t.Errorf("sex = %v, blank must not overwrite", second.Sheet.Features.Clinical[features.Sex])
	}
}

func TestStep_AppliesProposalNotes(t *testing.T) {
	e := newTestEngine(t, &fakeStager{})
	res := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action:   ActionUpdateSheet,
		Features: canonical.RawFromMaps(map[string]any{"heartRate": 120.0}, nil),
		Notes:    []string{"Age 2 years recorded as 24 months.", "   "},
	})
	if len(res.Sheet.Notes) != 1 || res.Sheet.Notes[0] != "Age 2 years recorded as 24 months." {
		t.Errorf("Notes = %q", res.Sheet.Notes)
	}

	res = mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action: "shout",
		Notes:  []string{"ignored"},
	})
	if len(res.Sheet.Notes) != 0 {
		t.Errorf("unknown action must leave the sheet alone, notes = %q", res.Sheet.Notes)
	}
}

func TestStep_AskUsesMessage(t *testing.T) {
	e := newTestEngine(t, &fakeStager{})
	res := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action:  ActionAsk,
		Message: "How old is the child?",
	})
	if res.Outcome.Kind != NeedsInfo || res.Outcome.Prompt != "How old is the child?" {
		t.Errorf("Outcome = %+v", res.Outcome)
	}
}

func TestStep_UnknownActionIsNoOp(t *testing.T) {
	st := &fakeStager{}
	e := newTestEngine(t, st)
	in := sheet.CreateEmpty()
	res := mustStep(t, e, in, gate.State{}, Proposal{
		Action:   "launchRockets",
		Features: labs(map[string]any{"CRP": 5.0}),
		Stage:    StageS2,
	})
	if res.Outcome.Kind != NoOp {
		t.Errorf("Outcome = %+v, want NoOp", res.Outcome)
	}
	if len(res.Sheet.Features.Labs) != 0 {
		t.Error("unknown action should not merge features")
	}
	if st.s1Calls+st.s2Calls != 0 {
		t.Error("unknown action should not call a stage")
	}
}

func TestStep_UnknownStageIsNoOp(t *testing.T) {
	st := &fakeStager{}
	e := newTestEngine(t, st)
	res := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action:   ActionCallStage,
		Features: minimalFeatures(),
		Stage:    "S3",
	})
	if res.Outcome.Kind != NoOp || st.s1Calls != 0 {
		t.Errorf("Outcome = %+v, calls = %d", res.Outcome, st.s1Calls)
	}
	if len(res.Sheet.Features.Clinical) == 0 {
		t.Error("features should still be merged")
	}
}

func TestStep_DoesNotMutateInput(t *testing.T) {
	e := newTestEngine(t, &fakeStager{})
	in := sheet.CreateEmpty()
	before, _ := sheet.Export(in)
	mustStep(t, e, in, gate.State{}, Proposal{Action: ActionCallStage, Features: minimalFeatures(), Stage: StageS1})
	after, _ := sheet.Export(in)
	if !bytes.Equal(before, after) {
		t.Errorf("input sheet changed:\n%s\n%s", before, after)
	}
}

func TestStep_RangeWarningsBecomeNotes(t *testing.T) {
	e := newTestEngine(t, &fakeStager{})
	p := Proposal{Action: ActionUpdateSheet, Features: canonical.RawFromMaps(map[string]any{"hr": 400.0}, nil)}

	res := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, p)
	if len(res.Warnings) != 1 {
		t.Fatalf("Warnings = %v", res.Warnings)
	}
	if len(res.Sheet.Notes) != 1 || res.Sheet.Notes[0] != res.Warnings[0] {
		t.Errorf("Notes = %v", res.Sheet.Notes)
	}

	res = mustStep(t, e, res.Sheet, res.Gate, p)
	if len(res.Sheet.Notes) != 1 {
		t.Errorf("repeated warning duplicated notes: %v", res.Sheet.Notes)
	}
}

// =============================================================================
// Stage 1
// =============================================================================

func TestStep_Stage1MissingFields(t *testing.T) {
	st := &fakeStager{}
	e := newTestEngine(t, st)
	res := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action:   ActionCallStage,
		Stage:    StageS1,
		Features: canonical.RawFromMaps(map[string]any{"age": 24.0}, nil),
	})
	if res.Outcome.Kind != NeedsInfo {
		t.Fatalf("Outcome = %+v, want NeedsInfo", res.Outcome)
	}
	if len(res.Outcome.Missing) != 9 || res.Outcome.Missing[0] != features.Sex {
		t.Errorf("Missing = %v", res.Outcome.Missing)
	}
	if st.s1Calls != 0 {
		t.Error("stage 1 called with missing fields")
	}
}

func TestStep_Stage1Success(t *testing.T) {
	st := &fakeStager{}
	e := newTestEngine(t, st)
	res := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action:   ActionCallStage,
		Stage:    StageS1,
		Features: minimalFeatures(),
	})
	if res.Outcome.Kind != StageResult || res.Outcome.Stage != stages.Stage1 {
		t.Fatalf("Outcome = %+v", res.Outcome)
	}
	if res.Sheet.S1 == nil || res.Sheet.S1.Decision != "Other" {
		t.Errorf("S1 = %+v", res.Sheet.S1)
	}
	if _, ok := res.Sheet.Features.Clinical[features.MetaSevereProb]; !ok {
		t.Error("derived meta-probabilities not merged")
	}
	if _, ok := st.s1Input[features.AgeMonths]; !ok {
		t.Errorf("stage 1 input = %v", st.s1Input)
	}
}

func TestStep_AutoPicksStage(t *testing.T) {
	tests := []struct {
		name      string
		features  canonical.RawFeatures
		wantStage stages.Stage
	}{
		{"clinical only", minimalFeatures(), stages.Stage1},
		{"labs present", canonical.RawFromMaps(
			minimalClinical(),
			map[string]any{"CRP": 5.0, "TNFR1": 2.0, "suPAR": 1.0, "SpO2": 95.0},
		), stages.Stage2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, &fakeStager{})
			res := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
				Action:   ActionCallStage,
				Stage:    StageAuto,
				Features: tt.features,
			})
			if res.Outcome.Kind != StageResult || res.Outcome.Stage != tt.wantStage {
				t.Errorf("Outcome = %+v, want stage %s", res.Outcome, tt.wantStage)
			}
		})
	}
}

func TestStep_UpstreamTimeoutLeavesSheet(t *testing.T) {
	st := &fakeStager{s1Err: &stages.UpstreamError{Stage: stages.Stage1, Kind: stages.KindTimeout}}
	e := newTestEngine(t, st)

	ready := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action:   ActionUpdateSheet,
		Features: minimalFeatures(),
	}).Sheet
	before, _ := json.Marshal(ready.Features.Clinical)

	res, err := e.Step(context.Background(), ready, gate.State{}, Proposal{Action: ActionCallStage, Stage: StageS1})
	if !errors.Is(err, stages.ErrUpstreamTimeout) {
		t.Fatalf("error = %v, want ErrUpstreamTimeout", err)
	}
	after, _ := json.Marshal(res.Sheet.Features.Clinical)
	if !bytes.Equal(before, after) {
		t.Errorf("clinical changed:\n%s\n%s", before, after)
	}
	if res.Sheet.S1 != nil {
		t.Error("no result should be attached on failure")
	}
}

// =============================================================================
// Stage 2 gating
// =============================================================================

func TestStep_Stage2BeforeStage1RunsStage1First(t *testing.T) {
	st := &fakeStager{}
	e := newTestEngine(t, st)
	res := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action: ActionCallStage,
		Stage:  StageS2,
		Features: canonical.RawFromMaps(
			minimalClinical(),
			map[string]any{"CRP": 5.0, "CXCL10": 2.0, "IL-6": 1.0, "SpO2": 95.0},
		),
	})
	if st.s1Calls != 1 || st.s2Calls != 1 {
		t.Fatalf("calls = s1:%d s2:%d, want 1 and 1", st.s1Calls, st.s2Calls)
	}
	if res.Outcome.Kind != StageResult || res.Outcome.Stage != stages.Stage2 {
		t.Fatalf("Outcome = %+v", res.Outcome)
	}
	if res.Outcome.Stage1 == nil || res.Sheet.S1 == nil || res.Sheet.S2 == nil {
		t.Error("both results should be attached")
	}
	if res.Outcome.LabSet != "SetB" {
		t.Errorf("LabSet = %q, want SetB", res.Outcome.LabSet)
	}
	if _, ok := st.s2Input[features.MetaNotSevereProb]; !ok {
		t.Error("stage 2 input should include stage-1 meta-probabilities")
	}
	if !st.s2Opts.ApplyCalibration {
		t.Error("stage 2 should use the client's default options")
	}
}

func TestStep_Stage2BeforeStage1MissingFields(t *testing.T) {
	st := &fakeStager{}
	e := newTestEngine(t, st)
	res := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action:   ActionCallStage,
		Stage:    StageS2,
		Features: labs(map[string]any{"CRP": 5.0}),
	})
	if res.Outcome.Kind != NeedsInfo || len(res.Outcome.Missing) != 10 {
		t.Errorf("Outcome = %+v", res.Outcome)
	}
	if st.s1Calls+st.s2Calls != 0 {
		t.Error("no stage should run")
	}
}

func TestStep_UnvalidatedStage2Consent(t *testing.T) {
	st := &fakeStager{}
	e := newTestEngine(t, st)

	s := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action: ActionCallStage, Stage: StageS1, Features: minimalFeatures(),
	}).Sheet

	p := Proposal{Action: ActionCallStage, Stage: StageS2, Features: labs(map[string]any{"CRP": 10.0})}

	first := mustStep(t, e, s, gate.State{}, p)
	if first.Outcome.Kind != AwaitingConsent {
		t.Fatalf("first Outcome = %+v, want AwaitingConsent", first.Outcome)
	}
	if first.Outcome.Warning != gate.UnvalidatedWarning {
		t.Errorf("Warning = %q", first.Outcome.Warning)
	}
	if !first.Gate.AwaitingConsentForUnvalidatedStage2 {
		t.Error("consent flag not set")
	}
	if st.s2Calls != 0 {
		t.Fatal("stage 2 called before consent")
	}

	second := mustStep(t, e, first.Sheet, first.Gate, p)
	if second.Outcome.Kind != StageResult || !second.Outcome.Consented {
		t.Fatalf("second Outcome = %+v, want consented StageResult", second.Outcome)
	}
	if st.s2Calls != 1 {
		t.Errorf("s2 calls = %d, want 1", st.s2Calls)
	}
	if second.Gate.AwaitingConsentForUnvalidatedStage2 {
		t.Error("consent flag should be cleared after the call")
	}
}

func TestStep_ConsentSurvivesTransientFailure(t *testing.T) {
	st := &fakeStager{s2Err: &stages.UpstreamError{Stage: stages.Stage2, Kind: stages.KindHTTP, StatusCode: 503}}
	e := newTestEngine(t, st)

	s := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action: ActionCallStage, Stage: StageS1, Features: minimalFeatures(),
	}).Sheet
	p := Proposal{Action: ActionCallStage, Stage: StageS2, Features: labs(map[string]any{"CRP": 10.0})}

	warned := mustStep(t, e, s, gate.State{}, p)
	res, err := e.Step(context.Background(), warned.Sheet, warned.Gate, p)
	if !errors.Is(err, stages.ErrUpstreamHTTP) {
		t.Fatalf("error = %v", err)
	}
	if st.s2Calls != 1 {
		t.Fatalf("s2 calls = %d, want 1", st.s2Calls)
	}
	if res.Sheet.S2 != nil {
		t.Error("no stage 2 result on failure")
	}

	st.s2Err = nil
	retry := mustStep(t, e, res.Sheet, res.Gate, p)
	if retry.Outcome.Kind != StageResult {
		t.Errorf("retry Outcome = %+v, want StageResult without a second warning", retry.Outcome)
	}
}

func TestStep_ValidatedStage2NoWarning(t *testing.T) {
	st := &fakeStager{decision: sheet.DecisionSevere}
	e := newTestEngine(t, st)
	s := mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{
		Action: ActionCallStage, Stage: StageS1, Features: minimalFeatures(),
	}).Sheet

	res := mustStep(t, e, s, gate.State{AwaitingConsentForUnvalidatedStage2: true}, Proposal{
		Action:   ActionCallStage,
		Stage:    StageS2,
		Features: labs(map[string]any{"CRP": 5.0, "TNFR1": 2.0, "supar": 1.0, "oxy.ra": 95.0}),
	})
	if res.Outcome.Kind != StageResult || res.Outcome.Consented {
		t.Errorf("Outcome = %+v", res.Outcome)
	}
	if res.Sheet.S2.Decision != sheet.DecisionSevere {
		t.Errorf("S2 = %+v", res.Sheet.S2)
	}
	if res.Gate.AwaitingConsentForUnvalidatedStage2 {
		t.Error("a validated call clears a stale consent flag")
	}
}

// =============================================================================
// Telemetry and restore
// =============================================================================

func TestStep_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	canon := canonical.New(config.MustLoadFeatureAliases(), nil)
	e := NewEngine(canon, &fakeStager{}, WithTracerProvider(tp))
	mustStep(t, e, sheet.CreateEmpty(), gate.State{}, Proposal{Action: ActionAsk})

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "orchestrator.Engine.Step" {
		t.Fatalf("spans = %v", spans)
	}
	var outcome string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "outcome" {
			outcome = kv.Value.AsString()
		}
	}
	if outcome != string(NeedsInfo) {
		t.Errorf("outcome attribute = %q", outcome)
	}
}

func TestNewEngine_PanicsOnNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewEngine(nil, nil)
}

func TestRestore(t *testing.T) {
	e := newTestEngine(t, &fakeStager{})

	doc := []byte(`{"features":{"clinical":{"heartRate":120,"age":null},"labs":{"IL-6":3}},"notes":["pasted"]}`)
	got, report, err := e.Restore(sheet.CreateEmpty(), doc)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got.Features.Clinical[features.HeartRate] != 120.0 || got.Features.Labs[features.IL6] != 3.0 {
		t.Errorf("features = %+v", got.Features)
	}
	if len(got.Notes) != 1 {
		t.Errorf("pristine sheet should be replaced wholesale, notes = %v", got.Notes)
	}
	if got.Patient.AnonID == "" {
		t.Error("AnonID should be kept from the current sheet")
	}
	if len(report.Unrecognized) != 0 {
		t.Errorf("Unrecognized = %v", report.Unrecognized)
	}

	if _, _, err := e.Restore(got, []byte(`not json`)); !errors.Is(err, sheet.ErrInvalidDocument) {
		t.Errorf("error = %v, want ErrInvalidDocument", err)
	}
}
