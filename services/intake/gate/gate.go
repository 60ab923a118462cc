// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate decides whether a stage may be invoked now.
//
// Stage 1 is admitted only when every required field is present. Stage 2 is
// admitted when a validated lab set is present, or when the user repeats the
// request after being warned once that the set is unvalidated. The only
// state this package keeps is that one-shot consent flag; whether stage 1
// has run is read off the sheet itself.
package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/readiness"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrMissingFields is returned when stage 1 is requested while required
	// fields are missing. Always recoverable by asking for the fields.
	ErrMissingFields = errors.New("gate: required stage-1 fields missing")
)

// ValidationError carries the missing-field list for a refused stage-1 call.
type ValidationError struct {
	Missing []string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingFields.Error(), strings.Join(e.Missing, ", "))
}

// Unwrap returns ErrMissingFields.
func (e *ValidationError) Unwrap() error {
	return ErrMissingFields
}

// UnvalidatedWarning is shown the first time stage 2 is requested without a
// validated lab set.
const UnvalidatedWarning = "The labs provided do not form a validated set " +
	"(CRP+TNFR1+suPAR+SpO2, CRP+CXCL10+IL6+SpO2, or at least 6 lab markers). " +
	"Stage 2 results may be unreliable. Request stage 2 again to proceed anyway."

// =============================================================================
// State
// =============================================================================

// State is the per-conversation gate state. It is reset together with the
// sheet.
type State struct {
	AwaitingConsentForUnvalidatedStage2 bool `json:"awaiting_consent_unvalidated_stage2"`
}

// Phase is the position of a conversation in the stage sequence.
type Phase int

const (
	NoStageRun Phase = iota
	Stage1Ready
	Stage1Done
	Stage2Validated
	Stage2AwaitingConsent
	Stage2Done
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case NoStageRun:
		return "no_stage_run"
	case Stage1Ready:
		return "stage1_ready"
	case Stage1Done:
		return "stage1_done"
	case Stage2Validated:
		return "stage2_validated"
	case Stage2AwaitingConsent:
		return "stage2_awaiting_consent"
	case Stage2Done:
		return "stage2_done"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	for q := NoStageRun; q <= Stage2Done; q++ {
		if q.String() == string(text) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("gate: unknown phase %q", text)
}

// PhaseOf derives the phase of a conversation from its sheet and gate state.
func PhaseOf(s sheet.InfoSheet, st State) Phase {
	switch {
	case s.S2 != nil:
		return Stage2Done
	case s.S1 != nil && st.AwaitingConsentForUnvalidatedStage2:
		return Stage2AwaitingConsent
	case s.S1 != nil && readiness.ValidatedLabSet(s.Merged()).Validated():
		return Stage2Validated
	case s.S1 != nil:
		return Stage1Done
	case len(readiness.MissingForStage1(s.Features.Clinical)) == 0:
		return Stage1Ready
	default:
		return NoStageRun
	}
}

// =============================================================================
// Admission
// =============================================================================

// CheckStage1 admits a stage-1 call.
//
// Outputs:
//   - error: nil if every required field is present, otherwise a
//     *ValidationError listing the missing keys in asking order.
func CheckStage1(clinical map[string]any) error {
	missing := readiness.MissingForStage1(clinical)
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// NeedsStage1First reports whether stage 1 must run before stage 2.
func NeedsStage1First(s sheet.InfoSheet) bool {
	return s.S1 == nil
}

// Admission is the gate's verdict on a stage-2 request.
type Admission struct {
	// Proceed is true if the call may be made now.
	Proceed bool

	// LabSet is the validated set found in the merged features.
	LabSet readiness.LabSet

	// Warning is set when the call is refused pending consent.
	Warning string

	// Consented is true when the call proceeds on an unvalidated set
	// because the user repeated the request after the warning.
	Consented bool
}

// AdmitStage2 decides a stage-2 request.
//
// Description:
//
//	With a validated set the call proceeds. Without one, the first request
//	is refused with a warning and the consent flag is set; the next request
//	proceeds. The returned state always has the flag cleared when the call
//	proceeds, so the flag is consumed on entry to the call, not on its
//	success.
//
// Inputs:
//   - merged: clinical ∪ labs.
//   - st: Current gate state.
//
// Outputs:
//   - Admission: The verdict.
//   - State: The state to store, whatever happens to the call afterwards.
func AdmitStage2(merged map[string]any, st State) (Admission, State) {
	set := readiness.ValidatedLabSet(merged)
	if set.Validated() {
		return Admission{Proceed: true, LabSet: set}, State{}
	}
	if !st.AwaitingConsentForUnvalidatedStage2 {
		return Admission{LabSet: set, Warning: UnvalidatedWarning},
			State{AwaitingConsentForUnvalidatedStage2: true}
	}
	return Admission{Proceed: true, LabSet: set, Consented: true}, State{}
}
