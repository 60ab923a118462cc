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
	"strings"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/canonical"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/gate"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/stages"
)

// Action is what the parsing backend wants done this turn.
type Action string

const (
	ActionAsk         Action = "ask"
	ActionUpdateSheet Action = "updateSheet"
	ActionCallStage   Action = "callStage"
)

// StageChoice selects which stage a callStage proposal targets.
type StageChoice string

const (
	StageAuto StageChoice = "auto"
	StageS1   StageChoice = "S1"
	StageS2   StageChoice = "S2"
)

// Proposal is one turn's structured input from the parsing backend. Only
// Features and Stage are trusted; everything still passes through
// canonicalization and gating.
type Proposal struct {
	Action   Action                `json:"action"`
	Message  string                `json:"message,omitempty"`
	Features canonical.RawFeatures `json:"features"`
	Stage    StageChoice           `json:"stage,omitempty"`

	// Notes are free-text remarks to append to the sheet, e.g. what the
	// extractor could not interpret.
	Notes []string `json:"notes,omitempty"`
}

// parseStage normalizes a stage choice. Empty means auto. Unrecognized
// values return false.
func parseStage(s StageChoice) (StageChoice, bool) {
	switch strings.ToLower(strings.TrimSpace(string(s))) {
	case "", "auto":
		return StageAuto, true
	case "s1", "1", "stage1":
		return StageS1, true
	case "s2", "2", "stage2":
		return StageS2, true
	default:
		return "", false
	}
}

// OutcomeKind tags an Outcome.
type OutcomeKind string

const (
	NeedsInfo       OutcomeKind = "needs_info"
	AwaitingConsent OutcomeKind = "awaiting_consent"
	StageResult     OutcomeKind = "stage_result"
	NoOp            OutcomeKind = "no_op"
)

// Outcome is what a turn produced. Which fields are set depends on Kind:
//
//	NeedsInfo:       Missing, Prompt
//	AwaitingConsent: Warning, LabSet
//	StageResult:     Stage, Stage1 and/or Stage2
//	NoOp:            Prompt may carry the backend's message
type Outcome struct {
	Kind    OutcomeKind         `json:"kind"`
	Missing []string            `json:"missing,omitempty"`
	Prompt  string              `json:"prompt,omitempty"`
	Warning string              `json:"warning,omitempty"`
	LabSet  string              `json:"lab_set,omitempty"`
	Stage   stages.Stage        `json:"stage,omitempty"`
	Stage1  *sheet.Stage1Result `json:"s1,omitempty"`
	Stage2  *sheet.Stage2Result `json:"s2,omitempty"`

	// Consented is true when stage 2 ran on an unvalidated lab set after
	// the user repeated the request.
	Consented bool `json:"consented,omitempty"`
}

// StepResult is the new conversation state plus the outcome of a turn.
type StepResult struct {
	Sheet   sheet.InfoSheet `json:"sheet"`
	Gate    gate.State      `json:"gate"`
	Outcome Outcome         `json:"outcome"`

	// Warnings are plausibility warnings for the merged clinical values.
	Warnings []string `json:"warnings,omitempty"`

	// Unrecognized lists proposal keys that matched no alias.
	Unrecognized []string `json:"unrecognized,omitempty"`
}
