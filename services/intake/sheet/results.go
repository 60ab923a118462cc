// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sheet

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Decision is the normalized four-way stage-2 category.
type Decision string

const (
	DecisionSevere        Decision = "Severe"
	DecisionNotSevere     Decision = "NOTSevere"
	DecisionOther         Decision = "Other"
	DecisionIndeterminate Decision = "Indeterminate"

	// DecisionUnknown marks an upstream value outside the four categories.
	// The raw text is kept alongside it.
	DecisionUnknown Decision = "Unknown"
)

// ParseDecision maps an upstream decision string onto the four categories.
// Matching ignores case, whitespace and punctuation.
func ParseDecision(raw string) Decision {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	switch b.String() {
	case "severe":
		return DecisionSevere
	case "notsevere", "nonsevere":
		return DecisionNotSevere
	case "other":
		return DecisionOther
	case "indeterminate", "uncertain":
		return DecisionIndeterminate
	default:
		return DecisionUnknown
	}
}

// Stage1Result is the opaque stage-1 payload plus the fields extracted from
// it.
type Stage1Result struct {
	// Decision is the stage-1 decision text as returned, unwrapped to a scalar.
	Decision string `json:"decision"`

	// V1Prob is v1.prob, the severe-vs-other probability.
	V1Prob *float64 `json:"v1_prob,omitempty"`

	// V2Prob is v2.prob, the not-severe-vs-other probability.
	V2Prob *float64 `json:"v2_prob,omitempty"`

	// Payload is the raw upstream response body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Stage2Result is the opaque stage-2 payload plus the normalized decision.
type Stage2Result struct {
	Decision Decision `json:"decision"`

	// Call is the raw decision text before normalization.
	Call string `json:"call"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

func (r Stage1Result) clone() Stage1Result {
	out := r
	if r.V1Prob != nil {
		v := *r.V1Prob
		out.V1Prob = &v
	}
	if r.V2Prob != nil {
		v := *r.V2Prob
		out.V2Prob = &v
	}
	out.Payload = append(json.RawMessage(nil), r.Payload...)
	return out
}

func (r Stage2Result) clone() Stage2Result {
	out := r
	out.Payload = append(json.RawMessage(nil), r.Payload...)
	return out
}
