// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sheet implements the Info Sheet: the accumulated record of a
// patient's clinical and laboratory features plus any stage results for one
// conversation.
//
// Every operation here is total and deterministic, and none of them mutate
// their inputs. Callers replace their sheet with the returned value.
package sheet

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/features"
)

// CurrentVersion is the sheet_version written by CreateEmpty.
const CurrentVersion = 1

// Features holds feature values keyed by canonical name. Values are JSON
// scalars (float64, string, bool). An absent key means "unknown"; nil values
// are never stored.
type Features struct {
	Clinical map[string]any `json:"clinical"`
	Labs     map[string]any `json:"labs"`
}

// Patient carries the anonymous patient identifier.
type Patient struct {
	AnonID string `json:"anon_id"`
}

// InfoSheet is the long-lived per-conversation record.
//
// Invariant: a key never appears in both Features.Clinical and
// Features.Labs.
//
// Thread Safety: InfoSheet is a value type but its maps are shared on copy.
// Use Clone before handing a sheet to another goroutine.
type InfoSheet struct {
	SheetVersion int           `json:"sheet_version"`
	CreatedAt    string        `json:"created_at"`
	Patient      Patient       `json:"patient"`
	Features     Features      `json:"features"`
	Notes        []string      `json:"notes"`
	S1           *Stage1Result `json:"s1,omitempty"`
	S2           *Stage2Result `json:"s2,omitempty"`
}

// CreateEmpty returns a fresh sheet with no features and no results.
func CreateEmpty() InfoSheet {
	return InfoSheet{
		SheetVersion: CurrentVersion,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		Patient:      Patient{AnonID: "anon-" + uuid.NewString()},
		Features: Features{
			Clinical: map[string]any{},
			Labs:     map[string]any{},
		},
		Notes: []string{},
	}
}

// Clone returns a deep copy of s.
func (s InfoSheet) Clone() InfoSheet {
	out := s
	out.Features = Features{
		Clinical: cloneMap(s.Features.Clinical),
		Labs:     cloneMap(s.Features.Labs),
	}
	out.Notes = append([]string{}, s.Notes...)
	if s.S1 != nil {
		r := s.S1.clone()
		out.S1 = &r
	}
	if s.S2 != nil {
		r := s.S2.clone()
		out.S2 = &r
	}
	return out
}

// Merge overwrites s key-by-key with the values in f.
//
// Description:
//
//	Keys absent from f are untouched; absence means "no new information",
//	never "retract". Writing a key into one sub-map removes it from the
//	other so the exclusivity invariant holds. Nil values and blank strings
//	in f are ignored.
//	Clinical entries are applied before lab entries.
//
// Inputs:
//   - s: The current sheet. Not modified.
//   - f: Canonical features to merge.
//
// Outputs:
//   - InfoSheet: The merged sheet. Merge(Merge(s, f), f) equals Merge(s, f).
func Merge(s InfoSheet, f Features) InfoSheet {
	out := s.Clone()
	if out.Features.Clinical == nil {
		out.Features.Clinical = map[string]any{}
	}
	if out.Features.Labs == nil {
		out.Features.Labs = map[string]any{}
	}
	for k, v := range f.Clinical {
		if blank(v) {
			continue
		}
		out.Features.Clinical[k] = v
		delete(out.Features.Labs, k)
	}
	for k, v := range f.Labs {
		if blank(v) {
			continue
		}
		out.Features.Labs[k] = v
		delete(out.Features.Clinical, k)
	}
	return out
}

// AttachStage1 stores a stage-1 result and caches the derived
// meta-probabilities into clinical. A probability missing from the result
// leaves its meta keys untouched.
func AttachStage1(s InfoSheet, r Stage1Result) InfoSheet {
	out := s.Clone()
	stored := r.clone()
	out.S1 = &stored

	derived := map[string]any{}
	if r.V1Prob != nil {
		derived[features.MetaSevereProb] = *r.V1Prob
		derived[features.MetaSevereOther] = 1 - *r.V1Prob
	}
	if r.V2Prob != nil {
		derived[features.MetaNotSevereProb] = *r.V2Prob
		derived[features.MetaNotSevereOther] = 1 - *r.V2Prob
	}
	return Merge(out, Features{Clinical: derived})
}

// AttachStage2 stores a stage-2 result.
func AttachStage2(s InfoSheet, r Stage2Result) InfoSheet {
	out := s.Clone()
	stored := r.clone()
	out.S2 = &stored
	return out
}

// AddNote appends a note unless the same text is already the last note.
func AddNote(s InfoSheet, note string) InfoSheet {
	out := s.Clone()
	if note == "" {
		return out
	}
	if n := len(out.Notes); n > 0 && out.Notes[n-1] == note {
		return out
	}
	out.Notes = append(out.Notes, note)
	return out
}

// Merged returns clinical ∪ labs as a new map.
func (s InfoSheet) Merged() map[string]any {
	out := make(map[string]any, len(s.Features.Clinical)+len(s.Features.Labs))
	for k, v := range s.Features.Clinical {
		out[k] = v
	}
	for k, v := range s.Features.Labs {
		out[k] = v
	}
	return out
}

// HasLabs reports whether any lab value is present.
func (s InfoSheet) HasLabs() bool {
	return len(s.Features.Labs) > 0
}

// Pristine reports whether the sheet holds no features, notes or results.
func (s InfoSheet) Pristine() bool {
	return len(s.Features.Clinical) == 0 &&
		len(s.Features.Labs) == 0 &&
		len(s.Notes) == 0 &&
		s.S1 == nil && s.S2 == nil
}

// blank reports whether v is nil or a whitespace-only string.
func blank(v any) bool {
	if v == nil {
		return true
	}
	str, ok := v.(string)
	return ok && strings.TrimSpace(str) == ""
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
