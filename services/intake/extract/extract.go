// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract turns a free-text case description into a proposal.
//
// It is a rule-based fallback parser: a small set of patterns for age, sex,
// vitals, common flags and lab markers. It never decides anything; its output
// goes through canonicalization and gating like any other proposal.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/canonical"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/features"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/orchestrator"
)

// crtProlongedSeconds is the capillary refill time at or above which
// crt.long is set.
const crtProlongedSeconds = 3.0

// numericPattern pairs a pattern whose first group is a number with the key
// it fills.
type numericPattern struct {
	key     string
	pattern *regexp.Regexp
}

// flagPattern sets key to 1 when pattern matches anywhere.
type flagPattern struct {
	key     string
	pattern *regexp.Regexp
}

var (
	ageYears  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)[\s-]*(?:years?|yrs?|y)\b`)
	ageMonths = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)[\s-]*(?:months?|mos?|mo)\b`)
	male      = regexp.MustCompile(`(?i)\bmale\b|\bboy\b`)
	female    = regexp.MustCompile(`(?i)\bfemale\b|\bgirl\b`)
	crt       = regexp.MustCompile(`(?i)\bcrt[:\s>=≥]*([0-9](?:\.[0-9])?)\s*(?:s|secs?|seconds)?\b`)

	vitals = []numericPattern{
		{features.HeartRate, regexp.MustCompile(`(?i)\bHR[:\s]*([0-9]{2,3})\b`)},
		{features.RespiratoryRate, regexp.MustCompile(`(?i)\bRR[:\s]*([0-9]{1,3})\b`)},
		{features.OxygenSaturation, regexp.MustCompile(`(?i)(?:SpO2|SpO₂|sats?|oxygen)[:\s]*([0-9]{2,3})\b`)},
		{features.Temperature, regexp.MustCompile(`(?i)\b(?:temp(?:erature)?|T)[:\s]*([0-9]{2}(?:\.[0-9]+)?)`)},
		{features.Temperature, regexp.MustCompile(`(?i)\b([0-9]{2}(?:\.[0-9]+)?)\s*°\s*C\b`)},
	}

	flags = []flagPattern{
		{features.DangerSign, regexp.MustCompile(`(?i)\bdanger signs?\b`)},
		{features.NotAlert, regexp.MustCompile(`(?i)\bnot alert\b|\bletharg(?:y|ic)\b|\bdrows(?:y|iness)\b`)},
		{features.URTI, regexp.MustCompile(`(?i)\bURTI\b|\bupper resp`)},
		{features.LRTI, regexp.MustCompile(`(?i)\bLRTI\b|\blower resp|\bpneumonia\b`)},
		{features.Diarrhoeal, regexp.MustCompile(`(?i)\bdiarrh`)},
	}
)

// labPatterns has one pattern per catalog marker. A hyphen or space is
// allowed where letters meet digits, so "IL-6" and "TNFR 1" match.
var labPatterns = func() []numericPattern {
	out := make([]numericPattern, 0, len(features.LabCatalog))
	for _, key := range features.LabCatalog {
		out = append(out, numericPattern{
			key:     key,
			pattern: regexp.MustCompile(`(?i)\b` + markerPattern(key) + `\b[:=\s]*([0-9]+(?:\.[0-9]+)?)`),
		})
	}
	return out
}()

func markerPattern(key string) string {
	var b strings.Builder
	var prev rune
	for i, r := range key {
		if i > 0 && unicode.IsLetter(prev) && unicode.IsDigit(r) {
			b.WriteString(`[- ]?`)
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
		prev = r
	}
	return b.String()
}

// Result is what was found in one message.
type Result struct {
	Clinical map[string]any
	Labs     map[string]any
	Notes    []string
}

// Empty reports whether nothing was extracted.
func (r Result) Empty() bool {
	return len(r.Clinical) == 0 && len(r.Labs) == 0
}

// Extract scans text for known features. Values are float64; flags are 1.
// An explicit age in months beats one in years, and female beats male.
func Extract(text string) Result {
	res := Result{Clinical: map[string]any{}, Labs: map[string]any{}}

	if m := ageMonths.FindStringSubmatch(text); m != nil {
		if v, ok := parse(m[1]); ok {
			res.Clinical[features.AgeMonths] = v
		}
	} else if m := ageYears.FindStringSubmatch(text); m != nil {
		if v, ok := parse(m[1]); ok {
			months := strconv.FormatFloat(v*12, 'f', -1, 64)
			res.Clinical[features.AgeMonths] = v * 12
			res.Notes = append(res.Notes, fmt.Sprintf("Age %s years recorded as %s months.", m[1], months))
		}
	}

	if male.MatchString(text) {
		res.Clinical[features.Sex] = 0.0
	}
	if female.MatchString(text) {
		res.Clinical[features.Sex] = 1.0
	}

	for _, p := range vitals {
		if m := p.pattern.FindStringSubmatch(text); m != nil {
			if v, ok := parse(m[1]); ok {
				res.Clinical[p.key] = v
			}
		}
	}

	for _, f := range flags {
		if f.pattern.MatchString(text) {
			res.Clinical[f.key] = 1.0
		}
	}

	if m := crt.FindStringSubmatch(text); m != nil {
		if v, ok := parse(m[1]); ok {
			prolonged := 0.0
			if v >= crtProlongedSeconds {
				prolonged = 1.0
			}
			res.Clinical[features.CapRefillLong] = prolonged
		}
	}

	for _, p := range labPatterns {
		if m := p.pattern.FindStringSubmatch(text); m != nil {
			if v, ok := parse(m[1]); ok {
				res.Labs[p.key] = v
			}
		}
	}
	return res
}

// Proposal wraps an extraction as a proposal. With a stage choice the
// proposal asks for that stage to run; without one it only updates the
// sheet.
func (r Result) Proposal(stage orchestrator.StageChoice) orchestrator.Proposal {
	p := orchestrator.Proposal{
		Action:   orchestrator.ActionUpdateSheet,
		Features: canonical.RawFromMaps(r.Clinical, r.Labs),
		Notes:    r.Notes,
	}
	if stage != "" {
		p.Action = orchestrator.ActionCallStage
		p.Stage = stage
	}
	return p
}

func parse(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}
