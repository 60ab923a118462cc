// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package readiness evaluates an Info Sheet: which stage-1 fields are still
// missing, which validated lab set (if any) is present for stage 2, and which
// values look implausible.
//
// All functions are pure.
package readiness

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/features"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
)

// =============================================================================
// Stage-1 completeness
// =============================================================================

// MissingForStage1 returns every required stage-1 key that is absent or holds
// an empty string, in asking order. Never nil.
func MissingForStage1(clinical map[string]any) []string {
	missing := []string{}
	for _, k := range features.RequiredStage1 {
		if isBlank(clinical[k]) {
			missing = append(missing, k)
		}
	}
	return missing
}

var prompts = map[string]string{
	features.AgeMonths:       "How old is the child, in months?",
	features.Sex:             "Is the child male or female?",
	features.RecentAdmission: "Has the child had an overnight hospital admission recently?",
	features.WeightForAgeZ:   "What is the child's weight-for-age z-score?",
	features.IllnessDays:     "How many days has the child been ill?",
	features.NotAlert:        "Is the child alert? (AVPU below A counts as not alert.)",
	features.HeartRate:       "What is the heart rate, in beats per minute?",
	features.RespiratoryRate: "What is the respiratory rate, in breaths per minute?",
	features.Temperature:     "What is the temperature, in °C?",
	features.CapRefillLong:   "Is capillary refill prolonged (3 seconds or more)?",
}

// NextQuestion returns the prompt for the first missing key, or "" when
// nothing is missing.
func NextQuestion(missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	if p, ok := prompts[missing[0]]; ok {
		return p
	}
	return fmt.Sprintf("Please provide %s.", features.Label(missing[0]))
}

// =============================================================================
// Plausibility ranges
// =============================================================================

type plausibleRange struct {
	key      string
	name     string
	min, max float64
}

// Checked in this order so warnings are stable.
var plausibleRanges = []plausibleRange{
	{features.AgeMonths, "Age (months)", 0, 180},
	{features.HeartRate, "HR", 40, 250},
	{features.RespiratoryRate, "RR", 10, 120},
	{features.Temperature, "Temperature (°C)", 30, 43},
	{features.OxygenSaturation, "SpO2", 70, 100},
}

// RangeWarnings returns a warning for each ranged value outside its
// plausible range or not numeric. Warnings never block a stage call.
func RangeWarnings(clinical map[string]any) []string {
	warnings := []string{}
	for _, r := range plausibleRanges {
		v, present := clinical[r.key]
		if !present || isBlank(v) {
			continue
		}
		n, ok := Numeric(v)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s value %q is not a number.", r.name, fmt.Sprint(v)))
			continue
		}
		if n < r.min || n > r.max {
			warnings = append(warnings, fmt.Sprintf("%s %s seems out of range (%s-%s).",
				r.name, formatNumber(n), formatNumber(r.min), formatNumber(r.max)))
		}
	}
	return warnings
}

// =============================================================================
// Validated lab sets
// =============================================================================

// LabSet names a validated laboratory combination for stage 2.
type LabSet string

const (
	SetA      LabSet = "SetA"
	SetB      LabSet = "SetB"
	FullPanel LabSet = "FullPanel"
	None      LabSet = "None"
)

// Validated reports whether the set is anything other than None.
func (l LabSet) Validated() bool {
	return l != None && l != ""
}

var (
	setA = []string{features.CRP, features.TNFR1, features.SuPAR, features.OxygenSaturation}
	setB = []string{features.CRP, features.CXCL10, features.IL6, features.OxygenSaturation}
)

// FullPanelMinimum is the number of distinct catalog labs a full panel needs.
const FullPanelMinimum = 6

// ValidatedLabSet classifies merged clinical and lab features.
//
// Description:
//
//	SetA wins over SetB, which wins over FullPanel. Only provided values
//	count (see Provided), so a lab recorded as 0 is treated as absent.
//
// Inputs:
//   - merged: clinical ∪ labs, as from sheet.InfoSheet.Merged.
func ValidatedLabSet(merged map[string]any) LabSet {
	if allProvided(merged, setA) {
		return SetA
	}
	if allProvided(merged, setB) {
		return SetB
	}
	if ProvidedLabCount(merged) >= FullPanelMinimum {
		return FullPanel
	}
	return None
}

// ProvidedLabCount counts distinct catalog labs provided in m.
func ProvidedLabCount(m map[string]any) int {
	n := 0
	for _, k := range features.LabCatalog {
		if Provided(m[k]) {
			n++
		}
	}
	return n
}

func allProvided(m map[string]any, keys []string) bool {
	for _, k := range keys {
		if !Provided(m[k]) {
			return false
		}
	}
	return true
}

// =============================================================================
// Sheet summary
// =============================================================================

// Status is a full evaluation of a sheet.
type Status struct {
	Missing      []string `json:"missing"`
	NextQuestion string   `json:"next_question,omitempty"`
	Stage1Ready  bool     `json:"stage1_ready"`
	Warnings     []string `json:"warnings"`
	LabSet       LabSet   `json:"lab_set"`
	ProvidedLabs int      `json:"provided_labs"`
	Stage1Done   bool     `json:"stage1_done"`
	Stage2Done   bool     `json:"stage2_done"`
}

// Evaluate computes the Status of s.
func Evaluate(s sheet.InfoSheet) Status {
	missing := MissingForStage1(s.Features.Clinical)
	merged := s.Merged()
	return Status{
		Missing:      missing,
		NextQuestion: NextQuestion(missing),
		Stage1Ready:  len(missing) == 0,
		Warnings:     RangeWarnings(s.Features.Clinical),
		LabSet:       ValidatedLabSet(merged),
		ProvidedLabs: ProvidedLabCount(merged),
		Stage1Done:   s.S1 != nil,
		Stage2Done:   s.S2 != nil,
	}
}

// =============================================================================
// Value helpers
// =============================================================================

// Provided reports whether v counts as supplied for validated-set purposes:
// present, non-empty, and not numerically zero. Boolean false counts as zero.
func Provided(v any) bool {
	if isBlank(v) {
		return false
	}
	if n, ok := Numeric(v); ok {
		return n != 0
	}
	return true
}

// Numeric converts v to a float64 if it is a number, a boolean, or a string
// holding a number.
func Numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// isBlank reports whether v is absent or an empty string.
func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
