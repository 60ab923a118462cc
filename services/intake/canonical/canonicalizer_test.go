// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package canonical

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/config"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
)

func newTestCanonicalizer() *Canonicalizer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(config.MustLoadFeatureAliases(), logger)
}

func decodeRaw(t *testing.T, doc string) RawFeatures {
	t.Helper()
	var raw RawFeatures
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		t.Fatalf("unmarshal %s: %v", doc, err)
	}
	return raw
}

func TestFields_PreservesOrder(t *testing.T) {
	var f Fields
	if err := json.Unmarshal([]byte(`{"z":1,"a":2,"m":[3]}`), &f); err != nil {
		t.Fatal(err)
	}
	if len(f) != 3 || f[0].Key != "z" || f[1].Key != "a" || f[2].Key != "m" {
		t.Errorf("order lost: %+v", f)
	}

	out, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"z":1,"a":2,"m":[3]}` {
		t.Errorf("MarshalJSON = %s", out)
	}
}

func TestFields_NonObjectDegrades(t *testing.T) {
	for _, doc := range []string{`"text"`, `42`, `[1,2]`, `null`, `true`} {
		var f Fields
		if err := json.Unmarshal([]byte(doc), &f); err != nil {
			t.Errorf("%s: unexpected error %v", doc, err)
		}
		if len(f) != 0 {
			t.Errorf("%s: expected empty fields, got %+v", doc, f)
		}
	}
}

func TestRawFeatures_BadShapeDegrades(t *testing.T) {
	for _, doc := range []string{`"features"`, `[]`, `{"clinical":"hr 120","labs":7}`} {
		raw := decodeRaw(t, doc)
		if !raw.Empty() {
			t.Errorf("%s: expected empty features, got %+v", doc, raw)
		}
	}
}

func TestCanonicalize_AliasesAndCategories(t *testing.T) {
	c := newTestCanonicalizer()
	raw := decodeRaw(t, `{
		"clinical": {"heartRate": 128, "Age": 24, "capillaryRefillProlonged": 0},
		"labs": {"crp": 5, "IL-6": 1.5, "SpO₂": 95}
	}`)

	got, report := c.Canonicalize(raw)

	wantClinical := map[string]any{"hr.all": 128.0, "age.months": 24.0, "crt.long": 0.0, "oxy.ra": 95.0}
	wantLabs := map[string]any{"CRP": 5.0, "IL6": 1.5}
	assertFeatures(t, got, wantClinical, wantLabs)

	if len(report.Unrecognized) != 0 || len(report.Collisions) != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestCanonicalize_OxygenSaturationRelocated(t *testing.T) {
	c := newTestCanonicalizer()
	got, _ := c.Canonicalize(decodeRaw(t, `{"labs": {"oxy.ra": 92}}`))

	if _, inLabs := got.Labs["oxy.ra"]; inLabs {
		t.Error("oxy.ra must never stay in labs")
	}
	if got.Clinical["oxy.ra"] != 92.0 {
		t.Errorf("clinical oxy.ra = %v", got.Clinical["oxy.ra"])
	}
}

func TestCanonicalize_LastWriteWins(t *testing.T) {
	c := newTestCanonicalizer()
	got, report := c.Canonicalize(decodeRaw(t, `{"labs": {"CXCL10": 2, "IP-10": 3}}`))

	if got.Labs["CXCl10"] != 3.0 {
		t.Errorf("CXCl10 = %v, want the later value 3", got.Labs["CXCl10"])
	}
	if len(report.Collisions) != 1 {
		t.Fatalf("collisions = %+v", report.Collisions)
	}
	col := report.Collisions[0]
	if col.Key != "CXCl10" || col.Loser != "CXCL10" || col.Winner != "IP-10" {
		t.Errorf("collision = %+v", col)
	}
}

func TestCanonicalize_LabsAfterClinical(t *testing.T) {
	c := newTestCanonicalizer()
	got, report := c.Canonicalize(decodeRaw(t, `{"labs": {"SpO2": 97}, "clinical": {"oxygenSaturation": 91}}`))

	if got.Clinical["oxy.ra"] != 97.0 {
		t.Errorf("oxy.ra = %v, want the lab-map value written last", got.Clinical["oxy.ra"])
	}
	if len(report.Collisions) != 1 {
		t.Errorf("collisions = %+v", report.Collisions)
	}
}

func TestCanonicalize_UnknownPassthrough(t *testing.T) {
	c := newTestCanonicalizer()
	got, report := c.Canonicalize(decodeRaw(t, `{"clinical": {"Shoe Size": 3}, "labs": {"Ferritin": 80}}`))

	if got.Clinical["Shoe Size"] != 3.0 {
		t.Errorf("unknown clinical key not passed through: %v", got.Clinical)
	}
	if got.Labs["Ferritin"] != 80.0 {
		t.Errorf("unknown lab key not passed through: %v", got.Labs)
	}
	if len(report.Unrecognized) != 2 {
		t.Errorf("unrecognized = %v", report.Unrecognized)
	}
}

func TestCanonicalize_ValueShapes(t *testing.T) {
	c := newTestCanonicalizer()
	got, report := c.Canonicalize(decodeRaw(t, `{"clinical": {
		"hr": null,
		"rr": [32],
		"temp": [37, 38],
		"sex": {"value": 1},
		"not.alert": false,
		"wfaz": " -1.2 "
	}}`))

	if _, ok := got.Clinical["hr.all"]; ok {
		t.Error("null must be dropped")
	}
	if got.Clinical["rr.all"] != 32.0 {
		t.Errorf("single-element list not unwrapped: %v", got.Clinical["rr.all"])
	}
	if _, ok := got.Clinical["temp.all"]; ok {
		t.Error("multi-element list must be dropped")
	}
	if _, ok := got.Clinical["sex"]; ok {
		t.Error("object value must be dropped")
	}
	if got.Clinical["not.alert"] != false {
		t.Errorf("bool kept as-is: %v", got.Clinical["not.alert"])
	}
	if got.Clinical["wfaz"] != "-1.2" {
		t.Errorf("string trimmed: %q", got.Clinical["wfaz"])
	}
	if len(report.Dropped) != 2 {
		t.Errorf("dropped = %v, want temp and sex", report.Dropped)
	}
}

func TestCanonicalize_BlankStringsAreAbsent(t *testing.T) {
	c := newTestCanonicalizer()
	got, report := c.Canonicalize(decodeRaw(t, `{"clinical": {
		"heartRate": 120,
		"age": "",
		"sex": "   ",
		"temperature": [" "]
	}}`))

	for _, key := range []string{"age.months", "sex", "temp.all"} {
		if v, ok := got.Clinical[key]; ok {
			t.Errorf("%s = %q, blank value must not be carried", key, v)
		}
	}
	if got.Clinical["hr.all"] != 120.0 {
		t.Errorf("hr.all = %v", got.Clinical["hr.all"])
	}
	if len(report.Dropped) != 0 {
		t.Errorf("blank values are not dropped values: %v", report.Dropped)
	}
}

func TestCanonicalize_NilResolver(t *testing.T) {
	c := New(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	got, report := c.Canonicalize(RawFromMaps(map[string]any{"hr": 1.0}, nil))
	if got.Clinical["hr"] != 1.0 || len(report.Unrecognized) != 1 {
		t.Errorf("got %+v report %+v", got, report)
	}
}

func TestCanonicalizeFeatures(t *testing.T) {
	c := newTestCanonicalizer()
	got, _ := c.CanonicalizeFeatures(sheet.Features{
		Clinical: map[string]any{"heart_rate": 100.0},
		Labs:     map[string]any{"suPAR": 4.0},
	})
	assertFeatures(t, got, map[string]any{"hr.all": 100.0}, map[string]any{"supar": 4.0})
}

func TestCanonicalize_Pure(t *testing.T) {
	c := newTestCanonicalizer()
	raw := decodeRaw(t, `{"clinical": {"HR": 100}}`)
	a, _ := c.Canonicalize(raw)
	b, _ := c.Canonicalize(raw)
	if a.Clinical["hr.all"] != b.Clinical["hr.all"] || raw.Clinical[0].Key != "HR" {
		t.Error("Canonicalize must be deterministic and leave its input alone")
	}
}

func assertFeatures(t *testing.T, got sheet.Features, clinical, labs map[string]any) {
	t.Helper()
	if len(got.Clinical) != len(clinical) {
		t.Errorf("clinical = %v, want %v", got.Clinical, clinical)
	}
	for k, v := range clinical {
		if got.Clinical[k] != v {
			t.Errorf("clinical[%s] = %v, want %v", k, got.Clinical[k], v)
		}
	}
	if len(got.Labs) != len(labs) {
		t.Errorf("labs = %v, want %v", got.Labs, labs)
	}
	for k, v := range labs {
		if got.Labs[k] != v {
			t.Errorf("labs[%s] = %v, want %v", k, got.Labs[k], v)
		}
	}
}
