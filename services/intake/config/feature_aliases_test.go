// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/features"
)

func TestLoadFeatureAliases_Embedded(t *testing.T) {
	table, err := LoadFeatureAliases()
	if err != nil {
		t.Fatalf("embedded alias table must parse: %v", err)
	}
	if table.Len() == 0 {
		t.Fatal("expected a non-empty alias index")
	}
}

func TestLoadFeatureAliases_EveryCanonicalKeyResolvesToItself(t *testing.T) {
	table := MustLoadFeatureAliases()

	check := func(keys []string, want features.Category) {
		t.Helper()
		for _, k := range keys {
			ck, ok := table.Lookup(k)
			if !ok {
				t.Errorf("canonical key %q not in table", k)
				continue
			}
			if ck.Name != k {
				t.Errorf("Lookup(%q).Name = %q, want itself", k, ck.Name)
			}
			if ck.Category != want {
				t.Errorf("Lookup(%q).Category = %q, want %q", k, ck.Category, want)
			}
		}
	}

	check(features.RequiredStage1, features.CategoryClinical)
	check(features.OptionalClinical, features.CategoryClinical)
	check(features.DerivedStage1, features.CategoryClinical)
	check(features.LabCatalog, features.CategoryLab)
}

func TestLookup_Spellings(t *testing.T) {
	table := MustLoadFeatureAliases()

	tests := []struct {
		raw     string
		wantKey string
		wantCat features.Category
	}{
		{"age", features.AgeMonths, features.CategoryClinical},
		{"recentOvernightAdmission", features.RecentAdmission, features.CategoryClinical},
		{"weightForAgeZ", features.WeightForAgeZ, features.CategoryClinical},
		{"illnessDurationDays", features.IllnessDays, features.CategoryClinical},
		{"Heart Rate", features.HeartRate, features.CategoryClinical},
		{"capillaryRefillProlonged", features.CapRefillLong, features.CategoryClinical},
		{"SpO₂", features.OxygenSaturation, features.CategoryClinical},
		{"SPO2", features.OxygenSaturation, features.CategoryClinical},
		{"oxy_ra", features.OxygenSaturation, features.CategoryClinical},
		{"CXCL10", features.CXCL10, features.CategoryLab},
		{"suPAR", features.SuPAR, features.CategoryLab},
		{"IL-6", features.IL6, features.CategoryLab},
		{"crp", features.CRP, features.CategoryLab},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			ck, ok := table.Lookup(tt.raw)
			if !ok {
				t.Fatalf("Lookup(%q) not found", tt.raw)
			}
			if ck.Name != tt.wantKey || ck.Category != tt.wantCat {
				t.Errorf("Lookup(%q) = %+v, want %s/%s", tt.raw, ck, tt.wantKey, tt.wantCat)
			}
		})
	}
}

func TestLookup_Unknown(t *testing.T) {
	table := MustLoadFeatureAliases()
	if _, ok := table.Lookup("favourite_colour"); ok {
		t.Error("unknown key should not resolve")
	}

	var nilTable *FeatureAliasTable
	if _, ok := nilTable.Lookup("CRP"); ok {
		t.Error("nil table should resolve nothing")
	}
}

func TestFoldKey(t *testing.T) {
	tests := map[string]string{
		"SpO₂":          "spo2",
		"IL-6":          "il6",
		"oxy.ra":        "oxyra",
		" Heart  Rate ": "heartrate",
		"ＣＲＰ":           "crp",
	}
	for in, want := range tests {
		if got := FoldKey(in); got != want {
			t.Errorf("FoldKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseFeatureAliases_RejectsCollision(t *testing.T) {
	data := []byte(`
clinical:
  - key: hr.all
    aliases: [pulse]
labs:
  - key: PULSE_LAB
    aliases: [Pulse]
`)
	_, err := ParseFeatureAliases(context.Background(), data)
	if err == nil {
		t.Fatal("expected collision error")
	}
	if !strings.Contains(err.Error(), "claimed by both") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseFeatureAliases_RejectsEmptyKey(t *testing.T) {
	_, err := ParseFeatureAliases(context.Background(), []byte("clinical:\n  - key: \"\"\n"))
	if err == nil {
		t.Fatal("expected empty key error")
	}
}

func TestParseFeatureAliases_RejectsEmptyData(t *testing.T) {
	if _, err := ParseFeatureAliases(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty data")
	}
}

func TestParseFeatureAliases_RejectsPunctuationOnlyAlias(t *testing.T) {
	data := []byte("labs:\n  - key: CRP\n    aliases: [\"--\"]\n")
	if _, err := ParseFeatureAliases(context.Background(), data); err == nil {
		t.Fatal("expected error for alias that folds to nothing")
	}
}

func TestCanonicals_FileOrder(t *testing.T) {
	data := []byte(`
clinical:
  - key: b
  - key: a
labs:
  - key: Z
`)
	table, err := ParseFeatureAliases(context.Background(), data)
	if err != nil {
		t.Fatalf("ParseFeatureAliases: %v", err)
	}
	got := table.Canonicals(features.CategoryClinical)
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("clinical canonicals = %v, want [b a]", got)
	}
	if labs := table.Canonicals(features.CategoryLab); len(labs) != 1 || labs[0] != "Z" {
		t.Errorf("lab canonicals = %v, want [Z]", labs)
	}
}

func TestLoadFeatureAliasesFile_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.yaml")
	if err := os.WriteFile(path, make([]byte, MaxYAMLFileSize+1), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFeatureAliasesFile(context.Background(), path); err == nil {
		t.Fatal("expected size error")
	}
}
