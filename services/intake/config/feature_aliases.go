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
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/features"
)

// =============================================================================
// Embedded Feature Alias Table
// =============================================================================

//go:embed feature_aliases.yaml
var defaultFeatureAliasesYAML []byte

// MaxYAMLFileSize bounds alias override files read from disk.
const MaxYAMLFileSize = 1 << 20

var configTracer = otel.Tracer("spotter.config")

// =============================================================================
// Types
// =============================================================================

// AliasEntry is one canonical key and the spellings that map to it.
type AliasEntry struct {
	Key     string   `yaml:"key"`
	Aliases []string `yaml:"aliases"`
}

// featureAliasFile mirrors the YAML layout.
type featureAliasFile struct {
	Clinical []AliasEntry `yaml:"clinical"`
	Labs     []AliasEntry `yaml:"labs"`
}

// CanonicalKey is the result of an alias lookup.
type CanonicalKey struct {
	Name     string
	Category features.Category
}

// FeatureAliasTable resolves arbitrary feature-name spellings to canonical
// keys.
//
// Description:
//
//	Built from feature_aliases.yaml. Every alias and every canonical key is
//	indexed under its folded form (see FoldKey), so lookups are insensitive
//	to case, punctuation, whitespace and Unicode compatibility forms.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type FeatureAliasTable struct {
	index    map[string]CanonicalKey
	clinical []string
	labs     []string
}

// Lookup resolves a raw feature name.
//
// Outputs:
//   - CanonicalKey: The canonical name and its category.
//   - bool: False when the spelling is not in the table.
func (t *FeatureAliasTable) Lookup(raw string) (CanonicalKey, bool) {
	if t == nil {
		return CanonicalKey{}, false
	}
	ck, ok := t.index[FoldKey(raw)]
	return ck, ok
}

// Canonicals returns the canonical keys of a category in file order.
func (t *FeatureAliasTable) Canonicals(category features.Category) []string {
	if t == nil {
		return nil
	}
	src := t.clinical
	if category == features.CategoryLab {
		src = t.labs
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// Len returns the number of indexed spellings.
func (t *FeatureAliasTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.index)
}

// FoldKey normalizes a feature name for alias lookup: NFKC, lower-case, and
// only letters and digits kept.
//
// Example:
//
//	FoldKey("SpO₂")   // "spo2"
//	FoldKey("IL-6")   // "il6"
//	FoldKey("oxy.ra") // "oxyra"
func FoldKey(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// =============================================================================
// Loading
// =============================================================================

var (
	cachedFeatureAliases *FeatureAliasTable
	featureAliasesOnce   sync.Once
	featureAliasesErr    error
)

// LoadFeatureAliases loads and caches the embedded alias table. Returns the
// cached result on subsequent calls.
//
// Thread Safety: Safe for concurrent use (uses sync.Once internally).
func LoadFeatureAliases() (*FeatureAliasTable, error) {
	featureAliasesOnce.Do(func() {
		cachedFeatureAliases, featureAliasesErr = ParseFeatureAliases(context.Background(), defaultFeatureAliasesYAML)
	})
	return cachedFeatureAliases, featureAliasesErr
}

// MustLoadFeatureAliases loads the embedded table or returns an empty one on
// error. Logs a warning if loading fails; canonicalization still works, every
// key is just passed through as unrecognized.
func MustLoadFeatureAliases() *FeatureAliasTable {
	table, err := LoadFeatureAliases()
	if err != nil {
		slog.Warn("feature aliases loading failed, continuing without alias folding",
			slog.String("error", err.Error()),
		)
		return &FeatureAliasTable{index: make(map[string]CanonicalKey)}
	}
	return table
}

// LoadFeatureAliasesFile reads an alias override file from disk.
//
// Inputs:
//   - ctx: Context for tracing.
//   - path: YAML file in the same layout as the embedded table.
//
// Outputs:
//   - *FeatureAliasTable: The parsed table.
//   - error: Non-nil if the file is unreadable, too large, or invalid.
func LoadFeatureAliasesFile(ctx context.Context, path string) (*FeatureAliasTable, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("alias file: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("alias file %s exceeds maximum size (%d > %d)", path, info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("alias file: %w", err)
	}
	return ParseFeatureAliases(ctx, data)
}

// ParseFeatureAliases parses and validates an alias table from YAML bytes.
//
// Description:
//
//	Rejects empty canonical keys and any folded spelling claimed by two
//	different canonical keys. A canonical key is always indexed as an alias
//	of itself.
//
// Inputs:
//   - ctx: Context for tracing.
//   - data: Raw YAML bytes.
//
// Outputs:
//   - *FeatureAliasTable: The validated table.
//   - error: Non-nil if parsing or validation fails.
func ParseFeatureAliases(ctx context.Context, data []byte) (*FeatureAliasTable, error) {
	_, span := configTracer.Start(ctx, "config.ParseFeatureAliases")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("ParseFeatureAliases: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("ParseFeatureAliases: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var raw featureAliasFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing feature_aliases.yaml: %w", err)
	}

	table := &FeatureAliasTable{index: make(map[string]CanonicalKey)}
	sections := []struct {
		category features.Category
		entries  []AliasEntry
		keys     *[]string
	}{
		{features.CategoryClinical, raw.Clinical, &table.clinical},
		{features.CategoryLab, raw.Labs, &table.labs},
	}
	for _, sec := range sections {
		for i, e := range sec.entries {
			key := strings.TrimSpace(e.Key)
			if key == "" {
				return nil, fmt.Errorf("%s[%d]: key must not be empty", sec.category, i)
			}
			ck := CanonicalKey{Name: key, Category: sec.category}
			for _, spelling := range append([]string{key}, e.Aliases...) {
				folded := FoldKey(spelling)
				if folded == "" {
					return nil, fmt.Errorf("%s[%d] (%s): alias %q folds to nothing", sec.category, i, key, spelling)
				}
				if prev, ok := table.index[folded]; ok && prev != ck {
					return nil, fmt.Errorf("alias %q claimed by both %s and %s", spelling, prev.Name, key)
				}
				table.index[folded] = ck
			}
			*sec.keys = append(*sec.keys, key)
		}
	}

	span.SetAttributes(
		attribute.Int("clinical_keys", len(table.clinical)),
		attribute.Int("lab_keys", len(table.labs)),
		attribute.Int("spellings", len(table.index)),
	)
	slog.Info("feature aliases loaded",
		slog.Int("clinical_keys", len(table.clinical)),
		slog.Int("lab_keys", len(table.labs)),
		slog.Int("spellings", len(table.index)),
	)
	return table, nil
}
