// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package canonical maps proposed feature names onto canonical keys before
// anything touches an Info Sheet.
//
// Proposals come from a language model or a regex extractor and are not
// trusted: names arrive in arbitrary spellings, values in arbitrary shapes,
// and features in the wrong sub-map. The Canonicalizer is a pure transform
// that fixes all three and reports what it could not.
package canonical

import (
	"log/slog"
	"strings"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/config"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/features"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
)

// Resolver resolves a raw feature name to its canonical key.
//
// *config.FeatureAliasTable and *config.AliasRegistry satisfy it.
type Resolver interface {
	Lookup(raw string) (config.CanonicalKey, bool)
}

// Collision records two proposed spellings that resolved to the same
// canonical key. Winner is the spelling whose value was kept.
type Collision struct {
	Key    string `json:"key"`
	Loser  string `json:"loser"`
	Winner string `json:"winner"`
}

// Report describes what canonicalization could not map cleanly.
type Report struct {
	// Unrecognized lists keys passed through unchanged.
	Unrecognized []string `json:"unrecognized,omitempty"`

	// Collisions lists same-feature spellings resolved by last write.
	Collisions []Collision `json:"collisions,omitempty"`

	// Dropped lists keys whose value was not a scalar.
	Dropped []string `json:"dropped,omitempty"`
}

// Canonicalizer normalizes proposed features against an alias table.
//
// Thread Safety: Safe for concurrent use if the Resolver is.
type Canonicalizer struct {
	resolver Resolver
	logger   *slog.Logger
}

// New creates a Canonicalizer.
//
// Inputs:
//   - resolver: Alias lookup. Nil treats every key as unrecognized.
//   - logger: Logger for unrecognized keys and collisions. May be nil.
func New(resolver Resolver, logger *slog.Logger) *Canonicalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Canonicalizer{resolver: resolver, logger: logger}
}

// Canonicalize maps raw onto canonical keys.
//
// Description:
//
//	Clinical fields are processed before lab fields, each in input order.
//	A known key goes to the category the alias table declares for it, so
//	room-air SpO2 always lands in clinical. An unknown key is kept verbatim
//	in the sub-map it arrived in. When two spellings resolve to the same key
//	the later one wins. Null and blank values count as not provided and
//	never reach the sheet. A one-element list is unwrapped, and any other
//	non-scalar value is dropped.
//
// Inputs:
//   - raw: The proposed features. Not modified.
//
// Outputs:
//   - sheet.Features: Canonical features; a key appears in at most one map.
//   - Report: Unrecognized keys, collisions and dropped values.
func (c *Canonicalizer) Canonicalize(raw RawFeatures) (sheet.Features, Report) {
	out := sheet.Features{Clinical: map[string]any{}, Labs: map[string]any{}}
	var report Report
	seen := make(map[string]string)

	apply := func(arrived features.Category, fields Fields) {
		for _, fld := range fields {
			rawKey := strings.TrimSpace(fld.Key)
			if rawKey == "" {
				continue
			}
			value, ok := normalizeValue(fld.Value)
			if !ok {
				if !absent(fld.Value) {
					report.Dropped = append(report.Dropped, rawKey)
				}
				continue
			}

			name, category := rawKey, arrived
			if ck, found := c.lookup(rawKey); found {
				name, category = ck.Name, ck.Category
			} else {
				report.Unrecognized = append(report.Unrecognized, rawKey)
			}

			if prev, dup := seen[name]; dup {
				report.Collisions = append(report.Collisions, Collision{Key: name, Loser: prev, Winner: rawKey})
			}
			seen[name] = rawKey

			if category == features.CategoryLab {
				out.Labs[name] = value
				delete(out.Clinical, name)
			} else {
				out.Clinical[name] = value
				delete(out.Labs, name)
			}
		}
	}
	apply(features.CategoryClinical, raw.Clinical)
	apply(features.CategoryLab, raw.Labs)

	if len(report.Unrecognized) > 0 {
		c.logger.Info("unrecognized feature keys passed through",
			slog.Any("keys", report.Unrecognized),
		)
	}
	for _, col := range report.Collisions {
		c.logger.Warn("feature proposed under two spellings, last write wins",
			slog.String("key", col.Key),
			slog.String("loser", col.Loser),
			slog.String("winner", col.Winner),
		)
	}
	if len(report.Dropped) > 0 {
		c.logger.Info("non-scalar feature values dropped",
			slog.Any("keys", report.Dropped),
		)
	}
	return out, report
}

// CanonicalizeFeatures canonicalizes already-decoded maps, e.g. from a pasted
// sheet. Keys are taken in sorted order.
func (c *Canonicalizer) CanonicalizeFeatures(f sheet.Features) (sheet.Features, Report) {
	return c.Canonicalize(RawFromMaps(f.Clinical, f.Labs))
}

func (c *Canonicalizer) lookup(raw string) (config.CanonicalKey, bool) {
	if c.resolver == nil {
		return config.CanonicalKey{}, false
	}
	return c.resolver.Lookup(raw)
}

// normalizeValue reduces v to a scalar. Returns false if v is null or not
// reducible.
//
// Blank strings are treated like null.
func normalizeValue(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return nil, false
		}
		return x, true
	case float64, bool:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case []any:
		if len(x) == 1 {
			if _, nested := x[0].([]any); nested {
				return nil, false
			}
			return normalizeValue(x[0])
		}
		return nil, false
	default:
		return nil, false
	}
}

// absent reports whether v carries no value at all: null, a blank string,
// or a one-element list holding one of those.
func absent(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 1 && absent(x[0])
	default:
		return false
	}
}
