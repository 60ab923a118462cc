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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidDocument is returned when an Info Sheet document cannot be
// parsed.
var ErrInvalidDocument = errors.New("sheet: invalid document")

// Export serializes s as the persisted JSON document.
func Export(s InfoSheet) ([]byte, error) {
	out := s.Clone()
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("sheet: export: %w", err)
	}
	return data, nil
}

// ExportIndent is Export with two-space indentation, for display.
func ExportIndent(s InfoSheet) ([]byte, error) {
	data, err := Export(s)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("sheet: export: %w", err)
	}
	return buf.Bytes(), nil
}

// Import parses a persisted document.
//
// Description:
//
//	Missing maps are created empty and a missing version defaults to
//	CurrentVersion. Null feature values are dropped. If a key appears in
//	both sub-maps the clinical value is kept.
//
// Outputs:
//   - InfoSheet: The parsed sheet.
//   - error: Wraps ErrInvalidDocument if data is not a JSON object.
func Import(data []byte) (InfoSheet, error) {
	var s InfoSheet
	if err := json.Unmarshal(data, &s); err != nil {
		return InfoSheet{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if s.SheetVersion == 0 {
		s.SheetVersion = CurrentVersion
	}
	if s.Notes == nil {
		s.Notes = []string{}
	}
	clinical := dropNulls(s.Features.Clinical)
	labs := dropNulls(s.Features.Labs)
	for k := range clinical {
		delete(labs, k)
	}
	s.Features = Features{Clinical: clinical, Labs: labs}
	return s, nil
}

// Restore applies a pasted document to the current sheet.
//
// Description:
//
//	A pristine current sheet is replaced wholesale by the pasted one.
//	Otherwise only the pasted features are merged in; its results, notes
//	and metadata are ignored. Callers canonicalize pasted.Features first.
func Restore(current, pasted InfoSheet) InfoSheet {
	if current.Pristine() {
		out := pasted.Clone()
		if out.Patient.AnonID == "" {
			out.Patient = current.Patient
		}
		if out.CreatedAt == "" {
			out.CreatedAt = current.CreatedAt
		}
		return out
	}
	return Merge(current, pasted.Features)
}

func dropNulls(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
