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
	"bytes"
	"encoding/json"
	"sort"
)

// Field is one proposed key/value pair as it arrived.
type Field struct {
	Key   string
	Value any
}

// Fields is a JSON object decoded with its key order preserved. Input order
// decides which spelling wins when two aliases name the same feature.
//
// Anything other than a JSON object decodes to an empty Fields rather than an
// error.
type Fields []Field

// UnmarshalJSON implements json.Unmarshaler.
func (f *Fields) UnmarshalJSON(data []byte) error {
	*f = nil

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}

	var out Fields
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			break
		}
		key, ok := keyTok.(string)
		if !ok {
			break
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			break
		}
		out = append(out, Field{Key: key, Value: v})
	}
	*f = out
	return nil
}

// MarshalJSON implements json.Marshaler, writing fields in order.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fld := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(fld.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(fld.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FieldsFromMap builds Fields from a map in sorted key order.
func FieldsFromMap(m map[string]any) Fields {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Fields, 0, len(keys))
	for _, k := range keys {
		out = append(out, Field{Key: k, Value: m[k]})
	}
	return out
}

// RawFeatures is the untrusted features object of a proposal.
type RawFeatures struct {
	Clinical Fields `json:"clinical,omitempty"`
	Labs     Fields `json:"labs,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler. A non-object degrades to empty.
func (r *RawFeatures) UnmarshalJSON(data []byte) error {
	*r = RawFeatures{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	type plain RawFeatures
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil
	}
	*r = RawFeatures(p)
	return nil
}

// Empty reports whether no fields were proposed.
func (r RawFeatures) Empty() bool {
	return len(r.Clinical) == 0 && len(r.Labs) == 0
}

// RawFromMaps builds RawFeatures from plain maps.
func RawFromMaps(clinical, labs map[string]any) RawFeatures {
	return RawFeatures{Clinical: FieldsFromMap(clinical), Labs: FieldsFromMap(labs)}
}
