// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
)

// maxReasonLen bounds the upstream reason text kept in errors.
const maxReasonLen = 300

var (
	stage1DecisionKeys = []string{"s1_decision", "decision", "call"}
	stage2DecisionKeys = []string{"call", "s2_decision", "decision"}
	reasonKeys         = []string{"detail", "error", "message"}
)

// decodeStage1 extracts the decision and both probabilities from a stage-1
// body. Each may arrive as a scalar or a one-element list.
func decodeStage1(body []byte) (sheet.Stage1Result, error) {
	obj, err := decodeObject(body)
	if err != nil {
		return sheet.Stage1Result{}, err
	}

	var r sheet.Stage1Result
	for _, k := range stage1DecisionKeys {
		if s, ok := scalarString(obj[k]); ok {
			r.Decision = s
			break
		}
	}
	r.V1Prob = nestedProb(obj["v1"])
	r.V2Prob = nestedProb(obj["v2"])

	if r.Decision == "" && r.V1Prob == nil && r.V2Prob == nil {
		return sheet.Stage1Result{}, errors.New("no decision or probabilities in stage 1 response")
	}
	r.Payload = compact(body)
	return r, nil
}

// decodeStage2 extracts the four-way call from a stage-2 body, which may be
// an object or a one-element array of objects.
func decodeStage2(body []byte) (sheet.Stage2Result, error) {
	obj, err := decodeObject(body)
	if err != nil {
		return sheet.Stage2Result{}, err
	}

	for _, k := range stage2DecisionKeys {
		if s, ok := scalarString(obj[k]); ok && s != "" {
			return sheet.Stage2Result{
				Decision: sheet.ParseDecision(s),
				Call:     s,
				Payload:  compact(body),
			}, nil
		}
	}
	return sheet.Stage2Result{}, errors.New("no call in stage 2 response")
}

// extractReason pulls a human-readable reason out of an error body: the
// detail, error or message field of a JSON object, or the raw text.
func extractReason(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	reason := string(body)
	if obj, err := decodeObject(body); err == nil {
		for _, k := range reasonKeys {
			raw, ok := obj[k]
			if !ok {
				continue
			}
			if s, ok := scalarString(raw); ok {
				reason = s
			} else {
				reason = string(compact(raw))
			}
			break
		}
	}
	reason = SafeLogString(strings.TrimSpace(reason))
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen] + "..."
	}
	return reason
}

func decodeObject(body []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(unwrapOne(body), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("response is not a JSON object")
	}
	return obj, nil
}

// unwrapOne strips one-element array wrappers.
func unwrapOne(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	for len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil || len(arr) != 1 {
			return trimmed
		}
		trimmed = bytes.TrimSpace(arr[0])
	}
	return trimmed
}

func scalarString(raw json.RawMessage) (string, bool) {
	raw = unwrapOne(raw)
	if len(raw) == 0 {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}

func scalarFloat(raw json.RawMessage) (float64, bool) {
	s, ok := scalarString(raw)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// nestedProb reads {"prob": p} where both the object and p may be wrapped
// in a one-element list.
func nestedProb(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(unwrapOne(raw), &obj); err != nil {
		return nil
	}
	p, ok := scalarFloat(obj["prob"])
	if !ok {
		return nil
	}
	return &p
}

func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil
	}
	return buf.Bytes()
}
