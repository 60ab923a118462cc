// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stages calls the two external risk-inference services.
//
// It builds the stage-appropriate payload, performs the POST with separate
// connect and read timeouts, retries only on 502/503/504, classifies every
// failure into a small error taxonomy, and decodes the scalar-or-list
// response shapes the upstream produces. Each call is traced, metered and
// audited.
//
// Thread Safety:
//
//	All exported types are safe for concurrent use unless documented otherwise.
package stages

import (
	"errors"
	"fmt"
	"net/http"
)

// Stage identifies one of the two inference services.
type Stage string

const (
	Stage1 Stage = "S1"
	Stage2 Stage = "S2"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrUpstreamTimeout is returned when the upstream did not answer within
	// the read timeout. Never retried automatically.
	ErrUpstreamTimeout = errors.New("stages: upstream timeout")

	// ErrUpstreamHTTP is returned for a non-2xx upstream response.
	ErrUpstreamHTTP = errors.New("stages: upstream http error")

	// ErrTransport is returned when the upstream could not be reached.
	ErrTransport = errors.New("stages: transport error")

	// ErrMalformedResponse is returned when a 2xx body cannot be decoded.
	ErrMalformedResponse = errors.New("stages: malformed upstream response")

	// ErrRateLimited is returned when the local per-stage rate limit is
	// exceeded. No request is sent.
	ErrRateLimited = errors.New("stages: rate limited")
)

// ErrorKind classifies an UpstreamError.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindHTTP      ErrorKind = "http"
	KindTransport ErrorKind = "transport"
	KindMalformed ErrorKind = "malformed"
)

// UpstreamError describes a failed stage call. errors.Is matches the
// sentinel for its Kind and the underlying cause.
type UpstreamError struct {
	Stage Stage
	Kind  ErrorKind

	// StatusCode is the HTTP status for KindHTTP, otherwise 0.
	StatusCode int

	// Reason is the upstream's explanation if it gave one, redacted.
	Reason string

	// Attempts is the number of requests sent.
	Attempts int

	Err error
}

// Error implements error.
func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("stage %s: %s", e.Stage, e.sentinel().Error())
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	} else if e.Err != nil {
		msg += ": " + SafeLogString(e.Err.Error())
	}
	return msg
}

// Unwrap returns the Kind sentinel and the cause.
func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

// Retryable reports whether the failure is a transient gateway error.
func (e *UpstreamError) Retryable() bool {
	if e.Kind != KindHTTP {
		return false
	}
	switch e.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (e *UpstreamError) sentinel() error {
	switch e.Kind {
	case KindTimeout:
		return ErrUpstreamTimeout
	case KindHTTP:
		return ErrUpstreamHTTP
	case KindMalformed:
		return ErrMalformedResponse
	default:
		return ErrTransport
	}
}
