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
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// stagesTracerName is the OTel tracer name for stage calls.
const stagesTracerName = "spotter.stages"

// =============================================================================
// Prometheus Metrics for Stage Calls
// =============================================================================

var (
	// stageCallsTotal counts stage calls by stage and status.
	// Labels: stage (S1, S2), status (success, error, blocked)
	stageCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotter",
		Subsystem: "stage",
		Name:      "calls_total",
		Help:      "Total stage calls by stage and status",
	}, []string{"stage", "status"})

	// stageCallDuration measures end-to-end call latency including retries.
	// Labels: stage, status
	stageCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spotter",
		Subsystem: "stage",
		Name:      "call_duration_seconds",
		Help:      "Stage call latency including retries",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"stage", "status"})

	// stageErrorsTotal counts failures by type.
	// Labels: stage, error_type (timeout, transport, client, auth, rate_limit, server, malformed, canceled, unknown)
	stageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotter",
		Subsystem: "stage",
		Name:      "errors_total",
		Help:      "Stage call failures by type",
	}, []string{"stage", "error_type"})

	// stageRetriesTotal counts automatic retries.
	// Labels: stage
	stageRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotter",
		Subsystem: "stage",
		Name:      "retries_total",
		Help:      "Automatic retries after 502/503/504",
	}, []string{"stage"})

	// stageActiveRequests tracks in-flight calls.
	// Labels: stage
	stageActiveRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spotter",
		Subsystem: "stage",
		Name:      "active_requests",
		Help:      "Number of in-flight stage calls",
	}, []string{"stage"})

	// stageWarmupTotal counts warmup pings by outcome.
	// Labels: stage, status (warm, cold)
	stageWarmupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotter",
		Subsystem: "stage",
		Name:      "warmup_total",
		Help:      "Upstream warmup pings by stage and outcome",
	}, []string{"stage", "status"})
)

// classifyError maps an error to a label-safe error type string.
//
// Outputs:
//   - string: One of "timeout", "transport", "client", "auth",
//     "rate_limit", "server", "malformed", "canceled", "unknown". Empty for
//     a nil error.
//
// Thread Safety: Safe for concurrent use.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrRateLimited) {
		return "rate_limit"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return "unknown"
	}
	switch ue.Kind {
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindMalformed:
		return "malformed"
	}
	switch {
	case ue.StatusCode == http.StatusUnauthorized || ue.StatusCode == http.StatusForbidden:
		return "auth"
	case ue.StatusCode == http.StatusTooManyRequests:
		return "rate_limit"
	case ue.StatusCode >= 500:
		return "server"
	case ue.StatusCode >= 400:
		return "client"
	default:
		return "unknown"
	}
}

// recordStageMetrics records one completed stage call.
func recordStageMetrics(stage Stage, duration time.Duration, attempts int, err error) {
	status := "success"
	if err != nil {
		status = "error"
		stageErrorsTotal.WithLabelValues(string(stage), classifyError(err)).Inc()
	}
	stageCallsTotal.WithLabelValues(string(stage), status).Inc()
	stageCallDuration.WithLabelValues(string(stage), status).Observe(duration.Seconds())
	if attempts > 1 {
		stageRetriesTotal.WithLabelValues(string(stage)).Add(float64(attempts - 1))
	}
}

// recordStageBlocked records a call refused before any request was sent.
func recordStageBlocked(stage Stage) {
	stageCallsTotal.WithLabelValues(string(stage), "blocked").Inc()
	stageErrorsTotal.WithLabelValues(string(stage), "rate_limit").Inc()
}

func incActiveRequests(stage Stage) {
	stageActiveRequests.WithLabelValues(string(stage)).Inc()
}

func decActiveRequests(stage Stage) {
	stageActiveRequests.WithLabelValues(string(stage)).Dec()
}

func recordWarmup(stage Stage, warm bool) {
	status := "cold"
	if warm {
		status = "warm"
	}
	stageWarmupTotal.WithLabelValues(string(stage), status).Inc()
}
