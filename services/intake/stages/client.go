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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/config"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/features"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
)

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 4 << 20

// Stage2Options are the calibration flags sent with a stage-2 call.
type Stage2Options struct {
	ApplyCalibration bool
	AllowHeavyImpute bool
}

// Client calls the two inference stages.
//
// Description:
//
//	Each stage has its own http.Client sharing the connect timeout but with
//	its own read timeout, so the heavier stage 2 can be given a longer
//	budget. A call runs: rate limit → payload → POST (retried on
//	502/503/504) → decode. Every call is traced, metered and audited.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	cfg       config.StageConfig
	s1HTTP    *http.Client
	s2HTTP    *http.Client
	limiter   *RateLimiter
	auditor   *InvocationAuditor
	logger    *slog.Logger
	tracer    oteltrace.Tracer
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithAuditor sets the invocation auditor.
func WithAuditor(a *InvocationAuditor) Option {
	return func(c *Client) { c.auditor = a }
}

// WithRateLimiter replaces the limiter derived from the config.
func WithRateLimiter(l *RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp oteltrace.TracerProvider) Option {
	return func(c *Client) { c.tracer = tp.Tracer(stagesTracerName) }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a stage client.
//
// Inputs:
//   - cfg: Endpoints, timeouts and retry policy. Validated here.
//   - opts: Optional logger, auditor, rate limiter.
//
// Outputs:
//   - *Client: Ready to use.
//   - error: Non-nil if cfg is invalid.
func NewClient(cfg config.StageConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cfg,
		s1HTTP:    newHTTPClient(cfg.ConnectTimeout, cfg.Stage1ReadTimeout),
		s2HTTP:    newHTTPClient(cfg.ConnectTimeout, cfg.Stage2ReadTimeout),
		limiter:   NewRateLimiter(cfg.RatePerMin),
		tracer:    otel.Tracer(stagesTracerName),
		userAgent: "sepsis-spotter-intake/1",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.auditor == nil {
		c.auditor = NewInvocationAuditor(c.logger, false, nil)
	}
	return c, nil
}

// newHTTPClient builds a client whose connect and read phases are bounded
// independently.
func newHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: readTimeout,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// DefaultStage2Options returns the calibration flags from the config.
func (c *Client) DefaultStage2Options() Stage2Options {
	return Stage2Options{
		ApplyCalibration: c.cfg.ApplyCalibration,
		AllowHeavyImpute: c.cfg.AllowHeavyImpute,
	}
}

// Config returns the stage configuration.
func (c *Client) Config() config.StageConfig {
	return c.cfg
}

// =============================================================================
// Payloads
// =============================================================================

// Stage1Features returns the clinical values sent to stage 1: only keys the
// user supplied, so derived meta-probabilities and blank values are left out.
// Nothing is substituted for missing keys.
func Stage1Features(clinical map[string]any) map[string]any {
	out := make(map[string]any, len(clinical))
	for k, v := range clinical {
		if features.IsDerived(k) || blank(v) {
			continue
		}
		out[k] = v
	}
	return out
}

type stage1Payload struct {
	Features map[string]any `json:"features"`
}

type stage2Payload struct {
	Features         map[string]any `json:"features"`
	ApplyCalibration bool           `json:"apply_calibration"`
	AllowHeavyImpute bool           `json:"allow_heavy_impute,omitempty"`
}

func blank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// =============================================================================
// Calls
// =============================================================================

// CallStage1 invokes stage 1 with the user-supplied clinical features.
//
// Inputs:
//   - ctx: Context for cancellation and tracing. A session id attached with
//     ContextWithSessionID is copied into the audit trail.
//   - clinical: The sheet's clinical map. Not modified.
//
// Outputs:
//   - *sheet.Stage1Result: Decoded result.
//   - error: ErrRateLimited, or an *UpstreamError.
func (c *Client) CallStage1(ctx context.Context, clinical map[string]any) (*sheet.Stage1Result, error) {
	body, err := json.Marshal(stage1Payload{Features: Stage1Features(clinical)})
	if err != nil {
		return nil, fmt.Errorf("stages: encode stage 1 payload: %w", err)
	}
	raw, err := c.call(ctx, Stage1, c.cfg.Stage1URL, c.s1HTTP, c.cfg.Stage1ReadTimeout, body)
	if err != nil {
		return nil, err
	}
	res, err := decodeStage1(raw)
	if err != nil {
		return nil, &UpstreamError{Stage: Stage1, Kind: KindMalformed, Reason: err.Error(), Err: err}
	}
	return &res, nil
}

// CallStage2 invokes stage 2 with merged clinical and lab features.
//
// Outputs:
//   - *sheet.Stage2Result: Decoded result with a normalized decision.
//   - error: ErrRateLimited, or an *UpstreamError.
func (c *Client) CallStage2(ctx context.Context, merged map[string]any, opts Stage2Options) (*sheet.Stage2Result, error) {
	feats := make(map[string]any, len(merged))
	for k, v := range merged {
		if !blank(v) {
			feats[k] = v
		}
	}
	body, err := json.Marshal(stage2Payload{
		Features:         feats,
		ApplyCalibration: opts.ApplyCalibration,
		AllowHeavyImpute: opts.AllowHeavyImpute,
	})
	if err != nil {
		return nil, fmt.Errorf("stages: encode stage 2 payload: %w", err)
	}
	raw, err := c.call(ctx, Stage2, c.cfg.Stage2URL, c.s2HTTP, c.cfg.Stage2ReadTimeout, body)
	if err != nil {
		return nil, err
	}
	res, err := decodeStage2(raw)
	if err != nil {
		return nil, &UpstreamError{Stage: Stage2, Kind: KindMalformed, Reason: err.Error(), Err: err}
	}
	return &res, nil
}

// call runs the shared pre-flight, retry and audit sequence and returns the
// 2xx body.
func (c *Client) call(
	ctx context.Context,
	stage Stage,
	url string,
	hc *http.Client,
	readTimeout time.Duration,
	payload []byte,
) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := c.tracer.Start(ctx, "stages.Client.Call",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("stage", string(stage)),
			attribute.String("url", url),
		),
	)
	defer span.End()

	start := time.Now()
	inv := Invocation{
		RequestID:   uuid.New().String(),
		SessionID:   SessionIDFromContext(ctx),
		Stage:       stage,
		ContentHash: HashContent(payload),
		Timestamp:   start.UnixMilli(),
	}

	if allowed, retryAfter := c.limiter.Allow(stage, inv.SessionID); !allowed {
		reason := fmt.Sprintf("rate limit exceeded for stage %s, retry after %v", stage, retryAfter.Round(time.Millisecond))
		inv.Status = "blocked"
		inv.ErrorKind = "rate_limit"
		c.auditor.LogBlocked(ctx, inv, reason)
		recordStageBlocked(stage)
		span.SetAttributes(attribute.String("blocked_by", "rate_limit"))
		span.SetStatus(codes.Error, reason)
		return nil, fmt.Errorf("%s: %w", reason, ErrRateLimited)
	}

	c.auditor.LogBefore(ctx, inv)
	incActiveRequests(stage)
	defer decActiveRequests(stage)

	attempts := 0
	var lastErr error
	op := func() ([]byte, error) {
		attempts++
		body, err := c.attempt(ctx, stage, url, hc, readTimeout, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.Retryable() {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("stage call failed, retrying",
				slog.String("stage", string(stage)),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", next),
				slog.String("error", SafeLogString(err.Error())),
			)
		}),
	)
	if err != nil {
		err = finalError(err, lastErr, stage)
	}

	duration := time.Since(start)
	inv.Attempts = attempts
	inv.DurationMs = duration.Milliseconds()
	recordStageMetrics(stage, duration, attempts, err)
	span.SetAttributes(attribute.Int("attempts", attempts))

	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			ue.Attempts = attempts
			inv.StatusCode = ue.StatusCode
			span.SetAttributes(attribute.Int("http.status_code", ue.StatusCode))
		}
		inv.Status = "error"
		inv.ErrorKind = classifyError(err)
		c.auditor.LogAfter(ctx, inv, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	inv.Status = "success"
	inv.StatusCode = http.StatusOK
	c.auditor.LogAfter(ctx, inv, nil)
	span.SetStatus(codes.Ok, "")
	return body, nil
}

// finalError unwraps a permanent error and falls back to the last attempt's
// error when the retry loop stopped for another reason (e.g. cancellation
// during backoff).
func finalError(err, lastErr error, stage Stage) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	if lastErr != nil {
		return lastErr
	}
	return &UpstreamError{Stage: stage, Kind: KindTransport, Err: err}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBackoff
	b.Multiplier = 2
	b.MaxInterval = 8 * c.cfg.RetryBackoff
	b.RandomizationFactor = 0.2
	return b
}

// attempt sends one request. The whole exchange, including reading the body,
// must finish within connect + read timeout.
func (c *Client) attempt(
	ctx context.Context,
	stage Stage,
	url string,
	hc *http.Client,
	readTimeout time.Duration,
	payload []byte,
) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout+readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &UpstreamError{Stage: stage, Kind: KindTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	otel.GetTextMapPropagator().Inject(actx, propagation.HeaderCarrier(req.Header))

	resp, err := hc.Do(req)
	if err != nil {
		return nil, transportError(stage, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(stage, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{
			Stage:      stage,
			Kind:       KindHTTP,
			StatusCode: resp.StatusCode,
			Reason:     extractReason(body),
		}
	}
	return body, nil
}

// transportError classifies a failed exchange as a timeout or a transport
// failure.
func transportError(stage Stage, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &UpstreamError{Stage: stage, Kind: KindTimeout, Err: err}
	}
	return &UpstreamError{Stage: stage, Kind: KindTransport, Err: err}
}
