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
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// WarmupResult is the outcome of pinging one stage host.
type WarmupResult struct {
	Stage    Stage
	Warm     bool
	Status   int
	Duration time.Duration
	Err      error
}

// Warmup pings both upstream hosts concurrently so a sleeping hosted service
// starts before the first real call.
//
// Description:
//
//	Sends GET to the root of each stage host. Any HTTP response, whatever
//	its status, counts as warm. Failures are logged and recorded but never
//	returned as an error; warmup is best effort.
//
// Inputs:
//   - ctx: Bounds the whole warmup.
//
// Outputs:
//   - []WarmupResult: One result per stage, stage 1 first.
func (c *Client) Warmup(ctx context.Context) []WarmupResult {
	targets := []struct {
		stage Stage
		url   string
		hc    *http.Client
	}{
		{Stage1, c.cfg.Stage1URL, c.s1HTTP},
		{Stage2, c.cfg.Stage2URL, c.s2HTTP},
	}
	results := make([]WarmupResult, len(targets))

	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			results[i] = c.ping(ctx, t.stage, t.url, t.hc)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		recordWarmup(r.Stage, r.Warm)
		attrs := []any{
			slog.String("stage", string(r.Stage)),
			slog.Bool("warm", r.Warm),
			slog.Duration("duration", r.Duration),
		}
		if r.Err != nil {
			attrs = append(attrs, slog.String("error", SafeLogString(r.Err.Error())))
			c.logger.Warn("stage warmup failed", attrs...)
			continue
		}
		c.logger.Info("stage warmup", append(attrs, slog.Int("status", r.Status))...)
	}
	return results
}

func (c *Client) ping(ctx context.Context, stage Stage, target string, hc *http.Client) WarmupResult {
	start := time.Now()
	res := WarmupResult{Stage: stage}

	u, err := url.Parse(target)
	if err != nil {
		res.Err = err
		return res
	}
	root := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root.String(), nil)
	if err != nil {
		res.Err = err
		return res
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := hc.Do(req)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = transportError(stage, err)
		return res
	}
	_ = resp.Body.Close()
	res.Warm = true
	res.Status = resp.StatusCode
	return res
}
