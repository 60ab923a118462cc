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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleBucketTTL is how long an untouched per-session bucket is kept. A bucket
// idle this long has refilled completely, so dropping it loses nothing.
const idleBucketTTL = 10 * time.Minute

// RateLimiter caps outbound calls per stage and per session.
//
// Description:
//
//	Each (stage, session) pair gets its own token bucket, refilled at
//	perMinute tokens per minute with a burst of perMinute, so one
//	conversation can never use up another's allowance. Calls without a
//	session id share one bucket per stage. A request over the limit is
//	refused rather than delayed, so a conversation turn never waits on the
//	limiter. Buckets idle for longer than idleBucketTTL are evicted.
//
// Thread Safety: Safe for concurrent use.
type RateLimiter struct {
	limits map[Stage]rate.Limit
	bursts map[Stage]int

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	swept   time.Time
	now     func() time.Time
}

type bucketKey struct {
	stage   Stage
	session string
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewRateLimiter creates a limiter applying perMinute to every stage.
//
// Inputs:
//   - perMinute: Calls per minute per stage and session. Zero or negative
//     disables the limit.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewRateLimiterPerStage(map[Stage]int{Stage1: perMinute, Stage2: perMinute})
}

// NewRateLimiterPerStage creates a limiter with per-stage limits. Stages not
// in the map are not limited.
func NewRateLimiterPerStage(perMinute map[Stage]int) *RateLimiter {
	r := &RateLimiter{
		limits:  make(map[Stage]rate.Limit, len(perMinute)),
		bursts:  make(map[Stage]int, len(perMinute)),
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
	for stage, n := range perMinute {
		if n <= 0 {
			continue
		}
		r.limits[stage] = rate.Every(time.Minute / time.Duration(n))
		r.bursts[stage] = n
	}
	return r
}

// Allow checks whether a call to stage on behalf of sessionID is within the
// limit and, if so, consumes a token.
//
// Outputs:
//   - bool: True if the call is allowed.
//   - time.Duration: If refused, how long until a token is available.
func (r *RateLimiter) Allow(stage Stage, sessionID string) (bool, time.Duration) {
	if r == nil {
		return true, 0
	}
	limit, ok := r.limits[stage]
	if !ok {
		return true, 0
	}

	now := r.now()
	r.mu.Lock()
	r.sweepLocked(now)
	key := bucketKey{stage: stage, session: sessionID}
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(limit, r.bursts[stage])}
		r.buckets[key] = b
	}
	b.lastUsed = now
	r.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, 0
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, delay
}

// Buckets returns the number of live buckets.
func (r *RateLimiter) Buckets() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// sweepLocked evicts idle buckets at most once per idleBucketTTL.
func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.swept) < idleBucketTTL {
		return
	}
	r.swept = now
	for k, b := range r.buckets {
		if now.Sub(b.lastUsed) >= idleBucketTTL {
			delete(r.buckets, k)
		}
	}
}
