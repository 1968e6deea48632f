// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit implements the per-model sliding-window request and
// token rate limiter: answers "may this request proceed now, and if not,
// for how long".
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Window is the sliding window duration over which requests and tokens are
// counted.
const Window = 60 * time.Second

// Now is overridable in tests for deterministic time control.
var Now = func() time.Time { return time.Now() }

// Limits are the per-model ceilings.
type Limits struct {
	RequestsPerMin int64
	TokensPerMin   int64
}

// Result is the outcome of a Check call.
type Result struct {
	OK     bool
	WaitMs int64
	Reason string
}

// Durable is the minimal store surface the limiter mirrors window samples
// into, for observability only — authoritative counters stay in memory.
// Kept narrow so a real go-redis client and a no-op stand-in are
// interchangeable.
type Durable interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
}

type sample struct {
	at        time.Time
	estTokens int64
}

type modelWindow struct {
	mu      sync.Mutex
	samples []sample
}

// Stats is an immutable snapshot of one model's current window.
type Stats struct {
	RequestCount int
	TokenSum     int64
}

// Limiter is a per-model sliding-window limiter. Build with New.
type Limiter struct {
	defaultLimits Limits
	limits        map[string]Limits

	mu      sync.Mutex
	windows map[string]*modelWindow

	store Durable
}

// New creates a Limiter. limits maps model family to its ceilings; models
// absent from the map use defaultLimits. store may be nil.
func New(defaultLimits Limits, limits map[string]Limits, store Durable) *Limiter {
	return &Limiter{
		defaultLimits: defaultLimits,
		limits:        limits,
		windows:       make(map[string]*modelWindow),
		store:         store,
	}
}

func (l *Limiter) limitsFor(model string) Limits {
	if lim, ok := l.limits[model]; ok {
		return lim
	}
	return l.defaultLimits
}

func (l *Limiter) windowFor(model string) *modelWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[model]
	if !ok {
		w = &modelWindow{}
		l.windows[model] = w
	}
	return w
}

// Check answers whether a request with estTokens may proceed now.
func (l *Limiter) Check(model string, estTokens int64) Result {
	lim := l.limitsFor(model)
	w := l.windowFor(model)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := Now()
	live := liveSamples(w.samples, now)
	w.samples = live

	if int64(len(live)) >= lim.RequestsPerMin {
		return Result{OK: false, WaitMs: waitMs(live[0].at, now), Reason: "requests_exceeded"}
	}

	var tokenSum int64
	for _, s := range live {
		tokenSum += s.estTokens
	}

	if len(live) > 0 && tokenSum+estTokens > lim.TokensPerMin {
		// Empty-window carve-out: if nothing is live yet, a single
		// oversized request is still admitted — we cannot split a call,
		// and refusing it here would deadlock the limiter forever.
		return Result{OK: false, WaitMs: waitMs(live[0].at, now), Reason: "tokens_exceeded"}
	}

	return Result{OK: true}
}

func waitMs(oldest, now time.Time) int64 {
	age := now.Sub(oldest)
	wait := Window - age
	if wait < time.Second {
		wait = time.Second
	}
	return wait.Milliseconds()
}

func liveSamples(samples []sample, now time.Time) []sample {
	cut := 0
	for cut < len(samples) && now.Sub(samples[cut].at) >= Window {
		cut++
	}
	if cut == 0 {
		return samples
	}
	return append([]sample(nil), samples[cut:]...)
}

// Record appends a (now, estTokens) sample to model's window and, if a
// durable store is configured, mirrors it best-effort into a Redis sorted
// set for observability.
func (l *Limiter) Record(model string, estTokens int64) {
	w := l.windowFor(model)
	now := Now()

	w.mu.Lock()
	w.samples = append(liveSamples(w.samples, now), sample{at: now, estTokens: estTokens})
	w.mu.Unlock()

	if l.store != nil {
		key := fmt.Sprintf("rate:%s", model)
		member := fmt.Sprintf("%d:%d", now.UnixNano(), estTokens)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.store.ZAdd(ctx, key, float64(now.Unix()), member)
		_ = l.store.ZRemRangeByScore(ctx, key, 0, float64(now.Add(-Window).Unix()))
	}
}

// Stats returns a snapshot of the current live window per model that has
// ever been touched.
func (l *Limiter) Stats() map[string]Stats {
	l.mu.Lock()
	models := make([]string, 0, len(l.windows))
	windows := make([]*modelWindow, 0, len(l.windows))
	for model, w := range l.windows {
		models = append(models, model)
		windows = append(windows, w)
	}
	l.mu.Unlock()

	now := Now()
	out := make(map[string]Stats, len(models))
	for i, model := range models {
		w := windows[i]
		w.mu.Lock()
		live := liveSamples(w.samples, now)
		w.samples = live
		var tokenSum int64
		for _, s := range live {
			tokenSum += s.estTokens
		}
		out[model] = Stats{RequestCount: len(live), TokenSum: tokenSum}
		w.mu.Unlock()
	}
	return out
}
