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

// Package router tracks worker health and active-connection load, and picks
// the next worker for a request by least-active-connections with session
// affinity tiebreak. A worker that reports a rate-limit failure is marked
// limited and the pool falls into degraded mode until a health sweep
// recovers it.
package router

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Mode is the pool's current selection strategy.
type Mode int

const (
	ModeLoadBalance Mode = iota
	ModeDegraded
)

// ErrNoHealthyWorker is returned when no worker is currently eligible.
var ErrNoHealthyWorker = errors.New("router: no healthy worker available")

// rateLimitMarkers are substrings whose presence in a worker's failure
// output classifies the failure as a rate limit.
var rateLimitMarkers = []string{
	"rate limit", "429", "too many requests", "overloaded", "you've hit your limit",
}

// ClassifyFailure reports whether output indicates a rate-limit failure.
func ClassifyFailure(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// WorkerSpec is a configured worker entry.
type WorkerSpec struct {
	Name      string
	IsPrimary bool
}

// WorkerStatus is an immutable snapshot of one worker's health and load.
type WorkerStatus struct {
	Name          string
	Limited       bool
	LimitedAt     time.Time
	ActiveConns   int64
	TotalRequests int64
}

type workerState struct {
	spec          WorkerSpec
	limited       bool
	limitedAt     time.Time
	activeConns   int64
	totalRequests int64
}

// Config controls health-sweep timing and session affinity TTL.
type Config struct {
	HealthCheckInterval time.Duration
	HealthCheckAfter    time.Duration
	AffinityTTL         time.Duration
}

// DefaultConfig returns spec-aligned defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 30 * time.Second,
		HealthCheckAfter:    60 * time.Second,
		AffinityTTL:         5 * time.Minute,
	}
}

// Router selects workers and tracks their health. Build with New.
type Router struct {
	cfg      Config
	affinity *Affinity

	mu          sync.Mutex
	workers     []*workerState
	byName      map[string]*workerState
	mode        Mode
	primaryName string

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Router over specs and starts its health-sweep loop.
func New(cfg Config, specs []WorkerSpec) *Router {
	r := &Router{
		cfg:      cfg,
		affinity: NewAffinity(cfg.AffinityTTL),
		byName:   make(map[string]*workerState, len(specs)),
		stopCh:   make(chan struct{}),
	}
	for _, s := range specs {
		ws := &workerState{spec: s}
		r.workers = append(r.workers, ws)
		r.byName[s.Name] = ws
		if s.IsPrimary {
			r.primaryName = s.Name
		}
	}
	r.wg.Add(1)
	go r.healthLoop()
	return r
}

// MarkFailure classifies output and, if it's a rate-limit failure, marks
// name limited and puts the pool into degraded mode.
func (r *Router) MarkFailure(name, output string) {
	if !ClassifyFailure(output) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.byName[name]
	if !ok {
		return
	}
	ws.limited = true
	ws.limitedAt = now()
	r.mode = ModeDegraded
}

// Select picks a worker for sessionKey (empty if none), increments its
// active-connection count and running total, and returns its name plus a
// release function to call when the request finishes. Reasserts affinity
// for sessionKey to the chosen worker.
func (r *Router) Select(sessionKey string) (name string, release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var chosen *workerState
	if r.mode == ModeDegraded {
		chosen = r.selectDegradedLocked()
	} else {
		chosen = r.selectLoadBalanceLocked(sessionKey)
	}
	if chosen == nil {
		return "", nil, ErrNoHealthyWorker
	}

	chosen.activeConns++
	chosen.totalRequests++
	if sessionKey != "" {
		r.affinity.Assign(sessionKey, chosen.spec.Name)
	}

	nm := chosen.spec.Name
	var once sync.Once
	return nm, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if ws, ok := r.byName[nm]; ok && ws.activeConns > 0 {
				ws.activeConns--
			}
		})
	}, nil
}

func (r *Router) selectLoadBalanceLocked(sessionKey string) *workerState {
	least := leastLoadedLocked(r.workers)
	if least == nil {
		return nil
	}
	if sessionKey == "" {
		return least
	}
	if affName, ok := r.affinity.Lookup(sessionKey); ok {
		if aw, ok := r.byName[affName]; ok && !aw.limited && aw.activeConns < least.activeConns {
			return aw
		}
	}
	return least
}

func leastLoadedLocked(workers []*workerState) *workerState {
	var best *workerState
	for _, w := range workers {
		if w.limited {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		if w.activeConns < best.activeConns {
			best = w
			continue
		}
		if w.activeConns == best.activeConns && w.totalRequests < best.totalRequests {
			best = w
		}
	}
	return best
}

// selectDegradedLocked: prefer the primary if healthy; else the first
// healthy; else the worker limited longest (last-resort revive attempt).
func (r *Router) selectDegradedLocked() *workerState {
	if r.primaryName != "" {
		if p, ok := r.byName[r.primaryName]; ok && !p.limited {
			return p
		}
	}
	for _, w := range r.workers {
		if !w.limited {
			return w
		}
	}
	var oldest *workerState
	for _, w := range r.workers {
		if oldest == nil || w.limitedAt.Before(oldest.limitedAt) {
			oldest = w
		}
	}
	return oldest
}

// Status returns a snapshot of every worker's health and load.
func (r *Router) Status() []WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkerStatus, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, WorkerStatus{
			Name:          w.spec.Name,
			Limited:       w.limited,
			LimitedAt:     w.limitedAt,
			ActiveConns:   w.activeConns,
			TotalRequests: w.totalRequests,
		})
	}
	return out
}

// Mode reports the router's current selection strategy.
func (r *Router) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

func (r *Router) healthLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.cfg.HealthCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.healthSweepOnce()
		case <-r.stopCh:
			return
		}
	}
}

// healthSweepOnce recovers any worker limited for at least HealthCheckAfter,
// and returns the pool to load-balance mode once at least two workers are
// healthy again. A second limited worker never accelerates the first's
// recovery — each is judged solely against its own limitedAt.
func (r *Router) healthSweepOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := now()
	for _, w := range r.workers {
		if w.limited && n.Sub(w.limitedAt) >= r.cfg.HealthCheckAfter {
			w.limited = false
		}
	}
	healthy := 0
	for _, w := range r.workers {
		if !w.limited {
			healthy++
		}
	}
	if healthy >= 2 {
		r.mode = ModeLoadBalance
	}
}

// AffinityStore returns the router's session-affinity store, so the dispatcher
// can consult "reassign required" semantics directly when a worker it
// already holds affinity to turns out to be unhealthy.
func (r *Router) AffinityStore() *Affinity { return r.affinity }

// IsHealthy reports whether name is currently not rate-limited.
func (r *Router) IsHealthy(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byName[name]
	return ok && !w.limited
}

// Close stops the health-sweep loop and the affinity store's sweep loop.
func (r *Router) Close() {
	r.once.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		r.affinity.Close()
	})
}

// now is an overridable clock seam for deterministic time-based tests.
var now = func() time.Time { return time.Now() }
