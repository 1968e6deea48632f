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

// Package warmpool keeps a small number of pre-spawned, idle worker
// processes ready per (model, worker, stream) key, so a request can be
// handed a live process instead of paying full spawn latency on the
// request path. A warm entry is preflight capacity; Acquire promotes it
// into the caller's hands (the registry tracks it as onflight from there).
package warmpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"clawgate/internal/gateway/capacity"
	"clawgate/internal/gateway/telemetry"
	"clawgate/internal/gateway/worker"
)

// ErrPoolFull is returned by WarmUp when key is already at its warm cap.
var ErrPoolFull = errors.New("warmpool: key at warm capacity")

// Spec identifies one pool key: a worker binary serving a given model,
// optionally in streaming mode.
type Spec struct {
	Model      string
	WorkerName string
	Stream     bool
}

// Key returns the pool key string for spec.
func (s Spec) Key() string {
	return fmt.Sprintf("%s|%s|%v", s.Model, s.WorkerName, s.Stream)
}

// Spawner constructs a fresh, idle worker process for spec. Swappable in
// tests; in production this wraps worker.Spawn with the right binary spec.
type Spawner func(ctx context.Context, spec Spec) (*worker.Process, error)

// Config controls pool sizing and staleness.
type Config struct {
	MaxWarmPerKey int
	MaxAge        time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxWarmPerKey: 2,
		MaxAge:        5 * time.Minute,
		SweepInterval: 15 * time.Second,
	}
}

// Stats is a snapshot of cumulative pool counters.
type Stats struct {
	Warm           int
	Hits           int64
	Misses         int64
	StaleEvictions int64
	SpawnFailures  int64
}

type entry struct {
	proc      *worker.Process
	createdAt time.Time
}

// Pool is the keyed warm-process pool. Build with New.
type Pool struct {
	cfg      Config
	spawn    Spawner
	log      *log.Logger
	inflight *capacity.Store

	mu      sync.Mutex
	warm    map[string][]*entry
	hits    int64
	misses  int64
	stale   int64
	failed  int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Pool and starts its periodic sweep goroutine.
// inflightCapPerKey bounds how many concurrent spawn attempts (warm-up or
// cold-path) a single key may have outstanding at once; tracking of
// processes already handed to a request lives in registry.
func New(cfg Config, spawn Spawner, logger *log.Logger, inflightCapPerKey int64) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	p := &Pool{
		cfg:      cfg,
		spawn:    spawn,
		log:      logger,
		inflight: capacity.NewStore(inflightCapPerKey, nil, capacity.Options{}),
		warm:     make(map[string][]*entry),
		stopCh:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// WarmUp spawns one idle process for spec and adds it to the warm set,
// unless the key is already at MaxWarmPerKey or at its in-flight spawn cap.
func (p *Pool) WarmUp(ctx context.Context, spec Spec) error {
	key := spec.Key()

	p.mu.Lock()
	if len(p.warm[key]) >= p.cfg.MaxWarmPerKey {
		p.mu.Unlock()
		return ErrPoolFull
	}
	p.mu.Unlock()

	gate := p.inflight.GetOrCreate(key)
	if !gate.TryAcquire(1) {
		return ErrPoolFull
	}
	defer gate.Release(1)

	proc, err := p.spawn(ctx, spec)
	if err != nil {
		p.mu.Lock()
		p.failed++
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.warm[key] = append(p.warm[key], &entry{proc: proc, createdAt: now()})
	p.mu.Unlock()
	return nil
}

// Acquire hands the caller a live process for spec: a warm entry if one is
// fresh and alive, otherwise a freshly spawned one (the "cold path").
// Acquiring schedules a best-effort async replenish of the warm set for
// spec's key.
func (p *Pool) Acquire(ctx context.Context, spec Spec) (*worker.Process, error) {
	key := spec.Key()

	for {
		p.mu.Lock()
		q := p.warm[key]
		if len(q) == 0 {
			p.mu.Unlock()
			break
		}
		e := q[0]
		p.warm[key] = q[1:]
		p.mu.Unlock()

		if !p.isFresh(e) {
			p.mu.Lock()
			p.stale++
			p.mu.Unlock()
			e.proc.Terminate()
			continue
		}

		p.mu.Lock()
		p.hits++
		p.mu.Unlock()
		telemetry.ObserveWarmAcquire(true)
		p.scheduleReplenish(spec)
		return e.proc, nil
	}

	p.mu.Lock()
	p.misses++
	p.mu.Unlock()
	telemetry.ObserveWarmAcquire(false)

	proc, err := p.spawn(ctx, spec)
	if err != nil {
		p.mu.Lock()
		p.failed++
		p.mu.Unlock()
		return nil, err
	}
	p.scheduleReplenish(spec)
	return proc, nil
}

func (p *Pool) isFresh(e *entry) bool {
	if !e.proc.Alive() {
		return false
	}
	return now().Sub(e.createdAt) <= p.cfg.MaxAge
}

// scheduleReplenish best-effort warms one replacement in the background;
// failures are logged, never propagated to the caller that already has its
// process.
func (p *Pool) scheduleReplenish(spec Spec) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.WarmUp(ctx, spec); err != nil && !errors.Is(err, ErrPoolFull) {
			p.log.Printf("warmpool: replenish failed key=%s err=%v", spec.Key(), err)
		}
	}()
}

// Stats returns a snapshot of cumulative counters plus the current warm
// count across all keys.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	warm := 0
	for _, q := range p.warm {
		warm += len(q)
	}
	return Stats{
		Warm:           warm,
		Hits:           p.hits,
		Misses:         p.misses,
		StaleEvictions: p.stale,
		SpawnFailures:  p.failed,
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.sweepOnce()
		case <-p.stopCh:
			return
		}
	}
}

// sweepOnce drops dead or aged-out warm entries across all keys. It does
// not proactively re-warm; replenishment is demand-driven via Acquire.
func (p *Pool) sweepOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, q := range p.warm {
		kept := q[:0]
		for _, e := range q {
			if p.isFreshLocked(e) {
				kept = append(kept, e)
				continue
			}
			p.stale++
			e.proc.Terminate()
		}
		if len(kept) == 0 {
			delete(p.warm, key)
		} else {
			p.warm[key] = kept
		}
	}
}

func (p *Pool) isFreshLocked(e *entry) bool {
	if !e.proc.Alive() {
		return false
	}
	return now().Sub(e.createdAt) <= p.cfg.MaxAge
}

// Close stops the sweep loop and waits for outstanding replenish goroutines.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
	})
}

// now is an overridable clock seam for deterministic time-based tests.
var now = func() time.Time { return time.Now() }
