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

// Package capacity provides a thread-safe, striped-atomic slot accumulator
// used to gate admission against a fixed capacity (global concurrency slots,
// per-source active-request caps, warm-pool per-key limits, …).
//
// It is adapted from a Vector-Scalar-Accumulator style counter: the "scalar"
// is the fixed limit and the "vector" is the number of slots currently in
// use, spread across per-CPU-ish stripes to collapse contention on hot keys.
// Unlike a durable accumulator, a Capacity never needs to commit its in-use
// count anywhere — the count is purely an in-process admission gate, so the
// commit/offset machinery that durability would require is not present.
package capacity

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const padSize = 128 - 8

type stripe struct {
	val atomic.Int64
	_   [padSize]byte
}

// Capacity is a fixed-limit, concurrently-safe "N of M slots in use" counter.
type Capacity struct {
	limit atomic.Int64

	stripes []stripe
	mask    int

	chooser atomic.Uint64
	rr      uint64

	approxUsed atomic.Int64

	useCachedGate bool
	cacheInterval time.Duration
	cacheSlack    int64
	cachedUsed    atomic.Int64

	fastPathGuard int64

	tryMu sync.Mutex

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Options configures a Capacity's internal concurrency behavior. The zero
// value is a reasonable default for moderate contention.
type Options struct {
	// Stripes sets the number of striped counters. 0 picks
	// nextPow2(clamp(GOMAXPROCS, [8,64])).
	Stripes int

	// UseCachedGate enables a background goroutine that periodically
	// refreshes a cached "used" estimate, so TryAcquire under heavy
	// contention can gate against a cache instead of scanning every stripe.
	UseCachedGate bool
	CacheInterval time.Duration
	// CacheSlack is a conservative margin subtracted from availability when
	// gating against the cache, to avoid oversubscription from staleness.
	CacheSlack int64

	// FastPathGuard, if > 0, enables a lock-free fast path: when the
	// approximate availability is at least n+FastPathGuard away from zero,
	// TryAcquire reserves without taking the lock.
	FastPathGuard int64
}

// New creates a Capacity with the given fixed limit and default options.
func New(limit int64) *Capacity {
	return NewWithOptions(limit, Options{})
}

// NewWithOptions creates a Capacity with explicit tuning.
func NewWithOptions(limit int64, opts Options) *Capacity {
	var s int
	if opts.Stripes > 0 {
		s = nextPow2(clamp(opts.Stripes, 8, 64))
	} else {
		p := runtime.GOMAXPROCS(0)
		s = nextPow2(clamp(p, 8, 64))
	}
	c := &Capacity{stripes: make([]stripe, s), mask: s - 1}
	c.limit.Store(limit)

	c.useCachedGate = opts.UseCachedGate
	if c.useCachedGate {
		c.cacheInterval = opts.CacheInterval
		if c.cacheInterval <= 0 {
			c.cacheInterval = 100 * time.Microsecond
		}
		c.cacheSlack = opts.CacheSlack
		c.stopCh = make(chan struct{})
		go c.runAggregator()
	}
	c.fastPathGuard = opts.FastPathGuard
	return c
}

// SetLimit updates the capacity's fixed limit (e.g. on reconfiguration).
func (c *Capacity) SetLimit(n int64) { c.limit.Store(n) }

// Limit returns the current fixed limit.
func (c *Capacity) Limit() int64 { return c.limit.Load() }

// Used returns the current number of in-use slots.
func (c *Capacity) Used() int64 { return c.currentUsed() }

// Available returns limit - used (never negative in the returned value is
// not guaranteed if SetLimit shrank below current usage; callers should
// treat a negative value as "zero slots available").
func (c *Capacity) Available() int64 {
	return c.limit.Load() - c.currentUsed()
}

// TryAcquire attempts to reserve n slots; returns true if the reservation
// succeeded. Safe for concurrent use; never oversubscribes the limit.
func (c *Capacity) TryAcquire(n int64) bool {
	if n <= 0 {
		return false
	}
	if c.fastPathGuard > 0 {
		lim := c.limit.Load()
		approx := c.approxUsed.Load()
		if lim-approx >= n+c.fastPathGuard {
			idx := int(c.chooser.Add(1)) & c.mask
			c.stripes[idx].val.Add(n)
			c.approxUsed.Add(n)
			return true
		}
	}

	c.tryMu.Lock()
	defer c.tryMu.Unlock()

	var avail int64
	if c.useCachedGate {
		// approxUsed tracks every acquire and release, so taking the larger
		// of it and the cached reading keeps a stale cache from granting
		// past the limit.
		used := c.cachedUsed.Load()
		if a := c.approxUsed.Load(); a > used {
			used = a
		}
		avail = c.limit.Load() - used - c.cacheSlack
	} else {
		avail = c.limit.Load() - c.currentUsed()
	}
	if avail < n {
		// A cached gate can be stale; fall back to an exact check before
		// denying, so staleness never causes spurious rejection.
		if c.useCachedGate {
			avail = c.limit.Load() - c.currentUsed()
			if avail < n {
				return false
			}
		} else {
			return false
		}
	}

	idx := int(c.rr) & c.mask
	c.rr++
	c.stripes[idx].val.Add(n)
	c.approxUsed.Add(n)
	return true
}

// Release gives back up to n previously-acquired slots. It clamps so the
// used count never goes negative, making double-release safe (idempotent
// beyond the true in-use amount).
func (c *Capacity) Release(n int64) {
	if n <= 0 {
		return
	}
	c.tryMu.Lock()
	defer c.tryMu.Unlock()
	used := c.currentUsed()
	if n > used {
		n = used
	}
	if n <= 0 {
		return
	}
	idx := int(c.rr) & c.mask
	c.rr++
	c.stripes[idx].val.Add(-n)
	c.approxUsed.Add(-n)
}

func (c *Capacity) currentUsed() int64 {
	var sum int64
	for i := range c.stripes {
		sum += c.stripes[i].val.Load()
	}
	if sum < 0 {
		sum = 0
	}
	return sum
}

func (c *Capacity) runAggregator() {
	t := time.NewTicker(c.cacheInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.cachedUsed.Store(c.currentUsed())
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the background cache refresher, if one was started. Safe to
// call multiple times or never (a Capacity without UseCachedGate needs no
// Close).
func (c *Capacity) Close() {
	c.closeOnce.Do(func() {
		if c.stopCh != nil {
			close(c.stopCh)
		}
	})
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	return x + 1
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
