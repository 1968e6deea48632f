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

package capacity

import (
	"sync"
	"testing"
)

func TestCapacity_Basics(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		c := New(10)
		if c.Limit() != 10 || c.Used() != 0 || c.Available() != 10 {
			t.Fatalf("New(10): limit=%d used=%d avail=%d", c.Limit(), c.Used(), c.Available())
		}
	})

	t.Run("AcquireRelease", func(t *testing.T) {
		c := New(2)
		if !c.TryAcquire(1) {
			t.Fatal("expected first acquire to succeed")
		}
		if !c.TryAcquire(1) {
			t.Fatal("expected second acquire to succeed")
		}
		if c.TryAcquire(1) {
			t.Fatal("expected third acquire to fail: capacity exhausted")
		}
		c.Release(1)
		if !c.TryAcquire(1) {
			t.Fatal("expected acquire to succeed after release")
		}
	})

	t.Run("ReleaseNeverGoesNegative", func(t *testing.T) {
		c := New(5)
		c.Release(100) // nothing acquired yet; should be a no-op, not underflow
		if c.Used() != 0 {
			t.Fatalf("Used() = %d, want 0", c.Used())
		}
		if !c.TryAcquire(5) {
			t.Fatal("expected full acquire to succeed after spurious release")
		}
	})

	t.Run("DoubleReleaseIdempotentBeyondUsage", func(t *testing.T) {
		c := New(3)
		c.TryAcquire(1)
		c.Release(1)
		c.Release(1) // second release of the same slot must not underflow
		if c.Used() != 0 {
			t.Fatalf("Used() = %d, want 0 after double release", c.Used())
		}
	})
}

func TestCapacity_NoOversubscriptionUnderConcurrency(t *testing.T) {
	const limit = 50
	c := New(limit)
	var wg sync.WaitGroup
	var granted, denied int64Counter
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquire(1) {
				granted.inc()
			} else {
				denied.inc()
			}
		}()
	}
	wg.Wait()
	if granted.get() != limit {
		t.Fatalf("granted = %d, want exactly %d (no oversubscription, no under-granting)", granted.get(), limit)
	}
	if granted.get()+denied.get() != 500 {
		t.Fatalf("granted+denied = %d, want 500", granted.get()+denied.get())
	}
	if c.Used() != limit {
		t.Fatalf("Used() = %d, want %d", c.Used(), limit)
	}
}

func TestCapacity_CachedGateFallsBackToExact(t *testing.T) {
	c := NewWithOptions(4, Options{UseCachedGate: true, CacheSlack: 0})
	defer c.Close()
	for i := 0; i < 4; i++ {
		if !c.TryAcquire(1) {
			t.Fatalf("acquire %d should have succeeded", i)
		}
	}
	if c.TryAcquire(1) {
		t.Fatal("expected acquire to fail once exhausted, even before the cache refreshes")
	}
}

// int64Counter avoids importing sync/atomic twice across tests; it's a thin
// wrapper kept local to this test file.
type int64Counter struct {
	mu sync.Mutex
	n  int64
}

func (c *int64Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int64Counter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
