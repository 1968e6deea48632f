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

package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// systemPromptPrefixLen bounds how much of a system prompt feeds the
// session-key hash, keeping the hash cheap on long prompts.
const systemPromptPrefixLen = 256

// DeriveSessionKey derives the sticky-routing key for a conversation:
// an explicit session id wins outright; failing that, a 32-bit hash of a
// source-scoped system-prompt prefix; failing that, the bare source.
func DeriveSessionKey(explicitSessionID, source, systemPrompt string) string {
	if explicitSessionID != "" {
		return explicitSessionID
	}
	if systemPrompt != "" {
		prefix := systemPrompt
		if len(prefix) > systemPromptPrefixLen {
			prefix = prefix[:systemPromptPrefixLen]
		}
		h := xxhash.Sum64String(source + "\x00" + prefix)
		return fmt.Sprintf("%s:%08x", source, uint32(h))
	}
	return source
}

type affinityEntry struct {
	worker   string
	lastUsed time.Time
	reqCount int64
}

// Affinity maps session keys to the worker last assigned to them, with
// idle-TTL expiry swept periodically.
type Affinity struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*affinityEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAffinity creates an Affinity store and starts its sweep loop.
func NewAffinity(ttl time.Duration) *Affinity {
	a := &Affinity{
		ttl:     ttl,
		entries: make(map[string]*affinityEntry),
		stopCh:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.sweepLoop()
	return a
}

// Assign records (or refreshes) key's affinity to worker.
func (a *Affinity) Assign(key, worker string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		e = &affinityEntry{}
		a.entries[key] = e
	}
	e.worker = worker
	e.lastUsed = now()
	e.reqCount++
}

// Lookup returns key's assigned worker, if present and not expired.
func (a *Affinity) Lookup(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		return "", false
	}
	if now().Sub(e.lastUsed) > a.ttl {
		delete(a.entries, key)
		return "", false
	}
	return e.worker, true
}

// Forget drops key's affinity entry outright — used when the router
// determines the affinity worker is unhealthy and a reassignment is
// required rather than a TTL-based expiry.
func (a *Affinity) Forget(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, key)
}

// Len returns the current number of tracked affinity entries.
func (a *Affinity) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func (a *Affinity) sweepLoop() {
	defer a.wg.Done()
	interval := a.ttl / 4
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.sweepOnce()
		case <-a.stopCh:
			return
		}
	}
}

func (a *Affinity) sweepOnce() {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := now()
	for k, e := range a.entries {
		if n.Sub(e.lastUsed) > a.ttl {
			delete(a.entries, k)
		}
	}
}

// Close stops the sweep loop.
func (a *Affinity) Close() {
	a.once.Do(func() {
		close(a.stopCh)
		a.wg.Wait()
	})
}
