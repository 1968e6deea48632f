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

import "sync"

// Store is a keyed collection of Capacity instances, created lazily on
// first access. It is used to hand each fair-queue source (and one
// well-known global key) its own concurrency gate.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*Capacity
	newLimit func(key string) int64
	opts     Options
}

// NewStore creates a Store whose Capacity instances default to defaultLimit
// unless limitFor returns an override for a given key. limitFor may be nil.
func NewStore(defaultLimit int64, limitFor func(key string) int64, opts Options) *Store {
	s := &Store{entries: make(map[string]*Capacity), opts: opts}
	if limitFor != nil {
		s.newLimit = limitFor
	} else {
		s.newLimit = func(string) int64 { return defaultLimit }
	}
	return s
}

// GetOrCreate returns the Capacity for key, creating it on first access.
func (s *Store) GetOrCreate(key string) *Capacity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.entries[key]; ok {
		return c
	}
	c := NewWithOptions(s.newLimit(key), s.opts)
	s.entries[key] = c
	return c
}

// ForEach iterates over all currently-created Capacity instances.
func (s *Store) ForEach(f func(key string, c *Capacity)) {
	s.mu.Lock()
	snapshot := make(map[string]*Capacity, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	s.mu.Unlock()
	for k, v := range snapshot {
		f(k, v)
	}
}

// CloseAll stops background work for every Capacity in the store.
func (s *Store) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.entries {
		c.Close()
	}
}
