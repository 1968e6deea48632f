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

package registry

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxAge:         time.Hour,
		MaxIdle:        time.Hour,
		ReaperInterval: 10 * time.Millisecond,
	}
}

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	defer r.Close()

	r.Register(Entry{Pid: 999999, Model: "opus", Mode: ModeStream, Source: "a", WorkerName: "w1", SpawnedAt: time.Now()})
	e, ok := r.Get(999999)
	if !ok {
		t.Fatal("expected entry to be registered")
	}
	if e.Model != "opus" {
		t.Fatalf("Model = %q, want opus", e.Model)
	}

	r.Unregister(999999)
	if _, ok := r.Get(999999); ok {
		t.Fatal("expected entry to be gone after Unregister")
	}
}

func TestRegistry_Touch(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	defer r.Close()

	start := time.Now().Add(-time.Minute)
	r.Register(Entry{Pid: 999998, SpawnedAt: start, LastActivity: start})
	r.Touch(999998, Deltas{AddInputTokens: 10, AddOutputTokens: 5})
	r.Touch(999998, Deltas{AddInputTokens: 3})

	e, _ := r.Get(999998)
	if e.InputTokens != 13 || e.OutputTokens != 5 {
		t.Fatalf("tokens = (%d,%d), want (13,5)", e.InputTokens, e.OutputTokens)
	}
	if !e.LastActivity.After(start) {
		t.Fatal("expected LastActivity to advance past spawn time after Touch")
	}
}

func TestRegistry_ZombieDetectionAndReap(t *testing.T) {
	cfg := Config{MaxAge: time.Hour, MaxIdle: 20 * time.Millisecond, ReaperInterval: 10 * time.Millisecond}
	var reaped []Entry
	r := New(cfg, nil, nil, func(e Entry) { reaped = append(reaped, e) })
	defer r.Close()

	old := time.Now().Add(-time.Hour)
	// A pid unlikely to be alive in this test sandbox; Kill on it is a
	// non-fatal ESRCH, matching "kill of a dead pid is non-fatal".
	r.Register(Entry{Pid: 1 << 30, SpawnedAt: old, LastActivity: old})

	zombies := r.GetZombies()
	if len(zombies) != 1 {
		t.Fatalf("GetZombies() returned %d entries, want 1", len(zombies))
	}

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("reaper never reaped the zombie entry")
		default:
		}
		if _, ok := r.Get(1 << 30); !ok {
			if len(reaped) != 1 {
				t.Fatalf("onReap invoked %d times, want 1", len(reaped))
			}
			if r.GetStats().Reaped != 1 {
				t.Fatalf("Stats.Reaped = %d, want 1", r.GetStats().Reaped)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistry_KillUnregistersRegardlessOfSignalOutcome(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	defer r.Close()

	r.Register(Entry{Pid: 1 << 29, SpawnedAt: time.Now(), LastActivity: time.Now()})
	_ = r.Kill(1<<29, 0) // signal almost certainly fails (no such pid); must still unregister

	if _, ok := r.Get(1 << 29); ok {
		t.Fatal("expected Kill to unregister the entry even if the signal failed")
	}
	if r.GetStats().Killed != 1 {
		t.Fatalf("Stats.Killed = %d, want 1", r.GetStats().Killed)
	}
}

func TestRegistry_GetAllSnapshot(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	defer r.Close()

	r.Register(Entry{Pid: 111, SpawnedAt: time.Now(), LastActivity: time.Now()})
	r.Register(Entry{Pid: 222, SpawnedAt: time.Now(), LastActivity: time.Now()})

	all := r.GetAll()
	if len(all) != 2 {
		t.Fatalf("GetAll() returned %d entries, want 2", len(all))
	}
}
