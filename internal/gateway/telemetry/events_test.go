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

package telemetry

import (
	"testing"
	"time"
)

func TestEventLog_IDsAreMonotonic(t *testing.T) {
	el := NewEventLog(10, nil, nil, nil)
	defer el.Close()

	a := el.Emit("request_start", "src-a", nil)
	b := el.Emit("request_start", "src-a", nil)
	if b.ID != a.ID+1 {
		t.Fatalf("ids = %d, %d; want consecutive", a.ID, b.ID)
	}
}

func TestEventLog_TailSinceIDAndTypeFilter(t *testing.T) {
	el := NewEventLog(10, nil, nil, nil)
	defer el.Close()

	el.Emit("request_start", "a", nil)
	mid := el.Emit("worker_limited", "b", nil)
	el.Emit("request_start", "c", nil)
	el.Emit("fallback", "d", nil)

	got := el.Tail(mid.ID, 100, "")
	if len(got) != 2 {
		t.Fatalf("Tail(since=%d) returned %d events, want 2", mid.ID, len(got))
	}
	if got[0].Source != "c" || got[1].Source != "d" {
		t.Fatalf("Tail returned wrong events: %+v", got)
	}

	onlyStarts := el.Tail(0, 100, "request_start")
	if len(onlyStarts) != 2 {
		t.Fatalf("type filter returned %d events, want 2", len(onlyStarts))
	}
	for _, ev := range onlyStarts {
		if ev.Type != "request_start" {
			t.Fatalf("type filter leaked event %+v", ev)
		}
	}
}

func TestEventLog_RingEvictsOldest(t *testing.T) {
	el := NewEventLog(3, nil, nil, nil)
	defer el.Close()

	for i := 0; i < 5; i++ {
		el.Emit("tick", "", nil)
	}
	got := el.Tail(0, 100, "")
	if len(got) != 3 {
		t.Fatalf("ring holds %d events, want 3", len(got))
	}
	if got[0].ID != 3 {
		t.Fatalf("oldest retained id = %d, want 3", got[0].ID)
	}
	if el.Counts()["tick"] != 5 {
		t.Fatalf("counts survive eviction: got %d, want 5", el.Counts()["tick"])
	}
}

func TestEventLog_SubscribeReceivesLiveEvents(t *testing.T) {
	el := NewEventLog(10, nil, nil, nil)
	defer el.Close()

	id, ch := el.Subscribe()
	defer el.Unsubscribe(id)

	emitted := el.Emit("request_start", "a", map[string]string{"model": "opus"})

	select {
	case ev := <-ch:
		if ev.ID != emitted.ID || ev.Type != "request_start" {
			t.Fatalf("subscriber got %+v, want id=%d", ev, emitted.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}
