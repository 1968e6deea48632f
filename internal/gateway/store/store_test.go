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

package store

import (
	"context"
	"testing"
)

func TestNoopStore_ImplementsDurableStore(t *testing.T) {
	var _ DurableStore = NewNoopStore(nil)

	s := NewNoopStore(nil)
	ctx := context.Background()
	if err := s.HSet(ctx, "procs:entries", map[string]string{"123": "{}"}); err != nil {
		t.Fatalf("HSet() error = %v", err)
	}
	if _, err := s.HGetAll(ctx, "procs:entries"); err != nil {
		t.Fatalf("HGetAll() error = %v", err)
	}
	if err := s.HDel(ctx, "procs:entries", "123"); err != nil {
		t.Fatalf("HDel() error = %v", err)
	}
	if err := s.LPush(ctx, "events", "{}"); err != nil {
		t.Fatalf("LPush() error = %v", err)
	}
	if err := s.LTrim(ctx, "events", 0, 999); err != nil {
		t.Fatalf("LTrim() error = %v", err)
	}
	if err := s.ZAdd(ctx, "rate:opus", 1700000000, "now:est"); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}
	if err := s.ZRemRangeByScore(ctx, "rate:opus", 0, 1699999940); err != nil {
		t.Fatalf("ZRemRangeByScore() error = %v", err)
	}
	if _, err := s.Incr(ctx, "events:nextId"); err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
}

func TestBuild_UnknownBackendErrors(t *testing.T) {
	if _, err := Build(Options{Backend: "carrier-pigeon"}, nil); err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

func TestBuild_DefaultIsNoop(t *testing.T) {
	s, err := Build(Options{}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, ok := s.(*NoopStore); !ok {
		t.Fatalf("Build() with empty Options = %T, want *NoopStore", s)
	}
}

func TestBuild_RedisRequiresAddr(t *testing.T) {
	if _, err := Build(Options{Backend: "redis"}, nil); err == nil {
		t.Fatal("expected an error when redis backend is selected without an address")
	}
}

type recordingProducer struct {
	topic   string
	key     string
	payload string
}

func (p *recordingProducer) Produce(_ context.Context, topic string, key, value []byte, _ map[string]string) error {
	p.topic = topic
	p.key = string(key)
	p.payload = string(value)
	return nil
}

func TestEventSink_ProducesKeyedBySource(t *testing.T) {
	rec := &recordingProducer{}
	sink := NewEventSink(rec, "clawgate-events")

	if err := sink.Produce(context.Background(), 1, "queue.reject", "source-a", 1700000000000, map[string]string{"reason": "full"}); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if rec.key != "source-a" {
		t.Fatalf("producer key = %q, want source-a", rec.key)
	}
	if rec.topic != "clawgate-events" {
		t.Fatalf("producer topic = %q, want clawgate-events", rec.topic)
	}
}

func TestBuildRequestLedger_NilDBReturnsNil(t *testing.T) {
	if l := BuildRequestLedger(nil); l != nil {
		t.Fatalf("BuildRequestLedger(nil) = %v, want nil", l)
	}
}
