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

package sinks

import (
	"os"
	"path/filepath"
	"testing"

	"clawgate/internal/gateway/telemetry"
)

func TestEventFileSink_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := NewEventFileSink(path)
	if err != nil {
		t.Fatalf("NewEventFileSink: %v", err)
	}

	s.Append(telemetry.Event{ID: 1, Type: "request_start", Source: "a", TS: 100})
	s.Append(telemetry.Event{Type: ""}) // untyped: skipped
	s.Append(telemetry.Event{ID: 2, Type: "fallback", Source: "b", TS: 200})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadAllEvents(path)
	if err != nil {
		t.Fatalf("ReadAllEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d events, want 2 (untyped skipped): %+v", len(got), got)
	}
	if got[0].Type != "request_start" || got[1].ID != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestUsageFileSink_ValidatesAndStamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.jsonl")
	s, err := NewUsageFileSink(path)
	if err != nil {
		t.Fatalf("NewUsageFileSink: %v", err)
	}

	s.Record(UsageRecord{RequestID: "r1", Model: "opus", InputTokens: 10, OutputTokens: 5})
	s.Record(UsageRecord{Model: "opus"})     // no request id: skipped
	s.Record(UsageRecord{RequestID: "r2"})   // no model: skipped
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadAllUsage(path)
	if err != nil {
		t.Fatalf("ReadAllUsage: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("read %d records, want 1: %+v", len(got), got)
	}
	if got[0].RequestID != "r1" || got[0].TS == 0 {
		t.Fatalf("record not stamped: %+v", got[0])
	}
}

func TestReadJSONL_ToleratesTornTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.jsonl")
	body := `{"request_id":"r1","model":"opus","input_tokens":1,"output_tokens":2,"ts":3}
{"request_id":"r2","model":"son`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadAllUsage(path)
	if err != nil {
		t.Fatalf("torn trailing record should not error: %v", err)
	}
	if len(got) != 1 || got[0].RequestID != "r1" {
		t.Fatalf("complete records before the tear should survive: %+v", got)
	}
}

func TestJSONLFile_FlushMakesRecordsVisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffered.jsonl")
	s, err := NewEventFileSink(path)
	if err != nil {
		t.Fatalf("NewEventFileSink: %v", err)
	}
	defer s.Close()

	s.Append(telemetry.Event{ID: 1, Type: "tick"})
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got, err := ReadAllEvents(path)
	if err != nil || len(got) != 1 {
		t.Fatalf("flushed record not visible: %v %+v", err, got)
	}
}
