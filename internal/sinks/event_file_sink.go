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
	"time"

	"clawgate/internal/gateway/telemetry"
)

// eventFlushDelay bounds event-log staleness on disk: the event stream is
// the audit trail operators read during incidents, so it flushes often.
const eventFlushDelay = 200 * time.Millisecond

// EventFileSink appends internal gateway events to a JSONL log. It
// satisfies telemetry.Appender, so it plugs straight into the event log's
// sink list.
type EventFileSink struct {
	file *jsonlFile
}

// NewEventFileSink opens (or creates) the event log at path.
func NewEventFileSink(path string) (*EventFileSink, error) {
	f, err := openJSONL(path, eventFlushDelay)
	if err != nil {
		return nil, err
	}
	return &EventFileSink{file: f}, nil
}

// Append writes one event. Events without a type carry no information for
// replay and are skipped; write errors are swallowed — the sink is a
// fire-and-forget mirror of the in-memory log, never a request dependency.
func (s *EventFileSink) Append(ev telemetry.Event) {
	if ev.Type == "" {
		return
	}
	_ = s.file.append(&ev)
}

// Flush forces buffered events to disk.
func (s *EventFileSink) Flush() error { return s.file.Flush() }

// Close flushes and closes the log.
func (s *EventFileSink) Close() error { return s.file.Close() }

// ReadAllEvents reads an event log back for replay and tests.
func ReadAllEvents(path string) ([]telemetry.Event, error) {
	return readJSONL[telemetry.Event](path)
}
