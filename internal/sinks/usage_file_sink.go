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

import "time"

// usageFlushDelay is deliberately lazier than the event sink's: usage
// records feed offline accounting, where a second of buffered data is an
// acceptable loss window in exchange for fewer writes.
const usageFlushDelay = time.Second

// UsageRecord is one request's final token accounting.
type UsageRecord struct {
	RequestID    string `json:"request_id"`
	Model        string `json:"model"`
	Source       string `json:"source,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TS           int64  `json:"ts"` // unix milliseconds
}

// UsageFileSink appends per-request token usage to a JSONL log.
type UsageFileSink struct {
	file *jsonlFile
}

// NewUsageFileSink opens (or creates) the usage log at path.
func NewUsageFileSink(path string) (*UsageFileSink, error) {
	f, err := openJSONL(path, usageFlushDelay)
	if err != nil {
		return nil, err
	}
	return &UsageFileSink{file: f}, nil
}

// Record writes one usage record. Rows without a request id or model
// cannot be reconciled against the durable ledger and are skipped;
// records are stamped with the current time if the caller left TS zero.
func (s *UsageFileSink) Record(rec UsageRecord) {
	if rec.RequestID == "" || rec.Model == "" {
		return
	}
	if rec.TS == 0 {
		rec.TS = time.Now().UnixMilli()
	}
	_ = s.file.append(&rec)
}

// Flush forces buffered records to disk.
func (s *UsageFileSink) Flush() error { return s.file.Flush() }

// Close flushes and closes the log.
func (s *UsageFileSink) Close() error { return s.file.Close() }

// ReadAllUsage reads a usage log back for reconciliation and tests.
func ReadAllUsage(path string) ([]UsageRecord, error) {
	return readJSONL[UsageRecord](path)
}
