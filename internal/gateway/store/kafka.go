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
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Producer is a minimal abstraction over a Kafka client. This adapter
// deliberately avoids binding to a specific client library; a real
// deployment supplies its own implementation backed by, e.g.,
// confluent-kafka-go or sarama.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// LoggingProducer logs every produced message instead of talking to a
// broker — the dependency-free stand-in for tests and demo runs.
type LoggingProducer struct{ log *log.Logger }

func NewLoggingProducer(logger *log.Logger) *LoggingProducer {
	if logger == nil {
		logger = log.Default()
	}
	return &LoggingProducer{log: logger}
}

func (p *LoggingProducer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	p.log.Printf("[kafka-demo] topic=%s key=%s value=%s headers=%v", topic, key, value, headers)
	return nil
}

// eventEnvelope is the JSON shape produced for every gateway event, keyed by
// source id so downstream consumers can maintain per-source ordering.
type eventEnvelope struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	SourceID string `json:"sourceId"`
	TsUnixMs int64  `json:"tsUnixMs"`
	Payload  any    `json:"payload"`
}

// EventSink produces internal events to a Kafka topic, partitioned by
// source id, as an optional mirror alongside the in-memory ring buffer that
// backs the /events and /stream endpoints. Event production carries no
// replay-dedup machinery: duplicates are harmless for an append-only log.
type EventSink struct {
	producer       Producer
	topic          string
	defaultTimeout time.Duration
}

func NewEventSink(producer Producer, topic string) *EventSink {
	if topic == "" {
		topic = "clawgate-events"
	}
	return &EventSink{producer: producer, topic: topic, defaultTimeout: 10 * time.Second}
}

func (s *EventSink) Produce(ctx context.Context, id int64, eventType, sourceID string, tsUnixMs int64, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.defaultTimeout)
		defer cancel()
	}
	msg := eventEnvelope{ID: id, Type: eventType, SourceID: sourceID, TsUnixMs: tsUnixMs, Payload: payload}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal kafka event: %w", err)
	}
	headers := map[string]string{"content-type": "application/json"}
	if err := s.producer.Produce(ctx, s.topic, []byte(sourceID), b, headers); err != nil {
		return fmt.Errorf("kafka produce topic=%s source=%s: %w", s.topic, sourceID, err)
	}
	return nil
}
