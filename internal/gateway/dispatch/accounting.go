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

package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"clawgate/internal/gateway/store"
	"clawgate/internal/gateway/telemetry"
)

// ModelTotals is one model's cumulative token accounting.
type ModelTotals struct {
	InputTokens  int64 `json:"input"`
	OutputTokens int64 `json:"output"`
	Requests     int64 `json:"requests"`
}

// UsageHook receives every finalized usage record; wired to the optional
// usage file sink at boot.
type UsageHook func(requestID, model, source string, input, output int64)

// Accounting owns final token-count bookkeeping: in-memory per-model
// totals (authoritative) plus fire-and-forget mirrors into the durable
// store's tokens:models / tokens:requests hashes and the optional
// Postgres request ledger.
type Accounting struct {
	mu       sync.Mutex
	perModel map[string]*ModelTotals

	durable store.DurableStore
	ledger  *store.PostgresStore
	hook    UsageHook

	wg  sync.WaitGroup
	log *log.Logger
}

// NewAccounting builds an Accounting. durable and ledger may be nil.
func NewAccounting(durable store.DurableStore, ledger *store.PostgresStore, logger *log.Logger) *Accounting {
	if logger == nil {
		logger = log.Default()
	}
	return &Accounting{
		perModel: make(map[string]*ModelTotals),
		durable:  durable,
		ledger:   ledger,
		log:      logger,
	}
}

// SetHook attaches a UsageHook. Wire at boot, before traffic.
func (a *Accounting) SetHook(h UsageHook) { a.hook = h }

// Record finalizes one request's token counts.
func (a *Accounting) Record(requestID, model, source string, input, output int64) {
	a.mu.Lock()
	t := a.perModel[model]
	if t == nil {
		t = &ModelTotals{}
		a.perModel[model] = t
	}
	t.InputTokens += input
	t.OutputTokens += output
	t.Requests++
	snapshot := *t
	a.mu.Unlock()

	telemetry.ObserveTokens(input, output)
	if a.hook != nil {
		a.hook(requestID, model, source, input, output)
	}
	if a.durable != nil || a.ledger != nil {
		a.wg.Add(1)
		go a.mirror(requestID, model, input, output, snapshot)
	}
}

func (a *Accounting) mirror(requestID, model string, input, output int64, totals ModelTotals) {
	defer a.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.durable != nil {
		if b, err := json.Marshal(totals); err == nil {
			if err := a.durable.HSet(ctx, "tokens:models", map[string]string{model: string(b)}); err != nil {
				a.log.Printf("[accounting] tokens:models mirror failed: %v", err)
			}
		}
		reqRow := map[string]any{"input": input, "output": output, "model": model, "ts": time.Now().UnixMilli()}
		if b, err := json.Marshal(reqRow); err == nil {
			_ = a.durable.HSet(ctx, "tokens:requests", map[string]string{requestID: string(b)})
		}
	}
	if a.ledger != nil {
		if err := a.ledger.RecordRequest(ctx, requestID, model, input, output); err != nil {
			a.log.Printf("[accounting] postgres ledger write failed: %v", err)
		}
	}
}

// Totals returns a snapshot of per-model cumulative counts.
func (a *Accounting) Totals() map[string]ModelTotals {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]ModelTotals, len(a.perModel))
	for k, v := range a.perModel {
		out[k] = *v
	}
	return out
}

// Close waits for in-flight mirror writes.
func (a *Accounting) Close() { a.wg.Wait() }
