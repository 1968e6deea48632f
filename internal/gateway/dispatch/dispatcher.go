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
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"clawgate/internal/gateway/queue"
	"clawgate/internal/gateway/ratelimit"
	"clawgate/internal/gateway/registry"
	"clawgate/internal/gateway/router"
	"clawgate/internal/gateway/telemetry"
	"clawgate/internal/gateway/warmpool"
	"clawgate/internal/gateway/worker"
)

// rateWaitCap bounds the total time an admission may spend sleeping for
// rate-limit clearance before giving up.
const rateWaitCap = 5 * time.Minute

// ErrQueueFull and ErrRateLimitTimeout are the two admission-sequence
// failure modes the HTTP layer maps to 503 responses with hints.
var (
	ErrQueueFull        = errors.New("dispatch: queue full")
	ErrRateLimitTimeout = errors.New("dispatch: rate-limit wait exceeded cap")
)

// Dispatcher composes the queue, rate limiter, router, warm pool, and
// registry into the end-to-end request path. Build with New.
type Dispatcher struct {
	Queue      *queue.Queue
	Limiter    *ratelimit.Limiter
	Router     *router.Router
	Registry   *registry.Registry
	WarmPool   *warmpool.Pool
	Events     *telemetry.EventLog
	Accounting *Accounting
	Limits     StreamLimits
	Retry      RetryPolicy

	// MaxPromptChars bounds the assembled prompt before truncation kicks in.
	MaxPromptChars int

	FallbackClient *FallbackClient
	DirectClient   *DirectClient

	log *log.Logger
}

// New wires a Dispatcher from its already-constructed components. events
// and acct may be nil for tests that don't observe them.
func New(q *queue.Queue, lim *ratelimit.Limiter, rt *router.Router, reg *registry.Registry, wp *warmpool.Pool, events *telemetry.EventLog, acct *Accounting, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	if acct == nil {
		acct = NewAccounting(nil, nil, logger)
	}
	return &Dispatcher{
		Queue: q, Limiter: lim, Router: rt, Registry: reg, WarmPool: wp,
		Events: events, Accounting: acct,
		Limits: DefaultStreamLimits(), Retry: DefaultRetryPolicy(),
		MaxPromptChars: 180_000,
		log:            logger,
	}
}

func (d *Dispatcher) emit(eventType string, req *ChatRequest, payload any) {
	if d.Events != nil {
		d.Events.Emit(eventType, req.Source, payload)
	}
}

func (d *Dispatcher) sampleGauges() {
	telemetry.SetActiveRequests(d.Queue.ActiveCount())
	telemetry.SetQueueDepth(int64(d.Queue.TotalQueued()))
	healthy := int64(0)
	for _, w := range d.Router.Status() {
		if !w.Limited {
			healthy++
		}
	}
	telemetry.SetWorkersHealthy(healthy)
}

// admit runs the shared admission sequence: acquire a queue slot, loop on
// rate-limit clearance in ≤5 s slices bounded by rateWaitCap, then record
// the request against the limiter.
func (d *Dispatcher) admit(ctx context.Context, req *ChatRequest) (queue.ReleaseFunc, error) {
	release, err := d.Queue.Acquire(ctx, req.ID, req.Source, req.PriorityClass)
	if err != nil {
		telemetry.ObserveAdmission(false)
		if errors.Is(err, queue.ErrQueueTimeout) {
			telemetry.ObserveQueueTimeout()
		}
		return nil, ErrQueueFull
	}

	waited := time.Duration(0)
	for {
		res := d.Limiter.Check(req.Model, req.EstTokens)
		if res.OK {
			break
		}
		sleep := time.Duration(res.WaitMs) * time.Millisecond
		if sleep > 5*time.Second {
			sleep = 5 * time.Second
		}
		if waited+sleep > rateWaitCap {
			release()
			telemetry.ObserveAdmission(false)
			return nil, ErrRateLimitTimeout
		}
		select {
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		waited += sleep
	}
	d.Limiter.Record(req.Model, req.EstTokens)
	telemetry.ObserveAdmission(true)
	return release, nil
}

// HandleChatCompletion is the top-level /v1/chat/completions handler. It
// normalizes ingress, runs admission, and routes to the tool-capable
// direct API path, the SSE streaming path, or the synchronous JSON path.
func (d *Dispatcher) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}
	req.ID = "chatcmpl-" + uuid.NewString()
	Normalize(&req, r, r.Header.Get("x-session-id"))

	release, err := d.admit(r.Context(), &req)
	if err != nil {
		d.writeAdmissionError(w, err)
		return
	}
	defer release()
	defer d.sampleGauges()
	d.sampleGauges()
	d.emit("request_start", &req, map[string]any{"id": req.ID, "model": req.Model, "stream": req.Stream})

	switch {
	case d.DirectClient != nil && len(req.Tools) > 0:
		d.DirectClient.Handle(w, r, &req)
		d.emit("request_complete", &req, map[string]any{"id": req.ID, "path": "direct"})
	case req.Stream:
		d.handleStreamPath(w, r, &req)
	default:
		d.handleSyncPath(w, r, &req)
	}
}

func writeErrorJSON(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message, "type": errType},
	})
}

func (d *Dispatcher) writeAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeErrorJSON(w, http.StatusServiceUnavailable, "queue full, retry later", "queue_full")
	case errors.Is(err, ErrRateLimitTimeout):
		writeErrorJSON(w, http.StatusServiceUnavailable, "rate limit wait exceeded", "rate_limit_timeout")
	default:
		writeErrorJSON(w, http.StatusInternalServerError, "internal error", "internal_error")
	}
}

// handleStreamPath runs the CLI-worker streaming state machine with
// quick-fail retry across workers and HTTP-API fallback.
func (d *Dispatcher) handleStreamPath(w http.ResponseWriter, r *http.Request, req *ChatRequest) {
	sse := NewSSEWriter(w)

	kept, truncated := TruncatePrompt(req.Messages, d.MaxPromptChars)
	prompt := FlattenConversation(kept)
	payload := BuildWorkerPayload(req.SystemPrompt, prompt, truncated)

	poolSize := len(d.Router.Status())
	tried := map[string]bool{}
	attempts := 0
	disconnected := r.Context().Done()

	for {
		workerName, relWorker, err := d.selectPreferUntried(req.SessionKey, tried, poolSize)
		if err != nil {
			// No healthy worker at all: the fallback is the only option left.
			d.fallbackOrFinish(r.Context(), sse, req)
			return
		}
		tried[workerName] = true
		attempts++

		proc, err := d.acquireProcess(r.Context(), req, workerName)
		if err != nil {
			relWorker()
			if attempts < poolSize {
				continue
			}
			d.fallbackOrFinish(r.Context(), sse, req)
			return
		}

		d.Registry.Register(registry.Entry{
			Pid: proc.Pid(), RequestID: req.ID, Model: req.Model, Mode: registry.ModeStream,
			Source: req.Source, WorkerName: workerName, SpawnedAt: time.Now(),
		})
		if err := proc.WritePayload(payload); err != nil {
			d.log.Printf("[dispatch] write payload failed worker=%s err=%v", workerName, err)
		}

		res := RunAttempt(proc, sse, d.Limits, req.Model, req.ID, len(prompt), disconnected, func() {
			d.Registry.Touch(proc.Pid(), registry.Deltas{})
		})

		d.Registry.Touch(proc.Pid(), registry.Deltas{AddInputTokens: res.InputTokens, AddOutputTokens: res.OutputTokens})
		d.Registry.Unregister(proc.Pid())
		relWorker()

		if res.ExitCode != 0 {
			if ClassifyExit(d.Router, workerName, res.TailOutput) {
				telemetry.ObserveWorkerLimited()
				d.emit("worker_limited", req, map[string]string{"worker": workerName})
			}
		}
		if res.SafetyRefusal {
			telemetry.ObserveSafetyRefusal()
			d.emit("safety_refusal", req, map[string]string{"id": req.ID, "worker": workerName})
		}

		if res.SentContent || !ShouldQuickFailRetry(res, attempts, poolSize) {
			if !res.SentContent && res.ExitCode != 0 {
				// Retry budget exhausted with nothing sent: last resort.
				d.fallbackOrFinish(r.Context(), sse, req)
				return
			}
			d.Accounting.Record(req.ID, req.Model, req.Source, res.InputTokens, res.OutputTokens)
			d.emit("request_complete", req, map[string]any{
				"id": req.ID, "worker": workerName,
				"input_tokens": res.InputTokens, "output_tokens": res.OutputTokens,
			})
			sse.WriteFinish(req.ID, req.Model, "stop")
			return
		}

		telemetry.ObserveStreamRetry()
		d.emit("stream_retry", req, map[string]any{"id": req.ID, "worker": workerName, "attempt": attempts})
	}
}

// selectPreferUntried picks the next worker, preferring one not yet tried
// this request. Each held selection bumps the candidate's connection
// count, so repeated Select calls naturally walk the least-loaded order;
// once every healthy worker has been tried a repeat is accepted.
func (d *Dispatcher) selectPreferUntried(sessionKey string, tried map[string]bool, poolSize int) (string, func(), error) {
	name, release, err := d.Router.Select(sessionKey)
	if err != nil {
		return "", nil, err
	}
	var held []func()
	for i := 0; i < poolSize && tried[name]; i++ {
		altName, altRelease, altErr := d.Router.Select(sessionKey)
		if altErr != nil {
			break
		}
		held = append(held, release)
		name, release = altName, altRelease
	}
	for _, h := range held {
		h()
	}
	return name, release, nil
}

func (d *Dispatcher) acquireProcess(ctx context.Context, req *ChatRequest, workerName string) (*worker.Process, error) {
	spec := warmpool.Spec{Model: req.Model, WorkerName: workerName, Stream: req.Stream}
	return d.WarmPool.Acquire(ctx, spec)
}

// fallbackOrFinish relays the request to the fallback HTTP API, or — with
// no fallback configured — terminates the stream cleanly so the client
// never hangs.
func (d *Dispatcher) fallbackOrFinish(ctx context.Context, sse *SSEWriter, req *ChatRequest) {
	if d.FallbackClient == nil {
		sse.WriteError(req.ID, req.Model, "all workers failed")
		return
	}
	res := d.FallbackClient.Relay(ctx, sse, req)
	telemetry.ObserveFallback(res.ContextOverflow)
	d.emit("fallback", req, map[string]any{"id": req.ID, "context_overflow": res.ContextOverflow})
	d.Accounting.Record(req.ID, req.Model, req.Source, res.InputTokens, res.OutputTokens)
}
