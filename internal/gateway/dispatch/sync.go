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
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"clawgate/internal/gateway/registry"
	"clawgate/internal/gateway/telemetry"
)

// RetryPolicy controls the synchronous path's exponential backoff.
type RetryPolicy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	SyncTimeout time.Duration
}

// DefaultRetryPolicy returns the default backoff parameters.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.3,
		SyncTimeout: 10 * time.Minute,
	}
}

// BackoffDelay computes the sleep before retry attempt n (0-based):
// min(base·2^n, maxDelay)·(1 + rand·jitter).
func (p RetryPolicy) BackoffDelay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return time.Duration(float64(d) * (1 + rand.Float64()*p.Jitter))
}

// transientMarkers classify a failure as retryable on its output text.
var transientMarkers = []string{
	"rate limit", "429", "too many requests", "overloaded",
	"econnreset", "econnrefused", "epipe", "503", "529",
}

// IsRetryableFailure reports whether a synchronous attempt's failure is
// worth retrying: exit codes 1 and 2 are retryable, 143 (TERM — the
// reaper or a timeout killed it) is not, and transient output markers
// retry regardless of code.
func IsRetryableFailure(exitCode int, output string) bool {
	if exitCode == 143 {
		return false
	}
	if exitCode == 1 || exitCode == 2 {
		return true
	}
	lower := strings.ToLower(output)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// chatCompletionResponse is the non-streaming OpenAI-compatible body.
type chatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// handleSyncPath runs the CLI-worker path without SSE: the worker's full
// output is collected and returned as a single JSON completion, with
// exponential-backoff retry on transient failures.
func (d *Dispatcher) handleSyncPath(w http.ResponseWriter, r *http.Request, req *ChatRequest) {
	kept, truncated := TruncatePrompt(req.Messages, d.MaxPromptChars)
	prompt := FlattenConversation(kept)
	payload := BuildWorkerPayload(req.SystemPrompt, prompt, truncated)

	var lastOutput string
	for attempt := 0; ; attempt++ {
		text, res, err := d.runSyncAttempt(r, req, payload, len(prompt))
		if err == nil && res.ExitCode == 0 && !res.TimedOut {
			if res.SafetyRefusal {
				telemetry.ObserveSafetyRefusal()
				d.emit("safety_refusal", req, map[string]string{"id": req.ID})
			}
			d.Accounting.Record(req.ID, req.Model, req.Source, res.InputTokens, res.OutputTokens)
			d.emit("request_complete", req, map[string]any{
				"id": req.ID, "input_tokens": res.InputTokens, "output_tokens": res.OutputTokens,
			})
			d.writeSyncResponse(w, req, text, res)
			return
		}
		if err == nil {
			lastOutput = res.TailOutput
		}

		if attempt >= d.Retry.MaxRetries || (err == nil && !IsRetryableFailure(res.ExitCode, res.TailOutput)) {
			d.emit("request_error", req, map[string]any{"id": req.ID, "attempts": attempt + 1})
			writeErrorJSON(w, http.StatusBadGateway, syncFailureMessage(lastOutput), "worker_error")
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(d.Retry.BackoffDelay(attempt)):
		}
	}
}

func syncFailureMessage(tail string) string {
	if strings.TrimSpace(tail) == "" {
		return "worker failed without output"
	}
	if len(tail) > 512 {
		tail = tail[len(tail)-512:]
	}
	return "worker failed: " + strings.TrimSpace(tail)
}

// runSyncAttempt spawns one worker, writes the payload, and drains its
// output to completion (bounded by the sync timeout), collecting the text
// the streaming path would have forwarded as deltas.
func (d *Dispatcher) runSyncAttempt(r *http.Request, req *ChatRequest, payload string, promptChars int) (string, AttemptResult, error) {
	workerName, relWorker, err := d.Router.Select(req.SessionKey)
	if err != nil {
		return "", AttemptResult{}, err
	}
	defer relWorker()

	proc, err := d.acquireProcess(r.Context(), req, workerName)
	if err != nil {
		return "", AttemptResult{}, err
	}

	d.Registry.Register(registry.Entry{
		Pid: proc.Pid(), RequestID: req.ID, Model: req.Model, Mode: registry.ModeSync,
		Source: req.Source, WorkerName: workerName, SpawnedAt: time.Now(),
	})
	defer d.Registry.Unregister(proc.Pid())

	if err := proc.WritePayload(payload); err != nil {
		d.log.Printf("[dispatch] write payload failed worker=%s err=%v", workerName, err)
	}

	start := time.Now()
	deadline := time.NewTimer(d.Retry.SyncTimeout)
	defer deadline.Stop()

	type lineMsg struct {
		text string
		ok   bool
	}
	linesCh := make(chan lineMsg, 16)
	go func() {
		for {
			l, ok := proc.Lines()
			linesCh <- lineMsg{l, ok}
			if !ok {
				return
			}
		}
	}()

	var text strings.Builder
	var rawTail strings.Builder
	var res AttemptResult
	for {
		select {
		case m := <-linesCh:
			if !m.ok {
				<-proc.Done()
				res.Elapsed = time.Since(start)
				res.ExitCode = proc.ExitCode()
				res.SafetyRefusal = IsSafetyRefusal(text.String())
				res.TailOutput = tailOf(rawTail.String())
				if res.ExitCode != 0 {
					if ClassifyExit(d.Router, workerName, res.TailOutput) {
						telemetry.ObserveWorkerLimited()
						d.emit("worker_limited", req, map[string]string{"worker": workerName})
					}
				}
				applyUsageFallback(&res, promptChars, text.Len(), text.Len() > 0)
				return text.String(), res, nil
			}
			rawTail.WriteString(m.text)
			rawTail.WriteString("\n")
			d.Registry.Touch(proc.Pid(), registry.Deltas{})
			ev, ok := ParseWorkerLine(m.text, text.Len() > 0)
			if !ok {
				continue
			}
			if ev.HasText {
				text.WriteString(ev.Text)
			}
			if ev.HasUsage {
				res.InputTokens = ev.InputTokens
				res.OutputTokens = ev.OutputTokens
			}

		case <-deadline.C:
			proc.Terminate()
			res.TimedOut = true
			res.Elapsed = time.Since(start)
			res.TailOutput = tailOf(rawTail.String())
			applyUsageFallback(&res, promptChars, text.Len(), text.Len() > 0)
			return text.String(), res, nil

		case <-r.Context().Done():
			proc.Terminate()
			res.Elapsed = time.Since(start)
			return text.String(), res, r.Context().Err()
		}
	}
}

func (d *Dispatcher) writeSyncResponse(w http.ResponseWriter, req *ChatRequest, text string, res AttemptResult) {
	var body chatCompletionResponse
	body.ID = req.ID
	body.Object = "chat.completion"
	body.Created = time.Now().Unix()
	body.Model = req.Model
	body.Choices = append(body.Choices, struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}{Message: ChatMessage{Role: "assistant", Content: text}, FinishReason: "stop"})
	body.Usage.PromptTokens = res.InputTokens
	body.Usage.CompletionTokens = res.OutputTokens
	body.Usage.TotalTokens = res.InputTokens + res.OutputTokens

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
