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
	"log"
	"strings"
	"time"

	"clawgate/internal/gateway/router"
	"clawgate/internal/gateway/worker"
)

// HeartbeatByModel are the per-model heartbeat timeouts, reset on every
// output chunk.
var HeartbeatByModel = map[string]time.Duration{
	"opus":   30 * time.Minute,
	"sonnet": 20 * time.Minute,
	"haiku":  10 * time.Minute,
}

func heartbeatFor(model string) time.Duration {
	if d, ok := HeartbeatByModel[model]; ok {
		return d
	}
	return 10 * time.Minute
}

// StreamLimits controls the streaming state machine's timers.
type StreamLimits struct {
	FirstByteWarn           time.Duration
	StreamTimeout           time.Duration
	KeepaliveStart          time.Duration
	KeepaliveAfterFirstByte time.Duration
}

// DefaultStreamLimits returns spec-aligned defaults.
func DefaultStreamLimits() StreamLimits {
	return StreamLimits{
		FirstByteWarn:           8 * time.Second,
		StreamTimeout:           30 * time.Minute,
		KeepaliveStart:          5 * time.Second,
		KeepaliveAfterFirstByte: 30 * time.Second,
	}
}

// AttemptResult summarizes one streaming attempt's outcome.
type AttemptResult struct {
	SentContent   bool
	ExitCode      int
	RateLimited   bool
	SafetyRefusal bool
	InputTokens   int64
	OutputTokens  int64
	Elapsed       time.Duration
	TimedOut      bool
	// TailOutput carries the last bytes the worker produced, used to
	// classify rate-limit failures after a non-zero exit.
	TailOutput string
}

// RunAttempt drives one worker process through the full streaming state
// machine: parses its stdout line by line, forwards deltas over sse,
// tracks first-byte/heartbeat/execution timers, and resets the keepalive
// cadence once real output starts. It returns once the worker exits, the
// execution timer fires, or disconnected is closed by the caller.
//
// promptChars seeds the token-count fallback used if the worker never
// reports usage.
func RunAttempt(proc *worker.Process, sse *SSEWriter, limits StreamLimits, model, chatID string, promptChars int, disconnected <-chan struct{}, onOutput func()) AttemptResult {
	start := time.Now()

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

	firstByteTimer := time.NewTimer(limits.FirstByteWarn)
	heartbeat := time.NewTimer(heartbeatFor(model))
	execTimer := time.NewTimer(limits.StreamTimeout)
	keepalive := time.NewTimer(limits.KeepaliveStart)
	defer firstByteTimer.Stop()
	defer heartbeat.Stop()
	defer execTimer.Stop()
	defer keepalive.Stop()

	var res AttemptResult
	var sentContent bool
	var outputBuf strings.Builder
	var rawTail strings.Builder
	var pendingLine string
	gotFirstByte := false

	resetHeartbeat := func() {
		if !heartbeat.Stop() {
			select {
			case <-heartbeat.C:
			default:
			}
		}
		heartbeat.Reset(heartbeatFor(model))
	}

	for {
		select {
		case m := <-linesCh:
			if !m.ok {
				<-proc.Done() // output EOF precedes Wait; the exit code isn't final until then
				res.Elapsed = time.Since(start)
				res.ExitCode = proc.ExitCode()
				res.SentContent = sentContent
				res.SafetyRefusal = IsSafetyRefusal(outputBuf.String())
				res.TailOutput = tailOf(rawTail.String())
				applyUsageFallback(&res, promptChars, outputBuf.Len(), sentContent)
				return res
			}
			pendingLine = m.text
			rawTail.WriteString(pendingLine)
			rawTail.WriteString("\n")
			if !gotFirstByte {
				gotFirstByte = true
				firstByteTimer.Stop()
				keepalive.Stop()
				keepalive.Reset(limits.KeepaliveAfterFirstByte)
			}
			resetHeartbeat()
			if onOutput != nil {
				onOutput()
			}

			ev, ok := ParseWorkerLine(pendingLine, sentContent)
			if !ok {
				continue
			}
			if ev.HasText {
				if !sentContent {
					sse.WriteRoleOpen(chatID, model)
				}
				sse.WriteDelta(chatID, model, ev.Text)
				sentContent = true
				outputBuf.WriteString(ev.Text)
			}
			if ev.HasUsage {
				res.InputTokens = ev.InputTokens
				res.OutputTokens = ev.OutputTokens
			}

		case <-firstByteTimer.C:
			log.Printf("dispatch: first-byte warning for model=%s chatID=%s after %s", model, chatID, limits.FirstByteWarn)

		case <-keepalive.C:
			sse.Keepalive()
			if gotFirstByte {
				keepalive.Reset(limits.KeepaliveAfterFirstByte)
			} else {
				keepalive.Reset(limits.KeepaliveStart)
			}

		case <-heartbeat.C:
			proc.Terminate()
			res.TimedOut = true
			res.SentContent = sentContent
			res.Elapsed = time.Since(start)
			res.TailOutput = tailOf(rawTail.String())
			applyUsageFallback(&res, promptChars, outputBuf.Len(), sentContent)
			return res

		case <-execTimer.C:
			proc.Terminate()
			res.TimedOut = true
			res.SentContent = sentContent
			res.Elapsed = time.Since(start)
			res.TailOutput = tailOf(rawTail.String())
			applyUsageFallback(&res, promptChars, outputBuf.Len(), sentContent)
			return res

		case <-disconnected:
			proc.Terminate()
			res.SentContent = sentContent
			res.Elapsed = time.Since(start)
			return res
		}
	}
}

// tailOf keeps the final bytes of the raw worker output, enough for
// failure-phrase classification without retaining huge transcripts.
func tailOf(s string) string {
	const keep = 4096
	if len(s) <= keep {
		return s
	}
	return s[len(s)-keep:]
}

func applyUsageFallback(res *AttemptResult, promptChars, outputBytes int, sentContent bool) {
	if res.InputTokens == 0 {
		res.InputTokens = int64((promptChars + 3) / 4)
	}
	if res.OutputTokens == 0 {
		res.OutputTokens = int64((outputBytes + 3) / 4)
	}
}

// ClassifyExit inspects a failed attempt's tail output and marks the
// worker limited on the router if it looks like a rate-limit failure.
func ClassifyExit(rt *router.Router, workerName, tailOutput string) bool {
	if !router.ClassifyFailure(tailOutput) {
		return false
	}
	rt.MarkFailure(workerName, tailOutput)
	return true
}

// quickFailRetryWindow bounds how quickly a failed, contentless attempt
// may still be retried on a different worker.
const quickFailRetryWindow = 5 * time.Second

// ShouldQuickFailRetry reports whether a failed attempt qualifies for a
// same-request retry on a different worker: non-zero exit, no content ever
// sent, attempt elapsed under the retry window, and the retry budget
// (bounded by worker-pool size) is not exhausted.
func ShouldQuickFailRetry(res AttemptResult, attemptsSoFar, poolSize int) bool {
	if res.SentContent {
		return false
	}
	if res.ExitCode == 0 {
		return false
	}
	if res.Elapsed >= quickFailRetryWindow {
		return false
	}
	return attemptsSoFar < poolSize
}
