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
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clawgate/internal/gateway/queue"
	"clawgate/internal/gateway/ratelimit"
	"clawgate/internal/gateway/registry"
	"clawgate/internal/gateway/router"
	"clawgate/internal/gateway/telemetry"
	"clawgate/internal/gateway/warmpool"
	"clawgate/internal/gateway/worker"
)

// writeWorkerScript drops an executable shell script standing in for a CLI
// agent binary.
func writeWorkerScript(t *testing.T, name, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available in this sandbox")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write worker script: %v", err)
	}
	return path
}

func deltaLine(text string) string {
	return fmt.Sprintf(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"%s"}}}`, text)
}

// newTestDispatcher builds a dispatcher over shell-script workers. bins
// maps worker name to script path; order fixes the router's tiebreak order.
func newTestDispatcher(t *testing.T, names []string, bins map[string]string) *Dispatcher {
	t.Helper()

	q := queue.New(queue.DefaultConfig(), nil)
	t.Cleanup(q.Close)

	lim := ratelimit.New(ratelimit.Limits{RequestsPerMin: 10_000, TokensPerMin: 100_000_000}, nil, nil)

	specs := make([]router.WorkerSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, router.WorkerSpec{Name: n})
	}
	rt := router.New(router.DefaultConfig(), specs)
	t.Cleanup(rt.Close)

	reg := registry.New(registry.DefaultConfig(), nil, nil, nil)
	t.Cleanup(reg.Close)

	spawn := func(ctx context.Context, spec warmpool.Spec) (*worker.Process, error) {
		return worker.Spawn(ctx, worker.Spec{Name: spec.WorkerName, Bin: bins[spec.WorkerName]})
	}
	wpCfg := warmpool.DefaultConfig()
	wpCfg.MaxWarmPerKey = 0 // force cold spawns so each attempt runs the script fresh
	wp := warmpool.New(wpCfg, spawn, nil, 4)
	t.Cleanup(wp.Close)

	events := telemetry.NewEventLog(100, nil, nil, nil)
	t.Cleanup(events.Close)

	return New(q, lim, rt, reg, wp, events, nil, nil)
}

func postChat(t *testing.T, d *Dispatcher, stream bool) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"model":"sonnet","stream":%v,"messages":[{"role":"user","content":"hello"}]}`, stream)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("x-source", "test-suite")
	rec := httptest.NewRecorder()
	d.HandleChatCompletion(rec, r)
	return rec
}

func TestStreamPath_HappyPathSingleWorker(t *testing.T) {
	ok := writeWorkerScript(t, "ok.sh", strings.Join([]string{
		"cat > /dev/null",
		"echo '" + deltaLine("alpha") + "'",
		"echo '" + deltaLine("beta") + "'",
		"exit 0",
	}, "\n"))

	d := newTestDispatcher(t, []string{"w1"}, map[string]string{"w1": ok})
	rec := postChat(t, d, true)

	body := rec.Body.String()
	if !strings.Contains(body, `"content":"alpha"`) || !strings.Contains(body, `"content":"beta"`) {
		t.Fatalf("missing streamed deltas:\n%s", body)
	}
	if strings.Count(body, "data: [DONE]") != 1 {
		t.Fatalf("want exactly one [DONE]:\n%s", body)
	}
}

func TestStreamPath_QuickFailRetriesOnSecondWorker(t *testing.T) {
	fail := writeWorkerScript(t, "fail.sh", "cat > /dev/null\nexit 1")
	ok := writeWorkerScript(t, "ok.sh", strings.Join([]string{
		"cat > /dev/null",
		"echo '" + deltaLine("one") + "'",
		"echo '" + deltaLine("two") + "'",
		"echo '" + deltaLine("three") + "'",
		"exit 0",
	}, "\n"))

	d := newTestDispatcher(t, []string{"w1", "w2"}, map[string]string{"w1": fail, "w2": ok})
	rec := postChat(t, d, true)

	body := rec.Body.String()
	for _, want := range []string{`"content":"one"`, `"content":"two"`, `"content":"three"`} {
		if strings.Count(body, want) != 1 {
			t.Fatalf("delta %s should appear exactly once:\n%s", want, body)
		}
	}
	if strings.Count(body, "data: [DONE]") != 1 {
		t.Fatalf("retried stream must still end with exactly one [DONE]:\n%s", body)
	}
	if got := d.Events.Counts()["stream_retry"]; got != 1 {
		t.Fatalf("stream_retry count = %d, want 1", got)
	}
}

func TestStreamPath_AllWorkersFailFallsBack(t *testing.T) {
	fail := writeWorkerScript(t, "fail.sh", "cat > /dev/null\nexit 1")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"fb1", "fb2", "fb3"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%s\"}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, []string{"w1", "w2"}, map[string]string{"w1": fail, "w2": fail})
	d.FallbackClient = NewFallbackClient(upstream.URL, "key", "", nil)

	rec := postChat(t, d, true)
	body := rec.Body.String()
	for _, want := range []string{`"content":"fb1"`, `"content":"fb2"`, `"content":"fb3"`} {
		if strings.Count(body, want) != 1 {
			t.Fatalf("fallback delta %s should appear exactly once:\n%s", want, body)
		}
	}
	if strings.Count(body, "data: [DONE]") != 1 {
		t.Fatalf("fallback stream must end with exactly one [DONE]:\n%s", body)
	}
	if got := d.Events.Counts()["fallback"]; got != 1 {
		t.Fatalf("fallback count = %d, want 1", got)
	}
}

func TestSyncPath_CollectsFullCompletion(t *testing.T) {
	ok := writeWorkerScript(t, "ok.sh", strings.Join([]string{
		"cat > /dev/null",
		"echo '" + deltaLine("hello ") + "'",
		"echo '" + deltaLine("world") + "'",
		"exit 0",
	}, "\n"))

	d := newTestDispatcher(t, []string{"w1"}, map[string]string{"w1": ok})
	rec := postChat(t, d, false)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"content":"hello world"`) {
		t.Fatalf("sync body missing concatenated content:\n%s", body)
	}
	if !strings.Contains(body, `"object":"chat.completion"`) || !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Fatalf("sync body not a completion object:\n%s", body)
	}
	if !strings.Contains(body, `"total_tokens"`) {
		t.Fatalf("sync body missing usage:\n%s", body)
	}
}

func TestSyncPath_ExhaustedRetriesReturnWorkerError(t *testing.T) {
	fail := writeWorkerScript(t, "fail.sh", "cat > /dev/null\nexit 1")

	d := newTestDispatcher(t, []string{"w1"}, map[string]string{"w1": fail})
	d.Retry.MaxRetries = 1
	d.Retry.BaseDelay = time.Millisecond
	d.Retry.MaxDelay = 2 * time.Millisecond

	rec := postChat(t, d, false)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"type":"worker_error"`) {
		t.Fatalf("error body missing kind:\n%s", rec.Body.String())
	}
}

func TestAdmission_QueueFullReturns503WithRetryAfter(t *testing.T) {
	ok := writeWorkerScript(t, "ok.sh", "cat > /dev/null\nexit 0")

	q := queue.New(queue.Config{
		MaxConcurrent: 1, MaxQueueTotal: 0, MaxQueuePerSource: 0,
		QueueTimeout: 50 * time.Millisecond, MaxLeaseHold: time.Minute,
		SweepInterval: time.Second, DefaultSourceConcurrency: 1,
	}, nil)
	t.Cleanup(q.Close)

	// Hold the only slot so the next admission hits the zero-length queue.
	release, err := q.Acquire(context.Background(), "holder", "other-source", queue.PriorityNormal)
	if err != nil {
		t.Fatalf("holder acquire: %v", err)
	}
	defer release()

	d := newTestDispatcher(t, []string{"w1"}, map[string]string{"w1": ok})
	d.Queue.Close()
	d.Queue = q

	rec := postChat(t, d, true)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("503 queue-full must carry Retry-After")
	}
}
