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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"clawgate/internal/gateway/dispatch"
	"clawgate/internal/gateway/queue"
	"clawgate/internal/gateway/ratelimit"
	"clawgate/internal/gateway/registry"
	"clawgate/internal/gateway/router"
	"clawgate/internal/gateway/telemetry"
	"clawgate/internal/gateway/warmpool"
	"clawgate/internal/gateway/worker"
)

func newTestServer(t *testing.T, authToken string) *Server {
	t.Helper()

	q := queue.New(queue.DefaultConfig(), nil)
	t.Cleanup(q.Close)
	lim := ratelimit.New(ratelimit.Limits{RequestsPerMin: 1000, TokensPerMin: 1_000_000}, nil, nil)
	rt := router.New(router.DefaultConfig(), []router.WorkerSpec{{Name: "w1", IsPrimary: true}})
	t.Cleanup(rt.Close)
	reg := registry.New(registry.DefaultConfig(), nil, nil, nil)
	t.Cleanup(reg.Close)
	wp := warmpool.New(warmpool.DefaultConfig(), func(ctx context.Context, spec warmpool.Spec) (*worker.Process, error) {
		return nil, context.Canceled
	}, nil, 1)
	t.Cleanup(wp.Close)
	events := telemetry.NewEventLog(100, nil, nil, nil)
	t.Cleanup(events.Close)

	d := dispatch.New(q, lim, rt, reg, wp, events, nil, nil)
	return NewServer(d, authToken, nil)
}

func doGet(t *testing.T, s *Server, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	r := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	return rec
}

func TestModels_ListsClaudeCodePrefixedIDs(t *testing.T) {
	s := newTestServer(t, "none")
	rec := doGet(t, s, "/v1/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Object != "list" || len(body.Data) != 3 {
		t.Fatalf("unexpected models body: %s", rec.Body.String())
	}
	for _, m := range body.Data {
		if !strings.HasPrefix(m.ID, "claude-code/") {
			t.Fatalf("model id %q missing claude-code/ prefix", m.ID)
		}
	}
}

func TestAuth_RejectsBadTokenOnV1Only(t *testing.T) {
	s := newTestServer(t, "sekret")

	if rec := doGet(t, s, "/v1/models", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want 401", rec.Code)
	}
	if rec := doGet(t, s, "/v1/models", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}
	if rec := doGet(t, s, "/v1/models", map[string]string{"Authorization": "Bearer sekret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer token: status = %d, want 200", rec.Code)
	}
	if rec := doGet(t, s, "/v1/models", map[string]string{"x-api-key": "sekret"}); rec.Code != http.StatusOK {
		t.Fatalf("x-api-key: status = %d, want 200", rec.Code)
	}
	// /health is an operational probe, never gated.
	if rec := doGet(t, s, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("/health: status = %d, want 200", rec.Code)
	}
}

func TestAuth_SentinelOpensAuth(t *testing.T) {
	s := newTestServer(t, "none")
	if rec := doGet(t, s, "/v1/models", nil); rec.Code != http.StatusOK {
		t.Fatalf("sentinel token should open auth, status = %d", rec.Code)
	}
}

func TestHealth_ReportsWorkersAndQueue(t *testing.T) {
	s := newTestServer(t, "none")
	rec := doGet(t, s, "/health", nil)

	var body struct {
		Status  string `json:"status"`
		Workers []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"workers"`
		Queue map[string]any `json:"queue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status field = %q", body.Status)
	}
	if len(body.Workers) != 1 || body.Workers[0].Name != "w1" || !body.Workers[0].Healthy {
		t.Fatalf("workers = %+v", body.Workers)
	}
	if _, ok := body.Queue["active"]; !ok {
		t.Fatalf("queue summary missing: %s", rec.Body.String())
	}
}

func TestEvents_TailWithSinceIDAndType(t *testing.T) {
	s := newTestServer(t, "none")
	s.Events.Emit("request_start", "a", nil)
	second := s.Events.Emit("fallback", "b", nil)
	s.Events.Emit("request_start", "c", nil)

	rec := doGet(t, s, "/events?since_id="+itoa(second.ID), nil)
	var body struct {
		Events []telemetry.Event `json:"events"`
		Counts map[string]int64  `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Source != "c" {
		t.Fatalf("since_id tail = %+v", body.Events)
	}
	if body.Counts["request_start"] != 2 {
		t.Fatalf("counts = %+v", body.Counts)
	}

	rec = doGet(t, s, "/events?type=fallback", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Type != "fallback" {
		t.Fatalf("type filter = %+v", body.Events)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
