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

// Package api implements the public-facing HTTP server for the gateway.
// It authenticates requests, exposes the OpenAI-compatible chat surface,
// and serves health, metrics, and the internal event log.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clawgate/internal/gateway/dispatch"
	"clawgate/internal/gateway/queue"
	"clawgate/internal/gateway/ratelimit"
	"clawgate/internal/gateway/registry"
	"clawgate/internal/gateway/router"
	"clawgate/internal/gateway/telemetry"
	"clawgate/internal/gateway/warmpool"
)

// Server handles the HTTP surface. Build it with every collaborator it
// reports on; nil Events disables /events and /stream.
type Server struct {
	Dispatcher *dispatch.Dispatcher
	Queue      *queue.Queue
	Router     *router.Router
	Registry   *registry.Registry
	Limiter    *ratelimit.Limiter
	WarmPool   *warmpool.Pool
	Events     *telemetry.EventLog

	// AuthToken is the static bearer token; empty or the configured
	// sentinel opens authentication.
	AuthToken string

	log *log.Logger
}

// NewServer creates and configures a new API server.
func NewServer(d *dispatch.Dispatcher, authToken string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		Dispatcher: d,
		Queue:      d.Queue,
		Router:     d.Router,
		Registry:   d.Registry,
		Limiter:    d.Limiter,
		WarmPool:   d.WarmPool,
		Events:     d.Events,
		AuthToken:  authToken,
		log:        logger,
	}
}

// RegisterRoutes sets up the HTTP routes for the server on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat/completions", s.requireAuth(s.handleChatCompletions))
	mux.HandleFunc("/v1/models", s.requireAuth(s.handleModels))
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/stream", s.handleStream)
}

func (s *Server) authDisabled() bool {
	return s.AuthToken == "" || s.AuthToken == "none"
}

// requireAuth enforces the static bearer token on the /v1 surface. Both
// Authorization: Bearer and x-api-key are accepted.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authDisabled() {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.Header.Get("x-api-key")
		}
		if token != s.AuthToken {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"message": "invalid or missing token", "type": "authentication_error"},
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.Dispatcher.HandleChatCompletion(w, r)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := make([]model, 0, len(dispatch.ModelFamilies))
	for _, f := range dispatch.ModelFamilies {
		models = append(models, model{ID: "claude-code/" + f, Object: "model", OwnedBy: "clawgate"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type workerHealth struct {
		Name              string `json:"name"`
		Healthy           bool   `json:"healthy"`
		ActiveConnections int64  `json:"activeConnections"`
		LimitedAt         int64  `json:"limitedAt,omitempty"`
	}
	workers := make([]workerHealth, 0)
	for _, ws := range s.Router.Status() {
		wh := workerHealth{
			Name:              ws.Name,
			Healthy:           !ws.Limited,
			ActiveConnections: ws.ActiveConns,
		}
		if ws.Limited {
			wh.LimitedAt = ws.LimitedAt.UnixMilli()
		}
		workers = append(workers, wh)
	}

	qs := s.Queue.Stats()
	body := map[string]any{
		"status":  "ok",
		"workers": workers,
		"queue": map[string]any{
			"active":    s.Queue.ActiveCount(),
			"queued":    s.Queue.TotalQueued(),
			"processed": qs.Processed,
			"timedOut":  qs.TimedOut,
			"rejected":  qs.Rejected,
			"leaked":    qs.Leaked,
		},
		"registry": s.Registry.GetStats(),
		"warmPool": s.WarmPool.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		http.Error(w, "event log disabled", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	sinceID, _ := strconv.ParseInt(q.Get("since_id"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	events := s.Events.Tail(sinceID, limit, q.Get("type"))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"events": events,
		"counts": s.Events.Counts(),
	})
}

// handleStream is the SSE firehose of internal events for dashboards.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		http.Error(w, "event log disabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ":connected\n\n")
	flusher.Flush()

	id, ch := s.Events.Subscribe()
	defer s.Events.Unsubscribe(id)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		case ev := <-ch:
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

// ListenAndServe starts the HTTP server on the specified address.
// WriteTimeout is left unset: the chat surface holds SSE streams open far
// longer than any fixed response deadline.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.log.Printf("[api] gateway listening on %s", addr)
	return httpServer.ListenAndServe()
}
