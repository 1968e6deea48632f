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
	"fmt"
	"net/http"
	"time"
)

// ToolCallFunctionDelta is the incremental function-call payload inside a
// tool_calls delta.
type ToolCallFunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolCallDelta is one incremental tool-call entry within a streaming delta.
type ToolCallDelta struct {
	Index    int                   `json:"index"`
	ID       string                `json:"id,omitempty"`
	Type     string                `json:"type,omitempty"`
	Function ToolCallFunctionDelta `json:"function"`
}

// ChatChunkDelta is the OpenAI streaming delta payload.
type ChatChunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ChatChunkChoice is one choice of a streaming chunk.
type ChatChunkChoice struct {
	Index        int            `json:"index"`
	Delta        ChatChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

// ChatChunk is the OpenAI-compatible streaming envelope this gateway emits
// for every SSE `data:` line.
type ChatChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
}

// SSEWriter wraps an http.ResponseWriter with the preamble, comment-keepalive,
// and chunk-writing helpers the streaming state machine needs.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sends SSE response headers, flushes, and writes the
// proxy-accepted comment line to establish the stream before any worker
// output exists — this is what keeps reverse proxies from timing out
// during the spawn window.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // disable response buffering in front-end proxies (nginx)
	w.WriteHeader(http.StatusOK)

	sw := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	sw.writeComment("proxy-accepted")
	return sw
}

func (s *SSEWriter) writeComment(text string) {
	fmt.Fprintf(s.w, ":%s\n\n", text)
	s.flush()
}

// Keepalive writes an SSE comment line, used by the keepalive timer.
func (s *SSEWriter) Keepalive() { s.writeComment("keepalive") }

// WriteDelta writes one content delta chunk.
func (s *SSEWriter) WriteDelta(id, model, content string) {
	s.writeChunk(ChatChunk{
		ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
		Choices: []ChatChunkChoice{{Index: 0, Delta: ChatChunkDelta{Content: content}}},
	})
}

// WriteRoleOpen writes the initial chunk carrying only role: "assistant",
// the OpenAI convention for the first chunk of a stream.
func (s *SSEWriter) WriteRoleOpen(id, model string) {
	s.writeChunk(ChatChunk{
		ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
		Choices: []ChatChunkChoice{{Index: 0, Delta: ChatChunkDelta{Role: "assistant"}}},
	})
}

// WriteError encodes a fatal error as a final text delta, then terminates
// the stream cleanly — streaming clients must never hang, even on failure.
func (s *SSEWriter) WriteError(id, model, message string) {
	s.WriteDelta(id, model, "[error] "+message)
	s.WriteFinish(id, model, "stop")
}

// WriteFinish writes the terminating chunk carrying finish_reason, then the
// [DONE] sentinel.
func (s *SSEWriter) WriteFinish(id, model, finishReason string) {
	fr := finishReason
	s.writeChunk(ChatChunk{
		ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
		Choices: []ChatChunkChoice{{Index: 0, Delta: ChatChunkDelta{}, FinishReason: &fr}},
	})
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flush()
}

func (s *SSEWriter) writeChunk(c ChatChunk) {
	b, err := json.Marshal(c)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", b)
	s.flush()
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
