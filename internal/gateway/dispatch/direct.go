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
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// CredentialKind distinguishes a flat-fee OAuth-style credential from a
// metered API-key credential.
type CredentialKind int

const (
	CredentialFlatFee CredentialKind = iota
	CredentialMetered
)

// Credential is one entry of the direct-API credential pool.
type Credential struct {
	Kind  CredentialKind
	Value string
}

// DirectClient handles tool-capable requests by translating them to the
// native Anthropic API shape and streaming the native SSE response back
// translated into the OpenAI chunk envelope.
type DirectClient struct {
	BaseURL string
	HTTP    *http.Client
	creds   []Credential
	idx     atomic.Uint64
	log     *log.Logger
}

// NewDirectClient builds a DirectClient over a round-robin credential pool.
func NewDirectClient(baseURL string, creds []Credential, logger *log.Logger) *DirectClient {
	if logger == nil {
		logger = log.Default()
	}
	return &DirectClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Minute},
		creds:   creds,
		log:     logger,
	}
}

func (d *DirectClient) nextCredential() Credential {
	n := d.idx.Add(1)
	return d.creds[(n-1)%uint64(len(d.creds))]
}

type nativeRequestBody struct {
	Model      string             `json:"model"`
	System     string             `json:"system,omitempty"`
	Messages   []AnthropicMessage `json:"messages"`
	Tools      []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice json.RawMessage    `json:"tool_choice,omitempty"`
	MaxTokens  int                `json:"max_tokens"`
	Stream     bool               `json:"stream"`
}

// Handle translates req to the native Anthropic shape, issues it against
// the upstream API with a round-robin credential, and streams the
// translated response back as OpenAI-compatible SSE.
func (d *DirectClient) Handle(w http.ResponseWriter, r *http.Request, req *ChatRequest) {
	chatID := req.ID
	sse := NewSSEWriter(w)

	tools, err := TranslateTools(req.Tools)
	if err != nil {
		sse.WriteFinish(chatID, req.Model, "stop")
		return
	}
	nonSystem := req.Messages
	if len(nonSystem) > 0 && nonSystem[0].Role == "system" {
		nonSystem = nonSystem[1:]
	}
	nativeBody := nativeRequestBody{
		Model:      req.Model,
		System:     req.SystemPrompt,
		Messages:   TranslateMessages(nonSystem),
		Tools:      tools,
		ToolChoice: TranslateToolChoice(req.ToolChoice),
		MaxTokens:  req.MaxTokens,
		Stream:     true,
	}
	if nativeBody.MaxTokens == 0 {
		nativeBody.MaxTokens = 4096
	}

	body, err := json.Marshal(nativeBody)
	if err != nil {
		sse.WriteFinish(chatID, req.Model, "stop")
		return
	}

	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, d.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		sse.WriteFinish(chatID, req.Model, "stop")
		return
	}
	cred := d.nextCredential()
	switch cred.Kind {
	case CredentialFlatFee:
		httpReq.Header.Set("Authorization", "Bearer "+cred.Value)
		httpReq.Header.Set("anthropic-beta", "oauth-2025-04-20")
	case CredentialMetered:
		httpReq.Header.Set("x-api-key", cred.Value)
	}
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTP.Do(httpReq)
	if err != nil {
		d.log.Printf("dispatch: direct API request failed: %v", err)
		sse.WriteFinish(chatID, req.Model, "stop")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		sse.WriteFinish(chatID, req.Model, "stop")
		return
	}

	d.relayNativeStream(resp.Body, sse, chatID, req.Model)
}

type nativeSSEEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// relayNativeStream consumes the native Anthropic SSE stream and emits
// the OpenAI-compatible translation.
func (d *DirectClient) relayNativeStream(body io.Reader, sse *SSEWriter, chatID, model string) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	roleOpened := false
	toolCallIndex := -1
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		var ev nativeSSEEvent
		if json.Unmarshal([]byte(payload), &ev) != nil {
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				toolCallIndex++
				if !roleOpened {
					sse.WriteRoleOpen(chatID, model)
					roleOpened = true
				}
				sse.writeChunk(ChatChunk{
					ID: chatID, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
					Choices: []ChatChunkChoice{{Index: 0, Delta: ChatChunkDelta{
						ToolCalls: []ToolCallDelta{{
							Index: toolCallIndex, ID: ev.ContentBlock.ID, Type: "function",
							Function: ToolCallFunctionDelta{Name: ev.ContentBlock.Name},
						}},
					}}},
				})
			}
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				if !roleOpened {
					sse.WriteRoleOpen(chatID, model)
					roleOpened = true
				}
				sse.WriteDelta(chatID, model, ev.Delta.Text)
			}
			if ev.Delta.Type == "input_json_delta" && ev.Delta.PartialJSON != "" {
				sse.writeChunk(ChatChunk{
					ID: chatID, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
					Choices: []ChatChunkChoice{{Index: 0, Delta: ChatChunkDelta{
						ToolCalls: []ToolCallDelta{{
							Index:    toolCallIndex,
							Function: ToolCallFunctionDelta{Arguments: ev.Delta.PartialJSON},
						}},
					}}},
				})
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				sse.WriteFinish(chatID, model, MapStopReason(ev.Delta.StopReason))
				return
			}
		}
	}
	sse.WriteFinish(chatID, model, "stop")
}
