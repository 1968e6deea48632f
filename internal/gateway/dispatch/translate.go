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
)

// AnthropicBlock is one content block in the native Anthropic message shape.
type AnthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// AnthropicMessage is one native-shape message (role is "user" or
// "assistant" only — system is a separate top-level field).
type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content []AnthropicBlock `json:"content"`
}

// AnthropicTool is the native tool-definition shape.
type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// openAITool mirrors the OpenAI {type:function, function:{...}} shape just
// enough to translate it.
type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// TranslateTools converts OpenAI function-tool definitions to native
// Anthropic tool definitions.
func TranslateTools(raw []json.RawMessage) ([]AnthropicTool, error) {
	out := make([]AnthropicTool, 0, len(raw))
	for _, r := range raw {
		var t openAITool
		if err := json.Unmarshal(r, &t); err != nil {
			return nil, err
		}
		out = append(out, AnthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return out, nil
}

// TranslateToolChoice maps an OpenAI tool_choice value to its native
// equivalent: "auto"→{type:auto}, "none"→{type:none}, "required"→{type:any},
// an explicit {type:function, function:{name}} → {type:tool, name}.
func TranslateToolChoice(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		switch asString {
		case "auto":
			return json.RawMessage(`{"type":"auto"}`)
		case "none":
			return json.RawMessage(`{"type":"none"}`)
		case "required":
			return json.RawMessage(`{"type":"any"}`)
		}
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Function.Name != "" {
		b, _ := json.Marshal(map[string]string{"type": "tool", "name": named.Function.Name})
		return b
	}
	return json.RawMessage(`{"type":"auto"}`)
}

// TranslateMessages converts OpenAI chat messages (already stripped of any
// leading system message) to native Anthropic messages: tool-role messages
// become user-role tool_result blocks, assistant tool calls become
// tool_use blocks alongside any text, and consecutive same-role messages
// are merged since the native API requires strict role alternation.
func TranslateMessages(messages []ChatMessage) []AnthropicMessage {
	var out []AnthropicMessage
	for _, m := range messages {
		role := m.Role
		blocks := translateBlocks(m, &role)

		if len(out) > 0 && out[len(out)-1].Role == role {
			out[len(out)-1].Content = append(out[len(out)-1].Content, blocks...)
			continue
		}
		out = append(out, AnthropicMessage{Role: role, Content: blocks})
	}
	return out
}

// translateBlocks expands one OpenAI message into native content blocks,
// rewriting role for tool results (the native API has no tool role).
func translateBlocks(m ChatMessage, role *string) []AnthropicBlock {
	if m.Role == "tool" {
		*role = "user"
		return []AnthropicBlock{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}}
	}

	var blocks []AnthropicBlock
	if m.Content != "" || len(m.ToolCalls) == 0 {
		blocks = append(blocks, AnthropicBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		} else if !json.Valid(input) {
			// Arguments may arrive malformed from a client replaying a
			// truncated stream; re-wrap so the native API still sees JSON.
			wrapped, _ := json.Marshal(tc.Function.Arguments)
			input = wrapped
		}
		blocks = append(blocks, AnthropicBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return blocks
}

// MapStopReason maps a native Anthropic stop_reason to the OpenAI
// finish_reason vocabulary.
func MapStopReason(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}
