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
	"strings"
)

// workerLine is the superset shape of one JSON line a CLI worker may emit.
// Only the fields relevant to a given event "type" are populated.
type workerLine struct {
	Type  string `json:"type"`
	Event struct {
		Type         string `json:"type"`
		ContentBlock struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content_block"`
		Delta struct {
			Type  string `json:"type"`
			Text  string `json:"text"`
			Usage struct {
				InputTokens              int64 `json:"input_tokens"`
				CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
				CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
				OutputTokens             int64 `json:"output_tokens"`
			} `json:"usage"`
		} `json:"delta"`
	} `json:"event"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Result string `json:"result"`
	Usage  *struct {
		InputTokens              int64 `json:"input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
	} `json:"usage"`
}

// ParsedEvent is the normalized result of interpreting one worker output
// line.
type ParsedEvent struct {
	Text         string
	HasText      bool
	InputTokens  int64
	OutputTokens int64
	HasUsage     bool
}

// ParseWorkerLine interprets one line of CLI-worker stdout. hasSentContent
// tells the parser whether any text has already been forwarded this
// attempt, since "assistant" and "result" events only forward when no
// delta-path content has been sent yet.
func ParseWorkerLine(line string, hasSentContent bool) (ParsedEvent, bool) {
	var wl workerLine
	if err := json.Unmarshal([]byte(line), &wl); err != nil {
		return ParsedEvent{}, false
	}

	var out ParsedEvent

	switch wl.Type {
	case "stream_event":
		switch wl.Event.Type {
		case "content_block_delta":
			if wl.Event.Delta.Text != "" {
				out.Text = wl.Event.Delta.Text
				out.HasText = true
			}
		case "message_delta":
			u := wl.Event.Delta.Usage
			if u.InputTokens != 0 || u.CacheCreationInputTokens != 0 || u.CacheReadInputTokens != 0 || u.OutputTokens != 0 {
				out.InputTokens = u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
				out.OutputTokens = u.OutputTokens
				out.HasUsage = true
			}
		}
	case "assistant":
		if !hasSentContent {
			for _, c := range wl.Content {
				if c.Type == "text" && c.Text != "" {
					out.Text += c.Text
					out.HasText = true
				}
			}
		}
	case "content_block_delta":
		if wl.Event.Delta.Text != "" {
			out.Text = wl.Event.Delta.Text
			out.HasText = true
		}
	case "result":
		if !hasSentContent && wl.Result != "" {
			out.Text = wl.Result
			out.HasText = true
		}
	}

	if wl.Usage != nil {
		out.InputTokens = wl.Usage.InputTokens + wl.Usage.CacheCreationInputTokens + wl.Usage.CacheReadInputTokens
		out.OutputTokens = wl.Usage.OutputTokens
		out.HasUsage = true
	}

	return out, out.HasText || out.HasUsage
}

// refusalPhrases classify a short worker output as a safety refusal rather
// than a genuine answer.
var refusalPhrases = []string{
	"i cannot", "i can't", "not authorized", "safety concern",
	"i'm not able to", "i won't be able to",
}

const refusalMaxBytes = 2048

// IsSafetyRefusal reports whether a short total output looks like a
// canned safety refusal.
func IsSafetyRefusal(totalOutput string) bool {
	if len(totalOutput) >= refusalMaxBytes {
		return false
	}
	lower := strings.ToLower(totalOutput)
	for _, p := range refusalPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
