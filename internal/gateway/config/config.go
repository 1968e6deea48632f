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

// Package config loads the gateway's JSON configuration file and applies
// environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// AuthOpen is the sentinel authToken value that disables authentication.
const AuthOpen = "none"

// WorkerConfig is one CLI worker definition.
type WorkerConfig struct {
	Name  string `json:"name"`
	Bin   string `json:"bin"`
	Token string `json:"token,omitempty"`
}

// TokenPoolEntry is one direct-API credential. Kind is "flat" (OAuth-style
// flat-fee subscription) or "metered" (API key).
type TokenPoolEntry struct {
	Name  string `json:"name"`
	Token string `json:"token"`
	Kind  string `json:"kind"`
}

// HeartbeatConfig holds per-model silence thresholds in milliseconds.
type HeartbeatConfig struct {
	Opus   int64 `json:"opus"`
	Sonnet int64 `json:"sonnet"`
	Haiku  int64 `json:"haiku"`
}

// WarmPoolConfig controls pre-spawning.
type WarmPoolConfig struct {
	Enabled  bool  `json:"enabled"`
	Size     int   `json:"size"`
	MaxAgeMs int64 `json:"maxAgeMs"`
}

// RateLimitConfig holds one model's per-minute ceilings.
type RateLimitConfig struct {
	RequestsPerMin int64 `json:"requestsPerMin"`
	TokensPerMin   int64 `json:"tokensPerMin"`
}

// FallbackAPIConfig names the last-resort OpenAI-compatible HTTP backend.
type FallbackAPIConfig struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
	Model   string `json:"model"`
	Name    string `json:"name"`
}

// DurabilityConfig selects the durable store backend. Backend is "noop",
// "redis", or "postgres"; Kafka is additive for the event stream.
type DurabilityConfig struct {
	Backend      string `json:"backend"`
	RedisAddr    string `json:"redisAddr"`
	PostgresDSN  string `json:"postgresDsn"`
	KafkaTopic   string `json:"kafkaTopic"`
	EventLogPath string `json:"eventLogPath"`
	UsageLogPath string `json:"usageLogPath"`
}

// Config is the full gateway configuration, unmarshaled from JSON. Field
// names follow the recognized option names exactly.
type Config struct {
	Port      int    `json:"port"`
	AuthToken string `json:"authToken"`

	Workers       []WorkerConfig `json:"workers"`
	PrimaryWorker string         `json:"primaryWorker"`
	HealthCheckMs int64          `json:"healthCheckMs"`

	TokenPool []TokenPoolEntry `json:"tokenPool"`

	MaxConcurrent     int64 `json:"maxConcurrent"`
	MaxQueueTotal     int   `json:"maxQueueTotal"`
	MaxQueuePerSource int   `json:"maxQueuePerSource"`

	SourceConcurrencyLimits  map[string]int64 `json:"sourceConcurrencyLimits"`
	DefaultSourceConcurrency int64            `json:"defaultSourceConcurrency"`

	QueueTimeoutMs  int64 `json:"queueTimeoutMs"`
	SyncTimeoutMs   int64 `json:"syncTimeoutMs"`
	StreamTimeoutMs int64 `json:"streamTimeoutMs"`

	HeartbeatByModel HeartbeatConfig `json:"heartbeatByModel"`

	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`

	MaxProcessAgeMs  int64 `json:"maxProcessAgeMs"`
	MaxIdleMs        int64 `json:"maxIdleMs"`
	ReaperIntervalMs int64 `json:"reaperIntervalMs"`

	WarmPool WarmPoolConfig `json:"warmPool"`

	RateLimits map[string]RateLimitConfig `json:"rateLimits"`

	MaxPromptChars int `json:"maxPromptChars"`

	FallbackAPI *FallbackAPIConfig `json:"fallbackApi,omitempty"`
	DirectAPI   string             `json:"directApiBaseUrl"`

	Durability  DurabilityConfig `json:"durability"`
	MetricsAddr string           `json:"metricsAddr"`
	MaxEvents   int              `json:"maxEvents"`
}

// Default returns a Config with every knob at its representative default.
func Default() Config {
	return Config{
		Port:                     8080,
		AuthToken:                AuthOpen,
		HealthCheckMs:            60_000,
		MaxConcurrent:            8,
		MaxQueueTotal:            100,
		MaxQueuePerSource:        20,
		DefaultSourceConcurrency: 4,
		QueueTimeoutMs:           120_000,
		SyncTimeoutMs:            600_000,
		StreamTimeoutMs:          1_800_000,
		HeartbeatByModel:         HeartbeatConfig{Opus: 1_800_000, Sonnet: 1_200_000, Haiku: 600_000},
		MaxRetries:               3,
		RetryBaseMs:              1000,
		MaxProcessAgeMs:          3_600_000,
		MaxIdleMs:                900_000,
		ReaperIntervalMs:         60_000,
		WarmPool:                 WarmPoolConfig{Enabled: true, Size: 1, MaxAgeMs: 600_000},
		MaxPromptChars:           180_000,
		Durability:               DurabilityConfig{Backend: "noop"},
		MaxEvents:                1000,
	}
}

// Load reads the JSON config at path (optional — empty path yields pure
// defaults), then applies environment overrides: PORT, AUTH_TOKEN,
// REDIS_ADDR.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Durability.Backend = "redis"
		cfg.Durability.RedisAddr = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("config: maxConcurrent must be positive")
	}
	seen := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if w.Name == "" || w.Bin == "" {
			return fmt.Errorf("config: worker entries need both name and bin")
		}
		if seen[w.Name] {
			return fmt.Errorf("config: duplicate worker name %q", w.Name)
		}
		seen[w.Name] = true
	}
	for _, t := range c.TokenPool {
		if t.Kind != "flat" && t.Kind != "metered" {
			return fmt.Errorf("config: tokenPool entry %q has unknown kind %q", t.Name, t.Kind)
		}
	}
	return nil
}

// AuthDisabled reports whether the configured token opens authentication.
func (c Config) AuthDisabled() bool {
	return c.AuthToken == "" || c.AuthToken == AuthOpen
}
