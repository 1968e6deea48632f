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

// Package main is the clawgate gateway daemon: a multi-tenant proxy that
// exposes an OpenAI-compatible chat endpoint and dispatches requests to a
// pool of CLI agent workers with fair queueing, rate limiting, warm
// pre-spawning, zombie reaping, and HTTP-API fallback.
//
// This file is responsible for orchestrating the whole service:
//  1. Loading configuration and selecting the durable-store backend.
//  2. Building the core components (queue, limiter, router, registry,
//     warm pool) and wiring them into the dispatcher.
//  3. Starting the API server to handle live traffic.
//  4. Managing graceful shutdown so every spawned worker is terminated.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"clawgate/internal/gateway/api"
	"clawgate/internal/gateway/config"
	"clawgate/internal/gateway/dispatch"
	"clawgate/internal/gateway/queue"
	"clawgate/internal/gateway/ratelimit"
	"clawgate/internal/gateway/registry"
	"clawgate/internal/gateway/router"
	"clawgate/internal/gateway/store"
	"clawgate/internal/gateway/telemetry"
	"clawgate/internal/gateway/warmpool"
	"clawgate/internal/gateway/worker"
	"clawgate/internal/sinks"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to the JSON config file (empty: defaults + env)")
		metricsOn    = flag.Bool("metrics", true, "Enable Prometheus metrics")
		snapshotEach = flag.Duration("snapshot_interval", time.Minute, "Interval for metrics:ts snapshots (0 disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("[main] %v", err)
	}
	if len(cfg.Workers) == 0 {
		logger.Fatalf("[main] no workers configured; at least one {name, bin} entry is required")
	}

	telemetry.Enable(telemetry.Config{Enabled: *metricsOn, MetricsAddr: cfg.MetricsAddr})

	// --- Durable store (fire-and-forget; the in-memory state is authoritative) ---
	durable, err := store.Build(store.Options{
		Backend:   cfg.Durability.Backend,
		RedisAddr: cfg.Durability.RedisAddr,
	}, logger)
	if err != nil && cfg.Durability.Backend == "postgres" {
		// Postgres serves the request ledger, not the generic KV surface.
		durable, err = store.Build(store.Options{Backend: "noop"}, logger)
	}
	if err != nil {
		logger.Fatalf("[main] %v", err)
	}

	var ledger *store.PostgresStore
	if cfg.Durability.PostgresDSN != "" {
		db, dbErr := sql.Open("postgres", cfg.Durability.PostgresDSN)
		if dbErr != nil {
			logger.Fatalf("[main] postgres: %v", dbErr)
		}
		ledger = store.BuildRequestLedger(db)
	}

	var kafkaSink *store.EventSink
	if cfg.Durability.KafkaTopic != "" {
		// The producer behind the sink is interface-only; the logging
		// producer stands in until a concrete client is wired by the
		// deployment.
		kafkaSink = store.NewEventSink(store.NewLoggingProducer(logger), cfg.Durability.KafkaTopic)
	}

	events := telemetry.NewEventLog(cfg.MaxEvents, durable, kafkaSink, logger)
	if cfg.Durability.EventLogPath != "" {
		fs, fsErr := sinks.NewEventFileSink(cfg.Durability.EventLogPath)
		if fsErr != nil {
			logger.Fatalf("[main] event log sink: %v", fsErr)
		}
		defer fs.Close()
		events.AddFileSink(fs)
	}

	// --- Core components ---
	q := queue.New(queue.Config{
		MaxConcurrent:            cfg.MaxConcurrent,
		MaxQueueTotal:            cfg.MaxQueueTotal,
		MaxQueuePerSource:        cfg.MaxQueuePerSource,
		QueueTimeout:             time.Duration(cfg.QueueTimeoutMs) * time.Millisecond,
		MaxLeaseHold:             2 * time.Duration(cfg.StreamTimeoutMs) * time.Millisecond,
		SweepInterval:            5 * time.Second,
		DefaultSourceConcurrency: cfg.DefaultSourceConcurrency,
		SourceConcurrencyLimits:  cfg.SourceConcurrencyLimits,
	}, logger)

	limits := make(map[string]ratelimit.Limits, len(cfg.RateLimits))
	for model, rl := range cfg.RateLimits {
		limits[model] = ratelimit.Limits{RequestsPerMin: rl.RequestsPerMin, TokensPerMin: rl.TokensPerMin}
	}
	limiter := ratelimit.New(ratelimit.Limits{RequestsPerMin: 60, TokensPerMin: 300_000}, limits, durable)

	specs := make([]router.WorkerSpec, 0, len(cfg.Workers))
	workerByName := make(map[string]worker.Spec, len(cfg.Workers))
	for _, wc := range cfg.Workers {
		specs = append(specs, router.WorkerSpec{Name: wc.Name, IsPrimary: wc.Name == cfg.PrimaryWorker})
		workerByName[wc.Name] = worker.Spec{Name: wc.Name, Bin: wc.Bin, Token: wc.Token}
	}
	rt := router.New(router.Config{
		HealthCheckInterval: 30 * time.Second,
		HealthCheckAfter:    time.Duration(cfg.HealthCheckMs) * time.Millisecond,
		AffinityTTL:         5 * time.Minute,
	}, specs)

	reg := registry.New(registry.Config{
		MaxAge:         time.Duration(cfg.MaxProcessAgeMs) * time.Millisecond,
		MaxIdle:        time.Duration(cfg.MaxIdleMs) * time.Millisecond,
		ReaperInterval: time.Duration(cfg.ReaperIntervalMs) * time.Millisecond,
	}, logger, durable, func(e registry.Entry) {
		events.Emit("worker_reap", e.Source, map[string]any{
			"pid": e.Pid, "worker": e.WorkerName, "request_id": e.RequestID,
		})
	})

	spawn := func(ctx context.Context, spec warmpool.Spec) (*worker.Process, error) {
		ws, ok := workerByName[spec.WorkerName]
		if !ok {
			return nil, fmt.Errorf("unknown worker %q", spec.WorkerName)
		}
		return worker.Spawn(ctx, ws)
	}
	wpCfg := warmpool.DefaultConfig()
	wpCfg.MaxWarmPerKey = cfg.WarmPool.Size
	wpCfg.MaxAge = time.Duration(cfg.WarmPool.MaxAgeMs) * time.Millisecond
	if !cfg.WarmPool.Enabled {
		wpCfg.MaxWarmPerKey = 0
	}
	wp := warmpool.New(wpCfg, spawn, logger, int64(cfg.WarmPool.Size)+1)

	// --- Dispatcher ---
	acct := dispatch.NewAccounting(durable, ledger, logger)
	if cfg.Durability.UsageLogPath != "" {
		us, usErr := sinks.NewUsageFileSink(cfg.Durability.UsageLogPath)
		if usErr != nil {
			logger.Fatalf("[main] usage log sink: %v", usErr)
		}
		defer us.Close()
		acct.SetHook(func(requestID, model, source string, input, output int64) {
			us.Record(sinks.UsageRecord{
				RequestID: requestID, Model: model, Source: source,
				InputTokens: input, OutputTokens: output, TS: time.Now().UnixMilli(),
			})
		})
	}

	d := dispatch.New(q, limiter, rt, reg, wp, events, acct, logger)
	d.MaxPromptChars = cfg.MaxPromptChars
	d.Limits.StreamTimeout = time.Duration(cfg.StreamTimeoutMs) * time.Millisecond
	d.Retry.MaxRetries = cfg.MaxRetries
	d.Retry.BaseDelay = time.Duration(cfg.RetryBaseMs) * time.Millisecond
	d.Retry.SyncTimeout = time.Duration(cfg.SyncTimeoutMs) * time.Millisecond
	if hb := cfg.HeartbeatByModel; hb.Opus > 0 {
		dispatch.HeartbeatByModel["opus"] = time.Duration(hb.Opus) * time.Millisecond
		dispatch.HeartbeatByModel["sonnet"] = time.Duration(hb.Sonnet) * time.Millisecond
		dispatch.HeartbeatByModel["haiku"] = time.Duration(hb.Haiku) * time.Millisecond
	}
	if cfg.FallbackAPI != nil && cfg.FallbackAPI.BaseURL != "" {
		d.FallbackClient = dispatch.NewFallbackClient(cfg.FallbackAPI.BaseURL, cfg.FallbackAPI.APIKey, cfg.FallbackAPI.Model, logger)
	}
	if cfg.DirectAPI != "" && len(cfg.TokenPool) > 0 {
		creds := make([]dispatch.Credential, 0, len(cfg.TokenPool))
		for _, t := range cfg.TokenPool {
			kind := dispatch.CredentialMetered
			if t.Kind == "flat" {
				kind = dispatch.CredentialFlatFee
			}
			creds = append(creds, dispatch.Credential{Kind: kind, Value: t.Token})
		}
		d.DirectClient = dispatch.NewDirectClient(cfg.DirectAPI, creds, logger)
	}

	if *snapshotEach > 0 {
		events.StartSnapshots(*snapshotEach, func() any {
			return map[string]any{
				"queue":    q.Stats(),
				"limiter":  limiter.Stats(),
				"registry": reg.GetStats(),
				"warmPool": wp.Stats(),
				"tokens":   acct.Totals(),
				"ts":       time.Now().Unix(),
			}
		})
	}

	// Pre-warm the configured pool for each (model, worker) pair so the
	// first requests skip the cold-start window.
	if cfg.WarmPool.Enabled {
		for _, wc := range cfg.Workers {
			for _, model := range dispatch.ModelFamilies {
				spec := warmpool.Spec{Model: model, WorkerName: wc.Name, Stream: true}
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					_ = wp.WarmUp(ctx, spec)
				}()
			}
		}
	}

	srv := api.NewServer(d, cfg.AuthToken, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(fmt.Sprintf(":%d", cfg.Port))
	}()
	logger.Printf("[main] clawgate up: %d workers, maxConcurrent=%d, durability=%s",
		len(cfg.Workers), cfg.MaxConcurrent, cfg.Durability.Backend)

	// --- Graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Printf("[main] received %v, shutting down", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Printf("[main] server error: %v", err)
		}
	}

	// Order matters: stop admitting first, then kill children, then flush.
	q.Close()
	wp.Close()
	for _, e := range reg.GetAll() {
		_ = reg.Kill(e.Pid, syscall.SIGTERM)
	}
	reg.Close()
	rt.Close()
	events.Close()
	acct.Close()
	logger.Printf("[main] shutdown complete")
}
