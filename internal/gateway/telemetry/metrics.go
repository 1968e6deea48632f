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

// Package telemetry provides low-overhead metrics and the internal event
// log for the gateway. It is designed to be safe to call from hot paths:
// when disabled, all observation functions are no-ops.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the telemetry module.
//
// MetricsAddr, when non-empty, starts a dedicated HTTP server that serves
// /metrics. If the main API mux already exposes Prometheus (it does, on
// /metrics), leave it empty.
type Config struct {
	Enabled     bool
	MetricsAddr string
}

var modEnabled atomic.Bool

// Prometheus metrics — global only (no unbounded label cardinality; source
// ids are client-controlled and must never become label values).
var (
	requestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_requests_total",
		Help: "Total chat-completion requests admitted past the fair queue",
	})
	requestsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_requests_rejected_total",
		Help: "Total requests rejected at admission (queue full or rate-wait timeout)",
	})
	queueTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_queue_timeouts_total",
		Help: "Total queue entries evicted after waiting longer than the queue timeout",
	})
	streamRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_stream_retries_total",
		Help: "Total quick-fail retries of a streaming attempt on an alternate worker",
	})
	fallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_fallbacks_total",
		Help: "Total requests that fell through to the HTTP-API fallback",
	})
	fallbackOverflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_fallback_context_overflow_total",
		Help: "Total fallback attempts that failed with a context-size-exceeded error",
	})
	safetyRefusalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_safety_refusals_total",
		Help: "Total worker outputs classified as safety refusals",
	})
	workerLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_worker_rate_limited_total",
		Help: "Total times a worker was marked rate-limited",
	})
	warmHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_warm_hits_total",
		Help: "Total worker acquisitions served from the warm pool",
	})
	warmMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_warm_misses_total",
		Help: "Total worker acquisitions that required a cold spawn",
	})
	inputTokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_input_tokens_total",
		Help: "Cumulative estimated input tokens across completed requests",
	})
	outputTokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clawgate_output_tokens_total",
		Help: "Cumulative estimated output tokens across completed requests",
	})
	activeRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clawgate_active_requests",
		Help: "Requests currently holding a global concurrency slot",
	})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clawgate_queue_depth",
		Help: "Entries currently waiting in the fair queue across all sources",
	})
	workersHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clawgate_workers_healthy",
		Help: "Workers currently considered healthy by the router",
	})
)

func init() {
	// Register metrics eagerly. If no Prometheus endpoint is exposed, the
	// registration is harmless.
	prometheus.MustRegister(
		requestsTotal, requestsRejectedTotal, queueTimeoutsTotal,
		streamRetriesTotal, fallbacksTotal, fallbackOverflowTotal,
		safetyRefusalsTotal, workerLimitedTotal,
		warmHitsTotal, warmMissesTotal,
		inputTokensTotal, outputTokensTotal,
		activeRequests, queueDepth, workersHealthy,
	)
}

// Enable configures the module. Safe to call multiple times; subsequent
// calls replace the config.
func Enable(cfg Config) {
	modEnabled.Store(cfg.Enabled)
	if cfg.Enabled && cfg.MetricsAddr != "" {
		startMetricsEndpoint(cfg.MetricsAddr)
	}
}

// Enabled reports whether telemetry observation is active.
func Enabled() bool { return modEnabled.Load() }

var metricsServerStarted atomic.Bool

func startMetricsEndpoint(addr string) {
	if !metricsServerStarted.CompareAndSwap(false, true) {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
}

// Handler returns the Prometheus scrape handler for mounting on the main
// API mux.
func Handler() http.Handler { return promhttp.Handler() }

// ObserveAdmission records one admission decision.
func ObserveAdmission(admitted bool) {
	if !modEnabled.Load() {
		return
	}
	if admitted {
		requestsTotal.Inc()
	} else {
		requestsRejectedTotal.Inc()
	}
}

// ObserveQueueTimeout records one queue-timeout eviction.
func ObserveQueueTimeout() {
	if modEnabled.Load() {
		queueTimeoutsTotal.Inc()
	}
}

// ObserveStreamRetry records one quick-fail retry.
func ObserveStreamRetry() {
	if modEnabled.Load() {
		streamRetriesTotal.Inc()
	}
}

// ObserveFallback records one fall-through to the HTTP-API fallback;
// contextOverflow marks the distinct context-size-exceeded failure.
func ObserveFallback(contextOverflow bool) {
	if !modEnabled.Load() {
		return
	}
	fallbacksTotal.Inc()
	if contextOverflow {
		fallbackOverflowTotal.Inc()
	}
}

// ObserveSafetyRefusal records one refusal classification.
func ObserveSafetyRefusal() {
	if modEnabled.Load() {
		safetyRefusalsTotal.Inc()
	}
}

// ObserveWorkerLimited records one limited-worker transition.
func ObserveWorkerLimited() {
	if modEnabled.Load() {
		workerLimitedTotal.Inc()
	}
}

// ObserveWarmAcquire records whether a worker acquisition hit the warm pool.
func ObserveWarmAcquire(hit bool) {
	if !modEnabled.Load() {
		return
	}
	if hit {
		warmHitsTotal.Inc()
	} else {
		warmMissesTotal.Inc()
	}
}

// ObserveTokens adds final token counts for one completed request.
func ObserveTokens(input, output int64) {
	if !modEnabled.Load() {
		return
	}
	if input > 0 {
		inputTokensTotal.Add(float64(input))
	}
	if output > 0 {
		outputTokensTotal.Add(float64(output))
	}
}

// SetActiveRequests, SetQueueDepth, and SetWorkersHealthy publish the
// current gauge readings; callers sample them from their own snapshots.
func SetActiveRequests(n int64) {
	if modEnabled.Load() {
		activeRequests.Set(float64(n))
	}
}

func SetQueueDepth(n int64) {
	if modEnabled.Load() {
		queueDepth.Set(float64(n))
	}
}

func SetWorkersHealthy(n int64) {
	if modEnabled.Load() {
		workersHealthy.Set(float64(n))
	}
}
