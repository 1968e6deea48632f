// clawgate-loadgen is a tiny, dependency-free HTTP load generator for the
// gateway. It reuses HTTP connections (keep-alive) and supports concurrency
// so fairness experiments run fast without relying on external tools.
//
// Modes:
//   - single: all requests claim one source identity
//   - multi:  requests round-robin across several source identities,
//     useful for watching the fair queue's per-source rotation
//
// Usage examples:
//
//	clawgate-loadgen -base=http://127.0.0.1:8080 -mode=single -source=alice -n=500 -c=16
//	clawgate-loadgen -base=http://127.0.0.1:8080 -mode=multi -sources=4 -n=800 -c=16 -model=opus
//
// Notes:
//   - POSTs a minimal chat-completion body; -stream=true consumes SSE.
//   - Prints a one-line summary with duration and approximate throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeMulti  modeType = "multi"
)

func main() {
	var (
		base    = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		modeS   = flag.String("mode", string(modeSingle), "Mode: single|multi")
		source  = flag.String("source", "loadgen", "Source identity for single mode")
		sources = flag.Int("sources", 4, "Number of source identities to rotate in multi mode")
		model   = flag.String("model", "sonnet", "Model family to request")
		stream  = flag.Bool("stream", false, "Request SSE streaming responses")
		token   = flag.String("token", "", "Bearer token (empty for open-auth gateways)")
		prompt  = flag.String("prompt", "ping", "User prompt text")
		N       = flag.Int("n", 100, "Total requests to send")
		conc    = flag.Int("c", 8, "Number of concurrent workers")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 5*time.Minute, "Overall timeout for the loadgen run")
		reqTimeout = flag.Duration("req_timeout", 2*time.Minute, "Per-request timeout")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeMulti {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|multi)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeMulti && *sources <= 0 {
		fmt.Fprintln(os.Stderr, "-sources must be > 0 in multi mode")
		os.Exit(2)
	}

	endpoint := strings.TrimRight(*base, "/") + "/v1/chat/completions"
	body := fmt.Sprintf(`{"model":%q,"stream":%v,"messages":[{"role":"user","content":%q}]}`, *model, *stream, *prompt)

	// Configure HTTP client with connection reuse.
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: *reqTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var okCount, errCount int64

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			src := *source
			if m == modeMulti {
				src = fmt.Sprintf("source-%d", ((i+id)%*sources)+1)
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("x-source", src)
			if *token != "" {
				req.Header.Set("Authorization", "Bearer "+*token)
			}
			resp, err := client.Do(req)
			if err == nil {
				// Drain and close body to enable connection reuse.
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				if resp.StatusCode < 400 {
					atomic.AddInt64(&okCount, 1)
				} else {
					atomic.AddInt64(&errCount, 1)
				}
			} else {
				atomic.AddInt64(&errCount, 1)
				// Brief backoff on errors to avoid hot spinning.
				time.Sleep(200 * time.Microsecond)
			}
		}
	}

	// Split N across conc workers.
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d ok=%d err=%d Duration=%s Throughput=%.0f req/s\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), okCount, errCount, elapsed.Truncate(time.Millisecond), ops)
}
