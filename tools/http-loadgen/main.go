// http-loadgen is a tiny, dependency-free HTTP load generator tailored for the
// A/B testing API. It reuses HTTP connections (keep-alive) and supports
// concurrency so demo scripts run fast on Windows (Git Bash), Ubuntu (WSL),
// and macOS without relying on external tools.
//
// It POSTs /invocation bodies for a rotating population of user IDs and can
// follow up a fraction of them with /conversion reports, which is enough to
// watch assignments stick and counters move under load.
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8080 -endpoint=ml-ep-demo -n=5000 -c=16
//	http-loadgen -base=http://127.0.0.1:8080 -endpoint=ml-ep-demo -users=200 -convert_every=10 -n=8000 -c=16
//
// Notes:
//   - Responses are drained and classified by status: 200 sticky reuse,
//     201 fresh assignment, 202 manual/fallback.
//   - Prints a one-line summary with duration and approximate throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
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

type invocationBody struct {
	EndpointName string          `json:"endpoint_name"`
	UserID       string          `json:"user_id"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type conversionBody struct {
	EndpointName string  `json:"endpoint_name"`
	UserID       string  `json:"user_id"`
	Reward       float64 `json:"reward"`
}

func main() {
	var (
		base     = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host, e.g. http://127.0.0.1:8080")
		endpoint = flag.String("endpoint", "ml-ep-demo", "endpoint_name sent in every body")
		users    = flag.Int("users", 100, "Number of distinct user IDs to rotate through")
		N        = flag.Int("n", 5000, "Total invocations to send")
		conc     = flag.Int("c", 8, "Number of concurrent workers")
		// Deterministic conversion mix: every K-th successful invocation per
		// worker is followed by a conversion report (0 disables).
		convertEvery = flag.Int("convert_every", 0, "Send a conversion after every K-th 2xx invocation (0 to disable)")
		reward       = flag.Float64("reward", 1, "Reward attached to conversion reports")
		payload      = flag.String("payload", `{"instances":[[1.0,2.0]]}`, "JSON inference payload embedded as data")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 60*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if *users <= 0 {
		fmt.Fprintln(os.Stderr, "-users must be > 0")
		os.Exit(2)
	}
	var data json.RawMessage
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			fmt.Fprintln(os.Stderr, "-payload must be valid JSON")
			os.Exit(2)
		}
		data = json.RawMessage(*payload)
	}

	baseURL := strings.TrimRight(*base, "/")
	invokeURL := baseURL + "/invocation"
	convertURL := baseURL + "/conversion"

	// Configure HTTP client with connection reuse
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Status classes: 200 reuse, 201 fresh, 202 manual/fallback.
	var reused, fresh, other, client4xx, server5xx, netErrs, conversions int64

	post := func(u string, body any) (int, error) {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		// Drain and close body to enable connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode, nil
	}

	start := time.Now()
	worker := func(id, count int) {
		sent := 0
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			user := fmt.Sprintf("user-%d", (i+id)%*users)
			status, err := post(invokeURL, invocationBody{EndpointName: *endpoint, UserID: user, Data: data})
			if err != nil {
				atomic.AddInt64(&netErrs, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			switch {
			case status == http.StatusOK:
				atomic.AddInt64(&reused, 1)
			case status == http.StatusCreated:
				atomic.AddInt64(&fresh, 1)
			case status == http.StatusAccepted:
				atomic.AddInt64(&other, 1)
			case status >= 500:
				atomic.AddInt64(&server5xx, 1)
				continue
			default:
				atomic.AddInt64(&client4xx, 1)
				continue
			}
			sent++
			if *convertEvery > 0 && sent%*convertEvery == 0 {
				cstatus, err := post(convertURL, conversionBody{EndpointName: *endpoint, UserID: user, Reward: *reward})
				if err != nil {
					atomic.AddInt64(&netErrs, 1)
				} else if cstatus < 300 {
					atomic.AddInt64(&conversions, 1)
				}
			}
		}
	}

	// Split N across conc workers
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
	fmt.Printf("LoadGen: n=%d c=%d users=%d go=%d Duration=%s Throughput=%.0f req/s reused=%d fresh=%d other=%d 4xx=%d 5xx=%d errors=%d conversions=%d\n",
		*N, *conc, *users, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops,
		reused, fresh, other, client4xx, server5xx, netErrs, conversions)
}
