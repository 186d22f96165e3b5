// Package telemetry exposes the service's Prometheus metrics: fold-level
// experiment counters keyed by (endpoint_name, variant_name) and
// route-level HTTP metrics. Collectors are registered eagerly; if no
// /metrics endpoint is mounted the registration is harmless.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	invocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abtest_invocations_total",
		Help: "Invocation events folded into the metrics store, per endpoint and variant",
	}, []string{"endpoint_name", "variant_name"})
	conversionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abtest_conversions_total",
		Help: "Conversion events folded into the metrics store, per endpoint and variant",
	}, []string{"endpoint_name", "variant_name"})
	rewardsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abtest_rewards_total",
		Help: "Reward mass folded into the metrics store, per endpoint and variant",
	}, []string{"endpoint_name", "variant_name"})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abtest_http_requests_total",
		Help: "HTTP requests served, per route, method and status code",
	}, []string{"route", "method", "code"})
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "abtest_http_request_duration_seconds",
		Help:    "HTTP request latency, per route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(invocationsTotal, conversionsTotal, rewardsTotal,
		httpRequestsTotal, httpRequestDuration)
}

// Series implements core.TimeSeries on the experiment counters. The fold
// emits net per-group deltas, so scraping these counters reproduces the
// store's counter movement over time.
type Series struct{}

// EmitGroup records one applied fold group.
func (Series) EmitGroup(endpointName, variantName string, invocations, conversions int64, reward float64) {
	if invocations > 0 {
		invocationsTotal.WithLabelValues(endpointName, variantName).Add(float64(invocations))
	}
	if conversions > 0 {
		conversionsTotal.WithLabelValues(endpointName, variantName).Add(float64(conversions))
	}
	if reward > 0 {
		rewardsTotal.WithLabelValues(endpointName, variantName).Add(reward)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments every request with the HTTP counters, labeled by
// the mux route template so path parameters do not explode cardinality.
// It satisfies mux.MiddlewareFunc.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
