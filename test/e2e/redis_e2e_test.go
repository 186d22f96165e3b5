//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"abtest"
	"abtest/internal/experiment/api"
	"abtest/internal/experiment/backend"
	"abtest/internal/experiment/core"
	"abtest/internal/experiment/persistence"
	"abtest/internal/experiment/telemetry"
	"abtest/internal/sinks"
)

// startRedisStack wires the service against a Redis backing: sticky
// assignments and the endpoint record live in Redis, and decisions go
// through the given sink. The returned stack reuses the HTTP helpers from
// the in-memory harness.
func startRedisStack(t *testing.T, store *persistence.RedisStore, sink core.EventSink) *stack {
	t.Helper()
	log := quietLogger()

	stub := backend.NewStub()
	stub.AddEndpoint(endpointName,
		core.VariantConfig{VariantName: "champion", InitialVariantWeight: 0.8},
		core.VariantConfig{VariantName: "challenger", InitialVariantWeight: 0.2},
	)
	if _, err := store.Register(context.Background(), core.RegisterInput{
		EndpointName: endpointName,
		Variants: []core.VariantConfig{
			{VariantName: "champion", InitialVariantWeight: 0.8},
			{VariantName: "challenger", InitialVariantWeight: 0.2},
		},
		Strategy:  abtest.StrategyEpsilonGreedy,
		Epsilon:   0.1,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatalf("register endpoint: %v", err)
	}

	engine := core.NewEngine(store, store, sink, stub, log, core.EngineConfig{})
	server := httptest.NewServer(api.NewServer(engine, log).Router())
	t.Cleanup(server.Close)

	return &stack{
		stub:    stub,
		baseURL: server.URL,
		client:  server.Client(),
	}
}

// TestE2E_StreamDelivery walks one batch through the whole asynchronous
// pipeline over an in-process Redis: decisions append to the stream,
// counters stay cold, the shipper drains and acks the stream into a spool,
// the sealed artifact folds through the applier, and /stats converges.
func TestE2E_StreamDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	log := quietLogger()
	ctx := context.Background()

	store := persistence.NewRedisStore(rc, persistence.RedisConfig{})
	stream := persistence.NewRedisStream(rc, "")
	s := startRedisStack(t, store, core.NewStreamSink(stream, log))

	for i := 0; i < 6; i++ {
		user := fmt.Sprintf("stream-user-%d", i%3)
		if status, out := s.post(t, "/invocation", map[string]any{"endpoint_name": endpointName, "user_id": user}); status != http.StatusOK && status != http.StatusCreated {
			t.Fatalf("invocation %d status %d: %v", i, status, out)
		}
	}
	for i := 0; i < 2; i++ {
		user := fmt.Sprintf("stream-user-%d", i)
		if status, out := s.post(t, "/conversion", map[string]any{"endpoint_name": endpointName, "user_id": user}); status != http.StatusOK {
			t.Fatalf("conversion %d status %d: %v", i, status, out)
		}
	}

	if n := rc.XLen(ctx, persistence.DefaultStreamName).Val(); n != 8 {
		t.Fatalf("stream holds %d entries, want 8", n)
	}
	if inv, conv, _ := s.statsTotals(t); inv != 0 || conv != 0 {
		t.Fatalf("counters moved before the batch shipped: inv=%d conv=%d", inv, conv)
	}

	dir := t.TempDir()
	spool, err := sinks.NewEventSpool(dir, sinks.SpoolOptions{Log: log})
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	shipper := core.NewShipper(stream, spool, time.Hour, 100, log)
	shipped, err := shipper.ShipOnce(ctx)
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if shipped != 8 {
		t.Fatalf("shipped %d entries, want 8", shipped)
	}
	if n := rc.XLen(ctx, persistence.DefaultStreamName).Val(); n != 0 {
		t.Fatalf("stream still holds %d entries after ack", n)
	}

	if err := spool.Close(); err != nil {
		t.Fatalf("seal spool: %v", err)
	}
	artifacts, err := sinks.ListArtifacts(dir)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("found %d artifacts, want 1", len(artifacts))
	}

	applier := core.NewApplier(core.NewFolder(store, telemetry.Series{}, log), log)
	report, err := applier.ApplyArtifact(ctx, artifacts[0])
	if err != nil {
		t.Fatalf("apply artifact: %v", err)
	}
	if report.Events != 8 || report.Skipped != 0 {
		t.Fatalf("apply report: %+v", report)
	}

	inv, conv, reward := s.statsTotals(t)
	if inv != 6 || conv != 2 || reward != 2 {
		t.Fatalf("totals inv=%d conv=%d reward=%v, want 6/2/2", inv, conv, reward)
	}
}

// TestE2E_RedisLiveServer runs the synchronous service against a real
// Redis and checks both the HTTP view and the raw counter hash. Requires
// a Redis at 127.0.0.1:6379; skipped otherwise.
func TestE2E_RedisLiveServer(t *testing.T) {
	rc := persistence.DialRedis("127.0.0.1:6379")
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on 127.0.0.1:6379: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	ctx := context.Background()

	// Unique key spaces per run so parallel or aborted runs never collide.
	suffix := strconv.FormatInt(time.Now().UnixNano(), 10)
	cfg := persistence.RedisConfig{
		AssignmentTable: "e2e-assignments-" + suffix,
		MetricsTable:    "e2e-metrics-" + suffix,
	}
	store := persistence.NewRedisStore(rc, cfg)
	recordKey := cfg.MetricsTable + ":" + endpointName

	users := []string{"live-user-0", "live-user-1", "live-user-2"}
	t.Cleanup(func() {
		keys := []string{recordKey}
		for _, u := range users {
			keys = append(keys, cfg.AssignmentTable+":"+endpointName+":"+u)
		}
		_ = rc.Del(context.Background(), keys...).Err()
	})

	folder := core.NewFolder(store, telemetry.Series{}, quietLogger())
	s := startRedisStack(t, store, core.NewDirectSink(folder))

	for _, u := range users {
		if status, out := s.post(t, "/invocation", map[string]any{"endpoint_name": endpointName, "user_id": u}); status != http.StatusOK && status != http.StatusCreated {
			t.Fatalf("invocation for %s status %d: %v", u, status, out)
		}
	}
	if status, out := s.post(t, "/conversion", map[string]any{"endpoint_name": endpointName, "user_id": users[0], "reward": 2.0}); status != http.StatusOK {
		t.Fatalf("conversion status %d: %v", status, out)
	}

	inv, conv, reward := s.statsTotals(t)
	if inv != 3 || conv != 1 || reward != 2 {
		t.Fatalf("totals inv=%d conv=%d reward=%v, want 3/1/2", inv, conv, reward)
	}

	// The HTTP view must agree with the raw hash the appliers write to.
	var raw int64
	for _, variant := range []string{"champion", "challenger"} {
		got, err := rc.HGet(ctx, recordKey, "v:"+variant+":invocation_count").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			t.Fatalf("hget %s: %v", variant, err)
		}
		n, err := strconv.ParseInt(got, 10, 64)
		if err != nil {
			t.Fatalf("parse counter for %s: %v", variant, err)
		}
		raw += n
	}
	if raw != 3 {
		t.Fatalf("raw invocation counters sum to %d, want 3", raw)
	}
}
