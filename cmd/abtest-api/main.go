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

// Package main provides the entry point for the A/B testing API service.
//
// The service fronts a fleet of ML inference endpoints: /invocation picks
// a variant per user with the endpoint's configured bandit strategy and
// forwards the payload, /conversion attributes rewards, /stats reports
// live counters. Delivery of decision events to the counters is either
// synchronous (folded before the response) or asynchronous through the
// durable stream or the local artifact spool, selected by configuration.
//
// This file is responsible for orchestrating the whole service:
//  1. Building the store adapter (memory, redis or bolt).
//  2. Wiring the event sink for the selected delivery mode.
//  3. Building the inference backend (HTTP routing table or stub).
//  4. Starting the HTTP server and managing graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"abtest"
	"abtest/internal/experiment/api"
	"abtest/internal/experiment/backend"
	"abtest/internal/experiment/core"
	"abtest/internal/experiment/persistence"
	"abtest/internal/experiment/telemetry"
	"abtest/internal/sinks"
)

var log = logrus.WithField("prefix", "abtest-api")

var appFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "http-addr",
		Usage:   "HTTP listen address",
		Value:   ":8080",
		EnvVars: []string{"HTTP_ADDR"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "Logging verbosity (trace, debug, info, warn, error)",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	},
	&cli.StringFlag{
		Name:    "store-adapter",
		Usage:   "Store adapter: memory, redis or bolt",
		Value:   persistence.AdapterMemory,
		EnvVars: []string{"STORE_ADAPTER"},
	},
	&cli.StringFlag{
		Name:    "redis-addr",
		Usage:   "Redis address for the redis adapter",
		Value:   "127.0.0.1:6379",
		EnvVars: []string{"REDIS_ADDR"},
	},
	&cli.StringFlag{
		Name:    "bolt-path",
		Usage:   "Database file for the bolt adapter",
		EnvVars: []string{"BOLT_PATH"},
	},
	&cli.StringFlag{
		Name:    "assignment-table",
		Usage:   "Key prefix of the sticky assignment table",
		Value:   persistence.DefaultAssignmentTable,
		EnvVars: []string{"ASSIGNMENT_TABLE"},
	},
	&cli.StringFlag{
		Name:    "metrics-table",
		Usage:   "Key prefix of the endpoint metrics table",
		Value:   persistence.DefaultMetricsTable,
		EnvVars: []string{"METRICS_TABLE"},
	},
	&cli.StringFlag{
		Name:    "stream-name",
		Usage:   "Name of the durable event stream",
		Value:   persistence.DefaultStreamName,
		EnvVars: []string{"DELIVERY_STREAM_NAME"},
	},
	&cli.BoolFlag{
		Name:    "delivery-sync",
		Usage:   "Fold events into counters before responding instead of delivering asynchronously",
		EnvVars: []string{"DELIVERY_SYNC"},
	},
	&cli.StringFlag{
		Name:    "artifact-dir",
		Usage:   "Spool directory for asynchronous delivery without a durable stream",
		Value:   "./data/artifacts",
		EnvVars: []string{"ARTIFACT_DIR"},
	},
	&cli.DurationFlag{
		Name:    "assignment-ttl",
		Usage:   "Sticky assignment lifetime",
		Value:   abtest.DefaultAssignmentTTL,
		EnvVars: []string{"ASSIGNMENT_TTL"},
	},
	&cli.DurationFlag{
		Name:    "call-timeout",
		Usage:   "Per-attempt timeout for store and backend calls",
		Value:   5 * time.Second,
		EnvVars: []string{"CALL_TIMEOUT"},
	},
	&cli.StringFlag{
		Name:    "routes",
		Usage:   "YAML routing table mapping endpoint variants to model server URLs",
		EnvVars: []string{"ROUTES_FILE"},
	},
	&cli.BoolFlag{
		Name:    "stub-backend",
		Usage:   "Serve canned predictions instead of calling model servers (local runs)",
		EnvVars: []string{"STUB_BACKEND"},
	},
	&cli.BoolFlag{
		Name:    "register",
		Usage:   "Register every endpoint from the routes file at startup (local bootstrap; production registration arrives via abtest-lifecycle)",
		EnvVars: []string{"REGISTER_ON_START"},
	},
	&cli.StringFlag{
		Name:    "strategy",
		Usage:   "Strategy for --register bootstrap",
		Value:   string(abtest.DefaultStrategy),
		EnvVars: []string{"STRATEGY"},
	},
	&cli.Float64Flag{
		Name:    "epsilon",
		Usage:   "Epsilon for --register bootstrap",
		Value:   abtest.DefaultEpsilon,
		EnvVars: []string{"EPSILON"},
	},
	&cli.Int64Flag{
		Name:    "warmup",
		Usage:   "Warmup invocations per variant for --register bootstrap",
		Value:   abtest.DefaultWarmup,
		EnvVars: []string{"WARMUP"},
	},
}

func main() {
	app := cli.App{}
	app.Name = "abtest-api"
	app.Usage = "serves variant decisions, conversion attribution and live stats for ML inference endpoints"
	app.Flags = appFlags
	app.Before = func(ctx *cli.Context) error {
		level, err := logrus.ParseLevel(ctx.String("log-level"))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("abtest-api failed")
	}
}

func run(ctx *cli.Context) error {
	// 1. Store adapter.
	stores, err := persistence.Build(persistence.Config{
		Adapter:         ctx.String("store-adapter"),
		RedisAddr:       ctx.String("redis-addr"),
		BoltPath:        ctx.String("bolt-path"),
		AssignmentTable: ctx.String("assignment-table"),
		MetricsTable:    ctx.String("metrics-table"),
		StreamName:      ctx.String("stream-name"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stores.Close(); cerr != nil {
			log.WithError(cerr).Warn("closing stores")
		}
	}()

	// 2. Inference backend.
	bk, err := buildBackend(ctx)
	if err != nil {
		return err
	}

	// 3. Event sink for the configured delivery mode. Counter folds feed
	// the Prometheus series either inline (sync) or when artifacts apply.
	folder := core.NewFolder(stores.Metrics, telemetry.Series{}, log)
	var (
		sink    core.EventSink
		spool   *sinks.EventSpool
		watcher *core.ArtifactWatcher
	)
	switch {
	case ctx.Bool("delivery-sync"):
		sink = core.NewDirectSink(folder)
		log.Info("synchronous delivery: events fold before the response")
	case ctx.String("store-adapter") == persistence.AdapterRedis:
		// The durable stream decouples this process from the fold; the
		// abtest-applier binary ships and applies batches.
		sink = core.NewStreamSink(stores.Stream, log)
		log.WithField("stream", ctx.String("stream-name")).Info("asynchronous delivery via durable stream")
	default:
		// No shared stream to hand off to, so spool artifacts locally and
		// fold them in-process.
		spool, err = sinks.NewEventSpool(ctx.String("artifact-dir"), sinks.SpoolOptions{Log: log})
		if err != nil {
			return err
		}
		spool.Start(time.Second)
		sink = core.NewSpoolSink(spool, log)
		watcher, err = core.NewArtifactWatcher(ctx.String("artifact-dir"), core.NewApplier(folder, log), 0, log)
		if err != nil {
			return err
		}
		watcher.Start()
		log.WithField("dir", ctx.String("artifact-dir")).Info("asynchronous delivery via local artifact spool")
	}

	// 4. Decision engine and HTTP server.
	engine := core.NewEngine(stores.Assignments, stores.Metrics, sink, bk, log, core.EngineConfig{
		AssignmentTTL: ctx.Duration("assignment-ttl"),
		CallTimeout:   ctx.Duration("call-timeout"),
	})

	if ctx.Bool("register") {
		if err := bootstrapRegister(ctx, stores.Metrics, bk); err != nil {
			return err
		}
	}

	httpServer := api.NewServer(engine, log).HTTPServer(ctx.String("http-addr"))
	go func() {
		log.WithField("addr", ctx.String("http-addr")).Info("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// 5. Graceful shutdown: stop accepting traffic, then seal and fold
	// whatever the spool still holds so no accepted event is stranded.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	if spool != nil {
		if err := spool.Close(); err != nil {
			log.WithError(err).Warn("sealing spool")
		}
	}
	if watcher != nil {
		watcher.Sweep()
		watcher.Stop()
	}
	log.Info("stopped")
	return nil
}

// buildBackend picks the inference backend: a stub for local runs, the
// HTTP routing table otherwise.
func buildBackend(ctx *cli.Context) (core.Backend, error) {
	routesPath := ctx.String("routes")
	if ctx.Bool("stub-backend") {
		stub := backend.NewStub()
		if routesPath != "" {
			routes, err := backend.LoadRoutes(routesPath)
			if err != nil {
				return nil, err
			}
			for _, ep := range routes.Endpoints {
				roster := make([]core.VariantConfig, 0, len(ep.Variants))
				for _, v := range ep.Variants {
					roster = append(roster, core.VariantConfig{VariantName: v.Name, InitialVariantWeight: v.Weight})
				}
				stub.AddEndpoint(ep.Name, roster...)
			}
		}
		return stub, nil
	}
	if routesPath == "" {
		return nil, errors.New("either --routes or --stub-backend is required")
	}
	routes, err := backend.LoadRoutes(routesPath)
	if err != nil {
		return nil, err
	}
	return backend.NewHTTPBackend(routes, log, backend.HTTPOptions{Timeout: ctx.Duration("call-timeout")}), nil
}

// bootstrapRegister writes a record for every routed endpoint, the same
// write the registrar performs on an IN_SERVICE notification.
func bootstrapRegister(ctx *cli.Context, metrics core.MetricsStore, bk core.Backend) error {
	strategy, err := abtest.ParseStrategy(ctx.String("strategy"))
	if err != nil {
		return err
	}
	routesPath := ctx.String("routes")
	if routesPath == "" {
		return errors.New("--register requires --routes")
	}
	routes, err := backend.LoadRoutes(routesPath)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, ep := range routes.Endpoints {
		roster, err := bk.DescribeEndpoint(ctx.Context, ep.Name)
		if err != nil {
			return err
		}
		existed, err := metrics.Register(ctx.Context, core.RegisterInput{
			EndpointName: ep.Name,
			Variants:     roster,
			Strategy:     strategy,
			Epsilon:      ctx.Float64("epsilon"),
			Warmup:       ctx.Int64("warmup"),
			Timestamp:    now,
		})
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"endpoint": ep.Name,
			"variants": len(roster),
			"existed":  existed,
		}).Info("endpoint registered")
	}
	return nil
}
