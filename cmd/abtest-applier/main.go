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

// Package main provides the batch applier of the asynchronous delivery
// path. It watches the artifact directory and folds every sealed batch
// into the metrics store; with a redis store it additionally runs the
// shipper that drains the durable event stream into local artifacts.
//
// The one-shot --apply mode folds a single artifact and exits, which is
// how operators replay a parked batch by hand.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"abtest/internal/experiment/core"
	"abtest/internal/experiment/persistence"
	"abtest/internal/experiment/telemetry"
	"abtest/internal/sinks"
)

var log = logrus.WithField("prefix", "abtest-applier")

var appFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "Logging verbosity (trace, debug, info, warn, error)",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	},
	&cli.StringFlag{
		Name:    "store-adapter",
		Usage:   "Store adapter: memory, redis or bolt",
		Value:   persistence.AdapterRedis,
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
		Name:    "metrics-table",
		Usage:   "Key prefix of the endpoint metrics table",
		Value:   persistence.DefaultMetricsTable,
		EnvVars: []string{"METRICS_TABLE"},
	},
	&cli.StringFlag{
		Name:    "stream-name",
		Usage:   "Name of the durable event stream to drain",
		Value:   persistence.DefaultStreamName,
		EnvVars: []string{"DELIVERY_STREAM_NAME"},
	},
	&cli.StringFlag{
		Name:    "artifact-dir",
		Usage:   "Directory artifacts land in and are folded from",
		Value:   "./data/artifacts",
		EnvVars: []string{"ARTIFACT_DIR"},
	},
	&cli.DurationFlag{
		Name:    "ship-interval",
		Usage:   "How often the shipper drains the stream",
		Value:   5 * time.Second,
		EnvVars: []string{"SHIP_INTERVAL"},
	},
	&cli.Int64Flag{
		Name:    "ship-batch",
		Usage:   "Maximum stream entries per drain",
		Value:   500,
		EnvVars: []string{"SHIP_BATCH"},
	},
	&cli.DurationFlag{
		Name:    "resweep",
		Usage:   "How often pending artifacts are retried",
		Value:   30 * time.Second,
		EnvVars: []string{"RESWEEP_INTERVAL"},
	},
	&cli.StringFlag{
		Name:  "apply",
		Usage: "Fold this one artifact and exit (manual replay)",
	},
	&cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "If non-empty, expose Prometheus /metrics on this address",
		EnvVars: []string{"METRICS_ADDR"},
	},
}

func main() {
	app := cli.App{}
	app.Name = "abtest-applier"
	app.Usage = "ships event batches off the durable stream and folds artifacts into the metrics store"
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
		log.WithError(err).Fatal("abtest-applier failed")
	}
}

func run(ctx *cli.Context) error {
	stores, err := persistence.Build(persistence.Config{
		Adapter:      ctx.String("store-adapter"),
		RedisAddr:    ctx.String("redis-addr"),
		BoltPath:     ctx.String("bolt-path"),
		MetricsTable: ctx.String("metrics-table"),
		StreamName:   ctx.String("stream-name"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stores.Close(); cerr != nil {
			log.WithError(cerr).Warn("closing stores")
		}
	}()

	folder := core.NewFolder(stores.Metrics, telemetry.Series{}, log)
	applier := core.NewApplier(folder, log)

	// One-shot replay mode.
	if path := ctx.String("apply"); path != "" {
		report, err := applier.ApplyArtifact(ctx.Context, path)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if addr := ctx.String("metrics-addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.WithField("addr", addr).Info("metrics listener started")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Warn("metrics listener failed")
			}
		}()
	}

	watcher, err := core.NewArtifactWatcher(ctx.String("artifact-dir"), applier, ctx.Duration("resweep"), log)
	if err != nil {
		return err
	}
	watcher.Start()

	// With a durable stream, drain it into the same directory the watcher
	// folds from.
	var (
		spool   *sinks.EventSpool
		shipper *core.Shipper
	)
	if stores.StreamReader != nil {
		spool, err = sinks.NewEventSpool(ctx.String("artifact-dir"), sinks.SpoolOptions{Log: log})
		if err != nil {
			watcher.Stop()
			return err
		}
		spool.Start(time.Second)
		shipper = core.NewShipper(stores.StreamReader, spool, ctx.Duration("ship-interval"), ctx.Int64("ship-batch"), log)
		shipper.Start()
	} else {
		log.Info("store adapter has no durable stream, folding artifacts only")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	// Stop order matters: final stream drain first, then seal the spool,
	// then fold whatever that produced before releasing the watch.
	if shipper != nil {
		shipper.Stop()
	}
	if spool != nil {
		if err := spool.Close(); err != nil {
			log.WithError(err).Warn("sealing spool")
		}
	}
	watcher.Sweep()
	watcher.Stop()
	log.Info("stopped")
	return nil
}
