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

// Package main provides the lifecycle intake of the A/B testing service.
// It subscribes to a Redis pub/sub channel carrying endpoint state change
// notifications and feeds each document to the registrar, which registers
// rosters on IN_SERVICE and soft-deletes on DELETING.
//
// The one-shot --notify mode handles a single notification read from a
// file and exits with its status, which is how operators replay a missed
// notification by hand.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"abtest/internal/experiment/backend"
	"abtest/internal/experiment/core"
	"abtest/internal/experiment/persistence"
)

var log = logrus.WithField("prefix", "abtest-lifecycle")

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
		Usage:   "Redis address for the redis adapter and the notification channel",
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
		Name:    "channel",
		Usage:   "Redis pub/sub channel the notifications arrive on",
		Value:   "abtest-lifecycle",
		EnvVars: []string{"LIFECYCLE_CHANNEL"},
	},
	&cli.StringFlag{
		Name:    "endpoint-prefix",
		Usage:   "Only manage endpoints whose name starts with this prefix (empty manages all)",
		Value:   "ml-ep-",
		EnvVars: []string{"ENDPOINT_PREFIX"},
	},
	&cli.StringFlag{
		Name:    "stage-name",
		Usage:   "Only manage endpoints tagged with this deployment stage",
		Value:   "prod",
		EnvVars: []string{"STAGE_NAME"},
	},
	&cli.DurationFlag{
		Name:    "call-timeout",
		Usage:   "Per-attempt timeout for store and backend calls",
		Value:   5 * time.Second,
		EnvVars: []string{"CALL_TIMEOUT"},
	},
	&cli.StringFlag{
		Name:    "routes",
		Usage:   "YAML routing table the roster lookup goes through",
		EnvVars: []string{"ROUTES_FILE"},
	},
	&cli.BoolFlag{
		Name:    "stub-backend",
		Usage:   "Describe rosters from a stub instead of model servers (local runs)",
		EnvVars: []string{"STUB_BACKEND"},
	},
	&cli.StringFlag{
		Name:  "notify",
		Usage: "Handle this one notification JSON file and exit (manual replay)",
	},
}

func main() {
	app := cli.App{}
	app.Name = "abtest-lifecycle"
	app.Usage = "keeps endpoint metrics records in step with endpoint lifecycle notifications"
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
		log.WithError(err).Fatal("abtest-lifecycle failed")
	}
}

func run(ctx *cli.Context) error {
	stores, err := persistence.Build(persistence.Config{
		Adapter:      ctx.String("store-adapter"),
		RedisAddr:    ctx.String("redis-addr"),
		BoltPath:     ctx.String("bolt-path"),
		MetricsTable: ctx.String("metrics-table"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stores.Close(); cerr != nil {
			log.WithError(cerr).Warn("closing stores")
		}
	}()

	bk, err := buildBackend(ctx)
	if err != nil {
		return err
	}

	registrar := core.NewRegistrar(stores.Metrics, bk, log, core.RegistrarConfig{
		EndpointPrefix: ctx.String("endpoint-prefix"),
		StageName:      ctx.String("stage-name"),
		CallTimeout:    ctx.Duration("call-timeout"),
	})

	// One-shot replay mode.
	if path := ctx.String("notify"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		resp := registrar.HandleNotification(ctx.Context, raw)
		log.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   resp.Body,
		}).Info("notification handled")
		if resp.StatusCode >= 400 {
			return errors.New(resp.Body)
		}
		return nil
	}

	client := persistence.DialRedis(ctx.String("redis-addr"))
	defer func() {
		if cerr := client.Close(); cerr != nil {
			log.WithError(cerr).Warn("closing redis client")
		}
	}()

	sub := client.Subscribe(ctx.Context, ctx.String("channel"))
	// Force the subscription before reporting readiness.
	if _, err := sub.Receive(ctx.Context); err != nil {
		return err
	}
	log.WithField("channel", ctx.String("channel")).Info("subscribed to lifecycle notifications")

	go func() {
		for msg := range sub.Channel() {
			resp := registrar.HandleNotification(context.Background(), []byte(msg.Payload))
			entry := log.WithFields(logrus.Fields{
				"status": resp.StatusCode,
				"body":   resp.Body,
			})
			if resp.StatusCode >= 400 {
				entry.Warn("notification rejected")
			} else {
				entry.Info("notification handled")
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")
	if err := sub.Close(); err != nil {
		log.WithError(err).Warn("closing subscription")
	}
	log.Info("stopped")
	return nil
}

// buildBackend picks where DescribeEndpoint rosters come from: the HTTP
// routing table in production, a stub seeded from the same table locally.
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
