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

// Package main provides an in-process simulator for comparing bandit
// strategies against variants with known true conversion rates. It runs
// the full decision engine (memory store, stub backend, synchronous
// delivery) over a scripted population of users, once per strategy, and
// prints how much traffic each strategy steered to the best variant.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"abtest"
	"abtest/internal/experiment/backend"
	"abtest/internal/experiment/core"
	"abtest/internal/experiment/persistence"
)

var log = logrus.WithField("prefix", "abtest-sim")

// scenario is the YAML description of one simulation.
type scenario struct {
	Endpoint    string            `yaml:"endpoint"`
	Users       int               `yaml:"users"`
	Invocations int               `yaml:"invocations"`
	Seed        uint64            `yaml:"seed"`
	Epsilon     float64           `yaml:"epsilon"`
	Warmup      int64             `yaml:"warmup"`
	Strategies  []string          `yaml:"strategies"`
	Variants    []scenarioVariant `yaml:"variants"`
}

// scenarioVariant pairs the production weight a variant would carry with
// the true conversion rate the simulator converts at.
type scenarioVariant struct {
	Name           string  `yaml:"name"`
	Weight         float64 `yaml:"weight"`
	ConversionRate float64 `yaml:"conversion_rate"`
}

func defaultScenario() scenario {
	return scenario{
		Endpoint:    "ml-ep-sim",
		Users:       400,
		Invocations: 20_000,
		Seed:        1,
		Epsilon:     0.1,
		Warmup:      100,
		Strategies: []string{
			string(abtest.StrategyWeightedSampling),
			string(abtest.StrategyEpsilonGreedy),
			string(abtest.StrategyUCB1),
			string(abtest.StrategyThompsonSampling),
		},
		Variants: []scenarioVariant{
			{Name: "champion", Weight: 0.8, ConversionRate: 0.05},
			{Name: "challenger", Weight: 0.2, ConversionRate: 0.08},
		},
	}
}

// outcome is what one strategy run produced.
type outcome struct {
	strategy    abtest.Strategy
	duration    time.Duration
	conversions int64
	reused      int64 // 200 responses
	fresh       int64 // 201 responses
	other       int64 // 202 responses
	bestShare   float64
	report      *core.StatsReport
}

var appFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "scenario",
		Usage: "YAML scenario file; omit for the built-in two-variant scenario",
	},
	&cli.Uint64Flag{
		Name:  "seed",
		Usage: "Override the scenario PRNG seed",
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "Logging verbosity; the default keeps engine logs out of the tables",
		Value:   "warn",
		EnvVars: []string{"LOG_LEVEL"},
	},
}

func main() {
	app := cli.App{}
	app.Name = "abtest-sim"
	app.Usage = "replays a scripted user population against each bandit strategy and reports variant shares"
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
		log.WithError(err).Fatal("abtest-sim failed")
	}
}

func run(ctx *cli.Context) error {
	sc := defaultScenario()
	if path := ctx.String("scenario"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(raw, &sc); err != nil {
			return err
		}
	}
	if ctx.Uint64("seed") != 0 {
		sc.Seed = ctx.Uint64("seed")
	}
	if err := validateScenario(sc); err != nil {
		return err
	}

	bestName, bestRate := bestVariant(sc)
	fmt.Printf("Scenario: endpoint=%s users=%d invocations=%s seed=%d epsilon=%.2f warmup=%d\n",
		sc.Endpoint, sc.Users, humanInt(int64(sc.Invocations)), sc.Seed, sc.Epsilon, sc.Warmup)
	fmt.Printf("True rates: %s (best: %s at %s)\n\n", trueRates(sc), bestName, pct(bestRate))

	outcomes := make([]outcome, 0, len(sc.Strategies))
	for _, name := range sc.Strategies {
		strategy, err := abtest.ParseStrategy(name)
		if err != nil {
			return err
		}
		out, err := runStrategy(ctx.Context, sc, strategy, bestName)
		if err != nil {
			return err
		}
		printOutcome(sc, out)
		outcomes = append(outcomes, out)
	}

	// Sweep table across strategies.
	fmt.Println("Strategy sweep:")
	fmt.Printf("  %-18s %10s %10s %10s %10s %10s\n", "strategy", "best-share", "conv-rate", "reused", "fresh", "other")
	for _, out := range outcomes {
		fmt.Printf("  %-18s %10s %10s %10s %10s %10s\n",
			out.strategy,
			pct(out.bestShare),
			pct(float64(out.conversions)/float64(sc.Invocations)),
			humanInt(out.reused), humanInt(out.fresh), humanInt(out.other))
	}
	return nil
}

// runStrategy runs the whole scenario against a fresh engine configured
// with one strategy. Delivery is synchronous so /stats reflects every
// event the moment the run ends.
func runStrategy(ctx context.Context, sc scenario, strategy abtest.Strategy, bestName string) (outcome, error) {
	store := persistence.NewMemoryStore()
	stub := backend.NewStub()

	roster := make([]core.VariantConfig, 0, len(sc.Variants))
	rates := make(map[string]float64, len(sc.Variants))
	for _, v := range sc.Variants {
		roster = append(roster, core.VariantConfig{VariantName: v.Name, InitialVariantWeight: v.Weight})
		rates[v.Name] = v.ConversionRate
	}
	stub.AddEndpoint(sc.Endpoint, roster...)
	if _, err := store.Register(ctx, core.RegisterInput{
		EndpointName: sc.Endpoint,
		Variants:     roster,
		Strategy:     strategy,
		Epsilon:      sc.Epsilon,
		Warmup:       sc.Warmup,
		Timestamp:    time.Now().UnixMilli(),
	}); err != nil {
		return outcome{}, err
	}

	folder := core.NewFolder(store, core.NopSeries{}, log)
	sel := abtest.NewSeededSelector(sc.Seed, sc.Seed<<1|1)
	engine := core.NewEngine(store, store, core.NewDirectSink(folder), stub, log, core.EngineConfig{
		NewSelector: func() *abtest.Selector { return sel },
	})

	rnd := rand.New(rand.NewPCG(sc.Seed, 0x9e3779b97f4a7c15))
	out := outcome{strategy: strategy}
	var bestServed int64
	start := time.Now()
	for i := 0; i < sc.Invocations; i++ {
		user := fmt.Sprintf("user-%04d", rnd.IntN(sc.Users))
		dec, err := engine.Invoke(ctx, core.InvocationRequest{EndpointName: sc.Endpoint, UserID: user})
		if err != nil {
			return outcome{}, err
		}
		switch dec.StatusCode {
		case 200:
			out.reused++
		case 201:
			out.fresh++
		default:
			out.other++
		}
		if dec.EndpointVariant == bestName {
			bestServed++
		}
		// Convert at the served variant's true rate, pinned so attribution
		// cannot drift from the variant that produced the prediction.
		if rnd.Float64() < rates[dec.EndpointVariant] {
			if _, err := engine.Convert(ctx, core.ConversionRequest{
				EndpointName:    sc.Endpoint,
				UserID:          user,
				EndpointVariant: dec.EndpointVariant,
			}); err != nil {
				return outcome{}, err
			}
			out.conversions++
		}
	}
	out.duration = time.Since(start)
	out.bestShare = float64(bestServed) / float64(sc.Invocations)

	report, err := engine.Stats(ctx, sc.Endpoint)
	if err != nil {
		return outcome{}, err
	}
	out.report = report
	return out, nil
}

func printOutcome(sc scenario, out outcome) {
	fmt.Printf("Strategy: %s  Duration: %s  Ops/sec: %s\n",
		out.strategy, out.duration.Round(time.Millisecond),
		humanRate(float64(sc.Invocations)/out.duration.Seconds()))
	fmt.Printf("  %-14s %8s %10s %8s %10s %8s %8s\n", "variant", "weight", "served", "share", "conv", "rate", "mean")
	for _, vm := range out.report.VariantMetrics {
		share := 0.0
		if sc.Invocations > 0 {
			share = float64(vm.InvocationCount) / float64(sc.Invocations)
		}
		rate := 0.0
		if vm.InvocationCount > 0 {
			rate = float64(vm.ConversionCount) / float64(vm.InvocationCount)
		}
		fmt.Printf("  %-14s %8.2f %10s %8s %10s %8s %8.3f\n",
			vm.VariantName, vm.InitialVariantWeight,
			humanInt(vm.InvocationCount), pct(share),
			humanInt(vm.ConversionCount), pct(rate), vm.Mean())
	}
	// Machine-readable one-line summary for scripts.
	fmt.Printf("Summary: strategy=%s invocations=%d users=%d conversions=%d best_share_pct=%.1f reused=%d fresh=%d other=%d duration_ns=%d\n\n",
		out.strategy, sc.Invocations, sc.Users, out.conversions,
		out.bestShare*100, out.reused, out.fresh, out.other, out.duration.Nanoseconds())
}

func validateScenario(sc scenario) error {
	if sc.Endpoint == "" {
		return fmt.Errorf("scenario: endpoint is required")
	}
	if sc.Users <= 0 || sc.Invocations <= 0 {
		return fmt.Errorf("scenario: users and invocations must be positive")
	}
	if len(sc.Variants) == 0 {
		return fmt.Errorf("scenario: at least one variant is required")
	}
	if len(sc.Strategies) == 0 {
		return fmt.Errorf("scenario: at least one strategy is required")
	}
	for _, v := range sc.Variants {
		if v.Name == "" {
			return fmt.Errorf("scenario: every variant needs a name")
		}
		if v.ConversionRate < 0 || v.ConversionRate > 1 {
			return fmt.Errorf("scenario: variant %s: conversion_rate must be within [0,1]", v.Name)
		}
	}
	return nil
}

func bestVariant(sc scenario) (string, float64) {
	name, rate := sc.Variants[0].Name, sc.Variants[0].ConversionRate
	for _, v := range sc.Variants[1:] {
		if v.ConversionRate > rate {
			name, rate = v.Name, v.ConversionRate
		}
	}
	return name, rate
}

func trueRates(sc scenario) string {
	parts := make([]string, 0, len(sc.Variants))
	for _, v := range sc.Variants {
		parts = append(parts, fmt.Sprintf("%s=%s", v.Name, pct(v.ConversionRate)))
	}
	return strings.Join(parts, " ")
}

// ---- Helpers ----

func pct(x float64) string {
	return fmt.Sprintf("%.1f%%", x*100)
}

func humanInt(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := ""
	if strings.HasPrefix(s, "-") {
		neg = "-"
		s = s[1:]
	}
	var out []byte
	for i, c := range []byte(s) {
		if i != 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return neg + string(out)
}

func humanRate(x float64) string {
	if x >= 1_000_000 {
		return fmt.Sprintf("%.1fM", x/1_000_000)
	}
	if x >= 1_000 {
		return fmt.Sprintf("%.1fk", x/1_000)
	}
	return fmt.Sprintf("%.0f", x)
}
