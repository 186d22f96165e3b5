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

// Package core unit tests for the decision engine: selection order,
// status codes, event emission and the retry/fallback policy.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"abtest"
)

const testNowMillis = int64(1700000000000)

type engineFixture struct {
	metrics *memMetrics
	assigns *memAssignments
	sink    *captureSink
	backend *fakeBackend
	engine  *Engine
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		metrics: newMemMetrics(),
		assigns: newMemAssignments(),
		sink:    &captureSink{},
		backend: &fakeBackend{predictions: json.RawMessage(`{"score":0.9}`)},
	}
	f.engine = NewEngine(f.assigns, f.metrics, f.sink, f.backend, testLogger(), EngineConfig{
		NewSelector: func() *abtest.Selector { return abtest.NewSeededSelector(11, 13) },
		Now:         func() time.Time { return time.UnixMilli(testNowMillis) },
	})
	return f
}

func mustRegister(t *testing.T, m *memMetrics, name string, strategy abtest.Strategy, epsilon float64, warmup int64, variants ...string) {
	t.Helper()
	cfgs := make([]VariantConfig, 0, len(variants))
	for _, v := range variants {
		cfgs = append(cfgs, VariantConfig{VariantName: v, InitialVariantWeight: 1})
	}
	_, err := m.Register(context.Background(), RegisterInput{
		EndpointName: name,
		Variants:     cfgs,
		Strategy:     strategy,
		Epsilon:      epsilon,
		Warmup:       warmup,
		Timestamp:    testNowMillis,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func seedCounters(t *testing.T, m *memMetrics, name, variant string, inv, conv int64, reward float64) {
	t.Helper()
	_, err := m.ApplyGroups(context.Background(), []FoldGroup{{
		EndpointName: name,
		VariantName:  variant,
		Invocations:  inv,
		Conversions:  conv,
		Reward:       reward,
	}}, testNowMillis)
	if err != nil {
		t.Fatalf("seed counters for %s/%s: %v", name, variant, err)
	}
}

// warmedEpsilonGreedy registers "ep" with two warmed variants where v2
// has the strictly better mean, so epsilon 0 picks v2 deterministically.
func warmedEpsilonGreedy(t *testing.T, m *memMetrics) {
	t.Helper()
	mustRegister(t, m, "ep", abtest.StrategyEpsilonGreedy, 0, 0, "v1", "v2")
	seedCounters(t, m, "ep", "v1", 5, 1, 1)
	seedCounters(t, m, "ep", "v2", 5, 4, 4)
}

// TestInvoke_FreshAssignsSticky verifies the fresh decision path: the
// configured strategy runs, the pick is persisted as the sticky
// assignment, the backend receives the target, and the invocation event
// records the served variant. Status is 201.
func TestInvoke_FreshAssignsSticky(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)

	dec, err := f.engine.Invoke(context.Background(), InvocationRequest{
		EndpointName: "ep",
		UserID:       "u1",
		InferenceID:  "inf-1",
		Data:         json.RawMessage(`[1,2,3]`),
	})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if dec.StatusCode != 201 {
		t.Fatalf("expected 201 for fresh assignment, got %d", dec.StatusCode)
	}
	if dec.Strategy != "EpsilonGreedy" {
		t.Fatalf("expected configured strategy label, got %q", dec.Strategy)
	}
	if dec.TargetVariant != "v2" || dec.EndpointVariant != "v2" {
		t.Fatalf("expected greedy pick v2, got target=%q served=%q", dec.TargetVariant, dec.EndpointVariant)
	}
	if dec.UserID != "u1" || dec.InferenceID != "inf-1" {
		t.Fatalf("caller identifiers must be preserved, got %+v", dec)
	}
	if string(dec.Predictions) != `{"score":0.9}` {
		t.Fatalf("predictions not passed through: %s", dec.Predictions)
	}

	if v, ok, _ := f.assigns.Get(context.Background(), "u1", "ep"); !ok || v != "v2" {
		t.Fatalf("sticky assignment not persisted, got %q ok=%v", v, ok)
	}
	call, ok := f.backend.lastCall()
	if !ok || call.TargetVariant != "v2" || call.EndpointName != "ep" {
		t.Fatalf("backend not dispatched with target, got %+v", call)
	}
	if call.ContentType != "application/json" {
		t.Fatalf("default content type not applied, got %q", call.ContentType)
	}

	events := f.sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != abtest.EventInvocation || ev.EndpointVariant != "v2" || ev.UserID != "u1" || ev.InferenceID != "inf-1" {
		t.Fatalf("unexpected invocation event: %+v", ev)
	}
	if ev.Timestamp != testNowMillis {
		t.Fatalf("event timestamp %d, want %d", ev.Timestamp, testNowMillis)
	}
}

// TestInvoke_ReusesSticky verifies that a live assignment short-circuits
// selection: status 200, no new sticky write, configured strategy label.
func TestInvoke_ReusesSticky(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	f.assigns.set("u1", "ep", "v1")

	dec, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if dec.StatusCode != 200 {
		t.Fatalf("expected 200 for reused sticky, got %d", dec.StatusCode)
	}
	if dec.TargetVariant != "v1" {
		t.Fatalf("expected sticky variant v1, got %q", dec.TargetVariant)
	}
	if dec.Strategy != "EpsilonGreedy" {
		t.Fatalf("sticky reuse reports the configured strategy, got %q", dec.Strategy)
	}
	if f.assigns.puts != 0 {
		t.Fatalf("sticky reuse must not rewrite the assignment, got %d puts", f.assigns.puts)
	}
}

// TestInvoke_StaleStickyReplaced verifies that an assignment pointing at
// a variant no longer in the roster is ignored and overwritten by a fresh
// pick.
func TestInvoke_StaleStickyReplaced(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	f.assigns.set("u1", "ep", "retired-variant")

	dec, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if dec.StatusCode != 201 {
		t.Fatalf("expected 201 after replacing stale sticky, got %d", dec.StatusCode)
	}
	if v, _, _ := f.assigns.Get(context.Background(), "u1", "ep"); v != dec.TargetVariant || v == "retired-variant" {
		t.Fatalf("stale sticky not replaced, assignment now %q, decision %q", v, dec.TargetVariant)
	}
}

// TestInvoke_ManualOverride verifies that a caller-pinned variant skips
// both stores, reports Manual with 202, and is dispatched verbatim.
func TestInvoke_ManualOverride(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)

	dec, err := f.engine.Invoke(context.Background(), InvocationRequest{
		EndpointName:    "ep",
		UserID:          "u1",
		EndpointVariant: "shadow",
	})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if dec.StatusCode != 202 || dec.Strategy != StrategyLabelManual {
		t.Fatalf("expected Manual/202, got %q/%d", dec.Strategy, dec.StatusCode)
	}
	call, _ := f.backend.lastCall()
	if call.TargetVariant != "shadow" {
		t.Fatalf("manual target not dispatched, got %q", call.TargetVariant)
	}
	if f.assigns.puts != 0 {
		t.Fatalf("manual override must not touch sticky assignments")
	}
	events := f.sink.all()
	if len(events) != 1 || events[0].EndpointVariant != "shadow" {
		t.Fatalf("manual invocation must still be counted, got %+v", events)
	}
}

// TestInvoke_FallbackOnUnknownEndpoint verifies that a missing record
// degrades to backend-weighted routing: 202, Fallback label, empty
// target, and the backend-reported variant is the one counted.
func TestInvoke_FallbackOnUnknownEndpoint(t *testing.T) {
	f := newEngineFixture()
	f.backend.routeVariant = "vB"

	dec, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ghost", UserID: "u1"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if dec.StatusCode != 202 || dec.Strategy != StrategyLabelFallback {
		t.Fatalf("expected Fallback/202, got %q/%d", dec.Strategy, dec.StatusCode)
	}
	if dec.TargetVariant != "" {
		t.Fatalf("fallback must not pin a target, got %q", dec.TargetVariant)
	}
	if dec.EndpointVariant != "vB" {
		t.Fatalf("expected backend-reported variant vB, got %q", dec.EndpointVariant)
	}
	events := f.sink.all()
	if len(events) != 1 || events[0].EndpointVariant != "vB" {
		t.Fatalf("fallback invocation counts the served variant, got %+v", events)
	}
	if f.assigns.puts != 0 {
		t.Fatalf("fallback must not write sticky assignments")
	}
}

// TestInvoke_FallbackOnSoftDeleted verifies soft-deleted endpoints route
// like unknown ones while their record remains readable via Stats.
func TestInvoke_FallbackOnSoftDeleted(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	if err := f.metrics.SoftDelete(context.Background(), "ep", testNowMillis); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	f.backend.routeVariant = "v1"

	dec, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if dec.Strategy != StrategyLabelFallback || dec.StatusCode != 202 {
		t.Fatalf("expected Fallback/202 for soft-deleted endpoint, got %q/%d", dec.Strategy, dec.StatusCode)
	}
}

// TestInvoke_WarmupForcesWeightedSampling verifies that any variant at or
// below the warmup threshold forces WeightedSampling and reports that
// label instead of the configured strategy.
func TestInvoke_WarmupForcesWeightedSampling(t *testing.T) {
	f := newEngineFixture()
	mustRegister(t, f.metrics, "ep", abtest.StrategyThompsonSampling, 0.1, 10, "v1", "v2")
	seedCounters(t, f.metrics, "ep", "v1", 11, 0, 0)
	seedCounters(t, f.metrics, "ep", "v2", 10, 0, 0) // 10 <= 10: still warming

	dec, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if dec.Strategy != string(abtest.StrategyWeightedSampling) {
		t.Fatalf("expected forced WeightedSampling, got %q", dec.Strategy)
	}
	if dec.StatusCode != 201 {
		t.Fatalf("expected 201 fresh assignment, got %d", dec.StatusCode)
	}
	if dec.TargetVariant != "v1" && dec.TargetVariant != "v2" {
		t.Fatalf("pick must come from the roster, got %q", dec.TargetVariant)
	}
}

// TestInvoke_ConfiguredStrategyAfterWarmup verifies the inclusive warmup
// boundary: once every variant is strictly past it, the configured
// strategy runs again.
func TestInvoke_ConfiguredStrategyAfterWarmup(t *testing.T) {
	f := newEngineFixture()
	mustRegister(t, f.metrics, "ep", abtest.StrategyEpsilonGreedy, 0, 10, "v1", "v2")
	seedCounters(t, f.metrics, "ep", "v1", 11, 0, 0)
	seedCounters(t, f.metrics, "ep", "v2", 11, 5, 5)

	dec, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if dec.Strategy != "EpsilonGreedy" {
		t.Fatalf("expected configured strategy after warmup, got %q", dec.Strategy)
	}
	if dec.TargetVariant != "v2" {
		t.Fatalf("greedy pick should be v2, got %q", dec.TargetVariant)
	}
}

// TestInvoke_BackendFailure verifies a dispatch failure surfaces as a
// backend failure and nothing is counted.
func TestInvoke_BackendFailure(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	f.backend.invokeErr = errors.New("model container down")

	_, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"})
	if err == nil {
		t.Fatalf("expected invoke to fail")
	}
	if !IsBackendFailure(err) {
		t.Fatalf("expected backend failure classification, got %v", err)
	}
	if len(f.sink.all()) != 0 {
		t.Fatalf("failed dispatches must not emit events")
	}
}

// TestInvoke_TransientReadRetriedOnce verifies the retry policy on the
// record read: one transient failure recovers, two degrade to fallback.
func TestInvoke_TransientReadRetriedOnce(t *testing.T) {
	t.Run("single failure recovers", func(t *testing.T) {
		f := newEngineFixture()
		warmedEpsilonGreedy(t, f.metrics)
		f.metrics.failReads = 1

		dec, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"})
		if err != nil {
			t.Fatalf("invoke failed: %v", err)
		}
		if dec.StatusCode != 201 || dec.Strategy != "EpsilonGreedy" {
			t.Fatalf("retried read should select normally, got %q/%d", dec.Strategy, dec.StatusCode)
		}
		if f.metrics.reads != 2 {
			t.Fatalf("expected exactly 2 read attempts, got %d", f.metrics.reads)
		}
	})

	t.Run("exhausted retries fall back", func(t *testing.T) {
		f := newEngineFixture()
		warmedEpsilonGreedy(t, f.metrics)
		f.metrics.failReads = 2
		f.backend.routeVariant = "v1"

		dec, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"})
		if err != nil {
			t.Fatalf("invoke failed: %v", err)
		}
		if dec.Strategy != StrategyLabelFallback || dec.StatusCode != 202 {
			t.Fatalf("expected fallback after exhausted retries, got %q/%d", dec.Strategy, dec.StatusCode)
		}
		if f.metrics.reads != 2 {
			t.Fatalf("expected exactly 2 read attempts, got %d", f.metrics.reads)
		}
	})
}

// TestInvoke_StickyStoreFailureSurfaces verifies that on the invocation
// path an assignment store outage (after its retry) is a hard error.
func TestInvoke_StickyStoreFailureSurfaces(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	f.assigns.failGets = 2

	_, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"})
	if err == nil {
		t.Fatalf("expected invoke to fail")
	}
	if !IsTransient(err) {
		t.Fatalf("expected transient classification, got %v", err)
	}
	if len(f.backend.calls) != 0 {
		t.Fatalf("backend must not be dispatched when selection fails")
	}
}

// TestInvoke_EmitFailure verifies the synchronous delivery contract: one
// transient sink failure is retried, persistent failure fails the call.
func TestInvoke_EmitFailure(t *testing.T) {
	t.Run("single failure recovers", func(t *testing.T) {
		f := newEngineFixture()
		warmedEpsilonGreedy(t, f.metrics)
		f.sink.failEmits = 1

		if _, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"}); err != nil {
			t.Fatalf("invoke failed: %v", err)
		}
		if len(f.sink.all()) != 1 {
			t.Fatalf("expected event after retried emit")
		}
	})

	t.Run("persistent failure surfaces", func(t *testing.T) {
		f := newEngineFixture()
		warmedEpsilonGreedy(t, f.metrics)
		f.sink.failEmits = 2

		if _, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"}); err == nil {
			t.Fatalf("expected invoke to fail when the event cannot be recorded")
		}
	})
}

// TestInvoke_MintsMissingIdentifiers verifies user and inference IDs are
// generated when absent and flow into both the response and the event.
func TestInvoke_MintsMissingIdentifiers(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)

	dec, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if dec.UserID == "" || dec.InferenceID == "" {
		t.Fatalf("missing identifiers must be minted, got %+v", dec)
	}
	events := f.sink.all()
	if len(events) != 1 || events[0].UserID != dec.UserID || events[0].InferenceID != dec.InferenceID {
		t.Fatalf("minted identifiers must reach the event, got %+v", events)
	}
	if v, ok, _ := f.assigns.Get(context.Background(), dec.UserID, "ep"); !ok || v != dec.TargetVariant {
		t.Fatalf("sticky keyed by minted user missing, got %q ok=%v", v, ok)
	}
}

// TestInvoke_RequiresEndpointName verifies the mandatory field check.
func TestInvoke_RequiresEndpointName(t *testing.T) {
	f := newEngineFixture()
	if _, err := f.engine.Invoke(context.Background(), InvocationRequest{}); !errors.Is(err, ErrMissingEndpointName) {
		t.Fatalf("expected ErrMissingEndpointName, got %v", err)
	}
}

// TestInvoke_CountsBackendObservedVariant verifies that when the backend
// reports serving a different variant than requested, the served one is
// what lands in the event.
func TestInvoke_CountsBackendObservedVariant(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	f.backend.servedVariant = "v1"

	dec, err := f.engine.Invoke(context.Background(), InvocationRequest{EndpointName: "ep", UserID: "u1"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if dec.TargetVariant != "v2" {
		t.Fatalf("expected target v2, got %q", dec.TargetVariant)
	}
	if dec.EndpointVariant != "v1" {
		t.Fatalf("expected served variant v1, got %q", dec.EndpointVariant)
	}
	events := f.sink.all()
	if len(events) != 1 || events[0].EndpointVariant != "v1" {
		t.Fatalf("event must count the served variant, got %+v", events)
	}
}

// TestConvert_DefaultsRewardToOne verifies a body without reward credits
// 1.0 to the sticky variant with status 200.
func TestConvert_DefaultsRewardToOne(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	f.assigns.set("u1", "ep", "v1")

	conv, err := f.engine.Convert(context.Background(), ConversionRequest{EndpointName: "ep", UserID: "u1"})
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if conv.StatusCode != 200 || conv.EndpointVariant != "v1" || conv.Reward != 1.0 {
		t.Fatalf("unexpected conversion: %+v", conv)
	}
	events := f.sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 conversion event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != abtest.EventConversion || ev.RewardValue() != 1.0 || ev.EndpointVariant != "v1" {
		t.Fatalf("unexpected conversion event: %+v", ev)
	}
}

// TestConvert_ExplicitReward verifies the reward value flows through.
func TestConvert_ExplicitReward(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	f.assigns.set("u1", "ep", "v2")
	reward := 2.5

	conv, err := f.engine.Convert(context.Background(), ConversionRequest{EndpointName: "ep", UserID: "u1", Reward: &reward})
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if conv.Reward != 2.5 {
		t.Fatalf("expected reward 2.5, got %v", conv.Reward)
	}
	events := f.sink.all()
	if len(events) != 1 || events[0].RewardValue() != 2.5 {
		t.Fatalf("reward must reach the event, got %+v", events)
	}
}

// TestConvert_RejectsNegativeReward verifies validation happens before
// any selection or emission.
func TestConvert_RejectsNegativeReward(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	reward := -0.5

	_, err := f.engine.Convert(context.Background(), ConversionRequest{EndpointName: "ep", UserID: "u1", Reward: &reward})
	if !errors.Is(err, ErrInvalidReward) {
		t.Fatalf("expected ErrInvalidReward, got %v", err)
	}
	if len(f.sink.all()) != 0 {
		t.Fatalf("rejected conversions must not emit events")
	}
}

// TestConvert_ManualVariant verifies body-pinned attribution: 202,
// Manual label, event to the pinned variant, stores untouched.
func TestConvert_ManualVariant(t *testing.T) {
	f := newEngineFixture()

	conv, err := f.engine.Convert(context.Background(), ConversionRequest{
		EndpointName:    "ep",
		UserID:          "u1",
		EndpointVariant: "v1",
	})
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if conv.StatusCode != 202 || conv.Strategy != StrategyLabelManual {
		t.Fatalf("expected Manual/202, got %q/%d", conv.Strategy, conv.StatusCode)
	}
	if f.metrics.reads != 0 {
		t.Fatalf("manual attribution must not read the record")
	}
	events := f.sink.all()
	if len(events) != 1 || events[0].EndpointVariant != "v1" {
		t.Fatalf("expected event for pinned variant, got %+v", events)
	}
}

// TestConvert_FreshSelectionWithoutSticky verifies that a conversion with
// no sticky and no pinned variant runs the full selection and persists
// the new assignment (201).
func TestConvert_FreshSelectionWithoutSticky(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)

	conv, err := f.engine.Convert(context.Background(), ConversionRequest{EndpointName: "ep", UserID: "u1"})
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if conv.StatusCode != 201 || conv.EndpointVariant != "v2" {
		t.Fatalf("expected fresh greedy pick v2 with 201, got %+v", conv)
	}
	if v, ok, _ := f.assigns.Get(context.Background(), "u1", "ep"); !ok || v != "v2" {
		t.Fatalf("fresh conversion pick must persist sticky, got %q ok=%v", v, ok)
	}
}

// TestConvert_SwallowsDeliveryFailure verifies the asymmetric error
// policy: a conversion whose event cannot be recorded still succeeds.
func TestConvert_SwallowsDeliveryFailure(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	f.assigns.set("u1", "ep", "v1")
	f.sink.failEmits = 2

	conv, err := f.engine.Convert(context.Background(), ConversionRequest{EndpointName: "ep", UserID: "u1"})
	if err != nil {
		t.Fatalf("convert must not fail on delivery, got %v", err)
	}
	if conv.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", conv.StatusCode)
	}
}

// TestConvert_LenientOnStickyOutage verifies conversions tolerate an
// assignment store outage by selecting fresh instead of failing.
func TestConvert_LenientOnStickyOutage(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	f.assigns.failGets = 2

	conv, err := f.engine.Convert(context.Background(), ConversionRequest{EndpointName: "ep", UserID: "u1"})
	if err != nil {
		t.Fatalf("convert must tolerate sticky outage, got %v", err)
	}
	if conv.EndpointVariant != "v2" {
		t.Fatalf("expected fresh pick v2, got %q", conv.EndpointVariant)
	}
}

// TestConvert_FallbackHasNoVariant verifies a conversion against an
// unknown endpoint reports Fallback with no variant and emits nothing.
func TestConvert_FallbackHasNoVariant(t *testing.T) {
	f := newEngineFixture()

	conv, err := f.engine.Convert(context.Background(), ConversionRequest{EndpointName: "ghost", UserID: "u1"})
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if conv.StatusCode != 202 || conv.Strategy != StrategyLabelFallback || conv.EndpointVariant != "" {
		t.Fatalf("expected empty Fallback conversion, got %+v", conv)
	}
	if len(f.sink.all()) != 0 {
		t.Fatalf("unattributable conversions must not emit events")
	}
}

// TestStats_ReportsCounters verifies the stats projection: roster order,
// counters, configuration and timestamps.
func TestStats_ReportsCounters(t *testing.T) {
	f := newEngineFixture()
	mustRegister(t, f.metrics, "ep", abtest.StrategyUCB1, 0.2, 3, "v1", "v2")
	seedCounters(t, f.metrics, "ep", "v2", 7, 2, 3.5)

	report, err := f.engine.Stats(context.Background(), "ep")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if report.Strategy != "UCB1" || report.Epsilon != 0.2 || report.Warmup != 3 {
		t.Fatalf("configuration mismatch: %+v", report)
	}
	if len(report.VariantMetrics) != 2 {
		t.Fatalf("expected 2 variant metrics, got %d", len(report.VariantMetrics))
	}
	if report.VariantMetrics[0].VariantName != "v1" || report.VariantMetrics[1].VariantName != "v2" {
		t.Fatalf("roster order must be preserved, got %+v", report.VariantMetrics)
	}
	v2 := report.VariantMetrics[1]
	if v2.InvocationCount != 7 || v2.ConversionCount != 2 || v2.RewardSum != 3.5 {
		t.Fatalf("unexpected v2 counters: %+v", v2)
	}
	if report.DeletedAt != nil {
		t.Fatalf("live endpoint must not report deleted_at")
	}
}

// TestStats_UnknownEndpoint verifies the not-found classification used by
// the HTTP layer for 404s.
func TestStats_UnknownEndpoint(t *testing.T) {
	f := newEngineFixture()
	_, err := f.engine.Stats(context.Background(), "ghost")
	if !IsEndpointUnknown(err) {
		t.Fatalf("expected endpoint-unknown error, got %v", err)
	}
}

// TestStats_SoftDeletedStillReadable verifies soft-deleted endpoints keep
// reporting counters with deleted_at set.
func TestStats_SoftDeletedStillReadable(t *testing.T) {
	f := newEngineFixture()
	warmedEpsilonGreedy(t, f.metrics)
	if err := f.metrics.SoftDelete(context.Background(), "ep", testNowMillis+5); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	report, err := f.engine.Stats(context.Background(), "ep")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if report.DeletedAt == nil || *report.DeletedAt != testNowMillis+5 {
		t.Fatalf("expected deleted_at %d, got %v", testNowMillis+5, report.DeletedAt)
	}
	if len(report.VariantMetrics) != 2 {
		t.Fatalf("counters must survive soft delete, got %+v", report.VariantMetrics)
	}
}

// TestEndpointRecord_Underwarmed pins the inclusive warmup comparison.
func TestEndpointRecord_Underwarmed(t *testing.T) {
	rec := &EndpointRecord{
		Warmup:       5,
		VariantNames: []string{"v1", "v2"},
		Variants: map[string]abtest.VariantStats{
			"v1": {VariantName: "v1", InvocationCount: 6},
			"v2": {VariantName: "v2", InvocationCount: 5},
		},
	}
	if !rec.Underwarmed() {
		t.Fatalf("count equal to warmup must still be underwarmed")
	}
	v2 := rec.Variants["v2"]
	v2.InvocationCount = 6
	rec.Variants["v2"] = v2
	if rec.Underwarmed() {
		t.Fatalf("all counts above warmup must end the warmup phase")
	}
}
