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

// Package core test doubles: in-memory stores with fault injection, a
// scripted backend, and recording sinks. Shared by the unit and
// integration tests in this package.
package core

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"abtest"
)

// testLogger keeps test output clean; failures carry their own context.
func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// memMetrics is a MetricsStore double. failNext* inject one transient
// failure per decrement, letting tests exercise the retry-once policy.
type memMetrics struct {
	mu           sync.Mutex
	records      map[string]*EndpointRecord
	failReads    int
	failApplies  int
	failRegister int
	reads        int
	applies      int
}

func newMemMetrics() *memMetrics {
	return &memMetrics{records: make(map[string]*EndpointRecord)}
}

func (m *memMetrics) Register(_ context.Context, in RegisterInput) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRegister > 0 {
		m.failRegister--
		return false, MarkTransient(errors.New("injected register failure"))
	}
	_, existed := m.records[in.EndpointName]
	rec := &EndpointRecord{
		EndpointName: in.EndpointName,
		Strategy:     in.Strategy,
		Epsilon:      in.Epsilon,
		Warmup:       in.Warmup,
		Variants:     make(map[string]abtest.VariantStats, len(in.Variants)),
		CreatedAt:    in.Timestamp,
		UpdatedAt:    in.Timestamp,
	}
	for _, v := range in.Variants {
		rec.VariantNames = append(rec.VariantNames, v.VariantName)
		rec.Variants[v.VariantName] = abtest.VariantStats{
			VariantName:          v.VariantName,
			InitialVariantWeight: abtest.CanonicalWeight(v.InitialVariantWeight),
		}
	}
	m.records[in.EndpointName] = rec
	return existed, nil
}

func (m *memMetrics) SoftDelete(_ context.Context, endpointName string, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[endpointName]
	if !ok || rec.DeletedAt != nil {
		return nil
	}
	rec.DeletedAt = &ts
	return nil
}

func (m *memMetrics) Read(_ context.Context, endpointName string) (*EndpointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.failReads > 0 {
		m.failReads--
		return nil, MarkTransient(errors.New("injected read failure"))
	}
	rec, ok := m.records[endpointName]
	if !ok {
		return nil, errors.Wrapf(ErrEndpointUnknown, "endpoint %q", endpointName)
	}
	return copyRecord(rec), nil
}

func (m *memMetrics) ApplyGroups(_ context.Context, groups []FoldGroup, ts int64) ([]GroupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applies++
	if m.failApplies > 0 {
		m.failApplies--
		return nil, MarkTransient(errors.New("injected apply failure"))
	}
	results := make([]GroupResult, 0, len(groups))
	for _, g := range groups {
		rec, ok := m.records[g.EndpointName]
		if !ok {
			rec = &EndpointRecord{
				EndpointName: g.EndpointName,
				Variants:     make(map[string]abtest.VariantStats),
				CreatedAt:    ts,
			}
			m.records[g.EndpointName] = rec
		}
		vs := rec.Variants[g.VariantName]
		vs.VariantName = g.VariantName
		vs.InvocationCount += g.Invocations
		vs.ConversionCount += g.Conversions
		vs.RewardSum += g.Reward
		rec.Variants[g.VariantName] = vs
		rec.UpdatedAt = ts
		results = append(results, GroupResult{
			EndpointName:    g.EndpointName,
			VariantName:     g.VariantName,
			InvocationCount: vs.InvocationCount,
			ConversionCount: vs.ConversionCount,
			RewardSum:       vs.RewardSum,
		})
	}
	return results, nil
}

// variant returns the live counters for one variant, zero when absent.
func (m *memMetrics) variant(endpointName, variantName string) abtest.VariantStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[endpointName]
	if !ok {
		return abtest.VariantStats{}
	}
	return rec.Variants[variantName]
}

func copyRecord(rec *EndpointRecord) *EndpointRecord {
	out := *rec
	out.VariantNames = append([]string(nil), rec.VariantNames...)
	out.Variants = make(map[string]abtest.VariantStats, len(rec.Variants))
	for k, v := range rec.Variants {
		out.Variants[k] = v
	}
	if rec.DeletedAt != nil {
		ts := *rec.DeletedAt
		out.DeletedAt = &ts
	}
	return &out
}

// memAssignments is an AssignmentStore double keyed user|endpoint.
type memAssignments struct {
	mu       sync.Mutex
	m        map[string]string
	failGets int
	failPuts int
	puts     int
}

func newMemAssignments() *memAssignments {
	return &memAssignments{m: make(map[string]string)}
}

func assignmentKey(userID, endpointName string) string { return userID + "|" + endpointName }

func (a *memAssignments) Get(_ context.Context, userID, endpointName string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failGets > 0 {
		a.failGets--
		return "", false, MarkTransient(errors.New("injected get failure"))
	}
	v, ok := a.m[assignmentKey(userID, endpointName)]
	return v, ok, nil
}

func (a *memAssignments) Put(_ context.Context, userID, endpointName, variant string, _ time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failPuts > 0 {
		a.failPuts--
		return MarkTransient(errors.New("injected put failure"))
	}
	a.puts++
	a.m[assignmentKey(userID, endpointName)] = variant
	return nil
}

func (a *memAssignments) set(userID, endpointName, variant string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[assignmentKey(userID, endpointName)] = variant
}

// captureSink records emitted events. failEmits injects transient
// failures for retry tests.
type captureSink struct {
	mu        sync.Mutex
	events    []abtest.Event
	failEmits int
}

func (s *captureSink) Emit(_ context.Context, events []abtest.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEmits > 0 {
		s.failEmits--
		return MarkTransient(errors.New("injected emit failure"))
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *captureSink) all() []abtest.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]abtest.Event(nil), s.events...)
}

// fakeBackend scripts Invoke and DescribeEndpoint. When servedVariant is
// empty, Invoke reports the requested target back, or routeVariant when
// the target was empty (the fallback path).
type fakeBackend struct {
	mu            sync.Mutex
	calls         []InvokeInput
	servedVariant string
	routeVariant  string
	predictions   json.RawMessage
	invokeErr     error
	roster        []VariantConfig
	describeErr   error
}

func (b *fakeBackend) Invoke(_ context.Context, in InvokeInput) (InvokeOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, in)
	if b.invokeErr != nil {
		return InvokeOutput{}, b.invokeErr
	}
	v := b.servedVariant
	if v == "" {
		v = in.TargetVariant
	}
	if v == "" {
		v = b.routeVariant
	}
	return InvokeOutput{InvokedVariant: v, Predictions: b.predictions}, nil
}

func (b *fakeBackend) DescribeEndpoint(_ context.Context, _ string) ([]VariantConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.describeErr != nil {
		return nil, b.describeErr
	}
	return append([]VariantConfig(nil), b.roster...), nil
}

func (b *fakeBackend) lastCall() (InvokeInput, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		return InvokeInput{}, false
	}
	return b.calls[len(b.calls)-1], true
}

// seriesPoint is one recorded TimeSeries emission.
type seriesPoint struct {
	endpoint    string
	variant     string
	invocations int64
	conversions int64
	reward      float64
}

// recordSeries is a TimeSeries double.
type recordSeries struct {
	mu     sync.Mutex
	points []seriesPoint
}

func (r *recordSeries) EmitGroup(endpointName, variantName string, invocations, conversions int64, reward float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, seriesPoint{
		endpoint:    endpointName,
		variant:     variantName,
		invocations: invocations,
		conversions: conversions,
		reward:      reward,
	})
}

func (r *recordSeries) all() []seriesPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]seriesPoint(nil), r.points...)
}

// memStream is a StreamReader double that holds entries until acked.
type memStream struct {
	mu      sync.Mutex
	entries []StreamEntry
	readErr error
}

func (s *memStream) push(payload []byte, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, StreamEntry{ID: id, Payload: append([]byte(nil), payload...)})
}

func (s *memStream) Read(_ context.Context, max int64) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	n := int64(len(s.entries))
	if n > max {
		n = max
	}
	out := make([]StreamEntry, n)
	copy(out, s.entries[:n])
	return out, nil
}

func (s *memStream) Ack(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := make(map[string]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	kept := s.entries[:0]
	for _, en := range s.entries {
		if !acked[en.ID] {
			kept = append(kept, en)
		}
	}
	s.entries = kept
	return nil
}

func (s *memStream) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
