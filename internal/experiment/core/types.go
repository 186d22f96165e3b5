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

// Package core provides the business logic of the experiment service: the
// decision engine behind /invocation, /conversion and /stats, the event
// fold that turns emitted events into per-variant counters, the batch
// applier for the asynchronous delivery path, and the registrar that
// maintains endpoint records from lifecycle notifications.
//
// This file defines the store, sink and backend contracts the engine
// consumes. Implementations live under internal/experiment/persistence
// and internal/experiment/backend.
package core

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"

	"abtest"
)

// ErrEndpointUnknown is returned by MetricsStore.Read for endpoints that
// were never registered (or whose record carries no strategy roster).
var ErrEndpointUnknown = errors.New("endpoint unknown")

// ErrMissingEndpointName rejects requests without the one mandatory field.
var ErrMissingEndpointName = errors.New("endpoint_name is required")

// ErrInvalidReward rejects negative or non-finite conversion rewards.
var ErrInvalidReward = errors.New("reward must be a non-negative number")

// IsEndpointUnknown reports whether err stems from a missing record.
func IsEndpointUnknown(err error) bool { return stderrors.Is(err, ErrEndpointUnknown) }

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient tags a store or stream error as retryable. Adapters mark
// connectivity and server-side failures; logical misses stay unmarked.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (anywhere in its chain) was marked
// transient by an adapter.
func IsTransient(err error) bool {
	var t *transientError
	return stderrors.As(err, &t)
}

type backendError struct{ err error }

func (e *backendError) Error() string { return e.err.Error() }
func (e *backendError) Unwrap() error { return e.err }

// MarkBackendFailure tags a dispatch failure so the HTTP layer can answer
// with a 5xx instead of blaming the client.
func MarkBackendFailure(err error) error {
	if err == nil {
		return nil
	}
	return &backendError{err: err}
}

// IsBackendFailure reports whether err came from the inference backend.
func IsBackendFailure(err error) bool {
	var b *backendError
	return stderrors.As(err, &b)
}

// EndpointRecord is the per-endpoint registration plus live counters. The
// VariantNames slice preserves registration order and always coincides
// with the keys of Variants.
type EndpointRecord struct {
	EndpointName string                         `json:"endpoint_name"`
	Strategy     abtest.Strategy                `json:"strategy"`
	Epsilon      float64                        `json:"epsilon"`
	Warmup       int64                          `json:"warmup"`
	VariantNames []string                       `json:"variant_names"`
	Variants     map[string]abtest.VariantStats `json:"variants"`
	CreatedAt    int64                          `json:"created_at"`
	UpdatedAt    int64                          `json:"updated_at"`
	DeletedAt    *int64                         `json:"deleted_at,omitempty"`
}

// StatsList projects the variant map into the canonical ordered slice the
// selectors consume.
func (r *EndpointRecord) StatsList() []abtest.VariantStats {
	out := make([]abtest.VariantStats, 0, len(r.VariantNames))
	for _, name := range r.VariantNames {
		out = append(out, r.Variants[name])
	}
	return out
}

// HasVariant reports whether name is part of the current roster.
func (r *EndpointRecord) HasVariant(name string) bool {
	_, ok := r.Variants[name]
	return ok
}

// Deleted reports whether the record has been soft-deleted.
func (r *EndpointRecord) Deleted() bool { return r.DeletedAt != nil }

// Underwarmed reports whether any variant still needs warmup traffic
// (invocation_count <= warmup, inclusive). While true, the engine forces
// WeightedSampling so every variant reaches warmup+1 invocations before an
// exploitation-heavy strategy runs.
func (r *EndpointRecord) Underwarmed() bool {
	for _, name := range r.VariantNames {
		if r.Variants[name].InvocationCount <= r.Warmup {
			return true
		}
	}
	return false
}

// VariantConfig is one roster entry as reported by the inference backend.
type VariantConfig struct {
	VariantName          string  `json:"variant_name"`
	InitialVariantWeight float64 `json:"initial_variant_weight"`
}

// RegisterInput carries a full-record registration write.
type RegisterInput struct {
	EndpointName string
	Variants     []VariantConfig
	Strategy     abtest.Strategy
	Epsilon      float64
	Warmup       int64
	Timestamp    int64
}

// FoldGroup is the net delta for one (endpoint, variant) pair within a
// batch. Each group is applied with exactly one atomic store update.
type FoldGroup struct {
	EndpointName string
	VariantName  string
	Invocations  int64
	Conversions  int64
	Reward       float64
}

// GroupResult reports the counter totals after a group was applied.
type GroupResult struct {
	EndpointName    string
	VariantName     string
	InvocationCount int64
	ConversionCount int64
	RewardSum       float64
}

// AssignmentStore keeps the sticky (user, endpoint) -> variant mapping.
// Entries expire at their TTL and read as absent afterwards; writes are
// last-writer-wins. Implementations perform single attempts and mark
// transient failures, retries belong to the caller.
type AssignmentStore interface {
	Get(ctx context.Context, userID, endpointName string) (variant string, ok bool, err error)
	Put(ctx context.Context, userID, endpointName, variant string, ttl time.Duration) error
}

// MetricsStore owns endpoint records and their counters.
//
// Register replaces the whole record unconditionally (counters reset) and
// reports whether a prior record existed. SoftDelete is idempotent and
// keeps the record readable. Read defaults missing counters to zero and
// fails with ErrEndpointUnknown when no registration exists. ApplyGroups
// performs one atomic add per group; soft-deleted records still accept
// folds so in-flight events are not lost.
type MetricsStore interface {
	Register(ctx context.Context, in RegisterInput) (existed bool, err error)
	SoftDelete(ctx context.Context, endpointName string, ts int64) error
	Read(ctx context.Context, endpointName string) (*EndpointRecord, error)
	ApplyGroups(ctx context.Context, groups []FoldGroup, ts int64) ([]GroupResult, error)
}

// EventSink is the delivery seam between the decision path and the
// counters. The synchronous implementation folds before returning; the
// asynchronous ones hand the events to a durable transport and never
// surface transient delivery failures to the request path.
type EventSink interface {
	Emit(ctx context.Context, events []abtest.Event) error
}

// TimeSeries receives the per-group counter deltas after a successful
// fold. Emission is best-effort and must never fail the fold.
type TimeSeries interface {
	EmitGroup(endpointName, variantName string, invocations, conversions int64, reward float64)
}

// NopSeries discards all emissions.
type NopSeries struct{}

func (NopSeries) EmitGroup(string, string, int64, int64, float64) {}

// InvokeInput is a dispatch to the inference backend. TargetVariant is
// empty on the fallback path; the backend then routes by its own weights.
type InvokeInput struct {
	EndpointName  string
	TargetVariant string
	ContentType   string
	InferenceID   string
	Data          json.RawMessage
}

// InvokeOutput reports the inference result. InvokedVariant is the variant
// the backend actually served, which is what gets counted; it may differ
// from the requested target.
type InvokeOutput struct {
	InvokedVariant string
	Predictions    json.RawMessage
}

// Backend abstracts the inference fleet: dispatch plus the roster lookup
// the registrar performs on IN_SERVICE notifications.
type Backend interface {
	Invoke(ctx context.Context, in InvokeInput) (InvokeOutput, error)
	DescribeEndpoint(ctx context.Context, endpointName string) ([]VariantConfig, error)
}

// StreamEntry is one event line as stored on the durable stream.
type StreamEntry struct {
	ID      string
	Payload []byte
}

// StreamWriter appends event lines to the durable stream.
type StreamWriter interface {
	Append(ctx context.Context, payload []byte) error
}

// StreamReader drains the durable stream in arrival order. Entries remain
// on the stream until acknowledged, so a crashed shipper re-reads them.
type StreamReader interface {
	Read(ctx context.Context, max int64) ([]StreamEntry, error)
	Ack(ctx context.Context, ids []string) error
}
