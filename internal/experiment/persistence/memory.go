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

package persistence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"abtest"
	"abtest/internal/experiment/core"
)

// MemoryStore implements core.AssignmentStore and core.MetricsStore on
// process-local maps. It backs the default adapter for demos and tests;
// nothing survives a restart.
type MemoryStore struct {
	mu          sync.Mutex
	assignments map[string]memoryAssignment
	records     map[string]*core.EndpointRecord
	now         func() time.Time
}

type memoryAssignment struct {
	variant   string
	expiresAt time.Time
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments: make(map[string]memoryAssignment),
		records:     make(map[string]*core.EndpointRecord),
		now:         time.Now,
	}
}

func memoryAssignmentKey(userID, endpointName string) string {
	return endpointName + "\x00" + userID
}

// Get reads the sticky variant for (userID, endpointName).
func (s *MemoryStore) Get(ctx context.Context, userID, endpointName string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.assignments[memoryAssignmentKey(userID, endpointName)]
	if !ok || !s.now().Before(entry.expiresAt) {
		return "", false, nil
	}
	return entry.variant, true, nil
}

// Put writes the sticky variant with a fresh expiry.
func (s *MemoryStore) Put(ctx context.Context, userID, endpointName, variant string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[memoryAssignmentKey(userID, endpointName)] = memoryAssignment{
		variant:   variant,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Register writes a fresh record, replacing any prior state.
func (s *MemoryStore) Register(ctx context.Context, in core.RegisterInput) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rec := &core.EndpointRecord{
		EndpointName: in.EndpointName,
		Strategy:     in.Strategy,
		Epsilon:      in.Epsilon,
		Warmup:       in.Warmup,
		VariantNames: make([]string, 0, len(in.Variants)),
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

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[in.EndpointName]
	s.records[in.EndpointName] = rec
	return ok && prev.Strategy != "", nil
}

// SoftDelete marks the record deleted, keeping the first timestamp.
func (s *MemoryStore) SoftDelete(ctx context.Context, endpointName string, ts int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[endpointName]
	if !ok || rec.DeletedAt != nil {
		return nil
	}
	rec.DeletedAt = &ts
	rec.UpdatedAt = ts
	return nil
}

// Read returns a copy of the record so callers cannot mutate the store.
func (s *MemoryStore) Read(ctx context.Context, endpointName string) (*core.EndpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[endpointName]
	if !ok || rec.Strategy == "" {
		return nil, errors.Wrap(core.ErrEndpointUnknown, endpointName)
	}

	out := *rec
	if rec.DeletedAt != nil {
		ts := *rec.DeletedAt
		out.DeletedAt = &ts
	}
	out.VariantNames = append([]string(nil), rec.VariantNames...)
	out.Variants = make(map[string]abtest.VariantStats, len(rec.VariantNames))
	for _, name := range rec.VariantNames {
		stats := rec.Variants[name]
		stats.VariantName = name
		out.Variants[name] = stats
	}
	return &out, nil
}

// ApplyGroups folds the batch under one lock acquisition.
func (s *MemoryStore) ApplyGroups(ctx context.Context, groups []core.FoldGroup, ts int64) ([]core.GroupResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]core.GroupResult, 0, len(groups))
	for _, g := range groups {
		rec, ok := s.records[g.EndpointName]
		if !ok {
			rec = &core.EndpointRecord{
				EndpointName: g.EndpointName,
				Variants:     make(map[string]abtest.VariantStats),
				CreatedAt:    ts,
			}
			s.records[g.EndpointName] = rec
		}
		stats := rec.Variants[g.VariantName]
		stats.VariantName = g.VariantName
		stats.InvocationCount += g.Invocations
		stats.ConversionCount += g.Conversions
		stats.RewardSum += g.Reward
		rec.Variants[g.VariantName] = stats
		rec.UpdatedAt = ts

		results = append(results, core.GroupResult{
			EndpointName:    g.EndpointName,
			VariantName:     g.VariantName,
			InvocationCount: stats.InvocationCount,
			ConversionCount: stats.ConversionCount,
			RewardSum:       stats.RewardSum,
		})
	}
	return results, nil
}

// MemoryStream implements core.StreamWriter and core.StreamReader on a
// slice, mirroring the Redis stream's read-then-ack contract.
type MemoryStream struct {
	mu      sync.Mutex
	seq     int64
	entries []core.StreamEntry
}

// NewMemoryStream builds an empty stream.
func NewMemoryStream() *MemoryStream { return &MemoryStream{} }

// Append adds one entry to the tail.
func (s *MemoryStream) Append(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries = append(s.entries, core.StreamEntry{
		ID:      "0-" + strconv.FormatInt(s.seq, 10),
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// Read returns up to max entries from the head without consuming them.
func (s *MemoryStream) Read(ctx context.Context, max int64) ([]core.StreamEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.entries))
	if n > max {
		n = max
	}
	out := make([]core.StreamEntry, n)
	copy(out, s.entries[:n])
	return out, nil
}

// Ack removes entries by ID.
func (s *MemoryStream) Ack(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

// Len reports the number of unacknowledged entries.
func (s *MemoryStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
