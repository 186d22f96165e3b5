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

// Package persistence provides the store adapters behind the engine's
// AssignmentStore, MetricsStore and stream contracts: Redis for shared
// deployments, bbolt for durable single-node ones, and an in-memory
// adapter for demos and tests. Build selects one by name so binaries can
// switch adapters through configuration alone.
package persistence

import (
	"github.com/pkg/errors"

	"abtest/internal/experiment/core"
)

// Adapter names accepted by Build.
const (
	AdapterMemory = "memory"
	AdapterRedis  = "redis"
	AdapterBolt   = "bolt"
)

// Config selects and parameterizes a store adapter. Zero values take
// defaults; BoltPath is required for the bolt adapter.
type Config struct {
	Adapter         string
	RedisAddr       string
	BoltPath        string
	AssignmentTable string
	MetricsTable    string
	StreamName      string
}

// Stores bundles one adapter's facets. Stream and StreamReader are nil
// when the adapter has no durable stream; callers that need the
// stream-backed delivery path must check for that.
type Stores struct {
	Assignments  core.AssignmentStore
	Metrics      core.MetricsStore
	Stream       core.StreamWriter
	StreamReader core.StreamReader

	closer func() error
}

// Close releases whatever the adapter holds open.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Build constructs the stores for cfg.Adapter:
//
//   - "memory" (or empty): process-local maps plus an in-memory stream
//   - "redis": shared Redis at cfg.RedisAddr, stream included
//   - "bolt": embedded bbolt file at cfg.BoltPath, no stream
func Build(cfg Config) (*Stores, error) {
	switch cfg.Adapter {
	case "", AdapterMemory:
		store := NewMemoryStore()
		stream := NewMemoryStream()
		return &Stores{Assignments: store, Metrics: store, Stream: stream, StreamReader: stream}, nil

	case AdapterRedis:
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		client := DialRedis(addr)
		store := NewRedisStore(client, RedisConfig{
			AssignmentTable: cfg.AssignmentTable,
			MetricsTable:    cfg.MetricsTable,
		})
		stream := NewRedisStream(client, cfg.StreamName)
		return &Stores{
			Assignments:  store,
			Metrics:      store,
			Stream:       stream,
			StreamReader: stream,
			closer:       client.Close,
		}, nil

	case AdapterBolt:
		if cfg.BoltPath == "" {
			return nil, errors.New("bolt adapter requires a database path")
		}
		store, err := OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return &Stores{Assignments: store, Metrics: store, closer: store.Close}, nil

	default:
		return nil, errors.Errorf("unknown store adapter %q", cfg.Adapter)
	}
}
