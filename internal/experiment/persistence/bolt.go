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
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bbolt "go.etcd.io/bbolt"

	"abtest"
	"abtest/internal/experiment/core"
)

var (
	bucketAssignments = []byte("assignments")
	bucketEndpoints   = []byte("endpoints")
)

// BoltStore implements core.AssignmentStore and core.MetricsStore on an
// embedded bbolt file, for single-node deployments that want durability
// without running Redis. bbolt serializes writers, which is what makes
// ApplyGroups atomic here.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the database file and its buckets. The open
// times out after a second so a stale flock fails fast instead of
// hanging the process.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt database %s", path)
	}
	store, err := NewBoltStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewBoltStore wraps an already-open database, creating the buckets if
// needed. Callers who use OpenBolt never need this directly.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAssignments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketEndpoints)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating bolt buckets")
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (s *BoltStore) Close() error { return s.db.Close() }

// boltAssignment is the stored sticky entry. Expiry is checked lazily on
// read; expired entries stay on disk until the next Put overwrites them.
type boltAssignment struct {
	Variant   string `json:"variant"`
	ExpiresAt int64  `json:"expires_at"`
}

func boltAssignmentKey(userID, endpointName string) []byte {
	return []byte(endpointName + "\x00" + userID)
}

// Get reads the sticky variant for (userID, endpointName).
func (s *BoltStore) Get(ctx context.Context, userID, endpointName string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var entry boltAssignment
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketAssignments).Get(boltAssignmentKey(userID, endpointName))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return errors.Wrap(err, "decoding assignment")
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, core.MarkTransient(errors.Wrapf(err, "bolt get assignment %s/%s", endpointName, userID))
	}
	if !found || s.now().UnixMilli() >= entry.ExpiresAt {
		return "", false, nil
	}
	return entry.Variant, true, nil
}

// Put writes the sticky variant with a fresh expiry, last writer wins.
func (s *BoltStore) Put(ctx context.Context, userID, endpointName, variant string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(boltAssignment{
		Variant:   variant,
		ExpiresAt: s.now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return errors.Wrap(err, "encoding assignment")
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAssignments).Put(boltAssignmentKey(userID, endpointName), raw)
	})
	if err != nil {
		return core.MarkTransient(errors.Wrapf(err, "bolt put assignment %s/%s", endpointName, userID))
	}
	return nil
}

// Register writes a fresh record, replacing any prior state including
// counters. Reports whether a prior registration existed.
func (s *BoltStore) Register(ctx context.Context, in core.RegisterInput) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rec := core.EndpointRecord{
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
	raw, err := json.Marshal(&rec)
	if err != nil {
		return false, errors.Wrap(err, "encoding endpoint record")
	}

	existed := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEndpoints)
		key := []byte(in.EndpointName)
		if prev := b.Get(key); prev != nil {
			var old core.EndpointRecord
			if err := json.Unmarshal(prev, &old); err == nil && old.Strategy != "" {
				existed = true
			}
		}
		return b.Put(key, raw)
	})
	if err != nil {
		return false, core.MarkTransient(errors.Wrapf(err, "bolt register %s", in.EndpointName))
	}
	return existed, nil
}

// SoftDelete marks the record deleted, keeping it readable. Repeated
// deletes keep the first timestamp; unknown endpoints are a no-op.
func (s *BoltStore) SoftDelete(ctx context.Context, endpointName string, ts int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEndpoints)
		key := []byte(endpointName)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var rec core.EndpointRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return errors.Wrap(err, "decoding endpoint record")
		}
		if rec.DeletedAt != nil {
			return nil
		}
		rec.DeletedAt = &ts
		rec.UpdatedAt = ts
		updated, err := json.Marshal(&rec)
		if err != nil {
			return errors.Wrap(err, "encoding endpoint record")
		}
		return b.Put(key, updated)
	})
	if err != nil {
		return core.MarkTransient(errors.Wrapf(err, "bolt soft delete %s", endpointName))
	}
	return nil
}

// Read loads the record. Skeletons created by folds to unregistered
// endpoints carry no strategy and read as unknown; counters for variants
// outside the current roster stay invisible.
func (s *BoltStore) Read(ctx context.Context, endpointName string) (*core.EndpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *core.EndpointRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEndpoints).Get([]byte(endpointName))
		if raw == nil {
			return nil
		}
		var stored core.EndpointRecord
		if err := json.Unmarshal(raw, &stored); err != nil {
			return errors.Wrap(err, "decoding endpoint record")
		}
		rec = &stored
		return nil
	})
	if err != nil {
		return nil, core.MarkTransient(errors.Wrapf(err, "bolt read %s", endpointName))
	}
	if rec == nil || rec.Strategy == "" {
		return nil, errors.Wrap(core.ErrEndpointUnknown, endpointName)
	}

	roster := make(map[string]abtest.VariantStats, len(rec.VariantNames))
	for _, name := range rec.VariantNames {
		stats := rec.Variants[name]
		stats.VariantName = name
		roster[name] = stats
	}
	rec.Variants = roster
	return rec, nil
}

// ApplyGroups folds the whole batch in one write transaction. Folds to
// unregistered endpoints land in a strategy-less skeleton so the counts
// are not lost, matching the Redis adapter.
func (s *BoltStore) ApplyGroups(ctx context.Context, groups []core.FoldGroup, ts int64) ([]core.GroupResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]core.GroupResult, 0, len(groups))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEndpoints)
		touched := make(map[string]*core.EndpointRecord)
		for _, g := range groups {
			rec, ok := touched[g.EndpointName]
			if !ok {
				rec = &core.EndpointRecord{EndpointName: g.EndpointName, CreatedAt: ts}
				if raw := b.Get([]byte(g.EndpointName)); raw != nil {
					if err := json.Unmarshal(raw, rec); err != nil {
						return errors.Wrapf(err, "decoding record %s", g.EndpointName)
					}
				}
				if rec.Variants == nil {
					rec.Variants = make(map[string]abtest.VariantStats)
				}
				touched[g.EndpointName] = rec
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
		for name, rec := range touched {
			raw, err := json.Marshal(rec)
			if err != nil {
				return errors.Wrapf(err, "encoding record %s", name)
			}
			if err := b.Put([]byte(name), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, core.MarkTransient(errors.Wrap(err, "bolt fold"))
	}
	return results, nil
}
