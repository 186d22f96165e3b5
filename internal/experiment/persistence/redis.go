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
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"

	"abtest"
	"abtest/internal/experiment/core"
)

// Default key spaces, overridable per deployment so several stages can
// share one Redis.
const (
	DefaultAssignmentTable = "abtest-assignments"
	DefaultMetricsTable    = "abtest-metrics"
	DefaultStreamName      = "abtest-events"
)

// Endpoint record hash fields. Per-variant counters live in the same hash
// under "v:<variant>:<counter>" so one HGETALL returns the whole record
// and one Lua script can update config and counters atomically.
const (
	fieldStrategy     = "strategy"
	fieldEpsilon      = "epsilon"
	fieldWarmup       = "warmup"
	fieldVariantNames = "variant_names"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
	fieldDeletedAt    = "deleted_at"

	counterInvocations = "invocation_count"
	counterConversions = "conversion_count"
	counterReward      = "reward_sum"
	counterWeight      = "initial_variant_weight"
)

func variantField(variant, counter string) string {
	return "v:" + variant + ":" + counter
}

// RedisConfig names the key spaces one RedisStore instance uses. Zero
// values take the package defaults.
type RedisConfig struct {
	AssignmentTable string
	MetricsTable    string
}

// RedisStore implements core.AssignmentStore and core.MetricsStore on a
// shared Redis. Assignments are plain keys with a server-side TTL; each
// endpoint record is one hash mutated only through Lua scripts, so
// concurrent appliers and registrars never interleave partial updates.
type RedisStore struct {
	client redis.Cmdable
	cfg    RedisConfig
}

// NewRedisStore wraps an existing client. Callers keep ownership of the
// client's lifecycle.
func NewRedisStore(client redis.Cmdable, cfg RedisConfig) *RedisStore {
	if cfg.AssignmentTable == "" {
		cfg.AssignmentTable = DefaultAssignmentTable
	}
	if cfg.MetricsTable == "" {
		cfg.MetricsTable = DefaultMetricsTable
	}
	return &RedisStore{client: client, cfg: cfg}
}

// DialRedis builds a go-redis client for addr ("127.0.0.1:6379"). The
// client connects lazily; failures surface on first use.
func DialRedis(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func (s *RedisStore) assignmentKey(userID, endpointName string) string {
	return fmt.Sprintf("%s:%s:%s", s.cfg.AssignmentTable, endpointName, userID)
}

func (s *RedisStore) recordKey(endpointName string) string {
	return fmt.Sprintf("%s:%s", s.cfg.MetricsTable, endpointName)
}

// Get reads the sticky variant for (userID, endpointName). Expired keys
// read as absent, Redis handles the TTL.
func (s *RedisStore) Get(ctx context.Context, userID, endpointName string) (string, bool, error) {
	variant, err := s.client.Get(ctx, s.assignmentKey(userID, endpointName)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, core.MarkTransient(errors.Wrapf(err, "redis get assignment %s/%s", endpointName, userID))
	}
	return variant, true, nil
}

// Put writes the sticky variant with a fresh TTL, last writer wins.
func (s *RedisStore) Put(ctx context.Context, userID, endpointName, variant string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.assignmentKey(userID, endpointName), variant, ttl).Err(); err != nil {
		return core.MarkTransient(errors.Wrapf(err, "redis put assignment %s/%s", endpointName, userID))
	}
	return nil
}

// registerScript replaces the whole record. Returning HEXISTS(strategy)
// before the DEL distinguishes re-registration from a hash that only
// collected stray counters while unregistered.
const registerScript = `
local existed = redis.call('HEXISTS', KEYS[1], 'strategy')
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV))
return existed
`

// Register writes a fresh record for the endpoint: configuration,
// roster and weights, counters implicitly zero. Reports whether a prior
// registration existed.
func (s *RedisStore) Register(ctx context.Context, in core.RegisterInput) (bool, error) {
	names := make([]string, 0, len(in.Variants))
	for _, v := range in.Variants {
		names = append(names, v.VariantName)
	}
	namesJSON, err := json.Marshal(names)
	if err != nil {
		return false, errors.Wrap(err, "encoding variant names")
	}

	ts := strconv.FormatInt(in.Timestamp, 10)
	args := []interface{}{
		fieldStrategy, string(in.Strategy),
		fieldEpsilon, abtest.FormatWeight(in.Epsilon),
		fieldWarmup, strconv.FormatInt(in.Warmup, 10),
		fieldVariantNames, string(namesJSON),
		fieldCreatedAt, ts,
		fieldUpdatedAt, ts,
	}
	for _, v := range in.Variants {
		args = append(args, variantField(v.VariantName, counterWeight), abtest.FormatWeight(v.InitialVariantWeight))
	}

	res, err := s.client.Eval(ctx, registerScript, []string{s.recordKey(in.EndpointName)}, args...).Result()
	if err != nil {
		return false, core.MarkTransient(errors.Wrapf(err, "redis register %s", in.EndpointName))
	}
	existed, err := redisInt(res)
	if err != nil {
		return false, errors.Wrapf(err, "redis register %s reply", in.EndpointName)
	}
	return existed == 1, nil
}

// softDeleteScript marks the record deleted. HSETNX keeps the first
// deletion timestamp, so repeated DELETING notifications are no-ops.
const softDeleteScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local marked = redis.call('HSETNX', KEYS[1], 'deleted_at', ARGV[1])
if marked == 1 then
  redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
end
return marked
`

// SoftDelete marks the endpoint deleted while keeping the record and its
// counters readable. Unknown endpoints are a silent no-op.
func (s *RedisStore) SoftDelete(ctx context.Context, endpointName string, ts int64) error {
	err := s.client.Eval(ctx, softDeleteScript,
		[]string{s.recordKey(endpointName)}, strconv.FormatInt(ts, 10)).Err()
	if err != nil {
		return core.MarkTransient(errors.Wrapf(err, "redis soft delete %s", endpointName))
	}
	return nil
}

// Read loads the full record. Hashes without a strategy field (never
// registered, or holding only stray counters) read as unknown.
func (s *RedisStore) Read(ctx context.Context, endpointName string) (*core.EndpointRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(endpointName)).Result()
	if err != nil {
		return nil, core.MarkTransient(errors.Wrapf(err, "redis read %s", endpointName))
	}
	if fields[fieldStrategy] == "" {
		return nil, errors.Wrap(core.ErrEndpointUnknown, endpointName)
	}
	return decodeRecord(endpointName, fields)
}

func decodeRecord(endpointName string, fields map[string]string) (*core.EndpointRecord, error) {
	strategy, err := abtest.ParseStrategy(fields[fieldStrategy])
	if err != nil {
		return nil, errors.Wrapf(err, "record %s", endpointName)
	}
	epsilon, err := abtest.ParseWeight(fields[fieldEpsilon])
	if err != nil {
		return nil, errors.Wrapf(err, "record %s epsilon", endpointName)
	}
	warmup, err := strconv.ParseInt(fields[fieldWarmup], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "record %s warmup", endpointName)
	}
	var names []string
	if err := json.Unmarshal([]byte(fields[fieldVariantNames]), &names); err != nil {
		return nil, errors.Wrapf(err, "record %s variant names", endpointName)
	}

	rec := &core.EndpointRecord{
		EndpointName: endpointName,
		Strategy:     strategy,
		Epsilon:      epsilon,
		Warmup:       warmup,
		VariantNames: names,
		Variants:     make(map[string]abtest.VariantStats, len(names)),
	}
	if rec.CreatedAt, err = fieldInt(fields, fieldCreatedAt); err != nil {
		return nil, errors.Wrapf(err, "record %s", endpointName)
	}
	if rec.UpdatedAt, err = fieldInt(fields, fieldUpdatedAt); err != nil {
		return nil, errors.Wrapf(err, "record %s", endpointName)
	}
	if raw, ok := fields[fieldDeletedAt]; ok && raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "record %s deleted_at", endpointName)
		}
		rec.DeletedAt = &ts
	}

	// Counters default to zero; only the roster's variants are surfaced.
	for _, name := range names {
		stats := abtest.VariantStats{VariantName: name}
		if stats.InvocationCount, err = fieldInt(fields, variantField(name, counterInvocations)); err != nil {
			return nil, errors.Wrapf(err, "record %s variant %s", endpointName, name)
		}
		if stats.ConversionCount, err = fieldInt(fields, variantField(name, counterConversions)); err != nil {
			return nil, errors.Wrapf(err, "record %s variant %s", endpointName, name)
		}
		if stats.RewardSum, err = fieldFloat(fields, variantField(name, counterReward)); err != nil {
			return nil, errors.Wrapf(err, "record %s variant %s", endpointName, name)
		}
		if raw, ok := fields[variantField(name, counterWeight)]; ok {
			if stats.InitialVariantWeight, err = abtest.ParseWeight(raw); err != nil {
				return nil, errors.Wrapf(err, "record %s variant %s weight", endpointName, name)
			}
		}
		rec.Variants[name] = stats
	}
	return rec, nil
}

// applyScript folds one (endpoint, variant) group atomically and returns
// the new counter totals. Folds land even on hashes without a
// registration; those stay invisible to Read until the endpoint
// registers.
const applyScript = `
local prefix = 'v:' .. ARGV[1] .. ':'
local inv = redis.call('HINCRBY', KEYS[1], prefix .. 'invocation_count', ARGV[2])
local conv = redis.call('HINCRBY', KEYS[1], prefix .. 'conversion_count', ARGV[3])
local reward = redis.call('HINCRBYFLOAT', KEYS[1], prefix .. 'reward_sum', ARGV[4])
redis.call('HSETNX', KEYS[1], 'created_at', ARGV[5])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[5])
return {inv, conv, reward}
`

// ApplyGroups folds each group with one Lua round trip. Groups are
// independent and commutative, so a batch that fails midway can be
// retried only for its remaining groups, or wholesale when the events are
// replayed (double counting is the documented cost of at-least-once).
func (s *RedisStore) ApplyGroups(ctx context.Context, groups []core.FoldGroup, ts int64) ([]core.GroupResult, error) {
	results := make([]core.GroupResult, 0, len(groups))
	stamp := strconv.FormatInt(ts, 10)
	for _, g := range groups {
		res, err := s.client.Eval(ctx, applyScript,
			[]string{s.recordKey(g.EndpointName)},
			g.VariantName,
			strconv.FormatInt(g.Invocations, 10),
			strconv.FormatInt(g.Conversions, 10),
			strconv.FormatFloat(g.Reward, 'g', -1, 64),
			stamp,
		).Result()
		if err != nil {
			return results, core.MarkTransient(errors.Wrapf(err, "redis fold %s/%s", g.EndpointName, g.VariantName))
		}
		totals, ok := res.([]interface{})
		if !ok || len(totals) != 3 {
			return results, errors.Errorf("redis fold %s/%s: unexpected reply %v", g.EndpointName, g.VariantName, res)
		}
		inv, err := redisInt(totals[0])
		if err != nil {
			return results, errors.Wrapf(err, "redis fold %s/%s reply", g.EndpointName, g.VariantName)
		}
		conv, err := redisInt(totals[1])
		if err != nil {
			return results, errors.Wrapf(err, "redis fold %s/%s reply", g.EndpointName, g.VariantName)
		}
		reward, err := redisFloat(totals[2])
		if err != nil {
			return results, errors.Wrapf(err, "redis fold %s/%s reply", g.EndpointName, g.VariantName)
		}
		results = append(results, core.GroupResult{
			EndpointName:    g.EndpointName,
			VariantName:     g.VariantName,
			InvocationCount: inv,
			ConversionCount: conv,
			RewardSum:       reward,
		})
	}
	return results, nil
}

// RedisStream implements core.StreamWriter and core.StreamReader on one
// Redis stream. Entries are acknowledged by deletion after the shipper
// has spooled them, giving the async path at-least-once delivery.
type RedisStream struct {
	client redis.Cmdable
	name   string
}

// NewRedisStream wraps an existing client.
func NewRedisStream(client redis.Cmdable, name string) *RedisStream {
	if name == "" {
		name = DefaultStreamName
	}
	return &RedisStream{client: client, name: name}
}

// Append adds one event line to the tail of the stream.
func (s *RedisStream) Append(ctx context.Context, payload []byte) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.name,
		Values: map[string]interface{}{"line": payload},
	}).Err()
	if err != nil {
		return core.MarkTransient(errors.Wrapf(err, "redis xadd %s", s.name))
	}
	return nil
}

// Read returns up to max entries from the head of the stream without
// consuming them.
func (s *RedisStream) Read(ctx context.Context, max int64) ([]core.StreamEntry, error) {
	if max <= 0 {
		max = 100
	}
	msgs, err := s.client.XRangeN(ctx, s.name, "-", "+", max).Result()
	if err != nil {
		return nil, core.MarkTransient(errors.Wrapf(err, "redis xrange %s", s.name))
	}
	entries := make([]core.StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		line, _ := m.Values["line"].(string)
		entries = append(entries, core.StreamEntry{ID: m.ID, Payload: []byte(line)})
	}
	return entries, nil
}

// Ack removes shipped entries from the stream.
func (s *RedisStream) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XDel(ctx, s.name, ids...).Err(); err != nil {
		return core.MarkTransient(errors.Wrapf(err, "redis xdel %s", s.name))
	}
	return nil
}

func fieldInt(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "field %s", name)
	}
	return v, nil
}

func fieldFloat(fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "field %s", name)
	}
	return v, nil
}

// redisInt reads an EVAL reply element that Redis may hand back as an
// integer or a bulk string depending on the command that produced it.
func redisInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, errors.Errorf("unexpected redis integer reply %T", v)
	}
}

func redisFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, errors.Errorf("unexpected redis float reply %T", v)
	}
}
