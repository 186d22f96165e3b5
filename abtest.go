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

// Package abtest provides the domain core of the A/B testing runtime:
// the multi-armed-bandit strategies that pick a model variant from live
// per-variant statistics, the event records that feed those statistics,
// and the canonical handling of variant weights.
//
// Everything in this package is pure with respect to external state. The
// only mutable input is the pseudo-random source injected into a Selector,
// which keeps every strategy decision reproducible under a pinned seed.
package abtest

import (
	"time"

	"github.com/pkg/errors"
)

// Strategy names the bandit algorithm configured for an endpoint. The set
// is closed; anything outside it is rejected at parse time so that stored
// records can be dispatched with an exhaustive switch.
type Strategy string

const (
	StrategyWeightedSampling Strategy = "WeightedSampling"
	StrategyEpsilonGreedy    Strategy = "EpsilonGreedy"
	StrategyUCB1             Strategy = "UCB1"
	StrategyThompsonSampling Strategy = "ThompsonSampling"
)

// Defaults applied when an endpoint registers without explicit tags.
const (
	DefaultStrategy = StrategyThompsonSampling
	DefaultEpsilon  = 0.1
	DefaultWarmup   = int64(0)

	// DefaultAssignmentTTL bounds how long a sticky (user, endpoint)
	// assignment survives without being refreshed.
	DefaultAssignmentTTL = 90 * 24 * time.Hour
)

// Sentinel errors surfaced by selectors and strategy parsing. Callers map
// these to client-facing 400 responses.
var (
	ErrEmptyVariantSet     = errors.New("empty variant set")
	ErrDegenerateWeights   = errors.New("degenerate variant weights")
	ErrInvalidEpsilon      = errors.New("epsilon outside [0,1]")
	ErrUnsupportedStrategy = errors.New("unsupported strategy")
)

// ParseStrategy validates a strategy name read from configuration or tags.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyWeightedSampling, StrategyEpsilonGreedy, StrategyUCB1, StrategyThompsonSampling:
		return Strategy(s), nil
	default:
		return "", errors.Wrapf(ErrUnsupportedStrategy, "strategy %q", s)
	}
}

// Valid reports whether s is one of the four known strategies.
func (s Strategy) Valid() bool {
	_, err := ParseStrategy(string(s))
	return err == nil
}

// VariantStats is the per-variant statistics tuple every selector consumes.
// InvocationCount and ConversionCount only ever grow; RewardSum accumulates
// the rewards attached to conversion events.
type VariantStats struct {
	VariantName          string  `json:"variant_name"`
	InitialVariantWeight float64 `json:"initial_variant_weight"`
	InvocationCount      int64   `json:"invocation_count"`
	ConversionCount      int64   `json:"conversion_count"`
	RewardSum            float64 `json:"reward_sum"`
}

// Mean returns the observed reward per invocation, 0 when the variant has
// not been invoked yet.
func (v VariantStats) Mean() float64 {
	if v.InvocationCount <= 0 {
		return 0
	}
	return v.RewardSum / float64(v.InvocationCount)
}
