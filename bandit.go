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

package abtest

import (
	crand "crypto/rand"
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// betaFloor keeps Beta parameters strictly positive when reward sums drift
// past invocation counts (possible under at-least-once event delivery).
const betaFloor = 1e-9

// Selector runs the bandit strategies against a dedicated pseudo-random
// source. Handlers build one Selector per decision from CryptoSource;
// tests inject a seeded source and get identical draws every run.
//
// A Selector is not safe for concurrent use.
type Selector struct {
	src rand.Source
	rnd *rand.Rand
}

// NewSelector wraps the given source.
func NewSelector(src rand.Source) *Selector {
	return &Selector{src: src, rnd: rand.New(src)}
}

// NewSeededSelector builds a deterministic PCG-backed selector.
func NewSeededSelector(seed1, seed2 uint64) *Selector {
	return NewSelector(rand.NewPCG(seed1, seed2))
}

// CryptoSource returns a PCG source seeded from the OS entropy pool.
func CryptoSource() rand.Source {
	var b [16]byte
	_, _ = crand.Read(b[:])
	return rand.NewPCG(binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:]))
}

// Select dispatches on the strategy tag. The epsilon parameter is only
// consulted by EpsilonGreedy.
func (s *Selector) Select(strategy Strategy, stats []VariantStats, epsilon float64) (string, error) {
	switch strategy {
	case StrategyWeightedSampling:
		return s.WeightedSampling(stats)
	case StrategyEpsilonGreedy:
		return s.EpsilonGreedy(stats, epsilon)
	case StrategyUCB1:
		return s.UCB1(stats)
	case StrategyThompsonSampling:
		return s.ThompsonSampling(stats)
	default:
		return "", errors.Wrapf(ErrUnsupportedStrategy, "strategy %q", strategy)
	}
}

// WeightedSampling draws one variant with probability proportional to its
// canonical initial weight. All weights must be non-negative and at least
// one must be positive.
func (s *Selector) WeightedSampling(stats []VariantStats) (string, error) {
	if len(stats) == 0 {
		return "", ErrEmptyVariantSet
	}
	total := 0.0
	for _, v := range stats {
		w := CanonicalWeight(v.InitialVariantWeight)
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return "", errors.Wrapf(ErrDegenerateWeights, "variant %q weight %v", v.VariantName, v.InitialVariantWeight)
		}
		total += w
	}
	if total <= 0 {
		return "", errors.Wrap(ErrDegenerateWeights, "zero total weight")
	}
	draw := s.rnd.Float64() * total
	acc := 0.0
	for _, v := range stats {
		acc += CanonicalWeight(v.InitialVariantWeight)
		if draw < acc {
			return v.VariantName, nil
		}
	}
	// Float accumulation can land draw on the boundary; the last variant owns it.
	return stats[len(stats)-1].VariantName, nil
}

// EpsilonGreedy explores uniformly with probability epsilon and otherwise
// exploits the variant with the best observed mean reward. Ties go to the
// lowest index so the choice is stable over the canonical variant order.
func (s *Selector) EpsilonGreedy(stats []VariantStats, epsilon float64) (string, error) {
	if len(stats) == 0 {
		return "", ErrEmptyVariantSet
	}
	if math.IsNaN(epsilon) || epsilon < 0 || epsilon > 1 {
		return "", errors.Wrapf(ErrInvalidEpsilon, "epsilon %v", epsilon)
	}
	if s.rnd.Float64() < epsilon {
		return stats[s.rnd.IntN(len(stats))].VariantName, nil
	}
	best, bestMean := 0, math.Inf(-1)
	for i, v := range stats {
		if mean := v.Mean(); mean > bestMean {
			best, bestMean = i, mean
		}
	}
	return stats[best].VariantName, nil
}

// UCB1 picks the argmax of mean reward plus the exploration bonus
// sqrt(2 ln N / n). Variants that have never been invoked score +Inf, so a
// cold variant is always played before any exploitation happens; the
// warmup policy normally guarantees n >= 1 before UCB1 runs at all.
func (s *Selector) UCB1(stats []VariantStats) (string, error) {
	if len(stats) == 0 {
		return "", ErrEmptyVariantSet
	}
	var total int64
	for _, v := range stats {
		total += v.InvocationCount
	}
	best, bestScore := 0, math.Inf(-1)
	for i, v := range stats {
		score := math.Inf(1)
		if v.InvocationCount > 0 {
			score = v.Mean() + math.Sqrt(2*math.Log(float64(total))/float64(v.InvocationCount))
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return stats[best].VariantName, nil
}

// ThompsonSampling draws score_i ~ Beta(1 + reward_sum, 1 + n - reward_sum)
// per variant and picks the argmax.
func (s *Selector) ThompsonSampling(stats []VariantStats) (string, error) {
	if len(stats) == 0 {
		return "", ErrEmptyVariantSet
	}
	best, bestScore := 0, math.Inf(-1)
	for i, v := range stats {
		alpha := 1 + v.RewardSum
		beta := 1 + float64(v.InvocationCount) - v.RewardSum
		if alpha <= 0 {
			alpha = betaFloor
		}
		if beta <= 0 {
			beta = betaFloor
		}
		score := distuv.Beta{Alpha: alpha, Beta: beta, Src: s.src}.Rand()
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return stats[best].VariantName, nil
}
