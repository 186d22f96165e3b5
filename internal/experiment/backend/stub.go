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

package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"abtest"
	"abtest/internal/experiment/core"
)

// Stub implements core.Backend in process: no model servers, canned
// predictions. It keeps the full decision pipeline runnable in demos,
// the traffic simulator and tests.
type Stub struct {
	mu       sync.Mutex
	rosters  map[string][]core.VariantConfig
	selector *abtest.Selector
}

// NewStub builds an empty stub; endpoints are added with AddEndpoint.
func NewStub() *Stub {
	return &Stub{
		rosters:  make(map[string][]core.VariantConfig),
		selector: abtest.NewSelector(abtest.CryptoSource()),
	}
}

// AddEndpoint declares an endpoint and its variant roster.
func (s *Stub) AddEndpoint(name string, variants ...core.VariantConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rosters[name] = append([]core.VariantConfig(nil), variants...)
}

// Invoke serves a canned prediction naming the variant that handled the
// request. A pinned target must exist on the roster; an empty target is
// drawn by the configured weights.
func (s *Stub) Invoke(ctx context.Context, in core.InvokeInput) (core.InvokeOutput, error) {
	if err := ctx.Err(); err != nil {
		return core.InvokeOutput{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	roster, ok := s.rosters[in.EndpointName]
	if !ok {
		return core.InvokeOutput{}, errors.Errorf("unknown endpoint %q", in.EndpointName)
	}

	variant := in.TargetVariant
	if variant == "" {
		stats := make([]abtest.VariantStats, len(roster))
		for i, v := range roster {
			stats[i] = abtest.VariantStats{VariantName: v.VariantName, InitialVariantWeight: v.InitialVariantWeight}
		}
		drawn, err := s.selector.WeightedSampling(stats)
		if err != nil {
			return core.InvokeOutput{}, errors.Wrapf(err, "weighing endpoint %q", in.EndpointName)
		}
		variant = drawn
	} else {
		found := false
		for _, v := range roster {
			if v.VariantName == variant {
				found = true
				break
			}
		}
		if !found {
			return core.InvokeOutput{}, errors.Errorf("endpoint %q has no variant %q", in.EndpointName, variant)
		}
	}

	prediction := fmt.Sprintf(`{"endpoint_name":%q,"served_by":%q}`, in.EndpointName, variant)
	return core.InvokeOutput{InvokedVariant: variant, Predictions: []byte(prediction)}, nil
}

// DescribeEndpoint reports the declared roster.
func (s *Stub) DescribeEndpoint(ctx context.Context, endpointName string) ([]core.VariantConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	roster, ok := s.rosters[endpointName]
	if !ok {
		return nil, errors.Errorf("unknown endpoint %q", endpointName)
	}
	return append([]core.VariantConfig(nil), roster...), nil
}
