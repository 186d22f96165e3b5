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

// Package backend implements the inference fleet contract. The HTTP
// backend forwards invocations to per-variant model servers declared in a
// routing table; the stub backend serves canned predictions for demos and
// tests.
package backend

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"

	"abtest"
	"abtest/internal/experiment/core"
)

// VariantRoute is one model server behind an endpoint: where to POST and
// the production weight the fallback path routes by.
type VariantRoute struct {
	Name   string  `yaml:"name" json:"name"`
	URL    string  `yaml:"url" json:"url"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// EndpointRoutes groups the variant servers of one logical endpoint.
type EndpointRoutes struct {
	Name     string         `yaml:"name" json:"name"`
	Variants []VariantRoute `yaml:"variants" json:"variants"`
}

// Routes is the whole routing table, usually loaded from YAML.
type Routes struct {
	Endpoints []EndpointRoutes `yaml:"endpoints" json:"endpoints"`
}

// LoadRoutes reads and validates a routing table file.
func LoadRoutes(path string) (Routes, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Routes{}, errors.Wrapf(err, "reading routes file %s", path)
	}
	var routes Routes
	if err := yaml.Unmarshal(raw, &routes); err != nil {
		return Routes{}, errors.Wrapf(err, "parsing routes file %s", path)
	}
	if err := routes.validate(); err != nil {
		return Routes{}, errors.Wrapf(err, "routes file %s", path)
	}
	return routes, nil
}

func (r Routes) validate() error {
	if len(r.Endpoints) == 0 {
		return errors.New("no endpoints declared")
	}
	seenEndpoints := make(map[string]struct{}, len(r.Endpoints))
	for _, ep := range r.Endpoints {
		if ep.Name == "" {
			return errors.New("endpoint without a name")
		}
		if _, dup := seenEndpoints[ep.Name]; dup {
			return errors.Errorf("duplicate endpoint %q", ep.Name)
		}
		seenEndpoints[ep.Name] = struct{}{}
		if len(ep.Variants) == 0 {
			return errors.Errorf("endpoint %q has no variants", ep.Name)
		}
		seenVariants := make(map[string]struct{}, len(ep.Variants))
		total := 0.0
		for _, v := range ep.Variants {
			if v.Name == "" || v.URL == "" {
				return errors.Errorf("endpoint %q: every variant needs a name and a url", ep.Name)
			}
			if _, dup := seenVariants[v.Name]; dup {
				return errors.Errorf("endpoint %q: duplicate variant %q", ep.Name, v.Name)
			}
			seenVariants[v.Name] = struct{}{}
			if v.Weight < 0 {
				return errors.Errorf("endpoint %q variant %q: negative weight", ep.Name, v.Name)
			}
			total += v.Weight
		}
		if total <= 0 {
			return errors.Errorf("endpoint %q: variant weights sum to zero", ep.Name)
		}
	}
	return nil
}

// HTTPOptions tunes the backend's client. Zero values take defaults.
type HTTPOptions struct {
	// Timeout caps one model server round trip.
	Timeout time.Duration
	// MaxIdleConnsPerHost sizes the keep-alive pool per variant server.
	MaxIdleConnsPerHost int
}

// HTTPBackend implements core.Backend over plain HTTP model servers. A
// pinned target routes to that variant's server; an empty target draws
// one by the configured weights, which is what serves the engine's
// fallback path.
type HTTPBackend struct {
	routes map[string][]VariantRoute
	client *http.Client
	log    logrus.FieldLogger
}

// NewHTTPBackend builds the backend from a validated routing table.
func NewHTTPBackend(routes Routes, log logrus.FieldLogger, opts HTTPOptions) *HTTPBackend {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 32
	}
	table := make(map[string][]VariantRoute, len(routes.Endpoints))
	for _, ep := range routes.Endpoints {
		table[ep.Name] = append([]VariantRoute(nil), ep.Variants...)
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        4 * opts.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPBackend{
		routes: table,
		client: &http.Client{Transport: tr, Timeout: opts.Timeout},
		log:    log,
	}
}

// Invoke POSTs the request payload to the target variant's server and
// returns its response body as the predictions.
func (b *HTTPBackend) Invoke(ctx context.Context, in core.InvokeInput) (core.InvokeOutput, error) {
	route, err := b.route(in.EndpointName, in.TargetVariant)
	if err != nil {
		return core.InvokeOutput{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.URL, bytes.NewReader(in.Data))
	if err != nil {
		return core.InvokeOutput{}, errors.Wrapf(err, "building request for variant %q", route.Name)
	}
	req.Header.Set("Content-Type", in.ContentType)
	req.Header.Set("X-Endpoint-Variant", route.Name)
	if in.InferenceID != "" {
		req.Header.Set("X-Inference-Id", in.InferenceID)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return core.InvokeOutput{}, errors.Wrapf(err, "calling variant %q", route.Name)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.InvokeOutput{}, errors.Wrapf(err, "reading variant %q response", route.Name)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return core.InvokeOutput{}, errors.Errorf("variant %q returned status %d: %s", route.Name, resp.StatusCode, firstLine(body))
	}
	return core.InvokeOutput{InvokedVariant: route.Name, Predictions: body}, nil
}

// DescribeEndpoint reports the variant roster the registrar records.
func (b *HTTPBackend) DescribeEndpoint(ctx context.Context, endpointName string) ([]core.VariantConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	variants, ok := b.routes[endpointName]
	if !ok {
		return nil, errors.Errorf("unknown endpoint %q", endpointName)
	}
	roster := make([]core.VariantConfig, 0, len(variants))
	for _, v := range variants {
		roster = append(roster, core.VariantConfig{
			VariantName:          v.Name,
			InitialVariantWeight: v.Weight,
		})
	}
	return roster, nil
}

func (b *HTTPBackend) route(endpointName, target string) (VariantRoute, error) {
	variants, ok := b.routes[endpointName]
	if !ok {
		return VariantRoute{}, errors.Errorf("unknown endpoint %q", endpointName)
	}
	if target != "" {
		for _, v := range variants {
			if v.Name == target {
				return v, nil
			}
		}
		return VariantRoute{}, errors.Errorf("endpoint %q has no variant %q", endpointName, target)
	}

	// Selectors are single-use here: Invoke runs concurrently and the
	// Selector type is not safe for shared use.
	stats := make([]abtest.VariantStats, len(variants))
	for i, v := range variants {
		stats[i] = abtest.VariantStats{VariantName: v.Name, InitialVariantWeight: v.Weight}
	}
	name, err := abtest.NewSelector(abtest.CryptoSource()).WeightedSampling(stats)
	if err != nil {
		return VariantRoute{}, errors.Wrapf(err, "weighing endpoint %q", endpointName)
	}
	for _, v := range variants {
		if v.Name == name {
			return v, nil
		}
	}
	return variants[len(variants)-1], nil
}

func firstLine(body []byte) string {
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[:i]
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
