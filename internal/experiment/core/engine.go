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

package core

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"abtest"
)

// Strategy labels reported when no bandit ran for the request.
const (
	// StrategyLabelManual marks responses where the caller pinned the
	// variant in the request body.
	StrategyLabelManual = "Manual"
	// StrategyLabelFallback marks responses served without a usable
	// endpoint record; the backend routes by its own weights.
	StrategyLabelFallback = "Fallback"
)

const defaultCallTimeout = 5 * time.Second

// InvocationRequest is the decoded body of POST /invocation plus the
// request identity captured at the HTTP boundary.
type InvocationRequest struct {
	EndpointName    string          `json:"endpoint_name"`
	UserID          string          `json:"user_id,omitempty"`
	InferenceID     string          `json:"inference_id,omitempty"`
	EndpointVariant string          `json:"endpoint_variant,omitempty"`
	ContentType     string          `json:"content_type,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`

	SourceIP  string `json:"-"`
	UserAgent string `json:"-"`
}

// ConversionRequest is the decoded body of POST /conversion. A nil Reward
// defaults to 1.
type ConversionRequest struct {
	EndpointName    string   `json:"endpoint_name"`
	UserID          string   `json:"user_id,omitempty"`
	InferenceID     string   `json:"inference_id,omitempty"`
	EndpointVariant string   `json:"endpoint_variant,omitempty"`
	Reward          *float64 `json:"reward,omitempty"`

	SourceIP  string `json:"-"`
	UserAgent string `json:"-"`
}

// Decision is the outcome of one invocation: the routing that was chosen,
// the identifiers minted along the way, and the backend's predictions.
// StatusCode distinguishes reused (200), fresh (201) and manual or
// fallback (202) assignments.
type Decision struct {
	Strategy        string          `json:"strategy"`
	EndpointName    string          `json:"endpoint_name"`
	TargetVariant   string          `json:"target_variant"`
	EndpointVariant string          `json:"endpoint_variant"`
	InferenceID     string          `json:"inference_id"`
	UserID          string          `json:"user_id"`
	Predictions     json.RawMessage `json:"predictions,omitempty"`

	StatusCode int `json:"-"`
}

// Conversion is the outcome of one conversion report.
type Conversion struct {
	Strategy        string  `json:"strategy"`
	EndpointName    string  `json:"endpoint_name"`
	EndpointVariant string  `json:"endpoint_variant"`
	InferenceID     string  `json:"inference_id"`
	UserID          string  `json:"user_id"`
	Reward          float64 `json:"reward"`

	StatusCode int `json:"-"`
}

// StatsReport is the GET /stats view of an endpoint record.
type StatsReport struct {
	EndpointName   string                `json:"endpoint_name"`
	Strategy       string                `json:"strategy"`
	Epsilon        float64               `json:"epsilon"`
	Warmup         int64                 `json:"warmup"`
	VariantMetrics []abtest.VariantStats `json:"variant_metrics"`
	CreatedAt      int64                 `json:"created_at"`
	UpdatedAt      int64                 `json:"updated_at"`
	DeletedAt      *int64                `json:"deleted_at,omitempty"`
}

// EngineConfig tunes the engine. Zero values take defaults.
type EngineConfig struct {
	// AssignmentTTL bounds sticky assignment lifetime.
	AssignmentTTL time.Duration
	// CallTimeout caps each store and backend attempt.
	CallTimeout time.Duration
	// NewSelector supplies the bandit PRNG. Tests inject seeded ones.
	NewSelector func() *abtest.Selector
	// Now supplies event timestamps.
	Now func() time.Time
}

// Engine drives variant decisions. It owns the selection order: manual
// override, then sticky reuse, then warmup-forced WeightedSampling, then
// the endpoint's configured strategy; fallback whenever the record is
// unusable.
type Engine struct {
	assignments AssignmentStore
	metrics     MetricsStore
	sink        EventSink
	backend     Backend
	log         logrus.FieldLogger
	cfg         EngineConfig
}

// NewEngine wires the engine. All four collaborators are required.
func NewEngine(assignments AssignmentStore, metrics MetricsStore, sink EventSink, backend Backend, log logrus.FieldLogger, cfg EngineConfig) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.AssignmentTTL <= 0 {
		cfg.AssignmentTTL = abtest.DefaultAssignmentTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.NewSelector == nil {
		cfg.NewSelector = func() *abtest.Selector { return abtest.NewSelector(abtest.CryptoSource()) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		assignments: assignments,
		metrics:     metrics,
		sink:        sink,
		backend:     backend,
		log:         log,
		cfg:         cfg,
	}
}

// Invoke routes one inference request: picks the variant, dispatches to
// the backend, emits the invocation event and reports the decision. The
// variant counted is the one the backend says it served, falling back to
// the requested target when the backend stays silent.
func (e *Engine) Invoke(ctx context.Context, req InvocationRequest) (*Decision, error) {
	if req.EndpointName == "" {
		return nil, ErrMissingEndpointName
	}
	userID := req.UserID
	if userID == "" {
		userID = uuid.NewString()
	}
	inferenceID := req.InferenceID
	if inferenceID == "" {
		inferenceID = uuid.NewString()
	}

	var sel selection
	if req.EndpointVariant != "" {
		sel = selection{strategy: StrategyLabelManual, variant: req.EndpointVariant, status: http.StatusAccepted}
	} else {
		var err error
		sel, err = e.selectVariant(ctx, req.EndpointName, userID, false)
		if err != nil {
			return nil, err
		}
	}

	out, err := e.dispatch(ctx, req, sel.variant, inferenceID)
	if err != nil {
		return nil, err
	}

	observed := out.InvokedVariant
	if observed == "" {
		observed = sel.variant
	}
	if observed != "" {
		ev := abtest.Event{
			Timestamp:       e.cfg.Now().UnixMilli(),
			Type:            abtest.EventInvocation,
			EndpointName:    req.EndpointName,
			EndpointVariant: observed,
			UserID:          userID,
			InferenceID:     inferenceID,
			SourceIP:        req.SourceIP,
			UserAgent:       req.UserAgent,
		}
		if err := e.emit(ctx, ev); err != nil {
			return nil, errors.Wrap(err, "recording invocation")
		}
	} else {
		e.log.WithField("endpoint", req.EndpointName).Warn("no variant observed, invocation not counted")
	}

	return &Decision{
		Strategy:        sel.strategy,
		EndpointName:    req.EndpointName,
		TargetVariant:   sel.variant,
		EndpointVariant: observed,
		InferenceID:     inferenceID,
		UserID:          userID,
		Predictions:     out.Predictions,
		StatusCode:      sel.status,
	}, nil
}

// Convert attributes a reward to a variant. Attribution mirrors the
// invocation order (manual, sticky, fresh selection) but store failures
// past record lookup are tolerated: a conversion report is already news
// from the past and must not bounce. Store and delivery errors on this
// path are logged, never surfaced.
func (e *Engine) Convert(ctx context.Context, req ConversionRequest) (*Conversion, error) {
	if req.EndpointName == "" {
		return nil, ErrMissingEndpointName
	}
	reward := 1.0
	if req.Reward != nil {
		reward = *req.Reward
	}
	if reward < 0 || math.IsNaN(reward) || math.IsInf(reward, 0) {
		return nil, errors.Wrapf(ErrInvalidReward, "reward %v", reward)
	}
	userID := req.UserID
	if userID == "" {
		userID = uuid.NewString()
	}
	inferenceID := req.InferenceID
	if inferenceID == "" {
		inferenceID = uuid.NewString()
	}

	var sel selection
	if req.EndpointVariant != "" {
		sel = selection{strategy: StrategyLabelManual, variant: req.EndpointVariant, status: http.StatusAccepted}
	} else {
		var err error
		sel, err = e.selectVariant(ctx, req.EndpointName, userID, true)
		if err != nil {
			return nil, err
		}
	}

	if sel.variant != "" {
		ev := abtest.Event{
			Timestamp:       e.cfg.Now().UnixMilli(),
			Type:            abtest.EventConversion,
			EndpointName:    req.EndpointName,
			EndpointVariant: sel.variant,
			UserID:          userID,
			InferenceID:     inferenceID,
			Reward:          &reward,
			SourceIP:        req.SourceIP,
			UserAgent:       req.UserAgent,
		}
		if err := e.emit(ctx, ev); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"endpoint": req.EndpointName,
				"variant":  sel.variant,
			}).Error("conversion event lost")
		}
	} else {
		e.log.WithField("endpoint", req.EndpointName).Warn("conversion without attributable variant")
	}

	return &Conversion{
		Strategy:        sel.strategy,
		EndpointName:    req.EndpointName,
		EndpointVariant: sel.variant,
		InferenceID:     inferenceID,
		UserID:          userID,
		Reward:          reward,
		StatusCode:      sel.status,
	}, nil
}

// Stats reads the endpoint record and projects it into the report shape.
// Soft-deleted endpoints still report, with DeletedAt set.
func (e *Engine) Stats(ctx context.Context, endpointName string) (*StatsReport, error) {
	if endpointName == "" {
		return nil, ErrMissingEndpointName
	}
	rec, err := e.readRecord(ctx, endpointName)
	if err != nil {
		return nil, err
	}
	return &StatsReport{
		EndpointName:   rec.EndpointName,
		Strategy:       string(rec.Strategy),
		Epsilon:        rec.Epsilon,
		Warmup:         rec.Warmup,
		VariantMetrics: rec.StatsList(),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		DeletedAt:      rec.DeletedAt,
	}, nil
}

// selection is an intermediate routing choice.
type selection struct {
	strategy string
	variant  string
	status   int
}

// selectVariant runs the non-manual part of the decision order. With
// lenient set (conversion path) sticky store failures degrade to a fresh
// unpersisted pick instead of failing the request; record lookup failures
// always degrade to fallback.
func (e *Engine) selectVariant(ctx context.Context, endpointName, userID string, lenient bool) (selection, error) {
	rec, err := e.readRecord(ctx, endpointName)
	if err != nil || rec.Deleted() {
		if err != nil {
			e.log.WithError(err).WithField("endpoint", endpointName).Warn("endpoint record unavailable, falling back to backend weights")
		}
		return selection{strategy: StrategyLabelFallback, status: http.StatusAccepted}, nil
	}

	var sticky string
	var ok bool
	err = e.call(ctx, "assignment get", func(c context.Context) error {
		var gerr error
		sticky, ok, gerr = e.assignments.Get(c, userID, endpointName)
		return gerr
	})
	if err != nil {
		if !lenient {
			return selection{}, errors.Wrap(err, "reading sticky assignment")
		}
		e.log.WithError(err).Warn("sticky lookup failed, selecting fresh")
		ok = false
	}
	// Stale assignments referencing variants that left the roster are
	// ignored and overwritten below.
	if ok && rec.HasVariant(sticky) {
		return selection{strategy: string(rec.Strategy), variant: sticky, status: http.StatusOK}, nil
	}

	strategy := rec.Strategy
	if rec.Underwarmed() {
		strategy = abtest.StrategyWeightedSampling
	}
	variant, err := e.cfg.NewSelector().Select(strategy, rec.StatsList(), rec.Epsilon)
	if err != nil {
		return selection{}, errors.Wrapf(err, "selecting variant for %q", endpointName)
	}

	err = e.call(ctx, "assignment put", func(c context.Context) error {
		return e.assignments.Put(c, userID, endpointName, variant, e.cfg.AssignmentTTL)
	})
	if err != nil {
		if !lenient {
			return selection{}, errors.Wrap(err, "persisting sticky assignment")
		}
		e.log.WithError(err).Warn("sticky assignment not persisted")
	}
	return selection{strategy: string(strategy), variant: variant, status: http.StatusCreated}, nil
}

func (e *Engine) readRecord(ctx context.Context, endpointName string) (*EndpointRecord, error) {
	var rec *EndpointRecord
	err := e.call(ctx, "metrics read", func(c context.Context) error {
		var rerr error
		rec, rerr = e.metrics.Read(c, endpointName)
		return rerr
	})
	return rec, err
}

// dispatch forwards the request to the inference backend. An empty target
// lets the backend route by its own variant weights.
func (e *Engine) dispatch(ctx context.Context, req InvocationRequest, target, inferenceID string) (InvokeOutput, error) {
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	dctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	out, err := e.backend.Invoke(dctx, InvokeInput{
		EndpointName:  req.EndpointName,
		TargetVariant: target,
		ContentType:   contentType,
		InferenceID:   inferenceID,
		Data:          req.Data,
	})
	if err != nil {
		return InvokeOutput{}, MarkBackendFailure(errors.Wrapf(err, "invoking endpoint %q", req.EndpointName))
	}
	return out, nil
}

func (e *Engine) emit(ctx context.Context, ev abtest.Event) error {
	return e.call(ctx, "event emit", func(c context.Context) error {
		return e.sink.Emit(c, []abtest.Event{ev})
	})
}

// call runs one store operation with a per-attempt timeout and the single
// transient retry.
func (e *Engine) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return callWithRetry(ctx, e.log, e.cfg.CallTimeout, op, fn)
}
