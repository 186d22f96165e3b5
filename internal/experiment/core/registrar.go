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
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"abtest"
)

// Envelope values of a SageMaker endpoint state change notification.
const (
	NotificationSource     = "aws.sagemaker"
	NotificationDetailType = "SageMaker Endpoint State Change"
)

// Endpoint statuses the registrar acts on.
const (
	StatusInService = "IN_SERVICE"
	StatusDeleting  = "DELETING"
)

// Endpoint tags the registrar reads.
const (
	TagEnabled  = "ab-testing:enabled"
	TagStrategy = "ab-testing:strategy"
	TagEpsilon  = "ab-testing:epsilon"
	TagWarmup   = "ab-testing:warmup"
	TagStage    = "sagemaker:deployment-stage"
)

// Notification is the lifecycle event envelope as delivered by the event
// bus. Field names follow the upstream JSON exactly.
type Notification struct {
	Source     string             `json:"source"`
	DetailType string             `json:"detail-type"`
	Detail     NotificationDetail `json:"detail"`
}

// NotificationDetail carries the endpoint state change itself.
type NotificationDetail struct {
	EndpointName   string            `json:"EndpointName"`
	EndpointStatus string            `json:"EndpointStatus"`
	Tags           map[string]string `json:"Tags"`
}

// Response is the registrar's verdict on one notification. StatusCode
// doubles as the HTTP status when the registrar is fronted by a route.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// RegistrarConfig scopes the registrar to one service instance.
type RegistrarConfig struct {
	// EndpointPrefix limits which endpoint names this instance manages.
	// Empty manages all names.
	EndpointPrefix string
	// StageName must equal the endpoint's deployment-stage tag. Empty
	// matches endpoints without the tag.
	StageName string
	// CallTimeout caps each store and backend attempt.
	CallTimeout time.Duration
	// Now supplies record timestamps.
	Now func() time.Time
}

// Registrar consumes endpoint lifecycle notifications and keeps the
// metrics records in step: IN_SERVICE (re)registers the roster read from
// the backend, DELETING soft-deletes. Notifications outside this
// instance's scope are filtered with a 304 and cause no writes.
type Registrar struct {
	metrics MetricsStore
	backend Backend
	log     logrus.FieldLogger
	cfg     RegistrarConfig
}

// NewRegistrar wires a registrar.
func NewRegistrar(metrics MetricsStore, backend Backend, log logrus.FieldLogger, cfg RegistrarConfig) *Registrar {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registrar{metrics: metrics, backend: backend, log: log, cfg: cfg}
}

// Handle processes one notification end to end. Every outcome is a
// Response; nothing escapes as an error.
func (r *Registrar) Handle(ctx context.Context, n Notification) Response {
	// Direct invocations may omit the envelope, but a foreign source is
	// a routing mistake worth rejecting loudly.
	if n.Source != "" && n.Source != NotificationSource {
		return Response{StatusCode: http.StatusBadRequest, Body: fmt.Sprintf("unexpected notification source %q", n.Source)}
	}
	if n.DetailType != "" && n.DetailType != NotificationDetailType {
		return Response{StatusCode: http.StatusBadRequest, Body: fmt.Sprintf("unexpected detail-type %q", n.DetailType)}
	}
	d := n.Detail
	if d.EndpointName == "" {
		return Response{StatusCode: http.StatusBadRequest, Body: "notification missing EndpointName"}
	}
	if reason := r.filterReason(d); reason != "" {
		r.log.WithFields(logrus.Fields{"endpoint": d.EndpointName, "reason": reason}).Debug("notification filtered")
		return Response{StatusCode: http.StatusNotModified, Body: reason}
	}

	switch d.EndpointStatus {
	case StatusInService:
		return r.register(ctx, d)
	case StatusDeleting:
		return r.retire(ctx, d.EndpointName)
	default:
		return Response{StatusCode: http.StatusBadRequest, Body: fmt.Sprintf("unhandled endpoint status %q", d.EndpointStatus)}
	}
}

// HandleNotification decodes a notification payload and hands it to
// Handle. It is the entry point for transports that deliver opaque
// bytes, such as the pub/sub subscriber in cmd/abtest-lifecycle.
func (r *Registrar) HandleNotification(ctx context.Context, raw []byte) Response {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Response{StatusCode: http.StatusBadRequest, Body: fmt.Sprintf("malformed notification: %v", err)}
	}
	return r.Handle(ctx, n)
}

// filterReason returns a non-empty explanation when the notification is
// outside this instance's scope.
func (r *Registrar) filterReason(d NotificationDetail) string {
	if !strings.HasPrefix(d.EndpointName, r.cfg.EndpointPrefix) {
		return fmt.Sprintf("endpoint %q outside managed prefix %q", d.EndpointName, r.cfg.EndpointPrefix)
	}
	if d.Tags[TagEnabled] != "true" {
		return fmt.Sprintf("endpoint %q not tagged %s=true", d.EndpointName, TagEnabled)
	}
	if d.Tags[TagStage] != r.cfg.StageName {
		return fmt.Sprintf("endpoint %q stage %q does not match %q", d.EndpointName, d.Tags[TagStage], r.cfg.StageName)
	}
	return ""
}

func (r *Registrar) register(ctx context.Context, d NotificationDetail) Response {
	strategy := abtest.DefaultStrategy
	if raw, ok := d.Tags[TagStrategy]; ok {
		parsed, err := abtest.ParseStrategy(raw)
		if err != nil {
			return Response{StatusCode: http.StatusBadRequest, Body: fmt.Sprintf("invalid %s tag %q", TagStrategy, raw)}
		}
		strategy = parsed
	}
	epsilon := abtest.DefaultEpsilon
	if raw, ok := d.Tags[TagEpsilon]; ok {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(parsed) || parsed < 0 || parsed > 1 {
			return Response{StatusCode: http.StatusBadRequest, Body: fmt.Sprintf("invalid %s tag %q, want a number in [0,1]", TagEpsilon, raw)}
		}
		epsilon = parsed
	}
	warmup := abtest.DefaultWarmup
	if raw, ok := d.Tags[TagWarmup]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return Response{StatusCode: http.StatusBadRequest, Body: fmt.Sprintf("invalid %s tag %q, want a non-negative integer", TagWarmup, raw)}
		}
		warmup = parsed
	}

	var roster []VariantConfig
	err := r.call(ctx, "describe endpoint", func(c context.Context) error {
		var derr error
		roster, derr = r.backend.DescribeEndpoint(c, d.EndpointName)
		return derr
	})
	if err != nil {
		r.log.WithError(err).WithField("endpoint", d.EndpointName).Error("roster lookup failed")
		return Response{StatusCode: http.StatusBadGateway, Body: fmt.Sprintf("describing endpoint %q: %v", d.EndpointName, err)}
	}
	if len(roster) == 0 {
		return Response{StatusCode: http.StatusBadGateway, Body: fmt.Sprintf("endpoint %q reports no variants", d.EndpointName)}
	}

	var existed bool
	err = r.call(ctx, "register endpoint", func(c context.Context) error {
		var rerr error
		existed, rerr = r.metrics.Register(c, RegisterInput{
			EndpointName: d.EndpointName,
			Variants:     roster,
			Strategy:     strategy,
			Epsilon:      epsilon,
			Warmup:       warmup,
			Timestamp:    r.cfg.Now().UnixMilli(),
		})
		return rerr
	})
	if err != nil {
		r.log.WithError(err).WithField("endpoint", d.EndpointName).Error("registration write failed")
		return Response{StatusCode: http.StatusInternalServerError, Body: fmt.Sprintf("registering endpoint %q: %v", d.EndpointName, err)}
	}

	r.log.WithFields(logrus.Fields{
		"endpoint": d.EndpointName,
		"variants": len(roster),
		"strategy": strategy,
		"existed":  existed,
	}).Info("endpoint registered")
	if existed {
		return Response{StatusCode: http.StatusOK, Body: fmt.Sprintf("endpoint %q re-registered with %d variants", d.EndpointName, len(roster))}
	}
	return Response{StatusCode: http.StatusCreated, Body: fmt.Sprintf("endpoint %q registered with %d variants", d.EndpointName, len(roster))}
}

func (r *Registrar) retire(ctx context.Context, endpointName string) Response {
	err := r.call(ctx, "soft delete endpoint", func(c context.Context) error {
		return r.metrics.SoftDelete(c, endpointName, r.cfg.Now().UnixMilli())
	})
	if err != nil {
		r.log.WithError(err).WithField("endpoint", endpointName).Error("soft delete failed")
		return Response{StatusCode: http.StatusInternalServerError, Body: fmt.Sprintf("retiring endpoint %q: %v", endpointName, err)}
	}
	r.log.WithField("endpoint", endpointName).Info("endpoint soft-deleted")
	return Response{StatusCode: http.StatusOK, Body: fmt.Sprintf("endpoint %q retired", endpointName)}
}

func (r *Registrar) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return callWithRetry(ctx, r.log, r.cfg.CallTimeout, op, fn)
}
