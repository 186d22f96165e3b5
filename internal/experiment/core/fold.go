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
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"abtest"
)

// GroupEvents validates a batch and folds it into per-(endpoint, variant)
// deltas. Invalid events are dropped and counted in skipped; they never
// poison the rest of the batch. Groups come back sorted by endpoint then
// variant, so the same batch always produces the same apply order.
func GroupEvents(events []abtest.Event) (groups []FoldGroup, skipped int) {
	valid := make([]abtest.Event, 0, len(events))
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			skipped++
			continue
		}
		valid = append(valid, ev)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		if valid[i].EndpointName != valid[j].EndpointName {
			return valid[i].EndpointName < valid[j].EndpointName
		}
		return valid[i].EndpointVariant < valid[j].EndpointVariant
	})

	for _, ev := range valid {
		n := len(groups)
		if n == 0 || groups[n-1].EndpointName != ev.EndpointName || groups[n-1].VariantName != ev.EndpointVariant {
			groups = append(groups, FoldGroup{EndpointName: ev.EndpointName, VariantName: ev.EndpointVariant})
			n++
		}
		g := &groups[n-1]
		switch ev.Type {
		case abtest.EventInvocation:
			g.Invocations++
		case abtest.EventConversion:
			g.Conversions++
			g.Reward += ev.RewardValue()
		}
	}
	return groups, skipped
}

// Folder is the single entry point through which events become counters.
// Both delivery modes end here: the synchronous sink folds inline, the
// batch applier folds whole artifacts.
type Folder struct {
	metrics MetricsStore
	series  TimeSeries
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewFolder builds a Folder. A nil series disables telemetry emission.
func NewFolder(metrics MetricsStore, series TimeSeries, log logrus.FieldLogger) *Folder {
	if series == nil {
		series = NopSeries{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Folder{metrics: metrics, series: series, log: log, now: time.Now}
}

// Fold groups the batch, applies each group atomically and, on success,
// forwards the deltas to the time series. Unknown or soft-deleted
// endpoints still accept folds; only store failures abort.
func (f *Folder) Fold(ctx context.Context, events []abtest.Event) ([]GroupResult, error) {
	groups, skipped := GroupEvents(events)
	if skipped > 0 {
		f.log.WithField("count", skipped).Warn("dropping events that failed validation")
	}
	if len(groups) == 0 {
		return nil, nil
	}
	results, err := f.metrics.ApplyGroups(ctx, groups, f.now().UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "applying event groups")
	}
	for _, g := range groups {
		f.series.EmitGroup(g.EndpointName, g.VariantName, g.Invocations, g.Conversions, g.Reward)
	}
	return results, nil
}
