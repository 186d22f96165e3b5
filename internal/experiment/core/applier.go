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
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"abtest"
	"abtest/internal/sinks"
)

// ApplyReport summarizes one artifact fold.
type ApplyReport struct {
	Artifact string
	Lines    int
	Events   int
	Skipped  int
	Groups   []GroupResult
}

// Applier folds event artifacts into the metrics store. Individual bad
// lines are skipped; a store failure fails the whole artifact so the
// enclosing trigger re-applies it later. Groups are idempotent per batch,
// not per event, so a re-applied artifact counts twice; the delivery
// stream guards against that by acknowledging only shipped entries.
type Applier struct {
	folder *Folder
	log    logrus.FieldLogger
}

// NewApplier builds an applier on top of the shared fold.
func NewApplier(folder *Folder, log logrus.FieldLogger) *Applier {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Applier{folder: folder, log: log}
}

// ApplyArtifact reads one gzip JSONL artifact and folds its events.
func (a *Applier) ApplyArtifact(ctx context.Context, path string) (*ApplyReport, error) {
	name := filepath.Base(path)
	var events []abtest.Event
	skipped := 0
	lines, err := sinks.ReadArtifact(path, func(line []byte) error {
		ev, perr := abtest.ParseEventLine(line)
		if perr != nil {
			skipped++
			a.log.WithError(perr).WithField("artifact", name).Warn("skipping event line")
			return nil
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading artifact %s", name)
	}

	results, err := a.folder.Fold(ctx, events)
	if err != nil {
		return nil, errors.Wrapf(err, "folding artifact %s", name)
	}
	report := &ApplyReport{
		Artifact: name,
		Lines:    lines,
		Events:   len(events),
		Skipped:  skipped,
		Groups:   results,
	}
	a.log.WithFields(logrus.Fields{
		"artifact": name,
		"events":   report.Events,
		"skipped":  report.Skipped,
		"groups":   len(report.Groups),
	}).Info("artifact applied")
	return report, nil
}
