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

// Package core integration tests covering the artifact apply path end to
// end: real spool files on disk folded into the metrics store.
package core

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"abtest"
	"abtest/internal/sinks"
)

// sealArtifact writes the events through a real spool and seals them into
// one artifact, returning its path.
func sealArtifact(t *testing.T, dir string, events ...abtest.Event) string {
	t.Helper()
	spool, err := sinks.NewEventSpool(dir, sinks.SpoolOptions{Log: testLogger()})
	if err != nil {
		t.Fatalf("create spool: %v", err)
	}
	for _, ev := range events {
		if err := spool.Append(ev); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := spool.Close(); err != nil {
		t.Fatalf("close spool: %v", err)
	}
	paths, err := sinks.ListArtifacts(dir)
	if err != nil || len(paths) == 0 {
		t.Fatalf("no artifact sealed: paths=%v err=%v", paths, err)
	}
	return paths[len(paths)-1]
}

// writeRawArtifact crafts an artifact byte by byte, for malformed-line
// cases a healthy spool never produces.
func writeRawArtifact(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, sinks.ArtifactName(time.Now()))
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	zw := gzip.NewWriter(f)
	for _, l := range lines {
		if _, err := zw.Write([]byte(l + "\n")); err != nil {
			t.Fatalf("write line: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

// TestApplier_FoldsArtifact verifies a sealed artifact lands in the
// store with exact counter totals.
func TestApplier_FoldsArtifact(t *testing.T) {
	dir := t.TempDir()
	path := sealArtifact(t, dir,
		invocationEvent("ep", "v1"),
		invocationEvent("ep", "v1"),
		invocationEvent("ep", "v2"),
		conversionEvent("ep", "v1", 2),
		conversionEvent("ep", "v1", 0.5),
	)

	metrics := newMemMetrics()
	applier := NewApplier(NewFolder(metrics, nil, testLogger()), testLogger())

	report, err := applier.ApplyArtifact(context.Background(), path)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if report.Lines != 5 || report.Events != 5 || report.Skipped != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %+v", report.Groups)
	}
	v1 := metrics.variant("ep", "v1")
	if v1.InvocationCount != 2 || v1.ConversionCount != 2 || v1.RewardSum != 2.5 {
		t.Fatalf("unexpected v1 counters: %+v", v1)
	}
	v2 := metrics.variant("ep", "v2")
	if v2.InvocationCount != 1 {
		t.Fatalf("unexpected v2 counters: %+v", v2)
	}
}

// TestApplier_SkipsBadLines verifies malformed and foreign lines are
// dropped without blocking the valid remainder.
func TestApplier_SkipsBadLines(t *testing.T) {
	dir := t.TempDir()
	good, err := invocationEvent("ep", "v1").MarshalLine()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := writeRawArtifact(t, dir,
		string(good[:len(good)-1]),
		"{not json",
		`{"type":"deployment","endpoint_name":"ep"}`,
	)

	metrics := newMemMetrics()
	applier := NewApplier(NewFolder(metrics, nil, testLogger()), testLogger())

	report, err := applier.ApplyArtifact(context.Background(), path)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if report.Lines != 3 || report.Events != 1 || report.Skipped != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := metrics.variant("ep", "v1"); got.InvocationCount != 1 {
		t.Fatalf("valid line not folded: %+v", got)
	}
}

// TestApplier_StoreFailureFailsWholeArtifact verifies a store outage
// fails the artifact so the trigger can re-apply it, and that a later
// attempt succeeds.
func TestApplier_StoreFailureFailsWholeArtifact(t *testing.T) {
	dir := t.TempDir()
	path := sealArtifact(t, dir, invocationEvent("ep", "v1"))

	metrics := newMemMetrics()
	metrics.failApplies = 1
	applier := NewApplier(NewFolder(metrics, nil, testLogger()), testLogger())

	if _, err := applier.ApplyArtifact(context.Background(), path); err == nil {
		t.Fatalf("expected apply to fail on store outage")
	}
	if got := metrics.variant("ep", "v1"); got.InvocationCount != 0 {
		t.Fatalf("failed apply must not count: %+v", got)
	}

	if _, err := applier.ApplyArtifact(context.Background(), path); err != nil {
		t.Fatalf("re-apply failed: %v", err)
	}
	if got := metrics.variant("ep", "v1"); got.InvocationCount != 1 {
		t.Fatalf("re-apply must count exactly once: %+v", got)
	}
}

// TestApplier_MissingArtifact verifies unreadable paths surface an error.
func TestApplier_MissingArtifact(t *testing.T) {
	metrics := newMemMetrics()
	applier := NewApplier(NewFolder(metrics, nil, testLogger()), testLogger())
	if _, err := applier.ApplyArtifact(context.Background(), filepath.Join(t.TempDir(), "events-gone.jsonl.gz")); err == nil {
		t.Fatalf("expected error for missing artifact")
	}
}
