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

// Package replay reconstructs per-variant counters from event artifacts
// offline. Events commute under folding, so replaying the full artifact
// history in any order must land on the same counters the live store
// holds; Diff reports where the two projections disagree, which is the
// audit used when a store is suspected of drift or needs rebuilding.
package replay

import (
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"abtest"
	"abtest/pkg/jsonl"
)

// Cell addresses one counter tuple.
type Cell struct {
	EndpointName string
	VariantName  string
}

// Tally is the reconstructed counter tuple for one cell.
type Tally struct {
	Invocations int64
	Conversions int64
	RewardSum   float64
}

// Projection is an in-memory counter model built from replayed events.
type Projection struct {
	cells map[Cell]Tally

	// Lines and Skipped count every line visited and every line dropped
	// as malformed across all Read calls.
	Lines   int
	Skipped int
}

func NewProjection() *Projection {
	return &Projection{cells: make(map[Cell]Tally)}
}

func (p *Projection) apply(ev abtest.Event) {
	k := Cell{EndpointName: ev.EndpointName, VariantName: ev.EndpointVariant}
	t := p.cells[k]
	switch ev.Type {
	case abtest.EventInvocation:
		t.Invocations++
	case abtest.EventConversion:
		t.Conversions++
		t.RewardSum += ev.RewardValue()
	}
	p.cells[k] = t
}

// ReadLog folds a stream of JSON event lines into the projection.
// Malformed lines are counted and skipped, matching the live applier.
func (p *Projection) ReadLog(r io.Reader) error {
	s := jsonl.NewScanner(r)
	for s.Scan() {
		p.Lines++
		ev, err := abtest.ParseEventLine(s.Bytes())
		if err != nil {
			p.Skipped++
			continue
		}
		p.apply(ev)
	}
	return s.Err()
}

// ReadArtifact folds one sealed gzip artifact into the projection.
func (p *Projection) ReadArtifact(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	return p.ReadLog(zr)
}

// ReadDir folds every artifact under dir, descending into subdirectories
// so batches already parked by the applier are replayed too. Artifacts
// are visited in name order, though order cannot change the outcome.
func (p *Projection) ReadDir(dir string) error {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		base := filepath.Base(path)
		if d.Type().IsRegular() && strings.HasSuffix(base, ".jsonl.gz") && !strings.HasPrefix(base, ".") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := p.ReadArtifact(path); err != nil {
			return err
		}
	}
	return nil
}

// Tally returns the reconstructed counters for one cell.
func (p *Projection) Tally(endpointName, variantName string) Tally {
	return p.cells[Cell{EndpointName: endpointName, VariantName: variantName}]
}

// Cells exposes the internal state map for inspection in demos/tools.
// Note: returned map is the live backing store; callers should treat it as read-only.
func (p *Projection) Cells() map[Cell]Tally { return p.cells }

// Mismatch is one disagreement between the replayed projection and a
// store's view of the same endpoint.
type Mismatch struct {
	Cell  Cell
	Field string // "invocations", "conversions" or "reward_sum"
	Log   float64
	Store float64
}

// Diff compares the projection's cells for one endpoint against the
// store's variant statistics. Variants present on either side only are
// reported as mismatches on every non-zero field.
func (p *Projection) Diff(endpointName string, stats []abtest.VariantStats) []Mismatch {
	seen := make(map[string]bool, len(stats))
	var out []Mismatch
	addIf := func(cell Cell, field string, log, store float64) {
		if log != store {
			out = append(out, Mismatch{Cell: cell, Field: field, Log: log, Store: store})
		}
	}
	for _, vs := range stats {
		seen[vs.VariantName] = true
		cell := Cell{EndpointName: endpointName, VariantName: vs.VariantName}
		t := p.cells[cell]
		addIf(cell, "invocations", float64(t.Invocations), float64(vs.InvocationCount))
		addIf(cell, "conversions", float64(t.Conversions), float64(vs.ConversionCount))
		addIf(cell, "reward_sum", t.RewardSum, vs.RewardSum)
	}
	for cell, t := range p.cells {
		if cell.EndpointName != endpointName || seen[cell.VariantName] {
			continue
		}
		addIf(cell, "invocations", float64(t.Invocations), 0)
		addIf(cell, "conversions", float64(t.Conversions), 0)
		addIf(cell, "reward_sum", t.RewardSum, 0)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cell != out[j].Cell {
			if out[i].Cell.EndpointName != out[j].Cell.EndpointName {
				return out[i].Cell.EndpointName < out[j].Cell.EndpointName
			}
			return out[i].Cell.VariantName < out[j].Cell.VariantName
		}
		return out[i].Field < out[j].Field
	})
	return out
}
