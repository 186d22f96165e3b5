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

import "testing"

func TestFormatWeight(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0.9, "0.9"},
		{1.0, "1"},
		{0.5, "0.5"},
		{0, "0"},
		{0.123456789012345, "0.123456789"},
		{123456789012.0, "1.23456789e+11"},
	}
	for _, tc := range cases {
		if got := FormatWeight(tc.in); got != tc.want {
			t.Errorf("FormatWeight(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestCanonicalWeight_Idempotent ensures repeated canonicalization lands on
// the same grid point; draws computed from stored weights must match draws
// computed from freshly parsed ones.
func TestCanonicalWeight_Idempotent(t *testing.T) {
	for _, w := range []float64{0.9, 0.1, 1.0 / 3.0, 0.123456789012345, 2.5e-7} {
		once := CanonicalWeight(w)
		twice := CanonicalWeight(once)
		if once != twice {
			t.Errorf("CanonicalWeight(%v) not idempotent: %v then %v", w, once, twice)
		}
	}
}

func TestParseWeight(t *testing.T) {
	got, err := ParseWeight("0.9")
	if err != nil {
		t.Fatalf("ParseWeight(0.9): %v", err)
	}
	if FormatWeight(got) != "0.9" {
		t.Fatalf("ParseWeight(0.9) round trip = %q", FormatWeight(got))
	}

	if _, err := ParseWeight("33%"); err == nil {
		t.Fatal("expected error for non-numeric weight")
	}
}

// TestWeightRoundTripStability checks format -> parse -> format stability,
// the property that makes decimal-at-rest safe across writers.
func TestWeightRoundTripStability(t *testing.T) {
	for _, w := range []float64{0.9, 0.1, 0.333333333333, 1, 42.4242424242424242} {
		s := FormatWeight(CanonicalWeight(w))
		parsed, err := ParseWeight(s)
		if err != nil {
			t.Fatalf("ParseWeight(%q): %v", s, err)
		}
		if FormatWeight(parsed) != s {
			t.Errorf("weight %v unstable at rest: %q -> %q", w, s, FormatWeight(parsed))
		}
	}
}
