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
	"strconv"

	"github.com/pkg/errors"
)

// Variant weights are stored as decimal strings and computed on as floats.
// Canonicalization rounds to 10 significant digits (round half to even, as
// performed by strconv) so that the same stored weight always yields the
// same draw regardless of which writer produced it.
const weightDigits = 10

// FormatWeight renders a weight in its canonical at-rest form.
func FormatWeight(w float64) string {
	return strconv.FormatFloat(w, 'g', weightDigits, 64)
}

// ParseWeight reads a stored decimal weight back into its canonical float.
func ParseWeight(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse weight %q", s)
	}
	return CanonicalWeight(f), nil
}

// CanonicalWeight collapses a float onto the canonical 10-significant-digit
// grid. Idempotent: CanonicalWeight(CanonicalWeight(w)) == CanonicalWeight(w).
func CanonicalWeight(w float64) float64 {
	f, err := strconv.ParseFloat(FormatWeight(w), 64)
	if err != nil {
		return w
	}
	return f
}
