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
	"time"

	"github.com/sirupsen/logrus"
)

// withRetry runs fn and, when it fails with a transient store error,
// runs it exactly once more. Non-transient errors and second failures
// surface unchanged.
func withRetry(log logrus.FieldLogger, op string, fn func() error) error {
	err := fn()
	if err == nil || !IsTransient(err) {
		return err
	}
	log.WithError(err).WithField("op", op).Warn("transient store failure, retrying once")
	return fn()
}

// callWithRetry wraps withRetry with a fresh per-attempt deadline, the
// shape every store and backend call in this package uses.
func callWithRetry(ctx context.Context, log logrus.FieldLogger, timeout time.Duration, op string, fn func(context.Context) error) error {
	attempt := func() error {
		c, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(c)
	}
	return withRetry(log, op, attempt)
}
