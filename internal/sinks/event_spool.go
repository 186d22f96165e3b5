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

// Package sinks provides the durable file tail of the asynchronous delivery
// path: an append-only JSONL spool that rotates into gzip batch artifacts,
// and the reader side used by the batch applier and replay tooling.
package sinks

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"abtest"
	"abtest/pkg/jsonl"
)

const (
	defaultMaxBytes = 8 << 20 // 8MiB per segment
	defaultMaxAge   = time.Minute

	openSuffix = ".open.jsonl"
)

// SpoolOptions tunes segment rotation. Zero values pick the defaults.
type SpoolOptions struct {
	// MaxBytes rotates the active segment once it holds this many bytes.
	MaxBytes int64
	// MaxAge rotates a non-empty segment that has been open this long, so
	// low-traffic endpoints still produce artifacts promptly.
	MaxAge time.Duration
	Log    logrus.FieldLogger
}

// EventSpool accumulates event lines in an active segment file and seals
// full or aged segments into gzip artifacts inside the same directory.
// Artifacts appear atomically (temp write, fsync, rename), so a watcher
// never observes a half-written batch. Safe for concurrent use.
type EventSpool struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	maxAge   time.Duration
	log      logrus.FieldLogger

	f        *os.File
	w        *jsonl.Writer
	segPath  string
	openedAt time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewEventSpool prepares a spool rooted at dir, creating it when missing.
// Orphaned segments from a previous crash are sealed immediately so no
// buffered events are stranded.
func NewEventSpool(dir string, opts SpoolOptions) (*EventSpool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create spool dir %s", dir)
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	s := &EventSpool{
		dir:      dir,
		maxBytes: opts.MaxBytes,
		maxAge:   opts.MaxAge,
		log:      opts.Log,
		stopChan: make(chan struct{}),
	}
	if err := s.recoverOrphans(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append serializes one event onto the active segment.
func (s *EventSpool) Append(ev abtest.Event) error {
	line, err := ev.MarshalLine()
	if err != nil {
		return err
	}
	return s.AppendRaw(line)
}

// AppendRaw writes one pre-serialized JSON line, rotating first if the
// segment is already at capacity.
func (s *EventSpool) AppendRaw(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return err
	}
	if err := s.w.WriteLine(line); err != nil {
		return errors.Wrap(err, "append to spool segment")
	}
	if s.w.Written() >= s.maxBytes {
		return s.rotateLocked()
	}
	return nil
}

// Rotate seals the active segment regardless of size or age. A no-op when
// nothing has been written.
func (s *EventSpool) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

// RotateIfAged seals the active segment once it outlives MaxAge.
func (s *EventSpool) RotateIfAged() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil || s.w.Written() == 0 {
		return nil
	}
	if time.Since(s.openedAt) < s.maxAge {
		return nil
	}
	return s.rotateLocked()
}

// Flush pushes buffered lines to the segment file.
func (s *EventSpool) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	return s.w.Flush()
}

// Start launches the background keeper that flushes the buffer and applies
// the age bound. Mirrors the worker lifecycle used across the codebase:
// idempotent Stop via CAS, WaitGroup joined on shutdown.
func (s *EventSpool) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Flush(); err != nil {
					s.log.WithError(err).Warn("spool flush failed")
				}
				if err := s.RotateIfAged(); err != nil {
					s.log.WithError(err).Warn("spool age rotation failed")
				}
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop halts the keeper. Safe to call multiple times.
func (s *EventSpool) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
}

// Close stops the keeper and seals whatever remains in the segment.
func (s *EventSpool) Close() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

// Dir returns the directory artifacts are written to.
func (s *EventSpool) Dir() string { return s.dir }

func (s *EventSpool) openLocked() error {
	if s.f != nil {
		return nil
	}
	name := "segment-" + uuid.NewString() + openSuffix
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open spool segment %s", path)
	}
	s.f = f
	s.w = jsonl.NewWriter(f)
	s.segPath = path
	s.openedAt = time.Now()
	return nil
}

func (s *EventSpool) rotateLocked() error {
	if s.f == nil {
		return nil
	}
	if s.w.Written() == 0 {
		// Empty segment: drop it instead of publishing an empty artifact.
		path := s.segPath
		_ = s.f.Close()
		s.f, s.w, s.segPath = nil, nil, ""
		return os.Remove(path)
	}
	if err := s.w.Flush(); err != nil {
		return errors.Wrap(err, "flush before rotation")
	}
	if err := s.f.Sync(); err != nil {
		return errors.Wrap(err, "sync before rotation")
	}
	if err := s.f.Close(); err != nil {
		return errors.Wrap(err, "close segment")
	}
	path := s.segPath
	s.f, s.w, s.segPath = nil, nil, ""

	artifact, err := sealSegment(s.dir, path)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"artifact": filepath.Base(artifact)}).Info("sealed event artifact")
	return nil
}

// recoverOrphans seals segments left behind by a previous process.
func (s *EventSpool) recoverOrphans() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "segment-*"+openSuffix))
	if err != nil {
		return errors.Wrap(err, "scan spool dir")
	}
	for _, seg := range matches {
		info, err := os.Stat(seg)
		if err != nil {
			continue
		}
		if info.Size() == 0 {
			_ = os.Remove(seg)
			continue
		}
		artifact, err := sealSegment(s.dir, seg)
		if err != nil {
			return errors.Wrapf(err, "recover segment %s", seg)
		}
		s.log.WithFields(logrus.Fields{"artifact": filepath.Base(artifact)}).Info("recovered orphaned segment")
	}
	return nil
}
