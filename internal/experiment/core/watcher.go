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
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"abtest/internal/sinks"
)

// AppliedSubdir is where consumed artifacts are parked, out of sight of
// the directory listing but available for replay and audit.
const AppliedSubdir = "applied"

const defaultResweep = 30 * time.Second

// ArtifactWatcher applies sealed artifacts as they land in the spool
// directory. Filesystem notifications give low latency; a periodic
// resweep retries artifacts whose fold failed and picks up anything a
// missed notification left behind. Applied artifacts move to the applied
// subdirectory, so leftovers in the hot directory always mean pending
// work.
type ArtifactWatcher struct {
	dir      string
	resweep  time.Duration
	applier  *Applier
	log      logrus.FieldLogger
	fsw      *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewArtifactWatcher starts watching dir for sealed artifacts. The
// directory is created when absent. Resweep <= 0 takes the default.
func NewArtifactWatcher(dir string, applier *Applier, resweep time.Duration, log logrus.FieldLogger) (*ArtifactWatcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if resweep <= 0 {
		resweep = defaultResweep
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create artifact dir %s", dir)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create filesystem watcher")
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watch artifact dir %s", dir)
	}
	return &ArtifactWatcher{
		dir:      dir,
		resweep:  resweep,
		applier:  applier,
		log:      log,
		fsw:      fsw,
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the watch loop. The initial sweep runs inside the loop
// so artifacts present before startup are applied without an event.
func (w *ArtifactWatcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sweep()
		ticker := time.NewTicker(w.resweep)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				// Sealing renames a temp file into place, which
				// surfaces as Create or Rename depending on the
				// platform.
				if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 && sinks.IsArtifact(filepath.Base(ev.Name)) {
					w.apply(ev.Name)
				}
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				w.log.WithError(err).Warn("filesystem watcher error")
			case <-ticker.C:
				w.sweep()
			case <-w.stopChan:
				return
			}
		}
	}()
	w.log.WithField("dir", w.dir).Info("artifact watcher started")
}

// Stop halts the loop and releases the filesystem watch. Safe to call
// more than once.
func (w *ArtifactWatcher) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
	if err := w.fsw.Close(); err != nil {
		w.log.WithError(err).Warn("closing filesystem watcher")
	}
	w.log.Info("artifact watcher stopped")
}

// Sweep applies every pending artifact once, oldest first. Exposed for
// one-shot runs and tests.
func (w *ArtifactWatcher) Sweep() { w.sweep() }

func (w *ArtifactWatcher) sweep() {
	paths, err := sinks.ListArtifacts(w.dir)
	if err != nil {
		w.log.WithError(err).Warn("listing artifacts")
		return
	}
	for _, p := range paths {
		w.apply(p)
	}
}

func (w *ArtifactWatcher) apply(path string) {
	if _, err := os.Stat(path); err != nil {
		// Already consumed by an earlier sweep racing this event.
		return
	}
	if _, err := w.applier.ApplyArtifact(context.Background(), path); err != nil {
		w.log.WithError(err).WithField("artifact", filepath.Base(path)).Error("artifact apply failed, will resweep")
		return
	}
	dst := filepath.Join(w.dir, AppliedSubdir, filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		w.log.WithError(err).Warn("could not create applied dir")
		return
	}
	if err := os.Rename(path, dst); err != nil {
		w.log.WithError(err).WithField("artifact", filepath.Base(path)).Warn("could not park applied artifact")
	}
}
