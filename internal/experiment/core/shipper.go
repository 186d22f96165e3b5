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
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"abtest/internal/sinks"
)

const (
	defaultShipInterval = 5 * time.Second
	defaultShipBatch    = 500
)

// Shipper moves event lines from the durable stream into the local spool,
// acknowledging only what landed. Entries stay on the stream until acked,
// so a crash between append and ack replays them; delivery downstream is
// therefore at-least-once.
type Shipper struct {
	stream   StreamReader
	spool    *sinks.EventSpool
	log      logrus.FieldLogger
	interval time.Duration
	batch    int64
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewShipper wires a shipper. Non-positive interval or batch take the
// defaults.
func NewShipper(stream StreamReader, spool *sinks.EventSpool, interval time.Duration, batch int64, log logrus.FieldLogger) *Shipper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = defaultShipInterval
	}
	if batch <= 0 {
		batch = defaultShipBatch
	}
	return &Shipper{
		stream:   stream,
		spool:    spool,
		log:      log,
		interval: interval,
		batch:    batch,
		stopChan: make(chan struct{}),
	}
}

// Start launches the drain loop.
func (s *Shipper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.ShipOnce(context.Background()); err != nil {
					s.log.WithError(err).Warn("stream drain failed, will retry")
				}
			case <-s.stopChan:
				return
			}
		}
	}()
	s.log.WithField("interval", s.interval).Info("stream shipper started")
}

// Stop halts the loop after a final drain. Safe to call more than once.
func (s *Shipper) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	if _, err := s.ShipOnce(context.Background()); err != nil {
		s.log.WithError(err).Warn("final stream drain failed")
	}
	s.log.Info("stream shipper stopped")
}

// ShipOnce drains up to one batch and returns how many entries shipped.
// A mid-batch spool failure acks the shipped prefix and leaves the rest
// on the stream.
func (s *Shipper) ShipOnce(ctx context.Context) (int, error) {
	entries, err := s.stream.Read(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(entries))
	var appendErr error
	for _, en := range entries {
		if appendErr = s.spool.AppendRaw(en.Payload); appendErr != nil {
			break
		}
		ids = append(ids, en.ID)
	}
	if len(ids) > 0 {
		if err := s.stream.Ack(ctx, ids); err != nil {
			// Unacked entries come back on the next read and append
			// again: duplicates, never losses.
			s.log.WithError(err).WithField("count", len(ids)).Warn("ack failed, entries will replay")
		}
	}
	if appendErr != nil {
		return len(ids), appendErr
	}
	return len(ids), nil
}
