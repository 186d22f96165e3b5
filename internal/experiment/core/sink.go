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

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"abtest"
	"abtest/internal/sinks"
)

// DirectSink folds events into the metrics store before returning, so an
// invocation response implies its counters landed. Fold failures surface
// to the caller.
type DirectSink struct {
	folder *Folder
}

// NewDirectSink builds the synchronous delivery sink.
func NewDirectSink(folder *Folder) *DirectSink { return &DirectSink{folder: folder} }

// Emit folds the batch inline.
func (s *DirectSink) Emit(ctx context.Context, events []abtest.Event) error {
	_, err := s.folder.Fold(ctx, events)
	return err
}

// SpoolSink appends events to the local NDJSON spool for the batch
// applier to pick up. Append failures are logged and dropped; the request
// path never fails on delivery.
type SpoolSink struct {
	spool *sinks.EventSpool
	log   logrus.FieldLogger
}

// NewSpoolSink builds the spool-backed asynchronous sink.
func NewSpoolSink(spool *sinks.EventSpool, log logrus.FieldLogger) *SpoolSink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SpoolSink{spool: spool, log: log}
}

// Emit appends each event as one spool line.
func (s *SpoolSink) Emit(_ context.Context, events []abtest.Event) error {
	for _, ev := range events {
		if err := s.spool.Append(ev); err != nil {
			s.log.WithError(err).WithField("endpoint", ev.EndpointName).Error("dropping event, spool append failed")
		}
	}
	return nil
}

// StreamSink appends events to the durable stream a shipper drains into
// artifacts. Like the spool sink it is best-effort from the request
// path's point of view.
type StreamSink struct {
	stream StreamWriter
	log    logrus.FieldLogger
}

// NewStreamSink builds the stream-backed asynchronous sink.
func NewStreamSink(stream StreamWriter, log logrus.FieldLogger) *StreamSink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StreamSink{stream: stream, log: log}
}

// Emit appends each event as one stream entry.
func (s *StreamSink) Emit(ctx context.Context, events []abtest.Event) error {
	for _, ev := range events {
		line, err := ev.MarshalLine()
		if err != nil {
			s.log.WithError(errors.Wrap(err, "encoding event")).Error("dropping event")
			continue
		}
		if err := s.stream.Append(ctx, line); err != nil {
			s.log.WithError(err).WithField("endpoint", ev.EndpointName).Error("dropping event, stream append failed")
		}
	}
	return nil
}
