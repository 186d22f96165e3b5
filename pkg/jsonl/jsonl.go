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

// Package jsonl implements buffered reading and writing of newline-delimited
// JSON, the wire form shared by the event spool, the delivery stream, and
// batch artifacts.
package jsonl

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"
)

const (
	defaultBufSize = 1 << 20 // 1MiB
	maxLineSize    = 1 << 26

	// flushAfter bounds how long an encoded line may sit in the buffer.
	flushAfter = 100 * time.Millisecond
)

// Writer appends values as JSON lines to an underlying writer. It is safe
// for concurrent use and flushes on a small time bound so a crash loses at
// most the last fraction of a second of lines.
type Writer struct {
	mu        sync.Mutex
	w         *bufio.Writer
	written   int64
	lastFlush time.Time
}

// NewWriter wraps w with a 1MiB buffer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, defaultBufSize), lastFlush: time.Now()}
}

// Encode marshals v and appends it as one newline-terminated line.
func (w *Writer) Encode(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteLine(b)
}

// WriteLine appends one raw line, adding the trailing newline when absent.
func (w *Writer) WriteLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.w.Write(line)
	w.written += int64(n)
	if err != nil {
		return err
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if err := w.w.WriteByte('\n'); err != nil {
			return err
		}
		w.written++
	}
	if time.Since(w.lastFlush) > flushAfter {
		w.lastFlush = time.Now()
		return w.w.Flush()
	}
	return nil
}

// Written reports the number of bytes accepted so far, flushed or not.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Flush forces buffered lines to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFlush = time.Now()
	return w.w.Flush()
}

// Scanner iterates JSON lines with a buffer large enough for fat payloads.
type Scanner struct {
	s *bufio.Scanner
}

// NewScanner wraps r. Lines up to 64MiB are accepted.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, defaultBufSize), maxLineSize)
	return &Scanner{s: s}
}

// Scan advances to the next non-empty line.
func (s *Scanner) Scan() bool {
	for s.s.Scan() {
		if len(s.s.Bytes()) > 0 {
			return true
		}
	}
	return false
}

// Bytes returns the current line without the trailing newline. The slice is
// only valid until the next Scan call.
func (s *Scanner) Bytes() []byte { return s.s.Bytes() }

// Decode unmarshals the current line into v.
func (s *Scanner) Decode(v interface{}) error { return json.Unmarshal(s.s.Bytes(), v) }

// Err reports the first error hit while scanning.
func (s *Scanner) Err() error { return s.s.Err() }
