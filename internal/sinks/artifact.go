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

package sinks

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"abtest/pkg/jsonl"
)

// ArtifactSuffix marks sealed batch artifacts: gzip-compressed JSON lines.
const ArtifactSuffix = ".jsonl.gz"

const tmpPrefix = ".tmp-"

// IsArtifact reports whether name looks like a sealed batch artifact.
func IsArtifact(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ArtifactSuffix) && !strings.HasPrefix(base, tmpPrefix)
}

// ArtifactName mints a unique, chronologically sortable artifact name.
func ArtifactName(ts time.Time) string {
	return fmt.Sprintf("events-%020d-%s%s", ts.UnixNano(), uuid.NewString()[:8], ArtifactSuffix)
}

// sealSegment gzips a finished segment into an artifact. The compressed
// file is written under a temp name and renamed into place only after a
// successful sync, then the segment is removed.
func sealSegment(dir, segPath string) (string, error) {
	src, err := os.Open(segPath)
	if err != nil {
		return "", errors.Wrapf(err, "open segment %s", segPath)
	}
	defer src.Close()

	name := ArtifactName(time.Now())
	tmpPath := filepath.Join(dir, tmpPrefix+name)
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", errors.Wrapf(err, "create artifact temp %s", tmpPath)
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return "", errors.Wrap(err, "compress segment")
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return "", errors.Wrap(err, "finish gzip stream")
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return "", errors.Wrap(err, "sync artifact")
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", errors.Wrap(err, "close artifact")
	}

	finalPath := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", errors.Wrap(err, "publish artifact")
	}
	if err := os.Remove(segPath); err != nil {
		return "", errors.Wrapf(err, "remove sealed segment %s", segPath)
	}
	return finalPath, nil
}

// ReadArtifact streams the JSON lines of one artifact through fn. It
// returns the number of lines visited; fn returning an error aborts the
// scan and surfaces that error.
func ReadArtifact(path string, fn func(line []byte) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open artifact %s", path)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "gunzip artifact %s", path)
	}
	defer zr.Close()

	lines := 0
	s := jsonl.NewScanner(zr)
	for s.Scan() {
		lines++
		if err := fn(s.Bytes()); err != nil {
			return lines, err
		}
	}
	if err := s.Err(); err != nil {
		return lines, errors.Wrapf(err, "scan artifact %s", path)
	}
	return lines, nil
}

// ListArtifacts returns the sealed artifacts under dir in chronological
// order (names embed a zero-padded UnixNano timestamp).
func ListArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read artifact dir %s", dir)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsArtifact(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
