// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bpowers/keyvi"
)

// ErrMergeFailed wraps the reason a merge did not produce a segment.
var ErrMergeFailed = errors.New("segment merge failed")

func newSegmentName() string {
	return uuid.NewString() + ".kv"
}

// mergeJob merges a run of adjacent segments into a new one.
type mergeJob struct {
	segments []*segment
	name     string
	output   string
	start    time.Time

	done chan struct{}
	err  error
}

func newMergeJob(dir string, segments []*segment) *mergeJob {
	name := newSegmentName()
	return &mergeJob{
		segments: segments,
		name:     name,
		output:   filepath.Join(dir, name),
		done:     make(chan struct{}),
	}
}

func (j *mergeJob) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

func (j *mergeJob) inputs() []string {
	paths := make([]string, len(j.segments))
	for i, s := range j.segments {
		paths[i] = s.path
	}
	return paths
}

// run merges the inputs and closes done.
func (j *mergeJob) run(ctx context.Context, o *options, tmpDir string) {
	defer close(j.done)
	j.start = time.Now()
	if o.mergerBinary != "" {
		j.err = j.runExternal(ctx, o)
	} else {
		j.err = j.runInProcess(ctx, o, tmpDir)
	}
	if j.err != nil {
		j.err = fmt.Errorf("%w: %w", ErrMergeFailed, j.err)
		if err := os.Remove(j.output); err != nil && !errors.Is(err, fs.ErrNotExist) {
			o.logger.Warn("removing partial merge output", slog.String("segment", j.name), slog.Any("error", err))
		}
	}
}

func (j *mergeJob) runInProcess(ctx context.Context, o *options, tmpDir string) error {
	m := keyvi.NewMerger(keyvi.WithMergeOptions(o.segmentBuilderOptions(tmpDir)...))
	defer func() { _ = m.Close() }()
	for _, p := range j.inputs() {
		if err := m.Add(p); err != nil {
			return err
		}
	}
	return m.Merge(ctx, j.output)
}

func (j *mergeJob) runExternal(ctx context.Context, o *options) error {
	args := append([]string{}, o.mergerArgs...)
	args = append(args, "-m", strconv.FormatInt(o.memoryLimit, 10), "-o", j.output)
	for _, p := range j.inputs() {
		args = append(args, "-i", p)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, o.mergerBinary, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", o.mergerBinary, err, bytes.TrimSpace(stderr.Bytes()))
	}
	if _, err := os.Stat(j.output); err != nil {
		return fmt.Errorf("%s exited without output: %w", o.mergerBinary, err)
	}
	return nil
}
