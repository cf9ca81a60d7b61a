// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package index is a writable key-value index made of immutable keyvi
// segments.  Writes are buffered and compiled into new segments, deletes
// are recorded next to the segments, and segments are merged in the
// background.
package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bpowers/keyvi"
)

const (
	tmpDirName = ".keyvi-tmp"
	// automatic merges after a failed one start at most this often
	mergeRetryInterval = 100 * time.Millisecond
)

// ErrClosed is returned by operations on a closed Index or Reader.
var ErrClosed = errors.New("index closed")

type requestKind int

const (
	flushRequest requestKind = iota
	forceMergeRequest
)

type request struct {
	ctx  context.Context
	kind requestKind
	done chan error
}

// Index is the writer of an index directory.  Only one Index may have a
// directory open at a time; any number of Readers may follow it.
type Index struct {
	dir    string
	tmpDir string
	opts   options
	logger *slog.Logger
	lock   *dirLock
	policy tieredPolicy

	sem        *semaphore.Weighted
	mergeRetry *rate.Limiter
	metrics    *metrics

	mu               sync.Mutex
	pending          map[string]string
	compilingDeletes keySet // non-nil while a flush compiles
	jobs             []*mergeJob
	lastMergeFailed  bool
	lastFlush        time.Time

	segments atomic.Pointer[segmentSet]

	ctx      context.Context
	cancel   context.CancelFunc
	mergeWG  sync.WaitGroup
	requests chan request
	quit     chan struct{}
	stopped  chan struct{}

	closed      atomic.Bool
	closeOnce   sync.Once
	shutdownErr error
}

// Open opens or creates the index in dir and starts its background worker.
func Open(dir string, opts ...Option) (*Index, error) {
	o := newOptions(opts)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll: %w", err)
	}
	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}

	idx, err := openLocked(dir, lock, o)
	if err != nil {
		_ = lock.unlock()
		return nil, err
	}
	go idx.worker()
	return idx, nil
}

func openLocked(dir string, lock *dirLock, o options) (*Index, error) {
	tmpDir := filepath.Join(dir, tmpDirName)
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, fmt.Errorf("os.RemoveAll: %w", err)
	}
	if err := os.Mkdir(tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("os.Mkdir: %w", err)
	}

	names, err := readTOC(dir)
	if err != nil {
		return nil, err
	}
	removeOrphans(dir, names, o.logger)

	segs, err := loadSegments(context.Background(), dir, names, nil, o.logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	idx := &Index{
		dir:        dir,
		tmpDir:     tmpDir,
		opts:       o,
		logger:     o.logger,
		lock:       lock,
		policy:     tieredPolicy{maxSegments: o.maxSegments},
		sem:        semaphore.NewWeighted(int64(o.maxConcurrentMerges)),
		mergeRetry: rate.NewLimiter(rate.Every(mergeRetryInterval), 1),
		metrics:    newMetrics(o.registerer),
		pending:    make(map[string]string),
		lastFlush:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		requests:   make(chan request, 1),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	idx.publishLocked(segs)
	idx.logger.Info("opened index", slog.String("dir", dir), slog.Int("segments", len(segs)))
	return idx, nil
}

// loadSegments opens the named segments in parallel, reusing the ones
// found in reuse.  A missing segment file is an error; a segment that
// exists but cannot be opened is kept as unreadable so the rest of the
// index stays available.
func loadSegments(ctx context.Context, dir string, names []string, reuse map[string]*segment, logger *slog.Logger) ([]*segment, error) {
	segs := make([]*segment, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultLoadConcurrency)
	for i, name := range names {
		if s, ok := reuse[name]; ok {
			segs[i] = s
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := openSegment(dir, name)
			if errors.Is(err, fs.ErrNotExist) {
				return err
			} else if err != nil {
				logger.Error("segment unreadable, not serving it",
					slog.String("segment", name), slog.Any("error", err))
				s = unreadableSegment(dir, name, err)
			}
			segs[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i, s := range segs {
			if s != nil && reuse[names[i]] != s {
				s.close()
			}
		}
		return nil, err
	}
	return segs, nil
}

// removeOrphans deletes segment files that are not listed in the table of
// contents: outputs of interrupted compiles and merges, and inputs of
// merges whose cleanup did not finish.
func removeOrphans(dir string, names []string, logger *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("listing index directory", slog.Any("error", err))
		return
	}
	live := newKeySet(names)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if name == tocPartFileName {
			_ = os.Remove(filepath.Join(dir, name))
			continue
		}
		base := strings.TrimSuffix(name, "-swap")
		base = strings.TrimSuffix(base, keyvi.DeletedKeysDuringMergeSuffix)
		base = strings.TrimSuffix(base, keyvi.DeletedKeysSuffix)
		if !strings.HasSuffix(base, ".kv") || live.contains(base) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			logger.Warn("removing orphaned file", slog.String("file", name), slog.Any("error", err))
			continue
		}
		logger.Info("removed orphaned file", slog.String("file", name))
	}
}

// Set stores value under key.  The pair becomes visible after the next
// flush.
func (idx *Index) Set(key, value string) error {
	if err := idx.checkPair(key, value); err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.pending[key] = value
	return nil
}

// MSet stores all pairs, or none of them if one is invalid.
func (idx *Index) MSet(pairs map[string]string) error {
	for k, v := range pairs {
		if err := idx.checkPair(k, v); err != nil {
			return err
		}
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for k, v := range pairs {
		idx.pending[k] = v
	}
	return nil
}

func (idx *Index) checkPair(key, value string) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	if key == "" {
		return keyvi.ErrEmptyKey
	}
	return keyvi.ValidateValue(idx.opts.valueType, []byte(value))
}

// Delete removes key.  Flushed segments hide the key immediately; a
// pending write of the key is dropped.
func (idx *Index) Delete(key string) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.pending, key)
	if idx.compilingDeletes != nil {
		idx.compilingDeletes[key] = struct{}{}
	}
	// the published set only changes under mu
	set := idx.segments.Load()
	if set == nil {
		return ErrClosed
	}
	for _, s := range set.segments {
		s.deleteKey(key)
	}
	return nil
}

// Get returns a copy of the value stored for key.
func (idx *Index) Get(key string) ([]byte, bool, error) {
	set := current(&idx.segments)
	if set == nil {
		return nil, false, ErrClosed
	}
	defer set.release()
	return set.get(key)
}

func (idx *Index) Contains(key string) bool {
	set := current(&idx.segments)
	if set == nil {
		return false
	}
	defer set.release()
	return set.contains(key)
}

// SegmentNames lists the segment files, oldest first.
func (idx *Index) SegmentNames() []string {
	set := current(&idx.segments)
	if set == nil {
		return nil
	}
	defer set.release()
	return set.names()
}

// Flush compiles the pending writes into a new segment and persists
// deleted keys.
func (idx *Index) Flush(ctx context.Context) error {
	return idx.do(ctx, flushRequest)
}

// ForceMerge flushes and then merges all segments into one.
func (idx *Index) ForceMerge(ctx context.Context) error {
	return idx.do(ctx, forceMergeRequest)
}

func (idx *Index) do(ctx context.Context, kind requestKind) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	req := request{ctx: ctx, kind: kind, done: make(chan error, 1)}
	select {
	case idx.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-idx.stopped:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-idx.stopped:
		return ErrClosed
	}
}

// worker is the only goroutine that changes the segment list.
func (idx *Index) worker() {
	defer close(idx.stopped)
	ticker := time.NewTicker(idx.opts.mergePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-idx.quit:
			idx.shutdownErr = idx.shutdown()
			return
		case req := <-idx.requests:
			req.done <- idx.handle(req)
		case <-ticker.C:
			idx.tick()
		}
	}
}

func (idx *Index) handle(req request) error {
	switch req.kind {
	case flushRequest:
		if err := idx.flush(); err != nil {
			return err
		}
		return idx.persistDeletes()
	case forceMergeRequest:
		return idx.forceMerge(req.ctx)
	default:
		return fmt.Errorf("unknown request %d", req.kind)
	}
}

func (idx *Index) tick() {
	idx.finalizeMerges()
	if idx.flushDue() {
		if err := idx.flush(); err != nil {
			idx.logger.Error("flushing pending writes", slog.Any("error", err))
		}
	}
	idx.startMerges()
}

func (idx *Index) flushDue() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.pending) > 0 && time.Since(idx.lastFlush) >= idx.opts.flushInterval
}

// flush compiles the pending writes outside of mu; writes arriving
// meanwhile go to a fresh pending map.
func (idx *Index) flush() error {
	idx.mu.Lock()
	batch := idx.pending
	idx.lastFlush = time.Now()
	if len(batch) == 0 {
		idx.mu.Unlock()
		return nil
	}
	idx.pending = make(map[string]string)
	idx.compilingDeletes = make(keySet)
	idx.mu.Unlock()

	start := time.Now()
	seg, err := idx.compile(batch)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	deletes := idx.compilingDeletes
	idx.compilingDeletes = nil
	if err == nil {
		err = idx.addSegmentLocked(seg, deletes)
	}
	if err != nil {
		// put the batch back, unless newer writes or deletes superseded it
		for k, v := range batch {
			if _, ok := idx.pending[k]; !ok && !deletes.contains(k) {
				idx.pending[k] = v
			}
		}
		return err
	}
	idx.metrics.flushesTotal.Inc()
	idx.logger.Info("flushed segment",
		slog.String("segment", seg.name),
		slog.Int("keys", len(batch)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (idx *Index) compile(batch map[string]string) (*segment, error) {
	name := newSegmentName()
	b, err := keyvi.NewBuilder(filepath.Join(idx.dir, name), idx.opts.segmentBuilderOptions(idx.tmpDir)...)
	if err != nil {
		return nil, err
	}
	for k, v := range batch {
		if err := b.Put([]byte(k), []byte(v)); err != nil {
			return nil, err
		}
	}
	if err := b.Finalize(); err != nil {
		return nil, err
	}
	return openSegment(idx.dir, name)
}

func (idx *Index) addSegmentLocked(seg *segment, deletes keySet) error {
	for k := range deletes {
		seg.deleteKey(k)
	}
	segs := append(slices.Clone(idx.segments.Load().segments), seg)
	err := seg.persist()
	if err == nil {
		err = writeTOC(idx.dir, segmentNames(segs))
	}
	if err != nil {
		_ = seg.d.Close()
		_ = seg.removeFiles()
		return err
	}
	idx.publishLocked(segs)
	return nil
}

func (idx *Index) publishLocked(segs []*segment) {
	set := newSegmentSet(segs)
	if old := idx.segments.Swap(set); old != nil {
		old.release()
	}
	idx.metrics.segments.Set(float64(len(segs)))
}

func (idx *Index) persistDeletes() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var result *multierror.Error
	for _, s := range idx.segments.Load().segments {
		if err := s.persist(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// startMerges starts merges while the semaphore has room and the policy
// finds candidates.
func (idx *Index) startMerges() {
	for idx.sem.TryAcquire(1) {
		idx.mu.Lock()
		if idx.lastMergeFailed && !idx.mergeRetry.Allow() {
			idx.mu.Unlock()
			idx.sem.Release(1)
			return
		}
		segs := idx.segments.Load().segments
		stats := make([]segmentStats, len(segs))
		for i, s := range segs {
			stats[i] = segmentStats{
				keys:    s.numberOfKeys(),
				deletes: s.numberOfDeletes(),
				inMerge: s.isInMerge() || !s.readable(),
			}
		}
		start, end, ok := idx.policy.selectMerge(stats)
		if !ok {
			idx.mu.Unlock()
			idx.sem.Release(1)
			return
		}
		_, err := idx.startMergeLocked(slices.Clone(segs[start:end]))
		idx.mu.Unlock()
		if err != nil {
			idx.logger.Error("starting merge", slog.Any("error", err))
			return
		}
	}
}

// startMergeLocked takes ownership of one semaphore slot.
func (idx *Index) startMergeLocked(segs []*segment) (*mergeJob, error) {
	for i, s := range segs {
		if err := s.electedForMerge(); err != nil {
			for _, elected := range segs[:i] {
				_ = elected.mergeFailed()
			}
			idx.sem.Release(1)
			return nil, err
		}
	}
	job := newMergeJob(idx.dir, segs)
	idx.jobs = append(idx.jobs, job)
	idx.metrics.mergesRunning.Inc()
	idx.logger.Info("starting merge",
		slog.String("segment", job.name),
		slog.Int("inputs", len(segs)))

	idx.mergeWG.Add(1)
	go func() {
		defer idx.mergeWG.Done()
		defer idx.sem.Release(1)
		job.run(idx.ctx, &idx.opts, idx.tmpDir)
	}()
	return job, nil
}

func (idx *Index) finalizeMerges() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var running []*mergeJob
	for _, j := range idx.jobs {
		if !j.finished() {
			running = append(running, j)
			continue
		}
		idx.finalizeLocked(j)
	}
	idx.jobs = running
}

func (idx *Index) finalizeLocked(j *mergeJob) {
	idx.metrics.mergesRunning.Dec()
	if j.err == nil {
		seg, err := openSegment(idx.dir, j.name)
		if err == nil {
			if err = idx.spliceLocked(j, seg); err != nil {
				_ = seg.d.Close()
				_ = seg.removeFiles()
			}
		} else {
			_ = os.Remove(j.output)
		}
		if err != nil {
			j.err = fmt.Errorf("%w: %w", ErrMergeFailed, err)
		}
	}

	if j.err != nil {
		for _, s := range j.segments {
			if err := s.mergeFailed(); err != nil {
				idx.logger.Error("restoring merge input", slog.String("segment", s.name), slog.Any("error", err))
			}
		}
		idx.lastMergeFailed = true
		idx.metrics.mergesTotal.WithLabelValues(mergeResultFailure).Inc()
		idx.logger.Error("merge failed", slog.String("segment", j.name), slog.Any("error", j.err))
		return
	}
	idx.lastMergeFailed = false
	idx.metrics.mergesTotal.WithLabelValues(mergeResultSuccess).Inc()
	idx.logger.Info("finished merge",
		slog.String("segment", j.name),
		slog.Int("inputs", len(j.segments)),
		slog.Duration("elapsed", time.Since(j.start)))
}

// spliceLocked replaces the merged segments with seg at the position of
// the first of them.  The old files are deleted only after the new table
// of contents is in place.
func (idx *Index) spliceLocked(j *mergeJob, seg *segment) error {
	for _, s := range j.segments {
		for _, k := range s.deletedDuringMergeKeys() {
			seg.deleteKey(k)
		}
	}
	if err := seg.persist(); err != nil {
		return err
	}

	merged := make(map[*segment]bool, len(j.segments))
	for _, s := range j.segments {
		merged[s] = true
	}
	empty := seg.numberOfKeys() == 0
	var segs []*segment
	inserted := false
	for _, s := range idx.segments.Load().segments {
		if !merged[s] {
			segs = append(segs, s)
			continue
		}
		if !inserted && !empty {
			segs = append(segs, seg)
		}
		inserted = true
	}
	if err := writeTOC(idx.dir, segmentNames(segs)); err != nil {
		return err
	}
	idx.publishLocked(segs)

	for _, s := range j.segments {
		if err := s.removeFiles(); err != nil {
			idx.logger.Warn("removing merged segment", slog.String("segment", s.name), slog.Any("error", err))
		}
	}
	if empty {
		_ = seg.d.Close()
		_ = seg.removeFiles()
	}
	return nil
}

// forceMerge waits for running merges and merges everything that is left
// into one segment.
func (idx *Index) forceMerge(ctx context.Context) error {
	if err := idx.flush(); err != nil {
		return err
	}
	for {
		idx.finalizeMerges()
		idx.mu.Lock()
		running := len(idx.jobs)
		idx.mu.Unlock()
		if running == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idx.opts.mergePollInterval):
		}
	}

	if err := idx.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	idx.mu.Lock()
	var segs []*segment
	for _, s := range idx.segments.Load().segments {
		if s.readable() {
			segs = append(segs, s)
		}
	}
	if len(segs) == 0 || (len(segs) == 1 && segs[0].numberOfDeletes() == 0) {
		idx.mu.Unlock()
		idx.sem.Release(1)
		return nil
	}
	job, err := idx.startMergeLocked(segs)
	idx.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-job.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	idx.finalizeMerges()
	return job.err
}

func (idx *Index) shutdown() error {
	var result *multierror.Error
	if err := idx.flush(); err != nil {
		result = multierror.Append(result, err)
	}
	idx.mergeWG.Wait()
	idx.finalizeMerges()
	if err := idx.persistDeletes(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Close flushes pending writes, waits for running merges and releases
// the directory.
func (idx *Index) Close() error {
	var result *multierror.Error
	idx.closeOnce.Do(func() {
		idx.closed.Store(true)
		close(idx.quit)
		<-idx.stopped
		idx.cancel()
		if idx.shutdownErr != nil {
			result = multierror.Append(result, idx.shutdownErr)
		}

		idx.mu.Lock()
		set := idx.segments.Swap(nil)
		idx.mu.Unlock()
		if set != nil {
			set.release()
		}
		if err := os.RemoveAll(idx.tmpDir); err != nil {
			result = multierror.Append(result, err)
		}
		if err := idx.lock.unlock(); err != nil {
			result = multierror.Append(result, err)
		}
		idx.logger.Info("closed index", slog.String("dir", idx.dir))
	})
	return result.ErrorOrNil()
}

func segmentNames(segs []*segment) []string {
	names := make([]string, len(segs))
	for i, s := range segs {
		names[i] = s.name
	}
	return names
}
