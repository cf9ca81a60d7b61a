// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"context"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	reloadRetries         = 5
	reloadInitialInterval = 10 * time.Millisecond
)

// Reader is a read-only view of an index directory.  It follows the table
// of contents written by the Index, so it may run in another process.
type Reader struct {
	dir    string
	opts   options
	logger *slog.Logger

	segments atomic.Pointer[segmentSet]

	mu  sync.Mutex // serializes reloads
	toc fs.FileInfo

	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// OpenReader opens dir read-only and refreshes it every RefreshInterval.
func OpenReader(dir string, opts ...Option) (*Reader, error) {
	o := newOptions(opts)
	r := &Reader{
		dir:     dir,
		opts:    o,
		logger:  o.logger,
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if err := r.refresh(context.Background(), true); err != nil {
		return nil, err
	}
	go r.refresher()
	return r, nil
}

func (r *Reader) refresher() {
	defer close(r.stopped)
	ticker := time.NewTicker(r.opts.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			if err := r.refresh(context.Background(), false); err != nil {
				r.logger.Warn("refreshing index, keeping previous segments",
					slog.String("dir", r.dir), slog.Any("error", err))
			}
		}
	}
}

// Refresh rereads the table of contents and the deleted keys now instead
// of waiting for the next tick.
func (r *Reader) Refresh(ctx context.Context) error {
	return r.refresh(ctx, true)
}

// refresh reloads the segment list when the table of contents changed, or
// always if force is set.  Opening a segment can fail transiently when a
// merge removes it between reading the table of contents and opening the
// file; such failures are retried.
func (r *Reader) refresh(ctx context.Context, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reloadInitialInterval
	return backoff.Retry(func() error {
		return r.reloadLocked(ctx, force)
	}, backoff.WithContext(backoff.WithMaxRetries(b, reloadRetries), ctx))
}

func (r *Reader) reloadLocked(ctx context.Context, force bool) error {
	if r.closed() {
		return backoff.Permanent(ErrClosed)
	}
	old := r.segments.Load()
	fi, err := statTOC(r.dir)
	if err != nil {
		return err
	}
	if old != nil && !force && sameTOC(fi, r.toc) {
		for _, s := range old.segments {
			if err := s.refreshDeleted(); err != nil {
				return err
			}
		}
		return nil
	}

	names, err := readTOC(r.dir)
	if err != nil {
		return err
	}
	reuse := make(map[string]*segment)
	if old != nil {
		for _, s := range old.segments {
			reuse[s.name] = s
		}
	}
	segs, err := loadSegments(ctx, r.dir, names, reuse, r.logger)
	if err != nil {
		return err
	}
	for _, s := range segs {
		if reuse[s.name] == s {
			if err := s.refreshDeleted(); err != nil {
				r.logger.Warn("reloading deleted keys", slog.String("segment", s.name), slog.Any("error", err))
			}
		}
	}

	if prev := r.segments.Swap(newSegmentSet(segs)); prev != nil {
		prev.release()
	}
	r.toc = fi
	r.logger.Debug("reloaded index", slog.String("dir", r.dir), slog.Int("segments", len(segs)))
	return nil
}

// Get returns a copy of the value stored for key.
func (r *Reader) Get(key string) ([]byte, bool, error) {
	set := current(&r.segments)
	if set == nil {
		return nil, false, ErrClosed
	}
	defer set.release()
	return set.get(key)
}

func (r *Reader) Contains(key string) bool {
	set := current(&r.segments)
	if set == nil {
		return false
	}
	defer set.release()
	return set.contains(key)
}

// SegmentNames lists the segment files, oldest first.
func (r *Reader) SegmentNames() []string {
	set := current(&r.segments)
	if set == nil {
		return nil
	}
	defer set.release()
	return set.names()
}

func (r *Reader) closed() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		close(r.quit)
		<-r.stopped
		r.mu.Lock()
		set := r.segments.Swap(nil)
		r.mu.Unlock()
		if set != nil {
			set.release()
		}
	})
	return nil
}
