// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bpowers/keyvi"
	"github.com/bpowers/keyvi/internal/unsafestring"
)

type keySet map[string]struct{}

func newKeySet(keys []string) keySet {
	s := make(keySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s keySet) contains(k string) bool {
	_, ok := s[k]
	return ok
}

func (s keySet) keys() []string {
	return slices.Sorted(maps.Keys(s))
}

// segment is one immutable dictionary of the index plus its mutable list
// of deleted keys.  A segment is active until it is elected for a merge;
// keys deleted while merging are kept apart so the merged segment can
// inherit them.
type segment struct {
	name string
	path string
	d    *keyvi.Dictionary

	// unreadable is set instead of d for a segment that failed to open.
	// It keeps its place in the table of contents but serves no keys and
	// is never merged.
	unreadable error

	// refs counts the segment sets containing this segment.
	refs atomic.Int64

	mu                 sync.RWMutex
	deleted            keySet
	deletedDuringMerge keySet
	inMerge            bool
	dirty              bool

	// modification times of the sidecars, for read-only refreshes
	dkTime  time.Time
	dkmTime time.Time
}

func openSegment(dir, name string) (*segment, error) {
	path := filepath.Join(dir, name)
	d, err := keyvi.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", name, err)
	}
	s := &segment{
		name:               name,
		path:               path,
		d:                  d,
		deleted:            make(keySet),
		deletedDuringMerge: make(keySet),
	}
	if err := s.loadDeleted(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func unreadableSegment(dir, name string, err error) *segment {
	return &segment{
		name:               name,
		path:               filepath.Join(dir, name),
		unreadable:         err,
		deleted:            make(keySet),
		deletedDuringMerge: make(keySet),
	}
}

func (s *segment) readable() bool {
	return s.unreadable == nil
}

func (s *segment) close() {
	if s.d != nil {
		_ = s.d.Close()
	}
}

func (s *segment) dkPath() string  { return s.path + keyvi.DeletedKeysSuffix }
func (s *segment) dkmPath() string { return s.path + keyvi.DeletedKeysDuringMergeSuffix }

// loadDeleted reads both sidecars.  A .dkm left behind by an interrupted
// merge is folded into the deleted keys.
func (s *segment) loadDeleted() error {
	dk, err := keyvi.ReadDeletedKeys(s.dkPath())
	if err != nil {
		return err
	}
	dkm, err := keyvi.ReadDeletedKeys(s.dkmPath())
	if err != nil {
		return err
	}
	deleted := newKeySet(dk)
	for _, k := range dkm {
		deleted[k] = struct{}{}
	}
	dkTime, _ := modTime(s.dkPath())
	dkmTime, _ := modTime(s.dkmPath())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = deleted
	s.dirty = s.dirty || len(dkm) > 0
	s.dkTime, s.dkmTime = dkTime, dkmTime
	return nil
}

// refreshDeleted reloads the sidecars if another process changed them.
// Segments whose files were removed by a merge keep their last state.
func (s *segment) refreshDeleted() error {
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	dkTime, err := modTime(s.dkPath())
	if err != nil {
		return err
	}
	dkmTime, err := modTime(s.dkmPath())
	if err != nil {
		return err
	}
	s.mu.RLock()
	unchanged := dkTime.Equal(s.dkTime) && dkmTime.Equal(s.dkmTime)
	s.mu.RUnlock()
	if unchanged {
		return nil
	}
	return s.loadDeleted()
}

func (s *segment) isDeleted(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleted.contains(key) || s.deletedDuringMerge.contains(key)
}

// get returns a copy of the value for key, or false if the segment does
// not know the key.  deleted reports a key that was deleted from this
// segment.
func (s *segment) get(key string) (value []byte, found, deleted bool, err error) {
	if !s.readable() {
		return nil, false, false, nil
	}
	m, ok := s.d.GetString(key)
	if !ok {
		return nil, false, false, nil
	}
	if s.isDeleted(key) {
		return nil, true, true, nil
	}
	v, err := m.Value()
	if err != nil {
		return nil, true, false, fmt.Errorf("segment %s: %w", s.name, err)
	}
	return bytes.Clone(v), true, false, nil
}

// deleteKey marks key as deleted if the segment contains it.
func (s *segment) deleteKey(key string) bool {
	if !s.contains(key) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inMerge {
		s.deletedDuringMerge[key] = struct{}{}
	} else {
		s.deleted[key] = struct{}{}
	}
	s.dirty = true
	return true
}

// persist writes the pending deletes: to .dk while active, to .dkm while
// merging.
func (s *segment) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *segment) persistLocked() error {
	if !s.dirty {
		return nil
	}
	var err error
	if s.inMerge {
		err = keyvi.WriteDeletedKeys(s.dkmPath(), s.deletedDuringMerge.keys())
	} else {
		err = keyvi.WriteDeletedKeys(s.dkPath(), s.deleted.keys())
	}
	if err != nil {
		return fmt.Errorf("segment %s: %w", s.name, err)
	}
	s.dirty = false
	return nil
}

// electedForMerge persists the deleted keys for the merger to read and
// marks the segment.
func (s *segment) electedForMerge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.inMerge = true
	return nil
}

// mergeFailed returns the segment to active, keeping the deletes that
// arrived during the merge.
func (s *segment) mergeFailed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inMerge = false
	if len(s.deletedDuringMerge) == 0 {
		return nil
	}
	for k := range s.deletedDuringMerge {
		s.deleted[k] = struct{}{}
	}
	s.deletedDuringMerge = make(keySet)
	s.dirty = true
	if err := s.persistLocked(); err != nil {
		return err
	}
	if err := os.Remove(s.dkmPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("os.Remove: %w", err)
	}
	return nil
}

func (s *segment) isInMerge() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inMerge
}

func (s *segment) deletedDuringMergeKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deletedDuringMerge.keys()
}

func (s *segment) contains(key string) bool {
	return s.readable() && s.d.Contains(unsafestring.ToBytes(key))
}

func (s *segment) numberOfKeys() uint64 {
	if !s.readable() {
		return 0
	}
	return s.d.NumberOfKeys()
}

func (s *segment) numberOfDeletes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.deleted))
}

// removeFiles deletes the dictionary and its sidecars from disk.  Mapped
// data stays readable until the segment is closed.
func (s *segment) removeFiles() error {
	var result *multierror.Error
	for _, p := range []string{s.path, s.dkPath(), s.dkmPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *segment) ref() {
	s.refs.Add(1)
}

// unref closes the dictionary once no segment set contains the segment.
func (s *segment) unref() {
	if s.refs.Add(-1) == 0 {
		s.close()
	}
}

// modTime is the zero time for a missing file.
func modTime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, fmt.Errorf("os.Stat: %w", err)
	}
	return fi.ModTime(), nil
}

// segmentSet is an immutable snapshot of the segments, oldest first.
// Readers acquire it for the duration of a lookup.
type segmentSet struct {
	segments []*segment
	refs     atomic.Int64
}

func newSegmentSet(segments []*segment) *segmentSet {
	set := &segmentSet{segments: segments}
	for _, s := range segments {
		s.ref()
	}
	set.refs.Store(1)
	return set
}

// acquire fails if the set was already released by its owner.
func (set *segmentSet) acquire() bool {
	for {
		n := set.refs.Load()
		if n <= 0 {
			return false
		}
		if set.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (set *segmentSet) release() {
	if set.refs.Add(-1) == 0 {
		for _, s := range set.segments {
			s.unref()
		}
	}
}

func (set *segmentSet) names() []string {
	return segmentNames(set.segments)
}

// get looks the key up newest segment first; the first segment that knows
// the key decides.
func (set *segmentSet) get(key string) ([]byte, bool, error) {
	for i := len(set.segments) - 1; i >= 0; i-- {
		v, found, deleted, err := set.segments[i].get(key)
		if err != nil {
			return nil, false, err
		}
		if found {
			return v, !deleted, nil
		}
	}
	return nil, false, nil
}

func (set *segmentSet) contains(key string) bool {
	for i := len(set.segments) - 1; i >= 0; i-- {
		s := set.segments[i]
		if s.contains(key) {
			return !s.isDeleted(key)
		}
	}
	return false
}

// current loads and acquires the published set, retrying if it is swapped
// out underneath.
func current(p *atomic.Pointer[segmentSet]) *segmentSet {
	for {
		set := p.Load()
		if set == nil {
			return nil
		}
		if set.acquire() {
			return set
		}
	}
}
