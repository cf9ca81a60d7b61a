// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keyvi

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/bpowers/keyvi/internal/fsa"
)

var (
	ErrAlreadyAdded      = errors.New("dictionary already added to merger")
	ErrValueTypeMismatch = errors.New("dictionaries must have the same value type")
)

// ctx is checked once per this many keys
const mergeCancelCheckInterval = 4096

// MergerOption configures a Merger.
type MergerOption func(*builderOptions)

// WithMergeOptions applies builder options to the merge output.
func WithMergeOptions(opts ...BuilderOption) MergerOption {
	return func(o *builderOptions) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

// WithMergerLogger sets an optional logger for progress updates.
func WithMergerLogger(logger *slog.Logger) MergerOption {
	return func(o *builderOptions) {
		o.logger = logger
	}
}

// MergeStats summarizes a finished merge.
type MergeStats struct {
	Keys        uint64
	DeletedKeys uint64
	// UpdatedKeys counts keys that were shadowed by a newer input.
	UpdatedKeys uint64
}

type mergeInput struct {
	d        *Dictionary
	deleted  stringSet
	priority int
}

// Merger combines dictionaries into one.  Inputs added later take
// precedence: for a key present in several inputs the value of the most
// recently added input wins, and a key listed in that input's deleted keys
// is dropped.
type Merger struct {
	options   builderOptions
	inputs    []mergeInput
	paths     stringSet
	valueType ValueType
	typeSet   bool
	stats     MergeStats
}

func NewMerger(opts ...MergerOption) *Merger {
	options := defaultBuilderOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Merger{
		options:   options,
		paths:     make(stringSet),
		valueType: options.valueType,
	}
}

// SetManifest sets the manifest of the merged dictionary.
func (m *Merger) SetManifest(manifest string) {
	m.options.manifest = manifest
}

// Add opens the dictionary at path, along with its deleted keys list
// (path + ".dk") if there is one.
func (m *Merger) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("filepath.Abs: %w", err)
	}
	if m.paths.Contains(abs) {
		return fmt.Errorf("%s: %w", path, ErrAlreadyAdded)
	}

	d, err := Open(path, WithLoadingStrategy(LoadLazyNoReadaheadValues))
	if err != nil {
		return err
	}
	if m.typeSet && d.ValueType() != m.valueType {
		_ = d.Close()
		return fmt.Errorf("%s is %s, want %s: %w", path, d.ValueType(), m.valueType, ErrValueTypeMismatch)
	}
	deleted, err := deletedSet(path)
	if err != nil {
		_ = d.Close()
		return err
	}

	m.valueType = d.ValueType()
	m.typeSet = true
	m.paths.Add(abs)
	m.inputs = append(m.inputs, mergeInput{
		d:        d,
		deleted:  deleted,
		priority: len(m.inputs),
	})
	return nil
}

// Merge writes the merged dictionary to outPath.  The output is only
// renamed into place once it is complete.
func (m *Merger) Merge(ctx context.Context, outPath string) error {
	g, err := m.options.newGenerator(m.valueType)
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	var cursors mergeHeap
	for _, in := range m.inputs {
		c := &mergeCursor{
			input: in,
			t:     in.d.a.NewStateTraverser(in.d.a.StartState(), nil),
		}
		if c.t.Next() {
			cursors = append(cursors, c)
		}
	}
	heap.Init(&cursors)

	m.stats = MergeStats{}
	var key []byte
	for n := 0; cursors.Len() > 0; n++ {
		if n%mergeCancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		top := heap.Pop(&cursors).(*mergeCursor)
		key = append(key[:0], top.t.Key()...)

		// older inputs with the same key lose
		for cursors.Len() > 0 && bytes.Equal(cursors[0].t.Key(), key) {
			older := heap.Pop(&cursors).(*mergeCursor)
			m.stats.UpdatedKeys++
			if older.t.Next() {
				heap.Push(&cursors, older)
			}
		}

		if top.input.deleted.Contains(string(key)) {
			m.stats.DeletedKeys++
		} else {
			raw, err := top.input.d.a.RawValue(top.t.State())
			if err != nil {
				return fmt.Errorf("%s: value of %q: %w", top.input.d.Path(), key, err)
			}
			if err := g.AddRaw(key, raw); err != nil {
				return fmt.Errorf("generator.AddRaw: %w", err)
			}
		}

		if top.t.Next() {
			heap.Push(&cursors, top)
		}
	}

	if err := g.CloseFeeding(); err != nil {
		return fmt.Errorf("generator.CloseFeeding: %w", err)
	}
	if err := g.WriteFile(outPath); err != nil {
		return fmt.Errorf("generator.WriteFile: %w", err)
	}
	m.stats.Keys = g.NumberOfKeys()
	m.options.logger.Info("merged dictionaries",
		slog.String("path", outPath),
		slog.Int("inputs", len(m.inputs)),
		slog.Uint64("keys", m.stats.Keys),
		slog.Uint64("deletedKeys", m.stats.DeletedKeys),
		slog.Uint64("updatedKeys", m.stats.UpdatedKeys))
	return nil
}

func (m *Merger) Stats() MergeStats {
	return m.stats
}

// Close closes the input dictionaries.
func (m *Merger) Close() error {
	var result *multierror.Error
	for _, in := range m.inputs {
		if err := in.d.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.inputs = nil
	return result.ErrorOrNil()
}

type mergeCursor struct {
	input mergeInput
	t     *fsa.StateTraverser
}

// mergeHeap orders cursors by key, newest input first.
type mergeHeap []*mergeCursor

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].t.Key(), h[j].t.Key()); c != 0 {
		return c < 0
	}
	return h[i].input.priority > h[j].input.priority
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(*mergeCursor))
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}
