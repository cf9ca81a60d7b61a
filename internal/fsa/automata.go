// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package fsa

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/bpowers/keyvi/internal/datafile"
	"github.com/bpowers/keyvi/internal/mmap"
	"github.com/bpowers/keyvi/internal/ondisk"
	"github.com/bpowers/keyvi/internal/sparsearray"
	"github.com/bpowers/keyvi/internal/valuestore"
	"github.com/bpowers/keyvi/internal/vint"
)

// Option configures how an Automata is loaded.
type Option func(*loadOptions)

type loadOptions struct {
	keysAdvice   mmap.Advice
	valuesAdvice mmap.Advice
}

// WithKeysAdvice sets the paging advice for the sparse array region.
func WithKeysAdvice(a mmap.Advice) Option {
	return func(opts *loadOptions) {
		opts.keysAdvice = a
	}
}

// WithValuesAdvice sets the paging advice for the value store region.
func WithValuesAdvice(a mmap.Advice) Option {
	return func(opts *loadOptions) {
		opts.valuesAdvice = a
	}
}

// Transition is an outgoing edge of a compiled state.
type Transition struct {
	Label  byte
	Target uint64
}

// Automata is a read-only view of a compiled file.  It is safe for
// concurrent use.
type Automata struct {
	r    *mmap.ReaderAt
	file *datafile.File

	width   ondisk.Width
	labels  []byte
	buckets ondisk.Buckets
	values  valuestore.Reader
}

// Open maps the file at path and validates it.
func Open(path string, opts ...Option) (*Automata, error) {
	options := loadOptions{
		keysAdvice:   mmap.AdviceNormal,
		valuesAdvice: mmap.AdviceNormal,
	}
	for _, opt := range opts {
		opt(&options)
	}

	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap.Open(%s): %w", path, err)
	}
	a, err := NewAutomata(r.Data())
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a.r = r

	f := a.file
	if err := r.AdviseRange(f.KeysOffset, len(f.Labels)+len(f.Transitions), options.keysAdvice); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("advise keys: %w", err)
	}
	if err := r.AdviseRange(f.ValuesOffset, len(f.Values), options.valuesAdvice); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("advise values: %w", err)
	}
	return a, nil
}

// NewAutomata reads a complete file from data.  data must not be modified
// while the Automata is in use.
func NewAutomata(data []byte) (*Automata, error) {
	f, err := datafile.Parse(data)
	if err != nil {
		return nil, err
	}
	width := ondisk.Width(f.SparseArray.Width)
	if !width.Valid() {
		return nil, fmt.Errorf("bucket width %d: %w", f.SparseArray.Width, datafile.ErrUnsupportedVersion)
	}
	if f.Properties.StartState >= f.SparseArray.Size && f.SparseArray.Size > 0 {
		return nil, fmt.Errorf("start state %d outside sparse array of %d slots: %w",
			f.Properties.StartState, f.SparseArray.Size, datafile.ErrTruncated)
	}
	t := valuestore.Type(f.Properties.ValueStoreType)
	values, err := valuestore.NewReader(t, f.ValueStore, f.Values)
	if err != nil {
		return nil, fmt.Errorf("value store: %w", err)
	}
	return &Automata{
		file:    f,
		width:   width,
		labels:  f.Labels,
		buckets: ondisk.NewBuckets(width, f.Transitions),
		values:  values,
	}, nil
}

func (a *Automata) Properties() datafile.Properties {
	return a.file.Properties
}

func (a *Automata) SparseArrayProperties() datafile.SparseArrayProperties {
	return a.file.SparseArray
}

// ValueStoreProperties returns the value store property record.
func (a *Automata) ValueStoreProperties() datafile.Record {
	return a.file.ValueStore
}

func (a *Automata) Manifest() string {
	return a.file.Properties.Manifest
}

func (a *Automata) StartState() uint64 {
	return a.file.Properties.StartState
}

func (a *Automata) NumberOfKeys() uint64 {
	return a.file.Properties.NumberOfKeys
}

func (a *Automata) NumberOfStates() uint64 {
	return a.file.Properties.NumberOfStates
}

func (a *Automata) Width() ondisk.Width {
	return a.width
}

func (a *Automata) Values() valuestore.Reader {
	return a.values
}

func (a *Automata) ValueStoreType() valuestore.Type {
	return a.values.Type()
}

func (a *Automata) bucket(pos uint64) uint32 {
	if pos >= uint64(a.buckets.Len()) {
		return 0
	}
	return a.buckets.At(int(pos))
}

// ResolveTransition returns the target of the transition stored in slot
// pos.
func (a *Automata) ResolveTransition(pos uint64) uint64 {
	raw := a.bucket(pos)
	if a.width == ondisk.Legacy {
		return uint64(raw)
	}
	return sparsearray.ResolveCompact(pos, uint16(raw), func(pos uint64) uint16 {
		return uint16(a.bucket(pos))
	})
}

// TryWalkTransition follows the transition labeled c out of state.  It
// returns 0 if there is none.
func (a *Automata) TryWalkTransition(state uint64, c byte) uint64 {
	pos := state + uint64(c)
	if pos >= uint64(len(a.labels)) || a.labels[pos] != c {
		return 0
	}
	return a.ResolveTransition(pos)
}

// OutgoingTransitions appends the transitions of state to dst in ascending
// label order.
func (a *Automata) OutgoingTransitions(state uint64, dst []Transition) []Transition {
	for c := 0; c < 256; c++ {
		pos := state + uint64(c)
		if pos >= uint64(len(a.labels)) {
			break
		}
		if a.labels[pos] == byte(c) {
			dst = append(dst, Transition{Label: byte(c), Target: a.ResolveTransition(pos)})
		}
	}
	return dst
}

func (a *Automata) IsFinalState(state uint64) bool {
	pos := state + sparsearray.FinalOffsetTransition
	return pos < uint64(len(a.labels)) && a.labels[pos] == sparsearray.FinalOffsetCode
}

// StateValue returns the value stored in a final state.  It is only
// meaningful if IsFinalState(state).
func (a *Automata) StateValue(state uint64) uint64 {
	pos := state + sparsearray.FinalOffsetTransition
	if a.width == ondisk.Legacy {
		return uint64(a.bucket(pos))
	}
	v, _ := vint.VarShortFunc(func(i int) uint16 {
		return uint16(a.bucket(pos + uint64(i)))
	})
	return v
}

// Value returns the user facing value of a final state.
func (a *Automata) Value(state uint64) ([]byte, error) {
	return a.values.Value(a.StateValue(state))
}

// RawValue returns the value of a final state in the value store's raw
// encoding.
func (a *Automata) RawValue(state uint64) ([]byte, error) {
	return a.values.RawValue(a.StateValue(state))
}

// Walk follows key from state and returns the state reached, or 0.
func (a *Automata) Walk(state uint64, key []byte) uint64 {
	for _, c := range key {
		if state = a.TryWalkTransition(state, c); state == 0 {
			return 0
		}
	}
	return state
}

// CountReachableStates counts the distinct states reachable from the start
// state, the start state included.
func (a *Automata) CountReachableStates() uint64 {
	visited := roaring64.New()
	stack := []uint64{a.StartState()}
	visited.Add(a.StartState())
	var transitions []Transition
	for len(stack) > 0 {
		state := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		transitions = a.OutgoingTransitions(state, transitions[:0])
		for _, t := range transitions {
			if !visited.Contains(t.Target) {
				visited.Add(t.Target)
				stack = append(stack, t.Target)
			}
		}
	}
	return visited.GetCardinality()
}

// Close unmaps the file if it was opened with Open.
func (a *Automata) Close() error {
	if a.r == nil {
		return nil
	}
	return a.r.Close()
}
