// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package sparsearray

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/bpowers/keyvi/internal/bitset"
	"github.com/bpowers/keyvi/internal/ondisk"
	"github.com/bpowers/keyvi/internal/vint"
)

const (
	// after this many states only states with a short run of failed
	// minimizations are remembered
	minimizationStateThreshold = 1_000_000
	minimizationCounterLimit   = 8

	maxOverflowOffset = 0x7FF
)

var ErrOverflowPlacement = errors.New("no free slots for an overflow bucket")

// Builder places states into a Persistence.  Each state is put at the
// lowest free position at or after a search start close to the most
// recently written state, such that none of the slots it needs are taken.
//
// Slot labels are chosen so that a reader can check a transition with a
// single comparison: labels[S+c] == c iff state S has a transition on c.
// Slots that are not transitions of the state they would alias (zero
// label slots of states without a 0 transition, overflow buckets) carry a
// label relative to a position that is reserved so it never becomes a
// state.
type Builder struct {
	p      *Persistence
	width  ondisk.Width
	logger *slog.Logger

	taken       *bitset.SlidingWindow
	stateStarts *bitset.SlidingWindow

	minimize bool
	hashCtx  HashContext
	cache    *lruGenerations

	highestState   int64
	numberOfStates uint64
}

type BuilderOptions struct {
	Minimize    bool
	HashContext HashContext
	Logger      *slog.Logger
}

// NewBuilder returns a Builder writing into p.  memoryLimit bounds the
// minimization cache.
func NewBuilder(p *Persistence, memoryLimit int64, opts BuilderOptions) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hashCtx := opts.HashContext
	if hashCtx == (HashContext{}) {
		hashCtx = DefaultHashContext()
	}
	b := &Builder{
		p:           p,
		width:       p.Width(),
		logger:      logger,
		taken:       bitset.NewSlidingWindow(),
		stateStarts: bitset.NewSlidingWindow(),
		minimize:    opts.Minimize,
		hashCtx:     hashCtx,
	}
	if b.minimize {
		b.cache = newLRUGenerations(memoryLimit)
		logger.Debug("minimization cache",
			slog.Int("generations", b.cache.maxGenerations),
			slog.Int("itemsPerGeneration", b.cache.maxItems))
	}
	// position 0 is never a state, so every state start is >= 1
	b.stateStarts.Set(0)
	return b
}

func (b *Builder) NumberOfStates() uint64 {
	return b.numberOfStates
}

func (b *Builder) HashContext() HashContext {
	return b.hashCtx
}

// PersistState writes s, or finds an equivalent state that was already
// written, and returns its offset.
func (b *Builder) PersistState(s *UnpackedState) (int64, error) {
	var hash uint64
	if b.minimize {
		hash = s.Hash(b.hashCtx)
		if s.NoMinimizationCounter() == 0 {
			if ps, ok := b.cache.Get(hash, func(ps packedState) bool {
				return b.equalState(ps, s)
			}); ok {
				return ps.offset, nil
			}
		}
	}

	// no predecessor of a new state can be equal to an existing one
	s.IncrementNoMinimizationCounter(1)

	offset, zeroLabel := b.findFreeBucket(s)
	if err := b.writeState(offset, s, zeroLabel); err != nil {
		return 0, err
	}
	b.numberOfStates++

	if b.minimize && (b.numberOfStates < minimizationStateThreshold || s.NoMinimizationCounter() < minimizationCounterLimit) {
		b.cache.Add(packedState{offset: offset, hash: hash, n: int32(s.Len())})
	}
	return offset, nil
}

func (b *Builder) equalState(ps packedState, s *UnpackedState) bool {
	if int(ps.n) != s.Len() {
		return false
	}
	for i := 0; i < s.Len(); i++ {
		t := s.At(i)
		if t.Label == FinalOffsetTransition {
			if b.p.ReadTransitionLabel(ps.offset+FinalOffsetTransition) != FinalOffsetCode {
				return false
			}
			if b.p.ReadFinalValue(ps.offset) != t.Value {
				return false
			}
			continue
		}
		pos := ps.offset + int64(t.Label)
		if b.p.ReadTransitionLabel(pos) != byte(t.Label) {
			return false
		}
		if b.p.ResolveTransitionValue(pos, b.p.ReadTransitionValue(pos)) != t.Value {
			return false
		}
	}
	return true
}

// scrambleLabel picks the label for a run of n free slots starting at
// pos.  Slot pos+i gets label+i; the position pos-label is reserved as a
// non-state.  ok is false if no label fits.
func (b *Builder) scrambleLabel(pos int64, n int) (label byte, ok bool) {
	if pos+int64(n) <= NumberOfStateCodings {
		// pos-label is negative
		return byte(pos + 1), true
	}
	z := b.stateStarts.NextUnset(max(0, pos+int64(n)-1-NumberOfStateCodings))
	for z < pos {
		// label 1 at pos would make pos-256 look final
		if pos-z != FinalOffsetCode {
			b.stateStarts.Set(z)
			return byte(pos - z), true
		}
		z = b.stateStarts.NextUnset(z + 1)
	}
	return 0, false
}

func (b *Builder) findFreeBucket(s *UnpackedState) (offset int64, zeroLabel byte) {
	start := int64(1)
	if b.highestState > SearchOffset {
		start = b.highestState - SearchOffset
	}

	bits := s.Bits()
	if first := bits.NextSet(0); first < bits.Len() {
		start = b.taken.NextUnset(start+first) - first
	}

	for {
		start = b.stateStarts.NextUnset(start)

		if s.IsFinal() && b.stateStarts.IsSet(start+NumberOfStateCodings) {
			start++
			continue
		}
		if shift := b.taken.Collision(bits, start); shift != 0 {
			start += shift
			continue
		}
		if s.HasLabel(FinalOffsetCode) && start >= NumberOfStateCodings && b.stateStarts.IsSet(start-NumberOfStateCodings) {
			start++
			continue
		}
		if !s.HasLabel(0) && !b.taken.IsSet(start) {
			label, ok := b.scrambleLabel(start, 1)
			if !ok {
				start++
				continue
			}
			return start, label
		}
		return start, 0
	}
}

func (b *Builder) writeState(offset int64, s *UnpackedState, zeroLabel byte) error {
	if offset > b.highestState {
		b.highestState = offset
	}
	if err := b.p.BeginNewState(offset); err != nil {
		return err
	}
	// overflow buckets below must not reserve offset as their non-state
	b.stateStarts.Set(offset)

	if s.HasLabel(FinalOffsetCode) && offset >= NumberOfStateCodings {
		b.stateStarts.Set(offset - NumberOfStateCodings)
	}
	b.taken.SetVector(s.Bits(), offset)
	if s.IsFinal() {
		b.stateStarts.Set(offset + NumberOfStateCodings)
	}

	if zeroLabel != 0 {
		if err := b.p.WriteTransition(offset, zeroLabel, 0); err != nil {
			return err
		}
		b.taken.Set(offset)
	}

	for i := 0; i < s.Len(); i++ {
		t := s.At(i)
		var err error
		if t.Label == FinalOffsetTransition {
			err = b.writeFinalTransition(offset, t.Value)
		} else {
			err = b.writeTransition(offset+int64(t.Label), byte(t.Label), t.Value)
		}
		if err != nil {
			return fmt.Errorf("state %d label %d: %w", offset, t.Label, err)
		}
	}
	return nil
}

func (b *Builder) writeTransition(pos int64, label byte, target uint64) error {
	if b.width == ondisk.Legacy {
		if target > math.MaxUint32 {
			return ErrValueOverflow
		}
		return b.p.WriteTransition(pos, label, uint32(target))
	}

	diff := uint64(math.MaxUint64)
	if uint64(pos)+CompactSizeWindow > target {
		diff = uint64(pos) + CompactSizeWindow - target
	}
	if diff < CompactSizeRelativeMaxValue {
		return b.p.WriteTransition(pos, label, uint32(diff))
	}
	if target < CompactSizeAbsoluteMaxValue {
		return b.p.WriteTransition(pos, label, uint32(target)|0xC000)
	}

	pt := uint16(0x8000)
	code := target
	if diff < target {
		pt |= 0x8
		code = diff
	}
	var units [vint.MaxVarShortLen]uint16
	n := vint.PutVarShort(units[:], code>>3)

	start, label0, err := b.findOverflowRun(pos, n)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		slot := start + int64(i)
		if err := b.p.WriteTransition(slot, label0+byte(i), uint32(units[i])); err != nil {
			return err
		}
		b.taken.Set(slot)
	}

	pt |= uint16(start+CompactSizeWindow-pos) << 4
	pt |= uint16(code & 0x7)
	return b.p.WriteTransition(pos, label, uint32(pt))
}

// findOverflowRun finds n consecutive free slots addressable from pos.
func (b *Builder) findOverflowRun(pos int64, n int) (int64, byte, error) {
	limit := pos - CompactSizeWindow + maxOverflowOffset
	start := max(0, pos-CompactSizeWindow)
	for {
		start = b.taken.NextUnset(start)
		if start > limit {
			return 0, 0, fmt.Errorf("slot %d: %w", pos, ErrOverflowPlacement)
		}
		free := true
		for i := 1; i < n; i++ {
			if b.taken.IsSet(start + int64(i)) {
				start += int64(i) + 1
				free = false
				break
			}
		}
		if !free {
			continue
		}
		label, ok := b.scrambleLabel(start, n)
		if !ok {
			start++
			continue
		}
		return start, label, nil
	}
}

func (b *Builder) writeFinalTransition(offset int64, value uint64) error {
	pos := offset + FinalOffsetTransition
	if b.width == ondisk.Legacy {
		if value > math.MaxUint32 {
			return ErrValueOverflow
		}
		return b.p.WriteTransition(pos, FinalOffsetCode, uint32(value))
	}
	var units [vint.MaxVarShortLen]uint16
	n := vint.PutVarShort(units[:], value)
	for i := 0; i < n; i++ {
		if err := b.p.WriteTransition(pos+int64(i), byte(FinalOffsetCode+i), uint32(units[i])); err != nil {
			return err
		}
	}
	return nil
}
