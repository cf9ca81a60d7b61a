// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package sparsearray

import (
	"encoding/binary"

	"github.com/bpowers/keyvi/internal/bitset"
	"github.com/bpowers/keyvi/internal/ondisk"
	"github.com/bpowers/keyvi/internal/vint"
)

// Transition is an outgoing edge of a state under construction.  Labels
// 0-255 are input bytes; FinalOffsetTransition carries the final value.
type Transition struct {
	Label int
	Value uint64
}

// UnpackedState is a state whose transitions are still being collected.
// States are reused: Clear resets one for the next key.
type UnpackedState struct {
	width       ondisk.Width
	transitions []Transition
	bits        *bitset.Bitset

	hash      uint64
	hashValid bool
	scratch   []byte

	noMinimizationCounter int
	final                 bool
}

func NewUnpackedState(width ondisk.Width) *UnpackedState {
	return &UnpackedState{
		width:       width,
		transitions: make([]Transition, 0, 8),
		bits:        bitset.New(MaxTransitionsOfAState),
	}
}

// Add appends a transition; labels must be added in ascending order.
func (s *UnpackedState) Add(label byte, value uint64) {
	s.transitions = append(s.transitions, Transition{Label: int(label), Value: value})
	s.bits.Set(int64(label))
	s.hashValid = false
}

// AddFinal marks the state final with the given value.  Compact states
// reserve one slot per varshort unit of the value.
func (s *UnpackedState) AddFinal(value uint64) {
	s.transitions = append(s.transitions, Transition{Label: FinalOffsetTransition, Value: value})
	n := 1
	if s.width == ondisk.Compact {
		n = vint.VarShortLength(value)
	}
	for i := 0; i < n; i++ {
		s.bits.Set(int64(FinalOffsetTransition + i))
	}
	s.final = true
	s.hashValid = false
}

// SetLastTransitionValue sets the target of the most recently added
// transition.
func (s *UnpackedState) SetLastTransitionValue(value uint64) {
	s.transitions[len(s.transitions)-1].Value = value
	s.hashValid = false
}

func (s *UnpackedState) Clear() {
	s.transitions = s.transitions[:0]
	s.bits.Reset()
	s.hashValid = false
	s.noMinimizationCounter = 0
	s.final = false
}

func (s *UnpackedState) Len() int {
	return len(s.transitions)
}

func (s *UnpackedState) At(i int) Transition {
	return s.transitions[i]
}

func (s *UnpackedState) HasLabel(label int) bool {
	return s.bits.IsSet(int64(label))
}

func (s *UnpackedState) IsFinal() bool {
	return s.final
}

// Bits returns the slots, relative to the state start, this state occupies.
func (s *UnpackedState) Bits() *bitset.Bitset {
	return s.bits
}

func (s *UnpackedState) NoMinimizationCounter() int {
	return s.noMinimizationCounter
}

func (s *UnpackedState) IncrementNoMinimizationCounter(n int) {
	s.noMinimizationCounter += n
}

// Hash returns the content hash of the state under ctx.
func (s *UnpackedState) Hash(ctx HashContext) uint64 {
	if s.hashValid {
		return s.hash
	}
	buf := s.scratch[:0]
	for _, t := range s.transitions {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(t.Label))
		buf = vint.AppendVarInt(buf, t.Value)
	}
	s.scratch = buf
	s.hash = ctx.Sum(buf)
	s.hashValid = true
	return s.hash
}
