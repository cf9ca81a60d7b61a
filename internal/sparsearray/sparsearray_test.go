// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package sparsearray

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/keyvi/internal/ondisk"
	"github.com/bpowers/keyvi/internal/vint"
)

func newTestBuilder(t *testing.T, width ondisk.Width, minimize bool) (*Persistence, *Builder) {
	t.Helper()
	p, err := NewPersistence(width, 0, t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Close()
	})
	return p, NewBuilder(p, 1<<20, BuilderOptions{Minimize: minimize})
}

// packed is a decoded sparse array, as a reader sees it.
type packed struct {
	width   ondisk.Width
	labels  []byte
	buckets ondisk.Buckets
}

func readPacked(t *testing.T, p *Persistence) *packed {
	t.Helper()
	require.NoError(t, p.Flush())
	var buf bytes.Buffer
	n, err := p.WriteTo(&buf)
	require.NoError(t, err)
	size := p.Size()
	require.Equal(t, size*(1+int64(p.Width())), n)
	data := buf.Bytes()
	return &packed{
		width:   p.Width(),
		labels:  data[:size],
		buckets: ondisk.NewBuckets(p.Width(), data[size:]),
	}
}

func (pk *packed) target(state int64, c byte) (uint64, bool) {
	pos := state + int64(c)
	if pk.labels[pos] != c {
		return 0, false
	}
	raw := pk.buckets.At(int(pos))
	if pk.width == ondisk.Legacy {
		return uint64(raw), true
	}
	return ResolveCompact(uint64(pos), uint16(raw), func(pos uint64) uint16 {
		return uint16(pk.buckets.At(int(pos)))
	}), true
}

func (pk *packed) final(state int64) (uint64, bool) {
	pos := state + FinalOffsetTransition
	if pk.labels[pos] != FinalOffsetCode {
		return 0, false
	}
	if pk.width == ondisk.Legacy {
		return uint64(pk.buckets.At(int(pos))), true
	}
	v, n := vint.VarShortFunc(func(i int) uint16 {
		return uint16(pk.buckets.At(int(pos) + i))
	})
	return v, n > 0
}

type testState struct {
	offset      int64
	transitions map[byte]uint64
	final       bool
	finalValue  uint64
}

func randomState(rng *rand.Rand, width ondisk.Width, previous []int64) testState {
	alphabet := []byte{0, 1, 2, 'a', 'b', 'z', ' ', 0x7f, 0xfe, 0xff}
	st := testState{transitions: make(map[byte]uint64)}
	for i, n := 0, rng.Intn(6); i < n; i++ {
		var c byte
		if rng.Intn(2) == 0 {
			c = alphabet[rng.Intn(len(alphabet))]
		} else {
			c = byte(rng.Intn(256))
		}
		var target uint64
		switch {
		case len(previous) > 0 && rng.Intn(4) != 0:
			target = uint64(previous[rng.Intn(len(previous))])
		case width == ondisk.Compact && rng.Intn(3) == 0:
			target = rng.Uint64() >> uint(rng.Intn(64))
		default:
			target = uint64(rng.Intn(1 << 20))
		}
		st.transitions[c] = target
	}
	if len(st.transitions) == 0 || rng.Intn(3) == 0 {
		st.final = true
		st.finalValue = uint64(rng.Intn(1000))
		if rng.Intn(5) == 0 {
			st.finalValue = uint64(rng.Int63n(math.MaxUint32))
		}
		if width == ondisk.Compact && rng.Intn(10) == 0 {
			st.finalValue = rng.Uint64()
		}
	}
	return st
}

func (st testState) unpacked(width ondisk.Width, finalFirst bool) *UnpackedState {
	s := NewUnpackedState(width)
	if st.final && finalFirst {
		s.AddFinal(st.finalValue)
	}
	labels := make([]int, 0, len(st.transitions))
	for c := range st.transitions {
		labels = append(labels, int(c))
	}
	sort.Ints(labels)
	for _, c := range labels {
		s.Add(byte(c), st.transitions[byte(c)])
	}
	if st.final && !finalFirst {
		s.AddFinal(st.finalValue)
	}
	return s
}

func testRandomStates(t *testing.T, width ondisk.Width) {
	p, b := newTestBuilder(t, width, false)
	rng := rand.New(rand.NewSource(42))

	var states []testState
	var offsets []int64
	for i := 0; i < 20000; i++ {
		st := randomState(rng, width, offsets)
		offset, err := b.PersistState(st.unpacked(width, rng.Intn(2) == 0))
		require.NoError(t, err)
		require.Positive(t, offset)
		st.offset = offset
		states = append(states, st)
		offsets = append(offsets, offset)
	}
	assert.Equal(t, uint64(len(states)), b.NumberOfStates())

	seen := make(map[int64]bool)
	pk := readPacked(t, p)
	for _, st := range states {
		require.False(t, seen[st.offset], "state %d placed twice", st.offset)
		seen[st.offset] = true

		for c := 0; c < 256; c++ {
			expected, ok := st.transitions[byte(c)]
			actual, found := pk.target(st.offset, byte(c))
			require.Equal(t, ok, found, "state %d byte %d", st.offset, c)
			if ok {
				require.Equal(t, expected, actual, "state %d byte %d", st.offset, c)
			}
		}
		value, final := pk.final(st.offset)
		require.Equal(t, st.final, final, "state %d", st.offset)
		if st.final {
			require.Equal(t, st.finalValue, value, "state %d", st.offset)
		}
	}
}

func TestBuilder_RandomStatesCompact(t *testing.T) {
	testRandomStates(t, ondisk.Compact)
}

func TestBuilder_RandomStatesLegacy(t *testing.T) {
	testRandomStates(t, ondisk.Legacy)
}

func TestBuilder_CompactEncodings(t *testing.T) {
	p, b := newTestBuilder(t, ondisk.Compact, false)

	persist := func(label byte, target uint64) int64 {
		s := NewUnpackedState(ondisk.Compact)
		s.Add(label, target)
		offset, err := b.PersistState(s)
		require.NoError(t, err)
		return offset
	}

	type check struct {
		offset int64
		label  byte
		target uint64
		raw    func(raw uint32) bool
	}
	var checks []check

	absCompact := func(raw uint32) bool { return raw&0xC000 == 0xC000 }
	relative := func(raw uint32) bool { return raw&0x8000 == 0 }
	overflowAbs := func(raw uint32) bool { return raw&0xC000 == 0x8000 && raw&0x8 == 0 }
	overflowRel := func(raw uint32) bool { return raw&0xC000 == 0x8000 && raw&0x8 != 0 }

	offset := persist('a', 3)
	checks = append(checks, check{offset, 'a', 3, relative})
	offset = persist('b', 16384)
	checks = append(checks, check{offset, 'b', 16384, overflowAbs})
	offset = persist('c', 1<<40)
	checks = append(checks, check{offset, 'c', 1 << 40, overflowAbs})

	// move far enough ahead that small targets no longer fit the
	// relative encoding
	b.highestState = 200_000
	offset = persist('d', 100)
	checks = append(checks, check{offset, 'd', 100, absCompact})
	offset = persist('e', 16383)
	checks = append(checks, check{offset, 'e', 16383, absCompact})
	offset = persist('f', 190_000)
	checks = append(checks, check{offset, 'f', 190_000, relative})
	offset = persist('g', 120_000)
	checks = append(checks, check{offset, 'g', 120_000, overflowRel})
	offset = persist('h', 50_000)
	checks = append(checks, check{offset, 'h', 50_000, overflowAbs})
	// pos+512-target underflows, so only the absolute form can reach it
	offset = persist(0, 1<<33)
	checks = append(checks, check{offset, 0, 1 << 33, overflowAbs})

	for _, c := range checks {
		pos := c.offset + int64(c.label)
		require.Equal(t, c.label, p.ReadTransitionLabel(pos))
		raw := p.ReadTransitionValue(pos)
		assert.True(t, c.raw(raw), "encoding of %d: %#x", c.target, raw)
		assert.Equal(t, c.target, p.ResolveTransitionValue(pos, raw))
	}

	pk := readPacked(t, p)
	for _, c := range checks {
		target, ok := pk.target(c.offset, c.label)
		require.True(t, ok)
		assert.Equal(t, c.target, target)
	}
}

func TestBuilder_LegacyOverflow(t *testing.T) {
	_, b := newTestBuilder(t, ondisk.Legacy, false)

	s := NewUnpackedState(ondisk.Legacy)
	s.Add('a', math.MaxUint32+1)
	_, err := b.PersistState(s)
	assert.True(t, errors.Is(err, ErrValueOverflow))

	s = NewUnpackedState(ondisk.Legacy)
	s.AddFinal(math.MaxUint32 + 1)
	_, err = b.PersistState(s)
	assert.True(t, errors.Is(err, ErrValueOverflow))
}

func TestBuilder_Minimization(t *testing.T) {
	_, b := newTestBuilder(t, ondisk.Compact, true)

	leaf := NewUnpackedState(ondisk.Compact)
	leaf.AddFinal(0)
	first, err := b.PersistState(leaf)
	require.NoError(t, err)

	leaf = NewUnpackedState(ondisk.Compact)
	leaf.AddFinal(0)
	second, err := b.PersistState(leaf)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), b.NumberOfStates())

	other := NewUnpackedState(ondisk.Compact)
	other.AddFinal(7)
	third, err := b.PersistState(other)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	mk := func(target int64) *UnpackedState {
		s := NewUnpackedState(ondisk.Compact)
		s.Add('x', uint64(target))
		s.Add('y', uint64(target))
		return s
	}
	a, err := b.PersistState(mk(first))
	require.NoError(t, err)
	again, err := b.PersistState(mk(first))
	require.NoError(t, err)
	assert.Equal(t, a, again)

	// states flagged as not minimizable are always written
	s := mk(first)
	s.IncrementNoMinimizationCounter(1)
	fresh, err := b.PersistState(s)
	require.NoError(t, err)
	assert.NotEqual(t, a, fresh)
	assert.Equal(t, uint64(4), b.NumberOfStates())
}

func TestUnpackedState(t *testing.T) {
	ctx := DefaultHashContext()

	s1 := NewUnpackedState(ondisk.Compact)
	s1.Add('a', 10)
	s1.Add('b', 20)
	s2 := NewUnpackedState(ondisk.Compact)
	s2.Add('a', 10)
	s2.Add('b', 21)
	assert.NotEqual(t, s1.Hash(ctx), s2.Hash(ctx))
	s2.SetLastTransitionValue(20)
	assert.Equal(t, s1.Hash(ctx), s2.Hash(ctx))
	s3 := NewUnpackedState(ondisk.Compact)
	s3.Add('a', 10)
	s3.Add('b', 20)
	assert.NotEqual(t, s1.Hash(ctx), s3.Hash(HashContext{Seed: 1}))

	s1.AddFinal(1 << 40)
	assert.True(t, s1.IsFinal())
	assert.Equal(t, 3, s1.Len())
	for i := 0; i < 3; i++ {
		assert.True(t, s1.HasLabel(FinalOffsetTransition+i))
	}
	assert.False(t, s1.HasLabel(FinalOffsetTransition+3))

	legacy := NewUnpackedState(ondisk.Legacy)
	legacy.AddFinal(1 << 20)
	assert.True(t, legacy.HasLabel(FinalOffsetTransition))
	assert.False(t, legacy.HasLabel(FinalOffsetTransition+1))

	s1.IncrementNoMinimizationCounter(3)
	s1.Clear()
	assert.Equal(t, 0, s1.Len())
	assert.False(t, s1.IsFinal())
	assert.Equal(t, 0, s1.NoMinimizationCounter())
	assert.Equal(t, int64(s1.Bits().Len()), s1.Bits().NextSet(0))
}

func TestLRUGenerations(t *testing.T) {
	g, items := memoryConfiguration(1 << 20)
	assert.GreaterOrEqual(t, g, minGenerations)
	assert.LessOrEqual(t, g, maxGenerations)
	assert.LessOrEqual(t, int64(g*items*packedStateCost), int64(1<<20))

	c := &lruGenerations{
		maxGenerations: 3,
		maxItems:       4,
		current:        newMinimizationHash(4),
	}
	byOffset := func(offset int64) func(packedState) bool {
		return func(ps packedState) bool { return ps.offset == offset }
	}

	for i := int64(0); i < 4; i++ {
		c.Add(packedState{offset: i, hash: uint64(i % 2)})
	}
	require.Len(t, c.generations, 1)
	assert.Equal(t, 4, c.Len())

	// a hit in an old generation moves the entry to the current one
	ps, ok := c.Get(1, byOffset(3))
	require.True(t, ok)
	assert.Equal(t, int64(3), ps.offset)
	assert.Equal(t, 3, c.generations[0].count)
	assert.Equal(t, 1, c.current.count)

	for i := int64(10); i < 17; i++ {
		c.Add(packedState{offset: i, hash: uint64(i)})
	}
	require.Len(t, c.generations, 2)
	_, ok = c.Get(0, byOffset(0))
	assert.False(t, ok, "oldest generation dropped")
	_, ok = c.Get(1, byOffset(3))
	assert.True(t, ok)
	_, ok = c.Get(99, byOffset(3))
	assert.False(t, ok)
}

func TestPersistence_FlushAndExternalSlots(t *testing.T) {
	p, err := NewPersistence(ondisk.Legacy, 0, t.TempDir(), nil)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, p.Close())
	}()

	const states = 200_000
	for offset := int64(1); offset < states; offset += 97 {
		require.NoError(t, p.BeginNewState(offset))
		require.NoError(t, p.WriteTransition(offset+3, 3, uint32(offset)))
	}
	assert.Greater(t, p.inMemoryOffset, int64(0), "buffers were flushed")

	// flushed slots can still be read and patched
	assert.Equal(t, byte(3), p.ReadTransitionLabel(4))
	assert.Equal(t, uint32(1), p.ReadTransitionValue(4))
	require.NoError(t, p.WriteTransition(5, 9, 77))
	assert.Equal(t, uint32(77), p.ReadTransitionValue(5))
	assert.Equal(t, byte(0), p.ReadTransitionLabel(6))

	size := p.Size()
	assert.Error(t, p.WriteTransition(p.inMemoryOffset+p.bufferSize+10, 1, 1))
	assert.Error(t, p.WriteTransition(-1, 1, 1))
	assert.Equal(t, size, p.Size(), "rejected writes do not grow the array")

	_, err = p.WriteTo(&bytes.Buffer{})
	assert.Error(t, err, "WriteTo requires Flush")

	pk := readPacked(t, p)
	for offset := int64(1); offset < states; offset += 97 {
		require.Equal(t, byte(3), pk.labels[offset+3])
		require.Equal(t, uint32(offset), pk.buckets.At(int(offset+3)))
	}
	assert.Equal(t, uint32(77), pk.buckets.At(5))
	require.NoError(t, p.Flush())
	assert.Error(t, p.BeginNewState(states+1000))
}
