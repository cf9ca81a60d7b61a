// Copyright 2021 The bit Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package bitset provides the fixed-size bitmap used for per-state label sets
// and the sliding-window position trackers the sparse array builder uses to
// find free slots.
package bitset

import (
	"math/bits"
)

// Bitset is an in-memory bitmap that is conceptually similar to []bool, but more memory efficient.
type Bitset struct {
	bits   []uint64
	length int64
}

func getOffsets(off int64) (sliceOff int64, bitOff uint64) {
	sliceOff = off / 64
	bitOff = uint64(off) % 64
	return
}

// Set sets the bit at position `off` to 1.
func (b *Bitset) Set(off int64) {
	if off < 0 || off >= b.length {
		return
	}
	sliceOff, bitOff := getOffsets(off)
	u64 := &b.bits[sliceOff]
	*u64 |= 1 << bitOff
}

// Clear sets the bit at position `off` to 0.
func (b *Bitset) Clear(off int64) {
	if off < 0 || off >= b.length {
		return
	}
	sliceOff, bitOff := getOffsets(off)
	u64 := &b.bits[sliceOff]
	*u64 &= ^(1 << bitOff)
}

// IsSet returns true if the bit at position `off` is 1.
func (b *Bitset) IsSet(off int64) bool {
	if off < 0 || off >= b.length {
		return false
	}
	sliceOff, bitOff := getOffsets(off)
	u64 := &b.bits[sliceOff]
	return *u64&(1<<bitOff) != 0
}

// Len returns the number of addressable bits.
func (b *Bitset) Len() int64 {
	return b.length
}

// Reset clears every bit.
func (b *Bitset) Reset() {
	clear(b.bits)
}

// CopyFrom overwrites b with the contents of other, which must have the same length.
func (b *Bitset) CopyFrom(other *Bitset) {
	copy(b.bits, other.bits)
}

// NextSet returns the position of the first set bit at or after off, or Len()
// if there is none.
func (b *Bitset) NextSet(off int64) int64 {
	if off < 0 {
		off = 0
	}
	if off >= b.length {
		return b.length
	}
	sliceOff, bitOff := getOffsets(off)
	word := b.bits[sliceOff] >> bitOff
	if word != 0 {
		return min(off+int64(bits.TrailingZeros64(word)), b.length)
	}
	for i := sliceOff + 1; i < int64(len(b.bits)); i++ {
		if b.bits[i] != 0 {
			return min(i*64+int64(bits.TrailingZeros64(b.bits[i])), b.length)
		}
	}
	return b.length
}

// NextUnset returns the position of the first unset bit at or after off, or
// Len() if there is none.
func (b *Bitset) NextUnset(off int64) int64 {
	if off < 0 {
		off = 0
	}
	if off >= b.length {
		return b.length
	}
	sliceOff, bitOff := getOffsets(off)
	word := ^b.bits[sliceOff] >> bitOff
	if word != 0 {
		return min(off+int64(bits.TrailingZeros64(word)), b.length)
	}
	for i := sliceOff + 1; i < int64(len(b.bits)); i++ {
		if w := ^b.bits[i]; w != 0 {
			return min(i*64+int64(bits.TrailingZeros64(w)), b.length)
		}
	}
	return b.length
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// New returns a new in-memory bitset where you can set, clear and test for individual bits.
func New(length int64) *Bitset {
	sliceLen := (length + 63) / 64
	return &Bitset{
		bits:   make([]uint64, sliceLen),
		length: length,
	}
}
