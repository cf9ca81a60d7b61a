// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package vint implements the two variable-length integer encodings used by
// keyvi files: byte-oriented varints and 16-bit-unit varshorts.
package vint

import (
	"math/bits"
)

const (
	// MaxVarIntLen is the longest encoding of a uint64 as a varint.
	MaxVarIntLen = 10
	// MaxVarShortLen is the longest encoding of a uint64 as a varshort.
	MaxVarShortLen = 5
)

// VarIntLength returns the number of bytes PutVarInt will use for v.
func VarIntLength(v uint64) int {
	// (log2(v) * 9 + 73) / 64 == ceil((log2(v)+1) / 7) for 0 <= log2(v) <= 63
	log2 := uint(63 - bits.LeadingZeros64(v|1))
	return int((log2*9 + 73) / 64)
}

// PutVarInt encodes v into buf and returns the number of bytes written.
// It panics if buf is too small, like encoding/binary.PutUvarint.
func PutVarInt(buf []byte, v uint64) int {
	i := 0
	for v > 0x7f {
		buf[i] = byte(v&0x7f) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

// AppendVarInt appends the varint encoding of v to dst.
func AppendVarInt(dst []byte, v uint64) []byte {
	for v > 0x7f {
		dst = append(dst, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// VarInt decodes a varint from buf, returning the value and the number of
// bytes consumed.  n is 0 if buf ends before the encoding does or the
// encoding does not fit into 64 bits.
func VarInt(buf []byte) (v uint64, n int) {
	var shift uint
	for i, b := range buf {
		if i == MaxVarIntLen {
			return 0, 0
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

// VarShortLength returns the number of 16-bit units PutVarShort will use for v.
func VarShortLength(v uint64) int {
	switch {
	case v < 1<<15:
		return 1
	case v < 1<<30:
		return 2
	case v < 1<<45:
		return 3
	case v < 1<<60:
		return 4
	default:
		return 5
	}
}

// PutVarShort encodes v into buf in 15-bit groups and returns the number of
// units written.
func PutVarShort(buf []uint16, v uint64) int {
	i := 0
	for v > 0x7fff {
		buf[i] = uint16(v&0x7fff) | 0x8000
		v >>= 15
		i++
	}
	buf[i] = uint16(v)
	return i + 1
}

// VarShort decodes a varshort from buf.  n is 0 for a truncated encoding.
func VarShort(buf []uint16) (v uint64, n int) {
	var shift uint
	for i, u := range buf {
		if i == MaxVarShortLen {
			return 0, 0
		}
		v |= uint64(u&0x7fff) << shift
		if u&0x8000 == 0 {
			return v, i + 1
		}
		shift += 15
	}
	return 0, 0
}

// VarShortFunc decodes a varshort whose units are produced by next, which is
// called with increasing indexes starting at 0.  It is used to decode values
// that live in non-contiguous storage, like sparse array slots.
func VarShortFunc(next func(i int) uint16) (v uint64, n int) {
	var shift uint
	for i := 0; i < MaxVarShortLen; i++ {
		u := next(i)
		v |= uint64(u&0x7fff) << shift
		if u&0x8000 == 0 {
			return v, i + 1
		}
		shift += 15
	}
	return 0, 0
}
