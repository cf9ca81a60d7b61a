// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package ondisk provides typed little-endian views over the transition
// region of a sparse array.
package ondisk

import (
	"encoding/binary"
	"fmt"
)

// Width is the size in bytes of a single transition bucket.
type Width int

const (
	// Compact buckets hold 16-bit values using the relative/overflow
	// pointer encoding.
	Compact Width = 2
	// Legacy buckets hold absolute 32-bit values.
	Legacy Width = 4
)

// Version returns the sparse-array format version recorded for w.
func (w Width) Version() int {
	if w == Legacy {
		return 1
	}
	return 2
}

// MaxValue is the largest value a single bucket can hold.
func (w Width) MaxValue() uint64 {
	if w == Legacy {
		return 1<<32 - 1
	}
	return 1<<16 - 1
}

func (w Width) Valid() bool {
	return w == Compact || w == Legacy
}

func (w Width) String() string {
	switch w {
	case Compact:
		return "compact"
	case Legacy:
		return "legacy"
	default:
		return fmt.Sprintf("Width(%d)", int(w))
	}
}

// WidthForVersion maps a recorded sparse-array version back to a width.
func WidthForVersion(version int) (Width, error) {
	switch version {
	case 1:
		return Legacy, nil
	case 2:
		return Compact, nil
	default:
		return 0, fmt.Errorf("unknown sparse array version %d", version)
	}
}

// Buckets is a fixed-length array of transition values backed by bytes.
type Buckets interface {
	Len() int
	// At returns the value at i without a range check.
	At(i int) uint32
	Get(i int) (uint32, error)
	Set(i int, value uint32) error
	// Bytes returns the backing storage.
	Bytes() []byte
}

// NewBuckets returns a view of data as buckets of width w.  Trailing bytes
// that do not form a whole bucket are ignored.
func NewBuckets(w Width, data []byte) Buckets {
	if w == Legacy {
		return NewU32Slice(data)
	}
	return NewU16Slice(data)
}

type U16Slice struct {
	data []byte
	len  int // length in number of elements
}

func NewU16Slice(data []byte) *U16Slice {
	n := len(data) / 2
	return &U16Slice{
		data: data[:2*n],
		len:  n,
	}
}

func (s *U16Slice) Len() int {
	return s.len
}

func (s *U16Slice) At(i int) uint32 {
	return uint32(binary.LittleEndian.Uint16(s.data[2*i:]))
}

func (s *U16Slice) Set(i int, value uint32) error {
	if i < 0 || i >= s.len {
		return fmt.Errorf("offset (%d) out of range (len %d)", i, s.len)
	}
	if value > 0xffff {
		return fmt.Errorf("value %d does not fit a 16-bit bucket", value)
	}
	binary.LittleEndian.PutUint16(s.data[2*i:], uint16(value))
	return nil
}

func (s *U16Slice) Get(i int) (uint32, error) {
	if i < 0 || i >= s.len {
		return 0, fmt.Errorf("offset (%d) out of range (len %d)", i, s.len)
	}
	return s.At(i), nil
}

func (s *U16Slice) Bytes() []byte {
	return s.data
}

type U32Slice struct {
	data []byte
	len  int // length in number of elements
}

func NewU32Slice(data []byte) *U32Slice {
	n := len(data) / 4
	return &U32Slice{
		data: data[:4*n],
		len:  n,
	}
}

func (s *U32Slice) Len() int {
	return s.len
}

func (s *U32Slice) At(i int) uint32 {
	return binary.LittleEndian.Uint32(s.data[4*i:])
}

func (s *U32Slice) Set(i int, value uint32) error {
	if i < 0 || i >= s.len {
		return fmt.Errorf("offset (%d) out of range (len %d)", i, s.len)
	}
	binary.LittleEndian.PutUint32(s.data[4*i:], value)
	return nil
}

func (s *U32Slice) Get(i int) (uint32, error) {
	if i < 0 || i >= s.len {
		return 0, fmt.Errorf("offset (%d) out of range (len %d)", i, s.len)
	}
	return s.At(i), nil
}

func (s *U32Slice) Bytes() []byte {
	return s.data
}
