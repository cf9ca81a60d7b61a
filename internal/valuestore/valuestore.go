// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package valuestore holds the values of a keyvi file.  The automaton stores
// a single integer per key; depending on the store type that integer is the
// value itself or an offset into the value region.
package valuestore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/bpowers/keyvi/internal/compression"
	"github.com/bpowers/keyvi/internal/datafile"
)

type Type uint64

const (
	KeyOnly Type = 1
	Int     Type = 2
	String  Type = 3
	JSON    Type = 4
)

var (
	ErrUnknownType = errors.New("unknown value store type")
	ErrBadValue    = errors.New("invalid value")
	ErrBadIndex    = errors.New("value index out of range")
)

func (t Type) String() string {
	switch t {
	case KeyOnly:
		return "key-only"
	case Int:
		return "int"
	case String:
		return "string"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("Type(%d)", uint64(t))
	}
}

func (t Type) Valid() bool {
	return t >= KeyOnly && t <= JSON
}

// Validate reports whether a writer of type t would accept value.
func Validate(t Type, value []byte) error {
	switch t {
	case KeyOnly, String:
		return nil
	case Int:
		if _, err := strconv.ParseUint(string(bytes.TrimSpace(value)), 10, 64); err != nil {
			return fmt.Errorf("int value %q: %w", value, ErrBadValue)
		}
		return nil
	case JSON:
		_, err := decodeJSON(value)
		return err
	default:
		return fmt.Errorf("value type %d: %w", uint64(t), ErrUnknownType)
	}
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for t := KeyOnly; t <= JSON; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnknownType)
}

// Writer collects the values of a file under construction.
type Writer interface {
	Type() Type
	// Add stores value and returns the integer to put into the key's
	// final state.  unique reports whether the value was not seen before,
	// in which case the final state cannot be shared with another key.
	Add(value []byte) (idx uint64, unique bool, err error)
	// AddRaw stores a value in the encoding returned by Reader.RawValue.
	AddRaw(raw []byte) (idx uint64, unique bool, err error)
	// Record returns the value store property record.
	Record() datafile.Record
	// WriteTo writes the value region.
	WriteTo(w io.Writer) (int64, error)
	Close() error
}

// Reader resolves the integers stored in final states.
type Reader interface {
	Type() Type
	// Value returns the value in its user facing form: the string, the
	// JSON text or the decimal integer.
	Value(idx uint64) ([]byte, error)
	// RawValue returns the value in the encoding accepted by
	// Writer.AddRaw.
	RawValue(idx uint64) ([]byte, error)
}

type Options struct {
	// Compression applies to JSON values longer than
	// CompressionThreshold bytes.
	Compression          compression.Codec
	CompressionThreshold int
	// Minimize stores equal values once.
	Minimize    bool
	MemoryLimit int64
	TmpDir      string
	Logger      *slog.Logger
}

const (
	defaultCompressionThreshold = 32
	defaultMemoryLimit          = 100 * 1024 * 1024
)

func NewWriter(t Type, opts Options) (Writer, error) {
	if opts.Compression == nil {
		opts.Compression, _ = compression.ByCode(compression.None)
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = defaultCompressionThreshold
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = defaultMemoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	switch t {
	case KeyOnly:
		return keyOnlyWriter{}, nil
	case Int:
		return &intWriter{}, nil
	case String:
		s, err := newStore(opts)
		if err != nil {
			return nil, err
		}
		return &stringWriter{store: s}, nil
	case JSON:
		s, err := newStore(opts)
		if err != nil {
			return nil, err
		}
		return &jsonWriter{
			store:     s,
			codec:     opts.Compression,
			threshold: opts.CompressionThreshold,
		}, nil
	default:
		return nil, fmt.Errorf("type %d: %w", uint64(t), ErrUnknownType)
	}
}

// NewReader returns the reader for a value region described by props.
func NewReader(t Type, props datafile.Record, data []byte) (Reader, error) {
	size, err := props.UintOr("size", 0)
	if err != nil {
		return nil, err
	}
	if size > uint64(len(data)) {
		return nil, fmt.Errorf("value store of %d bytes: %w", size, datafile.ErrTruncated)
	}
	data = data[:size]

	switch t {
	case KeyOnly:
		return keyOnlyReader{}, nil
	case Int:
		return intReader{}, nil
	case String:
		return stringReader{data: data}, nil
	case JSON:
		return jsonReader{data: data}, nil
	default:
		return nil, fmt.Errorf("type %d: %w", uint64(t), ErrUnknownType)
	}
}
