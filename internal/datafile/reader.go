// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// File is a parsed keyvi file.  The byte slices alias the data passed to
// Parse.
type File struct {
	Properties  Properties
	SparseArray SparseArrayProperties
	ValueStore  Record

	Labels      []byte
	Transitions []byte
	Values      []byte

	// KeysOffset and ValuesOffset locate the sparse array and value regions
	// within the data.
	KeysOffset   int
	ValuesOffset int
}

func checkMagic(data []byte) error {
	if len(data) < len(Magic) {
		if bytes.HasPrefix([]byte(Magic), data) {
			return fmt.Errorf("magic: %w", ErrTruncated)
		}
		return ErrBadMagic
	}
	if string(data[:len(Magic)]) != Magic {
		return ErrBadMagic
	}
	return nil
}

// Parse validates the layout of a whole keyvi file.
func Parse(data []byte) (*File, error) {
	if err := checkMagic(data); err != nil {
		return nil, err
	}
	off := len(Magic)

	props, n, err := ReadRecord(data[off:])
	if err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}
	off += n
	sparseProps, n, err := ReadRecord(data[off:])
	if err != nil {
		return nil, fmt.Errorf("sparse array properties: %w", err)
	}
	off += n

	f := &File{}
	if f.Properties, err = parseProperties(props); err != nil {
		return nil, err
	}
	if f.SparseArray, err = parseSparseArrayProperties(sparseProps); err != nil {
		return nil, err
	}

	size := f.SparseArray.Size
	keysLen := size * (1 + f.SparseArray.Width)
	if size > uint64(len(data)) || keysLen > uint64(len(data)-off) {
		return nil, fmt.Errorf("sparse array of %d slots: %w", size, ErrTruncated)
	}
	f.KeysOffset = off
	f.Labels = data[off : off+int(size)]
	f.Transitions = data[off+int(size) : off+int(keysLen)]
	off += int(keysLen)

	if off >= len(data) {
		return nil, fmt.Errorf("end marker: %w", ErrTruncated)
	}
	if data[off] != EndMarker {
		return nil, fmt.Errorf("bad end marker %#x: %w", data[off], ErrTruncated)
	}
	off++

	if f.ValueStore, n, err = ReadRecord(data[off:]); err != nil {
		return nil, fmt.Errorf("value store properties: %w", err)
	}
	off += n
	valuesLen, err := f.ValueStore.UintOr("size", 0)
	if err != nil {
		return nil, fmt.Errorf("value store properties: %w", err)
	}
	if valuesLen > uint64(len(data)-off) {
		return nil, fmt.Errorf("value store of %d bytes: %w", valuesLen, ErrTruncated)
	}
	f.ValuesOffset = off
	f.Values = data[off : off+int(valuesLen)]
	return f, nil
}

// ReadProperties reads only the header records of the file at path,
// without mapping it.
func ReadProperties(path string) (Properties, SparseArrayProperties, error) {
	f, err := os.Open(path)
	if err != nil {
		return Properties{}, SparseArrayProperties{}, fmt.Errorf("os.Open(%s): %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return ReadHeader(f)
}

// ReadHeader reads the magic and the two header records from r.
func ReadHeader(r io.Reader) (Properties, SparseArrayProperties, error) {
	var p Properties
	var sp SparseArrayProperties

	magic := make([]byte, len(Magic))
	if n, err := io.ReadFull(r, magic); err != nil {
		if err := checkMagic(magic[:n]); err != nil {
			return p, sp, err
		}
		return p, sp, fmt.Errorf("magic: %w", ErrTruncated)
	}
	if err := checkMagic(magic); err != nil {
		return p, sp, err
	}

	var records [2]Record
	for i := range records {
		var length [recordLengthSize]byte
		if _, err := io.ReadFull(r, length[:]); err != nil {
			return p, sp, fmt.Errorf("record length: %w", ErrTruncated)
		}
		n := int(length[0])<<24 | int(length[1])<<16 | int(length[2])<<8 | int(length[3])
		if n > maxRecordLength {
			return p, sp, fmt.Errorf("record of %d bytes too large", n)
		}
		buf := make([]byte, recordLengthSize+n)
		copy(buf, length[:])
		if _, err := io.ReadFull(r, buf[recordLengthSize:]); err != nil {
			return p, sp, fmt.Errorf("record of %d bytes: %w", n, ErrTruncated)
		}
		rec, _, err := ReadRecord(buf)
		if err != nil {
			return p, sp, err
		}
		records[i] = rec
	}

	var err error
	if p, err = parseProperties(records[0]); err != nil {
		return p, sp, err
	}
	if sp, err = parseSparseArrayProperties(records[1]); err != nil {
		return p, sp, err
	}
	return p, sp, nil
}
