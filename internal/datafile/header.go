// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package datafile reads and writes the envelope of a keyvi file: the
// magic, the JSON property records, the sparse array region, the end marker
// and the value store region.
package datafile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

const (
	Magic = "KEYVIFSA"

	// EndMarker follows the sparse array region.
	EndMarker = 0x5A

	FileVersion      = 2
	minFileVersion   = 2
	maxFileVersion   = 2
	minSparseVersion = 1
	maxSparseVersion = 2

	recordLengthSize = 4
	maxRecordLength  = 16 * 1024 * 1024
)

var (
	ErrBadMagic           = errors.New("not a keyvi file")
	ErrUnsupportedVersion = errors.New("unsupported keyvi file version")
	ErrTruncated          = errors.New("keyvi file truncated")
)

// Record is a property record.  Numbers are stored as decimal strings.
type Record map[string]string

func (r Record) Uint(key string) (uint64, error) {
	s, ok := r[key]
	if !ok {
		return 0, fmt.Errorf("property %q missing", key)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("property %q: %w", key, err)
	}
	return v, nil
}

// UintOr returns def if key is absent.
func (r Record) UintOr(key string, def uint64) (uint64, error) {
	if _, ok := r[key]; !ok {
		return def, nil
	}
	return r.Uint(key)
}

func (r Record) SetUint(key string, v uint64) {
	r[key] = strconv.FormatUint(v, 10)
}

// AppendRecord appends the length-prefixed JSON encoding of r.
func AppendRecord(dst []byte, r Record) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...), nil
}

// ReadRecord parses the record at the start of data and returns it with
// the number of bytes it occupies.
func ReadRecord(data []byte) (Record, int, error) {
	if len(data) < recordLengthSize {
		return nil, 0, fmt.Errorf("record length: %w", ErrTruncated)
	}
	n := binary.BigEndian.Uint32(data)
	if n > maxRecordLength {
		return nil, 0, fmt.Errorf("record of %d bytes too large", n)
	}
	end := recordLengthSize + int(n)
	if end > len(data) {
		return nil, 0, fmt.Errorf("record of %d bytes: %w", n, ErrTruncated)
	}
	var r Record
	if err := json.Unmarshal(data[recordLengthSize:end], &r); err != nil {
		return nil, 0, fmt.Errorf("json.Unmarshal: %w", err)
	}
	if r == nil {
		r = Record{}
	}
	return r, end, nil
}

// Properties describe the automaton stored in a file.
type Properties struct {
	Version        uint64
	StartState     uint64
	NumberOfKeys   uint64
	NumberOfStates uint64
	ValueStoreType uint64
	Manifest       string
}

func (p Properties) Record() Record {
	r := Record{"manifest": p.Manifest}
	r.SetUint("version", p.Version)
	r.SetUint("start_state", p.StartState)
	r.SetUint("number_of_keys", p.NumberOfKeys)
	r.SetUint("number_of_states", p.NumberOfStates)
	r.SetUint("value_store_type", p.ValueStoreType)
	return r
}

func parseProperties(r Record) (p Properties, err error) {
	if p.Version, err = r.Uint("version"); err != nil {
		return p, err
	}
	if p.Version < minFileVersion || p.Version > maxFileVersion {
		return p, fmt.Errorf("file version %d: %w", p.Version, ErrUnsupportedVersion)
	}
	if p.StartState, err = r.Uint("start_state"); err != nil {
		return p, err
	}
	if p.NumberOfKeys, err = r.Uint("number_of_keys"); err != nil {
		return p, err
	}
	if p.NumberOfStates, err = r.UintOr("number_of_states", 0); err != nil {
		return p, err
	}
	if p.ValueStoreType, err = r.Uint("value_store_type"); err != nil {
		return p, err
	}
	p.Manifest = r["manifest"]
	return p, nil
}

// SparseArrayProperties describe the sparse array region.
type SparseArrayProperties struct {
	Version uint64
	Width   uint64
	Size    uint64
}

func (p SparseArrayProperties) Record() Record {
	r := Record{}
	r.SetUint("version", p.Version)
	r.SetUint("width", p.Width)
	r.SetUint("size", p.Size)
	return r
}

func parseSparseArrayProperties(r Record) (p SparseArrayProperties, err error) {
	if p.Version, err = r.Uint("version"); err != nil {
		return p, err
	}
	if p.Version < minSparseVersion || p.Version > maxSparseVersion {
		return p, fmt.Errorf("sparse array version %d: %w", p.Version, ErrUnsupportedVersion)
	}
	// version 1 files predate the width property
	def := uint64(2)
	if p.Version == 1 {
		def = 4
	}
	if p.Width, err = r.UintOr("width", def); err != nil {
		return p, err
	}
	if p.Size, err = r.Uint("size"); err != nil {
		return p, err
	}
	return p, nil
}
