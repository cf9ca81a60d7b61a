// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package valuestore

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/bpowers/keyvi/internal/datafile"
)

type keyOnlyWriter struct{}

func (keyOnlyWriter) Type() Type { return KeyOnly }

func (keyOnlyWriter) Add([]byte) (uint64, bool, error) { return 0, false, nil }

func (keyOnlyWriter) AddRaw([]byte) (uint64, bool, error) { return 0, false, nil }

func (keyOnlyWriter) Record() datafile.Record {
	return datafile.Record{"size": "0"}
}

func (keyOnlyWriter) WriteTo(io.Writer) (int64, error) { return 0, nil }

func (keyOnlyWriter) Close() error { return nil }

type keyOnlyReader struct{}

func (keyOnlyReader) Type() Type { return KeyOnly }

func (keyOnlyReader) Value(uint64) ([]byte, error) { return nil, nil }

func (keyOnlyReader) RawValue(uint64) ([]byte, error) { return nil, nil }

// intWriter keeps the value in the final state itself.
type intWriter struct {
	numberOfValues uint64
}

func (w *intWriter) Type() Type { return Int }

func (w *intWriter) Add(value []byte) (uint64, bool, error) {
	v, err := strconv.ParseUint(string(bytes.TrimSpace(value)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("int value %q: %w", value, ErrBadValue)
	}
	w.numberOfValues++
	return v, false, nil
}

func (w *intWriter) AddRaw(raw []byte) (uint64, bool, error) {
	return w.Add(raw)
}

func (w *intWriter) Record() datafile.Record {
	r := datafile.Record{"size": "0"}
	r.SetUint("values", w.numberOfValues)
	return r
}

func (w *intWriter) WriteTo(io.Writer) (int64, error) { return 0, nil }

func (w *intWriter) Close() error { return nil }

type intReader struct{}

func (intReader) Type() Type { return Int }

func (intReader) Value(idx uint64) ([]byte, error) {
	return strconv.AppendUint(nil, idx, 10), nil
}

func (r intReader) RawValue(idx uint64) ([]byte, error) {
	return r.Value(idx)
}

// stringWriter stores NUL terminated strings.
type stringWriter struct {
	*store
	scratch []byte
}

func (w *stringWriter) Type() Type { return String }

func (w *stringWriter) Add(value []byte) (uint64, bool, error) {
	if bytes.IndexByte(value, 0) >= 0 {
		return 0, false, fmt.Errorf("string value contains NUL: %w", ErrBadValue)
	}
	w.scratch = append(append(w.scratch[:0], value...), 0)
	return w.add(w.scratch)
}

func (w *stringWriter) AddRaw(raw []byte) (uint64, bool, error) {
	return w.Add(raw)
}

func (w *stringWriter) Record() datafile.Record {
	return w.record()
}

type stringReader struct {
	data []byte
}

func (stringReader) Type() Type { return String }

func (r stringReader) Value(idx uint64) ([]byte, error) {
	if idx >= uint64(len(r.data)) {
		return nil, fmt.Errorf("string %d: %w", idx, ErrBadIndex)
	}
	s := r.data[idx:]
	end := bytes.IndexByte(s, 0)
	if end < 0 {
		return nil, fmt.Errorf("string %d unterminated: %w", idx, datafile.ErrTruncated)
	}
	return s[:end:end], nil
}

func (r stringReader) RawValue(idx uint64) ([]byte, error) {
	return r.Value(idx)
}
