// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (s *safeBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]byte(nil), s.buf...)
}

func (s *safeBuffer) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	return len(p), nil
}

var _ FileWriter = &safeBuffer{}

type testWriter struct {
	inner            FileWriter
	writeShouldError bool
}

func (c *testWriter) Write(p []byte) (n int, err error) {
	if c.writeShouldError {
		return 0, errors.New("write failed")
	}
	return c.inner.Write(p)
}

var _ FileWriter = &testWriter{}

var testProperties = Properties{
	Version:        FileVersion,
	StartState:     17,
	NumberOfKeys:   3,
	NumberOfStates: 9,
	ValueStoreType: 3,
	Manifest:       `{"origin":"test"}`,
}

func writeTestFile(t *testing.T, labels, transitions, values []byte) []byte {
	t.Helper()
	var fileBytes safeBuffer
	w, err := NewWriter(&fileBytes)
	require.NoError(t, err)

	sp := SparseArrayProperties{Version: 2, Width: 2, Size: uint64(len(labels))}
	require.NoError(t, w.WriteHeader(testProperties, sp))
	_, err = w.Write(labels)
	require.NoError(t, err)
	_, err = w.Write(transitions)
	require.NoError(t, err)
	require.NoError(t, w.WriteEndMarker())

	vs := Record{}
	vs.SetUint("size", uint64(len(values)))
	vs["compression"] = "zlib"
	require.NoError(t, w.WriteRecord(vs))
	_, err = w.Write(values)
	require.NoError(t, err)
	require.NoError(t, w.Finish())
	require.NoError(t, w.Finish())

	_, err = w.Write([]byte("late"))
	assert.Error(t, err)

	data := fileBytes.Bytes()
	assert.Equal(t, w.Offset(), int64(len(data)))
	return data
}

func TestNewWriter_Errors(t *testing.T) {
	var fileBytes safeBuffer
	writer := &testWriter{
		inner:            &fileBytes,
		writeShouldError: true,
	}

	_, err := NewWriter(writer)
	assert.Error(t, err)
}

func TestParse_RoundTrip(t *testing.T) {
	labels := []byte{0, 1, 2, 3, 'a'}
	transitions := []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0}
	values := []byte("hello\x00world\x00")
	data := writeTestFile(t, labels, transitions, values)

	require.True(t, bytes.HasPrefix(data, []byte(Magic)))

	f, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, testProperties, f.Properties)
	assert.Equal(t, SparseArrayProperties{Version: 2, Width: 2, Size: 5}, f.SparseArray)
	assert.Equal(t, labels, f.Labels)
	assert.Equal(t, transitions, f.Transitions)
	assert.Equal(t, values, f.Values)
	assert.Equal(t, "zlib", f.ValueStore["compression"])
	assert.Equal(t, labels, data[f.KeysOffset:f.KeysOffset+len(labels)])
	assert.Equal(t, values, data[f.ValuesOffset:])

	path := filepath.Join(t.TempDir(), "test.kv")
	require.NoError(t, os.WriteFile(path, data, 0644))
	p, sp, err := ReadProperties(path)
	require.NoError(t, err)
	assert.Equal(t, testProperties, p)
	assert.Equal(t, f.SparseArray, sp)
}

func TestParse_Errors(t *testing.T) {
	data := writeTestFile(t, []byte{0, 1}, []byte{0, 0, 0, 0}, []byte("v"))

	_, err := Parse([]byte("NOTKEYVI and more"))
	assert.True(t, errors.Is(err, ErrBadMagic))
	_, err = Parse([]byte("KEYV"))
	assert.True(t, errors.Is(err, ErrTruncated))
	_, _, err = ReadHeader(bytes.NewReader([]byte("NOTKEYVI")))
	assert.True(t, errors.Is(err, ErrBadMagic))

	// every proper prefix is detected as truncated
	for n := len(Magic); n < len(data); n++ {
		_, err := Parse(data[:n])
		require.True(t, errors.Is(err, ErrTruncated), "prefix of %d bytes: %v", n, err)
	}

	f, err := Parse(data)
	require.NoError(t, err)
	corrupt := append([]byte(nil), data...)
	corrupt[f.KeysOffset+len(f.Labels)+len(f.Transitions)] = 0
	_, err = Parse(corrupt)
	assert.True(t, errors.Is(err, ErrTruncated), "end marker")

	var fileBytes safeBuffer
	w, err := NewWriter(&fileBytes)
	require.NoError(t, err)
	future := testProperties
	future.Version = 3
	require.NoError(t, w.WriteHeader(future, SparseArrayProperties{Version: 2, Width: 2}))
	require.NoError(t, w.Finish())
	_, err = Parse(fileBytes.Bytes())
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))
	_, _, err = ReadHeader(bytes.NewReader(fileBytes.Bytes()))
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))
}

func TestSparseArrayProperties_LegacyDefaults(t *testing.T) {
	r := Record{"version": "1", "size": "300"}
	sp, err := parseSparseArrayProperties(r)
	require.NoError(t, err)
	assert.Equal(t, SparseArrayProperties{Version: 1, Width: 4, Size: 300}, sp)

	_, err = parseSparseArrayProperties(Record{"version": "7", "size": "1"})
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))
	_, err = parseSparseArrayProperties(Record{"version": "2"})
	assert.Error(t, err)
}

func TestRecord(t *testing.T) {
	r := Record{}
	r.SetUint("n", 1<<40)
	assert.Equal(t, "1099511627776", r["n"])
	v, err := r.Uint("n")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), v)

	_, err = r.Uint("missing")
	assert.Error(t, err)
	v, err = r.UintOr("missing", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	r["bad"] = "-1"
	_, err = r.Uint("bad")
	assert.Error(t, err)

	buf, err := AppendRecord([]byte("xx"), r)
	require.NoError(t, err)
	got, n, err := ReadRecord(buf[2:])
	require.NoError(t, err)
	assert.Equal(t, len(buf)-2, n)
	assert.Equal(t, r, got)
}
