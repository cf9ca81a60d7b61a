// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keyvi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestDictionary(t *testing.T, dir, name string, pairs map[string]string, opts ...BuilderOption) string {
	t.Helper()
	path := filepath.Join(dir, name)
	opts = append([]BuilderOption{WithTmpDir(t.TempDir()), WithMemoryLimit(32 * 1024 * 1024)}, opts...)
	b, err := NewBuilder(path, opts...)
	require.NoError(t, err)
	for k, v := range pairs {
		require.NoError(t, b.Put([]byte(k), []byte(v)))
	}
	require.NoError(t, b.Finalize())
	return path
}

func items(t *testing.T, path string) map[string]string {
	t.Helper()
	d, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	got := make(map[string]string)
	for m := range d.Items() {
		got[m.Key] = m.ValueString()
	}
	return got
}

func TestDeletedKeys_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.kv.dk")

	keys, err := ReadDeletedKeys(path)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, WriteDeletedKeys(path, []string{"b", "a", "b"}))
	keys, err = ReadDeletedKeys(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	_, err = os.Stat(path + swapSuffix)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(path, []byte{0xc1}, 0644))
	_, err = ReadDeletedKeys(path)
	assert.Error(t, err)
}

func TestMerger_NewestWins(t *testing.T) {
	dir := t.TempDir()
	older := writeTestDictionary(t, dir, "older.kv", map[string]string{
		"a": "old-a",
		"b": "old-b",
		"c": "old-c",
	})
	newer := writeTestDictionary(t, dir, "newer.kv", map[string]string{
		"b": "new-b",
		"d": "new-d",
	})

	m := NewMerger(WithMergeOptions(WithTmpDir(t.TempDir()), WithMemoryLimit(32*1024*1024)))
	defer func() { _ = m.Close() }()
	require.NoError(t, m.Add(older))
	require.NoError(t, m.Add(newer))
	m.SetManifest("merged")

	out := filepath.Join(dir, "out.kv")
	require.NoError(t, m.Merge(context.Background(), out))

	assert.Equal(t, map[string]string{
		"a": "old-a",
		"b": "new-b",
		"c": "old-c",
		"d": "new-d",
	}, items(t, out))
	assert.Equal(t, MergeStats{Keys: 4, UpdatedKeys: 1}, m.Stats())

	d, err := Open(out)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	assert.Equal(t, "merged", d.Manifest())
}

func TestMerger_DeletedKeys(t *testing.T) {
	dir := t.TempDir()
	older := writeTestDictionary(t, dir, "older.kv", map[string]string{
		"a": "1",
		"b": "2",
		"c": "3",
	})
	newer := writeTestDictionary(t, dir, "newer.kv", map[string]string{
		"c": "4",
		"d": "5",
	})
	require.NoError(t, WriteDeletedKeys(older+DeletedKeysSuffix, []string{"a"}))
	require.NoError(t, WriteDeletedKeys(newer+DeletedKeysSuffix, []string{"c"}))
	// keys deleted while a merge runs are not applied by the merger
	require.NoError(t, WriteDeletedKeys(newer+DeletedKeysDuringMergeSuffix, []string{"d"}))

	m := NewMerger(WithMergeOptions(WithTmpDir(t.TempDir()), WithMemoryLimit(32*1024*1024)))
	defer func() { _ = m.Close() }()
	require.NoError(t, m.Add(older))
	require.NoError(t, m.Add(newer))

	out := filepath.Join(dir, "out.kv")
	require.NoError(t, m.Merge(context.Background(), out))
	assert.Equal(t, map[string]string{"b": "2", "d": "5"}, items(t, out))
	assert.Equal(t, uint64(2), m.Stats().DeletedKeys)
}

func TestMerger_JSONValuesCopiedRaw(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		pairs := make(map[string]string)
		for j := 0; j < 200; j++ {
			pairs[fmt.Sprintf("k%d-%03d", i, j)] = fmt.Sprintf(`{"segment": %d, "payload": "%0100d"}`, i, j)
		}
		paths = append(paths, writeTestDictionary(t, dir, fmt.Sprintf("in%d.kv", i), pairs,
			WithValueType(JSONValues), WithCompression("zstd")))
	}

	m := NewMerger(WithMergeOptions(WithTmpDir(t.TempDir()), WithMemoryLimit(32*1024*1024), WithCompression("snappy")))
	defer func() { _ = m.Close() }()
	for _, p := range paths {
		require.NoError(t, m.Add(p))
	}
	out := filepath.Join(dir, "out.kv")
	require.NoError(t, m.Merge(context.Background(), out))

	got := items(t, out)
	assert.Len(t, got, 600)
	assert.JSONEq(t, fmt.Sprintf(`{"segment": 2, "payload": "%0100d"}`, 7), got["k2-007"])
}

func TestMerger_Errors(t *testing.T) {
	dir := t.TempDir()
	a := writeTestDictionary(t, dir, "a.kv", map[string]string{"a": "1"})
	b := writeTestDictionary(t, dir, "b.kv", map[string]string{"b": "1"}, WithValueType(IntValues))

	m := NewMerger(WithMergeOptions(WithTmpDir(t.TempDir()), WithMemoryLimit(32*1024*1024)))
	defer func() { _ = m.Close() }()
	require.NoError(t, m.Add(a))
	assert.ErrorIs(t, m.Add(a), ErrAlreadyAdded)
	assert.ErrorIs(t, m.Add(b), ErrValueTypeMismatch)
	assert.Error(t, m.Add(filepath.Join(dir, "missing.kv")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := filepath.Join(dir, "out.kv")
	assert.ErrorIs(t, m.Merge(ctx, out), context.Canceled)
	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestMerger_Empty(t *testing.T) {
	m := NewMerger(WithMergeOptions(WithTmpDir(t.TempDir()), WithMemoryLimit(32*1024*1024), WithValueType(KeyOnlyValues)))
	defer func() { _ = m.Close() }()
	out := filepath.Join(t.TempDir(), "empty.kv")
	require.NoError(t, m.Merge(context.Background(), out))
	assert.Empty(t, items(t, out))
}
