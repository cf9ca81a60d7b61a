// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOC(t *testing.T) {
	dir := t.TempDir()

	files, err := readTOC(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
	missing, err := statTOC(dir)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, writeTOC(dir, []string{"a.kv", "b.kv"}))
	first, err := statTOC(dir)
	require.NoError(t, err)
	assert.False(t, sameTOC(missing, first))
	files, err = readTOC(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.kv", "b.kv"}, files)

	data, err := os.ReadFile(filepath.Join(dir, tocFileName))
	require.NoError(t, err)
	assert.JSONEq(t, `{"files": ["a.kv", "b.kv"]}`, string(data))

	// an interrupted write leaves the previous table of contents intact
	require.NoError(t, os.WriteFile(filepath.Join(dir, tocPartFileName), []byte(`{"files": ["c.k`), 0644))
	files, err = readTOC(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.kv", "b.kv"}, files)

	require.NoError(t, writeTOC(dir, nil))
	second, err := statTOC(dir)
	require.NoError(t, err)
	assert.False(t, sameTOC(first, second))
	assert.True(t, sameTOC(second, second))
	data, err = os.ReadFile(filepath.Join(dir, tocFileName))
	require.NoError(t, err)
	assert.JSONEq(t, `{"files": []}`, string(data))
	_, err = os.Stat(filepath.Join(dir, tocPartFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestTOC_Errors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, tocFileName)

	require.NoError(t, os.WriteFile(path, []byte(`{"files": [`), 0644))
	_, err := readTOC(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"files": ["../escape.kv"]}`), 0644))
	_, err = readTOC(dir)
	assert.Error(t, err)
}
