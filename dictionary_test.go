// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keyvi

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestDictionary(t *testing.T, pairs map[string]string, opts ...BuilderOption) *Dictionary {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.kv")
	opts = append([]BuilderOption{WithTmpDir(t.TempDir()), WithMemoryLimit(32 * 1024 * 1024)}, opts...)
	b, err := NewBuilder(path, opts...)
	require.NoError(t, err)
	for k, v := range pairs {
		require.NoError(t, b.Put([]byte(k), []byte(v)))
	}
	require.NoError(t, b.Finalize())

	d, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d
}

func collect(seq func(func(Match) bool)) []string {
	var keys []string
	for m := range seq {
		keys = append(keys, m.Key)
	}
	return keys
}

func TestDictionary_Get(t *testing.T) {
	d := buildTestDictionary(t, map[string]string{
		"apple":  "red",
		"banana": "yellow",
		"cherry": "red",
	})

	m, ok := d.Get([]byte("banana"))
	require.True(t, ok)
	assert.Equal(t, "banana", m.Key)
	assert.Equal(t, "yellow", m.ValueString())

	m, ok = d.GetString("cherry")
	require.True(t, ok)
	v, err := m.Value()
	require.NoError(t, err)
	assert.Equal(t, "red", string(v))

	_, ok = d.Get([]byte("banan"))
	assert.False(t, ok)
	_, ok = d.GetString("durian")
	assert.False(t, ok)
	assert.True(t, d.Contains([]byte("apple")))
	assert.False(t, d.Contains(nil))

	assert.Equal(t, uint64(3), d.NumberOfKeys())
	assert.Equal(t, StringValues, d.ValueType())
}

func TestDictionary_Lookup(t *testing.T) {
	d := buildTestDictionary(t, map[string]string{
		"nude":       "1",
		"nude-party": "2",
		"new york":   "3",
		"york":       "4",
	})

	m, ok := d.Lookup([]byte("nude at work"), 0)
	require.True(t, ok)
	assert.Equal(t, "nude", m.Key)
	assert.Equal(t, 0, m.Start)
	assert.Equal(t, 4, m.End)

	m, ok = d.Lookup([]byte("nude-party tonight"), 0)
	require.True(t, ok)
	assert.Equal(t, "nude-party", m.Key)
	assert.Equal(t, "2", m.ValueString())

	// a key must be followed by a space or the end of the text
	_, ok = d.Lookup([]byte("nudelsalat"), 0)
	assert.False(t, ok)
	_, ok = d.Lookup([]byte("nude-par"), 0)
	assert.False(t, ok)

	m, ok = d.Lookup([]byte("welcome to new york"), 11)
	require.True(t, ok)
	assert.Equal(t, "new york", m.Key)
	assert.Equal(t, 11, m.Start)
	assert.Equal(t, 19, m.End)
}

func TestDictionary_LookupText(t *testing.T) {
	d := buildTestDictionary(t, map[string]string{
		"nude":     "",
		"new york": "",
		"york":     "",
		"work":     "",
	})

	var got []Match
	for m := range d.LookupText([]byte("nude in new york at work")) {
		got = append(got, m)
	}
	require.Len(t, got, 4)
	assert.Equal(t, "nude", got[0].Key)
	assert.Equal(t, "new york", got[1].Key)
	assert.Equal(t, 8, got[1].Start)
	assert.Equal(t, "york", got[2].Key)
	assert.Equal(t, 12, got[2].Start)
	assert.Equal(t, "work", got[3].Key)

	assert.Empty(t, collect(d.LookupText([]byte("nudelsalat networking"))))
	assert.Empty(t, collect(d.LookupText(nil)))

	// stopping early
	n := 0
	for range d.LookupText([]byte("york york york")) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestDictionary_PrefixCompletionAndItems(t *testing.T) {
	pairs := map[string]string{
		"mozart":        "a",
		"mozzarella":    "b",
		"mozilla":       "c",
		"moz":           "d",
		"modern":        "e",
		"zebra":         "f",
		"mozart sonata": "g",
	}
	d := buildTestDictionary(t, pairs)

	assert.Equal(t, []string{"moz", "mozart", "mozart sonata", "mozilla", "mozzarella"},
		collect(d.PrefixCompletion([]byte("moz"))))
	assert.Equal(t, []string{"mozart", "mozart sonata"}, collect(d.PrefixCompletion([]byte("moza"))))
	assert.Empty(t, collect(d.PrefixCompletion([]byte("mx"))))

	var keys []string
	for m := range d.Items() {
		keys = append(keys, m.Key)
		assert.Equal(t, pairs[m.Key], m.ValueString())
	}
	expected := make([]string, 0, len(pairs))
	for k := range pairs {
		expected = append(expected, k)
	}
	slices.Sort(expected)
	assert.Equal(t, expected, keys)
}

func TestDictionary_ValueTypes(t *testing.T) {
	t.Run("key-only", func(t *testing.T) {
		d := buildTestDictionary(t, map[string]string{"a": "ignored", "b": ""}, WithValueType(KeyOnlyValues))
		m, ok := d.GetString("a")
		require.True(t, ok)
		v, err := m.Value()
		require.NoError(t, err)
		assert.Empty(t, v)
	})
	t.Run("int", func(t *testing.T) {
		d := buildTestDictionary(t, map[string]string{"a": "42", "b": "18446744073709551615"}, WithValueType(IntValues))
		m, _ := d.GetString("b")
		assert.Equal(t, "18446744073709551615", m.ValueString())
	})
	for _, codec := range []string{"none", "zlib", "snappy", "zstd", "lz4"} {
		t.Run("json-"+codec, func(t *testing.T) {
			long := fmt.Sprintf(`{"text": %q, "n": [1, 2.5, true, null]}`, bytes.Repeat([]byte("keyvi "), 20))
			d := buildTestDictionary(t, map[string]string{"short": `{"a":1}`, "long": long},
				WithValueType(JSONValues), WithCompression(codec), WithCompressionThreshold(16))
			m, ok := d.GetString("long")
			require.True(t, ok)
			assert.JSONEq(t, long, m.ValueString())
			m, _ = d.GetString("short")
			assert.JSONEq(t, `{"a":1}`, m.ValueString())
		})
	}
}

func TestDictionary_LegacyFormatAndManifest(t *testing.T) {
	pairs := make(map[string]string)
	for i := 0; i < 5000; i++ {
		pairs[fmt.Sprintf("key-%05d", i)] = fmt.Sprintf("value-%d", i%100)
	}
	d := buildTestDictionary(t, pairs, WithLegacyFormat(), WithManifest(`{"generation": 7}`))
	assert.Equal(t, `{"generation": 7}`, d.Manifest())

	stats := d.Statistics()
	assert.Equal(t, "4", stats["Persistence"]["width"])
	assert.Equal(t, "5000", stats["General"]["number_of_keys"])
	assert.Equal(t, "100", stats["Value Store"]["unique_values"])

	for k, v := range pairs {
		m, ok := d.GetString(k)
		require.True(t, ok, k)
		require.Equal(t, v, m.ValueString())
	}
}

func TestDictionary_LoadingStrategies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.kv")
	b, err := NewBuilder(path, WithTmpDir(t.TempDir()), WithMemoryLimit(32*1024*1024))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("key"), []byte("value")))
	require.NoError(t, b.Finalize())

	for s := LoadDefault; s <= LoadPopulateKeysNoReadaheadValues; s++ {
		d, err := Open(path, WithLoadingStrategy(s))
		require.NoError(t, err)
		m, ok := d.GetString("key")
		require.True(t, ok)
		assert.Equal(t, "value", m.ValueString())
		require.NoError(t, d.Close())
	}
}

func TestBuilder_LastValueWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dups.kv")
	b, err := NewBuilder(path, WithTmpDir(t.TempDir()), WithMemoryLimit(32*1024*1024))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("first")))
	require.NoError(t, b.Put([]byte("j"), []byte("other")))
	require.NoError(t, b.Put([]byte("k"), []byte("second")))
	assert.Equal(t, 3, b.Len())
	assert.Error(t, b.Put(nil, []byte("x")))
	require.NoError(t, b.Finalize())

	d, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	m, ok := d.GetString("k")
	require.True(t, ok)
	assert.Equal(t, "second", m.ValueString())
	assert.Equal(t, uint64(2), d.NumberOfKeys())
}

func TestBuilder_Errors(t *testing.T) {
	_, err := NewBuilder(filepath.Join(t.TempDir(), "x.kv"), WithCompression("brotli"))
	assert.Error(t, err)
	_, err = NewBuilder(filepath.Join(t.TempDir(), "x.kv"), WithValueType(ValueType(9)))
	assert.Error(t, err)

	// nothing is renamed into place when compilation fails
	path := filepath.Join(t.TempDir(), "bad.kv")
	b, err := NewBuilder(path, WithValueType(IntValues), WithTmpDir(t.TempDir()), WithMemoryLimit(32*1024*1024))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("a"), []byte("not a number")))
	assert.Error(t, b.Finalize())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = Open(path)
	assert.Error(t, err)
}

func TestBuilder_PutLines(t *testing.T) {
	input := "b62c:pref_1\naa11:pref_2\nkeyonly\n"
	path := filepath.Join(t.TempDir(), "lines.kv")
	b, err := NewBuilder(path, WithTmpDir(t.TempDir()), WithMemoryLimit(32*1024*1024))
	require.NoError(t, err)
	s := bufio.NewScanner(bytes.NewReader([]byte(input)))
	for s.Scan() {
		require.NoError(t, b.PutLine(s.Bytes(), ':'))
	}
	require.NoError(t, b.Finalize())

	d, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	assert.Equal(t, []string{"aa11", "b62c", "keyonly"}, collect(d.Items()))
	m, _ := d.GetString("b62c")
	assert.Equal(t, "pref_1", m.ValueString())
}

func TestSplit2(t *testing.T) {
	sep := byte(',')
	for _, testcase := range []string{
		"",
		"a,b",
		",a,b,",
		"a,b,",
	} {
		input := []byte(testcase)
		expected := bytes.SplitN(input, []byte{sep}, 2)
		var actualL, actualR []byte
		var ok bool
		allocs := testing.AllocsPerRun(1, func() {
			actualL, actualR, ok = split2(input, sep)
		})
		require.Zero(t, allocs)
		require.True(t, len(expected) <= 2)
		if len(expected) < 2 {
			require.False(t, ok)
		} else {
			require.Equal(t, expected[0], actualL)
			require.Equal(t, expected[1], actualR)
		}
	}
}
