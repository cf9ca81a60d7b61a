// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package compression

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecs_RoundTrip(t *testing.T) {
	random := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(random)

	inputs := map[string][]byte{
		"empty":      {},
		"short":      []byte("a"),
		"json":       []byte(`{"title":"keyvi","tags":["fsa","dictionary","fsa","dictionary"]}`),
		"repetitive": bytes.Repeat([]byte("nude at work "), 500),
		"random":     random,
	}

	for _, name := range Names() {
		codec, err := ByName(name)
		require.NoError(t, err)
		byCode, err := ByCode(codec.Code())
		require.NoError(t, err)
		require.Equal(t, codec, byCode)

		for inputName, input := range inputs {
			prefix := []byte("prefix")
			compressed, err := codec.Compress(append([]byte{}, prefix...), input)
			require.NoError(t, err, "%s/%s", name, inputName)
			require.Equal(t, prefix, compressed[:len(prefix)], "%s/%s appends", name, inputName)

			out, err := codec.Decompress([]byte("x"), compressed[len(prefix):])
			require.NoError(t, err, "%s/%s", name, inputName)
			assert.Equal(t, append([]byte("x"), input...), out, "%s/%s", name, inputName)
		}

		if codec.Code() != None {
			compressed, err := codec.Compress(nil, inputs["repetitive"])
			require.NoError(t, err)
			assert.Less(t, len(compressed), len(inputs["repetitive"])/4, name)
		}
	}
}

func TestByCode_Unknown(t *testing.T) {
	_, err := ByCode(5)
	assert.True(t, errors.Is(err, ErrUnknownCodec))
	_, err = ByName("brotli")
	assert.True(t, errors.Is(err, ErrUnknownCodec))

	c, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, None, c.Code())
	assert.Equal(t, []string{"none", "zlib", "snappy", "zstd", "lz4"}, Names())
}

func TestDecompress_Corrupt(t *testing.T) {
	for _, code := range []Code{Zlib, Snappy, Zstd} {
		codec, err := ByCode(code)
		require.NoError(t, err)
		_, err = codec.Decompress(nil, []byte("definitely not compressed"))
		assert.Error(t, err, codec.Name())
	}

	codec, err := ByCode(LZ4)
	require.NoError(t, err)
	_, err = codec.Decompress(nil, nil)
	assert.Error(t, err)
}
