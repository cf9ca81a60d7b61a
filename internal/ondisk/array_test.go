// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package ondisk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestU16Slice(t *testing.T) {
	const arrayLen = 12
	arr := NewU16Slice(make([]byte, 2*arrayLen+1))
	require.Equal(t, arrayLen, arr.Len())
	err := arr.Set(12, 0)
	require.Error(t, err)
	_, err = arr.Get(13)
	require.Error(t, err)
	_, err = arr.Get(-1)
	require.Error(t, err)
	require.Error(t, arr.Set(0, 1<<16), "value too large for a compact bucket")

	for i := 0; i < arrayLen; i++ {
		err := arr.Set(i, uint32(i*5000))
		require.NoError(t, err)
	}
	for i := 0; i < arrayLen; i++ {
		v, err := arr.Get(i)
		require.NoError(t, err)
		require.Equal(t, uint32(i*5000), v)
		require.Equal(t, v, arr.At(i))
	}

	// little endian on disk
	require.NoError(t, arr.Set(0, 0x1234))
	assert.Equal(t, []byte{0x34, 0x12}, arr.Bytes()[:2])
}

func TestU32Slice(t *testing.T) {
	const arrayLen = 12
	arr := NewU32Slice(make([]byte, 4*arrayLen))
	err := arr.Set(12, 0)
	require.Error(t, err)
	_, err = arr.Get(13)
	require.Error(t, err)
	for i := 0; i < arrayLen; i++ {
		err := arr.Set(i, uint32(i)<<20)
		require.NoError(t, err)
	}
	for i := 0; i < arrayLen; i++ {
		v, err := arr.Get(i)
		require.NoError(t, err)
		require.Equal(t, uint32(i)<<20, v)
	}

	require.NoError(t, arr.Set(1, 0xdeadbeef))
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, arr.Bytes()[4:8])
}

func TestWidth(t *testing.T) {
	for _, w := range []Width{Compact, Legacy} {
		assert.True(t, w.Valid())
		got, err := WidthForVersion(w.Version())
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}
	_, err := WidthForVersion(3)
	assert.Error(t, err)
	assert.False(t, Width(3).Valid())

	assert.IsType(t, &U16Slice{}, NewBuckets(Compact, nil))
	assert.IsType(t, &U32Slice{}, NewBuckets(Legacy, nil))
	assert.Equal(t, 0, NewBuckets(Legacy, make([]byte, 3)).Len())
}
