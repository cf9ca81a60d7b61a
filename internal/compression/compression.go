// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package compression implements the codecs a value store may apply to its
// values.  Each codec is identified on disk by a single byte.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bpowers/keyvi/internal/vint"
)

// Code is the on-disk identifier of a codec.
type Code byte

const (
	None   Code = 0
	Zlib   Code = 1
	Snappy Code = 2
	Zstd   Code = 3
	LZ4    Code = 4
)

var (
	ErrUnknownCodec = errors.New("unknown compression codec")
	errCorrupt      = errors.New("corrupt compressed value")
)

// Codec compresses and decompresses whole values.  Both methods append to
// dst and return the extended slice.
type Codec interface {
	Code() Code
	Name() string
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst, src []byte) ([]byte, error)
}

var codecs = [...]Codec{
	None:   noneCodec{},
	Zlib:   zlibCodec{},
	Snappy: snappyCodec{},
	Zstd:   zstdCodec{},
	LZ4:    lz4Codec{},
}

// ByCode returns the codec for the given on-disk code.
func ByCode(code Code) (Codec, error) {
	if int(code) >= len(codecs) {
		return nil, fmt.Errorf("code %d: %w", code, ErrUnknownCodec)
	}
	return codecs[code], nil
}

// ByName returns the codec with the given name; the empty name selects
// no compression.
func ByName(name string) (Codec, error) {
	if name == "" {
		return codecs[None], nil
	}
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", name, ErrUnknownCodec)
}

// Names lists the codec names in code order.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for _, c := range codecs {
		names = append(names, c.Name())
	}
	return names
}

type noneCodec struct{}

func (noneCodec) Code() Code   { return None }
func (noneCodec) Name() string { return "none" }

func (noneCodec) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (noneCodec) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

type zlibCodec struct{}

func (zlibCodec) Code() Code   { return Zlib }
func (zlibCodec) Name() string { return "zlib" }

func (zlibCodec) Compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	w := zlib.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(dst, src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	defer func() { _ = r.Close() }()
	buf := bytes.NewBuffer(dst)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	return buf.Bytes(), nil
}

type snappyCodec struct{}

func (snappyCodec) Code() Code   { return Snappy }
func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, snappy.Encode(nil, src)...), nil
}

func (snappyCodec) Decompress(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("snappy: %w", err)
	}
	return append(dst, out...), nil
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

type zstdCodec struct{}

func (zstdCodec) Code() Code   { return Zstd }
func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(dst, src []byte) ([]byte, error) {
	enc, err := getZstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(src, dst), nil
}

func (zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	dec, err := getZstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	defer zstdDecoderPool.Put(dec)
	out, err := dec.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

// lz4 blocks carry no length, so values are stored as the varint
// uncompressed length followed by the block.  Incompressible values are
// stored as is, which the reader detects by the length matching.
type lz4Codec struct{}

func (lz4Codec) Code() Code   { return LZ4 }
func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(dst, src []byte) ([]byte, error) {
	dst = vint.AppendVarInt(dst, uint64(len(src)))
	block := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, block)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if n == 0 || n >= len(src) {
		return append(dst, src...), nil
	}
	return append(dst, block[:n]...), nil
}

func (lz4Codec) Decompress(dst, src []byte) ([]byte, error) {
	size, n := vint.VarInt(src)
	if n == 0 || size > uint64(len(src))*255+16 {
		return nil, fmt.Errorf("lz4: %w", errCorrupt)
	}
	src = src[n:]
	if uint64(len(src)) == size {
		return append(dst, src...), nil
	}
	out := make([]byte, size)
	m, err := lz4.UncompressBlock(src, out)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if uint64(m) != size {
		return nil, fmt.Errorf("lz4: %w", errCorrupt)
	}
	return append(dst, out...), nil
}
