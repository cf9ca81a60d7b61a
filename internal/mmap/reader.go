// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mmap provides read-only whole-file mappings for readers and the
// chunked, growable read/write mapping used while building files.
package mmap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var errClosed = errors.New("mmap: closed")

// Advice is a paging hint for a mapped region.
type Advice int

const (
	AdviceNormal Advice = iota
	AdviceRandom
	AdviceSequential
	AdviceWillNeed
	// AdvicePopulate touches every page of the region up front.
	AdvicePopulate
)

func (a Advice) String() string {
	switch a {
	case AdviceNormal:
		return "normal"
	case AdviceRandom:
		return "random"
	case AdviceSequential:
		return "sequential"
	case AdviceWillNeed:
		return "willneed"
	case AdvicePopulate:
		return "populate"
	default:
		return fmt.Sprintf("Advice(%d)", int(a))
	}
}

// Advise applies a to the (page aligned) memory region b.
func Advise(b []byte, a Advice) error {
	if len(b) == 0 {
		return nil
	}
	switch a {
	case AdviceNormal:
		return unix.Madvise(b, unix.MADV_NORMAL)
	case AdviceRandom:
		return unix.Madvise(b, unix.MADV_RANDOM)
	case AdviceSequential:
		return unix.Madvise(b, unix.MADV_SEQUENTIAL)
	case AdviceWillNeed:
		return unix.Madvise(b, unix.MADV_WILLNEED)
	case AdvicePopulate:
		if err := unix.Madvise(b, unix.MADV_WILLNEED); err != nil {
			return err
		}
		pageSize := os.Getpagesize()
		var sink byte
		for i := 0; i < len(b); i += pageSize {
			sink += b[i]
		}
		_ = sink
		return nil
	default:
		return fmt.Errorf("unknown advice %d", int(a))
	}
}

// ReaderAt is a read-only mapping of a whole file.
type ReaderAt struct {
	data   []byte
	closed atomic.Bool
}

// Open maps the file at path read-only.  Empty files map to an empty
// ReaderAt.
func Open(path string) (*ReaderAt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("f.Stat: %w", err)
	}

	size := fi.Size()
	if size == 0 {
		return &ReaderAt{}, nil
	}
	if size < 0 || int64(int(size)) != size {
		return nil, fmt.Errorf("mmap: file %s has unmappable size %d", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("unix.Mmap(%s): %w", path, err)
	}

	return &ReaderAt{data: data}, nil
}

// Data returns the mapped bytes.  The slice must not be used after Close.
func (r *ReaderAt) Data() []byte {
	return r.data
}

// Len returns the length of the mapping.
func (r *ReaderAt) Len() int {
	return len(r.data)
}

// AdviseRange applies a to the pages covering data[off:off+n].
func (r *ReaderAt) AdviseRange(off, n int, a Advice) error {
	if off < 0 || n < 0 || off+n > len(r.data) {
		return fmt.Errorf("advise range [%d, %d) outside mapping of %d bytes", off, off+n, len(r.data))
	}
	if n == 0 {
		return nil
	}
	pageSize := os.Getpagesize()
	start := off - off%pageSize
	return Advise(r.data[start:off+n], a)
}

// ReadAt implements io.ReaderAt.
func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if r.closed.Load() {
		return 0, errClosed
	}
	if off < 0 || off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close unmaps the file.  It is safe to call Close more than once.
func (r *ReaderAt) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	data := r.data
	r.data = nil
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
