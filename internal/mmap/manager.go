// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package mmap

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// DefaultChunkSize is the chunk size used when a caller has no preference.
const DefaultChunkSize = 1 << 30

type chunk struct {
	f    *os.File
	data []byte
}

// Manager presents one logical, append-only address space backed by a
// growing number of fixed-size memory-mapped chunk files.  Chunks are mapped
// on demand and stay mapped until Close, so slices returned by Address stay
// valid for the lifetime of the Manager.
//
// A Manager is not safe for concurrent mutation.
type Manager struct {
	chunkSize int64
	dir       string
	pattern   string
	chunks    []chunk
	tail      int64
	closed    bool
}

// NewManager creates a Manager whose chunk files are created in dir (the
// system temp dir if empty) and named after pattern.
func NewManager(chunkSize int64, dir, pattern string) (*Manager, error) {
	if chunkSize <= 0 || chunkSize%16 != 0 {
		return nil, fmt.Errorf("chunk size %d must be a positive multiple of 16", chunkSize)
	}
	if int64(int(chunkSize)) != chunkSize {
		return nil, fmt.Errorf("chunk size %d not addressable", chunkSize)
	}
	if pattern == "" {
		pattern = "keyvi-mm"
	}
	return &Manager{
		chunkSize: chunkSize,
		dir:       dir,
		pattern:   pattern,
	}, nil
}

func (m *Manager) mapChunk() error {
	if m.closed {
		return errClosed
	}
	f, err := os.CreateTemp(m.dir, fmt.Sprintf("%s-%d-*.chunk", m.pattern, len(m.chunks)))
	if err != nil {
		return fmt.Errorf("os.CreateTemp: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if err := f.Truncate(m.chunkSize); err != nil {
		cleanup()
		return fmt.Errorf("f.Truncate(%d): %w", m.chunkSize, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(m.chunkSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return fmt.Errorf("unix.Mmap: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil {
		_ = unix.Munmap(data)
		cleanup()
		return fmt.Errorf("madvise: %w", err)
	}
	m.chunks = append(m.chunks, chunk{f: f, data: data})
	return nil
}

func (m *Manager) chunkAt(idx int64) ([]byte, error) {
	for int64(len(m.chunks)) <= idx {
		if err := m.mapChunk(); err != nil {
			return nil, err
		}
	}
	return m.chunks[idx].data, nil
}

// Address returns the mapped bytes from offset to the end of the chunk
// containing offset, mapping new chunks if needed.
func (m *Manager) Address(offset int64) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}
	data, err := m.chunkAt(offset / m.chunkSize)
	if err != nil {
		return nil, err
	}
	return data[offset%m.chunkSize:], nil
}

// QuickTestOK reports whether [offset, offset+length) lies within a single
// chunk, i.e. whether the bytes can be read from one Address call.
func (m *Manager) QuickTestOK(offset, length int64) bool {
	if length <= 0 {
		return true
	}
	return offset/m.chunkSize == (offset+length-1)/m.chunkSize
}

// Buffer copies len(dst) bytes starting at offset into dst, crossing chunk
// boundaries as needed.
func (m *Manager) Buffer(offset int64, dst []byte) error {
	for len(dst) > 0 {
		src, err := m.Address(offset)
		if err != nil {
			return err
		}
		n := copy(dst, src)
		dst = dst[n:]
		offset += int64(n)
	}
	return nil
}

// Append writes p at the tail of the address space.
func (m *Manager) Append(p []byte) error {
	for len(p) > 0 {
		dst, err := m.Address(m.tail)
		if err != nil {
			return err
		}
		n := copy(dst, p)
		p = p[n:]
		m.tail += int64(n)
	}
	return nil
}

// AppendByte writes a single byte at the tail.
func (m *Manager) AppendByte(b byte) error {
	dst, err := m.Address(m.tail)
	if err != nil {
		return err
	}
	dst[0] = b
	m.tail++
	return nil
}

// Compare reports whether the bytes starting at offset equal p.
func (m *Manager) Compare(offset int64, p []byte) bool {
	if offset < 0 || offset+int64(len(p)) > m.tail {
		return false
	}
	for len(p) > 0 {
		src, err := m.Address(offset)
		if err != nil {
			return false
		}
		n := len(src)
		if n > len(p) {
			n = len(p)
		}
		if !bytes.Equal(src[:n], p[:n]) {
			return false
		}
		p = p[n:]
		offset += int64(n)
	}
	return true
}

// Size returns the number of bytes appended so far.
func (m *Manager) Size() int64 {
	return m.tail
}

func (m *Manager) ChunkSize() int64 {
	return m.chunkSize
}

func (m *Manager) NumberOfChunks() int {
	return len(m.chunks)
}

// Write copies the first end bytes of the address space to w.  Bytes past the
// tail that live in already mapped chunks read as zero.
func (m *Manager) Write(w io.Writer, end int64) (int64, error) {
	if end > int64(len(m.chunks))*m.chunkSize {
		return 0, fmt.Errorf("write end %d beyond mapped size %d", end, int64(len(m.chunks))*m.chunkSize)
	}
	var written int64
	for i := 0; written < end; i++ {
		data := m.chunks[i].data
		if remaining := end - written; remaining < int64(len(data)) {
			data = data[:remaining]
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("w.Write: %w", err)
		}
	}
	return written, nil
}

// WriteTo implements io.WriterTo for the appended bytes.
func (m *Manager) WriteTo(w io.Writer) (int64, error) {
	return m.Write(w, m.tail)
}

// Persist flushes all mapped chunks to their backing files.
func (m *Manager) Persist() error {
	for i := range m.chunks {
		if err := unix.Msync(m.chunks[i].data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("msync chunk %d: %w", i, err)
		}
	}
	return nil
}

// Close unmaps every chunk and removes the chunk files.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var result *multierror.Error
	for _, c := range m.chunks {
		if err := unix.Munmap(c.data); err != nil {
			result = multierror.Append(result, fmt.Errorf("munmap: %w", err))
		}
		if err := c.f.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close: %w", err))
		}
		if err := os.Remove(c.f.Name()); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove: %w", err))
		}
	}
	m.chunks = nil
	return result.ErrorOrNil()
}
