// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"bufio"
	"fmt"
	"io"
	"sync/atomic"
)

const defaultBufferSize = 4 * 1024 * 1024

type nopWriter struct{}

func (nopWriter) Write([]byte) (int, error) {
	return 0, io.EOF
}

// FileWriter is usually an *os.File, but specified as an interface for easier testing.
type FileWriter interface {
	io.Writer
}

// Writer writes the sections of a keyvi file in order.
type Writer struct {
	w        *bufio.Writer
	off      int64
	finished atomic.Bool
}

// NewWriter writes the magic to f.
func NewWriter(f FileWriter) (*Writer, error) {
	w := &Writer{
		w: bufio.NewWriterSize(f, defaultBufferSize),
	}
	if _, err := w.Write([]byte(Magic)); err != nil {
		return nil, fmt.Errorf("magic: %w", err)
	}

	// try to expose errors when writing to the backing file early
	if err := w.w.Flush(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	return w, nil
}

// Write appends raw section bytes.
func (w *Writer) Write(p []byte) (int, error) {
	if w.finished.Load() {
		return 0, fmt.Errorf("datafile: write after Finish")
	}
	n, err := w.w.Write(p)
	w.off += int64(n)
	return n, err
}

func (w *Writer) WriteRecord(r Record) error {
	buf, err := AppendRecord(nil, r)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("bufio.Write: %w", err)
	}
	return nil
}

// WriteHeader writes the automaton and sparse array property records.
func (w *Writer) WriteHeader(p Properties, sp SparseArrayProperties) error {
	if err := w.WriteRecord(p.Record()); err != nil {
		return fmt.Errorf("properties: %w", err)
	}
	if err := w.WriteRecord(sp.Record()); err != nil {
		return fmt.Errorf("sparse array properties: %w", err)
	}
	return nil
}

func (w *Writer) WriteEndMarker() error {
	_, err := w.Write([]byte{EndMarker})
	return err
}

// Offset is the number of bytes written so far.
func (w *Writer) Offset() int64 {
	return w.off
}

// Finish flushes buffered data.  The Writer cannot be used afterwards.
func (w *Writer) Finish() error {
	if alreadyFinished := w.finished.Swap(true); alreadyFinished {
		// nothing to do - already cleaned up
		return nil
	}

	defer func() {
		w.w.Reset(&nopWriter{})
	}()

	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("bufio.Flush: %w", err)
	}
	return nil
}
