// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package valuestore

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dgryski/go-farm"
	"github.com/hashicorp/go-multierror"

	"github.com/bpowers/keyvi/internal/datafile"
	"github.com/bpowers/keyvi/internal/mmap"
)

const (
	valuesChunkSize = 16 * 1024 * 1024
	// approximate bytes per remembered value: hash, offset and map overhead
	dedupEntryCost = 64
)

// store appends encoded values to memory mapped temp storage, storing
// equal encodings once.
type store struct {
	logger   *slog.Logger
	dir      string
	values   *mmap.Manager
	minimize bool

	// hash of an encoding -> offsets of values with that hash
	dedup    map[uint64][]uint64
	maxDedup int

	numberOfValues       uint64
	numberOfUniqueValues uint64
}

func newStore(opts Options) (*store, error) {
	dir, err := os.MkdirTemp(opts.TmpDir, "keyvi-values-*")
	if err != nil {
		return nil, fmt.Errorf("os.MkdirTemp: %w", err)
	}
	values, err := mmap.NewManager(valuesChunkSize, dir, "values")
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("mmap.NewManager: %w", err)
	}
	return &store{
		logger:   opts.Logger,
		dir:      dir,
		values:   values,
		minimize: opts.Minimize,
		dedup:    make(map[uint64][]uint64),
		maxDedup: max(int(opts.MemoryLimit/dedupEntryCost), 1024),
	}, nil
}

// add stores encoded and returns its offset.
func (s *store) add(encoded []byte) (uint64, bool, error) {
	s.numberOfValues++

	var hash uint64
	if s.minimize {
		hash = farm.Hash64(encoded)
		for _, off := range s.dedup[hash] {
			if s.values.Compare(int64(off), encoded) {
				return off, false, nil
			}
		}
	}

	off := uint64(s.values.Size())
	if err := s.values.Append(encoded); err != nil {
		return 0, false, fmt.Errorf("values.Append: %w", err)
	}
	s.numberOfUniqueValues++

	if s.minimize {
		if len(s.dedup) >= s.maxDedup {
			s.logger.Debug("value dedup table full, starting over", slog.Int("entries", len(s.dedup)))
			clear(s.dedup)
		}
		s.dedup[hash] = append(s.dedup[hash], off)
	}
	return off, true, nil
}

func (s *store) record() datafile.Record {
	r := datafile.Record{}
	r.SetUint("size", uint64(s.values.Size()))
	r.SetUint("values", s.numberOfValues)
	r.SetUint("unique_values", s.numberOfUniqueValues)
	return r
}

func (s *store) WriteTo(w io.Writer) (int64, error) {
	return s.values.WriteTo(w)
}

func (s *store) Close() error {
	var result *multierror.Error
	if err := s.values.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		result = multierror.Append(result, err)
	}
	s.dedup = nil
	return result.ErrorOrNil()
}
