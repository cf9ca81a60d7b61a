// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package fsa builds and reads the minimized automata stored in keyvi
// files.
package fsa

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/bpowers/keyvi/internal/datafile"
	"github.com/bpowers/keyvi/internal/ondisk"
	"github.com/bpowers/keyvi/internal/sparsearray"
	"github.com/bpowers/keyvi/internal/valuestore"
)

var (
	ErrKeyOrder     = errors.New("keys must be added in sorted order")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrEmptyKey     = errors.New("empty keys are not supported")
	ErrNotFeeding   = errors.New("generator is no longer accepting keys")
	ErrNotCompiled  = errors.New("generator has not been compiled")
)

const (
	DefaultMemoryLimit = 1 << 30

	// the minimization cache gets at least half the budget, and everything
	// but this reserve once the budget is large
	persistenceReserve = 200 * 1024 * 1024
)

type generatorState int

const (
	feeding generatorState = iota
	finalizing
	compiled
)

// GeneratorOption configures a Generator.
type GeneratorOption func(*generatorOptions)

type generatorOptions struct {
	logger      *slog.Logger
	memoryLimit int64
	tmpDir      string
	width       ondisk.Width
	minimize    bool
	hashCtx     sparsearray.HashContext
}

// WithLogger sets the logger used for progress updates.
func WithLogger(logger *slog.Logger) GeneratorOption {
	return func(opts *generatorOptions) {
		opts.logger = logger
	}
}

// WithMemoryLimit bounds the memory used for the sparse array window and
// the minimization cache together.
func WithMemoryLimit(limit int64) GeneratorOption {
	return func(opts *generatorOptions) {
		opts.memoryLimit = limit
	}
}

// WithTmpDir sets the directory for temporary chunk files.
func WithTmpDir(dir string) GeneratorOption {
	return func(opts *generatorOptions) {
		opts.tmpDir = dir
	}
}

func WithWidth(width ondisk.Width) GeneratorOption {
	return func(opts *generatorOptions) {
		opts.width = width
	}
}

// WithMinimization turns sharing of equivalent states on or off.
func WithMinimization(minimize bool) GeneratorOption {
	return func(opts *generatorOptions) {
		opts.minimize = minimize
	}
}

func WithHashContext(ctx sparsearray.HashContext) GeneratorOption {
	return func(opts *generatorOptions) {
		opts.hashCtx = ctx
	}
}

// Generator builds a minimized automaton from keys added in sorted order.
// States along the path of the most recent key are kept unpacked in a
// depth-indexed stack; everything to the right of the common prefix of two
// consecutive keys is final and gets persisted.
type Generator struct {
	logger *slog.Logger
	width  ondisk.Width
	state  generatorState

	persistence *sparsearray.Persistence
	builder     *sparsearray.Builder
	values      valuestore.Writer

	stack        []*sparsearray.UnpackedState
	highestStack int
	lastKey      []byte

	numberOfKeys uint64
	startState   uint64
	manifest     string
}

// NewGenerator returns a Generator storing values in values.  The
// Generator owns values and closes it in Close.
func NewGenerator(values valuestore.Writer, opts ...GeneratorOption) (*Generator, error) {
	options := generatorOptions{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		memoryLimit: DefaultMemoryLimit,
		width:       ondisk.Compact,
		minimize:    true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	minimizationLimit := max(options.memoryLimit/2, options.memoryLimit-persistenceReserve)
	persistenceLimit := options.memoryLimit - minimizationLimit

	p, err := sparsearray.NewPersistence(options.width, persistenceLimit, options.tmpDir, options.logger)
	if err != nil {
		return nil, fmt.Errorf("sparsearray.NewPersistence: %w", err)
	}
	b := sparsearray.NewBuilder(p, minimizationLimit, sparsearray.BuilderOptions{
		Minimize:    options.minimize,
		HashContext: options.hashCtx,
		Logger:      options.logger,
	})

	g := &Generator{
		logger:      options.logger,
		width:       options.width,
		persistence: p,
		builder:     b,
		values:      values,
	}
	g.stackAt(0)
	return g, nil
}

func (g *Generator) stackAt(depth int) *sparsearray.UnpackedState {
	for len(g.stack) <= depth {
		g.stack = append(g.stack, sparsearray.NewUnpackedState(g.width))
	}
	return g.stack[depth]
}

// Add inserts key with the given value.  Keys must be strictly increasing.
func (g *Generator) Add(key, value []byte) error {
	if err := g.checkKey(key); err != nil {
		return err
	}
	idx, unique, err := g.values.Add(value)
	if err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	return g.add(key, idx, unique)
}

// AddRaw inserts key with a value in the value store's raw encoding, as
// read from another file of the same value store type.
func (g *Generator) AddRaw(key, raw []byte) error {
	if err := g.checkKey(key); err != nil {
		return err
	}
	idx, unique, err := g.values.AddRaw(raw)
	if err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	return g.add(key, idx, unique)
}

func (g *Generator) checkKey(key []byte) error {
	if g.state != feeding {
		return ErrNotFeeding
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if g.numberOfKeys > 0 {
		switch cmp := bytes.Compare(key, g.lastKey); {
		case cmp == 0:
			return fmt.Errorf("key %q: %w", key, ErrDuplicateKey)
		case cmp < 0:
			return fmt.Errorf("key %q after %q: %w", key, g.lastKey, ErrKeyOrder)
		}
	}
	return nil
}

func (g *Generator) add(key []byte, idx uint64, unique bool) error {
	prefix := commonPrefixLen(g.lastKey, key)
	if err := g.consumeStack(prefix); err != nil {
		return err
	}

	for i := prefix; i < len(key); i++ {
		g.stackAt(i).Add(key[i], 0)
	}
	final := g.stackAt(len(key))
	final.AddFinal(idx)
	if unique {
		final.IncrementNoMinimizationCounter(1)
	}
	g.highestStack = len(key)

	g.lastKey = append(g.lastKey[:0], key...)
	g.numberOfKeys++
	return nil
}

func commonPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// consumeStack persists every state deeper than depth and links it into
// its parent.
func (g *Generator) consumeStack(depth int) error {
	for g.highestStack > depth {
		child := g.stack[g.highestStack]
		offset, err := g.builder.PersistState(child)
		if err != nil {
			return fmt.Errorf("PersistState: %w", err)
		}
		parent := g.stack[g.highestStack-1]
		parent.SetLastTransitionValue(uint64(offset))
		parent.IncrementNoMinimizationCounter(child.NoMinimizationCounter())
		child.Clear()
		g.highestStack--
	}
	return nil
}

// CloseFeeding persists the remaining states and the start state.  No keys
// can be added afterwards.
func (g *Generator) CloseFeeding() error {
	if g.state != feeding {
		return ErrNotFeeding
	}
	g.state = finalizing

	if err := g.consumeStack(0); err != nil {
		return err
	}
	root := g.stack[0]
	start, err := g.builder.PersistState(root)
	if err != nil {
		return fmt.Errorf("PersistState(root): %w", err)
	}
	root.Clear()
	g.startState = uint64(start)
	g.stack = nil

	if err := g.persistence.Flush(); err != nil {
		return fmt.Errorf("persistence.Flush: %w", err)
	}
	g.state = compiled

	g.logger.Debug("compiled automaton",
		slog.Uint64("keys", g.numberOfKeys),
		slog.Uint64("states", g.builder.NumberOfStates()),
		slog.Int64("slots", g.persistence.Size()))
	return nil
}

func (g *Generator) SetManifest(manifest string) {
	g.manifest = manifest
}

func (g *Generator) NumberOfKeys() uint64 {
	return g.numberOfKeys
}

func (g *Generator) NumberOfStates() uint64 {
	return g.builder.NumberOfStates()
}

// StartState is the offset of the start state; only valid once compiled.
func (g *Generator) StartState() uint64 {
	return g.startState
}

// WriteTo writes the complete file.
func (g *Generator) WriteTo(w io.Writer) (int64, error) {
	if g.state != compiled {
		return 0, ErrNotCompiled
	}
	dw, err := datafile.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("datafile.NewWriter: %w", err)
	}
	props := datafile.Properties{
		Version:        datafile.FileVersion,
		StartState:     g.startState,
		NumberOfKeys:   g.numberOfKeys,
		NumberOfStates: g.builder.NumberOfStates(),
		ValueStoreType: uint64(g.values.Type()),
		Manifest:       g.manifest,
	}
	sparseProps := datafile.SparseArrayProperties{
		Version: uint64(g.width.Version()),
		Width:   uint64(g.width),
		Size:    uint64(g.persistence.Size()),
	}
	if err := dw.WriteHeader(props, sparseProps); err != nil {
		return dw.Offset(), err
	}
	if _, err := g.persistence.WriteTo(dw); err != nil {
		return dw.Offset(), fmt.Errorf("sparse array: %w", err)
	}
	if err := dw.WriteEndMarker(); err != nil {
		return dw.Offset(), fmt.Errorf("end marker: %w", err)
	}
	if err := dw.WriteRecord(g.values.Record()); err != nil {
		return dw.Offset(), fmt.Errorf("value store properties: %w", err)
	}
	if _, err := g.values.WriteTo(dw); err != nil {
		return dw.Offset(), fmt.Errorf("value store: %w", err)
	}
	if err := dw.Finish(); err != nil {
		return dw.Offset(), err
	}
	return dw.Offset(), nil
}

// WriteFile writes the file to a temporary file next to path and renames it
// into place, so path either holds a complete file or is untouched.
func (g *Generator) WriteFile(path string) error {
	if g.state != compiled {
		return ErrNotCompiled
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("filepath.Abs: %w", err)
	}
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "keyvi-builder.*.kv")
	if err != nil {
		return fmt.Errorf("CreateTemp failed (may need permissions for dir %q): %w", dir, err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if _, err := g.WriteTo(f); err != nil {
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("f.Sync: %w", err)
	}
	// make the file read-only
	if err := f.Chmod(0444); err != nil {
		cleanup()
		return fmt.Errorf("f.Chmod(0444): %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("f.Close: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}

// Close releases temporary storage, including the value store.
func (g *Generator) Close() error {
	var result *multierror.Error
	if err := g.persistence.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := g.values.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	g.stack = nil
	return result.ErrorOrNil()
}
