// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package keyvi builds and reads immutable key-value dictionaries stored as
// minimized finite state automata.
package keyvi

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/bpowers/keyvi/internal/compression"
	"github.com/bpowers/keyvi/internal/fsa"
	"github.com/bpowers/keyvi/internal/ondisk"
	"github.com/bpowers/keyvi/internal/sparsearray"
	"github.com/bpowers/keyvi/internal/valuestore"
)

// BuilderOption configures the Builder.
type BuilderOption func(*builderOptions)

type builderOptions struct {
	logger               *slog.Logger
	valueType            ValueType
	memoryLimit          int64
	tmpDir               string
	compression          string
	compressionThreshold int
	minimize             bool
	legacy               bool
	manifest             string
	hashSeed             uint64
}

func defaultBuilderOptions() builderOptions {
	return builderOptions{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		valueType:   StringValues,
		memoryLimit: DefaultMemoryLimit(),
		compression: defaultCompression,
		minimize:    true,
	}
}

// WithBuilderLogger sets an optional logger for the builder to use for progress updates.
// If not provided, no logging output will be produced.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(opts *builderOptions) {
		opts.logger = logger
	}
}

// WithValueType sets how values are stored.  The default is StringValues.
func WithValueType(t ValueType) BuilderOption {
	return func(opts *builderOptions) {
		opts.valueType = t
	}
}

// WithMemoryLimit bounds the memory used while compiling.
func WithMemoryLimit(limit int64) BuilderOption {
	return func(opts *builderOptions) {
		opts.memoryLimit = limit
	}
}

// WithTmpDir sets where temporary files are created while compiling.
func WithTmpDir(dir string) BuilderOption {
	return func(opts *builderOptions) {
		opts.tmpDir = dir
	}
}

// WithCompression selects the codec for JSON values by name: "none",
// "zlib", "snappy", "zstd" or "lz4".
func WithCompression(name string) BuilderOption {
	return func(opts *builderOptions) {
		opts.compression = name
	}
}

// WithCompressionThreshold sets the size above which JSON values are
// compressed.
func WithCompressionThreshold(n int) BuilderOption {
	return func(opts *builderOptions) {
		opts.compressionThreshold = n
	}
}

// WithMinimization turns sharing of equal suffixes and values on or off.
func WithMinimization(minimize bool) BuilderOption {
	return func(opts *builderOptions) {
		opts.minimize = minimize
	}
}

// WithLegacyFormat writes 4 byte absolute transitions instead of the
// compact 2 byte encoding.
func WithLegacyFormat() BuilderOption {
	return func(opts *builderOptions) {
		opts.legacy = true
	}
}

// WithManifest embeds an application defined string in the file.
func WithManifest(manifest string) BuilderOption {
	return func(opts *builderOptions) {
		opts.manifest = manifest
	}
}

// WithHashSeed changes the seed of the state hash used for minimization.
func WithHashSeed(seed uint64) BuilderOption {
	return func(opts *builderOptions) {
		opts.hashSeed = seed
	}
}

func (o *builderOptions) newGenerator(t ValueType) (*fsa.Generator, error) {
	codec, err := compression.ByName(o.compression)
	if err != nil {
		return nil, err
	}
	values, err := valuestore.NewWriter(t, valuestore.Options{
		Compression:          codec,
		CompressionThreshold: o.compressionThreshold,
		Minimize:             o.minimize,
		MemoryLimit:          o.memoryLimit / 8,
		TmpDir:               o.tmpDir,
		Logger:               o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("valuestore.NewWriter: %w", err)
	}
	width := ondisk.Compact
	if o.legacy {
		width = ondisk.Legacy
	}
	opts := []fsa.GeneratorOption{
		fsa.WithLogger(o.logger),
		fsa.WithMemoryLimit(o.memoryLimit),
		fsa.WithTmpDir(o.tmpDir),
		fsa.WithMinimization(o.minimize),
		fsa.WithWidth(width),
	}
	if o.hashSeed != 0 {
		opts = append(opts, fsa.WithHashContext(sparsearray.HashContext{Seed: o.hashSeed}))
	}
	g, err := fsa.NewGenerator(values, opts...)
	if err != nil {
		_ = values.Close()
		return nil, fmt.Errorf("fsa.NewGenerator: %w", err)
	}
	g.SetManifest(o.manifest)
	return g, nil
}

type builderEntry struct {
	key   []byte
	value []byte
}

// Builder is used to construct a Dictionary from key/value pairs added in
// any order.  If a key is added more than once, the last value wins.
type Builder struct {
	resultPath string
	options    builderOptions
	entries    []builderEntry
	logger     *slog.Logger
}

// NewBuilder creates a Builder that writes the dictionary to dataFilePath
// when finalized.  Building should happen once.
func NewBuilder(dataFilePath string, opts ...BuilderOption) (*Builder, error) {
	options := defaultBuilderOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if !options.valueType.Valid() {
		return nil, fmt.Errorf("value type %d: %w", uint64(options.valueType), valuestore.ErrUnknownType)
	}
	if _, err := compression.ByName(options.compression); err != nil {
		return nil, err
	}
	// we want to write to a new file and do an atomic rename when we're done on disk
	dataFilePath, err := filepath.Abs(dataFilePath)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}
	return &Builder{
		resultPath: dataFilePath,
		options:    options,
		logger:     options.logger,
	}, nil
}

// Put adds a key/value pair to the dictionary.  Empty keys are rejected.
func (b *Builder) Put(k, v []byte) error {
	if len(k) == 0 {
		return fsa.ErrEmptyKey
	}
	// copy, because k and v could point into e.g. a bufio buffer
	b.entries = append(b.entries, builderEntry{
		key:   bytes.Clone(k),
		value: bytes.Clone(v),
	})
	return nil
}

// PutLine adds a line of the form key<sep>value.  A line without sep is a
// key with an empty value.
func (b *Builder) PutLine(line []byte, sep byte) error {
	k, v, ok := split2(line, sep)
	if !ok {
		k, v = line, nil
	}
	return b.Put(k, v)
}

// Len is the number of pairs added so far, duplicates included.
func (b *Builder) Len() int {
	return len(b.entries)
}

// Finalize compiles the dictionary and atomically moves it into place.
func (b *Builder) Finalize() error {
	entries := b.entries
	b.entries = nil

	slices.SortStableFunc(entries, func(a, b builderEntry) int {
		return bytes.Compare(a.key, b.key)
	})

	g, err := b.options.newGenerator(b.options.valueType)
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()

	for i, e := range entries {
		// the last of a run of equal keys wins
		if i+1 < len(entries) && bytes.Equal(e.key, entries[i+1].key) {
			continue
		}
		if err := g.Add(e.key, e.value); err != nil {
			return fmt.Errorf("generator.Add: %w", err)
		}
	}
	if err := g.CloseFeeding(); err != nil {
		return fmt.Errorf("generator.CloseFeeding: %w", err)
	}
	if err := g.WriteFile(b.resultPath); err != nil {
		return fmt.Errorf("generator.WriteFile: %w", err)
	}
	b.logger.Info("built dictionary",
		slog.String("path", b.resultPath),
		slog.Uint64("keys", g.NumberOfKeys()),
		slog.Uint64("states", g.NumberOfStates()))
	return nil
}
