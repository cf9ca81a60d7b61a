// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bpowers/keyvi"
)

const (
	defaultMaxConcurrentMerges = 2
	defaultMaxSegments         = 1
	defaultFlushInterval       = time.Second
	defaultRefreshInterval     = time.Second
	defaultMergePollInterval   = 10 * time.Millisecond
	defaultLoadConcurrency     = 4
)

// Option configures an Index or a Reader.
type Option func(*options)

type options struct {
	logger              *slog.Logger
	registerer          prometheus.Registerer
	maxConcurrentMerges int
	maxSegments         int
	flushInterval       time.Duration
	refreshInterval     time.Duration
	mergePollInterval   time.Duration
	memoryLimit         int64
	valueType           keyvi.ValueType
	mergerBinary        string
	mergerArgs          []string
	builderOptions      []keyvi.BuilderOption
}

func defaultOptions() options {
	return options{
		logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxConcurrentMerges: defaultMaxConcurrentMerges,
		maxSegments:         defaultMaxSegments,
		flushInterval:       defaultFlushInterval,
		refreshInterval:     defaultRefreshInterval,
		mergePollInterval:   defaultMergePollInterval,
		memoryLimit:         keyvi.DefaultMemoryLimit(),
		valueType:           keyvi.JSONValues,
	}
}

func newOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxConcurrentMerges < 1 {
		o.maxConcurrentMerges = 1
	}
	if o.maxSegments < 1 {
		o.maxSegments = 1
	}
	return o
}

// WithLogger sets the logger for flushes, merges and reloads.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the index metrics with r.  Without it the
// metrics are collected but not registered anywhere.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// WithMaxConcurrentMerges bounds the number of merges running at once.
func WithMaxConcurrentMerges(n int) Option {
	return func(o *options) {
		o.maxConcurrentMerges = n
	}
}

// WithMaxSegments sets how many segments the index keeps before merging
// them together.
func WithMaxSegments(n int) Option {
	return func(o *options) {
		o.maxSegments = n
	}
}

// WithFlushInterval sets how long pending writes wait before the
// background worker compiles them.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		o.flushInterval = d
	}
}

// WithRefreshInterval sets how often a Reader checks for a new table of
// contents.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *options) {
		o.refreshInterval = d
	}
}

// WithMergePollInterval sets the worker tick.
func WithMergePollInterval(d time.Duration) Option {
	return func(o *options) {
		o.mergePollInterval = d
	}
}

// WithMemoryLimit bounds the memory of a single compile or merge.
func WithMemoryLimit(limit int64) Option {
	return func(o *options) {
		o.memoryLimit = limit
	}
}

// WithValueType sets how segment values are stored.  The default is
// JSONValues.
func WithValueType(t keyvi.ValueType) Option {
	return func(o *options) {
		o.valueType = t
	}
}

// WithMergerBinary runs merges in a subprocess: path is invoked with args
// followed by -m <memory> -o <output> -i <input>...
func WithMergerBinary(path string, args ...string) Option {
	return func(o *options) {
		o.mergerBinary = path
		o.mergerArgs = args
	}
}

// WithBuilderOptions passes extra options to segment compiles and
// in-process merges.
func WithBuilderOptions(opts ...keyvi.BuilderOption) Option {
	return func(o *options) {
		o.builderOptions = append(o.builderOptions, opts...)
	}
}

func (o *options) segmentBuilderOptions(tmpDir string) []keyvi.BuilderOption {
	opts := []keyvi.BuilderOption{
		keyvi.WithBuilderLogger(o.logger),
		keyvi.WithValueType(o.valueType),
		keyvi.WithMemoryLimit(o.memoryLimit),
		keyvi.WithTmpDir(tmpDir),
	}
	return append(opts, o.builderOptions...)
}
