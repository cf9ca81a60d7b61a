// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keyvi

import (
	"github.com/pbnjay/memory"

	"github.com/bpowers/keyvi/internal/fsa"
	"github.com/bpowers/keyvi/internal/mmap"
	"github.com/bpowers/keyvi/internal/valuestore"
)

const (
	maxDefaultMemoryLimit = 1 << 30
	minDefaultMemoryLimit = 64 * 1024 * 1024

	defaultCompression = "zlib"
)

// DefaultMemoryLimit is the memory budget for building a dictionary: 1 GiB
// or an eighth of physical memory, whichever is smaller.
func DefaultMemoryLimit() int64 {
	total := memory.TotalMemory()
	if total == 0 {
		return maxDefaultMemoryLimit
	}
	return max(min(int64(total/8), maxDefaultMemoryLimit), minDefaultMemoryLimit)
}

// ValueType selects how the values of a dictionary are stored.
type ValueType = valuestore.Type

const (
	KeyOnlyValues = valuestore.KeyOnly
	IntValues     = valuestore.Int
	StringValues  = valuestore.String
	JSONValues    = valuestore.JSON
)

var (
	ErrEmptyKey = fsa.ErrEmptyKey
	ErrBadValue = valuestore.ErrBadValue
)

// ValidateValue reports whether value can be stored in a dictionary of
// type t.
func ValidateValue(t ValueType, value []byte) error {
	return valuestore.Validate(t, value)
}

// ParseValueType parses the names printed by ValueType.String.
func ParseValueType(s string) (ValueType, error) {
	return valuestore.ParseType(s)
}

// LoadingStrategy controls how the pages of a dictionary are brought into
// memory.  It only affects performance.
type LoadingStrategy int

const (
	// LoadDefault leaves paging to the OS.
	LoadDefault LoadingStrategy = iota
	// LoadLazy is the same as LoadDefault.
	LoadLazy
	// LoadPopulate reads the whole file up front.
	LoadPopulate
	// LoadPopulateKeys reads the key part up front.
	LoadPopulateKeys
	// LoadPopulateLazy asks the OS to read everything in the background.
	LoadPopulateLazy
	// LoadLazyNoReadahead disables readahead for the whole file.
	LoadLazyNoReadahead
	// LoadLazyNoReadaheadValues disables readahead for the value part.
	LoadLazyNoReadaheadValues
	// LoadPopulateKeysNoReadaheadValues reads the key part up front and
	// disables readahead for the value part.
	LoadPopulateKeysNoReadaheadValues
)

func (s LoadingStrategy) advice() (keys, values mmap.Advice) {
	switch s {
	case LoadPopulate:
		return mmap.AdvicePopulate, mmap.AdvicePopulate
	case LoadPopulateKeys:
		return mmap.AdvicePopulate, mmap.AdviceNormal
	case LoadPopulateLazy:
		return mmap.AdviceWillNeed, mmap.AdviceWillNeed
	case LoadLazyNoReadahead:
		return mmap.AdviceRandom, mmap.AdviceRandom
	case LoadLazyNoReadaheadValues:
		return mmap.AdviceNormal, mmap.AdviceRandom
	case LoadPopulateKeysNoReadaheadValues:
		return mmap.AdvicePopulate, mmap.AdviceRandom
	default:
		return mmap.AdviceNormal, mmap.AdviceNormal
	}
}

// DictionaryOption configures how a Dictionary is opened.
type DictionaryOption func(*dictionaryOptions)

type dictionaryOptions struct {
	loadingStrategy LoadingStrategy
}

func WithLoadingStrategy(s LoadingStrategy) DictionaryOption {
	return func(opts *dictionaryOptions) {
		opts.loadingStrategy = s
	}
}
