// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keyvi

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// DeletedKeysSuffix names the list of keys deleted from a dictionary.
	DeletedKeysSuffix = ".dk"
	// DeletedKeysDuringMergeSuffix names the list of keys deleted while the
	// dictionary was being merged; the merge result inherits them.
	DeletedKeysDuringMergeSuffix = ".dkm"

	swapSuffix = "-swap"
)

// ReadDeletedKeys reads a msgpack encoded list of keys.  A missing file is
// an empty list.
func ReadDeletedKeys(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %w", err)
	}
	var keys []string
	if err := msgpack.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("deleted keys %s: %w", path, err)
	}
	return keys, nil
}

// WriteDeletedKeys writes keys, sorted, to path+"-swap" and renames it to
// path.
func WriteDeletedKeys(path string, keys []string) error {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	data, err := msgpack.Marshal(keys)
	if err != nil {
		return fmt.Errorf("msgpack.Marshal: %w", err)
	}
	swap := path + swapSuffix
	if err := os.WriteFile(swap, data, 0644); err != nil {
		return fmt.Errorf("os.WriteFile: %w", err)
	}
	if err := os.Rename(swap, path); err != nil {
		_ = os.Remove(swap)
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}

// deletedSet loads the keys deleted from the dictionary at path.  Keys
// deleted while a merge is running are not included; the merge result
// inherits those separately.
func deletedSet(path string) (stringSet, error) {
	keys, err := ReadDeletedKeys(path + DeletedKeysSuffix)
	if err != nil {
		return nil, err
	}
	return newStringSet(keys), nil
}
