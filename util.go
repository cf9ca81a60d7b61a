// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keyvi

import (
	"bytes"
)

// split2 cuts a compiler input line at the first sep without allocating.
// ok is false for lines without a separator.
func split2(line []byte, sep byte) (key []byte, value []byte, ok bool) {
	m := bytes.IndexByte(line, sep)
	if m < 0 {
		return nil, nil, false
	}
	return line[:m], line[m+1:], true
}

// stringSet holds deleted keys and merge input paths.
type stringSet map[string]struct{}

func newStringSet(items []string) stringSet {
	set := make(stringSet, len(items))
	for _, s := range items {
		set.Add(s)
	}
	return set
}

func (set stringSet) Contains(s string) bool {
	_, ok := set[s]
	return ok
}

func (set stringSet) Add(s string) {
	set[s] = struct{}{}
}
