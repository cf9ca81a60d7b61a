// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keyvi

import (
	"github.com/bpowers/keyvi/internal/fsa"
)

// Match is a key found in a Dictionary.  For lookups in text, Start and End
// are the byte offsets of the key within the text; otherwise Start is 0 and
// End is len(Key).
//
// Score depends on the search: the number of key bytes matched exactly for
// Near, the edit distance for Fuzzy, and 0 otherwise.
type Match struct {
	Start int
	End   int
	Key   string
	Score int

	a     *fsa.Automata
	state uint64
}

func newMatch(a *fsa.Automata, state uint64, key string, start int) Match {
	return Match{
		Start: start,
		End:   start + len(key),
		Key:   key,
		a:     a,
		state: state,
	}
}

// Value returns the value stored for the key.  Key-only dictionaries
// return a nil value.
func (m Match) Value() ([]byte, error) {
	if m.a == nil {
		return nil, nil
	}
	return m.a.Value(m.state)
}

// ValueString is Value for callers that want a string and treat decoding
// errors as an empty value.
func (m Match) ValueString() string {
	v, err := m.Value()
	if err != nil {
		return ""
	}
	return string(v)
}

// rawValue is the value in the encoding understood by another dictionary
// of the same value type.
func (m Match) rawValue() ([]byte, error) {
	return m.a.RawValue(m.state)
}
