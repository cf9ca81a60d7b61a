// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keyvi

import (
	"fmt"
	"iter"

	"github.com/bpowers/keyvi/internal/fsa"
)

// Dictionary is an immutable, memory-mapped key-value dictionary.  It is
// safe for concurrent use.
type Dictionary struct {
	path string
	a    *fsa.Automata
}

// Open maps the dictionary file at path.
func Open(path string, opts ...DictionaryOption) (*Dictionary, error) {
	var options dictionaryOptions
	for _, opt := range opts {
		opt(&options)
	}
	keys, values := options.loadingStrategy.advice()
	a, err := fsa.Open(path, fsa.WithKeysAdvice(keys), fsa.WithValuesAdvice(values))
	if err != nil {
		return nil, fmt.Errorf("fsa.Open: %w", err)
	}
	return &Dictionary{
		path: path,
		a:    a,
	}, nil
}

// Path is the file the dictionary was opened from.
func (d *Dictionary) Path() string {
	return d.path
}

// Get returns the exact match for key.
func (d *Dictionary) Get(key []byte) (Match, bool) {
	state := d.a.Walk(d.a.StartState(), key)
	if state == 0 || !d.a.IsFinalState(state) {
		return Match{}, false
	}
	return newMatch(d.a, state, string(key), 0), true
}

// GetString is Get for string keys.
func (d *Dictionary) GetString(key string) (Match, bool) {
	state := d.a.StartState()
	for i := 0; i < len(key) && state != 0; i++ {
		state = d.a.TryWalkTransition(state, key[i])
	}
	if state == 0 || !d.a.IsFinalState(state) {
		return Match{}, false
	}
	return newMatch(d.a, state, key, 0), true
}

func (d *Dictionary) Contains(key []byte) bool {
	state := d.a.Walk(d.a.StartState(), key)
	return state != 0 && d.a.IsFinalState(state)
}

// Lookup returns the longest key that is a prefix of text[offset:] and is
// followed by a space or the end of text.
func (d *Dictionary) Lookup(text []byte, offset int) (Match, bool) {
	state := d.a.StartState()
	var lastFinal uint64
	var lastEnd int
	for i := offset; i < len(text); i++ {
		if state = d.a.TryWalkTransition(state, text[i]); state == 0 {
			break
		}
		if d.a.IsFinalState(state) && (i+1 == len(text) || text[i+1] == ' ') {
			lastFinal = state
			lastEnd = i + 1
		}
	}
	if lastFinal == 0 {
		return Match{}, false
	}
	return newMatch(d.a, lastFinal, string(text[offset:lastEnd]), offset), true
}

// LookupText runs Lookup at the start of text and after every space.
func (d *Dictionary) LookupText(text []byte) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		if m, ok := d.Lookup(text, 0); ok {
			if !yield(m) {
				return
			}
		}
		for pos := 1; pos < len(text); pos++ {
			if text[pos] != ' ' {
				continue
			}
			if m, ok := d.Lookup(text, pos+1); ok {
				if !yield(m) {
					return
				}
			}
		}
	}
}

// PrefixCompletion yields every key starting with prefix, in sorted order.
func (d *Dictionary) PrefixCompletion(prefix []byte) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		state := d.a.Walk(d.a.StartState(), prefix)
		if state == 0 {
			return
		}
		t := d.a.NewStateTraverser(state, prefix)
		for t.Next() {
			if !yield(newMatch(d.a, t.State(), string(t.Key()), 0)) {
				return
			}
		}
	}
}

// Items yields every key in sorted order.
func (d *Dictionary) Items() iter.Seq[Match] {
	return d.PrefixCompletion(nil)
}

func (d *Dictionary) NumberOfKeys() uint64 {
	return d.a.NumberOfKeys()
}

func (d *Dictionary) NumberOfStates() uint64 {
	return d.a.NumberOfStates()
}

func (d *Dictionary) Manifest() string {
	return d.a.Manifest()
}

func (d *Dictionary) ValueType() ValueType {
	return d.a.ValueStoreType()
}

// Statistics returns the property records of the file, keyed by section:
// "General", "Persistence" and "Value Store".
func (d *Dictionary) Statistics() map[string]map[string]string {
	return map[string]map[string]string{
		"General":     d.a.Properties().Record(),
		"Persistence": d.a.SparseArrayProperties().Record(),
		"Value Store": d.a.ValueStoreProperties(),
	}
}

// Close unmaps the dictionary.  Matches must not be used afterwards.
func (d *Dictionary) Close() error {
	return d.a.Close()
}
