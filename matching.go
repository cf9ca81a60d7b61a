// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keyvi

import (
	"container/heap"
	"iter"
	"unicode/utf8"

	"github.com/bpowers/keyvi/internal/fsa"
)

type nearFrame struct {
	transitions []fsa.Transition
	next        int
	exactDepth  int
}

// Near matches as much of key as possible exactly and yields the keys below
// the deepest matched state, the exact continuation first.  The first
// minPrefix bytes must match.  Unless greedy is set, iteration stops after
// the keys sharing the longest matched prefix; greedy continues with
// everything below minPrefix.  Match.Score is the length of the exactly
// matched prefix.
func (d *Dictionary) Near(key []byte, minPrefix int, greedy bool) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		if minPrefix < 0 || len(key) < minPrefix {
			return
		}
		state := d.a.Walk(d.a.StartState(), key[:minPrefix])
		if state == 0 {
			return
		}
		if d.a.IsFinalState(state) {
			m := newMatch(d.a, state, string(key[:minPrefix]), 0)
			m.Score = minPrefix
			if !yield(m) {
				return
			}
		}

		rest := key[minPrefix:]
		path := append([]byte(nil), key[:minPrefix]...)
		stack := []nearFrame{{transitions: nearOrder(d.a.OutgoingTransitions(state, nil), rest, 0, true)}}
		matched := 0
		for len(stack) > 0 {
			depth := len(stack)
			if !greedy && depth <= matched {
				return
			}
			top := &stack[depth-1]
			if top.next >= len(top.transitions) {
				stack = stack[:depth-1]
				continue
			}
			tr := top.transitions[top.next]
			top.next++

			exact := top.exactDepth == depth-1 && depth-1 < len(rest) && rest[depth-1] == tr.Label
			exactDepth := top.exactDepth
			if exact {
				exactDepth = depth
			}
			path = append(path[:minPrefix+depth-1], tr.Label)
			stack = append(stack, nearFrame{
				transitions: nearOrder(d.a.OutgoingTransitions(tr.Target, nil), rest, depth, exact),
				exactDepth:  exactDepth,
			})

			if d.a.IsFinalState(tr.Target) {
				m := newMatch(d.a, tr.Target, string(path), 0)
				m.Score = minPrefix + exactDepth
				if !greedy {
					matched = exactDepth
				}
				if !yield(m) {
					return
				}
			}
		}
	}
}

// nearOrder moves the transition continuing the exact match to the front.
func nearOrder(transitions []fsa.Transition, rest []byte, depth int, exact bool) []fsa.Transition {
	if !exact || depth >= len(rest) {
		return transitions
	}
	for i, tr := range transitions {
		if tr.Label == rest[depth] {
			copy(transitions[1:i+1], transitions[:i])
			transitions[0] = tr
			break
		}
	}
	return transitions
}

type fuzzyFrame struct {
	transitions []fsa.Transition
	next        int
	// runes is the number of complete code points below the exact prefix;
	// pending is where an incomplete UTF-8 sequence starts in the path.
	runes   int
	pending int
}

// Fuzzy yields, in key order, the keys within maxEdits edits of query.
// Distances count code points, and a swap of two adjacent code points is
// one edit.  The first minExactPrefix code points of query must match
// exactly.  Match.Score is the edit distance.
func (d *Dictionary) Fuzzy(query []byte, maxEdits, minExactPrefix int) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		if maxEdits < 0 || utf8.RuneCount(query) < minExactPrefix {
			return
		}
		prefixLen := 0
		for i := 0; i < minExactPrefix; i++ {
			_, n := utf8.DecodeRune(query[prefixLen:])
			prefixLen += n
		}
		state := d.a.Walk(d.a.StartState(), query[:prefixLen])
		if state == 0 {
			return
		}
		q := []rune(string(query[prefixLen:]))

		base := make([]int, len(q)+1)
		for j := range base {
			base[j] = j
		}
		rows := [][]int{base}
		var path []rune

		if d.a.IsFinalState(state) && len(q) <= maxEdits {
			m := newMatch(d.a, state, string(query[:prefixLen]), 0)
			m.Score = len(q)
			if !yield(m) {
				return
			}
		}

		key := append([]byte(nil), query[:prefixLen]...)
		stack := []fuzzyFrame{{
			transitions: d.a.OutgoingTransitions(state, nil),
			pending:     prefixLen,
		}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next >= len(top.transitions) {
				stack = stack[:len(stack)-1]
				continue
			}
			tr := top.transitions[top.next]
			top.next++

			key = append(key[:prefixLen+len(stack)-1], tr.Label)
			frame := fuzzyFrame{runes: top.runes, pending: top.pending}
			if tail := key[top.pending:]; utf8.FullRune(tail) {
				r, _ := utf8.DecodeRune(tail)
				path = append(path[:top.runes], r)
				row := editRow(rows, path, q)
				if minInts(row) > maxEdits {
					continue
				}
				rows = append(rows[:top.runes+1], row)
				frame.runes++
				frame.pending = len(key)
			}
			frame.transitions = d.a.OutgoingTransitions(tr.Target, nil)
			stack = append(stack, frame)

			if frame.pending == len(key) && d.a.IsFinalState(tr.Target) {
				if dist := rows[frame.runes][len(q)]; dist <= maxEdits {
					m := newMatch(d.a, tr.Target, string(key), 0)
					m.Score = dist
					if !yield(m) {
						return
					}
				}
			}
		}
	}
}

// editRow computes the distance row for path given the rows of its
// prefixes.
func editRow(rows [][]int, path, q []rune) []int {
	k := len(path)
	prev := rows[k-1]
	row := make([]int, len(q)+1)
	row[0] = k
	r := path[k-1]
	for j := 1; j <= len(q); j++ {
		cost := 1
		if q[j-1] == r {
			cost = 0
		}
		row[j] = min(prev[j]+1, row[j-1]+1, prev[j-1]+cost)
		if k > 1 && j > 1 && r == q[j-2] && path[k-2] == q[j-1] {
			row[j] = min(row[j], rows[k-2][j-2]+1)
		}
	}
	return row
}

func minInts(row []int) int {
	m := row[0]
	for _, v := range row[1:] {
		m = min(m, v)
	}
	return m
}

type rankedMatch struct {
	m      Match
	weight uint64
	seq    int
}

// matchHeap is a min-heap with the weakest match on top: lowest weight,
// then latest in key order.
type matchHeap []rankedMatch

func (h matchHeap) Len() int { return len(h) }
func (h matchHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight < h[j].weight
	}
	return h[i].seq > h[j].seq
}
func (h matchHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)   { *h = append(*h, x.(rankedMatch)) }
func (h *matchHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// PrefixCompletionTop returns at most n keys starting with prefix.  In an
// integer dictionary the values are weights and the heaviest keys come
// first, ties in key order; other dictionaries return the first n keys in
// key order.
func (d *Dictionary) PrefixCompletionTop(prefix []byte, n int) []Match {
	if n <= 0 {
		return nil
	}
	if d.ValueType() != IntValues {
		var matches []Match
		for m := range d.PrefixCompletion(prefix) {
			matches = append(matches, m)
			if len(matches) == n {
				break
			}
		}
		return matches
	}

	h := make(matchHeap, 0, n)
	seq := 0
	for m := range d.PrefixCompletion(prefix) {
		r := rankedMatch{m: m, weight: d.a.StateValue(m.state), seq: seq}
		seq++
		if len(h) < n {
			heap.Push(&h, r)
		} else if r.weight > h[0].weight {
			h[0] = r
			heap.Fix(&h, 0)
		}
	}
	matches := make([]Match, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		matches[i] = heap.Pop(&h).(rankedMatch).m
	}
	return matches
}
