// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package fsa

type traverserFrame struct {
	transitions []Transition
	next        int
}

// StateTraverser visits the final states below a start state depth first,
// in label order, so keys come out sorted.
//
//	t := a.NewStateTraverser(a.StartState(), nil)
//	for t.Next() {
//		fmt.Println(string(t.Key()), t.Value())
//	}
type StateTraverser struct {
	a         *Automata
	start     uint64
	prefixLen int

	key     []byte
	stack   []traverserFrame
	spare   [][]Transition
	current uint64

	started   bool
	exhausted bool
}

// NewStateTraverser returns a traverser over the keys below start.  Keys are
// reported with prefix prepended.  A start state of 0 yields nothing.
func (a *Automata) NewStateTraverser(start uint64, prefix []byte) *StateTraverser {
	t := &StateTraverser{
		a:         a,
		start:     start,
		prefixLen: len(prefix),
		key:       append([]byte(nil), prefix...),
	}
	if start == 0 {
		t.exhausted = true
	}
	return t
}

func (t *StateTraverser) push(state uint64) {
	var buf []Transition
	if n := len(t.spare); n > 0 {
		buf = t.spare[n-1][:0]
		t.spare = t.spare[:n-1]
	}
	t.stack = append(t.stack, traverserFrame{
		transitions: t.a.OutgoingTransitions(state, buf),
	})
}

func (t *StateTraverser) pop() {
	n := len(t.stack) - 1
	t.spare = append(t.spare, t.stack[n].transitions)
	t.stack = t.stack[:n]
}

// Next advances to the next final state.  It returns false once every
// state has been visited.
func (t *StateTraverser) Next() bool {
	if t.exhausted {
		return false
	}
	if !t.started {
		t.started = true
		t.push(t.start)
		if t.a.IsFinalState(t.start) {
			t.current = t.start
			return true
		}
	}
	for len(t.stack) > 0 {
		top := &t.stack[len(t.stack)-1]
		if top.next >= len(top.transitions) {
			t.pop()
			continue
		}
		tr := top.transitions[top.next]
		top.next++

		t.key = append(t.key[:t.prefixLen+len(t.stack)-1], tr.Label)
		t.push(tr.Target)
		if t.a.IsFinalState(tr.Target) {
			t.current = tr.Target
			return true
		}
	}
	t.exhausted = true
	t.key = t.key[:t.prefixLen]
	return false
}

// Key returns the key of the current final state.  The slice is reused by
// Next.
func (t *StateTraverser) Key() []byte {
	return t.key
}

// State returns the current final state.
func (t *StateTraverser) State() uint64 {
	return t.current
}

// Value returns the value store index of the current final state.
func (t *StateTraverser) Value() uint64 {
	return t.a.StateValue(t.current)
}

// Depth is the length of the current key below the start state.
func (t *StateTraverser) Depth() int {
	return len(t.key) - t.prefixLen
}
