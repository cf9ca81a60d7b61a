// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitset

// WindowSize is the number of positions covered by each of the two windows
// of a SlidingWindow.
const WindowSize = 2048

// SlidingWindow tracks taken positions over an unbounded, mostly
// monotonically growing range while keeping only the two most recent
// windows in memory.  Setting a position beyond the current window slides
// the window forward.  Positions that fell out of the tracked range are
// reported as set, so callers never place anything there again; positions
// beyond the current window are reported as unset.
type SlidingWindow struct {
	prev   *Bitset
	cur    *Bitset
	curWin int64
}

func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{
		prev: New(WindowSize),
		cur:  New(WindowSize),
	}
}

func (w *SlidingWindow) locate(pos int64) (*Bitset, int64, bool) {
	win := pos / WindowSize
	switch {
	case win == w.curWin:
		return w.cur, pos % WindowSize, true
	case win == w.curWin-1:
		return w.prev, pos % WindowSize, true
	default:
		return nil, 0, false
	}
}

// IsSet reports whether pos is taken.
func (w *SlidingWindow) IsSet(pos int64) bool {
	if pos < 0 {
		return true
	}
	if pos/WindowSize > w.curWin {
		return false
	}
	b, off, ok := w.locate(pos)
	if !ok {
		return true
	}
	return b.IsSet(off)
}

// Set marks pos as taken, sliding the window forward if needed.
func (w *SlidingWindow) Set(pos int64) {
	if pos < 0 {
		return
	}
	if win := pos / WindowSize; win > w.curWin {
		if win == w.curWin+1 {
			w.prev, w.cur = w.cur, w.prev
			w.cur.Reset()
		} else {
			w.prev.Reset()
			w.cur.Reset()
		}
		w.curWin = win
	}
	if b, off, ok := w.locate(pos); ok {
		b.Set(off)
	}
}

// SetVector marks base+i as taken for every set bit i of v.
func (w *SlidingWindow) SetVector(v *Bitset, base int64) {
	for i := v.NextSet(0); i < v.Len(); i = v.NextSet(i + 1) {
		w.Set(base + i)
	}
}

// NextUnset returns the first position >= pos that is not taken.
func (w *SlidingWindow) NextUnset(pos int64) int64 {
	if pos < 0 {
		pos = 0
	}
	win := pos / WindowSize
	if win > w.curWin {
		return pos
	}
	if win < w.curWin-1 {
		pos = (w.curWin - 1) * WindowSize
		win = w.curWin - 1
	}
	if win == w.curWin-1 {
		if off := w.prev.NextUnset(pos % WindowSize); off < WindowSize {
			return win*WindowSize + off
		}
		pos = w.curWin * WindowSize
	}
	// the slot right after the current window is always free
	return w.curWin*WindowSize + w.cur.NextUnset(pos%WindowSize)
}

// Collision checks whether every position base+i, for each set bit i of v,
// is free.  It returns 0 if so, otherwise the smallest shift that moves the
// first colliding bit onto a free position.
func (w *SlidingWindow) Collision(v *Bitset, base int64) int64 {
	for i := v.NextSet(0); i < v.Len(); i = v.NextSet(i + 1) {
		if pos := base + i; w.IsSet(pos) {
			return w.NextUnset(pos) - pos
		}
	}
	return 0
}
