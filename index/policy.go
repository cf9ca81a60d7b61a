// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"math"
)

const (
	maxSegmentsPerMerge = 20
	// small segments are scored as if they had this many keys, so that
	// merging many tiny segments is not preferred over one real merge
	segmentSizeFloor = 10000
)

type segmentStats struct {
	keys    uint64
	deletes uint64
	inMerge bool
}

// tieredPolicy elects runs of adjacent segments, preferring merges of
// similarly sized segments and merges that drop many deleted keys.
type tieredPolicy struct {
	maxSegments int
}

// selectMerge returns the half open range [start, end) of segments to
// merge next, or ok == false if nothing should be merged.
func (p tieredPolicy) selectMerge(stats []segmentStats) (start, end int, ok bool) {
	active := 0
	for _, s := range stats {
		if !s.inMerge {
			active++
		}
	}
	multi := active > p.maxSegments

	best := math.Inf(1)
	for i := range stats {
		if stats[i].inMerge {
			continue
		}
		for j := i + 1; j <= len(stats) && j-i <= maxSegmentsPerMerge; j++ {
			if stats[j-1].inMerge {
				break
			}
			run := stats[i:j]
			if len(run) == 1 && run[0].deletes == 0 {
				continue
			}
			if len(run) > 1 && !multi {
				break
			}
			if score := mergeScore(run); score < best {
				best, start, end, ok = score, i, j, true
			}
		}
	}
	return start, end, ok
}

// mergeScore is lower for better merges.
func mergeScore(run []segmentStats) float64 {
	var biggest, total, floored, deletes uint64
	for _, s := range run {
		biggest = max(biggest, s.keys)
		total += s.keys
		floored += max(s.keys, segmentSizeFloor)
		deletes += s.deletes
	}
	if total == 0 {
		return 0
	}
	score := float64(biggest) / float64(floored) * math.Pow(float64(total), 0.05)
	if deletes > 0 {
		live := float64(total-min(deletes, total)) / float64(total)
		score *= live * live
	}
	return score
}
