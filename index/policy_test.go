// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTieredPolicy_SelectMerge(t *testing.T) {
	type result struct {
		start, end int
		ok         bool
	}
	for _, tc := range []struct {
		name        string
		maxSegments int
		stats       []segmentStats
		want        result
	}{
		{
			name:        "empty",
			maxSegments: 1,
			want:        result{},
		},
		{
			name:        "single segment without deletes",
			maxSegments: 1,
			stats:       []segmentStats{{keys: 100}},
			want:        result{},
		},
		{
			name:        "single segment with deletes",
			maxSegments: 1,
			stats:       []segmentStats{{keys: 100, deletes: 10}},
			want:        result{0, 1, true},
		},
		{
			name:        "under the segment limit",
			maxSegments: 4,
			stats:       []segmentStats{{keys: 100}, {keys: 100}, {keys: 100}},
			want:        result{},
		},
		{
			name:        "small segments merge together",
			maxSegments: 1,
			stats:       []segmentStats{{keys: 100}, {keys: 100}, {keys: 100}},
			want:        result{0, 3, true},
		},
		{
			name:        "similar sizes are preferred",
			maxSegments: 1,
			stats:       []segmentStats{{keys: 1000000}, {keys: 50000}, {keys: 50000}},
			want:        result{1, 3, true},
		},
		{
			name:        "segments in a merge are skipped",
			maxSegments: 1,
			stats:       []segmentStats{{keys: 10, inMerge: true}, {keys: 10}, {keys: 10, inMerge: true}, {keys: 10}},
			want:        result{},
		},
		{
			name:        "runs stop at segments in a merge",
			maxSegments: 1,
			stats:       []segmentStats{{keys: 10, inMerge: true}, {keys: 10}, {keys: 10}, {keys: 10, inMerge: true}},
			want:        result{1, 3, true},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			start, end, ok := tieredPolicy{maxSegments: tc.maxSegments}.selectMerge(tc.stats)
			assert.Equal(t, tc.want, result{start, end, ok})
		})
	}
}

func TestTieredPolicy_RunLength(t *testing.T) {
	stats := make([]segmentStats, 50)
	for i := range stats {
		stats[i].keys = 100
	}
	start, end, ok := tieredPolicy{maxSegments: 1}.selectMerge(stats)
	assert.True(t, ok)
	assert.Equal(t, maxSegmentsPerMerge, end-start)
}

func TestMergeScore(t *testing.T) {
	balanced := mergeScore([]segmentStats{{keys: 50000}, {keys: 50000}})
	skewed := mergeScore([]segmentStats{{keys: 90000}, {keys: 10000}})
	assert.Less(t, balanced, skewed)

	clean := mergeScore([]segmentStats{{keys: 50000}})
	dirty := mergeScore([]segmentStats{{keys: 50000, deletes: 25000}})
	assert.InDelta(t, clean/4, dirty, 1e-9)

	assert.Zero(t, mergeScore([]segmentStats{{}, {}}))
}
