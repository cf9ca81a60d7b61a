// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	mergeResultSuccess = "success"
	mergeResultFailure = "failure"
)

type metrics struct {
	segments      prometheus.Gauge
	mergesRunning prometheus.Gauge
	mergesTotal   *prometheus.CounterVec
	flushesTotal  prometheus.Counter
}

// newMetrics registers with r unless r is nil.
func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		segments: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "keyvi",
			Subsystem: "index",
			Name:      "segments",
			Help:      "Number of segments in the index",
		}),
		mergesRunning: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "keyvi",
			Subsystem: "index",
			Name:      "merges_running",
			Help:      "Number of segment merges in progress",
		}),
		mergesTotal: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvi",
			Subsystem: "index",
			Name:      "merges_total",
			Help:      "Number of finished segment merges by result",
		}, []string{"result"}),
		flushesTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "keyvi",
			Subsystem: "index",
			Name:      "flushes_total",
			Help:      "Number of segments compiled from pending writes",
		}),
	}
}
