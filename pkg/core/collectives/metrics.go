// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the Prometheus metrics of the collectives and checkpoint operations of a worker.
type Metrics struct {
	OpsTotal      *prometheus.CounterVec
	OpsDuration   *prometheus.HistogramVec
	BytesTotal    *prometheus.CounterVec
	CheckpointOps *prometheus.CounterVec
}

// GetMetrics returns the metrics, registering them with the default Prometheus registry on the first call.
//
// Metrics:
//   - gomlx_collective_ops_total{op}: collective operations completed.
//   - gomlx_collective_duration_seconds{op}: time blocked in collective operations.
//   - gomlx_collective_bytes_total{op}: bytes contributed to collective operations.
//   - gomlx_checkpoint_ops_total{op}: checkpoint saves and removals performed.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			OpsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gomlx_collective_ops_total",
					Help: "Total number of collective operations completed",
				},
				[]string{"op"}, // "exchange", "all_gather", "mesh_reduce", "rendezvous"
			),
			OpsDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gomlx_collective_duration_seconds",
					Help:    "Time spent blocked in collective operations, in seconds",
					Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
				},
				[]string{"op"},
			),
			BytesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gomlx_collective_bytes_total",
					Help: "Total number of bytes contributed to collective operations",
				},
				[]string{"op"},
			),
			CheckpointOps: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gomlx_checkpoint_ops_total",
					Help: "Total number of checkpoint operations performed",
				},
				[]string{"op"}, // "save", "remove"
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) observe(op string, start time.Time, numBytes int) {
	m.OpsTotal.WithLabelValues(op).Inc()
	m.OpsDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.BytesTotal.WithLabelValues(op).Add(float64(numBytes))
}

// RecordCheckpointOp counts a checkpoint operation ("save" or "remove") actually performed by this worker.
func RecordCheckpointOp(op string) {
	GetMetrics().CheckpointOps.WithLabelValues(op).Inc()
}
