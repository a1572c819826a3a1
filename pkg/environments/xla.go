// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package environments

import (
	"context"

	"github.com/gomlx/strategies/pkg/core/distributed"
)

// Indicators set by the launcher (and by rank assignment) in the worker context of XLA workers.
const (
	// HostWorldSize is the number of nodes. Its presence means the worker was spawned by the XLA launcher.
	HostWorldSize = "XRT_HOST_WORLD_SIZE"

	// HostOrdinal is the node rank.
	HostOrdinal = "XRT_HOST_ORDINAL"

	// LocalWorldSize is the number of processes per node.
	LocalWorldSize = "XRT_LOCAL_WORLD_SIZE"

	// ShardWorldSize is the total number of workers.
	ShardWorldSize = "XRT_SHARD_WORLD_SIZE"

	// ShardOrdinal is the global rank.
	ShardOrdinal = "XRT_SHARD_ORDINAL"

	// ShardLocalOrdinal is the local rank.
	ShardLocalOrdinal = "XRT_SHARD_LOCAL_ORDINAL"
)

// XLA is the cluster environment of workers spawned over accelerator cores. Values missing from the worker's
// indicators default to the ones of a single worker.
type XLA struct{}

var _ ClusterEnvironment = XLA{}

// Name implements ClusterEnvironment.
func (XLA) Name() string { return "xla" }

// Detect implements ClusterEnvironment: it checks for the HostWorldSize indicator.
func (XLA) Detect(w *distributed.Worker) bool {
	_, found := w.LookupEnv(HostWorldSize)
	return found
}

// WorldSize implements ClusterEnvironment.
func (XLA) WorldSize(w *distributed.Worker) int { return intIndicator(w, ShardWorldSize, 1) }

// SetWorldSize implements ClusterEnvironment.
func (XLA) SetWorldSize(w *distributed.Worker, size int) { setIntIndicator(w, ShardWorldSize, size) }

// GlobalRank implements ClusterEnvironment.
func (XLA) GlobalRank(w *distributed.Worker) int { return intIndicator(w, ShardOrdinal, 0) }

// SetGlobalRank implements ClusterEnvironment.
func (XLA) SetGlobalRank(w *distributed.Worker, rank int) { setIntIndicator(w, ShardOrdinal, rank) }

// LocalRank implements ClusterEnvironment.
func (XLA) LocalRank(w *distributed.Worker) int { return intIndicator(w, ShardLocalOrdinal, 0) }

// NodeRank implements ClusterEnvironment.
func (XLA) NodeRank(w *distributed.Worker) int { return intIndicator(w, HostOrdinal, 0) }

// NumNodes returns the number of nodes, from the HostWorldSize indicator.
func (XLA) NumNodes(w *distributed.Worker) int { return intIndicator(w, HostWorldSize, 1) }

// Barrier implements ClusterEnvironment.
func (XLA) Barrier(ctx context.Context, w *distributed.Worker, name string) error {
	return barrier(ctx, w, name)
}
