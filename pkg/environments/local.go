// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package environments

import (
	"context"

	"github.com/gomlx/strategies/pkg/core/distributed"
)

// Indicators of workers spawned on the host by the "ddp_spawn" strategy.
const (
	LocalWorldSizeEnv  = "GOMLX_WORLD_SIZE"
	LocalGlobalRankEnv = "GOMLX_GLOBAL_RANK"
	LocalRankEnv       = "GOMLX_LOCAL_RANK"
	LocalNodeRankEnv   = "GOMLX_NODE_RANK"
)

// Local is the cluster environment of workers spawned on a single host.
type Local struct{}

var _ ClusterEnvironment = Local{}

// Name implements ClusterEnvironment.
func (Local) Name() string { return "local" }

// Detect implements ClusterEnvironment. A worker always runs on some host, so it is always true.
func (Local) Detect(*distributed.Worker) bool { return true }

// WorldSize implements ClusterEnvironment.
func (Local) WorldSize(w *distributed.Worker) int { return intIndicator(w, LocalWorldSizeEnv, 1) }

// SetWorldSize implements ClusterEnvironment.
func (Local) SetWorldSize(w *distributed.Worker, size int) { setIntIndicator(w, LocalWorldSizeEnv, size) }

// GlobalRank implements ClusterEnvironment.
func (Local) GlobalRank(w *distributed.Worker) int { return intIndicator(w, LocalGlobalRankEnv, 0) }

// SetGlobalRank implements ClusterEnvironment.
func (Local) SetGlobalRank(w *distributed.Worker, rank int) { setIntIndicator(w, LocalGlobalRankEnv, rank) }

// LocalRank implements ClusterEnvironment.
func (Local) LocalRank(w *distributed.Worker) int { return intIndicator(w, LocalRankEnv, 0) }

// NodeRank implements ClusterEnvironment.
func (Local) NodeRank(w *distributed.Worker) int { return intIndicator(w, LocalNodeRankEnv, 0) }

// Barrier implements ClusterEnvironment.
func (Local) Barrier(ctx context.Context, w *distributed.Worker, name string) error {
	return barrier(ctx, w, name)
}
