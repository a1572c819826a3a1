// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package environments implements the cluster environments: where the world size and the ranks of a worker
// come from, and the named barrier used to synchronize workers.
//
// Environments read the indicators the launcher sets in the worker's context (distributed.Worker.Env), never the
// process environment: several workers can share a process.
package environments

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/gomlx/strategies/pkg/core/collectives"
	"github.com/gomlx/strategies/pkg/core/distributed"
)

// ClusterEnvironment provides the world size and ranks of a worker, and a named barrier.
type ClusterEnvironment interface {
	// Name of the environment.
	Name() string

	// Detect returns whether the worker runs under this environment.
	Detect(w *distributed.Worker) bool

	WorldSize(w *distributed.Worker) int
	SetWorldSize(w *distributed.Worker, size int)
	GlobalRank(w *distributed.Worker) int
	SetGlobalRank(w *distributed.Worker, rank int)
	LocalRank(w *distributed.Worker) int
	NodeRank(w *distributed.Worker) int

	// Barrier blocks until every worker reached the barrier with the same name.
	Barrier(ctx context.Context, w *distributed.Worker, name string) error
}

// intIndicator reads the integer indicator key of the worker, or returns defaultValue if missing or invalid.
func intIndicator(w *distributed.Worker, key string, defaultValue int) int {
	value, found := w.LookupEnv(key)
	if !found {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return i
}

func setIntIndicator(w *distributed.Worker, key string, value int) {
	w.Setenv(key, strconv.Itoa(value))
}

func barrier(ctx context.Context, w *distributed.Worker, name string) error {
	if w == nil || w.Comm == nil || w.Comm.Size() == 1 {
		return nil
	}
	return errors.WithMessagef(collectives.Rendezvous(ctx, w.Comm, name), "barrier %q", name)
}
