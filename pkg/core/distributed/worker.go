// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"maps"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Worker is the per-worker context passed to every coordination call of a strategy.
//
// It holds the state that is "process-wide" for a worker: its ranks, whether the worker was launched, the
// rank-zero flag used by logging, the debug flag, the environment indicators set by the launcher and the
// Communicator connecting it to the other workers. Workers running as goroutines in the same process each have
// their own Worker, so nothing here is global.
//
// A Worker is used by a single goroutine.
type Worker struct {
	// ProcessIndex is the index assigned by the launcher, from 0 to the number of processes per node - 1.
	ProcessIndex int

	// GlobalRank, LocalRank, NodeRank and WorldSize are set once with SetRanks.
	GlobalRank, LocalRank, NodeRank, WorldSize int

	// Debug enables the runtime debug mode for this worker. Strategies set it during setup and clear it on
	// teardown.
	Debug bool

	// Env holds the indicators set by the launcher (see package environments), the equivalent of environment
	// variables, scoped to this worker.
	Env map[string]string

	// Comm connects this worker to the others. It is nil for a worker that was not spawned by a launcher.
	Comm Communicator

	// Mesh is the world topology of the run, if known.
	Mesh *DeviceMesh

	launched, ranksSet, rankZero bool
}

// ErrRanksAlreadySet is returned if ranks are assigned more than once to a Worker.
var ErrRanksAlreadySet = errors.New("worker ranks can only be set once")

// NewWorker creates the context for the worker with the given process index, connected by comm (which can be nil).
func NewWorker(processIndex int, comm Communicator) *Worker {
	return &Worker{
		ProcessIndex: processIndex,
		WorldSize:    1,
		Env:          make(map[string]string),
		Comm:         comm,
	}
}

// NewLocalWorker returns the context of a standalone (not spawned) worker: rank 0 of a world of size 1.
func NewLocalWorker() *Worker {
	w := NewWorker(0, nil)
	_ = w.SetRanks(0, 0, 0, 1)
	return w
}

// Launched returns whether the worker went through the launcher's worker setup. It is false for a nil Worker.
func (w *Worker) Launched() bool {
	return w != nil && w.launched
}

// MarkLaunched transitions the worker to the launched state. It is a one-way transition.
func (w *Worker) MarkLaunched() {
	w.launched = true
}

// SetRanks assigns the ranks and world size of the worker, and the rank-zero flag.
//
// It can only be called once, it returns ErrRanksAlreadySet otherwise. NewLocalWorker already sets ranks.
func (w *Worker) SetRanks(globalRank, localRank, nodeRank, worldSize int) error {
	if w.ranksSet {
		return errors.Wrapf(ErrRanksAlreadySet, "worker %s", w)
	}
	if worldSize < 1 || globalRank < 0 || globalRank >= worldSize || localRank < 0 || nodeRank < 0 {
		return errors.Errorf("invalid ranks global=%d, local=%d, node=%d for world size %d",
			globalRank, localRank, nodeRank, worldSize)
	}
	w.GlobalRank, w.LocalRank, w.NodeRank, w.WorldSize = globalRank, localRank, nodeRank, worldSize
	w.rankZero = globalRank == 0
	w.ranksSet = true
	klog.V(2).Infof("%s: ranks assigned", w)
	return nil
}

// RanksSet returns whether SetRanks was called.
func (w *Worker) RanksSet() bool {
	return w != nil && w.ranksSet
}

// IsRankZero is the rank-zero flag used by logging and utility code to act only once per run.
func (w *Worker) IsRankZero() bool {
	return w != nil && w.rankZero
}

// IsLocalRankZero returns whether this is the first worker of its node.
func (w *Worker) IsLocalRankZero() bool {
	return w != nil && w.LocalRank == 0
}

// LookupEnv returns the worker's environment indicator for key.
func (w *Worker) LookupEnv(key string) (string, bool) {
	if w == nil {
		return "", false
	}
	v, found := w.Env[key]
	return v, found
}

// Setenv sets the worker's environment indicator key.
func (w *Worker) Setenv(key, value string) {
	if w.Env == nil {
		w.Env = make(map[string]string)
	}
	w.Env[key] = value
}

// Unsetenv removes the worker's environment indicator key.
func (w *Worker) Unsetenv(key string) {
	delete(w.Env, key)
}

// Environ returns a copy of the worker's environment indicators.
func (w *Worker) Environ() map[string]string {
	return maps.Clone(w.Env)
}

// String implements fmt.Stringer.
func (w *Worker) String() string {
	if w == nil {
		return "worker(nil)"
	}
	if !w.ranksSet {
		return fmt.Sprintf("worker(process=%d)", w.ProcessIndex)
	}
	return fmt.Sprintf("worker(rank=%d/%d, local=%d, node=%d)", w.GlobalRank, w.WorldSize, w.LocalRank, w.NodeRank)
}
