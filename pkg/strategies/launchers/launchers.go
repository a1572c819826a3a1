// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package launchers spawns the workers of the spawn strategies and collects their results.
//
// The XLA launcher starts one worker per process of the strategy, in one of two ways:
//
//   - StartThreads: each worker is a goroutine, connected to the others by an in-process hub.
//   - StartFork: each worker is an OS process, running the same binary again. The launcher embeds a NATS server
//     that connects the workers and collects their results. The binary must call RunWorker early in main when
//     IsWorkerProcess returns true.
//
// In both cases each worker gets the launcher indicators in its distributed.Worker context, runs the strategy's
// WorkerSetup, the user function and the strategy's Teardown. A failure of any worker (error or panic) fails
// the whole launch with an error wrapping ErrWorkerFailed, and the other workers are cancelled.
package launchers

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/environments"
	"github.com/gomlx/strategies/pkg/strategies"
)

// Spawnable is a strategy that can be launched: see strategies.DDPSpawn and strategies.TPUSpawn.
type Spawnable interface {
	Name() string
	NumProcesses() int
	NumNodes() int
	StartMethod() string
	WorkerSetup(w *distributed.Worker, processIndex int) error
	Teardown(w *distributed.Worker) error
}

var (
	_ Spawnable = (*strategies.DDPSpawn)(nil)
	_ Spawnable = (*strategies.TPUSpawn)(nil)
)

// WorkerFunc is the user function run by each worker. Its results are returned by the launcher in rank order.
// With StartFork, T must be encodable with encoding/gob.
type WorkerFunc[T any] func(ctx context.Context, w *distributed.Worker) (T, error)

// ErrWorkerFailed is wrapped by the error returned when any worker of a launch fails.
var ErrWorkerFailed = errors.New("worker failed")

// WorkerError is the failure of one worker. It matches both ErrWorkerFailed and the worker's error with
// errors.Is.
type WorkerError struct {
	Rank int
	Err  error
}

// Error implements error.
func (e *WorkerError) Error() string {
	return fmt.Sprintf("%s: rank %d: %v", ErrWorkerFailed, e.Rank, e.Err)
}

// Unwrap returns ErrWorkerFailed and the worker's error.
func (e *WorkerError) Unwrap() []error {
	return []error{ErrWorkerFailed, e.Err}
}

// XLA launches the workers of a Spawnable strategy on one node.
type XLA struct {
	strategy Spawnable
	command  []string
}

// NewXLA creates the launcher for strategy.
func NewXLA(strategy Spawnable) *XLA {
	return &XLA{strategy: strategy}
}

// WithCommand sets the command used by StartFork to start a worker process. By default it is the current
// executable with the same arguments. It returns itself.
func (l *XLA) WithCommand(executable string, args ...string) *XLA {
	l.command = append([]string{executable}, args...)
	return l
}

// Strategy being launched.
func (l *XLA) Strategy() Spawnable { return l.strategy }

// Launch runs fn on every worker with the start method of the strategy, and returns the results in rank order.
func Launch[T any](ctx context.Context, l *XLA, fn WorkerFunc[T]) ([]T, error) {
	switch method := l.strategy.StartMethod(); method {
	case strategies.StartThreads:
		return StartThreads(ctx, l, fn)
	case strategies.StartFork:
		return StartFork[T](ctx, l)
	default:
		return nil, errors.Errorf("launcher: unknown start method %q of strategy %q", method, l.strategy.Name())
	}
}

// checkSingleNode returns an error if the strategy spans more than one node: the launcher only spawns the
// workers of the local node.
func checkSingleNode(strategy Spawnable) error {
	if strategy.NumNodes() != 1 {
		return errors.Errorf("launcher: strategy %q has %d nodes, only single node launches are supported",
			strategy.Name(), strategy.NumNodes())
	}
	if strategy.NumProcesses() < 1 {
		return errors.Errorf("launcher: strategy %q has no processes", strategy.Name())
	}
	return nil
}

// setIndicators sets the launcher indicators in the worker's context.
func setIndicators(w *distributed.Worker, numNodes, nodeRank, numProcesses int) {
	w.Setenv(environments.HostWorldSize, strconv.Itoa(numNodes))
	w.Setenv(environments.HostOrdinal, strconv.Itoa(nodeRank))
	w.Setenv(environments.LocalWorldSize, strconv.Itoa(numProcesses))
}

// runWorker sets up the worker, runs fn and tears the worker down. Panics are converted to errors.
func runWorker[T any](ctx context.Context, strategy Spawnable, w *distributed.Worker, processIndex int,
	fn WorkerFunc[T]) (result T, err error) {
	setIndicators(w, strategy.NumNodes(), 0, strategy.NumProcesses())
	exception := exceptions.Try(func() {
		defer func() {
			if teardownErr := strategy.Teardown(w); err == nil && teardownErr != nil {
				err = errors.WithMessagef(teardownErr, "%s: teardown", w)
			}
		}()
		if err = strategy.WorkerSetup(w, processIndex); err != nil {
			err = errors.WithMessagef(err, "worker setup of process %d", processIndex)
			return
		}
		result, err = fn(ctx, w)
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			err = errors.Wrapf(e, "%s panicked", w)
		} else {
			err = errors.Errorf("%s panicked: %v", w, exception)
		}
	}
	if err != nil {
		klog.Errorf("%s failed: %+v", w, err)
	} else {
		klog.V(1).Infof("%s finished", w)
	}
	return
}

// failures records the first failure of a launch, and cancels the others.
type failures struct {
	mu     sync.Mutex
	first  *WorkerError
	cancel func(err error)
}

func (f *failures) record(rank int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.first != nil {
		return
	}
	f.first = &WorkerError{Rank: rank, Err: err}
	f.cancel(f.first)
}

// err returns the first failure, or nil.
func (f *failures) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.first == nil {
		return nil
	}
	return f.first
}
