// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package launchers

import (
	"context"
	"sync"

	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/distributed/inproc"
)

// StartThreads runs fn on one goroutine per worker, connected by an in-process hub, and returns the results in
// rank order. If any worker fails, the others are cancelled and the first failure is returned as a *WorkerError.
func StartThreads[T any](ctx context.Context, l *XLA, fn WorkerFunc[T]) ([]T, error) {
	if err := checkSingleNode(l.strategy); err != nil {
		return nil, err
	}
	numProcesses := l.strategy.NumProcesses()
	hub := inproc.NewHub(numProcesses)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	failed := &failures{cancel: func(err error) {
		cancel(err)
		hub.Abort(err)
	}}
	klog.V(1).Infof("launcher: starting %d workers of strategy %q as goroutines", numProcesses, l.strategy.Name())

	results := make([]T, numProcesses)
	var wg sync.WaitGroup
	for processIndex := range numProcesses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			member := hub.Member(processIndex)
			defer func() { _ = member.Close() }()
			w := distributed.NewWorker(processIndex, member)
			result, err := runWorker(ctx, l.strategy, w, processIndex, fn)
			if err != nil {
				failed.record(processIndex, err)
				return
			}
			results[processIndex] = result
		}()
	}
	wg.Wait()
	if err := failed.err(); err != nil {
		return nil, err
	}
	return results, nil
}
