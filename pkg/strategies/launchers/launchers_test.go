// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package launchers

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/strategies/pkg/accelerators"
	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/environments"
	"github.com/gomlx/strategies/pkg/strategies"
)

const numTestWorkers = 3

// failRankEnv makes testWorker fail on the given rank. It is inherited by the forked worker processes.
const failRankEnv = "LAUNCHERS_TEST_FAIL_RANK"

// exitRankEnv makes testWorker exit the process with status 0, without returning, on the given rank.
// Only meaningful in forked worker processes.
const exitRankEnv = "LAUNCHERS_TEST_EXIT_RANK"

var errTestFailure = errors.New("test failure")

func newTestStrategy(t *testing.T, startMethod string) *strategies.TPUSpawn {
	s := must.M1(strategies.NewTPUSpawn(accelerators.NewTPU(numTestWorkers), nil))
	require.NoError(t, s.SetStartMethod(startMethod))
	return s
}

// workerReport is what testWorker returns.
type workerReport struct {
	GlobalRank, LocalRank, WorldSize int
	Device                           string
	Mean                             float64
	NumNodes                         string
}

func testWorker(s strategies.Strategy) WorkerFunc[workerReport] {
	return func(ctx context.Context, w *distributed.Worker) (workerReport, error) {
		if failRank, found := os.LookupEnv(failRankEnv); found && failRank == strconv.Itoa(w.GlobalRank) {
			return workerReport{}, errTestFailure
		}
		if exitRank, found := os.LookupEnv(exitRankEnv); found && exitRank == strconv.Itoa(w.GlobalRank) {
			os.Exit(0)
		}
		device, err := s.RootDevice(w)
		if err != nil {
			return workerReport{}, err
		}
		mean, err := s.Reduce(ctx, w, float64(w.GlobalRank+1), "mean")
		if err != nil {
			return workerReport{}, err
		}
		numNodes, _ := w.LookupEnv(environments.HostWorldSize)
		return workerReport{
			GlobalRank: w.GlobalRank,
			LocalRank:  w.LocalRank,
			WorldSize:  w.WorldSize,
			Device:     device.String(),
			Mean:       mean.Value().(float64),
			NumNodes:   numNodes,
		}, nil
	}
}

func checkReports(t *testing.T, reports []workerReport) {
	require.Len(t, reports, numTestWorkers)
	for rank, r := range reports {
		assert.Equal(t, rank, r.GlobalRank)
		assert.Equal(t, rank, r.LocalRank)
		assert.Equal(t, numTestWorkers, r.WorldSize)
		assert.Equal(t, "xla:"+strconv.Itoa(rank), r.Device)
		assert.Equal(t, 2.0, r.Mean)
		assert.Equal(t, "1", r.NumNodes)
	}
}

func TestStartThreads(t *testing.T) {
	s := newTestStrategy(t, strategies.StartThreads)
	reports, err := Launch(context.Background(), NewXLA(s), testWorker(s))
	require.NoError(t, err)
	checkReports(t, reports)
}

func TestStartThreadsFailure(t *testing.T) {
	s := newTestStrategy(t, strategies.StartThreads)

	// Rank 1 fails while the others wait for it at a barrier.
	_, err := StartThreads(context.Background(), NewXLA(s), func(ctx context.Context, w *distributed.Worker) (
		int, error) {
		if w.GlobalRank == 1 {
			return 0, errTestFailure
		}
		return 0, s.Barrier(ctx, w, "never_reached")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkerFailed))
	assert.True(t, errors.Is(err, errTestFailure))
	var workerErr *WorkerError
	require.True(t, errors.As(err, &workerErr))
	assert.Equal(t, 1, workerErr.Rank)

	// Panics are failures too.
	_, err = StartThreads(context.Background(), NewXLA(s), func(_ context.Context, w *distributed.Worker) (
		int, error) {
		if w.GlobalRank == 2 {
			panic("boom")
		}
		return w.GlobalRank, nil
	})
	require.ErrorContains(t, err, "boom")
	assert.True(t, errors.Is(err, ErrWorkerFailed))
}

func TestTeardownAlwaysRuns(t *testing.T) {
	s := newTestStrategy(t, strategies.StartThreads).WithDebug(true)
	workers := make([]*distributed.Worker, numTestWorkers)
	_, err := StartThreads(context.Background(), NewXLA(s), func(_ context.Context, w *distributed.Worker) (
		bool, error) {
		workers[w.GlobalRank] = w
		assert.True(t, w.Debug, "debug is set during the run")
		return w.Debug, nil
	})
	require.NoError(t, err)
	for _, w := range workers {
		assert.False(t, w.Debug, "debug is cleared on teardown")
	}
}

func TestMultiNodeNotSupported(t *testing.T) {
	s := newTestStrategy(t, strategies.StartThreads)
	require.NoError(t, s.SetNumNodes(2))
	_, err := StartThreads(context.Background(), NewXLA(s), testWorker(s))
	require.ErrorContains(t, err, "single node")
}

// TestForkWorkerProcess is the entry point of the worker processes started by the fork tests.
func TestForkWorkerProcess(t *testing.T) {
	if !IsWorkerProcess() {
		t.Skip("only runs as a worker process of TestStartFork")
	}
	s := newTestStrategy(t, strategies.StartFork)
	if err := RunWorker(context.Background(), s, testWorker(s)); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func forkLauncher(s *strategies.TPUSpawn) *XLA {
	return NewXLA(s).WithCommand(os.Args[0], "-test.run=^TestForkWorkerProcess$")
}

func TestStartFork(t *testing.T) {
	if IsWorkerProcess() {
		t.Skip("worker process")
	}
	if testing.Short() {
		t.Skip("starts worker processes")
	}
	s := newTestStrategy(t, strategies.StartFork)
	reports, err := Launch[workerReport](context.Background(), forkLauncher(s), testWorker(s))
	require.NoError(t, err)
	checkReports(t, reports)

	t.Setenv(failRankEnv, "2")
	_, err = StartFork[workerReport](context.Background(), forkLauncher(s))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkerFailed))
	assert.Contains(t, err.Error(), errTestFailure.Error())

	require.Error(t, RunWorker(context.Background(), s, testWorker(s)), "not a worker process")
}

func TestStartForkExitWithoutResult(t *testing.T) {
	if IsWorkerProcess() {
		t.Skip("worker process")
	}
	if testing.Short() {
		t.Skip("starts worker processes")
	}
	s := newTestStrategy(t, strategies.StartFork)
	t.Setenv(exitRankEnv, "1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err := StartFork[workerReport](ctx, forkLauncher(s))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkerFailed))
	assert.True(t, errors.Is(err, ErrExitedWithoutResult), "got %+v", err)
	assert.NoError(t, ctx.Err(), "the launch must fail on its own, not by the test timeout")
	var workerErr *WorkerError
	require.True(t, errors.As(err, &workerErr))
	assert.Equal(t, 1, workerErr.Rank)
}
