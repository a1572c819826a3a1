// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package launchers

import (
	"bytes"
	"context"
	"encoding/gob"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/distributed/natscomm"
	"github.com/gomlx/strategies/pkg/support/sets"
)

// Environment variables passed by StartFork to the worker processes.
const (
	SpawnNATSURLEnv      = "GOMLX_SPAWN_NATS_URL"
	SpawnRunIDEnv        = "GOMLX_SPAWN_RUN_ID"
	SpawnProcessIndexEnv = "GOMLX_SPAWN_PROCESS_INDEX"
	SpawnNumProcessesEnv = "GOMLX_SPAWN_NUM_PROCESSES"
)

// ExitGracePeriod is how long StartFork waits for the reported result of a worker process that exited, before
// failing the launch: with the exit status, or as a worker that exited without reporting its result.
var ExitGracePeriod = time.Second

// ErrExitedWithoutResult is the failure of a worker process that exited successfully without reporting its
// result, e.g. because the worker function called os.Exit.
var ErrExitedWithoutResult = errors.New("exited without reporting a result")

// IsWorkerProcess returns whether the current process is a worker started by StartFork.
func IsWorkerProcess() bool {
	_, found := os.LookupEnv(SpawnRunIDEnv)
	return found
}

// StartFork runs each worker as a separate OS process (see XLA.WithCommand) and returns the results in rank
// order, decoded with encoding/gob. The worker processes must call RunWorker.
//
// If any worker fails (including exiting before reporting its result), the other processes are killed and the
// first failure is returned as a *WorkerError.
func StartFork[T any](ctx context.Context, l *XLA) ([]T, error) {
	if err := checkSingleNode(l.strategy); err != nil {
		return nil, err
	}
	if IsWorkerProcess() {
		return nil, errors.New("launcher: StartFork called from a worker process, call RunWorker instead")
	}
	command := l.command
	if len(command) == 0 {
		executable, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "launcher: failed to find the current executable")
		}
		command = append([]string{executable}, os.Args[1:]...)
	}
	numProcesses := l.strategy.NumProcesses()

	srv, err := natscomm.StartServer()
	if err != nil {
		return nil, err
	}
	defer srv.Shutdown()
	nc, err := nats.Connect(srv.ClientURL(), nats.Name("gomlx-launcher"))
	if err != nil {
		return nil, errors.Wrapf(err, "launcher: failed to connect to embedded NATS server")
	}
	defer nc.Close()
	run, err := natscomm.NewRun(nc, numProcesses)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := run.Close(); err != nil {
			klog.Warningf("launcher: %+v", err)
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	failed := &failures{cancel: cancel}
	var reportedMu sync.Mutex
	reported := sets.Make[int](numProcesses)
	hasReported := func(rank int) bool {
		reportedMu.Lock()
		defer reportedMu.Unlock()
		return reported.Has(rank)
	}
	klog.V(1).Infof("launcher: starting %d worker processes of strategy %q for %s", numProcesses,
		l.strategy.Name(), run)

	var wg sync.WaitGroup
	for processIndex := range numProcesses {
		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Env = append(os.Environ(),
			SpawnNATSURLEnv+"="+srv.ClientURL(),
			SpawnRunIDEnv+"="+run.ID(),
			SpawnProcessIndexEnv+"="+strconv.Itoa(processIndex),
			SpawnNumProcessesEnv+"="+strconv.Itoa(numProcesses),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			failed.record(processIndex, errors.Wrapf(err, "failed to start worker process %q", command[0]))
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cmd.Wait()
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				// A clean exit must have been preceded by the worker's result.
				time.AfterFunc(ExitGracePeriod, func() {
					if !hasReported(processIndex) {
						failed.record(processIndex, errors.Wrapf(ErrExitedWithoutResult, "worker process %d",
							processIndex))
					}
				})
				return
			}
			// A worker that failed normally reports its error before exiting: it takes precedence.
			exitErr := errors.Wrapf(err, "worker process %d exited", processIndex)
			time.AfterFunc(ExitGracePeriod, func() { failed.record(processIndex, exitErr) })
		}()
	}

	var results []natscomm.Result
	if failed.err() == nil {
		results, err = run.WaitResults(ctx, func(r natscomm.Result) {
			reportedMu.Lock()
			reported.Insert(r.Rank)
			reportedMu.Unlock()
			if r.Err != "" {
				failed.record(r.Rank, errors.New(r.Err))
			}
		})
	}
	if err != nil || failed.err() != nil {
		cancel(nil)
	}
	wg.Wait()
	if failedErr := failed.err(); failedErr != nil {
		return nil, failedErr
	}
	if err != nil {
		return nil, err
	}

	values := make([]T, numProcesses)
	for rank, result := range results {
		if err := gob.NewDecoder(bytes.NewReader(result.Payload)).Decode(&values[rank]); err != nil {
			return nil, errors.Wrapf(err, "launcher: failed to decode result of rank %d", rank)
		}
	}
	return values, nil
}

// RunWorker is the entry point of a worker process started by StartFork: it connects to the launcher, runs fn
// as the worker given by the environment, and reports the result (encoded with encoding/gob) or the error to
// the launcher.
//
// strategy must be configured as the one of the launcher. The returned error is the worker's failure: the
// caller should exit with a non-zero code.
func RunWorker[T any](ctx context.Context, strategy Spawnable, fn WorkerFunc[T]) error {
	if !IsWorkerProcess() {
		return errors.New("launcher: RunWorker called outside of a worker process")
	}
	processIndex, err := intFromEnv(SpawnProcessIndexEnv)
	if err != nil {
		return err
	}
	numProcesses, err := intFromEnv(SpawnNumProcessesEnv)
	if err != nil {
		return err
	}
	if numProcesses != strategy.NumProcesses() {
		return errors.Errorf("launcher started %d workers, but strategy %q is configured with %d processes",
			numProcesses, strategy.Name(), strategy.NumProcesses())
	}
	comm, err := natscomm.Connect(os.Getenv(SpawnNATSURLEnv), os.Getenv(SpawnRunIDEnv), processIndex, numProcesses)
	if err != nil {
		return err
	}
	defer func() { _ = comm.Close() }()

	w := distributed.NewWorker(processIndex, comm)
	result, workerErr := runWorker(ctx, strategy, w, processIndex, fn)
	var payload []byte
	if workerErr == nil {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&result); err != nil {
			workerErr = errors.Wrapf(err, "%s: failed to encode result of type %T", w, result)
		}
		payload = buf.Bytes()
	}
	if err := comm.PublishResult(ctx, payload, workerErr); err != nil {
		if workerErr == nil {
			return err
		}
		klog.Errorf("%+v", err)
	}
	return workerErr
}

func intFromEnv(key string) (int, error) {
	value, found := os.LookupEnv(key)
	if !found {
		return 0, errors.Errorf("launcher: environment variable %s not set", key)
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Errorf("launcher: environment variable %s=%q is not an integer", key, value)
	}
	return i, nil
}
