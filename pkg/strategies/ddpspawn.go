// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategies

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/accelerators"
	"github.com/gomlx/strategies/pkg/checkpointio"
	"github.com/gomlx/strategies/pkg/config"
	"github.com/gomlx/strategies/pkg/core/collectives"
	"github.com/gomlx/strategies/pkg/core/devices"
	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
	"github.com/gomlx/strategies/pkg/environments"
	"github.com/gomlx/strategies/pkg/ml/datasets"
	"github.com/gomlx/strategies/pkg/precision"
)

// Start methods of the spawn strategies.
const (
	// StartThreads runs each worker in its own goroutine, in the same process.
	StartThreads = "threads"

	// StartFork runs each worker in its own OS process.
	StartFork = "fork"
)

// DDPSpawn is the strategy of one worker per device (the "parallel devices"), spawned by a launcher on each of
// NumNodes nodes. Workers are connected by the communicator of their distributed.Worker.
//
// Worker ranks are derived from the process index assigned by the launcher: the global rank is
// nodeRank*NumProcesses + processIndex.
type DDPSpawn struct {
	name            string
	accelerator     accelerators.Accelerator
	parallelDevices []devices.Device
	env             environments.ClusterEnvironment
	numNodes        int
	startMethod     string
	checkpointIO    checkpointio.CheckpointIO
	precision       precision.Plugin
	debug           bool
}

var _ Strategy = (*DDPSpawn)(nil)

// NewDDPSpawn creates a DDPSpawn strategy with one worker per device in parallelDevices. If parallelDevices is
// empty, all the devices of the accelerator are used.
//
// It uses the environments.Local cluster environment, one node, and the StartThreads start method.
func NewDDPSpawn(accelerator accelerators.Accelerator, parallelDevices []devices.Device) (*DDPSpawn, error) {
	if accelerator == nil {
		return nil, errors.New("spawn strategies require an accelerator")
	}
	if len(parallelDevices) == 0 {
		for ii := range accelerator.NumDevices() {
			device, err := accelerator.Device(ii)
			if err != nil {
				return nil, err
			}
			parallelDevices = append(parallelDevices, device)
		}
	}
	if len(parallelDevices) == 0 {
		return nil, errors.Errorf("accelerator %q has no devices", accelerator.Name())
	}
	return &DDPSpawn{
		name:            "ddp_spawn",
		accelerator:     accelerator,
		parallelDevices: parallelDevices,
		env:             environments.Local{},
		numNodes:        1,
		startMethod:     StartThreads,
		checkpointIO:    accelerator.DefaultCheckpointIO(),
		precision:       precision.NewDefault(),
	}, nil
}

// devicesFromOptions returns the first "processes" devices of the accelerator, or all of them if not set.
func devicesFromOptions(accelerator accelerators.Accelerator, opts config.Options) ([]devices.Device, error) {
	numProcesses, err := opts.Int("processes", accelerator.NumDevices())
	if err != nil {
		return nil, err
	}
	if numProcesses < 1 || numProcesses > accelerator.NumDevices() {
		return nil, errors.Errorf("processes=%d is out of range, accelerator %q has %d devices",
			numProcesses, accelerator.Name(), accelerator.NumDevices())
	}
	parallelDevices := make([]devices.Device, numProcesses)
	for ii := range parallelDevices {
		if parallelDevices[ii], err = accelerator.Device(ii); err != nil {
			return nil, err
		}
	}
	return parallelDevices, nil
}

func newDDPSpawnFromConfig(params Params, opts config.Options) (Strategy, error) {
	if err := opts.CheckKnown("processes", "nodes", "start_method"); err != nil {
		return nil, err
	}
	accelerator, err := resolveAccelerator(params, "cpu")
	if err != nil {
		return nil, err
	}
	parallelDevices, err := devicesFromOptions(accelerator, opts)
	if err != nil {
		return nil, err
	}
	numNodes, err := opts.Int("nodes", 1)
	if err != nil {
		return nil, err
	}
	s, err := NewDDPSpawn(accelerator, parallelDevices)
	if err != nil {
		return nil, err
	}
	if err = s.SetNumNodes(numNodes); err != nil {
		return nil, err
	}
	if err = s.SetStartMethod(opts.String("start_method", StartThreads)); err != nil {
		return nil, err
	}
	s.WithPrecision(params.Precision)
	if params.CheckpointIO != nil {
		s.SetCheckpointIO(params.CheckpointIO)
	}
	return s, nil
}

// WithPrecision sets the precision plugin. A nil plugin is ignored. It returns itself.
func (s *DDPSpawn) WithPrecision(p precision.Plugin) *DDPSpawn {
	if p != nil {
		s.precision = p
	}
	return s
}

// SetNumNodes sets the number of nodes of the run.
func (s *DDPSpawn) SetNumNodes(numNodes int) error {
	if numNodes < 1 {
		return errors.Errorf("invalid number of nodes %d", numNodes)
	}
	s.numNodes = numNodes
	return nil
}

// SetStartMethod sets how workers are started: StartThreads or StartFork.
func (s *DDPSpawn) SetStartMethod(method string) error {
	if method != StartThreads && method != StartFork {
		return errors.Errorf("invalid start method %q, valid values are %q and %q", method, StartThreads, StartFork)
	}
	s.startMethod = method
	return nil
}

// Name implements Strategy.
func (s *DDPSpawn) Name() string { return s.name }

// Accelerator implements Strategy.
func (s *DDPSpawn) Accelerator() accelerators.Accelerator { return s.accelerator }

// CheckpointIO implements Strategy.
func (s *DDPSpawn) CheckpointIO() checkpointio.CheckpointIO { return s.checkpointIO }

// SetCheckpointIO implements Strategy.
func (s *DDPSpawn) SetCheckpointIO(io checkpointio.CheckpointIO) { s.checkpointIO = io }

// Precision implements Strategy.
func (s *DDPSpawn) Precision() precision.Plugin { return s.precision }

// ClusterEnvironment where the ranks of the workers are recorded.
func (s *DDPSpawn) ClusterEnvironment() environments.ClusterEnvironment { return s.env }

// ParallelDevices returns the devices of the workers of one node, indexed by local rank.
func (s *DDPSpawn) ParallelDevices() []devices.Device { return s.parallelDevices }

// NumProcesses is the number of workers per node.
func (s *DDPSpawn) NumProcesses() int { return len(s.parallelDevices) }

// NumNodes is the number of nodes.
func (s *DDPSpawn) NumNodes() int { return s.numNodes }

// StartMethod is how workers are started: StartThreads or StartFork.
func (s *DDPSpawn) StartMethod() string { return s.startMethod }

// RootDevice implements Strategy. It returns ErrDeviceBeforeLaunch if the worker was not launched.
func (s *DDPSpawn) RootDevice(w *distributed.Worker) (devices.Device, error) {
	if !w.Launched() {
		return devices.Device{}, errors.Wrapf(ErrDeviceBeforeLaunch, "%s.RootDevice(%s)", s.name, w)
	}
	if w.LocalRank >= len(s.parallelDevices) {
		return devices.Device{}, errors.Errorf("%s: local rank %d has no device, only %d parallel devices",
			w, w.LocalRank, len(s.parallelDevices))
	}
	return s.parallelDevices[w.LocalRank], nil
}

// IsDistributed implements Strategy: the worker was launched in a world with more than one worker.
func (s *DDPSpawn) IsDistributed(w *distributed.Worker) bool {
	return w.Launched() && w.WorldSize > 1
}

// SetWorldRanks assigns the ranks of the worker from the process index and its node rank, recording them in
// the cluster environment as well.
func (s *DDPSpawn) SetWorldRanks(w *distributed.Worker, processIndex int) error {
	numProcesses := s.NumProcesses()
	if processIndex < 0 || processIndex >= numProcesses {
		return errors.Errorf("process index %d out of range, %s has %d processes per node",
			processIndex, s.name, numProcesses)
	}
	nodeRank := s.env.NodeRank(w)
	globalRank := nodeRank*numProcesses + processIndex
	worldSize := s.numNodes * numProcesses
	s.env.SetGlobalRank(w, globalRank)
	s.env.SetWorldSize(w, worldSize)
	if err := w.SetRanks(globalRank, processIndex, nodeRank, worldSize); err != nil {
		return err
	}
	mesh, err := distributed.NewWorldMesh(s.numNodes, numProcesses)
	if err != nil {
		return err
	}
	w.Mesh = mesh
	return nil
}

// WorkerSetup implements Strategy: it marks the worker launched and assigns its ranks (which also sets its
// rank-zero flag).
func (s *DDPSpawn) WorkerSetup(w *distributed.Worker, processIndex int) error {
	w.MarkLaunched()
	if err := s.SetWorldRanks(w, processIndex); err != nil {
		return err
	}
	if s.debug {
		w.Debug = true
	}
	if err := s.precision.Setup(w); err != nil {
		return err
	}
	klog.V(1).Infof("%s: %s worker setup done", w, s.name)
	return nil
}

// SetupModule implements Strategy.
func (s *DDPSpawn) SetupModule(m Module) Module { return m }

// ModuleToDevice implements Strategy.
func (s *DDPSpawn) ModuleToDevice(w *distributed.Worker, m Module) error {
	device, err := s.RootDevice(w)
	if err != nil {
		return err
	}
	return m.To(device)
}

// ProcessDataloader implements Strategy. The dataset is returned as is.
func (s *DDPSpawn) ProcessDataloader(_ *distributed.Worker, ds datasets.Dataset) (datasets.Dataset, error) {
	return ds, nil
}

// communicates returns whether collectives must go through the worker's communicator.
func communicates(w *distributed.Worker) bool {
	return w != nil && w.Comm != nil && w.Comm.Size() > 1
}

// reduce coerces value to a tensor on the worker's device, reduces it with op (sum, max, min or product) and,
// if average is set, divides the result by the world size.
func (s *DDPSpawn) reduce(ctx context.Context, w *distributed.Worker, value any, op distributed.ReduceOp,
	average bool) (*tensors.Tensor, error) {
	device, err := s.RootDevice(w)
	if err != nil {
		return nil, err
	}
	t, err := toTensor(value, device)
	if err != nil {
		return nil, err
	}
	if communicates(w) {
		t, err = collectives.MeshReduce(ctx, w.Comm, "reduce", t, op)
		if err != nil {
			return nil, err
		}
	}
	if average {
		return t.DivScalar(float64(w.WorldSize))
	}
	return t, nil
}

// Reduce implements Strategy. It supports sum (the default), mean (or avg), max, min and product.
// Mean is computed as a sum divided by the world size.
func (s *DDPSpawn) Reduce(ctx context.Context, w *distributed.Worker, value any, op distributed.ReduceOp) (
	*tensors.Tensor, error) {
	if !op.IsKnown() {
		return nil, distributed.UnsupportedReduceOpError(op, distributed.ReduceOpSum, distributed.ReduceOpMean,
			distributed.ReduceOpAvg, distributed.ReduceOpMax, distributed.ReduceOpMin, distributed.ReduceOpProduct)
	}
	if op.IsMean() {
		return s.reduce(ctx, w, value, distributed.ReduceOpSum, true)
	}
	return s.reduce(ctx, w, value, op, false)
}

// Barrier implements Strategy, through the cluster environment.
func (s *DDPSpawn) Barrier(ctx context.Context, w *distributed.Worker, name string) error {
	if !s.IsDistributed(w) {
		return nil
	}
	return s.env.Barrier(ctx, w, name)
}

// Broadcast implements Strategy: ptr is set to the value of worker src, encoded with encoding/gob.
func (s *DDPSpawn) Broadcast(ctx context.Context, w *distributed.Worker, ptr any, src int) error {
	if !s.IsDistributed(w) {
		return nil
	}
	if src < 0 || src >= w.WorldSize {
		return errors.Errorf("%s: broadcast source rank %d out of range for world size %d", w, src, w.WorldSize)
	}
	var payload []byte
	if w.GlobalRank == src {
		var err error
		if payload, err = gobEncodeValue(ptr); err != nil {
			return err
		}
	}
	payloads, err := collectives.AllGatherBytes(ctx, w.Comm, "broadcast", payload)
	if err != nil {
		return err
	}
	if w.GlobalRank == src {
		return nil
	}
	return gobDecodeValue(payloads[src], ptr)
}

// AllGather implements Strategy.
func (s *DDPSpawn) AllGather(ctx context.Context, w *distributed.Worker, t *tensors.Tensor,
	opts ...AllGatherOption) (*tensors.Tensor, error) {
	logIgnoredAllGatherOptions(w, s.name, opts)
	t, err := promoteScalar(t)
	if err != nil {
		return nil, err
	}
	if !communicates(w) {
		return tensors.Stack(t)
	}
	return collectives.AllGather(ctx, w.Comm, "all_gather", t)
}

// SaveCheckpoint implements Strategy. Only the global rank zero writes.
func (s *DDPSpawn) SaveCheckpoint(ctx context.Context, w *distributed.Worker, state map[string]any, path string,
	opts checkpointio.StorageOptions) error {
	if !w.IsRankZero() {
		return nil
	}
	return s.checkpointIO.SaveCheckpoint(ctx, w, state, path, opts)
}

// RemoveCheckpoint implements Strategy. Only the global rank zero removes.
func (s *DDPSpawn) RemoveCheckpoint(w *distributed.Worker, path string) error {
	if !w.IsRankZero() {
		return nil
	}
	return s.checkpointIO.RemoveCheckpoint(path)
}

// DistributedSamplerKwargs implements Strategy.
func (s *DDPSpawn) DistributedSamplerKwargs(w *distributed.Worker) map[string]int {
	if !w.RanksSet() {
		return map[string]int{"num_replicas": 1, "rank": 0}
	}
	return map[string]int{"num_replicas": w.WorldSize, "rank": w.GlobalRank}
}

// Teardown implements Strategy.
func (s *DDPSpawn) Teardown(w *distributed.Worker) error {
	var err error
	if w != nil {
		w.Debug = false
		err = s.precision.Teardown(w)
	}
	if ioErr := s.checkpointIO.Teardown(); err == nil {
		err = ioErr
	}
	klog.V(1).Infof("%s: %s teardown", w, s.name)
	return err
}
