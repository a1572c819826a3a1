// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategies

import (
	"context"

	"github.com/pkg/errors"

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

// TPUSpawn is the DDPSpawn strategy over TPU cores, one worker per core, started with StartFork by default.
//
// It follows the restrictions of the XLA runtime:
//
//   - The device can only be accessed after the worker was launched (ErrDeviceBeforeLaunch otherwise).
//   - Reduce only supports sums and averages: averages are computed as a sum divided by the world size, which
//     is the mean only if every worker contributes values of the same weight.
//   - Broadcast is implemented with an all-gather: every worker must call it with an equivalent value, whose
//     encoding has the same size.
//   - Checkpoints are saved with checkpointio.XLA by default, so SaveCheckpoint must be called by every worker.
//   - Datasets must report their length.
type TPUSpawn struct {
	*DDPSpawn
}

var _ Strategy = (*TPUSpawn)(nil)

// NewTPUSpawn creates a TPUSpawn strategy with one worker per device in parallelDevices (all the accelerator
// devices if empty). It uses the environments.XLA cluster environment, checkpointio.XLA and precision.TPU.
func NewTPUSpawn(accelerator accelerators.Accelerator, parallelDevices []devices.Device) (*TPUSpawn, error) {
	base, err := NewDDPSpawn(accelerator, parallelDevices)
	if err != nil {
		return nil, err
	}
	base.name = "tpu_spawn"
	base.env = environments.XLA{}
	base.startMethod = StartFork
	base.checkpointIO = checkpointio.NewXLA()
	base.precision = precision.NewTPU()
	return &TPUSpawn{base}, nil
}

func newTPUSpawnFromConfig(params Params, opts config.Options) (Strategy, error) {
	if err := opts.CheckKnown("processes", "nodes", "start_method", "debug"); err != nil {
		return nil, err
	}
	accelerator, err := resolveAccelerator(params, "tpu")
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
	debug, err := opts.Bool("debug", false)
	if err != nil {
		return nil, err
	}
	s, err := NewTPUSpawn(accelerator, parallelDevices)
	if err != nil {
		return nil, err
	}
	if err = s.SetNumNodes(numNodes); err != nil {
		return nil, err
	}
	if err = s.SetStartMethod(opts.String("start_method", StartFork)); err != nil {
		return nil, err
	}
	s.WithPrecision(params.Precision).WithDebug(debug)
	if params.CheckpointIO != nil {
		s.SetCheckpointIO(params.CheckpointIO)
	}
	return s, nil
}

// WithDebug enables the debug mode of the workers: WorkerSetup sets distributed.Worker.Debug and Teardown clears
// it. It returns itself.
func (s *TPUSpawn) WithDebug(debug bool) *TPUSpawn {
	s.debug = debug
	return s
}

// WithPrecision sets the precision plugin. A nil plugin is ignored. It returns itself.
func (s *TPUSpawn) WithPrecision(p precision.Plugin) *TPUSpawn {
	s.DDPSpawn.WithPrecision(p)
	return s
}

// IsDistributed implements Strategy: the worker was spawned by the XLA launcher (it has the
// environments.HostWorldSize indicator) and the world has more than one worker.
func (s *TPUSpawn) IsDistributed(w *distributed.Worker) bool {
	return s.env.Detect(w) && w.WorldSize != 1
}

// ProcessDataloader implements Strategy: ds must report its length (see datasets.ValidateDataloaders), and it
// is wrapped in a datasets.DeviceLoader placing the batches on the worker's device.
func (s *TPUSpawn) ProcessDataloader(w *distributed.Worker, ds datasets.Dataset) (datasets.Dataset, error) {
	if err := ValidateDataloaders(ds); err != nil {
		return nil, err
	}
	device, err := s.RootDevice(w)
	if err != nil {
		return nil, err
	}
	return datasets.NewDeviceLoader(ds, device, 1)
}

// ValidateDataloaders checks that every dataset in v, possibly nested in slices, arrays and maps, reports its
// length. It returns an error wrapping datasets.ErrDatasetWithoutLength otherwise.
func ValidateDataloaders(v any) error {
	return errors.WithMessage(datasets.ValidateDataloaders(v),
		"TPU workers don't support datasets without length, implement datasets.HasLen (it can be an estimate)")
}

// Reduce implements Strategy. Only sum (the default) and mean (or its alias avg) are supported, in any case.
func (s *TPUSpawn) Reduce(ctx context.Context, w *distributed.Worker, value any, op distributed.ReduceOp) (
	*tensors.Tensor, error) {
	switch {
	case op.IsSum():
		return s.reduce(ctx, w, value, distributed.ReduceOpSum, false)
	case op.IsMean():
		return s.reduce(ctx, w, value, distributed.ReduceOpSum, true)
	}
	return nil, distributed.UnsupportedReduceOpError(op, distributed.ReduceOpSum, distributed.ReduceOpMean,
		distributed.ReduceOpAvg)
}

// Broadcast implements Strategy. Every worker encodes its own value, the encodings are all-gathered as Uint8
// tensors on the device, and the one of src is decoded. So every worker must pass an equivalent value.
func (s *TPUSpawn) Broadcast(ctx context.Context, w *distributed.Worker, ptr any, src int) error {
	if !s.IsDistributed(w) {
		return nil
	}
	if src < 0 || src >= w.WorldSize {
		return errors.Errorf("%s: broadcast source rank %d out of range for world size %d", w, src, w.WorldSize)
	}
	device, err := s.RootDevice(w)
	if err != nil {
		return err
	}
	payload, err := gobEncodeValue(ptr)
	if err != nil {
		return err
	}
	data := tensors.FromFlatDataAndDimensions(payload, len(payload)).To(device)
	gathered, err := collectives.AllGather(ctx, w.Comm, "broadcast", data)
	if err != nil {
		return errors.WithMessage(err, "broadcast requires every worker to pass an equivalent value")
	}
	all, err := gathered.Bytes()
	if err != nil {
		return err
	}
	return gobDecodeValue(all[src*len(payload):(src+1)*len(payload)], ptr)
}

// SaveCheckpoint implements Strategy. It delegates to the CheckpointIO on every worker: checkpointio.XLA writes
// only on local rank zero, and synchronizes the workers.
func (s *TPUSpawn) SaveCheckpoint(ctx context.Context, w *distributed.Worker, state map[string]any, path string,
	opts checkpointio.StorageOptions) error {
	return s.checkpointIO.SaveCheckpoint(ctx, w, state, path, opts)
}

// RemoveCheckpoint implements Strategy. Only the local rank zero removes, so the checkpoint is removed once per
// node.
func (s *TPUSpawn) RemoveCheckpoint(w *distributed.Worker, path string) error {
	if !w.IsLocalRankZero() {
		return nil
	}
	return s.checkpointIO.RemoveCheckpoint(path)
}

// Barrier implements Strategy: it is a rendezvous of all workers, if distributed.
func (s *TPUSpawn) Barrier(ctx context.Context, w *distributed.Worker, name string) error {
	if !s.IsDistributed(w) {
		return nil
	}
	return s.env.Barrier(ctx, w, name)
}
