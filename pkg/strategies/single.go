// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategies

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/accelerators"
	"github.com/gomlx/strategies/pkg/checkpointio"
	"github.com/gomlx/strategies/pkg/config"
	"github.com/gomlx/strategies/pkg/core/devices"
	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
	"github.com/gomlx/strategies/pkg/ml/datasets"
	"github.com/gomlx/strategies/pkg/precision"
)

// SingleDevice is the strategy of a single worker bound to one device. It never coordinates with other workers:
// collectives are identities and checkpoints are written by the (only) rank zero.
type SingleDevice struct {
	name         string
	accelerator  accelerators.Accelerator
	device       devices.Device
	checkpointIO checkpointio.CheckpointIO
	precision    precision.Plugin
	debug        bool
}

var _ Strategy = (*SingleDevice)(nil)

// NewSingleDevice creates a SingleDevice strategy running on device. The CheckpointIO defaults to the one of the
// accelerator, and the precision to precision.Default.
func NewSingleDevice(accelerator accelerators.Accelerator, device devices.Device) *SingleDevice {
	s := &SingleDevice{
		name:        "single_device",
		accelerator: accelerator,
		device:      device,
		precision:   precision.NewDefault(),
	}
	if accelerator != nil {
		s.checkpointIO = accelerator.DefaultCheckpointIO()
	} else {
		s.checkpointIO = checkpointio.NewFile()
	}
	return s
}

func newSingleDeviceFromConfig(params Params, opts config.Options) (Strategy, error) {
	if err := opts.CheckKnown("device"); err != nil {
		return nil, err
	}
	accelerator, err := resolveAccelerator(params, "cpu")
	if err != nil {
		return nil, err
	}
	index, err := opts.Int("device", 0)
	if err != nil {
		return nil, err
	}
	device, err := accelerator.Device(index)
	if err != nil {
		return nil, err
	}
	s := NewSingleDevice(accelerator, device).WithPrecision(params.Precision)
	if params.CheckpointIO != nil {
		s.SetCheckpointIO(params.CheckpointIO)
	}
	return s, nil
}

// WithPrecision sets the precision plugin. A nil plugin is ignored. It returns itself.
func (s *SingleDevice) WithPrecision(p precision.Plugin) *SingleDevice {
	if p != nil {
		s.precision = p
	}
	return s
}

// Name implements Strategy.
func (s *SingleDevice) Name() string { return s.name }

// Accelerator implements Strategy.
func (s *SingleDevice) Accelerator() accelerators.Accelerator { return s.accelerator }

// CheckpointIO implements Strategy.
func (s *SingleDevice) CheckpointIO() checkpointio.CheckpointIO { return s.checkpointIO }

// SetCheckpointIO implements Strategy.
func (s *SingleDevice) SetCheckpointIO(io checkpointio.CheckpointIO) { s.checkpointIO = io }

// Precision implements Strategy.
func (s *SingleDevice) Precision() precision.Plugin { return s.precision }

// RootDevice implements Strategy. It is always available.
func (s *SingleDevice) RootDevice(*distributed.Worker) (devices.Device, error) { return s.device, nil }

// IsDistributed implements Strategy. It is always false.
func (s *SingleDevice) IsDistributed(*distributed.Worker) bool { return false }

// WorkerSetup implements Strategy. The worker is assigned rank 0 of a world of size 1, unless its ranks were
// already set.
func (s *SingleDevice) WorkerSetup(w *distributed.Worker, _ int) error {
	w.MarkLaunched()
	if !w.RanksSet() {
		if err := w.SetRanks(0, 0, 0, 1); err != nil {
			return err
		}
	}
	if s.debug {
		w.Debug = true
	}
	return s.precision.Setup(w)
}

// SetupModule implements Strategy.
func (s *SingleDevice) SetupModule(m Module) Module { return m }

// ModuleToDevice implements Strategy.
func (s *SingleDevice) ModuleToDevice(_ *distributed.Worker, m Module) error {
	return m.To(s.device)
}

// ProcessDataloader implements Strategy. The dataset is returned as is.
func (s *SingleDevice) ProcessDataloader(_ *distributed.Worker, ds datasets.Dataset) (datasets.Dataset, error) {
	return ds, nil
}

// Reduce implements Strategy. There is nothing to reduce with: the value is returned as a tensor.
func (s *SingleDevice) Reduce(_ context.Context, _ *distributed.Worker, value any, _ distributed.ReduceOp) (
	*tensors.Tensor, error) {
	return toTensor(value, s.device)
}

// Barrier implements Strategy. It is a no-op.
func (s *SingleDevice) Barrier(context.Context, *distributed.Worker, string) error { return nil }

// Broadcast implements Strategy. It leaves the value unchanged.
func (s *SingleDevice) Broadcast(context.Context, *distributed.Worker, any, int) error { return nil }

// AllGather implements Strategy. The result is t stacked in a leading axis of dimension 1.
func (s *SingleDevice) AllGather(_ context.Context, w *distributed.Worker, t *tensors.Tensor,
	opts ...AllGatherOption) (*tensors.Tensor, error) {
	logIgnoredAllGatherOptions(w, s.name, opts)
	t, err := promoteScalar(t)
	if err != nil {
		return nil, err
	}
	return tensors.Stack(t)
}

// SaveCheckpoint implements Strategy. Only the global rank zero writes.
func (s *SingleDevice) SaveCheckpoint(ctx context.Context, w *distributed.Worker, state map[string]any,
	path string, opts checkpointio.StorageOptions) error {
	if w != nil && !w.IsRankZero() {
		return nil
	}
	return s.checkpointIO.SaveCheckpoint(ctx, w, state, path, opts)
}

// RemoveCheckpoint implements Strategy. Only the global rank zero removes.
func (s *SingleDevice) RemoveCheckpoint(w *distributed.Worker, path string) error {
	if w != nil && !w.IsRankZero() {
		return nil
	}
	return s.checkpointIO.RemoveCheckpoint(path)
}

// DistributedSamplerKwargs implements Strategy.
func (s *SingleDevice) DistributedSamplerKwargs(*distributed.Worker) map[string]int {
	return map[string]int{"num_replicas": 1, "rank": 0}
}

// Teardown implements Strategy.
func (s *SingleDevice) Teardown(w *distributed.Worker) error {
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

// SingleTPU is the SingleDevice strategy on one TPU core, selected by index. Checkpoints are saved with
// checkpointio.XLA.
type SingleTPU struct {
	*SingleDevice
}

var _ Strategy = (*SingleTPU)(nil)

// NewSingleTPU creates a SingleTPU strategy on the TPU core deviceIndex of accelerator.
// Its precision defaults to precision.TPU.
func NewSingleTPU(accelerator accelerators.Accelerator, deviceIndex int) (*SingleTPU, error) {
	if accelerator == nil {
		return nil, errors.New("single_tpu strategy requires an accelerator")
	}
	device, err := accelerator.Device(deviceIndex)
	if err != nil {
		return nil, err
	}
	s := &SingleTPU{NewSingleDevice(accelerator, device)}
	s.name = "single_tpu"
	s.checkpointIO = checkpointio.NewXLA()
	s.precision = precision.NewTPU()
	return s, nil
}

func newSingleTPUFromConfig(params Params, opts config.Options) (Strategy, error) {
	if err := opts.CheckKnown("device", "debug"); err != nil {
		return nil, err
	}
	accelerator, err := resolveAccelerator(params, "tpu")
	if err != nil {
		return nil, err
	}
	index, err := opts.Int("device", 0)
	if err != nil {
		return nil, err
	}
	debug, err := opts.Bool("debug", false)
	if err != nil {
		return nil, err
	}
	s, err := NewSingleTPU(accelerator, index)
	if err != nil {
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
func (s *SingleTPU) WithDebug(debug bool) *SingleTPU {
	s.debug = debug
	return s
}

// WithPrecision sets the precision plugin. A nil plugin is ignored. It returns itself.
func (s *SingleTPU) WithPrecision(p precision.Plugin) *SingleTPU {
	s.SingleDevice.WithPrecision(p)
	return s
}
