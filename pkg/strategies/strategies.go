// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package strategies implements the execution strategies: they decide how the training code runs on the
// accelerator devices, and mediate device placement, collective operations and checkpoint persistence for each
// worker.
//
// The strategies are:
//
//   - SingleDevice ("single_device") and SingleTPU ("single_tpu"): one worker bound to one device.
//   - DDPSpawn ("ddp_spawn"): one worker per device, spawned by a launcher, connected by a communicator.
//   - TPUSpawn ("tpu_spawn"): DDPSpawn over accelerator cores, with the restrictions of the XLA runtime.
//
// A Strategy is built once per run and can be shared by all the workers of a process: everything that is
// specific to a worker (ranks, whether it was launched, debug flag) is kept in the *distributed.Worker given to
// every call.
package strategies

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/accelerators"
	"github.com/gomlx/strategies/pkg/checkpointio"
	"github.com/gomlx/strategies/pkg/core/devices"
	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
	"github.com/gomlx/strategies/pkg/ml/datasets"
	"github.com/gomlx/strategies/pkg/precision"
)

// Module is the model being trained, as seen by the strategies.
type Module interface {
	// To places the module's parameters on the device.
	To(device devices.Device) error
}

// Strategy mediates device placement, collectives and checkpointing for the workers of a training run.
type Strategy interface {
	// Name of the strategy, as registered.
	Name() string

	// Accelerator the strategy runs on.
	Accelerator() accelerators.Accelerator

	// CheckpointIO used to persist checkpoints.
	CheckpointIO() checkpointio.CheckpointIO

	// SetCheckpointIO overrides the CheckpointIO. It must be called before the workers are launched.
	SetCheckpointIO(io checkpointio.CheckpointIO)

	// Precision plugin used.
	Precision() precision.Plugin

	// RootDevice returns the device of the worker.
	RootDevice(w *distributed.Worker) (devices.Device, error)

	// IsDistributed returns whether the worker coordinates with other workers.
	IsDistributed(w *distributed.Worker) bool

	// WorkerSetup is called once in each worker, with the index assigned by the launcher, before anything else.
	WorkerSetup(w *distributed.Worker, processIndex int) error

	// SetupModule prepares the module for training. The strategies here return it as is.
	SetupModule(m Module) Module

	// ModuleToDevice places the module on the worker's device.
	ModuleToDevice(w *distributed.Worker, m Module) error

	// ProcessDataloader prepares the dataset for the worker (e.g. wraps it in a datasets.DeviceLoader).
	ProcessDataloader(w *distributed.Worker, ds datasets.Dataset) (datasets.Dataset, error)

	// Reduce value across all workers. value can be a *tensors.Tensor or anything tensors.FromAnyValue accepts.
	Reduce(ctx context.Context, w *distributed.Worker, value any, op distributed.ReduceOp) (*tensors.Tensor, error)

	// Barrier blocks until every worker reached it.
	Barrier(ctx context.Context, w *distributed.Worker, name string) error

	// Broadcast sets the value pointed by ptr to the one of worker src. See the package function Broadcast.
	Broadcast(ctx context.Context, w *distributed.Worker, ptr any, src int) error

	// AllGather gathers t from every worker: the result has shape (worldSize, ...t.Shape()). Scalars are
	// gathered as tensors of shape (1).
	AllGather(ctx context.Context, w *distributed.Worker, t *tensors.Tensor, opts ...AllGatherOption) (
		*tensors.Tensor, error)

	// SaveCheckpoint persists state to path.
	SaveCheckpoint(ctx context.Context, w *distributed.Worker, state map[string]any, path string,
		opts checkpointio.StorageOptions) error

	// RemoveCheckpoint removes the checkpoint at path.
	RemoveCheckpoint(w *distributed.Worker, path string) error

	// DistributedSamplerKwargs returns the parameters for sharding a dataset among the workers:
	// "num_replicas" and "rank".
	DistributedSamplerKwargs(w *distributed.Worker) map[string]int

	// Teardown undoes what the strategy set on the worker. It is safe to call even if the worker was never
	// launched.
	Teardown(w *distributed.Worker) error
}

// ErrDeviceBeforeLaunch is returned when the device of a spawn based strategy is accessed before the worker was
// launched.
var ErrDeviceBeforeLaunch = errors.New(
	"accessing the XLA device before processes have spawned is not allowed")

// AllGatherOption configures AllGather.
type AllGatherOption func(*allGatherConfig)

type allGatherConfig struct {
	group     any
	syncGrads bool
}

// WithGroup selects the process group to gather from. Only the whole world is supported: it is ignored.
func WithGroup(group any) AllGatherOption {
	return func(c *allGatherConfig) { c.group = group }
}

// WithSyncGrads asks for the gradients to flow through the gather. It is not supported: it is ignored.
func WithSyncGrads(syncGrads bool) AllGatherOption {
	return func(c *allGatherConfig) { c.syncGrads = syncGrads }
}

// logIgnoredAllGatherOptions logs the options AllGather doesn't support.
func logIgnoredAllGatherOptions(w *distributed.Worker, strategyName string, opts []AllGatherOption) {
	var cfg allGatherConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.group != nil {
		klog.V(1).Infof("%s: %s.AllGather() ignores the process group option", w, strategyName)
	}
	if cfg.syncGrads {
		klog.V(1).Infof("%s: %s.AllGather() ignores the sync gradients option", w, strategyName)
	}
}

// Broadcast returns the value of worker src to every worker, using s.Broadcast. When the worker is not
// distributed it returns value itself.
func Broadcast[T any](ctx context.Context, s Strategy, w *distributed.Worker, value T, src int) (T, error) {
	result := value
	if err := s.Broadcast(ctx, w, &result, src); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// toTensor coerces value to a tensor placed on device.
func toTensor(value any, device devices.Device) (*tensors.Tensor, error) {
	t, isTensor := value.(*tensors.Tensor)
	if isTensor {
		if t == nil {
			return nil, errors.New("cannot reduce a nil tensor")
		}
		return t, nil
	}
	t, err := tensors.FromAnyValue(value)
	if err != nil {
		return nil, errors.WithMessage(err, "reduce")
	}
	return t.To(device), nil
}

// promoteScalar reshapes a scalar to a tensor of shape (1).
func promoteScalar(t *tensors.Tensor) (*tensors.Tensor, error) {
	if t.Rank() > 0 {
		return t, nil
	}
	return t.Reshape(1)
}

// gobEncodeValue encodes the value pointed by ptr.
func gobEncodeValue(ptr any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ptr); err != nil {
		return nil, errors.Wrapf(err, "failed to encode value of type %T for broadcast", ptr)
	}
	return buf.Bytes(), nil
}

// gobDecodeValue decodes data into ptr.
func gobDecodeValue(data []byte, ptr any) error {
	return errors.Wrapf(gob.NewDecoder(bytes.NewReader(data)).Decode(ptr),
		"failed to decode broadcast value into %T", ptr)
}
