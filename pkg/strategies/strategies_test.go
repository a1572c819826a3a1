// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategies

import (
	"context"
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/strategies/pkg/accelerators"
	"github.com/gomlx/strategies/pkg/checkpointio"
	"github.com/gomlx/strategies/pkg/core/devices"
	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
	"github.com/gomlx/strategies/pkg/environments"
	"github.com/gomlx/strategies/pkg/ml/datasets"
	"github.com/gomlx/strategies/pkg/precision"
)

// recordingIO is a CheckpointIO that records the calls it receives.
type recordingIO struct {
	mu        sync.Mutex
	saves     []string
	removes   []string
	teardowns int
}

var _ checkpointio.CheckpointIO = (*recordingIO)(nil)

func (r *recordingIO) SaveCheckpoint(_ context.Context, _ *distributed.Worker, _ map[string]any, path string,
	_ checkpointio.StorageOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, path)
	return nil
}

func (r *recordingIO) LoadCheckpoint(string) (map[string]any, error) { return nil, nil }

func (r *recordingIO) RemoveCheckpoint(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removes = append(r.removes, path)
	return nil
}

func (r *recordingIO) Teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardowns++
	return nil
}

type fakeModule struct{ device devices.Device }

func (m *fakeModule) To(device devices.Device) error {
	m.device = device
	return nil
}

func TestSingleDevice(t *testing.T) {
	ctx := context.Background()
	cpu := accelerators.NewCPU(2)
	s := NewSingleDevice(cpu, must.M1(cpu.Device(1)))
	assert.Equal(t, "single_device", s.Name())
	assert.IsType(t, &checkpointio.File{}, s.CheckpointIO(), "resolved at construction from the accelerator")
	assert.Equal(t, "32", s.Precision().Precision())

	w := distributed.NewWorker(0, nil)
	assert.False(t, s.IsDistributed(w))
	assert.Equal(t, devices.Device{Kind: "cpu", Index: 1}, must.M1(s.RootDevice(w)), "no launch needed")
	require.NoError(t, s.WorkerSetup(w, 0))
	assert.False(t, s.IsDistributed(w))
	assert.True(t, w.IsRankZero())

	m := &fakeModule{}
	assert.Same(t, m, s.SetupModule(m))
	require.NoError(t, s.ModuleToDevice(w, m))
	assert.Equal(t, 1, m.device.Index)

	reduced := must.M1(s.Reduce(ctx, w, 3.5, "mean"))
	assert.Equal(t, 3.5, reduced.Value())
	assert.Equal(t, m.device, reduced.Device())

	value := map[string]int{"epoch": 3}
	assert.Equal(t, value, must.M1(Broadcast(ctx, Strategy(s), w, value, 0)))
	ptr := &fakeModule{}
	assert.Same(t, ptr, must.M1(Broadcast(ctx, Strategy(s), w, ptr, 0)), "identity when not distributed")
	require.NoError(t, s.Barrier(ctx, w, "anything"))

	gathered := must.M1(s.AllGather(ctx, w, tensors.FromScalar(int32(7)), WithSyncGrads(true)))
	assert.Equal(t, [][]int32{{7}}, gathered.Value())

	io := &recordingIO{}
	s.SetCheckpointIO(io)
	require.NoError(t, s.SaveCheckpoint(ctx, w, map[string]any{}, "a.ckpt", nil))
	require.NoError(t, s.RemoveCheckpoint(w, "a.ckpt"))
	other := distributed.NewWorker(1, nil)
	require.NoError(t, other.SetRanks(1, 0, 1, 2))
	require.NoError(t, s.SaveCheckpoint(ctx, other, map[string]any{}, "b.ckpt", nil))
	require.NoError(t, s.RemoveCheckpoint(other, "b.ckpt"))
	assert.Equal(t, []string{"a.ckpt"}, io.saves, "only rank zero saves")
	assert.Equal(t, []string{"a.ckpt"}, io.removes, "only rank zero removes")

	assert.Equal(t, map[string]int{"num_replicas": 1, "rank": 0}, s.DistributedSamplerKwargs(w))
	require.NoError(t, s.Teardown(w))
	assert.Equal(t, 1, io.teardowns)
}

func TestSingleTPU(t *testing.T) {
	tpu := accelerators.NewTPU(8)
	s := must.M1(NewSingleTPU(tpu, 5))
	s.WithDebug(true).WithPrecision(precision.NewTPUBf16())
	assert.Equal(t, "single_tpu", s.Name())
	assert.IsType(t, &checkpointio.XLA{}, s.CheckpointIO())
	assert.Equal(t, devices.Device{Kind: accelerators.XLADeviceKind, Index: 5}, must.M1(s.RootDevice(nil)))

	w := distributed.NewLocalWorker()
	assert.False(t, s.IsDistributed(w))
	require.NoError(t, s.WorkerSetup(w, 0))
	assert.True(t, w.Debug)
	_, found := w.LookupEnv(precision.UseBF16Indicator)
	assert.True(t, found, "precision plugin set up")
	assert.False(t, s.IsDistributed(w))

	require.NoError(t, s.Teardown(w))
	assert.False(t, w.Debug)
	_, found = w.LookupEnv(precision.UseBF16Indicator)
	assert.False(t, found)

	_, err := NewSingleTPU(tpu, 8)
	require.ErrorContains(t, err, "out of range")
}

func TestTPUSpawnBeforeLaunch(t *testing.T) {
	s := must.M1(NewTPUSpawn(accelerators.NewTPU(4), nil))
	assert.Equal(t, 4, s.NumProcesses())
	assert.Equal(t, StartFork, s.StartMethod())
	assert.IsType(t, &checkpointio.XLA{}, s.CheckpointIO())
	assert.Equal(t, "tpu", s.Precision().Name())

	w := distributed.NewWorker(2, nil)
	_, err := s.RootDevice(w)
	assert.True(t, errors.Is(err, ErrDeviceBeforeLaunch))
	require.ErrorContains(t, err, "accessing the XLA device before processes have spawned is not allowed")
	_, err = s.RootDevice(nil)
	assert.True(t, errors.Is(err, ErrDeviceBeforeLaunch))
	require.Error(t, s.ModuleToDevice(w, &fakeModule{}))
	_, err = s.Reduce(context.Background(), w, 1.0, "sum")
	assert.True(t, errors.Is(err, ErrDeviceBeforeLaunch))
	assert.False(t, s.IsDistributed(w))

	// Teardown always runs.
	w.Debug = true
	require.NoError(t, s.Teardown(w))
	assert.False(t, w.Debug)
	require.NoError(t, s.Teardown(nil))
}

func TestTPUSpawnWorkerSetup(t *testing.T) {
	const numProcesses, numNodes = 4, 2
	s := must.M1(NewTPUSpawn(accelerators.NewTPU(numProcesses), nil)).WithDebug(true)
	require.NoError(t, s.SetNumNodes(numNodes))
	for nodeRank := range numNodes {
		for processIndex := range numProcesses {
			w := distributed.NewWorker(processIndex, nil)
			w.Setenv(environments.HostWorldSize, "2")
			w.Setenv(environments.HostOrdinal, []string{"0", "1"}[nodeRank])
			require.NoError(t, s.WorkerSetup(w, processIndex))

			assert.True(t, w.Launched())
			assert.True(t, w.Debug)
			assert.Equal(t, nodeRank*numProcesses+processIndex, w.GlobalRank)
			assert.Equal(t, processIndex, w.LocalRank)
			assert.Equal(t, nodeRank, w.NodeRank)
			assert.Equal(t, numNodes*numProcesses, w.WorldSize)
			assert.Equal(t, w.GlobalRank == 0, w.IsRankZero())
			env := environments.XLA{}
			assert.Equal(t, w.GlobalRank, env.GlobalRank(w))
			assert.Equal(t, w.WorldSize, env.WorldSize(w))
			assert.Equal(t, []int{numNodes, numProcesses}, w.Mesh.AxesSizes())

			device := must.M1(s.RootDevice(w))
			assert.True(t, device.Ok())
			assert.Equal(t, processIndex, device.Index)
			assert.True(t, s.IsDistributed(w))
			assert.Equal(t, map[string]int{"num_replicas": 8, "rank": w.GlobalRank}, s.DistributedSamplerKwargs(w))

			err := s.WorkerSetup(w, processIndex)
			assert.True(t, errors.Is(err, distributed.ErrRanksAlreadySet), "ranks are set once")
		}
	}

	// Launched without the launcher indicator: not distributed.
	w := distributed.NewWorker(0, nil)
	require.NoError(t, s.WorkerSetup(w, 0))
	assert.False(t, s.IsDistributed(w))

	// Launched by the XLA launcher in a world of 1: not distributed.
	single := must.M1(NewTPUSpawn(accelerators.NewTPU(1), nil))
	w = distributed.NewWorker(0, nil)
	w.Setenv(environments.HostWorldSize, "1")
	require.NoError(t, single.WorkerSetup(w, 0))
	assert.False(t, single.IsDistributed(w))
	ptr := &fakeModule{}
	assert.Same(t, ptr, must.M1(Broadcast(context.Background(), Strategy(single), w, ptr, 0)))

	require.Error(t, s.WorkerSetup(distributed.NewWorker(9, nil), 9), "process index out of range")
}

// streamDataset has no length.
type streamDataset struct{}

func (streamDataset) Name() string { return "stream" }
func (streamDataset) Reset()       {}
func (streamDataset) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	return nil, nil, nil, nil
}

func TestTPUSpawnDataloader(t *testing.T) {
	s := must.M1(NewTPUSpawn(accelerators.NewTPU(2), nil))
	w := distributed.NewWorker(1, nil)
	require.NoError(t, s.WorkerSetup(w, 1))

	source := datasets.FromBatches("train", datasets.Batch{
		Inputs: []*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)},
	})
	ds := must.M1(s.ProcessDataloader(w, source))
	loader, ok := ds.(*datasets.DeviceLoader)
	require.True(t, ok)
	assert.Same(t, source, loader.Dataset())
	assert.Equal(t, 1, loader.Len())
	_, inputs, _, err := loader.Yield()
	require.NoError(t, err)
	assert.Equal(t, devices.Device{Kind: accelerators.XLADeviceKind, Index: 1}, inputs[0].Device())
	require.NoError(t, loader.Close())

	_, err = s.ProcessDataloader(w, streamDataset{})
	assert.True(t, errors.Is(err, datasets.ErrDatasetWithoutLength))

	err = ValidateDataloaders(map[string]any{
		"train": source,
		"val":   []datasets.Dataset{source, streamDataset{}},
	})
	assert.True(t, errors.Is(err, datasets.ErrDatasetWithoutLength))
	require.NoError(t, ValidateDataloaders(map[string][]datasets.Dataset{"train": {source}}))
}

func TestReduceOpValidation(t *testing.T) {
	s := must.M1(NewTPUSpawn(accelerators.NewTPU(1), nil))
	w := distributed.NewWorker(0, nil)
	require.NoError(t, s.WorkerSetup(w, 0))
	for _, op := range []distributed.ReduceOp{"max", "MIN", "product", "median", " sum "} {
		_, err := s.Reduce(context.Background(), w, 1.0, op)
		require.Error(t, err, "op %q", op)
		assert.True(t, errors.Is(err, distributed.ErrUnsupportedReduceOp))
		assert.Contains(t, err.Error(), string(op))
	}
	for _, op := range []distributed.ReduceOp{"", "sum", "SUM", "mean", "Avg", "AVG"} {
		result, err := s.Reduce(context.Background(), w, 2, op)
		require.NoError(t, err, "op %q", op)
		values := must.M1(result.ToFloat64s())
		assert.Equal(t, []float64{2}, values, "op %q", op)
	}

	ddp := must.M1(NewDDPSpawn(accelerators.NewCPU(1), nil))
	w = distributed.NewWorker(0, nil)
	require.NoError(t, ddp.WorkerSetup(w, 0))
	_, err := ddp.Reduce(context.Background(), w, 1.0, "max")
	require.NoError(t, err)
	_, err = ddp.Reduce(context.Background(), w, 1.0, "median")
	assert.True(t, errors.Is(err, distributed.ErrUnsupportedReduceOp))
}

func TestRegistry(t *testing.T) {
	names := make([]string, 0, 4)
	for _, r := range List() {
		names = append(names, r.Name)
		assert.NotEmpty(t, r.Description)
	}
	assert.Equal(t, []string{"ddp_spawn", "single_device", "single_tpu", "tpu_spawn"}, names)

	s := must.M1(NewWithConfig("tpu_spawn:processes=2,debug,start_method=threads", Params{}))
	spawn, ok := s.(*TPUSpawn)
	require.True(t, ok)
	assert.Equal(t, 2, spawn.NumProcesses())
	assert.Equal(t, StartThreads, spawn.StartMethod())
	assert.True(t, spawn.debug)

	io := &recordingIO{}
	s = must.M1(NewWithConfig("single_tpu:device=3", Params{CheckpointIO: io, Precision: precision.NewDouble()}))
	assert.Same(t, io, s.CheckpointIO())
	assert.Equal(t, "64", s.Precision().Precision())
	assert.Equal(t, 3, must.M1(s.RootDevice(nil)).Index)

	s = must.M1(NewWithConfig("ddp_spawn", Params{Accelerator: accelerators.NewCPU(3)}))
	assert.Equal(t, 3, s.(*DDPSpawn).NumProcesses())

	t.Setenv(GOMLX_STRATEGY, "single_device:device=0")
	s = must.M1(New(Params{}))
	assert.Equal(t, "single_device", s.Name())

	_, err := NewWithConfig("horovod", Params{})
	require.ErrorContains(t, err, "can't find strategy")
	_, err = NewWithConfig("tpu_spawn:processes=100", Params{})
	require.ErrorContains(t, err, "out of range")
	_, err = NewWithConfig("single_device:colour=blue", Params{})
	require.ErrorContains(t, err, "unknown option")
	require.Panics(t, func() { MustNewWithConfig("horovod", Params{}) })
}
