// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategies_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/strategies/pkg/accelerators"
	"github.com/gomlx/strategies/pkg/checkpointio"
	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
	"github.com/gomlx/strategies/pkg/ml/datasets"
	"github.com/gomlx/strategies/pkg/strategies"
	"github.com/gomlx/strategies/pkg/strategies/launchers"
)

const worldSize = 4

func newTPUSpawn(t *testing.T) *strategies.TPUSpawn {
	s := must.M1(strategies.NewTPUSpawn(accelerators.NewTPU(worldSize), nil))
	require.NoError(t, s.SetStartMethod(strategies.StartThreads))
	return s
}

// launch runs fn on every worker of s, in goroutines, and returns the results indexed by rank.
func launch[T any](t *testing.T, s launchers.Spawnable, fn launchers.WorkerFunc[T]) []T {
	results, err := launchers.StartThreads(context.Background(), launchers.NewXLA(s), fn)
	require.NoError(t, err)
	require.Len(t, results, worldSize)
	return results
}

func TestSpawnReduce(t *testing.T) {
	s := newTPUSpawn(t)
	type sums struct{ Sum, Mean, Avg, Vector []float64 }
	results := launch(t, s, func(ctx context.Context, w *distributed.Worker) (sums, error) {
		if !s.IsDistributed(w) {
			return sums{}, errors.New("worker should be distributed")
		}
		var r sums
		value := float64(w.GlobalRank + 1)
		for _, target := range []struct {
			op  distributed.ReduceOp
			ptr *[]float64
		}{{"sum", &r.Sum}, {"MEAN", &r.Mean}, {"AVG", &r.Avg}} {
			reduced, err := s.Reduce(ctx, w, value, target.op)
			if err != nil {
				return r, err
			}
			if *target.ptr, err = reduced.ToFloat64s(); err != nil {
				return r, err
			}
		}
		device := must.M1(s.RootDevice(w))
		vector := tensors.FromFlatDataAndDimensions([]float32{float32(value), 10 * float32(value)}, 2).To(device)
		reduced, err := s.Reduce(ctx, w, vector, "")
		if err != nil {
			return r, err
		}
		if reduced.Device() != device {
			return r, errors.Errorf("reduced tensor on %s, wanted %s", reduced.Device(), device)
		}
		r.Vector, err = reduced.ToFloat64s()
		if err != nil {
			return r, err
		}

		_, err = s.Reduce(ctx, w, value, "max")
		if !errors.Is(err, distributed.ErrUnsupportedReduceOp) {
			return r, errors.Errorf("max should be rejected, got %v", err)
		}
		return r, nil
	})
	for _, r := range results {
		assert.Equal(t, []float64{10}, r.Sum)
		assert.Equal(t, []float64{2.5}, r.Mean)
		assert.Equal(t, []float64{2.5}, r.Avg)
		assert.Equal(t, []float64{10, 100}, r.Vector)
	}
}

func TestSpawnReduceLargeInt64(t *testing.T) {
	s := newTPUSpawn(t)
	const big = int64(1<<53 + 1)
	results := launch(t, s, func(ctx context.Context, w *distributed.Worker) (any, error) {
		value := int64(w.GlobalRank)
		if w.GlobalRank == 0 {
			value = big
		}
		reduced, err := s.Reduce(ctx, w, value, "sum")
		if err != nil {
			return nil, err
		}
		return reduced.Value(), nil
	})
	for _, sum := range results {
		assert.Equal(t, big+1+2+3, sum)
	}
}

// TestSpawnMeanOfUnequalContributions shows that a mean reduce is the average of the values of each worker, not
// weighted by how many samples each worker saw.
func TestSpawnMeanOfUnequalContributions(t *testing.T) {
	s := newTPUSpawn(t)
	results := launch(t, s, func(ctx context.Context, w *distributed.Worker) (float64, error) {
		// Worker r saw r+1 samples, all with loss r.
		numSamples := w.GlobalRank + 1
		var total float64
		for range numSamples {
			total += float64(w.GlobalRank)
		}
		localMean := total / float64(numSamples)
		reduced, err := s.Reduce(ctx, w, localMean, "mean")
		if err != nil {
			return 0, err
		}
		return reduced.Value().(float64), nil
	})
	const meanOfMeans = (0.0 + 1 + 2 + 3) / worldSize
	const weightedMean = (0.0*1 + 1*2 + 2*3 + 3*4) / 10
	for _, mean := range results {
		assert.Equal(t, meanOfMeans, mean)
		assert.NotEqual(t, weightedMean, mean)
	}
}

func TestSpawnBroadcast(t *testing.T) {
	type hparams struct {
		Epoch int
		Tags  map[string]string
	}
	s := newTPUSpawn(t)
	results := launch(t, s, func(ctx context.Context, w *distributed.Worker) (hparams, error) {
		// Every worker passes an equivalent value.
		return strategies.Broadcast(ctx, strategies.Strategy(s), w, hparams{Epoch: 3, Tags: map[string]string{"a": "b"}}, 1)
	})
	for _, r := range results {
		assert.Equal(t, hparams{Epoch: 3, Tags: map[string]string{"a": "b"}}, r)
	}

	ddp := must.M1(strategies.NewDDPSpawn(accelerators.NewCPU(worldSize), nil))
	names := launch(t, ddp, func(ctx context.Context, w *distributed.Worker) (string, error) {
		name := fmt.Sprintf("run-of-rank-%d", w.GlobalRank)
		if w.GlobalRank == 2 {
			name = "a longer name chosen by rank 2"
		}
		return strategies.Broadcast(ctx, strategies.Strategy(ddp), w, name, 2)
	})
	for _, name := range names {
		assert.Equal(t, "a longer name chosen by rank 2", name)
	}
}

func TestSpawnAllGatherAndBarrier(t *testing.T) {
	s := newTPUSpawn(t)
	type gathered struct{ Scalars, Ranks [][]float64 }
	results := launch(t, s, func(ctx context.Context, w *distributed.Worker) (gathered, error) {
		var r gathered
		if err := s.Barrier(ctx, w, "before_gather"); err != nil {
			return r, err
		}
		scalars, err := s.AllGather(ctx, w, tensors.FromScalar(7.0), strategies.WithSyncGrads(true))
		if err != nil {
			return r, err
		}
		r.Scalars = scalars.Value().([][]float64)
		ranks, err := s.AllGather(ctx, w, tensors.FromScalar(float64(w.GlobalRank)))
		if err != nil {
			return r, err
		}
		r.Ranks = ranks.Value().([][]float64)
		return r, s.Barrier(ctx, w, "after_gather")
	})
	for _, r := range results {
		assert.Equal(t, [][]float64{{7}, {7}, {7}, {7}}, r.Scalars)
		assert.Equal(t, [][]float64{{0}, {1}, {2}, {3}}, r.Ranks)
	}
}

// countingIO counts the checkpoint removals.
type countingIO struct {
	removes atomic.Int32
}

var _ checkpointio.CheckpointIO = (*countingIO)(nil)

func (c *countingIO) SaveCheckpoint(context.Context, *distributed.Worker, map[string]any, string,
	checkpointio.StorageOptions) error {
	return nil
}

func (c *countingIO) LoadCheckpoint(string) (map[string]any, error) { return nil, nil }

func (c *countingIO) RemoveCheckpoint(string) error {
	c.removes.Add(1)
	return nil
}

func (c *countingIO) Teardown() error { return nil }

func TestSpawnCheckpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epoch=0.ckpt")
	s := newTPUSpawn(t)
	launch(t, s, func(ctx context.Context, w *distributed.Worker) (bool, error) {
		state := map[string]any{"epoch": 0, "rank": w.GlobalRank}
		if err := s.SaveCheckpoint(ctx, w, state, path, nil); err != nil {
			return false, err
		}
		// checkpointio.XLA returns once the file is written.
		_, err := os.Stat(path)
		return true, err
	})
	loaded := must.M1(s.CheckpointIO().LoadCheckpoint(path))
	assert.Equal(t, 0, loaded["rank"], "written by local rank zero")

	counter := &countingIO{}
	s.SetCheckpointIO(counter)
	launch(t, s, func(_ context.Context, w *distributed.Worker) (bool, error) {
		return true, s.RemoveCheckpoint(w, path)
	})
	assert.Equal(t, int32(1), counter.removes.Load(), "removed once per node")
}

func TestSpawnDataloader(t *testing.T) {
	s := newTPUSpawn(t)
	devicesUsed := launch(t, s, func(_ context.Context, w *distributed.Worker) (string, error) {
		source := datasets.FromBatches("train",
			datasets.Batch{Inputs: []*tensors.Tensor{tensors.FromScalar(float32(1))}},
			datasets.Batch{Inputs: []*tensors.Tensor{tensors.FromScalar(float32(2))}})
		ds, err := s.ProcessDataloader(w, source)
		if err != nil {
			return "", err
		}
		if n := ds.(datasets.HasLen).Len(); n != 2 {
			return "", errors.Errorf("loader has length %d, wanted 2", n)
		}
		_, inputs, _, err := ds.Yield()
		if err != nil {
			return "", err
		}
		if err = ds.(io.Closer).Close(); err != nil {
			return "", err
		}
		kwargs := s.DistributedSamplerKwargs(w)
		if kwargs["num_replicas"] != worldSize || kwargs["rank"] != w.GlobalRank {
			return "", errors.Errorf("unexpected sampler arguments %v", kwargs)
		}
		return inputs[0].Device().String(), nil
	})
	for rank, device := range devicesUsed {
		assert.Equal(t, fmt.Sprintf("xla:%d", rank), device)
	}
}
