// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
	"github.com/gomlx/strategies/pkg/ml/datasets"
	"github.com/gomlx/strategies/pkg/precision"
	"github.com/gomlx/strategies/pkg/strategies"
	"github.com/gomlx/strategies/pkg/strategies/launchers"
	"github.com/gomlx/strategies/ui/commandline"
)

// jobOptions are the parameters of the toy job. They must be the same on every worker.
type jobOptions struct {
	NumBatches, BatchSize int

	// CheckpointDir, with the "~" already expanded.
	CheckpointDir  string
	KeepCheckpoint bool

	// Progress displays a progress bar on the global rank zero.
	Progress bool
}

// WorkerReport is what each worker of the toy job returns.
type WorkerReport struct {
	GlobalRank, LocalRank, WorldSize int
	Device, Precision                string
	Examples                         int
	LocalSum                         float64
	GlobalSum, GlobalMean            float64
	ExamplesPerWorker                []float64
	RunID, Checkpoint                string
	CheckpointBytes                  int64
	Elapsed                          time.Duration
}

// exampleValue of the example i of a worker. Over all workers, the values are 0, 1, ..., N-1, so the global sum is
// N*(N-1)/2 for N examples.
func exampleValue(globalRank, i int, opts jobOptions) float32 {
	return float32(globalRank*opts.NumBatches*opts.BatchSize + i)
}

// workerDataset returns the synthetic dataset of a worker.
func workerDataset(w *distributed.Worker, opts jobOptions) datasets.Dataset {
	batches := make([]datasets.Batch, opts.NumBatches)
	for b := range batches {
		values := make([]float32, opts.BatchSize)
		for i := range values {
			values[i] = exampleValue(w.GlobalRank, b*opts.BatchSize+i, opts)
		}
		batches[b].Inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(values, opts.BatchSize)}
	}
	return datasets.FromBatches(fmt.Sprintf("synthetic[rank=%d]", w.GlobalRank), batches...)
}

// newJob returns the toy job run by each worker: it sums its examples, reduces the sums and means across the
// workers, all-gathers the number of examples, and saves (and by default removes) a checkpoint with the results.
// The checkpoint is named after a run id broadcast by the global rank zero.
func newJob(s strategies.Strategy, opts jobOptions) launchers.WorkerFunc[WorkerReport] {
	return func(ctx context.Context, w *distributed.Worker) (report WorkerReport, err error) {
		start := time.Now()
		device, err := s.RootDevice(w)
		if err != nil {
			return
		}
		report = WorkerReport{
			GlobalRank: w.GlobalRank,
			LocalRank:  w.LocalRank,
			WorldSize:  w.WorldSize,
			Device:     device.String(),
			Precision:  s.Precision().Name(),
		}

		// All run ids have the same length, as required by the all-gather based broadcasts.
		report.RunID, err = strategies.Broadcast(ctx, s, w, uuid.NewString(), 0)
		if err != nil {
			return
		}

		loader, err := s.ProcessDataloader(w, workerDataset(w, opts))
		if err != nil {
			return
		}
		var pBar *commandline.ProgressBar
		if opts.Progress && w.IsRankZero() {
			pBar = commandline.NewProgressBar(os.Stdout, opts.NumBatches, "batches")
		}
		report.LocalSum, report.Examples, err = sumExamples(loader, s.Precision(), pBar)
		if closer, ok := loader.(io.Closer); ok {
			if closeErr := closer.Close(); err == nil {
				err = closeErr
			}
		}
		if err != nil {
			return
		}

		sum, err := s.Reduce(ctx, w, report.LocalSum, "sum")
		if err != nil {
			return
		}
		localMean := report.LocalSum / float64(max(report.Examples, 1))
		mean, err := s.Reduce(ctx, w, localMean, "mean")
		if err != nil {
			return
		}
		examples, err := s.AllGather(ctx, w, tensors.FromScalar(float64(report.Examples)))
		if err != nil {
			return
		}
		if report.ExamplesPerWorker, err = examples.ToFloat64s(); err != nil {
			return
		}
		if report.GlobalSum, err = scalarValue(sum); err != nil {
			return
		}
		if report.GlobalMean, err = scalarValue(mean); err != nil {
			return
		}

		report.Checkpoint = filepath.Join(opts.CheckpointDir, "run-"+report.RunID+".ckpt")
		state := map[string]any{
			"run_id":     report.RunID,
			"world_size": w.WorldSize,
			"results": map[string]any{
				"global_sum":          sum,
				"global_mean":         mean,
				"examples_per_worker": examples,
			},
		}
		if err = s.SaveCheckpoint(ctx, w, state, report.Checkpoint, nil); err != nil {
			return
		}
		if err = s.Barrier(ctx, w, "checkpoint_saved"); err != nil {
			return
		}
		if w.IsRankZero() {
			info, statErr := os.Stat(report.Checkpoint)
			if statErr != nil {
				err = errors.Wrapf(statErr, "%s: checkpoint not found after saving", w)
				return
			}
			report.CheckpointBytes = info.Size()
		}
		if !opts.KeepCheckpoint {
			if err = s.RemoveCheckpoint(w, report.Checkpoint); err != nil {
				return
			}
			if err = s.Barrier(ctx, w, "checkpoint_removed"); err != nil {
				return
			}
			report.Checkpoint = ""
		}
		report.Elapsed = time.Since(start)
		klog.V(1).Infof("%s: job done in %s", w, report.Elapsed)
		return
	}
}

// sumExamples sums the examples of one epoch of ds, converted by the precision plugin.
func sumExamples(ds datasets.Dataset, p precision.Plugin, pBar *commandline.ProgressBar) (sum float64,
	count int, err error) {
	if pBar != nil {
		defer pBar.Done()
	}
	for step := 1; ; step++ {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			return sum, count, nil
		}
		if err != nil {
			return 0, 0, err
		}
		batch, err := p.ConvertInput(inputs[0])
		if err != nil {
			return 0, 0, err
		}
		values, err := batch.ToFloat64s()
		if err != nil {
			return 0, 0, err
		}
		for _, v := range values {
			sum += v
		}
		count += len(values)
		if pBar != nil {
			pBar.Update(step, commandline.Metric{Name: "Local sum", Value: fmt.Sprintf("%g", sum)})
		}
	}
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	values, err := t.ToFloat64s()
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, errors.Errorf("expected a scalar, got shape %s", t.Shape())
	}
	return values[0], nil
}
