// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/strategies/pkg/accelerators"
	"github.com/gomlx/strategies/pkg/config"
	"github.com/gomlx/strategies/pkg/precision"
	"github.com/gomlx/strategies/pkg/strategies"
	"github.com/gomlx/strategies/pkg/strategies/launchers"
)

func TestStrategyConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy = "tpu_spawn:start_method=fork"
	cfg.Processes = 4
	cfg.Debug = true
	assert.Equal(t, "tpu_spawn:debug=true,nodes=1,processes=4,start_method=fork", must.M1(strategyConfig(cfg)))

	cfg.Strategy = "single_tpu:device=2"
	assert.Equal(t, "single_tpu:debug=true,device=2", must.M1(strategyConfig(cfg)))

	cfg.Strategy = "single_device"
	assert.Equal(t, "single_device", must.M1(strategyConfig(cfg)))

	cfg.Strategy = "ddp_spawn:=3"
	_, err := strategyConfig(cfg)
	require.Error(t, err)
}

// checkReports verifies the results of the job for numWorkers workers.
func checkReports(t *testing.T, reports []WorkerReport, numWorkers int, opts jobOptions) {
	require.Len(t, reports, numWorkers)
	n := float64(numWorkers * opts.NumBatches * opts.BatchSize)
	perWorker := float64(opts.NumBatches * opts.BatchSize)
	for rank, r := range reports {
		assert.Equal(t, rank, r.GlobalRank)
		assert.Equal(t, numWorkers, r.WorldSize)
		assert.Equal(t, n*(n-1)/2, r.GlobalSum)
		assert.InDelta(t, (n-1)/2, r.GlobalMean, 1e-9, "equal contributions: the mean of means is the mean")
		assert.Len(t, r.ExamplesPerWorker, numWorkers)
		for _, count := range r.ExamplesPerWorker {
			assert.Equal(t, perWorker, count)
		}
		assert.Equal(t, reports[0].RunID, r.RunID, "run id broadcast from rank 0")
	}
	assert.Greater(t, reports[0].CheckpointBytes, int64(0))
}

func TestJobSingleDevice(t *testing.T) {
	opts := jobOptions{NumBatches: 3, BatchSize: 4, CheckpointDir: t.TempDir(), KeepCheckpoint: true}
	s := strategies.NewSingleDevice(accelerators.NewCPU(1), must.M1(accelerators.NewCPU(1).Device(0))).
		WithPrecision(precision.NewDouble())
	report, err := runLocal(context.Background(), s, newJob(s, opts))
	require.NoError(t, err)
	checkReports(t, []WorkerReport{report}, 1, opts)
	assert.Equal(t, "64", report.Precision)
	_, err = os.Stat(report.Checkpoint)
	require.NoError(t, err, "checkpoint kept")

	loaded := must.M1(s.CheckpointIO().LoadCheckpoint(report.Checkpoint))
	assert.Equal(t, report.RunID, loaded["run_id"])
}

func TestJobTPUSpawn(t *testing.T) {
	const numWorkers = 3
	opts := jobOptions{NumBatches: 2, BatchSize: 5, CheckpointDir: t.TempDir()}
	s := must.M1(strategies.NewTPUSpawn(accelerators.NewTPU(numWorkers), nil))
	require.NoError(t, s.SetStartMethod(strategies.StartThreads))
	reports, err := launchers.Launch(context.Background(), launchers.NewXLA(s), newJob(s, opts))
	require.NoError(t, err)
	checkReports(t, reports, numWorkers, opts)
	for rank, r := range reports {
		assert.Equal(t, fmt.Sprintf("xla:%d", rank), r.Device)
		assert.Empty(t, r.Checkpoint, "checkpoint removed")
	}
	entries := must.M1(os.ReadDir(opts.CheckpointDir))
	assert.Empty(t, entries)
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
strategy: ddp_spawn
accelerator: "cpu:devices=2"
start_method: threads
checkpoint_dir: `+dir+`
`), 0o600))
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"run", "--config", configFile, "--batches", "2", "--batch_size", "2"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `Strategy "ddp_spawn": 2 workers`)
	assert.Contains(t, out.String(), "cpu:1")

	out.Reset()
	rootCmd.SetArgs([]string{"strategies"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	for _, name := range []string{"single_device", "single_tpu", "ddp_spawn", "tpu_spawn", "colossalai"} {
		assert.Contains(t, out.String(), name)
	}
}
