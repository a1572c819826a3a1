// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/accelerators"
	"github.com/gomlx/strategies/pkg/config"
	"github.com/gomlx/strategies/pkg/core/collectives"
	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/precision"
	"github.com/gomlx/strategies/pkg/strategies"
	"github.com/gomlx/strategies/pkg/strategies/launchers"
	"github.com/gomlx/strategies/pkg/support/fsutil"
	"github.com/gomlx/strategies/ui/commandline"
)

var (
	flagBatches   int
	flagBatchSize int
	flagKeep      bool
	flagProgress  bool
)

// runCmd runs the toy job.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a toy data-parallel job with the configured strategy",
	Long: `Run a toy data-parallel job: every worker sums its synthetic examples, the sums and
means are reduced across workers, the number of examples is all-gathered, and a checkpoint
with the results is saved (and removed, unless --keep is given).

Examples:
  # 8 TPU workers, started as goroutines
  tpu_spawn run

  # 4 workers, each in its own process
  GOMLX_STRATEGY=tpu_spawn:processes=4,start_method=fork tpu_spawn run

  # Single device, with mixed precision
  GOMLX_STRATEGY=single_device GOMLX_PRECISION=bf16 tpu_spawn run`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&flagBatches, "batches", 10, "number of batches per worker")
	runCmd.Flags().IntVar(&flagBatchSize, "batch_size", 16, "number of examples per batch")
	runCmd.Flags().BoolVar(&flagKeep, "keep", false, "keep the checkpoint saved by the job")
	runCmd.Flags().BoolVar(&flagProgress, "progress", false, "display a progress bar on the global rank zero")
}

// strategyConfig returns the strategy configuration string of cfg: the options of the run configuration that
// apply to the strategy (processes, nodes, start method, debug) are added, unless given explicitly in
// cfg.Strategy.
func strategyConfig(cfg *config.Config) (string, error) {
	name, optionsStr := config.Split(cfg.Strategy)
	opts, err := config.ParseOptions(optionsStr)
	if err != nil {
		return "", err
	}
	setDefault := func(key, value string) {
		if _, found := opts[key]; !found {
			opts[key] = value
		}
	}
	switch name {
	case "ddp_spawn", "tpu_spawn":
		if cfg.Processes > 0 {
			setDefault("processes", strconv.Itoa(cfg.Processes))
		}
		setDefault("nodes", strconv.Itoa(cfg.Nodes))
		setDefault("start_method", cfg.StartMethod)
	}
	if cfg.Debug && (name == "tpu_spawn" || name == "single_tpu") {
		setDefault("debug", "true")
	}
	parts := make([]string, 0, len(opts))
	for key, value := range opts {
		parts = append(parts, key+"="+value)
	}
	slices.Sort(parts)
	if len(parts) == 0 {
		return name, nil
	}
	return name + ":" + strings.Join(parts, ","), nil
}

// newStrategy creates the strategy of the run configuration.
func newStrategy(cfg *config.Config) (strategies.Strategy, error) {
	accelerator, err := accelerators.NewWithConfig(cfg.Accelerator)
	if err != nil {
		return nil, err
	}
	plugin, err := precision.New(cfg.Precision)
	if err != nil {
		return nil, err
	}
	strategyCfg, err := strategyConfig(cfg)
	if err != nil {
		return nil, err
	}
	return strategies.NewWithConfig(strategyCfg, strategies.Params{Accelerator: accelerator, Precision: plugin})
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	s, err := newStrategy(cfg)
	if err != nil {
		return err
	}
	checkpointDir, err := fsutil.ReplaceTildeInDir(cfg.CheckpointDir)
	if err != nil {
		return err
	}
	job := newJob(s, jobOptions{
		NumBatches:     flagBatches,
		BatchSize:      flagBatchSize,
		CheckpointDir:  checkpointDir,
		KeepCheckpoint: flagKeep,
		Progress:       flagProgress,
	})

	spawnable, isSpawnable := s.(launchers.Spawnable)
	if launchers.IsWorkerProcess() {
		if !isSpawnable {
			return errors.Errorf("strategy %q can't be used by a worker process", s.Name())
		}
		return launchers.RunWorker(ctx, spawnable, job)
	}

	if cfg.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.MetricsAddr)
		defer stopMetrics()
	}
	start := time.Now()
	var reports []WorkerReport
	if isSpawnable {
		reports, err = launchers.Launch(ctx, launchers.NewXLA(spawnable), job)
	} else {
		var report WorkerReport
		report, err = runLocal(ctx, s, job)
		reports = []WorkerReport{report}
	}
	if err != nil {
		return err
	}
	return printReports(cmd, s, reports, time.Since(start))
}

// runLocal runs job on a single standalone worker.
func runLocal(ctx context.Context, s strategies.Strategy, job launchers.WorkerFunc[WorkerReport]) (
	report WorkerReport, err error) {
	w := distributed.NewLocalWorker()
	if err = s.WorkerSetup(w, 0); err != nil {
		return
	}
	defer func() {
		if teardownErr := s.Teardown(w); err == nil {
			err = teardownErr
		}
	}()
	return job(ctx, w)
}

// serveMetrics serves the Prometheus metrics on addr until the returned function is called.
func serveMetrics(addr string) (stop func()) {
	collectives.GetMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server on %s failed: %+v", addr, err)
		}
	}()
	klog.Infof("serving metrics on http://%s/metrics", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printReports(cmd *cobra.Command, s strategies.Strategy, reports []WorkerReport, elapsed time.Duration) error {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, []string{
			fmt.Sprintf("%d/%d", r.GlobalRank, r.WorldSize),
			strconv.Itoa(r.LocalRank),
			r.Device,
			r.Precision,
			humanize.Comma(int64(r.Examples)),
			fmt.Sprintf("%g", r.LocalSum),
			fmt.Sprintf("%g", r.GlobalSum),
			fmt.Sprintf("%g", r.GlobalMean),
			commandline.FormatDuration(r.Elapsed),
		})
	}
	out := cmd.OutOrStdout()
	title := fmt.Sprintf("Strategy %q: %d workers in %s", s.Name(), len(reports), commandline.FormatDuration(elapsed))
	if err := commandline.Report(out, title,
		[]string{"Rank", "Local", "Device", "Precision", "Examples", "Local sum", "Sum", "Mean", "Elapsed"},
		rows); err != nil {
		return err
	}
	first := reports[0]
	_, err := fmt.Fprintf(out, "Run %s: examples per worker %v, checkpoint of %s", first.RunID,
		first.ExamplesPerWorker, humanize.Bytes(uint64(max(first.CheckpointBytes, 0))))
	if err == nil && first.Checkpoint != "" {
		_, err = fmt.Fprintf(out, " kept in %s", first.Checkpoint)
	}
	if err == nil {
		_, err = fmt.Fprintln(out)
	}
	return err
}
