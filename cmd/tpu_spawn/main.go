// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tpu_spawn runs a toy data-parallel job with one of the registered strategies, and reports what every worker
// computed.
//
// With the "fork" start method, the workers are new processes of this same binary, re-executed with the same
// arguments: they are recognized by the environment set by the launcher.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	// configPath is the optional YAML configuration file.
	configPath string
	// version information
	version = "dev"
)

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	klog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tpu_spawn",
	Short: "Runs distributed jobs with the GoMLX strategies",
	Long: `tpu_spawn launches a toy data-parallel job with one of the registered strategies.

The configuration is read from the optional YAML file given by --config, and can be
overridden by GOMLX_* environment variables (e.g. GOMLX_STRATEGY, GOMLX_PROCESSES).`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(strategiesCmd)
}
