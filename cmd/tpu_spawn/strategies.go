// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/gomlx/strategies/pkg/accelerators"
	"github.com/gomlx/strategies/pkg/precision"
	"github.com/gomlx/strategies/pkg/strategies"
	"github.com/gomlx/strategies/ui/commandline"
)

// strategiesCmd lists the registries.
var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List the registered strategies, accelerators and precision plugins",
	Args:  cobra.NoArgs,
	RunE:  runStrategies,
}

func runStrategies(cmd *cobra.Command, _ []string) error {
	rows := make([][]string, 0)
	for _, r := range strategies.List() {
		rows = append(rows, []string{r.Name, r.Description})
	}
	out := cmd.OutOrStdout()
	if err := commandline.Report(out, "Strategies", []string{"Name", "Description"}, rows); err != nil {
		return err
	}
	return commandline.Report(out, "Collaborators", []string{"Kind", "Names"}, [][]string{
		{"accelerators", strings.Join(accelerators.List(), ", ")},
		{"precision", strings.Join(precision.Names(), ", ")},
	})
}
