// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	content := "strategy: single_tpu:device=2\nprocesses: 4\nprecision: bf16\ndebug: true\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "single_tpu:device=2", cfg.Strategy)
	assert.Equal(t, 4, cfg.Processes)
	assert.Equal(t, "bf16", cfg.Precision)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "threads", cfg.StartMethod, "defaults kept for missing keys")

	t.Setenv("GOMLX_PROCESSES", "8")
	t.Setenv("GOMLX_START_METHOD", "fork")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Processes, "environment overrides the file")
	assert.Equal(t, "fork", cfg.StartMethod)
	assert.Equal(t, "bf16", cfg.Precision)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	t.Setenv("GOMLX_START_METHOD", "spawn")
	_, err = Load("")
	require.ErrorContains(t, err, "start_method")
}

func TestOptions(t *testing.T) {
	name, options := Split("tpu:cores=4, debug")
	assert.Equal(t, "tpu", name)
	opts, err := ParseOptions(options)
	require.NoError(t, err)
	assert.Equal(t, Options{"cores": "4", "debug": "true"}, opts)

	cores, err := opts.Int("cores", 8)
	require.NoError(t, err)
	assert.Equal(t, 4, cores)
	devices, err := opts.Int("devices", 8)
	require.NoError(t, err)
	assert.Equal(t, 8, devices)
	debug, err := opts.Bool("debug", false)
	require.NoError(t, err)
	assert.True(t, debug)
	assert.Equal(t, "x", opts.String("mode", "x"))

	require.NoError(t, opts.CheckKnown("cores", "debug"))
	require.ErrorContains(t, opts.CheckKnown("cores"), `unknown option "debug"`)

	name, options = Split("single_device")
	assert.Equal(t, "single_device", name)
	assert.Empty(t, options)

	_, err = ParseOptions("=3")
	require.Error(t, err)
	_, err = Options{"cores": "many"}.Int("cores", 1)
	require.Error(t, err)
}
