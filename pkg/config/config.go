// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration of a distributed run and parses the configuration strings of the
// registries (strategies, accelerators).
//
// Configuration precedence (highest to lowest):
//  1. Environment variables prefixed with GOMLX_ (GOMLX_STRATEGY, GOMLX_PROCESSES, GOMLX_START_METHOD, ...).
//  2. YAML config file, if one is given.
//  3. Defaults (see Default).
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/gomlx/strategies/pkg/support/fsutil"
)

// EnvPrefix of the environment variables overriding the configuration.
const EnvPrefix = "GOMLX_"

const maxConfigFileSize = 1 << 20

// Config of a distributed run.
type Config struct {
	// Strategy is the strategy configuration, "<name>[:<options>]", e.g. "tpu_spawn" or "single_tpu:device=3".
	Strategy string `koanf:"strategy"`

	// Accelerator configuration, "<name>[:<options>]", e.g. "tpu:cores=8".
	Accelerator string `koanf:"accelerator"`

	// Processes per node. If 0, the number of devices of the accelerator is used.
	Processes int `koanf:"processes"`

	// Nodes in the run.
	Nodes int `koanf:"nodes"`

	// StartMethod of the workers: "threads" (goroutines in this process) or "fork" (one OS process each).
	StartMethod string `koanf:"start_method"`

	// Precision plugin name: "32", "64", "16", "bf16", "tpu", "tpu_bf16" or "colossalai".
	Precision string `koanf:"precision"`

	// CheckpointDir where checkpoints are saved.
	CheckpointDir string `koanf:"checkpoint_dir"`

	// MetricsAddr, if set, is the address where Prometheus metrics are served, e.g. ":9090".
	MetricsAddr string `koanf:"metrics_addr"`

	// Debug enables the accelerator debug mode on the workers.
	Debug bool `koanf:"debug"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Strategy:      "tpu_spawn",
		Accelerator:   "tpu",
		Nodes:         1,
		StartMethod:   "threads",
		Precision:     "32",
		CheckpointDir: "~/.cache/gomlx/checkpoints",
	}
}

// Load the configuration from the optional YAML file at configPath (empty for none), then overrides it with
// GOMLX_* environment variables. Missing values keep their defaults.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")
	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err = k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file %q", configPath)
		}
	}
	// GOMLX_START_METHOD -> start_method
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment variables")
	}
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	configPath, err := fsutil.ReplaceTildeInDir(configPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat config file %q", configPath)
	}
	if info.Size() > maxConfigFileSize {
		return nil, errors.Errorf("config file %q too large: %d bytes (max %d)", configPath, info.Size(),
			maxConfigFileSize)
	}
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", configPath)
	}
	return content, nil
}

// Validate checks the values of the configuration.
func (c *Config) Validate() error {
	if c.Strategy == "" {
		return errors.New("config: strategy must be set")
	}
	if c.Processes < 0 {
		return errors.Errorf("config: processes must be >= 0, got %d", c.Processes)
	}
	if c.Nodes < 1 {
		return errors.Errorf("config: nodes must be >= 1, got %d", c.Nodes)
	}
	switch c.StartMethod {
	case "threads", "fork":
	default:
		return errors.Errorf("config: start_method must be \"threads\" or \"fork\", got %q", c.StartMethod)
	}
	return nil
}
