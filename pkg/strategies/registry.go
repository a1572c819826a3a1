// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategies

import (
	"cmp"
	"os"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/strategies/pkg/accelerators"
	"github.com/gomlx/strategies/pkg/checkpointio"
	"github.com/gomlx/strategies/pkg/config"
	"github.com/gomlx/strategies/pkg/precision"
)

// Params are the collaborators a strategy is built with. Nil values are replaced by the strategy defaults.
type Params struct {
	Accelerator  accelerators.Accelerator
	CheckpointIO checkpointio.CheckpointIO
	Precision    precision.Plugin
}

// Constructor builds a Strategy from its collaborators and the options of a configuration string
// (see config.ParseOptions).
type Constructor func(params Params, opts config.Options) (Strategy, error)

// Registered describes a strategy in the registry.
type Registered struct {
	Name, Description string
}

type registryEntry struct {
	description string
	constructor Constructor
}

var (
	muRegistry sync.Mutex
	registry   = make(map[string]registryEntry)
)

// Register the strategy constructor with the given name and a human-readable description.
// To be safe, call Register during initialization of a package.
func Register(name, description string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[name] = registryEntry{description: description, constructor: constructor}
}

// List returns the registered strategies, sorted by name.
func List() []Registered {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	list := make([]Registered, 0, len(registry))
	for name, entry := range registry {
		list = append(list, Registered{Name: name, Description: entry.description})
	}
	slices.SortFunc(list, func(a, b Registered) int { return cmp.Compare(a.Name, b.Name) })
	return list
}

// GOMLX_STRATEGY is the environment variable with the default strategy configuration to use.
//
// The format of the configuration is "<name>[:<options>]", e.g. "tpu_spawn:processes=4,debug".
const GOMLX_STRATEGY = "GOMLX_STRATEGY"

// DefaultConfig is used by New if GOMLX_STRATEGY is not set.
var DefaultConfig = "single_device"

// New returns the default strategy: configured by GOMLX_STRATEGY if set, or DefaultConfig otherwise.
func New(params Params) (Strategy, error) {
	if cfg, found := os.LookupEnv(GOMLX_STRATEGY); found {
		return NewWithConfig(cfg, params)
	}
	return NewWithConfig(DefaultConfig, params)
}

// NewWithConfig creates the Strategy given by a configuration string "<name>[:<options>]".
func NewWithConfig(cfg string, params Params) (Strategy, error) {
	name, optionsStr := config.Split(cfg)
	muRegistry.Lock()
	entry, found := registry[name]
	muRegistry.Unlock()
	if !found {
		var names []string
		for _, r := range List() {
			names = append(names, r.Name)
		}
		return nil, errors.Errorf("can't find strategy %q for configuration %q, registered strategies: %v",
			name, cfg, names)
	}
	opts, err := config.ParseOptions(optionsStr)
	if err != nil {
		return nil, errors.WithMessagef(err, "strategy configuration %q", cfg)
	}
	s, err := entry.constructor(params, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "strategy configuration %q", cfg)
	}
	return s, nil
}

// MustNewWithConfig is like NewWithConfig, but panics on errors.
func MustNewWithConfig(cfg string, params Params) Strategy {
	s, err := NewWithConfig(cfg, params)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return s
}

// resolveAccelerator returns the accelerator of params, or the one configured by defaultConfig.
func resolveAccelerator(params Params, defaultConfig string) (accelerators.Accelerator, error) {
	if params.Accelerator != nil {
		return params.Accelerator, nil
	}
	return accelerators.NewWithConfig(defaultConfig)
}

func init() {
	Register("single_device", "Strategy for training on a single device", newSingleDeviceFromConfig)
	Register("single_tpu", "Strategy for training on a single TPU core", newSingleTPUFromConfig)
	Register("ddp_spawn", "Strategy spawning one worker per device, with collectives over a communicator",
		newDDPSpawnFromConfig)
	Register("tpu_spawn", "Strategy spawning one worker per TPU core", newTPUSpawnFromConfig)
}
