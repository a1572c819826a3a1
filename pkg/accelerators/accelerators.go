// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package accelerators defines the Accelerator interface, the provider of device handles and of the default
// CheckpointIO of a kind of hardware, and a registry of the available accelerators.
//
// Two accelerators are registered by default: "cpu" and "tpu". Others can be added with Register.
package accelerators

import (
	"os"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/strategies/pkg/checkpointio"
	"github.com/gomlx/strategies/pkg/config"
	"github.com/gomlx/strategies/pkg/core/devices"
)

// Accelerator provides the devices of one kind of hardware.
type Accelerator interface {
	// Name returns the short name of the accelerator, e.g. "tpu".
	Name() string

	// Description is a longer description of the Accelerator that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices (cores) available.
	NumDevices() int

	// Device returns the handle to the device with the given index.
	Device(index int) (devices.Device, error)

	// DefaultCheckpointIO returns a new instance of the CheckpointIO to use with this accelerator, if none is
	// configured.
	DefaultCheckpointIO() checkpointio.CheckpointIO

	// IsAvailable returns whether the hardware is available.
	IsAvailable() bool
}

// Constructor takes the options of a configuration string (see config.ParseOptions) and returns an Accelerator.
type Constructor func(opts config.Options) (Accelerator, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
)

// Register accelerator with the given name. To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registeredConstructors[name] = constructor
}

// List returns the sorted names of the registered accelerators.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GOMLX_ACCELERATOR is the environment variable with the default accelerator configuration to use.
//
// The format of the configuration is "<name>[:<options>]", e.g. "tpu:cores=4".
const GOMLX_ACCELERATOR = "GOMLX_ACCELERATOR"

// DefaultConfig is used by New if GOMLX_ACCELERATOR is not set.
var DefaultConfig = "cpu"

// New returns the default Accelerator: configured by GOMLX_ACCELERATOR if set, or DefaultConfig otherwise.
func New() (Accelerator, error) {
	if cfg, found := os.LookupEnv(GOMLX_ACCELERATOR); found {
		return NewWithConfig(cfg)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig creates the Accelerator given by a configuration string "<name>[:<options>]".
func NewWithConfig(cfg string) (Accelerator, error) {
	name, optionsStr := config.Split(cfg)
	muRegistry.Lock()
	constructor, found := registeredConstructors[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find accelerator %q for configuration %q, registered accelerators: %v",
			name, cfg, List())
	}
	opts, err := config.ParseOptions(optionsStr)
	if err != nil {
		return nil, errors.WithMessagef(err, "accelerator configuration %q", cfg)
	}
	return constructor(opts)
}

// MustNewWithConfig is like NewWithConfig, but panics on errors.
func MustNewWithConfig(cfg string) Accelerator {
	a, err := NewWithConfig(cfg)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return a
}

// deviceByIndex returns the device of the given kind and index, checking the index range.
func deviceByIndex(a Accelerator, kind string, index int) (devices.Device, error) {
	if index < 0 || index >= a.NumDevices() {
		return devices.Device{}, errors.Errorf("%s: device index %d out of range, it has %d devices",
			a.Name(), index, a.NumDevices())
	}
	return devices.Device{Kind: kind, Index: index}, nil
}
