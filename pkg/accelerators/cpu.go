// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accelerators

import (
	"fmt"

	"github.com/gomlx/strategies/pkg/checkpointio"
	"github.com/gomlx/strategies/pkg/config"
	"github.com/gomlx/strategies/pkg/core/devices"
)

// CPU is the host accelerator. It has one device by default, more can be configured ("cpu:devices=4") to run
// data-parallel workers on the host.
type CPU struct {
	numDevices int
}

func init() {
	Register("cpu", func(opts config.Options) (Accelerator, error) {
		if err := opts.CheckKnown("devices"); err != nil {
			return nil, err
		}
		numDevices, err := opts.Int("devices", 1)
		if err != nil {
			return nil, err
		}
		return NewCPU(numDevices), nil
	})
}

// NewCPU returns a CPU accelerator with numDevices devices (at least 1).
func NewCPU(numDevices int) *CPU {
	return &CPU{numDevices: max(numDevices, 1)}
}

// Name implements Accelerator.
func (c *CPU) Name() string { return "cpu" }

// Description implements Accelerator.
func (c *CPU) Description() string { return fmt.Sprintf("Host CPU (%d devices)", c.numDevices) }

// NumDevices implements Accelerator.
func (c *CPU) NumDevices() int { return c.numDevices }

// Device implements Accelerator.
func (c *CPU) Device(index int) (devices.Device, error) {
	return deviceByIndex(c, devices.Host.Kind, index)
}

// DefaultCheckpointIO implements Accelerator.
func (c *CPU) DefaultCheckpointIO() checkpointio.CheckpointIO { return checkpointio.NewFile() }

// IsAvailable implements Accelerator.
func (c *CPU) IsAvailable() bool { return true }
