// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accelerators

import (
	"fmt"
	"os"

	"github.com/gomlx/strategies/pkg/checkpointio"
	"github.com/gomlx/strategies/pkg/config"
	"github.com/gomlx/strategies/pkg/core/devices"
)

// XLADeviceKind is the kind of the devices of the TPU accelerator.
const XLADeviceKind = "xla"

// DefaultTPUCores is the number of cores of a TPU host, unless configured otherwise.
const DefaultTPUCores = 8

// TPUNameEnv is the environment variable naming the TPU attached to the host. If it is set (or the accelerator is
// configured with "tpu:available=true") the TPU is reported as available.
const TPUNameEnv = "TPU_NAME"

// TPU is an accelerator with XLA devices, one per core.
//
// Configuration options: "cores" (default DefaultTPUCores) and "available".
type TPU struct {
	numCores  int
	available bool
}

func init() {
	Register("tpu", func(opts config.Options) (Accelerator, error) {
		if err := opts.CheckKnown("cores", "available"); err != nil {
			return nil, err
		}
		cores, err := opts.Int("cores", DefaultTPUCores)
		if err != nil {
			return nil, err
		}
		_, hasTPUName := os.LookupEnv(TPUNameEnv)
		available, err := opts.Bool("available", hasTPUName)
		if err != nil {
			return nil, err
		}
		t := NewTPU(cores)
		t.available = available
		return t, nil
	})
}

// NewTPU returns a TPU accelerator with the given number of cores (at least 1).
func NewTPU(cores int) *TPU {
	_, hasTPUName := os.LookupEnv(TPUNameEnv)
	return &TPU{numCores: max(cores, 1), available: hasTPUName}
}

// Name implements Accelerator.
func (t *TPU) Name() string { return "tpu" }

// Description implements Accelerator.
func (t *TPU) Description() string { return fmt.Sprintf("TPU (%d cores, XLA devices)", t.numCores) }

// NumDevices implements Accelerator.
func (t *TPU) NumDevices() int { return t.numCores }

// Device implements Accelerator.
func (t *TPU) Device(index int) (devices.Device, error) {
	return deviceByIndex(t, XLADeviceKind, index)
}

// DefaultCheckpointIO implements Accelerator: XLA devices use checkpointio.XLA.
func (t *TPU) DefaultCheckpointIO() checkpointio.CheckpointIO { return checkpointio.NewXLA() }

// IsAvailable implements Accelerator.
func (t *TPU) IsAvailable() bool { return t.available }
