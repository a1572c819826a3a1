// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices identifies where a tensor lives or where a computation runs.
package devices

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Device is a handle to one accelerator device: its kind (e.g. "xla", "cpu") and its ordinal.
//
// The zero value is invalid, see Device.Ok.
type Device struct {
	Kind  string
	Index int
}

// Host is the device for host (CPU) memory.
var Host = Device{Kind: "cpu", Index: 0}

// Ok returns whether the device is a valid handle.
func (d Device) Ok() bool { return d.Kind != "" && d.Index >= 0 }

// String implements fmt.Stringer, e.g. "xla:3".
func (d Device) String() string {
	if !d.Ok() {
		return "<invalid device>"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Parse a device in the format "<kind>:<index>" or just "<kind>" (index 0).
func Parse(s string) (Device, error) {
	kind, indexStr, found := strings.Cut(s, ":")
	if kind == "" {
		return Device{}, errors.Errorf("invalid device %q: missing kind", s)
	}
	if !found {
		return Device{Kind: kind}, nil
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 {
		return Device{}, errors.Errorf("invalid device %q: index must be a non-negative integer", s)
	}
	return Device{Kind: kind, Index: index}, nil
}
