// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpointio defines CheckpointIO, the pluggable persistence of training state, and its
// implementations:
//
//   - File: writes the checkpoint to a single file, on every worker it is called.
//   - XLA: moves tensors to the host and writes only on the first worker of each node, then synchronizes the
//     workers, so it can (and must) be called by every worker.
//
// A checkpoint state is a map[string]any: values of type *tensors.Tensor (possibly in nested map[string]any, []any
// or []*tensors.Tensor) are stored in binary form, everything else is stored as JSON parameters. Tensors inside
// other containers (e.g. a map[string]*tensors.Tensor or a struct) are rejected with tensors.ErrJSONEncoding.
package checkpointio

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gomlx/strategies/pkg/core/distributed"
)

// StorageOptions are backend specific options for saving a checkpoint. None of the implementations in this
// package accept them.
type StorageOptions map[string]any

// CheckpointIO persists and removes checkpoints.
type CheckpointIO interface {
	// SaveCheckpoint persists state to path, on behalf of worker w.
	SaveCheckpoint(ctx context.Context, w *distributed.Worker, state map[string]any, path string,
		opts StorageOptions) error

	// LoadCheckpoint reads back a checkpoint saved by SaveCheckpoint.
	LoadCheckpoint(path string) (map[string]any, error)

	// RemoveCheckpoint deletes the checkpoint at path. A missing checkpoint is not an error.
	RemoveCheckpoint(path string) error

	// Teardown releases any resources held.
	Teardown() error
}

// ErrStorageOptionsUnsupported is returned if StorageOptions are given to a CheckpointIO that doesn't support them.
var ErrStorageOptionsUnsupported = errors.New("storage options are not supported")

func checkNoStorageOptions(name string, opts StorageOptions) error {
	if len(opts) > 0 {
		return errors.Wrapf(ErrStorageOptionsUnsupported,
			"%s.SaveCheckpoint() got storage options %v, but it doesn't support them", name, opts)
	}
	return nil
}
