// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpointio

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/collectives"
	"github.com/gomlx/strategies/pkg/core/devices"
	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
)

// XLA is the CheckpointIO used with accelerator cores: tensors are moved to the host and only the first worker
// of each node (local rank 0) writes the file. Afterward all workers meet at a rendezvous, so they leave
// SaveCheckpoint together.
//
// SaveCheckpoint must therefore be called by every worker, with the same path.
type XLA struct {
	file *File
}

var _ CheckpointIO = (*XLA)(nil)

// NewXLA returns an XLA CheckpointIO, writing with a File CheckpointIO.
func NewXLA() *XLA {
	return &XLA{file: NewFile()}
}

// SaveCheckpoint implements CheckpointIO.
func (x *XLA) SaveCheckpoint(ctx context.Context, w *distributed.Worker, state map[string]any, path string,
	opts StorageOptions) error {
	if err := checkNoStorageOptions("XLA", opts); err != nil {
		return err
	}
	if w == nil {
		w = distributed.NewLocalWorker()
	}
	if w.IsLocalRankZero() {
		hostState, err := moveToHost(state)
		if err != nil {
			return err
		}
		if err = x.file.SaveCheckpoint(ctx, w, hostState, path, nil); err != nil {
			return err
		}
	} else {
		klog.V(2).Infof("%s: checkpoint %q written by local rank 0", w, path)
	}
	if w.Comm == nil || w.Comm.Size() == 1 {
		return nil
	}
	return errors.WithMessagef(collectives.Rendezvous(ctx, w.Comm, "checkpointio.XLA.save"),
		"saving checkpoint %q", path)
}

// moveToHost returns a copy of state with all tensors, including the ones in nested maps and slices, moved to
// the host.
func moveToHost(state map[string]any) (map[string]any, error) {
	var convert func(v any) any
	convert = func(v any) any {
		switch value := v.(type) {
		case *tensors.Tensor:
			if value == nil {
				return value
			}
			return value.To(devices.Host)
		case map[string]any:
			m := make(map[string]any, len(value))
			for key, sub := range value {
				m[key] = convert(sub)
			}
			return m
		case []any:
			s := make([]any, len(value))
			for ii, sub := range value {
				s[ii] = convert(sub)
			}
			return s
		case []*tensors.Tensor:
			s := make([]*tensors.Tensor, len(value))
			for ii, t := range value {
				if t != nil {
					s[ii] = t.To(devices.Host)
				}
			}
			return s
		}
		return v
	}
	if state == nil {
		return nil, errors.New("cannot save a nil checkpoint state")
	}
	return convert(state).(map[string]any), nil
}

// LoadCheckpoint implements CheckpointIO. Tensors are loaded on the host.
func (x *XLA) LoadCheckpoint(path string) (map[string]any, error) {
	return x.file.LoadCheckpoint(path)
}

// RemoveCheckpoint implements CheckpointIO. Callers running multiple workers per node should only call it
// from local rank 0.
func (x *XLA) RemoveCheckpoint(path string) error {
	return x.file.RemoveCheckpoint(path)
}

// Teardown implements CheckpointIO.
func (x *XLA) Teardown() error {
	return x.file.Teardown()
}
