// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets defines the Dataset collaborator consumed by the strategies, and utility datasets that can be
// combined with it: `Take`, `FromBatches` and the prefetching `DeviceLoader`.
//
// It also validates that (possibly nested collections of) datasets report their length, which is required by
// the multi-process strategies.
package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/strategies/pkg/core/tensors"
)

// Dataset yields batches for training or evaluation.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and logging.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached.
	Reset()

	// Yield one batch: an opaque spec (often nil), the inputs and the labels. It returns io.EOF at the end of
	// the epoch.
	//
	// The ownership of inputs and labels is transferred to the caller.
	Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error)
}

// HasLen is implemented by datasets that know their number of batches per epoch.
type HasLen interface {
	Len() int
}

// takeDataset implements a Dataset that only yields `take` batches.
type takeDataset struct {
	ds          Dataset
	count, take int
}

var (
	_ Dataset = (*takeDataset)(nil)
	_ HasLen  = (*takeDataset)(nil)
)

// Take returns a wrapper to `ds`, a Dataset that only yields `n` batches. Its length is n, or the length of ds if
// it is known and smaller.
func Take(ds Dataset, n int) Dataset {
	return &takeDataset{
		ds:   ds,
		take: n,
	}
}

// Name implements Dataset. It returns the dataset name.
func (ds *takeDataset) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Reset implements Dataset.
func (ds *takeDataset) Reset() {
	ds.ds.Reset()
	ds.count = 0
}

// Yield implements Dataset.
func (ds *takeDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if ds.count >= ds.take {
		err = io.EOF
		return
	}
	ds.count++
	spec, inputs, labels, err = ds.ds.Yield()
	return
}

// Len implements HasLen.
func (ds *takeDataset) Len() int {
	if withLen, ok := ds.ds.(HasLen); ok {
		return min(withLen.Len(), ds.take)
	}
	return ds.take
}

// Batch is one element yielded by a dataset created with FromBatches.
type Batch struct {
	Inputs, Labels []*tensors.Tensor
}

// batchesDataset yields a fixed list of batches.
type batchesDataset struct {
	name    string
	batches []Batch
	next    int
}

// FromBatches returns a Dataset that yields the given batches, in order, once per epoch.
// Yielded tensors are clones, so the batches can be yielded again after Reset.
func FromBatches(name string, batches ...Batch) Dataset {
	return &batchesDataset{name: name, batches: batches}
}

// Name implements Dataset.
func (ds *batchesDataset) Name() string { return ds.name }

// Reset implements Dataset.
func (ds *batchesDataset) Reset() { ds.next = 0 }

// Len implements HasLen.
func (ds *batchesDataset) Len() int { return len(ds.batches) }

// Yield implements Dataset.
func (ds *batchesDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if ds.next >= len(ds.batches) {
		err = io.EOF
		return
	}
	batch := ds.batches[ds.next]
	ds.next++
	return nil, cloneAll(batch.Inputs), cloneAll(batch.Labels), nil
}

func cloneAll(ts []*tensors.Tensor) []*tensors.Tensor {
	if ts == nil {
		return nil
	}
	clones := make([]*tensors.Tensor, len(ts))
	for ii, t := range ts {
		if t != nil {
			clones[ii] = t.Clone()
		}
	}
	return clones
}
