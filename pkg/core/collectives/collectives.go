// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collectives implements the collective operations used by the strategies (rendezvous, all-gather and
// mesh-reduce) on top of a distributed.Communicator.
//
// Like any collective, every worker must call the same operations in the same order, otherwise the run fails
// with distributed.ErrCollectiveMismatch (or blocks until its context is cancelled).
package collectives

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/distributed"
	"github.com/gomlx/strategies/pkg/core/tensors"
)

// ErrNoCommunicator is returned when a collective is called on a worker that is not connected to others.
var ErrNoCommunicator = errors.New("no communicator: worker was not spawned by a launcher")

func exchange(ctx context.Context, comm distributed.Communicator, op, tag string, payload []byte) ([][]byte, error) {
	if comm == nil {
		return nil, errors.Wrapf(ErrNoCommunicator, "%s(%q)", op, tag)
	}
	start := time.Now()
	payloads, err := comm.Exchange(ctx, op+":"+tag, payload)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s(%q) failed on rank %d", op, tag, comm.Rank())
	}
	GetMetrics().observe(op, start, len(payload))
	klog.V(2).Infof("rank %d: %s(%q) completed in %s", comm.Rank(), op, tag, time.Since(start))
	return payloads, nil
}

// Rendezvous blocks until every worker reached the rendezvous with the same name.
func Rendezvous(ctx context.Context, comm distributed.Communicator, name string) error {
	_, err := exchange(ctx, comm, "rendezvous", name, nil)
	return err
}

// AllGatherBytes returns the payloads of every worker, indexed by rank.
func AllGatherBytes(ctx context.Context, comm distributed.Communicator, tag string, payload []byte) ([][]byte,
	error) {
	return exchange(ctx, comm, "all_gather_bytes", tag, payload)
}

// gatherTensors exchanges t with every worker and returns the tensors indexed by rank. It checks that all
// shapes are the same.
func gatherTensors(ctx context.Context, comm distributed.Communicator, op, tag string, t *tensors.Tensor) (
	[]*tensors.Tensor, error) {
	var buf bytes.Buffer
	if err := t.GobSerialize(gob.NewEncoder(&buf)); err != nil {
		return nil, errors.WithMessagef(err, "%s(%q)", op, tag)
	}
	payloads, err := exchange(ctx, comm, op, tag, buf.Bytes())
	if err != nil {
		return nil, err
	}
	gathered := make([]*tensors.Tensor, len(payloads))
	for rank, payload := range payloads {
		gathered[rank], err = tensors.GobDeserialize(gob.NewDecoder(bytes.NewReader(payload)))
		if err != nil {
			return nil, errors.WithMessagef(err, "%s(%q): decoding tensor from rank %d", op, tag, rank)
		}
		if !gathered[rank].Shape().Equal(t.Shape()) {
			return nil, errors.Errorf("%s(%q): rank %d contributed shape %s, but rank %d has shape %s",
				op, tag, rank, gathered[rank].Shape(), comm.Rank(), t.Shape())
		}
	}
	return gathered, nil
}

// AllGather gathers t from every worker, stacked in a new leading axis: the result has shape
// (worldSize, ...t.Shape()) and is placed on t's device.
//
// t must have rank >= 1 and the same shape on every worker.
func AllGather(ctx context.Context, comm distributed.Communicator, tag string, t *tensors.Tensor) (
	*tensors.Tensor, error) {
	if t.Rank() == 0 {
		return nil, errors.Errorf("all_gather(%q) requires a tensor of rank >= 1, got %s", tag, t.Shape())
	}
	gathered, err := gatherTensors(ctx, comm, "all_gather", tag, t)
	if err != nil {
		return nil, err
	}
	stacked, err := tensors.Stack(gathered...)
	if err != nil {
		return nil, err
	}
	return stacked.To(t.Device()), nil
}

// MeshReduce reduces t element-wise across every worker, with one of the associative operations
// sum (or the default empty op), max, min or product. Every worker receives the same result, placed on t's device.
//
// Averages are not a native reduction: reduce with sum and divide by the world size.
func MeshReduce(ctx context.Context, comm distributed.Communicator, tag string, t *tensors.Tensor,
	op distributed.ReduceOp) (*tensors.Tensor, error) {
	var combiner tensors.Combiner
	switch op.Normalized() {
	case distributed.ReduceOpDefault, distributed.ReduceOpSum:
		combiner = tensors.CombineSum
	case distributed.ReduceOpMax:
		combiner = tensors.CombineMax
	case distributed.ReduceOpMin:
		combiner = tensors.CombineMin
	case distributed.ReduceOpProduct:
		combiner = tensors.CombineProduct
	default:
		return nil, distributed.UnsupportedReduceOpError(op, distributed.ReduceOpSum, distributed.ReduceOpMax,
			distributed.ReduceOpMin, distributed.ReduceOpProduct)
	}
	gathered, err := gatherTensors(ctx, comm, "mesh_reduce", tag, t)
	if err != nil {
		return nil, err
	}
	reduced, err := tensors.Combine(combiner, gathered...)
	if err != nil {
		return nil, err
	}
	return reduced.To(t.Device()), nil
}
