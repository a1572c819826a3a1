// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inproc implements a distributed.Communicator for workers running as goroutines of the same process.
//
// A Hub is created for the whole run and each worker takes its Member:
//
//	hub := inproc.NewHub(numWorkers)
//	for rank := range numWorkers {
//		go runWorker(ctx, hub.Member(rank))
//	}
//
// If a worker fails, Hub.Abort makes every pending and future exchange fail, so no sibling stays blocked.
package inproc

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/distributed"
)

// Hub matches the exchanges of the members of an in-process run.
type Hub struct {
	size int

	mu       sync.Mutex
	rounds   map[uint64]*round
	abortErr error
	members  []*Member
}

// round is one exchange: the n-th call to Exchange of every member.
type round struct {
	tag       string
	payloads  [][]byte
	arrived   int
	collected int
	err       error
	done      chan struct{}
	isDone    bool
}

// NewHub creates a Hub for size members.
func NewHub(size int) *Hub {
	if size < 1 {
		exceptions.Panicf("inproc.NewHub(%d): size must be >= 1", size)
	}
	h := &Hub{
		size:   size,
		rounds: make(map[uint64]*round),
	}
	h.members = make([]*Member, size)
	for rank := range size {
		h.members[rank] = &Member{hub: h, rank: rank}
	}
	return h
}

// Size is the number of members.
func (h *Hub) Size() int { return h.size }

// Member returns the communicator of the given rank.
func (h *Hub) Member(rank int) *Member {
	if rank < 0 || rank >= h.size {
		exceptions.Panicf("inproc.Hub.Member(%d): rank out of range for hub of size %d", rank, h.size)
	}
	return h.members[rank]
}

// Abort fails every pending and future exchange with err.
func (h *Hub) Abort(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abortErr != nil {
		return
	}
	h.abortErr = errors.WithMessage(err, "in-process communicator aborted")
	for _, r := range h.rounds {
		h.lockedFinish(r, h.abortErr)
	}
}

// lockedFinish releases the members waiting on the round. It must be called with Hub.mu locked.
func (h *Hub) lockedFinish(r *round, err error) {
	if r.isDone {
		return
	}
	r.err = err
	r.isDone = true
	close(r.done)
}

// Member is a distributed.Communicator, the end of a Hub owned by one worker.
type Member struct {
	hub    *Hub
	rank   int
	seq    uint64
	closed bool
}

var _ distributed.Communicator = (*Member)(nil)

// Rank implements distributed.Communicator.
func (m *Member) Rank() int { return m.rank }

// Size implements distributed.Communicator.
func (m *Member) Size() int { return m.hub.size }

// Exchange implements distributed.Communicator.
func (m *Member) Exchange(ctx context.Context, tag string, payload []byte) ([][]byte, error) {
	if m.closed {
		return nil, errors.Wrapf(distributed.ErrCommunicatorClosed, "rank %d exchanging %q", m.rank, tag)
	}
	seq := m.seq
	m.seq++
	h := m.hub

	h.mu.Lock()
	if h.abortErr != nil {
		h.mu.Unlock()
		return nil, h.abortErr
	}
	r, found := h.rounds[seq]
	if !found {
		r = &round{tag: tag, payloads: make([][]byte, h.size), done: make(chan struct{})}
		h.rounds[seq] = r
	}
	if r.tag != tag && !r.isDone {
		h.lockedFinish(r, errors.Wrapf(distributed.ErrCollectiveMismatch,
			"exchange #%d: rank %d called %q while others called %q", seq, m.rank, tag, r.tag))
	}
	r.payloads[m.rank] = slices.Clone(payload)
	r.arrived++
	if r.arrived == h.size {
		h.lockedFinish(r, nil)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "rank %d waiting on exchange #%d (%q)", m.rank, seq, tag)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	r.collected++
	if r.collected == h.size {
		delete(h.rounds, seq)
	}
	if r.err != nil {
		return nil, r.err
	}
	klog.V(3).Infof("inproc: rank %d completed exchange #%d (%q)", m.rank, seq, tag)
	result := make([][]byte, h.size)
	for ii, p := range r.payloads {
		result[ii] = slices.Clone(p)
	}
	return result, nil
}

// Close implements distributed.Communicator. Pending exchanges of other members are not affected.
func (m *Member) Close() error {
	m.closed = true
	return nil
}
