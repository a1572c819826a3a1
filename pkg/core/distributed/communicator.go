// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"

	"github.com/pkg/errors"
)

// Communicator is the transport connecting the workers of a run.
//
// Exchange is its only collective primitive: every worker contributes one payload and receives the payloads of
// all workers, indexed by rank. Higher level collectives (reduce, all-gather, rendezvous) are built on top of it,
// see package collectives.
//
// Exchanges are matched by call order: the n-th Exchange of a worker is paired with the n-th Exchange of every
// other worker. If they were called with different tags the program diverged, and the exchange fails with
// ErrCollectiveMismatch.
//
// A Communicator is owned by a single worker and is not safe for concurrent use.
type Communicator interface {
	// Rank of this worker in the communicator, from 0 to Size()-1.
	Rank() int

	// Size is the number of workers.
	Size() int

	// Exchange blocks until every worker has contributed its payload for this exchange, or ctx is done.
	Exchange(ctx context.Context, tag string, payload []byte) ([][]byte, error)

	// Close releases the resources of this worker's end of the communicator.
	Close() error
}

var (
	// ErrCollectiveMismatch is returned when workers call different collectives in the same position.
	ErrCollectiveMismatch = errors.New("workers called mismatched collectives")

	// ErrCommunicatorClosed is returned by operations on a closed communicator.
	ErrCommunicatorClosed = errors.New("communicator is closed")
)
