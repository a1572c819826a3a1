// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package natscomm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/strategies/pkg/core/distributed"
)

func startTestServer(t *testing.T) (*Server, *nats.Conn) {
	s, err := StartServer()
	require.NoError(t, err)
	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		s.Shutdown()
	})
	return s, nc
}

// connectAll connects size workers to a new run.
func connectAll(t *testing.T, s *Server, nc *nats.Conn, size int) (*Run, []*Communicator) {
	run, err := NewRun(nc, size)
	require.NoError(t, err)
	comms := make([]*Communicator, size)
	for rank := range size {
		comms[rank], err = Connect(s.ClientURL(), run.ID(), rank, size)
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		for _, c := range comms {
			_ = c.Close()
		}
		_ = run.Close()
	})
	return run, comms
}

func TestExchange(t *testing.T) {
	s, nc := startTestServer(t)
	const size = 3
	_, comms := connectAll(t, s, nc, size)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results := make([][][][]byte, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank, c := range comms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := range 4 {
				// Rank 0 falls behind, so payloads for future exchanges arrive before it asks for them.
				if rank == 0 && round == 0 {
					time.Sleep(50 * time.Millisecond)
				}
				got, err := c.Exchange(ctx, fmt.Sprintf("round_%d", round), []byte(fmt.Sprintf("%d:%d", rank, round)))
				if err != nil {
					errs[rank] = err
					return
				}
				results[rank] = append(results[rank], got)
			}
		}()
	}
	wg.Wait()
	for rank := range size {
		require.NoError(t, errs[rank])
		require.Len(t, results[rank], 4)
		for round := range 4 {
			for from := range size {
				assert.Equal(t, fmt.Sprintf("%d:%d", from, round), string(results[rank][round][from]))
			}
		}
	}
}

func TestExchangeMismatch(t *testing.T) {
	s, nc := startTestServer(t)
	_, comms := connectAll(t, s, nc, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank, c := range comms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[rank] = c.Exchange(ctx, fmt.Sprintf("barrier_%d", rank), nil)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.True(t, errors.Is(err, distributed.ErrCollectiveMismatch), "got %+v", err)
	}
}

func TestExchangeCancel(t *testing.T) {
	s, nc := startTestServer(t)
	_, comms := connectAll(t, s, nc, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := comms[0].Exchange(ctx, "alone", []byte("x"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, comms[1].Close())
	_, err = comms[1].Exchange(context.Background(), "closed", nil)
	assert.True(t, errors.Is(err, distributed.ErrCommunicatorClosed))
}

func TestResults(t *testing.T) {
	s, nc := startTestServer(t)
	run, comms := connectAll(t, s, nc, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, comms[1].PublishResult(ctx, nil, errors.New("out of memory\non core 1")))
	require.NoError(t, comms[0].PublishResult(ctx, []byte("ok"), nil))

	var reported, failed []int
	results, err := run.WaitResults(ctx, func(r Result) {
		reported = append(reported, r.Rank)
		if r.Err != "" {
			failed = append(failed, r.Rank)
		}
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1}, reported)
	assert.Equal(t, []int{1}, failed)
	assert.Equal(t, "ok", string(results[0].Payload))
	assert.Empty(t, results[0].Err)
	assert.Equal(t, "out of memory on core 1", results[1].Err)
}
