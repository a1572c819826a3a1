// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package natscomm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/distributed"
)

// Communicator is the distributed.Communicator of one worker process of a Run.
type Communicator struct {
	nc       *nats.Conn
	ownsConn bool
	js       nats.JetStreamContext
	sub      *nats.Subscription
	prefix   string
	rank     int
	size     int
	seq      uint64 // Next exchange number.

	mu sync.Mutex
	// completed is the number of exchanges already collected: later messages for them are dropped.
	completed uint64
	received  map[uint64][]*nats.Msg
	notify    chan struct{}
	closed    bool
}

var _ distributed.Communicator = (*Communicator)(nil)

// Connect to the NATS server at url and join the run runID as rank, out of size workers.
// The connection is owned by the Communicator and closed by Close.
func Connect(url, runID string, rank, size int) (*Communicator, error) {
	nc, err := nats.Connect(url,
		nats.Name(fmt.Sprintf("gomlx-worker-%d", rank)),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %s", url)
	}
	c, err := New(nc, runID, rank, size)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.ownsConn = true
	return c, nil
}

// New creates the Communicator of rank over an existing connection. The stream of the run must already exist,
// see NewRun.
func New(nc *nats.Conn, runID string, rank, size int) (*Communicator, error) {
	if rank < 0 || rank >= size {
		return nil, errors.Errorf("natscomm: rank %d out of range for %d workers", rank, size)
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create JetStream context")
	}
	c := &Communicator{
		nc:       nc,
		js:       js,
		prefix:   subjectPrefix(runID),
		rank:     rank,
		size:     size,
		received: make(map[uint64][]*nats.Msg),
		notify:   make(chan struct{}, 1),
	}
	c.sub, err = js.Subscribe(c.prefix+".x.>", c.onMessage, nats.DeliverAll(), nats.OrderedConsumer())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to subscribe to exchanges of run %s", runID)
	}
	if err = c.sub.SetPendingLimits(-1, -1); err != nil {
		_ = c.sub.Unsubscribe()
		return nil, errors.Wrap(err, "failed to disable pending limits of subscription")
	}
	return c, nil
}

// onMessage stores payloads by exchange sequence number, until Exchange collects them.
func (c *Communicator) onMessage(msg *nats.Msg) {
	parts := strings.Split(msg.Subject, ".")
	if len(parts) < 2 {
		return
	}
	seq, err := strconv.ParseUint(parts[len(parts)-2], 10, 64)
	if err != nil {
		klog.Warningf("natscomm: ignoring message on unexpected subject %q", msg.Subject)
		return
	}
	c.mu.Lock()
	if seq >= c.completed {
		c.received[seq] = append(c.received[seq], msg)
	}
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Rank implements distributed.Communicator.
func (c *Communicator) Rank() int { return c.rank }

// Size implements distributed.Communicator.
func (c *Communicator) Size() int { return c.size }

// Exchange implements distributed.Communicator.
func (c *Communicator) Exchange(ctx context.Context, tag string, payload []byte) ([][]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Wrapf(distributed.ErrCommunicatorClosed, "rank %d exchanging %q", c.rank, tag)
	}
	seq := c.seq
	c.seq++
	c.mu.Unlock()

	msg := nats.NewMsg(fmt.Sprintf("%s.x.%d.%d", c.prefix, seq, c.rank))
	msg.Header.Set(TagHeader, tag)
	msg.Data = payload
	if _, err := c.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return nil, errors.Wrapf(err, "rank %d failed to publish exchange #%d (%q)", c.rank, seq, tag)
	}

	for {
		c.mu.Lock()
		msgs := c.received[seq]
		if len(msgs) >= c.size {
			delete(c.received, seq)
			c.completed = seq + 1
			c.mu.Unlock()
			return c.collect(seq, tag, msgs)
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "rank %d waiting on exchange #%d (%q): %d of %d payloads received",
				c.rank, seq, tag, len(msgs), c.size)
		}
	}
}

// collect orders the payloads of an exchange by rank and checks every worker used the same tag.
func (c *Communicator) collect(seq uint64, tag string, msgs []*nats.Msg) ([][]byte, error) {
	payloads := make([][]byte, c.size)
	for _, msg := range msgs {
		parts := strings.Split(msg.Subject, ".")
		rank, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil || rank < 0 || rank >= c.size {
			return nil, errors.Errorf("exchange #%d: invalid subject %q", seq, msg.Subject)
		}
		if payloads[rank] != nil {
			return nil, errors.Errorf("exchange #%d: rank %d contributed twice", seq, rank)
		}
		if otherTag := msg.Header.Get(TagHeader); otherTag != tag {
			return nil, errors.Wrapf(distributed.ErrCollectiveMismatch,
				"exchange #%d: rank %d called %q while rank %d called %q", seq, c.rank, tag, rank, otherTag)
		}
		payloads[rank] = msg.Data
		if payloads[rank] == nil {
			payloads[rank] = []byte{}
		}
	}
	klog.V(3).Infof("natscomm: rank %d completed exchange #%d (%q)", c.rank, seq, tag)
	return payloads, nil
}

// PublishResult reports the final result of this worker to the launcher. A non-nil err marks the worker as
// failed, and its message is sent instead of the payload.
func (c *Communicator) PublishResult(ctx context.Context, payload []byte, err error) error {
	msg := nats.NewMsg(fmt.Sprintf("%s.result.%d", c.prefix, c.rank))
	if err != nil {
		// Header values can't span lines.
		msg.Header.Set(ErrorHeader, strings.ReplaceAll(err.Error(), "\n", " "))
	} else {
		msg.Data = payload
	}
	if _, pubErr := c.js.PublishMsg(msg, nats.Context(ctx)); pubErr != nil {
		return errors.Wrapf(pubErr, "rank %d failed to publish its result", c.rank)
	}
	return nil
}

// Close implements distributed.Communicator.
func (c *Communicator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.sub.Unsubscribe()
	if c.ownsConn {
		c.nc.Close()
	}
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return errors.Wrapf(err, "rank %d failed to unsubscribe", c.rank)
	}
	return nil
}
