// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package natscomm implements a distributed.Communicator over NATS JetStream, for workers running as separate
// OS processes.
//
// The launching process starts (or connects to) a NATS server and creates a Run: a JetStream in-memory stream
// capturing every message of the run. Workers connect with Connect, giving the run id, their rank and the
// number of workers. Because the stream retains the messages, a worker that subscribes late still receives the
// payloads published before it joined.
//
// Subjects used, with <prefix> = "gomlx.<run id>":
//
//	<prefix>.x.<seq>.<rank>   payload of rank for the exchange number seq.
//	<prefix>.result.<rank>    final result of a worker, read by the launcher.
package natscomm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// TagHeader carries the collective tag of an exchange payload.
	TagHeader = "Gomlx-Tag"

	// ErrorHeader carries the error message of a failed worker result.
	ErrorHeader = "Gomlx-Error"
)

// NewRunID returns a new run id, usable as a NATS subject token and stream name.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func subjectPrefix(runID string) string { return "gomlx." + runID }

func streamName(runID string) string { return "GOMLX_" + runID }

// Run is the launcher side of a multi-process run: it owns the stream and collects the workers' results.
type Run struct {
	nc   *nats.Conn
	js   nats.JetStreamContext
	id   string
	size int
}

// NewRun creates the stream for a new run of size workers.
func NewRun(nc *nats.Conn, size int) (*Run, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create JetStream context")
	}
	r := &Run{nc: nc, js: js, id: NewRunID(), size: size}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName(r.id),
		Subjects: []string{subjectPrefix(r.id) + ".>"},
		Storage:  nats.MemoryStorage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create stream for run %s", r.id)
	}
	klog.V(1).Infof("natscomm: created run %s for %d workers", r.id, size)
	return r, nil
}

// ID of the run, to be passed to the workers.
func (r *Run) ID() string { return r.id }

// Size is the number of workers.
func (r *Run) Size() int { return r.size }

// Result is what a worker reported at the end of its run.
type Result struct {
	Rank    int
	Payload []byte

	// Err is the error message reported by the worker, empty on success.
	Err string
}

// WaitResults blocks until every worker published its result (see Communicator.PublishResult) or ctx is done.
// Results are indexed by rank.
//
// If onResult is not nil, it is called with each result as soon as it arrives, without waiting for the others.
// Calls are serialized.
func (r *Run) WaitResults(ctx context.Context, onResult func(Result)) ([]Result, error) {
	results := make([]Result, r.size)
	received := make([]bool, r.size)
	var mu sync.Mutex
	count := 0
	allReceived := make(chan struct{})
	sub, err := r.js.Subscribe(subjectPrefix(r.id)+".result.*", func(msg *nats.Msg) {
		parts := strings.Split(msg.Subject, ".")
		rank, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil || rank < 0 || rank >= r.size {
			klog.Warningf("natscomm: ignoring result on unexpected subject %q", msg.Subject)
			return
		}
		result := Result{Rank: rank, Payload: msg.Data, Err: msg.Header.Get(ErrorHeader)}
		mu.Lock()
		defer mu.Unlock()
		if received[rank] {
			return
		}
		received[rank] = true
		results[rank] = result
		count++
		if onResult != nil {
			onResult(result)
		}
		if count == r.size {
			close(allReceived)
		}
	}, nats.DeliverAll(), nats.OrderedConsumer())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to subscribe to results of run %s", r.id)
	}
	defer func() { _ = sub.Unsubscribe() }()

	select {
	case <-allReceived:
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return nil, errors.Wrapf(ctx.Err(), "waiting for results of run %s: %d of %d received", r.id,
			count, r.size)
	}
	mu.Lock()
	defer mu.Unlock()
	return results, nil
}

// Close deletes the run's stream.
func (r *Run) Close() error {
	if err := r.js.DeleteStream(streamName(r.id)); err != nil {
		return errors.Wrapf(err, "failed to delete stream of run %s", r.id)
	}
	return nil
}

// String implements fmt.Stringer.
func (r *Run) String() string {
	return fmt.Sprintf("natscomm.Run(%s, size=%d)", r.id, r.size)
}
