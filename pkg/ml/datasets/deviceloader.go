// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/strategies/pkg/core/devices"
	"github.com/gomlx/strategies/pkg/core/tensors"
)

// onDeviceBatch represents a batch that has been placed on the target device.
type onDeviceBatch struct {
	spec   any
	inputs []*tensors.Tensor
	labels []*tensors.Tensor
	err    error // io.EOF or other error
}

// DeviceLoader is a wrapper around a Dataset that yields tensors already placed on the target device.
//
// A background reader reads from the source dataset and places the tensors on the device before putting the
// batch in a buffered channel, so the next batch is ready when Yield() is called.
//
// The order of the yields is not preserved for bufferSize > 1.
//
// Close the DeviceLoader when it is no longer used, otherwise its readers stay blocked waiting for a Yield.
type DeviceLoader struct {
	source   Dataset
	sourceMu sync.Mutex // Serializes source.Yield calls.

	name       string
	device     devices.Device
	bufferSize int

	nextBatch chan *onDeviceBatch

	readersMu sync.Mutex // Protects closed and readers.Add.
	readers   sync.WaitGroup
	closed    bool
	done      chan struct{}
}

var (
	_ Dataset   = (*DeviceLoader)(nil)
	_ HasLen    = (*DeviceLoader)(nil)
	_ io.Closer = (*DeviceLoader)(nil)
)

// ErrLoaderClosed is returned by DeviceLoader.Yield after DeviceLoader.Close.
var ErrLoaderClosed = errors.New("device loader is closed")

// NewDeviceLoader creates a DeviceLoader that wraps source and places its batches on device.
// bufferSize defaults to 1 if <= 0.
func NewDeviceLoader(source Dataset, device devices.Device, bufferSize int) (*DeviceLoader, error) {
	if source == nil {
		return nil, errors.New("source dataset cannot be nil")
	}
	if !device.Ok() {
		return nil, errors.Errorf("invalid target device %s for dataset %q", device, source.Name())
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	ds := &DeviceLoader{
		source:     source,
		name:       source.Name(),
		device:     device,
		bufferSize: bufferSize,
		nextBatch:  make(chan *onDeviceBatch, bufferSize),
		done:       make(chan struct{}),
	}
	ds.startReaders()
	return ds, nil
}

// Name implements Dataset.
func (ds *DeviceLoader) Name() string {
	return ds.name
}

// Dataset returns the wrapped source dataset.
func (ds *DeviceLoader) Dataset() Dataset {
	return ds.source
}

// Device where the batches are placed.
func (ds *DeviceLoader) Device() devices.Device {
	return ds.device
}

// Len implements HasLen: it returns the length of the source dataset, or -1 if it is not known.
func (ds *DeviceLoader) Len() int {
	if withLen, ok := ds.source.(HasLen); ok {
		return withLen.Len()
	}
	return -1
}

// Reset implements Dataset. It is a no-op after Close.
func (ds *DeviceLoader) Reset() {
	// Draining the channel guarantees there are no more readers running.
	for range ds.bufferSize {
		select {
		case <-ds.nextBatch:
		case <-ds.done:
			return
		}
	}
	ds.source.Reset()
	ds.startReaders()
	klog.V(2).Infof("dataset %q on %s reset", ds.name, ds.device)
}

// Yield implements Dataset. It returns ErrLoaderClosed after Close.
func (ds *DeviceLoader) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	var batch *onDeviceBatch
	select {
	case batch = <-ds.nextBatch:
	case <-ds.done:
		return nil, nil, nil, errors.Wrapf(ErrLoaderClosed, "dataset %q", ds.name)
	}
	ds.startReader() // Repopulate the slot being consumed.
	if batch.err != nil {
		return nil, nil, nil, batch.err
	}
	return batch.spec, batch.inputs, batch.labels, nil
}

// Close stops the readers and waits for them to exit. Batches not yet yielded are dropped.
// It is safe to call more than once.
func (ds *DeviceLoader) Close() error {
	ds.readersMu.Lock()
	if ds.closed {
		ds.readersMu.Unlock()
		return nil
	}
	ds.closed = true
	close(ds.done)
	ds.readersMu.Unlock()
	ds.readers.Wait()
	klog.V(2).Infof("dataset %q on %s closed", ds.name, ds.device)
	return nil
}

func (ds *DeviceLoader) startReaders() {
	for range ds.bufferSize {
		ds.startReader()
	}
}

func (ds *DeviceLoader) startReader() {
	ds.readersMu.Lock()
	defer ds.readersMu.Unlock()
	if ds.closed {
		return
	}
	ds.readers.Add(1)
	go ds.reader()
}

// reader reads one batch from the source, places it on the device and enqueues it, unless the loader is closed.
//
// It is meant to be called on its own goroutine.
func (ds *DeviceLoader) reader() {
	defer ds.readers.Done()
	spec, inputs, labels, err := ds.safeYield()
	if err != nil {
		ds.enqueue(&onDeviceBatch{err: err})
		return
	}
	for _, slice := range [][]*tensors.Tensor{inputs, labels} {
		for ii, t := range slice {
			if t != nil {
				slice[ii] = t.To(ds.device)
			}
		}
	}
	ds.enqueue(&onDeviceBatch{
		spec:   spec,
		inputs: inputs,
		labels: labels,
	})
}

func (ds *DeviceLoader) enqueue(batch *onDeviceBatch) {
	select {
	case ds.nextBatch <- batch:
	case <-ds.done:
	}
}

func (ds *DeviceLoader) safeYield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	ds.sourceMu.Lock()
	defer ds.sourceMu.Unlock()
	spec, inputs, labels, err = ds.source.Yield()
	if err != nil {
		return
	}
	inputs = slices.Clone(inputs)
	labels = slices.Clone(labels)
	return
}
