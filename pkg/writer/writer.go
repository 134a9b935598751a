/*
Copyright 2016 Mirantis

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package writer owns the lifecycle of a single PXE boot-configuration
// FIFO: create it, block until the bootloader opens it for reading, write
// the rendered payload once, and tear the pipe down.
package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"

	"github.com/opsi-org/opsipxeconfd/pkg/backend"
	"github.com/opsi-org/opsipxeconfd/pkg/hostid"
	"github.com/opsi-org/opsipxeconfd/pkg/waitloop"
)

// RetryInterval is the backoff between failed non-blocking opens of a FIFO
// whose reader has not yet appeared.
const RetryInterval = time.Second

// fifoMode is the on-disk permission of a freshly created FIFO: world
// readable, matching what the TFTP server process needs.
const fifoMode = 0644

// Status is the terminal outcome of a Writer's run.
type Status int

const (
	// StatusSuccess means the payload was written and read exactly once.
	StatusSuccess Status = iota
	// StatusCanceled means the writer was stopped before a reader appeared.
	StatusCanceled
	// StatusFailed means an unexpected FIFO I/O error terminated the writer.
	StatusFailed
)

// Result is passed to a Writer's completion callback exactly once.
type Result struct {
	HostId   hostid.HostID
	PxeFile  string
	Status   Status
	Err      error
	Products []backend.ProductOnClient
	// Writer identifies which Writer produced this Result, so a
	// registry can tell a stale callback (from an already-evicted
	// writer) apart from the current one for the same host.
	Writer *Writer
}

// OnComplete is invoked exactly once when a Writer's run ends, regardless of
// why. It runs on the writer's own goroutine, never under the registry's
// lock (see pkg/registry).
type OnComplete func(Result)

// Writer owns one FIFO on disk from creation to teardown.
type Writer struct {
	hostId   hostid.HostID
	path     string
	payload  string
	products []backend.ProductOnClient
	clock    clockwork.Clock
	onDone   OnComplete

	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
}

// New creates the FIFO at path (mode 0644) and readies a Writer to stream
// payload to its first reader. The parent directory must already exist and
// be writable; if a non-FIFO or stale file already occupies path the caller
// must remove it first (see pkg/updater step 7) — New fails rather than
// silently overwriting.
func New(hostId hostid.HostID, path, payload string, products []backend.ProductOnClient, clock clockwork.Clock, onDone OnComplete) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("writer: preparing directory for %s: %w", path, err)
	}
	if err := mkfifo(path, fifoMode); err != nil {
		return nil, fmt.Errorf("writer: creating fifo %s: %w", path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		hostId:   hostId,
		path:     path,
		payload:  payload,
		products: products,
		clock:    clock,
		onDone:   onDone,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// HostId returns the owning host.
func (w *Writer) HostId() hostid.HostID { return w.hostId }

// Path returns the FIFO's filesystem path.
func (w *Writer) Path() string { return w.path }

// Products returns the snapshot of ProductOnClient records carried by this
// writer, for the completion callback to report progress on.
func (w *Writer) Products() []backend.ProductOnClient { return w.products }

// Cancel requests that Run stop at its next retry tick.
func (w *Writer) Cancel() { w.cancel() }

// Done returns a channel that is closed once Run has invoked the
// completion callback, for callers (pkg/supervisor's shutdown fan-in) that
// need to wait for a writer they did not themselves launch.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Run blocks until the FIFO is opened by a reader, a fatal error occurs, or
// Cancel is called, then tears the FIFO down and invokes the completion
// callback exactly once. Run is meant to be launched on its own goroutine
// per writer.
func (w *Writer) Run() {
	status, err := w.waitAndWrite()
	w.removeFifo()
	w.onDone(Result{
		HostId:   w.hostId,
		PxeFile:  w.path,
		Status:   status,
		Err:      err,
		Products: w.products,
		Writer:   w,
	})
	close(w.done)
}

func (w *Writer) waitAndWrite() (Status, error) {
	var fd *os.File
	err := waitloop.Poll(w.ctx, RetryInterval, 0, w.clock, func() (bool, error) {
		f, openErr := openForWrite(w.path)
		if openErr == nil {
			fd = f
			return true, nil
		}
		if isNoReaderYet(openErr) {
			return false, nil
		}
		return false, fmt.Errorf("writer: opening fifo %s: %w", w.path, openErr)
	})

	switch {
	case err == nil:
	case err == waitloop.ErrCanceled:
		return StatusCanceled, nil
	default:
		return StatusFailed, err
	}

	defer fd.Close()
	if _, err := fd.WriteString(w.payload); err != nil {
		return StatusFailed, fmt.Errorf("writer: writing fifo %s: %w", w.path, err)
	}
	return StatusSuccess, nil
}

func (w *Writer) removeFifo() {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		glog.Errorf("writer: failed to remove fifo %s: %v", w.path, err)
	}
}
