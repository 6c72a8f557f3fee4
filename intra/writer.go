// Copyright 2025 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package intra

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// errAbandoned is returned to writers after the session has been stopped.
var errAbandoned = errors.New("session abandoned")

type writeRequest struct {
	pkt    []byte
	result chan error
	// claimed is set by whichever side settles the request first: run, when
	// it takes it, or write, when it gives up after abandon.
	claimed atomic.Bool
}

// packetWriter serializes all writes to the device on a single goroutine, so
// that concurrent replies are never interleaved.
type packetWriter struct {
	w    io.Writer
	reqs chan *writeRequest
	done chan struct{}
	once sync.Once
}

func newPacketWriter(w io.Writer, queueSize int) *packetWriter {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &packetWriter{
		w:    w,
		reqs: make(chan *writeRequest, queueSize),
		done: make(chan struct{}),
	}
}

func (pw *packetWriter) run() {
	for {
		select {
		case <-pw.done:
			return
		case req := <-pw.reqs:
			if !req.claimed.CompareAndSwap(false, true) {
				continue
			}
			select {
			case <-pw.done:
				req.result <- errAbandoned
				return
			default:
			}
			_, err := pw.w.Write(req.pkt)
			req.result <- err
		}
	}
}

// write blocks until pkt has been written, or the writer is abandoned before
// pkt reaches the device. A write already in progress when the writer is
// abandoned reports its own result.
func (pw *packetWriter) write(pkt []byte) error {
	req := &writeRequest{pkt: pkt, result: make(chan error, 1)}
	select {
	case <-pw.done:
		return errAbandoned
	case pw.reqs <- req:
	}
	select {
	case err := <-req.result:
		return err
	case <-pw.done:
		if req.claimed.CompareAndSwap(false, true) {
			return errAbandoned
		}
		return <-req.result
	}
}

// abandon makes every queued and future write fail with errAbandoned.
func (pw *packetWriter) abandon() {
	pw.once.Do(func() { close(pw.done) })
}
