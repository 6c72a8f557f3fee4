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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// overlapWriter fails if two writes ever run at the same time.
type overlapWriter struct {
	active  atomic.Int32
	writes  atomic.Int32
	overlap atomic.Bool
}

func (w *overlapWriter) Write(b []byte) (int, error) {
	if w.active.Add(1) != 1 {
		w.overlap.Store(true)
	}
	defer w.active.Add(-1)
	w.writes.Add(1)
	return len(b), nil
}

func TestPacketWriterSerializes(t *testing.T) {
	w := &overlapWriter{}
	pw := newPacketWriter(w, 4)
	go pw.run()
	defer pw.abandon()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, pw.write([]byte{1, 2, 3}))
		}()
	}
	wg.Wait()
	require.Equal(t, int32(100), w.writes.Load())
	require.False(t, w.overlap.Load())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("device gone") }

func TestPacketWriterReportsErrors(t *testing.T) {
	pw := newPacketWriter(failingWriter{}, 0)
	go pw.run()
	defer pw.abandon()
	require.EqualError(t, pw.write([]byte{1}), "device gone")
}

func TestPacketWriterAbandon(t *testing.T) {
	w := &overlapWriter{}
	pw := newPacketWriter(w, 1)
	pw.abandon()
	pw.abandon()
	go pw.run()
	require.ErrorIs(t, pw.write([]byte{1}), errAbandoned)
	require.Zero(t, w.writes.Load())
}

// gatedWriter blocks every Write until release is closed.
type gatedWriter struct {
	entered chan struct{}
	release chan struct{}
	writes  atomic.Int32
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	w.entered <- struct{}{}
	<-w.release
	w.writes.Add(1)
	return len(b), nil
}

func TestPacketWriterAbandonDuringWrite(t *testing.T) {
	w := &gatedWriter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	pw := newPacketWriter(w, 1)
	go pw.run()

	result := make(chan error, 1)
	go func() { result <- pw.write([]byte{1}) }()
	<-w.entered
	pw.abandon()

	select {
	case err := <-result:
		t.Fatalf("write returned %v while the device write was in progress", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(w.release)
	require.NoError(t, <-result)
	require.Equal(t, int32(1), w.writes.Load())

	// Later writes are refused without touching the device.
	require.ErrorIs(t, pw.write([]byte{2}), errAbandoned)
	require.Equal(t, int32(1), w.writes.Load())
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "BadResponse", BadResponse.String())
	require.Equal(t, "Status(3)", Status(3).String())
}
