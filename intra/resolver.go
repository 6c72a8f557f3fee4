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

/*
Package intra translates the DNS queries that a VPN client sends as UDP
packets into requests to a remote resolver, and writes the answers back to
the VPN device as if a conventional DNS server had sent them.

A Resolver owns the device for one session. It reads packets on a single
goroutine, forwards every valid query through the current ServerConnection,
and funnels all replies through a single writer.
*/
package intra

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/intra-dnsvpn/intra/dnsmsg"
	"github.com/Jigsaw-Code/intra-dnsvpn/intra/packet"
	"github.com/Jigsaw-Code/intra-dnsvpn/logging"
	"github.com/Jigsaw-Code/outline-sdk/network"
)

const (
	dnsPort = 53

	// maxPacketSize fits any IP packet the device can deliver.
	maxPacketSize    = 65535
	defaultQueueSize = 64

	stopTimeout = 3 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("resolver already started")
	ErrStopped        = errors.New("resolver stopped")

	errNoServer  = errors.New("no DNS server connection")
	errInterrupt = errors.New("interrupt packet")
)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Config holds the collaborators of a Resolver.
type Config struct {
	// Device is the VPN interface. Required.
	Device network.IPDevice
	// Conn forwards queries. It may be set later with SetServerConnection.
	Conn ServerConnection
	// Ledger receives telemetry. Optional.
	Ledger Ledger
	// Waker interrupts the blocked device read on Stop. Optional.
	Waker Waker
	// QueueSize bounds the number of replies waiting to be written.
	QueueSize int
}

type connBox struct {
	conn ServerConnection
}

// Resolver is the read loop that pairs each query read from the device with
// an asynchronous exchange on a ServerConnection.
type Resolver struct {
	dev    network.IPDevice
	ledger Ledger
	waker  Waker
	writer *packetWriter

	conn  atomic.Pointer[connBox]
	state atomic.Int32
	done  chan struct{}
}

// NewResolver creates an idle Resolver. Call Start to begin reading.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Device == nil {
		return nil, errors.New("device is required")
	}
	r := &Resolver{
		dev:    cfg.Device,
		ledger: cfg.Ledger,
		waker:  cfg.Waker,
		writer: newPacketWriter(cfg.Device, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	if r.ledger == nil {
		r.ledger = nopLedger{}
	}
	r.conn.Store(&connBox{cfg.Conn})
	return r, nil
}

// SetServerConnection replaces the connection used for future queries.
// Queries already in flight complete on the old connection.
func (r *Resolver) SetServerConnection(conn ServerConnection) {
	r.conn.Store(&connBox{conn})
	logging.Info("DNSResolver(SetServerConnection) - server connection updated")
}

func (r *Resolver) serverConnection() ServerConnection {
	return r.conn.Load().conn
}

// Start launches the read loop and the writer.
func (r *Resolver) Start() error {
	if !r.state.CompareAndSwap(stateIdle, stateRunning) {
		if r.state.Load() == stateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}
	go r.writer.run()
	go r.readLoop()
	logging.Info("DNSResolver(Start) - started")
	return nil
}

// Done is closed when the read loop exits, either after Stop or because the
// device failed.
func (r *Resolver) Done() <-chan struct{} {
	return r.done
}

// Stop ends the session. It wakes the read loop, waits for it to exit, and
// abandons all pending replies. Replies completing later are recorded with
// InternalError. The caller closes the device once Stop returns.
func (r *Resolver) Stop() {
	if !r.state.CompareAndSwap(stateRunning, stateStopped) {
		if r.state.CompareAndSwap(stateIdle, stateStopped) {
			close(r.done)
			r.writer.abandon()
		}
		return
	}
	if r.waker != nil {
		if err := r.waker.Wake(); err != nil {
			logging.Warn("DNSResolver(Stop) - failed to wake read loop", "err", err)
		}
	}
	select {
	case <-r.done:
	case <-time.After(stopTimeout):
		logging.Warn("DNSResolver(Stop) - read loop still blocked, closing the device will release it")
	}
	r.writer.abandon()
	logging.Info("DNSResolver(Stop) - stopped")
}

func (r *Resolver) stopped() bool {
	return r.state.Load() == stateStopped
}

func (r *Resolver) readLoop() {
	defer close(r.done)
	buf := make([]byte, maxPacketSize)
	for {
		n, err := r.dev.Read(buf)
		if r.stopped() {
			logging.Debug("DNSResolver(readLoop) - exiting after stop")
			return
		}
		if err != nil {
			if isErrClosed(err) || errors.Is(err, io.EOF) {
				logging.Info("DNSResolver(readLoop) - device closed")
			} else {
				logging.Err("DNSResolver(readLoop) - failed to read from device", "err", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		r.handlePacket(buf[:n])
	}
}

func (r *Resolver) handlePacket(b []byte) {
	meta, query, err := parseQuery(b)
	if errors.Is(err, errInterrupt) {
		logging.Info("DNSResolver(readLoop) - received interrupt packet")
		return
	}
	if err != nil {
		logging.Debug("DNSResolver(readLoop) - dropping packet", "err", err)
		contain("PacketDropped", func() { r.ledger.PacketDropped(err) })
		return
	}
	logging.Debug("DNSResolver(readLoop) - forwarding query", "query", meta)
	r.dispatch(meta, query)
	contain("QueryObserved", func() { r.ledger.QueryObserved(meta) })
}

func (r *Resolver) dispatch(meta *dnsmsg.Metadata, query []byte) {
	cb := newResponseCallback(meta, r.writer, r.ledger)
	conn := r.serverConnection()
	if conn == nil {
		cb.OnFailure(errNoServer)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			cb.OnFailure(fmt.Errorf("server connection panicked: %v", p))
		}
	}()
	conn.PerformDNSRequest(meta, query, cb)
}

// parseQuery extracts a DNS query from a raw IP packet. The returned
// Metadata holds the addressing of the reply, and the query is a copy.
func parseQuery(b []byte) (*dnsmsg.Metadata, []byte, error) {
	ip, err := packet.ParseIP(b)
	if err != nil {
		return nil, nil, err
	}
	if ip.Protocol != packet.ProtocolUDP {
		return nil, nil, fmt.Errorf("%w: received %s packet", packet.ErrUnsupportedProtocol, packet.ProtocolName(ip.Protocol))
	}
	udp, err := packet.ParseUDP(ip.Payload)
	if err != nil {
		return nil, nil, err
	}
	if udp.DstPort != dnsPort {
		return nil, nil, fmt.Errorf("%w: UDP packet to port %d", packet.ErrUnsupportedProtocol, udp.DstPort)
	}
	if udp.Empty() {
		return nil, nil, errInterrupt
	}
	meta, err := dnsmsg.Parse(udp.Payload)
	if err != nil {
		return nil, nil, err
	}
	meta.Source = netip.AddrPortFrom(ip.Dst, udp.DstPort)
	meta.Dest = netip.AddrPortFrom(ip.Src, udp.SrcPort)
	return meta, bytes.Clone(udp.Payload), nil
}
