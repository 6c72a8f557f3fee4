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
	"fmt"
	"net"
	"net/netip"
)

// Waker unblocks a Resolver's pending device read during Stop.
type Waker interface {
	Wake() error
}

// WakerFunc adapts a function to the Waker interface.
type WakerFunc func() error

func (f WakerFunc) Wake() error { return f() }

// UDPWaker sends an empty UDP datagram to the fake resolver. The datagram is
// routed into the VPN device, where the read loop recognizes it as an
// interrupt.
type UDPWaker struct {
	Addr netip.AddrPort
}

func (w UDPWaker) Wake() error {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(w.Addr))
	if err != nil {
		return fmt.Errorf("failed to dial %v: %w", w.Addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(nil); err != nil {
		return fmt.Errorf("failed to wake %v: %w", w.Addr, err)
	}
	return nil
}
