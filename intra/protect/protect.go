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

// Package protect creates sockets that bypass the VPN, so that traffic to the
// DNS-over-HTTPS server does not loop back into the device.
package protect

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"syscall"

	"github.com/Jigsaw-Code/intra-dnsvpn/logging"
)

// Protector is implemented by the host platform.
type Protector interface {
	// Protect excludes the socket from the VPN. It returns false on failure.
	Protect(socket int32) bool
	// GetResolvers returns a comma-separated list of the system's DNS servers.
	GetResolvers() string
}

func makeControl(p Protector) func(string, string, syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			if !p.Protect(int32(fd)) {
				logging.Err("Protect(control) - failed to protect socket", "network", network, "address", address)
			}
		})
	}
}

// resolvers parses the system resolvers reported by p, skipping invalid
// entries.
func resolvers(p Protector) []netip.AddrPort {
	var out []netip.AddrPort
	for _, s := range strings.Split(p.GetResolvers(), ",") {
		ip, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		out = append(out, netip.AddrPortFrom(ip.Unmap(), 53))
	}
	return out
}

// MakeDialer returns a Dialer whose sockets, including those of its name
// resolver, are protected by p. A nil p yields a plain Dialer.
func MakeDialer(p Protector) *net.Dialer {
	if p == nil {
		return &net.Dialer{}
	}
	d := &net.Dialer{Control: makeControl(p)}
	rd := &net.Dialer{Control: makeControl(p)}
	servers := resolvers(p)
	d.Resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			err := errors.New("no system resolvers")
			for _, s := range servers {
				var conn net.Conn
				if conn, err = rd.DialContext(ctx, network, s.String()); err == nil {
					return conn, nil
				}
			}
			return nil, err
		},
	}
	return d
}

// MakeListenConfig returns a ListenConfig whose sockets are protected by p.
// A nil p yields a plain ListenConfig.
func MakeListenConfig(p Protector) *net.ListenConfig {
	if p == nil {
		return &net.ListenConfig{}
	}
	return &net.ListenConfig{Control: makeControl(p)}
}
