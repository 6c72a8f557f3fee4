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

package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// PrivateAddress describes the VPN interface subnet. Address is assigned to
// the interface and Router is where the fake DNS server lives.
type PrivateAddress struct {
	Subnet  netip.Prefix
	Address netip.Addr
	Router  netip.Addr
}

func (p PrivateAddress) String() string {
	return fmt.Sprintf("{subnet: %v, address: %v, router: %v}", p.Subnet, p.Address, p.Router)
}

// InterfacePrefix is the interface address with the subnet length.
func (p PrivateAddress) InterfacePrefix() netip.Prefix {
	return netip.PrefixFrom(p.Address, p.Subnet.Bits())
}

func newPrivateAddress(base netip.Addr, bits int) PrivateAddress {
	addr := base.Next()
	return PrivateAddress{
		Subnet:  netip.PrefixFrom(base, bits),
		Address: addr,
		Router:  addr.Next(),
	}
}

var (
	// ErrNoPrivateAddress means every candidate range is in use.
	ErrNoPrivateAddress = errors.New("no unused private address range")

	// PrivateIPv6 is the IPv6 subnet of the VPN interface.
	PrivateIPv6 = newPrivateAddress(netip.MustParseAddr("fd66:f83a:c650::"), 120)

	candidates = []struct {
		PrivateAddress
		// block is the whole private range; any local address in it
		// disqualifies the candidate.
		block netip.Prefix
	}{
		{newPrivateAddress(netip.MustParseAddr("10.0.0.0"), 8), netip.MustParsePrefix("10.0.0.0/8")},
		{newPrivateAddress(netip.MustParseAddr("172.16.0.0"), 12), netip.MustParsePrefix("172.16.0.0/12")},
		{newPrivateAddress(netip.MustParseAddr("192.168.0.0"), 16), netip.MustParsePrefix("192.168.0.0/16")},
		{newPrivateAddress(netip.MustParseAddr("169.254.1.0"), 24), netip.MustParsePrefix("169.254.1.0/24")},
	}
)

// SelectPrivateAddress returns the first IPv4 candidate among 10.0.0.0/8,
// 172.16.0.0/12, 192.168.0.0/16 and 169.254.1.0/24 that contains none of
// the non-loopback addresses in inUse.
func SelectPrivateAddress(inUse []netip.Addr) (PrivateAddress, error) {
next:
	for _, c := range candidates {
		for _, a := range inUse {
			a = a.Unmap()
			if a.Is4() && !a.IsLoopback() && c.block.Contains(a) {
				continue next
			}
		}
		return c.PrivateAddress, nil
	}
	return PrivateAddress{}, ErrNoPrivateAddress
}

// LocalAddrs lists the addresses of the local network interfaces.
func LocalAddrs() ([]netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("failed to list interface addresses: %w", err)
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if p, err := netip.ParsePrefix(a.String()); err == nil {
			out = append(out, p.Addr())
		}
	}
	return out, nil
}
