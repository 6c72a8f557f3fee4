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

// Package ipmap remembers the IP addresses of DNS-over-HTTPS servers, and
// which one of them is known to work.
package ipmap

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Jigsaw-Code/intra-dnsvpn/logging"
)

const lookupTimeout = 5 * time.Second

// IPMap maps hostnames to IPSets.
type IPMap interface {
	// Get returns the IPSet for hostname, resolving it on first use.
	// The result is never nil, but it may be empty.
	Get(hostname string) *IPSet
}

// NewIPMap returns an IPMap that resolves names with r, or with the default
// resolver if r is nil.
func NewIPMap(r *net.Resolver) IPMap {
	if r == nil {
		r = net.DefaultResolver
	}
	return &ipMap{m: make(map[string]*IPSet), r: r}
}

type ipMap struct {
	sync.RWMutex
	m map[string]*IPSet
	r *net.Resolver
}

func (m *ipMap) Get(hostname string) *IPSet {
	m.RLock()
	s := m.m[hostname]
	m.RUnlock()
	if s != nil {
		return s
	}

	s = &IPSet{r: m.r}
	s.Add(hostname)

	m.Lock()
	defer m.Unlock()
	if existing := m.m[hostname]; existing != nil {
		return existing
	}
	m.m[hostname] = s
	return s
}

// IPSet is the set of addresses of one server, with at most one of them
// marked as confirmed.
type IPSet struct {
	sync.RWMutex
	ips       []netip.Addr
	confirmed netip.Addr
	r         *net.Resolver
}

func (s *IPSet) add(ip netip.Addr) {
	ip = ip.Unmap()
	for _, old := range s.ips {
		if old == ip {
			return
		}
	}
	s.ips = append(s.ips, ip)
}

// Add an IP address, or all the addresses of a hostname, to the set.
func (s *IPSet) Add(hostname string) {
	if ip, err := netip.ParseAddr(hostname); err == nil {
		s.Lock()
		s.add(ip)
		s.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	ips, err := s.r.LookupNetIP(ctx, "ip", hostname)
	if err != nil {
		logging.Warn("IPMap(Add) - failed to resolve", "hostname", hostname, "err", err)
		return
	}
	s.Lock()
	defer s.Unlock()
	for _, ip := range ips {
		s.add(ip)
	}
}

// Empty reports whether the set has no addresses.
func (s *IPSet) Empty() bool {
	s.RLock()
	defer s.RUnlock()
	return len(s.ips) == 0
}

// GetAll returns a copy of the addresses in the set.
func (s *IPSet) GetAll() []netip.Addr {
	s.RLock()
	defer s.RUnlock()
	return append([]netip.Addr(nil), s.ips...)
}

// Confirmed returns the confirmed address, or the zero Addr if there is none.
func (s *IPSet) Confirmed() netip.Addr {
	s.RLock()
	defer s.RUnlock()
	return s.confirmed
}

// Confirm marks ip as working, adding it to the set if needed.
func (s *IPSet) Confirm(ip netip.Addr) {
	s.Lock()
	defer s.Unlock()
	s.add(ip)
	s.confirmed = ip.Unmap()
}

// Disconfirm clears the confirmed address if it is ip.
func (s *IPSet) Disconfirm(ip netip.Addr) {
	s.Lock()
	defer s.Unlock()
	if s.confirmed == ip.Unmap() {
		s.confirmed = netip.Addr{}
	}
}
