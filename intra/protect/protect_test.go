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

package protect

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

// The fake protector just records the file descriptors it was given.
type fakeProtector struct {
	mu        sync.Mutex
	fds       []int32
	resolvers string
}

func (p *fakeProtector) Protect(fd int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fds = append(p.fds, fd)
	return true
}

func (p *fakeProtector) GetResolvers() string {
	if p.resolvers == "" {
		return "8.8.8.8,2001:4860:4860::8888"
	}
	return p.resolvers
}

func (p *fakeProtector) protected() []int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int32(nil), p.fds...)
}

func requireProtected(t *testing.T, conn syscall.Conn, p *fakeProtector) {
	rawconn, err := conn.SyscallConn()
	require.NoError(t, err)
	require.NoError(t, rawconn.Control(func(fd uintptr) {
		fds := p.protected()
		require.NotEmpty(t, fds, "no file descriptors")
		require.Equal(t, fds[0], int32(fd))
	}))
}

func TestDialTCP(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()
	go l.Accept()

	p := &fakeProtector{}
	d := MakeDialer(p)
	require.NotNil(t, d.Control)

	conn, err := d.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	requireProtected(t, conn.(*net.TCPConn), p)
}

func TestListenUDP(t *testing.T) {
	p := &fakeProtector{}
	c := MakeListenConfig(p)

	conn, err := c.ListenPacket(context.Background(), "udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	requireProtected(t, conn.(*net.UDPConn), p)
}

func TestLookupIPAddr(t *testing.T) {
	p := &fakeProtector{}
	d := MakeDialer(p)
	d.Resolver.LookupIPAddr(context.Background(), "foo.test.")
	require.NotEmpty(t, p.protected(), "Protect was not called")
}

func TestResolvers(t *testing.T) {
	p := &fakeProtector{resolvers: " 1.1.1.1, bogus,,::ffff:9.9.9.9,2606:4700::1111"}
	require.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("1.1.1.1:53"),
		netip.MustParseAddrPort("9.9.9.9:53"),
		netip.MustParseAddrPort("[2606:4700::1111]:53"),
	}, resolvers(p))
}

func TestNilDialer(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()
	go l.Accept()

	d := MakeDialer(nil)
	require.Nil(t, d.Control)
	conn, err := d.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestNilListener(t *testing.T) {
	c := MakeListenConfig(nil)
	conn, err := c.ListenPacket(context.Background(), "udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn.Close()
}
