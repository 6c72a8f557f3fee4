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

package backend

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/Jigsaw-Code/intra-dnsvpn/intra"
	"github.com/Jigsaw-Code/intra-dnsvpn/intra/ledger"
	"github.com/Jigsaw-Code/intra-dnsvpn/intra/protect"
	"github.com/Jigsaw-Code/intra-dnsvpn/logging"
	"github.com/Jigsaw-Code/intra-dnsvpn/tuntap"
	"github.com/Jigsaw-Code/outline-sdk/network"
)

// Session is a running DNS VPN session.
type Session struct {
	r       *intra.Resolver
	dev     network.IPDevice
	tracker *ledger.Tracker
	once    sync.Once
}

// SetDoHServer switches the session to svr. Queries already sent to the
// previous server still complete.
func (s *Session) SetDoHServer(svr *DoHServer) {
	if svr == nil {
		s.r.SetServerConnection(nil)
		return
	}
	s.r.SetServerConnection(svr.conn)
}

// Disconnect stops the session and closes the tun device. It is safe to
// call more than once.
func (s *Session) Disconnect() {
	s.once.Do(func() {
		s.r.Stop()
		if err := s.dev.Close(); err != nil {
			logging.Warn("IntraSession(Disconnect) - failed to close tun device", "err", err)
		}
		logging.Info("IntraSession(Disconnect) - session closed")
	})
}

// GetStats returns the counters of this session.
func (s *Session) GetStats() *SessionStats {
	return &SessionStats{s.tracker.Snapshot()}
}

// ConnectSession reads DNS queries from the tun device fd and answers them
// through dohdns until Disconnect is called.
//
// fd is the tun device. It is duplicated, so the caller still owns and must
// close it.
//
// fakedns is the address of the DNS server configured on the VPN, for
// example "10.111.222.3:53". Sending an empty datagram there wakes the
// session when it stops.
//
// protector is ignored. It is kept so the gomobile signature matches the
// app's. DoH sockets are protected by the protector given to NewDoHServer,
// and the wake datagram must stay inside the VPN, so it is not protected.
//
// listener, if not nil, is notified of every DNS transaction.
func ConnectSession(
	fd int, fakedns string, dohdns *DoHServer, protector protect.Protector, listener SessionListener,
) (*Session, error) {
	if dohdns == nil {
		return nil, errors.New("dohdns must not be nil")
	}
	fakeAddr, err := parseFakeDNS(fakedns)
	if err != nil {
		return nil, err
	}
	dev, err := tuntap.MakeTunDeviceFromFD(fd)
	if err != nil {
		return nil, err
	}

	tracker := ledger.New(ledger.DefaultHistorySize)
	var l intra.Ledger = tracker
	if listener != nil {
		l = ledger.Multi(tracker, &sessionLedger{listener})
	}
	r, err := intra.NewResolver(intra.Config{
		Device: dev,
		Conn:   dohdns.conn,
		Ledger: l,
		Waker:  intra.UDPWaker{Addr: fakeAddr},
	})
	if err != nil {
		dev.Close()
		return nil, err
	}
	if err := r.Start(); err != nil {
		dev.Close()
		return nil, err
	}
	logging.Info("IntraSession(ConnectSession) - session started", "fakedns", fakeAddr, "server", dohdns.GetURL())
	return &Session{r: r, dev: dev, tracker: tracker}, nil
}

// parseFakeDNS accepts an address with or without port, defaulting to 53.
func parseFakeDNS(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid fakedns address %q: %w", s, err)
	}
	return netip.AddrPortFrom(a, 53), nil
}
