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

package doh

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jigsaw-Code/intra-dnsvpn/intra"
	"github.com/Jigsaw-Code/intra-dnsvpn/intra/dnsmsg"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

// offlineResolver fails every lookup without touching the network.
var offlineResolver = &net.Resolver{
	PreferGo: true,
	Dial: func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("offline")
	},
}

type received struct {
	id     uint16
	length int
}

type testServer struct {
	*httptest.Server
	hits     atomic.Int32
	received chan received
}

// newTestServer starts a DoH server. respond writes the answer to q.
func newTestServer(t *testing.T, respond func(w http.ResponseWriter, q *dns.Msg)) *testServer {
	s := &testServer{received: make(chan received, 16)}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != mimetype {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		q := new(dns.Msg)
		if err := q.Unpack(body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.received <- received{id: q.Id, length: len(body)}
		respond(w, q)
	}))
	t.Cleanup(s.Close)
	return s
}

func answer(w http.ResponseWriter, q *dns.Msg) {
	r := new(dns.Msg)
	r.SetReply(q)
	r.Answer = append(r.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP("192.0.2.10").To4(),
	})
	b, _ := r.Pack()
	w.Header().Set("Content-Type", mimetype)
	w.Write(b)
}

func (s *testServer) tlsConfig() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(s.Certificate())
	return &tls.Config{RootCAs: pool}
}

func (s *testServer) transport(t *testing.T, listener Listener) *dohTransport {
	tr, err := newTransport(s.URL+"/dns-query", nil, nil, listener, s.tlsConfig())
	require.NoError(t, err)
	return tr
}

func makeQuery(t *testing.T, name string, id uint16) []byte {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	m.Id = id
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

type fakeListener struct {
	summaries chan *Summary
}

func newFakeListener() *fakeListener {
	return &fakeListener{summaries: make(chan *Summary, 16)}
}

func (l *fakeListener) OnQuery(url string) Token       { return url }
func (l *fakeListener) OnResponse(_ Token, s *Summary) { l.summaries <- s }

func TestRoundTrip(t *testing.T) {
	srv := newTestServer(t, answer)
	tr := srv.transport(t, nil)

	q := makeQuery(t, "example.com.", 0x1234)
	resp, err := tr.RoundTrip(context.Background(), q)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), resp.Server)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, uint16(0), binary.BigEndian.Uint16(body))

	got := <-srv.received
	require.Zero(t, got.id)
	require.Zero(t, got.length%PaddingBlockSize)
	require.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(q), "query must not be modified")
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), tr.ips.Get("127.0.0.1").Confirmed())
}

func TestRoundTripHTTPError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ *dns.Msg) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	tr := srv.transport(t, nil)
	resp, err := tr.RoundTrip(context.Background(), makeQuery(t, "example.com.", 1))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.False(t, tr.ips.Get("127.0.0.1").Confirmed().IsValid())
}

func TestRoundTripAcceptsAny2xx(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, q *dns.Msg) {
		r := new(dns.Msg)
		r.SetReply(q)
		b, _ := r.Pack()
		w.Header().Set("Content-Type", mimetype)
		w.WriteHeader(http.StatusNonAuthoritativeInfo)
		w.Write(b)
	})
	tr := srv.transport(t, nil)

	resp, err := tr.RoundTrip(context.Background(), makeQuery(t, "example.com.", 1))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNonAuthoritativeInfo, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(body), 12)
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), tr.ips.Get("127.0.0.1").Confirmed())
}

func TestQuery(t *testing.T) {
	srv := newTestServer(t, answer)
	listener := newFakeListener()
	tr := srv.transport(t, listener)

	q := makeQuery(t, "example.com.", 0x1234)
	resp, err := tr.Query(context.Background(), q)
	require.NoError(t, err)

	r := new(dns.Msg)
	require.NoError(t, r.Unpack(resp))
	require.Equal(t, uint16(0x1234), r.Id)
	require.Len(t, r.Answer, 1)

	s := <-listener.summaries
	require.Equal(t, Complete, s.Status)
	require.Equal(t, http.StatusOK, s.HTTPStatus)
	require.Equal(t, "127.0.0.1", s.Server)
	require.Equal(t, q, s.Query)
	require.Equal(t, resp, s.Response)
	require.GreaterOrEqual(t, s.Latency, 0.0)
}

func TestQueryHTTPErrorStartsHangover(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ *dns.Msg) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	listener := newFakeListener()
	tr := srv.transport(t, listener)

	q := makeQuery(t, "example.com.", 0x4321)
	resp, err := tr.Query(context.Background(), q)
	require.Error(t, err)
	require.Equal(t, HTTPError, Status(err))

	var msg dnsmessage.Message
	require.NoError(t, msg.Unpack(resp))
	require.Equal(t, dnsmessage.RCodeServerFailure, msg.RCode)
	require.Equal(t, uint16(0x4321), msg.ID)

	s := <-listener.summaries
	require.Equal(t, HTTPError, s.Status)
	require.Equal(t, http.StatusInternalServerError, s.HTTPStatus)

	_, err = tr.Query(context.Background(), q)
	require.ErrorContains(t, err, "hangover")
	require.Equal(t, int32(1), srv.hits.Load())
}

func TestQueryNonzeroResponseID(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, q *dns.Msg) {
		q.Id = 7
		answer(w, q)
	})
	_, err := srv.transport(t, nil).Query(context.Background(), makeQuery(t, "example.com.", 1))
	require.Equal(t, BadResponse, Status(err))
}

func TestQueryBadQuery(t *testing.T) {
	srv := newTestServer(t, answer)
	resp, err := srv.transport(t, nil).Query(context.Background(), []byte{1})
	require.Equal(t, BadQuery, Status(err))
	require.Nil(t, resp)
	require.Zero(t, srv.hits.Load())
}

func TestQuerySendFailed(t *testing.T) {
	srv := newTestServer(t, answer)
	tr := srv.transport(t, nil)
	srv.Close()

	_, err := tr.Query(context.Background(), makeQuery(t, "example.com.", 1))
	require.Equal(t, SendFailed, Status(err))
	tr.hangoverLock.RLock()
	defer tr.hangoverLock.RUnlock()
	require.True(t, tr.hangoverExpiration.IsZero(), "send failures must not start a hangover")
}

func TestQueryCanceledIsNotReported(t *testing.T) {
	srv := newTestServer(t, answer)
	listener := newFakeListener()
	tr := srv.transport(t, listener)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Query(ctx, makeQuery(t, "example.com.", 1))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, listener.summaries)
}

func TestFallbackAddress(t *testing.T) {
	srv := newTestServer(t, answer)
	port := srv.Listener.Addr().(*net.TCPAddr).Port
	url := fmt.Sprintf("https://example.com:%d/dns-query", port)

	dialer := &net.Dialer{Resolver: offlineResolver}
	tr, err := newTransport(url, []string{"127.0.0.1"}, dialer, nil, srv.tlsConfig())
	require.NoError(t, err)
	_, err = tr.Query(context.Background(), makeQuery(t, "example.com.", 3))
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), tr.ips.Get("example.com").Confirmed())
}

func TestNewTransportErrors(t *testing.T) {
	_, err := NewTransport("http://dns.example/dns-query", []string{"192.0.2.1"}, nil, nil)
	require.Error(t, err)

	_, err = NewTransport("https://dns.example:port/", []string{"192.0.2.1"}, nil, nil)
	require.Error(t, err)

	dialer := &net.Dialer{Resolver: offlineResolver}
	_, err = NewTransport("https://dns.example.invalid/dns-query", nil, dialer, nil)
	require.ErrorContains(t, err, "no IP addresses")

	tr, err := NewTransport("https://dns.example.invalid/dns-query", []string{"192.0.2.1"}, dialer, nil)
	require.NoError(t, err)
	require.Equal(t, "https://dns.example.invalid/dns-query", tr.GetURL())
}

func TestServfail(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeAAAA)
	m.Id = 0xbeef
	m.SetEdns0(4096, false)
	q, err := m.Pack()
	require.NoError(t, err)

	b, err := Servfail(q)
	require.NoError(t, err)
	r := new(dns.Msg)
	require.NoError(t, r.Unpack(b))
	require.True(t, r.Response)
	require.True(t, r.RecursionAvailable)
	require.Equal(t, dns.RcodeServerFailure, r.Rcode)
	require.Equal(t, uint16(0xbeef), r.Id)
	require.Empty(t, r.Extra)
	require.Equal(t, m.Question, r.Question)

	_, err = Servfail([]byte{1, 2, 3})
	require.Error(t, err)
}

type recordingCallback struct {
	resp chan *intra.Response
	err  chan error
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{resp: make(chan *intra.Response, 1), err: make(chan error, 1)}
}

func (c *recordingCallback) OnResponse(r *intra.Response) { c.resp <- r }
func (c *recordingCallback) OnFailure(err error)          { c.err <- err }

func TestServerConnection(t *testing.T) {
	srv := newTestServer(t, answer)
	conn := NewServerConnection(srv.transport(t, nil), 0)

	cb := newRecordingCallback()
	conn.PerformDNSRequest(&dnsmsg.Metadata{Name: "example.com"}, makeQuery(t, "example.com.", 9), cb)
	select {
	case resp := <-cb.resp:
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "127.0.0.1", resp.Server)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		meta, err := dnsmsg.Parse(body)
		require.NoError(t, err)
		require.Equal(t, "example.com", meta.Name)
	case err := <-cb.err:
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}

func TestServerConnectionFailure(t *testing.T) {
	srv := newTestServer(t, answer)
	tr := srv.transport(t, nil)
	srv.Close()

	cb := newRecordingCallback()
	NewServerConnection(tr, time.Second).PerformDNSRequest(&dnsmsg.Metadata{}, makeQuery(t, "example.com.", 9), cb)
	select {
	case err := <-cb.err:
		require.Equal(t, SendFailed, Status(err))
	case <-cb.resp:
		t.Fatal("unexpected response")
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}

func TestServerConnectionTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := newTestServer(t, func(http.ResponseWriter, *dns.Msg) { <-release })
	defer close(release)

	cb := newRecordingCallback()
	NewServerConnection(srv.transport(t, nil), 100*time.Millisecond).
		PerformDNSRequest(&dnsmsg.Metadata{}, makeQuery(t, "example.com.", 9), cb)
	select {
	case err := <-cb.err:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-cb.resp:
		t.Fatal("unexpected response")
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}

func TestProbe(t *testing.T) {
	srv := newTestServer(t, answer)
	require.NoError(t, Probe(context.Background(), srv.transport(t, nil)))
	got := <-srv.received
	require.Zero(t, got.id)
}

func TestProbeRejectsServfail(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, q *dns.Msg) {
		r := new(dns.Msg)
		r.SetRcode(q, dns.RcodeRefused)
		b, _ := r.Pack()
		w.Write(b)
	})
	require.ErrorContains(t, Probe(context.Background(), srv.transport(t, nil)), "REFUSED")
}

func TestProbeRejectsWrongQuestion(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, q *dns.Msg) {
		q.Question[0].Name = "example.com."
		answer(w, q)
	})
	require.ErrorContains(t, Probe(context.Background(), srv.transport(t, nil)), "wrong question")
}
