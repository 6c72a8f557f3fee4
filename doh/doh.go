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

// Package doh is a POST-only DNS-over-HTTPS (RFC 8484) client.
package doh

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Jigsaw-Code/intra-dnsvpn/doh/ipmap"
	"github.com/Jigsaw-Code/intra-dnsvpn/logging"
	"github.com/Jigsaw-Code/outline-sdk/transport"
	"golang.org/x/net/dns/dnsmessage"
)

const (
	// Complete : Transaction completed successfully
	Complete = iota
	// SendFailed : Failed to send query
	SendFailed
	// HTTPError : Got a non-200 HTTP status
	HTTPError
	// BadQuery : Malformed input
	BadQuery
	// BadResponse : Response was invalid
	BadResponse
	// InternalError : This should never happen
	InternalError
)

// If the server sends an invalid reply, we start a "servfail hangover"
// of this duration, during which all queries are rejected.
// This rate-limits queries to misconfigured servers (e.g. wrong URL).
const hangoverDuration = 10 * time.Second

// maxResponseSize is the largest DNS message that fits in a UDP datagram.
const maxResponseSize = 65535

const mimetype = "application/dns-message"

// Summary is a summary of a DNS transaction, reported when it is complete.
type Summary struct {
	Latency    float64 // Response (or failure) latency in seconds
	Query      []byte
	Response   []byte
	Server     string
	Status     int
	HTTPStatus int // Zero unless Status is Complete or HTTPError
}

// A Token is an opaque handle used to match responses to queries.
type Token interface{}

// Listener receives Summaries.
type Listener interface {
	OnQuery(url string) Token
	OnResponse(Token, *Summary)
}

// Response is the HTTP response to a query. The caller must close Body.
type Response struct {
	StatusCode int
	Body       io.ReadCloser
	// Server is the address of the server that answered, if known.
	Server netip.Addr
}

// Transport represents a DNS-over-HTTPS (DoH) server.
type Transport interface {
	// Query sends a DNS query represented by q (including ID) to this DoH server
	// (located at GetURL) using the provided context, and returns the corresponding
	// response.
	//
	// A non-nil error will be returned if no response was received from the DoH server,
	// the error may also be accompanied by a SERVFAIL response if appropriate.
	Query(ctx context.Context, q []byte) ([]byte, error)

	// RoundTrip sends q and returns the HTTP response without validating it.
	// The query ID is hidden from the server, so the response carries ID 0.
	RoundTrip(ctx context.Context, q []byte) (*Response, error)

	// Return the server URL used to initialize this DoH transport.
	GetURL() string
}

type dohTransport struct {
	url                string
	hostname           string
	port               int
	ips                ipmap.IPMap
	client             http.Client
	dialer             *net.Dialer
	listener           Listener
	hangoverLock       sync.RWMutex
	hangoverExpiration time.Time
}

// Wait up to three seconds for the TCP handshake to complete.
const tcpTimeout time.Duration = 3 * time.Second

func (t *dohTransport) dialIP(ctx context.Context, ip netip.Addr) (net.Conn, error) {
	sd := &transport.TCPStreamDialer{Dialer: *t.dialer}
	return sd.Dial(ctx, netip.AddrPortFrom(ip, uint16(t.port)).String())
}

func (t *dohTransport) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	logging.Debug("DoH(transport.dial) - dialing", "addr", addr)
	domain, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	// TODO: Improve IP fallback strategy with parallelism and Happy Eyeballs.
	var conn net.Conn
	ips := t.ips.Get(domain)
	confirmed := ips.Confirmed()
	if confirmed.IsValid() {
		logging.Debug("DoH(transport.dial) - trying confirmed IP", "confirmedIP", confirmed, "addr", addr)
		if conn, err = t.dialIP(ctx, confirmed); err == nil {
			logging.Info("DoH(transport.dial) - confirmed IP worked", "confirmedIP", confirmed)
			return conn, nil
		}
		logging.Debug("DoH(transport.dial) - confirmed IP failed", "confirmedIP", confirmed, "err", err)
		ips.Disconfirm(confirmed)
	}

	logging.Debug("DoH(transport.dial) - trying all IPs")
	err = fmt.Errorf("no IP addresses for %s", domain)
	for _, ip := range ips.GetAll() {
		if ip == confirmed {
			// Don't try this IP twice.
			continue
		}
		if conn, err = t.dialIP(ctx, ip); err == nil {
			logging.Info("DoH(transport.dial) - found working IP", "ip", ip)
			return conn, nil
		}
	}
	return nil, err
}

// NewTransport returns a DoH [Transport], ready for use.
// This is a POST-only DoH implementation, so the DoH template should be a URL.
//
// `rawurl` is the DoH template in string form.
//
// `addrs` is a list of domains or IP addresses to use as fallback, if the hostname lookup fails or
// returns non-working addresses.
//
// `dialer` is the dialer that the [Transport] will use.  The [Transport] will copy the dialer
// and set its timeout.
//
// `listener` will receive the status of each query sent with Query when it is complete.
func NewTransport(rawurl string, addrs []string, dialer *net.Dialer, listener Listener) (Transport, error) {
	return newTransport(rawurl, addrs, dialer, listener, nil)
}

func newTransport(rawurl string, addrs []string, dialer *net.Dialer, listener Listener, tlsconfig *tls.Config) (*dohTransport, error) {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	d := *dialer
	d.Timeout = tcpTimeout

	parsedurl, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if parsedurl.Scheme != "https" {
		return nil, fmt.Errorf("bad scheme: %s", parsedurl.Scheme)
	}
	// Resolve the hostname and put those addresses first.
	port := 443
	if portStr := parsedurl.Port(); len(portStr) > 0 {
		if port, err = strconv.Atoi(portStr); err != nil {
			return nil, err
		}
	}

	t := &dohTransport{
		url:      rawurl,
		hostname: parsedurl.Hostname(),
		port:     port,
		listener: listener,
		dialer:   &d,
		ips:      ipmap.NewIPMap(d.Resolver),
	}
	ips := t.ips.Get(t.hostname)
	for _, addr := range addrs {
		ips.Add(addr)
	}
	if ips.Empty() {
		return nil, fmt.Errorf("no IP addresses for %s", t.hostname)
	}

	// Override the dial function.
	t.client.Transport = &http.Transport{
		DialContext:           t.dial,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second, // Same value as Android DNS-over-TLS
		TLSClientConfig:       tlsconfig,
	}
	return t, nil
}

type queryError struct {
	status int
	err    error
}

func (e *queryError) Error() string {
	return e.err.Error()
}

func (e *queryError) Unwrap() error {
	return e.err
}

// Status returns the status code of a query error, or InternalError if err
// did not come from a Transport.
func Status(err error) int {
	var qerr *queryError
	if errors.As(err, &qerr) {
		return qerr.status
	}
	return InternalError
}

type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP request failed: %d", e.status)
}

// exchange tracks the connection used by one HTTP request.
type exchange struct {
	id       uint16
	hostname string
	server   netip.Addr
	conn     net.Conn
	resp     *http.Response
}

// prepare pads q and hides its ID. q is not modified.
func prepare(q []byte) ([]byte, uint16, *queryError) {
	if len(q) < 2 {
		return nil, 0, &queryError{BadQuery, fmt.Errorf("query length is %d", len(q))}
	}
	padded, err := AddEdnsPadding(q)
	if err != nil {
		logging.Debug("DoH(prepare) - sending unpadded query", "err", err)
		padded = bytes.Clone(q)
	}
	id := binary.BigEndian.Uint16(padded)
	binary.BigEndian.PutUint16(padded, 0)
	return padded, id, nil
}

func (t *dohTransport) send(ctx context.Context, id uint16, q []byte) (*exchange, *queryError) {
	x := &exchange{id: id, hostname: t.hostname}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(q))
	if err != nil {
		return x, &queryError{InternalError, err}
	}

	// Add a trace to the request in order to expose the server's IP address.
	// Only GotConn performs any action; the other methods just provide debug logs.
	// GotConn runs before client.Do() returns, so there is no data race when
	// reading the variables it has set.
	trace := httptrace.ClientTrace{
		GetConn: func(hostPort string) {
			logging.Debugf("%d GetConn(%s)", id, hostPort)
		},
		GotConn: func(info httptrace.GotConnInfo) {
			logging.Debugf("%d GotConn(%v)", id, info)
			if info.Conn == nil {
				return
			}
			x.conn = info.Conn
			if addr, err := netip.ParseAddrPort(info.Conn.RemoteAddr().String()); err == nil {
				x.server = addr.Addr().Unmap()
			}
		},
		ConnectDone: func(network, addr string, err error) {
			logging.Debugf("%d ConnectDone(%s, %s, %v)", id, network, addr, err)
		},
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			logging.Debugf("%d TLSHandshakeDone(%v, %v)", id, state.NegotiatedProtocol, err)
		},
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			logging.Debugf("%d WroteRequest(%v)", id, info)
		},
		GotFirstResponseByte: func() {
			logging.Debugf("%d GotFirstResponseByte()", id)
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), &trace))

	req.Header.Set("Content-Type", mimetype)
	req.Header.Set("Accept", mimetype)
	req.Header.Set("User-Agent", "Intra")
	logging.Debug("DoH(transport.send) - sending query", "id", id)
	resp, err := t.client.Do(req)
	if err != nil {
		t.fail(x)
		return x, &queryError{SendFailed, err}
	}
	logging.Debug("DoH(transport.send) - got response", "id", id, "status", resp.StatusCode)
	x.resp = resp
	// Update the hostname, which could have changed due to a redirect.
	x.hostname = resp.Request.URL.Hostname()
	return x, nil
}

// fail closes the socket used by a failed exchange and disconfirms the server IP.
// Empirically, sockets often become unresponsive after a network change, causing
// timeouts on all requests.
func (t *dohTransport) fail(x *exchange) {
	if x.server.IsValid() {
		logging.Debug("DoH(transport.fail) - disconfirming IP", "id", x.id, "ip", x.server)
		t.ips.Get(x.hostname).Disconfirm(x.server)
	}
	if x.conn != nil {
		logging.Info("DoH(transport.fail) - closing failing DoH socket", "id", x.id)
		x.conn.Close()
	}
}

func (t *dohTransport) confirm(x *exchange) {
	if x.server.IsValid() {
		t.ips.Get(x.hostname).Confirm(x.server)
	}
}

func (t *dohTransport) RoundTrip(ctx context.Context, q []byte) (*Response, error) {
	padded, id, qerr := prepare(q)
	if qerr != nil {
		return nil, qerr
	}
	x, qerr := t.send(ctx, id, padded)
	if qerr != nil {
		return nil, qerr
	}
	// Any 2xx is handed to the caller as an answer.
	if x.resp.StatusCode >= 200 && x.resp.StatusCode <= 299 {
		t.confirm(x)
	} else {
		t.fail(x)
	}
	return &Response{StatusCode: x.resp.StatusCode, Body: x.resp.Body, Server: x.server}, nil
}

// readResponse reads and closes the body of a response to a query with the given id.
func readResponse(id uint16, resp *http.Response) ([]byte, *queryError) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logging.Debug("DoH(readResponse) - response invalid", "id", id, "status", resp.Status)
		return nil, &queryError{HTTPError, &httpError{resp.StatusCode}}
	}
	response, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, &queryError{BadResponse, err}
	}
	if len(response) > maxResponseSize {
		return nil, &queryError{BadResponse, errors.New("oversize response")}
	}
	if len(response) < 2 {
		return nil, &queryError{BadResponse, fmt.Errorf("response length is %d", len(response))}
	}
	if binary.BigEndian.Uint16(response) != 0 {
		return nil, &queryError{BadResponse, errors.New("nonzero response ID")}
	}
	binary.BigEndian.PutUint16(response, id)
	return response, nil
}

// Given a raw DNS query (including the query ID), this function sends the
// query.  If the query is successful, it returns the response and a nil qerr.  Otherwise,
// it returns a SERVFAIL response and a qerr with a status value indicating the cause.
// Independent of the query's success or failure, this function also returns the
// address of the server on a best-effort basis, or the zero Addr if the address could
// not be determined.
func (t *dohTransport) doQuery(ctx context.Context, q []byte) (response []byte, server netip.Addr, qerr *queryError) {
	if len(q) < 2 {
		qerr = &queryError{BadQuery, fmt.Errorf("query length is %d", len(q))}
		return
	}

	t.hangoverLock.RLock()
	inHangover := time.Now().Before(t.hangoverExpiration)
	t.hangoverLock.RUnlock()
	if inHangover {
		response = tryServfail(q)
		qerr = &queryError{HTTPError, errors.New("forwarder is in servfail hangover")}
		return
	}

	padded, id, qerr := prepare(q)
	if qerr != nil {
		return
	}
	var x *exchange
	if x, qerr = t.send(ctx, id, padded); qerr == nil {
		if response, qerr = readResponse(id, x.resp); qerr != nil {
			t.fail(x)
		} else {
			// Record a working IP address for this server iff qerr is nil
			t.confirm(x)
		}
	}
	server = x.server

	if qerr != nil {
		logging.Info("DoH(transport.doQuery) - done", "id", id, "queryError", qerr)
		if qerr.status != SendFailed {
			t.hangoverLock.Lock()
			t.hangoverExpiration = time.Now().Add(hangoverDuration)
			t.hangoverLock.Unlock()
		}
		response = tryServfail(q)
	}
	return
}

func (t *dohTransport) Query(ctx context.Context, q []byte) ([]byte, error) {
	var token Token
	if t.listener != nil {
		token = t.listener.OnQuery(t.url)
	}

	before := time.Now()
	response, server, qerr := t.doQuery(ctx, q)
	after := time.Now()

	errIsCancel := false
	var err error
	status := Complete
	httpStatus := http.StatusOK
	if qerr != nil {
		err = qerr
		status = qerr.status
		httpStatus = 0
		errIsCancel = errors.Is(qerr, context.Canceled)

		var herr *httpError
		if errors.As(qerr.err, &herr) {
			httpStatus = herr.status
		}
	}

	// Canceled queries are not reported: cancellation comes from a disconnect,
	// and the host may be holding its own lock while it waits for the session to stop.
	if t.listener != nil && !errIsCancel {
		var ip string
		if server.IsValid() {
			ip = server.String()
		}
		t.listener.OnResponse(token, &Summary{
			Latency:    after.Sub(before).Seconds(),
			Query:      q,
			Response:   response,
			Server:     ip,
			Status:     status,
			HTTPStatus: httpStatus,
		})
	}
	return response, err
}

func (t *dohTransport) GetURL() string {
	return t.url
}

// Servfail returns a SERVFAIL response to the query q.
func Servfail(q []byte) ([]byte, error) {
	defer logging.Debug("DoH(SERVFAIL) - response generated")
	var msg dnsmessage.Message
	if err := msg.Unpack(q); err != nil {
		return nil, err
	}
	msg.Response = true
	msg.RecursionAvailable = true
	msg.RCode = dnsmessage.RCodeServerFailure
	msg.Additionals = nil // Strip EDNS
	return msg.Pack()
}

func tryServfail(q []byte) []byte {
	response, err := Servfail(q)
	if err != nil {
		logging.Warn("DoH(SERVFAIL) - failed to construct response", "err", err)
	}
	return response
}
