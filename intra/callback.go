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
	"io"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/intra-dnsvpn/intra/dnsmsg"
	"github.com/Jigsaw-Code/intra-dnsvpn/intra/packet"
	"github.com/Jigsaw-Code/intra-dnsvpn/logging"
)

// maxResponseSize is the largest DNS message that fits in a UDP datagram.
const maxResponseSize = 65535

// responseCallback turns the result of one forwarded query into a reply
// packet and a finalized Transaction.
type responseCallback struct {
	meta   *dnsmsg.Metadata
	tx     *Transaction
	writer *packetWriter
	ledger Ledger
	fired  atomic.Bool
}

var _ ResponseCallback = (*responseCallback)(nil)

func newResponseCallback(meta *dnsmsg.Metadata, writer *packetWriter, ledger Ledger) *responseCallback {
	return &responseCallback{
		meta:   meta,
		tx:     newTransaction(meta),
		writer: writer,
		ledger: ledger,
	}
}

func (c *responseCallback) fire(fn string) bool {
	if c.fired.CompareAndSwap(false, true) {
		return true
	}
	logging.Warn("DNSCallback("+fn+") - ignoring repeated completion", "query", c.meta)
	return false
}

func (c *responseCallback) OnFailure(err error) {
	if !c.fire("OnFailure") {
		return
	}
	logging.Warn("DNSCallback(OnFailure) - failed to send query", "query", c.meta, "err", err)
	c.finish(SendFailed)
}

func (c *responseCallback) OnResponse(resp *Response) {
	if !c.fire("OnResponse") {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return
	}
	c.finish(c.handle(resp))
}

func (c *responseCallback) handle(resp *Response) Status {
	if resp == nil {
		return BadResponse
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	c.tx.Server = resp.Server
	c.tx.HTTPStatus = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logging.Debug("DNSCallback(OnResponse) - HTTP error", "query", c.meta, "status", resp.StatusCode)
		return HTTPError
	}
	if resp.Body == nil {
		return BadResponse
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		logging.Warn("DNSCallback(OnResponse) - failed to read body", "query", c.meta, "err", err)
		return BadResponse
	}
	if len(body) > maxResponseSize {
		logging.Warn("DNSCallback(OnResponse) - response too large", "query", c.meta)
		return BadResponse
	}
	// Servers may pick their own id. The client expects its own back.
	if err := dnsmsg.SetID(body, c.meta.ID); err != nil {
		logging.Warn("DNSCallback(OnResponse) - bad response", "query", c.meta, "err", err)
		return BadResponse
	}
	if reply, err := dnsmsg.Parse(body); err != nil {
		logging.Debug("DNSCallback(OnResponse) - forwarding unparsed response", "query", c.meta, "err", err)
	} else if !dnsmsg.SameName(reply.Name, c.meta.Name) {
		logging.Warn("DNSCallback(OnResponse) - name mismatch", "query", c.meta, "response", reply.Name)
		return BadResponse
	}
	c.tx.Response = body

	pkt, err := packet.BuildUDPReply(c.meta.Source, c.meta.Dest, body)
	if err != nil {
		logging.Warn("DNSCallback(OnResponse) - failed to build reply", "query", c.meta, "err", err)
		return InternalError
	}
	if err := c.writer.write(pkt); err != nil {
		logging.Warn("DNSCallback(OnResponse) - failed to write reply", "query", c.meta, "err", err)
		return InternalError
	}
	return Complete
}

func (c *responseCallback) finish(s Status) {
	c.tx.Status = s
	c.tx.ResponseTime = time.Now()
	contain("RecordTransaction", func() { c.ledger.RecordTransaction(c.tx) })
}

// contain runs a ledger call and logs, rather than propagates, any panic.
func contain(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Err("DNSResolver(ledger) - ledger panicked", "op", op, "panic", r)
		}
	}()
	fn()
}
