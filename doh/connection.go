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
	"time"

	"github.com/Jigsaw-Code/intra-dnsvpn/intra"
	"github.com/Jigsaw-Code/intra-dnsvpn/intra/dnsmsg"
	"github.com/Jigsaw-Code/intra-dnsvpn/logging"
)

// DefaultRequestTimeout bounds a whole exchange, including reading the body.
const DefaultRequestTimeout = 30 * time.Second

type serverConnection struct {
	t       Transport
	timeout time.Duration
}

// NewServerConnection lets an intra.Resolver forward queries through t.
// Each query runs on its own goroutine and is abandoned after timeout, so
// that its callback always completes.
func NewServerConnection(t Transport, timeout time.Duration) intra.ServerConnection {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &serverConnection{t: t, timeout: timeout}
}

func (c *serverConnection) PerformDNSRequest(meta *dnsmsg.Metadata, query []byte, cb intra.ResponseCallback) {
	go c.exchange(meta, query, cb)
}

func (c *serverConnection) exchange(meta *dnsmsg.Metadata, query []byte, cb intra.ResponseCallback) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	resp, err := c.t.RoundTrip(ctx, query)
	if err != nil {
		logging.Debug("DoH(serverConnection) - request failed", "query", meta, "err", err)
		cb.OnFailure(err)
		return
	}
	var server string
	if resp.Server.IsValid() {
		server = resp.Server.String()
	}
	// The callback reads the body before cancel runs, so the timeout covers it.
	cb.OnResponse(&intra.Response{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Server:     server,
	})
}
