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
	"io"
	"time"

	"github.com/Jigsaw-Code/intra-dnsvpn/intra/dnsmsg"
	"golang.org/x/net/dns/dnsmessage"
)

// Status is the outcome of a single DNS transaction. The values match the
// status codes reported by the doh package.
type Status int

const (
	Complete      Status = 0
	SendFailed    Status = 1
	HTTPError     Status = 2
	BadResponse   Status = 4
	InternalError Status = 5
)

func (s Status) String() string {
	switch s {
	case Complete:
		return "Complete"
	case SendFailed:
		return "SendFailed"
	case HTTPError:
		return "HTTPError"
	case BadResponse:
		return "BadResponse"
	case InternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Transaction records the outcome of one query forwarded by the Resolver.
// It is finalized exactly once and must not be modified by the Ledger.
type Transaction struct {
	Name         string
	Type         dnsmessage.Type
	QueryTime    time.Time
	ResponseTime time.Time
	Status       Status
	// HTTPStatus is zero unless a response was received.
	HTTPStatus int
	// Response is the DNS response, with the query's id, if one was received.
	Response []byte
	// Server is the address of the server that answered, if known.
	Server string
}

func newTransaction(meta *dnsmsg.Metadata) *Transaction {
	return &Transaction{
		Name:      meta.Name,
		Type:      meta.Type,
		QueryTime: meta.Timestamp,
	}
}

// Latency is the time between the arrival of the query and its completion.
func (t *Transaction) Latency() time.Duration {
	return t.ResponseTime.Sub(t.QueryTime)
}

// Response is the HTTP level result of a forwarded query.
type Response struct {
	StatusCode int
	// Body holds the DNS response. It is closed by the callback.
	Body io.ReadCloser
	// Server identifies the server that answered, typically its IP address.
	Server string
}

// ResponseCallback receives the result of a forwarded query. Exactly one of
// its methods is called, exactly once.
type ResponseCallback interface {
	OnResponse(resp *Response)
	OnFailure(err error)
}

// ServerConnection forwards DNS queries to a resolver. PerformDNSRequest must
// not block: the exchange runs asynchronously and completes through cb.
type ServerConnection interface {
	PerformDNSRequest(meta *dnsmsg.Metadata, query []byte, cb ResponseCallback)
}

// Ledger receives telemetry from the Resolver. It must be safe for
// concurrent use and should return quickly.
type Ledger interface {
	// QueryObserved is called after each query is dispatched.
	QueryObserved(meta *dnsmsg.Metadata)
	// PacketDropped is called when a packet read from the device is discarded.
	PacketDropped(err error)
	// RecordTransaction is called once per dispatched query.
	RecordTransaction(t *Transaction)
}

type nopLedger struct{}

func (nopLedger) QueryObserved(*dnsmsg.Metadata) {}
func (nopLedger) PacketDropped(error)            {}
func (nopLedger) RecordTransaction(*Transaction) {}
