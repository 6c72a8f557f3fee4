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
	"github.com/Jigsaw-Code/intra-dnsvpn/intra"
	"github.com/Jigsaw-Code/intra-dnsvpn/intra/dnsmsg"
	"github.com/Jigsaw-Code/intra-dnsvpn/intra/ledger"
)

// Transaction status values, reported by [TransactionStats].GetStatus.
const (
	TransactionComplete      = int(intra.Complete)
	TransactionSendFailed    = int(intra.SendFailed)
	TransactionHTTPError     = int(intra.HTTPError)
	TransactionBadResponse   = int(intra.BadResponse)
	TransactionInternalError = int(intra.InternalError)
)

// SessionListener receives the events of a [Session].
type SessionListener interface {
	// OnTransaction is called once per forwarded query, after the answer
	// was written to the tun device or the exchange failed.
	OnTransaction(*TransactionStats)
}

// TransactionStats describes a finished DNS transaction.
type TransactionStats struct {
	tx *intra.Transaction
}

func (s TransactionStats) GetName() string     { return s.tx.Name }
func (s TransactionStats) GetType() int        { return int(s.tx.Type) }
func (s TransactionStats) GetStatus() int      { return int(s.tx.Status) }
func (s TransactionStats) GetHTTPStatus() int  { return s.tx.HTTPStatus }
func (s TransactionStats) GetServer() string   { return s.tx.Server }
func (s TransactionStats) GetResponse() []byte { return s.tx.Response }

// GetQueryTime is the time the query was read, in milliseconds since the epoch.
func (s TransactionStats) GetQueryTime() int64 { return s.tx.QueryTime.UnixMilli() }

// GetLatency is the time to answer, in seconds.
func (s TransactionStats) GetLatency() float64 { return s.tx.Latency().Seconds() }

// sessionLedger forwards transactions to the application.
type sessionLedger struct {
	l SessionListener
}

var _ intra.Ledger = (*sessionLedger)(nil)

func (*sessionLedger) QueryObserved(*dnsmsg.Metadata) {}
func (*sessionLedger) PacketDropped(error)            {}

func (e *sessionLedger) RecordTransaction(tx *intra.Transaction) {
	e.l.OnTransaction(&TransactionStats{tx})
}

// SessionStats are the counters of a [Session].
type SessionStats struct {
	snap ledger.Snapshot
}

func (s SessionStats) GetQueries() int64      { return s.snap.Queries }
func (s SessionStats) GetDropped() int64      { return s.snap.Dropped }
func (s SessionStats) GetTransactions() int64 { return s.snap.Transactions }

// GetCount returns the number of transactions that ended with status.
func (s SessionStats) GetCount(status int) int64 {
	return s.snap.ByStatus[intra.Status(status).String()]
}
