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

// Package ledger keeps track of the queries handled by an intra.Resolver.
package ledger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/intra-dnsvpn/intra"
	"github.com/Jigsaw-Code/intra-dnsvpn/intra/dnsmsg"
)

// DefaultHistorySize is the number of transactions kept by New(0).
const DefaultHistorySize = 100

// Tracker is an intra.Ledger that counts queries and keeps the most recent
// transactions. It is safe for concurrent use.
type Tracker struct {
	queries atomic.Int64
	dropped atomic.Int64

	mu       sync.RWMutex
	history  []*intra.Transaction
	next     int
	full     bool
	byStatus map[intra.Status]int64
	total    int64
}

var _ intra.Ledger = (*Tracker)(nil)

// New creates a Tracker that remembers up to historySize transactions.
func New(historySize int) *Tracker {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Tracker{
		history:  make([]*intra.Transaction, historySize),
		byStatus: make(map[intra.Status]int64),
	}
}

func (t *Tracker) QueryObserved(*dnsmsg.Metadata) {
	t.queries.Add(1)
}

func (t *Tracker) PacketDropped(error) {
	t.dropped.Add(1)
}

func (t *Tracker) RecordTransaction(tx *intra.Transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history[t.next] = tx
	t.next = (t.next + 1) % len(t.history)
	if t.next == 0 {
		t.full = true
	}
	t.byStatus[tx.Status]++
	t.total++
}

// Queries is the number of queries forwarded so far.
func (t *Tracker) Queries() int64 {
	return t.queries.Load()
}

// History returns the remembered transactions, oldest first.
func (t *Tracker) History() []*intra.Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.full {
		return append([]*intra.Transaction(nil), t.history[:t.next]...)
	}
	out := make([]*intra.Transaction, 0, len(t.history))
	out = append(out, t.history[t.next:]...)
	return append(out, t.history[:t.next]...)
}

// Snapshot is a summary of a Tracker, suitable for JSON encoding.
type Snapshot struct {
	Queries      int64            `json:"queries"`
	Dropped      int64            `json:"dropped_packets"`
	Transactions int64            `json:"transactions"`
	ByStatus     map[string]int64 `json:"by_status"`
	Latency      LatencyStats     `json:"latency"`
	Recent       []Entry          `json:"recent"`
}

// LatencyStats summarizes the latency of the remembered transactions.
type LatencyStats struct {
	Min   string `json:"min"`
	Max   string `json:"max"`
	Avg   string `json:"avg"`
	Count int    `json:"count"`
}

// Entry is a remembered transaction.
type Entry struct {
	Name    string    `json:"name"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Latency string    `json:"latency"`
	Status  string    `json:"status"`
	Server  string    `json:"server,omitempty"`
}

func (t *Tracker) Snapshot() Snapshot {
	history := t.History()

	t.mu.RLock()
	s := Snapshot{
		Queries:      t.queries.Load(),
		Dropped:      t.dropped.Load(),
		Transactions: t.total,
		ByStatus:     make(map[string]int64, len(t.byStatus)),
	}
	for status, n := range t.byStatus {
		s.ByStatus[status.String()] = n
	}
	t.mu.RUnlock()

	var sum, min, max time.Duration
	for i, tx := range history {
		l := tx.Latency()
		sum += l
		if i == 0 || l < min {
			min = l
		}
		if l > max {
			max = l
		}
		s.Recent = append(s.Recent, Entry{
			Name:    tx.Name,
			Type:    tx.Type.String(),
			Time:    tx.QueryTime,
			Latency: l.String(),
			Status:  tx.Status.String(),
			Server:  tx.Server,
		})
	}
	if n := len(history); n > 0 {
		s.Latency = LatencyStats{
			Min:   min.String(),
			Max:   max.String(),
			Avg:   (sum / time.Duration(n)).String(),
			Count: n,
		}
	}
	return s
}

type multi []intra.Ledger

// Multi returns a Ledger that forwards every event to each of ls in order.
func Multi(ls ...intra.Ledger) intra.Ledger {
	return multi(ls)
}

func (m multi) QueryObserved(meta *dnsmsg.Metadata) {
	for _, l := range m {
		l.QueryObserved(meta)
	}
}

func (m multi) PacketDropped(err error) {
	for _, l := range m {
		l.PacketDropped(err)
	}
}

func (m multi) RecordTransaction(tx *intra.Transaction) {
	for _, l := range m {
		l.RecordTransaction(tx)
	}
}
