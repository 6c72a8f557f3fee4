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

// Package dnsmsg validates wire-format DNS messages and extracts the fields
// needed to correlate a query with its response.
package dnsmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

var (
	// ErrInvalidMessage means the message could not be parsed, or has a shape
	// that is neither a normal query nor a response.
	ErrInvalidMessage = errors.New("invalid DNS message")
	// ErrNoQuestion means the message has no question, or its question type is 0.
	ErrNoQuestion = errors.New("no question in DNS message")
)

const headerLen = 12

// Metadata describes a DNS query or response. Source and Dest are only set
// for queries read from the VPN interface, and hold the addressing of the
// reply: Source is the fake resolver and Dest is the client.
type Metadata struct {
	ID        uint16
	Name      string
	Type      dnsmessage.Type
	Response  bool
	Timestamp time.Time

	Source netip.AddrPort
	Dest   netip.AddrPort
}

func (m *Metadata) String() string {
	kind := "query"
	if m.Response {
		kind = "response"
	}
	return fmt.Sprintf("%s id=%#04x name=%s type=%v", kind, m.ID, m.Name, m.Type)
}

// Parse validates b as a complete DNS message and returns its metadata.
// Only normal queries (QR=0, standard opcode, at least one question, and no
// answer or authority records) and responses are accepted.
func Parse(b []byte) (*Metadata, error) {
	var p dnsmessage.Parser
	h, err := p.Start(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	qs, err := p.AllQuestions()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := p.SkipAllAnswers(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := p.SkipAllAuthorities(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := p.SkipAllAdditionals(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	if !h.Response && !isNormalQuery(h, b) {
		return nil, fmt.Errorf("%w: unexpected query shape", ErrInvalidMessage)
	}
	if len(qs) == 0 || qs[0].Type == 0 {
		return nil, ErrNoQuestion
	}
	return &Metadata{
		ID:        h.ID,
		Name:      nameString(qs[0].Name),
		Type:      qs[0].Type,
		Response:  h.Response,
		Timestamp: time.Now(),
	}, nil
}

// isNormalQuery must only be called after b has been parsed successfully.
func isNormalQuery(h dnsmessage.Header, b []byte) bool {
	qdcount := binary.BigEndian.Uint16(b[4:6])
	ancount := binary.BigEndian.Uint16(b[6:8])
	nscount := binary.BigEndian.Uint16(b[8:10])
	return !h.Response && h.OpCode == 0 && qdcount >= 1 && ancount == 0 && nscount == 0
}

func nameString(n dnsmessage.Name) string {
	s := n.String()
	if s == "." {
		return s
	}
	return strings.TrimSuffix(s, ".")
}

// SetID overwrites the transaction id in the header of b.
func SetID(b []byte, id uint16) error {
	if len(b) < headerLen {
		return fmt.Errorf("%w: %d bytes is shorter than a DNS header", ErrInvalidMessage, len(b))
	}
	binary.BigEndian.PutUint16(b, id)
	return nil
}

// ID returns the transaction id in the header of b.
func ID(b []byte) (uint16, error) {
	if len(b) < headerLen {
		return 0, fmt.Errorf("%w: %d bytes is shorter than a DNS header", ErrInvalidMessage, len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

// SameName reports whether two names are equal, ignoring ASCII case and a
// trailing dot.
func SameName(x, y string) bool {
	x, y = strings.TrimSuffix(x, "."), strings.TrimSuffix(y, ".")
	if len(x) != len(y) {
		return false
	}
	for i := 0; i < len(x); i++ {
		a, b := x[i], y[i]
		if 'A' <= a && a <= 'Z' {
			a += 0x20
		}
		if 'A' <= b && b <= 'Z' {
			b += 0x20
		}
		if a != b {
			return false
		}
	}
	return true
}
