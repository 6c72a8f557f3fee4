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
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

const probeName = "youtube.com."

// Probe checks if a server can handle DNS-over-HTTPS requests, by sending
// it an A query for a well known name. It returns nil if the server answers
// with a matching response.
func Probe(ctx context.Context, t Transport) error {
	q := new(dns.Msg)
	q.SetQuestion(probeName, dns.TypeA)
	q.Id = dns.Id()
	query, err := q.Pack()
	if err != nil {
		return fmt.Errorf("failed to build probe query: %w", err)
	}

	resp, err := t.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query DoH: %w", err)
	}
	if len(resp) == 0 {
		return errors.New("DoH response is empty")
	}

	r := new(dns.Msg)
	if err := r.Unpack(resp); err != nil {
		return fmt.Errorf("failed to parse DoH response: %w", err)
	}
	if !r.Response || r.Id != q.Id {
		return errors.New("DoH response does not match the probe")
	}
	if len(r.Question) != 1 || dns.CanonicalName(r.Question[0].Name) != probeName {
		return errors.New("DoH response has the wrong question")
	}
	switch r.Rcode {
	case dns.RcodeServerFailure, dns.RcodeRefused, dns.RcodeNotImplemented:
		return fmt.Errorf("DoH server returned %s", dns.RcodeToString[r.Rcode])
	}
	return nil
}
