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
	"fmt"

	"github.com/miekg/dns"
)

// PaddingBlockSize is the block length that queries are padded to (RFC 8467).
const PaddingBlockSize = 128

// AddEdnsPadding returns a copy of the query q whose length is a multiple of
// PaddingBlockSize. An OPT record is added if q has none, and any existing
// padding option is replaced.
func AddEdnsPadding(q []byte) ([]byte, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(q); err != nil {
		return nil, fmt.Errorf("failed to parse query for padding: %w", err)
	}
	opt := msg.IsEdns0()
	if opt == nil {
		msg.SetEdns0(dns.DefaultMsgSize, false)
		opt = msg.IsEdns0()
	}
	options := opt.Option[:0]
	for _, o := range opt.Option {
		if o.Option() != dns.EDNS0PADDING {
			options = append(options, o)
		}
	}
	opt.Option = options

	// The option header takes 4 bytes. Unsigned arithmetic keeps the modulus
	// right when the message is longer than one block.
	remainder := (PaddingBlockSize - uint16(msg.Len()+4)) % PaddingBlockSize
	opt.Option = append(opt.Option, &dns.EDNS0_PADDING{Padding: make([]byte, remainder)})
	return msg.Pack()
}
