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
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func paddingOptions(t *testing.T, b []byte) (*dns.Msg, []*dns.EDNS0_PADDING) {
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(b))
	opt := m.IsEdns0()
	require.NotNil(t, opt)
	var out []*dns.EDNS0_PADDING
	for _, o := range opt.Option {
		if p, ok := o.(*dns.EDNS0_PADDING); ok {
			out = append(out, p)
		}
	}
	return m, out
}

func TestAddEdnsPadding(t *testing.T) {
	for _, name := range []string{"a.", "example.com.", strings.Repeat("label.", 30)} {
		t.Run(name, func(t *testing.T) {
			q := makeQuery(t, name, 0x1234)
			padded, err := AddEdnsPadding(q)
			require.NoError(t, err)
			require.Zero(t, len(padded)%PaddingBlockSize, "length %d", len(padded))

			m, pads := paddingOptions(t, padded)
			require.Len(t, pads, 1)
			require.Equal(t, uint16(0x1234), m.Id)
			require.Equal(t, name, m.Question[0].Name)
		})
	}
}

func TestAddEdnsPaddingReplacesPadding(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.SetEdns0(1232, true)
	m.IsEdns0().Option = append(m.IsEdns0().Option,
		&dns.EDNS0_PADDING{Padding: make([]byte, 3)},
		&dns.EDNS0_COOKIE{Code: dns.EDNS0COOKIE, Cookie: "0123456789abcdef"})
	q, err := m.Pack()
	require.NoError(t, err)

	padded, err := AddEdnsPadding(q)
	require.NoError(t, err)
	require.Zero(t, len(padded)%PaddingBlockSize)

	got, pads := paddingOptions(t, padded)
	require.Len(t, pads, 1)
	require.Equal(t, uint16(1232), got.IsEdns0().UDPSize())
	require.True(t, got.IsEdns0().Do())
	require.Len(t, got.IsEdns0().Option, 2)
}

func TestAddEdnsPaddingInvalid(t *testing.T) {
	_, err := AddEdnsPadding([]byte{0, 1, 2})
	require.Error(t, err)
}
