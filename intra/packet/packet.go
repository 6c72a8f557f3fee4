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

/*
Package packet parses and builds the raw IPv4, IPv6 and UDP packets that
travel over the VPN interface.

Parsed packets are views: their Payload slices alias the input buffer, so the
buffer must not be reused while a parsed packet is still in use. Built packets
are always freshly allocated and carry correct length fields and checksums.
*/
package packet

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	// ErrMalformedPacket means that a header is truncated, or that a length declared in a header is inconsistent
	// with the size of the buffer. It should be tested using errors.Is(err, packet.ErrMalformedPacket).
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrUnsupportedProtocol means that a packet is well formed but cannot be handled, such as an unknown IP
	// version, a fragment, or a transport protocol other than UDP.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")

	// ErrPacketTooLarge is returned by the builders when the payload does not fit in the length fields.
	ErrPacketTooLarge = errors.New("packet too large")
)

// IP protocol numbers that the VPN cares about.
const (
	ProtocolICMP   uint8 = 1
	ProtocolTCP    uint8 = 6
	ProtocolUDP    uint8 = 17
	ProtocolICMPv6 uint8 = 58
)

const (
	// MinIPHeaderLen is the length of the shortest possible IP header (IPv4 without options).
	MinIPHeaderLen = ipv4MinHeaderLen

	ipv4MinHeaderLen = 20
	ipv6HeaderLen    = 40
	udpHeaderLen     = 8

	maxIPv4TotalLen  = 0xffff
	maxUDPPayloadLen = 0xffff - udpHeaderLen

	defaultTTL = 64
)

// ProtocolName returns a human readable name for the IP protocol number p.
func ProtocolName(p uint8) string {
	switch p {
	case ProtocolICMP:
		return "ICMP"
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	case ProtocolICMPv6:
		return "ICMPv6"
	default:
		return layers.IPProtocol(p).String()
	}
}

// serializeOptions makes gopacket fill in every length and checksum field.
var serializeOptions = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}
