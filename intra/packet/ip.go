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

package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Family is the IP version of a packet.
type Family uint8

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
}

// IPPacket is a parsed IPv4 or IPv6 packet. Family selects which of the
// version specific fields are meaningful.
type IPPacket struct {
	Family   Family
	Protocol uint8
	Src      netip.Addr
	Dst      netip.Addr
	// TTL is only set for IPv4.
	TTL uint8
	// HopLimit is only set for IPv6.
	HopLimit uint8
	// Payload is the transport segment, trimmed to the length declared in the header.
	Payload []byte
}

func (p *IPPacket) String() string {
	return fmt.Sprintf("%v %v -> %v proto=%s len=%d", p.Family, p.Src, p.Dst, ProtocolName(p.Protocol), len(p.Payload))
}

// Marshal builds a fresh wire representation of p.
func (p *IPPacket) Marshal() ([]byte, error) {
	return BuildIP(p.Protocol, p.Src, p.Dst, p.Payload)
}

// Version returns the IP version nibble of a raw packet, or 0 if b is empty.
func Version(b []byte) uint8 {
	if len(b) == 0 {
		return 0
	}
	return b[0] >> 4
}

// ParseIP parses the IP header at the start of b.
func ParseIP(b []byte) (*IPPacket, error) {
	if len(b) < MinIPHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than an IP header", ErrMalformedPacket, len(b))
	}
	switch Family(Version(b)) {
	case IPv4:
		return parseIPv4(b)
	case IPv6:
		return parseIPv6(b)
	default:
		return nil, fmt.Errorf("%w: IP version %d", ErrUnsupportedProtocol, Version(b))
	}
}

func parseIPv4(b []byte) (*IPPacket, error) {
	ihl := int(b[0]&0x0f) * 4
	if ihl < ipv4MinHeaderLen || ihl > len(b) {
		return nil, fmt.Errorf("%w: IPv4 header length %d with %d bytes", ErrMalformedPacket, ihl, len(b))
	}
	total := int(binary.BigEndian.Uint16(b[2:4]))
	if total < ihl || total > len(b) {
		return nil, fmt.Errorf("%w: IPv4 total length %d with %d bytes", ErrMalformedPacket, total, len(b))
	}
	// More-fragments flag or a non-zero offset.
	if binary.BigEndian.Uint16(b[6:8])&0x3fff != 0 {
		return nil, fmt.Errorf("%w: IPv4 fragment", ErrUnsupportedProtocol)
	}
	return &IPPacket{
		Family:   IPv4,
		Protocol: b[9],
		TTL:      b[8],
		Src:      netip.AddrFrom4([4]byte(b[12:16])),
		Dst:      netip.AddrFrom4([4]byte(b[16:20])),
		Payload:  b[ihl:total],
	}, nil
}

func parseIPv6(b []byte) (*IPPacket, error) {
	if len(b) < ipv6HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than an IPv6 header", ErrMalformedPacket, len(b))
	}
	end := ipv6HeaderLen + int(binary.BigEndian.Uint16(b[4:6]))
	if end > len(b) {
		return nil, fmt.Errorf("%w: IPv6 payload length %d with %d bytes", ErrMalformedPacket, end-ipv6HeaderLen, len(b))
	}
	return &IPPacket{
		Family:   IPv6,
		Protocol: b[6],
		HopLimit: b[7],
		Src:      netip.AddrFrom16([16]byte(b[8:24])),
		Dst:      netip.AddrFrom16([16]byte(b[24:40])),
		Payload:  b[ipv6HeaderLen:end],
	}, nil
}

// ipLayer is a network layer that can both be serialized and serve as the
// pseudo-header of a transport checksum.
type ipLayer interface {
	gopacket.NetworkLayer
	gopacket.SerializableLayer
}

func newIPLayer(protocol uint8, src, dst netip.Addr) (ipLayer, error) {
	src, dst = src.Unmap(), dst.Unmap()
	switch {
	case src.Is4() && dst.Is4():
		return &layers.IPv4{
			Version:  4,
			TTL:      defaultTTL,
			Protocol: layers.IPProtocol(protocol),
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}, nil
	case src.Is6() && dst.Is6():
		return &layers.IPv6{
			Version:    6,
			HopLimit:   defaultTTL,
			NextHeader: layers.IPProtocol(protocol),
			SrcIP:      net.IP(src.AsSlice()),
			DstIP:      net.IP(dst.AsSlice()),
		}, nil
	default:
		return nil, fmt.Errorf("%w: address family mismatch %v -> %v", ErrUnsupportedProtocol, src, dst)
	}
}

// BuildIP serializes an IP packet carrying payload. The family follows the
// addresses, which must agree. Lengths and the IPv4 header checksum are
// computed.
func BuildIP(protocol uint8, src, dst netip.Addr, payload []byte) ([]byte, error) {
	nl, err := newIPLayer(protocol, src, dst)
	if err != nil {
		return nil, err
	}
	if _, ok := nl.(*layers.IPv4); ok && len(payload)+ipv4MinHeaderLen > maxIPv4TotalLen {
		return nil, fmt.Errorf("%w: %d byte IPv4 payload", ErrPacketTooLarge, len(payload))
	}
	if len(payload) > 0xffff {
		return nil, fmt.Errorf("%w: %d byte IPv6 payload", ErrPacketTooLarge, len(payload))
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, nl, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize IP packet: %w", err)
	}
	return buf.Bytes(), nil
}
