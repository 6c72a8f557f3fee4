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
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// UDPPacket is a parsed UDP datagram.
type UDPPacket struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
	// Payload is trimmed to Length and aliases the parsed buffer.
	Payload []byte
}

// Empty reports whether the datagram carries no payload. Such datagrams are
// used to interrupt a blocked read and are not errors.
func (u *UDPPacket) Empty() bool {
	return len(u.Payload) == 0
}

func (u *UDPPacket) String() string {
	return fmt.Sprintf("UDP %d -> %d len=%d", u.SrcPort, u.DstPort, len(u.Payload))
}

// ParseUDP parses the UDP header at the start of b. Trailing bytes beyond the
// declared length are ignored. The checksum is not verified.
func ParseUDP(b []byte) (*UDPPacket, error) {
	if len(b) < udpHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a UDP header", ErrMalformedPacket, len(b))
	}
	length := int(binary.BigEndian.Uint16(b[4:6]))
	if length < udpHeaderLen || length > len(b) {
		return nil, fmt.Errorf("%w: UDP length %d with %d bytes", ErrMalformedPacket, length, len(b))
	}
	return &UDPPacket{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Length:   uint16(length),
		Checksum: binary.BigEndian.Uint16(b[6:8]),
		Payload:  b[udpHeaderLen:length],
	}, nil
}

func newUDPLayer(src, dst netip.AddrPort) (*layers.UDP, ipLayer, error) {
	nl, err := newIPLayer(ProtocolUDP, src.Addr(), dst.Addr())
	if err != nil {
		return nil, nil, err
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(nl); err != nil {
		return nil, nil, fmt.Errorf("failed to set UDP pseudo-header: %w", err)
	}
	return udp, nl, nil
}

// BuildUDP serializes a UDP datagram from src to dst. The addresses only
// contribute to the checksum pseudo-header.
func BuildUDP(src, dst netip.AddrPort, payload []byte) ([]byte, error) {
	if len(payload) > maxUDPPayloadLen {
		return nil, fmt.Errorf("%w: %d byte UDP payload", ErrPacketTooLarge, len(payload))
	}
	udp, _, err := newUDPLayer(src, dst)
	if err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize UDP datagram: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildUDPReply serializes a complete IP packet carrying a UDP datagram from
// src to dst.
func BuildUDPReply(src, dst netip.AddrPort, payload []byte) ([]byte, error) {
	if len(payload) > maxUDPPayloadLen-ipv4MinHeaderLen {
		return nil, fmt.Errorf("%w: %d byte UDP payload", ErrPacketTooLarge, len(payload))
	}
	udp, nl, err := newUDPLayer(src, dst)
	if err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, nl, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize UDP reply: %w", err)
	}
	return buf.Bytes(), nil
}
