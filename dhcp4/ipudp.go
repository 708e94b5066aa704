// Copyright 2016 Google Inc.
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

package dhcp4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Well-known DHCP ports.
const (
	ServerPort = 67
	ClientPort = 68
)

const (
	ipv4HeaderLen     = 20
	udpProtocolNumber = 17
	udpHeaderLen      = 8

	flagMoreFragments = 0x2000
	fragOffsetMask    = 0x1fff
)

// ErrNotUDP is returned by DecodeIPv4UDP for datagrams that do not
// carry a well formed UDP payload.
var ErrNotUDP = errors.New("not an IPv4 UDP datagram")

// EncodeIPv4UDP wraps payload in UDP and IPv4 headers, for sockets
// that operate below the IP layer. All header fields are in network
// byte order.
func EncodeIPv4UDP(src, dst netip.AddrPort, payload []byte) ([]byte, error) {
	if !src.Addr().Is4() || !dst.Addr().Is4() {
		return nil, fmt.Errorf("%s -> %s is not an IPv4 flow", src, dst)
	}
	udpLen := udpHeaderLen + len(payload)
	if ipv4HeaderLen+udpLen > 0xffff {
		return nil, fmt.Errorf("payload of %d bytes does not fit in an IPv4 datagram", len(payload))
	}

	raw := make([]byte, ipv4HeaderLen+udpLen)
	h := raw[:ipv4HeaderLen]
	h[0] = 4<<4 | ipv4HeaderLen/4
	h[1] = 0xc0 // DSCP CS6 (Network Control)
	binary.BigEndian.PutUint16(h[2:4], uint16(len(raw)))
	h[8] = 64 // TTL
	h[9] = udpProtocolNumber
	s, d := src.Addr().As4(), dst.Addr().As4()
	copy(h[12:16], s[:])
	copy(h[16:20], d[:])
	binary.BigEndian.PutUint16(h[10:12], checksum(h, 0))

	udp := raw[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], src.Port())
	binary.BigEndian.PutUint16(udp[2:4], dst.Port())
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[udpHeaderLen:], payload)
	sum := checksum(udp, pseudoHeaderSum(src.Addr(), dst.Addr(), udpLen))
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(udp[6:8], sum)
	return raw, nil
}

// DecodeIPv4UDP strips the IPv4 and UDP headers from datagram,
// verifying both checksums.
func DecodeIPv4UDP(datagram []byte) (src, dst netip.AddrPort, payload []byte, err error) {
	if len(datagram) < ipv4HeaderLen {
		return src, dst, nil, fmt.Errorf("%w: short header (%d bytes)", ErrNotUDP, len(datagram))
	}
	if v := datagram[0] >> 4; v != 4 {
		return src, dst, nil, fmt.Errorf("%w: IP version %d", ErrNotUDP, v)
	}
	hdrLen := int(datagram[0]&0x0f) * 4
	if hdrLen < ipv4HeaderLen || hdrLen > len(datagram) {
		return src, dst, nil, fmt.Errorf("%w: header length %d", ErrNotUDP, hdrLen)
	}
	if proto := datagram[9]; proto != udpProtocolNumber {
		return src, dst, nil, fmt.Errorf("%w: protocol %d", ErrNotUDP, proto)
	}
	if frag := binary.BigEndian.Uint16(datagram[6:8]); frag&(flagMoreFragments|fragOffsetMask) != 0 {
		return src, dst, nil, fmt.Errorf("%w: fragmented", ErrNotUDP)
	}
	if checksum(datagram[:hdrLen], 0) != 0 {
		return src, dst, nil, fmt.Errorf("%w: bad IPv4 header checksum", ErrNotUDP)
	}
	totalLen := int(binary.BigEndian.Uint16(datagram[2:4]))
	if totalLen > len(datagram) || totalLen < hdrLen+udpHeaderLen {
		return src, dst, nil, fmt.Errorf("%w: total length %d, have %d bytes", ErrNotUDP, totalLen, len(datagram))
	}
	udp := datagram[hdrLen:totalLen]
	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))
	if udpLen < udpHeaderLen || udpLen > len(udp) {
		return src, dst, nil, fmt.Errorf("%w: udp length %d", ErrNotUDP, udpLen)
	}
	udp = udp[:udpLen]

	srcAddr := netip.AddrFrom4([4]byte(datagram[12:16]))
	dstAddr := netip.AddrFrom4([4]byte(datagram[16:20]))
	if binary.BigEndian.Uint16(udp[6:8]) != 0 && checksum(udp, pseudoHeaderSum(srcAddr, dstAddr, udpLen)) != 0 {
		return src, dst, nil, fmt.Errorf("%w: bad UDP checksum", ErrNotUDP)
	}
	src = netip.AddrPortFrom(srcAddr, binary.BigEndian.Uint16(udp[0:2]))
	dst = netip.AddrPortFrom(dstAddr, binary.BigEndian.Uint16(udp[2:4]))
	return src, dst, udp[udpHeaderLen:], nil
}

func pseudoHeaderSum(src, dst netip.Addr, udpLen int) uint32 {
	s, d := src.As4(), dst.As4()
	var sum uint32
	sum += uint32(s[0])<<8 | uint32(s[1])
	sum += uint32(s[2])<<8 | uint32(s[3])
	sum += uint32(d[0])<<8 | uint32(d[1])
	sum += uint32(d[2])<<8 | uint32(d[3])
	sum += udpProtocolNumber
	sum += uint32(udpLen)
	return sum
}

// checksum is the RFC 1071 internet checksum of b, seeded with
// initial.
func checksum(b []byte, initial uint32) uint16 {
	sum := initial
	for len(b) >= 2 {
		sum += uint32(b[0])<<8 | uint32(b[1])
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	return ^uint16(sum)
}
