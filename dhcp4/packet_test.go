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
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cmpOpts = []cmp.Option{
	cmp.Comparer(func(a, b netip.Addr) bool { return a == b }),
	cmp.Comparer(func(a, b BroadcastAddress) bool { return a == b }),
	cmp.Comparer(func(a, b RequestedIPAddress) bool { return a == b }),
	cmp.Comparer(func(a, b ServerIdentifier) bool { return a == b }),
}

var testMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}

func TestRoundTrip(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = byte(i)
	}

	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "discover",
			msg: &Message{
				Op:            OpRequest,
				TransactionID: 0xdeadbeef,
				Secs:          3,
				Broadcast:     true,
				HardwareAddr:  testMAC,
				Options: []Option{
					MessageTypeDiscover,
					ParameterRequestList{OptionSubnetMask, OptionRouter, OptionDomainNameServer},
					ClientIdentifier{1, 0x02, 0x00, 0x5e, 0x10, 0x00, 0x01},
					IPAddressLeaseTime(3600),
					RequestedIPAddress(netip.MustParseAddr("10.0.0.5")),
					MaxMessageSize(1472),
				},
			},
		},
		{
			name: "ack",
			msg: &Message{
				Op:            OpReply,
				Hops:          1,
				TransactionID: 42,
				YourAddr:      netip.MustParseAddr("10.0.0.5"),
				ServerAddr:    netip.MustParseAddr("10.0.0.1"),
				RelayAddr:     netip.MustParseAddr("10.0.1.1"),
				HardwareAddr:  testMAC,
				ServerName:    "dhcp.example.org",
				BootFile:      "pxelinux.0",
				Options: []Option{
					MessageTypeAck,
					ServerIdentifier(netip.MustParseAddr("10.0.0.1")),
					IPAddressLeaseTime(InfiniteLease),
					RenewalTime(1800),
					RebindingTime(3150),
					SubnetMask(24),
					Router{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")},
					DomainNameServer{netip.MustParseAddr("1.1.1.1")},
					NTPServers{netip.MustParseAddr("10.0.0.3")},
					HostName("client"),
					DomainName("example.org"),
					InterfaceMTU(9000),
					BroadcastAddress(netip.MustParseAddr("10.0.0.255")),
					VendorClassIdentifier("metal"),
					MessageText("welcome"),
				},
			},
		},
		{
			name: "unknown and long options",
			msg: &Message{
				Op:            OpReply,
				TransactionID: 7,
				ClientAddr:    netip.MustParseAddr("192.168.1.20"),
				HardwareAddr:  testMAC,
				Options: []Option{
					MessageTypeNak,
					UnknownOption{Number: 121, Data: long},
					UnknownOption{Number: 250},
					SubnetMask(0),
				},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b, err := Encode(test.msg)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, len(b), minMessageLen)

			got, err := Decode(b)
			require.NoError(t, err)
			if diff := cmp.Diff(test.msg, got, cmpOpts...); diff != "" {
				t.Errorf("decode(encode(m)) mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEmptyUnknownOption(t *testing.T) {
	encode := func(o Option) []byte {
		b, err := Encode(&Message{Op: OpReply, HardwareAddr: testMAC, Options: []Option{o}})
		require.NoError(t, err)
		return b
	}
	empty := encode(UnknownOption{Number: 250, Data: []byte{}})
	assert.Equal(t, encode(UnknownOption{Number: 250}), empty)

	m, err := Decode(empty)
	require.NoError(t, err)
	require.Len(t, m.Options, 1)
	assert.Equal(t, UnknownOption{Number: 250}, m.Options[0])
	assert.Nil(t, m.Options[0].(UnknownOption).Data)
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(&Message{Op: OpReply, HardwareAddr: testMAC, Options: []Option{MessageTypeOffer}})
	require.NoError(t, err)

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return f(b)
	}

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, ErrBufferTooShort},
		{"short header", make([]byte, 100), ErrBufferTooShort},
		{"zeroed cookie", make([]byte, 300), ErrNotDHCP},
		{"header without cookie", valid[:headerLen], ErrNotDHCP},
		{"bad cookie", mutate(func(b []byte) []byte { b[headerLen] = 1; return b }), ErrNotDHCP},
		{"bad op", mutate(func(b []byte) []byte { b[0] = 3; return b }), ErrInvalidOp},
		{"token ring", mutate(func(b []byte) []byte { b[1] = 6; return b }), ErrUnsupportedHardware},
		{"long hwaddr", mutate(func(b []byte) []byte { b[2] = 16; return b }), ErrUnsupportedHardware},
		{"truncated option", mutate(func(b []byte) []byte {
			return append(b[:headerLen+4], byte(OptionRouter), 8, 10, 0, 0, 1)
		}), ErrMalformedOption},
		{"option without length", mutate(func(b []byte) []byte {
			return append(b[:headerLen+4], byte(OptionRouter))
		}), ErrMalformedOption},
		{"non contiguous mask", mutate(func(b []byte) []byte {
			return append(b[:headerLen+4], byte(OptionSubnetMask), 4, 255, 0, 255, 0, 255)
		}), ErrMalformedOption},
		{"bad message type", mutate(func(b []byte) []byte {
			return append(b[:headerLen+4], byte(OptionDHCPMessageType), 1, 9, 255)
		}), ErrMalformedOption},
		{"short lease time", mutate(func(b []byte) []byte {
			return append(b[:headerLen+4], byte(OptionIPAddressLeaseTime), 2, 0, 1, 255)
		}), ErrMalformedOption},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode(test.in)
			require.ErrorIs(t, err, test.want)
		})
	}
}

func TestDecodeOverload(t *testing.T) {
	b, err := Encode(&Message{
		Op:           OpReply,
		HardwareAddr: testMAC,
		Options:      []Option{MessageTypeOffer},
	})
	require.NoError(t, err)

	// Rewrite the options area to point at both header fields.
	b = append(b[:headerLen+4], byte(OptionOverload), 1, byte(OverloadBoth), byte(OptionRouter), 2, 10, 0, byte(OptionEnd))
	copy(b[fileOffset:], []byte{byte(OptionRouter), 2, 0, 1, byte(OptionDHCPMessageType), 1, byte(MessageTypeOffer), byte(OptionEnd)})
	copy(b[snameOffset:], []byte{byte(OptionPad), byte(OptionHostName), 4, 'h', 'o', 's', 't', byte(OptionEnd)})

	got, err := Decode(b)
	require.NoError(t, err)

	want := &Message{
		Op:           OpReply,
		HardwareAddr: testMAC,
		Options: []Option{
			Router{netip.MustParseAddr("10.0.0.1")},
			MessageTypeOffer,
			HostName("host"),
		},
	}
	if diff := cmp.Diff(want, got, cmpOpts...); diff != "" {
		t.Errorf("overloaded message mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"no op", &Message{HardwareAddr: testMAC}},
		{"no hwaddr", &Message{Op: OpRequest}},
		{"ipv6 header address", &Message{Op: OpRequest, HardwareAddr: testMAC, ClientAddr: netip.MustParseAddr("fe80::1")}},
		{"overload", &Message{Op: OpRequest, HardwareAddr: testMAC, Options: []Option{OverloadBoth}}},
		{"empty router list", &Message{Op: OpRequest, HardwareAddr: testMAC, Options: []Option{Router{}}}},
		{"bad prefix", &Message{Op: OpRequest, HardwareAddr: testMAC, Options: []Option{SubnetMask(33)}}},
		{"typed code as unknown", &Message{Op: OpRequest, HardwareAddr: testMAC, Options: []Option{UnknownOption{Number: OptionRouter, Data: []byte{1, 2, 3, 4}}}}},
		{"long sname", &Message{Op: OpRequest, HardwareAddr: testMAC, ServerName: strings.Repeat("a", 65)}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Encode(test.msg)
			require.Error(t, err)
		})
	}
}

func TestInteropDecode(t *testing.T) {
	d, err := dhcpv4.New(
		dhcpv4.WithHwAddr(testMAC),
		dhcpv4.WithTransactionID(dhcpv4.TransactionID{1, 2, 3, 4}),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
		dhcpv4.WithYourIP(net.IPv4(10, 0, 0, 5)),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(net.IPv4(10, 0, 0, 1))),
		dhcpv4.WithOption(dhcpv4.OptSubnetMask(net.CIDRMask(24, 32))),
		dhcpv4.WithOption(dhcpv4.OptRouter(net.IPv4(10, 0, 0, 1))),
		dhcpv4.WithOption(dhcpv4.OptDNS(net.IPv4(8, 8, 8, 8), net.IPv4(8, 8, 4, 4))),
		dhcpv4.WithOption(dhcpv4.OptIPAddressLeaseTime(time.Hour)),
	)
	require.NoError(t, err)
	d.OpCode = dhcpv4.OpcodeBootReply

	got, err := Decode(d.ToBytes())
	require.NoError(t, err)

	assert.Equal(t, OpReply, got.Op)
	assert.Equal(t, uint32(0x01020304), got.TransactionID)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), got.YourAddr)
	assert.Equal(t, testMAC, got.HardwareAddr)

	typ, ok := got.Type()
	require.True(t, ok)
	assert.Equal(t, MessageTypeOffer, typ)

	mask, ok := got.Get(OptionSubnetMask)
	require.True(t, ok)
	assert.Equal(t, SubnetMask(24), mask)

	dns, ok := got.Get(OptionDomainNameServer)
	require.True(t, ok)
	assert.Equal(t, DomainNameServer{netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("8.8.4.4")}, dns)

	lease, ok := got.Get(OptionIPAddressLeaseTime)
	require.True(t, ok)
	assert.Equal(t, time.Hour, lease.(IPAddressLeaseTime).Duration())
}

func TestInteropEncode(t *testing.T) {
	b, err := Encode(&Message{
		Op:            OpRequest,
		TransactionID: 0xcafe,
		Broadcast:     true,
		HardwareAddr:  testMAC,
		Options: []Option{
			MessageTypeRequest,
			RequestedIPAddress(netip.MustParseAddr("10.0.0.5")),
			ServerIdentifier(netip.MustParseAddr("10.0.0.1")),
			ParameterRequestList{OptionSubnetMask, OptionRouter},
		},
	})
	require.NoError(t, err)

	d, err := dhcpv4.FromBytes(b)
	require.NoError(t, err)

	assert.Equal(t, dhcpv4.OpcodeBootRequest, d.OpCode)
	assert.Equal(t, dhcpv4.MessageTypeRequest, d.MessageType())
	assert.Equal(t, dhcpv4.TransactionID{0, 0, 0xca, 0xfe}, d.TransactionID)
	assert.True(t, d.IsBroadcast())
	assert.Equal(t, testMAC, d.ClientHWAddr)
	assert.True(t, d.RequestedIPAddress().Equal(net.IPv4(10, 0, 0, 5)))
	assert.True(t, d.ServerIdentifier().Equal(net.IPv4(10, 0, 0, 1)))
	assert.True(t, d.IsOptionRequested(dhcpv4.OptionRouter))
}

func TestMessageString(t *testing.T) {
	m := &Message{
		Op:            OpReply,
		TransactionID: 1,
		YourAddr:      netip.MustParseAddr("10.0.0.5"),
		HardwareAddr:  testMAC,
		Options: []Option{
			MessageTypeAck,
			SubnetMask(24),
			IPAddressLeaseTime(60),
		},
	}
	s := m.String()
	assert.True(t, strings.HasPrefix(s, "BOOTREPLY DHCPACK xid=0x00000001\n"), s)
	assert.Contains(t, s, "yiaddr=10.0.0.5")
	assert.Contains(t, s, "SubnetMask: 255.255.255.0 (/24)")
	assert.Contains(t, s, "IPAddressLeaseTime: 1m0s")
}

func TestIPv4UDP(t *testing.T) {
	src := netip.MustParseAddrPort("0.0.0.0:68")
	dst := netip.MustParseAddrPort("255.255.255.255:67")
	payload := []byte("hello, dhcp")

	raw, err := EncodeIPv4UDP(src, dst, payload)
	require.NoError(t, err)
	require.Len(t, raw, 20+8+len(payload))

	gotSrc, gotDst, gotPayload, err := DecodeIPv4UDP(raw)
	require.NoError(t, err)
	assert.Equal(t, src, gotSrc)
	assert.Equal(t, dst, gotDst)
	assert.True(t, bytes.Equal(payload, gotPayload))

	// Trailing link-layer padding is ignored.
	_, _, gotPayload, err = DecodeIPv4UDP(append(append([]byte(nil), raw...), 0, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, payload, gotPayload)

	corrupt := append([]byte(nil), raw...)
	corrupt[len(corrupt)-1] ^= 0xff
	_, _, _, err = DecodeIPv4UDP(corrupt)
	require.ErrorIs(t, err, ErrNotUDP)

	corrupt = append([]byte(nil), raw...)
	corrupt[8] = 1 // TTL
	_, _, _, err = DecodeIPv4UDP(corrupt)
	require.ErrorIs(t, err, ErrNotUDP)

	_, err = EncodeIPv4UDP(netip.MustParseAddrPort("[::1]:68"), dst, payload)
	require.Error(t, err)
}

func TestIPv4HeaderLayout(t *testing.T) {
	src := netip.MustParseAddrPort("10.0.0.1:67")
	dst := netip.MustParseAddrPort("10.0.0.2:68")
	raw, err := EncodeIPv4UDP(src, dst, []byte{0xaa, 0xbb, 0xcc})
	require.NoError(t, err)

	want := []byte{
		0x45, 0xc0, 0x00, 0x1f, // version/IHL, TOS, total length 31
		0x00, 0x00, 0x00, 0x00, // ID, flags/fragment offset
		0x40, 0x11, 0x00, 0x00, // TTL 64, UDP, checksum
		10, 0, 0, 1,
		10, 0, 0, 2,
		0x00, 0x43, 0x00, 0x44, // ports
		0x00, 0x0b, // UDP length
	}
	assert.Equal(t, want[:10], raw[:10])
	assert.Equal(t, want[12:26], raw[12:26])
	assert.Equal(t, uint16(0), checksum(raw[:20], 0))

	refragment := func(flags byte, off byte) []byte {
		b := append([]byte(nil), raw...)
		b[6], b[7] = flags, off
		b[10], b[11] = 0, 0
		binary.BigEndian.PutUint16(b[10:12], checksum(b[:20], 0))
		return b
	}
	_, _, _, err = DecodeIPv4UDP(refragment(0x40, 0)) // don't fragment
	require.NoError(t, err)
	_, _, _, err = DecodeIPv4UDP(refragment(0x20, 0))
	require.ErrorIs(t, err, ErrNotUDP)
	_, _, _, err = DecodeIPv4UDP(refragment(0x00, 1))
	require.ErrorIs(t, err, ErrNotUDP)

	// Total length beyond the captured bytes.
	long := append([]byte(nil), raw...)
	binary.BigEndian.PutUint16(long[2:4], uint16(len(raw)+1))
	long[10], long[11] = 0, 0
	binary.BigEndian.PutUint16(long[10:12], checksum(long[:20], 0))
	_, _, _, err = DecodeIPv4UDP(long)
	require.ErrorIs(t, err, ErrNotUDP)

	_, _, _, err = DecodeIPv4UDP(raw[:19])
	require.ErrorIs(t, err, ErrNotUDP)
}
