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

// Package dhcp4 encodes and decodes DHCPv4 messages (RFC 2131, RFC 2132).
package dhcp4

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Decoding errors. Errors returned by Decode wrap one of these.
var (
	ErrBufferTooShort      = errors.New("buffer too short for a BOOTP header")
	ErrNotDHCP             = errors.New("not a DHCP message (bad magic cookie)")
	ErrInvalidOp           = errors.New("invalid BOOTP op code")
	ErrUnsupportedHardware = errors.New("unsupported hardware type")
	ErrMalformedOption     = errors.New("malformed option")
)

// OpCode is the BOOTP message op.
type OpCode uint8

// BOOTP op codes.
const (
	OpRequest OpCode = 1
	OpReply   OpCode = 2
)

func (o OpCode) String() string {
	switch o {
	case OpRequest:
		return "BOOTREQUEST"
	case OpReply:
		return "BOOTREPLY"
	default:
		return fmt.Sprintf("OpCode(%d)", uint8(o))
	}
}

const (
	headerLen = 236
	// minMessageLen is the minimum BOOTP message size relays and
	// old servers require, see RFC 1542 section 2.1.
	minMessageLen = 300

	snameOffset = 44
	snameLen    = 64
	fileOffset  = snameOffset + snameLen
	fileLen     = 128

	htypeEthernet = 1
	flagBroadcast = 0x8000
)

var magic = []byte{99, 130, 83, 99}

// Message is a DHCPv4 message. An unset address field is the zero
// netip.Addr and is encoded as 0.0.0.0.
type Message struct {
	Op            OpCode
	Hops          uint8
	TransactionID uint32
	Secs          uint16
	Broadcast     bool

	ClientAddr netip.Addr // ciaddr
	YourAddr   netip.Addr // yiaddr
	ServerAddr netip.Addr // siaddr
	RelayAddr  netip.Addr // giaddr

	HardwareAddr net.HardwareAddr

	ServerName string
	BootFile   string

	Options []Option
}

// Get returns the first option with the given code.
func (m *Message) Get(code OptionCode) (Option, bool) {
	for _, o := range m.Options {
		if o.Code() == code {
			return o, true
		}
	}
	return nil, false
}

// Type returns the DHCP message type, or false for plain BOOTP.
func (m *Message) Type() (MessageType, bool) {
	o, ok := m.Get(OptionDHCPMessageType)
	if !ok {
		return 0, false
	}
	return o.(MessageType), true
}

// Encode returns the wire encoding of m. Overload is never emitted,
// options that do not fit a single instance are split per RFC 3396.
func Encode(m *Message) ([]byte, error) {
	if m.Op != OpRequest && m.Op != OpReply {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOp, m.Op)
	}
	if len(m.HardwareAddr) != 6 {
		return nil, fmt.Errorf("%w: hardware address %q is not Ethernet", ErrUnsupportedHardware, m.HardwareAddr)
	}
	if len(m.ServerName) > snameLen {
		return nil, fmt.Errorf("server name %q longer than %d bytes", m.ServerName, snameLen)
	}
	if len(m.BootFile) > fileLen {
		return nil, fmt.Errorf("boot file %q longer than %d bytes", m.BootFile, fileLen)
	}

	var ret bytes.Buffer
	ret.Grow(minMessageLen)
	ret.Write([]byte{byte(m.Op), htypeEthernet, 6, m.Hops})
	binary.Write(&ret, binary.BigEndian, m.TransactionID)
	binary.Write(&ret, binary.BigEndian, m.Secs)
	var flags uint16
	if m.Broadcast {
		flags |= flagBroadcast
	}
	binary.Write(&ret, binary.BigEndian, flags)
	for _, a := range []netip.Addr{m.ClientAddr, m.YourAddr, m.ServerAddr, m.RelayAddr} {
		b, err := headerAddr(a)
		if err != nil {
			return nil, err
		}
		ret.Write(b[:])
	}
	var chaddr [16]byte
	copy(chaddr[:], m.HardwareAddr)
	ret.Write(chaddr[:])
	var sname [snameLen]byte
	copy(sname[:], m.ServerName)
	ret.Write(sname[:])
	var file [fileLen]byte
	copy(file[:], m.BootFile)
	ret.Write(file[:])
	ret.Write(magic)

	for _, o := range m.Options {
		if o.Code() == OptionOverload {
			return nil, errors.New("overload option is reserved to the decoder")
		}
		v, err := o.marshal()
		if err != nil {
			return nil, fmt.Errorf("encoding option %s: %w", o.Code(), err)
		}
		for first := true; first || len(v) > 0; first = false {
			n := min(len(v), 255)
			ret.Write([]byte{byte(o.Code()), byte(n)})
			ret.Write(v[:n])
			v = v[n:]
		}
	}
	ret.WriteByte(byte(OptionEnd))

	if ret.Len() < minMessageLen {
		ret.Write(make([]byte, minMessageLen-ret.Len()))
	}
	return ret.Bytes(), nil
}

func headerAddr(a netip.Addr) ([4]byte, error) {
	if !a.IsValid() {
		return [4]byte{}, nil
	}
	if !a.Is4() {
		return [4]byte{}, fmt.Errorf("%s is not an IPv4 address", a)
	}
	return a.As4(), nil
}

func parseHeaderAddr(b []byte) netip.Addr {
	a := netip.AddrFrom4([4]byte(b))
	if a.IsUnspecified() {
		return netip.Addr{}
	}
	return a
}

// Decode parses a DHCP message.
func Decode(bs []byte) (*Message, error) {
	if len(bs) < headerLen {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBufferTooShort, len(bs))
	}
	if len(bs) < headerLen+len(magic) || !bytes.Equal(bs[headerLen:headerLen+len(magic)], magic) {
		return nil, ErrNotDHCP
	}
	op := OpCode(bs[0])
	if op != OpRequest && op != OpReply {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOp, bs[0])
	}
	if bs[1] != htypeEthernet || bs[2] != 6 {
		return nil, fmt.Errorf("%w: htype %d, hlen %d", ErrUnsupportedHardware, bs[1], bs[2])
	}

	ret := &Message{
		Op:            op,
		Hops:          bs[3],
		TransactionID: binary.BigEndian.Uint32(bs[4:8]),
		Secs:          binary.BigEndian.Uint16(bs[8:10]),
		Broadcast:     binary.BigEndian.Uint16(bs[10:12])&flagBroadcast != 0,
		ClientAddr:    parseHeaderAddr(bs[12:16]),
		YourAddr:      parseHeaderAddr(bs[16:20]),
		ServerAddr:    parseHeaderAddr(bs[20:24]),
		RelayAddr:     parseHeaderAddr(bs[24:28]),
		HardwareAddr:  net.HardwareAddr(append([]byte(nil), bs[28:34]...)),
	}

	var raw rawOptions
	if err := raw.scan(bs[headerLen+len(magic):]); err != nil {
		return nil, err
	}

	overload := Overload(0)
	if v, ok := raw.values[OptionOverload]; ok {
		o, err := parseOption(OptionOverload, v)
		if err != nil {
			return nil, err
		}
		overload = o.(Overload)
	}
	// RFC 2131 section 4.1: file is read first, then sname.
	if overload&OverloadFile != 0 {
		if err := raw.scan(bs[fileOffset : fileOffset+fileLen]); err != nil {
			return nil, err
		}
	} else {
		ret.BootFile = cString(bs[fileOffset : fileOffset+fileLen])
	}
	if overload&OverloadSName != 0 {
		if err := raw.scan(bs[snameOffset : snameOffset+snameLen]); err != nil {
			return nil, err
		}
	} else {
		ret.ServerName = cString(bs[snameOffset : snameOffset+snameLen])
	}

	for _, code := range raw.order {
		if code == OptionOverload {
			continue
		}
		o, err := parseOption(code, raw.values[code])
		if err != nil {
			return nil, err
		}
		ret.Options = append(ret.Options, o)
	}
	return ret, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// rawOptions accumulates option payloads across the options field and
// any overloaded header fields. Repeated codes are concatenated as
// RFC 3396 requires.
type rawOptions struct {
	order  []OptionCode
	values map[OptionCode][]byte
}

func (r *rawOptions) scan(bs []byte) error {
	if r.values == nil {
		r.values = map[OptionCode][]byte{}
	}
	for len(bs) > 0 {
		code := OptionCode(bs[0])
		switch code {
		case OptionPad:
			bs = bs[1:]
		case OptionEnd:
			return nil
		default:
			if len(bs) < 2 {
				return fmt.Errorf("%w: option %s has no length byte", ErrMalformedOption, code)
			}
			l := int(bs[1])
			if len(bs[2:]) < l {
				return fmt.Errorf("%w: option %s claims %d bytes of payload, but only has %d bytes", ErrMalformedOption, code, l, len(bs[2:]))
			}
			if _, ok := r.values[code]; !ok {
				r.order = append(r.order, code)
			}
			r.values[code] = append(r.values[code], bs[2:2+l]...)
			bs = bs[2+l:]
		}
	}
	// A missing END option is tolerated, plenty of embedded servers
	// omit it when the options fill the packet.
	return nil
}

// String renders m as a multi-line human readable dump.
func (m *Message) String() string {
	var b strings.Builder
	t, ok := m.Type()
	if ok {
		fmt.Fprintf(&b, "%s %s xid=0x%08x\n", m.Op, t, m.TransactionID)
	} else {
		fmt.Fprintf(&b, "%s BOOTP xid=0x%08x\n", m.Op, m.TransactionID)
	}
	fmt.Fprintf(&b, "  chaddr=%s secs=%d hops=%d broadcast=%v\n", m.HardwareAddr, m.Secs, m.Hops, m.Broadcast)
	fmt.Fprintf(&b, "  ciaddr=%s yiaddr=%s siaddr=%s giaddr=%s\n", addrString(m.ClientAddr), addrString(m.YourAddr), addrString(m.ServerAddr), addrString(m.RelayAddr))
	if m.ServerName != "" {
		fmt.Fprintf(&b, "  sname=%q\n", m.ServerName)
	}
	if m.BootFile != "" {
		fmt.Fprintf(&b, "  file=%q\n", m.BootFile)
	}
	for _, o := range m.Options {
		if o.Code() == OptionDHCPMessageType {
			continue
		}
		fmt.Fprintf(&b, "  %s\n", FormatOption(o))
	}
	return b.String()
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return "0.0.0.0"
	}
	return a.String()
}
