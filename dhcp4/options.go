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
	"fmt"
	"math/bits"
	"net/netip"
	"strings"
	"time"
)

// OptionCode is the tag of a DHCP option, see RFC 2132.
type OptionCode uint8

// Option codes understood by the codec. Any other code decodes into
// an UnknownOption.
const (
	OptionPad                   OptionCode = 0
	OptionSubnetMask            OptionCode = 1
	OptionRouter                OptionCode = 3
	OptionDomainNameServer      OptionCode = 6
	OptionHostName              OptionCode = 12
	OptionDomainName            OptionCode = 15
	OptionInterfaceMTU          OptionCode = 26
	OptionBroadcastAddress      OptionCode = 28
	OptionNTPServers            OptionCode = 42
	OptionRequestedIPAddress    OptionCode = 50
	OptionIPAddressLeaseTime    OptionCode = 51
	OptionOverload              OptionCode = 52
	OptionDHCPMessageType       OptionCode = 53
	OptionServerIdentifier      OptionCode = 54
	OptionParameterRequestList  OptionCode = 55
	OptionMessage               OptionCode = 56
	OptionMaxMessageSize        OptionCode = 57
	OptionRenewalTime           OptionCode = 58
	OptionRebindingTime         OptionCode = 59
	OptionVendorClassIdentifier OptionCode = 60
	OptionClientIdentifier      OptionCode = 61
	OptionEnd                   OptionCode = 255
)

var optionNames = map[OptionCode]string{
	OptionPad:                   "Pad",
	OptionSubnetMask:            "SubnetMask",
	OptionRouter:                "Router",
	OptionDomainNameServer:      "DomainNameServer",
	OptionHostName:              "HostName",
	OptionDomainName:            "DomainName",
	OptionInterfaceMTU:          "InterfaceMTU",
	OptionBroadcastAddress:      "BroadcastAddress",
	OptionNTPServers:            "NTPServers",
	OptionRequestedIPAddress:    "RequestedIPAddress",
	OptionIPAddressLeaseTime:    "IPAddressLeaseTime",
	OptionOverload:              "Overload",
	OptionDHCPMessageType:       "DHCPMessageType",
	OptionServerIdentifier:      "ServerIdentifier",
	OptionParameterRequestList:  "ParameterRequestList",
	OptionMessage:               "Message",
	OptionMaxMessageSize:        "MaxMessageSize",
	OptionRenewalTime:           "RenewalTime",
	OptionRebindingTime:         "RebindingTime",
	OptionVendorClassIdentifier: "VendorClassIdentifier",
	OptionClientIdentifier:      "ClientIdentifier",
	OptionEnd:                   "End",
}

func (c OptionCode) String() string {
	if n, ok := optionNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Option(%d)", uint8(c))
}

// MessageType is the value of option 53.
type MessageType uint8

// DHCP message types.
const (
	MessageTypeDiscover MessageType = 1
	MessageTypeOffer    MessageType = 2
	MessageTypeRequest  MessageType = 3
	MessageTypeDecline  MessageType = 4
	MessageTypeAck      MessageType = 5
	MessageTypeNak      MessageType = 6
	MessageTypeRelease  MessageType = 7
	MessageTypeInform   MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeDiscover:
		return "DHCPDISCOVER"
	case MessageTypeOffer:
		return "DHCPOFFER"
	case MessageTypeRequest:
		return "DHCPREQUEST"
	case MessageTypeDecline:
		return "DHCPDECLINE"
	case MessageTypeAck:
		return "DHCPACK"
	case MessageTypeNak:
		return "DHCPNAK"
	case MessageTypeRelease:
		return "DHCPRELEASE"
	case MessageTypeInform:
		return "DHCPINFORM"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Overload values of option 52.
const (
	OverloadFile  Overload = 1
	OverloadSName Overload = 2
	OverloadBoth  Overload = 3
)

// Option is one decoded DHCP option. The set of implementations is
// closed, options this package does not know about are carried as
// UnknownOption.
type Option interface {
	Code() OptionCode
	marshal() ([]byte, error)
}

// SubnetMask is option 1, stored as a prefix length. Non-contiguous
// masks cannot be represented and fail to decode.
type SubnetMask uint8

// Router is option 3.
type Router []netip.Addr

// DomainNameServer is option 6.
type DomainNameServer []netip.Addr

// HostName is option 12.
type HostName string

// DomainName is option 15.
type DomainName string

// InterfaceMTU is option 26.
type InterfaceMTU uint16

// BroadcastAddress is option 28.
type BroadcastAddress netip.Addr

// NTPServers is option 42.
type NTPServers []netip.Addr

// RequestedIPAddress is option 50.
type RequestedIPAddress netip.Addr

// IPAddressLeaseTime is option 51, in seconds.
type IPAddressLeaseTime uint32

// Overload is option 52.
type Overload uint8

// ServerIdentifier is option 54.
type ServerIdentifier netip.Addr

// ParameterRequestList is option 55.
type ParameterRequestList []OptionCode

// MessageText is option 56.
type MessageText string

// MaxMessageSize is option 57.
type MaxMessageSize uint16

// RenewalTime is option 58 (T1), in seconds.
type RenewalTime uint32

// RebindingTime is option 59 (T2), in seconds.
type RebindingTime uint32

// VendorClassIdentifier is option 60.
type VendorClassIdentifier string

// ClientIdentifier is option 61.
type ClientIdentifier []byte

// UnknownOption carries the raw payload of an option code without a
// typed representation. Nil and empty Data encode the same way, and an
// empty payload always decodes as nil Data.
type UnknownOption struct {
	Number OptionCode
	Data   []byte
}

// InfiniteLease is the lease time value meaning "never expires".
const InfiniteLease = 0xffffffff

func (SubnetMask) Code() OptionCode            { return OptionSubnetMask }
func (Router) Code() OptionCode                { return OptionRouter }
func (DomainNameServer) Code() OptionCode      { return OptionDomainNameServer }
func (HostName) Code() OptionCode              { return OptionHostName }
func (DomainName) Code() OptionCode            { return OptionDomainName }
func (InterfaceMTU) Code() OptionCode          { return OptionInterfaceMTU }
func (BroadcastAddress) Code() OptionCode      { return OptionBroadcastAddress }
func (NTPServers) Code() OptionCode            { return OptionNTPServers }
func (RequestedIPAddress) Code() OptionCode    { return OptionRequestedIPAddress }
func (IPAddressLeaseTime) Code() OptionCode    { return OptionIPAddressLeaseTime }
func (Overload) Code() OptionCode              { return OptionOverload }
func (MessageType) Code() OptionCode           { return OptionDHCPMessageType }
func (ServerIdentifier) Code() OptionCode      { return OptionServerIdentifier }
func (ParameterRequestList) Code() OptionCode  { return OptionParameterRequestList }
func (MessageText) Code() OptionCode           { return OptionMessage }
func (MaxMessageSize) Code() OptionCode        { return OptionMaxMessageSize }
func (RenewalTime) Code() OptionCode           { return OptionRenewalTime }
func (RebindingTime) Code() OptionCode         { return OptionRebindingTime }
func (VendorClassIdentifier) Code() OptionCode { return OptionVendorClassIdentifier }
func (ClientIdentifier) Code() OptionCode      { return OptionClientIdentifier }
func (o UnknownOption) Code() OptionCode       { return o.Number }

// Duration returns the lease time as a time.Duration. InfiniteLease
// maps to the largest representable duration.
func (t IPAddressLeaseTime) Duration() time.Duration { return seconds(uint32(t)) }

// Duration returns T1 as a time.Duration.
func (t RenewalTime) Duration() time.Duration { return seconds(uint32(t)) }

// Duration returns T2 as a time.Duration.
func (t RebindingTime) Duration() time.Duration { return seconds(uint32(t)) }

func seconds(s uint32) time.Duration {
	if s == InfiniteLease {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(s) * time.Second
}

// Mask returns the dotted-quad form of the subnet mask.
func (m SubnetMask) Mask() netip.Addr {
	v := ^uint32(0) << (32 - uint(m))
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

func (m SubnetMask) marshal() ([]byte, error) {
	if m > 32 {
		return nil, fmt.Errorf("subnet mask prefix length %d out of range", uint8(m))
	}
	b := m.Mask().As4()
	return b[:], nil
}

func (o Router) marshal() ([]byte, error)           { return marshalAddrs(o) }
func (o DomainNameServer) marshal() ([]byte, error) { return marshalAddrs(o) }
func (o NTPServers) marshal() ([]byte, error)       { return marshalAddrs(o) }

func (o HostName) marshal() ([]byte, error)              { return marshalString(string(o)) }
func (o DomainName) marshal() ([]byte, error)            { return marshalString(string(o)) }
func (o MessageText) marshal() ([]byte, error)           { return marshalString(string(o)) }
func (o VendorClassIdentifier) marshal() ([]byte, error) { return marshalString(string(o)) }

func (o InterfaceMTU) marshal() ([]byte, error) {
	if o < 68 {
		return nil, fmt.Errorf("interface MTU %d below minimum of 68", uint16(o))
	}
	return binary.BigEndian.AppendUint16(nil, uint16(o)), nil
}

func (o MaxMessageSize) marshal() ([]byte, error) {
	if o < 576 {
		return nil, fmt.Errorf("maximum message size %d below minimum of 576", uint16(o))
	}
	return binary.BigEndian.AppendUint16(nil, uint16(o)), nil
}

func (o BroadcastAddress) marshal() ([]byte, error)   { return marshalAddr(netip.Addr(o)) }
func (o RequestedIPAddress) marshal() ([]byte, error) { return marshalAddr(netip.Addr(o)) }
func (o ServerIdentifier) marshal() ([]byte, error)   { return marshalAddr(netip.Addr(o)) }

func (o IPAddressLeaseTime) marshal() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, uint32(o)), nil
}

func (o RenewalTime) marshal() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, uint32(o)), nil
}

func (o RebindingTime) marshal() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, uint32(o)), nil
}

func (o Overload) marshal() ([]byte, error) {
	if o < OverloadFile || o > OverloadBoth {
		return nil, fmt.Errorf("invalid overload value %d", uint8(o))
	}
	return []byte{byte(o)}, nil
}

func (o MessageType) marshal() ([]byte, error) {
	if o < MessageTypeDiscover || o > MessageTypeInform {
		return nil, fmt.Errorf("invalid message type %d", uint8(o))
	}
	return []byte{byte(o)}, nil
}

func (o ParameterRequestList) marshal() ([]byte, error) {
	if len(o) == 0 {
		return nil, fmt.Errorf("empty parameter request list")
	}
	ret := make([]byte, len(o))
	for i, c := range o {
		ret[i] = byte(c)
	}
	return ret, nil
}

func (o ClientIdentifier) marshal() ([]byte, error) {
	if len(o) < 2 {
		return nil, fmt.Errorf("client identifier must be at least 2 bytes")
	}
	return []byte(o), nil
}

func (o UnknownOption) marshal() ([]byte, error) {
	if o.Number == OptionPad || o.Number == OptionEnd {
		return nil, fmt.Errorf("option code %d cannot carry data", uint8(o.Number))
	}
	if _, ok := optionNames[o.Number]; ok {
		return nil, fmt.Errorf("option %s must use its typed representation", o.Number)
	}
	return o.Data, nil
}

func marshalAddr(a netip.Addr) ([]byte, error) {
	if !a.Is4() {
		return nil, fmt.Errorf("%s is not an IPv4 address", a)
	}
	b := a.As4()
	return b[:], nil
}

func marshalAddrs(as []netip.Addr) ([]byte, error) {
	if len(as) == 0 {
		return nil, fmt.Errorf("empty address list")
	}
	ret := make([]byte, 0, 4*len(as))
	for _, a := range as {
		b, err := marshalAddr(a)
		if err != nil {
			return nil, err
		}
		ret = append(ret, b...)
	}
	return ret, nil
}

func marshalString(s string) ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("empty string option")
	}
	return []byte(s), nil
}

// parseOption decodes the payload of one (possibly concatenated)
// option.
func parseOption(code OptionCode, b []byte) (Option, error) {
	switch code {
	case OptionSubnetMask:
		if len(b) != 4 {
			return nil, badLength(code, len(b))
		}
		mask := netip.AddrFrom4([4]byte(b))
		m := SubnetMask(bits.LeadingZeros32(^binary.BigEndian.Uint32(b)))
		if m.Mask() != mask {
			return nil, fmt.Errorf("%w: non-contiguous subnet mask %s", ErrMalformedOption, mask)
		}
		return m, nil
	case OptionRouter:
		as, err := parseAddrs(code, b)
		return Router(as), err
	case OptionDomainNameServer:
		as, err := parseAddrs(code, b)
		return DomainNameServer(as), err
	case OptionNTPServers:
		as, err := parseAddrs(code, b)
		return NTPServers(as), err
	case OptionHostName:
		s, err := parseString(code, b)
		return HostName(s), err
	case OptionDomainName:
		s, err := parseString(code, b)
		return DomainName(s), err
	case OptionMessage:
		s, err := parseString(code, b)
		return MessageText(s), err
	case OptionVendorClassIdentifier:
		s, err := parseString(code, b)
		return VendorClassIdentifier(s), err
	case OptionInterfaceMTU:
		v, err := parseUint16(code, b, 68)
		return InterfaceMTU(v), err
	case OptionMaxMessageSize:
		v, err := parseUint16(code, b, 576)
		return MaxMessageSize(v), err
	case OptionBroadcastAddress:
		a, err := parseAddr(code, b)
		return BroadcastAddress(a), err
	case OptionRequestedIPAddress:
		a, err := parseAddr(code, b)
		return RequestedIPAddress(a), err
	case OptionServerIdentifier:
		a, err := parseAddr(code, b)
		return ServerIdentifier(a), err
	case OptionIPAddressLeaseTime:
		v, err := parseUint32(code, b)
		return IPAddressLeaseTime(v), err
	case OptionRenewalTime:
		v, err := parseUint32(code, b)
		return RenewalTime(v), err
	case OptionRebindingTime:
		v, err := parseUint32(code, b)
		return RebindingTime(v), err
	case OptionOverload:
		if len(b) != 1 {
			return nil, badLength(code, len(b))
		}
		o := Overload(b[0])
		if o < OverloadFile || o > OverloadBoth {
			return nil, fmt.Errorf("%w: invalid overload value %d", ErrMalformedOption, b[0])
		}
		return o, nil
	case OptionDHCPMessageType:
		if len(b) != 1 {
			return nil, badLength(code, len(b))
		}
		t := MessageType(b[0])
		if t < MessageTypeDiscover || t > MessageTypeInform {
			return nil, fmt.Errorf("%w: invalid message type %d", ErrMalformedOption, b[0])
		}
		return t, nil
	case OptionParameterRequestList:
		if len(b) == 0 {
			return nil, badLength(code, 0)
		}
		l := make(ParameterRequestList, len(b))
		for i, c := range b {
			l[i] = OptionCode(c)
		}
		return l, nil
	case OptionClientIdentifier:
		if len(b) < 2 {
			return nil, badLength(code, len(b))
		}
		return ClientIdentifier(append([]byte(nil), b...)), nil
	default:
		if len(b) == 0 {
			return UnknownOption{Number: code}, nil
		}
		return UnknownOption{Number: code, Data: append([]byte(nil), b...)}, nil
	}
}

func badLength(code OptionCode, n int) error {
	return fmt.Errorf("%w: option %s has invalid length %d", ErrMalformedOption, code, n)
}

func parseAddr(code OptionCode, b []byte) (netip.Addr, error) {
	if len(b) != 4 {
		return netip.Addr{}, badLength(code, len(b))
	}
	return netip.AddrFrom4([4]byte(b)), nil
}

func parseAddrs(code OptionCode, b []byte) ([]netip.Addr, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, badLength(code, len(b))
	}
	ret := make([]netip.Addr, 0, len(b)/4)
	for i := 0; i < len(b); i += 4 {
		ret = append(ret, netip.AddrFrom4([4]byte(b[i:i+4])))
	}
	return ret, nil
}

func parseString(code OptionCode, b []byte) (string, error) {
	// Some servers NUL-terminate string options.
	s := strings.TrimRight(string(b), "\x00")
	if len(s) == 0 {
		return "", badLength(code, len(b))
	}
	return s, nil
}

func parseUint16(code OptionCode, b []byte, min uint16) (uint16, error) {
	if len(b) != 2 {
		return 0, badLength(code, len(b))
	}
	v := binary.BigEndian.Uint16(b)
	if v < min {
		return 0, fmt.Errorf("%w: option %s value %d below minimum %d", ErrMalformedOption, code, v, min)
	}
	return v, nil
}

func parseUint32(code OptionCode, b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, badLength(code, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// FormatOption renders o for humans.
func FormatOption(o Option) string {
	switch v := o.(type) {
	case SubnetMask:
		return fmt.Sprintf("%s: %s (/%d)", v.Code(), v.Mask(), uint8(v))
	case Router:
		return fmt.Sprintf("%s: %s", v.Code(), joinAddrs(v))
	case DomainNameServer:
		return fmt.Sprintf("%s: %s", v.Code(), joinAddrs(v))
	case NTPServers:
		return fmt.Sprintf("%s: %s", v.Code(), joinAddrs(v))
	case BroadcastAddress:
		return fmt.Sprintf("%s: %s", v.Code(), netip.Addr(v))
	case RequestedIPAddress:
		return fmt.Sprintf("%s: %s", v.Code(), netip.Addr(v))
	case ServerIdentifier:
		return fmt.Sprintf("%s: %s", v.Code(), netip.Addr(v))
	case IPAddressLeaseTime:
		return fmt.Sprintf("%s: %s", v.Code(), v.Duration())
	case RenewalTime:
		return fmt.Sprintf("%s: %s", v.Code(), v.Duration())
	case RebindingTime:
		return fmt.Sprintf("%s: %s", v.Code(), v.Duration())
	case ParameterRequestList:
		names := make([]string, len(v))
		for i, c := range v {
			names[i] = c.String()
		}
		return fmt.Sprintf("%s: %s", v.Code(), strings.Join(names, ", "))
	case ClientIdentifier:
		return fmt.Sprintf("%s: % x", v.Code(), []byte(v))
	case UnknownOption:
		return fmt.Sprintf("%s: % x", v.Code(), v.Data)
	default:
		return fmt.Sprintf("%s: %v", o.Code(), o)
	}
}

func joinAddrs(as []netip.Addr) string {
	s := make([]string, len(as))
	for i, a := range as {
		s[i] = a.String()
	}
	return strings.Join(s, ", ")
}
