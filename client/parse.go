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

package client

import (
	"bytes"
	"fmt"
	"net/netip"
	"time"

	"github.com/metal-stack/dhcp4client/dhcp4"
)

// discard explains why a received message was ignored. event is the
// counter it is accounted under.
type discard struct {
	event  string
	reason string
}

func (d *discard) Error() string { return d.reason }

func discardf(event, format string, args ...any) *discard {
	return &discard{event: event, reason: fmt.Sprintf(format, args...)}
}

// protocolOptions are consumed by the client itself and never count as
// unrequested parameters.
var protocolOptions = map[dhcp4.OptionCode]bool{
	dhcp4.OptionIPAddressLeaseTime: true,
	dhcp4.OptionDHCPMessageType:    true,
	dhcp4.OptionServerIdentifier:   true,
	dhcp4.OptionMessage:            true,
	dhcp4.OptionRenewalTime:        true,
	dhcp4.OptionRebindingTime:      true,
	dhcp4.OptionClientIdentifier:   true,
}

// illegalInReply lists options a server MUST NOT send in DHCPOFFER or
// DHCPACK, RFC 2131 table 3.
var illegalInReply = []dhcp4.OptionCode{
	dhcp4.OptionRequestedIPAddress,
	dhcp4.OptionParameterRequestList,
	dhcp4.OptionMaxMessageSize,
}

// checkReply filters replies that belong to somebody else.
func (c *Core) checkReply(m *dhcp4.Message, xid uint32) *discard {
	if m.Op != dhcp4.OpReply {
		return discardf(EventNotBootReply, "op %s is not a reply", m.Op)
	}
	if m.TransactionID != xid {
		return discardf(EventRecvWrongXID, "xid 0x%08x does not match 0x%08x", m.TransactionID, xid)
	}
	if !bytes.Equal(m.HardwareAddr, c.cfg.HardwareAddr) {
		return discardf(EventRecvWrongChaddr, "chaddr %s is not ours", m.HardwareAddr)
	}
	return nil
}

func serverIdentifier(m *dhcp4.Message) (netip.Addr, bool) {
	o, ok := m.Get(dhcp4.OptionServerIdentifier)
	if !ok {
		return netip.Addr{}, false
	}
	a := netip.Addr(o.(dhcp4.ServerIdentifier))
	if a.IsUnspecified() {
		return netip.Addr{}, false
	}
	return a, true
}

func usableAddress(a netip.Addr) bool {
	return a.IsValid() && !a.IsUnspecified() && !a.IsMulticast() && a != netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

// parameters returns the requested options in m, making sure every
// Required one is there. Unrequested options are dropped.
func (c *Core) parameters(m *dhcp4.Message) ([]dhcp4.Option, *discard) {
	for _, code := range illegalInReply {
		if _, ok := m.Get(code); ok {
			return nil, discardf(EventIllegallyIncludedOption, "reply carries option %s", code)
		}
	}

	var ret []dhcp4.Option
	for _, o := range m.Options {
		if _, ok := c.cfg.RequestedParameters[o.Code()]; ok {
			ret = append(ret, o)
			continue
		}
		if !protocolOptions[o.Code()] {
			c.throttle.debugf(c.log, "ignoring unrequested option %s", o.Code())
		}
	}
	for code, req := range c.cfg.RequestedParameters {
		if req != Required {
			continue
		}
		if _, ok := findOption(ret, code); !ok {
			return nil, discardf(EventMissingRequiredOption, "required option %s missing", code)
		}
	}
	return ret, nil
}

func (c *Core) parseOffer(m *dhcp4.Message) (Offer, *discard) {
	if t, ok := m.Type(); !ok || t != dhcp4.MessageTypeOffer {
		return Offer{}, discardf(EventUnexpectedMessageType, "expected DHCPOFFER, got %s", messageTypeString(m))
	}
	server, ok := serverIdentifier(m)
	if !ok {
		return Offer{}, discardf(EventNoServerIdentifier, "offer without server identifier")
	}
	if !usableAddress(m.YourAddr) {
		return Offer{}, discardf(EventUnspecifiedYiaddr, "offered address %s is not usable", m.YourAddr)
	}
	if _, d := c.parameters(m); d != nil {
		return Offer{}, d
	}
	return Offer{ServerIdentifier: server, Address: m.YourAddr}, nil
}

// reply is a parsed DHCPACK (Lease set) or DHCPNAK.
type reply struct {
	ack    bool
	lease  Lease
	server netip.Addr
	text   string
}

// parseAckOrNak validates a DHCPACK or DHCPNAK. start is the time the
// acknowledged request went out and becomes the lease start.
func (c *Core) parseAckOrNak(m *dhcp4.Message, start time.Time) (reply, *discard) {
	t, _ := m.Type()
	switch t {
	case dhcp4.MessageTypeNak:
		r := reply{}
		r.server, _ = serverIdentifier(m)
		if o, ok := m.Get(dhcp4.OptionMessage); ok {
			r.text = string(o.(dhcp4.MessageText))
		}
		return r, nil
	case dhcp4.MessageTypeAck:
	default:
		return reply{}, discardf(EventUnexpectedMessageType, "expected DHCPACK or DHCPNAK, got %s", messageTypeString(m))
	}

	server, ok := serverIdentifier(m)
	if !ok {
		return reply{}, discardf(EventNoServerIdentifier, "ack without server identifier")
	}
	if !usableAddress(m.YourAddr) {
		return reply{}, discardf(EventUnspecifiedYiaddr, "acknowledged address %s is not usable", m.YourAddr)
	}
	o, ok := m.Get(dhcp4.OptionIPAddressLeaseTime)
	if !ok || o.(dhcp4.IPAddressLeaseTime) == 0 {
		return reply{}, discardf(EventNoLeaseTime, "ack without lease time")
	}
	leaseTime := o.(dhcp4.IPAddressLeaseTime).Duration()
	params, d := c.parameters(m)
	if d != nil {
		return reply{}, d
	}

	t1, t2 := leaseTime/2, leaseTime/8*7
	if o, ok := m.Get(dhcp4.OptionRenewalTime); ok {
		t1 = o.(dhcp4.RenewalTime).Duration()
	}
	if o, ok := m.Get(dhcp4.OptionRebindingTime); ok {
		t2 = o.(dhcp4.RebindingTime).Duration()
	}
	// RFC 2131 section 4.4.5 requires T1 < T2 < lease time, fall back
	// to the defaults for servers that disagree.
	if !(0 < t1 && t1 < t2 && t2 <= leaseTime) {
		c.log.Debugw("ignoring inconsistent renewal times", "t1", t1, "t2", t2, "lease", leaseTime)
		t1, t2 = leaseTime/2, leaseTime/8*7
	}

	return reply{
		ack:    true,
		server: server,
		lease: Lease{
			ServerIdentifier: server,
			Address:          m.YourAddr,
			StartTime:        start,
			LeaseTime:        leaseTime,
			RenewalTime:      t1,
			RebindingTime:    t2,
			Parameters:       params,
		},
	}, nil
}

func messageTypeString(m *dhcp4.Message) string {
	if t, ok := m.Type(); ok {
		return t.String()
	}
	return "BOOTP"
}
