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
	"net/netip"
	"time"

	"github.com/metal-stack/dhcp4client/dhcp4"
)

// maxMessageSize is advertised in option 57, a full Ethernet frame.
const maxMessageSize = 1500

func secsSince(start, now time.Time) uint16 {
	s := now.Sub(start) / time.Second
	if s < 0 {
		return 0
	}
	if s > 0xffff {
		return 0xffff
	}
	return uint16(s)
}

func (c *Core) newRequest(xid uint32, secs uint16, typ dhcp4.MessageType) *dhcp4.Message {
	m := &dhcp4.Message{
		Op:            dhcp4.OpRequest,
		TransactionID: xid,
		Secs:          secs,
		HardwareAddr:  c.cfg.HardwareAddr,
		Options:       []dhcp4.Option{typ},
	}
	if len(c.cfg.ClientIdentifier) > 0 {
		m.Options = append(m.Options, dhcp4.ClientIdentifier(c.cfg.ClientIdentifier))
	}
	return m
}

// withParameters adds the options every DISCOVER and REQUEST carries.
func (c *Core) withParameters(m *dhcp4.Message) *dhcp4.Message {
	if prl := c.cfg.parameterRequestList(); len(prl) > 0 {
		m.Options = append(m.Options, prl)
	}
	m.Options = append(m.Options, dhcp4.MaxMessageSize(maxMessageSize))
	if c.cfg.PreferredLeaseTime > 0 {
		m.Options = append(m.Options, dhcp4.IPAddressLeaseTime(c.cfg.PreferredLeaseTime/time.Second))
	}
	return m
}

func (c *Core) discover(xid uint32, secs uint16) *dhcp4.Message {
	m := c.withParameters(c.newRequest(xid, secs, dhcp4.MessageTypeDiscover))
	if c.cfg.RequestedIPAddress.IsValid() {
		m.Options = append(m.Options, dhcp4.RequestedIPAddress(c.cfg.RequestedIPAddress))
	}
	return m
}

// requestSelecting answers an offer, RFC 2131 section 4.3.2.
func (c *Core) requestSelecting(xid uint32, secs uint16, o Offer) *dhcp4.Message {
	m := c.withParameters(c.newRequest(xid, secs, dhcp4.MessageTypeRequest))
	m.Options = append(m.Options,
		dhcp4.RequestedIPAddress(o.Address),
		dhcp4.ServerIdentifier(o.ServerIdentifier),
	)
	return m
}

func (c *Core) requestInitReboot(xid uint32, secs uint16, addr netip.Addr) *dhcp4.Message {
	m := c.withParameters(c.newRequest(xid, secs, dhcp4.MessageTypeRequest))
	m.Options = append(m.Options, dhcp4.RequestedIPAddress(addr))
	return m
}

// requestExtend renews or rebinds l, identified by ciaddr alone.
func (c *Core) requestExtend(xid uint32, l Lease) *dhcp4.Message {
	m := c.withParameters(c.newRequest(xid, 0, dhcp4.MessageTypeRequest))
	m.ClientAddr = l.Address
	return m
}

func (c *Core) decline(xid uint32, l Lease) *dhcp4.Message {
	m := c.newRequest(xid, 0, dhcp4.MessageTypeDecline)
	m.Options = append(m.Options,
		dhcp4.RequestedIPAddress(l.Address),
		dhcp4.ServerIdentifier(l.ServerIdentifier),
	)
	return m
}

func (c *Core) release(xid uint32, l Lease) *dhcp4.Message {
	m := c.newRequest(xid, 0, dhcp4.MessageTypeRelease)
	m.ClientAddr = l.Address
	m.Options = append(m.Options, dhcp4.ServerIdentifier(l.ServerIdentifier))
	return m
}
