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
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/metal-stack/dhcp4client/dhcp4"
)

// OptionRequested says how much the client cares about a requested
// option.
type OptionRequested int

const (
	// Optional options are requested, but offers without them are
	// still accepted.
	Optional OptionRequested = iota
	// Required options must be present in OFFERs and ACKs, messages
	// without them are discarded.
	Required
)

// RetransmitPolicy bounds the retransmissions in the states that
// broadcast before an address is held.
type RetransmitPolicy struct {
	// MaxDiscoverRetransmissions bounds DHCPDISCOVER retransmissions
	// in Selecting before restarting from Init.
	MaxDiscoverRetransmissions int
	// MaxRequestRetransmissions bounds DHCPREQUEST retransmissions in
	// Requesting and InitReboot before restarting from Init.
	MaxRequestRetransmissions int
}

// DefaultRetransmitPolicy waits roughly four minutes for offers and two
// minutes for an ACK.
var DefaultRetransmitPolicy = RetransmitPolicy{
	MaxDiscoverRetransmissions: 6,
	MaxRequestRetransmissions:  4,
}

// ClientConfig is the immutable configuration of one client.
type ClientConfig struct {
	HardwareAddr        net.HardwareAddr
	ClientIdentifier    []byte
	RequestedParameters map[dhcp4.OptionCode]OptionRequested
	// PreferredLeaseTime is sent as a hint when not zero.
	PreferredLeaseTime time.Duration
	// RequestedIPAddress is hinted in DHCPDISCOVER. With InitReboot set
	// the client first tries to reclaim it directly.
	RequestedIPAddress netip.Addr
	InitReboot         bool
	DebugLogPrefix     string
	Retransmit         RetransmitPolicy
	// ReleaseOnShutdown sends a DHCPRELEASE when stopped with a lease.
	ReleaseOnShutdown bool
}

// Validate checks cfg for values the protocol cannot work with.
func (cfg *ClientConfig) Validate() error {
	if len(cfg.HardwareAddr) != 6 {
		return fmt.Errorf("hardware address %q is not an Ethernet address", cfg.HardwareAddr)
	}
	if len(cfg.ClientIdentifier) == 1 {
		return errors.New("client identifier must be at least 2 bytes")
	}
	if cfg.RequestedIPAddress.IsValid() && !cfg.RequestedIPAddress.Is4() {
		return fmt.Errorf("requested address %s is not IPv4", cfg.RequestedIPAddress)
	}
	if cfg.InitReboot && !cfg.RequestedIPAddress.IsValid() {
		return errors.New("init-reboot needs a requested address")
	}
	if cfg.PreferredLeaseTime < 0 || cfg.PreferredLeaseTime > dhcp4.InfiniteLease*time.Second {
		return fmt.Errorf("preferred lease time %s out of range", cfg.PreferredLeaseTime)
	}
	if cfg.Retransmit.MaxDiscoverRetransmissions < 0 || cfg.Retransmit.MaxRequestRetransmissions < 0 {
		return errors.New("retransmission bounds must not be negative")
	}
	for code := range cfg.RequestedParameters {
		if code == dhcp4.OptionPad || code == dhcp4.OptionEnd {
			return fmt.Errorf("option %s cannot be requested", code)
		}
	}
	return nil
}

// parameterRequestList returns the requested codes in a stable order.
func (cfg *ClientConfig) parameterRequestList() dhcp4.ParameterRequestList {
	ret := make(dhcp4.ParameterRequestList, 0, len(cfg.RequestedParameters))
	for code := range cfg.RequestedParameters {
		ret = append(ret, code)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// InitialState is the state a new client starts in.
func InitialState(cfg *ClientConfig) State {
	if cfg.InitReboot && cfg.RequestedIPAddress.IsValid() {
		return InitReboot{Address: cfg.RequestedIPAddress}
	}
	return Init{}
}
