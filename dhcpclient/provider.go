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

package dhcpclient

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/metal-stack/dhcp4client/client"
	"github.com/metal-stack/dhcp4client/dhcp4"
)

// Interface bundles the host capabilities of one network interface.
type Interface struct {
	Name          string
	HardwareAddr  net.HardwareAddr
	PacketSockets client.PacketSocketProvider
	UDPSockets    client.UDPSocketProvider
	Addresses     AddressManager
}

// ConfigurationToRequest selects the optional configuration asked for.
type ConfigurationToRequest struct {
	Routers    bool
	DNSServers bool
}

// NewClientParams configures a new client.
type NewClientParams struct {
	ConfigurationToRequest ConfigurationToRequest
	// RequestIPAddress must be set, information-only clients are not
	// supported.
	RequestIPAddress bool

	ClientIdentifier   []byte
	PreferredLeaseTime time.Duration
	// RequestedAddress is hinted in DHCPDISCOVER, or reclaimed directly
	// with InitReboot.
	RequestedAddress  netip.Addr
	InitReboot        bool
	ReleaseOnShutdown bool
	// Retransmit defaults to client.DefaultRetransmitPolicy.
	Retransmit *client.RetransmitPolicy
}

// A Provider creates clients, at most one per interface.
type Provider struct {
	// Log defaults to a no-op logger.
	Log *zap.SugaredLogger
	// Registerer receives each client's counters, when set.
	Registerer prometheus.Registerer
	// Clock and Rand default to the system ones.
	Clock client.Clock
	Rand  client.Rand

	mu      sync.Mutex
	clients map[string]*Client
}

// NewClient starts a client on iface. Invalid parameters fail with
// InvalidParams, a second client on the same interface with
// ClientAlreadyExistsOnInterface.
func (p *Provider) NewClient(iface Interface, params NewClientParams) (*Client, error) {
	if !params.RequestIPAddress {
		return nil, &ExitError{Reason: client.InvalidParams}
	}

	log := p.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	clock := p.Clock
	if clock == nil {
		clock = client.SystemClock{}
	}

	cfg := &client.ClientConfig{
		HardwareAddr:        iface.HardwareAddr,
		ClientIdentifier:    params.ClientIdentifier,
		RequestedParameters: requestedParameters(params.ConfigurationToRequest),
		PreferredLeaseTime:  params.PreferredLeaseTime,
		RequestedIPAddress:  params.RequestedAddress,
		InitReboot:          params.InitReboot,
		DebugLogPrefix:      iface.Name,
		Retransmit:          client.DefaultRetransmitPolicy,
		ReleaseOnShutdown:   params.ReleaseOnShutdown,
	}
	if params.Retransmit != nil {
		cfg.Retransmit = *params.Retransmit
	}
	if err := cfg.Validate(); err != nil {
		log.Warnw("invalid client parameters", "interface", iface.Name, "error", err)
		return nil, &ExitError{Reason: client.InvalidParams}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[iface.Name]; ok {
		return nil, &ExitError{Reason: client.ClientAlreadyExistsOnInterface}
	}

	counters := client.NewCounters(prometheus.Labels{"interface": iface.Name})
	if p.Registerer != nil {
		if err := p.Registerer.Register(counters); err != nil {
			return nil, fmt.Errorf("registering counters for %s: %w", iface.Name, err)
		}
	}
	core, err := client.NewCore(cfg, client.Deps{
		PacketSockets: iface.PacketSockets,
		UDPSockets:    iface.UDPSockets,
		Clock:         clock,
		Rand:          p.Rand,
		Counters:      counters,
		Log:           log,
	})
	if err != nil {
		if p.Registerer != nil {
			p.Registerer.Unregister(counters)
		}
		return nil, err
	}

	c := newClient(iface.Name, core, iface.Addresses, clock, log.With("interface", iface.Name))
	c.onClose = func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.clients, iface.Name)
		if p.Registerer != nil {
			p.Registerer.Unregister(counters)
		}
	}
	if p.clients == nil {
		p.clients = make(map[string]*Client)
	}
	p.clients[iface.Name] = c
	return c, nil
}

// Clients returns the live clients.
func (p *Provider) Clients() []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		ret = append(ret, c)
	}
	return ret
}

// requestedParameters always requires a subnet mask, the address
// cannot be installed without it.
func requestedParameters(r ConfigurationToRequest) map[dhcp4.OptionCode]client.OptionRequested {
	ret := map[dhcp4.OptionCode]client.OptionRequested{
		dhcp4.OptionSubnetMask: client.Required,
	}
	if r.Routers {
		ret[dhcp4.OptionRouter] = client.Optional
	}
	if r.DNSServers {
		ret[dhcp4.OptionDomainNameServer] = client.Optional
	}
	return ret
}
