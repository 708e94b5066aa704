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

// Package dhcpclient drives the DHCPv4 state machine of one interface
// and keeps the interface's address in line with the current lease.
package dhcpclient

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/metal-stack/dhcp4client/client"
	"github.com/metal-stack/dhcp4client/dhcp4"
)

// ExitError is returned by WatchConfiguration once the client stopped
// for good.
type ExitError struct {
	Reason client.ExitReason
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("dhcp client exited: %s", e.Reason)
}

// Address is a newly acquired address.
type Address struct {
	Prefix           netip.Prefix
	ValidLifetimeEnd time.Time
	AddSubnetRoute   bool
	PerformDAD       bool
}

// Configuration is what the client learned from its latest lease.
// Address is only set when the address changed.
type Configuration struct {
	Address    *Address
	DNSServers []netip.Addr
	Routers    []netip.Addr
	// Parameters are all granted options.
	Parameters []dhcp4.Option
}

// Client runs DHCP on one interface.
type Client struct {
	name      string
	core      *client.Core
	addresses AddressManager
	clock     client.Clock
	log       *zap.SugaredLogger
	onClose   func()

	// watching serializes WatchConfiguration.
	watching sync.Mutex
	state    client.State
	lease    *installedLease
	exited   *ExitError
	events   chan client.AddressEvent

	stopOnce  sync.Once
	stop      chan struct{}
	closeOnce sync.Once

	history *history
}

func newClient(name string, core *client.Core, addresses AddressManager, clock client.Clock, log *zap.SugaredLogger) *Client {
	s := client.InitialState(core.Config())
	c := &Client{
		name:      name,
		core:      core,
		addresses: addresses,
		clock:     clock,
		log:       log,
		state:     s,
		events:    make(chan client.AddressEvent),
		stop:      make(chan struct{}),
		history:   newHistory(),
	}
	c.history.enter(s, clock.Now())
	return c
}

// Name returns the interface the client runs on.
func (c *Client) Name() string { return c.name }

// WatchConfiguration runs the client until its configuration changes,
// and returns the new configuration. Only one call may be in flight,
// concurrent calls fail with WatchConfigurationAlreadyPending.
//
// Once the client stopped every call returns the same *ExitError.
// Socket errors the client may recover from are returned as they are;
// the next call continues from the same state.
func (c *Client) WatchConfiguration(ctx context.Context) (*Configuration, error) {
	if !c.watching.TryLock() {
		return nil, &ExitError{Reason: client.WatchConfigurationAlreadyPending}
	}
	defer c.watching.Unlock()

	if c.exited != nil {
		return nil, c.exited
	}
	for {
		var events <-chan client.AddressEvent
		if c.lease != nil {
			events = c.events
		}
		step, err := c.core.Run(ctx, c.state, c.stop, events)
		if err != nil {
			return nil, c.runError(ctx, err)
		}
		switch step := step.(type) {
		case client.Exit:
			return nil, c.exit(ctx, step.Reason)
		case client.NextState:
			cfg, err := c.transition(ctx, step.Transition)
			if err != nil || cfg != nil {
				return cfg, err
			}
		default:
			panic(fmt.Sprintf("unknown step %T", step))
		}
	}
}

// Shutdown asks the client to stop. The pending or next
// WatchConfiguration returns an *ExitError with GracefulShutdown after
// the address has been removed.
func (c *Client) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) transition(ctx context.Context, t client.Transition) (*Configuration, error) {
	prev := c.state
	next, effect := client.Apply(prev, t)
	c.state = next
	now := c.clock.Now()
	if reflect.TypeOf(prev) != reflect.TypeOf(next) {
		c.core.Counters().Inc(next, client.EventEntered)
	}
	c.history.enter(next, now)
	c.log.Debugw("transition", "from", prev, "to", next)

	switch effect := effect.(type) {
	case nil:
		return nil, nil
	case client.DropLease:
		if c.lease != nil {
			l := c.lease
			c.lease = nil
			c.history.leaseDropped(l, now)
			if err := c.release(ctx, l, effect.AddressRejected); err != nil {
				return nil, c.exit(ctx, client.AddressStateProviderError)
			}
		}
		return nil, nil
	case client.HandleNewLease:
		return c.handleNewLease(ctx, effect.Lease)
	case client.HandleRenewedLease:
		return c.handleRenewedLease(ctx, effect.Lease)
	default:
		panic(fmt.Sprintf("unknown transition effect %T", effect))
	}
}

func (c *Client) handleNewLease(ctx context.Context, l client.NewlyAcquiredLease) (*Configuration, error) {
	o, ok := findOption(l.Parameters, dhcp4.OptionSubnetMask)
	if !ok {
		// The subnet mask is always requested as Required, an ACK
		// without one never reaches this point.
		panic("new lease without subnet mask")
	}
	prefix := netip.PrefixFrom(l.Address, int(o.(dhcp4.SubnetMask)))
	addr := &Address{
		Prefix:           prefix,
		ValidLifetimeEnd: l.StartTime.Add(l.LeaseTime),
		AddSubnetRoute:   true,
		PerformDAD:       true,
	}

	if prev := c.lease; prev != nil {
		c.lease = nil
		c.history.leaseDropped(prev, c.clock.Now())
		// The new address must not be installed while the old one
		// may still be there.
		if err := c.release(ctx, prev, false); err != nil {
			return nil, c.exit(ctx, client.AddressStateProviderError)
		}
	}

	installed, err := c.install(ctx, AddressParameters(*addr))
	if err != nil {
		c.log.Errorw("failed to install address", "prefix", prefix, "error", err)
		return nil, c.exit(ctx, client.AddressStateProviderError)
	}
	c.lease = installed
	c.history.leaseAdded(prefix, l.StartTime, l.LeaseTime)
	c.log.Infow("acquired lease", "prefix", prefix, "lease", l.LeaseTime)

	cfg := configuration(l.Parameters)
	cfg.Address = addr
	return cfg, nil
}

func (c *Client) handleRenewedLease(ctx context.Context, l client.LeaseRenewal) (*Configuration, error) {
	if c.lease == nil {
		panic("renewed a lease that is not installed")
	}
	end := l.StartTime.Add(l.LeaseTime)
	if err := c.lease.handle.UpdateValidLifetime(ctx, end); err != nil {
		c.log.Errorw("failed to update address lifetime", "prefix", c.lease.prefix, "error", err)
		return nil, c.exit(ctx, client.AddressStateProviderError)
	}
	c.lease.expires = end
	c.history.leaseRenewed(c.lease.prefix, l.StartTime, l.LeaseTime)
	c.log.Infow("renewed lease", "prefix", c.lease.prefix, "lease", l.LeaseTime)
	return configuration(l.Parameters), nil
}

func configuration(params []dhcp4.Option) *Configuration {
	cfg := &Configuration{Parameters: params}
	if o, ok := findOption(params, dhcp4.OptionDomainNameServer); ok {
		cfg.DNSServers = o.(dhcp4.DomainNameServer)
	}
	if o, ok := findOption(params, dhcp4.OptionRouter); ok {
		cfg.Routers = o.(dhcp4.Router)
	}
	return cfg
}

func findOption(opts []dhcp4.Option, code dhcp4.OptionCode) (dhcp4.Option, bool) {
	for _, o := range opts {
		if o.Code() == code {
			return o, true
		}
	}
	return nil, false
}

// runError turns the errors of Run the client cannot recover from into
// an exit.
func (c *Client) runError(ctx context.Context, err error) error {
	if errors.Is(err, client.ErrAddressEventReceiverEnded) {
		return c.exit(ctx, client.AddressStateProviderError)
	}
	var se *client.SocketError
	if !errors.As(err, &se) {
		return err
	}
	switch se.Kind {
	case client.SocketNoInterface, client.SocketUnsupportedHardwareType:
		return c.exit(ctx, client.InvalidInterface)
	case client.SocketFailedToOpen:
		return c.exit(ctx, client.UnableToOpenSocket)
	case client.SocketNetworkUnreachable:
		return c.exit(ctx, client.NetworkUnreachable)
	default:
		c.log.Warnw("transient socket error", "state", c.state, "error", err)
		return err
	}
}

// exit stops the client for good. The address of the current lease is
// removed unless the host already did so.
func (c *Client) exit(ctx context.Context, reason client.ExitReason) error {
	if l := c.lease; l != nil {
		c.lease = nil
		c.history.leaseDropped(l, c.clock.Now())
		if err := c.release(ctx, l, false); err != nil {
			c.log.Warnw("failed to release address on exit", "prefix", l.prefix, "error", err)
		}
	}
	c.exited = &ExitError{Reason: reason}
	c.log.Infow("client exited", "reason", reason)
	return c.exited
}

// Close shuts the client down and frees its interface for a new client.
// It does not wait for a pending WatchConfiguration.
func (c *Client) Close() {
	c.Shutdown()
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
}
