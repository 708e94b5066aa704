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
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/metal-stack/dhcp4client/dhcp4"
)

// recvBufferSize holds any datagram from an interface with a standard
// MTU, and then some.
const recvBufferSize = 4096

var (
	broadcastHardwareAddr = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	broadcastServer       = netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), dhcp4.ServerPort)
	unboundClient         = netip.AddrPortFrom(netip.IPv4Unspecified(), dhcp4.ClientPort)

	// errStopped unwinds an exchange so that shutdown runs after its
	// socket is closed.
	errStopped = errors.New("stop requested")
)

// Deps bundles what a Core needs from the outside world.
type Deps struct {
	PacketSockets PacketSocketProvider
	UDPSockets    UDPSocketProvider
	Clock         Clock
	Rand          Rand
	// Counters may be nil.
	Counters *Counters
	// Log defaults to a no-op logger.
	Log *zap.SugaredLogger
}

// Core runs the client state machine for one configuration. It keeps no
// protocol state of its own, the current State is owned by the caller.
type Core struct {
	cfg           *ClientConfig
	packetSockets PacketSocketProvider
	udpSockets    UDPSocketProvider
	clock         Clock
	rand          Rand
	counters      *Counters
	log           *zap.SugaredLogger
	throttle      *logThrottler
}

// NewCore returns a Core for cfg.
func NewCore(cfg *ClientConfig, deps Deps) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.PacketSockets == nil || deps.UDPSockets == nil {
		return nil, errors.New("socket providers are required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Rand == nil {
		deps.Rand = NewSystemRand()
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.DebugLogPrefix != "" {
		log = log.Named(cfg.DebugLogPrefix)
	}
	return &Core{
		cfg:           cfg,
		packetSockets: deps.PacketSockets,
		udpSockets:    deps.UDPSockets,
		clock:         deps.Clock,
		rand:          deps.Rand,
		counters:      deps.Counters,
		log:           log,
		throttle:      newLogThrottler(deps.Clock),
	}, nil
}

// Config returns the configuration c runs with.
func (c *Core) Config() *ClientConfig { return c.cfg }

// Counters returns the counters c records into.
func (c *Core) Counters() *Counters { return c.counters }

// Run performs the I/O of state s until it has to transition or exit.
//
// Closing stop makes Run return Exit{GracefulShutdown}, releasing a held
// lease first when configured to. events delivers address notifications
// while a lease is held, it is ignored otherwise. Errors are socket
// failures, ErrAddressEventReceiverEnded or ctx's error.
func (c *Core) Run(ctx context.Context, s State, stop <-chan struct{}, events <-chan AddressEvent) (Step, error) {
	select {
	case <-stop:
		return c.shutdown(ctx, s), nil
	default:
	}

	var (
		step Step
		err  error
	)
	switch s := s.(type) {
	case Init:
		step = NextState{Transition{Next: Selecting{
			TransactionID: c.rand.Uint32(),
			StartTime:     c.clock.Now(),
		}}}
	case WaitingToRestart:
		step, err = c.runWaitingToRestart(ctx, s, stop)
	case Selecting:
		step, err = c.runSelecting(ctx, s, stop)
	case Requesting:
		step, err = c.runRequesting(ctx, s, stop)
	case InitReboot:
		step, err = c.runInitReboot(ctx, s, stop)
	case Bound:
		step, err = c.runBound(ctx, s, stop, events)
	case Renewing:
		step, err = c.runRenewing(ctx, s, stop, events)
	case Rebinding:
		step, err = c.runRebinding(ctx, s, stop, events)
	default:
		panic(fmt.Sprintf("unknown client state %T", s))
	}
	if errors.Is(err, errStopped) {
		return c.shutdown(ctx, s), nil
	}
	return step, err
}

func (c *Core) shutdown(ctx context.Context, s State) Step {
	if l, ok := LeaseOf(s); ok && c.cfg.ReleaseOnShutdown {
		if err := c.sendRelease(ctx, s, l); err != nil {
			c.log.Infow("failed to release lease", "address", l.Address, "error", err)
		} else {
			c.log.Infow("released lease", "address", l.Address, "server", l.ServerIdentifier)
		}
	}
	return Exit{Reason: GracefulShutdown}
}

func (c *Core) runWaitingToRestart(ctx context.Context, s WaitingToRestart, stop <-chan struct{}) (Step, error) {
	t := c.clock.NewTimer(s.WaitUntil)
	defer t.Stop()
	select {
	case <-stop:
		return nil, errStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C():
		return NextState{Transition{Next: Init{}}}, nil
	}
}

func (c *Core) runSelecting(ctx context.Context, s Selecting, stop <-chan struct{}) (Step, error) {
	tr, err := c.openPacketTransport(ctx, unboundClient, broadcastServer)
	if err != nil {
		return nil, err
	}
	x := &exchange{
		state: s,
		tr:    tr,
		build: func(now time.Time) *dhcp4.Message {
			return c.discover(s.TransactionID, secsSince(s.StartTime, now))
		},
		next: c.backoffPolicy(c.cfg.Retransmit.MaxDiscoverRetransmissions),
		onExhausted: func() Step {
			c.log.Infow("no usable offers, starting over", "xid", s.TransactionID)
			return NextState{Transition{Next: Init{}}}
		},
	}
	x.handle = func(m *dhcp4.Message) (Step, *discard) {
		if d := c.checkReply(m, s.TransactionID); d != nil {
			return nil, d
		}
		o, d := c.parseOffer(m)
		if d != nil {
			return nil, d
		}
		c.log.Infow("received offer", "address", o.Address, "server", o.ServerIdentifier)
		return NextState{Transition{Next: Requesting{
			TransactionID: s.TransactionID,
			StartTime:     s.StartTime,
			Offer:         o,
		}}}, nil
	}
	return c.exchange(ctx, stop, x)
}

func (c *Core) runRequesting(ctx context.Context, s Requesting, stop <-chan struct{}) (Step, error) {
	tr, err := c.openPacketTransport(ctx, unboundClient, broadcastServer)
	if err != nil {
		return nil, err
	}
	x := &exchange{
		state: s,
		tr:    tr,
		build: func(now time.Time) *dhcp4.Message {
			return c.requestSelecting(s.TransactionID, secsSince(s.StartTime, now), s.Offer)
		},
		next: c.backoffPolicy(c.cfg.Retransmit.MaxRequestRetransmissions),
		onExhausted: func() Step {
			c.log.Infow("no answer to request, starting over", "address", s.Offer.Address, "server", s.Offer.ServerIdentifier)
			return NextState{Transition{Next: Init{}}}
		},
	}
	x.handle = func(m *dhcp4.Message) (Step, *discard) {
		return c.handleAckOrNak(s, m, s.TransactionID, x.lastSent, s.Offer.ServerIdentifier, AddressAwaitingAssignment)
	}
	return c.exchange(ctx, stop, x)
}

func (c *Core) runInitReboot(ctx context.Context, s InitReboot, stop <-chan struct{}) (Step, error) {
	tr, err := c.openPacketTransport(ctx, unboundClient, broadcastServer)
	if err != nil {
		return nil, err
	}
	xid, start := c.rand.Uint32(), c.clock.Now()
	x := &exchange{
		state: s,
		tr:    tr,
		build: func(now time.Time) *dhcp4.Message {
			return c.requestInitReboot(xid, secsSince(start, now), s.Address)
		},
		next: c.backoffPolicy(c.cfg.Retransmit.MaxRequestRetransmissions),
		onExhausted: func() Step {
			c.log.Infow("no answer to init-reboot, starting over", "address", s.Address)
			return NextState{Transition{Next: Init{}}}
		},
	}
	x.handle = func(m *dhcp4.Message) (Step, *discard) {
		return c.handleAckOrNak(s, m, xid, x.lastSent, netip.Addr{}, AddressAwaitingAssignment)
	}
	return c.exchange(ctx, stop, x)
}

func (c *Core) runBound(ctx context.Context, s Bound, stop <-chan struct{}, events <-chan AddressEvent) (Step, error) {
	// The lease is only renewed once the host uses the address.
	at, next := s.Lease.ExpiresAt(), State(Init{})
	if s.AddressState == AddressAssigned {
		at, next = s.Lease.RenewAt(), Renewing{Lease: s.Lease, AddressState: s.AddressState}
	}
	t := c.clock.NewTimer(at)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return nil, errStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C():
			if _, ok := next.(Init); ok {
				c.log.Infow("lease expired before the address was assigned", "address", s.Lease.Address)
			}
			return NextState{Transition{Next: next}}, nil
		case ev, ok := <-events:
			if !ok {
				return nil, ErrAddressEventReceiverEnded
			}
			if sc, ok := ev.(AssignmentStateChanged); ok {
				if sc.State == s.AddressState {
					continue
				}
				c.assignmentChanged(s, sc.State)
				return NextState{Transition{Next: Bound{Lease: s.Lease, AddressState: sc.State}}}, nil
			}
			return c.addressLost(ctx, s, s.Lease, ev)
		}
	}
}

func (c *Core) runRenewing(ctx context.Context, s Renewing, stop <-chan struct{}, events <-chan AddressEvent) (Step, error) {
	l := s.Lease
	tr, err := c.openUDPTransport(ctx, netip.AddrPortFrom(l.Address, dhcp4.ClientPort), netip.AddrPortFrom(l.ServerIdentifier, dhcp4.ServerPort))
	if err != nil {
		return nil, err
	}
	return c.extend(ctx, s, tr, s.AddressState, l, l.RebindAt(), l.ServerIdentifier, stop, events, func(as AddressAssignmentState) Step {
		c.log.Infow("leasing server did not answer, rebinding", "server", l.ServerIdentifier)
		return NextState{Transition{Next: Rebinding{Lease: l, AddressState: as}}}
	})
}

func (c *Core) runRebinding(ctx context.Context, s Rebinding, stop <-chan struct{}, events <-chan AddressEvent) (Step, error) {
	l := s.Lease
	tr, err := c.openUDPTransport(ctx, netip.AddrPortFrom(l.Address, dhcp4.ClientPort), broadcastServer)
	if err != nil {
		return nil, err
	}
	return c.extend(ctx, s, tr, s.AddressState, l, l.ExpiresAt(), netip.Addr{}, stop, events, func(AddressAssignmentState) Step {
		c.log.Infow("lease expired", "address", l.Address)
		return NextState{Transition{Next: Init{}}}
	})
}

// extend runs Renewing and Rebinding: retransmit until deadline, half
// the remaining time apart, and accept an ACK from server, or from
// anyone when server is unset.
func (c *Core) extend(ctx context.Context, s State, tr transport, as AddressAssignmentState, l Lease, deadline time.Time, server netip.Addr, stop <-chan struct{}, events <-chan AddressEvent, expired func(AddressAssignmentState) Step) (Step, error) {
	xid := c.rand.Uint32()
	x := &exchange{
		state: s,
		tr:    tr,
		build: func(time.Time) *dhcp4.Message {
			return c.requestExtend(xid, l)
		},
		next: func(_ int, now time.Time) (time.Time, bool) {
			return halfwayTo(now, deadline), true
		},
		deadline:   deadline,
		onDeadline: func() Step { return expired(as) },
		events:     events,
	}
	x.handle = func(m *dhcp4.Message) (Step, *discard) {
		return c.handleAckOrNak(s, m, xid, x.lastSent, server, as)
	}
	x.onEvent = func(ev AddressEvent) (Step, error) {
		if sc, ok := ev.(AssignmentStateChanged); ok {
			if sc.State != as {
				c.assignmentChanged(s, sc.State)
				as = sc.State
			}
			return nil, nil
		}
		return c.addressLost(ctx, s, l, ev)
	}
	return c.exchange(ctx, stop, x)
}

// handleAckOrNak is the reply handling shared by every state waiting
// for a DHCPACK. server, when set, is the only server accepted.
func (c *Core) handleAckOrNak(s State, m *dhcp4.Message, xid uint32, sent time.Time, server netip.Addr, as AddressAssignmentState) (Step, *discard) {
	if d := c.checkReply(m, xid); d != nil {
		return nil, d
	}
	r, d := c.parseAckOrNak(m, sent)
	if d != nil {
		return nil, d
	}
	if server.IsValid() && r.server != server {
		return nil, discardf(EventWrongServerIdentifier, "reply from %s, expected %s", r.server, server)
	}
	if !r.ack {
		c.counters.Inc(s, EventRecvNak)
		c.log.Infow("received NAK, starting over", "server", r.server, "message", r.text)
		return NextState{Transition{Next: Init{}}}, nil
	}
	if prev, ok := LeaseOf(s); ok && prev.Address != r.lease.Address {
		as = AddressAwaitingAssignment
	}
	c.log.Infow("received ACK", "address", r.lease.Address, "server", r.server, "lease", r.lease.LeaseTime)
	return NextState{Transition{Next: Bound{Lease: r.lease, AddressState: as}}}, nil
}

func (c *Core) assignmentChanged(s State, as AddressAssignmentState) {
	c.log.Debugw("address assignment state changed", "state", as)
	if as == AddressAssigned {
		c.counters.Inc(s, EventAddressAssigned)
	}
}

// addressLost handles the address events that end a lease.
func (c *Core) addressLost(ctx context.Context, s State, l Lease, ev AddressEvent) (Step, error) {
	switch ev := ev.(type) {
	case AddressRejected:
		c.counters.Inc(s, EventAddressRejected)
		if err := c.sendDecline(ctx, s, l); err != nil {
			c.log.Infow("failed to decline address", "address", l.Address, "error", err)
		} else {
			c.log.Infow("declined address", "address", l.Address, "server", l.ServerIdentifier)
		}
		return NextState{Transition{
			Next:            WaitingToRestart{WaitUntil: c.clock.Now().Add(declineRestartDelay)},
			AddressRejected: true,
		}}, nil
	case AddressRemoved:
		c.log.Infow("address removed", "address", l.Address, "reason", ev.Reason)
		return Exit{Reason: ev.Reason}, nil
	default:
		panic(fmt.Sprintf("unknown address event %T", ev))
	}
}

func (c *Core) backoffPolicy(max int) func(int, time.Time) (time.Time, bool) {
	return func(attempt int, now time.Time) (time.Time, bool) {
		return now.Add(backoff(attempt, c.rand)), attempt < max
	}
}

func (c *Core) sendDecline(ctx context.Context, s State, l Lease) error {
	tr, err := c.openPacketTransport(ctx, unboundClient, broadcastServer)
	if err != nil {
		return err
	}
	defer tr.close()
	return c.sendOnce(ctx, s, tr, c.decline(c.rand.Uint32(), l))
}

func (c *Core) sendRelease(ctx context.Context, s State, l Lease) error {
	tr, err := c.openUDPTransport(ctx, netip.AddrPortFrom(l.Address, dhcp4.ClientPort), netip.AddrPortFrom(l.ServerIdentifier, dhcp4.ServerPort))
	if err != nil {
		return err
	}
	defer tr.close()
	return c.sendOnce(ctx, s, tr, c.release(c.rand.Uint32(), l))
}

func (c *Core) sendOnce(ctx context.Context, s State, tr transport, m *dhcp4.Message) error {
	b, err := dhcp4.Encode(m)
	if err != nil {
		return err
	}
	if err := tr.send(ctx, b); err != nil {
		return err
	}
	c.counters.Inc(s, EventSendMessage)
	return nil
}
