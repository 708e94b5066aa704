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
	"net/netip"
	"time"

	"github.com/metal-stack/dhcp4client/dhcp4"
)

// exchange is one request/reply conversation on a transport: a message
// is (re)transmitted on a schedule until a reply is accepted, the
// schedule runs out, or an overall deadline passes.
type exchange struct {
	state State
	tr    transport
	build func(now time.Time) *dhcp4.Message
	// next returns when to retransmit after the given transmission and
	// whether another transmission follows.
	next        func(attempt int, now time.Time) (time.Time, bool)
	onExhausted func() Step
	deadline    time.Time
	onDeadline  func() Step
	// handle returns a non-nil Step for an accepted reply.
	handle  func(*dhcp4.Message) (Step, *discard)
	events  <-chan AddressEvent
	onEvent func(AddressEvent) (Step, error)

	lastSent time.Time
}

type received struct {
	payload []byte
	err     error
}

func (c *Core) exchange(ctx context.Context, stop <-chan struct{}, x *exchange) (Step, error) {
	ctx, cancel := context.WithCancel(ctx)
	recv := make(chan received)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			b, err := x.tr.recv(ctx)
			select {
			case recv <- received{b, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !hostUnreachable(err) {
				return
			}
		}
	}()
	defer func() {
		cancel()
		x.tr.close()
		<-done
	}()

	var deadline <-chan time.Time
	if !x.deadline.IsZero() {
		t := c.clock.NewTimer(x.deadline)
		defer t.Stop()
		deadline = t.C()
	}

	for attempt := 0; ; attempt++ {
		if !x.deadline.IsZero() && !c.clock.Now().Before(x.deadline) {
			return x.onDeadline(), nil
		}
		now := c.clock.Now()
		b, err := dhcp4.Encode(x.build(now))
		if err != nil {
			return nil, err
		}
		if err := x.tr.send(ctx, b); err != nil {
			if err := c.socketError(x.state, err); err != nil {
				return nil, err
			}
		} else {
			x.lastSent = now
			c.counters.Inc(x.state, EventSendMessage)
		}

		at, more := x.next(attempt, now)
		t := c.clock.NewTimer(at)
		step, err := c.await(ctx, stop, x, recv, deadline, t.C())
		t.Stop()
		if step != nil || err != nil {
			return step, err
		}
		c.counters.Inc(x.state, EventRecvTimeout)
		if !more {
			return x.onExhausted(), nil
		}
	}
}

// await returns a nil Step and error when it is time to retransmit.
func (c *Core) await(ctx context.Context, stop <-chan struct{}, x *exchange, recv <-chan received, deadline, retransmit <-chan time.Time) (Step, error) {
	for {
		select {
		case <-stop:
			return nil, errStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return x.onDeadline(), nil
		case <-retransmit:
			return nil, nil
		case ev, ok := <-x.events:
			if !ok {
				return nil, ErrAddressEventReceiverEnded
			}
			step, err := x.onEvent(ev)
			if step != nil || err != nil {
				return step, err
			}
		case r := <-recv:
			if r.err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if err := c.socketError(x.state, r.err); err != nil {
					return nil, err
				}
				continue
			}
			c.counters.Inc(x.state, EventRecvMessage)
			m, err := dhcp4.Decode(r.payload)
			if err != nil {
				c.counters.Inc(x.state, EventRecvFailedDHCPParse)
				c.throttle.debugf(c.log, "%s: dropping undecodable message: %v", x.state, err)
				continue
			}
			step, d := x.handle(m)
			if d != nil {
				c.counters.Inc(x.state, d.event)
				c.throttle.debugf(c.log, "%s: discarding %s: %s", x.state, messageTypeString(m), d)
				continue
			}
			if step != nil {
				return step, nil
			}
		}
	}
}

func hostUnreachable(err error) bool {
	var se *SocketError
	return errors.As(err, &se) && se.Kind == SocketHostUnreachable
}

// socketError counts err and returns it as a *SocketError when the
// client cannot go on. Host unreachable errors are survivable.
func (c *Core) socketError(s State, err error) error {
	if hostUnreachable(err) {
		c.counters.Inc(s, EventRecvNonFatalSocketError)
		c.throttle.debugf(c.log, "%s: ignoring socket error: %v", s, err)
		return nil
	}
	var se *SocketError
	if !errors.As(err, &se) {
		se = &SocketError{Kind: SocketOther, Err: err}
	}
	if se.Fatal() {
		c.counters.Inc(s, EventRecvFatalSocketError)
	} else {
		c.counters.Inc(s, EventRecvNonFatalSocketError)
	}
	return se
}

// transport frames DHCP payloads for one kind of socket.
type transport interface {
	send(ctx context.Context, payload []byte) error
	recv(ctx context.Context) ([]byte, error)
	close() error
}

func (c *Core) openPacketTransport(ctx context.Context, src, dst netip.AddrPort) (transport, error) {
	s, err := c.packetSockets.PacketSocket(ctx)
	if err != nil {
		return nil, openError(err)
	}
	return &packetTransport{sock: s, src: src, dst: dst, buf: make([]byte, recvBufferSize)}, nil
}

func (c *Core) openUDPTransport(ctx context.Context, local, dst netip.AddrPort) (transport, error) {
	s, err := c.udpSockets.BindUDP(ctx, local)
	if err != nil {
		return nil, openError(err)
	}
	return &udpTransport{sock: s, dst: dst, buf: make([]byte, recvBufferSize)}, nil
}

func openError(err error) error {
	var se *SocketError
	if errors.As(err, &se) {
		return err
	}
	return &SocketError{Kind: SocketFailedToOpen, Err: err}
}

// packetTransport builds the IPv4 and UDP headers itself, the interface
// has no address yet.
type packetTransport struct {
	sock     PacketSocket
	src, dst netip.AddrPort
	buf      []byte
}

func (t *packetTransport) send(ctx context.Context, payload []byte) error {
	dg, err := dhcp4.EncodeIPv4UDP(t.src, t.dst, payload)
	if err != nil {
		return err
	}
	return t.sock.Send(ctx, broadcastHardwareAddr, dg)
}

func (t *packetTransport) recv(ctx context.Context) ([]byte, error) {
	for {
		n, _, err := t.sock.Recv(ctx, t.buf)
		if err != nil {
			return nil, err
		}
		_, dst, payload, err := dhcp4.DecodeIPv4UDP(t.buf[:n])
		if err != nil || dst.Port() != dhcp4.ClientPort {
			continue
		}
		return append([]byte(nil), payload...), nil
	}
}

func (t *packetTransport) close() error { return t.sock.Close() }

type udpTransport struct {
	sock UDPSocket
	dst  netip.AddrPort
	buf  []byte
}

func (t *udpTransport) send(ctx context.Context, payload []byte) error {
	return t.sock.SendTo(ctx, payload, t.dst)
}

func (t *udpTransport) recv(ctx context.Context) ([]byte, error) {
	n, _, err := t.sock.RecvFrom(ctx, t.buf)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), t.buf[:n]...), nil
}

func (t *udpTransport) close() error { return t.sock.Close() }
