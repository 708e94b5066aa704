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
	"net"
	"net/netip"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/metal-stack/dhcp4client/dhcp4"
)

var (
	testHW     = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testServer = netip.MustParseAddr("10.0.0.1")
	testAddr   = netip.MustParseAddr("10.0.0.5")
	testStart  = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	testXID    = uint32(0x42424242)
)

// fakeClock only moves when told to.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	c     chan time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testStart} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(at time.Time) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: at, c: make(chan time.Time, 1)}
	if !at.After(c.now) {
		t.c <- c.now
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range c.timers {
		if o == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// waitTimers blocks until at least n timers are armed.
func (c *fakeClock) waitTimers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.pending() >= n }, 5*time.Second, time.Millisecond, "waiting for %d timers", n)
}

// fireNext moves the clock to the earliest armed timer, after waiting
// for n timers to be armed, and returns the new time.
func (c *fakeClock) fireNext(t *testing.T, n int) time.Time {
	t.Helper()
	c.waitTimers(t, n)
	c.mu.Lock()
	at := c.timers[0].at
	for _, tm := range c.timers[1:] {
		if tm.at.Before(at) {
			at = tm.at
		}
	}
	c.mu.Unlock()
	c.advanceTo(at)
	return at
}

func (c *fakeClock) advanceTo(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.now) {
		c.now = at
	}
	sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
	var keep []*fakeTimer
	for _, t := range c.timers {
		if t.at.After(c.now) {
			keep = append(keep, t)
			continue
		}
		t.c <- c.now
	}
	c.timers = keep
}

// fakeRand returns a fixed transaction ID and no jitter.
type fakeRand struct{ xid uint32 }

func (r fakeRand) Uint32() uint32       { return r.xid }
func (r fakeRand) Int63n(n int64) int64 { return n / 2 }

// sentMessage is a message the client put on the wire.
type sentMessage struct {
	msg      *dhcp4.Message
	src, dst netip.AddrPort
	// packet is set for messages sent on a packet socket.
	packet bool
}

// fakeNet connects the client's sockets to the test.
type fakeNet struct {
	t             *testing.T
	sent          chan sentMessage
	packetReplies chan []byte
	udpReplies    chan []byte

	mu      sync.Mutex
	openErr error
	recvErr error
	bound   []netip.AddrPort
	sockets int
}

func newFakeNet(t *testing.T) *fakeNet {
	return &fakeNet{
		t:             t,
		sent:          make(chan sentMessage, 100),
		packetReplies: make(chan []byte, 100),
		udpReplies:    make(chan []byte, 100),
	}
}

func (n *fakeNet) open() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.openErr != nil {
		return n.openErr
	}
	n.sockets++
	return nil
}

func (n *fakeNet) closed() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sockets--
}

func (n *fakeNet) openSockets() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sockets
}

func (n *fakeNet) PacketSocket(context.Context) (PacketSocket, error) {
	if err := n.open(); err != nil {
		return nil, err
	}
	return &fakePacketSocket{n: n, done: make(chan struct{})}, nil
}

func (n *fakeNet) BindUDP(_ context.Context, addr netip.AddrPort) (UDPSocket, error) {
	if err := n.open(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.bound = append(n.bound, addr)
	n.mu.Unlock()
	return &fakeUDPSocket{n: n, local: addr, done: make(chan struct{})}, nil
}

type fakePacketSocket struct {
	n    *fakeNet
	once sync.Once
	done chan struct{}
}

func (s *fakePacketSocket) Send(_ context.Context, dst net.HardwareAddr, dg []byte) error {
	src, to, payload, err := dhcp4.DecodeIPv4UDP(dg)
	if err != nil {
		s.n.t.Errorf("client sent a bad datagram: %v", err)
		return err
	}
	m, err := dhcp4.Decode(payload)
	if err != nil {
		s.n.t.Errorf("client sent a bad DHCP message: %v", err)
		return err
	}
	s.n.sent <- sentMessage{msg: m, src: src, dst: to, packet: true}
	return nil
}

func (s *fakePacketSocket) Recv(ctx context.Context, buf []byte) (int, net.HardwareAddr, error) {
	select {
	case b := <-s.n.packetReplies:
		return copy(buf, b), testHW, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-s.done:
		return 0, nil, net.ErrClosed
	}
}

func (s *fakePacketSocket) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.n.closed()
	})
	return nil
}

type fakeUDPSocket struct {
	n     *fakeNet
	local netip.AddrPort
	once  sync.Once
	done  chan struct{}
}

func (s *fakeUDPSocket) SendTo(_ context.Context, b []byte, dst netip.AddrPort) error {
	m, err := dhcp4.Decode(b)
	if err != nil {
		s.n.t.Errorf("client sent a bad DHCP message: %v", err)
		return err
	}
	s.n.sent <- sentMessage{msg: m, src: s.local, dst: dst}
	return nil
}

func (s *fakeUDPSocket) RecvFrom(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	s.n.mu.Lock()
	recvErr := s.n.recvErr
	s.n.mu.Unlock()
	if recvErr != nil {
		return 0, netip.AddrPort{}, recvErr
	}
	select {
	case b := <-s.n.udpReplies:
		return copy(buf, b), netip.AddrPortFrom(testServer, dhcp4.ServerPort), nil
	case <-ctx.Done():
		return 0, netip.AddrPort{}, ctx.Err()
	case <-s.done:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (s *fakeUDPSocket) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.n.closed()
	})
	return nil
}

// next returns the next message the client sent.
func (n *fakeNet) next() sentMessage {
	n.t.Helper()
	select {
	case m := <-n.sent:
		return m
	case <-time.After(5 * time.Second):
		n.t.Fatal("timed out waiting for the client to send")
		return sentMessage{}
	}
}

// replyPacket delivers a DHCP payload on the packet socket, wrapped in
// the server's IPv4 and UDP headers.
func (n *fakeNet) replyPacket(b []byte) {
	n.t.Helper()
	dg, err := dhcp4.EncodeIPv4UDP(netip.AddrPortFrom(testServer, dhcp4.ServerPort), netip.AddrPortFrom(testAddr, dhcp4.ClientPort), b)
	require.NoError(n.t, err)
	n.packetReplies <- dg
}

func (n *fakeNet) replyUDP(b []byte) {
	n.udpReplies <- b
}

func (n *fakeNet) setRecvErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recvErr = err
}

func (n *fakeNet) boundAddrs() []netip.AddrPort {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]netip.AddrPort(nil), n.bound...)
}

// serverReply answers req the way an ordinary DHCP server would, via a
// third party implementation.
func serverReply(t *testing.T, req *dhcp4.Message, typ dhcpv4.MessageType, mods ...dhcpv4.Modifier) []byte {
	t.Helper()
	b, err := dhcp4.Encode(req)
	require.NoError(t, err)
	d, err := dhcpv4.FromBytes(b)
	require.NoError(t, err)
	mods = append([]dhcpv4.Modifier{
		dhcpv4.WithMessageType(typ),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(testServer.AsSlice())),
	}, mods...)
	reply, err := dhcpv4.NewReplyFromRequest(d, mods...)
	require.NoError(t, err)
	return reply.ToBytes()
}

// leaseOptions are the options of a one hour lease of testAddr/24.
func leaseOptions() []dhcpv4.Modifier {
	return []dhcpv4.Modifier{
		dhcpv4.WithYourIP(testAddr.AsSlice()),
		dhcpv4.WithOption(dhcpv4.OptSubnetMask(net.CIDRMask(24, 32))),
		dhcpv4.WithOption(dhcpv4.OptRouter(testServer.AsSlice())),
		dhcpv4.WithOption(dhcpv4.OptDNS(net.IPv4(8, 8, 8, 8))),
		dhcpv4.WithOption(dhcpv4.OptIPAddressLeaseTime(time.Hour)),
	}
}

func testConfig() *ClientConfig {
	return &ClientConfig{
		HardwareAddr: testHW,
		RequestedParameters: map[dhcp4.OptionCode]OptionRequested{
			dhcp4.OptionSubnetMask:       Required,
			dhcp4.OptionRouter:           Optional,
			dhcp4.OptionDomainNameServer: Optional,
		},
		Retransmit: DefaultRetransmitPolicy,
	}
}

type testCore struct {
	*Core
	clock *fakeClock
	net   *fakeNet
}

func newTestCore(t *testing.T, cfg *ClientConfig) *testCore {
	t.Helper()
	clock := newFakeClock()
	n := newFakeNet(t)
	c, err := NewCore(cfg, Deps{
		PacketSockets: n,
		UDPSockets:    n,
		Clock:         clock,
		Rand:          fakeRand{xid: testXID},
		Counters:      NewCounters(nil),
		Log:           zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	return &testCore{Core: c, clock: clock, net: n}
}

type runResult struct {
	step Step
	err  error
}

// start runs s in the background.
func (tc *testCore) start(ctx context.Context, s State, stop <-chan struct{}, events <-chan AddressEvent) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		step, err := tc.Run(ctx, s, stop, events)
		ch <- runResult{step, err}
	}()
	return ch
}

func (tc *testCore) run(ctx context.Context, s State, stop <-chan struct{}, events <-chan AddressEvent) runResult {
	step, err := tc.Run(ctx, s, stop, events)
	return runResult{step, err}
}

func wait(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run")
		return runResult{}
	}
}

// nextState unwraps a NextState step.
func nextState(t *testing.T, r runResult) Transition {
	t.Helper()
	require.NoError(t, r.err)
	ns, ok := r.step.(NextState)
	require.True(t, ok, "step is %#v", r.step)
	return ns.Transition
}

// testLease is a lease of testAddr/24 acquired at testStart.
func testLease() Lease {
	return Lease{
		ServerIdentifier: testServer,
		Address:          testAddr,
		StartTime:        testStart,
		LeaseTime:        time.Hour,
		RenewalTime:      30 * time.Minute,
		RebindingTime:    52*time.Minute + 30*time.Second,
		Parameters: []dhcp4.Option{
			dhcp4.SubnetMask(24),
			dhcp4.Router{testServer},
		},
	}
}
