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
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/metal-stack/dhcp4client/client"
	"github.com/metal-stack/dhcp4client/dhcp4"
)

var (
	testHW     = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testServer = netip.MustParseAddr("192.168.1.1")
	testDNS    = netip.MustParseAddr("192.168.1.53")
	testStart  = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
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

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(at time.Time) client.Timer {
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

// timerAt reports whether a timer is armed for exactly at.
func (c *fakeClock) timerAt(at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		if t.at.Equal(at) {
			return true
		}
	}
	return false
}

// advanceTo waits for a timer armed for at, then fires everything due.
func (c *fakeClock) advanceTo(t *testing.T, at time.Time) {
	t.Helper()
	require.Eventually(t, func() bool { return c.timerAt(at) }, 5*time.Second, time.Millisecond, "no timer at %s", at)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
	var keep []*fakeTimer
	for _, tm := range c.timers {
		if tm.at.After(at) {
			keep = append(keep, tm)
			continue
		}
		tm.c <- at
	}
	c.timers = keep
}

type fakeRand struct{}

func (fakeRand) Uint32() uint32       { return 0x01020304 }
func (fakeRand) Int63n(n int64) int64 { return n / 2 }

// fakeServer answers DISCOVER and REQUEST, handing out one address per
// DECLINE it sees, starting at .10. It speaks through both socket kinds.
type fakeServer struct {
	t *testing.T

	mu       sync.Mutex
	silent   bool
	next     netip.Addr
	declined []netip.Addr
	released []netip.Addr
	openErr  error

	packetReplies chan []byte
	udpReplies    chan []byte
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{
		t:             t,
		next:          netip.MustParseAddr("192.168.1.10"),
		packetReplies: make(chan []byte, 10),
		udpReplies:    make(chan []byte, 10),
	}
}

func (s *fakeServer) setSilent(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = v
}

func (s *fakeServer) declines() []netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]netip.Addr(nil), s.declined...)
}

func (s *fakeServer) releases() []netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]netip.Addr(nil), s.released...)
}

// answer returns the server's reply to payload, or nil.
func (s *fakeServer) answer(payload []byte) []byte {
	req, err := dhcpv4.FromBytes(payload)
	if err != nil {
		s.t.Errorf("client sent garbage: %v", err)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var typ dhcpv4.MessageType
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		typ = dhcpv4.MessageTypeOffer
	case dhcpv4.MessageTypeRequest:
		typ = dhcpv4.MessageTypeAck
	case dhcpv4.MessageTypeDecline:
		a, _ := netip.AddrFromSlice(req.RequestedIPAddress().To4())
		s.declined = append(s.declined, a)
		s.next = s.next.Next()
		return nil
	case dhcpv4.MessageTypeRelease:
		a, _ := netip.AddrFromSlice(req.ClientIPAddr.To4())
		s.released = append(s.released, a)
		return nil
	default:
		return nil
	}
	if s.silent {
		return nil
	}
	reply, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(typ),
		dhcpv4.WithYourIP(s.next.AsSlice()),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(testServer.AsSlice())),
		dhcpv4.WithOption(dhcpv4.OptSubnetMask(net.CIDRMask(24, 32))),
		dhcpv4.WithOption(dhcpv4.OptRouter(testServer.AsSlice())),
		dhcpv4.WithOption(dhcpv4.OptDNS(testDNS.AsSlice())),
		dhcpv4.WithOption(dhcpv4.OptIPAddressLeaseTime(time.Hour)),
	)
	if err != nil {
		s.t.Errorf("building reply: %v", err)
		return nil
	}
	return reply.ToBytes()
}

func (s *fakeServer) PacketSocket(context.Context) (client.PacketSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &fakePacketSocket{s: s, done: make(chan struct{})}, nil
}

func (s *fakeServer) BindUDP(_ context.Context, addr netip.AddrPort) (client.UDPSocket, error) {
	return &fakeUDPSocket{s: s, done: make(chan struct{})}, nil
}

type fakePacketSocket struct {
	s    *fakeServer
	once sync.Once
	done chan struct{}
}

func (p *fakePacketSocket) Send(_ context.Context, _ net.HardwareAddr, dg []byte) error {
	_, _, payload, err := dhcp4.DecodeIPv4UDP(dg)
	if err != nil {
		p.s.t.Errorf("client sent a bad datagram: %v", err)
		return err
	}
	if b := p.s.answer(payload); b != nil {
		reply, err := dhcp4.EncodeIPv4UDP(netip.AddrPortFrom(testServer, dhcp4.ServerPort), netip.AddrPortFrom(netip.IPv4Unspecified(), dhcp4.ClientPort), b)
		if err != nil {
			return err
		}
		p.s.packetReplies <- reply
	}
	return nil
}

func (p *fakePacketSocket) Recv(ctx context.Context, buf []byte) (int, net.HardwareAddr, error) {
	select {
	case b := <-p.s.packetReplies:
		return copy(buf, b), testHW, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-p.done:
		return 0, nil, net.ErrClosed
	}
}

func (p *fakePacketSocket) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type fakeUDPSocket struct {
	s    *fakeServer
	once sync.Once
	done chan struct{}
}

func (u *fakeUDPSocket) SendTo(_ context.Context, b []byte, _ netip.AddrPort) error {
	if r := u.s.answer(b); r != nil {
		u.s.udpReplies <- r
	}
	return nil
}

func (u *fakeUDPSocket) RecvFrom(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	select {
	case b := <-u.s.udpReplies:
		return copy(buf, b), netip.AddrPortFrom(testServer, dhcp4.ServerPort), nil
	case <-ctx.Done():
		return 0, netip.AddrPort{}, ctx.Err()
	case <-u.done:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (u *fakeUDPSocket) Close() error {
	u.once.Do(func() { close(u.done) })
	return nil
}

// fakeAddresses records installed addresses and how many were installed
// at the same time.
type fakeAddresses struct {
	mu        sync.Mutex
	handles   []*fakeHandle
	active    int
	maxActive int
	addErr    error
	removeErr error
	// autoAssign reports every new address as assigned right away.
	autoAssign bool
}

type fakeHandle struct {
	m       *fakeAddresses
	params  AddressParameters
	updates chan AddressUpdate

	mu        sync.Mutex
	lifetimes []time.Time
	removed   int
	gone      bool
}

func (m *fakeAddresses) AddAddress(_ context.Context, p AddressParameters) (AddressHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return nil, m.addErr
	}
	h := &fakeHandle{m: m, params: p, updates: make(chan AddressUpdate, 10)}
	if m.autoAssign {
		h.updates <- AddressUpdate{State: client.AddressAssigned}
	}
	m.handles = append(m.handles, h)
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	return h, nil
}

func (m *fakeAddresses) failRemove(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeErr = err
}

func (m *fakeAddresses) all() []*fakeHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeHandle(nil), m.handles...)
}

func (m *fakeAddresses) stats() (active, maxActive int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.maxActive
}

func (h *fakeHandle) Updates() <-chan AddressUpdate { return h.updates }

func (h *fakeHandle) UpdateValidLifetime(_ context.Context, end time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gone {
		return errors.New("address is gone")
	}
	h.lifetimes = append(h.lifetimes, end)
	return nil
}

func (h *fakeHandle) Remove(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed++
	h.m.mu.Lock()
	err := h.m.removeErr
	h.m.mu.Unlock()
	if err != nil {
		return err
	}
	if h.gone {
		return errors.New("address is gone")
	}
	h.endLocked(UserRemoved)
	return nil
}

// hostRemove removes the address from the host's side.
func (h *fakeHandle) hostRemove(r RemovalReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endLocked(r)
}

func (h *fakeHandle) send(u AddressUpdate) {
	h.updates <- u
}

func (h *fakeHandle) endLocked(r RemovalReason) {
	h.gone = true
	h.updates <- AddressUpdate{Removed: r}
	close(h.updates)
	h.m.mu.Lock()
	h.m.active--
	h.m.mu.Unlock()
}

func (h *fakeHandle) removeCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removed
}

func (h *fakeHandle) validLifetimes() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Time(nil), h.lifetimes...)
}

type testEnv struct {
	provider  *Provider
	clock     *fakeClock
	server    *fakeServer
	addresses *fakeAddresses
}

func newTestEnv(t *testing.T) *testEnv {
	clock := &fakeClock{now: testStart}
	return &testEnv{
		provider: &Provider{
			Log:   zaptest.NewLogger(t).Sugar(),
			Clock: clock,
			Rand:  fakeRand{},
		},
		clock:     clock,
		server:    newFakeServer(t),
		addresses: &fakeAddresses{},
	}
}

func (e *testEnv) iface(name string) Interface {
	return Interface{
		Name:          name,
		HardwareAddr:  testHW,
		PacketSockets: e.server,
		UDPSockets:    e.server,
		Addresses:     e.addresses,
	}
}

var defaultParams = NewClientParams{
	ConfigurationToRequest: ConfigurationToRequest{Routers: true, DNSServers: true},
	RequestIPAddress:       true,
}

func (e *testEnv) newClient(t *testing.T) *Client {
	t.Helper()
	c, err := e.provider.NewClient(e.iface("eth0"), defaultParams)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

type watchResult struct {
	cfg *Configuration
	err error
}

func watch(ctx context.Context, c *Client) <-chan watchResult {
	ch := make(chan watchResult, 1)
	go func() {
		cfg, err := c.WatchConfiguration(ctx)
		ch <- watchResult{cfg, err}
	}()
	return ch
}

func waitWatch(t *testing.T, ch <-chan watchResult) watchResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for WatchConfiguration")
		return watchResult{}
	}
}
