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
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"
)

// PacketSocketProvider opens sockets that exchange whole IPv4
// datagrams on the client's interface. They are used before an address
// is assigned.
type PacketSocketProvider interface {
	PacketSocket(ctx context.Context) (PacketSocket, error)
}

// PacketSocket sends and receives raw IPv4 datagrams. Recv only needs
// to deliver UDP traffic to the DHCP client port.
type PacketSocket interface {
	Send(ctx context.Context, dst net.HardwareAddr, datagram []byte) error
	Recv(ctx context.Context, buf []byte) (int, net.HardwareAddr, error)
	Close() error
}

// UDPSocketProvider binds UDP sockets usable once a lease exists.
type UDPSocketProvider interface {
	BindUDP(ctx context.Context, addr netip.AddrPort) (UDPSocket, error)
}

// UDPSocket is a bound UDP socket.
type UDPSocket interface {
	SendTo(ctx context.Context, b []byte, dst netip.AddrPort) error
	RecvFrom(ctx context.Context, buf []byte) (int, netip.AddrPort, error)
	Close() error
}

// Clock is the time source of the client. Timers are armed for an
// absolute instant, a timer armed for the past fires immediately.
type Clock interface {
	Now() time.Time
	NewTimer(at time.Time) Timer
}

// Timer is a one shot timer created by a Clock.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Rand is the randomness the client needs. *math/rand.Rand implements
// it.
type Rand interface {
	Uint32() uint32
	Int63n(n int64) int64
}

// SystemClock is a Clock backed by package time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (c SystemClock) NewTimer(at time.Time) Timer {
	return systemTimer{time.NewTimer(time.Until(at))}
}

type systemTimer struct{ t *time.Timer }

func (t systemTimer) C() <-chan time.Time { return t.t.C }
func (t systemTimer) Stop() bool          { return t.t.Stop() }

// NewSystemRand returns a Rand safe for use by multiple goroutines,
// seeded from the current time.
func NewSystemRand() Rand {
	return &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Uint32() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Uint32()
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int63n(n)
}

// SocketErrorKind classifies socket failures.
type SocketErrorKind int

// Socket failure kinds.
const (
	SocketOther SocketErrorKind = iota
	SocketFailedToOpen
	SocketNoInterface
	SocketUnsupportedHardwareType
	SocketHostUnreachable
	SocketNetworkUnreachable
)

func (k SocketErrorKind) String() string {
	switch k {
	case SocketFailedToOpen:
		return "failed to open"
	case SocketNoInterface:
		return "no interface"
	case SocketUnsupportedHardwareType:
		return "unsupported hardware type"
	case SocketHostUnreachable:
		return "host unreachable"
	case SocketNetworkUnreachable:
		return "network unreachable"
	default:
		return "other"
	}
}

// SocketError is returned by socket providers and sockets. The driver
// decides from Kind whether the client can continue.
type SocketError struct {
	Kind SocketErrorKind
	Err  error
}

func (e *SocketError) Error() string {
	if e.Err == nil {
		return "socket error: " + e.Kind.String()
	}
	return fmt.Sprintf("socket error (%s): %s", e.Kind, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// Fatal reports whether the error means the client cannot operate on
// its interface at all.
func (e *SocketError) Fatal() bool {
	switch e.Kind {
	case SocketHostUnreachable, SocketOther:
		return false
	default:
		return true
	}
}

// ErrAddressEventReceiverEnded is returned when the address event
// stream closes while a lease is held.
var ErrAddressEventReceiverEnded = errors.New("address event stream ended")
