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

//go:build linux

package conn

import (
	"context"
	"net"
	"net/netip"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/metal-stack/dhcp4client/client"
)

type udpSocket struct {
	conn *ipv4.PacketConn
}

func (l *Link) bindUDP(ctx context.Context, addr netip.AddrPort) (*udpSocket, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = multierr.Combine(
					unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1),
					unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1),
					unix.BindToDevice(int(fd), l.Name),
				)
			})
			return multierr.Append(err, serr)
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return nil, openError(err)
	}
	c := ipv4.NewPacketConn(pc)
	if err := c.SetTOS(tosNetworkControl); err != nil {
		c.Close()
		return nil, openError(err)
	}
	return &udpSocket{conn: c}, nil
}

func (s *udpSocket) SendTo(ctx context.Context, b []byte, dst netip.AddrPort) error {
	defer ctxDeadline(ctx, s.conn.SetWriteDeadline)()
	if _, err := s.conn.WriteTo(b, nil, net.UDPAddrFromAddrPort(dst)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify(err)
	}
	return nil
}

func (s *udpSocket) RecvFrom(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	defer ctxDeadline(ctx, s.conn.SetReadDeadline)()
	n, _, src, err := s.conn.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return 0, netip.AddrPort{}, ctx.Err()
		}
		return 0, netip.AddrPort{}, classify(err)
	}
	ua, ok := src.(*net.UDPAddr)
	if !ok {
		return n, netip.AddrPort{}, nil
	}
	ap := ua.AddrPort()
	return n, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

func (s *udpSocket) Close() error { return s.conn.Close() }

var _ client.UDPSocket = (*udpSocket)(nil)
