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

package conn

import (
	"context"
	"net"
	"net/netip"

	"github.com/metal-stack/dhcp4client/client"
	"github.com/metal-stack/dhcp4client/dhcp4"
)

type capturePacketSocket struct {
	client.PacketSocket
	capture *Capture
}

func (s *capturePacketSocket) Send(ctx context.Context, dst net.HardwareAddr, datagram []byte) error {
	if err := s.PacketSocket.Send(ctx, dst, datagram); err != nil {
		return err
	}
	s.capture.put(datagram)
	return nil
}

func (s *capturePacketSocket) Recv(ctx context.Context, buf []byte) (int, net.HardwareAddr, error) {
	n, hw, err := s.PacketSocket.Recv(ctx, buf)
	if err == nil {
		s.capture.put(buf[:n])
	}
	return n, hw, err
}

// captureUDPSocket synthesizes the IPv4 and UDP headers the kernel
// strips, so both socket kinds share one capture.
type captureUDPSocket struct {
	client.UDPSocket
	local   netip.AddrPort
	capture *Capture
}

func (s *captureUDPSocket) SendTo(ctx context.Context, b []byte, dst netip.AddrPort) error {
	if err := s.UDPSocket.SendTo(ctx, b, dst); err != nil {
		return err
	}
	s.put(s.local, dst, b)
	return nil
}

func (s *captureUDPSocket) RecvFrom(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	n, src, err := s.UDPSocket.RecvFrom(ctx, buf)
	if err == nil {
		s.put(src, s.local, buf[:n])
	}
	return n, src, err
}

func (s *captureUDPSocket) put(src, dst netip.AddrPort, payload []byte) {
	dg, err := dhcp4.EncodeIPv4UDP(src, dst, payload)
	if err != nil {
		s.capture.log.Debugw("cannot capture datagram", "src", src, "dst", dst, "error", err)
		return
	}
	s.capture.put(dg)
}
