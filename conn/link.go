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

// Package conn provides the sockets a DHCP client needs on a network
// interface.
package conn

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/metal-stack/dhcp4client/client"
	"github.com/metal-stack/dhcp4client/pcap"
)

// tosNetworkControl is DSCP CS6.
const tosNetworkControl = 0xc0

// aLongTimeAgo unblocks pending I/O when set as a deadline.
var aLongTimeAgo = time.Unix(1, 0)

// Link opens packet and UDP sockets bound to one interface. It
// implements client.PacketSocketProvider and client.UDPSocketProvider.
type Link struct {
	Name         string
	Index        int
	HardwareAddr net.HardwareAddr

	// Capture, when set, receives a copy of every DHCP datagram sent
	// or received on the link.
	Capture *Capture
	Log     *zap.SugaredLogger
}

// Open looks up the interface called name.
func Open(name string) (*Link, error) {
	intf, err := net.InterfaceByName(name)
	if err != nil {
		return nil, &client.SocketError{Kind: client.SocketNoInterface, Err: err}
	}
	if len(intf.HardwareAddr) != 6 || intf.Flags&net.FlagLoopback != 0 {
		return nil, &client.SocketError{
			Kind: client.SocketUnsupportedHardwareType,
			Err:  fmt.Errorf("interface %s has no Ethernet address", name),
		}
	}
	return &Link{
		Name:         intf.Name,
		Index:        intf.Index,
		HardwareAddr: intf.HardwareAddr,
		Log:          zap.NewNop().Sugar(),
	}, nil
}

// PacketSocket implements client.PacketSocketProvider.
func (l *Link) PacketSocket(ctx context.Context) (client.PacketSocket, error) {
	s, err := l.openPacket(ctx)
	if err != nil {
		return nil, err
	}
	if l.Capture == nil {
		return s, nil
	}
	return &capturePacketSocket{PacketSocket: s, capture: l.Capture}, nil
}

// BindUDP implements client.UDPSocketProvider.
func (l *Link) BindUDP(ctx context.Context, addr netip.AddrPort) (client.UDPSocket, error) {
	s, err := l.bindUDP(ctx, addr)
	if err != nil {
		return nil, err
	}
	if l.Capture == nil {
		return s, nil
	}
	return &captureUDPSocket{UDPSocket: s, local: addr, capture: l.Capture}, nil
}

// ctxDeadline makes blocked I/O return once ctx is done. The returned
// function must be called when the I/O finished.
func ctxDeadline(ctx context.Context, set func(time.Time) error) func() bool {
	set(time.Time{})
	if d, ok := ctx.Deadline(); ok {
		set(d)
	}
	return context.AfterFunc(ctx, func() { set(aLongTimeAgo) })
}

// Capture writes DHCP traffic to a pcap file of raw IPv4 datagrams.
type Capture struct {
	w   *pcap.Writer
	now func() time.Time
	log *zap.SugaredLogger
}

// NewCapture returns a Capture writing to w, which must use
// pcap.LinkRaw.
func NewCapture(w *pcap.Writer, log *zap.SugaredLogger) (*Capture, error) {
	if w.LinkType != pcap.LinkRaw {
		return nil, fmt.Errorf("capture needs link type %d, got %d", pcap.LinkRaw, w.LinkType)
	}
	return &Capture{w: w, now: time.Now, log: log}, nil
}

func (c *Capture) put(datagram []byte) {
	err := c.w.Put(&pcap.Packet{
		Timestamp: c.now(),
		Length:    len(datagram),
		Bytes:     append([]byte(nil), datagram...),
	})
	if err != nil {
		c.log.Warnw("writing capture", "error", err)
	}
}
