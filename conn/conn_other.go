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

//go:build !linux

package conn

import (
	"context"
	"fmt"
	"net/netip"
	"runtime"

	"github.com/metal-stack/dhcp4client/client"
)

type unsupported struct{ client.PacketSocket }

type unsupportedUDP struct{ client.UDPSocket }

func errUnsupported() error {
	return &client.SocketError{Kind: client.SocketFailedToOpen, Err: fmt.Errorf("raw sockets are not supported on %s", runtime.GOOS)}
}

func (l *Link) openPacket(context.Context) (*unsupported, error) {
	return nil, errUnsupported()
}

func (l *Link) bindUDP(context.Context, netip.AddrPort) (*unsupportedUDP, error) {
	return nil, errUnsupported()
}
