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
	"errors"
	"net"
	"os"
	"syscall"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/metal-stack/dhcp4client/client"
	"github.com/metal-stack/dhcp4client/dhcp4"
)

// clientFilter accepts unfragmented IPv4 UDP datagrams to the DHCP
// client port. SOCK_DGRAM packet sockets deliver from the IP header on.
var clientFilterProg = []bpf.Instruction{
	// IP protocol
	bpf.LoadAbsolute{Off: 9, Size: 1},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: unix.IPPROTO_UDP, SkipFalse: 6},
	// Fragment offset
	bpf.LoadAbsolute{Off: 6, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1fff, SkipTrue: 4},
	// IPv4 header length
	bpf.LoadMemShift{Off: 0},
	// UDP dport
	bpf.LoadIndirect{Off: 2, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: dhcp4.ClientPort, SkipFalse: 1},
	bpf.RetConstant{Val: 0xffff},
	bpf.RetConstant{Val: 0},
}

var clientFilter = mustAssemble(clientFilterProg)

func mustAssemble(prog []bpf.Instruction) []unix.SockFilter {
	raw, err := bpf.Assemble(prog)
	if err != nil {
		panic(err)
	}
	ret := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		ret[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return ret
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

type packetSocket struct {
	f     *os.File
	rc    syscall.RawConn
	index int
}

func (l *Link) openPacket(ctx context.Context) (*packetSocket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proto := htons(unix.ETH_P_IP)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, int(proto))
	if err != nil {
		return nil, openError(os.NewSyscallError("socket", err))
	}
	prog := unix.SockFprog{Len: uint16(len(clientFilter)), Filter: &clientFilter[0]}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		unix.Close(fd)
		return nil, openError(os.NewSyscallError("setsockopt", err))
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: l.Index}); err != nil {
		unix.Close(fd)
		return nil, openError(os.NewSyscallError("bind", err))
	}

	f := os.NewFile(uintptr(fd), "packet:"+l.Name)
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, openError(err)
	}
	return &packetSocket{f: f, rc: rc, index: l.Index}, nil
}

func (s *packetSocket) Send(ctx context.Context, dst net.HardwareAddr, datagram []byte) error {
	defer ctxDeadline(ctx, s.f.SetWriteDeadline)()
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IP),
		Ifindex:  s.index,
		Halen:    uint8(len(dst)),
	}
	copy(sa.Addr[:], dst)
	var serr error
	err := s.rc.Write(func(fd uintptr) bool {
		serr = unix.Sendto(int(fd), datagram, 0, sa)
		return !errors.Is(serr, unix.EAGAIN)
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify(os.NewSyscallError("sendto", err))
	}
	return nil
}

func (s *packetSocket) Recv(ctx context.Context, buf []byte) (int, net.HardwareAddr, error) {
	defer ctxDeadline(ctx, s.f.SetReadDeadline)()
	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	err := s.rc.Read(func(fd uintptr) bool {
		n, from, rerr = unix.Recvfrom(int(fd), buf, 0)
		return !errors.Is(rerr, unix.EAGAIN)
	})
	if err == nil {
		err = rerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, classify(os.NewSyscallError("recvfrom", err))
	}
	var hw net.HardwareAddr
	if ll, ok := from.(*unix.SockaddrLinklayer); ok && int(ll.Halen) <= len(ll.Addr) {
		hw = append(hw, ll.Addr[:ll.Halen]...)
	}
	return n, hw, nil
}

func (s *packetSocket) Close() error { return s.f.Close() }

var _ client.PacketSocket = (*packetSocket)(nil)
