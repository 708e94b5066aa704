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

package addrmgr

import (
	"math"
	"time"

	"golang.org/x/sys/unix"

	"github.com/metal-stack/dhcp4client/client"
	"github.com/metal-stack/dhcp4client/dhcpclient"
)

// infiniteLifetime is the kernel's "forever".
const infiniteLifetime = math.MaxUint32

// lifetime converts an absolute end into the seconds netlink expects.
// The value is rounded up so the address outlives the lease.
func lifetime(end, now time.Time) uint32 {
	if end.IsZero() {
		return infiniteLifetime
	}
	d := end.Sub(now)
	if d <= 0 {
		return 1
	}
	secs := (d + time.Second - 1) / time.Second
	if secs >= infiniteLifetime {
		return infiniteLifetime - 1
	}
	return uint32(secs)
}

// addrFlags returns the IFA_F flags for a new address.
func addrFlags(p dhcpclient.AddressParameters) int {
	var flags int
	if !p.AddSubnetRoute {
		flags |= unix.IFA_F_NOPREFIXROUTE
	}
	if !p.PerformDAD {
		flags |= unix.IFA_F_NODAD
	}
	return flags
}

// updateFor maps the flags of an RTM_NEWADDR for the installed address.
func updateFor(flags int) dhcpclient.AddressUpdate {
	switch {
	case flags&unix.IFA_F_DADFAILED != 0:
		return dhcpclient.AddressUpdate{Removed: dhcpclient.DadFailed}
	case flags&unix.IFA_F_TENTATIVE != 0:
		return dhcpclient.AddressUpdate{State: client.AddressTentative}
	default:
		return dhcpclient.AddressUpdate{State: client.AddressAssigned}
	}
}
