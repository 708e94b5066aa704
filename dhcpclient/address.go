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
	"fmt"
	"net/netip"
	"time"

	"github.com/metal-stack/dhcp4client/client"
)

// AddressParameters describes an address to install on the client's
// interface.
type AddressParameters struct {
	Prefix           netip.Prefix
	ValidLifetimeEnd time.Time
	AddSubnetRoute   bool
	PerformDAD       bool
}

// AddressManager installs addresses on one interface.
type AddressManager interface {
	AddAddress(ctx context.Context, p AddressParameters) (AddressHandle, error)
}

// AddressHandle controls an installed address.
//
// Updates delivers assignment state changes. After an update with
// Removed set the address is gone and the channel is closed. Remove
// also ends the stream, the closed channel confirms the removal.
type AddressHandle interface {
	Updates() <-chan AddressUpdate
	UpdateValidLifetime(ctx context.Context, end time.Time) error
	Remove(ctx context.Context) error
}

// RemovalReason says why the host removed an address.
type RemovalReason int

// Removal reasons. The zero value means the address is still there.
const (
	InterfaceRemoved RemovalReason = iota + 1
	UserRemoved
	AlreadyAssigned
	DadFailed
	Forfeited
	Invalid
	InvalidProperties
)

func (r RemovalReason) String() string {
	switch r {
	case InterfaceRemoved:
		return "interface removed"
	case UserRemoved:
		return "user removed"
	case AlreadyAssigned:
		return "already assigned"
	case DadFailed:
		return "duplicate address detection failed"
	case Forfeited:
		return "forfeited"
	case Invalid:
		return "invalid"
	case InvalidProperties:
		return "invalid properties"
	default:
		return fmt.Sprintf("RemovalReason(%d)", int(r))
	}
}

// AddressUpdate is either a new assignment state or, with Removed set,
// the end of the address.
type AddressUpdate struct {
	State   client.AddressAssignmentState
	Removed RemovalReason
}

// addressEvent translates an update from the host into what the state
// machine understands.
func addressEvent(u AddressUpdate) client.AddressEvent {
	switch u.Removed {
	case 0:
		return client.AssignmentStateChanged{State: u.State}
	case InterfaceRemoved:
		return client.AddressRemoved{Reason: client.InvalidInterface}
	case UserRemoved:
		return client.AddressRemoved{Reason: client.AddressRemovedByUser}
	case AlreadyAssigned, DadFailed, Forfeited:
		return client.AddressRejected{}
	default:
		// The client never asks for anything the host could reject
		// as invalid.
		panic(fmt.Sprintf("address removed: %s", u.Removed))
	}
}
