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
	"fmt"
	"net/netip"
	"time"

	"github.com/metal-stack/dhcp4client/dhcp4"
)

// State is the protocol state of a client. Values are immutable, each
// transition produces a new one.
type State interface {
	fmt.Stringer
	state()
}

// Init starts a new DISCOVER cycle.
type Init struct{}

// WaitingToRestart pauses after a declined address before starting
// over, see RFC 2131 section 3.1 step 5.
type WaitingToRestart struct {
	WaitUntil time.Time
}

// Selecting broadcasts DHCPDISCOVER and waits for an offer.
type Selecting struct {
	TransactionID uint32
	StartTime     time.Time
}

// Requesting requests an offered address from the offering server.
type Requesting struct {
	TransactionID uint32
	StartTime     time.Time
	Offer         Offer
}

// InitReboot tries to reclaim a previously used address without a
// DISCOVER cycle.
type InitReboot struct {
	Address netip.Addr
}

// Bound holds a lease, waiting for T1.
type Bound struct {
	Lease        Lease
	AddressState AddressAssignmentState
}

// Renewing unicasts DHCPREQUEST to the leasing server.
type Renewing struct {
	Lease        Lease
	AddressState AddressAssignmentState
}

// Rebinding broadcasts DHCPREQUEST to any server.
type Rebinding struct {
	Lease        Lease
	AddressState AddressAssignmentState
}

func (Init) state()             {}
func (WaitingToRestart) state() {}
func (Selecting) state()        {}
func (Requesting) state()       {}
func (InitReboot) state()       {}
func (Bound) state()            {}
func (Renewing) state()         {}
func (Rebinding) state()        {}

func (Init) String() string             { return "Init" }
func (WaitingToRestart) String() string { return "WaitingToRestart" }
func (Selecting) String() string        { return "Selecting" }
func (Requesting) String() string       { return "Requesting" }
func (InitReboot) String() string       { return "InitReboot" }
func (Renewing) String() string         { return "Renewing" }
func (Rebinding) String() string        { return "Rebinding" }

func (b Bound) String() string {
	if b.AddressState == AddressAssigned {
		return "Bound"
	}
	return "Bound and awaiting assignment"
}

// LeaseOf returns the lease held in s, if any.
func LeaseOf(s State) (Lease, bool) {
	switch s := s.(type) {
	case Bound:
		return s.Lease, true
	case Renewing:
		return s.Lease, true
	case Rebinding:
		return s.Lease, true
	default:
		return Lease{}, false
	}
}

// Offer is the part of a DHCPOFFER the client acts on.
type Offer struct {
	ServerIdentifier netip.Addr
	Address          netip.Addr
}

// Lease is an acknowledged address binding.
type Lease struct {
	ServerIdentifier netip.Addr
	Address          netip.Addr
	StartTime        time.Time
	LeaseTime        time.Duration
	RenewalTime      time.Duration
	RebindingTime    time.Duration
	// Parameters holds the requested options granted by the server.
	Parameters []dhcp4.Option
}

func (l Lease) RenewAt() time.Time  { return l.StartTime.Add(l.RenewalTime) }
func (l Lease) RebindAt() time.Time { return l.StartTime.Add(l.RebindingTime) }
func (l Lease) ExpiresAt() time.Time {
	return l.StartTime.Add(l.LeaseTime)
}

// PrefixLength returns the granted subnet mask length.
func (l Lease) PrefixLength() (int, bool) {
	o, ok := findOption(l.Parameters, dhcp4.OptionSubnetMask)
	if !ok {
		return 0, false
	}
	return int(o.(dhcp4.SubnetMask)), true
}

// Routers returns the granted routers.
func (l Lease) Routers() []netip.Addr {
	if o, ok := findOption(l.Parameters, dhcp4.OptionRouter); ok {
		return o.(dhcp4.Router)
	}
	return nil
}

// DNSServers returns the granted name servers.
func (l Lease) DNSServers() []netip.Addr {
	if o, ok := findOption(l.Parameters, dhcp4.OptionDomainNameServer); ok {
		return o.(dhcp4.DomainNameServer)
	}
	return nil
}

func findOption(opts []dhcp4.Option, code dhcp4.OptionCode) (dhcp4.Option, bool) {
	for _, o := range opts {
		if o.Code() == code {
			return o, true
		}
	}
	return nil, false
}

// AddressAssignmentState is the host's view of the leased address.
type AddressAssignmentState int

const (
	AddressAwaitingAssignment AddressAssignmentState = iota
	AddressTentative
	AddressAssigned
	AddressUnavailable
)

func (s AddressAssignmentState) String() string {
	switch s {
	case AddressTentative:
		return "tentative"
	case AddressAssigned:
		return "assigned"
	case AddressUnavailable:
		return "unavailable"
	default:
		return "awaiting assignment"
	}
}

// AddressEvent is a notification from the host about the address of
// the current lease.
type AddressEvent interface {
	addressEvent()
}

// AssignmentStateChanged reports a new assignment state.
type AssignmentStateChanged struct {
	State AddressAssignmentState
}

// AddressRemoved reports that the host removed the address for a
// reason the client cannot recover from.
type AddressRemoved struct {
	Reason ExitReason
}

// AddressRejected reports that the address cannot be used, e.g. on a
// duplicate address detection failure.
type AddressRejected struct{}

func (AssignmentStateChanged) addressEvent() {}
func (AddressRemoved) addressEvent()         {}
func (AddressRejected) addressEvent()        {}

// ExitReason says why a client stopped.
type ExitReason int

const (
	GracefulShutdown ExitReason = iota
	InvalidInterface
	InvalidParams
	NetworkUnreachable
	UnableToOpenSocket
	AddressRemovedByUser
	AddressStateProviderError
	WatchConfigurationAlreadyPending
	ClientAlreadyExistsOnInterface
)

func (r ExitReason) String() string {
	switch r {
	case GracefulShutdown:
		return "graceful shutdown"
	case InvalidInterface:
		return "invalid interface"
	case InvalidParams:
		return "invalid parameters"
	case NetworkUnreachable:
		return "network unreachable"
	case UnableToOpenSocket:
		return "unable to open socket"
	case AddressRemovedByUser:
		return "address removed by user"
	case AddressStateProviderError:
		return "address state provider error"
	case WatchConfigurationAlreadyPending:
		return "watch configuration already pending"
	case ClientAlreadyExistsOnInterface:
		return "client already exists on interface"
	default:
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}
}

// Step is the result of one Run call.
type Step interface {
	step()
}

// NextState asks the caller to Apply a transition.
type NextState struct {
	Transition Transition
}

// Exit is terminal.
type Exit struct {
	Reason ExitReason
}

func (NextState) step() {}
func (Exit) step()      {}

// Transition moves to Next. AddressRejected marks transitions caused by
// the host rejecting the leased address.
type Transition struct {
	Next            State
	AddressRejected bool
}

// TransitionEffect is work the caller must carry out after Apply.
type TransitionEffect interface {
	effect()
}

// NewlyAcquiredLease describes an address the client was just granted.
type NewlyAcquiredLease struct {
	Address    netip.Addr
	StartTime  time.Time
	LeaseTime  time.Duration
	Parameters []dhcp4.Option
}

// LeaseRenewal describes an extension of the current lease.
type LeaseRenewal struct {
	Address    netip.Addr
	StartTime  time.Time
	LeaseTime  time.Duration
	Parameters []dhcp4.Option
}

// DropLease asks the caller to give up the lease's address. When
// AddressRejected is set the host already removed it.
type DropLease struct {
	AddressRejected bool
}

// HandleNewLease asks the caller to install a new address.
type HandleNewLease struct {
	Lease NewlyAcquiredLease
}

// HandleRenewedLease asks the caller to refresh the installed address.
type HandleRenewedLease struct {
	Lease LeaseRenewal
}

func (DropLease) effect()          {}
func (HandleNewLease) effect()     {}
func (HandleRenewedLease) effect() {}

// Apply computes the state following from and the effect the caller
// has to execute. It performs no I/O.
func Apply(from State, t Transition) (State, TransitionEffect) {
	prev, hadLease := LeaseOf(from)

	switch next := t.Next.(type) {
	case Bound:
		l := next.Lease
		switch from.(type) {
		case Requesting, InitReboot:
			return next, HandleNewLease{Lease: newlyAcquired(l)}
		case Renewing, Rebinding:
			if prev.Address == l.Address {
				return next, HandleRenewedLease{Lease: LeaseRenewal{
					Address:    l.Address,
					StartTime:  l.StartTime,
					LeaseTime:  l.LeaseTime,
					Parameters: l.Parameters,
				}}
			}
			return next, HandleNewLease{Lease: newlyAcquired(l)}
		default:
			return next, nil
		}
	case Renewing, Rebinding:
		return next, nil
	default:
		if hadLease {
			return next, DropLease{AddressRejected: t.AddressRejected}
		}
		return next, nil
	}
}

func newlyAcquired(l Lease) NewlyAcquiredLease {
	return NewlyAcquiredLease{
		Address:    l.Address,
		StartTime:  l.StartTime,
		LeaseTime:  l.LeaseTime,
		Parameters: l.Parameters,
	}
}
