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
	"net/netip"
	"sync"
	"time"

	"github.com/metal-stack/dhcp4client/client"
)

const historyLen = 20

// StateRecord is a state the client entered.
type StateRecord struct {
	State   string    `json:"state"`
	Entered time.Time `json:"entered"`
}

// LeaseRecord is a change of the installed lease.
type LeaseRecord struct {
	Event     string        `json:"event"`
	Prefix    netip.Prefix  `json:"prefix"`
	Start     time.Time     `json:"start,omitempty"`
	LeaseTime time.Duration `json:"lease_time,omitempty"`
	At        time.Time     `json:"at"`
}

// Inspect is a snapshot of a client for diagnostics.
type Inspect struct {
	Interface    string        `json:"interface"`
	CurrentState StateRecord   `json:"current_state"`
	CurrentLease *LeaseRecord  `json:"current_lease,omitempty"`
	StateHistory []StateRecord `json:"state_history"`
	LeaseHistory []LeaseRecord `json:"lease_history"`
}

// history is written by WatchConfiguration and read by Inspect, which
// may run concurrently.
type history struct {
	mu      sync.Mutex
	current StateRecord
	lease   *LeaseRecord
	states  []StateRecord
	leases  []LeaseRecord
}

func newHistory() *history { return &history{} }

func (h *history) enter(s client.State, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current.State != "" {
		h.states = appendBounded(h.states, h.current)
	}
	h.current = StateRecord{State: s.String(), Entered: now}
}

func (h *history) leaseAdded(p netip.Prefix, start time.Time, d time.Duration) {
	h.recordLease(LeaseRecord{Event: "added", Prefix: p, Start: start, LeaseTime: d, At: start}, true)
}

func (h *history) leaseRenewed(p netip.Prefix, start time.Time, d time.Duration) {
	h.recordLease(LeaseRecord{Event: "renewed", Prefix: p, Start: start, LeaseTime: d, At: start}, true)
}

func (h *history) leaseDropped(l *installedLease, now time.Time) {
	h.recordLease(LeaseRecord{Event: "dropped", Prefix: l.prefix, At: now}, false)
}

func (h *history) recordLease(r LeaseRecord, current bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leases = appendBounded(h.leases, r)
	h.lease = nil
	if current {
		h.lease = &r
	}
}

func appendBounded[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > historyLen {
		s = append(s[:0:0], s[len(s)-historyLen:]...)
	}
	return s
}

// Inspect returns a snapshot of the client's state and its recent
// history, oldest first.
func (c *Client) Inspect() Inspect {
	h := c.history
	h.mu.Lock()
	defer h.mu.Unlock()
	ret := Inspect{
		Interface:    c.name,
		CurrentState: h.current,
		StateHistory: append([]StateRecord(nil), h.states...),
		LeaseHistory: append([]LeaseRecord(nil), h.leases...),
	}
	if h.lease != nil {
		l := *h.lease
		ret.CurrentLease = &l
	}
	return ret
}
