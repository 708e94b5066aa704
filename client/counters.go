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
	"github.com/prometheus/client_golang/prometheus"
)

// Counter events, labelled with the state they happened in.
const (
	EventEntered                 = "entered"
	EventSendMessage             = "send_message"
	EventRecvMessage             = "recv_message"
	EventRecvTimeout             = "recv_timeout"
	EventRecvFailedDHCPParse     = "recv_failed_dhcp_parse"
	EventRecvWrongXID            = "recv_wrong_xid"
	EventRecvWrongChaddr         = "recv_wrong_chaddr"
	EventRecvNak                 = "recv_nak"
	EventNotBootReply            = "not_boot_reply"
	EventUnexpectedMessageType   = "unexpected_message_type"
	EventNoServerIdentifier      = "no_server_identifier"
	EventWrongServerIdentifier   = "wrong_server_identifier"
	EventUnspecifiedYiaddr       = "unspecified_yiaddr"
	EventNoLeaseTime             = "no_lease_time"
	EventMissingRequiredOption   = "missing_required_option"
	EventIllegallyIncludedOption = "illegally_included_option"
	EventRecvNonFatalSocketError = "recv_non_fatal_socket_error"
	EventRecvFatalSocketError    = "recv_fatal_socket_error"
	EventAddressAssigned         = "address_assigned"
	EventAddressRejected         = "address_rejected"
)

// Counters counts protocol events per state. Counters are diagnostic
// only, the protocol never reads them back. A nil *Counters discards
// everything.
type Counters struct {
	events *prometheus.CounterVec
}

// NewCounters returns Counters carrying constLabels, typically the
// interface name.
func NewCounters(constLabels prometheus.Labels) *Counters {
	return &Counters{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dhcp4client",
			Name:        "events_total",
			Help:        "DHCP client protocol events by state.",
			ConstLabels: constLabels,
		}, []string{"state", "event"}),
	}
}

// Inc counts one event in state.
func (c *Counters) Inc(state State, event string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(stateLabel(state), event).Inc()
}

func (c *Counters) Describe(ch chan<- *prometheus.Desc) { c.events.Describe(ch) }
func (c *Counters) Collect(ch chan<- prometheus.Metric)  { c.events.Collect(ch) }

// stateLabel drops the assignment detail from Bound.
func stateLabel(s State) string {
	if _, ok := s.(Bound); ok {
		return "Bound"
	}
	return s.String()
}
