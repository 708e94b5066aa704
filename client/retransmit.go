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

import "time"

const (
	initialRetransmitDelay = 4 * time.Second
	maxRetransmitDelay     = 64 * time.Second
	retransmitJitter       = time.Second

	// minRenewRetransmitDelay bounds retransmissions while Renewing
	// and Rebinding, see RFC 2131 section 4.4.5.
	minRenewRetransmitDelay = 60 * time.Second

	// declineRestartDelay is how long to wait after a DHCPDECLINE
	// before starting over, see RFC 2131 section 3.1.
	declineRestartDelay = 10 * time.Second
)

// backoff returns the delay after the given transmission (0 for the
// first) in Selecting, Requesting and InitReboot: 4s doubling up to
// 64s, randomized by up to one second either way (RFC 2131 section
// 4.1).
func backoff(attempt int, r Rand) time.Duration {
	d := maxRetransmitDelay
	if attempt < 4 {
		d = initialRetransmitDelay << attempt
	}
	return d - retransmitJitter + time.Duration(r.Int63n(int64(2*retransmitJitter)+1))
}

// halfwayTo returns when to retransmit towards deadline: half the
// remaining time, but not sooner than a minute from now.
func halfwayTo(now, deadline time.Time) time.Time {
	wait := deadline.Sub(now) / 2
	if wait < minRenewRetransmitDelay {
		wait = minRenewRetransmitDelay
	}
	return now.Add(wait)
}
