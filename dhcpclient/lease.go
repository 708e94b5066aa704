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
	"net/netip"
	"time"

	"github.com/metal-stack/dhcp4client/client"
)

// installedLease is the address of the current lease and the goroutine
// forwarding its updates to the state machine.
type installedLease struct {
	handle  AddressHandle
	prefix  netip.Prefix
	expires time.Time

	stop chan struct{}
	// done is closed once the update stream has ended.
	done chan struct{}
}

func (c *Client) install(ctx context.Context, p AddressParameters) (*installedLease, error) {
	h, err := c.addresses.AddAddress(ctx, p)
	if err != nil {
		return nil, err
	}
	l := &installedLease{
		handle:  h,
		prefix:  p.Prefix,
		expires: p.ValidLifetimeEnd,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.forward(l)
	return l, nil
}

// forward delivers the lease's address updates to the next Run call
// until the stream ends or the lease is released. done is closed before
// a final event is delivered, so whoever handles it sees the address
// gone.
func (c *Client) forward(l *installedLease) {
	for {
		select {
		case <-l.stop:
			drain(l.handle.Updates())
			close(l.done)
			return
		case u, ok := <-l.handle.Updates():
			var ev client.AddressEvent
			if !ok {
				ev = client.AddressRemoved{Reason: client.AddressStateProviderError}
			} else {
				c.log.Debugw("address update", "prefix", l.prefix, "state", u.State, "removed", u.Removed)
				ev = addressEvent(u)
			}
			final := !ok || u.Removed != 0
			if final {
				close(l.done)
			}
			select {
			case c.events <- ev:
			case <-l.stop:
				if !final {
					drain(l.handle.Updates())
					close(l.done)
				}
				return
			}
			if final {
				return
			}
		}
	}
}

func drain(ch <-chan AddressUpdate) {
	for range ch {
	}
}

// release removes the address unless the host already took it away,
// then waits for the removal to be confirmed.
func (c *Client) release(ctx context.Context, l *installedLease, rejected bool) error {
	close(l.stop)
	select {
	case <-l.done:
		return nil
	default:
	}
	if !rejected {
		if err := l.handle.Remove(ctx); err != nil {
			c.log.Warnw("failed to remove address", "prefix", l.prefix, "error", err)
			return err
		}
	}
	select {
	case <-l.done:
		c.log.Infow("address removed", "prefix", l.prefix)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
