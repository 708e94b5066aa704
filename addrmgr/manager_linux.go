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
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/metal-stack/dhcp4client/client"
	"github.com/metal-stack/dhcp4client/dhcpclient"
)

var _ dhcpclient.AddressManager = (*Manager)(nil)

// Manager implements dhcpclient.AddressManager for one link.
type Manager struct {
	link netlink.Link
	log  *zap.SugaredLogger
	now  func() time.Time
}

// New returns a Manager for the interface called name.
func New(name string, log *zap.SugaredLogger) (*Manager, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("looking up link %s: %w", name, err)
	}
	return &Manager{link: link, log: log.With("interface", name), now: time.Now}, nil
}

// AddAddress installs p.Prefix and watches it until Remove is called or
// the kernel drops it.
func (m *Manager) AddAddress(ctx context.Context, p dhcpclient.AddressParameters) (dhcpclient.AddressHandle, error) {
	if !p.Prefix.Addr().Is4() {
		return nil, fmt.Errorf("%s is not an IPv4 prefix", p.Prefix)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := &handle{
		m:       m,
		params:  p,
		addrs:   make(chan netlink.AddrUpdate, 16),
		links:   make(chan netlink.LinkUpdate, 16),
		done:    make(chan struct{}),
		updates: make(chan dhcpclient.AddressUpdate, 16),
		exited:  make(chan struct{}),
		end:     p.ValidLifetimeEnd,
	}

	// Subscribe before adding so the first RTM_NEWADDR is not missed.
	errs := make(chan error, 2)
	onErr := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}
	if err := netlink.AddrSubscribeWithOptions(h.addrs, h.done, netlink.AddrSubscribeOptions{ErrorCallback: onErr}); err != nil {
		close(h.done)
		return nil, fmt.Errorf("subscribing to address updates: %w", err)
	}
	if err := netlink.LinkSubscribeWithOptions(h.links, h.done, netlink.LinkSubscribeOptions{ErrorCallback: onErr}); err != nil {
		close(h.done)
		return nil, fmt.Errorf("subscribing to link updates: %w", err)
	}

	addr := h.netlinkAddr(p.ValidLifetimeEnd)
	addr.Flags = addrFlags(p)
	switch err := netlink.AddrAdd(m.link, addr); {
	case errors.Is(err, unix.EEXIST):
		m.log.Infow("address already present", "address", p.Prefix)
		close(h.done)
		h.updates <- dhcpclient.AddressUpdate{Removed: dhcpclient.AlreadyAssigned}
		close(h.updates)
		close(h.exited)
		return h, nil
	case errors.Is(err, unix.ENODEV):
		close(h.done)
		h.updates <- dhcpclient.AddressUpdate{Removed: dhcpclient.InterfaceRemoved}
		close(h.updates)
		close(h.exited)
		return h, nil
	case err != nil:
		close(h.done)
		return nil, fmt.Errorf("adding %s: %w", p.Prefix, err)
	}
	m.log.Infow("added address", "address", p.Prefix, "valid_until", p.ValidLifetimeEnd)

	go h.watch(errs)
	return h, nil
}

type handle struct {
	m      *Manager
	params dhcpclient.AddressParameters

	addrs   chan netlink.AddrUpdate
	links   chan netlink.LinkUpdate
	done    chan struct{}
	updates chan dhcpclient.AddressUpdate
	exited  chan struct{}

	mu       sync.Mutex
	end      time.Time
	removing bool
	stopOnce sync.Once
}

func (h *handle) Updates() <-chan dhcpclient.AddressUpdate { return h.updates }

func (h *handle) netlinkAddr(end time.Time) *netlink.Addr {
	lft := lifetime(end, h.m.now())
	return &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   h.params.Prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(h.params.Prefix.Bits(), 32),
		},
		ValidLft:    int(lft),
		PreferedLft: int(lft),
	}
}

func (h *handle) UpdateValidLifetime(ctx context.Context, end time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := h.netlinkAddr(end)
	addr.Flags = addrFlags(h.params)
	if err := netlink.AddrReplace(h.m.link, addr); err != nil {
		return fmt.Errorf("updating lifetime of %s: %w", h.params.Prefix, err)
	}
	h.mu.Lock()
	h.end = end
	h.mu.Unlock()
	h.m.log.Debugw("updated address lifetime", "address", h.params.Prefix, "valid_until", end)
	return nil
}

// Remove deletes the address. An address the kernel already dropped
// counts as removed.
func (h *handle) Remove(ctx context.Context) error {
	h.mu.Lock()
	h.removing = true
	h.mu.Unlock()

	err := netlink.AddrDel(h.m.link, h.netlinkAddr(time.Time{}))
	if errors.Is(err, unix.EADDRNOTAVAIL) || errors.Is(err, unix.ENODEV) {
		err = nil
	}
	h.stop()
	if err != nil {
		return fmt.Errorf("removing %s: %w", h.params.Prefix, err)
	}
	h.m.log.Infow("removed address", "address", h.params.Prefix)
	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *handle) ours(u netlink.AddrUpdate) bool {
	if u.LinkIndex != h.m.link.Attrs().Index {
		return false
	}
	ip := u.LinkAddress.IP.To4()
	return ip != nil && ip.Equal(h.params.Prefix.Addr().AsSlice())
}

// watch owns h.updates. It closes it without a removal update when the
// netlink subscription fails.
func (h *handle) watch(errs <-chan error) {
	defer close(h.exited)
	defer close(h.updates)

	last := client.AddressAwaitingAssignment
	for {
		select {
		case <-h.done:
			h.emit(dhcpclient.AddressUpdate{Removed: dhcpclient.UserRemoved})
			return
		case err := <-errs:
			h.m.log.Warnw("netlink subscription failed", "error", err)
			h.stop()
			return
		case u, ok := <-h.links:
			if !ok {
				h.stop()
				return
			}
			if u.Attrs().Index == h.m.link.Attrs().Index && u.Header.Type == unix.RTM_DELLINK {
				h.stop()
				h.emit(dhcpclient.AddressUpdate{Removed: dhcpclient.InterfaceRemoved})
				return
			}
		case u, ok := <-h.addrs:
			if !ok {
				h.stop()
				return
			}
			if !h.ours(u) {
				continue
			}
			if u.NewAddr {
				up := updateFor(u.Flags)
				if up.Removed != 0 {
					h.stop()
					h.emit(up)
					return
				}
				if up.State != last {
					last = up.State
					h.emit(up)
				}
				continue
			}
			h.mu.Lock()
			removing, end := h.removing, h.end
			h.mu.Unlock()
			if removing {
				continue
			}
			// Expiry is handled by the lease timers.
			if !end.IsZero() && !h.m.now().Before(end.Add(-time.Second)) {
				h.m.log.Debugw("address expired", "address", h.params.Prefix)
				continue
			}
			h.stop()
			h.emit(dhcpclient.AddressUpdate{Removed: dhcpclient.UserRemoved})
			return
		}
	}
}

// emit blocks until the update is read. The consumer keeps reading until
// h.updates is closed, and h.done may already be closed when a final
// removal is sent.
func (h *handle) emit(u dhcpclient.AddressUpdate) {
	h.updates <- u
}
