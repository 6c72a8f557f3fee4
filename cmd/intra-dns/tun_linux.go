// Copyright 2025 Jigsaw Operations LLC
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

package main

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/Jigsaw-Code/outline-sdk/network"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

type tunDevice struct {
	*water.Interface
	link netlink.Link
	mtu  int
}

var _ network.IPDevice = (*tunDevice)(nil)

// newTunDevice creates the TUN device name, assigns it prefix and brings it
// up. The prefix route sends traffic for the fake resolver into the device.
func newTunDevice(name string, mtu int, prefix netip.Prefix) (d *tunDevice, err error) {
	if len(name) == 0 {
		return nil, errors.New("name is required for TUN device")
	}
	tun, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name:    name,
			Persist: false,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}
	defer func() {
		if err != nil {
			tun.Close()
		}
	}()

	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("newly created TUN device '%s' not found: %w", name, err)
	}
	d = &tunDevice{Interface: tun, link: link, mtu: mtu}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return nil, fmt.Errorf("failed to set MTU of TUN device '%s': %w", name, err)
	}
	if err := d.addAddress(prefix); err != nil {
		return nil, err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("failed to bring TUN device '%s' up: %w", name, err)
	}
	return d, nil
}

func (d *tunDevice) MTU() int {
	return d.mtu
}

func (d *tunDevice) addAddress(prefix netip.Prefix) error {
	addr, err := netlink.ParseAddr(prefix.String())
	if err != nil {
		return fmt.Errorf("address '%v' is not valid: %w", prefix, err)
	}
	if err := netlink.AddrAdd(d.link, addr); err != nil {
		return fmt.Errorf("failed to add address '%v' to TUN device '%s': %w", prefix, d.Interface.Name(), err)
	}
	return nil
}
