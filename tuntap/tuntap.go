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

//go:build unix

// Package tuntap wraps a TUN file descriptor owned by the host application.
package tuntap

import (
	"errors"
	"fmt"
	"os"

	"github.com/Jigsaw-Code/outline-sdk/network"
	"golang.org/x/sys/unix"
)

// DefaultMTU matches the MTU the VPN service configures on its interface.
const DefaultMTU = 32767

type tunDevice struct {
	*os.File
	mtu int
}

var _ network.IPDevice = (*tunDevice)(nil)

// MakeTunDeviceFromFD returns a network.IPDevice reading and writing IP
// packets through fd. The descriptor is duplicated, so the caller keeps
// ownership of fd and closing the device leaves it open.
func MakeTunDeviceFromFD(fd int) (network.IPDevice, error) {
	return MakeTunDeviceFromFDWithMTU(fd, DefaultMTU)
}

// MakeTunDeviceFromFDWithMTU is MakeTunDeviceFromFD with an explicit MTU.
func MakeTunDeviceFromFDWithMTU(fd int, mtu int) (network.IPDevice, error) {
	if fd < 0 {
		return nil, fmt.Errorf("invalid file descriptor %d", fd)
	}
	if mtu <= 0 {
		return nil, fmt.Errorf("invalid MTU %d", mtu)
	}
	dupfd, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to dup tun fd %d: %w", fd, err)
	}
	// A non-blocking descriptor lets the runtime poller release a pending
	// Read when the device is closed.
	if err := unix.SetNonblock(dupfd, true); err != nil {
		unix.Close(dupfd)
		return nil, fmt.Errorf("failed to set tun fd %d non-blocking: %w", dupfd, err)
	}
	f := os.NewFile(uintptr(dupfd), fmt.Sprintf("tun%d", fd))
	if f == nil {
		unix.Close(dupfd)
		return nil, errors.New("failed to open tun file")
	}
	return &tunDevice{File: f, mtu: mtu}, nil
}

func (d *tunDevice) MTU() int {
	return d.mtu
}

func (d *tunDevice) Read(b []byte) (int, error) {
	n, err := d.File.Read(b)
	if errors.Is(err, os.ErrClosed) {
		return n, network.ErrClosed
	}
	return n, err
}

func (d *tunDevice) Write(b []byte) (int, error) {
	n, err := d.File.Write(b)
	if errors.Is(err, os.ErrClosed) {
		return n, network.ErrClosed
	}
	return n, err
}
