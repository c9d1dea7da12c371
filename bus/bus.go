// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bus defines the interface a Module uses to talk to the PCI/PXI
// bus driver for one physical module: register reads/writes and block DMA
// over the module's mapped register window. Image parsing, enumeration of
// the PCI bus itself, and the kernel driver are external collaborators;
// this package only specifies (and, for tests and simulation runs, also
// implements) the narrow surface a Module needs.
package bus // import "github.com/go-pixie/pixie16/bus"

import "errors"

// MaxDMABlockSize is the largest number of 32-bit words a single DMARead
// may transfer.
const MaxDMABlockSize = 8192

// ErrDeviceAbsent is returned by a Driver's Open when no device answers at
// the given device number (used by Crate.initialize to truncate slot
// enumeration at the first absent device).
var ErrDeviceAbsent = errors.New("bus: device absent")

// Handle is the per-module bus handle: exclusive ownership of one PCI
// device's register window and DMA engine.
type Handle interface {
	// ReadWord reads the 32-bit register at the given byte offset.
	ReadWord(addr uint32) (uint32, error)
	// WriteWord writes the 32-bit register at the given byte offset.
	WriteWord(addr uint32, word uint32) error
	// DMARead performs a block copy of len(dest) words starting at the
	// given source (device-side) word address. len(dest) must be <=
	// MaxDMABlockSize.
	DMARead(src uint32, dest []uint32) error
	// Close releases the device.
	Close() error
}

// Driver opens a bus Handle for a given device number (not to be confused
// with a module's slot or logical number: the device number identifies the
// OS-level PCI device node).
type Driver interface {
	Open(deviceNumber int) (Handle, error)
}
