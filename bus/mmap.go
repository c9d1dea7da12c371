// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// regWindowSpan is the size, in bytes, of the memory-mapped register
// window exposed by the kernel driver for one module.
const regWindowSpan = 1 << 20

// PCIDriver opens the kernel character device the vendor driver exposes
// for each module slot and mmap's its register window, the way
// github.com/go-lpc/mim's eda package mmap's the HPS-to-FPGA bridge
// windows over /dev/mem.
type PCIDriver struct {
	// DevicePath formats a device number into the kernel device node
	// path, e.g. "/dev/pixie16/%d". Defaults to that pattern when nil.
	DevicePath func(deviceNumber int) string
}

func (d *PCIDriver) path(deviceNumber int) string {
	if d.DevicePath != nil {
		return d.DevicePath(deviceNumber)
	}
	return fmt.Sprintf("/dev/pixie16/%d", deviceNumber)
}

func (d *PCIDriver) Open(deviceNumber int) (Handle, error) {
	path := d.path(deviceNumber)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrDeviceAbsent
		}
		return nil, fmt.Errorf("bus: could not open %q: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, regWindowSpan, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("bus: could not mmap %q: %w", path, err)
	}

	h := &mmapHandle{f: f, data: data}
	runtime.SetFinalizer(h, (*mmapHandle).Close)
	return h, nil
}

type mmapHandle struct {
	f    *os.File
	data []byte
}

func (h *mmapHandle) ReadWord(addr uint32) (uint32, error) {
	off := int64(addr)
	if off < 0 || off+4 > int64(len(h.data)) {
		return 0, fmt.Errorf("bus: read offset 0x%x out of range", addr)
	}
	return binary.LittleEndian.Uint32(h.data[off : off+4]), nil
}

func (h *mmapHandle) WriteWord(addr uint32, word uint32) error {
	off := int64(addr)
	if off < 0 || off+4 > int64(len(h.data)) {
		return fmt.Errorf("bus: write offset 0x%x out of range", addr)
	}
	binary.LittleEndian.PutUint32(h.data[off:off+4], word)
	return nil
}

func (h *mmapHandle) DMARead(src uint32, dest []uint32) error {
	if len(dest) > MaxDMABlockSize {
		return fmt.Errorf("bus: dma read of %d words exceeds max block size %d", len(dest), MaxDMABlockSize)
	}
	off := int64(src) * 4
	need := off + int64(len(dest))*4
	if off < 0 || need > int64(len(h.data)) {
		return fmt.Errorf("bus: dma read [0x%x,+%d words) out of range", src, len(dest))
	}
	for i := range dest {
		dest[i] = binary.LittleEndian.Uint32(h.data[off+int64(i)*4 : off+int64(i)*4+4])
	}
	return nil
}

func (h *mmapHandle) Close() error {
	if h.data == nil {
		return nil
	}
	runtime.SetFinalizer(h, nil)
	data := h.data
	h.data = nil
	if err := unix.Munmap(data); err != nil {
		h.f.Close()
		return fmt.Errorf("bus: could not munmap: %w", err)
	}
	return h.f.Close()
}

var (
	_ Driver = (*PCIDriver)(nil)
	_ Handle = (*mmapHandle)(nil)
)
