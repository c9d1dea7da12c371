// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"fmt"
	"sync"
)

// simMemWords is the size, in 32-bit words, of a simulated module's
// combined register/DSP memory space.
const simMemWords = 1 << 18

// SimDriver is a Driver backed by in-process memory, standing in for real
// hardware in tests and in "no hardware present" simulation runs, the way
// github.com/go-lpc/mim's eda package gates real register access behind a
// fake device for its test suite.
type SimDriver struct {
	mu      sync.Mutex
	handles map[int]*SimHandle
	absent  map[int]bool
}

// NewSimDriver returns an empty simulated driver: every device number is
// absent until PresentDevice is called for it.
func NewSimDriver() *SimDriver {
	return &SimDriver{
		handles: make(map[int]*SimHandle),
		absent:  make(map[int]bool),
	}
}

// PresentDevice pre-creates (if needed) and returns the SimHandle backing
// deviceNumber, so a test can stage register/DMA contents before Crate
// initialization opens it.
func (d *SimDriver) PresentDevice(deviceNumber int) *SimHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[deviceNumber]
	if !ok {
		h = &SimHandle{mem: make([]uint32, simMemWords)}
		d.handles[deviceNumber] = h
	}
	delete(d.absent, deviceNumber)
	return h
}

// SetAbsent marks deviceNumber as having no device behind it; Open then
// returns ErrDeviceAbsent for it.
func (d *SimDriver) SetAbsent(deviceNumber int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.absent[deviceNumber] = true
	delete(d.handles, deviceNumber)
}

func (d *SimDriver) Open(deviceNumber int) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.absent[deviceNumber] {
		return nil, ErrDeviceAbsent
	}
	h, ok := d.handles[deviceNumber]
	if !ok {
		return nil, ErrDeviceAbsent
	}
	if h.opened {
		return nil, fmt.Errorf("bus: device %d already opened", deviceNumber)
	}
	h.opened = true
	h.closed = false
	return h, nil
}

// SimHandle is the in-memory Handle a SimDriver hands out.
type SimHandle struct {
	mu     sync.Mutex
	mem    []uint32
	opened bool
	closed bool

	// reads/writes count accesses, useful for tests asserting on traced
	// register access.
	reads, writes int
}

func (h *SimHandle) word(addr uint32) (int, error) {
	idx := int(addr / 4)
	if idx < 0 || idx >= len(h.mem) {
		return 0, fmt.Errorf("bus: register offset 0x%x out of range", addr)
	}
	return idx, nil
}

func (h *SimHandle) ReadWord(addr uint32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fmt.Errorf("bus: read on closed handle")
	}
	idx, err := h.word(addr)
	if err != nil {
		return 0, err
	}
	h.reads++
	return h.mem[idx], nil
}

func (h *SimHandle) WriteWord(addr uint32, v uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("bus: write on closed handle")
	}
	idx, err := h.word(addr)
	if err != nil {
		return err
	}
	h.writes++
	h.mem[idx] = v
	return nil
}

func (h *SimHandle) DMARead(src uint32, dest []uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("bus: dma read on closed handle")
	}
	if len(dest) > MaxDMABlockSize {
		return fmt.Errorf("bus: dma read of %d words exceeds max block size %d", len(dest), MaxDMABlockSize)
	}
	if int(src)+len(dest) > len(h.mem) {
		return fmt.Errorf("bus: dma read [%d,+%d) out of range", src, len(dest))
	}
	copy(dest, h.mem[src:int(src)+len(dest)])
	return nil
}

func (h *SimHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.opened = false
	return nil
}

// SetWords stages words into the simulated memory starting at word address
// addr, for a test to prepare register/DSP content the device under test
// will read back.
func (h *SimHandle) SetWords(addr uint32, words []uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	copy(h.mem[addr:], words)
}

// Words returns a copy of the simulated memory in [addr, addr+n).
func (h *SimHandle) Words(addr uint32, n int) []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint32, n)
	copy(out, h.mem[addr:int(addr)+n])
	return out
}

// Accesses reports the number of register reads/writes observed so far,
// for tests asserting on access patterns (e.g. "have_hardware=false" must
// perform zero accesses).
func (h *SimHandle) Accesses() (reads, writes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads, h.writes
}

var (
	_ Driver = (*SimDriver)(nil)
	_ Handle = (*SimHandle)(nil)
)
