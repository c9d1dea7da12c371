// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"testing"
	"time"

	"github.com/go-pixie/pixie16/crate/internal/regs"
)

func TestFifoPumpDrainsAvailableWords(t *testing.T) {
	m, drv := newTestModule(t, 'F', 16)
	h := drv.PresentDevice(0)

	want := make([]uint32, 64)
	for i := range want {
		want[i] = uint32(i)
	}
	h.SetWords(regs.ModuleVars["HostIO"].Addr, want)
	h.SetWords(regs.ModuleVars["NumEventsInFIFO"].Addr/4, []uint32{64})

	pump := NewFifoPump(m, nil)
	pump.runWait = time.Millisecond
	pump.idleWait = 5 * time.Millisecond
	pump.holdTime = 10 * time.Millisecond
	pump.Start()

	deadline := time.Now().Add(2 * time.Second)
	var level int
	for time.Now().Before(deadline) {
		level = pump.ReadListModeLevel()
		if level > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	pump.Stop()

	if level == 0 {
		t.Fatalf("expected the pump to queue a filled or partial buffer before stopping")
	}

	dest := make([]uint32, defaultBufWords)
	n, err := pump.ReadListMode(dest)
	if err != nil {
		t.Fatalf("read list mode: %+v", err)
	}
	if n == 0 {
		t.Fatalf("expected to read some words")
	}
	for i := 0; i < n && i < len(want); i++ {
		if dest[i] != want[i] {
			t.Fatalf("word %d: got=%d, want=%d", i, dest[i], want[i])
		}
	}
}

func TestFifoPumpReadListModeNonBlockingWhenEmpty(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)
	pump := NewFifoPump(m, nil)

	dest := make([]uint32, defaultBufWords)
	n, err := pump.ReadListMode(dest)
	if err != nil {
		t.Fatalf("read list mode: %+v", err)
	}
	if n != 0 {
		t.Fatalf("got n=%d, want 0 with no filled buffer", n)
	}
}

func TestFifoPumpStopIsIdempotent(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)
	pump := NewFifoPump(m, nil)
	pump.Stop()
	pump.Start()
	pump.Stop()
	pump.Stop()
}
