// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"context"
	"strings"
	"testing"

	"github.com/go-pixie/pixie16/bus"
	"github.com/go-pixie/pixie16/firmware"
)

func populatedProbe(slots map[int]bool) SlotProbe {
	return func(ctx context.Context, drv bus.Driver, slot int) (bool, Revision, int, uint32, firmware.Tag, error) {
		if !slots[slot] {
			return false, 0, 0, 0, firmware.Tag{}, nil
		}
		return true, 'F', 16, uint32(1000 + slot), firmware.Tag{Revision: 'F', AdcMSPS: 100, AdcBits: 14}, nil
	}
}

func newTestCrate(t *testing.T) (*Crate, *bus.SimDriver) {
	t.Helper()
	drv := bus.NewSimDriver()
	for _, slot := range []int{2, 5, 9} {
		drv.PresentDevice(slot)
	}

	reg := firmware.NewRegistry()
	tag := firmware.Tag{Revision: 'F', AdcMSPS: 100, AdcBits: 14}
	reg.Set(tag, firmware.KindComms, []byte{1})
	reg.Set(tag, firmware.KindFippi, []byte{2})
	reg.Set(tag, firmware.KindDSP, []byte{3})

	c := New(&stubLoader{}, reg, nil)
	probe := populatedProbe(map[int]bool{2: true, 5: true, 9: true})
	if err := c.Initialize(context.Background(), drv, 13, probe); err != nil {
		t.Fatalf("initialize: %+v", err)
	}
	return c, drv
}

func TestCrateInitializeNumbersBySlotOrder(t *testing.T) {
	c, _ := newTestCrate(t)
	if c.NumModules() != 3 {
		t.Fatalf("got %d modules, want 3", c.NumModules())
	}
	for i, wantSlot := range []int{2, 5, 9} {
		m, err := c.Module(i)
		if err != nil {
			t.Fatalf("module(%d): %+v", i, err)
		}
		if m.Slot() != wantSlot {
			t.Fatalf("module %d: got slot=%d, want=%d", i, m.Slot(), wantSlot)
		}
	}
}

func TestCrateInitializeTwiceFails(t *testing.T) {
	c, drv := newTestCrate(t)
	err := c.Initialize(context.Background(), drv, 13, populatedProbe(map[int]bool{2: true}))
	if err == nil {
		t.Fatalf("expected error initializing an already-initialized crate")
	}
}

func TestCrateAcquireFailsBeforeInitialize(t *testing.T) {
	c := New(&stubLoader{}, firmware.NewRegistry(), nil)
	if _, err := c.Acquire(); err == nil {
		t.Fatalf("expected error acquiring an uninitialized crate")
	}
}

func TestCrateBootBringsModulesOnlineAndAssignsBackplaneRoles(t *testing.T) {
	c, _ := newTestCrate(t)
	if err := c.Boot(context.Background(), nil, false); err != nil {
		t.Fatalf("boot: %+v", err)
	}
	for i := 0; i < c.NumModules(); i++ {
		m, _ := c.Module(i)
		if !m.Online() {
			t.Fatalf("module %d expected online after boot", i)
		}
	}
	if c.Backplane().Director() != 0 {
		t.Fatalf("expected module 0 to hold director role, got %d", c.Backplane().Director())
	}
}

func TestCrateBootSkipsOnlineModulesUnlessForced(t *testing.T) {
	c, _ := newTestCrate(t)
	if err := c.Boot(context.Background(), nil, false); err != nil {
		t.Fatalf("boot: %+v", err)
	}
	loader := c.loader.(*stubLoader)
	firstCount := len(loader.loaded)

	if err := c.Boot(context.Background(), nil, false); err != nil {
		t.Fatalf("reboot: %+v", err)
	}
	if len(loader.loaded) != firstCount {
		t.Fatalf("expected no additional firmware loads without force, got %d more",
			len(loader.loaded)-firstCount)
	}

	if err := c.Boot(context.Background(), nil, true); err != nil {
		t.Fatalf("forced reboot: %+v", err)
	}
	if len(loader.loaded) == firstCount {
		t.Fatalf("expected forced reboot to reload firmware")
	}
}

func TestCrateShutdownMakesAcquireFail(t *testing.T) {
	c, _ := newTestCrate(t)
	if err := c.Shutdown(); err != nil {
		t.Fatalf("shutdown: %+v", err)
	}
	if _, err := c.Acquire(); err == nil {
		t.Fatalf("expected error acquiring a shut-down crate")
	}
}

func TestCrateSetFirmwareBindsImageForBoot(t *testing.T) {
	drv := bus.NewSimDriver()
	drv.PresentDevice(2)
	c := New(&stubLoader{}, firmware.NewRegistry(), nil)
	tag := firmware.Tag{Revision: 'F', AdcMSPS: 100, AdcBits: 14}
	c.SetFirmware(tag, firmware.KindComms, []byte{1})
	c.SetFirmware(tag, firmware.KindFippi, []byte{2})
	c.SetFirmware(tag, firmware.KindDSP, []byte{3})

	probe := populatedProbe(map[int]bool{2: true})
	if err := c.Initialize(context.Background(), drv, 3, probe); err != nil {
		t.Fatalf("initialize: %+v", err)
	}
	if err := c.Boot(context.Background(), nil, false); err != nil {
		t.Fatalf("boot: %+v", err)
	}
	m, _ := c.Module(0)
	if !m.Online() {
		t.Fatalf("expected module online after booting with SetFirmware-bound images")
	}
}

func TestCrateReportWritesPerModuleStatus(t *testing.T) {
	c, _ := newTestCrate(t)
	if err := c.Boot(context.Background(), nil, false); err != nil {
		t.Fatalf("boot: %+v", err)
	}
	var buf strings.Builder
	if err := c.Report(&buf); err != nil {
		t.Fatalf("report: %+v", err)
	}
	out := buf.String()
	for _, want := range []string{"module 0:", "module 1:", "module 2:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report %q missing %q", out, want)
		}
	}
}

func TestCrateInitializeAFERunsPerModuleCalibration(t *testing.T) {
	drv := bus.NewSimDriver()
	drv.PresentDevice(2)
	reg := firmware.NewRegistry()
	tag := firmware.Tag{Revision: 'H', AdcMSPS: 100, AdcBits: 14}
	reg.Set(tag, firmware.KindComms, []byte{1})
	reg.Set(tag, firmware.KindFippi, []byte{2})
	reg.Set(tag, firmware.KindDSP, []byte{3})

	c := New(&stubLoader{}, reg, nil)
	probe := func(ctx context.Context, drv bus.Driver, slot int) (bool, Revision, int, uint32, firmware.Tag, error) {
		if slot != 2 {
			return false, 0, 0, 0, firmware.Tag{}, nil
		}
		return true, 'H', 1, 2001, tag, nil
	}
	if err := c.Initialize(context.Background(), drv, 3, probe); err != nil {
		t.Fatalf("initialize: %+v", err)
	}
	if err := c.Boot(context.Background(), nil, false); err != nil {
		t.Fatalf("boot: %+v", err)
	}
	if err := c.InitializeAFE(context.Background(), nil); err != nil {
		t.Fatalf("initialize afe: %+v", err)
	}
}

func TestCrateInitializeAFEFailsBeforeInitialize(t *testing.T) {
	c := New(&stubLoader{}, firmware.NewRegistry(), nil)
	if err := c.InitializeAFE(context.Background(), nil); err == nil {
		t.Fatalf("expected error calibrating an uninitialized crate")
	}
}

func TestCrateModuleBySlotFindsOnlineAndOfflineModules(t *testing.T) {
	c, _ := newTestCrate(t)
	m, err := c.ModuleBySlot(5)
	if err != nil {
		t.Fatalf("module by slot: %+v", err)
	}
	if m.Slot() != 5 {
		t.Fatalf("got slot=%d, want=5", m.Slot())
	}

	if err := c.Assign(map[int]int{2: 0, 9: 1}, false); err != nil {
		t.Fatalf("assign: %+v", err)
	}
	offlineModule, err := c.ModuleBySlot(5)
	if err != nil {
		t.Fatalf("module by slot after assign: %+v", err)
	}
	if offlineModule.Online() {
		t.Fatalf("expected module in slot 5 to be offline after assign dropped it")
	}

	if _, err := c.ModuleBySlot(11); err == nil {
		t.Fatalf("expected error for an unoccupied slot")
	}
}

func TestCrateAssignBindsNumbersAndOfflinesUnassigned(t *testing.T) {
	c, _ := newTestCrate(t)
	if err := c.Assign(map[int]int{2: 5, 5: 3, 9: 1}, false); err != nil {
		t.Fatalf("assign: %+v", err)
	}
	if c.NumModules() != 3 {
		t.Fatalf("got %d modules, want 3 (assign kept every module online)", c.NumModules())
	}
	m, err := c.Module(1)
	if err != nil {
		t.Fatalf("module(1): %+v", err)
	}
	if m.Slot() != 9 {
		t.Fatalf("module with assigned number 1: got slot=%d, want=9", m.Slot())
	}
}

func TestCrateAssignClosesUnassignedModulesWhenRequested(t *testing.T) {
	c, _ := newTestCrate(t)
	if err := c.Assign(map[int]int{2: 0}, true); err != nil {
		t.Fatalf("assign: %+v", err)
	}
	if c.NumModules() != 1 {
		t.Fatalf("got %d modules, want 1 (unassigned modules closed and dropped)", c.NumModules())
	}
	if _, err := c.ModuleBySlot(5); err == nil {
		t.Fatalf("expected closed module to no longer be findable by slot")
	}
}

func TestUserReleaseIsIdempotent(t *testing.T) {
	c, _ := newTestCrate(t)
	u, err := c.Acquire()
	if err != nil {
		t.Fatalf("acquire: %+v", err)
	}
	if !c.Busy() {
		t.Fatalf("expected crate to be busy with an outstanding token")
	}
	u.Release()
	u.Release()
	if c.Busy() {
		t.Fatalf("expected crate to be idle after release")
	}
	if c.Users() != 0 {
		t.Fatalf("got users=%d, want 0", c.Users())
	}
}
