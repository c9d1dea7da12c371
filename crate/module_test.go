// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/go-pixie/pixie16/bus"
	"github.com/go-pixie/pixie16/firmware"
)

func newTestModule(t *testing.T, rev Revision, numChannels int) (*Module, *bus.SimDriver) {
	t.Helper()
	drv := bus.NewSimDriver()
	drv.PresentDevice(0)

	m := newModule(2, nil)
	tag := firmware.Tag{Revision: byte(rev), AdcMSPS: 100, AdcBits: 14}
	if err := m.Open(drv, 0, rev, numChannels, rev, 12345, tag); err != nil {
		t.Fatalf("open: %+v", err)
	}
	m.SetNumber(0)
	return m, drv
}

func TestModuleOpenSelectsFixtureByRevision(t *testing.T) {
	m, _ := newTestModule(t, 'H', 16)
	if _, ok := m.fixture.(*afeFixture); !ok {
		t.Fatalf("expected afeFixture for revision H, got %T", m.fixture)
	}

	mb, _ := newTestModule(t, 'F', 16)
	if _, ok := mb.fixture.(*motherboardFixture); !ok {
		t.Fatalf("expected motherboardFixture for revision F, got %T", mb.fixture)
	}
}

func TestModuleOnlineCheckFailsBeforeBoot(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)
	if err := m.OnlineCheck(); err == nil {
		t.Fatalf("expected offline error before boot")
	}
}

func TestModuleBootLoadsFirmwareAndGoesOnline(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)

	reg := firmware.NewRegistry()
	tag := firmware.Tag{Revision: 'F', AdcMSPS: 100, AdcBits: 14}
	reg.Set(tag, firmware.KindComms, []byte{1})
	reg.Set(tag, firmware.KindFippi, []byte{2})
	reg.Set(tag, firmware.KindDSP, []byte{3})

	loader := &stubLoader{}
	if err := m.Boot(context.Background(), loader, reg); err != nil {
		t.Fatalf("boot: %+v", err)
	}
	if !m.Online() {
		t.Fatalf("expected module to be online after boot")
	}
	if len(loader.loaded) != 3 {
		t.Fatalf("got %d loads, want 3", len(loader.loaded))
	}
}

func TestModuleWriteVarRejectsReadOnly(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)
	if err := m.WriteVar("InSynch", 1, true); err == nil {
		t.Fatalf("expected error writing read-only variable")
	}
}

func TestModuleWriteVarDeferredUntilSyncVars(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)
	if err := m.WriteVar("ModCSRA", 7, false); err != nil {
		t.Fatalf("write: %+v", err)
	}
	if got, err := m.ReadVar("ModCSRA", false); err != nil || got != 7 {
		t.Fatalf("cached read got=%d err=%v, want=7", got, err)
	}
	if err := m.SyncVars(); err != nil {
		t.Fatalf("sync: %+v", err)
	}
	got, err := m.ReadVar("ModCSRA", true)
	if err != nil {
		t.Fatalf("hardware read: %+v", err)
	}
	if got != 7 {
		t.Fatalf("got=%d, want=7", got)
	}
}

func TestModuleChannelVarRoundTrip(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)
	if err := m.WriteChannelVar(3, "Gain", 42); err != nil {
		t.Fatalf("write: %+v", err)
	}
	got, err := m.ReadChannelVar(3, "Gain")
	if err != nil {
		t.Fatalf("read: %+v", err)
	}
	if got != 42 {
		t.Fatalf("got=%d, want=42", got)
	}
}

func TestModuleChannelCheckRejectsOutOfRange(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)
	if err := m.ChannelCheck(16); err == nil {
		t.Fatalf("expected error for out-of-range channel")
	}
	if err := m.ChannelCheck(-1); err == nil {
		t.Fatalf("expected error for negative channel")
	}
}

func TestModuleReadHealthFailsWithoutMonitor(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)
	if _, _, _, err := m.ReadHealth(); err == nil {
		t.Fatalf("expected error with no health monitor bound")
	}
}

func TestModuleReadHealthReturnsBoundMonitorValues(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)
	conn := &fakeSmbusConn{words: map[uint8]uint16{
		healthCmdTemperature: 70,
		healthCmdVoltage3V3:  4096,
		healthCmdVoltage12V:  4096,
	}}
	m.SetHealthMonitor(newHealthMonitor(conn, 0x48))

	tempC, v3v3, v12, err := m.ReadHealth()
	if err != nil {
		t.Fatalf("read health: %+v", err)
	}
	if tempC != 35.0 {
		t.Fatalf("tempC got=%v, want=35.0", tempC)
	}
	if v3v3 != 3.3 {
		t.Fatalf("v3v3 got=%v, want=3.3", v3v3)
	}
	if v12 <= 0 {
		t.Fatalf("v12 got=%v, want>0", v12)
	}
}

func TestModuleAdjustOffsetsFailsWhenOffline(t *testing.T) {
	m, _ := newTestModule(t, 'H', 16)
	if err := m.AdjustOffsets(); err == nil {
		t.Fatalf("expected error adjusting offsets before boot")
	}
}

func TestModuleReportWritesStatusLine(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)
	var buf bytes.Buffer
	if err := m.Report(&buf); err != nil {
		t.Fatalf("report: %+v", err)
	}
	if !strings.Contains(buf.String(), "module 0: slot=2 serial=12345") {
		t.Fatalf("got %q, want to contain module/slot/serial info", buf.String())
	}
}

func TestModuleSerialReflectsProbedValue(t *testing.T) {
	m, _ := newTestModule(t, 'F', 16)
	if got := m.Serial(); got != 12345 {
		t.Fatalf("got serial=%d, want=12345", got)
	}
}

type stubLoader struct {
	loaded []firmware.Kind
}

func (s *stubLoader) Load(moduleNumber int, kind firmware.Kind, image []byte) error {
	s.loaded = append(s.loaded, kind)
	return nil
}
