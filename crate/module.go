// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	pixie16 "github.com/go-pixie/pixie16"
	"github.com/go-pixie/pixie16/bus"
	"github.com/go-pixie/pixie16/crate/internal/regs"
	"github.com/go-pixie/pixie16/firmware"
)

// controlTaskPollInterval and controlTaskTimeout bound how long Module
// waits for a DSP-hosted control task (spec.md §4.3's get-traces and
// adjust-DAC tasks) to clear RunTask back to idle.
const (
	controlTaskPollInterval = 2 * time.Millisecond
	controlTaskTimeout      = 2 * time.Second
)

// Module is one crate slot's driver handle: its register window, cached
// DSP variables, and revision-specific Fixture.
//
// Go has no recursive mutex, unlike the std::recursive_mutex the original
// per-module lock used. Rather than hand-roll one, Module splits its
// exported methods (which acquire mu) from unexported "Locked" methods
// that assume it is already held; exported methods call into the Locked
// variants, and Locked variants call each other directly. Fixture
// methods, which Boot and AdjustOffsets run while already holding mu via
// Module.withLock, call the Locked methods directly; Crate calls only the
// exported methods.
type Module struct {
	mu sync.Mutex

	number        int
	slot          int
	serial        uint32
	revision      Revision
	crateRevision Revision
	numChannels   int
	adcBits       int
	adcMSPS       uint32
	tag           firmware.Tag

	bus     bus.Handle
	fixture Fixture

	present     bool
	commsLoaded bool
	fippiLoaded bool
	dspLoaded   bool
	online      bool

	moduleVars  map[string]*varSlot
	channelVars []map[string]*varSlot

	pump   *FifoPump
	health *HealthMonitor

	log *log.Logger
}

func newModule(slot int, logger *log.Logger) *Module {
	if logger == nil {
		logger = log.Default()
	}
	return &Module{
		slot: slot,
		log:  logger,
	}
}

// withLock runs fn with mu held, the seam every exported Module method
// funnels through.
func (m *Module) withLock(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

// Open binds the module to its bus handle and reads the identity it
// needs to select a Fixture (slot/serial/revision/channel count). The
// crate supplies crateRevision, which the module records alongside its
// own; the crate, not the module, logs a mismatch (spec.md §3: a
// revision mismatch is a warning, not a failure).
func (m *Module) Open(drv bus.Driver, deviceNumber int, crateRevision Revision, numChannels int, rev Revision, serial uint32, tag firmware.Tag) error {
	return m.withLock(func() error {
		return m.openLocked(drv, deviceNumber, crateRevision, numChannels, rev, serial, tag)
	})
}

func (m *Module) openLocked(drv bus.Driver, deviceNumber int, crateRevision Revision, numChannels int, rev Revision, serial uint32, tag firmware.Tag) error {
	h, err := drv.Open(deviceNumber)
	if err != nil {
		return pixie16.Wrap(pixie16.KindModuleOffline, m.number, m.slot, err)
	}
	m.bus = h
	m.crateRevision = crateRevision
	m.revision = rev
	m.serial = serial
	m.numChannels = numChannels
	m.adcBits = int(tag.AdcBits)
	m.adcMSPS = tag.AdcMSPS
	m.tag = tag
	m.present = true

	m.moduleVars = resetModuleVars()
	m.channelVars = resetChannelVars(numChannels)
	setScalar(m.moduleVars["SlotID"], uint32(m.slot))

	m.fixture = NewFixture(rev, numChannels)
	if err := m.fixture.Open(m); err != nil {
		return pixie16.Wrap(pixie16.KindModuleInitializeFailure, m.number, m.slot, err)
	}
	return nil
}

// SetNumber assigns the module's logical index within the crate
// (spec.md §4.1: modules are numbered by ascending slot order once the
// crate finishes probing).
func (m *Module) SetNumber(number int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.number = number
	if slot, ok := m.moduleVars["ModNum"]; ok {
		setScalar(slot, uint32(number))
	}
}

func (m *Module) Slot() int { return m.slot }

// Serial returns the module's EEPROM-reported serial number, read at
// Open time.
func (m *Module) Serial() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serial
}

func (m *Module) Number() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.number
}

func (m *Module) Present() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present
}

// Online reports whether the module completed boot and is healthy.
func (m *Module) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Boot loads firmware images via loader, programs the module, and runs
// the fixture's revision-specific bring-up (spec.md §4.1/§4.3.1).
func (m *Module) Boot(ctx context.Context, loader firmware.Loader, reg *firmware.Registry) error {
	return m.withLock(func() error { return m.bootLocked(ctx, loader, reg) })
}

func (m *Module) bootLocked(ctx context.Context, loader firmware.Loader, reg *firmware.Registry) error {
	if !m.present {
		return pixie16.NewModuleError(pixie16.KindModuleOffline, m.number, m.slot, "boot on absent module")
	}
	for _, kind := range []firmware.Kind{firmware.KindComms, firmware.KindFippi, firmware.KindDSP} {
		img, ok := reg.Get(m.tag, kind)
		if !ok {
			return pixie16.NewModuleError(pixie16.KindModuleInitializeFailure, m.number, m.slot,
				fmt.Sprintf("no %s image bound for tag %s", kind, m.tag))
		}
		if err := loader.Load(m.number, kind, img); err != nil {
			return pixie16.Wrap(pixie16.KindModuleInitializeFailure, m.number, m.slot, err)
		}
		switch kind {
		case firmware.KindComms:
			m.commsLoaded = true
		case firmware.KindFippi:
			m.fippiLoaded = true
		case firmware.KindDSP:
			m.dspLoaded = true
		}
	}

	if err := m.fixture.InitChannels(m); err != nil {
		return pixie16.Wrap(pixie16.KindModuleInitializeFailure, m.number, m.slot, err)
	}
	if err := m.fixture.Boot(m); err != nil {
		m.online = false
		return pixie16.Wrap(pixie16.KindModuleInitializeFailure, m.number, m.slot, err)
	}
	m.online = true
	return nil
}

// Pump returns the module's FIFO pump, or nil if the module has never
// booted successfully.
func (m *Module) Pump() *FifoPump {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pump
}

// ensurePump lazily constructs the module's FIFO pump the first time it
// comes online; re-booting an already-pumped module reuses the existing
// pump rather than orphaning its queued buffers.
func (m *Module) ensurePump(logger *log.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pump == nil {
		m.pump = NewFifoPump(m, logger)
	}
}

// ForceOffline marks the module unusable without touching hardware,
// spec.md's "a module that fails boot or goes unresponsive mid-run is
// marked offline rather than torn down".
func (m *Module) ForceOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = false
}

// OnlineCheck returns a KindModuleOffline error if the module isn't
// online; callers that need hardware access should check this first.
func (m *Module) OnlineCheck() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onlineCheckLocked()
}

func (m *Module) onlineCheckLocked() error {
	if !m.online {
		return pixie16.NewModuleError(pixie16.KindModuleOffline, m.number, m.slot, "module is offline")
	}
	return nil
}

// ChannelCheck validates a channel index against the module's channel
// count.
func (m *Module) ChannelCheck(ch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelCheckLocked(ch)
}

func (m *Module) channelCheckLocked(ch int) error {
	if ch < 0 || ch >= m.numChannels {
		return pixie16.NewModuleError(pixie16.KindChannelNumberInvalid, m.number, m.slot,
			fmt.Sprintf("channel %d out of range [0,%d)", ch, m.numChannels))
	}
	return nil
}

// Close releases the fixture and bus handle. Close does not clear cached
// variable state, so a module can be re-opened against a fresh handle
// without losing its identity.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	if m.fixture != nil {
		if err := m.fixture.Close(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.bus != nil {
		if err := m.bus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.present = false
	m.online = false
	return firstErr
}

func (m *Module) readWord(addr uint32) (uint32, error) {
	if m.bus == nil {
		return 0, pixie16.NewModuleError(pixie16.KindModuleOffline, m.number, m.slot, "no bus handle")
	}
	return m.bus.ReadWord(addr)
}

func (m *Module) writeWord(addr, value uint32) error {
	if m.bus == nil {
		return pixie16.NewModuleError(pixie16.KindModuleOffline, m.number, m.slot, "no bus handle")
	}
	return m.bus.WriteWord(addr, value)
}

func (m *Module) dmaRead(addr uint32, dest []uint32) error {
	if m.bus == nil {
		return pixie16.NewModuleError(pixie16.KindModuleOffline, m.number, m.slot, "no bus handle")
	}
	return m.bus.DMARead(addr, dest)
}

// ReadVar reads a scalar module variable by name. With io=true it reads
// straight from hardware and refreshes the cache; with io=false it
// returns the cached value without touching the bus (spec.md §4.2).
func (m *Module) ReadVar(name string, io bool) (uint32, error) {
	var v uint32
	err := m.withLock(func() error {
		var err error
		v, err = m.readVarLocked(name, io)
		return err
	})
	return v, err
}

func (m *Module) readVarLocked(name string, io bool) (uint32, error) {
	slot, ok := m.moduleVars[name]
	if !ok {
		return 0, pixie16.NewModuleError(pixie16.KindInvalidValue, m.number, m.slot,
			fmt.Sprintf("unknown module variable %q", name))
	}
	if !io {
		return scalar(slot), nil
	}
	v, err := m.readWord(slot.desc.Addr)
	if err != nil {
		return 0, pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
	}
	setScalar(slot, v)
	slot.dirty = false
	return v, nil
}

// WriteVar writes a scalar module variable. With io=true it writes
// through to hardware immediately, running any pre/post side effect the
// variable carries; with io=false it only updates the cache and leaves
// the cell dirty for a later SyncVars (spec.md §4.2).
func (m *Module) WriteVar(name string, value uint32, io bool) error {
	return m.withLock(func() error { return m.writeVarLocked(name, value, io) })
}

func (m *Module) writeVarLocked(name string, value uint32, io bool) error {
	slot, ok := m.moduleVars[name]
	if !ok {
		return pixie16.NewModuleError(pixie16.KindInvalidValue, m.number, m.slot,
			fmt.Sprintf("unknown module variable %q", name))
	}
	if !slot.desc.Writable {
		return notWritableErr(name)
	}
	if !io {
		setScalar(slot, value)
		return nil
	}
	if fx, ok := moduleSideEffects[name]; ok && fx.pre != nil {
		if err := fx.pre(m, value); err != nil {
			return err
		}
	}
	if err := m.writeWord(slot.desc.Addr, value); err != nil {
		return pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
	}
	setScalar(slot, value)
	slot.dirty = false
	if fx, ok := moduleSideEffects[name]; ok && fx.post != nil {
		if err := fx.post(m, value); err != nil {
			return err
		}
	}
	return nil
}

// ReadChannelVar reads a scalar channel variable by name.
func (m *Module) ReadChannelVar(ch int, name string) (uint32, error) {
	var v uint32
	err := m.withLock(func() error {
		var err error
		v, err = m.readChannelVarLocked(ch, name)
		return err
	})
	return v, err
}

func (m *Module) readChannelVarLocked(ch int, name string) (uint32, error) {
	if err := m.channelCheckLocked(ch); err != nil {
		return 0, err
	}
	slot, ok := m.channelVars[ch][name]
	if !ok {
		return 0, pixie16.NewModuleError(pixie16.KindInvalidValue, m.number, m.slot,
			fmt.Sprintf("unknown channel variable %q", name))
	}
	got, err := m.readWord(channelVarAddr(slot.desc, ch))
	if err != nil {
		return 0, pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
	}
	setScalar(slot, got)
	slot.dirty = false
	return got, nil
}

// WriteChannelVar writes a scalar channel variable immediately to
// hardware.
func (m *Module) WriteChannelVar(ch int, name string, value uint32) error {
	return m.withLock(func() error { return m.writeChannelVarLocked(ch, name, value) })
}

func (m *Module) writeChannelVarLocked(ch int, name string, value uint32) error {
	if err := m.channelCheckLocked(ch); err != nil {
		return err
	}
	slot, ok := m.channelVars[ch][name]
	if !ok {
		return pixie16.NewModuleError(pixie16.KindInvalidValue, m.number, m.slot,
			fmt.Sprintf("unknown channel variable %q", name))
	}
	if !slot.desc.Writable {
		return notWritableErr(name)
	}
	if err := m.writeWord(channelVarAddr(slot.desc, ch), value); err != nil {
		return pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
	}
	setScalar(slot, value)
	slot.dirty = false
	return nil
}

// SyncVars flushes every dirty module and channel variable cell to the
// DSP in ascending address order, then gives the fixture a chance to
// reconcile derived hardware state (spec.md §4.2).
func (m *Module) SyncVars() error {
	return m.withLock(func() error { return m.syncVarsLocked() })
}

func (m *Module) syncVarsLocked() error {
	type dirty struct {
		addr uint32
		slot *varSlot
	}
	var cells []dirty
	for _, slot := range m.moduleVars {
		if slot.dirty {
			cells = append(cells, dirty{slot.desc.Addr, slot})
		}
	}
	for ch, vars := range m.channelVars {
		for _, slot := range vars {
			if slot.dirty {
				cells = append(cells, dirty{channelVarAddr(slot.desc, ch), slot})
			}
		}
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].addr < cells[j].addr })

	for _, c := range cells {
		if err := m.writeWord(c.addr, scalar(c.slot)); err != nil {
			return pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
		}
		c.slot.dirty = false
	}
	return m.fixture.SyncHW(m)
}

// setUserIn stages a scratch parameter for the next control-task run
// (spec.md §4.3.3's save/restore around ADC trace capture).
func (m *Module) setUserIn(idx int, value uint32) error {
	if idx < 0 || idx > 1 {
		return fmt.Errorf("crate: UserIn index %d out of range", idx)
	}
	return m.writeWord(regs.ModuleVars["UserIn"].Addr+4*uint32(idx), value)
}

func (m *Module) getUserIn(idx int) (uint32, error) {
	if idx < 0 || idx > 1 {
		return 0, fmt.Errorf("crate: UserIn index %d out of range", idx)
	}
	return m.readWord(regs.ModuleVars["UserIn"].Addr + 4*uint32(idx))
}

// SetHealthMonitor binds h as the module's onboard temperature/voltage
// telemetry source. A module with no bound monitor reports
// KindHardwareFailure from ReadHealth rather than panicking, since not
// every deployment wires SMBus health telemetry up.
func (m *Module) SetHealthMonitor(h *HealthMonitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = h
}

// ReadHealth reads the module's board temperature (Celsius) and 3.3V/12V
// supply rails over the bound HealthMonitor (spec.md §4.1's module health
// telemetry).
func (m *Module) ReadHealth() (tempC, v3v3, v12 float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.health == nil {
		return 0, 0, 0, pixie16.NewModuleError(pixie16.KindHardwareFailure, m.number, m.slot,
			"no health monitor bound")
	}
	if tempC, err = m.health.TemperatureCelsius(); err != nil {
		return 0, 0, 0, pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
	}
	if v3v3, err = m.health.Voltage3V3(); err != nil {
		return 0, 0, 0, pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
	}
	if v12, err = m.health.Voltage12V(); err != nil {
		return 0, 0, 0, pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
	}
	return tempC, v3v3, v12, nil
}

// AdjustOffsets runs the fixture's offset-DAC feedback loop (spec.md
// §4.3.2) against an already-booted module. Crate.InitializeAFE calls
// this per module in parallel; it is also exposed directly for a caller
// that wants to recalibrate a single online module without a full boot.
func (m *Module) AdjustOffsets() error {
	return m.withLock(func() error {
		if err := m.onlineCheckLocked(); err != nil {
			return err
		}
		return m.fixture.AdjustOffsets(m)
	})
}

// Report writes a human-readable status block for the module (slot,
// online state, FIFO queue depth, fixture detail) to w.
func (m *Module) Report(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	level := 0
	if m.pump != nil {
		level = m.pump.ReadListModeLevel()
	}
	if _, err := fmt.Fprintf(w, "module %d: slot=%d serial=%d revision=%c online=%v fifo_level=%d\n",
		m.number, m.slot, m.serial, m.revision, m.online, level); err != nil {
		return err
	}
	if m.fixture != nil {
		return m.fixture.Report(w, m)
	}
	return nil
}

// runControlTask writes task to ControlTask and polls RunTask until the
// DSP clears it back to idle or the timeout elapses.
func (m *Module) runControlTask(task uint32) error {
	if err := m.writeWord(regs.ModuleVars["ControlTask"].Addr, task); err != nil {
		return pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
	}
	deadline := time.Now().Add(controlTaskTimeout)
	for {
		v, err := m.readWord(regs.ModuleVars["RunTask"].Addr)
		if err != nil {
			return pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
		}
		if v == regs.RunTaskIdle {
			return nil
		}
		if time.Now().After(deadline) {
			return pixie16.NewModuleError(pixie16.KindHardwareFailure, m.number, m.slot,
				fmt.Sprintf("control task %d did not complete within %s", task, controlTaskTimeout))
		}
		time.Sleep(controlTaskPollInterval)
	}
}
