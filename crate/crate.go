// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crate drives a crate of digital pulse-processing modules: slot
// enumeration and parallel boot, concurrency control over the crate and
// its modules, AFE auto-calibration, and the list-mode FIFO pump.
package crate

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	pixie16 "github.com/go-pixie/pixie16"
	"github.com/go-pixie/pixie16/alert"
	"github.com/go-pixie/pixie16/bus"
	"github.com/go-pixie/pixie16/firmware"
)

// SlotProbe identifies what, if anything, occupies a crate slot. A crate
// asks its driver for this once per slot during Initialize; Open never
// guesses at hardware identity itself.
type SlotProbe func(ctx context.Context, drv bus.Driver, slot int) (present bool, rev Revision, numChannels int, serial uint32, tag firmware.Tag, err error)

// Crate owns a set of Modules plus the backplane role bookkeeping and
// the user-count gate spec.md §4.1 describes: callers Acquire a User
// token before driving the crate, and Busy/Users report how many tokens
// are outstanding. Shutdown neither waits for nor consults them.
//
// Invariant: every slot appears in at most one of modules or offline.
// modules holds the crate's online modules, numbered 0..len(modules)-1
// by ascending slot order unless Assign has bound caller-chosen numbers;
// offline holds every module that failed boot
// or was explicitly forced offline, with number reset to -1.
type Crate struct {
	mu sync.Mutex

	initialized bool
	shutdown    bool

	modules   []*Module
	offline   []*Module
	backplane *Backplane

	loader   firmware.Loader
	registry *firmware.Registry

	alerter *alert.Mailer

	log *log.Logger

	ready atomic.Bool
	users atomic.Int32
}

// New constructs an unopened Crate. Initialize must be called before any
// module is usable.
func New(loader firmware.Loader, registry *firmware.Registry, logger *log.Logger) *Crate {
	if logger == nil {
		logger = log.Default()
	}
	return &Crate{loader: loader, registry: registry, log: logger}
}

// User is the RAII-style token Acquire hands out; callers must Release
// it when done so Busy/Users reflect outstanding work accurately.
type User struct {
	c        *Crate
	released atomic.Bool
}

// Release returns the token. Calling Release more than once is safe and
// only decrements the count on the first call.
func (u *User) Release() {
	if u.released.CompareAndSwap(false, true) {
		u.c.users.Add(-1)
	}
}

// Acquire returns a User token, or an error if the crate isn't ready
// (never initialized, or already shut down).
func (c *Crate) Acquire() (*User, error) {
	if !c.ready.Load() {
		return nil, pixie16.NewError(pixie16.KindCrateNotReady, "crate is not ready")
	}
	c.users.Add(1)
	return &User{c: c}, nil
}

// Busy reports whether any User token is currently outstanding.
func (c *Crate) Busy() bool { return c.users.Load() > 0 }

// Users returns the number of outstanding User tokens.
func (c *Crate) Users() int32 { return c.users.Load() }

// Initialize probes numSlots crate slots with probe, opens every module
// probe reports present, and numbers them in ascending slot order
// (spec.md §4.1). A per-module revision that disagrees with the crate
// revision (the revision of the lowest-slot present module) logs a
// warning but does not fail
// Initialize; an unopenable present module does fail it, since a
// crate that can't account for a populated slot isn't safely usable.
func (c *Crate) Initialize(ctx context.Context, drv bus.Driver, numSlots int, probe SlotProbe) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return pixie16.NewError(pixie16.KindCrateAlreadyOpen, "crate already initialized")
	}

	type found struct {
		slot        int
		rev         Revision
		numChannels int
		serial      uint32
		tag         firmware.Tag
	}
	var present []found
	for slot := 0; slot < numSlots; slot++ {
		ok, rev, numChannels, serial, tag, err := probe(ctx, drv, slot)
		if err != nil {
			return pixie16.Wrap(pixie16.KindModuleInitializeFailure, -1, slot, err)
		}
		if !ok {
			continue
		}
		present = append(present, found{slot, rev, numChannels, serial, tag})
	}

	crateRevision := Revision(0)
	if len(present) > 0 {
		crateRevision = present[0].rev
	}

	modules := make([]*Module, 0, len(present))
	for i, f := range present {
		m := newModule(f.slot, c.log)
		if err := m.Open(drv, f.slot, crateRevision, f.numChannels, f.rev, f.serial, f.tag); err != nil {
			return pixie16.Wrap(pixie16.KindModuleInitializeFailure, i, f.slot, err)
		}
		if f.rev != crateRevision {
			c.log.Printf("crate: slot %d revision %c disagrees with crate revision %c", f.slot, f.rev, crateRevision)
		}
		m.SetNumber(i)
		modules = append(modules, m)
	}

	c.modules = modules
	c.backplane = newBackplane(len(modules))
	c.backplane.init()
	c.initialized = true
	c.ready.Store(true)
	return nil
}

// NumModules returns the number of modules found during Initialize.
func (c *Crate) NumModules() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.modules)
}

// Module returns the online module bound to the given logical number,
// or an error if no online module holds it. Numbers aren't necessarily
// dense array indices once Assign has bound caller-chosen numbers, so
// this searches by Module.Number() rather than indexing c.modules
// directly.
func (c *Crate) Module(number int) (*Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.modules {
		if m.Number() == number {
			return m, nil
		}
	}
	return nil, pixie16.NewModuleError(pixie16.KindModuleNumberInvalid, number, -1,
		fmt.Sprintf("no online module with number %d", number))
}

// ModuleBySlot returns the module occupying slot, searching both the
// online and offline lists (spec.md §2: "Provides index-by-number and
// find-by-slot lookups"), or an error if no module occupies it.
func (c *Crate) ModuleBySlot(slot int) (*Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.modules {
		if m.Slot() == slot {
			return m, nil
		}
	}
	for _, m := range c.offline {
		if m.Slot() == slot {
			return m, nil
		}
	}
	return nil, pixie16.NewError(pixie16.KindModuleSlotInvalid,
		fmt.Sprintf("no module in slot %d", slot))
}

// Backplane returns the crate's backplane role tracker.
func (c *Crate) Backplane() *Backplane {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backplane
}

// Boot boots targets (indices into the crate's module list, which match
// module numbers unless Assign has bound other numbers) in parallel, one
// goroutine per module, joining with the first error any of them produced. An empty
// targets boots every module. A module already online is skipped unless
// force is set (spec.md §4.1: "re-booting an online module is a no-op
// unless the caller explicitly forces it").
//
// Boot never holds the crate lock while a module boot is in flight: it
// snapshots the module list and the targets up front, releases the
// lock, runs the errgroup, then reacquires the lock only to reconcile
// backplane roles. This keeps the lock-ordering crate-then-module, never
// the reverse, and never blocks Module(n) calls from other goroutines
// for the duration of a boot round.
func (c *Crate) Boot(ctx context.Context, targets []int, force bool) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return pixie16.NewError(pixie16.KindCrateNotReady, "crate not initialized")
	}
	modules := c.modules
	c.mu.Unlock()

	indices := targets
	if len(indices) == 0 {
		indices = make([]int, len(modules))
		for i := range indices {
			indices[i] = i
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range indices {
		idx := idx
		if idx < 0 || idx >= len(modules) {
			return pixie16.NewModuleError(pixie16.KindModuleNumberInvalid, idx, -1,
				fmt.Sprintf("boot target %d out of range [0,%d)", idx, len(modules)))
		}
		m := modules[idx]
		if m.Online() && !force {
			continue
		}
		g.Go(func() error {
			if err := m.Boot(gctx, c.loader, c.registry); err != nil {
				c.notifyAlert(alert.KindBootFailure, fmt.Sprintf("module %d slot %d", idx, m.Slot()), err.Error())
				return err
			}
			return nil
		})
	}
	bootErr := g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range modules {
		if m.Online() {
			m.ensurePump(c.log)
			c.wireOverflowAlertLocked(m)
		}
	}
	online, offline := c.moveOfflines()
	if c.backplane != nil {
		c.backplane.reinit(online, offline)
	}
	return bootErr
}

// moveOfflines partitions c.modules into modules that are still online
// and modules that are not, moving the latter into c.offline and
// renumbering the survivors by ascending slot order so each module's
// number keeps matching its index in c.modules (spec.md §3's invariant:
// "every slot appears in at most one of modules or offline"). It
// collects the full partition before mutating anything, rather than
// mutating state while walking the module slice, avoiding the
// restart-while-iterating hazard of recomputing the partition mid-walk
// when a module's state can change concurrently.
func (c *Crate) moveOfflines() (online, offline []int) {
	var kept, moved []*Module
	for _, m := range c.modules {
		if m.Online() {
			kept = append(kept, m)
		} else {
			moved = append(moved, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Slot() < kept[j].Slot() })

	for i, m := range kept {
		m.SetNumber(i)
		online = append(online, i)
	}
	for _, m := range moved {
		m.ForceOffline()
		m.SetNumber(-1)
		offline = append(offline, -1)
		c.notifyAlertLocked(alert.KindModuleOffline, fmt.Sprintf("slot %d", m.Slot()), "module moved offline")
	}

	c.modules = kept
	c.offline = append(c.offline, moved...)
	return online, offline
}

// Assign binds slot->logical-number for every module named in numbers
// (spec.md §4.1's "assign"). A module whose slot has no entry in
// numbers has its number reset to -1 and is either closed and dropped
// from the crate entirely (closeUnassigned) or force-marked offline and
// moved to c.offline. Any error closing a module stops the pass and
// rolls back only the numbering: the crate's remaining modules are
// renumbered by ascending slot order before the error is returned,
// mirroring the original implementation's assign-then-fix-up-numbers
// recovery.
func (c *Crate) Assign(numbers map[int]int, closeUnassigned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return pixie16.NewError(pixie16.KindCrateNotReady, "crate not initialized")
	}

	for _, m := range c.modules {
		if num, ok := numbers[m.Slot()]; ok {
			m.SetNumber(num)
		} else {
			m.SetNumber(-1)
		}
	}

	var kept []*Module
	for i, m := range c.modules {
		if m.Number() != -1 {
			kept = append(kept, m)
			continue
		}
		if closeUnassigned {
			if err := m.Close(); err != nil {
				c.modules = append(kept, c.modules[i:]...)
				c.renumberBySlotLocked()
				return err
			}
			continue
		}
		m.ForceOffline()
		c.offline = append(c.offline, m)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Number() < kept[j].Number() })
	c.modules = kept

	if c.backplane != nil {
		online := make([]int, 0, len(kept))
		for _, m := range kept {
			online = append(online, m.Number())
		}
		offline := make([]int, 0, len(c.offline))
		for _, m := range c.offline {
			offline = append(offline, m.Number())
		}
		c.backplane.reinit(online, offline)
	}
	return nil
}

// renumberBySlotLocked re-derives module numbers from ascending slot
// order; it is the rollback path Assign uses when it can't apply the
// caller's requested numbering.
func (c *Crate) renumberBySlotLocked() {
	sort.Slice(c.modules, func(i, j int) bool { return c.modules[i].Slot() < c.modules[j].Slot() })
	for i, m := range c.modules {
		m.SetNumber(i)
	}
}

// InitializeAFE runs the AFE offset-DAC feedback loop (spec.md §4.3.2)
// against targets (indices into the crate's module list, which match
// module numbers unless Assign has bound other numbers) in parallel, one
// goroutine per
// module, the same fan-out shape as Boot. An empty targets calibrates
// every online module. Unlike Boot's polarity-swap detection, which runs
// automatically as part of a module's own boot sequence,
// InitializeAFE is a separate, re-runnable operation: an operator can
// recalibrate offsets after a drift without rebooting firmware.
func (c *Crate) InitializeAFE(ctx context.Context, targets []int) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return pixie16.NewError(pixie16.KindCrateNotReady, "crate not initialized")
	}
	modules := c.modules
	c.mu.Unlock()

	indices := targets
	if len(indices) == 0 {
		indices = make([]int, len(modules))
		for i := range indices {
			indices[i] = i
		}
	}

	g, _ := errgroup.WithContext(ctx)
	for _, idx := range indices {
		idx := idx
		if idx < 0 || idx >= len(modules) {
			return pixie16.NewModuleError(pixie16.KindModuleNumberInvalid, idx, -1,
				fmt.Sprintf("AFE target %d out of range [0,%d)", idx, len(modules)))
		}
		m := modules[idx]
		g.Go(func() error {
			if err := m.AdjustOffsets(); err != nil {
				c.notifyAlert(alert.KindAFEFailure, fmt.Sprintf("module %d slot %d", idx, m.Slot()), err.Error())
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// SetFirmware binds an image to tag/kind in the crate's firmware
// registry, so a later Boot call has something to load for modules
// reporting that tag (spec.md §4.1's firmware bindings are keyed by the
// EEPROM tag, not by slot).
func (c *Crate) SetFirmware(tag firmware.Tag, kind firmware.Kind, image []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry.Set(tag, kind, image)
}

// SetAlerter binds a Mailer the crate notifies of module-offline,
// boot/AFE-calibration failure, and FIFO-overflow events (SPEC_FULL.md
// §12). Passing nil disables alerting.
func (c *Crate) SetAlerter(a *alert.Mailer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerter = a
	for _, m := range c.modules {
		c.wireOverflowAlertLocked(m)
	}
}

// wireOverflowAlertLocked registers the crate's current alerter (if any)
// as m's FIFO pump overflow handler. Must be called with c.mu held.
func (c *Crate) wireOverflowAlertLocked(m *Module) {
	p := m.Pump()
	if p == nil || c.alerter == nil {
		return
	}
	number := m.Number()
	p.SetOverflowHandler(func(dropped int) {
		c.notifyAlert(alert.KindFIFOOverflow, fmt.Sprintf("module %d", number),
			fmt.Sprintf("%d list-mode buffer(s) dropped to compaction", dropped))
	})
}

// notifyAlert forwards to the crate's alerter, if one is bound. Safe to
// call without holding c.mu.
func (c *Crate) notifyAlert(kind alert.Kind, key, body string) {
	c.mu.Lock()
	a := c.alerter
	c.mu.Unlock()
	if a != nil {
		a.Notify(kind, key, body)
	}
}

// notifyAlertLocked is notifyAlert for callers that already hold c.mu.
func (c *Crate) notifyAlertLocked(kind alert.Kind, key, body string) {
	if c.alerter != nil {
		c.alerter.Notify(kind, key, body)
	}
}

// Report writes a one-shot human-readable status report for every
// module in the crate (slot, online state, FIFO queue depth, fixture
// detail) to w.
func (c *Crate) Report(w io.Writer) error {
	c.mu.Lock()
	modules := c.modules
	c.mu.Unlock()
	for _, m := range modules {
		if err := m.Report(w); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown closes every module under the crate lock, returning the
// first error encountered while continuing to close the rest, and
// marks the crate not-ready so subsequent Acquire calls fail.
func (c *Crate) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil
	}
	c.ready.Store(false)

	var firstErr error
	for _, m := range c.modules {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.shutdown = true
	c.initialized = false
	return firstErr
}
