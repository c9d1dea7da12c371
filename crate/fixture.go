// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"fmt"
	"io"

	pixie16 "github.com/go-pixie/pixie16"
)

// Fixture is the hardware-variant strategy a Module delegates
// revision-specific behavior to: board-revision-specific calibration and
// ADC acquisition (spec.md §9's "virtual fixtures"). Fixtures are selected
// at Module.Open time by revision tag, not by open inheritance: see
// NewFixture.
type Fixture interface {
	// Open is called once the module's EEPROM has been read and its
	// channel count is known, before any boot stage runs.
	Open(m *Module) error
	// Close releases any fixture-owned state.
	Close(m *Module) error
	// Boot runs after all three programmable logic devices have loaded
	// and performs revision-specific bring-up (e.g. the AFE ADC-polarity
	// swap detection of spec.md §4.3.1).
	Boot(m *Module) error
	// InitChannels seeds per-channel state (e.g. default baseline
	// targets) once num_channels is known.
	InitChannels(m *Module) error
	// SyncHW reconciles register-level state derived from variables
	// after Module.SyncVars has flushed dirty cells to the DSP.
	SyncHW(m *Module) error

	// OnModCSRBWritten and OnFilterRangeChanging are the side-effect
	// hooks spec.md §4.2 describes for ModCSRB/SlowFilterRange/
	// FastFilterRange.
	OnModCSRBWritten(m *Module, value uint32) error
	OnFilterRangeChanging(m *Module, which string, value uint32) error

	// SetDAC programs channel ch's offset DAC to the given raw setting.
	SetDAC(m *Module, ch int, value uint32) error
	// AcquireADC captures one ADC trace for channel ch (spec.md §4.3.3).
	AcquireADC(m *Module, ch int) ([]uint32, error)
	// AdjustOffsets runs the offset-DAC feedback loop of spec.md §4.3.2.
	AdjustOffsets(m *Module) error

	// Report writes a human-readable fixture status block to w.
	Report(w io.Writer, m *Module) error
}

// Revision identifies a hardware revision tag, spec.md's "A..L".
type Revision byte

// NewFixture selects the fixture implementation for a revision tag. A
// revision with no dedicated implementation gets the default "motherboard"
// fixture, which fails any operation that requires a DSP-hosted
// equivalent it does not have (spec.md §9).
func NewFixture(rev Revision, numChannels int) Fixture {
	switch rev {
	case 'H':
		return newAFEFixture(numChannels)
	default:
		return &motherboardFixture{}
	}
}

// motherboardFixture is the default fixture for revisions without
// daughter-board AFE channels: it implements the capabilities every module
// needs (Open/Close/Boot/InitChannels/SyncHW as no-ops) and fails anything
// that requires per-channel offset DACs or ADC trace capture.
type motherboardFixture struct{}

func (f *motherboardFixture) Open(m *Module) error         { return nil }
func (f *motherboardFixture) Close(m *Module) error        { return nil }
func (f *motherboardFixture) Boot(m *Module) error         { return nil }
func (f *motherboardFixture) InitChannels(m *Module) error { return nil }
func (f *motherboardFixture) SyncHW(m *Module) error       { return nil }

func (f *motherboardFixture) OnModCSRBWritten(m *Module, value uint32) error { return nil }
func (f *motherboardFixture) OnFilterRangeChanging(m *Module, which string, value uint32) error {
	return nil
}

func (f *motherboardFixture) unsupported(op string) error {
	return pixie16.NewError(pixie16.KindInternalFailure,
		fmt.Sprintf("motherboard fixture has no DSP-hosted equivalent for %s", op))
}

func (f *motherboardFixture) SetDAC(m *Module, ch int, value uint32) error {
	return f.unsupported("set_dac")
}

func (f *motherboardFixture) AcquireADC(m *Module, ch int) ([]uint32, error) {
	return nil, f.unsupported("acquire_adc")
}

func (f *motherboardFixture) AdjustOffsets(m *Module) error {
	return f.unsupported("adjust_offsets")
}

func (f *motherboardFixture) Report(w io.Writer, m *Module) error {
	_, err := fmt.Fprintf(w, "fixture: motherboard (no AFE)\n")
	return err
}

var _ Fixture = (*motherboardFixture)(nil)
