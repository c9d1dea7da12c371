// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"fmt"
	"io"
	"time"

	pixie16 "github.com/go-pixie/pixie16"
	"github.com/go-pixie/pixie16/crate/internal/regs"
)

// afe daughter-board constants (spec.md §4.3.2's DB04 DAC command word).
const (
	afeDACFull     = 1 << 16 // full-scale DAC code, used to derive the -1.5V/+1.5V polarity-test offsets
	afeDACMidScale = afeDACFull / 2
	afeDACSpan     = afeDACFull / 8 // approximates 1.5V of the DAC's span around mid-scale

	afeVoltageLow  = -1.5
	afeVoltageHigh = 1.5
	afeVoltageZero = 0.0

	afeSettleWait    = 250 * time.Millisecond
	afeMaxIterations = 10
	afeDACLearnStep  = afeDACSpan / 4
)

// voltageToDAC converts a target daughter-board output voltage to a DAC
// command value, scaling around mid-scale by the same volts-per-count
// ratio afeDACSpan encodes for the +/-1.5V polarity-test swing.
func voltageToDAC(volts float64) uint32 {
	dacPerVolt := float64(afeDACSpan) / 1.5
	v := float64(afeDACMidScale) + volts*dacPerVolt
	if v < 0 {
		v = 0
	}
	if v > float64(afeDACFull-1) {
		v = float64(afeDACFull - 1)
	}
	return uint32(v + 0.5)
}

// sigmaOfOffset maps a channel's offset within its bank of four (its
// daughter-board offset modulo 4, 0-3) to the DAC command word's
// ctrl-register sigma field, per the DB04
// wiring spec.md §4.3.2 documents.
var sigmaOfOffset = map[int]uint32{0: 1, 1: 2, 2: 0, 3: 3}

// afeFixture is the revision-'H' Fixture: a motherboard carrying DB04
// (or compatible) AFE daughter boards, each with NumChansPerDB channels
// behind a shared offset-DAC command bus and a per-board ADCCTRL
// polarity-swap register.
type afeFixture struct {
	numChannels int
	numDB       int

	// swapped[db] records whether ADCCTRL's polarity-swap bit has been
	// set for daughter board db, detected during Boot.
	swapped []bool

	fits    []dacFit
	targets []int
}

func newAFEFixture(numChannels int) Fixture {
	numDB := (numChannels + regs.NumChansPerDB - 1) / regs.NumChansPerDB
	return &afeFixture{
		numChannels: numChannels,
		numDB:       numDB,
		swapped:     make([]bool, numDB),
		fits:        make([]dacFit, numChannels),
		targets:     make([]int, numChannels),
	}
}

func (f *afeFixture) Open(m *Module) error { return nil }
func (f *afeFixture) Close(m *Module) error { return nil }

func (f *afeFixture) InitChannels(m *Module) error {
	fullScale := 1 << uint(m.adcBits)
	for ch := range f.targets {
		// Default baseline target: 10% of full scale, per spec.md §4.3.2's
		// baseline_percent default.
		f.targets[ch] = fullScale / 10
		f.fits[ch].reset()
	}
	return nil
}

// dbOf returns the daughter board index and the channel's offset within
// it, for channel ch.
func (f *afeFixture) dbOf(ch int) (db, offset int) {
	return ch / regs.NumChansPerDB, ch % regs.NumChansPerDB
}

// dacCommand encodes one DAC write as the DB04 command word spec.md
// §4.3.2 specifies: (addr<<24)|(ctrl<<16)|value, where addr selects the
// bank half of the 8-channel board and ctrl's low bits select the
// channel within that bank via sigmaOfOffset.
func dacCommand(offset int, value uint32) uint32 {
	addr := uint32(0x20)
	if offset < 4 {
		addr |= 0x2
	}
	ctrl := uint32(0x30) + sigmaOfOffset[offset%4]
	return (addr << 24) | (ctrl << 16) | (value & 0xffff)
}

// SetDAC selects ch's daughter board via DACSelectPort and pushes the
// encoded command word through CfgDAC.
func (f *afeFixture) SetDAC(m *Module, ch int, value uint32) error {
	if err := m.channelCheckLocked(ch); err != nil {
		return err
	}
	db, offset := f.dbOf(ch)
	if err := m.writeVarLocked("DACSelectPort", uint32(db), true); err != nil {
		return err
	}
	cmd := dacCommand(offset, value)
	if err := m.writeVarLocked("CfgDAC", cmd, true); err != nil {
		return err
	}
	return m.writeChannelVarLocked(ch, "OffsetDAC", value)
}

// AcquireADC captures one ADC trace for channel ch: it stages the
// channel index in UserIn[0] and the trace length in UserIn[1], runs
// the get-traces control task, then reads the trace back over DMA
// (spec.md §4.3.3's scoped save/restore around a control-task run).
func (f *afeFixture) AcquireADC(m *Module, ch int) ([]uint32, error) {
	if err := m.channelCheckLocked(ch); err != nil {
		return nil, err
	}

	savedCh, err := m.getUserIn(0)
	if err != nil {
		return nil, err
	}
	savedLen, err := m.getUserIn(1)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = m.setUserIn(0, savedCh)
		_ = m.setUserIn(1, savedLen)
	}()

	traceLen := regs.ModuleVars["ADCTraceBuffer"].Length

	if err := m.setUserIn(0, uint32(ch)); err != nil {
		return nil, err
	}
	if err := m.setUserIn(1, traceLen); err != nil {
		return nil, err
	}
	if err := m.runControlTask(regs.ControlTaskGetTraces); err != nil {
		return nil, err
	}

	packed := make([]uint32, traceLen)
	if err := m.dmaRead(regs.ModuleVars["ADCTraceBuffer"].Addr, packed); err != nil {
		return nil, pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
	}
	trace := make([]uint32, 2*len(packed))
	for i, w := range packed {
		trace[2*i] = w & 0xffff
		trace[2*i+1] = w >> 16
	}
	return trace, nil
}

// forceChannelVoltage drives channel ch's offset DAC to the command value
// that approximates volts and lets it settle.
func (f *afeFixture) forceChannelVoltage(m *Module, ch int, volts float64) error {
	return f.SetDAC(m, ch, voltageToDAC(volts))
}

// captureBaselines acquires one trace per channel and returns each
// channel's estimated baseline.
func (f *afeFixture) captureBaselines(m *Module) ([]int, error) {
	baselines := make([]int, f.numChannels)
	for ch := 0; ch < f.numChannels; ch++ {
		trace, err := f.AcquireADC(m, ch)
		if err != nil {
			return nil, err
		}
		baselines[ch] = estimateBaseline(trace, m.adcBits)
	}
	return baselines, nil
}

// channelSwapped applies spec.md §4.3.1's even/odd swap test: an even
// channel is swapped if forcing it high left its baseline unchanged from
// the all-low pass; an odd channel (which was never moved) is swapped if
// its baseline moved anyway, meaning it is wired to an even channel's
// input.
func channelSwapped(ch int, same, other int, adcBits int) bool {
	if ch%2 == 0 {
		return baselinesEqual(same, other, adcBits, defaultNoisePercent)
	}
	return baselinesNotEqual(same, other, adcBits, defaultNoisePercent)
}

// Boot runs the full ADC-polarity swap detection of spec.md §4.3.1
// across every channel: force every channel to -1.5V and capture
// baselines, force the even channels to +1.5V (odd channels stay low)
// and capture again, then for every channel compare the two passes to
// decide whether its daughter board's ADC inputs are swapped in
// hardware. A swapped board gets its ADCCTRL polarity bit set for the
// affected channel pair. A verification pass re-captures baselines under
// the same forced voltages and re-applies the same test; any channel
// still reading as swapped after the fix fails boot. All channels are
// restored to 0V before returning, whether or not verification failed.
func (f *afeFixture) Boot(m *Module) error {
	for ch := 0; ch < f.numChannels; ch++ {
		if err := f.forceChannelVoltage(m, ch, afeVoltageLow); err != nil {
			return err
		}
	}
	time.Sleep(afeSettleWait)
	blSame, err := f.captureBaselines(m)
	if err != nil {
		return err
	}

	for ch := 0; ch < f.numChannels; ch += 2 {
		if err := f.forceChannelVoltage(m, ch, afeVoltageHigh); err != nil {
			return err
		}
	}
	time.Sleep(afeSettleWait)
	blMoved, err := f.captureBaselines(m)
	if err != nil {
		return err
	}

	adcctrlBits := make([]uint32, f.numDB)
	for ch := 0; ch < f.numChannels; ch++ {
		db, offset := f.dbOf(ch)
		if channelSwapped(ch, blSame[ch], blMoved[ch], m.adcBits) {
			f.swapped[db] = true
			adcctrlBits[db] |= 1 << uint(offset/2)
		}
	}
	for db, bits := range adcctrlBits {
		if bits == 0 {
			continue
		}
		addr := regs.ADCCTRLAddr(db)
		cur, err := m.readWord(addr)
		if err != nil {
			return pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
		}
		if err := m.writeWord(addr, cur|bits); err != nil {
			return pixie16.Wrap(pixie16.KindHardwareFailure, m.number, m.slot, err)
		}
	}

	blVerify, err := f.captureBaselines(m)
	if err != nil {
		return err
	}
	var stillSwapped []int
	for ch := 0; ch < f.numChannels; ch++ {
		if channelSwapped(ch, blSame[ch], blVerify[ch], m.adcBits) {
			stillSwapped = append(stillSwapped, ch)
		}
	}

	for ch := 0; ch < f.numChannels; ch++ {
		if err := f.forceChannelVoltage(m, ch, afeVoltageZero); err != nil {
			return err
		}
	}

	if len(stillSwapped) > 0 {
		return pixie16.NewModuleError(pixie16.KindModuleInitializeFailure, m.number, m.slot,
			fmt.Sprintf("ADC swap verification failed on channel(s) %v", stillSwapped))
	}
	return nil
}

// AdjustOffsets runs spec.md §4.3.2's offset-DAC feedback loop as a
// round-based outer loop: every round captures one trace per channel,
// compares it against that channel's baseline target within noise
// tolerance, and updates any channel that's off-target (via a
// linear-fit prediction once at least two samples have been collected,
// otherwise a fixed nudge toward the target). A round that updated no
// channel ends the loop; otherwise it sleeps once for the DACs to
// settle and tries again, for up to afeMaxIterations rounds. Final DAC
// values are written back to the OffsetDAC variable once the loop
// exits.
func (f *afeFixture) AdjustOffsets(m *Module) error {
	for ch := range f.fits {
		f.fits[ch].reset()
	}

	dacs := make([]uint32, f.numChannels)
	for ch := range dacs {
		v, err := m.readChannelVarLocked(ch, "OffsetDAC")
		if err != nil {
			return err
		}
		dacs[ch] = v
	}

	runAgain := true
	for round := 0; runAgain && round < afeMaxIterations; round++ {
		runAgain = false

		for ch := 0; ch < f.numChannels; ch++ {
			if err := f.SetDAC(m, ch, dacs[ch]); err != nil {
				return err
			}
		}

		baselines, err := f.captureBaselines(m)
		if err != nil {
			return err
		}

		for ch := 0; ch < f.numChannels; ch++ {
			measured := baselines[ch]
			if baselinesEqual(measured, f.targets[ch], m.adcBits, defaultNoisePercent) {
				continue
			}

			f.fits[ch].add(dacs[ch], measured)
			if f.fits[ch].ready() {
				if next, err := f.fits[ch].predict(f.targets[ch]); err == nil {
					dacs[ch] = next
					runAgain = true
					continue
				}
			}
			// No usable fit yet: nudge proportionally to the sign of the
			// error so the next sample gives the fit something to work
			// with.
			if measured < f.targets[ch] {
				dacs[ch] += afeDACLearnStep
			} else {
				dacs[ch] -= afeDACLearnStep
			}
			runAgain = true
		}

		if runAgain {
			time.Sleep(afeSettleWait)
		}
	}

	// A loop that stopped at afeMaxIterations with updates still pending
	// has not programmed the last computed values yet; push them so the
	// DACs and the OffsetDAC variable hold the final settings.
	if runAgain {
		for ch := 0; ch < f.numChannels; ch++ {
			if err := f.SetDAC(m, ch, dacs[ch]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *afeFixture) SyncHW(m *Module) error { return nil }

func (f *afeFixture) OnModCSRBWritten(m *Module, value uint32) error { return nil }

func (f *afeFixture) OnFilterRangeChanging(m *Module, which string, value uint32) error {
	return nil
}

func (f *afeFixture) Report(w io.Writer, m *Module) error {
	_, err := fmt.Fprintf(w, "fixture: AFE, %d channel(s) across %d daughter board(s), swapped=%v\n",
		f.numChannels, f.numDB, f.swapped)
	return err
}

var _ Fixture = (*afeFixture)(nil)
