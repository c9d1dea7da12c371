// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"fmt"
	"io"

	"github.com/go-pixie/pixie16/config"
	"github.com/go-pixie/pixie16/crate/internal/regs"
)

// configVar is one named variable/value pair to push through or pull
// from a module's descriptor-backed variable cache.
type configVar struct {
	name  string
	value uint32
}

// ImportConfig decodes a config document from r and, for each module it
// names (in file order, matched 1:1 against the crate's online
// modules), writes every named, writable module and channel variable
// through to hardware via write_var(io=false)/WriteChannelVar, then
// flushes the module with SyncVars (spec.md §6). SlotID and ModNum are
// always taken from the module's own runtime slot/number rather than
// the file's values. It returns human-readable warnings for size
// mismatches, unknown variable names, and a file with more modules than
// the crate has; only a malformed document or a hardware write failure
// is a hard error.
func (c *Crate) ImportConfig(r io.Reader) ([]string, error) {
	c.mu.Lock()
	modules := c.modules
	c.mu.Unlock()

	overrides := make([]config.Overrides, len(modules))
	for i, m := range modules {
		overrides[i] = config.Overrides{SlotID: m.Slot(), ModNum: m.Number()}
	}

	numChannels := 0
	if len(modules) > 0 {
		numChannels = modules[0].numChannels
	}

	records, warnings, err := config.Import(r, numChannels, overrides)
	if err != nil {
		return nil, err
	}

	if len(records) > len(modules) {
		warnings = append(warnings, fmt.Sprintf(
			"config file has %d module record(s), crate has %d; ignoring the rest",
			len(records), len(modules)))
		records = records[:len(modules)]
	}

	for i, rec := range records {
		m := modules[i]
		warnings = append(warnings, applyModuleInput(m, rec.Module)...)
		for ch, ci := range rec.Channels {
			if ch >= m.numChannels {
				break
			}
			warnings = append(warnings, applyChannelInput(m, ch, ci)...)
		}
		if err := m.SyncVars(); err != nil {
			return warnings, err
		}
	}
	return warnings, nil
}

// ExportConfig reads every online module's current module/channel
// variables back from hardware (io=true) and marshals them as a config
// document to w (spec.md §6).
func (c *Crate) ExportConfig(w io.Writer) error {
	c.mu.Lock()
	modules := c.modules
	c.mu.Unlock()

	records := make([]config.ModuleConfig, len(modules))
	for i, m := range modules {
		rec, err := readModuleConfig(m, len(modules))
		if err != nil {
			return err
		}
		records[i] = rec
	}
	return config.Export(w, records)
}

func applyModuleInput(m *Module, in config.ModuleInput) []string {
	var warnings []string
	for _, v := range []configVar{
		{"ModCSRB", in.ModCSRB},
		{"SlowFilterRange", in.SlowFilterRange},
		{"FastFilterRange", in.FastFilterRange},
	} {
		desc, ok := regs.ModuleVars[v.name]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("module %d: unknown variable %q", m.Number(), v.name))
			continue
		}
		if !desc.Writable {
			continue
		}
		if err := m.WriteVar(v.name, v.value, false); err != nil {
			warnings = append(warnings, fmt.Sprintf("module %d: writing %q: %v", m.Number(), v.name, err))
		}
	}
	return warnings
}

func applyChannelInput(m *Module, ch int, in config.ChannelInput) []string {
	var warnings []string
	for _, v := range []configVar{
		{"OffsetDAC", in.OffsetDAC},
		{"Gain", in.Gain},
		{"TriggerThreshold", in.TriggerThreshold},
		{"BaselinePercent", in.BaselinePercent},
	} {
		desc, ok := regs.ChannelVars[v.name]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("module %d channel %d: unknown variable %q", m.Number(), ch, v.name))
			continue
		}
		if !desc.Writable {
			continue
		}
		if err := m.WriteChannelVar(ch, v.name, v.value); err != nil {
			warnings = append(warnings, fmt.Sprintf("module %d channel %d: writing %q: %v", m.Number(), ch, v.name, err))
		}
	}
	return warnings
}

func readModuleConfig(m *Module, numModules int) (config.ModuleConfig, error) {
	slotID, err := m.ReadVar("SlotID", true)
	if err != nil {
		return config.ModuleConfig{}, err
	}
	modNum, err := m.ReadVar("ModNum", true)
	if err != nil {
		return config.ModuleConfig{}, err
	}
	modCSRB, err := m.ReadVar("ModCSRB", true)
	if err != nil {
		return config.ModuleConfig{}, err
	}
	slowRange, err := m.ReadVar("SlowFilterRange", true)
	if err != nil {
		return config.ModuleConfig{}, err
	}
	fastRange, err := m.ReadVar("FastFilterRange", true)
	if err != nil {
		return config.ModuleConfig{}, err
	}

	channels := make([]config.ChannelInput, m.numChannels)
	for ch := range channels {
		offsetDAC, err := m.ReadChannelVar(ch, "OffsetDAC")
		if err != nil {
			return config.ModuleConfig{}, err
		}
		gain, err := m.ReadChannelVar(ch, "Gain")
		if err != nil {
			return config.ModuleConfig{}, err
		}
		trigger, err := m.ReadChannelVar(ch, "TriggerThreshold")
		if err != nil {
			return config.ModuleConfig{}, err
		}
		baseline, err := m.ReadChannelVar(ch, "BaselinePercent")
		if err != nil {
			return config.ModuleConfig{}, err
		}
		channels[ch] = config.ChannelInput{
			OffsetDAC:        offsetDAC,
			Gain:             gain,
			TriggerThreshold: trigger,
			BaselinePercent:  baseline,
		}
	}

	return config.ModuleConfig{
		Metadata: config.Metadata{NumModules: numModules},
		Module: config.ModuleInput{
			SlotID:          int(slotID),
			ModNum:          int(modNum),
			ModCSRB:         modCSRB,
			SlowFilterRange: slowRange,
			FastFilterRange: fastRange,
		},
		Channels: channels,
	}, nil
}
