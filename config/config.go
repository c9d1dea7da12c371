// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config imports and exports per-module JSON configuration
// files: metadata plus per-module and per-channel variable settings
// (spec.md §6), in the tagged-struct marshaling style
// github.com/go-lpc/mim's conddb package uses for its ASIC records.
package config

import (
	"encoding/json"
	"fmt"
	"io"
)

// ChannelInput is one channel's importable/exportable settings.
type ChannelInput struct {
	OffsetDAC        uint32 `json:"offset_dac"`
	Gain             uint32 `json:"gain"`
	TriggerThreshold uint32 `json:"trigger_threshold"`
	BaselinePercent  uint32 `json:"baseline_percent"`
}

// DefaultChannelInput is the template a short channel array is padded
// out with (spec.md §6: "a config carrying fewer channel entries than
// the module has channels is padded from a default template, not
// rejected").
func DefaultChannelInput() ChannelInput {
	return ChannelInput{
		OffsetDAC:        0x8000,
		Gain:             1,
		TriggerThreshold: 0,
		BaselinePercent:  10,
	}
}

// ModuleInput is one module's importable/exportable settings.
type ModuleInput struct {
	SlotID          int    `json:"slot_id"`
	ModNum          int    `json:"mod_num"`
	ModCSRB         uint32 `json:"mod_csrb"`
	SlowFilterRange uint32 `json:"slow_filter_range"`
	FastFilterRange uint32 `json:"fast_filter_range"`
}

// Metadata carries bookkeeping fields not written to hardware.
type Metadata struct {
	NumModules int    `json:"num_modules"`
	Comment    string `json:"comment,omitempty"`
}

// ModuleConfig is one module's complete configuration record.
type ModuleConfig struct {
	Metadata Metadata       `json:"metadata"`
	Module   ModuleInput    `json:"module"`
	Channels []ChannelInput `json:"channels"`
}

// File is the top-level JSON document: an array of per-module records.
type File struct {
	Modules []ModuleConfig `json:"crate"`
}

// Overrides lets a caller force SlotID/ModNum at import time to match
// the crate's actual slot numbering, overriding whatever the file says
// (spec.md §6: "slot_id and mod_num in an imported file are advisory;
// the crate's own enumeration always wins").
type Overrides struct {
	SlotID int
	ModNum int
}

// Import decodes a config document, pads or truncates each module's
// channel array to numChannels, and applies overrides by module index.
// It returns every module record plus a list of human-readable
// warnings for padded or truncated channel arrays and for overridden
// slot_id/mod_num values; only a malformed document itself is a hard
// error.
func Import(r io.Reader, numChannels int, overrides []Overrides) ([]ModuleConfig, []string, error) {
	var file File
	dec := json.NewDecoder(r)
	if err := dec.Decode(&file); err != nil {
		return nil, nil, fmt.Errorf("config: decode: %w", err)
	}

	var warnings []string
	for i := range file.Modules {
		mc := &file.Modules[i]

		want := numChannels
		got := len(mc.Channels)
		switch {
		case got < want:
			warnings = append(warnings, fmt.Sprintf(
				"module %d: config has %d channel entries, module has %d; padding with defaults",
				i, got, want))
			padded := make([]ChannelInput, want)
			copy(padded, mc.Channels)
			for j := got; j < want; j++ {
				padded[j] = DefaultChannelInput()
			}
			mc.Channels = padded
		case got > want:
			warnings = append(warnings, fmt.Sprintf(
				"module %d: config has %d channel entries, module has %d; truncating",
				i, got, want))
			mc.Channels = mc.Channels[:want]
		}

		if i < len(overrides) {
			o := overrides[i]
			if o.SlotID != mc.Module.SlotID {
				warnings = append(warnings, fmt.Sprintf(
					"module %d: overriding slot_id %d with crate-enumerated slot %d",
					i, mc.Module.SlotID, o.SlotID))
				mc.Module.SlotID = o.SlotID
			}
			if o.ModNum != mc.Module.ModNum {
				warnings = append(warnings, fmt.Sprintf(
					"module %d: overriding mod_num %d with crate-assigned number %d",
					i, mc.Module.ModNum, o.ModNum))
				mc.Module.ModNum = o.ModNum
			}
		}
	}

	return file.Modules, warnings, nil
}

// Export marshals modules as an indented JSON document.
func Export(w io.Writer, modules []ModuleConfig) error {
	file := File{Modules: modules}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(file)
}
