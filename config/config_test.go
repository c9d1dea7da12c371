// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"bytes"
	"strings"
	"testing"
)

const sampleDoc = `{
  "crate": [
    {
      "metadata": {"num_modules": 1},
      "module": {"slot_id": 2, "mod_num": 0, "mod_csrb": 0, "slow_filter_range": 3, "fast_filter_range": 1},
      "channels": [
        {"offset_dac": 32000, "gain": 1, "trigger_threshold": 100, "baseline_percent": 10}
      ]
    }
  ]
}`

func TestImportPadsShortChannelArray(t *testing.T) {
	modules, warnings, err := Import(strings.NewReader(sampleDoc), 4, nil)
	if err != nil {
		t.Fatalf("import: %+v", err)
	}
	if len(modules) != 1 {
		t.Fatalf("got %d modules, want 1", len(modules))
	}
	if len(modules[0].Channels) != 4 {
		t.Fatalf("got %d channels, want 4", len(modules[0].Channels))
	}
	if modules[0].Channels[0].OffsetDAC != 32000 {
		t.Fatalf("got offset_dac=%d, want 32000 for the one explicit channel", modules[0].Channels[0].OffsetDAC)
	}
	if modules[0].Channels[3] != DefaultChannelInput() {
		t.Fatalf("expected padded channel to equal the default template")
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a padding warning")
	}
}

func TestImportKeepsMatchingChannelArray(t *testing.T) {
	modules, warnings, err := Import(strings.NewReader(sampleDoc), 1, nil)
	if err != nil {
		t.Fatalf("import: %+v", err)
	}
	if len(modules[0].Channels) != 1 {
		t.Fatalf("got %d channels, want 1", len(modules[0].Channels))
	}
	if len(warnings) != 0 {
		t.Fatalf("got warnings=%v, want none (array already matched)", warnings)
	}
}

func TestImportAppliesOverrides(t *testing.T) {
	modules, warnings, err := Import(strings.NewReader(sampleDoc), 1, []Overrides{{SlotID: 5, ModNum: 2}})
	if err != nil {
		t.Fatalf("import: %+v", err)
	}
	if modules[0].Module.SlotID != 5 || modules[0].Module.ModNum != 2 {
		t.Fatalf("got slot_id=%d mod_num=%d, want 5/2", modules[0].Module.SlotID, modules[0].Module.ModNum)
	}
	if len(warnings) != 2 {
		t.Fatalf("got %d warnings, want 2 (one per overridden field)", len(warnings))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	modules, _, err := Import(strings.NewReader(sampleDoc), 1, nil)
	if err != nil {
		t.Fatalf("import: %+v", err)
	}

	var buf bytes.Buffer
	if err := Export(&buf, modules); err != nil {
		t.Fatalf("export: %+v", err)
	}

	roundTripped, _, err := Import(&buf, 1, nil)
	if err != nil {
		t.Fatalf("re-import: %+v", err)
	}
	if roundTripped[0].Module.SlotID != modules[0].Module.SlotID {
		t.Fatalf("round trip changed slot_id: got=%d, want=%d",
			roundTripped[0].Module.SlotID, modules[0].Module.SlotID)
	}
}
