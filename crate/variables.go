// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"fmt"

	"github.com/go-pixie/pixie16/crate/internal/regs"
)

// varSlot is one variable cell's cached value plus its dirty flag (spec.md
// §3: "A variable slot stores {value, dirty-flag}; writing sets dirty, and
// sync_vars flushes dirty slots to the DSP.")
type varSlot struct {
	desc  regs.VarDescriptor
	value []uint32
	dirty bool
}

func newVarSlot(desc regs.VarDescriptor) *varSlot {
	return &varSlot{desc: desc, value: make([]uint32, desc.Length)}
}

// sideEffect hooks run around the DSP write of a module variable that
// has hardware-level consequences beyond the DSP memory cell itself
// (spec.md §4.2: "A few module variables carry side effects ... and are
// dispatched to dedicated handlers that may reprogram the signal FPGA
// before/after the DSP write.") They run on an immediate WriteVar
// (io=true); SyncVars flushes dirty cells without running them.
type sideEffect struct {
	pre  func(m *Module, v uint32) error
	post func(m *Module, v uint32) error
}

var moduleSideEffects = map[string]sideEffect{
	"ModCSRB": {
		post: func(m *Module, v uint32) error {
			return m.fixture.OnModCSRBWritten(m, v)
		},
	},
	"SlowFilterRange": {
		pre: func(m *Module, v uint32) error {
			return m.fixture.OnFilterRangeChanging(m, "slow", v)
		},
	},
	"FastFilterRange": {
		pre: func(m *Module, v uint32) error {
			return m.fixture.OnFilterRangeChanging(m, "fast", v)
		},
	},
}

// resetModuleVars (re)initializes the module-level variable cache from the
// static descriptor table, clearing any previous dirty state.
func resetModuleVars() map[string]*varSlot {
	out := make(map[string]*varSlot, len(regs.ModuleVars))
	for name, desc := range regs.ModuleVars {
		out[name] = newVarSlot(desc)
	}
	return out
}

// resetChannelVars builds one variable cache per channel.
func resetChannelVars(numChannels int) []map[string]*varSlot {
	out := make([]map[string]*varSlot, numChannels)
	for ch := range out {
		m := make(map[string]*varSlot, len(regs.ChannelVars))
		for name, desc := range regs.ChannelVars {
			m[name] = newVarSlot(desc)
		}
		out[ch] = m
	}
	return out
}

func scalar(slot *varSlot) uint32 {
	if len(slot.value) == 0 {
		return 0
	}
	return slot.value[0]
}

func setScalar(slot *varSlot, v uint32) {
	if len(slot.value) == 0 {
		slot.value = make([]uint32, 1)
	}
	slot.value[0] = v
	slot.dirty = true
}

func channelVarAddr(desc regs.VarDescriptor, ch int) uint32 {
	return desc.Addr + uint32(ch)*desc.Length
}

func notWritableErr(name string) error {
	return fmt.Errorf("crate: variable %q is read-only", name)
}
