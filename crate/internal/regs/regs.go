// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs holds the module/channel variable descriptor tables and the
// AFE daughter-board register addresses, the way github.com/go-lpc/mim's
// eda/internal/regs package holds that board's PIO/FIFO register address
// constants.
package regs // import "github.com/go-pixie/pixie16/crate/internal/regs"

// Mode is a variable's DSP memory access mode.
type Mode uint8

const (
	ReadOnly Mode = iota
	ReadWrite
)

// VarDescriptor describes one module or channel variable cell: its DSP
// memory address (for a channel variable, the address of channel 0; other
// channels are addr+ch*Length), its length in words, and its access mode.
type VarDescriptor struct {
	Name     string
	Addr     uint32
	Length   uint32
	Mode     Mode
	Writable bool
}

// NumChansPerDB is the number of AFE channels a single daughter board (DB04
// and compatible) carries.
const NumChansPerDB = 8

// MaxADCTraceLength is the largest ADC trace the DSP I/O scratch region
// can hold: 8192 16-bit samples packed two-per-32-bit-word.
const MaxADCTraceLength = 4096

// Module-level variable addresses. Most are single DSP memory cells;
// UserIn is a 2-word scratch area saved/restored around control-task runs
// that need host-to-DSP side parameters (see the AFE ADC acquisition
// scoped-save pattern). HostIO and ADCTraceBuffer are distinct DSP memory
// regions: HostIO is the hardware list-mode FIFO's DMA source, while
// ADCTraceBuffer is the I/O scratch area the get-traces control task fills
// for AFE calibration reads.
const (
	addrModNum uint32 = 4 * iota
	addrSlotID
	addrModCSRA
	addrModCSRB
	addrSlowFilterRange
	addrFastFilterRange
	addrRunTask
	addrControlTask
	addrSynchWait
	addrInSynch
	addrHostIO
	addrUserIn0
	addrUserIn1
	addrNumEventsInFIFO
	addrDACSelectPort
	addrCfgDAC
	moduleVarTop
)

// addrADCTraceBuffer lives well past the small fixed-address block above and
// past the channel variable region, since it spans MaxADCTraceLength words
// rather than one or two.
const addrADCTraceBuffer uint32 = 0x4000

// ModuleVars is the module-level variable descriptor table.
var ModuleVars = map[string]VarDescriptor{
	"ModNum":           {Name: "ModNum", Addr: addrModNum, Length: 1, Mode: ReadWrite, Writable: true},
	"SlotID":           {Name: "SlotID", Addr: addrSlotID, Length: 1, Mode: ReadWrite, Writable: true},
	"ModCSRA":          {Name: "ModCSRA", Addr: addrModCSRA, Length: 1, Mode: ReadWrite, Writable: true},
	"ModCSRB":          {Name: "ModCSRB", Addr: addrModCSRB, Length: 1, Mode: ReadWrite, Writable: true},
	"SlowFilterRange":  {Name: "SlowFilterRange", Addr: addrSlowFilterRange, Length: 1, Mode: ReadWrite, Writable: true},
	"FastFilterRange":  {Name: "FastFilterRange", Addr: addrFastFilterRange, Length: 1, Mode: ReadWrite, Writable: true},
	"RunTask":          {Name: "RunTask", Addr: addrRunTask, Length: 1, Mode: ReadWrite, Writable: true},
	"ControlTask":      {Name: "ControlTask", Addr: addrControlTask, Length: 1, Mode: ReadWrite, Writable: true},
	"SynchWait":        {Name: "SynchWait", Addr: addrSynchWait, Length: 1, Mode: ReadWrite, Writable: true},
	"InSynch":          {Name: "InSynch", Addr: addrInSynch, Length: 1, Mode: ReadOnly, Writable: false},
	"HostIO":           {Name: "HostIO", Addr: addrHostIO, Length: 1, Mode: ReadOnly, Writable: false},
	"ADCTraceBuffer":   {Name: "ADCTraceBuffer", Addr: addrADCTraceBuffer, Length: MaxADCTraceLength, Mode: ReadOnly, Writable: false},
	"UserIn":           {Name: "UserIn", Addr: addrUserIn0, Length: 2, Mode: ReadWrite, Writable: true},
	"NumEventsInFIFO":  {Name: "NumEventsInFIFO", Addr: addrNumEventsInFIFO, Length: 1, Mode: ReadOnly, Writable: false},
	"DACSelectPort":    {Name: "DACSelectPort", Addr: addrDACSelectPort, Length: 1, Mode: ReadWrite, Writable: true},
	"CfgDAC":           {Name: "CfgDAC", Addr: addrCfgDAC, Length: 1, Mode: ReadWrite, Writable: true},
}

// Channel-level variable addresses; channel c's word for variable v lives
// at v.Addr + uint32(c)*v.Length.
const (
	addrOffsetDAC uint32 = 0x1000 + 4*iota
	addrBaselinePercent
	addrGain
	addrTriggerThreshold
)

// ChannelVars is the channel-level variable descriptor table.
var ChannelVars = map[string]VarDescriptor{
	"OffsetDAC":         {Name: "OffsetDAC", Addr: addrOffsetDAC, Length: 1, Mode: ReadWrite, Writable: true},
	"BaselinePercent":   {Name: "BaselinePercent", Addr: addrBaselinePercent, Length: 1, Mode: ReadWrite, Writable: true},
	"Gain":              {Name: "Gain", Addr: addrGain, Length: 1, Mode: ReadWrite, Writable: true},
	"TriggerThreshold":  {Name: "TriggerThreshold", Addr: addrTriggerThreshold, Length: 1, Mode: ReadWrite, Writable: true},
}

// AFE daughter-board register addresses (revision H / DB04-compatible
// fixtures). Each DB has its own ADCCTRL polarity-swap register; CFG_DAC
// is shared and addressed through DACSelectPort (select_port).
const (
	addrADCCTRLBase uint32 = 0x2000 // + 4*dbIndex
)

// ADCCTRLAddr returns the ADCCTRL register address for daughter board db
// (0-based).
func ADCCTRLAddr(db int) uint32 {
	return addrADCCTRLBase + 4*uint32(db)
}

// ControlTask codes for DSP-hosted control runs triggered via the
// ControlTask variable.
const (
	ControlTaskNone      uint32 = 0
	ControlTaskGetTraces uint32 = 6
	ControlTaskAdjustDAC uint32 = 7
)

// RunTask codes.
const (
	RunTaskIdle uint32 = 0
)
