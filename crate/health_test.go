// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import "testing"

type fakeSmbusConn struct {
	words  map[uint8]uint16
	closed bool
}

func (f *fakeSmbusConn) ReadWord(addr uint8, command uint8) (uint16, error) {
	return f.words[command], nil
}

func (f *fakeSmbusConn) Close() error {
	f.closed = true
	return nil
}

func TestHealthMonitorTemperature(t *testing.T) {
	conn := &fakeSmbusConn{words: map[uint8]uint16{healthCmdTemperature: 70}} // 35.0C
	h := newHealthMonitor(conn, 0x48)
	got, err := h.TemperatureCelsius()
	if err != nil {
		t.Fatalf("temperature: %+v", err)
	}
	if got != 35.0 {
		t.Fatalf("got=%v, want=35.0", got)
	}
}

func TestHealthMonitorVoltage3V3(t *testing.T) {
	conn := &fakeSmbusConn{words: map[uint8]uint16{healthCmdVoltage3V3: 4096}}
	h := newHealthMonitor(conn, 0x48)
	got, err := h.Voltage3V3()
	if err != nil {
		t.Fatalf("voltage: %+v", err)
	}
	if got != 3.3 {
		t.Fatalf("got=%v, want=3.3", got)
	}
}

func TestHealthMonitorClose(t *testing.T) {
	conn := &fakeSmbusConn{words: map[uint8]uint16{}}
	h := newHealthMonitor(conn, 0x48)
	if err := h.Close(); err != nil {
		t.Fatalf("close: %+v", err)
	}
	if !conn.closed {
		t.Fatalf("expected underlying connection to be closed")
	}
}
