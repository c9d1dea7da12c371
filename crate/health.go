// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-daq/smbus"
)

// Per the module's onboard health-monitor IC's register map: word reads
// at these command codes return raw ADC counts for temperature and the
// two monitored supply rails.
const (
	healthCmdTemperature uint8 = 0x00
	healthCmdVoltage3V3  uint8 = 0x02
	healthCmdVoltage12V  uint8 = 0x03

	// healthTempLSBCelsius converts a raw temperature register count to
	// degrees Celsius (2 counts per degree, signed).
	healthTempLSBCelsius = 0.5
	// healthVoltageLSBVolts converts a raw voltage register count to
	// volts (12-bit ADC over a 3.3V reference).
	healthVoltageLSBVolts = 3.3 / 4096
)

// smbusConn is the subset of *smbus.Conn HealthMonitor needs, so tests
// can substitute a fake without a real I2C bus.
type smbusConn interface {
	ReadWord(addr uint8, command uint8) (uint16, error)
	Close() error
}

// HealthMonitor reads a module's onboard temperature/voltage telemetry
// over SMBus, the crate-level counterpart to the DSP-hosted variables
// Module exposes (spec.md §4.1's "module health telemetry").
type HealthMonitor struct {
	conn smbusConn
	addr uint8
}

// OpenHealthMonitor opens busPath (e.g. "/dev/i2c-1") and binds to the
// health-monitor IC at addr.
func OpenHealthMonitor(busPath string, addr uint8) (*HealthMonitor, error) {
	bus, err := busNumberFromPath(busPath)
	if err != nil {
		return nil, fmt.Errorf("crate: could not open smbus %q: %w", busPath, err)
	}
	conn, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("crate: could not open smbus %q: %w", busPath, err)
	}
	return &HealthMonitor{conn: conn, addr: addr}, nil
}

// busNumberFromPath extracts the i2c bus number from a device path such
// as "/dev/i2c-1".
func busNumberFromPath(busPath string) (int, error) {
	_, numStr, ok := strings.Cut(busPath, "i2c-")
	if !ok {
		return 0, fmt.Errorf("path %q does not look like an i2c device", busPath)
	}
	return strconv.Atoi(numStr)
}

func newHealthMonitor(conn smbusConn, addr uint8) *HealthMonitor {
	return &HealthMonitor{conn: conn, addr: addr}
}

// Close releases the underlying SMBus connection.
func (h *HealthMonitor) Close() error {
	return h.conn.Close()
}

// TemperatureCelsius reads the module's board temperature.
func (h *HealthMonitor) TemperatureCelsius() (float64, error) {
	raw, err := h.conn.ReadWord(h.addr, healthCmdTemperature)
	if err != nil {
		return 0, fmt.Errorf("crate: read temperature: %w", err)
	}
	return float64(int16(raw)) * healthTempLSBCelsius, nil
}

// Voltage3V3 reads the module's 3.3V supply rail.
func (h *HealthMonitor) Voltage3V3() (float64, error) {
	raw, err := h.conn.ReadWord(h.addr, healthCmdVoltage3V3)
	if err != nil {
		return 0, fmt.Errorf("crate: read 3.3V rail: %w", err)
	}
	return float64(raw) * healthVoltageLSBVolts, nil
}

// Voltage12V reads the module's 12V supply rail.
func (h *HealthMonitor) Voltage12V() (float64, error) {
	raw, err := h.conn.ReadWord(h.addr, healthCmdVoltage12V)
	if err != nil {
		return 0, fmt.Errorf("crate: read 12V rail: %w", err)
	}
	return float64(raw) * healthVoltageLSBVolts * (12.0 / 3.3), nil
}
