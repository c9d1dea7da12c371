// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import "testing"

func TestEstimateBaselineFlatTrace(t *testing.T) {
	trace := make([]uint32, 256)
	for i := range trace {
		trace[i] = 8192
	}
	got := estimateBaseline(trace, 14)
	if got != 8192 {
		t.Fatalf("got=%d, want=8192", got)
	}
}

func TestEstimateBaselineNoisyTrace(t *testing.T) {
	trace := []uint32{100, 101, 99, 100, 102, 98, 100, 100, 101, 99}
	got := estimateBaseline(trace, 14)
	if got < 98 || got > 102 {
		t.Fatalf("got=%d, want in [98,102]", got)
	}
}

func TestEstimateBaselineIgnoresIsolatedSpike(t *testing.T) {
	trace := make([]uint32, 0, 101)
	for i := 0; i < 100; i++ {
		trace = append(trace, 500)
	}
	trace = append(trace, 16000)
	got := estimateBaseline(trace, 14)
	if got != 500 {
		t.Fatalf("got=%d, want=500 (spike should not move the peak bucket)", got)
	}
}

func TestBaselinesEqual(t *testing.T) {
	// 14-bit full scale is 16384; 0.5% of that is ~82.
	if !baselinesEqual(1000, 1050, 14, defaultNoisePercent) {
		t.Fatalf("expected 1000 and 1050 to compare equal within tolerance")
	}
	if baselinesEqual(1000, 1200, 14, defaultNoisePercent) {
		t.Fatalf("expected 1000 and 1200 to compare unequal")
	}
}

func TestBaselinesNotEqualIsPlainNegation(t *testing.T) {
	// Regression guard for the operator!= self-recursion the original
	// source exhibited: NotEqual must compare a against b, not a against
	// itself, so it must agree with Equal's negation in both directions.
	cases := []struct{ a, b int }{
		{1000, 1050},
		{1000, 1200},
		{1200, 1000},
	}
	for _, c := range cases {
		eq := baselinesEqual(c.a, c.b, 14, defaultNoisePercent)
		neq := baselinesNotEqual(c.a, c.b, 14, defaultNoisePercent)
		if eq == neq {
			t.Fatalf("a=%d b=%d: Equal=%v NotEqual=%v should disagree", c.a, c.b, eq, neq)
		}
	}
}
