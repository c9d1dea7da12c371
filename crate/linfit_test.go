// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import "testing"

func TestDacFitNotReadyWithFewerThanTwoSamples(t *testing.T) {
	var f dacFit
	if f.ready() {
		t.Fatalf("expected not ready with zero samples")
	}
	f.add(1000, 500)
	if f.ready() {
		t.Fatalf("expected not ready with one sample")
	}
	if _, err := f.predict(8192); err == nil {
		t.Fatalf("expected error predicting with one sample")
	}
}

func TestDacFitPredictsLinearRelationship(t *testing.T) {
	var f dacFit
	// dac = (baseline-100)/2, exactly.
	f.add(0, 100)
	f.add(1000, 2100)
	f.add(2000, 4100)

	if !f.ready() {
		t.Fatalf("expected ready with 3 samples")
	}

	got, err := f.predict(8100)
	if err != nil {
		t.Fatalf("predict: %+v", err)
	}
	// (8100-100)/2 = 4000
	if got < 3995 || got > 4005 {
		t.Fatalf("got=%d, want~=4000", got)
	}
}

func TestDacFitResetClearsSamples(t *testing.T) {
	var f dacFit
	f.add(0, 100)
	f.add(1000, 2100)
	f.reset()
	if f.ready() {
		t.Fatalf("expected not ready after reset")
	}
}
