// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// dacFit accumulates (measured baseline, DAC setting) samples for one
// channel across offset-DAC feedback-loop iterations (spec.md §4.3.2) and
// predicts the DAC setting that should land the baseline on a target,
// regressing DAC directly as a function of baseline with a straight-line
// least-squares fit once it has at least two samples to fit through.
type dacFit struct {
	baseline []float64
	dac      []float64
}

func (f *dacFit) add(dacValue uint32, baseline int) {
	f.baseline = append(f.baseline, float64(baseline))
	f.dac = append(f.dac, float64(dacValue))
}

func (f *dacFit) ready() bool {
	return len(f.baseline) >= 2
}

// predict fits dac = alpha + beta*baseline over the accumulated samples
// and evaluates it at target. It returns an error if fewer than two
// samples have been collected.
func (f *dacFit) predict(target int) (uint32, error) {
	if !f.ready() {
		return 0, fmt.Errorf("crate: dacFit.predict needs at least 2 samples, have %d", len(f.baseline))
	}
	alpha, beta := stat.LinearRegression(f.baseline, f.dac, nil, false)
	dac := alpha + beta*float64(target)
	if dac < 0 {
		dac = 0
	}
	return uint32(dac + 0.5), nil
}

func (f *dacFit) reset() {
	f.dac = f.dac[:0]
	f.baseline = f.baseline[:0]
}
