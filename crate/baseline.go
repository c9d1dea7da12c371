// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import "math"

// baselineNoiseBins is the histogram-bucket radius around the peak bucket
// averaged to estimate a trace's baseline (spec.md §4.3.1).
const baselineNoiseBins = 30

// defaultNoisePercent is the default noise tolerance, as a percent of full
// scale, used by the noise-tolerant baseline comparison.
const defaultNoisePercent = 0.5

// estimateBaseline bins every sample of trace into 2^adcBits buckets,
// locates the highest-count bucket, and returns the count-weighted mean of
// the buckets within baselineNoiseBins of it. This is the modal-value
// estimator spec.md §3/§4.3.1 describes: robust against thermal noise and
// isolated spikes, unlike a plain mean or median.
func estimateBaseline(trace []uint32, adcBits int) int {
	numBuckets := 1 << uint(adcBits)
	counts := make([]int, numBuckets)
	for _, s := range trace {
		v := int(s)
		switch {
		case v < 0:
			v = 0
		case v >= numBuckets:
			v = numBuckets - 1
		}
		counts[v]++
	}

	peak, peakCount := 0, -1
	for i, c := range counts {
		if c > peakCount {
			peak, peakCount = i, c
		}
	}

	lo := peak - baselineNoiseBins
	if lo < 0 {
		lo = 0
	}
	hi := peak + baselineNoiseBins
	if hi > numBuckets {
		hi = numBuckets
	}

	var sumW, sumWV float64
	for i := lo; i < hi; i++ {
		w := float64(counts[i])
		sumW += w
		sumWV += w * float64(i)
	}
	if sumW == 0 {
		return peak
	}
	return int(math.Round(sumWV / sumW))
}

// noiseTolerance returns the absolute baseline tolerance for adcBits of
// resolution at the given noise percent of full scale.
func noiseTolerance(adcBits int, noisePercent float64) float64 {
	return float64(int(1)<<uint(adcBits)) * noisePercent / 100
}

// baselinesEqual implements the noise-tolerant equality spec.md §4.3.1
// defines: two baselines are equal iff they differ by at most
// (2^adc_bits)*noise_percent/100.
//
// spec.md §9 flags the original source's inequality operator as reading
// "*this != other.baseline" rather than comparing against other — a
// probable self-recursion bug. Equality here is always evaluated against
// the other value passed in, and NotEqual below is defined as its plain
// negation.
func baselinesEqual(a, b int, adcBits int, noisePercent float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= noiseTolerance(adcBits, noisePercent)
}

func baselinesNotEqual(a, b int, adcBits int, noisePercent float64) bool {
	return !baselinesEqual(a, b, adcBits, noisePercent)
}
