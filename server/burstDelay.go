////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package server

import "math"

// Reception rate thresholds and burst delay bounds, in milliseconds.
const (
	lowWaterRate  = 0.90
	highWaterRate = 0.98
	minBurstDelay = 1
	maxBurstDelay = 999
)

// reduceRates returns the statistic of the rates selected by policy. Each rate
// is clamped to [0, 1] first.
func reduceRates(rates []float64, policy DelayPolicy) float64 {
	if len(rates) == 0 {
		return 1
	}

	var result float64
	switch policy {
	case Maximum:
		result = 0
		for _, r := range rates {
			result = math.Max(result, clampRate(r))
		}
	case Average:
		for _, r := range rates {
			result += clampRate(r)
		}
		result /= float64(len(rates))
	default:
		result = 1
		for _, r := range rates {
			result = math.Min(result, clampRate(r))
		}
	}
	return result
}

// nextBurstDelay adds one millisecond to the delay if the reception rate is
// low or the throughput is over the cap, and removes one if the reception
// rate is high. The result is kept within [minBurstDelay, maxBurstDelay].
func nextBurstDelay(delay int, rate, throughput float64,
	maxBytesPerSecond int64) int {
	switch {
	case rate < lowWaterRate || throughput > float64(maxBytesPerSecond):
		delay++
	case rate > highWaterRate:
		delay--
	}

	if delay < minBurstDelay {
		return minBurstDelay
	} else if delay > maxBurstDelay {
		return maxBurstDelay
	}
	return delay
}

func clampRate(r float64) float64 {
	if math.IsNaN(r) || r < 0 {
		return 0
	} else if r > 1 {
		return 1
	}
	return r
}
