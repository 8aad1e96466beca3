////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package utility

import (
	"sync"
	"time"

	"gitlab.com/xx_network/primitives/netTime"
)

// DefaultThroughputWindow is the number of samples averaged when no window is
// given.
const DefaultThroughputWindow = 16

// ThroughputCalculator keeps a sliding window of byte-rate samples and reports
// their average. Each call to Add records the rate of the given bytes over the
// time elapsed since the previous sample.
type ThroughputCalculator struct {
	samples []float64
	next    int
	filled  bool
	last    time.Time
	now     func() time.Time
	mux     sync.Mutex
}

// NewThroughputCalculator creates a calculator averaging over the given number
// of samples.
func NewThroughputCalculator(window int) *ThroughputCalculator {
	if window < 1 {
		window = DefaultThroughputWindow
	}
	return &ThroughputCalculator{
		samples: make([]float64, window),
		now:     netTime.Now,
	}
}

// Start clears all samples and starts timing from now.
func (tc *ThroughputCalculator) Start() {
	tc.mux.Lock()
	defer tc.mux.Unlock()

	for i := range tc.samples {
		tc.samples[i] = 0
	}
	tc.next = 0
	tc.filled = false
	tc.last = tc.now()
}

// Add records that the given number of bytes were transferred since the last
// sample. Samples taken with no measurable elapsed time are folded into the
// next sample.
func (tc *ThroughputCalculator) Add(bytes int64) {
	tc.mux.Lock()
	defer tc.mux.Unlock()

	now := tc.now()
	if tc.last.IsZero() {
		tc.last = now
		return
	}

	elapsed := now.Sub(tc.last).Seconds()
	if elapsed <= 0 {
		return
	}

	tc.samples[tc.next] = float64(bytes) / elapsed
	tc.next = (tc.next + 1) % len(tc.samples)
	if tc.next == 0 {
		tc.filled = true
	}
	tc.last = now
}

// BytesPerSecond returns the average of all samples in the window. Returns 0
// when there are no samples.
func (tc *ThroughputCalculator) BytesPerSecond() float64 {
	tc.mux.Lock()
	defer tc.mux.Unlock()

	n := tc.next
	if tc.filled {
		n = len(tc.samples)
	}
	if n == 0 {
		return 0
	}

	var sum float64
	for _, s := range tc.samples[:n] {
		sum += s
	}
	return sum / float64(n)
}
