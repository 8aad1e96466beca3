////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package utility

import (
	"testing"
	"time"
)

// Tests that BytesPerSecond averages the rates of all samples.
func TestThroughputCalculator_BytesPerSecond(t *testing.T) {
	tc := NewThroughputCalculator(4)
	now := time.Unix(0, 0)
	tc.now = func() time.Time { return now }
	tc.Start()

	for _, b := range []int64{100, 300} {
		now = now.Add(time.Second)
		tc.Add(b)
	}

	if bps := tc.BytesPerSecond(); bps != 200 {
		t.Errorf("Incorrect average.\nexpected: %f\nreceived: %f", 200.0, bps)
	}
}

// Tests that samples older than the window are dropped from the average.
func TestThroughputCalculator_Window(t *testing.T) {
	tc := NewThroughputCalculator(2)
	now := time.Unix(0, 0)
	tc.now = func() time.Time { return now }
	tc.Start()

	for _, b := range []int64{1000, 10, 30} {
		now = now.Add(time.Second)
		tc.Add(b)
	}

	if bps := tc.BytesPerSecond(); bps != 20 {
		t.Errorf("Incorrect average.\nexpected: %f\nreceived: %f", 20.0, bps)
	}
}

// Tests that a new or restarted calculator reports zero.
func TestThroughputCalculator_Empty(t *testing.T) {
	tc := NewThroughputCalculator(0)
	if bps := tc.BytesPerSecond(); bps != 0 {
		t.Errorf("Incorrect average.\nexpected: %f\nreceived: %f", 0.0, bps)
	}
	if len(tc.samples) != DefaultThroughputWindow {
		t.Errorf("Incorrect window.\nexpected: %d\nreceived: %d",
			DefaultThroughputWindow, len(tc.samples))
	}
}
