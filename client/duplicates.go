////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package client

import (
	"github.com/pkg/errors"
	bloom "gitlab.com/elixxir/bloomfilter"
)

const (
	// Bits and hash functions of each filter generation. With
	// duplicateGeneration entries the false positive rate is about 1e-5.
	duplicateFilterBits   = 1 << 18
	duplicateFilterHashes = 4

	// Datagrams added to a generation before it is replaced
	duplicateGeneration = 4096
)

const errDuplicateFilter = "failed to initialize duplicate filter: %+v"

// duplicateFilter remembers recently written datagrams so that copies
// delivered more than once, such as over several joined interfaces, are
// dropped before they are decoded. Two generations of filters are kept, and
// the older one is replaced once the newer one fills. A false positive drops
// a new segment, which the server sends again in a later wave.
//
// A duplicateFilter is only used from the receiving goroutine.
type duplicateFilter struct {
	current  *bloom.Bloom
	previous *bloom.Bloom
	added    int
}

// newDuplicateFilter returns an empty filter.
func newDuplicateFilter() (*duplicateFilter, error) {
	current, err := newDuplicateRing()
	if err != nil {
		return nil, err
	}
	return &duplicateFilter{current: current}, nil
}

// Seen returns true if the datagram was probably added before.
func (f *duplicateFilter) Seen(datagram []byte) bool {
	if f.current.Test(datagram) {
		return true
	}
	return f.previous != nil && f.previous.Test(datagram)
}

// Add records a decoded datagram, starting a new generation when the current
// one is full.
func (f *duplicateFilter) Add(datagram []byte) error {
	if f.added >= duplicateGeneration {
		if err := f.Rotate(); err != nil {
			return err
		}
	}
	f.current.Add(datagram)
	f.added++
	return nil
}

// Rotate starts a new generation. Rotating on every new wave stops a false
// positive from dropping the same retransmitted datagram wave after wave.
func (f *duplicateFilter) Rotate() error {
	next, err := newDuplicateRing()
	if err != nil {
		return err
	}
	f.previous, f.current, f.added = f.current, next, 0
	return nil
}

func newDuplicateRing() (*bloom.Bloom, error) {
	ring, err := bloom.InitByParameters(
		duplicateFilterBits, duplicateFilterHashes)
	if err != nil {
		return nil, errors.Errorf(errDuplicateFilter, err)
	}
	return ring, nil
}
