////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package client

import (
	"time"

	"github.com/pkg/errors"
	"gitlab.com/elixxir/multicast/connection"
	"gitlab.com/elixxir/multicast/encoder"
)

const (
	// MinBufferSize is the smallest allowed socket buffer.
	MinBufferSize = 576

	defaultBufferSize     = 64 * 1024
	defaultReadTimeout    = 30 * time.Second
	defaultStatusInterval = time.Second
)

// Error messages.
const (
	errRootFolder = "root folder must be set"
	errBufferSize = "buffer size must be at least %d bytes; received %d"
	errDuration   = "%s must be positive; received %s"
)

// Params contains the client configuration.
type Params struct {
	// RootFolder is the directory downloaded files are written under.
	RootFolder string

	// BufferSize is the size of the socket buffers.
	BufferSize int

	// ReadTimeout bounds every handshake read.
	ReadTimeout time.Duration

	// StatusInterval is the time between status reports.
	StatusInterval time.Duration

	// MulticastInterface optionally names the interface to join the group on.
	MulticastInterface string

	// Encoder decodes the challenge and the multicast segments. It must match
	// the server's. Nil disables decoding.
	Encoder encoder.Factory

	// Multicast creates the multicast receiver. Defaults to UDP.
	Multicast connection.MulticastFactory

	// Progress, if set, is called with the bytes written so far and the total
	// after each new segment is written.
	Progress func(received, total int64)
}

// DefaultParams returns a Params object filled with the default values.
func DefaultParams() Params {
	return Params{
		BufferSize:     defaultBufferSize,
		ReadTimeout:    defaultReadTimeout,
		StatusInterval: defaultStatusInterval,
		Multicast:      connection.NewUdpMulticast,
	}
}

// Verify returns an error if any parameter is out of bounds.
func (p Params) Verify() error {
	switch {
	case p.RootFolder == "":
		return errors.New(errRootFolder)
	case p.BufferSize < MinBufferSize:
		return errors.Errorf(errBufferSize, MinBufferSize, p.BufferSize)
	case p.ReadTimeout <= 0:
		return errors.Errorf(errDuration, "read timeout", p.ReadTimeout)
	case p.StatusInterval <= 0:
		return errors.Errorf(errDuration, "status interval", p.StatusInterval)
	}
	return nil
}
