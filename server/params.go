////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package server

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/elixxir/multicast/connection"
	"gitlab.com/elixxir/multicast/encoder"
	"gitlab.com/elixxir/multicast/fileSet"
	"gitlab.com/elixxir/multicast/wire"
)

const (
	// MinBufferSize is the smallest allowed socket buffer and the smallest
	// allowed MTU; every IPv4 host must accept datagrams of this size.
	MinBufferSize = 576

	// MinBytesPerSecond is the smallest allowed throughput cap (10 Mib/s).
	MinBytesPerSecond = 10 * 1024 * 1024 / 8

	defaultBufferSize         = 64 * 1024
	defaultReadTimeout        = 30 * time.Second
	defaultResponseDelay      = 60 * time.Second
	defaultTTL                = 1
	defaultMTU                = 1500
	defaultMaxConnections     = 64
	defaultMaxSessions        = 16
	defaultMulticastAddress   = "239.255.42.99"
	defaultMulticastStartPort = 19000
	defaultBurstLength        = 64 * 1024
	defaultMaxBytesPerSecond  = 100 * 1024 * 1024 / 8 // 100 Mib/s
)

// Error messages.
const (
	errBufferSize   = "buffer size must be at least %d bytes; received %d"
	errTTL          = "TTL must be at least 1; received %d"
	errMTU          = "MTU must be in [%d, %d] bytes; received %d"
	errBurstLength  = "burst length must be at least 1 byte; received %d"
	errMaxBytes     = "max bytes per second must be at least %d; received %d"
	errDelayPolicy  = "invalid delay policy %d"
	errMaxConns     = "max connections must be at least 1; received %d"
	errSessionLimit = "max sessions must be at least 1; received %d"
	errRootFolder   = "root folder must be set"
	errMcastAddress = "invalid multicast address %q"
	errPortRange    = "multicast ports [%d, %d) are not a valid port range"
	errSegmentSize  = "MTU %d leaves no room for segment data"
	errTimeout      = "%s must be positive; received %s"
	errSecure       = "secure mode requires an encoder"
)

// DelayPolicy selects how client reception rates are reduced to the single
// statistic that drives the burst delay.
type DelayPolicy uint8

const (
	// Minimum paces the session to its slowest client.
	Minimum DelayPolicy = iota

	// Maximum paces the session to its fastest client.
	Maximum

	// Average paces the session to the mean of its clients.
	Average
)

// String returns the policy name. This functions adheres to the fmt.Stringer
// interface.
func (p DelayPolicy) String() string {
	switch p {
	case Minimum:
		return "minimum"
	case Maximum:
		return "maximum"
	case Average:
		return "average"
	default:
		return "INVALID DELAY POLICY: " + strconv.Itoa(int(p))
	}
}

// ParseDelayPolicy returns the policy with the given name.
func ParseDelayPolicy(s string) (DelayPolicy, error) {
	for _, p := range []DelayPolicy{Minimum, Maximum, Average} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown delay policy %q", s)
}

// Params contains the server configuration.
type Params struct {
	// RootFolder is the directory requested paths are resolved against.
	RootFolder string

	// Address is the TCP listen address of the control channel.
	Address string

	// BufferSize is the size of the socket buffers.
	BufferSize int

	// ReadTimeout bounds every handshake read and is how long a connection
	// may go without a valid status before it is dropped.
	ReadTimeout time.Duration

	// ResponseDelay is the longest a status round waits for its clients.
	ResponseDelay time.Duration

	// TTL is the multicast hop limit.
	TTL int

	// MTU is the largest datagram, including IP and UDP headers, sent to a
	// multicast group.
	MTU int

	// MaxConnections is the largest number of concurrently joined clients.
	MaxConnections int

	// MaxSessions is the largest number of concurrently served paths. It is
	// also the size of the multicast port range.
	MaxSessions int

	// MulticastAddress is the group address shared by every session. Each
	// session uses its own port starting at MulticastStartPort.
	MulticastAddress   string
	MulticastStartPort int

	// MulticastInterface optionally names the interface multicast is sent on.
	MulticastInterface string

	// MulticastBurstLength is the number of segment bytes sent per burst.
	MulticastBurstLength int

	// MaxBytesPerSecond caps the data rate of each session.
	MaxBytesPerSecond int64

	// DelayPolicy selects the statistic that drives the burst delay.
	DelayPolicy DelayPolicy

	// Secure upgrades the control channel after the challenge. It requires
	// an Encoder.
	Secure bool

	// Encoder authenticates the challenge and encodes multicast segments. Nil
	// disables both.
	Encoder encoder.Factory

	// Multicast creates the multicast senders. Defaults to UDP.
	Multicast connection.MulticastFactory
}

// DefaultParams returns a Params object filled with the default values.
func DefaultParams() Params {
	return Params{
		Address:              ":" + strconv.Itoa(connection.DefaultPort),
		BufferSize:           defaultBufferSize,
		ReadTimeout:          defaultReadTimeout,
		ResponseDelay:        defaultResponseDelay,
		TTL:                  defaultTTL,
		MTU:                  defaultMTU,
		MaxConnections:       defaultMaxConnections,
		MaxSessions:          defaultMaxSessions,
		MulticastAddress:     defaultMulticastAddress,
		MulticastStartPort:   defaultMulticastStartPort,
		MulticastBurstLength: defaultBurstLength,
		MaxBytesPerSecond:    defaultMaxBytesPerSecond,
		DelayPolicy:          Minimum,
		Multicast:            connection.NewUdpMulticast,
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
		return errors.Errorf(errTimeout, "read timeout", p.ReadTimeout)
	case p.ResponseDelay <= 0:
		return errors.Errorf(errTimeout, "response delay", p.ResponseDelay)
	case p.TTL < 1:
		return errors.Errorf(errTTL, p.TTL)
	case p.MTU < MinBufferSize || p.MTU > fileSet.MaxBlockLength:
		return errors.Errorf(errMTU, MinBufferSize, fileSet.MaxBlockLength, p.MTU)
	case p.MaxConnections < 1:
		return errors.Errorf(errMaxConns, p.MaxConnections)
	case p.MaxSessions < 1:
		return errors.Errorf(errSessionLimit, p.MaxSessions)
	case p.MulticastBurstLength < 1:
		return errors.Errorf(errBurstLength, p.MulticastBurstLength)
	case p.MaxBytesPerSecond < MinBytesPerSecond:
		return errors.Errorf(errMaxBytes, MinBytesPerSecond, p.MaxBytesPerSecond)
	case p.DelayPolicy > Average:
		return errors.Errorf(errDelayPolicy, p.DelayPolicy)
	case p.Secure && p.Encoder == nil:
		// The challenge key is sent in the clear without an encoder
		return errors.New(errSecure)
	}

	ip := net.ParseIP(p.MulticastAddress)
	if ip == nil || !ip.IsMulticast() {
		return errors.Errorf(errMcastAddress, p.MulticastAddress)
	}

	end := p.MulticastStartPort + p.MaxSessions
	if p.MulticastStartPort < 1 || end > 65536 {
		return errors.Errorf(errPortRange, p.MulticastStartPort, end)
	}

	if p.segmentSize(0) < 1 {
		return errors.Errorf(errSegmentSize, p.MTU)
	}

	return nil
}

// multicastGroup returns the group address of the given port.
func (p Params) multicastGroup(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(p.MulticastAddress), Port: port}
}

// ipv6 returns true if the multicast address is an IPv6 address.
func (p Params) ipv6() bool {
	return net.ParseIP(p.MulticastAddress).To4() == nil
}

// segmentSize returns the segment data length for the MTU after the encoder
// overhead.
func (p Params) segmentSize(encoderOverhead int) int {
	return wire.SegmentSize(p.MTU, p.ipv6(), encoderOverhead)
}
