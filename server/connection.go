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
	"sync"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/elixxir/multicast/connection"
	"gitlab.com/elixxir/multicast/utility"
	"gitlab.com/elixxir/multicast/wire"
	"gitlab.com/xx_network/primitives/netTime"
)

// Error messages.
const (
	errVectorLength = "segment vector has length %d; session has %d segments"
)

// Connection is one joined client. It is identified by the remote address
// and port of its control channel.
type Connection struct {
	control *connection.Control
	session *Session
	addr    string
	port    int

	whenExpires   time.Time
	bitVector     *utility.BitVector
	reportedWave  int
	waveBytes     int64
	receptionRate float64
	leaving       bool
	failed        bool

	mux sync.Mutex
}

// newConnection creates a connection to a client of session. It expires
// after timeout unless a status is received first.
func newConnection(control *connection.Control, session *Session,
	timeout time.Duration) *Connection {
	c := &Connection{
		control:      control,
		session:      session,
		whenExpires:  netTime.Now().Add(timeout),
		bitVector:    utility.NewBitVector(session.numSegments()),
		reportedWave: session.WaveNumber() - 1,
	}

	switch addr := control.RemoteAddr().(type) {
	case *net.TCPAddr:
		c.addr, c.port = addr.IP.String(), addr.Port
	default:
		host, port, _ := net.SplitHostPort(addr.String())
		c.addr = host
		c.port, _ = strconv.Atoi(port)
	}

	return c
}

// String returns the address and port of the client.
func (c *Connection) String() string {
	return net.JoinHostPort(c.addr, strconv.Itoa(c.port))
}

// Equal returns true if both connections have the same remote address and
// port.
func (c *Connection) Equal(other *Connection) bool {
	return other != nil && c.addr == other.addr && c.port == other.port
}

// Session returns the session the client joined.
func (c *Connection) Session() *Session {
	return c.session
}

// BitVector returns a copy of the last segment vector the client reported.
func (c *Connection) BitVector() *utility.BitVector {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.bitVector.DeepCopy()
}

// ReceptionRate returns the last computed reception rate.
func (c *Connection) ReceptionRate() float64 {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.receptionRate
}

// expired returns true if no valid status was received before the deadline.
func (c *Connection) expired(now time.Time) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return now.After(c.whenExpires)
}

// refresh pushes the expiry deadline out by timeout.
func (c *Connection) refresh(timeout time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.whenExpires = netTime.Now().Add(timeout)
}

// removable returns true if the connection is leaving or has failed.
func (c *Connection) removable() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.leaving || c.failed
}

// isLeaving returns true once the client has said it is leaving.
func (c *Connection) isLeaving() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.leaving
}

func (c *Connection) fail() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.failed = true
}

// resetWave clears the received byte count at the start of a wave.
func (c *Connection) resetWave() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.waveBytes = 0
}

// updatePacketStatus records a status report and returns the client's
// reception rate for a wave of bytesSent bytes, clamped to [0, 1].
func (c *Connection) updatePacketStatus(
	u *wire.PacketStatusUpdate, bytesSent int64) float64 {
	c.mux.Lock()
	defer c.mux.Unlock()

	if u.BytesReceived > 0 {
		c.waveBytes += u.BytesReceived
	}
	if u.LeavingSession {
		c.leaving = true
	}

	c.receptionRate = 1
	if bytesSent > 0 {
		c.receptionRate = float64(c.waveBytes) / float64(bytesSent)
	}
	if c.receptionRate > 1 {
		c.receptionRate = 1
	}
	return c.receptionRate
}

// updateWaveStatus stores the client's segment vector as of wave.
func (c *Connection) updateWaveStatus(
	u *wire.WaveStatusUpdate, wave int) error {
	if u.FileBitVector == nil ||
		u.FileBitVector.Len() != c.session.numSegments() {
		length := 0
		if u.FileBitVector != nil {
			length = u.FileBitVector.Len()
		}
		return wire.NewResponseError(wire.InvalidOperation, errVectorLength,
			length, c.session.numSegments())
	}

	c.mux.Lock()
	defer c.mux.Unlock()
	c.bitVector = u.FileBitVector.DeepCopy()
	c.reportedWave = wave
	return nil
}

// waveComplete returns true if the session has sent a wave the client has not
// yet reported its segment vector for.
func (c *Connection) waveComplete(wave int) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return wave > c.reportedWave
}

// close closes the control channel.
func (c *Connection) close() error {
	if err := c.control.Close(); err != nil {
		return errors.WithMessagef(err, "failed to close connection %s", c)
	}
	return nil
}
