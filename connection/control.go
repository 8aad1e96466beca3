////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package connection wraps the TCP control channel and the UDP multicast data
// path used by the server and client.
package connection

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/multicast/wire"
)

// MaxFrameSize is the largest control message body accepted.
const MaxFrameSize = wire.MaxMessageSize

// Error messages.
const (
	errDial          = "failed to connect to %s: %+v"
	errWriteFrame    = "failed to send %s to %s: %+v"
	errReadLength    = "failed to read frame length from %s: %+v"
	errReadFrame     = "failed to read frame of %d bytes from %s: %+v"
	errFrameSize     = "frame of %d bytes from %s exceeds maximum of %d bytes"
	errDecodeFrame   = "failed to decode frame from %s: %v"
	errAlreadySecure = "control channel to %s is already secure"
)

// Control is a TCP control channel that sends and receives wire messages. Each
// message is framed with a uvarint length prefix. Send and Receive may be
// called concurrently with each other but not with themselves.
type Control struct {
	conn        net.Conn
	reader      *bufio.Reader
	readTimeout time.Duration
	secure      *secureChannel

	sendMux    sync.Mutex
	receiveMux sync.Mutex
}

// NewControl wraps an established connection. bufferSize sets the size of the
// read buffer and readTimeout bounds every Receive; zero disables it.
func NewControl(conn net.Conn, bufferSize int, readTimeout time.Duration) *Control {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetReadBuffer(bufferSize)
		_ = tcp.SetWriteBuffer(bufferSize)
	}
	return &Control{
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, bufferSize),
		readTimeout: readTimeout,
	}
}

// Dial connects to the address and returns the control channel.
func Dial(ctx context.Context, address string, bufferSize int,
	readTimeout time.Duration) (*Control, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Errorf(errDial, address, err)
	}
	return NewControl(conn, bufferSize, readTimeout), nil
}

// RemoteAddr returns the address of the peer.
func (c *Control) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Secure returns true once the channel has been upgraded.
func (c *Control) Secure() bool {
	c.sendMux.Lock()
	defer c.sendMux.Unlock()
	return c.secure != nil
}

// Upgrade seals every subsequent message with keys derived from psk. Both
// peers must upgrade at the same point in the exchange; isServer selects the
// key direction.
func (c *Control) Upgrade(psk []byte, isServer bool) error {
	c.sendMux.Lock()
	defer c.sendMux.Unlock()
	c.receiveMux.Lock()
	defer c.receiveMux.Unlock()

	if c.secure != nil {
		return errors.Errorf(errAlreadySecure, c.conn.RemoteAddr())
	}

	sc, err := newSecureChannel(psk, isServer)
	if err != nil {
		return err
	}
	c.secure = sc

	jww.DEBUG.Printf("[MC] Upgraded control channel to %s", c.conn.RemoteAddr())
	return nil
}

// Send writes one message. The write is abandoned if ctx is cancelled.
func (c *Control) Send(ctx context.Context, msg wire.Message) error {
	c.sendMux.Lock()
	defer c.sendMux.Unlock()

	body := wire.Marshal(msg)
	if c.secure != nil {
		body = c.secure.seal(body)
	}

	frame := binary.AppendUvarint(make([]byte, 0, len(body)+binary.MaxVarintLen64),
		uint64(len(body)))
	frame = append(frame, body...)

	err := withDeadline(ctx, c.readTimeout, c.conn.SetWriteDeadline, func() error {
		_, err := c.conn.Write(frame)
		return err
	})
	if err != nil {
		if wire.IsCancellation(err) {
			return err
		}
		return errors.Errorf(errWriteFrame, msg.Kind(), c.conn.RemoteAddr(), err)
	}

	jww.TRACE.Printf("[MC] Sent %s (%d bytes) to %s",
		msg.Kind(), len(body), c.conn.RemoteAddr())
	return nil
}

// Receive reads one message, bounded by the read timeout and ctx.
func (c *Control) Receive(ctx context.Context) (wire.Message, error) {
	return c.receive(ctx, c.readTimeout)
}

// Await reads one message, bounded only by ctx.
func (c *Control) Await(ctx context.Context) (wire.Message, error) {
	return c.receive(ctx, 0)
}

func (c *Control) receive(ctx context.Context, timeout time.Duration) (
	wire.Message, error) {
	c.receiveMux.Lock()
	defer c.receiveMux.Unlock()

	var body []byte
	err := withDeadline(ctx, timeout, c.conn.SetReadDeadline, func() error {
		length, err := binary.ReadUvarint(c.reader)
		if err != nil {
			return errors.Errorf(errReadLength, c.conn.RemoteAddr(), err)
		}
		if length > MaxFrameSize {
			return wire.NewResponseError(wire.InvalidOperation, errFrameSize,
				length, c.conn.RemoteAddr(), MaxFrameSize)
		}

		body = make([]byte, length)
		if _, err = io.ReadFull(c.reader, body); err != nil {
			return errors.Errorf(errReadFrame, length, c.conn.RemoteAddr(), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.secure != nil {
		if body, err = c.secure.open(body); err != nil {
			return nil, wire.NewResponseError(wire.AccessDenied,
				errDecodeFrame, c.conn.RemoteAddr(), err)
		}
	}

	msg, err := wire.Unmarshal(body)
	if err != nil {
		return nil, wire.NewResponseError(wire.InvalidOperation,
			errDecodeFrame, c.conn.RemoteAddr(), err)
	}

	jww.TRACE.Printf("[MC] Received %s (%d bytes) from %s",
		msg.Kind(), len(body), c.conn.RemoteAddr())
	return msg, nil
}

// Close closes the underlying connection.
func (c *Control) Close() error {
	return c.conn.Close()
}

// withDeadline runs fn with the I/O deadline set to the sooner of timeout and
// the ctx deadline. Cancelling ctx moves the deadline into the past so that
// fn unblocks; the ctx error is then returned in place of fn's.
func withDeadline(ctx context.Context, timeout time.Duration,
	setDeadline func(time.Time) error, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := setDeadline(deadline); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(time.Unix(1, 0))
	})
	defer stop()

	err := fn()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// The I/O deadline can fire just before the context's own timer
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return context.DeadlineExceeded
		}
	}
	return err
}
