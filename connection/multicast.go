////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package connection

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/multicast/wire"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// maxDatagramSize is the largest UDP payload that can be received.
const maxDatagramSize = 64 * 1024

// Error messages.
const (
	errNotConnected    = "multicast endpoint %s is not connected"
	errAlreadyConnect  = "multicast endpoint %s is already connected"
	errListenGroup     = "failed to listen for multicast group %s: %+v"
	errDialGroup       = "failed to open multicast socket to %s: %+v"
	errJoinGroup       = "failed to join multicast group %s on any interface: %+v"
	errConfigureSocket = "failed to configure multicast socket for %s: %+v"
	errSendDatagram    = "failed to send datagram to %s: %+v"
	errReceiveDatagram = "failed to receive datagram from %s: %+v"
)

// Multicast is one end of a multicast data path. A sender only calls Send
// and a receiver only calls Receive. Received datagrams may be lost,
// duplicated or reordered.
type Multicast interface {
	// Connect opens the socket and, for receivers, joins the group.
	Connect(ctx context.Context) error

	// Send transmits one datagram to the group.
	Send(ctx context.Context, data []byte) error

	// Receive blocks until a datagram arrives or ctx is done.
	Receive(ctx context.Context) ([]byte, error)

	// Close leaves the group and releases the socket.
	Close() error
}

// MulticastParams describes a multicast group endpoint.
type MulticastParams struct {
	// Group is the multicast address and port.
	Group *net.UDPAddr

	// TTL is the multicast hop limit on outgoing datagrams.
	TTL int

	// BufferSize is the size of the OS socket buffer.
	BufferSize int

	// Interface restricts the group to one interface. When nil, a receiver
	// joins on every multicast capable interface.
	Interface *net.Interface
}

// MulticastFactory creates the sending or receiving end of a group.
type MulticastFactory func(params MulticastParams, sender bool) Multicast

// NewUdpMulticast is the MulticastFactory for real UDP multicast sockets.
func NewUdpMulticast(params MulticastParams, sender bool) Multicast {
	if sender {
		return &udpSender{params: params}
	}
	return &udpReceiver{params: params}
}

// IsIPv6 returns true if the group address is an IPv6 address.
func (p MulticastParams) IsIPv6() bool {
	return p.Group.IP.To4() == nil
}

func (p MulticastParams) network() string {
	if p.IsIPv6() {
		return "udp6"
	}
	return "udp4"
}

////////////////////////////////////////////////////////////////////////////////
// Sender                                                                     //
////////////////////////////////////////////////////////////////////////////////

type udpSender struct {
	params MulticastParams
	conn   *net.UDPConn
	mux    sync.Mutex
}

// Connect opens a UDP socket to the group and sets the hop limit.
func (s *udpSender) Connect(context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.conn != nil {
		return errors.Errorf(errAlreadyConnect, s.params.Group)
	}

	conn, err := net.DialUDP(s.params.network(), nil, s.params.Group)
	if err != nil {
		return errors.Errorf(errDialGroup, s.params.Group, err)
	}
	if s.params.BufferSize > 0 {
		_ = conn.SetWriteBuffer(s.params.BufferSize)
	}

	if s.params.IsIPv6() {
		pc := ipv6.NewPacketConn(conn)
		err = pc.SetMulticastHopLimit(s.params.TTL)
		if err == nil {
			err = pc.SetMulticastLoopback(true)
		}
		if err == nil && s.params.Interface != nil {
			err = pc.SetMulticastInterface(s.params.Interface)
		}
	} else {
		pc := ipv4.NewPacketConn(conn)
		err = pc.SetMulticastTTL(s.params.TTL)
		if err == nil {
			err = pc.SetMulticastLoopback(true)
		}
		if err == nil && s.params.Interface != nil {
			err = pc.SetMulticastInterface(s.params.Interface)
		}
	}
	if err != nil {
		_ = conn.Close()
		return errors.Errorf(errConfigureSocket, s.params.Group, err)
	}

	s.conn = conn
	jww.DEBUG.Printf("[MC] Opened multicast sender to %s with TTL %d",
		s.params.Group, s.params.TTL)
	return nil
}

func (s *udpSender) Send(ctx context.Context, data []byte) error {
	s.mux.Lock()
	conn := s.conn
	s.mux.Unlock()
	if conn == nil {
		return errors.Errorf(errNotConnected, s.params.Group)
	}

	err := withDeadline(ctx, 0, conn.SetWriteDeadline, func() error {
		_, err := conn.Write(data)
		return err
	})
	if err != nil && !wire.IsCancellation(err) {
		return errors.Errorf(errSendDatagram, s.params.Group, err)
	}
	return err
}

func (s *udpSender) Receive(context.Context) ([]byte, error) {
	return nil, errors.Errorf(errNotConnected, s.params.Group)
}

func (s *udpSender) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

////////////////////////////////////////////////////////////////////////////////
// Receiver                                                                   //
////////////////////////////////////////////////////////////////////////////////

type udpReceiver struct {
	params MulticastParams
	conn   *net.UDPConn
	leave  func()
	buf    []byte
	mux    sync.Mutex
}

// Connect binds the group port and joins the group on the configured
// interface or, when none is set, on every multicast capable interface. It
// succeeds if at least one join succeeds.
func (r *udpReceiver) Connect(context.Context) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.conn != nil {
		return errors.Errorf(errAlreadyConnect, r.params.Group)
	}

	conn, err := net.ListenUDP(r.params.network(),
		&net.UDPAddr{Port: r.params.Group.Port})
	if err != nil {
		return errors.Errorf(errListenGroup, r.params.Group, err)
	}
	if r.params.BufferSize > 0 {
		_ = conn.SetReadBuffer(r.params.BufferSize)
	}

	group := &net.UDPAddr{IP: r.params.Group.IP}
	var join, leave func(*net.Interface) error
	if r.params.IsIPv6() {
		pc := ipv6.NewPacketConn(conn)
		join = func(ifi *net.Interface) error { return pc.JoinGroup(ifi, group) }
		leave = func(ifi *net.Interface) error { return pc.LeaveGroup(ifi, group) }
	} else {
		pc := ipv4.NewPacketConn(conn)
		join = func(ifi *net.Interface) error { return pc.JoinGroup(ifi, group) }
		leave = func(ifi *net.Interface) error { return pc.LeaveGroup(ifi, group) }
	}

	joined, err := joinInterfaces(r.params.Interface, join)
	if len(joined) == 0 {
		_ = conn.Close()
		return errors.Errorf(errJoinGroup, r.params.Group, err)
	}

	r.conn = conn
	r.buf = make([]byte, maxDatagramSize)
	r.leave = func() {
		for _, ifi := range joined {
			_ = leave(ifi)
		}
	}

	jww.DEBUG.Printf("[MC] Joined multicast group %s on %d interfaces",
		r.params.Group, len(joined))
	return nil
}

// joinInterfaces joins the group on ifi or, if nil, on every interface that is
// up and supports multicast. It returns the interfaces joined and the last
// error seen.
func joinInterfaces(ifi *net.Interface,
	join func(*net.Interface) error) ([]*net.Interface, error) {
	if ifi != nil {
		if err := join(ifi); err != nil {
			return nil, err
		}
		return []*net.Interface{ifi}, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var joined []*net.Interface
	var lastErr error
	for i := range ifaces {
		flags := ifaces[i].Flags
		if flags&net.FlagUp == 0 || flags&net.FlagMulticast == 0 {
			continue
		}
		if err = join(&ifaces[i]); err != nil {
			jww.TRACE.Printf("[MC] Failed to join group on %s: %+v",
				ifaces[i].Name, err)
			lastErr = err
			continue
		}
		joined = append(joined, &ifaces[i])
	}
	if len(joined) == 0 && lastErr == nil {
		lastErr = errors.New("no multicast capable interfaces")
	}
	return joined, lastErr
}

func (r *udpReceiver) Send(context.Context, []byte) error {
	return errors.Errorf(errNotConnected, r.params.Group)
}

// Receive reads the next datagram. Only one Receive may run at a time.
func (r *udpReceiver) Receive(ctx context.Context) ([]byte, error) {
	r.mux.Lock()
	conn, buf := r.conn, r.buf
	r.mux.Unlock()
	if conn == nil {
		return nil, errors.Errorf(errNotConnected, r.params.Group)
	}

	var n int
	err := withDeadline(ctx, 0, conn.SetReadDeadline, func() error {
		var err error
		n, _, err = conn.ReadFromUDP(buf)
		return err
	})
	if err != nil {
		if wire.IsCancellation(err) {
			return nil, err
		}
		return nil, errors.Errorf(errReceiveDatagram, r.params.Group, err)
	}

	data := make([]byte, n)
	copy(data, buf[:n])
	return data, nil
}

func (r *udpReceiver) Close() error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.conn == nil {
		return nil
	}
	r.leave()
	err := r.conn.Close()
	r.conn = nil
	return err
}

// ResolveInterface returns the named interface, or nil for an empty name.
func ResolveInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	return net.InterfaceByName(name)
}
