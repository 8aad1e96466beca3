////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package server multicasts requested files to every client that joins a
// session and retransmits, wave after wave, the segments some client is
// still missing.
package server

import (
	"context"
	"net"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/multicast/connection"
	"gitlab.com/elixxir/multicast/utility"
	"gitlab.com/elixxir/multicast/wire"
	"gitlab.com/xx_network/primitives/netTime"
)

// joinWait is the longest the idle wave loop sleeps before checking for work.
const joinWait = 10 * time.Second

// Error messages.
const (
	errInvalidParams = "invalid server parameters: %+v"
	errListen        = "failed to listen on %s: %+v"
	errInterface     = "failed to find multicast interface %q: %+v"
	errAccept        = "failed to accept connection: %+v"
	errAcknowledge   = "failed to acknowledge segments of session %d: %+v"
	errTransmit      = "failed to transmit wave of session %d: %+v"

	errMaxConnections      = "server is at its limit of %d connections"
	errMaxSessions         = "server is at its limit of %d sessions"
	errDuplicateConnection = "client %s is already connected"
)

// Server accepts clients on the control channel and multicasts the files
// they request. Sessions and connections are guarded by separate locks so
// that joining clients do not contend with the wave loop.
type Server struct {
	params   Params
	listener net.Listener
	iface    *net.Interface
	ports    *PortStack

	sessions      map[string]*Session
	nextSessionID int
	sessionMux    sync.Mutex

	connections   []*Connection
	connectionMux sync.Mutex

	// Signalled when a client joins
	joinEvent chan struct{}

	// Tracks client handshakes in progress
	handlers sync.WaitGroup
}

// NewServer verifies the parameters and binds the control channel listener.
func NewServer(params Params) (*Server, error) {
	if params.Multicast == nil {
		params.Multicast = connection.NewUdpMulticast
	}
	if err := params.Verify(); err != nil {
		return nil, errors.Errorf(errInvalidParams, err)
	}

	iface, err := connection.ResolveInterface(params.MulticastInterface)
	if err != nil {
		return nil, errors.Errorf(errInterface, params.MulticastInterface, err)
	}

	listener, err := net.Listen("tcp", params.Address)
	if err != nil {
		return nil, errors.Errorf(errListen, params.Address, err)
	}

	jww.INFO.Printf("[MC] Serving %q on %s", params.RootFolder, listener.Addr())

	return &Server{
		params:    params,
		listener:  listener,
		iface:     iface,
		ports:     NewPortStack(params.MulticastStartPort, params.MaxSessions),
		sessions:  make(map[string]*Session),
		joinEvent: make(chan struct{}, 1),
	}, nil
}

// Addr returns the address of the control channel listener.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// NumConnections returns the number of registered connections.
func (s *Server) NumConnections() int {
	s.connectionMux.Lock()
	defer s.connectionMux.Unlock()
	return len(s.connections)
}

// Session returns the open session serving requestPath, if any.
func (s *Server) Session(requestPath string) (*Session, bool) {
	s.sessionMux.Lock()
	defer s.sessionMux.Unlock()
	session, exists := s.sessions[sessionKey(requestPath)]
	return session, exists
}

// NumSessions returns the number of open sessions.
func (s *Server) NumSessions() int {
	s.sessionMux.Lock()
	defer s.sessionMux.Unlock()
	return len(s.sessions)
}

// Listen accepts and joins clients while running the wave loop until ctx is
// cancelled or an unrecoverable error occurs. Every connection and session is
// closed on return. Cancellation is returned unchanged; any other error is a
// SessionAbortedError.
func (s *Server) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	acceptErr := make(chan error, 1)
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		err := s.acceptAndJoinClients(ctx)
		if err != nil && ctx.Err() == nil {
			acceptErr <- err
			cancel()
		}
	}()
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()

	err := s.waveLoop(ctx)

	cancel()
	<-acceptDone
	s.handlers.Wait()
	s.closeAll()

	select {
	case err = <-acceptErr:
	default:
	}
	if wire.IsCancellation(err) {
		jww.INFO.Printf("[MC] Server on %s stopped", s.listener.Addr())
		return err
	}
	jww.ERROR.Printf("[MC] Server on %s aborted: %+v", s.listener.Addr(), err)
	return wire.NewSessionAborted(err)
}

// acceptAndJoinClients accepts connections until the listener is closed and
// joins each in its own goroutine.
func (s *Server) acceptAndJoinClients(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Errorf(errAccept, err)
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleClient(ctx, conn)
		}()
	}
}

// waveLoop waits for clients and then, while any are connected, transmits a
// wave for each session and runs a status round.
func (s *Server) waveLoop(ctx context.Context) error {
	for {
		timer := time.NewTimer(joinWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.joinEvent:
		case <-timer.C:
		}
		timer.Stop()

		for s.NumConnections() > 0 && s.NumSessions() > 0 {
			s.pruneConnections()

			active, err := s.refreshSessions()
			if err != nil {
				return err
			}

			var transmitted []*Session
			for _, session := range active {
				sent, err := session.transmitWave(ctx)
				if err != nil {
					if wire.IsCancellation(err) {
						return err
					}
					return errors.Errorf(errTransmit, session.ID(), err)
				}
				if sent {
					transmitted = append(transmitted, session)
				}
			}

			if err = s.respondToClients(ctx); err != nil {
				return err
			}
			s.updateBurstDelays(transmitted)
		}
	}
}

// signalJoin wakes the wave loop.
func (s *Server) signalJoin() {
	select {
	case s.joinEvent <- struct{}{}:
	default:
	}
}

////////////////////////////////////////////////////////////////////////////////
// Connection List                                                            //
////////////////////////////////////////////////////////////////////////////////

// addConnection registers c. Fails if the server is full or a connection
// from the same address and port is already registered.
func (s *Server) addConnection(c *Connection) error {
	s.connectionMux.Lock()
	defer s.connectionMux.Unlock()

	if len(s.connections) >= s.params.MaxConnections {
		return wire.NewResponseError(wire.InvalidOperation, errMaxConnections,
			s.params.MaxConnections)
	}
	for _, existing := range s.connections {
		if existing.Equal(c) {
			return wire.NewResponseError(
				wire.InvalidOperation, errDuplicateConnection, c)
		}
	}

	s.connections = append(s.connections, c)
	c.session.attach()
	return nil
}

// connectionSnapshot returns a copy of the connection list.
func (s *Server) connectionSnapshot() []*Connection {
	s.connectionMux.Lock()
	defer s.connectionMux.Unlock()
	return append([]*Connection{}, s.connections...)
}

// pruneConnections removes and closes connections that are leaving, have
// failed or have expired.
func (s *Server) pruneConnections() {
	now := netTime.Now()

	s.connectionMux.Lock()
	var removed []*Connection
	kept := s.connections[:0]
	for _, c := range s.connections {
		if c.removable() || c.expired(now) {
			removed = append(removed, c)
			c.session.detach()
		} else {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(s.connections); i++ {
		s.connections[i] = nil
	}
	s.connections = kept
	s.connectionMux.Unlock()

	for _, c := range removed {
		if c.isLeaving() {
			jww.INFO.Printf("[MC] Client %s left session %d",
				c, c.session.ID())
		} else {
			jww.WARN.Printf("[MC] Dropped client %s of session %d",
				c, c.session.ID())
		}
		if err := c.close(); err != nil {
			jww.DEBUG.Printf("[MC] %+v", err)
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// Session List                                                               //
////////////////////////////////////////////////////////////////////////////////

// refreshSessions closes sessions no client uses and, for the rest,
// acknowledges the segments every client has. Returns the sessions with at
// least one connection, in ID order.
func (s *Server) refreshSessions() ([]*Session, error) {
	bySession := make(map[*Session][]*Connection)
	for _, c := range s.connectionSnapshot() {
		bySession[c.session] = append(bySession[c.session], c)
	}

	s.sessionMux.Lock()
	var active []*Session
	for key, session := range s.sessions {
		if session.idle() {
			delete(s.sessions, key)
			s.releaseSession(session)
		} else if _, exists := bySession[session]; exists {
			active = append(active, session)
		}
	}
	s.sessionMux.Unlock()

	sort.Slice(active, func(i, j int) bool {
		return active[i].ID() < active[j].ID()
	})

	for _, session := range active {
		conns := bySession[session]
		vectors := make([]*utility.BitVector, len(conns))
		for i, c := range conns {
			vectors[i] = c.BitVector()
			c.resetWave()
		}
		if err := session.acknowledge(vectors); err != nil {
			return nil, errors.Errorf(errAcknowledge, session.ID(), err)
		}
	}

	return active, nil
}

// resolveSession returns the session for path, starting one if none exists.
// The returned session has a pending join that the caller must resolve with
// addConnection or abandonSession.
func (s *Server) resolveSession(
	ctx context.Context, requestPath string) (*Session, error) {
	key := sessionKey(requestPath)

	s.sessionMux.Lock()
	defer s.sessionMux.Unlock()

	if session, exists := s.sessions[key]; exists {
		session.beginJoin()
		return session, nil
	}

	if len(s.sessions) >= s.params.MaxSessions {
		return nil, wire.NewResponseError(
			wire.InvalidOperation, errMaxSessions, s.params.MaxSessions)
	}
	port, ok := s.ports.Pop()
	if !ok {
		return nil, wire.NewResponseError(
			wire.InvalidOperation, errMaxSessions, s.params.MaxSessions)
	}

	session, err := newSession(
		ctx, s.nextSessionID, key, port, &s.params, s.iface)
	if err != nil {
		s.ports.Push(port)
		return nil, err
	}
	s.nextSessionID++

	session.beginJoin()
	s.sessions[key] = session
	return session, nil
}

// sessionKey normalizes a requested path. Leading slashes are dropped so that
// paths escaping the root keep their ".." elements.
func sessionKey(requestPath string) string {
	return path.Clean(strings.TrimLeft(requestPath, "/"))
}

// abandonSession resolves a failed pending join and closes the session if no
// client uses it.
func (s *Server) abandonSession(session *Session) {
	session.abandon()

	s.sessionMux.Lock()
	defer s.sessionMux.Unlock()
	if session.idle() && s.sessions[session.Path()] == session {
		delete(s.sessions, session.Path())
		s.releaseSession(session)
	}
}

// releaseSession closes the session and returns its port. Must be called
// with sessionMux held.
func (s *Server) releaseSession(session *Session) {
	if err := session.close(); err != nil {
		jww.WARN.Printf("[MC] Failed to close session %d: %+v",
			session.ID(), err)
	}
	s.ports.Push(session.port)
}

// updateBurstDelays adjusts the burst delay of each session that sent a wave
// from the reception rates its clients reported.
func (s *Server) updateBurstDelays(transmitted []*Session) {
	if len(transmitted) == 0 {
		return
	}

	rates := make(map[*Session][]float64, len(transmitted))
	for _, c := range s.connectionSnapshot() {
		if !c.removable() {
			rates[c.session] = append(rates[c.session], c.ReceptionRate())
		}
	}
	for _, session := range transmitted {
		session.updateBurstDelay(rates[session])
	}
}

// closeAll closes every connection and session.
func (s *Server) closeAll() {
	s.connectionMux.Lock()
	connections := s.connections
	s.connections = nil
	s.connectionMux.Unlock()
	for _, c := range connections {
		c.session.detach()
		_ = c.close()
	}

	s.sessionMux.Lock()
	defer s.sessionMux.Unlock()
	for key, session := range s.sessions {
		delete(s.sessions, key)
		s.releaseSession(session)
	}
}
