////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package server

import (
	"bytes"
	"context"
	"net"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/multicast/connection"
	"gitlab.com/elixxir/multicast/encoder"
	"gitlab.com/elixxir/multicast/wire"
)

// Error messages.
const (
	errEncodeChallenge = "failed to encode challenge key: %+v"
	errChallengeFailed = "challenge response from %s is invalid"
	errUpgrade         = "failed to secure control channel: %+v"
	errSendJoin        = "failed to send join response: %+v"
)

// handleClient runs the handshake and join for a new control connection. On
// failure the client is sent a failure response and the connection is
// discarded without being registered.
func (s *Server) handleClient(ctx context.Context, conn net.Conn) {
	control := connection.NewControl(
		conn, s.params.BufferSize, s.params.ReadTimeout)

	c, err := s.joinClient(ctx, control)
	if err != nil {
		if wire.IsCancellation(err) {
			jww.DEBUG.Printf("[MC] Join from %s cancelled", conn.RemoteAddr())
		} else {
			jww.WARN.Printf("[MC] Rejected client %s: %+v",
				conn.RemoteAddr(), err)
			if sendErr := control.Send(ctx, wire.NewResponse(err)); sendErr != nil {
				jww.DEBUG.Printf("[MC] Failed to send rejection to %s: %+v",
					conn.RemoteAddr(), sendErr)
			}
		}
		_ = control.Close()
		return
	}

	jww.INFO.Printf("[MC] Client %s joined session %d for %q",
		c, c.session.ID(), c.session.Path())
	s.signalJoin()
}

// joinClient authenticates the client with a challenge and joins it to the
// session of the path it requests.
func (s *Server) joinClient(
	ctx context.Context, control *connection.Control) (*Connection, error) {
	if s.NumConnections() >= s.params.MaxConnections {
		return nil, wire.NewResponseError(wire.InvalidOperation,
			errMaxConnections, s.params.MaxConnections)
	}
	if err := control.Send(ctx, wire.NewResponse(nil)); err != nil {
		return nil, err
	}

	if err := s.challenge(ctx, control); err != nil {
		return nil, err
	}
	if err := control.Send(ctx, wire.NewResponse(nil)); err != nil {
		return nil, err
	}

	msg, err := control.Receive(ctx)
	if err != nil {
		return nil, err
	}
	request, err := wire.Expect[*wire.SessionJoinRequest](msg)
	if err != nil {
		return nil, err
	}
	jww.DEBUG.Printf("[MC] Client %s requested %q (state %d)",
		control.RemoteAddr(), request.Path, request.State)

	session, err := s.resolveSession(ctx, request.Path)
	if err != nil {
		return nil, err
	}

	c := newConnection(control, session, s.params.ReadTimeout)
	if err = s.addConnection(c); err != nil {
		s.abandonSession(session)
		return nil, err
	}

	if err = control.Send(ctx, session.joinResponse()); err != nil {
		// The wave loop drops the connection once it fails
		c.fail()
		return nil, errors.Errorf(errSendJoin, err)
	}

	return c, nil
}

// challenge sends a random key, encoded when an encoder is configured, and
// checks that the client sealed the challenge token under it. The control
// channel is upgraded with the key when the server is secure.
func (s *Server) challenge(
	ctx context.Context, control *connection.Control) error {
	key, err := encoder.NewChallengeKey()
	if err != nil {
		return err
	}

	challengeKey := key
	if s.params.Encoder != nil {
		enc, err := s.params.Encoder.NewEncoder()
		if err != nil {
			return errors.Errorf(errEncodeChallenge, err)
		}
		if challengeKey, err = enc.Encode(key); err != nil {
			return errors.Errorf(errEncodeChallenge, err)
		}
	}

	err = control.Send(ctx,
		&wire.Challenge{ChallengeKey: challengeKey, Secure: s.params.Secure})
	if err != nil {
		return err
	}

	if s.params.Secure {
		if err = control.Upgrade(key, true); err != nil {
			return errors.Errorf(errUpgrade, err)
		}
	}

	msg, err := control.Receive(ctx)
	if err != nil {
		return err
	}
	response, err := wire.Expect[*wire.ChallengeResponse](msg)
	if err != nil {
		return err
	}

	keyEncoder, err := encoder.NewKeyEncoder(key)
	if err != nil {
		return err
	}
	token, err := keyEncoder.Decode(response.ChallengeKey)
	if err != nil || !bytes.Equal(token, encoder.ChallengeToken) {
		return wire.NewResponseError(
			wire.AccessDenied, errChallengeFailed, control.RemoteAddr())
	}

	return nil
}
