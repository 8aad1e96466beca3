////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package server

import (
	"context"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/multicast/wire"
)

// Error messages.
const (
	errUnexpectedStatus = "expected %s or %s; received %s"
)

// respondToClients runs one status round. Every connection that is not
// leaving is sent one reply to one status message, concurrently, within the
// response delay. Connections that time out or misbehave are marked failed
// and dropped on the next prune. Only cancellation of ctx is returned.
func (s *Server) respondToClients(ctx context.Context) error {
	roundCtx, cancel := context.WithTimeout(ctx, s.params.ResponseDelay)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range s.connectionSnapshot() {
		if c.removable() {
			continue
		}
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := s.respondToClient(roundCtx, c); err != nil {
				if ctx.Err() == nil {
					jww.WARN.Printf("[MC] Status from client %s of session "+
						"%d failed: %+v", c, c.session.ID(), err)
				}
				c.fail()
			}
		}(c)
	}
	wg.Wait()

	return ctx.Err()
}

// respondToClient receives one status message from the client and replies.
// A PacketStatusUpdate is answered with the reception rate; if the session
// has sent a wave the client has not reported on, the reply is WaveComplete
// and the client's WaveStatusUpdate is received and answered with the next
// wave number. A WaveStatusUpdate received in place of the
// PacketStatusUpdate is the client's final report.
func (s *Server) respondToClient(ctx context.Context, c *Connection) error {
	msg, err := c.control.Await(ctx)
	if err != nil {
		return err
	}

	session := c.session
	wave := session.WaveNumber()
	bytesSent, _ := session.waveStats()

	switch update := msg.(type) {
	case *wire.WaveStatusUpdate:
		if err = c.updateWaveStatus(update, wave); err != nil {
			_ = c.control.Send(ctx, wire.NewResponse(err))
			return err
		}
		rate := c.updatePacketStatus(&update.PacketStatusUpdate, bytesSent)
		c.refresh(s.params.ReadTimeout)
		return c.control.Send(ctx, &wire.PacketStatusUpdateResponse{
			Response:      wire.Response{Type: wire.Ok},
			ReceptionRate: rate,
		})

	case *wire.PacketStatusUpdate:
		rate := c.updatePacketStatus(update, bytesSent)
		c.refresh(s.params.ReadTimeout)

		complete := !update.LeavingSession && c.waveComplete(wave)
		reply := &wire.PacketStatusUpdateResponse{
			Response:      wire.Response{Type: wire.Ok},
			ReceptionRate: rate,
		}
		if complete {
			reply.Type = wire.WaveComplete
		}
		if err = c.control.Send(ctx, reply); err != nil || !complete {
			return err
		}
		return s.receiveWaveStatus(ctx, c, wave, bytesSent)

	default:
		err = wire.NewResponseError(wire.InvalidOperation, errUnexpectedStatus,
			wire.PacketStatusUpdateKind, wire.WaveStatusUpdateKind, msg.Kind())
		_ = c.control.Send(ctx, wire.NewResponse(err))
		return err
	}
}

// receiveWaveStatus receives the segment vector the client sends after a
// WaveComplete reply and answers with the next wave number.
func (s *Server) receiveWaveStatus(
	ctx context.Context, c *Connection, wave int, bytesSent int64) error {
	msg, err := c.control.Await(ctx)
	if err != nil {
		return err
	}
	update, err := wire.Expect[*wire.WaveStatusUpdate](msg)
	if err == nil {
		err = c.updateWaveStatus(update, wave)
	}
	if err != nil {
		_ = c.control.Send(ctx, wire.NewResponse(err))
		return err
	}
	c.updatePacketStatus(&update.PacketStatusUpdate, bytesSent)
	c.refresh(s.params.ReadTimeout)

	jww.TRACE.Printf("[MC] Client %s has %d of %d segments after wave %d",
		c, update.FileBitVector.Count(), update.FileBitVector.Len(), wave)

	return c.control.Send(ctx, &wire.WaveCompleteResponse{
		Response:   wire.Response{Type: wire.Ok},
		WaveNumber: wave + 1,
	})
}
