////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package client

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/multicast/fileSet"
	"gitlab.com/elixxir/multicast/wire"
)

// receiveSegments writes every valid segment received from the multicast
// group and calls finish once no bytes remain. Datagrams that fail to decode,
// do not match the manifest or repeat a recent datagram are dropped.
func (c *Client) receiveSegments(ctx context.Context, finish func()) error {
	var total int64
	for _, fh := range c.join.Files {
		total += fh.Size()
	}

	duplicates, err := newDuplicateFilter()
	if err != nil {
		return err
	}
	wave := c.waveNumber.Load()

	for c.writer.BytesRemaining() > 0 {
		data, err := c.multicast.Receive(ctx)
		if err != nil {
			return err
		}

		if next := c.waveNumber.Load(); next != wave {
			wave = next
			if err = duplicates.Rotate(); err != nil {
				return err
			}
		}

		if duplicates.Seen(data) {
			jww.TRACE.Printf("[MC] Dropped duplicate datagram")
			continue
		}
		segment, ok := c.decodeSegment(data)
		if !ok {
			continue
		}
		if err = duplicates.Add(data); err != nil {
			return err
		}
		c.bytesReceived.Add(int64(len(segment.Data)))

		written, err := c.writer.WriteSegments([]fileSet.FileSegment{segment})
		if err != nil {
			return err
		}
		if written > 0 && c.params.Progress != nil {
			c.params.Progress(total-c.writer.BytesRemaining(), total)
		}
	}

	finish()
	return nil
}

// decodeSegment decodes a datagram into a segment of the manifest.
func (c *Client) decodeSegment(data []byte) (fileSet.FileSegment, bool) {
	var err error
	if c.encoder != nil {
		if data, err = c.encoder.Decode(data); err != nil {
			jww.TRACE.Printf("[MC] Dropped undecodable datagram: %+v", err)
			return fileSet.FileSegment{}, false
		}
	}

	segment, err := wire.UnmarshalSegment(data)
	if err == nil {
		err = c.writer.Verify(segment)
	}
	if err != nil {
		jww.TRACE.Printf("[MC] Dropped invalid segment: %+v", err)
		return fileSet.FileSegment{}, false
	}
	return segment, true
}

// reportStatus sends a status report every status interval until done is
// closed, then sends the final report and returns.
func (c *Client) reportStatus(ctx context.Context, done <-chan struct{}) error {
	ticker := time.NewTicker(c.params.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return c.sendFinalStatus(ctx)
		case <-ticker.C:
		}

		select {
		case <-done:
			return c.sendFinalStatus(ctx)
		default:
		}

		if err := c.exchangeStatus(ctx); err != nil {
			return err
		}
	}
}

// exchangeStatus reports the bytes received since the last report. If the
// server replies that a wave is complete, the vector of written segments is
// sent and the next wave number received.
func (c *Client) exchangeStatus(ctx context.Context) error {
	err := c.control.Send(ctx, &wire.PacketStatusUpdate{
		BytesReceived: c.bytesReceived.Swap(0),
	})
	if err != nil {
		return err
	}

	msg, err := c.control.Await(ctx)
	if err != nil {
		return err
	}
	reply, err := wire.Expect[*wire.PacketStatusUpdateResponse](msg)
	if err == nil {
		err = reply.Status().Err()
	}
	if err != nil {
		return err
	}
	jww.TRACE.Printf("[MC] Reception rate %.3f", reply.ReceptionRate)

	if reply.Type != wire.WaveComplete {
		return nil
	}

	written := c.writer.Written()
	err = c.control.Send(ctx, &wire.WaveStatusUpdate{
		PacketStatusUpdate: wire.PacketStatusUpdate{
			BytesReceived: c.bytesReceived.Swap(0),
		},
		FileBitVector: written,
	})
	if err != nil {
		return err
	}

	msg, err = c.control.Await(ctx)
	if err != nil {
		return err
	}
	waveReply, err := wire.Expect[*wire.WaveCompleteResponse](msg)
	if err == nil {
		err = waveReply.Status().Err()
	}
	if err != nil {
		return err
	}

	c.waveNumber.Store(int64(waveReply.WaveNumber))
	jww.DEBUG.Printf("[MC] Reported %d of %d segments; next wave %d",
		written.Count(), written.Len(), waveReply.WaveNumber)
	return nil
}

// sendFinalStatus sends the complete segment vector and tells the server the
// client is leaving.
func (c *Client) sendFinalStatus(ctx context.Context) error {
	err := c.control.Send(ctx, &wire.WaveStatusUpdate{
		PacketStatusUpdate: wire.PacketStatusUpdate{
			LeavingSession: true,
			BytesReceived:  c.bytesReceived.Swap(0),
		},
		FileBitVector: c.writer.Written(),
	})
	if err != nil {
		return err
	}

	msg, err := c.control.Await(ctx)
	if err != nil {
		return err
	}
	reply, err := wire.Expect[*wire.PacketStatusUpdateResponse](msg)
	if err == nil {
		err = reply.Status().Err()
	}
	return err
}
