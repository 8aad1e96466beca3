////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/multicast/connection"
	"gitlab.com/elixxir/multicast/encoder"
	"gitlab.com/elixxir/multicast/fileSet"
	"gitlab.com/elixxir/multicast/utility"
	"gitlab.com/elixxir/multicast/wire"
	"go.uber.org/ratelimit"
)

// Error messages.
const (
	errNewEncoder     = "failed to create session encoder: %+v"
	errOpenSession    = "failed to open files for %q: %+v"
	errConnectSession = "failed to open multicast sender for session %d: %+v"
	errReadBurst      = "failed to read burst %d of wave %d: %+v"
	errEncodeSegment  = "failed to encode segment %d: %+v"
	errSendSegment    = "failed to multicast segment %d: %+v"
)

// Session is the transfer of one requested path. It owns the files being
// read, the multicast sender and the port it sends on, and is shared by every
// connection that requested the same path.
type Session struct {
	id          int
	path        string
	port        int
	group       *net.UDPAddr
	segmentSize int
	burstLength int

	reader    *fileSet.ChunkReader
	encoder   encoder.Encoder
	multicast connection.Multicast
	limiter   ratelimit.Limiter

	params *Params

	waveNumber     int
	sequenceNumber int
	bytesSent      int64
	waveSize       int64
	throughput     *utility.ThroughputCalculator
	burstDelay     int

	// Number of registered connections and of joins still in progress
	connections  int
	pendingJoins int

	mux sync.Mutex
}

// newSession opens the files of path and the multicast sender on port.
func newSession(ctx context.Context, id int, path string, port int,
	params *Params, iface *net.Interface) (*Session, error) {
	var enc encoder.Encoder
	overhead := 0
	if params.Encoder != nil {
		var err error
		if enc, err = params.Encoder.NewEncoder(); err != nil {
			return nil, errors.Errorf(errNewEncoder, err)
		}
		overhead = enc.Overhead()
	}
	segmentSize := params.segmentSize(overhead)

	set, err := fileSet.OpenReadFileSet(params.RootFolder, path, segmentSize)
	if err != nil {
		switch {
		case errors.Is(err, fileSet.ErrPathNotFound):
			return nil, wire.NewResponseError(wire.PathNotFound, "%v", err)
		case errors.Is(err, fileSet.ErrAccessDenied):
			return nil, wire.NewResponseError(wire.AccessDenied, "%v", err)
		}
		return nil, errors.Errorf(errOpenSession, path, err)
	}

	group := params.multicastGroup(port)
	mc := params.Multicast(connection.MulticastParams{
		Group:      group,
		TTL:        params.TTL,
		BufferSize: params.BufferSize,
		Interface:  iface,
	}, true)
	if err = mc.Connect(ctx); err != nil {
		_ = set.Close()
		return nil, errors.Errorf(errConnectSession, id, err)
	}

	packetsPerSecond := int(params.MaxBytesPerSecond / int64(segmentSize))
	if packetsPerSecond < 1 {
		packetsPerSecond = 1
	}

	jww.INFO.Printf("[MC] Started session %d for %q on %s: %d files, "+
		"%d segments of %d bytes", id, path, group, len(set.Headers()),
		set.NumSegments(), segmentSize)

	return &Session{
		id:          id,
		path:        path,
		port:        port,
		group:       group,
		segmentSize: segmentSize,
		burstLength: params.MulticastBurstLength,
		reader:      fileSet.NewChunkReader(set),
		encoder:     enc,
		multicast:   mc,
		limiter:     ratelimit.New(packetsPerSecond),
		params:      params,
		throughput:  utility.NewThroughputCalculator(0),
		burstDelay:  minBurstDelay,
	}, nil
}

// ID returns the session ID.
func (s *Session) ID() int { return s.id }

// Path returns the cleaned requested path.
func (s *Session) Path() string { return s.path }

// WaveNumber returns the number of the current or last wave.
func (s *Session) WaveNumber() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.waveNumber
}

// BurstDelay returns the current delay between bursts.
func (s *Session) BurstDelay() time.Duration {
	s.mux.Lock()
	defer s.mux.Unlock()
	return time.Duration(s.burstDelay) * time.Millisecond
}

// Complete returns true when every segment is acknowledged by every client.
func (s *Session) Complete() bool {
	return s.reader.Complete()
}

// joinResponse describes the session to a joining client.
func (s *Session) joinResponse() *wire.SessionJoinResponse {
	return &wire.SessionJoinResponse{
		Response:             wire.Response{Type: wire.Ok},
		MulticastAddress:     s.group.IP.String(),
		MulticastPort:        s.group.Port,
		IPv6:                 s.group.IP.To4() == nil,
		MTU:                  s.params.MTU,
		MulticastBurstLength: s.burstLength,
		Files:                s.reader.FileSet().Headers(),
		WaveNumber:           s.WaveNumber(),
		SessionID:            s.id,
	}
}

// numSegments returns the number of segments in the session.
func (s *Session) numSegments() int {
	return s.reader.FileSet().NumSegments()
}

// acknowledge retires the segments set in every vector. With no vectors,
// nothing is acknowledged.
func (s *Session) acknowledge(vectors []*utility.BitVector) error {
	if len(vectors) == 0 {
		return s.reader.Acknowledge(utility.NewBitVector(s.numSegments()))
	}
	acked, err := utility.IntersectOf(vectors...)
	if err != nil {
		return err
	}
	return s.reader.Acknowledge(acked)
}

////////////////////////////////////////////////////////////////////////////////
// Connection Accounting                                                      //
////////////////////////////////////////////////////////////////////////////////

// beginJoin records a join in progress so the session is not dropped before
// the connection is registered.
func (s *Session) beginJoin() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.pendingJoins++
}

// attach converts a pending join into a registered connection.
func (s *Session) attach() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.pendingJoins--
	s.connections++
}

// abandon removes a pending join that failed.
func (s *Session) abandon() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.pendingJoins--
}

// detach removes a registered connection.
func (s *Session) detach() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.connections--
}

// idle returns true if no connection uses or is joining the session.
func (s *Session) idle() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.connections == 0 && s.pendingJoins == 0
}

////////////////////////////////////////////////////////////////////////////////
// Wave Transmission                                                          //
////////////////////////////////////////////////////////////////////////////////

// beginWave starts a new wave over the unacknowledged segments.
func (s *Session) beginWave() {
	remaining := s.reader.BytesRemaining()
	s.reader.Reset()

	s.mux.Lock()
	s.sequenceNumber = 0
	s.waveNumber++
	s.bytesSent = 0
	s.waveSize = remaining
	wave := s.waveNumber
	s.mux.Unlock()

	s.throughput.Start()

	jww.DEBUG.Printf("[MC] Session %d beginning wave %d of %d bytes",
		s.id, wave, remaining)
}

// transmitWave multicasts every unacknowledged segment once, in bursts of
// burstLength bytes separated by the burst delay. Returns false if there was
// nothing to send.
func (s *Session) transmitWave(ctx context.Context) (bool, error) {
	if s.reader.Complete() {
		return false, nil
	}
	s.beginWave()

	for burst := 0; ; burst++ {
		segments, err := s.reader.ReadSegments(s.burstLength)
		if err != nil {
			return true, errors.Errorf(errReadBurst, burst, s.WaveNumber(), err)
		}
		if len(segments) == 0 {
			break
		}

		// Bookkeeping, sending and the delay proceed together; the next burst
		// starts once all three are done
		delay := s.BurstDelay()
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			s.recordBurst(segments)
		}()
		go func() {
			defer wg.Done()
			if err := s.sendBurst(ctx, segments); err != nil {
				errCh <- err
			}
		}()
		go func() {
			defer wg.Done()
			if err := sleep(ctx, delay); err != nil {
				errCh <- err
			}
		}()
		wg.Wait()

		select {
		case err = <-errCh:
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, err
		default:
		}
	}

	s.mux.Lock()
	jww.DEBUG.Printf("[MC] Session %d finished wave %d: %d segments, %d of "+
		"%d bytes, %.0f B/s", s.id, s.waveNumber, s.sequenceNumber,
		s.bytesSent, s.waveSize, s.throughput.BytesPerSecond())
	s.mux.Unlock()

	return true, nil
}

// recordBurst updates the wave counters with a sent burst.
func (s *Session) recordBurst(segments []fileSet.FileSegment) {
	var size int64
	for _, seg := range segments {
		size += int64(len(seg.Data))
	}

	s.mux.Lock()
	s.sequenceNumber += len(segments)
	s.bytesSent += size
	s.mux.Unlock()

	s.throughput.Add(size)
}

// sendBurst encodes and multicasts each segment, paced by the limiter.
func (s *Session) sendBurst(
	ctx context.Context, segments []fileSet.FileSegment) error {
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}

		data := wire.MarshalSegment(seg)
		if s.encoder != nil {
			var err error
			if data, err = s.encoder.Encode(data); err != nil {
				return errors.Errorf(errEncodeSegment, seg.SegmentID, err)
			}
		}

		s.limiter.Take()
		if err := s.multicast.Send(ctx, data); err != nil {
			if wire.IsCancellation(err) {
				return err
			}
			return errors.Errorf(errSendSegment, seg.SegmentID, err)
		}
	}
	return nil
}

// waveStats returns the bytes sent in the current wave and the session's
// throughput.
func (s *Session) waveStats() (int64, float64) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.bytesSent, s.throughput.BytesPerSecond()
}

// updateBurstDelay adjusts the burst delay from the reception rates of the
// session's clients.
func (s *Session) updateBurstDelay(rates []float64) {
	if len(rates) == 0 {
		return
	}
	_, throughput := s.waveStats()
	rate := reduceRates(rates, s.params.DelayPolicy)

	s.mux.Lock()
	defer s.mux.Unlock()
	old := s.burstDelay
	s.burstDelay = nextBurstDelay(
		s.burstDelay, rate, throughput, s.params.MaxBytesPerSecond)
	if old != s.burstDelay {
		jww.DEBUG.Printf("[MC] Session %d burst delay %d ms -> %d ms "+
			"(reception %.3f, %.0f B/s)", s.id, old, s.burstDelay, rate,
			throughput)
	}
}

// close releases the multicast sender and the files.
func (s *Session) close() error {
	mcErr := s.multicast.Close()
	fsErr := s.reader.FileSet().Close()
	jww.INFO.Printf("[MC] Closed session %d for %q after %d waves",
		s.id, s.path, s.WaveNumber())
	if mcErr != nil {
		return mcErr
	}
	return fsErr
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
