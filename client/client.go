////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package client downloads a path from a multicast server: it authenticates
// on the control channel, joins the path's session, writes the segments it
// receives from the multicast group and reports its progress until every
// segment is on disk.
package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/multicast/connection"
	"gitlab.com/elixxir/multicast/encoder"
	"gitlab.com/elixxir/multicast/fileSet"
	"gitlab.com/elixxir/multicast/utility"
	"gitlab.com/elixxir/multicast/wire"
)

// Error messages.
const (
	errInvalidParams  = "invalid client parameters: %+v"
	errSchemeMismatch = "server secure mode is %t but URI scheme secure mode is %t"
	errDecodeKey      = "failed to decode challenge key: %v"
	errKeyLength      = "challenge key has %d bytes; expected %d"
	errSealToken      = "failed to answer challenge: %+v"
	errUpgrade        = "failed to secure control channel: %+v"
	errCreateFiles    = "failed to create files: %+v"
	errNewEncoder     = "failed to create segment decoder: %+v"
	errMulticastGroup = "invalid multicast address %q"
	errInterface      = "failed to find multicast interface %q: %+v"
	errNotJoined      = "client has not joined a session"
	errSecureEncoder  = "secure URI %q requires an encoder"
	errChecksum       = "downloaded files are corrupt: %v"
)

// Client downloads one path. A Client is used for a single download.
type Client struct {
	params Params

	control   *connection.Control
	join      *wire.SessionJoinResponse
	set       *fileSet.FileSet
	writer    *fileSet.ChunkWriter
	encoder   encoder.Encoder
	multicast connection.Multicast

	// Bytes of segment data received since the last status report
	bytesReceived atomic.Int64
	waveNumber    atomic.Int64
}

// NewClient verifies the parameters and returns a client.
func NewClient(params Params) (*Client, error) {
	if params.Multicast == nil {
		params.Multicast = connection.NewUdpMulticast
	}
	if err := params.Verify(); err != nil {
		return nil, errors.Errorf(errInvalidParams, err)
	}
	return &Client{params: params}, nil
}

// Download fetches requestPath from the server at uri into the root folder.
// If requestPath is empty, the path of the URI is used. state is an opaque
// value passed to the server on join.
//
// Handshake and join failures are returned as wire.ResponseError. A failure
// after joining is a wire.SessionAbortedError and the partially written
// files are deleted. Cancellation is returned unchanged.
func (c *Client) Download(
	ctx context.Context, uri, requestPath string, state int64) error {
	endpoint, err := connection.ParseURI(uri)
	if err != nil {
		return err
	}
	if requestPath == "" {
		requestPath = endpoint.Path
	}

	if err = c.ConnectToServer(ctx, endpoint); err != nil {
		c.Close()
		return err
	}
	if err = c.RequestFilesAndBeginReading(ctx, requestPath, state); err != nil {
		c.Close()
		return err
	}
	if err = c.MulticastDownload(ctx); err != nil {
		c.abort()
		return wire.NewSessionAborted(err)
	}

	c.Close()
	return nil
}

// ConnectToServer opens the control channel and answers the server's
// challenge, upgrading the channel for a secure endpoint. A secure endpoint
// requires an encoder.
func (c *Client) ConnectToServer(
	ctx context.Context, endpoint connection.Endpoint) error {
	if endpoint.Secure && c.params.Encoder == nil {
		return wire.NewResponseError(
			wire.InvalidOperation, errSecureEncoder, endpoint.String())
	}

	control, err := connection.Dial(
		ctx, endpoint.Address, c.params.BufferSize, c.params.ReadTimeout)
	if err != nil {
		return err
	}
	c.control = control

	// Connect-ack
	if err = c.receiveStatus(ctx); err != nil {
		return err
	}

	msg, err := control.Receive(ctx)
	if err != nil {
		return err
	}
	challenge, err := wire.Expect[*wire.Challenge](msg)
	if err != nil {
		return err
	}
	if challenge.Secure != endpoint.Secure {
		return wire.NewResponseError(wire.InvalidOperation, errSchemeMismatch,
			challenge.Secure, endpoint.Secure)
	}

	key, err := c.decodeChallenge(challenge.ChallengeKey)
	if err != nil {
		// Let the server know the challenge failed
		_ = control.Send(ctx, &wire.ChallengeResponse{})
		return err
	}

	if endpoint.Secure {
		if err = control.Upgrade(key, false); err != nil {
			return errors.Errorf(errUpgrade, err)
		}
	}

	keyEncoder, err := encoder.NewKeyEncoder(key)
	if err != nil {
		return errors.Errorf(errSealToken, err)
	}
	sealed, err := keyEncoder.Encode(encoder.ChallengeToken)
	if err != nil {
		return errors.Errorf(errSealToken, err)
	}
	err = control.Send(ctx, &wire.ChallengeResponse{ChallengeKey: sealed})
	if err != nil {
		return err
	}

	if err = c.receiveStatus(ctx); err != nil {
		return err
	}

	jww.DEBUG.Printf("[MC] Authenticated with %s", endpoint.Address)
	return nil
}

// decodeChallenge recovers the challenge key with the configured encoder.
func (c *Client) decodeChallenge(challengeKey []byte) ([]byte, error) {
	key := challengeKey
	if c.params.Encoder != nil {
		enc, err := c.params.Encoder.NewEncoder()
		if err != nil {
			return nil, err
		}
		if key, err = enc.Decode(challengeKey); err != nil {
			return nil, wire.NewResponseError(wire.AccessDenied, errDecodeKey, err)
		}
	}
	if len(key) != encoder.KeySize {
		return nil, wire.NewResponseError(
			wire.AccessDenied, errKeyLength, len(key), encoder.KeySize)
	}
	return key, nil
}

// receiveStatus receives a bare Response and returns its error.
func (c *Client) receiveStatus(ctx context.Context) error {
	msg, err := c.control.Receive(ctx)
	if err != nil {
		return err
	}
	response, err := wire.Expect[*wire.Response](msg)
	if err != nil {
		return err
	}
	return response.Err()
}

// RequestFilesAndBeginReading joins the session of requestPath, creates the
// files of its manifest under the root folder and prepares the multicast
// receiver.
func (c *Client) RequestFilesAndBeginReading(
	ctx context.Context, requestPath string, state int64) error {
	err := c.control.Send(ctx,
		&wire.SessionJoinRequest{Path: requestPath, State: state})
	if err != nil {
		return err
	}

	msg, err := c.control.Receive(ctx)
	if err != nil {
		return err
	}
	join, err := wire.Expect[*wire.SessionJoinResponse](msg)
	if err == nil {
		err = join.Status().Err()
	}
	if err != nil {
		return err
	}

	group := net.ParseIP(join.MulticastAddress)
	if group == nil || !group.IsMulticast() {
		return wire.NewResponseError(
			wire.InvalidOperation, errMulticastGroup, join.MulticastAddress)
	}
	iface, err := connection.ResolveInterface(c.params.MulticastInterface)
	if err != nil {
		return errors.Errorf(errInterface, c.params.MulticastInterface, err)
	}

	if c.params.Encoder != nil {
		if c.encoder, err = c.params.Encoder.NewEncoder(); err != nil {
			return errors.Errorf(errNewEncoder, err)
		}
	}

	set, err := fileSet.CreateWriteFileSet(c.params.RootFolder, join.Files)
	if err != nil {
		if errors.Is(err, fileSet.ErrAccessDenied) {
			return wire.NewResponseError(wire.AccessDenied, "%v", err)
		}
		return errors.Errorf(errCreateFiles, err)
	}

	c.join = join
	c.set = set
	c.writer = fileSet.NewChunkWriter(set)
	c.waveNumber.Store(int64(join.WaveNumber))
	c.multicast = c.params.Multicast(connection.MulticastParams{
		Group:      &net.UDPAddr{IP: group, Port: join.MulticastPort},
		BufferSize: c.params.BufferSize,
		Interface:  iface,
	}, false)

	jww.INFO.Printf("[MC] Joined session %d for %q: %d files, %d bytes on "+
		"%s:%d", join.SessionID, requestPath, len(join.Files),
		c.writer.BytesRemaining(), join.MulticastAddress, join.MulticastPort)
	return nil
}

// MulticastDownload joins the multicast group and receives segments while
// reporting status, until every segment is written. The files are then
// flushed and their checksums verified.
func (c *Client) MulticastDownload(ctx context.Context) error {
	if c.writer == nil {
		return errors.New(errNotJoined)
	}
	if err := c.multicast.Connect(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	var doneOnce sync.Once
	finish := func() { doneOnce.Do(func() { close(done) }) }
	if c.writer.BytesRemaining() == 0 {
		finish()
	}

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.receiveSegments(ctx, finish); err != nil {
			errCh <- err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := c.reportStatus(ctx, done); err != nil {
			errCh <- err
			cancel()
		}
		// The receiver may still be waiting on a datagram
		cancel()
	}()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}

	if c.writer.Written().Contains(false) {
		jww.FATAL.Panicf("[MC] All bytes written but segments are missing: %s",
			c.writer.Written())
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	if err := c.set.VerifyChecksums(); err != nil {
		return wire.NewResponseError(wire.InvalidOperation, errChecksum, err)
	}

	jww.INFO.Printf("[MC] Downloaded %d files of session %d after wave %d",
		len(c.join.Files), c.join.SessionID, c.waveNumber.Load())
	return nil
}

// Written returns a copy of the vector of segments written to disk.
func (c *Client) Written() *utility.BitVector {
	if c.writer == nil {
		return nil
	}
	return c.writer.Written()
}

// Files returns the manifest of the joined session.
func (c *Client) Files() []*fileSet.FileHeader {
	if c.join == nil {
		return nil
	}
	return c.join.Files
}

// Close releases the control channel, the multicast receiver and the files.
func (c *Client) Close() {
	if c.multicast != nil {
		_ = c.multicast.Close()
	}
	if c.control != nil {
		_ = c.control.Close()
	}
	if c.set != nil {
		if err := c.set.Close(); err != nil {
			jww.WARN.Printf("[MC] %+v", err)
		}
	}
}

// abort closes everything and deletes the partially written files.
func (c *Client) abort() {
	if c.multicast != nil {
		_ = c.multicast.Close()
	}
	if c.control != nil {
		_ = c.control.Close()
	}
	if c.set != nil {
		if err := c.set.Delete(); err != nil {
			jww.WARN.Printf("[MC] Failed to clean up download: %+v", err)
		}
	}
}
