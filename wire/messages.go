////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package wire

import (
	"github.com/pkg/errors"
	"gitlab.com/elixxir/multicast/fileSet"
	"gitlab.com/elixxir/multicast/utility"
	"google.golang.org/protobuf/encoding/protowire"
)

// Response field numbers. Messages that extend Response keep these numbers and
// start their own fields at 5.
const (
	fieldResponseType    protowire.Number = 3
	fieldResponseMessage protowire.Number = 4
)

// Response is the base reply on the control channel.
type Response struct {
	Type    ResponseType
	Message string
}

// NewResponse returns the Response describing err: Ok for nil, the type of a
// ResponseError, or Failed for any other error.
func NewResponse(err error) *Response {
	if err == nil {
		return &Response{Type: Ok}
	}
	var re *ResponseError
	if errors.As(err, &re) {
		return &Response{Type: re.Type, Message: re.Message}
	}
	return &Response{Type: Failed, Message: err.Error()}
}

func (r *Response) Kind() Kind        { return ResponseKind }
func (r *Response) Status() *Response { return r }

// Err returns a ResponseError if the response is not a success.
func (r *Response) Err() error {
	if r.Type.IsSuccess() {
		return nil
	}
	return &ResponseError{Type: r.Type, Message: r.Message}
}

func (r *Response) appendFields(b []byte) []byte {
	b = appendVarint(b, fieldResponseType, uint64(r.Type))
	if r.Message != "" {
		b = appendString(b, fieldResponseMessage, r.Message)
	}
	return b
}

func (r *Response) consumeField(
	num protowire.Number, typ protowire.Type, b []byte) int {
	switch num {
	case fieldResponseType:
		v, n := consumeVarint(typ, b)
		r.Type = ResponseType(v)
		return n
	case fieldResponseMessage:
		var n int
		r.Message, n = consumeString(typ, b)
		return n
	}
	return 0
}

////////////////////////////////////////////////////////////////////////////////
// Handshake                                                                  //
////////////////////////////////////////////////////////////////////////////////

const (
	fieldChallengeKey    protowire.Number = 3
	fieldChallengeSecure protowire.Number = 4
)

// Challenge carries the server's random key, encoded with the server's
// encoder when one is configured. Secure is set when the server expects the
// control channel to be upgraded before the challenge response.
type Challenge struct {
	ChallengeKey []byte
	Secure       bool
}

func (c *Challenge) Kind() Kind { return ChallengeKind }

func (c *Challenge) appendFields(b []byte) []byte {
	b = appendBytes(b, fieldChallengeKey, c.ChallengeKey)
	return appendBool(b, fieldChallengeSecure, c.Secure)
}

func (c *Challenge) consumeField(
	num protowire.Number, typ protowire.Type, b []byte) int {
	switch num {
	case fieldChallengeKey:
		var n int
		c.ChallengeKey, n = consumeBytes(typ, b)
		return n
	case fieldChallengeSecure:
		v, n := consumeVarint(typ, b)
		c.Secure = protowire.DecodeBool(v)
		return n
	}
	return 0
}

// ChallengeResponse carries the client's proof of the challenge key.
type ChallengeResponse struct {
	ChallengeKey []byte
}

func (c *ChallengeResponse) Kind() Kind { return ChallengeResponseKind }

func (c *ChallengeResponse) appendFields(b []byte) []byte {
	return appendBytes(b, fieldChallengeKey, c.ChallengeKey)
}

func (c *ChallengeResponse) consumeField(
	num protowire.Number, typ protowire.Type, b []byte) int {
	if num == fieldChallengeKey {
		var n int
		c.ChallengeKey, n = consumeBytes(typ, b)
		return n
	}
	return 0
}

////////////////////////////////////////////////////////////////////////////////
// Session Join                                                               //
////////////////////////////////////////////////////////////////////////////////

const (
	fieldJoinPath  protowire.Number = 3
	fieldJoinState protowire.Number = 4
)

// SessionJoinRequest asks the server for the files at Path. State is an
// opaque value supplied by the client.
type SessionJoinRequest struct {
	Path  string
	State int64
}

func (r *SessionJoinRequest) Kind() Kind { return SessionJoinRequestKind }

func (r *SessionJoinRequest) appendFields(b []byte) []byte {
	b = appendString(b, fieldJoinPath, r.Path)
	return appendVarint(b, fieldJoinState, protowire.EncodeZigZag(r.State))
}

func (r *SessionJoinRequest) consumeField(
	num protowire.Number, typ protowire.Type, b []byte) int {
	switch num {
	case fieldJoinPath:
		var n int
		r.Path, n = consumeString(typ, b)
		return n
	case fieldJoinState:
		v, n := consumeVarint(typ, b)
		r.State = protowire.DecodeZigZag(v)
		return n
	}
	return 0
}

const (
	fieldJoinAddress     protowire.Number = 5
	fieldJoinPort        protowire.Number = 6
	fieldJoinIPv6        protowire.Number = 7
	fieldJoinMTU         protowire.Number = 8
	fieldJoinBurstLength protowire.Number = 9
	fieldJoinFiles       protowire.Number = 10
	fieldJoinWaveNumber  protowire.Number = 11
	fieldJoinSessionID   protowire.Number = 12
)

// SessionJoinResponse tells a client where the session's segments are
// multicast and which files they belong to.
type SessionJoinResponse struct {
	Response
	MulticastAddress     string
	MulticastPort        int
	IPv6                 bool
	MTU                  int
	MulticastBurstLength int
	Files                []*fileSet.FileHeader
	WaveNumber           int
	SessionID            int
}

func (r *SessionJoinResponse) Kind() Kind        { return SessionJoinResponseKind }
func (r *SessionJoinResponse) Status() *Response { return &r.Response }

func (r *SessionJoinResponse) appendFields(b []byte) []byte {
	b = r.Response.appendFields(b)
	b = appendString(b, fieldJoinAddress, r.MulticastAddress)
	b = appendVarint(b, fieldJoinPort, uint64(r.MulticastPort))
	b = appendBool(b, fieldJoinIPv6, r.IPv6)
	b = appendVarint(b, fieldJoinMTU, uint64(r.MTU))
	b = appendVarint(b, fieldJoinBurstLength, uint64(r.MulticastBurstLength))
	for _, fh := range r.Files {
		b = appendBytes(b, fieldJoinFiles, marshalFileHeader(fh))
	}
	b = appendVarint(b, fieldJoinWaveNumber, uint64(r.WaveNumber))
	return appendVarint(b, fieldJoinSessionID, uint64(r.SessionID))
}

func (r *SessionJoinResponse) consumeField(
	num protowire.Number, typ protowire.Type, b []byte) int {
	var n int
	var v uint64
	switch num {
	case fieldJoinAddress:
		r.MulticastAddress, n = consumeString(typ, b)
	case fieldJoinPort:
		v, n = consumeVarint(typ, b)
		r.MulticastPort = int(v)
	case fieldJoinIPv6:
		v, n = consumeVarint(typ, b)
		r.IPv6 = protowire.DecodeBool(v)
	case fieldJoinMTU:
		v, n = consumeVarint(typ, b)
		r.MTU = int(v)
	case fieldJoinBurstLength:
		v, n = consumeVarint(typ, b)
		r.MulticastBurstLength = int(v)
	case fieldJoinFiles:
		var data []byte
		if data, n = consumeBytes(typ, b); n < 0 {
			return n
		}
		fh, err := unmarshalFileHeader(data)
		if err != nil {
			return errCodeType
		}
		r.Files = append(r.Files, fh)
	case fieldJoinWaveNumber:
		v, n = consumeVarint(typ, b)
		r.WaveNumber = int(v)
	case fieldJoinSessionID:
		v, n = consumeVarint(typ, b)
		r.SessionID = int(v)
	default:
		return r.Response.consumeField(num, typ, b)
	}
	return n
}

////////////////////////////////////////////////////////////////////////////////
// Status Exchange                                                            //
////////////////////////////////////////////////////////////////////////////////

const (
	fieldStatusLeaving       protowire.Number = 3
	fieldStatusBytesReceived protowire.Number = 4
	fieldStatusVectorLength  protowire.Number = 5
	fieldStatusVectorBits    protowire.Number = 6

	// maxVectorLength is the longest vector whose bits fit in one message.
	maxVectorLength = 8 * MaxMessageSize
)

// PacketStatusUpdate reports the bytes received since the previous report.
// LeavingSession is set when the client is done with the session.
type PacketStatusUpdate struct {
	LeavingSession bool
	BytesReceived  int64
}

func (u *PacketStatusUpdate) Kind() Kind { return PacketStatusUpdateKind }

func (u *PacketStatusUpdate) appendFields(b []byte) []byte {
	b = appendBool(b, fieldStatusLeaving, u.LeavingSession)
	return appendVarint(b, fieldStatusBytesReceived, uint64(u.BytesReceived))
}

func (u *PacketStatusUpdate) consumeField(
	num protowire.Number, typ protowire.Type, b []byte) int {
	switch num {
	case fieldStatusLeaving:
		v, n := consumeVarint(typ, b)
		u.LeavingSession = protowire.DecodeBool(v)
		return n
	case fieldStatusBytesReceived:
		v, n := consumeVarint(typ, b)
		u.BytesReceived = int64(v)
		return n
	}
	return 0
}

// WaveStatusUpdate is a PacketStatusUpdate that also carries the client's
// vector of received segments.
type WaveStatusUpdate struct {
	PacketStatusUpdate
	FileBitVector *utility.BitVector
}

func (u *WaveStatusUpdate) Kind() Kind { return WaveStatusUpdateKind }

func (u *WaveStatusUpdate) appendFields(b []byte) []byte {
	b = u.PacketStatusUpdate.appendFields(b)
	if u.FileBitVector != nil {
		b = appendVarint(b, fieldStatusVectorLength,
			uint64(u.FileBitVector.Len()))
		b = appendBytes(b, fieldStatusVectorBits, u.FileBitVector.Bytes())
	}
	return b
}

func (u *WaveStatusUpdate) consumeField(
	num protowire.Number, typ protowire.Type, b []byte) int {
	switch num {
	case fieldStatusVectorLength:
		v, n := consumeVarint(typ, b)
		if n >= 0 {
			if v > maxVectorLength {
				return errCodeType
			}
			u.FileBitVector = u.vector(int(v), nil)
		}
		return n
	case fieldStatusVectorBits:
		bits, n := consumeBytes(typ, b)
		if n >= 0 {
			length := 0
			if u.FileBitVector != nil {
				length = u.FileBitVector.Len()
			}
			if u.FileBitVector = u.vector(length, bits); u.FileBitVector == nil {
				return errCodeType
			}
		}
		return n
	}
	return u.PacketStatusUpdate.consumeField(num, typ, b)
}

// vector builds the bit vector from a length and optional bits. Returns nil if
// the bits do not fit the length.
func (u *WaveStatusUpdate) vector(length int, bits []byte) *utility.BitVector {
	if bits == nil {
		return utility.NewBitVector(length)
	}
	bv, err := utility.NewBitVectorFromBytes(length, bits)
	if err != nil {
		return nil
	}
	return bv
}

const fieldStatusReceptionRate protowire.Number = 5

// PacketStatusUpdateResponse answers a PacketStatusUpdate with the client's
// reception rate for the current wave. A WaveComplete type tells the client
// that the wave has been transmitted and its segment vector is wanted.
type PacketStatusUpdateResponse struct {
	Response
	ReceptionRate float64
}

func (r *PacketStatusUpdateResponse) Kind() Kind {
	return PacketStatusUpdateResponseKind
}
func (r *PacketStatusUpdateResponse) Status() *Response { return &r.Response }

func (r *PacketStatusUpdateResponse) appendFields(b []byte) []byte {
	b = r.Response.appendFields(b)
	return appendFloat(b, fieldStatusReceptionRate, r.ReceptionRate)
}

func (r *PacketStatusUpdateResponse) consumeField(
	num protowire.Number, typ protowire.Type, b []byte) int {
	if num == fieldStatusReceptionRate {
		var n int
		r.ReceptionRate, n = consumeFloat(typ, b)
		return n
	}
	return r.Response.consumeField(num, typ, b)
}

const fieldStatusWaveNumber protowire.Number = 5

// WaveCompleteResponse answers a WaveStatusUpdate with the next wave number.
type WaveCompleteResponse struct {
	Response
	WaveNumber int
}

func (r *WaveCompleteResponse) Kind() Kind        { return WaveCompleteResponseKind }
func (r *WaveCompleteResponse) Status() *Response { return &r.Response }

func (r *WaveCompleteResponse) appendFields(b []byte) []byte {
	b = r.Response.appendFields(b)
	return appendVarint(b, fieldStatusWaveNumber, uint64(r.WaveNumber))
}

func (r *WaveCompleteResponse) consumeField(
	num protowire.Number, typ protowire.Type, b []byte) int {
	if num == fieldStatusWaveNumber {
		v, n := consumeVarint(typ, b)
		r.WaveNumber = int(v)
		return n
	}
	return r.Response.consumeField(num, typ, b)
}
