////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package wire defines the versioned, length-prefixed records exchanged on the
// control channel and the segment datagrams sent over multicast.
//
// Every control message body is a sequence of protobuf-compatible fields.
// Field 1 holds the message kind and field 2 the schema version; message
// fields start at 3. Unknown fields are skipped so that field numbers stay
// stable as the schema grows.
package wire

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Version is the current schema version written to every message.
const Version = 1

// MaxMessageSize is the largest encoded control message.
const MaxMessageSize = 16 << 20

// Header field numbers shared by all messages.
const (
	fieldKind    protowire.Number = 1
	fieldVersion protowire.Number = 2
)

// Error messages.
const (
	errParseTag      = "failed to parse field tag: %+v"
	errParseField    = "failed to parse field %d of %s: %+v"
	errMissingKind   = "message has no kind"
	errUnknownKind   = "unknown message kind %d"
	errUnexpectedMsg = "expected %s; received %s"
)

// Kind identifies the type of a control message.
type Kind uint32

const (
	ResponseKind Kind = iota + 1
	ChallengeKind
	ChallengeResponseKind
	SessionJoinRequestKind
	SessionJoinResponseKind
	PacketStatusUpdateKind
	WaveStatusUpdateKind
	PacketStatusUpdateResponseKind
	WaveCompleteResponseKind
)

// String returns a human-readable name for the Kind. This functions adheres to
// the fmt.Stringer interface.
func (k Kind) String() string {
	switch k {
	case ResponseKind:
		return "Response"
	case ChallengeKind:
		return "Challenge"
	case ChallengeResponseKind:
		return "ChallengeResponse"
	case SessionJoinRequestKind:
		return "SessionJoinRequest"
	case SessionJoinResponseKind:
		return "SessionJoinResponse"
	case PacketStatusUpdateKind:
		return "PacketStatusUpdate"
	case WaveStatusUpdateKind:
		return "WaveStatusUpdate"
	case PacketStatusUpdateResponseKind:
		return "PacketStatusUpdateResponse"
	case WaveCompleteResponseKind:
		return "WaveCompleteResponse"
	default:
		return "INVALID KIND: " + strconv.Itoa(int(k))
	}
}

// Message is a record sent on the control channel.
type Message interface {
	Kind() Kind

	// appendFields appends the message's own fields to b.
	appendFields(b []byte) []byte

	// consumeField parses one field with the given number and type from the
	// start of b. Returns the number of bytes consumed, zero if the field is
	// unknown, or a negative protowire error code.
	consumeField(num protowire.Number, typ protowire.Type, b []byte) int
}

// StatusMessage is a Message that carries a Response.
type StatusMessage interface {
	Message
	Status() *Response
}

// newMessage returns an empty message of the given kind.
func newMessage(k Kind) (Message, error) {
	switch k {
	case ResponseKind:
		return &Response{}, nil
	case ChallengeKind:
		return &Challenge{}, nil
	case ChallengeResponseKind:
		return &ChallengeResponse{}, nil
	case SessionJoinRequestKind:
		return &SessionJoinRequest{}, nil
	case SessionJoinResponseKind:
		return &SessionJoinResponse{}, nil
	case PacketStatusUpdateKind:
		return &PacketStatusUpdate{}, nil
	case WaveStatusUpdateKind:
		return &WaveStatusUpdate{}, nil
	case PacketStatusUpdateResponseKind:
		return &PacketStatusUpdateResponse{}, nil
	case WaveCompleteResponseKind:
		return &WaveCompleteResponse{}, nil
	default:
		return nil, errors.Errorf(errUnknownKind, k)
	}
}

// Marshal encodes the message body, without a length prefix.
func Marshal(m Message) []byte {
	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind()))
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, Version)
	return m.appendFields(b)
}

// Unmarshal decodes a message body produced by Marshal.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	err := walkFields(data, "message",
		func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch {
			case num == fieldKind:
				v, n := consumeVarint(typ, b)
				if n < 0 {
					return n
				}
				var err error
				if m, err = newMessage(Kind(v)); err != nil {
					return errCodeUnknownKind
				}
				return n
			case num == fieldVersion:
				_, n := consumeVarint(typ, b)
				return n
			case m != nil:
				return m.consumeField(num, typ, b)
			}
			return 0
		})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New(errMissingKind)
	}
	return m, nil
}

// Expect returns msg as a T or an InvalidOperation error if it is another
// kind of message. A bare failed Response received in place of T is returned
// as its error.
func Expect[T Message](msg Message) (T, error) {
	if t, ok := msg.(T); ok {
		return t, nil
	}

	var zero T
	if r, ok := msg.(*Response); ok {
		if err := r.Err(); err != nil {
			return zero, err
		}
	}
	return zero, NewResponseError(InvalidOperation, errUnexpectedMsg,
		zero.Kind(), msg.Kind())
}

////////////////////////////////////////////////////////////////////////////////
// Field Helpers                                                              //
////////////////////////////////////////////////////////////////////////////////

// errCodeUnknownKind is returned by a field consumer when the kind field holds
// an unknown kind. It is outside the range of protowire error codes.
const errCodeUnknownKind = -100

// walkFields calls fn for every field in data. Fields fn does not recognise
// are skipped.
func walkFields(data []byte, name string,
	fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Errorf(errParseTag, protowire.ParseError(n))
		}
		data = data[n:]

		n = fn(num, typ, data)
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n == errCodeUnknownKind {
			return errors.Errorf(errParseField, num, name,
				errors.New("unknown message kind"))
		}
		if n < 0 {
			return errors.Errorf(
				errParseField, num, name, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return nil
}

// errCodeType is the error code returned when a known field has the wrong
// wire type. It matches the protowire code for a reserved wire type.
const errCodeType = -4

func consumeVarint(typ protowire.Type, b []byte) (uint64, int) {
	if typ != protowire.VarintType {
		return 0, errCodeType
	}
	return protowire.ConsumeVarint(b)
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int) {
	if typ != protowire.BytesType {
		return nil, errCodeType
	}
	v, n := protowire.ConsumeBytes(b)
	return append([]byte{}, v...), n
}

func consumeString(typ protowire.Type, b []byte) (string, int) {
	if typ != protowire.BytesType {
		return "", errCodeType
	}
	return protowire.ConsumeString(b)
}

func consumeFloat(typ protowire.Type, b []byte) (float64, int) {
	if typ != protowire.Fixed64Type {
		return 0, errCodeType
	}
	v, n := protowire.ConsumeFixed64(b)
	return math.Float64frombits(v), n
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}
