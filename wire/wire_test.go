////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package wire

import (
	"bytes"
	"context"
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"gitlab.com/elixxir/multicast/fileSet"
	"gitlab.com/elixxir/multicast/utility"
	"google.golang.org/protobuf/encoding/protowire"
)

// Tests that a SessionJoinResponse with a file manifest survives encoding.
func TestSessionJoinResponse_MarshalUnmarshal(t *testing.T) {
	headers, _, err := fileSet.NewFileHeaders(
		[]string{"a", "dir/b"}, []int64{1234, 3000}, 1000)
	if err != nil {
		t.Fatalf("Failed to make headers: %+v", err)
	}
	headers[0].Checksum = bytes.Repeat([]byte{7}, 32)

	expected := &SessionJoinResponse{
		Response:             Response{Type: Ok},
		MulticastAddress:     "239.0.0.222",
		MulticastPort:        9100,
		MTU:                  1500,
		MulticastBurstLength: 65536,
		Files:                headers,
		WaveNumber:           3,
		SessionID:            2,
	}

	msg, err := Unmarshal(Marshal(expected))
	if err != nil {
		t.Fatalf("Unmarshal returned an error: %+v", err)
	}
	received, err := Expect[*SessionJoinResponse](msg)
	if err != nil {
		t.Fatalf("Expect returned an error: %+v", err)
	}

	if !reflect.DeepEqual(expected, received) {
		t.Errorf("Decoded message does not match."+
			"\nexpected: %+v\nreceived: %+v", expected, received)
	}
}

// Tests that a WaveStatusUpdate carries its bit vector and the fields of the
// embedded PacketStatusUpdate.
func TestWaveStatusUpdate_MarshalUnmarshal(t *testing.T) {
	bv := utility.NewBitVector(19)
	bv.Set(3, true)
	bv.Set(18, true)
	expected := &WaveStatusUpdate{
		PacketStatusUpdate: PacketStatusUpdate{
			LeavingSession: true,
			BytesReceived:  12345,
		},
		FileBitVector: bv,
	}

	msg, err := Unmarshal(Marshal(expected))
	if err != nil {
		t.Fatalf("Unmarshal returned an error: %+v", err)
	}
	received, ok := msg.(*WaveStatusUpdate)
	if !ok {
		t.Fatalf("Incorrect kind.\nexpected: %s\nreceived: %s",
			WaveStatusUpdateKind, msg.Kind())
	}
	if !received.LeavingSession || received.BytesReceived != 12345 {
		t.Errorf("Incorrect status fields: %+v", received.PacketStatusUpdate)
	}
	if !received.FileBitVector.Equal(bv) {
		t.Errorf("Incorrect vector.\nexpected: %s\nreceived: %s",
			bv, received.FileBitVector)
	}
}

// Tests that fields unknown to this version are skipped.
func TestUnmarshal_UnknownFields(t *testing.T) {
	data := Marshal(&PacketStatusUpdateResponse{
		Response:      Response{Type: WaveComplete},
		ReceptionRate: 0.75,
	})
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("from the future"))
	data = protowire.AppendTag(data, 100, protowire.VarintType)
	data = protowire.AppendVarint(data, 5)

	msg, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal returned an error: %+v", err)
	}
	r := msg.(*PacketStatusUpdateResponse)
	if r.Type != WaveComplete || r.ReceptionRate != 0.75 {
		t.Errorf("Incorrect message: %+v", r)
	}
}

// Error path: tests that malformed and unknown messages are rejected.
func TestUnmarshal_Invalid(t *testing.T) {
	unknownKind := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	unknownKind = protowire.AppendVarint(unknownKind, 999)

	wrongType := Marshal(&Response{})
	wrongType = protowire.AppendTag(wrongType, fieldResponseType,
		protowire.BytesType)
	wrongType = protowire.AppendBytes(wrongType, []byte{1})

	hugeVector := appendVarint(Marshal(&WaveStatusUpdate{}),
		fieldStatusVectorLength, maxVectorLength+1)

	for name, data := range map[string][]byte{
		"noKind":      appendVarint(nil, fieldResponseType, 1),
		"unknownKind": unknownKind,
		"truncated":   Marshal(&Challenge{ChallengeKey: make([]byte, 32)})[:10],
		"wrongType":   wrongType,
		"hugeVector":  hugeVector,
	} {
		if _, err := Unmarshal(data); err == nil {
			t.Errorf("No error for %s message.", name)
		}
	}
}

// Tests that Expect returns the typed error of a failed Response received in
// place of the expected message.
func TestExpect(t *testing.T) {
	failed := &Response{Type: PathNotFound, Message: "nope"}
	_, err := Expect[*SessionJoinResponse](failed)
	if !IsPathNotFound(err) {
		t.Errorf("Expected PathNotFound error; received: %v", err)
	}

	_, err = Expect[*SessionJoinResponse](&Challenge{})
	if !IsInvalidOperation(err) {
		t.Errorf("Expected InvalidOperation error; received: %v", err)
	}
}

// Tests that an encoded segment of the computed size fits in the MTU.
func TestSegmentSize(t *testing.T) {
	for _, mtu := range []int{576, 1500, 9000} {
		for _, ipv6 := range []bool{false, true} {
			for _, overhead := range []int{0, 40} {
				size := SegmentSize(mtu, ipv6, overhead)
				data := MarshalSegment(fileSet.FileSegment{
					SegmentID: 0xFFFFFFFF,
					Data:      make([]byte, size),
				})
				ip := ipv4HeaderSize
				if ipv6 {
					ip = ipv6HeaderSize
				}
				if total := len(data) + overhead + ip + udpHeaderSize; total > mtu {
					t.Errorf("Datagram of %d bytes exceeds MTU %d "+
						"(ipv6 %t, overhead %d).", total, mtu, ipv6, overhead)
				}
			}
		}
	}
}

// Tests that UnmarshalSegment decodes a segment and rejects one without an ID.
func TestUnmarshalSegment(t *testing.T) {
	expected := fileSet.FileSegment{SegmentID: 300, Data: []byte("data")}
	received, err := UnmarshalSegment(MarshalSegment(expected))
	if err != nil {
		t.Fatalf("UnmarshalSegment returned an error: %+v", err)
	}
	if !reflect.DeepEqual(expected, received) {
		t.Errorf("Incorrect segment.\nexpected: %+v\nreceived: %+v",
			expected, received)
	}

	_, err = UnmarshalSegment(appendBytes(nil, fieldSegmentData, []byte{1}))
	if err == nil {
		t.Error("No error for segment without an ID.")
	}
}

// Tests the response error helpers and the session aborted wrapper.
func TestErrors(t *testing.T) {
	err := NewResponseError(AccessDenied, "bad key %d", 5)
	if !IsAccessDenied(err) || IsPathNotFound(err) {
		t.Errorf("Incorrect classification of %v", err)
	}
	if r := NewResponse(err); r.Type != AccessDenied || r.Message != "bad key 5" {
		t.Errorf("Incorrect response for error: %+v", r)
	}
	if r := NewResponse(errors.New("boom")); r.Type != Failed {
		t.Errorf("Incorrect response for plain error: %+v", r)
	}

	aborted := NewSessionAborted(err)
	if !IsSessionAborted(aborted) || !IsAccessDenied(aborted) {
		t.Errorf("Session aborted error lost its cause: %v", aborted)
	}
	if NewSessionAborted(aborted) != aborted {
		t.Error("Session aborted error was wrapped twice.")
	}
	if NewSessionAborted(context.Canceled) != context.Canceled {
		t.Error("Cancellation was wrapped.")
	}
	if NewSessionAborted(nil) != nil {
		t.Error("Nil error was wrapped.")
	}
}
