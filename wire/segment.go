////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package wire

import (
	"math"

	"github.com/pkg/errors"
	"gitlab.com/elixxir/multicast/fileSet"
	"google.golang.org/protobuf/encoding/protowire"
)

// Header sizes used to fit one segment datagram into the MTU.
const (
	ipv4HeaderSize = 20
	ipv6HeaderSize = 40
	udpHeaderSize  = 8
)

// Error messages.
const (
	errSegmentMissingID = "segment has no ID"
)

// FileHeader field numbers.
const (
	fieldHeaderName     protowire.Number = 1
	fieldHeaderChecksum protowire.Number = 2
	fieldHeaderBlock    protowire.Number = 3

	fieldBlockOffset    protowire.Number = 1
	fieldBlockLength    protowire.Number = 2
	fieldBlockSegmentID protowire.Number = 3
)

// FileSegment field numbers.
const (
	fieldSegmentID   protowire.Number = 1
	fieldSegmentData protowire.Number = 2
)

// SegmentOverhead returns the number of bytes added to a payload of the given
// size when it is encoded as a FileSegment. The segment ID is costed at its
// largest possible encoding.
func SegmentOverhead(payloadSize int) int {
	return protowire.SizeTag(fieldSegmentID) +
		protowire.SizeVarint(math.MaxUint32) +
		protowire.SizeTag(fieldSegmentData) +
		protowire.SizeVarint(uint64(payloadSize))
}

// SegmentSize returns the largest segment data length whose encoded datagram,
// after the encoder's overhead and the IP and UDP headers, fits in the MTU.
func SegmentSize(mtu int, ipv6 bool, encoderOverhead int) int {
	ipHeader := ipv4HeaderSize
	if ipv6 {
		ipHeader = ipv6HeaderSize
	}
	payload := mtu - ipHeader - udpHeaderSize - encoderOverhead
	return payload - SegmentOverhead(payload)
}

// MarshalSegment encodes a FileSegment as a datagram payload.
func MarshalSegment(s fileSet.FileSegment) []byte {
	b := make([]byte, 0, len(s.Data)+SegmentOverhead(len(s.Data)))
	b = appendVarint(b, fieldSegmentID, uint64(s.SegmentID))
	return appendBytes(b, fieldSegmentData, s.Data)
}

// UnmarshalSegment decodes a datagram payload produced by MarshalSegment.
func UnmarshalSegment(data []byte) (fileSet.FileSegment, error) {
	var s fileSet.FileSegment
	hasID := false
	err := walkFields(data, "FileSegment",
		func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case fieldSegmentID:
				v, n := consumeVarint(typ, b)
				if n >= 0 && v > math.MaxUint32 {
					return errCodeType
				}
				s.SegmentID, hasID = uint32(v), true
				return n
			case fieldSegmentData:
				var n int
				s.Data, n = consumeBytes(typ, b)
				return n
			}
			return 0
		})
	if err != nil {
		return s, err
	}
	if !hasID {
		return s, errors.New(errSegmentMissingID)
	}
	return s, nil
}

// marshalFileHeader encodes a FileHeader as an embedded message.
func marshalFileHeader(fh *fileSet.FileHeader) []byte {
	b := appendString(nil, fieldHeaderName, fh.Name)
	if len(fh.Checksum) > 0 {
		b = appendBytes(b, fieldHeaderChecksum, fh.Checksum)
	}
	for _, block := range fh.Blocks {
		var bb []byte
		bb = appendVarint(bb, fieldBlockOffset, uint64(block.Offset))
		bb = appendVarint(bb, fieldBlockLength, uint64(block.Length))
		bb = appendVarint(bb, fieldBlockSegmentID, uint64(block.SegmentID))
		b = appendBytes(b, fieldHeaderBlock, bb)
	}
	return b
}

// unmarshalFileHeader decodes a FileHeader produced by marshalFileHeader.
func unmarshalFileHeader(data []byte) (*fileSet.FileHeader, error) {
	fh := &fileSet.FileHeader{}
	err := walkFields(data, "FileHeader",
		func(num protowire.Number, typ protowire.Type, b []byte) int {
			var n int
			switch num {
			case fieldHeaderName:
				fh.Name, n = consumeString(typ, b)
			case fieldHeaderChecksum:
				fh.Checksum, n = consumeBytes(typ, b)
			case fieldHeaderBlock:
				var bb []byte
				if bb, n = consumeBytes(typ, b); n < 0 {
					return n
				}
				block, err := unmarshalBlock(bb)
				if err != nil {
					return errCodeType
				}
				fh.Blocks = append(fh.Blocks, block)
			}
			return n
		})
	if err != nil {
		return nil, err
	}
	return fh, nil
}

// unmarshalBlock decodes one FileBlockRange.
func unmarshalBlock(data []byte) (fileSet.FileBlockRange, error) {
	var block fileSet.FileBlockRange
	err := walkFields(data, "FileBlockRange",
		func(num protowire.Number, typ protowire.Type, b []byte) int {
			v, n := uint64(0), 0
			switch num {
			case fieldBlockOffset:
				v, n = consumeVarint(typ, b)
				block.Offset = int64(v)
			case fieldBlockLength:
				v, n = consumeVarint(typ, b)
				block.Length = int(v)
			case fieldBlockSegmentID:
				v, n = consumeVarint(typ, b)
				if n >= 0 && v > math.MaxUint32 {
					return errCodeType
				}
				block.SegmentID = uint32(v)
			}
			return n
		})
	return block, err
}
