////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package fileSet

import (
	"strconv"

	"github.com/pkg/errors"
)

// MaxBlockLength is the longest block a header may describe. A block is sent
// as a single datagram, so it cannot exceed the largest IP packet.
const MaxBlockLength = 1<<16 - 1

// Error messages.
const (
	errSegmentSize       = "segment size must be positive; received %d"
	errSegmentIDOrder    = "file %q block %d has segment ID %d; expected %d"
	errBlockLength       = "file %q block %d has invalid length %d"
	errBlockOffset       = "file %q block %d has offset %d; expected %d"
	errDuplicateFileName = "duplicate file name %q"
	errEmptyFileName     = "file %d has an empty name"
)

// FileBlockRange maps one wire segment to a byte range of one file.
type FileBlockRange struct {
	Offset    int64
	Length    int
	SegmentID uint32
}

// FileHeader describes one transferred file. Names are relative paths using
// forward slashes.
type FileHeader struct {
	Name     string
	Blocks   []FileBlockRange
	Checksum []byte
}

// Size returns the size of the file as described by its blocks.
func (fh *FileHeader) Size() int64 {
	var size int64
	for _, b := range fh.Blocks {
		if end := b.Offset + int64(b.Length); end > size {
			size = end
		}
	}
	return size
}

// String returns a human-readable representing of the FileHeader for logging
// and debugging. This functions adheres to the fmt.Stringer interface.
func (fh *FileHeader) String() string {
	return "{name:" + fh.Name +
		" blocks:" + strconv.Itoa(len(fh.Blocks)) +
		" size:" + strconv.FormatInt(fh.Size(), 10) + "}"
}

// FileSegment is the payload of one multicast datagram.
type FileSegment struct {
	SegmentID uint32
	Data      []byte
}

// NewFileHeaders splits files of the given sizes into blocks of at most
// segmentSize bytes. Segment IDs are assigned densely from zero, in file order
// then block order. Returns the headers and the total number of segments.
func NewFileHeaders(names []string, sizes []int64, segmentSize int) (
	[]*FileHeader, int, error) {
	if segmentSize <= 0 {
		return nil, 0, errors.Errorf(errSegmentSize, segmentSize)
	}

	headers := make([]*FileHeader, len(names))
	var segmentID uint32
	for i, name := range names {
		numBlocks := (sizes[i] + int64(segmentSize) - 1) / int64(segmentSize)
		fh := &FileHeader{
			Name:   name,
			Blocks: make([]FileBlockRange, 0, numBlocks),
		}

		for offset := int64(0); offset < sizes[i]; offset += int64(segmentSize) {
			length := int64(segmentSize)
			if offset+length > sizes[i] {
				length = sizes[i] - offset
			}
			fh.Blocks = append(fh.Blocks, FileBlockRange{
				Offset:    offset,
				Length:    int(length),
				SegmentID: segmentID,
			})
			segmentID++
		}
		headers[i] = fh
	}

	return headers, int(segmentID), verifyHeaders(headers)
}

// verifyHeaders checks that the file names are unique and non-empty, that
// segment IDs partition [0, total) in file then block order and that the
// blocks of each file are contiguous from offset 0.
func verifyHeaders(headers []*FileHeader) error {
	names := make(map[string]struct{}, len(headers))
	var next uint32
	for i, fh := range headers {
		if fh.Name == "" {
			return errors.Errorf(errEmptyFileName, i)
		}
		if _, exists := names[fh.Name]; exists {
			return errors.Errorf(errDuplicateFileName, fh.Name)
		}
		names[fh.Name] = struct{}{}

		var offset int64
		for j, b := range fh.Blocks {
			if b.SegmentID != next {
				return errors.Errorf(
					errSegmentIDOrder, fh.Name, j, b.SegmentID, next)
			}
			if b.Length <= 0 || b.Length > MaxBlockLength {
				return errors.Errorf(errBlockLength, fh.Name, j, b.Length)
			}
			if b.Offset != offset {
				return errors.Errorf(errBlockOffset, fh.Name, j, b.Offset, offset)
			}
			offset += int64(b.Length)
			next++
		}
	}

	return nil
}
