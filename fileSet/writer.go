////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package fileSet

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/multicast/utility"
)

// Error messages.
const (
	errSegmentRange  = "segment ID %d out of range of %d segments"
	errSegmentLength = "segment %d has %d bytes; block length is %d"
	errSeekChunk     = "failed to seek to offset %d of %q: %+v"
	errWriteChunk    = "failed to write segment %d to %q: %+v"
	errFlush         = "failed to flush file set: %+v"
)

// ChunkWriter writes received segments into a FileSet and tracks which
// segments are on disk. Writes are idempotent.
type ChunkWriter struct {
	set       *FileSet
	written   *utility.BitVector
	remaining int64

	// Current offset of each stream, used to skip redundant seeks
	positions []int64

	mux sync.Mutex
}

// NewChunkWriter creates a writer with no segments written.
func NewChunkWriter(set *FileSet) *ChunkWriter {
	w := &ChunkWriter{
		set:       set,
		written:   utility.NewBitVector(set.NumSegments()),
		positions: make([]int64, len(set.Headers())),
	}
	set.Chunks(func(c FileChunk) bool {
		w.remaining += int64(c.Block.Length)
		return true
	})
	return w
}

// FileSet returns the underlying set.
func (w *ChunkWriter) FileSet() *FileSet {
	return w.set
}

// Verify returns an error if the segment does not match a block of the set.
func (w *ChunkWriter) Verify(segment FileSegment) error {
	if int(segment.SegmentID) >= w.set.NumSegments() {
		return errors.Errorf(
			errSegmentRange, segment.SegmentID, w.set.NumSegments())
	}
	block := w.set.Chunk(int(segment.SegmentID)).Block
	if len(segment.Data) != block.Length {
		return errors.Errorf(errSegmentLength,
			segment.SegmentID, len(segment.Data), block.Length)
	}
	return nil
}

// WriteSegments writes every segment not yet written and marks it. Returns
// the number of new bytes written. A segment that does not match its block
// is a contract violation and panics; callers check with Verify first.
func (w *ChunkWriter) WriteSegments(segments []FileSegment) (int64, error) {
	w.mux.Lock()
	defer w.mux.Unlock()

	var written int64
	for _, segment := range segments {
		if err := w.Verify(segment); err != nil {
			jww.FATAL.Panicf("[MC] Invalid segment passed to writer: %+v", err)
		}

		id := int(segment.SegmentID)
		if w.written.Get(id) {
			continue
		}

		c := w.set.Chunk(id)
		if w.positions[c.fileIndex] != c.Block.Offset {
			_, err := c.Stream.Seek(c.Block.Offset, io.SeekStart)
			if err != nil {
				return written, errors.Errorf(
					errSeekChunk, c.Block.Offset, c.Header.Name, err)
			}
			w.positions[c.fileIndex] = c.Block.Offset
		}

		n, err := c.Stream.Write(segment.Data)
		w.positions[c.fileIndex] += int64(n)
		if err != nil {
			// Force a seek on the next write to this stream
			w.positions[c.fileIndex] = -1
			return written, errors.Errorf(
				errWriteChunk, segment.SegmentID, c.Header.Name, err)
		}

		w.written.Set(id, true)
		w.remaining -= int64(n)
		written += int64(n)
	}

	return written, nil
}

// BytesRemaining returns the number of bytes not yet written.
func (w *ChunkWriter) BytesRemaining() int64 {
	w.mux.Lock()
	defer w.mux.Unlock()
	return w.remaining
}

// Written returns a copy of the vector of written segments.
func (w *ChunkWriter) Written() *utility.BitVector {
	w.mux.Lock()
	defer w.mux.Unlock()
	return w.written.DeepCopy()
}

// Flush syncs every stream of the set in parallel.
func (w *ChunkWriter) Flush() error {
	w.mux.Lock()
	defer w.mux.Unlock()

	if err := w.set.Flush(); err != nil {
		return errors.Errorf(errFlush, err)
	}
	return nil
}
