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
	"gitlab.com/elixxir/multicast/utility"
)

// Error messages.
const (
	errReadChunk    = "failed to read segment %d of %q: %+v"
	errAckLength    = "acknowledgement vector has length %d; expected %d"
	errReaderBudget = "read budget must be positive; received %d"
)

// ChunkReader reads the segments of a FileSet that have not yet been
// acknowledged. The acknowledgement vector persists across waves; only the
// scan cursor is reset between waves.
type ChunkReader struct {
	set          *FileSet
	acknowledged *utility.BitVector
	cursor       int
	mux          sync.Mutex
}

// NewChunkReader creates a reader with no segments acknowledged.
func NewChunkReader(set *FileSet) *ChunkReader {
	return &ChunkReader{
		set:          set,
		acknowledged: utility.NewBitVector(set.NumSegments()),
	}
}

// FileSet returns the underlying set.
func (r *ChunkReader) FileSet() *FileSet {
	return r.set
}

// ReadSegments returns the next unacknowledged segments after the cursor,
// stopping once at least maxBytes of data has been collected or no segments
// remain. The cursor is advanced before the data is read so that concurrent
// calls never return the same segment within a wave.
func (r *ChunkReader) ReadSegments(maxBytes int) ([]FileSegment, error) {
	if maxBytes <= 0 {
		return nil, errors.Errorf(errReaderBudget, maxBytes)
	}

	r.mux.Lock()
	var chunks []FileChunk
	total := 0
	for ; r.cursor < r.set.NumSegments() && total < maxBytes; r.cursor++ {
		if r.acknowledged.Get(r.cursor) {
			continue
		}
		c := r.set.Chunk(r.cursor)
		chunks = append(chunks, c)
		total += c.Block.Length
	}
	r.mux.Unlock()

	segments := make([]FileSegment, len(chunks))
	for i, c := range chunks {
		data := make([]byte, c.Block.Length)
		n, err := c.Stream.ReadAt(data, c.Block.Offset)
		if err != nil && !(err == io.EOF && n == len(data)) {
			return nil, errors.Errorf(
				errReadChunk, c.Block.SegmentID, c.Header.Name, err)
		}
		segments[i] = FileSegment{SegmentID: c.Block.SegmentID, Data: data}
	}

	return segments, nil
}

// Reset rewinds the scan cursor for a new wave. Acknowledgements are kept.
func (r *ChunkReader) Reset() {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.cursor = 0
}

// Acknowledge replaces the acknowledgement vector with a copy of acked.
func (r *ChunkReader) Acknowledge(acked *utility.BitVector) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if acked.Len() != r.acknowledged.Len() {
		return errors.Errorf(errAckLength, acked.Len(), r.acknowledged.Len())
	}
	r.acknowledged = acked.DeepCopy()
	return nil
}

// Acknowledged returns a copy of the acknowledgement vector.
func (r *ChunkReader) Acknowledged() *utility.BitVector {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.acknowledged.DeepCopy()
}

// Complete returns true when every segment is acknowledged.
func (r *ChunkReader) Complete() bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	return !r.acknowledged.Contains(false)
}

// BytesRemaining returns the total length of all unacknowledged segments.
func (r *ChunkReader) BytesRemaining() int64 {
	r.mux.Lock()
	defer r.mux.Unlock()

	var remaining int64
	for i := 0; i < r.set.NumSegments(); i++ {
		if !r.acknowledged.Get(i) {
			remaining += int64(r.set.Chunk(i).Block.Length)
		}
	}
	return remaining
}
