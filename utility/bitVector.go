////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package utility

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Error messages.
const (
	errBitsLength   = "bit vector of length %d requires %d bytes; received %d"
	errIndexRange   = "index %d out of range of bit vector of length %d"
	errIntersectLen = "cannot intersect vector #%d of length %d with length %d"
)

// BitVector is a fixed-length packed array of bits. Bit i lives in byte i>>3
// at position i&7. The length is fixed on creation.
//
// BitVector is not thread-safe; callers must serialise access.
type BitVector struct {
	bits   []byte
	length int
}

// NewBitVector creates a BitVector of the given length with every bit unset.
func NewBitVector(length int) *BitVector {
	if length < 0 {
		length = 0
	}
	return &BitVector{
		bits:   make([]byte, numBytes(length)),
		length: length,
	}
}

// NewBitVectorFromBytes creates a BitVector of the given length backed by a
// copy of bits. Returns an error if the number of bytes does not match the
// length. Bits beyond the length in the final byte are cleared.
func NewBitVectorFromBytes(length int, bits []byte) (*BitVector, error) {
	if length < 0 || len(bits) != numBytes(length) {
		return nil, errors.Errorf(errBitsLength, length, numBytes(length),
			len(bits))
	}

	bv := &BitVector{
		bits:   make([]byte, len(bits)),
		length: length,
	}
	copy(bv.bits, bits)
	bv.bits = maskTail(bv.bits, length)

	return bv, nil
}

// Len returns the number of bits in the vector.
func (bv *BitVector) Len() int {
	return bv.length
}

// Get returns the value of the bit at index. Panics if the index is out of
// range.
func (bv *BitVector) Get(index int) bool {
	bv.checkIndex(index)
	return bv.bits[index>>3]&(1<<uint(index&7)) != 0
}

// Set sets the bit at index to value. Panics if the index is out of range.
func (bv *BitVector) Set(index int, value bool) {
	bv.checkIndex(index)
	if value {
		bv.bits[index>>3] |= 1 << uint(index&7)
	} else {
		bv.bits[index>>3] &^= 1 << uint(index&7)
	}
}

// SetAll sets every bit in the vector to value.
func (bv *BitVector) SetAll(value bool) {
	var b byte
	if value {
		b = 0xFF
	}
	for i := range bv.bits {
		bv.bits[i] = b
	}
	bv.bits = maskTail(bv.bits, bv.length)
}

// Contains returns true if any bit in the vector equals value. Bits past the
// end of the vector in the final byte are ignored.
func (bv *BitVector) Contains(value bool) bool {
	if bv.length == 0 {
		return false
	}

	full := bv.length >> 3
	for _, b := range bv.bits[:full] {
		if value && b != 0 || !value && b != 0xFF {
			return true
		}
	}

	if rem := bv.length & 7; rem != 0 {
		mask := byte(1<<uint(rem)) - 1
		last := bv.bits[full] & mask
		if value && last != 0 || !value && last != mask {
			return true
		}
	}

	return false
}

// Count returns the number of set bits.
func (bv *BitVector) Count() int {
	var count int
	for _, b := range bv.bits {
		for b != 0 {
			b &= b - 1
			count++
		}
	}
	return count
}

// Bytes returns a copy of the packed bits.
func (bv *BitVector) Bytes() []byte {
	return append([]byte{}, bv.bits...)
}

// DeepCopy returns a copy of the BitVector that shares no memory with the
// original.
func (bv *BitVector) DeepCopy() *BitVector {
	return &BitVector{
		bits:   bv.Bytes(),
		length: bv.length,
	}
}

// Equal returns true if both vectors have the same length and bits.
func (bv *BitVector) Equal(other *BitVector) bool {
	if bv.length != other.length {
		return false
	}
	for i := range bv.bits {
		if bv.bits[i] != other.bits[i] {
			return false
		}
	}
	return true
}

// IntersectOf returns a new BitVector where bit i is set only if bit i is set
// in every one of the given vectors. An empty list yields a zero-length
// vector. All vectors must have the same length.
func IntersectOf(vectors ...*BitVector) (*BitVector, error) {
	if len(vectors) == 0 {
		return NewBitVector(0), nil
	}

	result := vectors[0].DeepCopy()
	for i, v := range vectors[1:] {
		if v.length != result.length {
			return nil, errors.Errorf(
				errIntersectLen, i+1, v.length, result.length)
		}
		for j := range result.bits {
			result.bits[j] &= v.bits[j]
		}
	}

	return result, nil
}

// checkIndex panics if the index is outside [0, length).
func (bv *BitVector) checkIndex(index int) {
	if index < 0 || index >= bv.length {
		panic(errors.Errorf(errIndexRange, index, bv.length))
	}
}

// numBytes returns the number of bytes needed to hold length bits.
func numBytes(length int) int {
	return (length + 7) >> 3
}

// maskTail clears the bits in the final byte that lie past length.
func maskTail(bits []byte, length int) []byte {
	if rem := length & 7; rem != 0 && len(bits) > 0 {
		bits[len(bits)-1] &= byte(1<<uint(rem)) - 1
	}
	return bits
}

// String returns a human-readable representing of the BitVector for logging
// and debugging. This functions adheres to the fmt.Stringer interface.
func (bv *BitVector) String() string {
	var sb strings.Builder
	sb.Grow(bv.length)
	for i := 0; i < bv.length; i++ {
		if bv.Get(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return "{length:" + strconv.Itoa(bv.length) + " bits:" + sb.String() + "}"
}

// bitVectorDisk is used to JSON marshal a BitVector.
type bitVectorDisk struct {
	Bits   []byte `json:"bits"`
	Length int    `json:"length"`
}

// MarshalJSON marshals the BitVector into valid JSON. This function adheres to
// the json.Marshaler interface.
func (bv *BitVector) MarshalJSON() ([]byte, error) {
	return json.Marshal(&bitVectorDisk{Bits: bv.bits, Length: bv.length})
}

// UnmarshalJSON unmarshalls the JSON into the BitVector. This function adheres
// to the json.Unmarshaler interface.
func (bv *BitVector) UnmarshalJSON(data []byte) error {
	var bvd bitVectorDisk
	if err := json.Unmarshal(data, &bvd); err != nil {
		return err
	}

	loaded, err := NewBitVectorFromBytes(bvd.Length, bvd.Bits)
	if err != nil {
		return err
	}
	*bv = *loaded

	return nil
}
