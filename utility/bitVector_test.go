////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package utility

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"testing"
)

// Tests that NewBitVector creates a vector of the requested length with every
// bit unset.
func TestNewBitVector(t *testing.T) {
	for _, length := range []int{0, 1, 7, 8, 9, 63, 64, 65, 1000} {
		bv := NewBitVector(length)

		if bv.Len() != length {
			t.Errorf("Incorrect length.\nexpected: %d\nreceived: %d",
				length, bv.Len())
		}
		if bv.Contains(true) {
			t.Errorf("New vector of length %d contains a set bit.", length)
		}
		if length > 0 && !bv.Contains(false) {
			t.Errorf("New vector of length %d does not contain an unset bit.",
				length)
		}
		for i := 0; i < length; i++ {
			if bv.Get(i) {
				t.Errorf("Bit %d of new vector of length %d is set.", i, length)
			}
		}
	}
}

// Tests that NewBitVectorFromBytes rejects a byte slice of the wrong size and
// clears bits past the length.
func TestNewBitVectorFromBytes(t *testing.T) {
	_, err := NewBitVectorFromBytes(9, []byte{0xFF})
	if err == nil {
		t.Error("Expected error for mismatched byte length.")
	}

	bv, err := NewBitVectorFromBytes(3, []byte{0xFF})
	if err != nil {
		t.Fatalf("Failed to create vector: %+v", err)
	}
	if bv.Contains(false) {
		t.Errorf("Vector of length 3 with all bits set contains unset bit: %s",
			bv)
	}
	if !bytes.Equal(bv.Bytes(), []byte{0x07}) {
		t.Errorf("Tail bits not masked.\nexpected: %08b\nreceived: %08b",
			0x07, bv.Bytes()[0])
	}
}

// Tests that Get always reflects the last Set on each index and that Contains
// matches a brute force search.
func TestBitVector_SetGet(t *testing.T) {
	prng := rand.New(rand.NewSource(42))
	const length = 277
	bv := NewBitVector(length)
	expected := make([]bool, length)

	for i := 0; i < 5000; i++ {
		index := prng.Intn(length)
		value := prng.Intn(2) == 1
		bv.Set(index, value)
		expected[index] = value

		var hasTrue, hasFalse bool
		for _, v := range expected {
			hasTrue = hasTrue || v
			hasFalse = hasFalse || !v
		}
		if bv.Contains(true) != hasTrue {
			t.Fatalf("Contains(true) incorrect at op %d."+
				"\nexpected: %t\nreceived: %t", i, hasTrue, bv.Contains(true))
		}
		if bv.Contains(false) != hasFalse {
			t.Fatalf("Contains(false) incorrect at op %d."+
				"\nexpected: %t\nreceived: %t", i, hasFalse, bv.Contains(false))
		}
	}

	for i, v := range expected {
		if bv.Get(i) != v {
			t.Errorf("Bit %d incorrect.\nexpected: %t\nreceived: %t",
				i, v, bv.Get(i))
		}
	}
}

// Tests that SetAll sets every bit and that Contains ignores the tail bits.
func TestBitVector_SetAll(t *testing.T) {
	bv := NewBitVector(13)
	bv.SetAll(true)
	if bv.Contains(false) {
		t.Errorf("Vector contains unset bit after SetAll(true): %s", bv)
	}
	if bv.Count() != 13 {
		t.Errorf("Incorrect count.\nexpected: %d\nreceived: %d", 13, bv.Count())
	}

	bv.SetAll(false)
	if bv.Contains(true) {
		t.Errorf("Vector contains set bit after SetAll(false): %s", bv)
	}
}

// Tests that Get panics on an out of range index.
func TestBitVector_Get_OutOfRange(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Get did not panic for out of range index.")
		}
	}()

	NewBitVector(8).Get(8)
}

// Tests that IntersectOf sets only the bits set in every vector.
func TestIntersectOf(t *testing.T) {
	prng := rand.New(rand.NewSource(7))
	const length = 100
	v1, v2 := NewBitVector(length), NewBitVector(length)
	for i := 0; i < length; i++ {
		v1.Set(i, prng.Intn(2) == 1)
		v2.Set(i, prng.Intn(2) == 1)
	}

	v1Copy := v1.DeepCopy()
	result, err := IntersectOf(v1, v2)
	if err != nil {
		t.Fatalf("IntersectOf returned an error: %+v", err)
	}

	for i := 0; i < length; i++ {
		if result.Get(i) != (v1.Get(i) && v2.Get(i)) {
			t.Errorf("Bit %d incorrect.\nexpected: %t\nreceived: %t",
				i, v1.Get(i) && v2.Get(i), result.Get(i))
		}
	}

	if !v1.Equal(v1Copy) {
		t.Errorf("IntersectOf modified its input.\nexpected: %s\nreceived: %s",
			v1Copy, v1)
	}
}

// Tests that IntersectOf with no vectors returns a zero-length vector.
func TestIntersectOf_Empty(t *testing.T) {
	result, err := IntersectOf()
	if err != nil {
		t.Fatalf("IntersectOf returned an error: %+v", err)
	}
	if result.Len() != 0 {
		t.Errorf("Incorrect length.\nexpected: %d\nreceived: %d",
			0, result.Len())
	}
}

// Error path: tests that IntersectOf returns an error for vectors of differing
// lengths.
func TestIntersectOf_LengthMismatch(t *testing.T) {
	_, err := IntersectOf(NewBitVector(10), NewBitVector(11))
	if err == nil {
		t.Error("Expected error for vectors of different lengths.")
	}
}

// Tests that a BitVector JSON marshalled and unmarshalled matches the original.
func TestBitVector_JSON(t *testing.T) {
	bv := NewBitVector(21)
	bv.Set(0, true)
	bv.Set(20, true)

	data, err := json.Marshal(bv)
	if err != nil {
		t.Fatalf("Failed to marshal: %+v", err)
	}

	var loaded BitVector
	if err = json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Failed to unmarshal: %+v", err)
	}

	if !bv.Equal(&loaded) {
		t.Errorf("Loaded vector does not match original."+
			"\nexpected: %s\nreceived: %s", bv, &loaded)
	}
}
