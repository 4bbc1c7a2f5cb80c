// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"github.com/pkg/errors"
)

// signedOfBits returns the signed integer type with the given number of bits.
func signedOfBits(bits int) DType {
	switch bits {
	case 8:
		return Int8
	case 16:
		return Int16
	case 32:
		return Int32
	case 64:
		return Int64
	}
	return InvalidDType
}

// Promote returns the lowest common supertype of a and b in the lattice
// Bool < integers < floats.
//
// Mixing signed and unsigned integers yields the smallest signed type wide enough for both, which doesn't
// exist for Uint64: that combination returns an error.
func Promote(a, b DType) (DType, error) {
	if !a.IsValid() || !b.IsValid() {
		return InvalidDType, errors.Errorf("cannot promote invalid dtypes %s and %s", a, b)
	}
	if a == b {
		return a, nil
	}
	if a.IsBool() {
		return b, nil
	}
	if b.IsBool() {
		return a, nil
	}
	switch {
	case a.IsFloat() && b.IsFloat():
		if a.Bits() >= b.Bits() {
			return a, nil
		}
		return b, nil
	case a.IsFloat():
		return a, nil
	case b.IsFloat():
		return b, nil
	}

	// Both are integers.
	if a.IsUnsigned() == b.IsUnsigned() {
		if a.Bits() >= b.Bits() {
			return a, nil
		}
		return b, nil
	}
	unsigned, signed := a, b
	if signed.IsUnsigned() {
		unsigned, signed = signed, unsigned
	}
	bits := max(2*unsigned.Bits(), signed.Bits())
	result := signedOfBits(bits)
	if result == InvalidDType {
		return InvalidDType, errors.Errorf("no integer type can represent both %s and %s", a, b)
	}
	return result, nil
}

// PromoteAll folds Promote over all dtypes. It returns an error for an empty list.
func PromoteAll(dtypes ...DType) (DType, error) {
	if len(dtypes) == 0 {
		return InvalidDType, errors.New("cannot promote an empty list of dtypes")
	}
	result := dtypes[0]
	for _, dtype := range dtypes[1:] {
		var err error
		result, err = Promote(result, dtype)
		if err != nil {
			return InvalidDType, err
		}
	}
	return result, nil
}
