// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package property

import (
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
)

// DataType is the element type of a property.
type DataType int

const (
	// TypeInvalid is the zero value and never a legal property type.
	TypeInvalid DataType = iota

	// Int32 is a 32-bit signed integer.
	Int32

	// Int64 is a 64-bit signed integer.
	Int64

	// Float64 is a double-precision floating point value.
	Float64
)

// String returns the canonical name of the data type.
func (d DataType) String() string {
	switch d {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	default:
		return "invalid"
	}
}

// Valid reports whether d is one of the supported element types.
func (d DataType) Valid() bool {
	return d == Int32 || d == Int64 || d == Float64
}

// Size returns the size of one element component in bytes.
func (d DataType) Size() int {
	switch d {
	case Int32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// ParseDataType maps a type name to a DataType.
//
// Accepted names: int, int32, int64, float, float64, double. Anything else
// (e.g. "string") is a property validation error.
func ParseDataType(name string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "int", "int32", "i":
		return Int32, nil
	case "int64", "long", "l":
		return Int64, nil
	case "float", "float64", "double", "real", "r":
		return Float64, nil
	default:
		return TypeInvalid, flowerr.Invalid("", "unsupported data type %q; must be int, int64 or float", name)
	}
}
