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
	"fmt"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
)

// Array is a detached, typed value array of rank 1 or 2.
//
// Arrays are what callers hand to property creation and what arithmetic
// returns. They are plain values: no ownership, no mutability flag.
// Rank-1 arrays have one component per row.
type Array struct {
	dtype DataType
	rank  int
	rows  int
	cols  int
	f64   []float64
	i32   []int32
	i64   []int64
}

// Floats returns a rank-1 float array.
func Floats(values ...float64) Array {
	return Array{dtype: Float64, rank: 1, rows: len(values), cols: 1, f64: append([]float64(nil), values...)}
}

// Ints32 returns a rank-1 int32 array.
func Ints32(values ...int32) Array {
	return Array{dtype: Int32, rank: 1, rows: len(values), cols: 1, i32: append([]int32(nil), values...)}
}

// Ints64 returns a rank-1 int64 array.
func Ints64(values ...int64) Array {
	return Array{dtype: Int64, rank: 1, rows: len(values), cols: 1, i64: append([]int64(nil), values...)}
}

// NewArray builds an array from flat row-major data. A single component
// produces a rank-1 array.
func NewArray(dtype DataType, rows, components int, flat any) (Array, error) {
	if components < 1 {
		return Array{}, flowerr.Invalid("", "component count must be at least 1, got %d", components)
	}
	a := Array{dtype: dtype, rank: 2, rows: rows, cols: components}
	if components == 1 {
		a.rank = 1
	}
	n := rows * components
	switch v := flat.(type) {
	case []float64:
		if dtype != Float64 || len(v) != n {
			return Array{}, shapeError(dtype, len(v), n)
		}
		a.f64 = append([]float64(nil), v...)
	case []int32:
		if dtype != Int32 || len(v) != n {
			return Array{}, shapeError(dtype, len(v), n)
		}
		a.i32 = append([]int32(nil), v...)
	case []int64:
		if dtype != Int64 || len(v) != n {
			return Array{}, shapeError(dtype, len(v), n)
		}
		a.i64 = append([]int64(nil), v...)
	default:
		return Array{}, flowerr.Invalid("", "unsupported backing slice %T", flat)
	}
	return a, nil
}

func shapeError(dtype DataType, got, want int) error {
	return flowerr.Invalid("", "flat %s data has %d values, want %d", dtype, got, want)
}

// ArrayFrom converts Go slices into an Array.
//
// Description:
//
//	Accepts rank-1 slices ([]float64, []float32, []int, []int32, []int64)
//	and rank-2 slices of the same element types. The data type is inferred
//	from the Go element type: int and int32 map to Int32, int64 to Int64,
//	floats to Float64. An Array value is passed through unchanged.
//
// Outputs:
//
//	Array - The converted array.
//	error - PropertyValidationError for unsupported element types (for
//	example []string), ragged rows, or rank outside {1, 2}.
func ArrayFrom(values any) (Array, error) {
	switch v := values.(type) {
	case Array:
		return v, nil
	case *Array:
		if v == nil {
			return Array{}, flowerr.Invalid("", "nil array")
		}
		return *v, nil
	case []float64:
		return Floats(v...), nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return Floats(out...), nil
	case []int32:
		return Ints32(v...), nil
	case []int:
		out := make([]int32, len(v))
		for i, x := range v {
			out[i] = int32(x)
		}
		return Ints32(out...), nil
	case []int64:
		return Ints64(v...), nil
	case [][]float64:
		return rows2(Float64, v, func(dst *Array, row []float64) { dst.f64 = append(dst.f64, row...) })
	case [][]int32:
		return rows2(Int32, v, func(dst *Array, row []int32) { dst.i32 = append(dst.i32, row...) })
	case [][]int:
		return rows2(Int32, v, func(dst *Array, row []int) {
			for _, x := range row {
				dst.i32 = append(dst.i32, int32(x))
			}
		})
	case [][]int64:
		return rows2(Int64, v, func(dst *Array, row []int64) { dst.i64 = append(dst.i64, row...) })
	case [][][]float64, [][][]int, [][][]int32, [][][]int64:
		return Array{}, flowerr.Invalid("", "array must be one or two-dimensional")
	case nil:
		return Array{}, flowerr.Invalid("", "no data given")
	default:
		return Array{}, flowerr.Invalid("", "unsupported data type %T; must be int, int64 or float", values)
	}
}

func rows2[T any](dtype DataType, rows [][]T, add func(*Array, []T)) (Array, error) {
	a := Array{dtype: dtype, rank: 2, rows: len(rows)}
	if len(rows) == 0 {
		a.cols = 1
		return a, nil
	}
	a.cols = len(rows[0])
	if a.cols < 1 {
		return Array{}, flowerr.Invalid("", "second dimension must be at least 1")
	}
	for i, row := range rows {
		if len(row) != a.cols {
			return Array{}, flowerr.Invalid("", "ragged array: row %d has %d values, want %d", i, len(row), a.cols)
		}
		add(&a, row)
	}
	return a, nil
}

// DataType returns the element type.
func (a Array) DataType() DataType { return a.dtype }

// Rank returns 1 or 2.
func (a Array) Rank() int { return a.rank }

// Len returns the number of rows (elements).
func (a Array) Len() int { return a.rows }

// Components returns the row width.
func (a Array) Components() int { return a.cols }

// Float returns component c of row i as float64.
func (a Array) Float(i, c int) float64 {
	k := i*a.cols + c
	switch a.dtype {
	case Int32:
		return float64(a.i32[k])
	case Int64:
		return float64(a.i64[k])
	default:
		return a.f64[k]
	}
}

// Int returns component c of row i as int64. Floats are truncated.
func (a Array) Int(i, c int) int64 {
	k := i*a.cols + c
	switch a.dtype {
	case Int32:
		return int64(a.i32[k])
	case Int64:
		return a.i64[k]
	default:
		return int64(a.f64[k])
	}
}

// Float64s returns a copy of all values, row-major, as float64.
func (a Array) Float64s() []float64 {
	out := make([]float64, a.rows*a.cols)
	for k := range out {
		out[k] = a.Float(k/a.cols, k%a.cols)
	}
	return out
}

// String implements fmt.Stringer.
func (a Array) String() string {
	return fmt.Sprintf("Array(%s, %dx%d)", a.dtype, a.rows, a.cols)
}
