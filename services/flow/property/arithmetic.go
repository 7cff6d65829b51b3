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
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
)

// Arithmetic and comparisons operate on the element buffer and return new
// value arrays. They never touch the receiver. Integer operands stay
// integer: add, sub, mul and integral scalars are computed in int64 and
// the result keeps the wider of the operand types. Everything else is
// computed in float64.

func (p *Property) floatArray(values []float64) Array {
	a := Array{dtype: Float64, rank: 2, rows: p.count, cols: p.components, f64: values}
	if p.components == 1 {
		a.rank = 1
	}
	return a
}

func (p *Property) intArray(dtype DataType, values []int64) Array {
	a := Array{dtype: dtype, rank: 2, rows: p.count, cols: p.components}
	if p.components == 1 {
		a.rank = 1
	}
	if dtype == Int32 {
		a.i32 = make([]int32, len(values))
		for k, v := range values {
			a.i32[k] = int32(v)
		}
		return a
	}
	a.i64 = values
	return a
}

func (d DataType) integer() bool { return d == Int32 || d == Int64 }

// intResult is the data type of an integer operation on p and other, or
// false when either operand is a float.
func (p *Property) intResult(other *Property) (DataType, bool) {
	if !p.dtype.integer() || !other.dtype.integer() {
		return TypeInvalid, false
	}
	if p.dtype == Int64 || other.dtype == Int64 {
		return Int64, true
	}
	return Int32, true
}

// integral reports whether s is a whole number representable as int64.
func integral(s float64) (int64, bool) {
	if s != math.Trunc(s) || s < math.MinInt64 || s >= math.MaxInt64 {
		return 0, false
	}
	return int64(s), true
}

func (p *Property) binaryInt(other *Property, op func(a, b int64) int64) (Array, bool) {
	dtype, ok := p.intResult(other)
	if !ok {
		return Array{}, false
	}
	dst, src := p.Read().Int64s(), other.Read().Int64s()
	for k := range dst {
		dst[k] = op(dst[k], src[k])
	}
	return p.intArray(dtype, dst), true
}

func (p *Property) scalarInt(s float64, op func(a, b int64) int64) (Array, bool) {
	n, ok := integral(s)
	if !ok || !p.dtype.integer() {
		return Array{}, false
	}
	dst := p.Read().Int64s()
	for k := range dst {
		dst[k] = op(dst[k], n)
	}
	return p.intArray(p.dtype, dst), true
}

func addInt(a, b int64) int64 { return a + b }
func subInt(a, b int64) int64 { return a - b }
func mulInt(a, b int64) int64 { return a * b }

func (p *Property) sameShape(other *Property) error {
	if other.count != p.count || other.components != p.components {
		return flowerr.Invalid(p.name, "operand %q has shape %v, want %v", other.name, other.Shape(), p.Shape())
	}
	return nil
}

// Add returns p + other, element-wise.
func (p *Property) Add(other *Property) (Array, error) {
	if err := p.sameShape(other); err != nil {
		return Array{}, err
	}
	if a, ok := p.binaryInt(other, addInt); ok {
		return a, nil
	}
	dst := p.Read().Float64s()
	floats.Add(dst, other.Read().Float64s())
	return p.floatArray(dst), nil
}

// Sub returns p - other, element-wise.
func (p *Property) Sub(other *Property) (Array, error) {
	if err := p.sameShape(other); err != nil {
		return Array{}, err
	}
	if a, ok := p.binaryInt(other, subInt); ok {
		return a, nil
	}
	dst := p.Read().Float64s()
	floats.Sub(dst, other.Read().Float64s())
	return p.floatArray(dst), nil
}

// Mul returns p * other, element-wise.
func (p *Property) Mul(other *Property) (Array, error) {
	if err := p.sameShape(other); err != nil {
		return Array{}, err
	}
	if a, ok := p.binaryInt(other, mulInt); ok {
		return a, nil
	}
	dst := p.Read().Float64s()
	floats.Mul(dst, other.Read().Float64s())
	return p.floatArray(dst), nil
}

// Div returns p / other, element-wise.
func (p *Property) Div(other *Property) (Array, error) {
	if err := p.sameShape(other); err != nil {
		return Array{}, err
	}
	dst := p.Read().Float64s()
	floats.Div(dst, other.Read().Float64s())
	return p.floatArray(dst), nil
}

// AddScalar returns p + s.
func (p *Property) AddScalar(s float64) Array {
	if a, ok := p.scalarInt(s, addInt); ok {
		return a
	}
	dst := p.Read().Float64s()
	floats.AddConst(s, dst)
	return p.floatArray(dst)
}

// Scale returns p * s.
func (p *Property) Scale(s float64) Array {
	if a, ok := p.scalarInt(s, mulInt); ok {
		return a
	}
	dst := p.Read().Float64s()
	floats.Scale(s, dst)
	return p.floatArray(dst)
}

// Negate returns -p.
func (p *Property) Negate() Array {
	return p.Scale(-1)
}

// Sum returns the sum over all components of all elements.
func (p *Property) Sum() float64 {
	return floats.Sum(p.Read().Float64s())
}

// Min returns the smallest value, or NaN for an empty property.
func (p *Property) Min() float64 {
	v := p.Read().Float64s()
	if len(v) == 0 {
		return math.NaN()
	}
	return floats.Min(v)
}

// Max returns the largest value, or NaN for an empty property.
func (p *Property) Max() float64 {
	v := p.Read().Float64s()
	if len(v) == 0 {
		return math.NaN()
	}
	return floats.Max(v)
}

// Mean returns the arithmetic mean, or NaN for an empty property.
func (p *Property) Mean() float64 {
	v := p.Read().Float64s()
	if len(v) == 0 {
		return math.NaN()
	}
	return stat.Mean(v, nil)
}

// Equal compares p and other element-wise.
func (p *Property) Equal(other *Property) ([]bool, error) {
	if err := p.sameShape(other); err != nil {
		return nil, err
	}
	if _, ok := p.intResult(other); ok {
		a, b := p.Read().Int64s(), other.Read().Int64s()
		out := make([]bool, len(a))
		for k := range a {
			out[k] = a[k] == b[k]
		}
		return out, nil
	}
	a, b := p.Read().Float64s(), other.Read().Float64s()
	out := make([]bool, len(a))
	for k := range a {
		out[k] = a[k] == b[k]
	}
	return out, nil
}

// EqualScalar compares every value with s.
func (p *Property) EqualScalar(s float64) []bool {
	return p.compare(func(x float64) bool { return x == s })
}

// Less reports value < s for every value.
func (p *Property) Less(s float64) []bool {
	return p.compare(func(x float64) bool { return x < s })
}

// Greater reports value > s for every value.
func (p *Property) Greater(s float64) []bool {
	return p.compare(func(x float64) bool { return x > s })
}

func (p *Property) compare(pred func(float64) bool) []bool {
	v := p.Read().Float64s()
	out := make([]bool, len(v))
	for k, x := range v {
		out[k] = pred(x)
	}
	return out
}

// ContentEqual reports whether p and other hold identical values with the
// same shape and data type. Buffers are compared in their own type; NaN
// equals NaN.
func (p *Property) ContentEqual(other *Property) bool {
	if other == nil || p.dtype != other.dtype || p.sameShape(other) != nil {
		return false
	}
	switch p.dtype {
	case Int32:
		return slices.Equal(p.i32, other.i32)
	case Int64:
		return slices.Equal(p.i64, other.i64)
	}
	return slices.EqualFunc(p.f64, other.f64, func(a, b float64) bool {
		return a == b || (math.IsNaN(a) && math.IsNaN(b))
	})
}

// ApproxEqual is ContentEqual with an absolute tolerance.
func (p *Property) ApproxEqual(other *Property, tol float64) bool {
	if other == nil || p.sameShape(other) != nil {
		return false
	}
	return floats.EqualApprox(p.Read().Float64s(), other.Read().Float64s(), tol)
}
