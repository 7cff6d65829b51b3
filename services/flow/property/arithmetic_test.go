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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
)

func TestArithmetic(t *testing.T) {
	a := newValue(t, 1, 2, 3)
	b := newValue(t, 4, 5, 6)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 7, 9}, sum.Float64s())

	diff, err := b.Sub(a)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 3, 3}, diff.Float64s())

	prod, err := a.Mul(b)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 10, 18}, prod.Float64s())

	quot, err := b.Div(a)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 2.5, 2}, quot.Float64s())

	assert.Equal(t, []float64{2, 4, 6}, a.Scale(2).Float64s())
	assert.Equal(t, []float64{11, 12, 13}, a.AddScalar(10).Float64s())
	assert.Equal(t, []float64{-1, -2, -3}, a.Negate().Float64s())

	// operands untouched
	assert.Equal(t, []float64{1, 2, 3}, a.Read().Float64s())
}

func TestArithmetic_ShapeMismatch(t *testing.T) {
	a := newValue(t, 1, 2, 3)
	b := newValue(t, 1, 2)
	_, err := a.Add(b)
	assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)
	_, err = a.Equal(b)
	assert.Error(t, err)
}

func TestReductions(t *testing.T) {
	a := newValue(t, 3, -1, 4)
	assert.Equal(t, 6.0, a.Sum())
	assert.Equal(t, -1.0, a.Min())
	assert.Equal(t, 4.0, a.Max())
	assert.Equal(t, 2.0, a.Mean())

	empty := newValue(t)
	assert.True(t, math.IsNaN(empty.Min()))
	assert.True(t, math.IsNaN(empty.Mean()))
	assert.Equal(t, 0.0, empty.Sum())
}

func TestComparisons(t *testing.T) {
	a := newValue(t, 1, 2, 3)
	assert.Equal(t, []bool{false, true, false}, a.EqualScalar(2))
	assert.Equal(t, []bool{true, false, false}, a.Less(2))
	assert.Equal(t, []bool{false, false, true}, a.Greater(2))

	eq, err := a.Equal(newValue(t, 1, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, eq)

	assert.True(t, a.ContentEqual(newValue(t, 1, 2, 3)))
	assert.False(t, a.ContentEqual(newValue(t, 1, 2, 4)))
	assert.True(t, a.ApproxEqual(newValue(t, 1, 2, 3.0000001), 1e-6))
}

func TestVectorArithmeticKeepsShape(t *testing.T) {
	arr, err := ArrayFrom([][]float64{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	p, err := FromArray(Spec{Name: "Force"}, arr)
	require.NoError(t, err)

	scaled := p.Scale(0.5)
	assert.Equal(t, 2, scaled.Rank())
	assert.Equal(t, 2, scaled.Len())
	assert.Equal(t, 3, scaled.Components())
	assert.Equal(t, 3.0, scaled.Float(1, 2))
}

func newInts64(t *testing.T, values ...int64) *Property {
	t.Helper()
	p, err := FromArray(Spec{Name: "Identifier64"}, Ints64(values...))
	require.NoError(t, err)
	return p
}

func TestInt64_ExactAboveFloatPrecision(t *testing.T) {
	const big = int64(1) << 53
	a := newInts64(t, big+1, 7)
	b := newInts64(t, big, 7)

	assert.False(t, a.ContentEqual(b))
	assert.True(t, a.ContentEqual(newInts64(t, big+1, 7)))

	eq, err := a.Equal(b)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, eq)

	shifted := a.AddScalar(0)
	assert.Equal(t, Int64, shifted.DataType())
	assert.Equal(t, big+1, shifted.Int(0, 0))

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, Int64, diff.DataType())
	assert.Equal(t, int64(1), diff.Int(0, 0))
	assert.Equal(t, int64(0), diff.Int(1, 0))
}

func TestIntegerArithmetic_KeepsDataType(t *testing.T) {
	a, err := FromArray(Spec{Name: "Count"}, Ints32(1, 2, 3))
	require.NoError(t, err)
	wide := newInts64(t, 10, 20, 30)

	scaled := a.Scale(2)
	assert.Equal(t, Int32, scaled.DataType())
	assert.Equal(t, []float64{2, 4, 6}, scaled.Float64s())
	assert.Equal(t, Int32, a.Negate().DataType())

	sum, err := a.Add(wide)
	require.NoError(t, err)
	assert.Equal(t, Int64, sum.DataType())
	assert.Equal(t, []float64{11, 22, 33}, sum.Float64s())

	prod, err := a.Mul(a)
	require.NoError(t, err)
	assert.Equal(t, Int32, prod.DataType())

	// Fractional scalars, division and mixed operands fall back to float.
	assert.Equal(t, Float64, a.Scale(0.5).DataType())
	quot, err := wide.Div(newInts64(t, 4, 4, 4))
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 5, 7.5}, quot.Float64s())
	mixed, err := newValue(t, 0.5, 0.5, 0.5).Add(a)
	require.NoError(t, err)
	assert.Equal(t, Float64, mixed.DataType())
}

func TestContentEqual_NaN(t *testing.T) {
	a := newValue(t, 1, math.NaN(), 3)
	assert.True(t, a.ContentEqual(newValue(t, 1, math.NaN(), 3)))
	assert.False(t, a.ContentEqual(newValue(t, 1, 2, 3)))
	assert.False(t, a.ContentEqual(newInts64(t, 1, 2, 3)))
}
