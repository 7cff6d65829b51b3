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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
)

func TestArrayFrom(t *testing.T) {
	tests := []struct {
		name       string
		in         any
		dtype      DataType
		rank       int
		length     int
		components int
		wantErr    bool
	}{
		{"floats", []float64{1, 2}, Float64, 1, 2, 1, false},
		{"float32", []float32{1}, Float64, 1, 1, 1, false},
		{"ints", []int{1, 2, 3}, Int32, 1, 3, 1, false},
		{"int64", []int64{7}, Int64, 1, 1, 1, false},
		{"rows", [][]float64{{1, 2, 3}, {4, 5, 6}}, Float64, 2, 2, 3, false},
		{"int rows", [][]int{{1, 2}}, Int32, 2, 1, 2, false},
		{"strings", []string{"a"}, TypeInvalid, 0, 0, 0, true},
		{"rank 3", [][][]float64{{{1}}}, TypeInvalid, 0, 0, 0, true},
		{"ragged", [][]float64{{1, 2}, {3}}, TypeInvalid, 0, 0, 0, true},
		{"nil", nil, TypeInvalid, 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ArrayFrom(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dtype, a.DataType())
			assert.Equal(t, tt.rank, a.Rank())
			assert.Equal(t, tt.length, a.Len())
			assert.Equal(t, tt.components, a.Components())
		})
	}
}

func TestNewArray(t *testing.T) {
	a, err := NewArray(Int64, 2, 2, []int64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.Int(1, 0))

	_, err = NewArray(Int64, 2, 2, []int64{1})
	assert.Error(t, err)
	_, err = NewArray(Float64, 1, 1, []int64{1})
	assert.Error(t, err)
	_, err = NewArray(Float64, 1, 0, []float64{})
	assert.Error(t, err)
}

func TestParseDataType(t *testing.T) {
	for _, name := range []string{"int", "int32", "INT64", "float", "double"} {
		d, err := ParseDataType(name)
		require.NoError(t, err, name)
		assert.True(t, d.Valid())
	}
	_, err := ParseDataType("string")
	assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)
	assert.Equal(t, 4, Int32.Size())
	assert.Equal(t, "invalid", TypeInvalid.String())
}
