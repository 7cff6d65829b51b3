// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/property"
)

func TestCreateProperty_FirstDataFixesCount(t *testing.T) {
	c := New(Particles)
	assert.False(t, c.CountKnown())

	p, err := c.CreateProperty(ByName("Value"), WithData([]float64{1, 2, 3, 4}))
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len())
	assert.Equal(t, 4, p.Len())
	assert.False(t, p.IsWritable(), "returned property must be read-only")

	_, err = c.CreateProperty(ByName("Other"), WithData([]float64{1, 2, 3}))
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerr.ErrElementCountMismatch)
	assert.Equal(t, []string{"Value"}, c.Names())
}

func TestCreateProperty_EmptyContainerNeedsData(t *testing.T) {
	c := New(Particles)
	_, err := c.CreateProperty(ByName("Value"), WithDataType(property.Float64), WithComponents(1))
	assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)
	_, err = c.CreateProperty(ByRole(RolePosition))
	assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)
	assert.Empty(t, c.Properties())
}

func TestCreateProperty_StandardReplace(t *testing.T) {
	c := New(Particles)
	x := [][]float64{{0, 0, 0}, {1, 1, 1}}
	_, err := c.CreateProperty(ByRole(RolePosition), WithData(x))
	require.NoError(t, err)

	// different component count fails
	_, err = c.CreateProperty(ByRole(RolePosition), WithData([][]float64{{1, 2}, {3, 4}}))
	assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)

	// explicit dtype on a standard property fails
	_, err = c.CreateProperty(ByRole(RolePosition), WithDataType(property.Float64))
	assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)

	// same-shaped replacement round-trips
	y := [][]float64{{5, 6, 7}, {8, 9, 10}}
	p, err := c.CreateProperty(ByRole(RolePosition), WithData(y))
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6, 7, 8, 9, 10}, p.Read().Float64s())
	assert.Equal(t, "Position", p.Name())
	assert.Len(t, c.Properties(), 1)
	assert.Same(t, p, c.GetByRole(RolePosition))
}

func TestCreateProperty_StandardNameResolvesRole(t *testing.T) {
	c := New(Particles)
	p, err := c.CreateProperty(ByName("Mass"), WithData([]float64{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, int(RoleMass), p.Role())

	_, err = c.CreateProperty(ByName("Mass"), WithDataType(property.Int32))
	assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)
}

func TestCreateProperty_Validation(t *testing.T) {
	tests := []struct {
		name string
		id   PropertyID
		opts []CreateOption
	}{
		{"invalid role", ByRole(0), nil},
		{"negative role", ByRole(-3), nil},
		{"role not in class", ByRole(RoleTopology), nil},
		{"empty name", ByName(""), []CreateOption{WithData([]float64{1, 2})}},
		{"dot in name", ByName("A.B"), []CreateOption{WithData([]float64{1, 2})}},
		{"rank 3", ByName("A"), []CreateOption{WithData([][][]float64{{{1}}})}},
		{"zero components", ByName("A"), []CreateOption{WithDataType(property.Float64), WithComponents(-1)}},
		{"no dtype no data", ByName("A"), []CreateOption{WithComponents(1)}},
		{"bad dtype value", ByName("A"), []CreateOption{WithDataType(property.DataType(42)), WithComponents(1)}},
		{"components vs data", ByName("A"), []CreateOption{WithComponents(3), WithData([]float64{1, 2})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Particles)
			_, err := c.CreateProperty(ByName("Seed"), WithData([]float64{0, 0}))
			require.NoError(t, err)

			_, err = c.CreateProperty(tt.id, tt.opts...)
			require.Error(t, err)
			assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)
			assert.Equal(t, []string{"Seed"}, c.Names())
		})
	}
}

func TestCreateProperty_UnsupportedDataTypeLeavesContainerUnchanged(t *testing.T) {
	c := New(Particles)
	value, err := c.CreateProperty(ByName("Value"), WithData([]float64{1, 2, 3}))
	require.NoError(t, err)
	before := value.Read().Float64s()

	_, err = c.CreateProperty(ByName("Label"), WithDataTypeName("string"), WithComponents(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)

	_, err = c.CreateProperty(ByName("Label"), WithData([]string{"a", "b", "c"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)

	assert.Len(t, c.Properties(), 1)
	assert.Same(t, value, c.Get("Value"))
	assert.Equal(t, before, c.Get("Value").Read().Float64s())
	assert.Equal(t, 3, c.Len())
}

func TestCreateProperty_ExistingWithoutDataKeepsValues(t *testing.T) {
	c := New(Generic)
	_, err := c.CreateProperty(ByName("Value"), WithData([]int{4, 5}))
	require.NoError(t, err)

	p, err := c.CreateProperty(ByName("Value"), WithDataType(property.Int32), WithComponents(1))
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, p.Read().Int64s())

	_, err = c.CreateProperty(ByName("Value"), WithDataType(property.Int64), WithComponents(1))
	assert.ErrorIs(t, err, flowerr.ErrPropertyValidation)
}

func TestCreateProperty_ExplicitTypeOnNonEmptyContainer(t *testing.T) {
	c := New(Generic)
	_, err := c.CreateProperty(ByName("A"), WithData([]float64{1, 2, 3}))
	require.NoError(t, err)

	p, err := c.CreateProperty(ByName("Vec"), WithDataType(property.Float64), WithComponents(3), WithComponentNames("U", "V", "W"))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, p.Shape())
	assert.Equal(t, []string{"U", "V", "W"}, p.ComponentNames())
}

func TestClone_CopyOnWriteAcrossContainers(t *testing.T) {
	orig := New(Particles)
	_, err := orig.CreateProperty(ByName("Value"), WithData([]float64{1, 2, 3}))
	require.NoError(t, err)
	orig.Freeze()

	assert.Equal(t, FoundReadOnly, orig.Lookup("Value").Status)
	_, err = orig.AcquireWritable("Value")
	assert.ErrorIs(t, err, flowerr.ErrMutabilityViolation)
	_, err = orig.CreateProperty(ByName("Other"), WithData([]float64{1, 2, 3}))
	assert.ErrorIs(t, err, flowerr.ErrMutabilityViolation)

	clone := orig.Clone()
	assert.Same(t, orig.Get("Value"), clone.Get("Value"))
	assert.Equal(t, FoundReadOnly, clone.Lookup("Value").Status)

	w, err := clone.WithWritable("Value", func(w *property.Property) error { return w.Fill(9) })
	require.NoError(t, err)
	assert.NotSame(t, orig.Get("Value"), w)
	assert.Same(t, w, clone.Get("Value"))
	assert.Equal(t, []float64{1, 2, 3}, orig.Get("Value").Read().Float64s())
	assert.Equal(t, []float64{9, 9, 9}, clone.Get("Value").Read().Float64s())
	assert.Equal(t, FoundWritable, clone.Lookup("Value").Status)
	assert.Equal(t, 1, orig.Get("Value").Owners())
}

func TestLookup_Statuses(t *testing.T) {
	c := New(Generic)
	assert.Equal(t, NotFound, c.Lookup("Missing").Status)
	assert.False(t, c.Lookup("Missing").Found())

	_, err := c.CreateProperty(ByName("A"), WithData([]float64{1}))
	require.NoError(t, err)
	r := c.Lookup("A")
	assert.Equal(t, FoundWritable, r.Status)
	assert.Equal(t, "found-writable", r.Status.String())

	c.AddOwner()
	c.AddOwner()
	assert.Equal(t, FoundReadOnly, c.Lookup("A").Status)
	_, err = c.AcquireWritable("A")
	assert.ErrorIs(t, err, flowerr.ErrMutabilityViolation)
}

func TestAddRemove(t *testing.T) {
	c := New(Generic)
	p, err := property.FromArray(property.Spec{Name: "A"}, property.Floats(1, 2))
	require.NoError(t, err)
	require.NoError(t, c.Add(p))
	assert.Equal(t, 1, p.Owners())
	assert.Error(t, c.Add(p))

	short, err := property.FromArray(property.Spec{Name: "B"}, property.Floats(1))
	require.NoError(t, err)
	assert.ErrorIs(t, c.Add(short), flowerr.ErrElementCountMismatch)

	require.NoError(t, c.Remove("A"))
	assert.Equal(t, 0, p.Owners())
	assert.Nil(t, c.Get("A"))
	require.NoError(t, c.Remove("A"))
}

func TestSubscribe_RelaysPropertyChanges(t *testing.T) {
	c := New(Generic)
	_, err := c.CreateProperty(ByName("A"), WithData([]float64{1}))
	require.NoError(t, err)

	var seen []string
	c.Subscribe(func(_ *Container, p *property.Property) { seen = append(seen, p.Name()) })

	_, err = c.WithWritable("A", func(w *property.Property) error { return w.Set(0, 0, 2) })
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, seen)

	// copy installed by COW keeps relaying
	c2 := c.Clone()
	var seen2 int
	c2.Subscribe(func(*Container, *property.Property) { seen2++ })
	_, err = c2.WithWritable("A", func(w *property.Property) error { return w.Set(0, 0, 3) })
	require.NoError(t, err)
	assert.Equal(t, 1, seen2)
	assert.Len(t, seen, 1, "original container must not see the clone's write")
}

func TestContentEqual(t *testing.T) {
	a := New(Generic)
	_, err := a.CreateProperty(ByName("A"), WithData([]float64{1, 2}))
	require.NoError(t, err)
	b := a.Clone()
	assert.True(t, a.ContentEqual(b))
	_, err = b.WithWritable("A", func(w *property.Property) error { return w.Set(0, 0, 5) })
	require.NoError(t, err)
	assert.False(t, a.ContentEqual(b))
}

func TestClassTable(t *testing.T) {
	std, ok := Particles.Standard(RolePosition)
	require.True(t, ok)
	assert.Equal(t, 3, std.Components)
	assert.Equal(t, []string{"X", "Y", "Z"}, std.ComponentNames)
	_, ok = Particles.Standard(RoleTopology)
	assert.False(t, ok)
	assert.NotEmpty(t, Bonds.StandardProperties())
	cls, ok := ClassByName("Bonds")
	assert.True(t, ok)
	assert.Same(t, Bonds, cls)
}
