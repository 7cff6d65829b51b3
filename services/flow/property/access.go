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

// View is read access to a property's elements. It never mutates.
type View struct {
	p *Property
}

// Read returns a read view. Legal in any state.
func (p *Property) Read() View { return View{p: p} }

// Len returns the element count.
func (v View) Len() int { return v.p.count }

// Components returns the component count.
func (v View) Components() int { return v.p.components }

// DataType returns the element type.
func (v View) DataType() DataType { return v.p.dtype }

// Float returns component c of element i as float64.
func (v View) Float(i, c int) float64 {
	k := i*v.p.components + c
	switch v.p.dtype {
	case Int32:
		return float64(v.p.i32[k])
	case Int64:
		return float64(v.p.i64[k])
	default:
		return v.p.f64[k]
	}
}

// Int returns component c of element i as int64. Floats are truncated.
func (v View) Int(i, c int) int64 {
	k := i*v.p.components + c
	switch v.p.dtype {
	case Int32:
		return int64(v.p.i32[k])
	case Int64:
		return v.p.i64[k]
	default:
		return int64(v.p.f64[k])
	}
}

// Vector returns all components of element i.
func (v View) Vector(i int) []float64 {
	out := make([]float64, v.p.components)
	for c := range out {
		out[c] = v.Float(i, c)
	}
	return out
}

// Float64s returns a copy of all values, row-major.
func (v View) Float64s() []float64 {
	if v.p.dtype == Float64 {
		return append([]float64(nil), v.p.f64...)
	}
	out := make([]float64, v.p.count*v.p.components)
	for k := range out {
		out[k] = v.Float(k/v.p.components, k%v.p.components)
	}
	return out
}

// Int64s returns a copy of all values as int64, row-major.
func (v View) Int64s() []int64 {
	out := make([]int64, v.p.count*v.p.components)
	for k := range out {
		out[k] = v.Int(k/v.p.components, k%v.p.components)
	}
	return out
}

// Array returns a detached copy of the data.
func (v View) Array() Array {
	a := Array{dtype: v.p.dtype, rank: 2, rows: v.p.count, cols: v.p.components}
	if v.p.components == 1 {
		a.rank = 1
	}
	switch v.p.dtype {
	case Int32:
		a.i32 = append([]int32(nil), v.p.i32...)
	case Int64:
		a.i64 = append([]int64(nil), v.p.i64...)
	default:
		a.f64 = append([]float64(nil), v.p.f64...)
	}
	return a
}

// -----------------------------------------------------------------------------
// Setters
// -----------------------------------------------------------------------------

func (p *Property) checkWrite(i, c int) error {
	if p.writable.Load() <= 0 {
		return flowerr.ReadOnly(fmt.Sprintf("property %q", p.name), "not in a writable state; use AcquireWritable or WithWritable")
	}
	if i < 0 || i >= p.count || c < 0 || c >= p.components {
		return fmt.Errorf("property %q element (%d, %d): %w", p.name, i, c, ErrIndexOutOfRange)
	}
	return nil
}

// Set stores v at component c of element i. Integer properties truncate.
func (p *Property) Set(i, c int, v float64) error {
	if err := p.checkWrite(i, c); err != nil {
		return err
	}
	k := i*p.components + c
	switch p.dtype {
	case Int32:
		p.i32[k] = int32(v)
	case Int64:
		p.i64[k] = int64(v)
	default:
		p.f64[k] = v
	}
	return nil
}

// SetInt stores v at component c of element i.
func (p *Property) SetInt(i, c int, v int64) error {
	if err := p.checkWrite(i, c); err != nil {
		return err
	}
	k := i*p.components + c
	switch p.dtype {
	case Int32:
		p.i32[k] = int32(v)
	case Int64:
		p.i64[k] = v
	default:
		p.f64[k] = float64(v)
	}
	return nil
}

// SetVector stores all components of element i.
func (p *Property) SetVector(i int, v []float64) error {
	if len(v) != p.components {
		return flowerr.Invalid(p.name, "vector has %d components, want %d", len(v), p.components)
	}
	for c, x := range v {
		if err := p.Set(i, c, x); err != nil {
			return err
		}
	}
	return nil
}

// Fill sets every component of every element to v.
func (p *Property) Fill(v float64) error {
	if p.writable.Load() <= 0 {
		return flowerr.ReadOnly(fmt.Sprintf("property %q", p.name), "not in a writable state")
	}
	switch p.dtype {
	case Int32:
		for k := range p.i32 {
			p.i32[k] = int32(v)
		}
	case Int64:
		for k := range p.i64 {
			p.i64[k] = int64(v)
		}
	default:
		for k := range p.f64 {
			p.f64[k] = v
		}
	}
	return nil
}

// Assign overwrites all values from a. Shape must match.
func (p *Property) Assign(a Array) error {
	if p.writable.Load() <= 0 {
		return flowerr.ReadOnly(fmt.Sprintf("property %q", p.name), "not in a writable state")
	}
	return p.assign(a)
}

func (p *Property) assign(a Array) error {
	if a.Len() != p.count {
		return flowerr.CountMismatch(p.name, a.Len(), p.count)
	}
	if a.Components() != p.components {
		return flowerr.Invalid(p.name, "data has %d components, property has %d", a.Components(), p.components)
	}
	n := p.count * p.components
	switch p.dtype {
	case Int32:
		for k := 0; k < n; k++ {
			p.i32[k] = int32(a.Int(k/p.components, k%p.components))
		}
	case Int64:
		for k := 0; k < n; k++ {
			p.i64[k] = a.Int(k/p.components, k%p.components)
		}
	default:
		for k := 0; k < n; k++ {
			p.f64[k] = a.Float(k/p.components, k%p.components)
		}
	}
	return nil
}
