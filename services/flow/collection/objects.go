// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collection

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
)

// Object is anything a DataCollection can hold.
type Object interface {
	AddOwner()
	RemoveOwner()
	Freeze()
	IsFrozen() bool
	IsExclusive() bool
}

// ownership is the shared/frozen bookkeeping for the non-container objects.
type ownership struct {
	mu     sync.Mutex
	owners int
	frozen bool
}

func (o *ownership) AddOwner() {
	o.mu.Lock()
	o.owners++
	o.mu.Unlock()
}

func (o *ownership) RemoveOwner() {
	o.mu.Lock()
	if o.owners > 0 {
		o.owners--
	}
	o.mu.Unlock()
}

func (o *ownership) Freeze() {
	o.mu.Lock()
	o.frozen = true
	o.mu.Unlock()
}

func (o *ownership) IsFrozen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frozen
}

func (o *ownership) IsExclusive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owners <= 1 && !o.frozen
}

func (o *ownership) checkMutable(what string) error {
	if !o.IsExclusive() {
		return flowerr.ReadOnly(what, "object is shared or published; request a mutable copy from the collection")
	}
	return nil
}

// -----------------------------------------------------------------------------
// SimulationCell
// -----------------------------------------------------------------------------

// SimulationCell is the periodic domain: three cell vectors and an origin,
// stored as the columns of a 3x4 matrix.
type SimulationCell struct {
	ownership
	matrix [3][4]float64
	pbc    [3]bool
	is2D   bool
}

// NewCell builds a cell from its cell vectors a, b, c and origin.
func NewCell(a, b, c, origin [3]float64, pbc [3]bool) *SimulationCell {
	cell := &SimulationCell{pbc: pbc}
	for i := 0; i < 3; i++ {
		cell.matrix[i][0] = a[i]
		cell.matrix[i][1] = b[i]
		cell.matrix[i][2] = c[i]
		cell.matrix[i][3] = origin[i]
	}
	return cell
}

// Matrix returns the 3x4 cell matrix.
func (s *SimulationCell) Matrix() [3][4]float64 { return s.matrix }

// PBC returns the periodic boundary flags.
func (s *SimulationCell) PBC() [3]bool { return s.pbc }

// Is2D reports whether the cell is two-dimensional.
func (s *SimulationCell) Is2D() bool { return s.is2D }

// Vector returns cell vector i (0..2) or the origin (3).
func (s *SimulationCell) Vector(i int) [3]float64 {
	return [3]float64{s.matrix[0][i], s.matrix[1][i], s.matrix[2][i]}
}

// Volume returns the cell volume, or the area for 2D cells.
func (s *SimulationCell) Volume() float64 {
	a, b, c := s.Vector(0), s.Vector(1), s.Vector(2)
	if s.is2D {
		return math.Abs(a[0]*b[1] - a[1]*b[0])
	}
	cross := [3]float64{
		b[1]*c[2] - b[2]*c[1],
		b[2]*c[0] - b[0]*c[2],
		b[0]*c[1] - b[1]*c[0],
	}
	return math.Abs(a[0]*cross[0] + a[1]*cross[1] + a[2]*cross[2])
}

// SetMatrix replaces the cell geometry.
func (s *SimulationCell) SetMatrix(m [3][4]float64) error {
	if err := s.checkMutable("simulation cell"); err != nil {
		return err
	}
	s.matrix = m
	return nil
}

// SetPBC replaces the periodic boundary flags.
func (s *SimulationCell) SetPBC(pbc [3]bool) error {
	if err := s.checkMutable("simulation cell"); err != nil {
		return err
	}
	s.pbc = pbc
	return nil
}

// SetIs2D marks the cell as two-dimensional.
func (s *SimulationCell) SetIs2D(v bool) error {
	if err := s.checkMutable("simulation cell"); err != nil {
		return err
	}
	s.is2D = v
	return nil
}

// Clone returns an unfrozen copy.
func (s *SimulationCell) Clone() *SimulationCell {
	return &SimulationCell{matrix: s.matrix, pbc: s.pbc, is2D: s.is2D}
}

// -----------------------------------------------------------------------------
// Attributes
// -----------------------------------------------------------------------------

// Attributes holds global scalar values of a frame, e.g. Timestep.
// Values are float64, int64 or string.
type Attributes struct {
	ownership
	values map[string]any
}

// NewAttributes returns an empty attribute set.
func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string]any)}
}

// Get returns an attribute value.
func (a *Attributes) Get(name string) (any, bool) {
	v, ok := a.values[name]
	return v, ok
}

// Float returns a numeric attribute as float64.
func (a *Attributes) Float(name string) (float64, bool) {
	switch v := a.values[name].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Names returns the sorted attribute names.
func (a *Attributes) Names() []string {
	out := make([]string, 0, len(a.values))
	for k := range a.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of attributes.
func (a *Attributes) Len() int { return len(a.values) }

// Set stores an attribute.
func (a *Attributes) Set(name string, value any) error {
	if err := a.checkMutable("attributes"); err != nil {
		return err
	}
	switch v := value.(type) {
	case float64, int64, string:
		a.values[name] = v
	case int:
		a.values[name] = int64(v)
	case int32:
		a.values[name] = int64(v)
	case float32:
		a.values[name] = float64(v)
	default:
		return fmt.Errorf("attribute %q: unsupported value type %T", name, value)
	}
	return nil
}

// Clone returns an unfrozen copy.
func (a *Attributes) Clone() *Attributes {
	c := NewAttributes()
	for k, v := range a.values {
		c.values[k] = v
	}
	return c
}

// -----------------------------------------------------------------------------
// DataSeries
// -----------------------------------------------------------------------------

// DataSeries is a named x/y table produced by a stage, e.g. a histogram.
type DataSeries struct {
	ownership
	name   string
	xLabel string
	yLabel string
	x      []float64
	y      []float64
}

// NewSeries creates a named series.
func NewSeries(name, xLabel, yLabel string, x, y []float64) (*DataSeries, error) {
	if len(x) != len(y) {
		return nil, flowerr.CountMismatch(name, len(y), len(x))
	}
	return &DataSeries{
		name:   name,
		xLabel: xLabel,
		yLabel: yLabel,
		x:      append([]float64(nil), x...),
		y:      append([]float64(nil), y...),
	}, nil
}

// Name returns the series name.
func (d *DataSeries) Name() string { return d.name }

// Labels returns the axis labels.
func (d *DataSeries) Labels() (string, string) { return d.xLabel, d.yLabel }

// Points returns copies of the x and y values.
func (d *DataSeries) Points() ([]float64, []float64) {
	return append([]float64(nil), d.x...), append([]float64(nil), d.y...)
}

// SetPoints replaces the values.
func (d *DataSeries) SetPoints(x, y []float64) error {
	if err := d.checkMutable("data series " + d.name); err != nil {
		return err
	}
	if len(x) != len(y) {
		return flowerr.CountMismatch(d.name, len(y), len(x))
	}
	d.x = append([]float64(nil), x...)
	d.y = append([]float64(nil), y...)
	return nil
}

// Clone returns an unfrozen copy.
func (d *DataSeries) Clone() *DataSeries {
	c, _ := NewSeries(d.name, d.xLabel, d.yLabel, d.x, d.y)
	return c
}
