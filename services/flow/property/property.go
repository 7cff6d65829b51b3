// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package property implements typed per-element arrays with copy-on-write
// ownership.
//
// A Property is read-only unless a writer holds a WriteGuard on it. A
// property that has more than one owner, or that was frozen because it
// became part of a published snapshot, is never written in place:
// AcquireWritable hands out an exclusively owned copy instead. Readers
// therefore never see a concurrent write, and no lock protects the element
// data itself. The only lock guards the ownership decision.
//
// # Ownership
//
// Owners are containers. A container calls AddOwner when it starts
// referencing a property and RemoveOwner when it stops. A property with zero
// or one owner that is not frozen is exclusive.
//
// # Example
//
//	guard := p.AcquireWritable()
//	w := guard.Property() // p itself, or a copy if p was shared
//	_ = w.Set(0, 0, 1.5)
//	guard.Release()       // read-only again, change listeners fire
package property

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrIndexOutOfRange is returned by element accessors for a bad index.
var ErrIndexOutOfRange = errors.New("element index out of range")

// ChangeFunc is called after a writer released a property.
type ChangeFunc func(p *Property)

// Property is a named, typed, per-element array.
//
// Thread Safety:
//
//	Reads are safe from any number of goroutines. Writes are only possible
//	through a WriteGuard on an exclusively owned property, which no other
//	holder can observe.
type Property struct {
	name           string
	role           int
	dtype          DataType
	components     int
	componentNames []string
	count          int

	f64 []float64
	i32 []int32
	i64 []int64

	types []ElementType

	// mu guards the ownership decision and the listener set.
	mu        sync.Mutex
	owners    int
	frozen    bool
	listeners map[int]ChangeFunc
	nextID    int

	writable atomic.Int32
	revision atomic.Uint64
}

// Spec describes a property to allocate.
type Spec struct {
	Name           string
	Role           int
	DataType       DataType
	Components     int
	ComponentNames []string
}

// New allocates a zero-filled property with count elements.
func New(spec Spec, count int) (*Property, error) {
	if !spec.DataType.Valid() {
		return nil, fmt.Errorf("new property %q: %w", spec.Name, errInvalidType(spec.DataType))
	}
	if spec.Components < 1 {
		return nil, fmt.Errorf("new property %q: component count %d: %w", spec.Name, spec.Components, errBadComponents)
	}
	if count < 0 {
		return nil, fmt.Errorf("new property %q: negative element count %d", spec.Name, count)
	}
	p := &Property{
		name:           spec.Name,
		role:           spec.Role,
		dtype:          spec.DataType,
		components:     spec.Components,
		componentNames: append([]string(nil), spec.ComponentNames...),
		count:          count,
	}
	n := count * spec.Components
	switch spec.DataType {
	case Int32:
		p.i32 = make([]int32, n)
	case Int64:
		p.i64 = make([]int64, n)
	case Float64:
		p.f64 = make([]float64, n)
	}
	return p, nil
}

// FromArray allocates a property holding a copy of a.
func FromArray(spec Spec, a Array) (*Property, error) {
	if spec.DataType == TypeInvalid {
		spec.DataType = a.DataType()
	}
	if spec.Components == 0 {
		spec.Components = a.Components()
	}
	p, err := New(spec, a.Len())
	if err != nil {
		return nil, err
	}
	if err := p.assign(a); err != nil {
		return nil, err
	}
	return p, nil
}

var errBadComponents = errors.New("component count must be at least 1")

func errInvalidType(d DataType) error {
	return fmt.Errorf("unsupported data type %s", d)
}

// Name returns the property name.
func (p *Property) Name() string { return p.name }

// Role returns the standard role id, or 0 for a user-defined property.
func (p *Property) Role() int { return p.role }

// IsStandard reports whether the property has a standard role.
func (p *Property) IsStandard() bool { return p.role > 0 }

// DataType returns the element type.
func (p *Property) DataType() DataType { return p.dtype }

// Components returns the number of vector components per element.
func (p *Property) Components() int { return p.components }

// ComponentNames returns the component labels, e.g. X, Y, Z.
func (p *Property) ComponentNames() []string {
	return append([]string(nil), p.componentNames...)
}

// Len returns the element count.
func (p *Property) Len() int { return p.count }

// Shape returns (elements) for scalar and (elements, components) for
// vector properties.
func (p *Property) Shape() []int {
	if p.components == 1 {
		return []int{p.count}
	}
	return []int{p.count, p.components}
}

// Revision increases every time a writer releases the property.
func (p *Property) Revision() uint64 { return p.revision.Load() }

// IsWritable reports whether a writer currently holds the property.
func (p *Property) IsWritable() bool { return p.writable.Load() > 0 }

// -----------------------------------------------------------------------------
// Ownership
// -----------------------------------------------------------------------------

// AddOwner records one more container referencing p.
func (p *Property) AddOwner() {
	p.mu.Lock()
	p.owners++
	p.mu.Unlock()
}

// RemoveOwner records that a container dropped p.
func (p *Property) RemoveOwner() {
	p.mu.Lock()
	if p.owners > 0 {
		p.owners--
	}
	p.mu.Unlock()
}

// Owners returns the current owner count.
func (p *Property) Owners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owners
}

// Freeze marks p as part of a published snapshot. Frozen properties are
// never written in place again.
func (p *Property) Freeze() {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()
}

// IsFrozen reports whether p was frozen.
func (p *Property) IsFrozen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frozen
}

// IsExclusive reports whether p may be written in place.
func (p *Property) IsExclusive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exclusiveLocked()
}

func (p *Property) exclusiveLocked() bool {
	return p.owners <= 1 && !p.frozen
}

// Copy returns a deep, exclusively owned, read-only copy of p.
// Listeners are not copied.
func (p *Property) Copy() *Property {
	c := &Property{
		name:           p.name,
		role:           p.role,
		dtype:          p.dtype,
		components:     p.components,
		componentNames: append([]string(nil), p.componentNames...),
		count:          p.count,
		types:          append([]ElementType(nil), p.types...),
	}
	switch p.dtype {
	case Int32:
		c.i32 = append([]int32(nil), p.i32...)
	case Int64:
		c.i64 = append([]int64(nil), p.i64...)
	case Float64:
		c.f64 = append([]float64(nil), p.f64...)
	}
	return c
}

// Rename returns p itself if it already has the name, or an exclusively
// owned copy with the new name.
func (p *Property) Rename(name string) *Property {
	if name == p.name {
		return p
	}
	c := p.Copy()
	c.name = name
	c.role = 0
	return c
}

// -----------------------------------------------------------------------------
// Write access
// -----------------------------------------------------------------------------

// WriteGuard is a scoped write permission on a property.
type WriteGuard struct {
	prop     *Property
	copied   bool
	released atomic.Bool
}

// AcquireWritable returns a guard granting write access.
//
// Description:
//
//	If p is exclusively owned it is flipped writable in place. Otherwise a
//	full copy is made, marked writable, and returned through the guard;
//	p itself is left untouched. The caller is responsible for installing
//	the copy wherever p was referenced (containers do this in their own
//	AcquireWritable).
//
// Outputs:
//
//	*WriteGuard - Call Release exactly once when done.
//
// Thread Safety:
//
//	The exclusivity decision is made under p's lock.
func (p *Property) AcquireWritable() *WriteGuard {
	p.mu.Lock()
	if p.exclusiveLocked() {
		p.writable.Add(1)
		p.mu.Unlock()
		return &WriteGuard{prop: p}
	}
	p.mu.Unlock()

	c := p.Copy()
	c.writable.Add(1)
	return &WriteGuard{prop: c, copied: true}
}

// Property returns the writable property: the original or its copy.
func (g *WriteGuard) Property() *Property { return g.prop }

// Copied reports whether the guard holds a copy.
func (g *WriteGuard) Copied() bool { return g.copied }

// Release restores read-only state and notifies listeners. Only the first
// call has an effect.
func (g *WriteGuard) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	p := g.prop
	p.writable.Add(-1)
	p.revision.Add(1)
	p.notify()
}

// WithWritable runs fn with write access to p.
//
// Description:
//
//	Acquires a WriteGuard, passes the writable property to fn and releases
//	the guard on every exit path, including an error from fn or a panic.
//	Release restores read-only state and fires the change notification.
//
// Outputs:
//
//	*Property - The property that was written (p or its copy).
//	error - Whatever fn returned.
func WithWritable(p *Property, fn func(w *Property) error) (*Property, error) {
	g := p.AcquireWritable()
	defer g.Release()
	err := fn(g.prop)
	return g.prop, err
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (p *Property) Subscribe(fn ChangeFunc) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners == nil {
		p.listeners = make(map[int]ChangeFunc)
	}
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Property) notify() {
	p.mu.Lock()
	fns := make([]ChangeFunc, 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

// String implements fmt.Stringer.
func (p *Property) String() string {
	return fmt.Sprintf("Property(%s, %s, %dx%d)", p.name, p.dtype, p.count, p.components)
}
