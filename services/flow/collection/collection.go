// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collection implements DataCollection, the keyed bag of data
// objects passed between pipeline stages.
//
// A collection references its objects; several collections may share one
// object. Once a collection is published (Freeze) neither it nor its
// objects change again. A stage that wants to edit an object asks its own
// collection for a mutable copy (MutableContainer, MutableCell, ...), which
// replaces the shared object in that collection only.
package collection

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFlow/services/flow/container"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
)

// Well-known object keys.
const (
	KeyParticles  = "particles"
	KeyBonds      = "bonds"
	KeyCell       = "cell"
	KeyAttributes = "attributes"

	seriesPrefix = "series:"
)

// SeriesKey returns the key of the named data series.
func SeriesKey(name string) string { return seriesPrefix + name }

// ContainerKey returns the conventional key for a container class.
func ContainerKey(class *container.Class) string {
	return strings.ToLower(class.Name())
}

// DataCollection is a keyed set of data objects.
//
// Thread Safety:
//
//	Reads are safe for concurrent use. Writes require the collection to be
//	unfrozen and are meant for the single stage building it.
type DataCollection struct {
	id uuid.UUID

	mu      sync.RWMutex
	objects map[string]Object
	keys    []string
	frozen  bool
}

// New returns an empty collection with a fresh identity.
func New() *DataCollection {
	return &DataCollection{id: uuid.New(), objects: make(map[string]Object)}
}

// ID identifies this collection instance. Clones get a new ID.
func (d *DataCollection) ID() uuid.UUID { return d.id }

// Keys returns the object keys in insertion order.
func (d *DataCollection) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.keys...)
}

// Len returns the number of objects.
func (d *DataCollection) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}

// Get returns the object stored under key.
func (d *DataCollection) Get(key string) (Object, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.objects[key]
	return o, ok
}

// Container returns the container stored under key, or nil.
func (d *DataCollection) Container(key string) *container.Container {
	o, _ := d.Get(key)
	c, _ := o.(*container.Container)
	return c
}

// Particles returns the particle container, or nil.
func (d *DataCollection) Particles() *container.Container { return d.Container(KeyParticles) }

// Bonds returns the bond container, or nil.
func (d *DataCollection) Bonds() *container.Container { return d.Container(KeyBonds) }

// Cell returns the simulation cell, or nil.
func (d *DataCollection) Cell() *SimulationCell {
	o, _ := d.Get(KeyCell)
	c, _ := o.(*SimulationCell)
	return c
}

// Attributes returns the global attributes, or nil.
func (d *DataCollection) Attributes() *Attributes {
	o, _ := d.Get(KeyAttributes)
	a, _ := o.(*Attributes)
	return a
}

// Series returns the named data series, or nil.
func (d *DataCollection) Series(name string) *DataSeries {
	o, _ := d.Get(SeriesKey(name))
	s, _ := o.(*DataSeries)
	return s
}

// SeriesNames returns the names of all data series, sorted.
func (d *DataCollection) SeriesNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, k := range d.keys {
		if strings.HasPrefix(k, seriesPrefix) {
			out = append(out, strings.TrimPrefix(k, seriesPrefix))
		}
	}
	sort.Strings(out)
	return out
}

// ContainerKeys returns the keys holding property containers.
func (d *DataCollection) ContainerKeys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, k := range d.keys {
		if _, ok := d.objects[k].(*container.Container); ok {
			out = append(out, k)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Mutation
// -----------------------------------------------------------------------------

func (d *DataCollection) checkMutable() error {
	if d.frozen {
		return flowerr.ReadOnly("data collection "+d.id.String(), "collection is published; clone it first")
	}
	return nil
}

// Put stores obj under key, replacing any previous object.
func (d *DataCollection) Put(key string, obj Object) error {
	if key == "" {
		return fmt.Errorf("data collection: empty object key")
	}
	if obj == nil {
		return fmt.Errorf("data collection: nil object for key %q", key)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkMutable(); err != nil {
		return err
	}
	d.putLocked(key, obj)
	return nil
}

func (d *DataCollection) putLocked(key string, obj Object) {
	old, exists := d.objects[key]
	if exists && old == obj {
		return
	}
	obj.AddOwner()
	d.objects[key] = obj
	if exists {
		releaseObject(old)
		return
	}
	d.keys = append(d.keys, key)
}

// Remove deletes the object under key. Missing keys are ignored.
func (d *DataCollection) Remove(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkMutable(); err != nil {
		return err
	}
	old, ok := d.objects[key]
	if !ok {
		return nil
	}
	delete(d.objects, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
	releaseObject(old)
	return nil
}

func releaseObject(o Object) {
	o.RemoveOwner()
}

// CreateContainer adds an empty container of class under key.
func (d *DataCollection) CreateContainer(key string, class *container.Class) (*container.Container, error) {
	c := container.New(class)
	if err := d.Put(key, c); err != nil {
		return nil, err
	}
	return c, nil
}

// MutableContainer returns a container under key that the caller may
// modify. A shared or frozen container is replaced by a shallow clone in
// this collection; other holders keep the original.
func (d *DataCollection) MutableContainer(key string) (*container.Container, error) {
	obj, err := d.mutable(key, func(o Object) (Object, bool) {
		c, ok := o.(*container.Container)
		if !ok {
			return nil, false
		}
		return c.Clone(), true
	})
	if err != nil {
		return nil, err
	}
	return obj.(*container.Container), nil
}

// MutableCell returns a modifiable simulation cell.
func (d *DataCollection) MutableCell() (*SimulationCell, error) {
	obj, err := d.mutable(KeyCell, func(o Object) (Object, bool) {
		c, ok := o.(*SimulationCell)
		if !ok {
			return nil, false
		}
		return c.Clone(), true
	})
	if err != nil {
		return nil, err
	}
	return obj.(*SimulationCell), nil
}

// MutableAttributes returns modifiable global attributes, creating the
// attribute set if the collection has none.
func (d *DataCollection) MutableAttributes() (*Attributes, error) {
	if d.Attributes() == nil {
		a := NewAttributes()
		if err := d.Put(KeyAttributes, a); err != nil {
			return nil, err
		}
		return a, nil
	}
	obj, err := d.mutable(KeyAttributes, func(o Object) (Object, bool) {
		a, ok := o.(*Attributes)
		if !ok {
			return nil, false
		}
		return a.Clone(), true
	})
	if err != nil {
		return nil, err
	}
	return obj.(*Attributes), nil
}

// SetAttribute is a shorthand for MutableAttributes().Set.
func (d *DataCollection) SetAttribute(name string, value any) error {
	a, err := d.MutableAttributes()
	if err != nil {
		return err
	}
	return a.Set(name, value)
}

// PutSeries stores a data series under its name.
func (d *DataCollection) PutSeries(s *DataSeries) error {
	return d.Put(SeriesKey(s.Name()), s)
}

func (d *DataCollection) mutable(key string, clone func(Object) (Object, bool)) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkMutable(); err != nil {
		return nil, err
	}
	obj, ok := d.objects[key]
	if !ok {
		return nil, fmt.Errorf("data collection: no object under key %q", key)
	}
	if obj.IsExclusive() {
		return obj, nil
	}
	cp, ok := clone(obj)
	if !ok {
		return nil, fmt.Errorf("data collection: object under key %q has type %T", key, obj)
	}
	d.putLocked(key, cp)
	return cp, nil
}

// -----------------------------------------------------------------------------
// Snapshot lifecycle
// -----------------------------------------------------------------------------

// Clone returns an unfrozen shallow copy sharing every object.
func (d *DataCollection) Clone() *DataCollection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := New()
	for _, k := range d.keys {
		n.putLocked(k, d.objects[k])
	}
	return n
}

// Freeze publishes the collection. It and every object it holds become
// read-only for good.
func (d *DataCollection) Freeze() {
	d.mu.Lock()
	d.frozen = true
	objs := make([]Object, 0, len(d.keys))
	for _, k := range d.keys {
		objs = append(objs, d.objects[k])
	}
	d.mu.Unlock()
	for _, o := range objs {
		o.Freeze()
	}
}

// IsFrozen reports whether the collection was published.
func (d *DataCollection) IsFrozen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.frozen
}

// Release drops this collection's references to its objects. Only unfrozen
// collections can be released; published snapshots live until collected.
func (d *DataCollection) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		return
	}
	for _, k := range d.keys {
		releaseObject(d.objects[k])
	}
	d.objects = make(map[string]Object)
	d.keys = nil
}

// ContentEqual reports whether both collections hold equal containers,
// attributes and cells under the same keys.
func (d *DataCollection) ContentEqual(other *DataCollection) bool {
	if other == nil {
		return false
	}
	ka, kb := d.Keys(), other.Keys()
	if len(ka) != len(kb) {
		return false
	}
	for _, k := range ka {
		a, _ := d.Get(k)
		b, ok := other.Get(k)
		if !ok || !objectsEqual(a, b) {
			return false
		}
	}
	return true
}

func objectsEqual(a, b Object) bool {
	if a == b {
		return true
	}
	switch x := a.(type) {
	case *container.Container:
		y, ok := b.(*container.Container)
		return ok && x.ContentEqual(y)
	case *SimulationCell:
		y, ok := b.(*SimulationCell)
		return ok && x.matrix == y.matrix && x.pbc == y.pbc && x.is2D == y.is2D
	case *Attributes:
		y, ok := b.(*Attributes)
		if !ok || len(x.values) != len(y.values) {
			return false
		}
		for k, v := range x.values {
			if y.values[k] != v {
				return false
			}
		}
		return true
	case *DataSeries:
		y, ok := b.(*DataSeries)
		if !ok || len(x.x) != len(y.x) {
			return false
		}
		for i := range x.x {
			if x.x[i] != y.x[i] || x.y[i] != y.y[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (d *DataCollection) String() string {
	return fmt.Sprintf("DataCollection(%s, %s)", d.id.String()[:8], strings.Join(d.Keys(), ","))
}
