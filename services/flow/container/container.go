// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package container implements PropertyContainer: an ordered set of
// properties sharing one authoritative element count.
//
// A container takes part in copy-on-write at two levels. It owns its
// properties (property.AddOwner), and it is itself owned by data
// collections. Clone produces a shallow copy that shares every property;
// the first write to a shared property through AcquireWritable installs a
// private copy in the writing container only.
package container

import (
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/property"
)

// ChangeFunc is called when a property of the container was written.
type ChangeFunc func(c *Container, p *property.Property)

// Container is an ordered collection of properties.
//
// Thread Safety:
//
//	Read operations are safe for concurrent use. Mutations require the
//	container to be exclusively owned and not frozen, which makes it
//	private to one writer.
type Container struct {
	class *Class
	title string

	props    []*property.Property
	count    int
	countSet bool
	unsub    map[*property.Property]func()

	mu        sync.Mutex
	owners    int
	frozen    bool
	listeners map[int]ChangeFunc
	nextID    int
}

// New creates an empty container of the given class.
func New(class *Class) *Container {
	if class == nil {
		class = Generic
	}
	return &Container{class: class, unsub: make(map[*property.Property]func())}
}

// Class returns the container class.
func (c *Container) Class() *Class { return c.class }

// Title returns the display title, defaulting to the class name.
func (c *Container) Title() string {
	if c.title == "" {
		return c.class.Name()
	}
	return c.title
}

// SetTitle sets the display title.
func (c *Container) SetTitle(title string) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	c.title = title
	return nil
}

// Len returns the element count, 0 while undefined.
func (c *Container) Len() int { return c.count }

// CountKnown reports whether the first property fixed the element count.
func (c *Container) CountKnown() bool { return c.countSet }

// Properties returns the properties in insertion order.
func (c *Container) Properties() []*property.Property {
	return append([]*property.Property(nil), c.props...)
}

// Names returns the property names in insertion order.
func (c *Container) Names() []string {
	out := make([]string, len(c.props))
	for i, p := range c.props {
		out[i] = p.Name()
	}
	return out
}

// Get returns the property with the given name or nil.
func (c *Container) Get(name string) *property.Property {
	if i := c.indexOf(name); i >= 0 {
		return c.props[i]
	}
	return nil
}

// GetByRole returns the standard property with the given role or nil.
func (c *Container) GetByRole(role Role) *property.Property {
	if i := c.indexOfRole(role); i >= 0 {
		return c.props[i]
	}
	return nil
}

func (c *Container) indexOf(name string) int {
	for i, p := range c.props {
		if p.Name() == name {
			return i
		}
	}
	return -1
}

func (c *Container) indexOfRole(role Role) int {
	if role <= RoleUser {
		return -1
	}
	for i, p := range c.props {
		if p.Role() == int(role) {
			return i
		}
	}
	return -1
}

// -----------------------------------------------------------------------------
// Lookup
// -----------------------------------------------------------------------------

// LookupStatus tags the outcome of Lookup.
type LookupStatus int

const (
	// NotFound means no property has the name.
	NotFound LookupStatus = iota

	// FoundReadOnly means the property exists but is shared or frozen;
	// writing requires AcquireWritable, which copies it.
	FoundReadOnly

	// FoundWritable means the property exists and AcquireWritable will
	// write it in place.
	FoundWritable
)

// String returns the status name.
func (s LookupStatus) String() string {
	switch s {
	case FoundReadOnly:
		return "found-read-only"
	case FoundWritable:
		return "found-writable"
	default:
		return "not-found"
	}
}

// LookupResult is the tagged result of a name lookup.
type LookupResult struct {
	Status   LookupStatus
	Property *property.Property
}

// Found reports whether a property was found.
func (r LookupResult) Found() bool { return r.Status != NotFound }

// Lookup finds a property by name and reports whether it could be written
// in place.
func (c *Container) Lookup(name string) LookupResult {
	p := c.Get(name)
	if p == nil {
		return LookupResult{Status: NotFound}
	}
	if c.IsExclusive() && p.IsExclusive() {
		return LookupResult{Status: FoundWritable, Property: p}
	}
	return LookupResult{Status: FoundReadOnly, Property: p}
}

// -----------------------------------------------------------------------------
// Ownership
// -----------------------------------------------------------------------------

// AddOwner records one more collection referencing c.
func (c *Container) AddOwner() {
	c.mu.Lock()
	c.owners++
	c.mu.Unlock()
}

// RemoveOwner records that a collection dropped c.
func (c *Container) RemoveOwner() {
	c.mu.Lock()
	if c.owners > 0 {
		c.owners--
	}
	c.mu.Unlock()
}

// Owners returns the owner count.
func (c *Container) Owners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners
}

// Freeze marks c and its properties as part of a published snapshot.
func (c *Container) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
	for _, p := range c.props {
		p.Freeze()
	}
}

// IsFrozen reports whether c was frozen.
func (c *Container) IsFrozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// IsExclusive reports whether c may be modified in place.
func (c *Container) IsExclusive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners <= 1 && !c.frozen
}

func (c *Container) checkMutable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return flowerr.ReadOnly(c.describe(), "container belongs to a published snapshot; clone it first")
	}
	if c.owners > 1 {
		return flowerr.ReadOnly(c.describe(), fmt.Sprintf("container is shared by %d collections; request a mutable copy first", c.owners))
	}
	return nil
}

func (c *Container) describe() string {
	return fmt.Sprintf("container %q", c.Title())
}

// Clone returns an unfrozen shallow copy that shares all properties.
func (c *Container) Clone() *Container {
	n := New(c.class)
	n.title = c.title
	n.count = c.count
	n.countSet = c.countSet
	for _, p := range c.props {
		n.install(p)
	}
	return n
}

// install appends p and takes ownership of it.
func (c *Container) install(p *property.Property) {
	p.AddOwner()
	c.props = append(c.props, p)
	c.unsub[p] = p.Subscribe(c.relay)
}

// replaceAt swaps the property at index i for p.
func (c *Container) replaceAt(i int, p *property.Property) {
	old := c.props[i]
	if old == p {
		return
	}
	c.detach(old)
	p.AddOwner()
	c.props[i] = p
	c.unsub[p] = p.Subscribe(c.relay)
}

func (c *Container) detach(p *property.Property) {
	if fn, ok := c.unsub[p]; ok {
		fn()
		delete(c.unsub, p)
	}
	p.RemoveOwner()
}

// Release drops ownership of every property. The container must not be
// used afterwards.
func (c *Container) Release() {
	for _, p := range c.props {
		c.detach(p)
	}
	c.props = nil
}

// -----------------------------------------------------------------------------
// Mutation
// -----------------------------------------------------------------------------

// Add inserts an existing property, sharing it. The property's length must
// match the element count; the first property fixes it.
func (c *Container) Add(p *property.Property) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	if c.indexOf(p.Name()) >= 0 {
		return flowerr.Invalid(p.Name(), "a property with this name already exists")
	}
	if p.IsStandard() && c.indexOfRole(Role(p.Role())) >= 0 {
		return flowerr.Invalid(p.Name(), "the standard property already exists")
	}
	if c.countSet && p.Len() != c.count {
		return flowerr.CountMismatch(p.Name(), p.Len(), c.count)
	}
	if !c.countSet {
		c.count = p.Len()
		c.countSet = true
	}
	c.install(p)
	return nil
}

// Remove deletes a property by name. Removing a missing property is a no-op.
func (c *Container) Remove(name string) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	i := c.indexOf(name)
	if i < 0 {
		return nil
	}
	c.detach(c.props[i])
	c.props = append(c.props[:i], c.props[i+1:]...)
	return nil
}

// AcquireWritable returns a write guard for the named property.
//
// Description:
//
//	If the property is shared or frozen, the guard holds a private copy,
//	which replaces the original in this container only. Other holders of
//	the original are unaffected. Release the guard when done.
//
// Errors:
//
//	MutabilityViolation - the container itself is frozen or shared.
//	PropertyValidationError - no property has the name.
func (c *Container) AcquireWritable(name string) (*property.WriteGuard, error) {
	if err := c.checkMutable(); err != nil {
		return nil, err
	}
	i := c.indexOf(name)
	if i < 0 {
		return nil, flowerr.Invalid(name, "no such property in %s", c.describe())
	}
	return c.acquireAt(i), nil
}

func (c *Container) acquireAt(i int) *property.WriteGuard {
	g := c.props[i].AcquireWritable()
	if g.Copied() {
		c.replaceAt(i, g.Property())
	}
	return g
}

// WithWritable runs fn with write access to the named property and
// releases it on every exit path.
func (c *Container) WithWritable(name string, fn func(w *property.Property) error) (*property.Property, error) {
	g, err := c.AcquireWritable(name)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	err = fn(g.Property())
	return g.Property(), err
}

// Subscribe registers fn for property change notifications.
func (c *Container) Subscribe(fn ChangeFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners == nil {
		c.listeners = make(map[int]ChangeFunc)
	}
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Container) relay(p *property.Property) {
	c.mu.Lock()
	fns := make([]ChangeFunc, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(c, p)
	}
}

// ContentEqual reports whether both containers hold the same properties
// with identical values.
func (c *Container) ContentEqual(other *Container) bool {
	if other == nil || c.count != other.count || len(c.props) != len(other.props) {
		return false
	}
	for i, p := range c.props {
		q := other.props[i]
		if p.Name() != q.Name() || !p.ContentEqual(q) {
			return false
		}
	}
	return true
}
