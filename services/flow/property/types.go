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

// ElementType names one value of a typed integer property, e.g. the
// particle type "Cu" with id 1.
type ElementType struct {
	ID     int
	Name   string
	Color  [3]float64
	Radius float64
}

// Types returns the element types attached to p.
func (p *Property) Types() []ElementType {
	return append([]ElementType(nil), p.types...)
}

// TypeByID looks up an element type by numeric id.
func (p *Property) TypeByID(id int) (ElementType, bool) {
	for _, t := range p.types {
		if t.ID == id {
			return t, true
		}
	}
	return ElementType{}, false
}

// TypeByName looks up an element type by name.
func (p *Property) TypeByName(name string) (ElementType, bool) {
	for _, t := range p.types {
		if t.Name == name {
			return t, true
		}
	}
	return ElementType{}, false
}

// AddType registers an element type. Requires write access; ids and
// non-empty names must be unique.
func (p *Property) AddType(t ElementType) error {
	if p.writable.Load() <= 0 {
		return flowerr.ReadOnly(fmt.Sprintf("property %q", p.name), "not in a writable state")
	}
	if p.dtype != Int32 {
		return flowerr.Invalid(p.name, "element types require an int32 property")
	}
	for _, existing := range p.types {
		if existing.ID == t.ID {
			return flowerr.Invalid(p.name, "element type id %d already defined", t.ID)
		}
		if t.Name != "" && existing.Name == t.Name {
			return flowerr.Invalid(p.name, "element type %q already defined", t.Name)
		}
	}
	p.types = append(p.types, t)
	return nil
}
