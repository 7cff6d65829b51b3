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
	"sort"

	"github.com/AleutianAI/AleutianFlow/services/flow/property"
)

// Role identifies a standard property. Zero means user-defined.
type Role int

// Standard roles shared by the built-in classes.
const (
	RoleUser Role = iota
	RoleSelection
	RoleColor
	RolePosition
	RoleType
	RoleIdentifier
	RoleMass
	RoleRadius
	RoleVelocity
	RoleForce
	RoleCharge
	RoleTopology
	RoleBondType
)

// StandardProperty fixes name, type and shape of a standard role.
type StandardProperty struct {
	Role           Role
	Name           string
	DataType       property.DataType
	Components     int
	ComponentNames []string
}

// Spec converts the definition into a property allocation spec.
func (s StandardProperty) Spec() property.Spec {
	return property.Spec{
		Name:           s.Name,
		Role:           int(s.Role),
		DataType:       s.DataType,
		Components:     s.Components,
		ComponentNames: s.ComponentNames,
	}
}

// Class describes a kind of container and its standard property table.
type Class struct {
	name     string
	element  string
	standard map[Role]StandardProperty
	byName   map[string]Role
}

// NewClass builds a class from its standard property table.
func NewClass(name, element string, props ...StandardProperty) *Class {
	c := &Class{
		name:     name,
		element:  element,
		standard: make(map[Role]StandardProperty, len(props)),
		byName:   make(map[string]Role, len(props)),
	}
	for _, p := range props {
		c.standard[p.Role] = p
		c.byName[p.Name] = p.Role
	}
	return c
}

// Name returns the class name, e.g. "Particles".
func (c *Class) Name() string { return c.name }

// ElementName returns the singular element noun, e.g. "particle".
func (c *Class) ElementName() string { return c.element }

// Standard returns the definition for role.
func (c *Class) Standard(role Role) (StandardProperty, bool) {
	s, ok := c.standard[role]
	return s, ok
}

// RoleByName maps a standard property name to its role.
func (c *Class) RoleByName(name string) (Role, bool) {
	r, ok := c.byName[name]
	return r, ok
}

// StandardProperties lists the table ordered by role.
func (c *Class) StandardProperties() []StandardProperty {
	out := make([]StandardProperty, 0, len(c.standard))
	for _, s := range c.standard {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

var xyz = []string{"X", "Y", "Z"}
var rgb = []string{"R", "G", "B"}

// Particles is the particle container class.
var Particles = NewClass("Particles", "particle",
	StandardProperty{RoleSelection, "Selection", property.Int32, 1, nil},
	StandardProperty{RoleColor, "Color", property.Float64, 3, rgb},
	StandardProperty{RolePosition, "Position", property.Float64, 3, xyz},
	StandardProperty{RoleType, "Particle Type", property.Int32, 1, nil},
	StandardProperty{RoleIdentifier, "Particle Identifier", property.Int64, 1, nil},
	StandardProperty{RoleMass, "Mass", property.Float64, 1, nil},
	StandardProperty{RoleRadius, "Radius", property.Float64, 1, nil},
	StandardProperty{RoleVelocity, "Velocity", property.Float64, 3, xyz},
	StandardProperty{RoleForce, "Force", property.Float64, 3, xyz},
	StandardProperty{RoleCharge, "Charge", property.Float64, 1, nil},
)

// Bonds is the bond container class.
var Bonds = NewClass("Bonds", "bond",
	StandardProperty{RoleSelection, "Selection", property.Int32, 1, nil},
	StandardProperty{RoleColor, "Color", property.Float64, 3, rgb},
	StandardProperty{RoleTopology, "Topology", property.Int64, 2, []string{"A", "B"}},
	StandardProperty{RoleBondType, "Bond Type", property.Int32, 1, nil},
)

// Generic is a class without standard properties.
var Generic = NewClass("Generic", "element")

// ClassByName returns a built-in class.
func ClassByName(name string) (*Class, bool) {
	switch name {
	case Particles.name:
		return Particles, true
	case Bonds.name:
		return Bonds, true
	case Generic.name:
		return Generic, true
	default:
		return nil, false
	}
}
