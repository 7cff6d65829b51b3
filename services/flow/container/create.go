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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/property"
)

// PropertyID names the property to create: a standard role or a free name.
type PropertyID struct {
	role   Role
	name   string
	byRole bool
}

// ByRole identifies a standard property.
func ByRole(role Role) PropertyID { return PropertyID{role: role, byRole: true} }

// ByName identifies a property by name. Names of standard properties of
// the container's class resolve to their role.
func ByName(name string) PropertyID { return PropertyID{name: name} }

// String implements fmt.Stringer.
func (id PropertyID) String() string {
	if id.byRole {
		return fmt.Sprintf("role %d", id.role)
	}
	return id.name
}

type createOptions struct {
	dtype          property.DataType
	dtypeName      string
	components     int
	componentNames []string
	data           any
	hasData        bool
}

// CreateOption configures CreateProperty.
type CreateOption func(*createOptions)

// WithDataType sets the element type of a user-defined property.
func WithDataType(d property.DataType) CreateOption {
	return func(o *createOptions) { o.dtype = d }
}

// WithDataTypeName sets the element type by name ("int", "int64", "float").
func WithDataTypeName(name string) CreateOption {
	return func(o *createOptions) { o.dtypeName = name }
}

// WithComponents sets the component count of a user-defined property.
func WithComponents(n int) CreateOption {
	return func(o *createOptions) { o.components = n }
}

// WithComponentNames labels the components of a user-defined property.
func WithComponentNames(names ...string) CreateOption {
	return func(o *createOptions) { o.componentNames = names }
}

// WithData supplies initial values: a property.Array or a rank-1/rank-2
// Go slice of ints or floats.
func WithData(values any) CreateOption {
	return func(o *createOptions) {
		o.data = values
		o.hasData = true
	}
}

// CreateProperty creates a property or replaces the contents of an
// existing one.
//
// Description:
//
//	For a standard role the data type and component count come from the
//	class table and must not be given. For a free-form name they are
//	either given explicitly or inferred from the data. On an empty
//	container the data is required and fixes the element count. When a
//	property with the same role or name exists, it is copied on write,
//	its type and shape must match exactly, and its values are overwritten
//	by the data if any was given.
//
// Inputs:
//
//	id - ByRole(role) or ByName(name).
//	opts - WithDataType, WithComponents, WithData, WithComponentNames.
//
// Outputs:
//
//	*property.Property - The created or replaced property, read-only,
//	holding the committed data.
//	error - PropertyValidationError, ElementCountMismatch or
//	MutabilityViolation. On error the container is unchanged.
func (c *Container) CreateProperty(id PropertyID, opts ...CreateOption) (*property.Property, error) {
	if err := c.checkMutable(); err != nil {
		return nil, err
	}

	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	spec, err := c.resolveSpec(id, &o)
	if err != nil {
		return nil, err
	}

	var data *property.Array
	if o.hasData {
		arr, err := property.ArrayFrom(o.data)
		if err != nil {
			return nil, annotate(spec.Name, err)
		}
		if spec.DataType == property.TypeInvalid {
			spec.DataType = arr.DataType()
		}
		if spec.Components == 0 {
			spec.Components = arr.Components()
		}
		if arr.Components() != spec.Components {
			return nil, flowerr.Invalid(spec.Name, "data has %d components per element, property requires %d", arr.Components(), spec.Components)
		}
		data = &arr
	}

	if !spec.DataType.Valid() {
		return nil, flowerr.Invalid(spec.Name, "unsupported data type %s; must be int, int64 or float", spec.DataType)
	}
	if spec.Components < 1 {
		return nil, flowerr.Invalid(spec.Name, "component count must be at least 1, got %d", spec.Components)
	}

	count := c.count
	if !c.countSet {
		if data == nil {
			return nil, flowerr.Invalid(spec.Name, "cannot create property without data: the container contains no elements yet")
		}
		count = data.Len()
	} else if data != nil && data.Len() != count {
		return nil, flowerr.CountMismatch(spec.Name, data.Len(), count)
	}

	i := c.indexOf(spec.Name)
	if spec.Role > 0 {
		i = c.indexOfRole(Role(spec.Role))
	}

	if i < 0 {
		p, err := property.New(spec, count)
		if err != nil {
			return nil, annotate(spec.Name, err)
		}
		if data != nil {
			if _, err := property.WithWritable(p, func(w *property.Property) error { return w.Assign(*data) }); err != nil {
				return nil, err
			}
		}
		c.count = count
		c.countSet = true
		c.install(p)
		return p, nil
	}

	existing := c.props[i]
	if existing.DataType() != spec.DataType || existing.Components() != spec.Components {
		return nil, flowerr.Invalid(spec.Name,
			"existing property has type %s with %d components, requested %s with %d",
			existing.DataType(), existing.Components(), spec.DataType, spec.Components)
	}

	g := c.acquireAt(i)
	defer g.Release()
	if data != nil {
		if err := g.Property().Assign(*data); err != nil {
			return nil, err
		}
	}
	return g.Property(), nil
}

func (c *Container) resolveSpec(id PropertyID, o *createOptions) (property.Spec, error) {
	role := id.role
	if !id.byRole {
		if err := validateName(id.name); err != nil {
			return property.Spec{}, err
		}
		if r, ok := c.class.RoleByName(id.name); ok {
			role = r
		}
	} else if role <= RoleUser {
		return property.Spec{}, flowerr.Invalid("", "invalid standard property type %d", role)
	}

	if role > RoleUser {
		std, ok := c.class.Standard(role)
		if !ok {
			return property.Spec{}, flowerr.Invalid("", "%d is not a standard property type of %s", role, c.class.Name())
		}
		if o.dtype != property.TypeInvalid || o.dtypeName != "" || o.components != 0 {
			return property.Spec{}, flowerr.Invalid(std.Name, "data type and component count of a standard property are fixed and must not be specified")
		}
		return std.Spec(), nil
	}

	spec := property.Spec{Name: id.name, ComponentNames: o.componentNames}
	if o.dtypeName != "" {
		d, err := property.ParseDataType(o.dtypeName)
		if err != nil {
			return property.Spec{}, annotate(id.name, err)
		}
		spec.DataType = d
	} else if o.dtype != property.TypeInvalid {
		if !o.dtype.Valid() {
			return property.Spec{}, flowerr.Invalid(id.name, "unsupported data type %s; must be int, int64 or float", o.dtype)
		}
		spec.DataType = o.dtype
	}
	if o.components < 0 {
		return property.Spec{}, flowerr.Invalid(id.name, "component count must be at least 1, got %d", o.components)
	}
	spec.Components = o.components

	if !o.hasData && (spec.DataType == property.TypeInvalid || spec.Components == 0) {
		return property.Spec{}, flowerr.Invalid(id.name, "data type and component count must be given when no data is supplied")
	}
	return spec, nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return flowerr.Invalid(name, "property name must not be empty")
	}
	if strings.Contains(name, ".") {
		return flowerr.Invalid(name, "property name must not contain a dot")
	}
	return nil
}

// annotate attaches the property name to a validation error that lacks one.
func annotate(name string, err error) error {
	if ve, ok := err.(*flowerr.ValidationError); ok && ve.Property == "" {
		cp := *ve
		cp.Property = name
		return &cp
	}
	return err
}
