// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/container"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/property"
)

// AssignSpec parameterizes AssignConstant.
type AssignSpec struct {
	Output string
	Value  float64
	// Components of a new user property, default 1. Standard properties
	// use the class table.
	Components int
	Container  string
}

// AssignConstant sets every element of a property to one value, creating
// the property if needed.
type AssignConstant struct {
	pipeline.Revision

	mu   sync.RWMutex
	spec AssignSpec
}

// NewAssignConstant returns the stage.
func NewAssignConstant(spec AssignSpec) (*AssignConstant, error) {
	if spec.Output == "" {
		return nil, &flowerr.ParameterError{Owner: "assign", Param: "output", Reason: "must not be empty"}
	}
	if spec.Components <= 0 {
		spec.Components = 1
	}
	return &AssignConstant{spec: spec}, nil
}

// Name implements pipeline.Stage.
func (s *AssignConstant) Name() string { return "assign:" + s.Spec().Output }

// Spec returns the current parameters.
func (s *AssignConstant) Spec() AssignSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec
}

// SetValue changes the assigned value.
func (s *AssignConstant) SetValue(v float64) {
	s.mu.Lock()
	s.spec.Value = v
	s.mu.Unlock()
	s.Bump()
}

// Apply implements pipeline.Stage.
func (s *AssignConstant) Apply(_ context.Context, t flowstate.TimePoint, input *flowstate.State) *flowstate.State {
	spec := s.Spec()
	name := s.Name()

	out := input.Derive()
	c, err := mutableContainer(out, containerKey(spec.Container))
	if err != nil {
		return failed(name, t, err, "%v", err)
	}
	if !c.CountKnown() {
		return failed(name, t, flowerr.ErrPropertyValidation, "container has no elements to assign to")
	}

	id := propertyID(c, spec.Output)
	comps := spec.Components
	if role, ok := c.Class().RoleByName(spec.Output); ok {
		std, _ := c.Class().Standard(role)
		comps = std.Components
	} else if existing := c.Get(spec.Output); existing != nil {
		comps = existing.Components()
	}

	flat := make([]float64, c.Len()*comps)
	for i := range flat {
		flat[i] = spec.Value
	}
	values, err := property.NewArray(property.Float64, c.Len(), comps, flat)
	if err != nil {
		return failed(name, t, err, "%v", err)
	}

	opts := []container.CreateOption{container.WithData(values)}
	if _, standard := c.Class().RoleByName(spec.Output); !standard {
		if existing := c.Get(spec.Output); existing != nil {
			opts = append(opts, container.WithDataType(existing.DataType()))
		}
	}
	if _, err := c.CreateProperty(id, opts...); err != nil {
		return failed(name, t, err, "cannot write %q: %v", spec.Output, err)
	}
	return out
}
