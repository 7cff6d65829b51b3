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
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/container"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/property"
)

// Op is an element-wise property operation.
type Op string

const (
	OpCopy   Op = "copy"
	OpScale  Op = "scale"
	OpOffset Op = "offset"
	OpNegate Op = "negate"
	OpAdd    Op = "add"
	OpSub    Op = "sub"
	OpMul    Op = "mul"
	OpDiv    Op = "div"
)

func (o Op) binary() bool {
	switch o {
	case OpAdd, OpSub, OpMul, OpDiv:
		return true
	}
	return false
}

func (o Op) valid() bool {
	switch o {
	case OpCopy, OpScale, OpOffset, OpNegate:
		return true
	}
	return o.binary()
}

// ComputeSpec parameterizes ComputeProperty.
type ComputeSpec struct {
	// Output is the property to create or overwrite.
	Output string
	// Input is the property the operation reads.
	Input string
	Op    Op
	// Scalar is the factor of OpScale and the offset of OpOffset.
	Scalar float64
	// Operand is the second property of a binary operation.
	Operand string
	// Container is the collection key, default particles.
	Container string
}

func (s ComputeSpec) validate() error {
	if s.Output == "" {
		return &flowerr.ParameterError{Owner: "compute", Param: "output", Reason: "must not be empty"}
	}
	if s.Input == "" {
		return &flowerr.ParameterError{Owner: "compute", Param: "input", Reason: "must not be empty"}
	}
	if !s.Op.valid() {
		return &flowerr.ParameterError{Owner: "compute", Param: "op", Reason: fmt.Sprintf("unknown operation %q", s.Op)}
	}
	if s.Op.binary() && s.Operand == "" {
		return &flowerr.ParameterError{Owner: "compute", Param: "operand", Reason: fmt.Sprintf("operation %q needs an operand property", s.Op)}
	}
	return nil
}

// ComputeProperty writes an element-wise function of one or two input
// properties to an output property, e.g. Doubled = 2 x Value.
type ComputeProperty struct {
	pipeline.Revision

	mu   sync.RWMutex
	spec ComputeSpec
}

// NewComputeProperty validates spec and returns the stage.
func NewComputeProperty(spec ComputeSpec) (*ComputeProperty, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &ComputeProperty{spec: spec}, nil
}

// Name implements pipeline.Stage.
func (s *ComputeProperty) Name() string { return "compute:" + s.Spec().Output }

// Spec returns the current parameters.
func (s *ComputeProperty) Spec() ComputeSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec
}

// SetSpec changes the parameters. Cached results are invalidated.
func (s *ComputeProperty) SetSpec(spec ComputeSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.spec = spec
	s.mu.Unlock()
	s.Bump()
	return nil
}

// Apply implements pipeline.Stage.
func (s *ComputeProperty) Apply(_ context.Context, t flowstate.TimePoint, input *flowstate.State) *flowstate.State {
	spec := s.Spec()
	name := s.Name()
	key := containerKey(spec.Container)

	out := input.Derive()
	c, err := mutableContainer(out, key)
	if err != nil {
		return failed(name, t, err, "%v", err)
	}
	in := c.Get(spec.Input)
	if in == nil {
		return failed(name, t, flowerr.ErrPropertyValidation, "input property %q does not exist", spec.Input)
	}

	values, err := evaluate(c, in, spec)
	if err != nil {
		return failed(name, t, err, "%v", err)
	}

	opts := []container.CreateOption{container.WithData(values)}
	id := propertyID(c, spec.Output)
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

func evaluate(c *container.Container, in *property.Property, spec ComputeSpec) (property.Array, error) {
	switch spec.Op {
	case OpCopy:
		return in.Read().Array(), nil
	case OpScale:
		return in.Scale(spec.Scalar), nil
	case OpOffset:
		return in.AddScalar(spec.Scalar), nil
	case OpNegate:
		return in.Negate(), nil
	}

	other := c.Get(spec.Operand)
	if other == nil {
		return property.Array{}, fmt.Errorf("%w: operand property %q does not exist", flowerr.ErrPropertyValidation, spec.Operand)
	}
	switch spec.Op {
	case OpAdd:
		return in.Add(other)
	case OpSub:
		return in.Sub(other)
	case OpMul:
		return in.Mul(other)
	default:
		return in.Div(other)
	}
}
