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

// FreezeSpec parameterizes FreezeProperty.
type FreezeSpec struct {
	// Property is read from the reference frame.
	Property string
	// Output receives the frozen values, default Property.
	Output string
	// Frame is the reference frame.
	Frame     int
	Container string
}

// FreezeProperty overwrites a property with its values at a reference
// frame of the source, e.g. to compare positions against the initial
// configuration.
//
// The captured values are dropped when the source reports the reference
// frame superseded (see pipeline.Invalidator).
type FreezeProperty struct {
	pipeline.Revision
	src         pipeline.Source
	unsubscribe func()

	mu     sync.Mutex
	spec   FreezeSpec
	frozen *property.Property
	// gen counts drops of the captured values; a capture started before
	// a drop is discarded.
	gen uint64
}

// NewFreezeProperty returns the stage reading reference values from src.
func NewFreezeProperty(src pipeline.Source, spec FreezeSpec) (*FreezeProperty, error) {
	if spec.Property == "" {
		return nil, &flowerr.ParameterError{Owner: "freeze", Param: "property", Reason: "must not be empty"}
	}
	if spec.Frame < 0 {
		return nil, &flowerr.ParameterError{Owner: "freeze", Param: "frame", Reason: "must not be negative"}
	}
	if spec.Output == "" {
		spec.Output = spec.Property
	}
	s := &FreezeProperty{src: src, spec: spec}
	if inv, ok := src.(pipeline.Invalidator); ok {
		s.unsubscribe = inv.OnInvalidate(s.sourceChanged)
	}
	return s, nil
}

// Close stops listening to the source.
func (s *FreezeProperty) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return nil
}

func (s *FreezeProperty) sourceChanged(frame int) {
	s.mu.Lock()
	hit := frame < 0 || frame == s.spec.Frame
	if hit {
		s.frozen = nil
		s.gen++
	}
	s.mu.Unlock()
	if hit {
		s.Bump()
	}
}

// Name implements pipeline.Stage.
func (s *FreezeProperty) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "freeze:" + s.spec.Property
}

// SetFrame changes the reference frame and drops the captured values.
func (s *FreezeProperty) SetFrame(frame int) {
	s.mu.Lock()
	s.spec.Frame = frame
	s.frozen = nil
	s.gen++
	s.mu.Unlock()
	s.Bump()
}

// reference returns the captured values, reading the reference frame on
// first use. Only final reference data is captured; preliminary input of
// the reference frame is used once and not kept.
func (s *FreezeProperty) reference(ctx context.Context, input *flowstate.State) (*property.Property, FreezeSpec, error) {
	s.mu.Lock()
	spec := s.spec
	frozen := s.frozen
	gen := s.gen
	s.mu.Unlock()
	if frozen != nil {
		return frozen, spec, nil
	}

	key := containerKey(spec.Container)
	ref := input
	if input.Frame != spec.Frame || input.Status.IsError() {
		st, err := s.src.Evaluate(ctx, spec.Frame)
		if err != nil {
			return nil, spec, err
		}
		if st.Status.IsError() {
			return nil, spec, st.Status.AsError()
		}
		ref = st
	}
	c := ref.Data.Container(key)
	if c == nil || c.Get(spec.Property) == nil {
		return nil, spec, flowerr.Invalid(spec.Property, "property does not exist at reference frame %d", spec.Frame)
	}
	p := c.Get(spec.Property)

	if ref.Status.IsSuccess() {
		s.mu.Lock()
		if s.gen == gen && s.spec == spec {
			s.frozen = p
		}
		s.mu.Unlock()
	}
	return p, spec, nil
}

// Apply implements pipeline.Stage.
func (s *FreezeProperty) Apply(ctx context.Context, t flowstate.TimePoint, input *flowstate.State) *flowstate.State {
	name := s.Name()
	ref, spec, err := s.reference(ctx, input)
	if err != nil {
		if flowerr.IsCanceled(err) {
			return flowstate.ErrorState(t, err)
		}
		return failed(name, t, err, "cannot read reference frame %d: %v", spec.Frame, err)
	}

	out := input.Derive()
	c, err := mutableContainer(out, containerKey(spec.Container))
	if err != nil {
		return failed(name, t, err, "%v", err)
	}
	if ref.Len() != c.Len() {
		return failed(name, t, flowerr.ErrElementCountMismatch,
			"reference frame has %d elements, current frame has %d", ref.Len(), c.Len())
	}
	opts := []container.CreateOption{container.WithData(ref.Read().Array())}
	if _, standard := c.Class().RoleByName(spec.Output); !standard {
		if existing := c.Get(spec.Output); existing != nil {
			opts = append(opts, container.WithDataType(existing.DataType()))
		}
	}
	if _, err := c.CreateProperty(propertyID(c, spec.Output), opts...); err != nil {
		return failed(name, t, err, "cannot write %q: %v", spec.Output, err)
	}
	return out
}
