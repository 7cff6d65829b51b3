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
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

// Stage type names accepted by FromConfig.
const (
	TypeCompute        = "compute"
	TypeAssign         = "assign"
	TypeClearSelection = "clear_selection"
	TypeFreeze         = "freeze"
)

// Spec is the declarative form of a built-in stage, as found in
// configuration files and API requests.
type Spec struct {
	Type      string  `yaml:"type" toml:"type" json:"type" validate:"required,oneof=compute assign clear_selection freeze"`
	Enabled   *bool   `yaml:"enabled,omitempty" toml:"enabled,omitempty" json:"enabled,omitempty"`
	Container string  `yaml:"container,omitempty" toml:"container,omitempty" json:"container,omitempty"`
	Output    string  `yaml:"output,omitempty" toml:"output,omitempty" json:"output,omitempty"`
	Input     string  `yaml:"input,omitempty" toml:"input,omitempty" json:"input,omitempty"`
	Op        string  `yaml:"op,omitempty" toml:"op,omitempty" json:"op,omitempty"`
	Scalar    float64 `yaml:"scalar,omitempty" toml:"scalar,omitempty" json:"scalar,omitempty"`
	Operand   string  `yaml:"operand,omitempty" toml:"operand,omitempty" json:"operand,omitempty"`
	Value     float64 `yaml:"value,omitempty" toml:"value,omitempty" json:"value,omitempty"`
	// Components of a new property written by assign.
	Components int `yaml:"components,omitempty" toml:"components,omitempty" json:"components,omitempty" validate:"gte=0"`
	// Frame is the reference frame of freeze.
	Frame int `yaml:"frame,omitempty" toml:"frame,omitempty" json:"frame,omitempty" validate:"gte=0"`
}

var specValidate = validator.New()

// Build creates the stage described by spec. src is the pipeline source,
// needed by stages that read other frames.
func Build(spec Spec, src pipeline.Source) (pipeline.Stage, error) {
	if err := specValidate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid stage spec: %w", err)
	}
	switch spec.Type {
	case TypeCompute:
		op := Op(spec.Op)
		if op == "" {
			op = OpCopy
		}
		return NewComputeProperty(ComputeSpec{
			Output:    spec.Output,
			Input:     spec.Input,
			Op:        op,
			Scalar:    spec.Scalar,
			Operand:   spec.Operand,
			Container: spec.Container,
		})
	case TypeAssign:
		return NewAssignConstant(AssignSpec{
			Output:     spec.Output,
			Value:      spec.Value,
			Components: spec.Components,
			Container:  spec.Container,
		})
	case TypeClearSelection:
		return &ClearSelection{Container: spec.Container}, nil
	default:
		return NewFreezeProperty(src, FreezeSpec{
			Property:  spec.Input,
			Output:    spec.Output,
			Frame:     spec.Frame,
			Container: spec.Container,
		})
	}
}

// FromConfig appends the stages described by specs to p, in order. On
// error p is left unchanged.
func FromConfig(p *pipeline.Pipeline, specs []Spec) error {
	built := make([]pipeline.Stage, len(specs))
	for i, spec := range specs {
		s, err := Build(spec, p.Source())
		if err != nil {
			closeStages(built[:i])
			return fmt.Errorf("stage %d (%s): %w", i, spec.Type, err)
		}
		built[i] = s
	}
	for i, s := range built {
		p.AppendStage(s)
		if e := specs[i].Enabled; e != nil && !*e {
			if err := p.SetEnabled(p.Len()-1, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func closeStages(stages []pipeline.Stage) {
	for _, s := range stages {
		if c, ok := s.(io.Closer); ok {
			c.Close()
		}
	}
}
