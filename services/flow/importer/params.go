// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package importer

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
)

// ParamKind is the value type of a format parameter.
type ParamKind int

const (
	ParamString ParamKind = iota
	ParamBool
	ParamInt
	ParamFloat
	ParamStrings
)

// String returns the kind name used in error messages.
func (k ParamKind) String() string {
	switch k {
	case ParamBool:
		return "bool"
	case ParamInt:
		return "int"
	case ParamFloat:
		return "float"
	case ParamStrings:
		return "list of strings"
	default:
		return "string"
	}
}

// ParamSpec declares one format parameter.
type ParamSpec struct {
	Name    string
	Kind    ParamKind
	Default any
	Help    string
}

// ParamSet holds the declared parameters of an importer or exporter and
// their current values.
//
// Thread Safety: safe for concurrent use.
type ParamSet struct {
	owner string

	mu     sync.RWMutex
	specs  map[string]ParamSpec
	order  []string
	values map[string]any
}

// NewParamSet declares the parameters of owner.
func NewParamSet(owner string, specs ...ParamSpec) *ParamSet {
	ps := &ParamSet{
		owner:  owner,
		specs:  make(map[string]ParamSpec, len(specs)),
		values: make(map[string]any, len(specs)),
	}
	for _, s := range specs {
		ps.specs[s.Name] = s
		ps.order = append(ps.order, s.Name)
		if s.Default != nil {
			ps.values[s.Name] = s.Default
		}
	}
	return ps
}

// Has reports whether name is a declared parameter.
func (ps *ParamSet) Has(name string) bool {
	_, ok := ps.specs[name]
	return ok
}

// Specs returns the declarations in declaration order.
func (ps *ParamSet) Specs() []ParamSpec {
	out := make([]ParamSpec, 0, len(ps.order))
	for _, n := range ps.order {
		out = append(out, ps.specs[n])
	}
	return out
}

// Set assigns one parameter.
//
// Errors: ParameterError for unknown names and for values that cannot be
// converted to the declared kind.
func (ps *ParamSet) Set(name string, value any) error {
	v, err := ps.coerce(name, value)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	ps.values[name] = v
	ps.mu.Unlock()
	return nil
}

// SetAll assigns several parameters. Nothing is assigned unless every
// value is valid.
func (ps *ParamSet) SetAll(values map[string]any) error {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	converted := make(map[string]any, len(values))
	for _, n := range names {
		v, err := ps.coerce(n, values[n])
		if err != nil {
			return err
		}
		converted[n] = v
	}
	ps.mu.Lock()
	for k, v := range converted {
		ps.values[k] = v
	}
	ps.mu.Unlock()
	return nil
}

func (ps *ParamSet) coerce(name string, value any) (any, error) {
	spec, ok := ps.specs[name]
	if !ok {
		return nil, &flowerr.ParameterError{Owner: ps.owner, Param: name, Reason: "unknown parameter"}
	}
	mismatch := func() error {
		return &flowerr.ParameterError{
			Owner:  ps.owner,
			Param:  name,
			Reason: fmt.Sprintf("expected %s, got %T", spec.Kind, value),
		}
	}
	switch spec.Kind {
	case ParamBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, mismatch()
			}
			return b, nil
		}
	case ParamInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int32:
			return int(v), nil
		case int64:
			return int(v), nil
		case float64:
			if v == math.Trunc(v) {
				return int(v), nil
			}
		case string:
			n, err := strconv.Atoi(v)
			if err == nil {
				return n, nil
			}
		}
	case ParamFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err == nil {
				return f, nil
			}
		}
	case ParamStrings:
		switch v := value.(type) {
		case []string:
			return append([]string(nil), v...), nil
		case []any:
			out := make([]string, len(v))
			for i, e := range v {
				s, ok := e.(string)
				if !ok {
					return nil, mismatch()
				}
				out[i] = s
			}
			return out, nil
		case string:
			return strings.FieldsFunc(v, func(r rune) bool { return r == ',' }), nil
		}
	case ParamString:
		switch v := value.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
	}
	return nil, mismatch()
}

// Get returns the current value of name.
func (ps *ParamSet) Get(name string) (any, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	v, ok := ps.values[name]
	return v, ok
}

// String returns a string parameter, "" when unset.
func (ps *ParamSet) String(name string) string {
	v, _ := ps.Get(name)
	s, _ := v.(string)
	return s
}

// Bool returns a bool parameter, false when unset.
func (ps *ParamSet) Bool(name string) bool {
	v, _ := ps.Get(name)
	b, _ := v.(bool)
	return b
}

// Int returns an int parameter, 0 when unset.
func (ps *ParamSet) Int(name string) int {
	v, _ := ps.Get(name)
	n, _ := v.(int)
	return n
}

// Float returns a float parameter, 0 when unset.
func (ps *ParamSet) Float(name string) float64 {
	v, _ := ps.Get(name)
	f, _ := v.(float64)
	return f
}

// Strings returns a list parameter, nil when unset.
func (ps *ParamSet) Strings(name string) []string {
	v, _ := ps.Get(name)
	s, _ := v.([]string)
	return append([]string(nil), s...)
}

// Values returns a copy of all set values.
func (ps *ParamSet) Values() map[string]any {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make(map[string]any, len(ps.values))
	for k, v := range ps.values {
		out[k] = v
	}
	return out
}
