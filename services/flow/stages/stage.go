// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stages provides the built-in pipeline stages.
//
// Every stage derives its output from the input state and obtains write
// access to containers and properties copy-on-write, so the input and any
// cached frame stay untouched.
package stages

import (
	"fmt"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/container"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
)

// failed returns an Error state carrying a StageError.
func failed(stage string, t flowstate.TimePoint, err error, format string, args ...any) *flowstate.State {
	return flowstate.ErrorState(t, &flowerr.StageError{
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	})
}

// containerKey returns key, or the particles key when empty.
func containerKey(key string) string {
	if key == "" {
		return collection.KeyParticles
	}
	return key
}

// mutableContainer returns a writable container of out.Data.
func mutableContainer(out *flowstate.State, key string) (*container.Container, error) {
	if out.Data.Container(key) == nil {
		return nil, fmt.Errorf("input contains no %q container", key)
	}
	return out.Data.MutableContainer(key)
}

// propertyID addresses name as a standard property if the container class
// defines one with that name.
func propertyID(c *container.Container, name string) container.PropertyID {
	if role, ok := c.Class().RoleByName(name); ok {
		return container.ByRole(role)
	}
	return container.ByName(name)
}
