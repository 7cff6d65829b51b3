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

	"github.com/AleutianAI/AleutianFlow/services/flow/container"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
)

// ClearSelection removes the Selection property of a container.
type ClearSelection struct {
	Container string
}

// Name implements pipeline.Stage.
func (s *ClearSelection) Name() string { return "clear_selection" }

// Apply implements pipeline.Stage. Input without a selection passes
// through unchanged.
func (s *ClearSelection) Apply(_ context.Context, t flowstate.TimePoint, input *flowstate.State) *flowstate.State {
	key := containerKey(s.Container)
	c := input.Data.Container(key)
	if c == nil || c.GetByRole(container.RoleSelection) == nil {
		return input.Derive()
	}

	out := input.Derive()
	mc, err := out.Data.MutableContainer(key)
	if err != nil {
		return failed(s.Name(), t, err, "%v", err)
	}
	if err := mc.Remove(mc.GetByRole(container.RoleSelection).Name()); err != nil {
		return failed(s.Name(), t, err, "%v", err)
	}
	return out
}
