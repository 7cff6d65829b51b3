// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flowstate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
)

func TestStatus(t *testing.T) {
	assert.True(t, Ok().IsSuccess())
	assert.Nil(t, Ok().AsError())
	assert.Nil(t, PendingStatus("loading").AsError())
	assert.Equal(t, "pending: loading", PendingStatus("loading").String())

	cause := errors.New("boom")
	st := Failed(cause)
	assert.True(t, st.IsError())
	assert.ErrorIs(t, st.AsError(), cause)
	assert.Equal(t, "error: boom", st.String())

	assert.Error(t, Failed(nil).AsError())
	assert.Error(t, Status{Type: Error, Text: "x"}.AsError())
	assert.Equal(t, "status(9)", StatusType(9).String())
}

func TestDerive_SharesAndResets(t *testing.T) {
	d := collection.New()
	require.NoError(t, d.SetAttribute("Timestep", 1))
	s := New(d, 4800).Publish()
	s.Frame = 1
	assert.True(t, s.IsPublished())

	n := s.Derive()
	assert.False(t, n.IsPublished())
	assert.Same(t, s.Data.Attributes(), n.Data.Attributes())
	assert.Equal(t, s.Frame, n.Frame)
	assert.Equal(t, s.Validity, n.Validity)

	p := s.WithStatus(PendingStatus("wait"))
	assert.Same(t, s.Data, p.Data)
	assert.True(t, s.Status.IsSuccess())
}

func TestTimeInterval(t *testing.T) {
	iv := TimeInterval{Start: 0, End: 10}
	assert.True(t, iv.Contains(5))
	assert.False(t, iv.Contains(11))
	assert.Equal(t, TimeInterval{Start: 5, End: 10}, iv.Intersect(TimeInterval{Start: 5, End: 20}))
	assert.True(t, iv.Intersect(TimeInterval{Start: 20, End: 30}).IsEmpty())
	assert.True(t, Infinite().IsInfinite())
	assert.Equal(t, "[-inf, +inf]", Infinite().String())
	assert.Equal(t, "[empty]", Empty().String())
	assert.Equal(t, "[3, 3]", Instant(3).String())
}

func TestAnimationSettings(t *testing.T) {
	a := DefaultAnimation()
	tests := []struct {
		frame int
		time  TimePoint
	}{
		{0, 0},
		{1, 4800},
		{7, 33600},
		{-1, -4800},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.time, a.FrameToTime(tt.frame))
		assert.Equal(t, tt.frame, a.TimeToFrame(tt.time))
	}
	assert.Equal(t, 0, a.TimeToFrame(4799))
	assert.Equal(t, -1, a.TimeToFrame(-1))
	assert.Equal(t, TimeInterval{Start: 4800, End: 9599}, a.FrameInterval(1))

	a.LastFrame = 4
	assert.Equal(t, 5, a.NumFrames())
	assert.Equal(t, 1, AnimationSettings{TicksPerFrame: 0}.TimeToFrame(4800))
}
