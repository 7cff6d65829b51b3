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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/container"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
)

var anim = flowstate.DefaultAnimation()

func frameState(t *testing.T, frame int, values ...float64) *flowstate.State {
	t.Helper()
	d := collection.New()
	c, err := d.CreateContainer(collection.KeyParticles, container.Particles)
	require.NoError(t, err)
	_, err = c.CreateProperty(container.ByName("Value"), container.WithData(values))
	require.NoError(t, err)
	st := flowstate.New(d, anim.FrameToTime(frame))
	st.Frame = frame
	return st.Publish()
}

func values(t *testing.T, st *flowstate.State, name string) []float64 {
	t.Helper()
	require.False(t, st.Status.IsError(), st.Status.Text)
	p := st.Data.Particles().Get(name)
	require.NotNil(t, p, "property %q", name)
	return p.Read().Float64s()
}

// frames is a fixed-frame source.
type frames []*flowstate.State

func (f frames) Animation() flowstate.AnimationSettings { return anim }
func (f frames) NumFrames() int                         { return len(f) }
func (f frames) EvaluatePreliminary(frame int) *flowstate.State {
	if frame < 0 || frame >= len(f) {
		return flowstate.ErrorState(anim.FrameToTime(frame), flowerr.ErrFrameOutOfRange)
	}
	return f[frame]
}
func (f frames) Evaluate(_ context.Context, frame int) (*flowstate.State, error) {
	return f.EvaluatePreliminary(frame), nil
}

func TestComputePropertyDoubled(t *testing.T) {
	in := frameState(t, 0, 1, 2, 3)
	s, err := NewComputeProperty(ComputeSpec{Output: "Doubled", Input: "Value", Op: OpScale, Scalar: 2})
	require.NoError(t, err)

	out := s.Apply(context.Background(), in.Time, in)
	assert.Equal(t, []float64{2, 4, 6}, values(t, out, "Doubled"))
	assert.Nil(t, in.Data.Particles().Get("Doubled"), "input untouched")
	assert.Same(t, in.Data.Particles().Get("Value"), out.Data.Particles().Get("Value"), "unmodified property is shared")
}

func TestComputePropertyOperations(t *testing.T) {
	in := frameState(t, 0, 1, -2, 4)
	tests := []struct {
		name string
		spec ComputeSpec
		want []float64
	}{
		{"copy", ComputeSpec{Output: "C", Input: "Value", Op: OpCopy}, []float64{1, -2, 4}},
		{"offset", ComputeSpec{Output: "C", Input: "Value", Op: OpOffset, Scalar: 1}, []float64{2, -1, 5}},
		{"negate", ComputeSpec{Output: "C", Input: "Value", Op: OpNegate}, []float64{-1, 2, -4}},
		{"add", ComputeSpec{Output: "C", Input: "Value", Op: OpAdd, Operand: "Value"}, []float64{2, -4, 8}},
		{"mul", ComputeSpec{Output: "C", Input: "Value", Op: OpMul, Operand: "Value"}, []float64{1, 4, 16}},
		{"standard output", ComputeSpec{Output: "Radius", Input: "Value", Op: OpScale, Scalar: 0.5}, []float64{0.5, -1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewComputeProperty(tt.spec)
			require.NoError(t, err)
			out := s.Apply(context.Background(), in.Time, in)
			assert.Equal(t, tt.want, values(t, out, tt.spec.Output))
		})
	}

	out := frameState(t, 0, 1, 2, 3)
	s, err := NewComputeProperty(ComputeSpec{Output: "Radius", Input: "Value", Op: OpCopy})
	require.NoError(t, err)
	res := s.Apply(context.Background(), out.Time, out)
	assert.NotNil(t, res.Data.Particles().GetByRole(container.RoleRadius))
}

func TestComputePropertyErrors(t *testing.T) {
	in := frameState(t, 0, 1, 2)

	_, err := NewComputeProperty(ComputeSpec{Input: "Value", Op: OpCopy})
	assert.ErrorIs(t, err, flowerr.ErrParameter)
	_, err = NewComputeProperty(ComputeSpec{Output: "x", Input: "Value", Op: OpAdd})
	assert.ErrorIs(t, err, flowerr.ErrParameter)
	_, err = NewComputeProperty(ComputeSpec{Output: "x", Input: "Value", Op: "pow"})
	assert.ErrorIs(t, err, flowerr.ErrParameter)

	s, err := NewComputeProperty(ComputeSpec{Output: "x", Input: "Missing", Op: OpCopy})
	require.NoError(t, err)
	out := s.Apply(context.Background(), in.Time, in)
	require.True(t, out.Status.IsError())
	assert.ErrorIs(t, out.Status.AsError(), flowerr.ErrStageEvaluation)
	assert.ErrorIs(t, out.Status.AsError(), flowerr.ErrPropertyValidation)

	require.NoError(t, s.SetSpec(ComputeSpec{Output: "x", Input: "Value", Op: OpSub, Operand: "Nope"}))
	assert.Equal(t, uint64(1), s.Revision())
	out = s.Apply(context.Background(), in.Time, in)
	assert.True(t, out.Status.IsError())

	// Position has three components, Value one.
	require.NoError(t, s.SetSpec(ComputeSpec{Output: "Position", Input: "Value", Op: OpCopy}))
	out = s.Apply(context.Background(), in.Time, in)
	assert.True(t, out.Status.IsError())
}

func TestAssignConstant(t *testing.T) {
	in := frameState(t, 0, 1, 2)

	s, err := NewAssignConstant(AssignSpec{Output: "Color", Value: 0.5})
	require.NoError(t, err)
	out := s.Apply(context.Background(), in.Time, in)
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, values(t, out, "Color"))

	s, err = NewAssignConstant(AssignSpec{Output: "Value", Value: 7})
	require.NoError(t, err)
	out = s.Apply(context.Background(), in.Time, in)
	assert.Equal(t, []float64{7, 7}, values(t, out, "Value"))
	assert.Equal(t, []float64{1, 2}, values(t, in, "Value"), "cached input keeps its values")

	s.SetValue(3)
	assert.Equal(t, uint64(1), s.Revision())

	_, err = NewAssignConstant(AssignSpec{})
	assert.ErrorIs(t, err, flowerr.ErrParameter)

	empty := flowstate.New(collection.New(), 0).Publish()
	out = s.Apply(context.Background(), 0, empty)
	assert.True(t, out.Status.IsError())
}

func TestClearSelection(t *testing.T) {
	in := frameState(t, 0, 1, 2)
	sel, err := NewAssignConstant(AssignSpec{Output: "Selection", Value: 1})
	require.NoError(t, err)
	selected := sel.Apply(context.Background(), in.Time, in).Publish()
	require.NotNil(t, selected.Data.Particles().GetByRole(container.RoleSelection))

	s := &ClearSelection{}
	out := s.Apply(context.Background(), in.Time, selected)
	assert.Nil(t, out.Data.Particles().GetByRole(container.RoleSelection))
	assert.NotNil(t, selected.Data.Particles().GetByRole(container.RoleSelection))

	out = s.Apply(context.Background(), in.Time, in)
	assert.True(t, out.Status.IsSuccess())
}

func TestFreezeProperty(t *testing.T) {
	src := frames{frameState(t, 0, 1, 2), frameState(t, 1, 5, 6), frameState(t, 2, 9)}
	s, err := NewFreezeProperty(src, FreezeSpec{Property: "Value", Output: "Value0", Frame: 0})
	require.NoError(t, err)

	out := s.Apply(context.Background(), src[1].Time, src[1])
	assert.Equal(t, []float64{1, 2}, values(t, out, "Value0"))
	assert.Equal(t, []float64{5, 6}, values(t, out, "Value"))

	out = s.Apply(context.Background(), src[2].Time, src[2])
	require.True(t, out.Status.IsError())
	assert.ErrorIs(t, out.Status.AsError(), flowerr.ErrElementCountMismatch)

	s.SetFrame(1)
	out = s.Apply(context.Background(), src[0].Time, src[0])
	assert.Equal(t, []float64{5, 6}, values(t, out, "Value0"))

	_, err = NewFreezeProperty(src, FreezeSpec{})
	assert.ErrorIs(t, err, flowerr.ErrParameter)
}

func TestFreezeProperty_PreliminaryInputNotCaptured(t *testing.T) {
	src := frames{frameState(t, 0, 1, 2), frameState(t, 1, 5, 6)}
	s, err := NewFreezeProperty(src, FreezeSpec{Property: "Value", Output: "Value0", Frame: 0})
	require.NoError(t, err)

	prelim := frameState(t, 0, 30, 40).WithStatus(flowstate.PendingStatus("loading frame 0"))
	out := s.Apply(context.Background(), prelim.Time, prelim)
	assert.Equal(t, []float64{30, 40}, values(t, out, "Value0"))

	out = s.Apply(context.Background(), src[1].Time, src[1])
	assert.Equal(t, []float64{1, 2}, values(t, out, "Value0"))
}

// reloadingFrames is a source whose frames can be replaced, reporting
// each replacement to its invalidation subscribers.
type reloadingFrames struct {
	mu   sync.Mutex
	list frames
	subs []func(int)
}

func (r *reloadingFrames) Animation() flowstate.AnimationSettings { return anim }
func (r *reloadingFrames) NumFrames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}
func (r *reloadingFrames) EvaluatePreliminary(frame int) *flowstate.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list.EvaluatePreliminary(frame)
}
func (r *reloadingFrames) Evaluate(_ context.Context, frame int) (*flowstate.State, error) {
	return r.EvaluatePreliminary(frame), nil
}
func (r *reloadingFrames) OnInvalidate(fn func(frame int)) func() {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.subs = nil
		r.mu.Unlock()
	}
}

func (r *reloadingFrames) replace(frame int, st *flowstate.State) {
	r.mu.Lock()
	r.list[frame] = st
	subs := append([]func(int)(nil), r.subs...)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(frame)
	}
}

func TestFreezeProperty_ReferenceReloaded(t *testing.T) {
	src := &reloadingFrames{list: frames{frameState(t, 0, 1, 2), frameState(t, 1, 5, 6), frameState(t, 2, 7, 8)}}
	s, err := NewFreezeProperty(src, FreezeSpec{Property: "Value", Output: "Value0", Frame: 0})
	require.NoError(t, err)
	rev := s.Revision()

	out := s.Apply(context.Background(), src.list[1].Time, src.list[1])
	assert.Equal(t, []float64{1, 2}, values(t, out, "Value0"))

	// Another frame changing keeps the captured values.
	src.replace(2, frameState(t, 2, 70, 80))
	assert.Equal(t, rev, s.Revision())

	src.replace(0, frameState(t, 0, -1, -2))
	assert.Greater(t, s.Revision(), rev)
	out = s.Apply(context.Background(), src.list[1].Time, src.list[1])
	assert.Equal(t, []float64{-1, -2}, values(t, out, "Value0"))

	require.NoError(t, s.Close())
	src.replace(0, frameState(t, 0, 3, 4))
	out = s.Apply(context.Background(), src.list[1].Time, src.list[1])
	assert.Equal(t, []float64{-1, -2}, values(t, out, "Value0"), "no longer subscribed")
}

func TestAsyncStage(t *testing.T) {
	release := make(chan struct{})
	started := make(chan context.Context, 2)
	s := NewAsync("slow-sum", func(ctx context.Context, input *flowstate.State) (*flowstate.State, error) {
		started <- ctx
		select {
		case <-release:
		case <-ctx.Done():
			return nil, flowerr.Canceled("sum", ctx)
		}
		out := input.Derive()
		sum := input.Data.Particles().Get("Value").Sum()
		if err := out.Data.SetAttribute("Sum", sum); err != nil {
			return nil, err
		}
		return out, nil
	}, nil)
	defer s.Close()

	first := frameState(t, 0, 1, 2)
	second := frameState(t, 1, 3, 4)

	st := s.Apply(context.Background(), first.Time, first)
	assert.True(t, st.Status.IsPending())
	oldCtx := <-started

	st = s.Apply(context.Background(), second.Time, second)
	assert.True(t, st.Status.IsPending())
	<-started
	assert.Error(t, oldCtx.Err(), "superseded computation is canceled")

	close(release)
	require.Eventually(t, func() bool {
		return s.Apply(context.Background(), second.Time, second).Status.IsSuccess()
	}, time.Second, time.Millisecond)

	st = s.Apply(context.Background(), second.Time, second)
	v, ok := st.Data.Attributes().Get("Sum")
	require.True(t, ok)
	assert.Equal(t, 7.0, v)
}

func TestAsyncInPipeline(t *testing.T) {
	src := frames{frameState(t, 0, 2, 3)}
	s := NewAsync("async-double", func(_ context.Context, input *flowstate.State) (*flowstate.State, error) {
		c, err := NewComputeProperty(ComputeSpec{Output: "Doubled", Input: "Value", Op: OpScale, Scalar: 2})
		if err != nil {
			return nil, err
		}
		return c.Apply(context.Background(), input.Time, input), nil
	}, nil)
	defer s.Close()

	p := pipeline.New(src, nil, pipeline.WithPollInterval(time.Millisecond))
	p.AppendStage(s)
	st, err := p.ComputeFrame(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6}, values(t, st, "Doubled"))
}

func TestFromConfig(t *testing.T) {
	src := frames{frameState(t, 0, 1, 2)}
	p := pipeline.New(src, nil)
	off := false

	err := FromConfig(p, []Spec{
		{Type: TypeCompute, Output: "Doubled", Input: "Value", Op: "scale", Scalar: 2},
		{Type: TypeAssign, Output: "Mass", Value: 3, Enabled: &off},
		{Type: TypeClearSelection},
	})
	require.NoError(t, err)
	require.Equal(t, 3, p.Len())
	assert.False(t, p.Stages()[1].Enabled())

	st, err := p.ComputeFrame(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4}, values(t, st, "Doubled"))
	assert.Nil(t, st.Data.Particles().Get("Mass"))

	err = FromConfig(p, []Spec{{Type: TypeCompute, Output: "x", Input: "Value"}, {Type: "warp"}})
	assert.Error(t, err)
	assert.Equal(t, 3, p.Len(), "failed config appends nothing")

	err = FromConfig(p, []Spec{{Type: TypeFreeze, Input: "Value", Frame: -1}})
	assert.Error(t, err)
}
