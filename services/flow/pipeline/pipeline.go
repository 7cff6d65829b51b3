// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline evaluates a source followed by an ordered list of
// stages.
//
// Each evaluation maps an animation time to a source frame, obtains the
// frame's published state and hands it through the enabled stages in
// order. An Error status stops the evaluation at the failing stage and is
// returned unchanged. A Pending status is either returned at once
// (EvaluatePreliminary) or re-polled until it settles (Evaluate).
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
)

// Pipeline is a source plus an ordered list of stage applications.
//
// Thread Safety:
//
//	Pipeline is safe for concurrent use. Evaluations run concurrently
//	with each other and with structural changes; an evaluation uses the
//	stage list as it was when it started.
type Pipeline struct {
	id      uuid.UUID
	logger  *slog.Logger
	options Options

	mu     sync.RWMutex
	source Source
	apps   []*StageApplication

	metricsOnce    sync.Once
	stageLatency   metric.Float64Histogram
	stageCacheHits metric.Int64Counter
	evaluations    metric.Int64Counter
	pendingPolls   metric.Int64Counter
	evalLatency    metric.Float64Histogram
}

// New creates a pipeline over src with no stages.
//
// Inputs:
//
//	src - The pipeline source. May be nil and set later with SetSource.
//	logger - Logger, nil for slog.Default().
//	opts - Pending polling limits.
func New(src Source, logger *slog.Logger, opts ...Option) *Pipeline {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New()
	return &Pipeline{
		id:      id,
		logger:  logger.With(slog.String("pipeline_id", id.String())),
		options: options,
		source:  src,
	}
}

// ID returns the pipeline identifier.
func (p *Pipeline) ID() uuid.UUID { return p.id }

// Source returns the current source.
func (p *Pipeline) Source() Source {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.source
}

// SetSource replaces the source and drops every cached stage result.
func (p *Pipeline) SetSource(src Source) {
	p.mu.Lock()
	p.source = src
	p.mu.Unlock()
	p.Invalidate(0)
}

// Animation returns the source's frame to time mapping.
func (p *Pipeline) Animation() flowstate.AnimationSettings {
	if src := p.Source(); src != nil {
		return src.Animation()
	}
	return flowstate.DefaultAnimation()
}

// NumFrames returns the source's frame count, 0 while unknown.
func (p *Pipeline) NumFrames() int {
	if src := p.Source(); src != nil {
		return src.NumFrames()
	}
	return 0
}

// Stages returns the stage applications in evaluation order.
func (p *Pipeline) Stages() []*StageApplication {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*StageApplication(nil), p.apps...)
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.apps)
}

// AppendStage adds s at the end of the pipeline.
func (p *Pipeline) AppendStage(s Stage) *StageApplication {
	app := newApplication(s)
	p.mu.Lock()
	p.apps = append(p.apps, app)
	p.mu.Unlock()
	p.logger.Debug("stage appended", slog.String("stage", s.Name()))
	return app
}

// InsertStage inserts s before position i. Results of the stages after it
// are invalidated.
func (p *Pipeline) InsertStage(i int, s Stage) (*StageApplication, error) {
	app := newApplication(s)
	p.mu.Lock()
	if i < 0 || i > len(p.apps) {
		n := len(p.apps)
		p.mu.Unlock()
		return nil, &flowerr.ParameterError{Owner: "pipeline", Param: "index", Reason: fmt.Sprintf("%d out of range [0, %d]", i, n)}
	}
	p.apps = append(p.apps, nil)
	copy(p.apps[i+1:], p.apps[i:])
	p.apps[i] = app
	p.mu.Unlock()

	p.Invalidate(i + 1)
	p.logger.Debug("stage inserted", slog.String("stage", s.Name()), slog.Int("index", i))
	return app, nil
}

// RemoveStage removes the stage at position i. Results of the stages
// after it are invalidated.
func (p *Pipeline) RemoveStage(i int) error {
	p.mu.Lock()
	if i < 0 || i >= len(p.apps) {
		n := len(p.apps)
		p.mu.Unlock()
		return &flowerr.ParameterError{Owner: "pipeline", Param: "index", Reason: fmt.Sprintf("%d out of range [0, %d)", i, n)}
	}
	removed := p.apps[i]
	p.apps = append(p.apps[:i], p.apps[i+1:]...)
	p.mu.Unlock()

	removed.invalidate()
	if c, ok := removed.stage.(io.Closer); ok {
		c.Close()
	}
	p.Invalidate(i)
	p.logger.Debug("stage removed", slog.String("stage", removed.stage.Name()), slog.Int("index", i))
	return nil
}

// SetEnabled turns the stage at position i on or off.
func (p *Pipeline) SetEnabled(i int, enabled bool) error {
	p.mu.RLock()
	if i < 0 || i >= len(p.apps) {
		n := len(p.apps)
		p.mu.RUnlock()
		return &flowerr.ParameterError{Owner: "pipeline", Param: "index", Reason: fmt.Sprintf("%d out of range [0, %d)", i, n)}
	}
	app := p.apps[i]
	p.mu.RUnlock()

	app.mu.Lock()
	changed := app.enabled != enabled
	app.enabled = enabled
	app.mu.Unlock()
	if changed {
		p.Invalidate(i)
	}
	return nil
}

// Invalidate drops the cached results of the stage at position i and of
// every stage after it. The source's frame cache is not affected.
func (p *Pipeline) Invalidate(i int) {
	if i < 0 {
		i = 0
	}
	p.mu.RLock()
	var apps []*StageApplication
	if i < len(p.apps) {
		apps = append(apps, p.apps[i:]...)
	}
	p.mu.RUnlock()
	for _, app := range apps {
		app.invalidate()
	}
}

// Evaluate computes the pipeline output at time t.
//
// Description:
//
//	Blocks until the source frame is loaded and every stage has produced
//	a final result. Pending results are re-polled every PollInterval, at
//	most MaxPendingPolls times and for at most PendingTimeout; after that
//	an Error state wrapping ErrPendingExhausted is returned. Failures are
//	reported in the returned state's status, with the message of the
//	failing stage unchanged.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	t - Animation time.
//
// Outputs:
//
//	*flowstate.State - The final, published state.
//	error - ErrNilContext, or a CanceledError when ctx ends first.
func (p *Pipeline) Evaluate(ctx context.Context, t flowstate.TimePoint) (*flowstate.State, error) {
	if ctx == nil {
		return nil, flowerr.ErrNilContext
	}
	p.initMetrics()

	ctx, span := tracer.Start(ctx, "pipeline.Evaluate",
		trace.WithAttributes(
			attribute.String("pipeline.id", p.id.String()),
			attribute.Int64("pipeline.time", int64(t)),
		),
	)
	defer span.End()

	start := time.Now()
	deadline := start.Add(p.options.PendingTimeout)
	polls := 0
	for {
		st, err := p.evaluateOnce(ctx, t, false)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if !st.Status.IsPending() {
			p.finish(ctx, span, st, start, polls)
			return st, nil
		}

		if polls >= p.options.MaxPendingPolls || !time.Now().Before(deadline) {
			err := fmt.Errorf("%w: %d polls in %s, last status %q",
				flowerr.ErrPendingExhausted, polls, time.Since(start).Round(time.Millisecond), st.Status.Text)
			st = st.WithStatus(flowstate.Failed(err))
			p.finish(ctx, span, st, start, polls)
			return st, nil
		}
		polls++
		if p.pendingPolls != nil {
			p.pendingPolls.Add(ctx, 1)
		}

		timer := time.NewTimer(p.options.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			err := flowerr.Canceled("evaluate pipeline", ctx)
			span.RecordError(err)
			return nil, err
		case <-timer.C:
		}
	}
}

func (p *Pipeline) finish(ctx context.Context, span trace.Span, st *flowstate.State, start time.Time, polls int) {
	duration := time.Since(start)
	outcome := st.Status.Type.String()
	if p.evaluations != nil {
		p.evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", outcome)))
	}
	if p.evalLatency != nil {
		p.evalLatency.Record(ctx, duration.Seconds())
	}
	span.SetAttributes(attribute.Int("pipeline.polls", polls))
	if st.Status.IsError() {
		span.SetStatus(codes.Error, st.Status.Text)
		p.logger.Warn("pipeline evaluation failed",
			slog.Int64("time", int64(st.Time)),
			slog.String("status", st.Status.Text),
			slog.Duration("duration", duration),
		)
		return
	}
	span.SetStatus(codes.Ok, "")
	p.logger.Debug("pipeline evaluated",
		slog.Int64("time", int64(st.Time)),
		slog.Int("frame", st.Frame),
		slog.Int("polls", polls),
		slog.Duration("duration", duration),
	)
}

// EvaluatePreliminary returns the best result available now without
// blocking. While the source frame or a stage is still computing, the
// result has a Pending status and carries preliminary data.
func (p *Pipeline) EvaluatePreliminary(t flowstate.TimePoint) *flowstate.State {
	st, err := p.evaluateOnce(context.Background(), t, true)
	if err != nil {
		return flowstate.ErrorState(t, err).Publish()
	}
	return st
}

// Compute is Evaluate with an Error status converted into the returned
// error.
func (p *Pipeline) Compute(ctx context.Context, t flowstate.TimePoint) (*flowstate.State, error) {
	st, err := p.Evaluate(ctx, t)
	if err != nil {
		return nil, err
	}
	if st.Status.IsError() {
		return nil, st.Status.AsError()
	}
	return st, nil
}

// EvaluateFrame evaluates at the time of an animation frame.
func (p *Pipeline) EvaluateFrame(ctx context.Context, frame int) (*flowstate.State, error) {
	return p.Evaluate(ctx, p.Animation().FrameToTime(frame))
}

// ComputeFrame computes at the time of an animation frame.
func (p *Pipeline) ComputeFrame(ctx context.Context, frame int) (*flowstate.State, error) {
	return p.Compute(ctx, p.Animation().FrameToTime(frame))
}

// evaluateOnce runs the source and every enabled stage once.
//
// Results are taken from and stored in the stage cache only while every
// upstream result is final.
func (p *Pipeline) evaluateOnce(ctx context.Context, t flowstate.TimePoint, preliminary bool) (*flowstate.State, error) {
	p.mu.RLock()
	src := p.source
	apps := append([]*StageApplication(nil), p.apps...)
	p.mu.RUnlock()
	if src == nil {
		return flowstate.ErrorState(t, flowerr.ErrNotBound).Publish(), nil
	}

	frame := src.Animation().TimeToFrame(t)
	var st *flowstate.State
	if preliminary {
		st = src.EvaluatePreliminary(frame)
	} else {
		var err error
		st, err = src.Evaluate(ctx, frame)
		if err != nil {
			return nil, err
		}
	}
	if st.Status.IsError() {
		return st, nil
	}
	if st.Status.IsPending() && (st.Data == nil || st.Data.Len() == 0) {
		return st, nil
	}
	if st.Time != t {
		cp := *st
		cp.Time = t
		st = &cp
	}

	final := st.Status.IsSuccess()
	for i, app := range apps {
		if err := ctx.Err(); err != nil {
			return nil, flowerr.Canceled("evaluate pipeline", ctx)
		}
		enabled, epoch := app.snapshot()
		if !enabled {
			continue
		}
		if final {
			if out, ok := app.lookup(st.Data, t); ok {
				if p.stageCacheHits != nil {
					p.stageCacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", app.stage.Name())))
				}
				st = out
				continue
			}
		}

		rev := app.revision()
		out := p.applyStage(ctx, i, app, t, st)
		if out.Status.IsError() {
			if ctx.Err() != nil {
				return nil, flowerr.Canceled("evaluate pipeline", ctx)
			}
			return out, nil
		}
		if final && out.Status.IsSuccess() {
			app.store(epoch, rev, st.Data, t, out)
		}
		if !st.Status.IsSuccess() && out.Status.IsSuccess() {
			out = out.WithStatus(st.Status)
		}
		final = final && out.Status.IsSuccess()
		st = out
	}
	return st, nil
}

// applyStage runs one stage with tracing and publishes its result.
func (p *Pipeline) applyStage(ctx context.Context, i int, app *StageApplication, t flowstate.TimePoint, input *flowstate.State) *flowstate.State {
	name := app.stage.Name()
	ctx, span := tracer.Start(ctx, "pipeline.Stage",
		trace.WithAttributes(
			attribute.String("stage.name", name),
			attribute.Int("stage.index", i),
		),
	)
	defer span.End()

	start := time.Now()
	out := app.stage.Apply(ctx, t, input)
	duration := time.Since(start)
	if p.stageLatency != nil {
		p.stageLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("stage", name)))
	}

	if out == nil {
		out = flowstate.ErrorState(t, &flowerr.StageError{Stage: name, Message: "stage returned no state"})
	}
	// Stages may hand back a shared state; stamp a private copy.
	cp := *out
	out = &cp
	if out.Frame < 0 {
		out.Frame = input.Frame
	}
	out.IntersectValidity(input.Validity)
	out.Publish()

	switch {
	case out.Status.IsError():
		span.SetStatus(codes.Error, out.Status.Text)
		p.logger.Warn("stage failed",
			slog.String("stage", name),
			slog.Int("index", i),
			slog.String("status", out.Status.Text),
		)
	case out.Status.IsPending():
		p.logger.Debug("stage pending", slog.String("stage", name), slog.Int("index", i))
	default:
		span.SetStatus(codes.Ok, "")
		p.logger.Debug("stage applied",
			slog.String("stage", name),
			slog.Int("index", i),
			slog.Duration("duration", duration),
		)
	}
	return out
}
