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
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/cancel"
	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
)

// ComputeFunc computes a stage result. It runs on a background goroutine
// and should return promptly once ctx is done.
type ComputeFunc func(ctx context.Context, input *flowstate.State) (*flowstate.State, error)

// asyncJob is one background computation for one input.
type asyncJob struct {
	input  *collection.DataCollection
	time   flowstate.TimePoint
	done   chan struct{}
	out    *flowstate.State
	err    error
	cancel func(cancel.Reason)
}

// Async runs a long computation in the background. Apply returns Pending
// over the unmodified input until the computation for that input has
// finished, then returns its result.
//
// Thread Safety:
//
//	Safe for concurrent use. At most one computation runs at a time; a
//	request for a different input supersedes the running one.
type Async struct {
	name   string
	fn     ComputeFunc
	logger *slog.Logger

	base       context.Context
	baseCancel context.CancelFunc

	mu  sync.Mutex
	job *asyncJob
}

// NewAsync returns an asynchronous stage. logger may be nil.
func NewAsync(name string, fn ComputeFunc, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	base, baseCancel := context.WithCancel(context.Background())
	return &Async{name: name, fn: fn, logger: logger, base: base, baseCancel: baseCancel}
}

// Name implements pipeline.Stage.
func (s *Async) Name() string { return s.name }

// Apply implements pipeline.Stage.
func (s *Async) Apply(_ context.Context, t flowstate.TimePoint, input *flowstate.State) *flowstate.State {
	s.mu.Lock()
	j := s.job
	if j != nil && j.input == input.Data && j.time == t {
		s.mu.Unlock()
		select {
		case <-j.done:
			return s.result(t, j, input)
		default:
			return input.Derive().WithStatus(flowstate.PendingStatus(s.name + " in progress"))
		}
	}

	if j != nil {
		j.cancel(cancel.Reason{Type: cancel.CancelSuperseded, Message: "input changed", Timestamp: time.Now().UnixMilli()})
	}
	ctx, cancelFn := cancel.WithReason(s.base)
	j = &asyncJob{input: input.Data, time: t, done: make(chan struct{}), cancel: cancelFn}
	s.job = j
	s.mu.Unlock()

	go func() {
		defer close(j.done)
		start := time.Now()
		j.out, j.err = s.fn(ctx, input)
		s.logger.Debug("async stage finished",
			slog.String("stage", s.name),
			slog.Duration("duration", time.Since(start)),
			slog.Bool("failed", j.err != nil),
		)
	}()
	return input.Derive().WithStatus(flowstate.PendingStatus(s.name + " started"))
}

func (s *Async) result(t flowstate.TimePoint, j *asyncJob, input *flowstate.State) *flowstate.State {
	if j.err != nil {
		if flowerr.IsCanceled(j.err) {
			return flowstate.ErrorState(t, j.err)
		}
		return failed(s.name, t, j.err, "%v", j.err)
	}
	if j.out == nil {
		return input.Derive()
	}
	cp := *j.out
	return &cp
}

// Close cancels a running computation.
func (s *Async) Close() error {
	s.baseCancel()
	return nil
}
