// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
)

// Default evaluation limits.
const (
	// DefaultMaxPendingPolls bounds how often Evaluate re-polls a Pending
	// result before giving up.
	DefaultMaxPendingPolls = 200

	// DefaultPendingTimeout bounds the total time Evaluate waits for a
	// Pending result to settle.
	DefaultPendingTimeout = 30 * time.Second

	// DefaultPollInterval is the pause between two polls.
	DefaultPollInterval = 25 * time.Millisecond
)

// Source is the origin of a pipeline.
//
// Evaluate blocks until the frame is available and reports load failures
// in the returned state's status; the error is reserved for cancellation.
// EvaluatePreliminary never blocks.
type Source interface {
	Animation() flowstate.AnimationSettings
	Evaluate(ctx context.Context, frame int) (*flowstate.State, error)
	EvaluatePreliminary(frame int) *flowstate.State
	NumFrames() int
}

// Invalidator is implemented by sources that report when a frame they
// handed out is superseded. A frame of -1 means every frame. Stages that
// keep data of frames other than their input subscribe to it.
type Invalidator interface {
	OnInvalidate(fn func(frame int)) (unsubscribe func())
}

// Stage transforms one published state into a new state.
//
// Apply must not modify input. It derives its result with input.Derive()
// and acquires write access copy-on-write. A failure is returned as a
// state with an Error status; a stage that is still computing returns
// Pending.
type Stage interface {
	Name() string
	Apply(ctx context.Context, t flowstate.TimePoint, input *flowstate.State) *flowstate.State
}

// Revisioned is implemented by stages with mutable parameters. A changed
// revision invalidates the stage's cached results and everything
// downstream of it.
type Revisioned interface {
	Revision() uint64
}

// Revision is an embeddable Revisioned implementation.
type Revision struct {
	n atomic.Uint64
}

// Revision returns the current revision.
func (r *Revision) Revision() uint64 { return r.n.Load() }

// Bump marks the parameters as changed.
func (r *Revision) Bump() { r.n.Add(1) }

// stageEntry is a cached stage result.
type stageEntry struct {
	input    *collection.DataCollection
	time     flowstate.TimePoint
	revision uint64
	output   *flowstate.State
}

// StageApplication is one stage inserted into a pipeline.
//
// Thread Safety:
//
//	Safe for concurrent use.
type StageApplication struct {
	id    uuid.UUID
	stage Stage

	mu      sync.Mutex
	enabled bool
	epoch   uint64
	cached  *stageEntry
}

func newApplication(s Stage) *StageApplication {
	return &StageApplication{id: uuid.New(), stage: s, enabled: true}
}

// ID returns the application identifier.
func (a *StageApplication) ID() uuid.UUID { return a.id }

// Stage returns the applied stage.
func (a *StageApplication) Stage() Stage { return a.stage }

// Enabled reports whether the stage runs. A disabled stage passes its
// input through.
func (a *StageApplication) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *StageApplication) revision() uint64 {
	if r, ok := a.stage.(Revisioned); ok {
		return r.Revision()
	}
	return 0
}

// lookup returns the cached output for input at t.
func (a *StageApplication) lookup(input *collection.DataCollection, t flowstate.TimePoint) (*flowstate.State, bool) {
	rev := a.revision()
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.cached
	if e == nil || e.input != input || e.revision != rev {
		return nil, false
	}
	if e.time != t && !e.output.Validity.Contains(t) {
		return nil, false
	}
	return e.output, true
}

// store caches out unless the application was invalidated after epoch
// was read.
func (a *StageApplication) store(epoch uint64, rev uint64, input *collection.DataCollection, t flowstate.TimePoint, out *flowstate.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.epoch != epoch {
		return
	}
	a.cached = &stageEntry{input: input, time: t, revision: rev, output: out}
}

func (a *StageApplication) snapshot() (enabled bool, epoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled, a.epoch
}

func (a *StageApplication) invalidate() {
	a.mu.Lock()
	a.epoch++
	a.cached = nil
	a.mu.Unlock()
}

// Options configures a Pipeline.
type Options struct {
	MaxPendingPolls int
	PendingTimeout  time.Duration
	PollInterval    time.Duration
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		MaxPendingPolls: DefaultMaxPendingPolls,
		PendingTimeout:  DefaultPendingTimeout,
		PollInterval:    DefaultPollInterval,
	}
}

// Option is a functional option for a Pipeline.
type Option func(*Options)

// WithMaxPendingPolls bounds the number of re-polls.
func WithMaxPendingPolls(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxPendingPolls = n
		}
	}
}

// WithPendingTimeout bounds the total wait for a Pending result.
func WithPendingTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PendingTimeout = d
		}
	}
}

// WithPollInterval sets the pause between polls.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}
