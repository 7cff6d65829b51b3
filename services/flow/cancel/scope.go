// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cancel

import (
	"context"
	"sync"
	"time"
)

// WithReason returns a derived context and a function that cancels it
// with a typed reason.
//
// Example:
//
//	ctx, cancel := cancel.WithReason(parent)
//	go func() { <-stop; cancel(cancel.Reason{Type: cancel.CancelUser}) }()
func WithReason(parent context.Context) (context.Context, func(Reason)) {
	ctx, cancelCause := context.WithCancelCause(parent)
	return ctx, func(r Reason) {
		if r.Timestamp == 0 {
			r.Timestamp = time.Now().UnixMilli()
		}
		cancelCause(&r)
	}
}

// Scope groups blocking waits under one user-visible stop signal.
//
// A Scope hands out contexts through Context. Cancel aborts every context
// handed out so far. Reset arms a fresh generation so later waits can
// proceed, which is how a caller retries after a cancellation.
//
// Thread Safety:
//
//	Scope is safe for concurrent use.
type Scope struct {
	mu     sync.Mutex
	parent context.Context
	ctx    context.Context
	cancel func(Reason)
	state  State
	reason *Reason
}

// NewScope creates a running scope derived from parent.
func NewScope(parent context.Context) *Scope {
	if parent == nil {
		parent = context.Background()
	}
	s := &Scope{parent: parent}
	s.ctx, s.cancel = WithReason(parent)
	return s
}

// Context returns the scope's current context.
func (s *Scope) Context() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, ErrScopeClosed
	}
	return s.ctx, nil
}

// Cancel aborts all waits of the current generation. Only the first call
// per generation records its reason.
func (s *Scope) Cancel(reason Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = StateCancelled
	s.reason = &reason
	s.cancel(reason)
}

// Reset starts a new generation after a cancellation.
func (s *Scope) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if s.state == StateRunning {
		return
	}
	s.ctx, s.cancel = WithReason(s.parent)
	s.state = StateRunning
	s.reason = nil
}

// Close releases the scope. Further Context calls fail.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.cancel(Reason{Type: CancelShutdown, Message: "scope closed"})
	}
	s.state = StateClosed
}

// State returns the scope state.
func (s *Scope) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastReason returns the reason of the most recent cancellation, if any.
func (s *Scope) LastReason() (Reason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == nil {
		return Reason{}, false
	}
	return *s.reason, true
}
