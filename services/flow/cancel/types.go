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
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext is returned when a nil context is provided.
	ErrNilContext = errors.New("context must not be nil")

	// ErrScopeClosed is returned when a closed scope is asked for a new context.
	ErrScopeClosed = errors.New("cancellation scope is closed")
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// CancelType indicates why cancellation occurred.
type CancelType int

const (
	// CancelUser indicates user-initiated cancellation (API, Ctrl+C, stop button).
	CancelUser CancelType = iota

	// CancelTimeout indicates a blocking wait exceeded its deadline.
	CancelTimeout

	// CancelParent indicates the parent context was cancelled.
	CancelParent

	// CancelShutdown indicates system shutdown is in progress.
	CancelShutdown

	// CancelSuperseded indicates the work was replaced by newer work, for
	// example a source that was rebound to another location mid-load.
	CancelSuperseded
)

// String returns the string representation of the cancel type.
func (t CancelType) String() string {
	switch t {
	case CancelUser:
		return "user"
	case CancelTimeout:
		return "timeout"
	case CancelParent:
		return "parent"
	case CancelShutdown:
		return "shutdown"
	case CancelSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// State represents the current state of a cancellation scope.
type State int

const (
	// StateRunning indicates the scope is active.
	StateRunning State = iota

	// StateCancelled indicates the scope was cancelled.
	StateCancelled

	// StateClosed indicates the scope was closed without cancellation.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if this is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateCancelled || s == StateClosed
}

// -----------------------------------------------------------------------------
// Reason
// -----------------------------------------------------------------------------

// Reason describes a cancellation. It is stored as the cause of the
// cancelled context, so it implements error.
type Reason struct {
	// Type is the category of cancellation.
	Type CancelType

	// Message is a human-readable explanation.
	Message string

	// Timestamp is when cancellation was requested (Unix milliseconds).
	Timestamp int64
}

// Error implements error.
func (r *Reason) Error() string {
	if r.Message == "" {
		return fmt.Sprintf("cancelled (%s)", r.Type)
	}
	return fmt.Sprintf("cancelled (%s): %s", r.Type, r.Message)
}

// Is matches context.Canceled so a Reason cause still satisfies
// errors.Is(err, context.Canceled).
func (r *Reason) Is(target error) bool {
	return target == context.Canceled
}

// ReasonFrom extracts the cancellation reason from a done context.
//
// Description:
//
//	Inspects context.Cause. A *Reason cause is returned as is. Plain
//	context.Canceled maps to CancelUser and context.DeadlineExceeded maps
//	to CancelTimeout.
//
// Outputs:
//
//	Reason - The reason.
//	bool - False if the context is not done.
func ReasonFrom(ctx context.Context) (Reason, bool) {
	if ctx == nil || ctx.Err() == nil {
		return Reason{}, false
	}

	cause := context.Cause(ctx)
	var r *Reason
	if errors.As(cause, &r) {
		return *r, true
	}

	if errors.Is(cause, context.DeadlineExceeded) {
		return Reason{Type: CancelTimeout, Message: "deadline exceeded", Timestamp: time.Now().UnixMilli()}, true
	}
	return Reason{Type: CancelUser, Message: "context canceled", Timestamp: time.Now().UnixMilli()}, true
}
