// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flowstate defines PipelineFlowState, the result of one
// evaluation: a data collection, a status and the time range it is valid
// for.
package flowstate

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
)

// StatusType classifies an evaluation result.
type StatusType int

const (
	// Success means the data is final.
	Success StatusType = iota

	// Pending means the result is preliminary; the caller must wait or
	// re-evaluate.
	Pending

	// Error means the data is stale or partial and must not be used for
	// further computation.
	Error
)

// String returns the status name.
func (t StatusType) String() string {
	switch t {
	case Success:
		return "success"
	case Pending:
		return "pending"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(t))
	}
}

// Status is a StatusType with a message and, for errors, the cause.
type Status struct {
	Type StatusType
	Text string
	Err  error
}

// Ok returns a success status.
func Ok() Status { return Status{Type: Success} }

// PendingStatus returns a pending status with a progress message.
func PendingStatus(text string) Status { return Status{Type: Pending, Text: text} }

// Failed returns an error status for err.
func Failed(err error) Status {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Status{Type: Error, Text: err.Error(), Err: err}
}

// IsSuccess reports Success.
func (s Status) IsSuccess() bool { return s.Type == Success }

// IsPending reports Pending.
func (s Status) IsPending() bool { return s.Type == Pending }

// IsError reports Error.
func (s Status) IsError() bool { return s.Type == Error }

// AsError returns the status as an error, or nil unless it is Error.
func (s Status) AsError() error {
	if s.Type != Error {
		return nil
	}
	if s.Err != nil {
		return s.Err
	}
	return errors.New(s.Text)
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s.Text == "" {
		return s.Type.String()
	}
	return s.Type.String() + ": " + s.Text
}

// State is a PipelineFlowState.
//
// A State handed out by a source or a pipeline is published: its
// collection is frozen. Stages derive new states with Derive and never
// write to their input.
type State struct {
	Data     *collection.DataCollection
	Status   Status
	Time     TimePoint
	Validity TimeInterval

	// Frame is the source frame the data originates from, -1 if unknown.
	Frame int
}

// New returns a success state over data valid at time t only.
func New(data *collection.DataCollection, t TimePoint) *State {
	return &State{Data: data, Status: Ok(), Time: t, Validity: Instant(t), Frame: -1}
}

// ErrorState returns a state carrying err and no usable data.
func ErrorState(t TimePoint, err error) *State {
	return &State{Data: collection.New(), Status: Failed(err), Time: t, Validity: Instant(t), Frame: -1}
}

// PendingState returns a pending state over optional preliminary data.
func PendingState(data *collection.DataCollection, t TimePoint, text string) *State {
	if data == nil {
		data = collection.New()
	}
	return &State{Data: data, Status: PendingStatus(text), Time: t, Validity: Instant(t), Frame: -1}
}

// Derive returns a new mutable state whose collection shares every object
// of s. The status is reset to success.
func (s *State) Derive() *State {
	data := collection.New()
	if s.Data != nil {
		data = s.Data.Clone()
	}
	return &State{Data: data, Status: Ok(), Time: s.Time, Validity: s.Validity, Frame: s.Frame}
}

// WithStatus returns a shallow copy of s with another status. The data is
// shared, not cloned.
func (s *State) WithStatus(st Status) *State {
	cp := *s
	cp.Status = st
	return &cp
}

// Publish freezes the collection and returns s.
func (s *State) Publish() *State {
	if s.Data != nil {
		s.Data.Freeze()
	}
	return s
}

// IsPublished reports whether the collection is frozen.
func (s *State) IsPublished() bool { return s.Data != nil && s.Data.IsFrozen() }

// IntersectValidity narrows the validity interval.
func (s *State) IntersectValidity(iv TimeInterval) {
	s.Validity = s.Validity.Intersect(iv)
}

// String implements fmt.Stringer.
func (s *State) String() string {
	return fmt.Sprintf("State(t=%d frame=%d %s %s)", s.Time, s.Frame, s.Status, s.Validity)
}
