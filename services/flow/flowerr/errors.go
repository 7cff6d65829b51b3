// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flowerr defines the error kinds shared by the flow packages.
//
// Every kind has a sentinel for errors.Is and, where callers need details,
// a typed error for errors.As. Validation kinds are returned synchronously
// and never retried. Cancellation is kept apart from failure so retry logic
// can tell them apart (see IsRetryable).
package flowerr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/cancel"
)

// Sentinel errors.
var (
	// ErrFormatDetection indicates no importer recognized the input.
	ErrFormatDetection = errors.New("could not detect the file format")

	// ErrParameter indicates an unknown or mistyped importer/exporter parameter.
	ErrParameter = errors.New("invalid parameter")

	// ErrPropertyValidation indicates an illegal name, rank, dtype or length
	// during property creation or replacement.
	ErrPropertyValidation = errors.New("property validation failed")

	// ErrElementCountMismatch indicates data length disagrees with the
	// container's established element count.
	ErrElementCountMismatch = errors.New("element count mismatch")

	// ErrMutabilityViolation indicates a write on a non-writable object.
	ErrMutabilityViolation = errors.New("mutability violation")

	// ErrLoadCanceled indicates a blocking wait was aborted.
	ErrLoadCanceled = errors.New("operation has been canceled")

	// ErrStageEvaluation indicates a stage reported failure.
	ErrStageEvaluation = errors.New("stage evaluation failed")

	// ErrLoadFailed indicates a frame or frame list could not be loaded.
	ErrLoadFailed = errors.New("load failed")

	// ErrPendingExhausted indicates a stage stayed pending past the re-poll bound.
	ErrPendingExhausted = errors.New("evaluation remained pending")

	// ErrFrameOutOfRange indicates a frame index outside the source's frames.
	ErrFrameOutOfRange = errors.New("frame index out of range")

	// ErrNotBound indicates a source that has no location yet.
	ErrNotBound = errors.New("source is not bound to a location")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")
)

// -----------------------------------------------------------------------------
// Typed errors
// -----------------------------------------------------------------------------

// FormatError reports a failed format autodetection.
type FormatError struct {
	Location string
	Detail   string
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("%v for %q. The format might not be supported", ErrFormatDetection, e.Location)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *FormatError) Unwrap() error { return ErrFormatDetection }

// ParameterError reports an unknown or mistyped parameter.
type ParameterError struct {
	// Owner is the importer or exporter format the parameter was sent to.
	Owner  string
	Param  string
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("%s: object %q has no usable parameter %q: %s", ErrParameter, e.Owner, e.Param, e.Reason)
}

func (e *ParameterError) Unwrap() error { return ErrParameter }

// ValidationError reports a property creation/replacement failure.
//
// Kind is ErrPropertyValidation or ErrElementCountMismatch. Either way
// errors.Is(err, ErrPropertyValidation) holds.
type ValidationError struct {
	Kind     error
	Property string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Property == "" {
		return fmt.Sprintf("%v: %s", e.kind(), e.Reason)
	}
	return fmt.Sprintf("%v: property %q: %s", e.kind(), e.Property, e.Reason)
}

func (e *ValidationError) kind() error {
	if e.Kind == nil {
		return ErrPropertyValidation
	}
	return e.Kind
}

func (e *ValidationError) Unwrap() []error {
	if e.kind() == ErrPropertyValidation {
		return []error{ErrPropertyValidation}
	}
	return []error{e.kind(), ErrPropertyValidation}
}

// Invalid builds a ValidationError of kind ErrPropertyValidation.
func Invalid(property, format string, args ...any) error {
	return &ValidationError{Kind: ErrPropertyValidation, Property: property, Reason: fmt.Sprintf(format, args...)}
}

// CountMismatch builds a ValidationError of kind ErrElementCountMismatch.
func CountMismatch(property string, got, want int) error {
	return &ValidationError{
		Kind:     ErrElementCountMismatch,
		Property: property,
		Reason:   fmt.Sprintf("array length %d does not match the container's element count %d", got, want),
	}
}

// MutabilityError reports a write on a read-only or shared object.
type MutabilityError struct {
	Object string
	Reason string
}

func (e *MutabilityError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrMutabilityViolation, e.Object, e.Reason)
}

func (e *MutabilityError) Unwrap() error { return ErrMutabilityViolation }

// ReadOnly builds a MutabilityError.
func ReadOnly(object, reason string) error {
	return &MutabilityError{Object: object, Reason: reason}
}

// CanceledError reports an aborted blocking wait.
type CanceledError struct {
	// Op names the blocking operation, e.g. "compute" or "wait for frames list".
	Op     string
	Reason cancel.Reason
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("%s: %v (%s)", e.Op, ErrLoadCanceled, e.Reason.Type)
}

// Is also matches context.Canceled so generic context handling keeps working.
func (e *CanceledError) Is(target error) bool {
	return target == ErrLoadCanceled || target == context.Canceled
}

// Canceled converts a done context into a CanceledError.
func Canceled(op string, ctx context.Context) error {
	r, ok := cancel.ReasonFrom(ctx)
	if !ok {
		r = cancel.Reason{Type: cancel.CancelUser}
	}
	return &CanceledError{Op: op, Reason: r}
}

// StageError reports a stage failure with its human-readable message.
type StageError struct {
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%v: %s", ErrStageEvaluation, e.Message)
	}
	return fmt.Sprintf("%v: stage %q: %s", ErrStageEvaluation, e.Stage, e.Message)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStageEvaluation}
	}
	return []error{ErrStageEvaluation, e.Err}
}

// LoadError reports a failed frame or frame-list load.
type LoadError struct {
	Location string
	Frame    int
	Err      error
}

func (e *LoadError) Error() string {
	if e.Frame < 0 {
		return fmt.Sprintf("%v: %s: %v", ErrLoadFailed, e.Location, e.Err)
	}
	return fmt.Sprintf("%v: %s frame %d: %v", ErrLoadFailed, e.Location, e.Frame, e.Err)
}

func (e *LoadError) Unwrap() []error { return []error{ErrLoadFailed, e.Err} }

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// IsCanceled reports whether err is a cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrLoadCanceled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether retrying the same call can succeed without
// changing its inputs. Only cancellations qualify.
func IsRetryable(err error) bool {
	return err != nil && IsCanceled(err)
}

// Join concatenates messages of several errors for status texts.
func Join(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, "; ")
}
