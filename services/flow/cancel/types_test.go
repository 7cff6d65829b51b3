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
	"testing"
	"time"
)

func TestCancelType_String(t *testing.T) {
	tests := []struct {
		name     string
		ct       CancelType
		expected string
	}{
		{"user", CancelUser, "user"},
		{"timeout", CancelTimeout, "timeout"},
		{"parent", CancelParent, "parent"},
		{"shutdown", CancelShutdown, "shutdown"},
		{"superseded", CancelSuperseded, "superseded"},
		{"unknown", CancelType(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ct.String(); got != tt.expected {
				t.Errorf("CancelType.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	if StateRunning.IsTerminal() {
		t.Error("running should not be terminal")
	}
	if !StateCancelled.IsTerminal() || !StateClosed.IsTerminal() {
		t.Error("cancelled and closed should be terminal")
	}
	if State(42).String() != "unknown" {
		t.Errorf("unexpected string for invalid state: %s", State(42))
	}
}

func TestWithReason_CarriesReason(t *testing.T) {
	ctx, cancel := WithReason(context.Background())
	cancel(Reason{Type: CancelUser, Message: "stop pressed"})

	<-ctx.Done()
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatalf("ctx.Err() = %v, want context.Canceled", ctx.Err())
	}

	r, ok := ReasonFrom(ctx)
	if !ok {
		t.Fatal("expected a reason")
	}
	if r.Type != CancelUser || r.Message != "stop pressed" {
		t.Errorf("reason = %+v", r)
	}
	if r.Timestamp == 0 {
		t.Error("timestamp should be filled in")
	}
	if !errors.Is(context.Cause(ctx), context.Canceled) {
		t.Error("reason cause should match context.Canceled")
	}
}

func TestReasonFrom_PlainContexts(t *testing.T) {
	if _, ok := ReasonFrom(context.Background()); ok {
		t.Error("live context should have no reason")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, ok := ReasonFrom(ctx)
	if !ok || r.Type != CancelUser {
		t.Errorf("plain cancel: got %+v, %v", r, ok)
	}

	ctx, cancel = context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	r, ok = ReasonFrom(ctx)
	if !ok || r.Type != CancelTimeout {
		t.Errorf("deadline: got %+v, %v", r, ok)
	}
}

func TestScope_CancelAndReset(t *testing.T) {
	s := NewScope(context.Background())

	ctx1, err := s.Context()
	if err != nil {
		t.Fatalf("Context: %v", err)
	}

	s.Cancel(Reason{Type: CancelUser, Message: "first"})
	s.Cancel(Reason{Type: CancelShutdown, Message: "second"})

	select {
	case <-ctx1.Done():
	case <-time.After(time.Second):
		t.Fatal("scope context not cancelled")
	}
	if s.State() != StateCancelled {
		t.Errorf("state = %v, want cancelled", s.State())
	}
	r, ok := s.LastReason()
	if !ok || r.Message != "first" {
		t.Errorf("LastReason = %+v, want first", r)
	}

	s.Reset()
	ctx2, err := s.Context()
	if err != nil {
		t.Fatalf("Context after reset: %v", err)
	}
	if ctx2.Err() != nil {
		t.Error("fresh generation should not be cancelled")
	}

	s.Close()
	if _, err := s.Context(); !errors.Is(err, ErrScopeClosed) {
		t.Errorf("Context after close = %v, want ErrScopeClosed", err)
	}
	if ctx2.Err() == nil {
		t.Error("close should cancel the running generation")
	}
}
