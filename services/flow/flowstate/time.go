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
	"fmt"
	"math"
)

// TimePoint is an animation time in ticks.
type TimePoint int64

// Sentinel time points bounding every interval.
const (
	TimeNegativeInfinity TimePoint = math.MinInt64
	TimePositiveInfinity TimePoint = math.MaxInt64
)

// DefaultTicksPerFrame is the tick resolution of one animation frame.
const DefaultTicksPerFrame = 4800

// TimeInterval is a closed range of time points.
type TimeInterval struct {
	Start TimePoint
	End   TimePoint
}

// Infinite returns the interval covering all time.
func Infinite() TimeInterval {
	return TimeInterval{Start: TimeNegativeInfinity, End: TimePositiveInfinity}
}

// Instant returns the interval holding only t.
func Instant(t TimePoint) TimeInterval { return TimeInterval{Start: t, End: t} }

// Empty returns an interval containing no time points.
func Empty() TimeInterval { return TimeInterval{Start: TimePositiveInfinity, End: TimeNegativeInfinity} }

// IsEmpty reports whether the interval contains nothing.
func (iv TimeInterval) IsEmpty() bool { return iv.Start > iv.End }

// IsInfinite reports whether the interval covers all time.
func (iv TimeInterval) IsInfinite() bool {
	return iv.Start == TimeNegativeInfinity && iv.End == TimePositiveInfinity
}

// Contains reports whether t lies inside the interval.
func (iv TimeInterval) Contains(t TimePoint) bool { return t >= iv.Start && t <= iv.End }

// Intersect returns the overlap of both intervals.
func (iv TimeInterval) Intersect(o TimeInterval) TimeInterval {
	out := iv
	if o.Start > out.Start {
		out.Start = o.Start
	}
	if o.End < out.End {
		out.End = o.End
	}
	if out.IsEmpty() {
		return Empty()
	}
	return out
}

// String implements fmt.Stringer.
func (iv TimeInterval) String() string {
	if iv.IsEmpty() {
		return "[empty]"
	}
	f := func(t TimePoint) string {
		switch t {
		case TimeNegativeInfinity:
			return "-inf"
		case TimePositiveInfinity:
			return "+inf"
		default:
			return fmt.Sprint(int64(t))
		}
	}
	return "[" + f(iv.Start) + ", " + f(iv.End) + "]"
}

// AnimationSettings maps animation time to source frames.
type AnimationSettings struct {
	TicksPerFrame int64
	FirstFrame    int
	LastFrame     int
	PlaybackSpeed int
}

// DefaultAnimation returns settings for a single frame.
func DefaultAnimation() AnimationSettings {
	return AnimationSettings{TicksPerFrame: DefaultTicksPerFrame, PlaybackSpeed: 1}
}

func (a AnimationSettings) ticks() int64 {
	if a.TicksPerFrame <= 0 {
		return DefaultTicksPerFrame
	}
	return a.TicksPerFrame
}

// FrameToTime returns the time at which frame starts.
func (a AnimationSettings) FrameToTime(frame int) TimePoint {
	return TimePoint(int64(frame) * a.ticks())
}

// TimeToFrame returns the frame shown at time t, rounding down.
func (a AnimationSettings) TimeToFrame(t TimePoint) int {
	tpf := a.ticks()
	v := int64(t)
	if v < 0 {
		return int((v - tpf + 1) / tpf)
	}
	return int(v / tpf)
}

// FrameInterval returns the time range during which frame is shown.
func (a AnimationSettings) FrameInterval(frame int) TimeInterval {
	start := a.FrameToTime(frame)
	return TimeInterval{Start: start, End: start + TimePoint(a.ticks()) - 1}
}

// NumFrames returns the number of frames in the animation range.
func (a AnimationSettings) NumFrames() int {
	if a.LastFrame < a.FirstFrame {
		return 0
	}
	return a.LastFrame - a.FirstFrame + 1
}
