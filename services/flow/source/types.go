// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package source

import (
	"container/list"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
)

// Default configuration values.
const (
	// DefaultMaxFrames is the default number of cached frames.
	DefaultMaxFrames = 32

	// DefaultErrorTTL is how long a failed load is remembered before the
	// next request retries it.
	DefaultErrorTTL = 2 * time.Second
)

// FrameStatus is the load state of one frame.
type FrameStatus int

const (
	// FrameUnknown means the frame was never requested or was invalidated.
	FrameUnknown FrameStatus = iota

	// FrameLoading means a load is in flight.
	FrameLoading

	// FrameReady means the frame is cached.
	FrameReady

	// FrameFailed means the last load failed and the error is remembered.
	FrameFailed
)

// String returns the status name.
func (s FrameStatus) String() string {
	switch s {
	case FrameLoading:
		return "loading"
	case FrameReady:
		return "ready"
	case FrameFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// frameKey identifies a cached frame of one binding generation.
type frameKey struct {
	gen   uint64
	frame int
}

func (k frameKey) String() string { return fmt.Sprintf("%d/%d", k.gen, k.frame) }

// frameEntry is a cached, published frame state.
type frameEntry struct {
	key             frameKey
	state           *flowstate.State
	loadedAtMilli   int64
	lastAccessMilli int64
	bytes           int64
	lruElement      *list.Element
}

// failedLoad is a remembered load error.
type failedLoad struct {
	err     error
	version uint64
	retryAt time.Time
}

// estimateBytes approximates the memory held by a collection's property
// buffers.
func estimateBytes(d *collection.DataCollection) int64 {
	const baseOverhead = 512
	total := int64(baseOverhead)
	if d == nil {
		return total
	}
	for _, key := range d.ContainerKeys() {
		c := d.Container(key)
		if c == nil {
			continue
		}
		for _, p := range c.Properties() {
			total += int64(p.Len()) * int64(p.Components()) * int64(p.DataType().Size())
		}
	}
	return total
}

// CacheStats contains statistics about the frame cache.
type CacheStats struct {
	EntryCount        int
	Hits              int64
	Misses            int64
	Evictions         int64
	Loads             int64
	Errors            int64
	MaxEntries        int
	EstimatedMemoryMB int
}

// HitRate returns the hit rate as a percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Options configures a FileSource.
type Options struct {
	// MaxFrames is the maximum number of cached frames.
	MaxFrames int

	// MaxMemoryMB is a soft limit on cached property data, 0 for none.
	MaxMemoryMB int

	// ErrorTTL is how long load errors are remembered.
	ErrorTTL time.Duration

	// Animation maps frames to animation time.
	Animation flowstate.AnimationSettings
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		MaxFrames: DefaultMaxFrames,
		ErrorTTL:  DefaultErrorTTL,
		Animation: flowstate.DefaultAnimation(),
	}
}

// Option is a functional option for a FileSource.
type Option func(*Options)

// WithMaxFrames sets the cache capacity.
func WithMaxFrames(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxFrames = n
		}
	}
}

// WithMaxMemoryMB sets the soft memory limit.
func WithMaxMemoryMB(mb int) Option {
	return func(o *Options) {
		if mb >= 0 {
			o.MaxMemoryMB = mb
		}
	}
}

// WithErrorTTL sets how long load errors are remembered. Zero disables it.
func WithErrorTTL(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.ErrorTTL = d
		}
	}
}

// WithAnimation sets the frame to time mapping.
func WithAnimation(a flowstate.AnimationSettings) Option {
	return func(o *Options) {
		if a.TicksPerFrame > 0 {
			o.Animation = a
		}
	}
}
