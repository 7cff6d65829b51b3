// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package source implements the file source: the pipeline origin that
// maps an input file or file sequence to published frame states, with a
// deduplicating, cancellable frame cache.
//
// # Lifecycle
//
//	Unbound -> Bound(locations) -> {Loading(frame) -> Ready(frame) | Failed(frame)}
//
// Load binds the source. Frame discovery and frame loads run on background
// goroutines detached from the callers that requested them; a caller that
// gives up receives a cancellation error while the load continues and its
// result is cached. Rebinding cancels the loads of the previous binding
// with CancelSuperseded.
package source

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
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianFlow/services/flow/cancel"
	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
	"github.com/AleutianAI/AleutianFlow/services/flow/importer"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
)

// Attribute names set on every loaded frame.
const (
	AttrSourceFrame = "SourceFrame"
	AttrSourceFile  = "SourceFile"
	AttrTimestep    = "Timestep"
)

// FramesFunc is notified with the new frame count whenever the frame list
// of the bound input changes.
type FramesFunc func(numFrames int)

// InvalidateFunc is notified when a frame handed out earlier is
// superseded. A frame of -1 means every frame.
type InvalidateFunc func(frame int)

// binding is everything that changes when the source is rebound.
type binding struct {
	gen      uint64
	patterns []string
	imp      importer.Importer
	ctx      context.Context
	cancel   func(cancel.Reason)
}

// FileSource loads frames of an input file sequence through an importer.
//
// Thread Safety:
//
//	FileSource is safe for concurrent use.
type FileSource struct {
	id       uuid.UUID
	registry *importer.Registry
	fetcher  location.Fetcher
	logger   *slog.Logger
	options  Options
	cache    *frameCache

	base       context.Context
	baseCancel context.CancelFunc

	mu          sync.RWMutex
	bind        *binding
	urls        []string
	frames      []importer.Frame
	previous    []importer.Frame
	framesEpoch uint64
	framesGroup singleflight.Group
	subscribers map[int]FramesFunc
	invalidates map[int]InvalidateFunc
	nextSubID   int
	closed      bool
}

// New creates an unbound source.
//
// Inputs:
//
//	registry - Formats available for autodetection.
//	fetcher - Resolves location URLs.
//	logger - Logger, nil for slog.Default().
//	opts - Cache and animation options.
func New(registry *importer.Registry, fetcher location.Fetcher, logger *slog.Logger, opts ...Option) *FileSource {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, baseCancel := context.WithCancel(context.Background())
	id := uuid.New()
	return &FileSource{
		id:          id,
		registry:    registry,
		fetcher:     fetcher,
		logger:      logger.With(slog.String("source_id", id.String())),
		options:     options,
		cache:       newFrameCache(options),
		base:        base,
		baseCancel:  baseCancel,
		subscribers: make(map[int]FramesFunc),
		invalidates: make(map[int]InvalidateFunc),
	}
}

// ID returns the source identifier.
func (s *FileSource) ID() uuid.UUID { return s.id }

// Animation returns the frame to time mapping.
func (s *FileSource) Animation() flowstate.AnimationSettings { return s.options.Animation }

// LoadOption customizes a Load call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	format string
}

// WithFormat skips autodetection and uses the given format tag.
func WithFormat(format string) LoadOption {
	return func(o *loadOptions) { o.format = format }
}

// Load binds the source to new input locations.
//
// Description:
//
//	Locations may be plain paths, URLs, wildcard patterns or several of
//	them; they are expanded into an ordered file list. The bound importer
//	is kept when it can read the first file, otherwise the format is
//	autodetected. Params are forwarded to the importer. On success the
//	frame cache is dropped and in-flight work of the previous binding is
//	canceled with CancelSuperseded.
//
// Outputs:
//
//	error - FormatError when no importer matches, ParameterError for
//	unknown or invalid parameters, CanceledError if ctx ends. On error
//	the previous binding stays in place.
func (s *FileSource) Load(ctx context.Context, locations []string, params map[string]any, opts ...LoadOption) error {
	if ctx == nil {
		return flowerr.ErrNilContext
	}
	ctx, span := startSpan(ctx, "Load", -1)
	defer span.End()

	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}
	if len(locations) == 0 {
		return &flowerr.FormatError{Detail: "no input location given"}
	}

	urls, err := location.ExpandAll(ctx, s.fetcher, locations)
	if err != nil {
		if ctx.Err() != nil {
			return flowerr.Canceled("expand locations", ctx)
		}
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("source.files", len(urls)))

	s.mu.RLock()
	var current importer.Importer
	if s.bind != nil {
		current = s.bind.imp
	}
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return fmt.Errorf("source %s is closed", s.id)
	}

	imp, reused, err := s.resolveImporter(ctx, current, urls[0], lo.format)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(params) > 0 {
		if err := imp.Params().SetAll(params); err != nil {
			return err
		}
	}

	s.mu.Lock()
	old := s.bind
	gen := uint64(1)
	if old != nil {
		gen = old.gen + 1
	}
	bctx, bcancel := cancel.WithReason(s.base)
	s.bind = &binding{
		gen:      gen,
		patterns: append([]string(nil), locations...),
		imp:      imp,
		ctx:      bctx,
		cancel:   bcancel,
	}
	s.urls = urls
	s.frames = nil
	s.previous = nil
	s.framesEpoch++
	s.cache.rebind(gen)
	s.mu.Unlock()

	if old != nil {
		old.cancel(cancel.Reason{
			Type:      cancel.CancelSuperseded,
			Message:   "source rebound",
			Timestamp: time.Now().UnixMilli(),
		})
		if c, ok := old.imp.(io.Closer); ok && old.imp != imp {
			c.Close()
		}
	}
	s.logger.Info("source bound",
		slog.String("format", imp.Format()),
		slog.Int("files", len(urls)),
		slog.Bool("importer_reused", reused),
		slog.Uint64("generation", gen),
	)
	s.invalidated(-1)
	s.notify(-1)
	return nil
}

func (s *FileSource) resolveImporter(ctx context.Context, current importer.Importer, first, format string) (importer.Importer, bool, error) {
	switch {
	case format != "" && current != nil && current.Format() == format:
		return current, true, nil
	case format != "":
		imp, err := s.registry.New(format)
		return imp, false, err
	case current != nil && importer.Matches(ctx, s.fetcher, current, first):
		return current, true, nil
	}
	imp, err := s.registry.Autodetect(ctx, s.fetcher, first)
	return imp, false, err
}

// binding returns the current binding or ErrNotBound.
func (s *FileSource) current() (*binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bind == nil {
		return nil, flowerr.ErrNotBound
	}
	return s.bind, nil
}

// IsBound reports whether Load succeeded at least once.
func (s *FileSource) IsBound() bool {
	_, err := s.current()
	return err == nil
}

// Locations returns the expanded file list of the binding.
func (s *FileSource) Locations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.urls...)
}

// Importer returns the bound importer, nil when unbound.
func (s *FileSource) Importer() importer.Importer {
	b, err := s.current()
	if err != nil {
		return nil
	}
	return b.imp
}

// WaitForFramesList blocks until the frame list is known.
//
// Description:
//
//	Discovery scans every file of the binding once; concurrent waiters
//	share one scan. A waiter whose ctx ends gets a CanceledError while
//	the scan continues, so a retry picks up its result.
//
// Outputs:
//
//	int - Number of frames.
//	error - CanceledError, ErrNotBound, or the discovery error.
func (s *FileSource) WaitForFramesList(ctx context.Context) (int, error) {
	b, err := s.current()
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	if s.frames != nil {
		n := len(s.frames)
		s.mu.RUnlock()
		return n, nil
	}
	epoch := s.framesEpoch
	s.mu.RUnlock()

	key := fmt.Sprintf("%d/%d", b.gen, epoch)
	ch := s.framesGroup.DoChan(key, func() (interface{}, error) {
		return s.discover(b, epoch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, flowerr.Canceled("wait for frames list", ctx)
	}
}

// discover scans all files and installs the frame list if the binding
// and epoch are still current. Frames whose descriptor differs from the
// list before the last update are dropped from the cache.
func (s *FileSource) discover(b *binding, epoch uint64) (int, error) {
	ctx, span := startSpan(b.ctx, "DiscoverFrames", -1)
	defer span.End()
	start := time.Now()

	s.mu.RLock()
	urls := append([]string(nil), s.urls...)
	s.mu.RUnlock()

	var frames []importer.Frame
	for _, url := range urls {
		found, err := b.imp.DiscoverFrames(ctx, s.fetcher, url)
		if err != nil {
			if !flowerr.IsCanceled(err) {
				s.logger.Warn("frame discovery failed", slog.String("location", url), slog.String("error", err.Error()))
				span.RecordError(err)
			}
			return 0, err
		}
		frames = append(frames, found...)
	}

	s.mu.Lock()
	if s.bind != b || s.framesEpoch != epoch {
		s.mu.Unlock()
		return len(frames), nil
	}
	previous := s.previous
	s.frames = frames
	s.previous = nil
	s.mu.Unlock()

	for i := range previous {
		if i >= len(frames) || !previous[i].SameSource(frames[i]) {
			s.cache.invalidate(frameKey{gen: b.gen, frame: i})
			s.invalidated(i)
		}
	}
	s.logger.Debug("frames discovered",
		slog.Int("frames", len(frames)),
		slog.Duration("duration", time.Since(start)),
	)
	span.SetAttributes(attribute.Int("source.frames", len(frames)))
	s.notify(len(frames))
	return len(frames), nil
}

// NumFrames returns the frame count, 0 while unknown.
func (s *FileSource) NumFrames() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

// Frames returns the discovered frame descriptors.
func (s *FileSource) Frames() []importer.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]importer.Frame(nil), s.frames...)
}

// Evaluate returns the state of frame, loading it if needed.
//
// Description:
//
//	Blocks until the frame is loaded or failed. Load failures are
//	reported inside the returned state's status; the returned error is
//	reserved for cancellation and for an unbound source. The state's
//	collection is frozen and shared with the cache; derive before
//	modifying it.
func (s *FileSource) Evaluate(ctx context.Context, frame int) (*flowstate.State, error) {
	ctx, span := startSpan(ctx, "Evaluate", frame)
	defer span.End()

	b, err := s.current()
	if err != nil {
		return nil, err
	}
	t := s.options.Animation.FrameToTime(frame)

	n, err := s.WaitForFramesList(ctx)
	if err != nil {
		if flowerr.IsCanceled(err) {
			return nil, err
		}
		return s.errorState(t, frame, err), nil
	}
	if frame < 0 || frame >= n {
		return s.errorState(t, frame, fmt.Errorf("%w: frame %d, source has %d frames", flowerr.ErrFrameOutOfRange, frame, n)), nil
	}

	key := frameKey{gen: b.gen, frame: frame}
	st, err := s.cache.getOrLoad(ctx, key, func() (*flowstate.State, error) {
		return s.loadFrame(b, frame)
	})
	if err != nil {
		if flowerr.IsCanceled(err) && ctx.Err() != nil {
			return nil, err
		}
		span.RecordError(err)
		return s.errorState(t, frame, err), nil
	}
	out := *st
	return &out, nil
}

// Compute is Evaluate with an Error status converted into the returned
// error.
func (s *FileSource) Compute(ctx context.Context, frame int) (*flowstate.State, error) {
	st, err := s.Evaluate(ctx, frame)
	if err != nil {
		return nil, err
	}
	if st.Status.IsError() {
		return nil, st.Status.AsError()
	}
	return st, nil
}

// EvaluatePreliminary returns without blocking. A cached frame is returned
// as is. Otherwise a background load is started and a Pending state over
// the nearest cached frame (or empty data) is returned.
func (s *FileSource) EvaluatePreliminary(frame int) *flowstate.State {
	t := s.options.Animation.FrameToTime(frame)
	b, err := s.current()
	if err != nil {
		return flowstate.ErrorState(t, err)
	}
	if st, ok := s.cache.peek(frameKey{gen: b.gen, frame: frame}); ok {
		out := *st
		return &out
	}

	go func() {
		if _, err := s.Evaluate(b.ctx, frame); err != nil && !flowerr.IsCanceled(err) {
			s.logger.Debug("background load failed", slog.Int("frame", frame), slog.String("error", err.Error()))
		}
	}()

	// Frame names the frame the data comes from, not the requested one.
	var data *collection.DataCollection
	origin := -1
	if near, ok := s.cache.nearest(b.gen, frame); ok {
		data = near.Data
		origin = near.Frame
	}
	st := flowstate.PendingState(data, t, fmt.Sprintf("loading frame %d", frame))
	st.Frame = origin
	return st
}

// loadFrame runs the importer for one frame and publishes the result.
func (s *FileSource) loadFrame(b *binding, frame int) (*flowstate.State, error) {
	ctx, span := startSpan(b.ctx, "LoadFrame", frame)
	defer span.End()

	s.mu.RLock()
	if s.bind != b || frame >= len(s.frames) {
		// Rebound or rescanned since the request.
		s.mu.RUnlock()
		return nil, flowerr.Canceled(fmt.Sprintf("load frame %d", frame), b.ctx)
	}
	desc := s.frames[frame]
	s.mu.RUnlock()

	start := time.Now()
	data, err := b.imp.LoadFrame(ctx, s.fetcher, desc)
	if err != nil {
		if flowerr.IsCanceled(err) {
			return nil, err
		}
		s.logger.Warn("frame load failed",
			slog.Int("frame", frame),
			slog.String("location", desc.SourceURL),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, err.Error())
		return nil, &flowerr.LoadError{Location: desc.SourceURL, Frame: frame, Err: err}
	}

	if err := data.SetAttribute(AttrSourceFrame, int64(frame)); err != nil {
		return nil, err
	}
	if err := data.SetAttribute(AttrSourceFile, desc.SourceURL); err != nil {
		return nil, err
	}
	if attrs := data.Attributes(); attrs != nil {
		if _, ok := attrs.Get(AttrTimestep); !ok {
			if err := data.SetAttribute(AttrTimestep, int64(frame)); err != nil {
				return nil, err
			}
		}
	}

	st := flowstate.New(data, s.options.Animation.FrameToTime(frame))
	st.Frame = frame
	st.Validity = s.options.Animation.FrameInterval(frame)
	st.Publish()

	s.logger.Debug("frame loaded",
		slog.Int("frame", frame),
		slog.String("label", desc.Label),
		slog.Duration("duration", time.Since(start)),
	)
	return st, nil
}

func (s *FileSource) errorState(t flowstate.TimePoint, frame int, err error) *flowstate.State {
	st := flowstate.ErrorState(t, err)
	st.Frame = frame
	return st.Publish()
}

// FrameStatus reports the load state of frame.
func (s *FileSource) FrameStatus(frame int) FrameStatus {
	b, err := s.current()
	if err != nil {
		return FrameUnknown
	}
	return s.cache.status(frameKey{gen: b.gen, frame: frame})
}

// CachedFrames returns the frames currently held in the cache.
func (s *FileSource) CachedFrames() []int {
	b, err := s.current()
	if err != nil {
		return nil
	}
	return s.cache.cachedFrames(b.gen)
}

// CacheStats returns frame cache statistics.
func (s *FileSource) CacheStats() CacheStats { return s.cache.stats() }

// RequestReload drops a cached frame so the next request reloads it.
// A negative frame drops all frames.
func (s *FileSource) RequestReload(frame int) {
	b, err := s.current()
	if err != nil {
		return
	}
	if frame < 0 {
		s.cache.clear()
		s.logger.Info("all frames scheduled for reload")
		s.invalidated(-1)
		return
	}
	s.cache.invalidate(frameKey{gen: b.gen, frame: frame})
	s.logger.Debug("frame scheduled for reload", slog.Int("frame", frame))
	s.invalidated(frame)
}

// RequestFramesUpdate rescans the input for frames and blocks until the
// new list is known. Cached frames whose descriptor is unchanged stay
// cached.
func (s *FileSource) RequestFramesUpdate(ctx context.Context) (int, error) {
	b, err := s.current()
	if err != nil {
		return 0, err
	}

	// A wildcard pattern may now match more or fewer files.
	urls, err := location.ExpandAll(ctx, s.fetcher, b.patterns)
	if err != nil {
		if ctx.Err() != nil {
			return 0, flowerr.Canceled("expand locations", ctx)
		}
		return 0, err
	}

	s.mu.Lock()
	if s.bind == b {
		s.urls = urls
		if s.frames != nil {
			s.previous = s.frames
		}
		s.frames = nil
		s.framesEpoch++
	}
	s.mu.Unlock()
	return s.WaitForFramesList(ctx)
}

// OnFramesChanged registers fn for frame list changes. A count of -1
// signals a rebind. The returned function unregisters it.
func (s *FileSource) OnFramesChanged(fn FramesFunc) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// OnInvalidate registers fn for superseded frames: a reload request, a
// changed frame found by a rescan, or a rebind (-1). The returned function
// unregisters it.
func (s *FileSource) OnInvalidate(fn func(frame int)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.invalidates[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.invalidates, id)
		s.mu.Unlock()
	}
}

func (s *FileSource) invalidated(frame int) {
	s.mu.RLock()
	fns := make([]InvalidateFunc, 0, len(s.invalidates))
	for _, fn := range s.invalidates {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(frame)
	}
}

func (s *FileSource) notify(n int) {
	s.mu.RLock()
	fns := make([]FramesFunc, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}

// Close cancels all background work and releases the importer.
func (s *FileSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	b := s.bind
	s.mu.Unlock()

	if b != nil {
		b.cancel(cancel.Reason{Type: cancel.CancelShutdown, Message: "source closed", Timestamp: time.Now().UnixMilli()})
	}
	s.baseCancel()
	if b != nil {
		if c, ok := b.imp.(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}
