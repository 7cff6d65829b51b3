// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session is the entry point for importing files into pipelines
// and exporting their results.
//
// A Session owns the format registries, the location fetcher and every
// pipeline it created. There is no global dataset: front ends create a
// Session and pass it around.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFlow/services/flow/archive"
	"github.com/AleutianAI/AleutianFlow/services/flow/export"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/importer"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/source"
	"github.com/AleutianAI/AleutianFlow/services/flow/stages"
)

// ErrUnknownPipeline is returned for pipeline ids the session does not own.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// ErrClosed is returned by a closed session.
var ErrClosed = errors.New("session closed")

// Config configures a Session. Zero fields get defaults.
type Config struct {
	// Importers defaults to the built-in formats including archives.
	Importers *importer.Registry
	// Exporters defaults to the built-in formats writing through Fetcher.
	Exporters *export.Registry
	// Fetcher defaults to a router serving file:// and mem://.
	Fetcher location.Fetcher
	Logger  *slog.Logger

	SourceOptions   []source.Option
	PipelineOptions []pipeline.Option
	// WatcherOptions configures Watch. Nil uses the defaults.
	WatcherOptions *source.WatcherOptions
}

// Entry is one pipeline owned by the session together with its source.
type Entry struct {
	Pipeline  *pipeline.Pipeline
	Source    *source.FileSource
	Locations []string
	Created   time.Time
}

// Session holds the pipelines of one user or process.
//
// Thread Safety: safe for concurrent use.
type Session struct {
	id        uuid.UUID
	importers *importer.Registry
	exporters *export.Registry
	fetcher   location.Fetcher
	logger    *slog.Logger
	srcOpts   []source.Option
	pipeOpts  []pipeline.Option
	watchOpts *source.WatcherOptions

	mu        sync.RWMutex
	pipelines map[uuid.UUID]*Entry
	closed    bool
}

// New creates a session.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = location.NewRouter()
	}
	if cfg.Importers == nil {
		cfg.Importers = importer.NewDefaultRegistry()
		archive.Register(cfg.Importers)
	}
	if cfg.Exporters == nil {
		up, _ := cfg.Fetcher.(location.Uploader)
		cfg.Exporters = export.NewDefaultRegistry(export.Deps{Uploader: up, Logger: cfg.Logger})
	}
	id := uuid.New()
	return &Session{
		id:        id,
		importers: cfg.Importers,
		exporters: cfg.Exporters,
		fetcher:   cfg.Fetcher,
		logger:    cfg.Logger.With(slog.String("session_id", id.String())),
		srcOpts:   cfg.SourceOptions,
		pipeOpts:  cfg.PipelineOptions,
		watchOpts: cfg.WatcherOptions,
		pipelines: make(map[uuid.UUID]*Entry),
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Importers returns the importer registry.
func (s *Session) Importers() *importer.Registry { return s.importers }

// Exporters returns the exporter registry.
func (s *Session) Exporters() *export.Registry { return s.exporters }

// ImportOption customizes ImportFile.
type ImportOption func(*importOptions)

type importOptions struct {
	format string
	stages []stages.Spec
}

// WithFormat skips autodetection.
func WithFormat(format string) ImportOption {
	return func(o *importOptions) { o.format = format }
}

// WithStages appends built-in stages to the new pipeline before the
// initial evaluation.
func WithStages(specs []stages.Spec) ImportOption {
	return func(o *importOptions) { o.stages = specs }
}

// ImportFile creates a pipeline reading locations.
//
// Description:
//
//	Locations may be a single path, a wildcard pattern or an explicit
//	list of files. The format is autodetected unless given. A new
//	FileSource is bound to the files, the frame list is discovered and
//	the first frame is evaluated through the pipeline before returning.
//
// Inputs:
//
//	ctx - Cancels the import. The source is discarded on cancellation.
//	locations - Paths or URLs, at least one.
//	params - Importer parameters, may be nil.
//
// Outputs:
//
//	*Entry - The new pipeline and its source, owned by the session.
//	error - FormatError, ParameterError, CanceledError, or the load error
//	of the first frame.
func (s *Session) ImportFile(ctx context.Context, locations []string, params map[string]any, opts ...ImportOption) (*Entry, error) {
	if ctx == nil {
		return nil, flowerr.ErrNilContext
	}
	var o importOptions
	for _, opt := range opts {
		opt(&o)
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	start := time.Now()
	src := source.New(s.importers, s.fetcher, s.logger, s.srcOpts...)
	var loadOpts []source.LoadOption
	if o.format != "" {
		loadOpts = append(loadOpts, source.WithFormat(o.format))
	}
	fail := func(err error) (*Entry, error) {
		src.Close()
		if ctx.Err() != nil && !flowerr.IsCanceled(err) {
			err = flowerr.Canceled("import", ctx)
		}
		s.logger.Warn("import failed",
			slog.Any("locations", locations),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if err := src.Load(ctx, locations, params, loadOpts...); err != nil {
		return fail(err)
	}
	n, err := src.WaitForFramesList(ctx)
	if err != nil {
		return fail(err)
	}

	p := pipeline.New(src, s.logger, s.pipeOpts...)
	if len(o.stages) > 0 {
		if err := stages.FromConfig(p, o.stages); err != nil {
			return fail(err)
		}
	}
	if _, err := p.ComputeFrame(ctx, 0); err != nil {
		return fail(err)
	}

	e := &Entry{
		Pipeline:  p,
		Source:    src,
		Locations: append([]string(nil), locations...),
		Created:   time.Now(),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fail(ErrClosed)
	}
	s.pipelines[p.ID()] = e
	s.mu.Unlock()

	s.logger.Info("file imported",
		slog.String("pipeline_id", p.ID().String()),
		slog.String("format", src.Importer().Format()),
		slog.Int("frames", n),
		slog.Duration("duration", time.Since(start)),
	)
	return e, nil
}

// Get returns the pipeline with id.
func (s *Session) Get(id uuid.UUID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	return e, nil
}

// Entries returns all pipelines, oldest first.
func (s *Session) Entries() []*Entry {
	s.mu.RLock()
	out := make([]*Entry, 0, len(s.pipelines))
	for _, e := range s.pipelines {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Remove closes a pipeline's source and forgets it.
func (s *Session) Remove(id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.pipelines[id]
	delete(s.pipelines, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	return closeEntry(e)
}

func closeEntry(e *Entry) error {
	var errs []error
	for _, app := range e.Pipeline.Stages() {
		if c, ok := app.Stage().(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	errs = append(errs, e.Source.Close())
	return errors.Join(errs...)
}

// ExportRequest describes one export.
type ExportRequest struct {
	Format      string
	Destination string
	// Frames defaults to every frame of the source.
	Frames      []int
	Params      map[string]any
	Concurrency int
	Progress    func(done, total int)
}

// Export evaluates frames of p and writes them with the exporter for
// req.Format. Only frames that evaluate successfully are written; the
// first failing frame stops the export.
func (s *Session) Export(ctx context.Context, p *pipeline.Pipeline, req ExportRequest) (export.Summary, error) {
	if ctx == nil {
		return export.Summary{}, flowerr.ErrNilContext
	}
	e, err := s.exporters.New(req.Format)
	if err != nil {
		return export.Summary{}, err
	}
	if len(req.Params) > 0 {
		if err := e.Params().SetAll(req.Params); err != nil {
			return export.Summary{}, err
		}
	}
	frames := req.Frames
	if frames == nil {
		n := p.NumFrames()
		if n == 0 {
			return export.Summary{}, fmt.Errorf("pipeline %s has no frames to export", p.ID())
		}
		frames = export.FrameRange(0, n-1, 1)
	}

	w, err := e.Open(ctx, req.Destination)
	if err != nil {
		return export.Summary{}, err
	}
	sum, err := export.Batch(ctx, p, w, frames, export.BatchOptions{
		Concurrency: req.Concurrency,
		Progress:    req.Progress,
	})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.logger.Warn("export failed",
			slog.String("pipeline_id", p.ID().String()),
			slog.String("format", req.Format),
			slog.Int("written", sum.Frames),
			slog.String("error", err.Error()),
		)
		return sum, err
	}
	s.logger.Info("export finished",
		slog.String("pipeline_id", p.ID().String()),
		slog.String("format", req.Format),
		slog.String("destination", req.Destination),
		slog.Int("frames", sum.Frames),
		slog.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// Watch rescans the files of a pipeline whenever they change on disk.
// onUpdate may be nil. The returned stop function ends the watch.
func (s *Session) Watch(ctx context.Context, id uuid.UUID, onUpdate source.UpdateFunc) (func(), error) {
	e, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	w, err := source.NewWatcher(e.Source, onUpdate, s.watchOpts)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return nil, err
	}
	return w.Stop, nil
}

// Close releases every pipeline. The session cannot be used afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := s.pipelines
	s.pipelines = nil
	s.mu.Unlock()

	var errs []error
	for _, e := range entries {
		errs = append(errs, closeEntry(e))
	}
	return errors.Join(errs...)
}
