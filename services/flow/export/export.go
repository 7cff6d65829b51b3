// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export writes evaluated pipeline frames to files, archives and
// databases.
//
// An Exporter is a format with parameters. Open binds it to a destination
// and returns a Writer receiving frames in increasing order. Batch drives
// a pipeline over a frame range and feeds a Writer; only successful
// evaluations are ever written.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
	"github.com/AleutianAI/AleutianFlow/services/flow/importer"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
)

// ErrNotExportable is returned when a frame did not evaluate successfully.
var ErrNotExportable = errors.New("frame cannot be exported")

// Exporter is one output format.
type Exporter interface {
	// Format returns the format tag, e.g. "json".
	Format() string

	// Params returns the exporter's parameters. Set them before Open.
	Params() *importer.ParamSet

	// Open prepares dest for writing.
	Open(ctx context.Context, dest string) (Writer, error)
}

// Writer receives frames of one export.
type Writer interface {
	// WriteFrame writes one successfully evaluated frame.
	WriteFrame(ctx context.Context, frame int, st *flowstate.State) error

	// Close flushes buffered output. Writers must be closed even after a
	// failed WriteFrame.
	Close() error
}

// Deps are the services exporters may need.
type Deps struct {
	// Uploader stores file outputs. Required for file formats.
	Uploader location.Uploader
	Logger   *slog.Logger
}

// Factory creates a fresh exporter with default parameters.
type Factory func(deps Deps) Exporter

// Registry maps format tags to exporter factories.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	deps Deps

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{deps: deps, factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a registry with all built-in formats.
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry(deps)
	r.Register(FormatJSON, func(d Deps) Exporter { return NewJSON(d) })
	r.Register(FormatColumns, func(d Deps) Exporter { return NewColumns(d) })
	r.Register(FormatArchive, func(d Deps) Exporter { return NewArchive(d) })
	r.Register(FormatLineProtocol, func(d Deps) Exporter { return NewLineProtocol(d) })
	r.Register(FormatSQL, func(d Deps) Exporter { return NewSQL(d) })
	return r
}

// Register adds or replaces a format.
func (r *Registry) Register(format string, f Factory) {
	r.mu.Lock()
	r.factories[format] = f
	r.mu.Unlock()
}

// Formats returns the registered format tags, sorted.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for f := range r.factories {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// New creates an exporter for format.
func (r *Registry) New(format string) (Exporter, error) {
	r.mu.RLock()
	f, ok := r.factories[format]
	r.mu.RUnlock()
	if !ok {
		return nil, &flowerr.ParameterError{Owner: "export", Param: "format", Reason: fmt.Sprintf("unknown format %q", format)}
	}
	return f(r.deps), nil
}

// Computer evaluates frames. *pipeline.Pipeline implements it.
type Computer interface {
	ComputeFrame(ctx context.Context, frame int) (*flowstate.State, error)
}

// BatchOptions controls Batch.
type BatchOptions struct {
	// Concurrency is the number of frames evaluated at once. Default 1.
	Concurrency int
	// Progress, when set, is called after each written frame.
	Progress func(done, total int)
}

// Summary describes a finished batch.
type Summary struct {
	Frames   int
	Duration time.Duration
}

// Batch evaluates frames with comp and writes them to w in the given order.
//
// Description:
//
//	Frames are evaluated in windows of Concurrency frames in parallel and
//	written in order once the whole window has succeeded. The first
//	failure cancels the window and stops the export. A frame whose final
//	status is not Success fails with ErrNotExportable. Batch does not
//	close w.
func Batch(ctx context.Context, comp Computer, w Writer, frames []int, opts BatchOptions) (Summary, error) {
	start := time.Now()
	conc := opts.Concurrency
	if conc < 1 {
		conc = 1
	}
	written := 0
	for lo := 0; lo < len(frames); lo += conc {
		hi := min(lo+conc, len(frames))
		window := frames[lo:hi]
		results := make([]*flowstate.State, len(window))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(conc)
		for i, f := range window {
			g.Go(func() error {
				st, err := comp.ComputeFrame(gctx, f)
				if err != nil {
					return fmt.Errorf("frame %d: %w", f, err)
				}
				if !st.Status.IsSuccess() {
					return fmt.Errorf("%w: frame %d: %s", ErrNotExportable, f, st.Status.Text)
				}
				results[i] = st
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return Summary{Frames: written, Duration: time.Since(start)}, flowerr.Canceled("export", ctx)
			}
			return Summary{Frames: written, Duration: time.Since(start)}, err
		}
		for i, st := range results {
			if err := w.WriteFrame(ctx, window[i], st); err != nil {
				return Summary{Frames: written, Duration: time.Since(start)}, fmt.Errorf("writing frame %d: %w", window[i], err)
			}
			written++
			if opts.Progress != nil {
				opts.Progress(written, len(frames))
			}
		}
	}
	return Summary{Frames: written, Duration: time.Since(start)}, nil
}

// FrameRange returns first..last stepping by every. every < 1 is treated
// as 1.
func FrameRange(first, last, every int) []int {
	if every < 1 {
		every = 1
	}
	var out []int
	for f := first; f <= last; f += every {
		out = append(out, f)
	}
	return out
}

// frameURL substitutes the frame number for the first '*' in dest.
func frameURL(dest string, frame int) string {
	return strings.Replace(dest, "*", strconv.Itoa(frame), 1)
}

// upload compresses data according to the extension of url and stores it.
func upload(ctx context.Context, up location.Uploader, url string, data []byte) error {
	if up == nil {
		return fmt.Errorf("no uploader configured for %s", url)
	}
	var buf bytes.Buffer
	zw, err := location.Compress(url, &buf)
	if err != nil {
		return err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return up.Upload(ctx, url, &buf)
}

// fileSink collects the bytes of a file output. With a wildcard
// destination every frame goes to its own file immediately; otherwise the
// frames are joined and stored on close.
type fileSink struct {
	up       location.Uploader
	dest     string
	perFrame bool
}

func newFileSink(up location.Uploader, dest string) (*fileSink, error) {
	url, err := location.Normalize(dest)
	if err != nil {
		return nil, err
	}
	return &fileSink{up: up, dest: url, perFrame: strings.Contains(url, "*")}, nil
}
