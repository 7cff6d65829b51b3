// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package importer defines the file format plugin contract used by the
// file source, the format registry with content-based autodetection, and
// the built-in text formats.
package importer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
)

// Frame describes one frame discovered in an input file.
type Frame struct {
	SourceURL  string
	ByteOffset int64
	LineNumber int
	// Index is the position of the frame inside SourceURL.
	Index       int
	ModTime     time.Time
	Label       string
	Fingerprint uint64
}

// SameSource reports whether f and o refer to the same, unchanged data.
func (f Frame) SameSource(o Frame) bool {
	return f.SourceURL == o.SourceURL &&
		f.ByteOffset == o.ByteOffset &&
		f.Index == o.Index &&
		f.ModTime.Equal(o.ModTime) &&
		f.Fingerprint == o.Fingerprint
}

// Importer reads one file format.
//
// DiscoverFrames and LoadFrame may take long and must return promptly
// with a cancellation error once ctx is done.
type Importer interface {
	// Format returns the format tag, e.g. "xyz".
	Format() string

	// Detect reports whether the probed content is in this format.
	Detect(p Probe) bool

	// Params returns the format parameters.
	Params() *ParamSet

	// DiscoverFrames scans url for the frames it contains.
	DiscoverFrames(ctx context.Context, f location.Fetcher, url string) ([]Frame, error)

	// LoadFrame reads one frame into a fresh, unpublished collection.
	LoadFrame(ctx context.Context, f location.Fetcher, frame Frame) (*collection.DataCollection, error)
}

// LocationDetector is implemented by formats stored as directories, which
// cannot be probed by content.
type LocationDetector interface {
	DetectLocation(ctx context.Context, f location.Fetcher, url string) bool
}

// probeSize is how much decompressed content autodetection inspects.
const probeSize = 4096

// Probe is the start of a file, used for format detection.
type Probe struct {
	URL  string
	Name string
	Head []byte
	MIME *mimetype.MIME
}

// NewProbe reads the first bytes of url, decompressing if needed.
func NewProbe(ctx context.Context, f location.Fetcher, url string) (Probe, error) {
	rc, err := f.Open(ctx, url)
	if err != nil {
		return Probe{}, err
	}
	defer rc.Close()
	dr, err := location.Decompress(url, rc)
	if err != nil {
		return Probe{}, err
	}
	defer dr.Close()

	head, err := io.ReadAll(io.LimitReader(dr, probeSize))
	if err != nil {
		return Probe{}, fmt.Errorf("reading %s: %w", url, err)
	}
	_, name := location.Split(url)
	return Probe{
		URL:  url,
		Name: location.StripCompression(name),
		Head: head,
		MIME: mimetype.Detect(head),
	}, nil
}

// FirstLine returns the first line of the probe without the newline and
// whether a newline was seen.
func (p Probe) FirstLine() ([]byte, bool) {
	i := bytes.IndexByte(p.Head, '\n')
	if i < 0 {
		return p.Head, false
	}
	return bytes.TrimRight(p.Head[:i], "\r"), true
}
