// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive stores frame snapshots in a BadgerDB directory and reads
// them back as an importable format.
//
// Layout:
//
//	meta/format    "aleutianflow-archive"
//	meta/version   semantic version of the layout, e.g. v1.0.0
//	frame/%08d     one encoded frame document per frame
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/AleutianFlow/services/flow/codec"
	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/importer"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
	"github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

// Format is the importer and exporter tag.
const Format = "archive"

// Version is the layout version written by this package. Archives with a
// different major version are rejected.
const Version = "v1.0.0"

const (
	formatTag   = "aleutianflow-archive"
	keyFormat   = "meta/format"
	keyVersion  = "meta/version"
	framePrefix = "frame/"
)

// ErrIncompatible is returned for archives of another layout version.
var ErrIncompatible = errors.New("incompatible archive version")

func frameKey(i int) string { return fmt.Sprintf("%s%08d", framePrefix, i) }

// LocalPath converts a file:// URL to a directory path. Archives cannot
// live on remote stores.
func LocalPath(url string) (string, error) {
	if location.Scheme(url) != "file" {
		return "", fmt.Errorf("%w: archives must be local, got %s", location.ErrUnsupportedScheme, url)
	}
	return strings.TrimPrefix(url, "file://"), nil
}

// CheckVersion accepts any valid version with the same major version.
func CheckVersion(v string) error {
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrIncompatible, v)
	}
	if semver.Major(v) != semver.Major(Version) {
		return fmt.Errorf("%w: archive is %s, this build reads %s", ErrIncompatible, v, semver.Major(Version))
	}
	return nil
}

// Writer appends frames to an archive.
type Writer struct {
	store *badger.Store
}

// Create opens or creates the archive at url and writes its metadata.
// Existing frames are removed.
func Create(ctx context.Context, url string, logger *slog.Logger) (*Writer, error) {
	path, err := LocalPath(url)
	if err != nil {
		return nil, err
	}
	cfg := badger.DefaultConfig(path)
	cfg.GCInterval = 0
	cfg.Logger = logger
	store, err := badger.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.DeletePrefix(framePrefix); err != nil {
		store.Close()
		return nil, fmt.Errorf("clearing archive %s: %w", path, err)
	}
	err = store.PutBatch(ctx, map[string][]byte{
		keyFormat:  []byte(formatTag),
		keyVersion: []byte(Version),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Writer{store: store}, nil
}

// WriteFrame stores one frame.
func (w *Writer) WriteFrame(ctx context.Context, frame int, d *collection.DataCollection) error {
	data, err := codec.Marshal(codec.Encode(d, frame))
	if err != nil {
		return fmt.Errorf("encoding frame %d: %w", frame, err)
	}
	return w.store.Put(ctx, frameKey(frame), data)
}

// Close flushes and closes the archive.
func (w *Writer) Close() error {
	if err := w.store.Sync(); err != nil {
		w.store.Close()
		return err
	}
	return w.store.Close()
}

// Importer reads archives. The store is opened on first use and kept open
// until Close or until another location is read.
//
// Thread Safety: safe for concurrent use.
type Importer struct {
	params *importer.ParamSet

	mu    sync.Mutex
	path  string
	store *badger.Store
}

// NewImporter returns an archive importer.
func NewImporter() *Importer {
	return &Importer{params: importer.NewParamSet(Format)}
}

// Register adds the archive format to reg.
func Register(reg *importer.Registry) {
	reg.Register(Format, func() importer.Importer { return NewImporter() })
}

// Format implements importer.Importer.
func (a *Importer) Format() string { return Format }

// Params implements importer.Importer.
func (a *Importer) Params() *importer.ParamSet { return a.params }

// Detect implements importer.Importer. Archives are directories and are
// recognized by DetectLocation only.
func (a *Importer) Detect(importer.Probe) bool { return false }

// DetectLocation recognizes a local BadgerDB directory.
func (a *Importer) DetectLocation(ctx context.Context, f location.Fetcher, url string) bool {
	if location.Scheme(url) != "file" {
		return false
	}
	_, err := f.Stat(ctx, location.Join(url, "MANIFEST"))
	return err == nil
}

func (a *Importer) open(ctx context.Context, url string) (*badger.Store, error) {
	path, err := LocalPath(url)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil && a.path == path {
		return a.store, nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
	cfg := badger.DefaultConfig(path)
	cfg.ReadOnly = true
	cfg.GCInterval = 0
	store, err := badger.Open(cfg)
	if err != nil {
		return nil, &flowerr.FormatError{Location: url, Detail: err.Error()}
	}
	tag, err := store.Get(ctx, keyFormat)
	if err != nil || string(tag) != formatTag {
		store.Close()
		return nil, &flowerr.FormatError{Location: url, Detail: "not a frame archive"}
	}
	version, err := store.Get(ctx, keyVersion)
	if err == nil {
		err = CheckVersion(string(version))
	}
	if err != nil {
		store.Close()
		return nil, &flowerr.FormatError{Location: url, Detail: err.Error()}
	}
	a.path, a.store = path, store
	return store, nil
}

// DiscoverFrames implements importer.Importer.
func (a *Importer) DiscoverFrames(ctx context.Context, f location.Fetcher, url string) ([]importer.Frame, error) {
	store, err := a.open(ctx, url)
	if err != nil {
		return nil, err
	}
	keys, err := store.Keys(ctx, framePrefix)
	if err != nil {
		if ctx.Err() != nil {
			return nil, flowerr.Canceled("scan "+url, ctx)
		}
		return nil, err
	}
	obj, _ := f.Stat(ctx, url)
	_, name := location.Split(url)
	frames := make([]importer.Frame, 0, len(keys))
	for _, k := range keys {
		idx, err := strconv.Atoi(strings.TrimPrefix(k, framePrefix))
		if err != nil {
			continue
		}
		frames = append(frames, importer.Frame{
			SourceURL: url,
			Index:     idx,
			ModTime:   obj.ModTime,
			Label:     fmt.Sprintf("%s (Frame %d)", name, idx),
		})
	}
	if len(frames) == 0 {
		return nil, &flowerr.FormatError{Location: url, Detail: "archive contains no frames"}
	}
	return frames, nil
}

// LoadFrame implements importer.Importer.
func (a *Importer) LoadFrame(ctx context.Context, _ location.Fetcher, frame importer.Frame) (*collection.DataCollection, error) {
	store, err := a.open(ctx, frame.SourceURL)
	if err != nil {
		return nil, err
	}
	data, err := store.Get(ctx, frameKey(frame.Index))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: frame %d of %s", flowerr.ErrFrameOutOfRange, frame.Index, frame.SourceURL)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, flowerr.Canceled("load "+frame.Label, ctx)
		}
		return nil, err
	}
	var doc codec.FrameDoc
	if err := codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding frame %d of %s: %w", frame.Index, frame.SourceURL, err)
	}
	return codec.Decode(doc)
}

// Close releases the open store, if any.
func (a *Importer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	a.path = ""
	return err
}
