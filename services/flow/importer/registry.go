// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package importer

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
)

// Factory creates a fresh importer with default parameters.
type Factory func() Importer

// Registry maps format tags to importer factories. Autodetection tries
// formats in registration order.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	order     []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a registry with the built-in text formats.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(FormatXYZ, func() Importer { return NewXYZ() })
	r.Register(FormatJSON, func() Importer { return NewJSON() })
	return r
}

// Register adds or replaces a format.
func (r *Registry) Register(format string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[format]; !exists {
		r.order = append(r.order, format)
	}
	r.factories[format] = f
}

// Formats returns the registered format tags in detection order.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// New creates an importer for an explicit format tag.
func (r *Registry) New(format string) (Importer, error) {
	r.mu.RLock()
	f, ok := r.factories[format]
	r.mu.RUnlock()
	if !ok {
		return nil, &flowerr.FormatError{Location: format, Detail: "unknown format tag"}
	}
	return f(), nil
}

// Autodetect picks the first importer recognizing url.
//
// Description:
//
//	Directory formats are asked first through LocationDetector. Then the
//	first bytes of the (decompressed) file are probed and offered to each
//	format in registration order.
//
// Outputs:
//
//	Importer - A fresh importer for the detected format.
//	error - FormatError if nothing matches; fetch errors otherwise.
func (r *Registry) Autodetect(ctx context.Context, f location.Fetcher, url string) (Importer, error) {
	r.mu.RLock()
	formats := append([]string(nil), r.order...)
	factories := make([]Factory, len(formats))
	for i, name := range formats {
		factories[i] = r.factories[name]
	}
	r.mu.RUnlock()

	candidates := make([]Importer, len(factories))
	for i, fac := range factories {
		candidates[i] = fac()
		if ld, ok := candidates[i].(LocationDetector); ok && ld.DetectLocation(ctx, f, url) {
			return candidates[i], nil
		}
	}

	probe, err := NewProbe(ctx, f, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, flowerr.Canceled("detect format", ctx)
		}
		return nil, err
	}
	for _, imp := range candidates {
		if imp.Detect(probe) {
			return imp, nil
		}
	}
	return nil, &flowerr.FormatError{
		Location: url,
		Detail:   fmt.Sprintf("no importer recognizes the content (detected %s)", probe.MIME.String()),
	}
}

// Matches reports whether imp can read url, so a bound importer can be
// reused for a new location.
func Matches(ctx context.Context, f location.Fetcher, imp Importer, url string) bool {
	if ld, ok := imp.(LocationDetector); ok && ld.DetectLocation(ctx, f, url) {
		return true
	}
	probe, err := NewProbe(ctx, f, url)
	if err != nil {
		return false
	}
	return imp.Detect(probe)
}
