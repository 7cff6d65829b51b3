// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package location

import (
	"context"
	"fmt"
	"io"

	"github.com/viant/afs"
)

// AFSFetcher serves local and in-memory files through viant/afs.
type AFSFetcher struct {
	fs afs.Service
}

// NewAFSFetcher returns a fetcher backed by a fresh afs service.
func NewAFSFetcher() *AFSFetcher {
	return &AFSFetcher{fs: afs.New()}
}

// Open implements Fetcher.
func (a *AFSFetcher) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	ok, err := a.fs.Exists(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", url, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	rc, err := a.fs.OpenURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", url, err)
	}
	return rc, nil
}

// Stat implements Fetcher.
func (a *AFSFetcher) Stat(ctx context.Context, url string) (Object, error) {
	ok, err := a.fs.Exists(ctx, url)
	if err != nil {
		return Object{}, fmt.Errorf("checking %s: %w", url, err)
	}
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	obj, err := a.fs.Object(ctx, url)
	if err != nil {
		return Object{}, fmt.Errorf("stat %s: %w", url, err)
	}
	return Object{URL: url, Name: obj.Name(), Size: obj.Size(), ModTime: obj.ModTime()}, nil
}

// List implements Fetcher. Subdirectories are skipped.
func (a *AFSFetcher) List(ctx context.Context, dirURL string) ([]Object, error) {
	objs, err := a.fs.List(ctx, dirURL)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dirURL, err)
	}
	out := make([]Object, 0, len(objs))
	for _, o := range objs {
		if o.IsDir() {
			continue
		}
		out = append(out, Object{
			URL:     Join(dirURL, o.Name()),
			Name:    o.Name(),
			Size:    o.Size(),
			ModTime: o.ModTime(),
		})
	}
	return out, nil
}

// Upload implements Uploader.
func (a *AFSFetcher) Upload(ctx context.Context, url string, r io.Reader) error {
	if err := a.fs.Upload(ctx, url, 0o644, r); err != nil {
		return fmt.Errorf("uploading %s: %w", url, err)
	}
	return nil
}
