// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package location resolves input references (local paths, file://,
// mem://, gs:// and s3:// URLs, wildcard sequences) and reads them through
// a scheme-dispatching Fetcher.
package location

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrUnsupportedScheme is returned for URLs no fetcher is registered for.
var ErrUnsupportedScheme = errors.New("unsupported location scheme")

// ErrNotFound is returned when a location does not exist.
var ErrNotFound = errors.New("location not found")

// Object describes one stored file.
type Object struct {
	URL     string
	Name    string
	Size    int64
	ModTime time.Time
}

// Fetcher reads files from a storage backend.
type Fetcher interface {
	// Open returns the raw (still compressed) content of url.
	Open(ctx context.Context, url string) (io.ReadCloser, error)

	// Stat describes url.
	Stat(ctx context.Context, url string) (Object, error)

	// List returns the files directly inside the directory dirURL.
	List(ctx context.Context, dirURL string) ([]Object, error)
}

// Uploader is implemented by fetchers that can also write.
type Uploader interface {
	Upload(ctx context.Context, url string, r io.Reader) error
}

// Normalize turns a plain path into a file:// URL. URLs pass unchanged.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty location")
	}
	if strings.Contains(raw, "://") {
		return raw, nil
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", raw, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// Scheme returns the scheme of url, "file" for plain paths.
func Scheme(url string) string {
	if i := strings.Index(url, "://"); i > 0 {
		return strings.ToLower(url[:i])
	}
	return "file"
}

// Split returns the directory URL and the file name of url.
func Split(url string) (dir, name string) {
	start := 0
	if i := strings.Index(url, "://"); i >= 0 {
		start = i + 3
	}
	i := strings.LastIndex(url[start:], "/")
	if i < 0 {
		return url[:start], url[start:]
	}
	return url[:start+i], url[start+i+1:]
}

// Join appends name to the directory URL dir.
func Join(dir, name string) string {
	return strings.TrimSuffix(dir, "/") + "/" + name
}

// bucketKey splits "scheme://bucket/key" into bucket and key.
func bucketKey(url string) (string, string, error) {
	i := strings.Index(url, "://")
	if i < 0 {
		return "", "", fmt.Errorf("%q is not a bucket URL", url)
	}
	rest := url[i+3:]
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%q has no bucket", url)
	}
	return bucket, key, nil
}

// Router dispatches to a Fetcher by URL scheme.
//
// Thread Safety: safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRouter returns a router serving file:// and mem:// through afs.
// Cloud backends are added with Register.
func NewRouter() *Router {
	a := NewAFSFetcher()
	r := &Router{fetchers: make(map[string]Fetcher)}
	r.Register("file", a)
	r.Register("mem", a)
	return r
}

// Register installs f for scheme, replacing any previous fetcher.
func (r *Router) Register(scheme string, f Fetcher) {
	r.mu.Lock()
	r.fetchers[strings.ToLower(scheme)] = f
	r.mu.Unlock()
}

// Schemes returns the registered schemes.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fetchers))
	for s := range r.fetchers {
		out = append(out, s)
	}
	return out
}

func (r *Router) route(url string) (Fetcher, error) {
	scheme := Scheme(url)
	r.mu.RLock()
	f, ok := r.fetchers[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return f, nil
}

// Open implements Fetcher.
func (r *Router) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	f, err := r.route(url)
	if err != nil {
		return nil, err
	}
	return f.Open(ctx, url)
}

// Stat implements Fetcher.
func (r *Router) Stat(ctx context.Context, url string) (Object, error) {
	f, err := r.route(url)
	if err != nil {
		return Object{}, err
	}
	return f.Stat(ctx, url)
}

// List implements Fetcher.
func (r *Router) List(ctx context.Context, dirURL string) ([]Object, error) {
	f, err := r.route(dirURL)
	if err != nil {
		return nil, err
	}
	return f.List(ctx, dirURL)
}

// Upload implements Uploader when the routed backend does.
func (r *Router) Upload(ctx context.Context, url string, rd io.Reader) error {
	f, err := r.route(url)
	if err != nil {
		return err
	}
	u, ok := f.(Uploader)
	if !ok {
		return fmt.Errorf("%w: %s is read-only", ErrUnsupportedScheme, Scheme(url))
	}
	return u.Upload(ctx, url, rd)
}

// ReadAll opens url, transparently decompresses it and returns the content.
func ReadAll(ctx context.Context, f Fetcher, url string) ([]byte, error) {
	rc, err := f.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	dr, err := Decompress(url, rc)
	if err != nil {
		return nil, err
	}
	defer dr.Close()
	return io.ReadAll(dr)
}
