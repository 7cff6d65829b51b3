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
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSFetcher reads gs://bucket/key URLs.
type GCSFetcher struct {
	client *storage.Client
}

// NewGCSFetcher creates a Cloud Storage client. An empty keyPath uses the
// application default credentials.
func NewGCSFetcher(ctx context.Context, keyPath string) (*GCSFetcher, error) {
	var opts []option.ClientOption
	if keyPath != "" {
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", keyPath)
		}
		opts = append(opts, option.WithCredentialsFile(keyPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSFetcher{client: client}, nil
}

// Close releases the client.
func (g *GCSFetcher) Close() error { return g.client.Close() }

func (g *GCSFetcher) object(url string) (*storage.ObjectHandle, error) {
	bucket, key, err := bucketKey(url)
	if err != nil {
		return nil, err
	}
	return g.client.Bucket(bucket).Object(key), nil
}

// Open implements Fetcher.
func (g *GCSFetcher) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	obj, err := g.object(url)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", url, err)
	}
	return r, nil
}

// Stat implements Fetcher.
func (g *GCSFetcher) Stat(ctx context.Context, url string) (Object, error) {
	obj, err := g.object(url)
	if err != nil {
		return Object{}, err
	}
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if err != nil {
		return Object{}, fmt.Errorf("stat %s: %w", url, err)
	}
	return Object{URL: url, Name: path.Base(attrs.Name), Size: attrs.Size, ModTime: attrs.Updated}, nil
}

// List implements Fetcher.
func (g *GCSFetcher) List(ctx context.Context, dirURL string) ([]Object, error) {
	bucket, prefix, err := bucketKey(strings.TrimSuffix(dirURL, "/") + "/")
	if err != nil {
		return nil, err
	}
	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var out []Object
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", dirURL, err)
		}
		if attrs.Prefix != "" {
			continue
		}
		name := path.Base(attrs.Name)
		out = append(out, Object{URL: Join(dirURL, name), Name: name, Size: attrs.Size, ModTime: attrs.Updated})
	}
	return out, nil
}

// Upload implements Uploader.
func (g *GCSFetcher) Upload(ctx context.Context, url string, r io.Reader) error {
	obj, err := g.object(url)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy to GCS object %s: %w", url, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", url, err)
	}
	return nil
}
