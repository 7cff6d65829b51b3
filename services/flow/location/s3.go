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
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures an S3 or S3-compatible (MinIO) backend.
type S3Config struct {
	Region    string `yaml:"region" toml:"region"`
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	PathStyle bool   `yaml:"path_style" toml:"path_style"`
}

// S3Fetcher reads s3://bucket/key URLs.
type S3Fetcher struct {
	client *s3.Client
}

// NewS3Fetcher builds a client from the default AWS credential chain.
func NewS3Fetcher(ctx context.Context, cfg S3Config) (*S3Fetcher, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Fetcher{client: client}, nil
}

// Open implements Fetcher.
func (s *S3Fetcher) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	bucket, key, err := bucketKey(url)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", url, err)
	}
	return out.Body, nil
}

// Stat implements Fetcher.
func (s *S3Fetcher) Stat(ctx context.Context, url string) (Object, error) {
	bucket, key, err := bucketKey(url)
	if err != nil {
		return Object{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return Object{}, fmt.Errorf("stat %s: %w", url, err)
	}
	return Object{
		URL:     url,
		Name:    path.Base(key),
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: aws.ToTime(out.LastModified),
	}, nil
}

// List implements Fetcher.
func (s *S3Fetcher) List(ctx context.Context, dirURL string) ([]Object, error) {
	bucket, prefix, err := bucketKey(strings.TrimSuffix(dirURL, "/") + "/")
	if err != nil {
		return nil, err
	}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	var out []Object
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", dirURL, err)
		}
		for _, o := range page.Contents {
			name := path.Base(aws.ToString(o.Key))
			out = append(out, Object{
				URL:     Join(dirURL, name),
				Name:    name,
				Size:    aws.ToInt64(o.Size),
				ModTime: aws.ToTime(o.LastModified),
			})
		}
	}
	return out, nil
}

// Upload implements Uploader.
func (s *S3Fetcher) Upload(ctx context.Context, url string, r io.Reader) error {
	bucket, key, err := bucketKey(url)
	if err != nil {
		return err
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{Bucket: &bucket, Key: &key, Body: r}); err != nil {
		return fmt.Errorf("uploading %s: %w", url, err)
	}
	return nil
}
