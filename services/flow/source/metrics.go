// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package source

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.flow.source")
	meter  = otel.Meter("aleutian.flow.source")
)

var (
	frameHits      metric.Int64Counter
	frameMisses    metric.Int64Counter
	frameEvictions metric.Int64Counter
	frameLoads     metric.Int64Counter
	loadDuration   metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		frameHits, err = meter.Int64Counter(
			"flow_frame_cache_hits_total",
			metric.WithDescription("Total number of frame cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		frameMisses, err = meter.Int64Counter(
			"flow_frame_cache_misses_total",
			metric.WithDescription("Total number of frame cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		frameEvictions, err = meter.Int64Counter(
			"flow_frame_cache_evictions_total",
			metric.WithDescription("Total number of evicted frames"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		frameLoads, err = meter.Int64Counter(
			"flow_frame_loads_total",
			metric.WithDescription("Total number of frame loads by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		loadDuration, err = meter.Float64Histogram(
			"flow_frame_load_duration_seconds",
			metric.WithDescription("Duration of frame loads"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	frameHits.Add(ctx, 1)
}

func recordMiss(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	frameMisses.Add(ctx, 1)
}

func recordEviction(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	frameEvictions.Add(ctx, 1)
}

// recordLoad records one finished load with its outcome.
func recordLoad(ctx context.Context, d time.Duration, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	frameLoads.Add(ctx, 1, attrs)
	loadDuration.Record(ctx, d.Seconds(), attrs)
}

// startSpan creates a span for a source operation.
func startSpan(ctx context.Context, operation string, frame int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "FileSource."+operation,
		trace.WithAttributes(
			attribute.String("source.operation", operation),
			attribute.Int("source.frame", frame),
		),
	)
}
