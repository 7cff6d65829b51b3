// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.flow.pipeline")
	meter  = otel.Meter("aleutian.flow.pipeline")
)

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues evaluation.
func (p *Pipeline) initMetrics() {
	p.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		p.stageLatency, err = meter.Float64Histogram("flow_stage_duration_seconds",
			metric.WithDescription("Time spent applying each stage"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_latency: "+err.Error())
		}

		p.stageCacheHits, err = meter.Int64Counter("flow_stage_cache_hits_total",
			metric.WithDescription("Number of stage results served from the cache"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_cache_hits: "+err.Error())
		}

		p.evaluations, err = meter.Int64Counter("flow_pipeline_evaluations_total",
			metric.WithDescription("Number of pipeline evaluations by final status"),
		)
		if err != nil {
			initErrors = append(initErrors, "evaluations: "+err.Error())
		}

		p.pendingPolls, err = meter.Int64Counter("flow_pipeline_pending_polls_total",
			metric.WithDescription("Number of re-polls of Pending results"),
		)
		if err != nil {
			initErrors = append(initErrors, "pending_polls: "+err.Error())
		}

		p.evalLatency, err = meter.Float64Histogram("flow_pipeline_duration_seconds",
			metric.WithDescription("Total blocking evaluation time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "eval_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			p.logger.Error("failed to initialize some pipeline metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}
