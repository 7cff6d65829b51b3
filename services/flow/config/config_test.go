// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/source"
	"github.com/AleutianAI/AleutianFlow/services/flow/stages"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, source.DefaultMaxFrames, cfg.Source.MaxFrames)
	assert.Equal(t, pipeline.DefaultPendingTimeout, cfg.Pipeline.PendingTimeout.Std())
	assert.Equal(t, "prometheus", cfg.Telemetry.MetricsExporter)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "flow.yaml", `
source:
  max_frames: 8
  error_ttl: 500ms
  watch: true
pipeline:
  pending_timeout: 2m
logging:
  level: debug
stages:
  - type: compute
    output: Doubled
    input: Value
    op: scale
    scalar: 2
  - type: clear_selection
    enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Source.MaxFrames)
	assert.Equal(t, 500*time.Millisecond, cfg.Source.ErrorTTL.Std())
	assert.True(t, cfg.Source.Watch)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.PendingTimeout.Std())
	// Untouched keys keep their defaults.
	assert.Equal(t, pipeline.DefaultMaxPendingPolls, cfg.Pipeline.MaxPendingPolls)

	require.Len(t, cfg.Stages, 2)
	assert.Equal(t, stages.TypeCompute, cfg.Stages[0].Type)
	assert.Equal(t, 2.0, cfg.Stages[0].Scalar)
	require.NotNil(t, cfg.Stages[1].Enabled)
	assert.False(t, *cfg.Stages[1].Enabled)

	lc, err := cfg.LoggerConfig("flowd")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, "flowd", lc.Service)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "flow.toml", `
[server]
addr = "0.0.0.0:9000"
rate_limit = 5.5
roots = ["file:///data"]

[storage]
s3_enabled = true

[storage.s3]
region = "eu-west-1"
path_style = true

[[stages]]
type = "freeze"
input = "Position"
frame = 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, 5.5, cfg.Server.RateLimit)
	assert.Equal(t, []string{"file:///data"}, cfg.Server.Roots)
	assert.True(t, cfg.Storage.S3Enabled)
	assert.Equal(t, "eu-west-1", cfg.Storage.S3.Region)
	assert.True(t, cfg.Storage.S3.PathStyle)
	require.Len(t, cfg.Stages, 1)
	assert.Equal(t, 3, cfg.Stages[0].Frame)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "flow.yml", "source:\n  max_frames: 8\n")
	t.Setenv("FLOW_SOURCE_MAX_FRAMES", "64")
	t.Setenv("FLOW_PIPELINE_POLL_INTERVAL", "1s")
	t.Setenv("FLOW_LOGGING_QUIET", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Source.MaxFrames)
	assert.Equal(t, time.Second, cfg.Pipeline.PollInterval.Std())
	assert.True(t, cfg.Logging.Quiet)
	// Unset variables leave file and default values alone.
	assert.Equal(t, Default().Export.Concurrency, cfg.Export.Concurrency)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown extension", "flow.ini", "x=1"},
		{"bad yaml", "flow.yaml", "source: [unclosed"},
		{"bad duration", "flow.yaml", "source:\n  error_ttl: soon\n"},
		{"range", "flow.yaml", "source:\n  max_frames: 0\n"},
		{"trace exporter", "flow.yaml", "telemetry:\n  trace_exporter: jaeger\n"},
		{"otlp without endpoint", "flow.yaml", "telemetry:\n  trace_exporter: otlp\n"},
		{"negative duration", "flow.yaml", "pipeline:\n  pending_timeout: -1s\n"},
		{"bad stage", "flow.yaml", "stages:\n  - type: compute\n    op: sqrt\n"},
		{"log level", "flow.toml", "[logging]\nlevel = \"loud\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1m30s ")))
	assert.Equal(t, 90*time.Second, d.Std())
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(b))
	assert.Error(t, d.UnmarshalText([]byte("90")))
}

func TestOptionsConversion(t *testing.T) {
	cfg := Default()
	cfg.Source.MaxFrames = 3
	cfg.Source.TicksPerFrame = 10
	cfg.Pipeline.MaxPendingPolls = 7

	so := source.DefaultOptions()
	for _, o := range cfg.SourceOptions() {
		o(&so)
	}
	assert.Equal(t, 3, so.MaxFrames)
	assert.Equal(t, int64(10), so.Animation.TicksPerFrame)

	po := pipeline.DefaultOptions()
	for _, o := range cfg.PipelineOptions() {
		o(&po)
	}
	assert.Equal(t, 7, po.MaxPendingPolls)
	assert.Equal(t, pipeline.DefaultPollInterval, po.PollInterval)
}

func TestStorage_RouterLocalOnly(t *testing.T) {
	r, closeFn, err := StorageConfig{}.Router(context.Background())
	require.NoError(t, err)
	defer closeFn()
	assert.ElementsMatch(t, []string{"file", "mem"}, r.Schemes())
}

func TestWatcherOptions(t *testing.T) {
	cfg := Default()
	cfg.Source.WatchDebounce = Duration(time.Second)
	o := cfg.WatcherOptions()
	assert.Equal(t, time.Second, o.DebounceWindow)
	assert.Equal(t, source.DefaultWatcherOptions().BufferSize, o.BufferSize)
}
