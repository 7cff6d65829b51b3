// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the configuration of the flow CLI and server.
//
// Load order: Default(), then the file (YAML or TOML by extension), then
// FLOW_* environment variables, then validation. For example
// FLOW_SOURCE_MAX_FRAMES=64 overrides source.max_frames.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/source"
	"github.com/AleutianAI/AleutianFlow/services/flow/stages"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOW"

// Duration is a time.Duration written as "30s" or "250ms" in files and
// environment variables.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete configuration.
type Config struct {
	Source    SourceConfig    `yaml:"source" toml:"source" json:"source" envconfig:"SOURCE"`
	Pipeline  PipelineConfig  `yaml:"pipeline" toml:"pipeline" json:"pipeline" envconfig:"PIPELINE"`
	Export    ExportConfig    `yaml:"export" toml:"export" json:"export" envconfig:"EXPORT"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage" json:"storage" envconfig:"STORAGE"`
	Server    ServerConfig    `yaml:"server" toml:"server" json:"server" envconfig:"SERVER"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" json:"telemetry" envconfig:"TELEMETRY"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" json:"logging" envconfig:"LOGGING"`

	// Stages is applied to every imported pipeline.
	Stages []stages.Spec `yaml:"stages" toml:"stages" json:"stages" ignored:"true" validate:"dive"`
}

// SourceConfig configures file sources.
type SourceConfig struct {
	MaxFrames   int      `yaml:"max_frames" toml:"max_frames" json:"max_frames" envconfig:"MAX_FRAMES" validate:"gte=1"`
	MaxMemoryMB int      `yaml:"max_memory_mb" toml:"max_memory_mb" json:"max_memory_mb" envconfig:"MAX_MEMORY_MB" validate:"gte=0"`
	ErrorTTL    Duration `yaml:"error_ttl" toml:"error_ttl" json:"error_ttl" envconfig:"ERROR_TTL"`
	// TicksPerFrame is the animation time resolution.
	TicksPerFrame int64    `yaml:"ticks_per_frame" toml:"ticks_per_frame" json:"ticks_per_frame" envconfig:"TICKS_PER_FRAME" validate:"gte=1"`
	Watch         bool     `yaml:"watch" toml:"watch" json:"watch" envconfig:"WATCH"`
	WatchDebounce Duration `yaml:"watch_debounce" toml:"watch_debounce" json:"watch_debounce" envconfig:"WATCH_DEBOUNCE"`
}

// PipelineConfig bounds the re-polling of pending evaluations.
type PipelineConfig struct {
	MaxPendingPolls int      `yaml:"max_pending_polls" toml:"max_pending_polls" json:"max_pending_polls" envconfig:"MAX_PENDING_POLLS" validate:"gte=1"`
	PendingTimeout  Duration `yaml:"pending_timeout" toml:"pending_timeout" json:"pending_timeout" envconfig:"PENDING_TIMEOUT"`
	PollInterval    Duration `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval" envconfig:"POLL_INTERVAL"`
}

// ExportConfig configures batch exports.
type ExportConfig struct {
	Concurrency int `yaml:"concurrency" toml:"concurrency" json:"concurrency" envconfig:"CONCURRENCY" validate:"gte=1,lte=256"`
}

// StorageConfig enables remote locations.
type StorageConfig struct {
	S3Enabled  bool              `yaml:"s3_enabled" toml:"s3_enabled" json:"s3_enabled" envconfig:"S3_ENABLED"`
	S3         location.S3Config `yaml:"s3" toml:"s3" json:"s3" envconfig:"S3"`
	GCSEnabled bool              `yaml:"gcs_enabled" toml:"gcs_enabled" json:"gcs_enabled" envconfig:"GCS_ENABLED"`
	GCSKeyFile string            `yaml:"gcs_key_file" toml:"gcs_key_file" json:"gcs_key_file" envconfig:"GCS_KEY_FILE"`
}

// ServerConfig configures flowd.
type ServerConfig struct {
	Addr         string   `yaml:"addr" toml:"addr" json:"addr" envconfig:"ADDR" validate:"required,hostname_port"`
	RateLimit    float64  `yaml:"rate_limit" toml:"rate_limit" json:"rate_limit" envconfig:"RATE_LIMIT" validate:"gte=0"`
	RateBurst    int      `yaml:"rate_burst" toml:"rate_burst" json:"rate_burst" envconfig:"RATE_BURST" validate:"gte=1"`
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout" json:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	// Roots restricts the locations clients may import or export to.
	// Empty allows everything.
	Roots []string `yaml:"roots" toml:"roots" json:"roots" envconfig:"ROOTS"`
}

// TelemetryConfig selects trace and metric exporters.
type TelemetryConfig struct {
	ServiceName     string  `yaml:"service_name" toml:"service_name" json:"service_name" envconfig:"SERVICE_NAME" validate:"required"`
	TraceExporter   string  `yaml:"trace_exporter" toml:"trace_exporter" json:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=otlp stdout none"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint" toml:"otlp_endpoint" json:"otlp_endpoint" envconfig:"OTLP_ENDPOINT"`
	SampleRate      float64 `yaml:"sample_rate" toml:"sample_rate" json:"sample_rate" envconfig:"SAMPLE_RATE" validate:"gte=0,lte=1"`
	MetricsExporter string  `yaml:"metrics_exporter" toml:"metrics_exporter" json:"metrics_exporter" envconfig:"METRICS_EXPORTER" validate:"oneof=prometheus stdout none"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level" json:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir" toml:"dir" json:"dir" envconfig:"DIR"`
	JSON  bool   `yaml:"json" toml:"json" json:"json" envconfig:"JSON"`
	Quiet bool   `yaml:"quiet" toml:"quiet" json:"quiet" envconfig:"QUIET"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			MaxFrames:     source.DefaultMaxFrames,
			ErrorTTL:      Duration(source.DefaultErrorTTL),
			TicksPerFrame: flowstate.DefaultTicksPerFrame,
			WatchDebounce: Duration(source.DefaultWatcherOptions().DebounceWindow),
		},
		Pipeline: PipelineConfig{
			MaxPendingPolls: pipeline.DefaultMaxPendingPolls,
			PendingTimeout:  Duration(pipeline.DefaultPendingTimeout),
			PollInterval:    Duration(pipeline.DefaultPollInterval),
		},
		Export: ExportConfig{Concurrency: 4},
		Server: ServerConfig{
			Addr:         "127.0.0.1:8470",
			RateLimit:    20,
			RateBurst:    40,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(5 * time.Minute),
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "aleutian-flow",
			TraceExporter:   "none",
			SampleRate:      1,
			MetricsExporter: "prometheus",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

var validate = validator.New()

// Load reads path (may be empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yaml", ".yml", ".json":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config file type %q, use .yaml, .toml or .json", filepath.Ext(path))
	}
}

// Validate checks value ranges, durations and the stage list.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	var errs []error
	for name, d := range map[string]Duration{
		"source.error_ttl":         c.Source.ErrorTTL,
		"source.watch_debounce":    c.Source.WatchDebounce,
		"pipeline.pending_timeout": c.Pipeline.PendingTimeout,
		"pipeline.poll_interval":   c.Pipeline.PollInterval,
		"server.read_timeout":      c.Server.ReadTimeout,
		"server.write_timeout":     c.Server.WriteTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Pipeline.PollInterval == 0 {
		errs = append(errs, errors.New("pipeline.poll_interval must be positive"))
	}
	if c.Telemetry.TraceExporter == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required for the otlp trace exporter"))
	}
	for i, s := range c.Stages {
		if _, err := stages.Build(s, nil); err != nil {
			errs = append(errs, fmt.Errorf("stages[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// SourceOptions converts the source section.
func (c *Config) SourceOptions() []source.Option {
	anim := flowstate.DefaultAnimation()
	anim.TicksPerFrame = c.Source.TicksPerFrame
	return []source.Option{
		source.WithMaxFrames(c.Source.MaxFrames),
		source.WithMaxMemoryMB(c.Source.MaxMemoryMB),
		source.WithErrorTTL(c.Source.ErrorTTL.Std()),
		source.WithAnimation(anim),
	}
}

// WatcherOptions converts the watch settings of the source section.
func (c *Config) WatcherOptions() *source.WatcherOptions {
	o := source.DefaultWatcherOptions()
	if c.Source.WatchDebounce > 0 {
		o.DebounceWindow = c.Source.WatchDebounce.Std()
	}
	return &o
}

// PipelineOptions converts the pipeline section.
func (c *Config) PipelineOptions() []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithMaxPendingPolls(c.Pipeline.MaxPendingPolls),
		pipeline.WithPendingTimeout(c.Pipeline.PendingTimeout.Std()),
		pipeline.WithPollInterval(c.Pipeline.PollInterval.Std()),
	}
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		JSON:    c.Logging.JSON,
		Quiet:   c.Logging.Quiet,
	}, nil
}

// Router builds the location router with the enabled remote backends.
// The returned function releases their clients.
func (s StorageConfig) Router(ctx context.Context) (*location.Router, func() error, error) {
	r := location.NewRouter()
	closers := []func() error{}
	if s.S3Enabled {
		f, err := location.NewS3Fetcher(ctx, s.S3)
		if err != nil {
			return nil, nil, err
		}
		r.Register("s3", f)
	}
	if s.GCSEnabled {
		f, err := location.NewGCSFetcher(ctx, s.GCSKeyFile)
		if err != nil {
			return nil, nil, err
		}
		r.Register("gs", f)
		closers = append(closers, f.Close)
	}
	return r, func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}, nil
}
