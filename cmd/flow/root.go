// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/session"
	"github.com/AleutianAI/AleutianFlow/services/flow/stages"
)

// app holds the state shared by all commands of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath  string
	logLevel    string
	personality string
	stagesPath  string

	cfg     *config.Config
	logger  *logging.Logger
	out     *ux.Printer
	closers []func() error
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flow",
		Short: "Load, evaluate and export simulation data pipelines",
		Long: `flow reads particle trajectories and other simulation data files,
runs them through a pipeline of processing stages and writes the results.

Configuration is read from --config (YAML or TOML) and FLOW_* environment
variables, e.g. FLOW_SOURCE_MAX_FRAMES=64.`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "configuration file (.yaml, .yml, .toml, .json)")
	f.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	f.StringVar(&a.personality, "personality", "", "output style: full, minimal or machine (default: detected)")
	f.StringVar(&a.stagesPath, "stages", "", "YAML file with a list of stages to append to every pipeline")

	root.AddCommand(
		a.inspectCmd(),
		a.evalCmd(),
		a.exportCmd(),
		a.serveCmd(),
		versionCmd(a),
	)
	return root
}

// setup loads configuration and creates the logger and printer.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.stagesPath != "" {
		extra, err := readStages(a.stagesPath)
		if err != nil {
			return err
		}
		cfg.Stages = append(cfg.Stages, extra...)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	// One-shot commands keep stderr for problems; serve logs at the
	// configured level.
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	} else if cmd.Name() != "serve" {
		cfg.Logging.Level = "warn"
	}
	lc, err := cfg.LoggerConfig("flow")
	if err != nil {
		return err
	}
	lc.Console = a.stderr
	logger, err := logging.New(lc)
	if err != nil {
		return err
	}
	a.logger = logger
	a.closers = append(a.closers, logger.Close)
	return nil
}

func (a *app) printer() *ux.Printer {
	if a.out != nil {
		return a.out
	}
	level := ux.PersonalityMachine
	switch {
	case a.personality != "":
		level = ux.ParsePersonalityLevel(a.personality)
	default:
		if f, ok := a.stdout.(*os.File); ok {
			level = ux.DetectPersonality(f)
		}
	}
	a.out = ux.NewPrinter(a.stdout, a.stderr, level)
	return a.out
}

// session creates a session backed by the configured storage.
func (a *app) session(ctx context.Context) (*session.Session, error) {
	router, closeStorage, err := a.cfg.Storage.Router(ctx)
	if err != nil {
		return nil, err
	}
	s := session.New(session.Config{
		Fetcher:         router,
		Logger:          a.logger.Slog(),
		SourceOptions:   a.cfg.SourceOptions(),
		PipelineOptions: a.cfg.PipelineOptions(),
		WatcherOptions:  a.cfg.WatcherOptions(),
	})
	// Closers run in reverse order: session first, then storage.
	a.closers = append(a.closers, closeStorage, s.Close)
	return s, nil
}

// close releases everything in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintf(a.stderr, "flow: cleanup: %v\n", err)
		}
	}
	a.closers = nil
}

func readStages(path string) ([]stages.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stages: %w", err)
	}
	var specs []stages.Spec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing stages %s: %w", path, err)
	}
	return specs, nil
}

// importFlags are shared by every command that reads input files.
type importFlags struct {
	format string
	params []string
}

func (f *importFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.format, "format", "", "input format, autodetected when empty")
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "importer parameter name=value, repeatable")
}

// load imports args into a new pipeline with the configured stages.
func (a *app) load(ctx context.Context, s *session.Session, args []string, f importFlags) (*session.Entry, error) {
	params, err := parseParams(f.params)
	if err != nil {
		return nil, err
	}
	var opts []session.ImportOption
	if f.format != "" {
		opts = append(opts, session.WithFormat(f.format))
	}
	if len(a.cfg.Stages) > 0 {
		opts = append(opts, session.WithStages(a.cfg.Stages))
	}
	return s.ImportFile(ctx, args, params, opts...)
}

// parseParams turns name=value pairs into a parameter map. Values stay
// strings; parameter sets convert them to the declared kind.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q: want name=value", p)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("parameter %q given twice", name)
		}
		out[name] = value
	}
	return out, nil
}

var errNoInput = errors.New("no input locations given")
