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
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/server"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve pipelines over HTTP",
		Long: `serve starts the flow HTTP API. Pipelines created by clients live until
they are deleted or the server stops. Stop with Ctrl-C or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}

			shutdown, err := telemetry.Init(ctx, telemetry.Config{
				ServiceName:    cfg.Telemetry.ServiceName,
				ServiceVersion: version,
				TraceExporter:  cfg.Telemetry.TraceExporter,
				OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
				OTLPInsecure:   true,
				SampleRate:     cfg.Telemetry.SampleRate,
				MetricExporter: cfg.Telemetry.MetricsExporter,
			})
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(sctx); err != nil {
					a.logger.Slog().Warn("telemetry shutdown failed", slog.String("error", err.Error()))
				}
			}()

			s, err := a.session(ctx)
			if err != nil {
				return err
			}
			gin.SetMode(gin.ReleaseMode)
			srv, err := server.New(s, server.Options{
				Config:            cfg.Server,
				Logger:            a.logger.Slog(),
				Stages:            cfg.Stages,
				ExportConcurrency: cfg.Export.Concurrency,
				ServiceName:       cfg.Telemetry.ServiceName,
				Version:           version,
			})
			if err != nil {
				return err
			}
			a.printer().Success("serving on " + cfg.Server.Addr)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
