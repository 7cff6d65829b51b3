// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes a session over HTTP.
//
// Routes (all JSON):
//
//	GET    /healthz
//	GET    /metrics                             (prometheus exporter only)
//	GET    /v1/formats
//	GET    /v1/pipelines
//	POST   /v1/pipelines                        import files into a new pipeline
//	GET    /v1/pipelines/:id
//	DELETE /v1/pipelines/:id
//	GET    /v1/pipelines/:id/frames/:frame      evaluate one frame
//	POST   /v1/pipelines/:id/export
//	GET    /v1/pipelines/:id/watch              websocket, frame list changes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
	"github.com/AleutianAI/AleutianFlow/services/flow/session"
	"github.com/AleutianAI/AleutianFlow/services/flow/stages"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// Options configures New.
type Options struct {
	Config config.ServerConfig
	Logger *slog.Logger
	// Stages are appended to every imported pipeline before the stages
	// of the request.
	Stages []stages.Spec
	// ExportConcurrency is used when a request does not set one.
	ExportConcurrency int
	// ServiceName names the server spans.
	ServiceName string
	Version     string
}

// Server serves one session.
//
// Thread Safety: safe for concurrent use.
type Server struct {
	sess    *session.Session
	opts    Options
	logger  *slog.Logger
	roots   []string
	limiter *rate.Limiter
	engine  *gin.Engine
}

// New builds the router. Roots in opts.Config are normalized here; an
// invalid root is an error.
func New(sess *session.Session, opts Options) (*Server, error) {
	if sess == nil {
		return nil, errors.New("server: nil session")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "aleutian-flow"
	}
	s := &Server{sess: sess, opts: opts, logger: opts.Logger.With(slog.String("component", "server"))}
	for _, r := range opts.Config.Roots {
		u, err := location.Normalize(r)
		if err != nil {
			return nil, fmt.Errorf("server root %q: %w", r, err)
		}
		s.roots = append(s.roots, strings.TrimSuffix(u, "/")+"/")
	}
	if opts.Config.RateLimit > 0 {
		burst := opts.Config.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.Config.RateLimit), burst)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware(opts.ServiceName), s.requestLogger())
	s.engine = engine
	s.registerRoutes(engine)
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on the configured address until ctx ends, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.opts.Config.ReadTimeout.Std(),
		WriteTimeout:      s.opts.Config.WriteTimeout.Std(),
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealth)
	if h := telemetry.MetricsHandler(); h != nil {
		r.GET("/metrics", gin.WrapH(h))
	}

	v1 := r.Group("/v1", s.rateLimit())
	{
		v1.GET("/formats", s.handleFormats)

		pipelines := v1.Group("/pipelines")
		{
			pipelines.GET("", s.handleListPipelines)
			pipelines.POST("", s.handleImport)
			pipelines.GET("/:id", s.handleGetPipeline)
			pipelines.DELETE("/:id", s.handleDeletePipeline)
			pipelines.GET("/:id/frames/:frame", s.handleFrame)
			pipelines.POST("/:id/export", s.handleExport)
			pipelines.GET("/:id/watch", s.handleWatch)
		}
	}
}

// rateLimit rejects requests above the configured rate with 429.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger := telemetry.LoggerWithTrace(c.Request.Context(), s.logger)
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// allowed reports whether url lies under one of the roots. Without roots
// everything is allowed.
func (s *Server) allowed(raw string) bool {
	if len(s.roots) == 0 {
		return true
	}
	u, err := location.Normalize(raw)
	if err != nil {
		return false
	}
	if strings.Contains(u, "/../") || strings.HasSuffix(u, "/..") {
		return false
	}
	for _, r := range s.roots {
		if strings.HasPrefix(u, r) {
			return true
		}
	}
	return false
}
