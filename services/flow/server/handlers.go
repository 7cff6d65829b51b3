// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFlow/services/flow/codec"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/session"
	"github.com/AleutianAI/AleutianFlow/services/flow/stages"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// ImportRequest is the body of POST /v1/pipelines.
type ImportRequest struct {
	Locations []string       `json:"locations" binding:"required,min=1,dive,required"`
	Format    string         `json:"format,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Stages    []stages.Spec  `json:"stages,omitempty"`
}

// PipelineResponse describes a pipeline.
type PipelineResponse struct {
	ID        string    `json:"id"`
	Format    string    `json:"format"`
	Frames    int       `json:"frames"`
	Locations []string  `json:"locations"`
	Files     []string  `json:"files"`
	Stages    []string  `json:"stages"`
	Created   time.Time `json:"created"`
}

// FrameResponse is the result of evaluating one frame.
type FrameResponse struct {
	Frame  int             `json:"frame"`
	Status string          `json:"status"`
	Text   string          `json:"text,omitempty"`
	Data   *codec.FrameDoc `json:"data,omitempty"`
}

// ExportRequest is the body of POST /v1/pipelines/:id/export.
type ExportRequest struct {
	Format      string         `json:"format" binding:"required"`
	Destination string         `json:"destination" binding:"required"`
	Frames      []int          `json:"frames,omitempty" binding:"omitempty,dive,gte=0"`
	Params      map[string]any `json:"params,omitempty"`
	Concurrency int            `json:"concurrency,omitempty" binding:"gte=0,lte=256"`
}

// ExportResponse reports a finished export.
type ExportResponse struct {
	Frames     int   `json:"frames"`
	DurationMs int64 `json:"duration_ms"`
}

// FormatsResponse lists the supported file formats.
type FormatsResponse struct {
	Import []string `json:"import"`
	Export []string `json:"export"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"session":   s.sess.ID().String(),
		"pipelines": len(s.sess.Entries()),
		"version":   s.opts.Version,
	})
}

func (s *Server) handleFormats(c *gin.Context) {
	c.JSON(http.StatusOK, FormatsResponse{
		Import: s.sess.Importers().Formats(),
		Export: s.sess.Exporters().Formats(),
	})
}

func (s *Server) handleListPipelines(c *gin.Context) {
	entries := s.sess.Entries()
	out := make([]PipelineResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, describe(e))
	}
	c.JSON(http.StatusOK, out)
}

// handleImport handles POST /v1/pipelines.
//
// Response:
//
//	201 Created: PipelineResponse
//	400 Bad Request: invalid body, parameter or format
//	403 Forbidden: location outside the server roots
//	422 Unprocessable Entity: the first frame failed to load
func (s *Server) handleImport(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST", Details: err.Error()})
		return
	}
	for _, loc := range req.Locations {
		if !s.allowed(loc) {
			c.JSON(http.StatusForbidden, ErrorResponse{Error: "location not allowed", Code: "FORBIDDEN_LOCATION", Details: loc})
			return
		}
	}

	opts := []session.ImportOption{}
	if req.Format != "" {
		opts = append(opts, session.WithFormat(req.Format))
	}
	specs := append(append([]stages.Spec(nil), s.opts.Stages...), req.Stages...)
	if len(specs) > 0 {
		opts = append(opts, session.WithStages(specs))
	}

	e, err := s.sess.ImportFile(c.Request.Context(), req.Locations, req.Params, opts...)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, describe(e))
}

func (s *Server) handleGetPipeline(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, describe(e))
}

func (s *Server) handleDeletePipeline(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	if err := s.sess.Remove(e.Pipeline.ID()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleFrame handles GET /v1/pipelines/:id/frames/:frame.
//
// A frame that evaluates to an error is reported with 422 and the
// message of the failing stage. ?data=false omits the frame contents.
func (s *Server) handleFrame(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	frame, err := strconv.Atoi(c.Param("frame"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "frame must be an integer", Code: "INVALID_FRAME"})
		return
	}
	if frame < 0 || frame >= e.Pipeline.NumFrames() {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: flowerr.ErrFrameOutOfRange.Error(), Code: "FRAME_OUT_OF_RANGE",
			Details: strconv.Itoa(e.Pipeline.NumFrames()) + " frames"})
		return
	}

	st, err := e.Pipeline.EvaluateFrame(c.Request.Context(), frame)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := FrameResponse{Frame: frame, Status: st.Status.Type.String(), Text: st.Status.Text}
	if st.Status.IsError() {
		c.JSON(http.StatusUnprocessableEntity, resp)
		return
	}
	if c.DefaultQuery("data", "true") != "false" {
		doc := codec.Encode(st.Data, frame)
		resp.Data = &doc
	}
	c.JSON(http.StatusOK, resp)
}

// handleExport handles POST /v1/pipelines/:id/export. The export runs
// within the request.
func (s *Server) handleExport(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	var req ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST", Details: err.Error()})
		return
	}
	if !s.allowed(req.Destination) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "destination not allowed", Code: "FORBIDDEN_LOCATION", Details: req.Destination})
		return
	}
	if req.Concurrency == 0 {
		req.Concurrency = s.opts.ExportConcurrency
	}

	sum, err := s.sess.Export(c.Request.Context(), e.Pipeline, session.ExportRequest{
		Format:      req.Format,
		Destination: req.Destination,
		Frames:      req.Frames,
		Params:      req.Params,
		Concurrency: req.Concurrency,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ExportResponse{Frames: sum.Frames, DurationMs: sum.Duration.Milliseconds()})
}

// entry resolves the :id parameter, writing the error response itself.
func (s *Server) entry(c *gin.Context) (*session.Entry, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid pipeline id", Code: "INVALID_ID"})
		return nil, false
	}
	e, err := s.sess.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
		return nil, false
	}
	return e, true
}

// fail maps err to a status code and error code.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case flowerr.IsCanceled(err):
		// 499 as used by nginx for a client that went away.
		status, code = 499, "CANCELED"
	case errors.Is(err, session.ErrUnknownPipeline):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, flowerr.ErrParameter), errors.Is(err, flowerr.ErrFormatDetection):
		status, code = http.StatusBadRequest, "INVALID_PARAMETER"
	case errors.Is(err, flowerr.ErrFrameOutOfRange):
		status, code = http.StatusNotFound, "FRAME_OUT_OF_RANGE"
	case errors.Is(err, flowerr.ErrLoadFailed), errors.Is(err, flowerr.ErrStageEvaluation),
		errors.Is(err, flowerr.ErrPendingExhausted), errors.Is(err, flowerr.ErrPropertyValidation):
		status, code = http.StatusUnprocessableEntity, "EVALUATION_FAILED"
	case errors.Is(err, session.ErrClosed):
		status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func describe(e *session.Entry) PipelineResponse {
	names := make([]string, 0, len(e.Pipeline.Stages()))
	for _, app := range e.Pipeline.Stages() {
		names = append(names, app.Stage().Name())
	}
	return PipelineResponse{
		ID:        e.Pipeline.ID().String(),
		Format:    e.Source.Importer().Format(),
		Frames:    e.Pipeline.NumFrames(),
		Locations: e.Locations,
		Files:     e.Source.Locations(),
		Stages:    names,
		Created:   e.Created,
	}
}
