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
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Watch event names.
const (
	EventWatching      = "watching"
	EventFramesChanged = "frames_changed"
	EventError         = "error"
)

const writeWait = 10 * time.Second

// WatchEvent is one websocket message of /watch.
type WatchEvent struct {
	Event    string `json:"event"`
	Pipeline string `json:"pipeline"`
	Frames   int    `json:"frames"`
	Error    string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same-origin checks are left to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWatch streams frame list changes of a pipeline until the client
// disconnects. Clients send nothing; any message they send is ignored.
func (s *Server) handleWatch(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	id := e.Pipeline.ID().String()

	events := make(chan WatchEvent, 16)
	stop, err := s.sess.Watch(ctx, e.Pipeline.ID(), func(n int, err error) {
		ev := WatchEvent{Event: EventFramesChanged, Pipeline: id, Frames: n}
		if err != nil {
			ev.Event, ev.Error = EventError, err.Error()
		}
		select {
		case events <- ev:
		default:
			// slow client; a later event carries the current count
		}
	})
	if err != nil {
		_ = ws.WriteJSON(WatchEvent{Event: EventError, Pipeline: id, Error: err.Error()})
		return
	}
	defer stop()

	if err := ws.WriteJSON(WatchEvent{Event: EventWatching, Pipeline: id, Frames: e.Pipeline.NumFrames()}); err != nil {
		return
	}
	s.logger.Info("watch started", slog.String("pipeline_id", id))

	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("watch ended", slog.String("pipeline_id", id))
			return
		case ev := <-events:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
