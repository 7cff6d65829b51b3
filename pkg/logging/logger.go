// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging builds the structured loggers of the flow tools.
//
// A Logger fans every record out to up to three destinations:
//
//   - the console (stderr by default), text or JSON
//   - a JSON log file per service and day, when LogDir is set
//   - a LogExporter, for shipping logs elsewhere
//
// Library packages never import this package; they accept a *slog.Logger.
// Front ends create a Logger from configuration and hand out Slog().
//
//	logger, err := logging.New(logging.Config{Level: logging.LevelInfo, Service: "flowd"})
//	if err != nil { ... }
//	defer logger.Close()
//	src := source.New(reg, fetcher, logger.Slog())
//
// Logger does not redact anything. Do not log credentials or tokens.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// Level is a log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fromSlogLevel(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// Config configures New. The zero value logs Info and above as text to
// stderr.
type Config struct {
	Level Level

	// LogDir enables a JSON log file "{Service}_{YYYY-MM-DD}.log" in this
	// directory. A leading ~ is expanded.
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches the console format to JSON.
	JSON bool

	// Quiet disables console output.
	Quiet bool

	// Console replaces stderr as console destination.
	Console io.Writer

	// Exporter receives every record at or above Level.
	Exporter LogExporter
}

// LogExporter ships log entries to an external system. Export is called
// synchronously from the logging goroutine; implementations should
// buffer and return quickly.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is one exported record.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// Logger owns the destinations of one process.
//
// Thread Safety: safe for concurrent use.
type Logger struct {
	slog     *slog.Logger
	file     *os.File
	exporter LogExporter

	closeOnce sync.Once
	closeErr  error
}

// New creates a Logger. It fails only when the log file cannot be
// created.
func New(cfg Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level.toSlogLevel()}
	l := &Logger{exporter: cfg.Exporter}

	var handlers []slog.Handler
	if !cfg.Quiet {
		w := cfg.Console
		if w == nil {
			w = os.Stderr
		}
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(w, opts))
		}
	}
	if cfg.LogDir != "" {
		f, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			return nil, err
		}
		l.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}
	if cfg.Exporter != nil {
		handlers = append(handlers, &exportHandler{
			exporter: cfg.Exporter,
			level:    cfg.Level.toSlogLevel(),
			service:  cfg.Service,
		})
	}
	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(io.Discard, opts))
	}

	handler := slogmulti.Fanout(handlers...)
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.slog = slog.New(handler)
	return l, nil
}

// Default returns a console-only Info logger for the flow CLI.
func Default() *Logger {
	l, _ := New(Config{Level: LevelInfo, Service: "flow"})
	return l
}

// Slog returns the logger to pass to library packages.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Close flushes the exporter and closes the log file. Later calls
// return the first result.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		var errs []error
		if l.exporter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.exporter.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush exporter: %w", err))
			}
			cancel()
			if err := l.exporter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close exporter: %w", err))
			}
		}
		if l.file != nil {
			if err := l.file.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("sync log file: %w", err))
			}
			if err := l.file.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close log file: %w", err))
			}
		}
		l.closeErr = errors.Join(errs...)
	})
	return l.closeErr
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if service == "" {
		service = "flow"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// exportHandler turns records into LogEntry values for a LogExporter.
type exportHandler struct {
	exporter LogExporter
	level    slog.Level
	service  string
	attrs    []slog.Attr
	group    string
}

func (h *exportHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *exportHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(attrs, h.group, a)
		return true
	})
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	// Export failures must not break logging.
	_ = h.exporter.Export(ctx, LogEntry{
		Timestamp: r.Time,
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	})
	return nil
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

func (h *exportHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	if cp.group != "" {
		cp.group += "." + name
	} else {
		cp.group = name
	}
	return &cp
}

func addAttr(m map[string]any, prefix string, a slog.Attr) {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, g := range v.Group() {
			addAttr(m, key, g)
		}
		return
	}
	m[key] = v.Any()
}

// BufferedExporter keeps entries in memory, for tests.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	flushed int
}

// NewBufferedExporter returns an empty exporter.
func NewBufferedExporter() *BufferedExporter { return &BufferedExporter{} }

// Export implements LogExporter.
func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	e.entries = append(e.entries, entry)
	e.mu.Unlock()
	return nil
}

// Flush implements LogExporter.
func (e *BufferedExporter) Flush(context.Context) error {
	e.mu.Lock()
	e.flushed++
	e.mu.Unlock()
	return nil
}

// Close implements LogExporter.
func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of the collected entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LogEntry(nil), e.entries...)
}

// Flushes returns how often Flush was called.
func (e *BufferedExporter) Flushes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushed
}
