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
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianFlow/services/flow/location"
)

// FileChange is one file system event on a watched input.
type FileChange struct {
	Path string
	Op   fsnotify.Op
	Time time.Time
}

// UpdateFunc is called after a debounced rescan.
type UpdateFunc func(numFrames int, err error)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more changes before rescanning.
	DebounceWindow time.Duration

	// BufferSize is the size of the change buffer channel.
	BufferSize int
}

// DefaultWatcherOptions returns the defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 200 * time.Millisecond,
		BufferSize:     256,
	}
}

// Watcher rescans a source's frame list when its local input files change.
//
// Changes are debounced: a burst of writes to a trajectory that is still
// being written triggers one rescan after the burst. Only file://
// locations are watched.
//
// Thread Safety:
//
//	Safe for concurrent use. The update callback runs on a single goroutine.
type Watcher struct {
	src      *FileSource
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
	onUpdate UpdateFunc

	changes  chan FileChange
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
	patterns []string
}

// NewWatcher creates a watcher for src. onUpdate may be nil.
func NewWatcher(src *FileSource, onUpdate UpdateFunc, opts *WatcherOptions) (*Watcher, error) {
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		src:      src,
		watcher:  fw,
		debounce: opts.DebounceWindow,
		logger:   src.logger,
		onUpdate: onUpdate,
		changes:  make(chan FileChange, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directories of the source's current locations.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	b, err := w.src.current()
	if err != nil {
		return err
	}
	dirs := make(map[string]bool)
	var patterns []string
	for _, raw := range b.patterns {
		url, err := location.Normalize(raw)
		if err != nil || location.Scheme(url) != "file" {
			continue
		}
		p := strings.TrimPrefix(url, "file://")
		patterns = append(patterns, p)
		dirs[filepath.Dir(p)] = true
	}
	for _, url := range w.src.Locations() {
		if location.Scheme(url) == "file" {
			dirs[filepath.Dir(strings.TrimPrefix(url, "file://"))] = true
		}
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.patterns = patterns
	w.mu.Unlock()

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// relevant reports whether path is one of the inputs or matches one of
// the bound patterns.
func (w *Watcher) relevant(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, p := range w.patterns {
		if p == path {
			return true
		}
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}
			select {
			case w.changes <- FileChange{Path: event.Name, Op: event.Op, Time: time.Now()}:
			default:
				// buffer full; the pending rescan covers this change
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	var batch []FileChange
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		w.logger.Debug("input files changed", slog.Int("events", len(batch)))
		batch = batch[:0]
		n, err := w.src.RequestFramesUpdate(ctx)
		if err != nil {
			w.logger.Warn("rescan after file change failed", slog.String("error", err.Error()))
		}
		if w.onUpdate != nil {
			w.onUpdate(n, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}
