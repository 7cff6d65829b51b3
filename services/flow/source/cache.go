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
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowstate"
)

// loadFunc loads one frame. It runs detached from the requesting caller.
type loadFunc func() (*flowstate.State, error)

// frameCache is an LRU cache of published frame states with load
// deduplication.
//
// Every key carries a version, bumped by invalidation. A load started
// under an older version delivers its result to the callers that joined
// it but is not inserted.
//
// Thread Safety:
//
//	frameCache is safe for concurrent use.
type frameCache struct {
	mu       sync.RWMutex
	gen      uint64
	entries  map[frameKey]*frameEntry
	lru      *list.List
	flight   singleflight.Group
	failed   map[frameKey]*failedLoad
	loading  map[frameKey]int
	epoch    uint64
	versions map[frameKey]uint64
	options  Options

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	loads     atomic.Int64
	errors    atomic.Int64
}

func newFrameCache(opts Options) *frameCache {
	return &frameCache{
		entries:  make(map[frameKey]*frameEntry),
		lru:      list.New(),
		failed:   make(map[frameKey]*failedLoad),
		loading:  make(map[frameKey]int),
		versions: make(map[frameKey]uint64),
		options:  opts,
	}
}

func (c *frameCache) versionLocked(k frameKey) uint64 {
	return c.epoch + c.versions[k]
}

// get returns a cached state and counts the hit or miss.
func (c *frameCache) get(ctx context.Context, k frameKey) (*flowstate.State, bool) {
	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		recordMiss(ctx)
		return nil, false
	}
	e.lastAccessMilli = time.Now().UnixMilli()
	c.lru.MoveToFront(e.lruElement)
	st := e.state
	c.mu.Unlock()

	c.hits.Add(1)
	recordHit(ctx)
	return st, true
}

// peek returns a cached state without touching statistics or LRU order.
func (c *frameCache) peek(k frameKey) (*flowstate.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	return e.state, true
}

// getOrLoad returns the cached state for k or joins the single in-flight
// load for it, starting one if needed.
//
// Description:
//
//	Concurrent callers for the same key and version share one load. The
//	load runs to completion even when every waiter gives up, so its
//	result is cached for the next request. Load errors other than
//	cancellations are remembered for ErrorTTL.
//
// Outputs:
//
//	*flowstate.State - The published state.
//	error - The load error, or a CanceledError if ctx ended first.
func (c *frameCache) getOrLoad(ctx context.Context, k frameKey, load loadFunc) (*flowstate.State, error) {
	if st, ok := c.get(ctx, k); ok {
		return st, nil
	}

	c.mu.Lock()
	ver := c.versionLocked(k)
	if fl, ok := c.failed[k]; ok {
		if fl.version == ver && time.Now().Before(fl.retryAt) {
			c.mu.Unlock()
			return nil, fl.err
		}
		delete(c.failed, k)
	}
	c.mu.Unlock()

	ch := c.flight.DoChan(fmt.Sprintf("%s/%d", k, ver), func() (interface{}, error) {
		// A load for this key may have finished between the miss above
		// and this flight starting.
		if st, ok := c.peek(k); ok {
			return st, nil
		}

		c.setLoading(k, 1)
		defer c.setLoading(k, -1)

		start := time.Now()
		st, err := load()
		if err != nil {
			if flowerr.IsCanceled(err) {
				recordLoad(context.Background(), time.Since(start), "canceled")
				return nil, err
			}
			c.errors.Add(1)
			c.rememberError(k, ver, err)
			recordLoad(context.Background(), time.Since(start), "error")
			return nil, err
		}
		c.loads.Add(1)
		c.insert(k, ver, st)
		recordLoad(context.Background(), time.Since(start), "ok")
		return st, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*flowstate.State), nil
	case <-ctx.Done():
		return nil, flowerr.Canceled(fmt.Sprintf("load frame %d", k.frame), ctx)
	}
}

func (c *frameCache) setLoading(k frameKey, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading[k] += delta
	if c.loading[k] <= 0 {
		delete(c.loading, k)
	}
}

func (c *frameCache) rememberError(k frameKey, ver uint64, err error) {
	if c.options.ErrorTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if k.gen != c.gen || c.versionLocked(k) != ver {
		return
	}
	c.failed[k] = &failedLoad{err: err, version: ver, retryAt: time.Now().Add(c.options.ErrorTTL)}
}

// insert adds a loaded state unless k was invalidated meanwhile.
func (c *frameCache) insert(k frameKey, ver uint64, st *flowstate.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if k.gen != c.gen || c.versionLocked(k) != ver {
		return
	}
	now := time.Now().UnixMilli()
	bytes := estimateBytes(st.Data)
	if existing, ok := c.entries[k]; ok {
		existing.state = st
		existing.loadedAtMilli = now
		existing.bytes = bytes
		c.lru.MoveToFront(existing.lruElement)
		return
	}

	c.evictIfNeeded(bytes)
	e := &frameEntry{key: k, state: st, loadedAtMilli: now, lastAccessMilli: now, bytes: bytes}
	e.lruElement = c.lru.PushFront(k)
	c.entries[k] = e
}

// evictIfNeeded makes room for an entry of the given size. Caller holds
// the write lock.
func (c *frameCache) evictIfNeeded(incoming int64) {
	for len(c.entries) >= c.options.MaxFrames {
		if !c.evictLRULocked() {
			break
		}
	}
	if c.options.MaxMemoryMB > 0 {
		maxBytes := int64(c.options.MaxMemoryMB) * 1024 * 1024
		for c.bytesLocked()+incoming > maxBytes {
			if !c.evictLRULocked() {
				break
			}
		}
	}
}

func (c *frameCache) evictLRULocked() bool {
	back := c.lru.Back()
	if back == nil {
		return false
	}
	k := back.Value.(frameKey)
	c.removeLocked(k)
	c.evictions.Add(1)
	recordEviction(context.Background())
	return true
}

func (c *frameCache) bytesLocked() int64 {
	var total int64
	for _, e := range c.entries {
		total += e.bytes
	}
	return total
}

func (c *frameCache) removeLocked(k frameKey) {
	if e, ok := c.entries[k]; ok {
		c.lru.Remove(e.lruElement)
		delete(c.entries, k)
	}
}

// invalidate drops one frame. A load in flight for it is not inserted.
func (c *frameCache) invalidate(k frameKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[k]++
	c.removeLocked(k)
	delete(c.failed, k)
}

// clear drops every frame of the current generation.
func (c *frameCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for k := range c.entries {
		c.removeLocked(k)
	}
	c.failed = make(map[frameKey]*failedLoad)
}

// rebind switches to a new generation and drops everything.
func (c *frameCache) rebind(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen = gen
	c.epoch++
	c.entries = make(map[frameKey]*frameEntry)
	c.lru.Init()
	c.failed = make(map[frameKey]*failedLoad)
	c.versions = make(map[frameKey]uint64)
}

// status reports the load state of k.
func (c *frameCache) status(k frameKey) FrameStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.entries[k]; ok {
		return FrameReady
	}
	if c.loading[k] > 0 {
		return FrameLoading
	}
	if fl, ok := c.failed[k]; ok && time.Now().Before(fl.retryAt) {
		return FrameFailed
	}
	return FrameUnknown
}

// nearest returns the cached state of gen closest to frame.
func (c *frameCache) nearest(gen uint64, frame int) (*flowstate.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best *frameEntry
	bestDist := -1
	for k, e := range c.entries {
		if k.gen != gen {
			continue
		}
		d := k.frame - frame
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist || (d == bestDist && k.frame < best.key.frame) {
			best, bestDist = e, d
		}
	}
	if best == nil {
		return nil, false
	}
	return best.state, true
}

// cachedFrames returns the cached frame numbers of gen in ascending order.
func (c *frameCache) cachedFrames(gen uint64) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []int
	for k := range c.entries {
		if k.gen == gen {
			out = append(out, k.frame)
		}
	}
	sort.Ints(out)
	return out
}

// stats returns current cache statistics.
func (c *frameCache) stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		EntryCount:        len(c.entries),
		Hits:              c.hits.Load(),
		Misses:            c.misses.Load(),
		Evictions:         c.evictions.Load(),
		Loads:             c.loads.Load(),
		Errors:            c.errors.Load(),
		MaxEntries:        c.options.MaxFrames,
		EstimatedMemoryMB: int(c.bytesLocked() / (1024 * 1024)),
	}
}
