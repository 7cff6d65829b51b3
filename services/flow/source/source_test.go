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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/collection"
	"github.com/AleutianAI/AleutianFlow/services/flow/container"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/importer"
	"github.com/AleutianAI/AleutianFlow/services/flow/location"
)

var errBroken = errors.New("broken frame")

// fakeImporter serves a configurable number of synthetic frames and
// counts how often each is loaded. Loads block on gate while it is open.
type fakeImporter struct {
	mu        sync.Mutex
	frames    int
	revisions map[int]uint64
	failing   map[int]bool
	gate      chan struct{}
	discGate  chan struct{}

	discovers atomic.Int64
	loads     [8]atomic.Int64
}

func newFake(frames int) *fakeImporter {
	return &fakeImporter{frames: frames, revisions: map[int]uint64{}, failing: map[int]bool{}}
}

func (f *fakeImporter) Format() string { return "fake" }

func (f *fakeImporter) Detect(p importer.Probe) bool { return strings.HasSuffix(p.Name, ".fake") }

func (f *fakeImporter) Params() *importer.ParamSet { return importer.NewParamSet("fake") }

func (f *fakeImporter) DiscoverFrames(ctx context.Context, _ location.Fetcher, url string) ([]importer.Frame, error) {
	f.discovers.Add(1)
	f.mu.Lock()
	gate := f.discGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, flowerr.Canceled("discover", ctx)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]importer.Frame, f.frames)
	for i := range out {
		out[i] = importer.Frame{SourceURL: url, Index: i, Fingerprint: f.revisions[i]}
	}
	return out, nil
}

func (f *fakeImporter) LoadFrame(ctx context.Context, _ location.Fetcher, fr importer.Frame) (*collection.DataCollection, error) {
	f.loads[fr.Index].Add(1)
	f.mu.Lock()
	gate := f.gate
	failing := f.failing[fr.Index]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, flowerr.Canceled("load", ctx)
		}
	}
	if failing {
		return nil, errBroken
	}
	d := collection.New()
	parts, err := d.CreateContainer(collection.KeyParticles, container.Particles)
	if err != nil {
		return nil, err
	}
	pos := make([][]float64, fr.Index+1)
	for i := range pos {
		pos[i] = []float64{float64(i), float64(fr.Index), 0}
	}
	if _, err := parts.CreateProperty(container.ByRole(container.RolePosition), container.WithData(pos)); err != nil {
		return nil, err
	}
	return d, nil
}

func (f *fakeImporter) setGate(ch chan struct{}) {
	f.mu.Lock()
	f.gate = ch
	f.mu.Unlock()
}

func writeInput(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("frames\n"), 0o644))
	url, err := location.Normalize(path)
	require.NoError(t, err)
	return url
}

func newTestSource(t *testing.T, fake *fakeImporter, opts ...Option) (*FileSource, string) {
	t.Helper()
	reg := importer.NewRegistry()
	reg.Register("fake", func() importer.Importer { return fake })
	src := New(reg, location.NewRouter(), nil, opts...)
	t.Cleanup(func() { src.Close() })

	url := writeInput(t, "traj.fake")
	require.NoError(t, src.Load(context.Background(), []string{url}, nil))
	return src, url
}

func TestComputeLoadsOnce(t *testing.T) {
	fake := newFake(3)
	gate := make(chan struct{})
	fake.setGate(gate)
	src, _ := newTestSource(t, fake)

	const callers = 8
	results := make([]*collection.DataCollection, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := src.Compute(context.Background(), 1)
			if assert.NoError(t, err) {
				results[i] = st.Data
			}
		}(i)
	}

	require.Eventually(t, func() bool { return src.FrameStatus(1) == FrameLoading }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), fake.loads[1].Load())
	for _, d := range results {
		require.NotNil(t, d)
		assert.Same(t, results[0], d)
	}
	assert.True(t, results[0].IsFrozen())

	again, err := src.Compute(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, again.Data.ContentEqual(results[0]))
	assert.Equal(t, int64(1), fake.loads[1].Load(), "second compute is served from the cache")
	assert.Equal(t, FrameReady, src.FrameStatus(1))
	assert.Equal(t, []int{1}, src.CachedFrames())
}

func TestLoadedFrameAttributes(t *testing.T) {
	src, url := newTestSource(t, newFake(2))

	st, err := src.Compute(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Frame)
	assert.Equal(t, 2, st.Data.Particles().Len())

	attrs := st.Data.Attributes()
	require.NotNil(t, attrs)
	v, ok := attrs.Get(AttrSourceFrame)
	require.True(t, ok)
	assert.Equal(t, int64(1), v)
	v, _ = attrs.Get(AttrSourceFile)
	assert.Equal(t, url, v)
	v, _ = attrs.Get(AttrTimestep)
	assert.Equal(t, int64(1), v)
}

func TestWaitForFramesListCancelThenRetry(t *testing.T) {
	fake := newFake(4)
	gate := make(chan struct{})
	fake.discGate = gate
	src, _ := newTestSource(t, fake)

	ctx, cancelFn := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelFn()
	_, err := src.WaitForFramesList(ctx)
	require.Error(t, err)
	assert.True(t, flowerr.IsCanceled(err))
	assert.Zero(t, src.NumFrames())

	close(gate)
	n, err := src.WaitForFramesList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(1), fake.discovers.Load(), "the retry joins the scan started before")
}

func TestCanceledWaiterDoesNotAbortLoad(t *testing.T) {
	fake := newFake(2)
	gate := make(chan struct{})
	fake.setGate(gate)
	src, _ := newTestSource(t, fake)

	ctx, cancelFn := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelFn()
	_, err := src.Compute(ctx, 0)
	require.Error(t, err)
	assert.True(t, flowerr.IsCanceled(err))
	assert.True(t, flowerr.IsRetryable(err))

	close(gate)
	require.Eventually(t, func() bool { return src.FrameStatus(0) == FrameReady }, time.Second, time.Millisecond)

	_, err = src.Compute(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fake.loads[0].Load())
}

func TestEvaluateReportsErrorsInState(t *testing.T) {
	fake := newFake(2)
	fake.failing[1] = true
	src, _ := newTestSource(t, fake)

	st, err := src.Evaluate(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, st.Status.IsError())
	assert.ErrorIs(t, st.Status.AsError(), flowerr.ErrLoadFailed)
	assert.ErrorIs(t, st.Status.AsError(), errBroken)
	assert.True(t, st.IsPublished())

	_, err = src.Compute(context.Background(), 1)
	assert.ErrorIs(t, err, errBroken)
	assert.Equal(t, int64(1), fake.loads[1].Load(), "failure is remembered")
	assert.Equal(t, FrameFailed, src.FrameStatus(1))

	st, err = src.Evaluate(context.Background(), 5)
	require.NoError(t, err)
	assert.ErrorIs(t, st.Status.AsError(), flowerr.ErrFrameOutOfRange)
}

func TestFailedLoadRetriedAfterTTL(t *testing.T) {
	fake := newFake(1)
	fake.failing[0] = true
	src, _ := newTestSource(t, fake, WithErrorTTL(10*time.Millisecond))

	_, err := src.Compute(context.Background(), 0)
	require.Error(t, err)

	fake.mu.Lock()
	fake.failing[0] = false
	fake.mu.Unlock()
	time.Sleep(20 * time.Millisecond)

	_, err = src.Compute(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fake.loads[0].Load())
}

func TestUnboundSource(t *testing.T) {
	src := New(importer.NewRegistry(), location.NewRouter(), nil)
	defer src.Close()

	_, err := src.Evaluate(context.Background(), 0)
	assert.ErrorIs(t, err, flowerr.ErrNotBound)
	_, err = src.WaitForFramesList(context.Background())
	assert.ErrorIs(t, err, flowerr.ErrNotBound)
	st := src.EvaluatePreliminary(0)
	assert.True(t, st.Status.IsError())
	assert.False(t, src.IsBound())
}

func TestLoadUnknownFormatKeepsBinding(t *testing.T) {
	src, url := newTestSource(t, newFake(1))
	other := writeInput(t, "data.unknown")

	err := src.Load(context.Background(), []string{other}, nil)
	assert.ErrorIs(t, err, flowerr.ErrFormatDetection)
	assert.Equal(t, []string{url}, src.Locations())
}

func TestRebindCancelsPendingLoads(t *testing.T) {
	fake := newFake(2)
	fake.setGate(make(chan struct{}))
	src, _ := newTestSource(t, fake)

	var changes []int
	var mu sync.Mutex
	unsubscribe := src.OnFramesChanged(func(n int) {
		mu.Lock()
		changes = append(changes, n)
		mu.Unlock()
	})
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		_, err := src.Compute(context.Background(), 0)
		done <- err
	}()
	require.Eventually(t, func() bool { return src.FrameStatus(0) == FrameLoading }, time.Second, time.Millisecond)

	next := writeInput(t, "next.fake")
	require.NoError(t, src.Load(context.Background(), []string{next}, nil))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, flowerr.IsCanceled(err))
	case <-time.After(time.Second):
		t.Fatal("load of the previous binding was not canceled")
	}
	assert.Equal(t, FrameUnknown, src.FrameStatus(0))
	assert.Equal(t, []string{next}, src.Locations())

	mu.Lock()
	assert.Contains(t, changes, -1)
	mu.Unlock()
}

func TestRequestReload(t *testing.T) {
	fake := newFake(2)
	src, _ := newTestSource(t, fake)
	ctx := context.Background()

	_, err := src.Compute(ctx, 0)
	require.NoError(t, err)
	_, err = src.Compute(ctx, 1)
	require.NoError(t, err)

	src.RequestReload(0)
	assert.Equal(t, []int{1}, src.CachedFrames())
	_, err = src.Compute(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fake.loads[0].Load())

	src.RequestReload(-1)
	assert.Empty(t, src.CachedFrames())
	_, err = src.Compute(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fake.loads[1].Load())
}

func TestRequestFramesUpdateKeepsUnchangedFrames(t *testing.T) {
	fake := newFake(2)
	src, _ := newTestSource(t, fake)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := src.Compute(ctx, i)
		require.NoError(t, err)
	}

	fake.mu.Lock()
	fake.frames = 3
	fake.revisions[1] = 7
	fake.mu.Unlock()

	n, err := src.RequestFramesUpdate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{0}, src.CachedFrames(), "changed frame dropped, unchanged frame kept")
}

func TestOnInvalidate(t *testing.T) {
	fake := newFake(2)
	src, _ := newTestSource(t, fake)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := src.Compute(ctx, i)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var got []int
	seen := func() []int {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), got...)
	}
	unsubscribe := src.OnInvalidate(func(frame int) {
		mu.Lock()
		got = append(got, frame)
		mu.Unlock()
	})

	src.RequestReload(0)
	assert.Equal(t, []int{0}, seen())

	fake.mu.Lock()
	fake.revisions[1] = 9
	fake.mu.Unlock()
	_, err := src.RequestFramesUpdate(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(seen()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 1}, seen())

	require.NoError(t, src.Load(ctx, []string{writeInput(t, "other.fake")}, nil))
	assert.Equal(t, []int{0, 1, -1}, seen())

	unsubscribe()
	src.RequestReload(-1)
	assert.Equal(t, []int{0, 1, -1}, seen())
}

func TestEvaluatePreliminary(t *testing.T) {
	fake := newFake(3)
	src, _ := newTestSource(t, fake)
	ctx := context.Background()

	_, err := src.Compute(ctx, 0)
	require.NoError(t, err)

	gate := make(chan struct{})
	fake.setGate(gate)
	st := src.EvaluatePreliminary(2)
	assert.True(t, st.Status.IsPending())
	assert.Equal(t, 0, st.Frame, "labelled with the frame the data comes from")
	assert.Equal(t, 1, st.Data.Particles().Len(), "nearest cached frame stands in")

	close(gate)
	require.Eventually(t, func() bool { return src.FrameStatus(2) == FrameReady }, time.Second, time.Millisecond)
	st = src.EvaluatePreliminary(2)
	assert.True(t, st.Status.IsSuccess())
	assert.Equal(t, 2, st.Frame)
	assert.Equal(t, 3, st.Data.Particles().Len())
}

func TestEvaluatePreliminaryWithEmptyCache(t *testing.T) {
	fake := newFake(3)
	src, _ := newTestSource(t, fake)

	gate := make(chan struct{})
	fake.setGate(gate)
	defer close(gate)
	st := src.EvaluatePreliminary(1)
	assert.True(t, st.Status.IsPending())
	assert.Equal(t, -1, st.Frame)
	assert.Equal(t, 0, st.Data.Len())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	fake := newFake(4)
	src, _ := newTestSource(t, fake, WithMaxFrames(2))
	ctx := context.Background()

	for _, f := range []int{0, 1, 0, 2} {
		_, err := src.Compute(ctx, f)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 2}, src.CachedFrames())

	stats := src.CacheStats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(3), stats.Loads)
	assert.Equal(t, 2, stats.EntryCount)
}

func TestCloseCancelsBackgroundWork(t *testing.T) {
	fake := newFake(1)
	fake.setGate(make(chan struct{}))
	src, _ := newTestSource(t, fake)

	done := make(chan error, 1)
	go func() {
		_, err := src.Compute(context.Background(), 0)
		done <- err
	}()
	require.Eventually(t, func() bool { return src.FrameStatus(0) == FrameLoading }, time.Second, time.Millisecond)
	require.NoError(t, src.Close())

	select {
	case err := <-done:
		assert.True(t, flowerr.IsCanceled(err))
	case <-time.After(time.Second):
		t.Fatal("close did not cancel the load")
	}
}
