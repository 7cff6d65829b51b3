// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/flowerr"
	"github.com/AleutianAI/AleutianFlow/services/flow/stages"
)

const twoFrames = `2
Properties=pos:R:3:Value:R:1 Time=0
0 0 0 1.5
1 1 1 -2
2
Properties=pos:R:3:Value:R:1 Time=1
0 0 0 3
1 1 1 4
`

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

var doubled = []stages.Spec{{Type: stages.TypeCompute, Output: "Doubled", Input: "Value", Op: "scale", Scalar: 2}}

func TestImportFile_DoubledValue(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	defer s.Close()

	path := writeInput(t, t.TempDir(), "seq.xyz", twoFrames)
	e, err := s.ImportFile(ctx, []string{path}, nil, WithStages(doubled))
	require.NoError(t, err)
	assert.Equal(t, 2, e.Pipeline.NumFrames())
	assert.Equal(t, "xyz", e.Source.Importer().Format())

	want := [][]float64{{3, -4}, {6, 8}}
	for frame := 0; frame < 2; frame++ {
		out, err := e.Pipeline.ComputeFrame(ctx, frame)
		require.NoError(t, err)
		particles := out.Data.Particles()
		require.NotNil(t, particles)
		d := particles.Get("Doubled")
		require.NotNil(t, d, "frame %d", frame)
		assert.Equal(t, want[frame], d.Read().Float64s())

		// The source's cached frame never sees the stage output.
		cached, err := e.Source.Compute(ctx, frame)
		require.NoError(t, err)
		assert.Nil(t, cached.Data.Particles().Get("Doubled"))
		assert.Same(t, cached.Data.Particles().Get("Value"), particles.Get("Value"))
	}

	again, err := e.Source.Compute(ctx, 1)
	require.NoError(t, err)
	first, err := e.Source.Compute(ctx, 1)
	require.NoError(t, err)
	assert.True(t, first.Data.ContentEqual(again.Data))
	assert.Equal(t, []int{0, 1}, e.Source.CachedFrames())
}

func TestImportFile_Wildcard(t *testing.T) {
	dir := t.TempDir()
	one := "1\nProperties=pos:R:3:Value:R:1\n0 0 0 1\n"
	writeInput(t, dir, "frame_10.xyz", one)
	writeInput(t, dir, "frame_2.xyz", one)
	writeInput(t, dir, "other.xyz", one)

	s := New(Config{})
	defer s.Close()
	e, err := s.ImportFile(context.Background(), []string{filepath.Join(dir, "frame_*.xyz")}, nil)
	require.NoError(t, err)
	require.Len(t, e.Source.Locations(), 2)
	assert.Contains(t, e.Source.Locations()[0], "frame_2.xyz")
	assert.Equal(t, 2, e.Pipeline.NumFrames())
}

func TestImportFile_Errors(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{})
	defer s.Close()

	_, err := s.ImportFile(context.Background(), []string{writeInput(t, dir, "notes.txt", "hello world\n")}, nil)
	assert.ErrorIs(t, err, flowerr.ErrFormatDetection)

	path := writeInput(t, dir, "seq.xyz", twoFrames)
	_, err = s.ImportFile(context.Background(), []string{path}, map[string]any{"no_such_param": true})
	assert.ErrorIs(t, err, flowerr.ErrParameter)

	_, err = s.ImportFile(context.Background(), []string{path}, nil,
		WithStages([]stages.Spec{{Type: "explode"}}))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.ImportFile(ctx, []string{path}, nil)
	assert.True(t, flowerr.IsCanceled(err), "got %v", err)

	assert.Empty(t, s.Entries())
}

func TestExport_ReimportsWithStageOutput(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(Config{})
	defer s.Close()

	e, err := s.ImportFile(ctx, []string{writeInput(t, dir, "seq.xyz", twoFrames)}, nil, WithStages(doubled))
	require.NoError(t, err)

	var progress int
	dest := filepath.Join(dir, "out.json")
	sum, err := s.Export(ctx, e.Pipeline, ExportRequest{
		Format:      "json",
		Destination: dest,
		Concurrency: 2,
		Progress:    func(done, _ int) { progress = done },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Frames)
	assert.Equal(t, 2, progress)

	back, err := s.ImportFile(ctx, []string{dest}, nil)
	require.NoError(t, err)
	assert.Equal(t, "json", back.Source.Importer().Format())
	out, err := back.Pipeline.ComputeFrame(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 8}, out.Data.Particles().Get("Doubled").Read().Float64s())

	_, err = s.Export(ctx, e.Pipeline, ExportRequest{Format: "pdb", Destination: dest})
	assert.ErrorIs(t, err, flowerr.ErrParameter)

	_, err = s.Export(ctx, e.Pipeline, ExportRequest{Format: "columns", Destination: dest,
		Params: map[string]any{"precision": "many"}})
	assert.ErrorIs(t, err, flowerr.ErrParameter)
}

func TestExport_StopsAtFailingFrame(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(Config{})
	defer s.Close()

	e, err := s.ImportFile(ctx, []string{writeInput(t, dir, "seq.xyz", twoFrames)}, nil,
		WithStages([]stages.Spec{{Type: stages.TypeFreeze, Input: "Value", Frame: 0}}))
	require.NoError(t, err)

	_, err = s.Export(ctx, e.Pipeline, ExportRequest{
		Format:      "json",
		Destination: filepath.Join(dir, "out.json"),
		Frames:      []int{0, 1, 5},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, flowerr.ErrFrameOutOfRange)
}

func TestRemoveAndClose(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(Config{})

	path := writeInput(t, dir, "seq.xyz", twoFrames)
	a, err := s.ImportFile(ctx, []string{path}, nil)
	require.NoError(t, err)
	b, err := s.ImportFile(ctx, []string{path}, nil)
	require.NoError(t, err)
	require.Len(t, s.Entries(), 2)
	assert.Same(t, a, s.Entries()[0])

	got, err := s.Get(b.Pipeline.ID())
	require.NoError(t, err)
	assert.Same(t, b, got)

	require.NoError(t, s.Remove(a.Pipeline.ID()))
	_, err = s.Get(a.Pipeline.ID())
	assert.ErrorIs(t, err, ErrUnknownPipeline)
	assert.ErrorIs(t, s.Remove(a.Pipeline.ID()), ErrUnknownPipeline)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.ImportFile(ctx, []string{path}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

const threeValues = `1
Properties=pos:R:3:Value:R:1 Time=0
0 0 0 10
1
Properties=pos:R:3:Value:R:1 Time=1
0 0 0 20
1
Properties=pos:R:3:Value:R:1 Time=2
0 0 0 30
`

func refValues(t *testing.T, e *Entry, frame int) (value, ref []float64) {
	t.Helper()
	out, err := e.Pipeline.ComputeFrame(context.Background(), frame)
	require.NoError(t, err)
	parts := out.Data.Particles()
	return parts.Get("Value").Read().Float64s(), parts.Get("Ref").Read().Float64s()
}

func TestFreeze_PreliminaryEvaluationKeepsReferenceFrame(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	defer s.Close()

	e, err := s.ImportFile(ctx, []string{writeInput(t, t.TempDir(), "seq.xyz", threeValues)}, nil,
		WithStages([]stages.Spec{{Type: stages.TypeFreeze, Input: "Value", Output: "Ref", Frame: 1}}))
	require.NoError(t, err)

	_, err = e.Source.Compute(ctx, 2)
	require.NoError(t, err)
	e.Source.RequestReload(1)

	prelim := e.Source.EvaluatePreliminary(1)
	require.True(t, prelim.Status.IsPending())
	assert.Equal(t, 0, prelim.Frame, "nearest cached frame")
	assert.Equal(t, []float64{10}, prelim.Data.Particles().Get("Value").Read().Float64s())

	e.Source.RequestReload(1)
	e.Pipeline.EvaluatePreliminary(e.Pipeline.Animation().FrameToTime(1))

	value, ref := refValues(t, e, 0)
	assert.Equal(t, []float64{10}, value)
	assert.Equal(t, []float64{20}, ref)
}

func TestFreeze_SourceRebindRefreshesReference(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(Config{})
	defer s.Close()

	e, err := s.ImportFile(ctx, []string{writeInput(t, dir, "a.xyz", threeValues)}, nil,
		WithStages([]stages.Spec{{Type: stages.TypeFreeze, Input: "Value", Output: "Ref", Frame: 0}}))
	require.NoError(t, err)
	_, ref := refValues(t, e, 1)
	assert.Equal(t, []float64{10}, ref)

	other := strings.NewReplacer(" 10\n", " -7\n", " 20\n", " -8\n").Replace(threeValues)
	require.NoError(t, e.Source.Load(ctx, []string{writeInput(t, dir, "b.xyz", other)}, nil))
	value, ref := refValues(t, e, 0)
	assert.Equal(t, []float64{-7}, value)
	assert.Equal(t, []float64{-7}, ref)

	value, ref = refValues(t, e, 1)
	assert.Equal(t, []float64{-8}, value)
	assert.Equal(t, []float64{-7}, ref)
}
